// Package identity resolves the caller's owner identity for billing and job
// attribution. Authentication proper lives in front of this service; here the
// owner ID arrives as a trusted header, with an anonymous fallback so local
// development works without any gateway.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"regexp"
	"strings"
)

const (
	// OwnerHeaderName carries the authenticated owner ID set by the gateway.
	OwnerHeaderName = "X-Forge-Owner-ID"

	anonPrefix = "anon_"
)

type contextKey int

const ownerIDKey contextKey = iota

var ownerIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// OwnerIDFromContext extracts the owner ID from the request context.
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithOwnerID returns a context carrying the owner ID. Exported for tests.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func sanitizeOwnerID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !ownerIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func anonymousOwnerID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return anonPrefix + "unknown"
	}
	return anonPrefix + hex.EncodeToString(buf)
}

// Middleware injects the caller's owner ID into the request context. A
// missing or malformed header yields a fresh anonymous ID per request.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID := sanitizeOwnerID(r.Header.Get(OwnerHeaderName))
			if ownerID == "" {
				ownerID = anonymousOwnerID()
			}
			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
		})
	}
}
