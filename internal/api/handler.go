// Package api provides the HTTP surface for starting, observing and stopping
// agent sessions.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkravets/codeforge/internal/identity"
	"github.com/mkravets/codeforge/internal/session"
	"github.com/mkravets/codeforge/internal/store"
)

// logPollInterval is the cadence of the poll-diff loop behind streaming
// endpoints. Log output is line-buffered upstream, so sub-second polling is
// indistinguishable from push for a human reader.
const logPollInterval = 500 * time.Millisecond

// Handler serves the session API.
type Handler struct {
	mgr  *session.Manager
	repo store.Repository
}

// NewHandler creates a Handler.
func NewHandler(mgr *session.Manager, repo store.Repository) *Handler {
	return &Handler{mgr: mgr, repo: repo}
}

// RegisterRoutes mounts all session routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/execute/agent", h.Execute)
	r.Get("/status/agent/{sessionID}", h.Status)
	r.Post("/stop/agent/{sessionID}", h.Stop)
	r.Get("/logs/agent/{sessionID}", h.Logs)
	r.Get("/sessions/agent", h.List)
	r.Delete("/sessions/agent/{sessionID}", h.Delete)
	r.Get("/ws/logs/agent/{sessionID}", h.LogsWebSocket)
	r.Get("/health", h.Health)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Execute starts a new agent session. It answers as soon as the job is
// registered; progress is observed through the status and logs endpoints.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.OwnerID = identity.OwnerIDFromContext(r.Context())

	sess, err := h.mgr.Start(r.Context(), req)
	switch {
	case errors.Is(err, session.ErrPrecondition):
		Error(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		Error(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	JSON(w, http.StatusAccepted, map[string]string{
		"session_id": sess.ID,
		"job_id":     sess.JobID,
	})
}

// Status reports a session's runtime state plus the durable job record.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	resp := map[string]interface{}{"session": sess.Snapshot()}
	if job, err := h.repo.GetJob(r.Context(), sess.JobID); err == nil && job != nil {
		resp["job"] = job
	}
	JSON(w, http.StatusOK, resp)
}

// Stop cancels a running session. Stopping a finished session succeeds and
// changes nothing.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	err := h.mgr.Stop(sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case err != nil:
		Error(w, http.StatusInternalServerError, "failed to stop session")
	default:
		JSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": string(h.statusOf(sessionID))})
	}
}

func (h *Handler) statusOf(sessionID string) session.Status {
	if sess, err := h.mgr.Get(sessionID); err == nil {
		return sess.Status()
	}
	return ""
}

// Logs returns buffered session output. Without the stream flag it answers
// one poll: everything after ?offset=N plus the next offset to poll from.
// With ?stream=true it switches to server-sent events and follows the
// session until it finishes.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("stream") == "true" {
		h.streamLogs(w, r, sess)
		return
	}

	offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	chunk, next := sess.Logs(offset)
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  sess.ID,
		"status":      sess.Status(),
		"logs":        chunk,
		"next_offset": next,
	})
}

// streamLogs follows the session's log buffer as server-sent events, ending
// with a done event carrying the terminal status.
func (h *Handler) streamLogs(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var offset int64
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		chunk, next := sess.Logs(offset)
		if chunk != "" {
			writeSSE(w, "log", chunk)
			flusher.Flush()
			offset = next
		}

		if !sess.Running() {
			// Drain whatever arrived between the last poll and the finish.
			if tail, _ := sess.Logs(offset); tail != "" {
				writeSSE(w, "log", tail)
			}
			writeSSE(w, "done", string(sess.Status()))
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
		case <-ticker.C:
		}
	}
}

func writeSSE(w http.ResponseWriter, event, data string) {
	payload, _ := json.Marshal(map[string]string{"data": data})
	_, _ = w.Write([]byte("event: " + event + "\ndata: " + string(payload) + "\n\n"))
}

// List returns all known sessions, running first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": h.mgr.List()})
}

// Delete removes a session from the registry, force-stopping it first if it
// is still running.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.mgr.Delete(chi.URLParam(r, "sessionID"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case err != nil:
		Error(w, http.StatusInternalServerError, "failed to delete session")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Health reports service and database liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := h.mgr.Get(chi.URLParam(r, "sessionID"))
	if errors.Is(err, session.ErrNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}
