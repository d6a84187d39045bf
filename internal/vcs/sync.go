// Package vcs invokes the external source-control sync collaborator. It is
// called only after a job reaches COMPLETED; conflict handling lives entirely
// on the collaborator's side.
package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// Client calls the sync collaborator over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// New creates a sync client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: defaultRequestTimeout},
	}
}

// SyncResult is the collaborator's structured outcome.
type SyncResult struct {
	CommitID string `json:"commit_id,omitempty"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

// Sync pushes a completed job's working tree. Returns the commit identifier
// on success or the collaborator's structured failure.
func (c *Client) Sync(ctx context.Context, jobID, targetID string) (*SyncResult, error) {
	body, err := json.Marshal(map[string]string{
		"job_id":    jobID,
		"target_id": targetID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call sync collaborator: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	var result SyncResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &result, fmt.Errorf("sync failed with status %d: %s", resp.StatusCode, result.Detail)
	}
	return &result, nil
}
