// Package session tracks in-flight and recently finished jobs in memory and
// exposes the operations the HTTP surface needs: start, status, stop, logs,
// list, delete. Durable job state lives in the store; this layer owns only
// the runtime view of it.
package session

import (
	"context"
	"sync"
	"time"
)

// Status is the runtime state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// Session is the runtime handle for one job. Fields behind mu change as the
// job progresses; the identity fields are immutable after creation.
type Session struct {
	ID      string
	JobID   string
	OwnerID string
	Backend string

	logs   *LogBuffer
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.RWMutex
	status     Status
	errKind    string
	startedAt  time.Time
	finishedAt time.Time
}

func newSession(id, jobID, ownerID, backendName string, cancel context.CancelFunc) *Session {
	return &Session{
		ID:        id,
		JobID:     jobID,
		OwnerID:   ownerID,
		Backend:   backendName,
		logs:      NewLogBuffer(0),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusRunning,
		startedAt: time.Now(),
	}
}

// Snapshot is the JSON view of a session for status and list responses.
// DurationMs keeps counting while the job runs and freezes at finish time.
type Snapshot struct {
	SessionID  string    `json:"session_id"`
	JobID      string    `json:"job_id"`
	Backend    string    `json:"backend"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	DurationMs int64     `json:"duration_ms"`
}

// Snapshot returns a consistent point-in-time view.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	duration := time.Since(s.startedAt)
	if s.status != StatusRunning {
		duration = s.finishedAt.Sub(s.startedAt)
	}
	return Snapshot{
		SessionID:  s.ID,
		JobID:      s.JobID,
		Backend:    s.Backend,
		Status:     s.status,
		Error:      s.errKind,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
		DurationMs: duration.Milliseconds(),
	}
}

// Status returns the current runtime status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Running reports whether the session's job is still in flight.
func (s *Session) Running() bool {
	return s.Status() == StatusRunning
}

// Logs returns buffered output after the absolute offset and the next offset.
func (s *Session) Logs(offset int64) (string, int64) {
	return s.logs.ReadFrom(offset)
}

// Done is closed when the session's job goroutine has fully exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// finish records the terminal runtime state. First writer wins.
func (s *Session) finish(status Status, errKind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return
	}
	s.status = status
	s.errKind = errKind
	s.finishedAt = time.Now()
}

// finishedBefore reports whether the session reached a terminal state before
// the cutoff. Running sessions never qualify.
func (s *Session) finishedBefore(cutoff time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status != StatusRunning && s.finishedAt.Before(cutoff)
}
