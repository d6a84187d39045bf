// Package store persists job metadata and the append-only message log.
package store

import (
	"context"
	"time"

	"github.com/mkravets/codeforge/internal/domain"
	"github.com/mkravets/codeforge/internal/protocol"
)

// Repository defines the interface for persisting jobs and protocol messages.
// Failures here are fatal for the owning job: downstream billing and audit
// depend on the message log being complete.
type Repository interface {
	// CreateJob inserts a new job record in PROCESSING state.
	CreateJob(ctx context.Context, job *domain.Job) error

	// GetJob retrieves a job by ID. Returns (nil, nil) when not found.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// UpdateJobSession records the latest backend session token for a job.
	UpdateJobSession(ctx context.Context, jobID, sessionID string) error

	// FinishJob writes the terminal status exactly once. A second call for
	// the same job returns an error instead of overwriting.
	FinishJob(ctx context.Context, jobID string, status domain.JobStatus, errMsg string, attempts int) error

	// AppendMessage appends one protocol message to the job's log.
	AppendMessage(ctx context.Context, jobID string, msg *protocol.Message) error

	// ListMessages returns a job's messages in append order.
	ListMessages(ctx context.Context, jobID string) ([]*protocol.Message, error)

	// CleanupFinishedJobs removes terminal jobs older than the given age and
	// their messages. Returns the number of jobs removed.
	CleanupFinishedJobs(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close closes the underlying database.
	Close() error
}
