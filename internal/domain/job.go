// Package domain holds the durable job model and the error taxonomy shared
// across the coordinator, backends and the HTTP surface.
package domain

import (
	"time"
)

// JobStatus is the durable lifecycle state of a job.
type JobStatus string

const (
	// JobProcessing is the only non-terminal status.
	JobProcessing JobStatus = "PROCESSING"
	// JobCompleted means the agent produced code that passed build verification.
	JobCompleted JobStatus = "COMPLETED"
	// JobError means the job terminated without a verified result.
	JobError JobStatus = "ERROR"
)

// Job is one durable request to produce or modify code. It is created once
// per external request and mutated only by the coordinator; once the status
// is COMPLETED or ERROR it never changes again.
type Job struct {
	JobID       string    `json:"job_id"`
	TargetID    string    `json:"target_id"`
	OwnerID     string    `json:"owner_id"`
	Instruction string    `json:"instruction"`
	Backend     string    `json:"backend"`
	Status      JobStatus `json:"status"`
	// SessionID is the latest backend session token. It is reused across
	// build-failure retries so the conversation context carries forward.
	SessionID  string     `json:"session_id,omitempty"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobError
}
