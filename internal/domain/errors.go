package domain

import (
	"errors"
	"fmt"
	"time"
)

// BuildError reports a failed build-verification step. It is the only
// retryable error kind: the coordinator feeds its output back to the agent
// and tries again up to the retry budget.
type BuildError struct {
	ExitCode int
	Output   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build verification failed (exit %d)", e.ExitCode)
}

// SpawnError reports that an external tool could not be launched at all, as
// opposed to having run and failed.
type SpawnError struct {
	Backend string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("backend %s: spawn %s: %v", e.Backend, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// InsufficientCreditError is the ledger's rejection of a charge. It is fatal
// on first occurrence regardless of remaining retry budget.
type InsufficientCreditError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: balance %d, required %d", e.Balance, e.Required)
}

// PersistenceError reports a failure writing to the job-metadata/message
// store. Billing and audit depend on store completeness, so these are fatal.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TimeoutError reports that a backend invocation exceeded its hard ceiling.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backend invocation exceeded %s ceiling", e.Limit)
}

// Retryable reports whether the coordinator may retry after this error.
// Only build failures qualify.
func Retryable(err error) bool {
	var be *BuildError
	return errors.As(err, &be)
}

// Classify names the most specific known failure kind for an error. The name
// is what status responses and operator logs report; raw errors stay internal.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var (
		buildErr   *BuildError
		spawnErr   *SpawnError
		creditErr  *InsufficientCreditError
		persistErr *PersistenceError
		timeoutErr *TimeoutError
	)
	switch {
	case errors.As(err, &buildErr):
		return "build_error"
	case errors.As(err, &spawnErr):
		return "spawn_error"
	case errors.As(err, &creditErr):
		return "insufficient_credit"
	case errors.As(err, &persistErr):
		return "persistence_error"
	case errors.As(err, &timeoutErr):
		return "timeout"
	default:
		return "error"
	}
}
