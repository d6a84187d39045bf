package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"build error", &BuildError{ExitCode: 2, Output: "TS2304"}, true},
		{"wrapped build error", fmt.Errorf("attempt 1: %w", &BuildError{ExitCode: 1}), true},
		{"spawn error", &SpawnError{Backend: "gemini", Command: "gemini", Err: errors.New("not found")}, false},
		{"credit error", &InsufficientCreditError{Balance: 0, Required: 42}, false},
		{"persistence error", &PersistenceError{Op: "append message", Err: errors.New("disk full")}, false},
		{"timeout", &TimeoutError{Limit: 5 * time.Minute}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"build", &BuildError{}, "build_error"},
		{"spawn", &SpawnError{Err: errors.New("x")}, "spawn_error"},
		{"credit", &InsufficientCreditError{}, "insufficient_credit"},
		{"persistence", &PersistenceError{Err: errors.New("x")}, "persistence_error"},
		{"timeout", &TimeoutError{Limit: time.Minute}, "timeout"},
		{"wrapped timeout", fmt.Errorf("job failed: %w", &TimeoutError{Limit: time.Minute}), "timeout"},
		{"opaque", errors.New("something"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJobTerminal(t *testing.T) {
	j := &Job{Status: JobProcessing}
	if j.Terminal() {
		t.Error("PROCESSING job should not be terminal")
	}
	j.Status = JobCompleted
	if !j.Terminal() {
		t.Error("COMPLETED job should be terminal")
	}
	j.Status = JobError
	if !j.Terminal() {
		t.Error("ERROR job should be terminal")
	}
}
