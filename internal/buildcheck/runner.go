// Package buildcheck runs the build-verification step for a job's workspace.
// A nonzero build exit becomes a *domain.BuildError carrying the captured
// output, which is the only retryable failure in the system.
package buildcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/mkravets/codeforge/internal/domain"
)

const (
	defaultBuildTimeout = 10 * time.Minute
	// maxCapturedOutput bounds the build log fed back into retry prompts.
	// The tail is kept since compilers print the decisive errors last.
	maxCapturedOutput = 16 * 1024
)

// Runner verifies that a workspace builds.
type Runner interface {
	// Verify runs the build in dir. Returns nil on success, *domain.BuildError
	// when the build ran and failed, or another error when the build could
	// not be run at all.
	Verify(ctx context.Context, dir string) error
}

// ExecRunner runs the build command directly on the host via `sh -c`.
type ExecRunner struct {
	command string
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecRunner creates a host-local build runner.
func NewExecRunner(command string, timeout time.Duration, logger *slog.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = defaultBuildTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{command: command, timeout: timeout, logger: logger}
}

// Verify runs the configured build command in dir.
func (r *ExecRunner) Verify(ctx context.Context, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", r.command)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("build verification finished",
		"dir", dir, "duration", time.Since(start), "error", err)

	if err == nil {
		return nil
	}

	// A deadline kill also surfaces as an exit error; classify it first so a
	// hung build is not mistaken for a retryable build failure.
	if ctx.Err() != nil {
		return fmt.Errorf("build verification: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return buildFailure(exitErr.ExitCode(), out.Bytes())
	}
	return fmt.Errorf("run build command: %w", err)
}

// buildFailure trims captured output to the bounded tail and wraps it.
func buildFailure(exitCode int, output []byte) error {
	if len(output) > maxCapturedOutput {
		output = output[len(output)-maxCapturedOutput:]
	}
	return &domain.BuildError{ExitCode: exitCode, Output: string(output)}
}
