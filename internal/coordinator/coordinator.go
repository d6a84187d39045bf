// Package coordinator drives a job through the build-verify-retry loop until
// it reaches a terminal status. It owns every transition of the job record;
// backends and the session layer never write job status themselves.
package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/mkravets/codeforge/internal/backend"
	"github.com/mkravets/codeforge/internal/domain"
	"github.com/mkravets/codeforge/internal/store"
	"github.com/mkravets/codeforge/internal/vcs"
)

const (
	defaultMaxRetries        = 3
	defaultBackoffBase       = time.Second
	defaultInvocationTimeout = 5 * time.Minute
)

// Syncer pushes a completed job's tree to source control.
type Syncer interface {
	Sync(ctx context.Context, jobID, targetID string) (*vcs.SyncResult, error)
}

// Config bounds the retry loop.
type Config struct {
	// MaxRetries bounds the total number of backend attempts for one job,
	// the first attempt included.
	MaxRetries int
	// BackoffBase is the delay before the first retry; it doubles per retry.
	BackoffBase time.Duration
	// InvocationTimeout is the hard ceiling for a single backend attempt.
	InvocationTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRetries <= 0 {
		out.MaxRetries = defaultMaxRetries
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = defaultBackoffBase
	}
	if out.InvocationTimeout <= 0 {
		out.InvocationTimeout = defaultInvocationTimeout
	}
	return out
}

// Coordinator runs jobs to completion.
type Coordinator struct {
	registry *backend.Registry
	repo     store.Repository
	syncer   Syncer
	cfg      Config
	logger   *slog.Logger
}

// New creates a coordinator. syncer may be nil when no sync collaborator is
// configured.
func New(registry *backend.Registry, repo store.Repository, syncer Syncer, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		repo:     repo,
		syncer:   syncer,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Run drives job to a terminal status and returns the error that ended it, if
// any. The terminal status is written exactly once no matter how the loop
// exits, including operator cancellation mid-attempt.
func (c *Coordinator) Run(ctx context.Context, job *domain.Job, workdir, model string, log io.Writer) error {
	agent, err := c.registry.Resolve(job.Backend)
	if err != nil {
		c.finish(ctx, job, domain.JobError, err.Error(), 0)
		return err
	}

	prompt := job.Instruction
	token := job.SessionID
	attempt := 0

	for {
		attempt++
		res, err := c.attempt(ctx, agent, backend.CycleRequest{
			Prompt:      prompt,
			ResumeToken: token,
			Job:         job,
			Workdir:     workdir,
			Model:       model,
			Log:         log,
		})
		if err != nil {
			kind := domain.Classify(err)
			if errors.Is(err, context.Canceled) {
				kind = "stopped"
			}
			c.logger.Error("attempt failed",
				"job_id", job.JobID, "backend", job.Backend, "attempt", attempt,
				"kind", kind, "error", err)
			c.finish(ctx, job, domain.JobError, kind, attempt)
			return err
		}

		if res.SessionToken != "" && res.SessionToken != token {
			token = res.SessionToken
			if err := c.repo.UpdateJobSession(ctx, job.JobID, token); err != nil {
				c.logger.Warn("recording session token failed", "job_id", job.JobID, "error", err)
			}
		}

		if res.Success {
			c.finish(ctx, job, domain.JobCompleted, "", attempt)
			c.syncCompleted(ctx, job)
			return nil
		}

		// Build failure: retry with the compiler feedback as the prompt and
		// the same conversation token, until the budget runs out.
		if attempt >= c.cfg.MaxRetries {
			err := &domain.BuildError{Output: "retry budget exhausted"}
			c.logger.Info("retry budget exhausted",
				"job_id", job.JobID, "attempts", attempt, "max_retries", c.cfg.MaxRetries)
			c.finish(ctx, job, domain.JobError, domain.Classify(err), attempt)
			return err
		}
		prompt = res.BuildErrorPrompt

		delay := c.cfg.BackoffBase << (attempt - 1)
		c.logger.Info("build failed, retrying",
			"job_id", job.JobID, "attempt", attempt, "backoff", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.finish(ctx, job, domain.JobError, "stopped", attempt)
			return ctx.Err()
		}
	}
}

// attempt runs one backend invocation under the per-attempt ceiling. A
// deadline hit on the attempt context, with the job context still live, is
// reported as a TimeoutError.
func (c *Coordinator) attempt(ctx context.Context, agent backend.Agent, req backend.CycleRequest) (*backend.CycleResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.InvocationTimeout)
	defer cancel()

	res, err := agent.ExecuteDevelopmentCycle(attemptCtx, req)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &domain.TimeoutError{Limit: c.cfg.InvocationTimeout}
	}
	return res, err
}

// finish writes the terminal status. It runs on a cancellation-immune context
// so a stopped job still gets its record closed; a second write for the same
// job is refused by the store and only logged here.
func (c *Coordinator) finish(ctx context.Context, job *domain.Job, status domain.JobStatus, errMsg string, attempts int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := c.repo.FinishJob(ctx, job.JobID, status, errMsg, attempts)
	switch {
	case errors.Is(err, store.ErrJobFinished):
		c.logger.Debug("job already finished", "job_id", job.JobID)
	case err != nil:
		c.logger.Error("writing terminal job status failed",
			"job_id", job.JobID, "status", status, "error", err)
	default:
		c.logger.Info("job finished",
			"job_id", job.JobID, "status", status, "attempts", attempts, "error_kind", errMsg)
	}
}

// syncCompleted pushes the finished tree to source control. Sync failures do
// not change the job outcome; the build already verified.
func (c *Coordinator) syncCompleted(ctx context.Context, job *domain.Job) {
	if c.syncer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	res, err := c.syncer.Sync(ctx, job.JobID, job.TargetID)
	if err != nil {
		c.logger.Error("source-control sync failed", "job_id", job.JobID, "error", err)
		return
	}
	c.logger.Info("source-control sync done",
		"job_id", job.JobID, "commit_id", res.CommitID, "status", res.Status)
}
