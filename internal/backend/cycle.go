package backend

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/mkravets/codeforge/internal/buildcheck"
	"github.com/mkravets/codeforge/internal/domain"
	"github.com/mkravets/codeforge/internal/protocol"
	"github.com/mkravets/codeforge/internal/store"
)

// Ledger is the slice of the billing client backends need.
type Ledger interface {
	Charge(ctx context.Context, jobID, ownerID string, usage *protocol.Usage) (int64, error)
}

// cycle is the provider-independent half of a development cycle: consume the
// message stream to completion, forward every message to the store as it
// arrives, charge usage-bearing messages, then run build verification.
type cycle struct {
	repo   store.Repository
	ledger Ledger
	build  buildcheck.Runner
	logger *slog.Logger
}

func newCycle(repo store.Repository, ledger Ledger, build buildcheck.Runner, logger *slog.Logger) cycle {
	if logger == nil {
		logger = slog.Default()
	}
	return cycle{repo: repo, ledger: ledger, build: build, logger: logger}
}

// run consumes one attempt's stream and verifies the build afterwards.
// A build failure becomes {Success: false, BuildErrorPrompt}; every other
// failure is returned as an error for the coordinator to classify.
func (c *cycle) run(ctx context.Context, backendName string, req CycleRequest, seq iter.Seq2[*protocol.Message, error]) (*CycleResult, error) {
	token := req.ResumeToken
	var result *protocol.Message

	// Messages already produced must reach the store and the ledger even when
	// the attempt is being cancelled; billing depends on log completeness.
	persistCtx := context.WithoutCancel(ctx)

	for msg, err := range seq {
		if err != nil {
			return nil, err
		}
		if msg.SessionID != "" {
			token = msg.SessionID
		}
		if req.Log != nil && msg.Kind == protocol.KindAssistant && msg.Content != "" {
			fmt.Fprintln(req.Log, msg.Content)
		}

		if err := c.repo.AppendMessage(persistCtx, req.Job.JobID, msg); err != nil {
			return nil, &domain.PersistenceError{Op: "append message", Err: err}
		}

		if msg.Usage != nil && c.ledger != nil {
			if _, err := c.ledger.Charge(persistCtx, req.Job.JobID, req.Job.OwnerID, msg.Usage); err != nil {
				var creditErr *domain.InsufficientCreditError
				if errors.As(err, &creditErr) {
					return nil, err
				}
				return nil, fmt.Errorf("charge ledger for job %s: %w", req.Job.JobID, err)
			}
		}

		if msg.Terminal() {
			result = msg
		}
	}

	if result == nil {
		return nil, fmt.Errorf("backend %s: stream ended without a result message", backendName)
	}
	if !result.Succeeded() {
		return nil, fmt.Errorf("backend %s finished with %s", backendName, result.Subtype)
	}

	if err := c.build.Verify(ctx, req.Workdir); err != nil {
		var buildErr *domain.BuildError
		if errors.As(err, &buildErr) {
			c.logger.Info("build verification failed",
				"job_id", req.Job.JobID, "backend", backendName, "exit_code", buildErr.ExitCode)
			if req.Log != nil {
				fmt.Fprintln(req.Log, "build verification failed:")
				fmt.Fprintln(req.Log, buildErr.Output)
			}
			return &CycleResult{
				Success:          false,
				SessionToken:     token,
				BuildErrorPrompt: FeedbackPrompt(buildErr),
			}, nil
		}
		return nil, err
	}

	return &CycleResult{Success: true, SessionToken: token}, nil
}
