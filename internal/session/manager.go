package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/codeforge/internal/domain"
	"github.com/mkravets/codeforge/internal/store"
)

const (
	defaultRetention     = 30 * time.Minute
	defaultSweepInterval = time.Minute
	defaultStopGrace     = 5 * time.Second
	preflightTimeout     = 5 * time.Second
)

var (
	// ErrNotFound means no session exists for the given ID.
	ErrNotFound = errors.New("session not found")
	// ErrPrecondition means the target environment failed its liveness check,
	// so no job was started.
	ErrPrecondition = errors.New("target environment is not reachable")
)

// Runner executes one job to its terminal status. Satisfied by the coordinator.
type Runner interface {
	Run(ctx context.Context, job *domain.Job, workdir, model string, log io.Writer) error
}

// Config tunes the manager.
type Config struct {
	// WorkspaceDir is the root under which per-target working trees live.
	WorkspaceDir string
	// PreconditionURL, when set, is probed with a GET before every start; a
	// non-2xx answer or connection failure rejects the request up front.
	PreconditionURL string
	// Retention is how long finished sessions stay visible before the sweeper
	// removes them.
	Retention time.Duration
	// SweepInterval is the GC cadence.
	SweepInterval time.Duration
	// StopGrace is how long Stop waits for the job goroutine to wind down.
	StopGrace time.Duration
	// DefaultBackend is used when a start request names none.
	DefaultBackend string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Retention <= 0 {
		out.Retention = defaultRetention
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = defaultSweepInterval
	}
	if out.StopGrace <= 0 {
		out.StopGrace = defaultStopGrace
	}
	return out
}

// Manager owns the in-memory session registry. Start never blocks on job
// execution; every job runs in its own goroutine and the registry is the
// only shared state, guarded by one RWMutex.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	runner Runner
	repo   store.Repository
	cfg    Config
	httpc  *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(runner Runner, repo store.Repository, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		runner:   runner,
		repo:     repo,
		cfg:      cfg.withDefaults(),
		httpc:    &http.Client{Timeout: preflightTimeout},
		logger:   logger,
	}
}

// StartRequest carries one external execution request.
type StartRequest struct {
	TargetID    string `json:"target_id"`
	OwnerID     string `json:"owner_id"`
	Instruction string `json:"instruction"`
	Backend     string `json:"backend,omitempty"`
	Model       string `json:"model,omitempty"`
}

// Validate checks the request's required fields.
func (r *StartRequest) Validate() error {
	if r.TargetID == "" {
		return errors.New("target_id is required")
	}
	if r.Instruction == "" {
		return errors.New("instruction is required")
	}
	return nil
}

// Start creates the job record, registers a session and launches the job
// goroutine. It returns as soon as the session is registered.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if err := m.preflight(ctx); err != nil {
		return nil, err
	}

	backendName := req.Backend
	if backendName == "" {
		backendName = m.cfg.DefaultBackend
	}

	now := time.Now()
	job := &domain.Job{
		JobID:       uuid.NewString(),
		TargetID:    req.TargetID,
		OwnerID:     req.OwnerID,
		Instruction: req.Instruction,
		Backend:     backendName,
		Status:      domain.JobProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	workdir := filepath.Join(m.cfg.WorkspaceDir, req.TargetID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	// The job outlives the HTTP request that started it.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := newSession(job.JobID, job.JobID, job.OwnerID, backendName, cancel)

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(jobCtx, sess, job, workdir, req.Model)

	m.logger.Info("session started",
		"session_id", sess.ID, "target_id", req.TargetID, "backend", backendName)
	return sess, nil
}

func (m *Manager) execute(ctx context.Context, sess *Session, job *domain.Job, workdir, model string) {
	defer m.wg.Done()
	defer close(sess.done)
	defer sess.cancel()

	err := m.runner.Run(ctx, job, workdir, model, sess.logs)
	switch {
	case err == nil:
		sess.finish(StatusCompleted, "")
	case errors.Is(err, context.Canceled):
		sess.finish(StatusStopped, "stopped")
	default:
		sess.finish(StatusError, domain.Classify(err))
	}
	m.logger.Info("session finished",
		"session_id", sess.ID, "status", sess.Status())
}

// preflight probes the configured liveness URL before accepting a job.
func (m *Manager) preflight(ctx context.Context) error {
	if m.cfg.PreconditionURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.PreconditionURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrPrecondition, resp.StatusCode)
	}
	return nil
}

// Get returns the session for id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

// Stop cancels a running session and waits up to the grace period for its
// goroutine to wind down. Stopping an already finished session is a no-op.
func (m *Manager) Stop(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if !sess.Running() {
		return nil
	}

	sess.cancel()
	select {
	case <-sess.done:
	case <-time.After(m.cfg.StopGrace):
		// The job goroutine ignored cancellation. Mark the session stopped
		// anyway so callers never see a zombie "running" status; finish is
		// first-writer-wins, so a late goroutine exit cannot overwrite it.
		sess.finish(StatusStopped, "stopped")
		m.logger.Warn("session did not stop within grace period", "session_id", id)
	}
	return nil
}

// List returns snapshots of all known sessions, running first, then by start
// time descending within each group.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	snaps := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		snaps = append(snaps, s.Snapshot())
	}
	m.mu.RUnlock()

	sortSnapshots(snaps)
	return snaps
}

func sortSnapshots(snaps []Snapshot) {
	running := func(s Snapshot) int {
		if s.Status == StatusRunning {
			return 0
		}
		return 1
	}
	for i := 1; i < len(snaps); i++ {
		for j := i; j > 0; j-- {
			a, b := snaps[j-1], snaps[j]
			if running(a) < running(b) || (running(a) == running(b) && !a.StartedAt.Before(b.StartedAt)) {
				break
			}
			snaps[j-1], snaps[j] = b, a
		}
	}
}

// Delete removes a session from the registry. A still-running session is
// force-stopped first, so deletion always succeeds for a known ID.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	if s.Running() {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(m.cfg.StopGrace):
			s.finish(StatusStopped, "stopped")
			m.logger.Warn("deleted session did not stop within grace period", "session_id", id)
		}
	}
	return nil
}

// StartGC launches the background sweeper removing finished sessions past the
// retention window. Running sessions are never swept. The goroutine exits
// when ctx is cancelled.
func (m *Manager) StartGC(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("session sweeper started",
			"interval", m.cfg.SweepInterval, "retention", m.cfg.Retention)
		for {
			select {
			case <-ticker.C:
				if n := m.Sweep(time.Now().Add(-m.cfg.Retention)); n > 0 {
					m.logger.Info("swept finished sessions", "count", n)
				}
			case <-ctx.Done():
				m.logger.Info("session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep removes sessions that finished before the cutoff and returns how many
// were removed.
func (m *Manager) Sweep(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.finishedBefore(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Shutdown cancels every running session and waits for the job goroutines,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, s := range m.sessions {
		if s.Running() {
			s.cancel()
		}
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
