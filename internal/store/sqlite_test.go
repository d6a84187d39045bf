package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkravets/codeforge/internal/domain"
	"github.com/mkravets/codeforge/internal/protocol"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return repo
}

func newTestJob(id string) *domain.Job {
	now := time.Now()
	return &domain.Job{
		JobID:       id,
		TargetID:    "app-1",
		OwnerID:     "user-1",
		Instruction: "add a login form",
		Backend:     "gemini",
		Status:      domain.JobProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateJob(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	got, err := repo.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected job, got nil")
	}
	if got.Status != domain.JobProcessing || got.Instruction != "add a login form" {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.FinishedAt != nil {
		t.Error("new job should have no finished_at")
	}
}

func TestGetJobNotFound(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.GetJob(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing job, got %+v", got)
	}
}

func TestFinishJobExactlyOnce(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateJob(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := repo.FinishJob(ctx, "job-1", domain.JobCompleted, "", 2); err != nil {
		t.Fatalf("first FinishJob failed: %v", err)
	}

	got, err := repo.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != domain.JobCompleted || got.Attempts != 2 {
		t.Errorf("unexpected finished job: %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("finished job must carry finished_at")
	}

	// Second terminal write must not overwrite.
	err = repo.FinishJob(ctx, "job-1", domain.JobError, "late failure", 3)
	if !errors.Is(err, ErrJobFinished) {
		t.Errorf("second FinishJob should return ErrJobFinished, got %v", err)
	}

	got, _ = repo.GetJob(ctx, "job-1")
	if got.Status != domain.JobCompleted {
		t.Errorf("terminal status was overwritten: %s", got.Status)
	}
}

func TestUpdateJobSession(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateJob(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := repo.UpdateJobSession(ctx, "job-1", "backend-sess-42"); err != nil {
		t.Fatalf("UpdateJobSession failed: %v", err)
	}

	got, _ := repo.GetJob(ctx, "job-1")
	if got.SessionID != "backend-sess-42" {
		t.Errorf("session id = %q, want backend-sess-42", got.SessionID)
	}
}

func TestAppendAndListMessages(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateJob(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	msgs := []*protocol.Message{
		protocol.NewSystemMessage("s1", "test-model", []string{"edit"}),
		protocol.NewAssistantMessage("s1", "working on it"),
		protocol.NewResultMessage("s1", protocol.SubtypeSuccess, "done", time.Second, 1, &protocol.Usage{OutputTokens: 7}),
	}
	for _, m := range msgs {
		if err := repo.AppendMessage(ctx, "job-1", m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	got, err := repo.ListMessages(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Kind != protocol.KindSystem || got[2].Kind != protocol.KindResult {
		t.Errorf("append order not preserved: %s, %s", got[0].Kind, got[2].Kind)
	}
	if got[2].Usage == nil || got[2].Usage.OutputTokens != 7 {
		t.Errorf("usage not round-tripped: %+v", got[2].Usage)
	}
}

func TestCleanupFinishedJobs(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	// Finished job, old enough to sweep.
	if err := repo.CreateJob(ctx, newTestJob("old-done")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := repo.AppendMessage(ctx, "old-done", protocol.NewAssistantMessage("s", "x")); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := repo.FinishJob(ctx, "old-done", domain.JobCompleted, "", 1); err != nil {
		t.Fatalf("FinishJob failed: %v", err)
	}

	// Still-running job must survive any cleanup.
	if err := repo.CreateJob(ctx, newTestJob("running")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// olderThan in the future relative to finished_at: negative duration
	// makes the threshold later than now, so the finished job qualifies.
	deleted, err := repo.CleanupFinishedJobs(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("CleanupFinishedJobs failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 job cleaned, got %d", deleted)
	}

	if got, _ := repo.GetJob(ctx, "old-done"); got != nil {
		t.Error("finished job should be removed")
	}
	if got, _ := repo.GetJob(ctx, "running"); got == nil {
		t.Error("running job must never be cleaned up")
	}
	if msgs, _ := repo.ListMessages(ctx, "old-done"); len(msgs) != 0 {
		t.Errorf("messages of removed job should be gone, got %d", len(msgs))
	}
}
