package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkravets/codeforge/internal/domain"
	"github.com/mkravets/codeforge/internal/identity"
	"github.com/mkravets/codeforge/internal/protocol"
	"github.com/mkravets/codeforge/internal/session"
)

// fakeRunner writes one log line then blocks until released or cancelled.
type fakeRunner struct {
	release chan struct{}
	result  error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{})}
}

func (f *fakeRunner) Run(ctx context.Context, job *domain.Job, workdir, model string, log io.Writer) error {
	fmt.Fprintf(log, "agent output for %s\n", job.TargetID)
	select {
	case <-f.release:
		return f.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeRepo struct {
	pingErr error
}

func (f *fakeRepo) CreateJob(context.Context, *domain.Job) error        { return nil }
func (f *fakeRepo) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	return &domain.Job{JobID: jobID, Status: domain.JobProcessing}, nil
}
func (f *fakeRepo) UpdateJobSession(context.Context, string, string) error { return nil }
func (f *fakeRepo) FinishJob(context.Context, string, domain.JobStatus, string, int) error {
	return nil
}
func (f *fakeRepo) AppendMessage(context.Context, string, *protocol.Message) error { return nil }
func (f *fakeRepo) ListMessages(context.Context, string) ([]*protocol.Message, error) {
	return nil, nil
}
func (f *fakeRepo) CleanupFinishedJobs(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }
func (f *fakeRepo) Close() error               { return nil }

func newTestServer(t *testing.T, runner session.Runner, repo *fakeRepo) (*httptest.Server, *session.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	mgr := session.NewManager(runner, repo, session.Config{
		WorkspaceDir: t.TempDir(),
		StopGrace:    time.Second,
	}, logger)

	r := chi.NewRouter()
	r.Use(identity.Middleware())
	NewHandler(mgr, repo).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func execute(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]string) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/execute/agent", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func startSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, out := execute(t, srv, `{"target_id":"t1","instruction":"add a page"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("execute status = %d, want 202", resp.StatusCode)
	}
	if out["session_id"] == "" {
		t.Fatal("no session_id in response")
	}
	return out["session_id"]
}

func TestExecuteAndStatus(t *testing.T) {
	runner := newFakeRunner()
	srv, _ := newTestServer(t, runner, &fakeRepo{})

	id := startSession(t, srv)

	resp, err := http.Get(srv.URL + "/status/agent/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Session session.Snapshot `json:"session"`
		Job     *domain.Job      `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Session.Status != session.StatusRunning {
		t.Errorf("session status = %s, want running", out.Session.Status)
	}
	if out.Job == nil || out.Job.JobID != id {
		t.Errorf("job = %+v, want the durable record for %s", out.Job, id)
	}
	close(runner.release)
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, newFakeRunner(), &fakeRepo{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing target", `{"instruction":"x"}`},
		{"missing instruction", `{"target_id":"t"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := execute(t, srv, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestStatusUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, newFakeRunner(), &fakeRepo{})

	resp, err := http.Get(srv.URL + "/status/agent/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStopSession(t *testing.T) {
	runner := newFakeRunner()
	srv, mgr := newTestServer(t, runner, &fakeRepo{})
	id := startSession(t, srv)

	resp, err := http.Post(srv.URL+"/stop/agent/"+id, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", resp.StatusCode)
	}

	sess, err := mgr.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status() != session.StatusStopped {
		t.Errorf("session status = %s, want stopped", sess.Status())
	}
}

func TestLogsPoll(t *testing.T) {
	runner := newFakeRunner()
	srv, mgr := newTestServer(t, runner, &fakeRepo{})
	id := startSession(t, srv)
	waitForLogs(t, mgr, id)

	resp, err := http.Get(srv.URL + "/logs/agent/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Logs       string `json:"logs"`
		NextOffset int64  `json:"next_offset"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Logs, "agent output for t1") {
		t.Errorf("logs = %q, want the runner's output", out.Logs)
	}

	// Polling again from next_offset yields nothing new.
	resp2, err := http.Get(fmt.Sprintf("%s/logs/agent/%s?offset=%d", srv.URL, id, out.NextOffset))
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var out2 struct {
		Logs string `json:"logs"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&out2); err != nil {
		t.Fatal(err)
	}
	if out2.Logs != "" {
		t.Errorf("second poll = %q, want empty diff", out2.Logs)
	}
	close(runner.release)
}

func TestLogsStreamEndsWithDone(t *testing.T) {
	runner := newFakeRunner()
	srv, mgr := newTestServer(t, runner, &fakeRepo{})
	id := startSession(t, srv)
	waitForLogs(t, mgr, id)
	close(runner.release)

	resp, err := http.Get(srv.URL + "/logs/agent/" + id + "?stream=true")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(body)
	if !strings.Contains(text, "agent output for t1") {
		t.Errorf("stream %q missing log event", text)
	}
	if !strings.Contains(text, "event: done") {
		t.Errorf("stream %q missing done event", text)
	}
	if !strings.Contains(text, "completed") {
		t.Errorf("stream %q missing terminal status", text)
	}
}

func TestDeleteSession(t *testing.T) {
	runner := newFakeRunner()
	srv, mgr := newTestServer(t, runner, &fakeRepo{})
	id := startSession(t, srv)

	// Deleting a running session force-stops it and removes it.
	resp := doDelete(t, srv, id)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete running = %d, want 204", resp.StatusCode)
	}
	if _, err := mgr.Get(id); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
	resp = doDelete(t, srv, id)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete again = %d, want 404", resp.StatusCode)
	}
}

func doDelete(t *testing.T, srv *httptest.Server, id string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/agent/"+id, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestListSessions(t *testing.T) {
	runner := newFakeRunner()
	srv, _ := newTestServer(t, runner, &fakeRepo{})
	id := startSession(t, srv)

	resp, err := http.Get(srv.URL + "/sessions/agent")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Sessions []session.Snapshot `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Sessions) != 1 || out.Sessions[0].SessionID != id {
		t.Errorf("sessions = %+v, want the one started session", out.Sessions)
	}
	close(runner.release)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, newFakeRunner(), &fakeRepo{})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d, want 200", resp.StatusCode)
	}

	down, _ := newTestServer(t, newFakeRunner(), &fakeRepo{pingErr: errors.New("locked")})
	resp2, err := http.Get(down.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health with dead db = %d, want 503", resp2.StatusCode)
	}
}

func waitForLogs(t *testing.T, mgr *session.Manager, id string) {
	t.Helper()
	sess, err := mgr.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for {
		if chunk, _ := sess.Logs(0); chunk != "" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("no log output observed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
