package stream

import (
	"bufio"
	"context"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mkravets/codeforge/internal/domain"
	"github.com/mkravets/codeforge/internal/protocol"
)

const (
	defaultKillDelay   = 5 * time.Second
	scannerInitialSize = 64 * 1024
	scannerMaxSize     = 1024 * 1024
)

// LineAdapterConfig configures a LineAdapter run.
type LineAdapterConfig struct {
	Backend   string // backend name reported in spawn errors
	Command   string // binary to execute
	Args      []string
	Dir       string   // working directory, exclusively owned by this attempt
	Model     string   // model identity declared in the opening system frame
	Tools     []string // approximate capability set for the system frame
	SessionID string   // session tag; generated when empty
	KillDelay time.Duration
	Logger    *slog.Logger
}

// LineAdapter converts a raw, line-oriented subprocess into the canonical
// message protocol. One adapter drives exactly one process and may be
// streamed exactly once; a second Stream call fails fast with ErrConsumed.
//
// Sequence produced for every run that spawns: one opening system message
// (emitted before any output is read), zero or more assistant messages (one
// per non-noise output line, as it arrives), and exactly one closing result
// message. Token usage on the result is length-approximated because the
// underlying tool exposes no real accounting.
type LineAdapter struct {
	cfg     LineAdapterConfig
	queue   *Queue[*protocol.Message]
	started atomic.Bool
}

// NewLineAdapter creates an adapter for one subprocess run.
func NewLineAdapter(cfg LineAdapterConfig) *LineAdapter {
	if cfg.KillDelay <= 0 {
		cfg.KillDelay = defaultKillDelay
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LineAdapter{cfg: cfg, queue: NewQueue[*protocol.Message]()}
}

// SessionID returns the session tag stamped on every emitted message.
func (a *LineAdapter) SessionID() string {
	return a.cfg.SessionID
}

// Stream launches the subprocess, writes the prompt to stdin, and returns the
// lazy message sequence. Cancelling ctx sends SIGTERM and lets the normal
// exit path produce the terminal result message; the context error is then
// surfaced after it so callers can tell operator cancellation apart from the
// tool running and failing. A spawn failure surfaces as *domain.SpawnError
// with no result message at all.
func (a *LineAdapter) Stream(ctx context.Context, prompt string) iter.Seq2[*protocol.Message, error] {
	if !a.started.CompareAndSwap(false, true) {
		return func(yield func(*protocol.Message, error) bool) {
			yield(nil, ErrConsumed)
		}
	}
	go a.run(ctx, prompt)
	// The producer reacts to ctx (graceful SIGTERM, forced kill after
	// KillDelay) and always closes the queue afterwards. The consumer side
	// keeps draining so the terminal message is never lost to cancellation.
	return a.queue.All(context.WithoutCancel(ctx))
}

func (a *LineAdapter) run(ctx context.Context, prompt string) {
	start := time.Now()

	pr, pw := io.Pipe()

	cmd := exec.CommandContext(ctx, a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.Dir
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stdout = pw
	cmd.Stderr = pw
	// Non-interactive: no controlling terminal, no color codes, no pagers.
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "CI=true", "TERM=dumb")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = a.cfg.KillDelay

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		a.queue.Fail(&domain.SpawnError{Backend: a.cfg.Backend, Command: a.cfg.Command, Err: err})
		return
	}

	// Opening frame goes out before any output is read so consumers always
	// see a well-formed stream head.
	a.queue.Enqueue(protocol.NewSystemMessage(a.cfg.SessionID, a.cfg.Model, a.cfg.Tools))

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		waitErr <- err
	}()

	var forwarded []string
	turns := 0

	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, scannerInitialSize), scannerMaxSize)
	for sc.Scan() {
		line := sc.Text()
		if IsNoise(line) {
			continue
		}
		turns++
		forwarded = append(forwarded, line)
		a.queue.Enqueue(protocol.NewAssistantMessage(a.cfg.SessionID, line))
	}
	scanErr := sc.Err()
	if scanErr != nil {
		// The scanner gave up (oversized line, read error). Keep draining the
		// pipe so the process never wedges on a full write and Wait returns.
		a.cfg.Logger.Warn("backend output scan aborted",
			"backend", a.cfg.Backend, "session_id", a.cfg.SessionID, "error", scanErr)
		go func() {
			_, _ = io.Copy(io.Discard, pr)
		}()
	}

	exitErr := <-waitErr
	_ = pr.Close()

	final := strings.Join(forwarded, "\n")
	duration := time.Since(start)
	usage := protocol.ApproximateUsage(len(final))

	subtype := protocol.SubtypeSuccess
	if scanErr != nil {
		subtype = protocol.SubtypeErrorDuringExecution
	}
	if exitErr != nil {
		subtype = protocol.SubtypeErrorDuringExecution
		a.cfg.Logger.Debug("backend process exited with error",
			"backend", a.cfg.Backend, "session_id", a.cfg.SessionID, "error", exitErr)
	}
	a.queue.Enqueue(protocol.NewResultMessage(a.cfg.SessionID, subtype, final, duration, turns, usage))

	// Keep the terminal message, but still let the consumer distinguish an
	// operator-requested interruption from the tool running and failing.
	if ctxErr := ctx.Err(); ctxErr != nil {
		a.queue.Fail(ctxErr)
		return
	}
	a.queue.Close()
}
