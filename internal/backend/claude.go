package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mkravets/codeforge/internal/buildcheck"
	"github.com/mkravets/codeforge/internal/domain"
	"github.com/mkravets/codeforge/internal/protocol"
	"github.com/mkravets/codeforge/internal/store"
	"github.com/mkravets/codeforge/internal/stream"
)

const claudeKillDelay = 5 * time.Second

// ClaudeAgent drives the claude CLI in stream-json mode, a structured
// backend. Each native event already carries kind, session and usage
// metadata, so the adapter here is a pass-through decode into the protocol.
type ClaudeAgent struct {
	cycle
	bin       string
	killDelay time.Duration
}

// NewClaude creates the claude backend.
func NewClaude(bin string, repo store.Repository, ledger Ledger, build buildcheck.Runner, logger *slog.Logger) *ClaudeAgent {
	if bin == "" {
		bin = "claude"
	}
	return &ClaudeAgent{
		cycle:     newCycle(repo, ledger, build, logger),
		bin:       bin,
		killDelay: claudeKillDelay,
	}
}

// Name implements Agent.
func (a *ClaudeAgent) Name() string { return "claude" }

// ExecuteDevelopmentCycle implements Agent. ResumeToken maps onto the CLI's
// --resume flag, so a retry continues the same conversation.
func (a *ClaudeAgent) ExecuteDevelopmentCycle(ctx context.Context, req CycleRequest) (*CycleResult, error) {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "acceptEdits",
		"--disallowedTools", disallowedToolSpec(),
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	q := stream.NewQueue[*protocol.Message]()
	go a.decode(ctx, q, args, req.Workdir, req.Prompt)

	// The decode goroutine reacts to ctx; the consumer keeps draining so the
	// terminal message survives cancellation.
	return a.run(ctx, a.Name(), req, q.All(context.WithoutCancel(ctx)))
}

// decode spawns the CLI and translates its stream-json events. The queue is
// always terminated: Close after a normal drain, Fail on spawn failure or
// operator cancellation.
func (a *ClaudeAgent) decode(ctx context.Context, q *stream.Queue[*protocol.Message], args []string, dir, prompt string) {
	cmd := exec.CommandContext(ctx, a.bin, args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stderr = io.Discard
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "CI=true")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = a.killDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		q.Fail(&domain.SpawnError{Backend: a.Name(), Command: a.bin, Err: err})
		return
	}
	if err := cmd.Start(); err != nil {
		q.Fail(&domain.SpawnError{Backend: a.Name(), Command: a.bin, Err: err})
		return
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev claudeEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			a.logger.Debug("skipping undecodable stream-json line", "backend", a.Name(), "error", err)
			continue
		}
		if msg := ev.toMessage(); msg != nil {
			q.Enqueue(msg)
		}
	}
	if scanErr := sc.Err(); scanErr != nil {
		// Keep draining so the CLI never blocks on a full stdout pipe; the
		// truncated stream surfaces as a missing result in the shared cycle.
		a.logger.Warn("stream-json scan aborted", "backend", a.Name(), "error", scanErr)
		go func() {
			_, _ = io.Copy(io.Discard, stdout)
		}()
	}

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		q.Fail(ctxErr)
		return
	}
	if waitErr != nil {
		a.logger.Debug("claude CLI exited with error", "error", waitErr)
	}
	// A missing or failed result message is detected by the shared cycle.
	q.Close()
}

// claudeEvent is the CLI's native stream-json wire shape.
type claudeEvent struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype"`
	SessionID  string          `json:"session_id"`
	Model      string          `json:"model"`
	Tools      []string        `json:"tools"`
	Result     string          `json:"result"`
	IsError    bool            `json:"is_error"`
	DurationMs int64           `json:"duration_ms"`
	NumTurns   int             `json:"num_turns"`
	Usage      *protocol.Usage `json:"usage"`
	Message    *claudeMessage  `json:"message"`
}

type claudeMessage struct {
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

// toMessage tags a native event with protocol metadata. Unknown event types
// map to nil and are dropped.
func (ev *claudeEvent) toMessage() *protocol.Message {
	switch ev.Type {
	case "system":
		msg := protocol.NewSystemMessage(ev.SessionID, ev.Model, ev.Tools)
		msg.Subtype = ev.Subtype
		return msg
	case "user":
		return protocol.NewUserMessage(ev.SessionID, ev.text())
	case "assistant":
		msg := protocol.NewAssistantMessage(ev.SessionID, ev.text())
		msg.Model = ev.Model
		msg.Usage = ev.Usage
		return msg
	case "result":
		return &protocol.Message{
			Kind:       protocol.KindResult,
			Subtype:    ev.Subtype,
			SessionID:  ev.SessionID,
			Content:    ev.Result,
			IsError:    ev.IsError,
			DurationMs: ev.DurationMs,
			NumTurns:   ev.NumTurns,
			Usage:      ev.Usage,
			Timestamp:  time.Now(),
		}
	default:
		return nil
	}
}

// text flattens an event's content blocks into one string.
func (ev *claudeEvent) text() string {
	if ev.Message == nil {
		return ""
	}
	var parts []string
	for _, c := range ev.Message.Content {
		switch c.Type {
		case "text":
			if c.Text != "" {
				parts = append(parts, c.Text)
			}
		case "tool_use":
			parts = append(parts, fmt.Sprintf("[tool: %s]", c.Name))
		}
	}
	return strings.Join(parts, "\n")
}

// disallowedToolSpec renders the protected-path deny-list as tool rules.
func disallowedToolSpec() string {
	rules := make([]string, 0, 2*len(protectedPaths))
	for _, p := range protectedPaths {
		rules = append(rules, fmt.Sprintf("Edit(%s)", p), fmt.Sprintf("Write(%s)", p))
	}
	return strings.Join(rules, ",")
}
