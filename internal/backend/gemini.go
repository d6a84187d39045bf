package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mkravets/codeforge/internal/buildcheck"
	"github.com/mkravets/codeforge/internal/store"
	"github.com/mkravets/codeforge/internal/stream"
)

const geminiDefaultModel = "gemini-2.5-pro"

// GeminiAgent drives the gemini CLI, an unstructured line-oriented backend.
// All of its output goes through the stream.LineAdapter, which classifies
// noise and normalizes the rest into protocol messages.
type GeminiAgent struct {
	cycle
	bin       string
	killDelay time.Duration
}

// NewGemini creates the gemini backend.
func NewGemini(bin string, repo store.Repository, ledger Ledger, build buildcheck.Runner, logger *slog.Logger) *GeminiAgent {
	if bin == "" {
		bin = "gemini"
	}
	return &GeminiAgent{
		cycle: newCycle(repo, ledger, build, logger),
		bin:   bin,
	}
}

// Name implements Agent.
func (g *GeminiAgent) Name() string { return "gemini" }

// ExecuteDevelopmentCycle implements Agent.
//
// The CLI has no session resume; conversation continuity across retries is
// approximated by keeping the same session tag and carrying the build
// feedback inside the prompt itself. The deny-list is enforced through the
// prompt preamble since the tool exposes no per-file permission surface.
func (g *GeminiAgent) ExecuteDevelopmentCycle(ctx context.Context, req CycleRequest) (*CycleResult, error) {
	model := req.Model
	if model == "" {
		model = geminiDefaultModel
	}

	args := []string{"--approval-mode", "auto_edit", "-m", model}

	adapter := stream.NewLineAdapter(stream.LineAdapterConfig{
		Backend:   g.Name(),
		Command:   g.bin,
		Args:      args,
		Dir:       req.Workdir,
		Model:     model,
		Tools:     []string{"edit", "shell", "web_search"},
		SessionID: req.ResumeToken,
		KillDelay: g.killDelay,
		Logger:    g.logger,
	})

	return g.run(ctx, g.Name(), req, adapter.Stream(ctx, g.buildPrompt(req.Prompt)))
}

func (g *GeminiAgent) buildPrompt(prompt string) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nDo not create, modify or delete any of these files:\n")
	for _, p := range protectedPaths {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return b.String()
}
