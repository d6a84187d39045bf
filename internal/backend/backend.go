// Package backend provides the pluggable agent abstraction. Every provider
// implements the same development-cycle contract; selection is a keyed
// registry, so nothing outside this package branches on backend identity.
package backend

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/mkravets/codeforge/internal/domain"
)

// protectedPaths are files no backend may edit regardless of provider:
// authentication, persistence binding and entry points stay off-limits.
var protectedPaths = []string{
	".env",
	".env.*",
	"pb_data/**",
	"pb_migrations/**",
	"migrations/**",
	"main.go",
	"cmd/**",
	"Dockerfile",
	"**/auth/**",
}

// CycleRequest carries one attempt's input to a backend.
type CycleRequest struct {
	// Prompt is the instruction for this attempt: the original user intent,
	// or the synthesized build-error feedback on a retry.
	Prompt string
	// ResumeToken is the prior backend session token, set when the attempt
	// should continue an existing conversation instead of starting cold.
	ResumeToken string
	Job         *domain.Job
	// Workdir is the checked-out source tree, exclusively owned by this
	// attempt for its duration.
	Workdir string
	Model   string
	// Log optionally receives human-readable output lines as they arrive.
	Log io.Writer
}

// CycleResult is a backend's verdict for one attempt. Success is only ever
// true after build verification passed in the same attempt. A build failure
// is reported through BuildErrorPrompt rather than an error, keeping the
// coordinator's retry policy backend-agnostic.
type CycleResult struct {
	Success          bool
	SessionToken     string
	BuildErrorPrompt string
}

// Agent is the uniform backend contract.
type Agent interface {
	Name() string
	ExecuteDevelopmentCycle(ctx context.Context, req CycleRequest) (*CycleResult, error)
}

// UnknownBackendError reports a request for an unregistered backend. This is
// a configuration error surfaced before any job starts.
type UnknownBackendError struct {
	Name  string
	Known []string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend %q (known backends: %s)", e.Name, strings.Join(e.Known, ", "))
}

// Registry holds the available backends keyed by name.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds a backend. Re-registering a name replaces the previous entry.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
}

// Resolve returns the backend for name, or an UnknownBackendError listing
// the registered names.
func (r *Registry) Resolve(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[name]; ok {
		return a, nil
	}
	return nil, &UnknownBackendError{Name: name, Known: r.namesLocked()}
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FeedbackPrompt synthesizes the corrective prompt for a retry after a build
// failure. The raw build output is included verbatim so the agent sees the
// exact compiler errors.
func FeedbackPrompt(e *domain.BuildError) string {
	return fmt.Sprintf(
		"The previous change did not build (exit code %d). Fix the following build errors without changing unrelated code:\n\n%s",
		e.ExitCode, e.Output)
}
