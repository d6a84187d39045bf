// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration, read from the environment.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// DefaultBackend is used when an execution request names no backend.
	DefaultBackend string
	ClaudeBin      string
	GeminiBin      string

	// WorkspaceDir is the root under which per-target working trees live.
	WorkspaceDir string
	// BuildCmd verifies a working tree after each attempt.
	BuildCmd string
	// BuildImage, when set, runs the build inside this container image
	// instead of directly on the host.
	BuildImage string

	MaxRetries        int
	RetryBackoffBase  time.Duration
	InvocationTimeout time.Duration

	StopGracePeriod  time.Duration
	SessionRetention time.Duration
	SweepInterval    time.Duration

	// PreconditionURL is probed before accepting a job; empty disables the check.
	PreconditionURL string
	// LedgerURL is the billing collaborator; empty disables charging.
	LedgerURL string
	// VCSSyncURL is the source-control sync collaborator; empty disables sync.
	VCSSyncURL string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/codeforge.db"),

		DefaultBackend: getEnv("DEFAULT_BACKEND", "claude"),
		ClaudeBin:      getEnv("CLAUDE_BIN", "claude"),
		GeminiBin:      getEnv("GEMINI_BIN", "gemini"),

		WorkspaceDir: getEnv("WORKSPACE_DIR", "./data/workspaces"),
		BuildCmd:     getEnv("BUILD_CMD", "npm run build"),
		BuildImage:   getEnv("BUILD_IMAGE", ""),

		MaxRetries:        getEnvInt("MAX_RETRIES", 3),
		RetryBackoffBase:  getEnvDuration("RETRY_BACKOFF_BASE", time.Second),
		InvocationTimeout: getEnvDuration("INVOCATION_TIMEOUT", 5*time.Minute),

		StopGracePeriod:  getEnvDuration("STOP_GRACE_PERIOD", 5*time.Second),
		SessionRetention: getEnvDuration("SESSION_RETENTION", 30*time.Minute),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Minute),

		PreconditionURL: getEnv("PRECONDITION_URL", ""),
		LedgerURL:       getEnv("LEDGER_URL", ""),
		VCSSyncURL:      getEnv("VCS_SYNC_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.WorkspaceDir == "" {
		return fmt.Errorf("WORKSPACE_DIR cannot be empty")
	}
	if c.BuildCmd == "" {
		return fmt.Errorf("BUILD_CMD cannot be empty")
	}
	if c.DefaultBackend != "claude" && c.DefaultBackend != "gemini" {
		return fmt.Errorf("DEFAULT_BACKEND must be claude or gemini, got %q", c.DefaultBackend)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
