// CodeForge - autonomous development job server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/mkravets/codeforge/internal/api"
	"github.com/mkravets/codeforge/internal/backend"
	"github.com/mkravets/codeforge/internal/buildcheck"
	"github.com/mkravets/codeforge/internal/config"
	"github.com/mkravets/codeforge/internal/coordinator"
	"github.com/mkravets/codeforge/internal/identity"
	"github.com/mkravets/codeforge/internal/ledger"
	"github.com/mkravets/codeforge/internal/middleware"
	"github.com/mkravets/codeforge/internal/session"
	"github.com/mkravets/codeforge/internal/store"
	"github.com/mkravets/codeforge/internal/vcs"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port, "default_backend", cfg.DefaultBackend, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Build verification runs in a container when an image is configured,
	// directly on the host otherwise.
	var build buildcheck.Runner
	if cfg.BuildImage != "" {
		build, err = buildcheck.NewDockerRunner(cfg.BuildImage, cfg.BuildCmd, cfg.InvocationTimeout, logger)
		if err != nil {
			slog.Error("Failed to initialize containerized build runner", "error", err)
			os.Exit(1)
		}
		slog.Info("Build verification containerized", "image", cfg.BuildImage)
	} else {
		build = buildcheck.NewExecRunner(cfg.BuildCmd, cfg.InvocationTimeout, logger)
		slog.Info("Build verification on host", "command", cfg.BuildCmd)
	}

	var ledgerClient backend.Ledger
	if cfg.LedgerURL != "" {
		ledgerClient = ledger.New(cfg.LedgerURL)
		slog.Info("Ledger charging enabled", "url", cfg.LedgerURL)
	} else {
		slog.Info("Ledger charging disabled (LEDGER_URL not set)")
	}

	registry := backend.NewRegistry()
	registry.Register(backend.NewClaude(cfg.ClaudeBin, repo, ledgerClient, build, logger))
	registry.Register(backend.NewGemini(cfg.GeminiBin, repo, ledgerClient, build, logger))
	slog.Info("Backends registered", "backends", registry.Names())

	var syncer coordinator.Syncer
	if cfg.VCSSyncURL != "" {
		syncer = vcs.New(cfg.VCSSyncURL)
		slog.Info("Source-control sync enabled", "url", cfg.VCSSyncURL)
	}

	coord := coordinator.New(registry, repo, syncer, coordinator.Config{
		MaxRetries:        cfg.MaxRetries,
		BackoffBase:       cfg.RetryBackoffBase,
		InvocationTimeout: cfg.InvocationTimeout,
	}, logger)

	mgr := session.NewManager(coord, repo, session.Config{
		WorkspaceDir:    cfg.WorkspaceDir,
		PreconditionURL: cfg.PreconditionURL,
		Retention:       cfg.SessionRetention,
		SweepInterval:   cfg.SweepInterval,
		StopGrace:       cfg.StopGracePeriod,
		DefaultBackend:  cfg.DefaultBackend,
	}, logger)

	handler := api.NewHandler(mgr, repo)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware())
	handler.RegisterRoutes(r)

	// SSE and WebSocket log streams stay open for the session's lifetime, so
	// no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.StartGC(ctx)
	startStoreCleanup(ctx, repo, cfg.SessionRetention, logger)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("Sessions did not stop in time", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// startStoreCleanup removes terminal jobs and their message logs once they age
// past seven times the session retention window; the in-memory registry
// forgets sessions much sooner than the durable record does.
func startStoreCleanup(ctx context.Context, repo store.Repository, retention time.Duration, logger *slog.Logger) {
	interval := time.Hour
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := repo.CleanupFinishedJobs(ctx, 7*retention); err != nil {
					logger.Error("Job store cleanup failed", "error", err)
				} else if n > 0 {
					logger.Info("Job store cleanup complete", "jobs_deleted", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
