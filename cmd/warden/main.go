// Warden gateway server — the orchestration and execution substrate for a
// secure, local-first AI-agent platform.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wardenhq/warden/pkg/api"
	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/cleanup"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/database"
	"github.com/wardenhq/warden/pkg/delegation"
	"github.com/wardenhq/warden/pkg/events"
	"github.com/wardenhq/warden/pkg/executor"
	"github.com/wardenhq/warden/pkg/integration"
	"github.com/wardenhq/warden/pkg/metrics"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/rbac"
	"github.com/wardenhq/warden/pkg/sandbox"
	"github.com/wardenhq/warden/pkg/swarm"
	"github.com/wardenhq/warden/pkg/validation"
	"github.com/wardenhq/warden/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging() {
	level := slog.LevelInfo
	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if getEnv("LOG_FORMAT", "json") == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	if err := run(); err != nil {
		slog.Error("Startup failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads secrets.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Info("No .env file loaded, using process environment", "path", envPath)
	}

	setupLogging()
	slog.Info("Starting warden", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// Configuration.
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		return err
	}

	// Database.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("database configuration: %w", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Failed to close database client", "error", err)
		}
	}()
	slog.Info("Database connected, migrations applied")

	// Audit chain — every subsystem below writes to it.
	chain, err := audit.NewChain(audit.NewSQLStore(dbClient.Store), cfg.Audit.SigningKey())
	if err != nil {
		return fmt.Errorf("audit chain: %w", err)
	}

	// Access control, admission, screening, sandboxing.
	checker := rbac.NewChecker(cfg.Roles)
	limiter := ratelimit.NewLimiter(cfg.RateLimits)
	defer limiter.Stop()
	validator := validation.NewValidator(validation.Config{
		MaxLength:    cfg.Validation.MaxLength,
		MaxFileBytes: cfg.Validation.MaxFileBytes,
	})
	sb := sandbox.New(sandbox.Limits{
		MaxDuration: time.Duration(cfg.Executor.MaxTimeoutMs) * time.Millisecond,
	})

	// Task executor.
	defaultTimeout, maxTimeout := cfg.ExecutorTimeouts()
	taskExecutor := executor.New(executor.Config{
		MaxConcurrent:  cfg.Executor.MaxConcurrent,
		DefaultTimeout: defaultTimeout,
		MaxTimeout:     maxTimeout,
	}, executor.NewSQLStore(dbClient.Store), chain, limiter, validator, checker, sb)
	defer taskExecutor.Stop()

	// Delegation layer. A concrete provider client is wired by deployments;
	// without one, delegations fail with a clean dependency error.
	delegator := delegation.New(delegation.Config{
		MaxDepth:       cfg.Delegation.MaxDepth,
		DefaultTimeout: time.Duration(cfg.Delegation.DefaultTimeoutMs) * time.Millisecond,
	}, delegation.NewSQLStore(dbClient.Store), cfg, delegation.UnconfiguredClient{})

	// Swarm manager (model router optional, none wired by default).
	swarmManager := swarm.NewManager(swarm.Config{
		DefaultTokenBudget:        cfg.Swarm.DefaultTokenBudget,
		DefaultCoordinatorProfile: cfg.Swarm.DefaultCoordinatorProfile,
	}, swarm.NewSQLStore(dbClient.Store), cfg, delegator, nil, chain)

	// Integration manager.
	integrations := integration.NewManager(integration.Config{
		HealthCheckInterval: time.Duration(cfg.Integration.HealthCheckIntervalMs) * time.Millisecond,
		MaxRetries:          cfg.Integration.MaxRetries,
		BaseDelay:           time.Duration(cfg.Integration.BaseDelayMs) * time.Millisecond,
	}, integration.NewSQLStore(dbClient.Store))
	for platform, maxPerSecond := range cfg.Integration.PlatformRateLimits {
		integrations.SetPlatformDefault(platform, integration.RateLimit{MaxPerSecond: maxPerSecond})
	}
	for _, binding := range cfg.Integration.Bindings {
		integrations.AddConfig(binding)
	}
	// Platform adapter factories register here before StartAll; none ship
	// with the core.
	integrations.StartAll(ctx)
	defer integrations.StopAll(context.Background())
	slog.Info("Integrations started")

	// Retention sweeps: audit chain tail. TaskRetentionDays is left at 0, so
	// terminal task rows are kept.
	retention := cleanup.NewService(cleanup.Config{
		Interval: time.Hour,
		AuditPolicy: audit.RetentionPolicy{
			MaxAgeDays: cfg.Audit.Retention.MaxAgeDays,
			MaxEntries: cfg.Audit.Retention.MaxEntries,
		},
	}, chain, executor.NewSQLStore(dbClient.Store))
	retention.Start(ctx)
	defer retention.Stop()

	// WebSocket hub + periodic metrics broadcast.
	hub := events.NewHub(checker, 10*time.Second)
	defer hub.Stop()
	taskExecutor.SetPublisher(hub)

	broadcaster := events.NewBroadcaster(hub, func() any {
		stats := taskExecutor.Stats()
		return map[string]any{
			"tasks":      stats,
			"ws_clients": hub.ClientCount(),
		}
	})
	defer broadcaster.Stop()

	// Prometheus metrics. Load gauges read live component state.
	m := metrics.New()
	m.RegisterGaugeFunc("warden_tasks_active", "Tasks currently executing.",
		func() float64 { return float64(taskExecutor.Stats().Active) })
	m.RegisterGaugeFunc("warden_tasks_queued", "Tasks waiting for an execution slot.",
		func() float64 { return float64(taskExecutor.Stats().Queued) })
	m.RegisterGaugeFunc("warden_ws_clients", "Connected WebSocket clients.",
		func() float64 { return float64(hub.ClientCount()) })

	// Gateway.
	server := api.NewServer(cfg, dbClient, chain, checker, limiter,
		taskExecutor, swarmManager, integrations, hub)
	server.SetMetrics(m)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", cfg.ListenAddr(), "tls", cfg.Server.TLS.Enabled)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or a fatal server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown failed", "error", err)
	}

	// Deferred stops unwind the rest: broadcaster, hub, integrations,
	// executor, limiter, database.
	slog.Info("Shutdown complete")
	return nil
}
