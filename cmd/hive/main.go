// Hive orchestrator server: plans submitted tasks, runs agent waves, and
// serves the HTTP API and WebSocket event stream.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agenthive/hive/pkg/agent"
	"github.com/agenthive/hive/pkg/api"
	"github.com/agenthive/hive/pkg/bus"
	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/events"
	"github.com/agenthive/hive/pkg/executor"
	"github.com/agenthive/hive/pkg/llm"
	"github.com/agenthive/hive/pkg/metrics"
	"github.com/agenthive/hive/pkg/orchestrate"
	"github.com/agenthive/hive/pkg/planner"
	"github.com/agenthive/hive/pkg/review"
	"github.com/agenthive/hive/pkg/store"
	"github.com/agenthive/hive/pkg/tools"
	"github.com/agenthive/hive/pkg/version"
)

// agentInboxSize bounds each worker's message bus inbox.
const agentInboxSize = 64

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting hive",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Metrics registry
	promRegistry := prometheus.NewRegistry()
	engineMetrics := metrics.New(promRegistry)

	// 3. Provider client, instrumented for per-call LLM metrics
	apiKey := os.Getenv(cfg.Provider.APIKeyEnv)
	llmClient, err := llm.NewClient(llm.ClientOptions{
		BaseURL:       cfg.Provider.BaseURL,
		MediaURL:      cfg.Provider.MediaURL,
		APIKey:        apiKey,
		Timeout:       cfg.Provider.Timeout,
		RetryAttempts: cfg.Provider.RetryAttempts,
	})
	if err != nil {
		slog.Error("Failed to initialize LLM client", "key_env", cfg.Provider.APIKeyEnv, "error", err)
		os.Exit(1)
	}
	chatClient := engineMetrics.InstrumentChat(llmClient)
	slog.Info("LLM client initialized", "base_url", cfg.Provider.BaseURL)

	// 4. Sandbox tool registry
	toolRegistry := tools.NewRegistry(tools.RegistryOptions{
		DefaultTimeout: cfg.Sandbox.Browser.CallTimeout,
		MaxRetries:     2,
	})
	browser, err := tools.NewBrowser(cfg.Sandbox.Browser)
	if err != nil {
		slog.Error("Failed to initialize sandbox browser", "error", err)
		os.Exit(1)
	}
	codeRunner := tools.NewCodeRunner(cfg.Sandbox.CodeRunner)
	if err := tools.RegisterSandboxTools(toolRegistry, browser, codeRunner, cfg.Sandbox); err != nil {
		slog.Error("Failed to register sandbox tools", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox tools registered")

	// 5. Optional run store + streaming infrastructure. Without database
	// configuration the engine runs fully in-memory.
	var (
		storeClient    *store.Client
		connManager    *events.ConnectionManager
		notifyListener *events.NotifyListener
		emitter        events.Emitter = events.NopEmitter{}
	)
	if os.Getenv("DATABASE_URL") != "" || os.Getenv("DB_HOST") != "" {
		storeCfg, err := store.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		storeClient, err = store.NewClient(ctx, storeCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storeClient.Close(); err != nil {
				slog.Error("Error closing store client", "error", err)
			}
		}()
		slog.Info("Connected to PostgreSQL run store")

		emitter = events.NewPublisher(storeClient.DB())
		connManager = events.NewConnectionManager(storeClient, 10*time.Second)

		// Start NotifyListener (dedicated pgx connection for LISTEN)
		notifyListener = events.NewNotifyListener(storeCfg.DSN(), connManager)
		if err := notifyListener.Start(ctx); err != nil {
			slog.Error("Failed to start NotifyListener", "error", err)
			os.Exit(1)
		}
		defer notifyListener.Stop(ctx)

		connManager.SetListener(notifyListener)
		slog.Info("Streaming infrastructure initialized")
	} else {
		slog.Info("No database configured, running in-memory")
	}

	// 6. Planner and quality gate
	taskPlanner := planner.New(planner.Options{
		Client:       chatClient,
		Config:       *cfg.Planner,
		Roles:        cfg.Roles,
		FallbackRole: cfg.Defaults.FallbackRole,
	})
	gate := review.New(review.Options{
		Client: chatClient,
		Config: cfg.Engine.Gate,
	})

	// 7. Worker factory over the shared message bus
	messageBus := bus.New(agentInboxSize)
	newWorker := func(workerID string, role *config.Role) executor.Worker {
		return agent.NewWorker(agent.Options{
			ID:       workerID,
			Role:     role,
			Client:   chatClient,
			Media:    llmClient,
			Registry: toolRegistry,
			Bus:      messageBus,
			Engine:   cfg.Engine,
			Defaults: cfg.Defaults,
		})
	}

	// 8. Orchestrator
	orchOpts := orchestrate.Options{
		Planner:   taskPlanner,
		NewWorker: newWorker,
		Roles:     cfg.Roles,
		Engine:    cfg.Engine,
		Defaults:  cfg.Defaults,
		Gate:      gate,
		Emitter:   emitter,
		Metrics:   engineMetrics,
	}
	if storeClient != nil {
		orchOpts.Recorder = storeClient
	}
	orchestrator := orchestrate.New(orchOpts)

	// 9. HTTP server
	httpServer := api.NewServer(api.Options{
		Orchestrator:     orchestrator,
		Roles:            cfg.Roles,
		Store:            storeClient,
		ConnManager:      connManager,
		Gatherer:         promRegistry,
		AllowedWSOrigins: cfg.AllowedWSOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	stats := cfg.Stats()
	slog.Info("Hive started successfully",
		"roles", stats.Roles,
		"max_workers", cfg.Engine.MaxConcurrentWorkers)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: cancel running jobs first, bounded by the
	// worker stop grace period plus headroom for snapshots to flush.
	jobShutdownCtx, jobCancel := context.WithTimeout(ctx, cfg.Engine.StopGracePeriod+10*time.Second)
	defer jobCancel()
	if err := orchestrator.Shutdown(jobShutdownCtx); err != nil {
		slog.Warn("Job shutdown incomplete", "error", err)
	} else {
		slog.Info("All jobs stopped gracefully")
	}

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
