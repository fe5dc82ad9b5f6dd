package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forgesync/forgesync/internal/api"
	"github.com/forgesync/forgesync/internal/config"
	"github.com/forgesync/forgesync/internal/pipeline"
	"github.com/forgesync/forgesync/internal/progress"
	"github.com/forgesync/forgesync/internal/store"
	"github.com/forgesync/forgesync/internal/store/inmemory"
	"github.com/forgesync/forgesync/internal/store/postgres"
	forgesync "github.com/forgesync/forgesync/internal/sync"
	"github.com/forgesync/forgesync/internal/sync/coordinator"
	"github.com/forgesync/forgesync/internal/telemetry"
	"github.com/forgesync/forgesync/internal/upstream"
	"github.com/forgesync/forgesync/internal/versions"
	"github.com/forgesync/forgesync/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	Long: `Start the forgesync server.

The server requires a configuration file (--config) that specifies:
- Upstream forge endpoint, credentials, cache, and rate limit reserve
- Sync scheduling and pipeline settings
- Webhook secret location
- Optional PostgreSQL persistence (in-memory storage is used otherwise)

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 35 * time.Second // must exceed serverRequestTimeout so the middleware answers first
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

// buildStore selects the persistence backend. A configured database section
// selects PostgreSQL; otherwise everything stays in memory.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, *pgxpool.Pool, error) {
	if cfg.Database == nil {
		slog.Info("No database configured, using in-memory storage")
		return inmemory.New(), nil, nil
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	pool, err := postgres.Connect(ctx, connString, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("Connected to PostgreSQL",
		"host", cfg.Database.Host,
		"database", cfg.Database.Database)
	return postgres.New(pool), pool, nil
}

// buildTelemetry maps the file configuration onto the telemetry setup
func buildTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	if cfg.Telemetry == nil {
		return telemetry.New(ctx)
	}

	telCfg := &telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: versions.GetVersionInfo().Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SamplingRatio:  cfg.Telemetry.SamplingRatio,
	}
	if cfg.Telemetry.ExportInterval != "" {
		interval, err := time.ParseDuration(cfg.Telemetry.ExportInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid telemetry export interval: %w", err)
		}
		telCfg.ExportInterval = interval
	}

	return telemetry.New(ctx, telemetry.WithTelemetryConfig(telCfg))
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	address := viper.GetString("address")

	slog.Info("Starting forgesync server", "address", address)

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration",
		"path", configPath,
		"upstream", cfg.Upstream.Endpoint)

	tel, err := buildTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	st, pool, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	token, err := cfg.Upstream.GetToken()
	if err != nil {
		return fmt.Errorf("failed to load upstream token: %w", err)
	}

	client := upstream.NewClient(cfg.Upstream.Endpoint,
		upstream.WithToken(token),
		upstream.WithHTTPClient(&http.Client{Timeout: cfg.Upstream.GetRequestTimeout()}),
		upstream.WithCache(cfg.Upstream.GetCacheTTL(), cfg.Upstream.GetCacheCapacity()),
		upstream.WithRateLimitReserve(cfg.Upstream.GetRateLimitReserve()),
	)

	syncMetrics, err := telemetry.NewSyncMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}
	pipelineMetrics, err := telemetry.NewPipelineMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}

	tracker := progress.NewTracker(st)

	orchestrator := forgesync.NewOrchestrator(client, st,
		forgesync.WithConcurrency(cfg.Sync.GetConcurrency()),
		forgesync.WithProgress(tracker),
		forgesync.WithMetrics(syncMetrics),
	)

	pipe := pipeline.New(
		pipeline.WithWorkers(cfg.Pipeline.GetWorkers()),
		pipeline.WithMaxRetries(cfg.Pipeline.GetMaxRetries()),
		pipeline.WithJobTimeout(cfg.Pipeline.GetJobTimeout()),
		pipeline.WithHistory(st),
		pipeline.WithListener(tracker),
		pipeline.WithMetrics(pipelineMetrics),
	)
	forgesync.RegisterHandlers(pipe, orchestrator, st)
	pipe.RegisterHandler(pipeline.JobTypeMaintenance, maintenanceHandler(pipe))

	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	defer pipeCancel()
	pipe.Start(pipeCtx)

	secret, err := cfg.Webhook.GetSecret()
	if err != nil {
		// Webhooks stay disabled without a secret; polling still works
		slog.Warn("Webhook ingestion disabled", "reason", err)
	}
	ingestor := webhook.NewIngestor(secret, pipe, st)

	scope := ""
	if len(cfg.Sync.Scopes) > 0 {
		scope = cfg.Sync.Scopes[0]
	}
	syncCoordinator := coordinator.New(pipe,
		coordinator.WithInterval(cfg.Sync.IntervalDuration()),
		coordinator.WithScope(scope),
	)
	coordCtx, coordCancel := context.WithCancel(context.Background())
	defer coordCancel()
	go func() {
		if err := syncCoordinator.Start(coordCtx); err != nil {
			slog.Error("Sync coordinator failed", "error", err)
		}
	}()

	var readiness func(ctx context.Context) error
	if pool != nil {
		readiness = pool.Ping
	}

	router := api.NewServer(
		api.Deps{
			Pipeline:        pipe,
			Tracker:         tracker,
			Ingestor:        ingestor,
			ReadinessCheck:  readiness,
			AllowRedelivery: cfg.Webhook.AllowRedelivery,
		},
		api.WithMiddlewares(
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	if err := syncCoordinator.Stop(); err != nil {
		slog.Error("Failed to stop sync coordinator", "error", err)
	}
	pipe.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}

// maintenanceHandler runs maintenance tasks against the pipeline itself
func maintenanceHandler(pipe *pipeline.Pipeline) pipeline.Handler {
	return func(_ context.Context, job *pipeline.Job) (any, error) {
		payload, ok := job.Payload.(*pipeline.MaintenancePayload)
		if !ok {
			return nil, fmt.Errorf("unexpected payload type %T", job.Payload)
		}

		switch payload.Task {
		case "cleanup_jobs":
			days := payload.OlderThanDays
			if days <= 0 {
				days = int(config.DefaultRetention / (24 * time.Hour))
			}
			purged := pipe.Cleanup(time.Duration(days) * 24 * time.Hour)
			return map[string]int{"purged": purged}, nil
		default:
			return nil, fmt.Errorf("unknown maintenance task %q", payload.Task)
		}
	}
}
