package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/classtrack/sync-server/internal/api"
	"github.com/classtrack/sync-server/internal/config"
	"github.com/classtrack/sync-server/internal/db"
	"github.com/classtrack/sync-server/internal/deadletter"
	"github.com/classtrack/sync-server/internal/events"
	"github.com/classtrack/sync-server/internal/health"
	"github.com/classtrack/sync-server/internal/operation"
	"github.com/classtrack/sync-server/internal/orchestrator"
	"github.com/classtrack/sync-server/internal/progress"
	"github.com/classtrack/sync-server/internal/ratelimit"
	"github.com/classtrack/sync-server/internal/sources"
	"github.com/classtrack/sync-server/internal/state"
	"github.com/classtrack/sync-server/internal/target"
	"github.com/classtrack/sync-server/internal/telemetry"
	"github.com/classtrack/sync-server/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	Long: `Start the sync server: schedules and executes synchronization
operations against the configured sources and exposes the operator API.

The server requires a configuration file (--config) that specifies:
- The sources to pull from, their schedules, rate limits, and breakers
- The database holding operation state and synced records
- All other operational settings`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 30 * time.Second
	serverIdleTimeout      = 60 * time.Second

	deadLetterRetention  = 30 * 24 * time.Hour
	deadLetterPurgeEvery = 24 * time.Hour
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		panic(err)
	}
	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	address := viper.GetString("address")
	configPath := viper.GetString("config")

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Info("Starting sync server",
		"address", address,
		"config", configPath,
		"sources", len(cfg.Sources))

	var pool *pgxpool.Pool
	if cfg.Database != nil {
		pool, err = db.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()
	} else {
		logger.Warn("No database configured, operation state will not survive restarts")
	}

	stateSvc, err := state.NewService(pool)
	if err != nil {
		return fmt.Errorf("failed to create state service: %w", err)
	}
	dlq, err := deadletter.NewQueue(pool)
	if err != nil {
		return fmt.Errorf("failed to create dead letter queue: %w", err)
	}
	var store target.Store
	if pool != nil {
		store, err = target.NewPostgresStore(pool)
		if err != nil {
			return fmt.Errorf("failed to create target store: %w", err)
		}
	} else {
		store = target.NewMemoryStore()
	}

	// Metrics. A nil or disabled telemetry section yields a noop
	// provider, so the instruments below are always safe to call.
	meterProvider, err := telemetry.NewMeterProvider(ctx,
		telemetry.WithMeterServiceVersion(versions.GetVersionInfo().Version),
		telemetry.WithMetricsConfig(cfg.Telemetry),
	)
	if err != nil {
		return fmt.Errorf("failed to create meter provider: %w", err)
	}
	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}
	queueMetrics, err := telemetry.NewQueueMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create queue metrics: %w", err)
	}

	publisher := events.NewPublisher(events.LogSink{}, cfg.Events.QueueSize)
	publisher.Start(ctx)
	defer publisher.Close()

	tracker := progress.NewTracker(publisher)
	governor := buildGovernor(ctx, cfg, publisher, queueMetrics, logger)

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}

	orch := orchestrator.New(stateSvc, store, dlq, governor, publisher, adapters,
		orchestrator.WithMaxConcurrentOperations(cfg.Orchestrator.MaxConcurrentOperations),
		orchestrator.WithMetrics(syncMetrics),
		orchestrator.WithTracker(tracker),
		orchestrator.WithLogger(logger),
	)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orch.Close()

	schedules, err := buildSchedules(cfg)
	if err != nil {
		return err
	}
	scheduler := orchestrator.NewScheduler(orch, schedules, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	monitor, err := buildMonitor(cfg, publisher, logger, adapters, stateSvc, dlq, queueMetrics)
	if err != nil {
		return err
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	go purgeDeadLetters(ctx, dlq, logger)

	server := &http.Server{
		Addr:         address,
		Handler:      api.NewRouter(orch, dlq, monitor, logger),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutting down server...")

	gracefulTimeout := defaultGracefulTimeout
	if cfg.Server.ShutdownTimeout != "" {
		if d, err := time.ParseDuration(cfg.Server.ShutdownTimeout); err == nil {
			gracefulTimeout = d
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}

// buildAdapters creates one source adapter per configured source.
func buildAdapters(cfg *config.Config) (map[string]sources.Adapter, error) {
	adapters := make(map[string]sources.Adapter, len(cfg.Sources))
	for _, src := range cfg.Sources {
		token, err := src.GetAuthToken()
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		adapter, err := sources.NewAdapter(sources.Spec{
			Name:          src.Name,
			Type:          src.Type,
			Endpoint:      src.Endpoint,
			AuthToken:     token,
			MinAPIVersion: src.MinAPIVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		adapters[src.Name] = adapter
	}
	return adapters, nil
}

// buildGovernor assembles per-source rate limits and breakers from the
// configuration. Breaker transitions are surfaced as alert events and
// a state gauge.
func buildGovernor(
	ctx context.Context,
	cfg *config.Config,
	publisher *events.Publisher,
	queueMetrics *telemetry.QueueMetrics,
	logger *slog.Logger,
) *ratelimit.Governor {
	limits := make(map[string]ratelimit.SourceLimit)
	sourceBreakers := make(map[string]ratelimit.BreakerSettings)

	onStateChange := func(source string, from, to ratelimit.State) {
		logger.Warn("Circuit breaker state changed",
			"source", source,
			"from", from,
			"to", to)
		publisher.Publish(events.New(events.TypeCircuitStateChanged, uuid.Nil, map[string]any{
			"source": source,
			"from":   string(from),
			"to":     string(to),
		}))
		queueMetrics.RecordBreakerState(ctx, source, breakerStateValue(to))
	}

	for _, src := range cfg.Sources {
		if src.RateLimit != nil {
			limits[src.Name] = ratelimit.SourceLimit{
				RequestsPerSecond: src.RateLimit.RequestsPerSecond,
				Burst:             src.RateLimit.Burst,
			}
		}
		if src.Breaker != nil {
			settings := ratelimit.DefaultBreakerSettings()
			settings.FailureThreshold = src.Breaker.FailureThreshold
			if src.Breaker.CoolDown != "" {
				if d, err := time.ParseDuration(src.Breaker.CoolDown); err == nil {
					settings.CoolDown = d
				}
			}
			settings.OnStateChange = onStateChange
			sourceBreakers[src.Name] = settings
		}
	}

	defaultSettings := ratelimit.DefaultBreakerSettings()
	defaultSettings.OnStateChange = onStateChange

	return ratelimit.NewGovernor(limits,
		ratelimit.WithBreakerSettings(defaultSettings),
		ratelimit.WithSourceBreakerSettings(sourceBreakers),
	)
}

// buildSchedules converts configured source schedules into scheduler
// entries, applying the orchestrator tuning section as the execution
// options for recurring syncs.
func buildSchedules(cfg *config.Config) ([]orchestrator.Schedule, error) {
	options := operation.DefaultOptions()
	if cfg.Orchestrator.BatchSize > 0 {
		options.BatchSize = cfg.Orchestrator.BatchSize
	}
	if cfg.Orchestrator.ParallelBatches > 0 {
		options.ParallelBatches = cfg.Orchestrator.ParallelBatches
	}
	if cfg.Orchestrator.MaxFailureRatio > 0 {
		options.MaxFailureRatio = cfg.Orchestrator.MaxFailureRatio
	}

	var schedules []orchestrator.Schedule
	for _, src := range cfg.Sources {
		if src.Schedule == "" {
			continue
		}
		interval, err := time.ParseDuration(src.Schedule)
		if err != nil {
			return nil, fmt.Errorf("source %s: invalid schedule: %w", src.Name, err)
		}
		schedule, err := orchestrator.ScheduleFor(src.Name, src.Type, interval)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		schedule.Options = &options
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}

// buildMonitor registers a health checker per source plus the state
// store and the dead letter queue.
func buildMonitor(
	cfg *config.Config,
	publisher *events.Publisher,
	logger *slog.Logger,
	adapters map[string]sources.Adapter,
	stateSvc state.Service,
	dlq deadletter.Queue,
	queueMetrics *telemetry.QueueMetrics,
) (*health.Monitor, error) {
	opts := []health.Option{
		health.WithPublisher(publisher),
		health.WithLogger(logger),
	}
	if cfg.Health.Interval != "" {
		interval, err := time.ParseDuration(cfg.Health.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid health interval: %w", err)
		}
		opts = append(opts, health.WithInterval(interval))
	}

	monitor := health.NewMonitor(opts...)
	for name, adapter := range adapters {
		monitor.Register("source:"+name, adapter.CheckHealth)
	}
	monitor.Register("state", stateSvc.Ping)
	monitor.Register("deadletter", func(ctx context.Context) error {
		depth, err := dlq.Depth(ctx)
		if err != nil {
			return err
		}
		queueMetrics.RecordDeadLetterDepth(ctx, depth)
		return nil
	})
	return monitor, nil
}

// purgeDeadLetters drops dead letter entries past the retention window
// once a day.
func purgeDeadLetters(ctx context.Context, dlq deadletter.Queue, logger *slog.Logger) {
	ticker := time.NewTicker(deadLetterPurgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-deadLetterRetention)
		purged, err := dlq.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			logger.Error("Failed to purge dead letters", "error", err)
			continue
		}
		if purged > 0 {
			logger.Info("Purged expired dead letters", "count", purged)
		}
	}
}

func breakerStateValue(s ratelimit.State) int64 {
	switch s {
	case ratelimit.StateOpen:
		return 2
	case ratelimit.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
