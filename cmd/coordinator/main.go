package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/statforge/propline/internal/api"
	"github.com/statforge/propline/internal/app/config"
	"github.com/statforge/propline/internal/app/coordination"
	"github.com/statforge/propline/internal/infra/eventbus/kafka"
	"github.com/statforge/propline/internal/infra/featurestore"
	predictionStore "github.com/statforge/propline/internal/infra/storage/prediction/postgres"
	"github.com/statforge/propline/pkg/common"
	"github.com/statforge/propline/pkg/common/logger"
	"github.com/statforge/propline/pkg/common/otel"
)

const serviceType = "coordinator"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	var logg *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("COORDINATOR-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	logg = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logg.Error(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	prob, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLING_RATIO"), 64)
	if err != nil {
		prob = 1.0
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(logg, otel.Config{
		ServiceName:      svcName,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		logg.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(svcName)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			logg.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		logg.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = cfg.Database.MinConns
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logg.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		logg.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	logg.Info(ctx, "Migrations applied successfully. Starting application...")

	mp := otel.GetMeterProvider()
	metricCollector, err := coordination.NewCoordinationMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	kafkaClient, err := kafka.NewClient(config.NewClientConfig(cfg, svcName, serviceType))
	if err != nil {
		logg.Error(ctx, "failed to create kafka client", "error", err)
		os.Exit(1)
	}
	defer kafkaClient.Close()

	busCfg := config.NewEventBusConfig(cfg, svcName, serviceType)
	eventBus, err := kafka.ConnectEventBus(busCfg, kafkaClient, logg, metricCollector, tracer)
	if err != nil {
		logg.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}
	eventPublisher := kafka.NewDomainEventPublisher(eventBus)

	batchStore := predictionStore.NewBatchStore(pool, tracer)
	workItemStore := predictionStore.NewWorkItemStore(pool, tracer)
	stagingStore := predictionStore.NewStagingStore(pool, tracer)
	lockStore := predictionStore.NewLockStore(pool, tracer)
	recordStore := predictionStore.NewRecordStore(pool, tracer)
	breakerStore := predictionStore.NewBreakerStore(pool, tracer)

	featureStoreURL := os.Getenv("FEATURE_STORE_URL")
	if featureStoreURL == "" {
		logg.Error(ctx, "FEATURE_STORE_URL environment variable must be set")
		os.Exit(1)
	}
	eligibility := featurestore.NewClient(featureStoreURL, &http.Client{Timeout: 30 * time.Second}, logg, tracer)

	guard := coordination.NewGuard(
		breakerStore,
		cfg.Coordinator.BreakerThreshold,
		cfg.Coordinator.BreakerCooldown,
		logg,
		metricCollector,
		tracer,
	)
	consolidator := coordination.NewConsolidator(
		hostname,
		lockStore,
		stagingStore,
		recordStore,
		batchStore,
		cfg.Coordinator.LockTTL,
		logg,
		metricCollector,
		tracer,
	)
	coordinator := coordination.NewCoordinator(
		hostname,
		batchStore,
		workItemStore,
		eligibility,
		consolidator,
		guard,
		eventBus,
		eventPublisher,
		common.NewRateLimiter(cfg.Coordinator.DispatchRPS, cfg.Coordinator.DispatchBurst),
		logg,
		metricCollector,
		tracer,
	)
	watchdog := coordination.NewWatchdog(
		hostname,
		batchStore,
		workItemStore,
		coordinator.TriggerConsolidation,
		eventPublisher,
		cfg.Coordinator.WatchdogInterval,
		cfg.Coordinator.BatchDeadline,
		logg,
		metricCollector,
		tracer,
	)

	apiServer := api.NewServer(coordinator, batchStore, coordinator, ready, logg, tracer)
	httpServer := &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      apiServer.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if err := coordinator.Run(ctx); err != nil {
		logg.Error(ctx, "failed to start coordinator", "error", err)
		os.Exit(1)
	}
	watchdog.Start(ctx)
	defer watchdog.Stop()

	logg.Info(ctx, "Coordinator initialized", "listen_addr", cfg.API.ListenAddr)
	ready.Store(true)

	select {
	case sig := <-sigCh:
		logg.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "Failed to shut down operator API", "error", err)
		}
		watchdog.Stop()
		if err := eventBus.Close(); err != nil {
			logg.Error(shutdownCtx, "Failed to close event bus", "error", err)
		}

	case err := <-errCh:
		logg.Error(ctx, "Operator API error", "error", err)
		os.Exit(1)
	}
}

// runMigrations uses golang-migrate to apply all up migrations from
// "db/migrations" over a connection borrowed from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
