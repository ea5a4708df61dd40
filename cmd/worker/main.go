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
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/statforge/propline/internal/app/config"
	"github.com/statforge/propline/internal/app/worker"
	"github.com/statforge/propline/internal/infra/eventbus/kafka"
	"github.com/statforge/propline/internal/infra/scoring"
	predictionStore "github.com/statforge/propline/internal/infra/storage/prediction/postgres"
	"github.com/statforge/propline/pkg/common"
	"github.com/statforge/propline/pkg/common/logger"
	"github.com/statforge/propline/pkg/common/otel"
)

const serviceType = "worker"

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

	svcName := fmt.Sprintf("WORKER-%s", hostname)
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

	mp := otel.GetMeterProvider()
	metricCollector, err := worker.NewWorkerMetrics(mp)
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

	stagingStore := predictionStore.NewStagingStore(pool, tracer)

	modelServerURL := os.Getenv("MODEL_SERVER_URL")
	if modelServerURL == "" {
		logg.Error(ctx, "MODEL_SERVER_URL environment variable must be set")
		os.Exit(1)
	}
	scorer := scoring.NewClient(modelServerURL, &http.Client{Timeout: cfg.Worker.ScoreTimeout}, logg, tracer)

	w := worker.NewWorker(
		hostname,
		scorer,
		stagingStore,
		eventBus,
		eventPublisher,
		cfg.Worker.ScoreTimeout,
		logg,
		metricCollector,
		tracer,
	)

	if err := w.Run(ctx); err != nil {
		logg.Error(ctx, "failed to start worker", "error", err)
		os.Exit(1)
	}

	logg.Info(ctx, "Worker initialized")
	ready.Store(true)

	sig := <-sigCh
	logg.Info(ctx, "Received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer shutdownCancel()

	if err := eventBus.Close(); err != nil {
		logg.Error(shutdownCtx, "Failed to close event bus", "error", err)
	}
	logg.Info(shutdownCtx, "Worker shutdown complete")
}
