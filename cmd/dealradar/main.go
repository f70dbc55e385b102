// Package main wires together the dealradar scraper service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/dealradar/dealradar/internal/api"
	"github.com/dealradar/dealradar/internal/archive"
	"github.com/dealradar/dealradar/internal/breaker"
	"github.com/dealradar/dealradar/internal/clock/system"
	"github.com/dealradar/dealradar/internal/config"
	"github.com/dealradar/dealradar/internal/dedup"
	"github.com/dealradar/dealradar/internal/fetch"
	"github.com/dealradar/dealradar/internal/guard"
	"github.com/dealradar/dealradar/internal/history"
	"github.com/dealradar/dealradar/internal/logging"
	notifymem "github.com/dealradar/dealradar/internal/notify/memory"
	notifypubsub "github.com/dealradar/dealradar/internal/notify/pubsub"
	"github.com/dealradar/dealradar/internal/parse"
	"github.com/dealradar/dealradar/internal/registry"
	"github.com/dealradar/dealradar/internal/scrape"
	"github.com/dealradar/dealradar/internal/settings"
	sinkmem "github.com/dealradar/dealradar/internal/sink/memory"
	sinkpg "github.com/dealradar/dealradar/internal/sink/postgres"
	"github.com/dealradar/dealradar/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()

	seen, err := newDedupStore(ctx, cfg, clock)
	if err != nil {
		return fmt.Errorf("init dedup store: %w", err)
	}

	sink, err := newListingSink(ctx, cfg, clock)
	if err != nil {
		return fmt.Errorf("init listing sink: %w", err)
	}

	notifier, closeNotifier, err := newNotifier(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}
	defer closeNotifier()

	blobs, err := newArchive(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}

	sourceRPS := make(map[string]float64, len(cfg.Sources))
	sourceBurst := make(map[string]int, len(cfg.Sources))
	sources := make(map[string]registry.Source, len(cfg.Sources))
	for name, src := range cfg.Sources {
		sources[name] = registry.Source{BaseURL: src.BaseURL}
		if src.RPS > 0 {
			sourceRPS[name] = src.RPS
		}
		if src.Burst > 0 {
			sourceBurst[name] = src.Burst
		}
	}

	fetcher := fetch.NewClient(fetch.Config{
		Timeout:            cfg.FetchTimeout(),
		MaxAttempts:        cfg.Fetch.MaxAttempts,
		BackoffInitial:     time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
		RetryAfterFallback: time.Duration(cfg.Fetch.RetryAfterFallback) * time.Second,
		RateLimitRPS:       cfg.Fetch.RateLimitRPS,
		RateLimitBurst:     cfg.Fetch.RateLimitBurst,
		SourceRPS:          sourceRPS,
		SourceBurst:        sourceBurst,
	}, clock, logger.Named("fetch"))

	brk := breaker.New(breaker.Config{
		Threshold: cfg.Breaker.Threshold,
		Window:    time.Duration(cfg.Breaker.WindowMinutes) * time.Minute,
		BaseDelay: time.Duration(cfg.Breaker.BaseDelaySeconds) * time.Second,
		MaxDelay:  time.Duration(cfg.Breaker.MaxDelaySeconds) * time.Second,
	}, clock)

	recorder := history.NewRecorder(cfg.History.Capacity, clock)

	reg := registry.New(
		registry.Config{
			Limits: registry.Limits{
				MaxWorkersPerTenant: cfg.Orchestrator.MaxWorkersPerTenant,
				MaxTenants:          cfg.Orchestrator.MaxConcurrentTenants,
			},
			Sources:       sources,
			MinPoll:       cfg.PollFloor(),
			SharedDedup:   cfg.Dedup.Shared,
			ArchivePrefix: cfg.Archive.Prefix,
		},
		registry.Deps{
			Settings: settings.NewStore(scrape.TenantSettings{
				PollInterval: time.Duration(cfg.Worker.DefaultPollSeconds) * time.Second,
			}),
			Fetcher:  fetcher,
			Parsers:  parse.NewRegistry(nil),
			Sink:     sink,
			Notifier: notifier,
			Seen:     seen,
			Breaker:  brk,
			Guard:    guard.New(nil),
			Recorder: recorder,
			Archive:  blobs,
			Sessions: fetcher,
			Clock:    clock,
			Logger:   logger.Named("worker"),
		},
	)

	go reg.RunCleanup(ctx, time.Duration(cfg.Orchestrator.CleanupIntervalSeconds)*time.Second)

	apiServer := api.NewServer(reg, recorder, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Error("registry shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func dedupPostgresConfig(cfg config.Config) dedup.PostgresConfig {
	return dedup.PostgresConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		Window:   cfg.DedupWindow(),
	}
}

func sinkPostgresConfig(cfg config.Config) sinkpg.ListingStoreConfig {
	return sinkpg.ListingStoreConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
	}
}

func newDedupStore(ctx context.Context, cfg config.Config, clock scrape.Clock) (scrape.DedupStore, error) {
	switch cfg.Dedup.Driver {
	case "postgres":
		return dedup.NewPostgres(ctx, dedupPostgresConfig(cfg), clock)
	default:
		return dedup.NewMemory(cfg.DedupWindow(), clock), nil
	}
}

func newListingSink(ctx context.Context, cfg config.Config, clock scrape.Clock) (scrape.ListingSink, error) {
	switch cfg.Sink.Driver {
	case "postgres":
		return sinkpg.NewListingStore(ctx, sinkPostgresConfig(cfg), clock)
	default:
		return sinkmem.NewListingStore(), nil
	}
}

func newNotifier(ctx context.Context, cfg config.Config) (scrape.Notifier, func(), error) {
	switch cfg.Notify.Driver {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.PubSub.TopicName)
		return notifypubsub.New(topic), func() {
			topic.Stop()
			_ = client.Close()
		}, nil
	default:
		return notifymem.New(), func() {}, nil
	}
}

func newArchive(ctx context.Context, cfg config.Config) (scrape.BlobStore, error) {
	switch cfg.Archive.Driver {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return archive.NewGCS(client, cfg.Archive.GCSBucket)
	case "local":
		return archive.NewLocal(cfg.Archive.Dir)
	case "memory":
		return archive.NewMemory(), nil
	default:
		// Archiving is opt-in.
		return nil, nil
	}
}
