package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/unit09/analysis"
	"github.com/c360studio/unit09/config"
	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/jobqueue"
	"github.com/c360studio/unit09/ledger"
	"github.com/c360studio/unit09/metrics"
	"github.com/c360studio/unit09/stage"
	"github.com/c360studio/unit09/storage"
	"github.com/c360studio/unit09/worker"
)

// App wires storage, the registry, the queue and the worker loop.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	nats     *natsclient.Client
	backend  storage.Backend
	ledger   *ledger.Ledger
	queue    *jobqueue.Store
	registry *prometheus.Registry
	metrics  *metrics.Collector
	loop     *worker.Loop
}

// NewApp opens the configured backend and builds every component.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	switch cfg.Storage.Backend {
	case config.BackendNATS:
		if err := a.openNATS(ctx); err != nil {
			return nil, err
		}
	default:
		a.backend = storage.NewMemoryBackend()
	}

	a.ledger = ledger.New(a.backend, ledger.WithLogger(logger))
	ledgerCfg := entity.DefaultLedgerConfig()
	ledgerCfg.IsActive = cfg.Ledger.IsActive()
	ledgerCfg.MaxModulesPerRepo = cfg.Ledger.MaxModulesPerRepo
	if err := a.ledger.Initialize(ctx, ledgerCfg); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("initialize registry: %w", err)
	}
	if err := a.seedMetadata(ctx, cfg.Ledger); err != nil {
		a.Close(ctx)
		return nil, err
	}

	queueOpts := []jobqueue.Option{
		jobqueue.WithMaxAttempts(cfg.Pipeline.MaxAttempts),
		jobqueue.WithLogger(logger),
	}
	if cfg.Storage.Backend == config.BackendNATS {
		q, err := jobqueue.OpenDurable(ctx, a.backend, queueOpts...)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("open job queue: %w", err)
		}
		a.queue = q
	} else {
		a.queue = jobqueue.NewMemory(queueOpts...)
	}

	collector, err := metrics.NewCollector(a.registry)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.metrics = collector

	stages := analysis.New(a.ledger, analysis.WithLogger(logger))
	handlers := stage.NewDefaultRegistry(stages, a.ledger, logger)
	a.loop = worker.New(a.queue, handlers, collector, worker.Config{
		PollInterval:  cfg.Pipeline.PollInterval,
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		JobTimeout:    cfg.Pipeline.JobTimeout,
	}, worker.WithLogger(logger))

	return a, nil
}

func (a *App) openNATS(ctx context.Context) error {
	url := a.cfg.NATS.URL
	a.logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return wrapNATSError(err, url)
	}
	a.nats = client

	js, err := client.JetStream()
	if err != nil {
		return fmt.Errorf("get JetStream: %w", err)
	}
	kv, err := storage.OpenKV(ctx, js, a.cfg.Storage.Bucket, storage.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.backend = kv

	a.logger.Info("Connected to NATS", "url", url, "bucket", a.cfg.Storage.Bucket)
	return nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start a server with JetStream enabled (nats-server -js), or set NATS_URL
to point to your NATS server. Set storage.backend to "memory" to run
without NATS.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}

// seedMetadata writes the configured description and tags to the registry
// metadata. An inactive registry accepts no writes, so seeding is skipped.
func (a *App) seedMetadata(ctx context.Context, lc config.LedgerConfig) error {
	var u entity.GlobalMetadataUpdate
	if lc.Description != "" {
		u.Description = entity.Set(lc.Description)
	}
	if len(lc.Tags) > 0 {
		u.Tags = entity.Set(lc.Tags)
	}
	if !u.Description.IsSet() && !u.Tags.IsSet() {
		return nil
	}
	if !lc.IsActive() {
		a.logger.Debug("Registry inactive, metadata not seeded")
		return nil
	}
	if _, err := a.ledger.SetMetadata(ctx, u); err != nil {
		return fmt.Errorf("seed registry metadata: %w", err)
	}
	return nil
}

// Close releases the NATS connection, if any.
func (a *App) Close(ctx context.Context) {
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("Failed to close NATS client", "error", err)
		}
		a.nats = nil
	}
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if configPath != "" {
		explicit, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg.Merge(explicit)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}
