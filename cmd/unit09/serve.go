package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/unit09/trigger"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker loop, file watcher and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger := setupLogging(flags.logLevel)
			cfg, err := loadConfig(flags.configPath, logger)
			if err != nil {
				return err
			}
			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(ctx))

			return serve(ctx, app)
		},
	}
}

func serve(ctx context.Context, app *App) error {
	cfg := app.cfg

	if cfg.Watch.Enabled {
		targets := make([]trigger.Target, 0, len(cfg.Watch.Targets))
		for _, t := range cfg.Watch.Targets {
			if err := ensureRepo(ctx, app, t.RepoKey, t.Path); err != nil {
				return err
			}
			targets = append(targets, trigger.Target{RepoKey: t.RepoKey, Path: t.Path})
		}
		w, err := trigger.NewWatcher(trigger.Config{
			Targets:  targets,
			Debounce: cfg.Watch.Debounce,
			Include:  cfg.Watch.Include,
			Logger:   app.logger,
		}, app.queue)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	if cfg.Metrics.Listen != "" {
		app.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		app.logger.Info("Metrics endpoint listening", "addr", cfg.Metrics.Listen)
	}

	app.logger.Info("unit09 ready", "version", Version, "backend", cfg.Storage.Backend)
	if err := app.loop.Run(ctx); err != nil {
		return fmt.Errorf("worker loop: %w", err)
	}
	app.logger.Info("unit09 shutdown complete")
	return nil
}
