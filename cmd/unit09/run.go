package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/jobqueue"
	"github.com/c360studio/unit09/metrics"
)

type runOptions struct {
	path    string
	repoKey string
	outDir  string
	dryRun  bool
}

func runCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline once over a working copy",
		Long: `Registers the repository if needed, enqueues observe, analyze,
decompose, generate, validate and sync jobs, runs them to completion
and prints the metrics snapshot and every job as JSON.`,
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

			report, err := runPipeline(ctx, app, *opts)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Metrics.Failed > 0 || report.Metrics.Rejected > 0 {
				return fmt.Errorf("%d job attempts failed, %d jobs rejected", report.Metrics.Failed, report.Metrics.Rejected)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.path, "path", ".", "Working copy to process")
	cmd.Flags().StringVar(&opts.repoKey, "repo-key", "", "Repository key (64 hex chars, derived from the path if empty)")
	cmd.Flags().StringVar(&opts.outDir, "out", "", "Directory for generated module manifests (none written if empty)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Classify modules without writing them to the registry")
	return cmd
}

// pipelineReport is what the run command prints.
type pipelineReport struct {
	RepoKey string           `json:"repo_key"`
	Metrics metrics.Snapshot `json:"metrics"`
	Jobs    []*jobqueue.Job  `json:"jobs"`
}

func runPipeline(ctx context.Context, app *App, opts runOptions) (*pipelineReport, error) {
	abs, err := filepath.Abs(opts.path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	key := opts.repoKey
	if key == "" {
		key = address.KeyFromParts(abs)
	}
	if err := ensureRepo(ctx, app, key, abs); err != nil {
		return nil, err
	}

	src := jobqueue.RepoSource{RepoKey: key, Path: abs}
	pipeline := []jobqueue.Payload{
		jobqueue.ObserveRepo{RepoSource: src},
		jobqueue.AnalyzeRepo{RepoSource: src},
		jobqueue.Decompose{RepoSource: src},
		jobqueue.GenerateModules{RepoSource: src, OutputDir: opts.outDir},
		jobqueue.ValidateModules{RepoSource: src},
		jobqueue.SyncOnChain{RepoSource: src, DryRun: opts.dryRun},
	}
	for _, p := range pipeline {
		if _, err := app.queue.Enqueue(ctx, p); err != nil {
			return nil, err
		}
	}

	if err := app.loop.Drain(ctx); err != nil {
		return nil, fmt.Errorf("drain pipeline: %w", err)
	}
	jobs, err := app.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	return &pipelineReport{RepoKey: key, Metrics: app.metrics.Snapshot(), Jobs: jobs}, nil
}

// ensureRepo registers a local working copy unless the key already exists.
func ensureRepo(ctx context.Context, app *App, key, path string) error {
	if _, ok, err := app.ledger.GetRepo(ctx, key); err != nil || ok {
		return err
	}
	name := filepath.Base(path)
	if len(name) > entity.MaxNameLen {
		name = name[:entity.MaxNameLen]
	}
	_, err := app.ledger.RegisterRepo(ctx, entity.NewRepositoryParams{
		Key:              key,
		Name:             name,
		URL:              "file://" + filepath.ToSlash(path),
		SourceKind:       entity.SourceLocal,
		Visibility:       entity.VisibilityPrivate,
		AllowObservation: true,
	})
	if err != nil {
		return fmt.Errorf("register repository %s: %w", path, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
