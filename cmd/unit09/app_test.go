package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/unit09/config"
	"github.com/c360studio/unit09/jobqueue"
	"github.com/c360studio/unit09/ledger"
)

func writeRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"go.mod":           "module example.com/tool\n\ngo 1.22\n",
		"cmd/tool/main.go": "package main\n\nimport \"example.com/tool/lib\"\n\nfunc main() { lib.Do() }\n",
		"lib/lib.go":       "package lib\n\nfunc Do() {}\n",
		"lib/lib_test.go":  "package lib\n\nimport \"testing\"\n\nfunc TestDo(t *testing.T) { Do() }\n",
		"scripts/setup.py": "import os\n",
		"docs/overview.md": "# tool\n",
		".git/HEAD":        "ref: refs/heads/main\n",
	}
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Pipeline.PollInterval = time.Millisecond
	require.NoError(t, cfg.Validate())

	app, err := NewApp(context.Background(), cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })
	return app
}

func TestRunPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app := newTestApp(t)
	out := t.TempDir()

	report, err := runPipeline(ctx, app, runOptions{path: writeRepo(t), outDir: out})
	require.NoError(t, err)

	require.Len(t, report.Jobs, 6)
	for _, j := range report.Jobs {
		assert.Equal(t, jobqueue.StatusCompleted, j.Status, "%s: %s", j.Type, j.Error)
	}
	assert.Equal(t, uint64(6), report.Metrics.Completed)
	assert.Zero(t, report.Metrics.Failed)
	assert.Zero(t, report.Metrics.Active)

	repo, ok, err := app.ledger.GetRepo(ctx, report.RepoKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, repo.Usage)
	assert.Equal(t, uint64(1), repo.Usage.ObservationCount)

	page, err := app.ledger.ListModules(ctx, ledger.Filter{RepoKey: report.RepoKey})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3, "cmd/tool, lib and scripts")
	assert.FileExists(t, filepath.Join(out, "cmd-tool", "module.yaml"))

	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, report))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "metrics")
	assert.Contains(t, decoded, "jobs")
}

func TestRunPipelineDryRunWritesNoModules(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app := newTestApp(t)

	report, err := runPipeline(ctx, app, runOptions{path: writeRepo(t), dryRun: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), report.Metrics.Completed)

	page, err := app.ledger.ListModules(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestEnsureRepoIsIdempotent(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)
	root := writeRepo(t)
	key := "ab" + string(bytes.Repeat([]byte("0"), 62))

	require.NoError(t, ensureRepo(ctx, app, key, root))
	require.NoError(t, ensureRepo(ctx, app, key, root))

	repo, ok, err := app.ledger.GetRepo(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Base(root), repo.Name)
	assert.True(t, repo.AllowObservation)
}

func TestRootCommandTree(t *testing.T) {
	cmd := rootCmd()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["serve"])
	assert.True(t, names["version"])
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestNewAppSeedsMetadata(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Ledger.Description = "Build farm registry"
	cfg.Ledger.Tags = []string{"CI", "ci", "go"}

	app, err := NewApp(ctx, cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)
	defer app.Close(ctx)

	md, err := app.ledger.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Build farm registry", md.Description)
	assert.Equal(t, []string{"ci", "go"}, md.Tags)
}
