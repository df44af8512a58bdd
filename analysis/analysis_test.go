package analysis

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/ledger"
	"github.com/c360studio/unit09/stage"
	"github.com/c360studio/unit09/storage"
)

var fixture = map[string]string{
	"go.mod": "module example.com/demo\n\ngo 1.22\n",
	"cmd/demo/main.go": `package main

import "example.com/demo/internal/core"

func main() { core.Run() }
`,
	"internal/core/core.go": `package core

import (
	"fmt"

	"example.com/demo/pkg/util"
)

func Run() { fmt.Println(util.Name()) }
`,
	"internal/core/core_test.go": `package core

import "testing"

func TestRun(t *testing.T) { Run() }
`,
	"pkg/util/util.go": "package util\n\nfunc Name() string { return \"demo\" }\n",
	"app/__init__.py":   "",
	"app/service.py": `import os
from app.db import session

if __name__ == "__main__":
    session()
`,
	"app/db/__init__.py":         "from ..config import load\n\ndef session():\n    return load()\n",
	"node_modules/left/index.js": "module.exports = 1\n",
	"README.md":                  "# demo\n",
}

const repoName = "demo"

func writeFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for rel, body := range fixture {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func source(root string) stage.Source {
	return stage.Source{RepoKey: address.KeyFromParts(repoName), Path: root}
}

func TestObserve(t *testing.T) {
	root := writeFixture(t)
	a := New(nil)

	obs, err := a.Observe(context.Background(), source(root))
	require.NoError(t, err)
	assert.Equal(t, uint64(len(fixture)-1), obs.TotalFiles, "node_modules is excluded")
	assert.Equal(t, 4, obs.Languages["go"])
	assert.Equal(t, 3, obs.Languages["python"])
	for _, f := range obs.Files {
		assert.NotContains(t, f.Path, "node_modules")
	}

	src := source(root)
	src.Include = []string{"**/*.go"}
	obs, err = a.Observe(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), obs.TotalFiles)
	assert.Equal(t, uint64(len(obs.Files)), obs.TotalFiles)
}

func TestObserveRejectsBadInput(t *testing.T) {
	a := New(nil)
	root := writeFixture(t)

	src := source(root)
	src.Exclude = []string{"[unclosed"}
	_, err := a.Observe(context.Background(), src)
	assert.Error(t, err)

	_, err = a.Observe(context.Background(), source(filepath.Join(root, "missing")))
	assert.Error(t, err)
}

func TestCountLines(t *testing.T) {
	assert.Equal(t, 0, countLines(nil))
	assert.Equal(t, 1, countLines([]byte("x")))
	assert.Equal(t, 2, countLines([]byte("x\ny\n")))
}

func parseFixture(t *testing.T) (*Analyzer, *stage.Project) {
	t.Helper()
	a := New(nil)
	proj, err := a.Parse(context.Background(), source(writeFixture(t)))
	require.NoError(t, err)
	return a, proj
}

func findPackage(t *testing.T, proj *stage.Project, path, lang string) stage.Package {
	t.Helper()
	for _, p := range proj.Packages {
		if p.Path == path && p.Language == lang {
			return p
		}
	}
	t.Fatalf("package %s (%s) not found", path, lang)
	return stage.Package{}
}

func TestParse(t *testing.T) {
	_, proj := parseFixture(t)
	assert.Equal(t, "example.com/demo", proj.ModulePath)
	assert.Len(t, proj.Packages, 5)

	demo := findPackage(t, proj, "cmd/demo", "go")
	assert.True(t, demo.HasMain)
	assert.Equal(t, "main", demo.Name)

	core := findPackage(t, proj, "internal/core", "go")
	assert.Equal(t, "core", core.Name)
	assert.False(t, core.IsTest)
	assert.Equal(t, []string{"example.com/demo/pkg/util", "fmt"}, core.Imports)
	assert.Len(t, core.Files, 2)

	app := findPackage(t, proj, "app", "python")
	assert.True(t, app.HasMain)
	assert.Equal(t, []string{"app.db", "os"}, app.Imports)

	db := findPackage(t, proj, "app/db", "python")
	assert.Equal(t, []string{"app.config"}, db.Imports)
}

func TestResolveRelativeImport(t *testing.T) {
	assert.Equal(t, "os", resolveRelativeImport("a/b.py", "os"))
	assert.Equal(t, "a.c", resolveRelativeImport("a/b.py", ".c"))
	assert.Equal(t, "a", resolveRelativeImport("a/b/c.py", ".."))
	assert.Equal(t, "x", resolveRelativeImport("main.py", ".x"))
}

func TestBuildGraph(t *testing.T) {
	a, proj := parseFixture(t)
	g, err := a.BuildGraph(context.Background(), proj)
	require.NoError(t, err)

	assert.Equal(t, proj.RepoKey, g.RepoKey)
	assert.Len(t, g.Packages, 5)
	assert.Equal(t, []string{"internal/core"}, g.Edges["cmd/demo"])
	assert.Equal(t, []string{"pkg/util"}, g.Edges["internal/core"])
	assert.Equal(t, []string{"app/db#python"}, g.Edges["app#python"])
	assert.Equal(t, []string{"app#python"}, g.Edges["app/db#python"])
	assert.Empty(t, g.Edges["pkg/util"])
}

func decomposeFixture(t *testing.T) (*Analyzer, *stage.Graph, []stage.ModuleCandidate) {
	t.Helper()
	a, proj := parseFixture(t)
	g, err := a.BuildGraph(context.Background(), proj)
	require.NoError(t, err)
	mods, err := a.Decompose(context.Background(), g)
	require.NoError(t, err)
	return a, g, mods
}

func TestDecompose(t *testing.T) {
	_, g, mods := decomposeFixture(t)
	require.Len(t, mods, 4)

	byPath := make(map[string]stage.ModuleCandidate)
	for _, m := range mods {
		byPath[m.Path] = m
		assert.Equal(t, address.KeyFromParts(g.RepoKey, m.Path), m.Key)
	}

	cmd := byPath["cmd/demo"]
	assert.Equal(t, "cmd-demo", cmd.Name)
	assert.Equal(t, entity.ModuleCLI, cmd.Kind)
	assert.Equal(t, []string{"internal"}, cmd.DependsOn)

	assert.Equal(t, []string{"pkg"}, byPath["internal"].DependsOn)
	assert.Equal(t, entity.ModuleLibrary, byPath["pkg"].Kind)
	assert.Empty(t, byPath["pkg"].DependsOn)

	app := byPath["app"]
	assert.Equal(t, "python", app.Language)
	assert.Equal(t, entity.ModuleCLI, app.Kind)
	assert.Equal(t, []string{"app#python", "app/db#python"}, app.Packages)
	assert.Empty(t, app.DependsOn, "intra-module edges are not dependencies")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		root     string
		hasMain  bool
		allTests bool
		want     entity.ModuleKind
	}{
		{"cmd/api-server", true, false, entity.ModuleService},
		{"cmd/tool", true, false, entity.ModuleCLI},
		{"tests", false, false, entity.ModuleTest},
		{"pkg", false, true, entity.ModuleTest},
		{"config", false, false, entity.ModuleConfig},
		{"ui", false, false, entity.ModuleComponent},
		{"pkg", false, false, entity.ModuleLibrary},
	}
	for _, tt := range tests {
		t.Run(tt.root, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.root, tt.hasMain, tt.allTests, []string{"x"}))
		})
	}
}

func TestGenerateArtifacts(t *testing.T) {
	a, _, mods := decomposeFixture(t)
	out := t.TempDir()

	arts, err := a.GenerateArtifacts(context.Background(), mods, out)
	require.NoError(t, err)
	require.Len(t, arts, len(mods))

	m, err := ReadManifest(filepath.Join(out, "cmd-demo", ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, entity.ModuleCLI, m.Kind)
	assert.Equal(t, InitialVersion, m.Version)
	assert.Equal(t, []string{"internal"}, m.DependsOn)

	arts, err = a.GenerateArtifacts(context.Background(), mods, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("cmd-demo", ManifestFile), arts[1].Path)
	assert.Positive(t, arts[1].Bytes)
}

func TestValidate(t *testing.T) {
	a, g, mods := decomposeFixture(t)
	report, err := a.Validate(context.Background(), mods, g)
	require.NoError(t, err)
	assert.Zero(t, report.Errors())
	assert.Equal(t, 4, report.Modules)

	bad := []stage.ModuleCandidate{
		{Key: "k1", Name: "a", Path: "a", Kind: entity.ModuleLibrary, Packages: []string{"a"}, DependsOn: []string{"b"}, Lines: 40},
		{Key: "k2", Name: "b", Path: "b", Kind: entity.ModuleLibrary, Packages: []string{"b"}, DependsOn: []string{"a", "ghost"}},
		{Key: "k3", Name: "c", Path: "c", Kind: "bogus"},
	}
	report, err = New(nil, WithMaxModuleLines(10)).Validate(context.Background(), bad, nil)
	require.NoError(t, err)

	var msgs []string
	for _, is := range report.Issues {
		msgs = append(msgs, string(is.Severity)+": "+is.Message)
	}
	assert.Contains(t, msgs, "error: dependency cycle: a -> b -> a")
	assert.Contains(t, msgs, "error: depends on unknown module ghost")
	assert.Contains(t, msgs, `error: unknown kind "bogus"`)
	assert.Contains(t, msgs, "error: module has no packages")
	assert.Contains(t, msgs, "warning: 40 lines exceeds 10")
	assert.Equal(t, 4, report.Errors())
}

func TestFindCyclesSelfLoop(t *testing.T) {
	cycles := findCycles([]stage.ModuleCandidate{{Path: "a", DependsOn: []string{"a"}}, {Path: "b"}})
	assert.Equal(t, [][]string{{"a", "a"}}, cycles)
}

func newRegistry(t *testing.T, limit uint32) *ledger.Ledger {
	t.Helper()
	l := ledger.New(storage.NewMemoryBackend(), ledger.WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	cfg := entity.DefaultLedgerConfig()
	cfg.MaxModulesPerRepo = limit
	require.NoError(t, l.Initialize(context.Background(), cfg))
	_, err := l.RegisterRepo(context.Background(), entity.NewRepositoryParams{
		Key:  address.KeyFromParts(repoName),
		Name: repoName,
		URL:  "https://example.com/demo.git",
	})
	require.NoError(t, err)
	return l
}

func TestSyncLedger(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 16)
	_, _, mods := decomposeFixture(t)
	a := New(reg)
	src := stage.Source{RepoKey: address.KeyFromParts(repoName)}

	dry, err := a.SyncLedger(ctx, src, mods, true)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Len(t, dry.Registered, 4)
	_, ok, err := reg.GetModule(ctx, mods[0].Key)
	require.NoError(t, err)
	assert.False(t, ok, "dry run writes nothing")

	res, err := a.SyncLedger(ctx, src, mods, false)
	require.NoError(t, err)
	assert.Len(t, res.Registered, 4)
	assert.Empty(t, res.Existing)

	mod, ok, err := reg.GetModule(ctx, mods[0].Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, src.RepoKey, mod.RepoKey)
	assert.Equal(t, InitialVersion, mod.Version)
	links, err := reg.ModuleLinks(ctx, mods[0].Key)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.True(t, links[0].IsPrimary)

	res, err = a.SyncLedger(ctx, src, mods, false)
	require.NoError(t, err)
	assert.Empty(t, res.Registered)
	assert.Len(t, res.Existing, 4)
}

func TestSyncLedgerModuleLimit(t *testing.T) {
	reg := newRegistry(t, 2)
	_, _, mods := decomposeFixture(t)

	res, err := New(reg).SyncLedger(context.Background(), stage.Source{RepoKey: address.KeyFromParts(repoName)}, mods, false)
	require.NoError(t, err)
	assert.Len(t, res.Registered, 2)
	assert.Len(t, res.Skipped, 2)
}

func TestSyncLedgerUnknownRepo(t *testing.T) {
	reg := newRegistry(t, 16)
	_, _, mods := decomposeFixture(t)

	_, err := New(reg).SyncLedger(context.Background(), stage.Source{RepoKey: address.KeyFromParts("other")}, mods, false)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
