// Package analysis provides the default pipeline stage functions: walking a
// working copy, parsing Go and Python sources into packages, building the
// internal dependency graph, decomposing it into modules, rendering module
// manifests, validating the module set and syncing it into the registry.
package analysis

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/stage"
)

// ModuleRegistry is the registry surface SyncLedger needs.
type ModuleRegistry interface {
	GetModule(ctx context.Context, key string) (*entity.Module, bool, error)
	RegisterModule(ctx context.Context, p entity.NewModuleParams) (*entity.Module, error)
}

// Analyzer implements stage.Stages over the local filesystem.
type Analyzer struct {
	registry ModuleRegistry
	logger   *slog.Logger

	// maxModuleLines is the size above which validation warns.
	maxModuleLines int
}

var _ stage.Stages = (*Analyzer)(nil)

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMaxModuleLines sets the module size warning threshold.
func WithMaxModuleLines(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxModuleLines = n
		}
	}
}

// New returns an Analyzer that syncs modules into registry.
func New(registry ModuleRegistry, opts ...Option) *Analyzer {
	a := &Analyzer{
		registry:       registry,
		logger:         slog.Default(),
		maxModuleLines: 50_000,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// skipDir reports directories never descended into.
func skipDir(name string) bool {
	if name != "." && strings.HasPrefix(name, ".") {
		return true
	}
	switch name {
	case "vendor", "node_modules", "testdata", "__pycache__", "venv", "env",
		"dist", "build", "site-packages", ".tox", ".eggs":
		return true
	}
	return false
}

var languageByExt = map[string]string{
	".go":   "go",
	".py":   "python",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".java": "java",
	".rs":   "rust",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".sh":   "shell",
}

func languageOf(path string) string {
	if lang, ok := languageByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "other"
}
