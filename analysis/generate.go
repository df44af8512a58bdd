package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/stage"
)

// ManifestFile is the name of the per-module manifest.
const ManifestFile = "module.yaml"

// Manifest is the on-disk description of a generated module.
type Manifest struct {
	Key       string            `yaml:"key"`
	Name      string            `yaml:"name"`
	Kind      entity.ModuleKind `yaml:"kind"`
	Language  string            `yaml:"language"`
	Path      string            `yaml:"path"`
	Version   entity.Version    `yaml:"version"`
	Packages  []string          `yaml:"packages"`
	DependsOn []string          `yaml:"depends_on,omitempty"`
	Lines     int               `yaml:"lines"`
}

// InitialVersion is given to every newly generated module.
var InitialVersion = entity.Version{Major: 0, Minor: 1, Patch: 0}

// GenerateArtifacts renders one manifest per module. With an empty outDir
// the manifests are rendered but not written, and paths stay relative.
func (a *Analyzer) GenerateArtifacts(ctx context.Context, mods []stage.ModuleCandidate, outDir string) ([]stage.Artifact, error) {
	arts := make([]stage.Artifact, 0, len(mods))
	for _, m := range mods {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := yaml.Marshal(Manifest{
			Key:       m.Key,
			Name:      m.Name,
			Kind:      m.Kind,
			Language:  m.Language,
			Path:      m.Path,
			Version:   InitialVersion,
			Packages:  m.Packages,
			DependsOn: m.DependsOn,
			Lines:     m.Lines,
		})
		if err != nil {
			return nil, fmt.Errorf("render manifest for %s: %w", m.Name, err)
		}

		p := filepath.Join(m.Name, ManifestFile)
		if outDir != "" {
			p = filepath.Join(outDir, p)
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("create module dir: %w", err)
			}
			if err := os.WriteFile(p, data, 0o644); err != nil {
				return nil, fmt.Errorf("write manifest: %w", err)
			}
		}
		arts = append(arts, stage.Artifact{Module: m.Key, Path: p, Bytes: len(data)})
	}
	a.logger.Debug("Artifacts generated", "modules", len(mods), "out_dir", outDir)
	return arts, nil
}

// ReadManifest loads a manifest written by GenerateArtifacts.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
