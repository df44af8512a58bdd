package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/unit09/entity"
)

// Raw stored shapes. Fields that older or foreign writers may omit are
// pointers so projection can tell "absent" from "zero" and apply defaults.

type repoRecord struct {
	Key              string             `json:"key"`
	Name             string             `json:"name"`
	URL              string             `json:"url"`
	Tags             []string           `json:"tags"`
	Visibility       *entity.Visibility `json:"visibility"`
	SourceKind       *entity.SourceKind `json:"source_kind"`
	AllowObservation *bool              `json:"allow_observation"`
	IsActive         *bool              `json:"is_active"`
	Usage            *entity.UsageStats `json:"usage"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

type moduleRecord struct {
	Key                string             `json:"key"`
	RepoKey            string             `json:"repo_key"`
	Name               string             `json:"name"`
	Kind               *entity.ModuleKind `json:"kind"`
	Description        string             `json:"description"`
	MetadataURI        string             `json:"metadata_uri"`
	Tags               []string           `json:"tags"`
	IsActive           *bool              `json:"is_active"`
	IsDeprecated       *bool              `json:"is_deprecated"`
	Version            *entity.Version    `json:"version"`
	RecommendedVersion *entity.Version    `json:"recommended_version"`
	UsageCount         uint64             `json:"usage_count"`
	LastUsedAt         *time.Time         `json:"last_used_at"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

type forkRecord struct {
	Key         string           `json:"key"`
	ParentKey   *string          `json:"parent_key"`
	Label       string           `json:"label"`
	Kind        *entity.ForkKind `json:"kind"`
	MetadataURI *string          `json:"metadata_uri"`
	Tags        []string         `json:"tags"`
	Depth       *uint32          `json:"depth"`
	IsRoot      *bool            `json:"is_root"`
	IsActive    *bool            `json:"is_active"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

type configRecord struct {
	IsActive          *bool     `json:"is_active"`
	MaxModulesPerRepo *uint32   `json:"max_modules_per_repo"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// defaultModuleVersion is assumed for module records written without one.
var defaultModuleVersion = entity.Version{Major: 1}

func (r *repoRecord) project() *entity.Repository {
	return &entity.Repository{
		Key:              r.Key,
		Name:             r.Name,
		URL:              r.URL,
		Tags:             tagsOrEmpty(r.Tags),
		Visibility:       valueOr(r.Visibility, entity.VisibilityPublic),
		SourceKind:       valueOr(r.SourceKind, entity.SourceGit),
		AllowObservation: valueOr(r.AllowObservation, false),
		IsActive:         valueOr(r.IsActive, true),
		Usage:            r.Usage,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (r *moduleRecord) project() *entity.Module {
	return &entity.Module{
		Key:                r.Key,
		RepoKey:            r.RepoKey,
		Name:               r.Name,
		Kind:               valueOr(r.Kind, entity.ModuleOther),
		Description:        r.Description,
		MetadataURI:        r.MetadataURI,
		Tags:               tagsOrEmpty(r.Tags),
		IsActive:           valueOr(r.IsActive, true),
		IsDeprecated:       valueOr(r.IsDeprecated, false),
		Version:            valueOr(r.Version, defaultModuleVersion),
		RecommendedVersion: r.RecommendedVersion,
		UsageCount:         r.UsageCount,
		LastUsedAt:         r.LastUsedAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func (r *forkRecord) project() *entity.Fork {
	return &entity.Fork{
		Key:         r.Key,
		ParentKey:   r.ParentKey,
		Label:       r.Label,
		Kind:        valueOr(r.Kind, entity.ForkGeneric),
		MetadataURI: r.MetadataURI,
		Tags:        tagsOrEmpty(r.Tags),
		Depth:       valueOr(r.Depth, 0),
		IsRoot:      valueOr(r.IsRoot, r.ParentKey == nil),
		IsActive:    valueOr(r.IsActive, true),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (r *configRecord) project() entity.LedgerConfig {
	def := entity.DefaultLedgerConfig()
	return entity.LedgerConfig{
		IsActive:          valueOr(r.IsActive, def.IsActive),
		MaxModulesPerRepo: valueOr(r.MaxModulesPerRepo, def.MaxModulesPerRepo),
		UpdatedAt:         r.UpdatedAt,
	}
}

func decodeRepo(raw []byte) (*entity.Repository, error) {
	var r repoRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("unmarshal repository: %w", err)
	}
	return r.project(), nil
}

func decodeModule(raw []byte) (*entity.Module, error) {
	var r moduleRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("unmarshal module: %w", err)
	}
	return r.project(), nil
}

func decodeFork(raw []byte) (*entity.Fork, error) {
	var r forkRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("unmarshal fork: %w", err)
	}
	return r.project(), nil
}

func decodeConfig(raw []byte) (*entity.LedgerConfig, error) {
	var r configRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c := r.project()
	return &c, nil
}

// decodeJSON is used for records stored exactly as their entity shape.
func decodeJSON[T any](raw []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return &v, nil
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
