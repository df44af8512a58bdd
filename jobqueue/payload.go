package jobqueue

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/entity"
)

// Type is the closed set of pipeline job types.
type Type string

const (
	TypeObserveRepo     Type = "observeRepo"
	TypeAnalyzeRepo     Type = "analyzeRepo"
	TypeDecompose       Type = "decompose"
	TypeGenerateModules Type = "generateModules"
	TypeValidateModules Type = "validateModules"
	TypeSyncOnChain     Type = "syncOnChain"
	TypeForkEvolution   Type = "forkEvolution"
)

// Types lists every job type in pipeline order.
var Types = []Type{
	TypeObserveRepo, TypeAnalyzeRepo, TypeDecompose, TypeGenerateModules,
	TypeValidateModules, TypeSyncOnChain, TypeForkEvolution,
}

// Payload is the typed input of one job. Each job type has exactly one
// payload struct; the set is closed to this package.
type Payload interface {
	JobType() Type
	// SubjectKey is the owning repository key or fork key.
	SubjectKey() string
	Validate() error
	isPayload()
}

// RepoSource identifies the repository a repo-scoped job works on and where
// its working copy lives.
type RepoSource struct {
	RepoKey string `json:"repo_key"`
	Path    string `json:"path"`
}

// SubjectKey returns the repository key.
func (s RepoSource) SubjectKey() string { return s.RepoKey }

// Validate checks the key and path.
func (s RepoSource) Validate() error {
	if err := address.ValidateKey(s.RepoKey); err != nil {
		return err
	}
	if s.Path == "" {
		return fmt.Errorf("path: %w", entity.ErrEmptyValue)
	}
	return nil
}

func (RepoSource) isPayload() {}

// ObserveRepo walks the working copy and records an observation.
type ObserveRepo struct {
	RepoSource
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// AnalyzeRepo parses the working copy and builds its dependency graph.
type AnalyzeRepo struct {
	RepoSource
}

// Decompose splits the dependency graph into candidate modules.
type Decompose struct {
	RepoSource
}

// GenerateModules writes module manifests for the decomposed modules.
type GenerateModules struct {
	RepoSource
	OutputDir string `json:"output_dir,omitempty"`
}

// ValidateModules checks decomposed modules against the dependency graph.
type ValidateModules struct {
	RepoSource
}

// SyncOnChain registers decomposed modules with the registry.
type SyncOnChain struct {
	RepoSource
	DryRun bool `json:"dry_run,omitempty"`
}

// ForkEvolution creates a child fork below ParentForkKey.
type ForkEvolution struct {
	ParentForkKey string          `json:"parent_fork_key"`
	ForkKey       string          `json:"fork_key"`
	Label         string          `json:"label"`
	Kind          entity.ForkKind `json:"kind,omitempty"`
	MetadataURI   *string         `json:"metadata_uri,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
}

func (ObserveRepo) JobType() Type     { return TypeObserveRepo }
func (AnalyzeRepo) JobType() Type     { return TypeAnalyzeRepo }
func (Decompose) JobType() Type       { return TypeDecompose }
func (GenerateModules) JobType() Type { return TypeGenerateModules }
func (ValidateModules) JobType() Type { return TypeValidateModules }
func (SyncOnChain) JobType() Type     { return TypeSyncOnChain }
func (ForkEvolution) JobType() Type   { return TypeForkEvolution }

// SubjectKey returns the parent fork key.
func (p ForkEvolution) SubjectKey() string { return p.ParentForkKey }

// Validate checks both fork keys and the label.
func (p ForkEvolution) Validate() error {
	if err := address.ValidateKey(p.ParentForkKey); err != nil {
		return fmt.Errorf("parent_fork_key: %w", err)
	}
	if err := address.ValidateKey(p.ForkKey); err != nil {
		return fmt.Errorf("fork_key: %w", err)
	}
	if p.Label == "" {
		return fmt.Errorf("label: %w", entity.ErrEmptyValue)
	}
	return nil
}

func (ForkEvolution) isPayload() {}

// NewPayload returns an empty payload for t, or false for an unknown type.
func NewPayload(t Type) (Payload, bool) {
	switch t {
	case TypeObserveRepo:
		return &ObserveRepo{}, true
	case TypeAnalyzeRepo:
		return &AnalyzeRepo{}, true
	case TypeDecompose:
		return &Decompose{}, true
	case TypeGenerateModules:
		return &GenerateModules{}, true
	case TypeValidateModules:
		return &ValidateModules{}, true
	case TypeSyncOnChain:
		return &SyncOnChain{}, true
	case TypeForkEvolution:
		return &ForkEvolution{}, true
	}
	return nil, false
}

// DecodePayload decodes raw as the payload of job type t.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	p, ok := NewPayload(t)
	if !ok {
		return nil, fmt.Errorf("job type %q: %w", t, ErrInvalidPayload)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w: %w", t, ErrInvalidPayload, err)
		}
	}
	return deref(p), nil
}

// deref turns the pointer produced by NewPayload back into the value type
// callers construct, so type switches see one shape.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ObserveRepo:
		return *v
	case *AnalyzeRepo:
		return *v
	case *Decompose:
		return *v
	case *GenerateModules:
		return *v
	case *ValidateModules:
		return *v
	case *SyncOnChain:
		return *v
	case *ForkEvolution:
		return *v
	}
	return p
}
