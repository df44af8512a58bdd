// Package entity defines the registry entities the pipeline operates on:
// repositories, modules, forks, lifecycle summaries and metrics counters,
// together with their invariants and partial-update rules.
package entity

import (
	"fmt"
	"time"
)

// Visibility of a repository.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// SourceKind describes where a repository's content comes from.
type SourceKind string

const (
	SourceGit     SourceKind = "git"
	SourceArchive SourceKind = "archive"
	SourceLocal   SourceKind = "local"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceGit, SourceArchive, SourceLocal:
		return true
	}
	return false
}

// UsageStats aggregates per-repository activity. It is absent until the
// repository records its first module or observation.
type UsageStats struct {
	ModuleCount      uint64     `json:"module_count"`
	ObservationCount uint64     `json:"observation_count"`
	LinesOfCode      uint64     `json:"lines_of_code"`
	FilesProcessed   uint64     `json:"files_processed"`
	LastObservedAt   *time.Time `json:"last_observed_at,omitempty"`
}

// Repository is a tracked codebase.
type Repository struct {
	Key              string      `json:"key"`
	Name             string      `json:"name"`
	URL              string      `json:"url"`
	Tags             []string    `json:"tags"`
	Visibility       Visibility  `json:"visibility"`
	SourceKind       SourceKind  `json:"source_kind"`
	AllowObservation bool        `json:"allow_observation"`
	IsActive         bool        `json:"is_active"`
	Usage            *UsageStats `json:"usage,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// NewRepositoryParams holds the caller-supplied fields for a new repository.
type NewRepositoryParams struct {
	Key              string
	Name             string
	URL              string
	Tags             []string
	Visibility       Visibility
	SourceKind       SourceKind
	AllowObservation bool
}

// NewRepository validates params and returns an active repository.
// Empty visibility and source kind take their defaults.
func NewRepository(p NewRepositoryParams, now time.Time) (*Repository, error) {
	r := &Repository{
		Key:              p.Key,
		Name:             p.Name,
		URL:              p.URL,
		Tags:             NormalizeTags(p.Tags),
		Visibility:       p.Visibility,
		SourceKind:       p.SourceKind,
		AllowObservation: p.AllowObservation,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if r.Visibility == "" {
		r.Visibility = VisibilityPublic
	}
	if r.SourceKind == "" {
		r.SourceKind = SourceGit
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks field limits and enumerations.
func (r *Repository) Validate() error {
	if err := validateName("name", r.Name); err != nil {
		return err
	}
	if err := ValidateSourceURL(r.URL); err != nil {
		return err
	}
	if err := ValidateTags(r.Tags); err != nil {
		return err
	}
	if !r.Visibility.Valid() {
		return fmt.Errorf("visibility %q: %w", r.Visibility, ErrInvalidEnum)
	}
	if !r.SourceKind.Valid() {
		return fmt.Errorf("source kind %q: %w", r.SourceKind, ErrInvalidEnum)
	}
	return nil
}

// RepositoryUpdate is a partial update. The key and source kind are
// immutable and therefore not represented.
type RepositoryUpdate struct {
	Name             Optional[string]     `json:"name,omitzero"`
	URL              Optional[string]     `json:"url,omitzero"`
	Tags             Optional[[]string]   `json:"tags,omitzero"`
	Visibility       Optional[Visibility] `json:"visibility,omitzero"`
	AllowObservation Optional[bool]       `json:"allow_observation,omitzero"`
	IsActive         Optional[bool]       `json:"is_active,omitzero"`
}

// IsEmpty reports whether the update carries no changes.
func (u RepositoryUpdate) IsEmpty() bool {
	return !u.Name.IsSet() && !u.URL.IsSet() && !u.Tags.IsSet() &&
		!u.Visibility.IsSet() && !u.AllowObservation.IsSet() && !u.IsActive.IsSet()
}

// Apply merges u into r. Nothing is written unless the merged result
// validates. UpdatedAt moves only when at least one field was set.
func (u RepositoryUpdate) Apply(r *Repository, now time.Time) (bool, error) {
	if u.IsEmpty() {
		return false, nil
	}
	next := *r
	u.Name.ApplyTo(&next.Name)
	u.URL.ApplyTo(&next.URL)
	if tags, ok := u.Tags.Get(); ok {
		next.Tags = NormalizeTags(tags)
	}
	u.Visibility.ApplyTo(&next.Visibility)
	u.AllowObservation.ApplyTo(&next.AllowObservation)
	u.IsActive.ApplyTo(&next.IsActive)
	if err := next.Validate(); err != nil {
		return false, err
	}
	next.UpdatedAt = now
	*r = next
	return true, nil
}

// RecordObservation folds an observation into the repository usage stats.
func (r *Repository) RecordObservation(linesOfCode, files uint64, at time.Time) error {
	if err := checkObservation(linesOfCode, files); err != nil {
		return err
	}
	if r.Usage == nil {
		r.Usage = &UsageStats{}
	}
	obs, err := addCounter("observation_count", r.Usage.ObservationCount, 1)
	if err != nil {
		return err
	}
	loc, err := addCounter("lines_of_code", r.Usage.LinesOfCode, linesOfCode)
	if err != nil {
		return err
	}
	nfiles, err := addCounter("files_processed", r.Usage.FilesProcessed, files)
	if err != nil {
		return err
	}
	r.Usage.ObservationCount, r.Usage.LinesOfCode, r.Usage.FilesProcessed = obs, loc, nfiles
	if r.Usage.LastObservedAt == nil || at.After(*r.Usage.LastObservedAt) {
		t := at
		r.Usage.LastObservedAt = &t
	}
	r.UpdatedAt = at
	return nil
}

// ModuleCount returns the number of modules registered under r.
func (r *Repository) ModuleCount() uint64 {
	if r.Usage == nil {
		return 0
	}
	return r.Usage.ModuleCount
}

// AddModule increments the repository's module counter.
func (r *Repository) AddModule(at time.Time) error {
	var cur uint64
	if r.Usage != nil {
		cur = r.Usage.ModuleCount
	}
	n, err := addCounter("module_count", cur, 1)
	if err != nil {
		return err
	}
	if r.Usage == nil {
		r.Usage = &UsageStats{}
	}
	r.Usage.ModuleCount = n
	r.UpdatedAt = at
	return nil
}

func checkObservation(linesOfCode, files uint64) error {
	if linesOfCode > MaxLinesPerObservation {
		return fmt.Errorf("lines of code %d: %w", linesOfCode, ErrObservationTooLarge)
	}
	if files > MaxFilesPerObservation {
		return fmt.Errorf("files %d: %w", files, ErrObservationTooLarge)
	}
	return nil
}
