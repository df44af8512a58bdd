package entity

import (
	"fmt"
	"time"
)

// ModuleKind is the closed set of module categories.
type ModuleKind string

const (
	ModuleLibrary   ModuleKind = "library"
	ModuleService   ModuleKind = "service"
	ModuleCLI       ModuleKind = "cli"
	ModuleComponent ModuleKind = "component"
	ModuleConfig    ModuleKind = "config"
	ModuleTest      ModuleKind = "test"
	ModuleOther     ModuleKind = "other"
)

// Valid reports whether k is a known module kind.
func (k ModuleKind) Valid() bool {
	switch k {
	case ModuleLibrary, ModuleService, ModuleCLI, ModuleComponent, ModuleConfig, ModuleTest, ModuleOther:
		return true
	}
	return false
}

// Module is a runnable unit extracted from a repository.
type Module struct {
	Key                string     `json:"key"`
	RepoKey            string     `json:"repo_key"`
	Name               string     `json:"name"`
	Kind               ModuleKind `json:"kind"`
	Description        string     `json:"description"`
	MetadataURI        string     `json:"metadata_uri,omitempty"`
	Tags               []string   `json:"tags"`
	IsActive           bool       `json:"is_active"`
	IsDeprecated       bool       `json:"is_deprecated"`
	Version            Version    `json:"version"`
	RecommendedVersion *Version   `json:"recommended_version,omitempty"`
	UsageCount         uint64     `json:"usage_count"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewModuleParams holds the caller-supplied fields for a new module.
type NewModuleParams struct {
	Key         string
	RepoKey     string
	Name        string
	Kind        ModuleKind
	Description string
	MetadataURI string
	Tags        []string
	Version     Version
}

// NewModule validates params and returns an active module.
// An empty kind defaults to ModuleOther.
func NewModule(p NewModuleParams, now time.Time) (*Module, error) {
	m := &Module{
		Key:         p.Key,
		RepoKey:     p.RepoKey,
		Name:        p.Name,
		Kind:        p.Kind,
		Description: p.Description,
		MetadataURI: p.MetadataURI,
		Tags:        NormalizeTags(p.Tags),
		IsActive:    true,
		Version:     p.Version,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if m.Kind == "" {
		m.Kind = ModuleOther
	}
	if m.RepoKey == "" {
		return nil, fmt.Errorf("repo_key: %w", ErrEmptyValue)
	}
	if m.Version.IsZero() {
		return nil, ErrZeroVersion
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks field limits and enumerations.
func (m *Module) Validate() error {
	if err := validateName("name", m.Name); err != nil {
		return err
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("module kind %q: %w", m.Kind, ErrInvalidEnum)
	}
	if err := validateMaxLen("description", m.Description, MaxDescriptionLen); err != nil {
		return err
	}
	if m.MetadataURI != "" {
		if err := ValidateMetadataURI(m.MetadataURI); err != nil {
			return err
		}
	}
	return ValidateTags(m.Tags)
}

// ModuleUpdate is a partial update. The owning repository and the current
// version are changed through LinkModule and BumpVersion/SetVersion only.
type ModuleUpdate struct {
	Name               Optional[string]     `json:"name,omitzero"`
	Kind               Optional[ModuleKind] `json:"kind,omitzero"`
	Description        Optional[string]     `json:"description,omitzero"`
	MetadataURI        Optional[string]     `json:"metadata_uri,omitzero"`
	Tags               Optional[[]string]   `json:"tags,omitzero"`
	IsActive           Optional[bool]       `json:"is_active,omitzero"`
	IsDeprecated       Optional[bool]       `json:"is_deprecated,omitzero"`
	RecommendedVersion Optional[*Version]   `json:"recommended_version,omitzero"`
}

// IsEmpty reports whether the update carries no changes.
func (u ModuleUpdate) IsEmpty() bool {
	return !u.Name.IsSet() && !u.Kind.IsSet() && !u.Description.IsSet() &&
		!u.MetadataURI.IsSet() && !u.Tags.IsSet() && !u.IsActive.IsSet() &&
		!u.IsDeprecated.IsSet() && !u.RecommendedVersion.IsSet()
}

// Apply merges u into m, validating the result before writing it back.
func (u ModuleUpdate) Apply(m *Module, now time.Time) (bool, error) {
	if u.IsEmpty() {
		return false, nil
	}
	next := *m
	u.Name.ApplyTo(&next.Name)
	u.Kind.ApplyTo(&next.Kind)
	u.Description.ApplyTo(&next.Description)
	u.MetadataURI.ApplyTo(&next.MetadataURI)
	if tags, ok := u.Tags.Get(); ok {
		next.Tags = NormalizeTags(tags)
	}
	u.IsActive.ApplyTo(&next.IsActive)
	u.IsDeprecated.ApplyTo(&next.IsDeprecated)
	if rv, ok := u.RecommendedVersion.Get(); ok {
		if rv != nil {
			v := *rv
			rv = &v
		}
		next.RecommendedVersion = rv
	}
	if err := next.Validate(); err != nil {
		return false, err
	}
	next.UpdatedAt = now
	*m = next
	return true, nil
}

// BumpVersion increments the current version by kind.
func (m *Module) BumpVersion(kind BumpKind, now time.Time) (Version, error) {
	next, err := m.Version.Bump(kind)
	if err != nil {
		return m.Version, err
	}
	m.Version = next
	m.UpdatedAt = now
	return next, nil
}

// SetVersion moves the current version to v. Moving backwards is rejected;
// setting the same version is a no-op.
func (m *Module) SetVersion(v Version, now time.Time) (bool, error) {
	switch c := v.Compare(m.Version); {
	case c < 0:
		return false, fmt.Errorf("%s -> %s: %w", m.Version, v, ErrVersionRegression)
	case c == 0:
		return false, nil
	}
	m.Version = v
	m.UpdatedAt = now
	return true, nil
}

// RecordUsage increments the usage counter.
func (m *Module) RecordUsage(now time.Time) error {
	n, err := addCounter("usage_count", m.UsageCount, 1)
	if err != nil {
		return err
	}
	m.UsageCount = n
	t := now
	m.LastUsedAt = &t
	return nil
}

// ModuleVersion is an immutable snapshot recorded for each version a module reaches.
type ModuleVersion struct {
	ModuleKey    string    `json:"module_key"`
	Version      Version   `json:"version"`
	MetadataURI  string    `json:"metadata_uri,omitempty"`
	ChangelogURI string    `json:"changelog_uri,omitempty"`
	Label        string    `json:"label,omitempty"`
	IsStable     bool      `json:"is_stable"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks snapshot field limits.
func (v *ModuleVersion) Validate() error {
	if v.Version.IsZero() {
		return ErrZeroVersion
	}
	if err := validateMaxLen("label", v.Label, MaxNameLen); err != nil {
		return err
	}
	if v.ChangelogURI != "" {
		if err := ValidateMetadataURI(v.ChangelogURI); err != nil {
			return err
		}
	}
	return nil
}

// ModuleLink associates a module with an additional repository.
type ModuleLink struct {
	ModuleKey string    `json:"module_key"`
	RepoKey   string    `json:"repo_key"`
	IsPrimary bool      `json:"is_primary"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks link field limits.
func (l *ModuleLink) Validate() error {
	if l.ModuleKey == "" {
		return fmt.Errorf("module_key: %w", ErrEmptyValue)
	}
	if l.RepoKey == "" {
		return fmt.Errorf("repo_key: %w", ErrEmptyValue)
	}
	return validateMaxLen("notes", l.Notes, MaxNoteLen)
}
