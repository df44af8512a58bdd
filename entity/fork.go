package entity

import (
	"fmt"
	"sort"
	"time"
)

// ForkKind classifies what a fork varies.
type ForkKind string

const (
	ForkGeneric     ForkKind = "generic"
	ForkConfig      ForkKind = "config"
	ForkModuleSet   ForkKind = "module_set"
	ForkPersonality ForkKind = "personality"
	ForkExperiment  ForkKind = "experiment"
)

// Valid reports whether k is a known fork kind.
func (k ForkKind) Valid() bool {
	switch k {
	case ForkGeneric, ForkConfig, ForkModuleSet, ForkPersonality, ForkExperiment:
		return true
	}
	return false
}

// Fork is a lineage node. Roots have no parent and depth 0; every other
// fork sits exactly one level below its parent.
type Fork struct {
	Key         string    `json:"key"`
	ParentKey   *string   `json:"parent_key"`
	Label       string    `json:"label"`
	Kind        ForkKind  `json:"kind"`
	MetadataURI *string   `json:"metadata_uri,omitempty"`
	Tags        []string  `json:"tags"`
	Depth       uint32    `json:"depth"`
	IsRoot      bool      `json:"is_root"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewForkParams holds the caller-supplied fields for a new fork.
type NewForkParams struct {
	Key         string
	Label       string
	Kind        ForkKind
	MetadataURI *string
	Tags        []string
}

// NewRootFork builds a depth-0 fork with no parent.
func NewRootFork(p NewForkParams, now time.Time) (*Fork, error) {
	return newFork(p, nil, now)
}

// NewChildFork builds a fork one level below parent. The depth is fixed
// here, at creation, and never recomputed afterwards.
func NewChildFork(p NewForkParams, parent *Fork, now time.Time) (*Fork, error) {
	if parent == nil {
		return nil, fmt.Errorf("parent: %w", ErrEmptyValue)
	}
	return newFork(p, parent, now)
}

func newFork(p NewForkParams, parent *Fork, now time.Time) (*Fork, error) {
	f := &Fork{
		Key:         p.Key,
		Label:       p.Label,
		Kind:        p.Kind,
		MetadataURI: cloneString(p.MetadataURI),
		Tags:        NormalizeTags(p.Tags),
		IsRoot:      parent == nil,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if f.Kind == "" {
		f.Kind = ForkGeneric
	}
	if parent != nil {
		pk := parent.Key
		f.ParentKey = &pk
		f.Depth = parent.Depth + 1
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks field limits and the root/parent/depth equivalence.
func (f *Fork) Validate() error {
	if err := validateName("label", f.Label); err != nil {
		return err
	}
	if !f.Kind.Valid() {
		return fmt.Errorf("fork kind %q: %w", f.Kind, ErrInvalidEnum)
	}
	if f.MetadataURI != nil {
		if err := ValidateMetadataURI(*f.MetadataURI); err != nil {
			return err
		}
	}
	if err := ValidateTags(f.Tags); err != nil {
		return err
	}
	hasParent := f.ParentKey != nil
	if f.IsRoot == hasParent || f.IsRoot != (f.Depth == 0) {
		return fmt.Errorf("fork %s (root=%t, parent=%t, depth=%d): %w",
			f.Key, f.IsRoot, hasParent, f.Depth, ErrForkShape)
	}
	if hasParent && *f.ParentKey == f.Key {
		return fmt.Errorf("fork %s is its own parent: %w", f.Key, ErrForkShape)
	}
	return nil
}

// ForkUpdate is a partial update. Each field is applied independently;
// parent, depth and root status are structural and cannot be updated.
type ForkUpdate struct {
	Label       Optional[string]   `json:"label,omitzero"`
	Kind        Optional[ForkKind] `json:"kind,omitzero"`
	MetadataURI Optional[*string]  `json:"metadata_uri,omitzero"`
	Tags        Optional[[]string] `json:"tags,omitzero"`
	IsActive    Optional[bool]     `json:"is_active,omitzero"`
}

// IsEmpty reports whether the update carries no changes.
func (u ForkUpdate) IsEmpty() bool {
	return !u.Label.IsSet() && !u.Kind.IsSet() && !u.MetadataURI.IsSet() &&
		!u.Tags.IsSet() && !u.IsActive.IsSet()
}

// Apply merges u into f. An empty update leaves f bit-identical.
func (u ForkUpdate) Apply(f *Fork, now time.Time) (bool, error) {
	if u.IsEmpty() {
		return false, nil
	}
	next := *f
	u.Label.ApplyTo(&next.Label)
	u.Kind.ApplyTo(&next.Kind)
	if uri, ok := u.MetadataURI.Get(); ok {
		next.MetadataURI = cloneString(uri)
	}
	if tags, ok := u.Tags.Get(); ok {
		next.Tags = NormalizeTags(tags)
	}
	u.IsActive.ApplyTo(&next.IsActive)
	if err := next.Validate(); err != nil {
		return false, err
	}
	next.UpdatedAt = now
	*f = next
	return true, nil
}

// Lineage is the ordered chain from a fork's root to the fork itself.
type Lineage struct {
	RootKey string   `json:"root_key"`
	Path    []string `json:"path"`
}

// BuildLineage orders ancestors by depth and appends the fork's own key.
// The root is the depth-0 ancestor, or the fork itself when there are no
// ancestors. The chain is trusted as given: contiguity and parent links are
// not checked.
func BuildLineage(fork *Fork, ancestors []*Fork) Lineage {
	sorted := make([]*Fork, len(ancestors))
	copy(sorted, ancestors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Depth < sorted[j].Depth
	})

	path := make([]string, 0, len(sorted)+1)
	for _, a := range sorted {
		path = append(path, a.Key)
	}
	path = append(path, fork.Key)

	// With a well-formed chain the shallowest ancestor is the depth-0 root.
	rootKey := path[0]
	return Lineage{RootKey: rootKey, Path: path}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
