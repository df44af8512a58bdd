package entity

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func TestVersionOrdering(t *testing.T) {
	a := Version{1, 2, 3}
	b := Version{1, 3, 0}
	c := Version{2, 0, 0}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.True(t, a.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, 0, a.Compare(Version{1, 2, 3}))

	bumped, err := a.Bump(BumpMinor)
	require.NoError(t, err)
	assert.Equal(t, Version{1, 3, 0}, bumped)

	bumped, err = a.Bump(BumpMajor)
	require.NoError(t, err)
	assert.Equal(t, Version{2, 0, 0}, bumped)

	bumped, err = a.Bump(BumpPatch)
	require.NoError(t, err)
	assert.Equal(t, Version{1, 2, 4}, bumped)

	_, err = a.Bump("huge")
	assert.ErrorIs(t, err, ErrInvalidEnum)
}

func TestBumpNeverWraps(t *testing.T) {
	tests := []struct {
		name string
		from Version
		kind BumpKind
	}{
		{"major", Version{math.MaxUint32, 4, 2}, BumpMajor},
		{"minor", Version{3, math.MaxUint32, 7}, BumpMinor},
		{"patch", Version{1, 2, math.MaxUint32}, BumpPatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.Bump(tt.kind)
			assert.ErrorIs(t, err, ErrVersionOverflow)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, tt.from, got)
		})
	}

	m, err := NewModule(NewModuleParams{
		Key: "m", RepoKey: "r", Name: "core", Version: Version{1, 2, math.MaxUint32},
	}, t0)
	require.NoError(t, err)
	_, err = m.BumpVersion(BumpPatch, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrVersionOverflow)
	assert.Equal(t, Version{1, 2, math.MaxUint32}, m.Version)
	assert.Equal(t, t0, m.UpdatedAt)

	bumped, err := m.BumpVersion(BumpMinor, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Version{1, 3, 0}, bumped)
}

func TestCountersNeverWrap(t *testing.T) {
	c := Counters{TotalForks: math.MaxUint64, TotalLinesOfCode: math.MaxUint64 - 10}
	assert.ErrorIs(t, c.Increment(CountForkCreated, t0), ErrCounterOverflow)
	assert.Equal(t, uint64(math.MaxUint64), c.TotalForks)

	assert.ErrorIs(t, c.RecordObservation(11, 1, t0), ErrCounterOverflow)
	assert.Zero(t, c.TotalObservations, "a refused observation changes nothing")
	assert.Zero(t, c.TotalFilesProcessed)
	require.NoError(t, c.RecordObservation(10, 1, t0))
	assert.Equal(t, uint64(math.MaxUint64), c.TotalLinesOfCode)

	m := &Module{UsageCount: math.MaxUint64}
	assert.ErrorIs(t, m.RecordUsage(t0), ErrCounterOverflow)
	assert.Nil(t, m.LastUsedAt)

	r := &Repository{Usage: &UsageStats{ModuleCount: math.MaxUint64}}
	assert.ErrorIs(t, r.AddModule(t0), ErrCounterOverflow)
	r.Usage.FilesProcessed = math.MaxUint64
	assert.ErrorIs(t, r.RecordObservation(1, 1, t0), ErrCounterOverflow)
	assert.Zero(t, r.Usage.ObservationCount)
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{"1.2.3", Version{1, 2, 3}, false},
		{"v0.10.0", Version{0, 10, 0}, false},
		{"1.2", Version{}, true},
		{"1.x.3", Version{}, true},
		{"-1.0.0", Version{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVersion(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in[len(tt.in)-len(got.String()):], got.String())
		})
	}
}

func TestModuleVersionIsMonotonic(t *testing.T) {
	m, err := NewModule(NewModuleParams{
		Key: "m", RepoKey: "r", Name: "core", Version: Version{1, 2, 3},
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, ModuleOther, m.Kind, "kind defaults to other")

	v, err := m.BumpVersion(BumpMinor, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Version{1, 3, 0}, v)

	changed, err := m.SetVersion(Version{1, 2, 9}, t0)
	assert.ErrorIs(t, err, ErrVersionRegression)
	assert.False(t, changed)
	assert.Equal(t, Version{1, 3, 0}, m.Version)

	changed, err = m.SetVersion(Version{1, 3, 0}, t0)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = m.SetVersion(Version{2, 0, 1}, t0)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestNewModuleRejectsZeroVersion(t *testing.T) {
	_, err := NewModule(NewModuleParams{Key: "m", RepoKey: "r", Name: "core"}, t0)
	assert.ErrorIs(t, err, ErrZeroVersion)
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Go ", "go", "", "CLI", "cli ", "infra"})
	assert.Equal(t, []string{"go", "cli", "infra"}, got)
	assert.True(t, HasAllTags(got, []string{"cli", "go"}))
	assert.False(t, HasAllTags(got, []string{"cli", "rust"}))
	assert.True(t, HasAllTags(got, nil))
}

func TestRepositoryValidation(t *testing.T) {
	base := NewRepositoryParams{Key: "k", Name: "unit", URL: "https://example.com/unit.git"}

	r, err := NewRepository(base, t0)
	require.NoError(t, err)
	assert.Equal(t, VisibilityPublic, r.Visibility)
	assert.Equal(t, SourceGit, r.SourceKind)
	assert.True(t, r.IsActive)

	bad := base
	bad.URL = "ftp://example.com"
	_, err = NewRepository(bad, t0)
	assert.ErrorIs(t, err, ErrInvalidURL)

	bad = base
	bad.Name = ""
	_, err = NewRepository(bad, t0)
	assert.ErrorIs(t, err, ErrEmptyValue)

	bad = base
	bad.Visibility = "internal"
	_, err = NewRepository(bad, t0)
	assert.ErrorIs(t, err, ErrInvalidEnum)
}

func TestRepositoryUpdateLeavesUnsetFields(t *testing.T) {
	r, err := NewRepository(NewRepositoryParams{
		Key: "k", Name: "unit", URL: "https://example.com/unit.git", Tags: []string{"a"},
	}, t0)
	require.NoError(t, err)
	before := *r

	changed, err := RepositoryUpdate{}.Apply(r, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before, *r)

	changed, err = RepositoryUpdate{
		Tags:     Set([]string{"B", "b", "c"}),
		IsActive: Set(false),
	}.Apply(r, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"b", "c"}, r.Tags)
	assert.False(t, r.IsActive)
	assert.Equal(t, before.Name, r.Name)
	assert.Equal(t, before.URL, r.URL)
	assert.Equal(t, t0.Add(time.Hour), r.UpdatedAt)

	// A failing update leaves the repository untouched.
	snapshot := *r
	_, err = RepositoryUpdate{Name: Set(""), IsActive: Set(true)}.Apply(r, t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrEmptyValue)
	assert.Equal(t, snapshot, *r)
}

func TestForkShapeEquivalence(t *testing.T) {
	root, err := NewRootFork(NewForkParams{Key: "root", Label: "origin"}, t0)
	require.NoError(t, err)
	child, err := NewChildFork(NewForkParams{Key: "a", Label: "a"}, root, t0)
	require.NoError(t, err)
	grandchild, err := NewChildFork(NewForkParams{Key: "b", Label: "b"}, child, t0)
	require.NoError(t, err)

	for _, f := range []*Fork{root, child, grandchild} {
		assert.Equal(t, f.Depth == 0, f.ParentKey == nil, f.Key)
		assert.Equal(t, f.ParentKey == nil, f.IsRoot, f.Key)
	}
	assert.Equal(t, ForkGeneric, root.Kind, "kind defaults to generic")
	assert.Equal(t, uint32(2), grandchild.Depth)
	assert.Equal(t, "a", *grandchild.ParentKey)

	broken := *child
	broken.IsRoot = true
	assert.ErrorIs(t, broken.Validate(), ErrForkShape)

	broken = *root
	broken.Depth = 3
	assert.ErrorIs(t, broken.Validate(), ErrForkShape)
}

func TestForkUpdatePerField(t *testing.T) {
	f, err := NewRootFork(NewForkParams{
		Key: "root", Label: "origin", MetadataURI: strPtr("ipfs://meta"), Tags: []string{"x"},
	}, t0)
	require.NoError(t, err)
	before := *f
	beforeURI := *f.MetadataURI

	t.Run("all no change is bit-identical", func(t *testing.T) {
		changed, err := ForkUpdate{
			Label:       NoChange[string](),
			Kind:        NoChange[ForkKind](),
			MetadataURI: NoChange[*string](),
			Tags:        NoChange[[]string](),
			IsActive:    NoChange[bool](),
		}.Apply(f, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, before, *f)
	})

	t.Run("tags and active only", func(t *testing.T) {
		changed, err := ForkUpdate{
			Tags:     Set([]string{"Y", "z"}),
			IsActive: Set(false),
		}.Apply(f, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, before.Label, f.Label)
		require.NotNil(t, f.MetadataURI)
		assert.Equal(t, beforeURI, *f.MetadataURI)
		assert.Equal(t, []string{"y", "z"}, f.Tags)
		assert.False(t, f.IsActive)
	})

	t.Run("explicit clear differs from no change", func(t *testing.T) {
		changed, err := ForkUpdate{MetadataURI: Set[*string](nil)}.Apply(f, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Nil(t, f.MetadataURI)
	})
}

func TestBuildLineage(t *testing.T) {
	root, err := NewRootFork(NewForkParams{Key: "root", Label: "root"}, t0)
	require.NoError(t, err)
	a, err := NewChildFork(NewForkParams{Key: "a", Label: "a"}, root, t0)
	require.NoError(t, err)
	b, err := NewChildFork(NewForkParams{Key: "b", Label: "b"}, a, t0)
	require.NoError(t, err)

	l := BuildLineage(b, []*Fork{root, a})
	assert.Equal(t, []string{"root", "a", "b"}, l.Path)
	assert.Equal(t, "root", l.RootKey)

	// Ancestors are sorted by depth regardless of input order.
	l = BuildLineage(b, []*Fork{a, root})
	assert.Equal(t, []string{"root", "a", "b"}, l.Path)

	l = BuildLineage(root, nil)
	assert.Equal(t, []string{"root"}, l.Path)
	assert.Equal(t, "root", l.RootKey)
}

func TestLifecycleApply(t *testing.T) {
	l := NewLifecycle(Subject{Kind: SubjectRepo, Key: "r"}, t0)
	require.NoError(t, l.Apply(LifecycleEvent{Kind: EventObservationStarted, At: t0.Add(time.Minute)}))
	assert.Equal(t, StatusObserving, l.Status)

	require.NoError(t, l.Apply(LifecycleEvent{Kind: EventObservationCompleted, At: t0.Add(2 * time.Minute)}))
	assert.Equal(t, StatusStable, l.Status)
	require.NotNil(t, l.LastObservationAt)
	assert.Equal(t, t0.Add(2*time.Minute), *l.LastObservationAt)

	// Older events do not move last activity backwards.
	require.NoError(t, l.Apply(LifecycleEvent{Kind: EventError, At: t0, Message: "boom"}))
	assert.Equal(t, t0.Add(2*time.Minute), l.LastActivityAt)
	assert.Equal(t, StatusError, l.Status)
	assert.Equal(t, "boom", l.LastError)

	require.NoError(t, l.Apply(LifecycleEvent{Kind: EventArchived, At: t0.Add(3 * time.Minute)}))
	require.NoError(t, l.Apply(LifecycleEvent{Kind: EventRecovered, At: t0.Add(4 * time.Minute)}))
	assert.Equal(t, StatusArchived, l.Status, "archived is sticky")
	assert.Equal(t, t0.Add(4*time.Minute), l.LastActivityAt)

	assert.ErrorIs(t, l.Apply(LifecycleEvent{Kind: "teleported", At: t0}), ErrInvalidEnum)
}

func TestCounters(t *testing.T) {
	var c Counters
	require.NoError(t, c.Increment(CountRepoCreated, t0))
	require.NoError(t, c.Increment(CountModuleCreated, t0))
	require.NoError(t, c.Increment(CountModuleCreated, t0))
	require.NoError(t, c.Increment(CountForkCreated, t0))
	require.NoError(t, c.RecordObservation(1200, 14, t0))

	assert.Equal(t, uint64(1), c.TotalRepos)
	assert.Equal(t, uint64(2), c.TotalModules)
	assert.Equal(t, uint64(1), c.TotalForks)
	assert.Equal(t, uint64(1), c.TotalObservations)
	assert.Equal(t, uint64(1200), c.TotalLinesOfCode)
	assert.Equal(t, uint64(14), c.TotalFilesProcessed)

	err := c.RecordObservation(MaxLinesPerObservation+1, 1, t0)
	assert.ErrorIs(t, err, ErrObservationTooLarge)
	assert.Equal(t, uint64(1), c.TotalObservations, "rejected observations are not counted")
}

func TestOptionalJSON(t *testing.T) {
	var u ForkUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"label":"renamed","metadata_uri":null}`), &u))
	label, ok := u.Label.Get()
	assert.True(t, ok)
	assert.Equal(t, "renamed", label)
	assert.True(t, u.MetadataURI.IsSet(), "explicit null is a clear, not no-change")
	assert.False(t, u.Tags.IsSet())
	assert.False(t, u.IsActive.IsSet())

	data, err := json.Marshal(ForkUpdate{IsActive: Set(false)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"is_active":false}`, string(data))
}
