package ledger

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestLedger(t *testing.T) (*Ledger, *storage.MemoryBackend) {
	t.Helper()
	store := storage.NewMemoryBackend()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(store, WithClock(clock.now))
	require.NoError(t, l.Initialize(context.Background(), entity.DefaultLedgerConfig()))
	return l, store
}

func key(name string) string { return address.KeyFromParts(name) }

func registerRepo(t *testing.T, l *Ledger, name string) *entity.Repository {
	t.Helper()
	repo, err := l.RegisterRepo(context.Background(), entity.NewRepositoryParams{
		Key:              key(name),
		Name:             name,
		URL:              "https://example.com/" + name + ".git",
		Tags:             []string{"Go", " infra "},
		AllowObservation: true,
	})
	require.NoError(t, err)
	return repo
}

func TestRegisterRepo(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	repo := registerRepo(t, l, "alpha")
	assert.Equal(t, []string{"go", "infra"}, repo.Tags)
	assert.Equal(t, entity.VisibilityPublic, repo.Visibility)

	got, ok, err := l.GetRepo(ctx, repo.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, repo.Name, got.Name)

	_, err = l.RegisterRepo(ctx, entity.NewRepositoryParams{Key: repo.Key, Name: "again", URL: "https://x"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	m, err := l.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.TotalRepos)

	lc, ok, err := l.Lifecycle(ctx, entity.Subject{Kind: entity.SubjectRepo, Key: repo.Key})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entity.StatusCreated, lc.Status)
}

func TestGetMissingIsNotAnError(t *testing.T) {
	l, _ := newTestLedger(t)
	_, ok, err := l.GetFork(context.Background(), key("nope"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = l.GetRepo(context.Background(), "short")
	assert.ErrorIs(t, err, address.ErrInvalidKey)
}

func TestProjectionDefaults(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)

	k := key("legacy-fork")
	raw, err := json.Marshal(map[string]any{"key": k, "parent_key": nil, "label": "legacy"})
	require.NoError(t, err)
	_, err = store.CreateIfAbsent(ctx, address.MustDerive(address.NamespaceFork, k), raw)
	require.NoError(t, err)

	fork, ok, err := l.GetFork(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entity.ForkGeneric, fork.Kind)
	assert.True(t, fork.IsRoot)
	assert.True(t, fork.IsActive)
	assert.Equal(t, uint32(0), fork.Depth)
	assert.NotNil(t, fork.Tags)

	mk := key("legacy-module")
	raw, err = json.Marshal(map[string]any{"key": mk, "repo_key": key("r"), "name": "legacy"})
	require.NoError(t, err)
	_, err = store.CreateIfAbsent(ctx, address.MustDerive(address.NamespaceModule, mk), raw)
	require.NoError(t, err)

	mod, ok, err := l.GetModule(ctx, mk)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entity.ModuleOther, mod.Kind)
	assert.Equal(t, entity.Version{Major: 1}, mod.Version)
}

func TestCreateForkDuplicateLeavesRecord(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)

	root, err := l.CreateFork(ctx, CreateForkParams{NewForkParams: entity.NewForkParams{Key: key("root"), Label: "root"}})
	require.NoError(t, err)

	addr := address.MustDerive(address.NamespaceFork, root.Key)
	before, _, err := store.Get(ctx, addr)
	require.NoError(t, err)

	_, err = l.CreateFork(ctx, CreateForkParams{NewForkParams: entity.NewForkParams{Key: root.Key, Label: "imposter"}})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	after, _, err := store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, before.Value, after.Value)
	assert.Equal(t, before.Revision, after.Revision)

	m, err := l.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.TotalForks)
}

func TestCreateForkConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	k := key("contested")

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.CreateFork(ctx, CreateForkParams{NewForkParams: entity.NewForkParams{Key: k, Label: "c"}})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyExists)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestForkLineage(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	root, err := l.CreateFork(ctx, CreateForkParams{NewForkParams: entity.NewForkParams{Key: key("root"), Label: "root"}})
	require.NoError(t, err)
	a, err := l.CreateFork(ctx, CreateForkParams{
		NewForkParams: entity.NewForkParams{Key: key("a"), Label: "a", Kind: entity.ForkConfig},
		ParentKey:     &root.Key,
	})
	require.NoError(t, err)
	b, err := l.CreateFork(ctx, CreateForkParams{
		NewForkParams: entity.NewForkParams{Key: key("b"), Label: "b"},
		ParentKey:     &a.Key,
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(1), a.Depth)
	assert.Equal(t, uint32(2), b.Depth)
	assert.False(t, b.IsRoot)

	lin, err := l.Lineage(ctx, b.Key)
	require.NoError(t, err)
	assert.Equal(t, root.Key, lin.RootKey)
	assert.Equal(t, []string{root.Key, a.Key, b.Key}, lin.Path)

	lin, err = l.Lineage(ctx, root.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{root.Key}, lin.Path)

	children, err := l.ListForks(ctx, Filter{ParentKey: root.Key})
	require.NoError(t, err)
	require.Len(t, children.Items, 1)
	assert.Equal(t, a.Key, children.Items[0].Key)
}

func TestCreateForkParentRules(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	missing := key("ghost")
	_, err := l.CreateFork(ctx, CreateForkParams{
		NewForkParams: entity.NewForkParams{Key: key("orphan"), Label: "orphan"},
		ParentKey:     &missing,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	root, err := l.CreateFork(ctx, CreateForkParams{NewForkParams: entity.NewForkParams{Key: key("root"), Label: "root"}})
	require.NoError(t, err)
	_, err = l.UpdateFork(ctx, root.Key, entity.ForkUpdate{IsActive: entity.Set(false)})
	require.NoError(t, err)

	_, err = l.CreateFork(ctx, CreateForkParams{
		NewForkParams: entity.NewForkParams{Key: key("child"), Label: "child"},
		ParentKey:     &root.Key,
	})
	assert.ErrorIs(t, err, ErrParentInactive)
}

func TestUpdateForkPartial(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	uri := "ipfs://meta"
	fork, err := l.CreateFork(ctx, CreateForkParams{NewForkParams: entity.NewForkParams{
		Key: key("f"), Label: "original", MetadataURI: &uri, Tags: []string{"old"},
	}})
	require.NoError(t, err)

	addr := address.MustDerive(address.NamespaceFork, fork.Key)
	before, _, err := store.Get(ctx, addr)
	require.NoError(t, err)

	_, err = l.UpdateFork(ctx, fork.Key, entity.ForkUpdate{})
	require.NoError(t, err)
	after, _, err := store.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, before.Value, after.Value, "no-change update must not rewrite the record")

	updated, err := l.UpdateFork(ctx, fork.Key, entity.ForkUpdate{
		Tags:     entity.Set([]string{"New", "shiny"}),
		IsActive: entity.Set(false),
	})
	require.NoError(t, err)
	assert.Equal(t, "original", updated.Label)
	require.NotNil(t, updated.MetadataURI)
	assert.Equal(t, uri, *updated.MetadataURI)
	assert.Equal(t, []string{"new", "shiny"}, updated.Tags)
	assert.False(t, updated.IsActive)

	_, err = l.UpdateFork(ctx, key("absent"), entity.ForkUpdate{Label: entity.Set("x")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterModule(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	repo := registerRepo(t, l, "alpha")

	mod, err := l.RegisterModule(ctx, entity.NewModuleParams{
		Key: key("mod"), RepoKey: repo.Key, Name: "storage", Kind: entity.ModuleLibrary,
		Version: entity.Version{Major: 1, Minor: 2, Patch: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, entity.ModuleLibrary, mod.Kind)

	repo, _, err = l.GetRepo(ctx, repo.Key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), repo.ModuleCount())

	_, err = l.RegisterModule(ctx, entity.NewModuleParams{
		Key: key("orphan"), RepoKey: key("nope"), Name: "orphan", Version: entity.Version{Major: 1},
	})
	assert.ErrorIs(t, err, ErrNotFound)

	bumped, err := l.BumpModuleVersion(ctx, mod.Key, entity.BumpMinor, VersionNote{Label: "next"})
	require.NoError(t, err)
	assert.Equal(t, entity.Version{Major: 1, Minor: 3}, bumped.Version)

	_, err = l.SetModuleVersion(ctx, mod.Key, entity.Version{Major: 1}, VersionNote{})
	assert.ErrorIs(t, err, entity.ErrVersionRegression)

	versions, err := l.ModuleVersions(ctx, mod.Key)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "1.2.3", versions[0].Version.String())
	assert.Equal(t, "1.3.0", versions[1].Version.String())
	assert.Equal(t, "next", versions[1].Label)
}

func TestRegisterModuleLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	_, err := l.SetConfig(ctx, entity.LedgerConfigUpdate{MaxModulesPerRepo: entity.Set(uint32(1))})
	require.NoError(t, err)
	repo := registerRepo(t, l, "alpha")

	_, err = l.RegisterModule(ctx, entity.NewModuleParams{Key: key("m1"), RepoKey: repo.Key, Name: "m1", Version: entity.Version{Major: 1}})
	require.NoError(t, err)
	_, err = l.RegisterModule(ctx, entity.NewModuleParams{Key: key("m2"), RepoKey: repo.Key, Name: "m2", Version: entity.Version{Major: 1}})
	assert.ErrorIs(t, err, ErrModuleLimit)
}

func TestLinkModuleAndUsage(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	a := registerRepo(t, l, "a")
	b := registerRepo(t, l, "b")
	mod, err := l.RegisterModule(ctx, entity.NewModuleParams{Key: key("m"), RepoKey: a.Key, Name: "m", Version: entity.Version{Patch: 1}})
	require.NoError(t, err)

	link, err := l.LinkModule(ctx, mod.Key, b.Key, false, "vendored copy")
	require.NoError(t, err)
	assert.False(t, link.IsPrimary)

	link, err = l.LinkModule(ctx, mod.Key, b.Key, true, "vendored copy")
	require.NoError(t, err)
	assert.True(t, link.IsPrimary)

	links, err := l.ModuleLinks(ctx, mod.Key)
	require.NoError(t, err)
	assert.Len(t, links, 1)

	used, err := l.RecordModuleUsage(ctx, mod.Key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), used.UsageCount)
	assert.NotNil(t, used.LastUsedAt)
}

func TestRecordObservation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	repo := registerRepo(t, l, "alpha")

	updated, err := l.RecordObservation(ctx, repo.Key, 1200, 40)
	require.NoError(t, err)
	require.NotNil(t, updated.Usage)
	assert.Equal(t, uint64(1200), updated.Usage.LinesOfCode)

	_, err = l.RecordObservation(ctx, repo.Key, entity.MaxLinesPerObservation+1, 1)
	assert.ErrorIs(t, err, entity.ErrObservationTooLarge)

	m, err := l.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.TotalObservations)
	assert.Equal(t, uint64(40), m.TotalFilesProcessed)

	lc, _, err := l.Lifecycle(ctx, entity.Subject{Kind: entity.SubjectRepo, Key: repo.Key})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusStable, lc.Status)
	assert.NotNil(t, lc.LastObservationAt)

	_, err = l.UpdateRepo(ctx, repo.Key, entity.RepositoryUpdate{AllowObservation: entity.Set(false)})
	require.NoError(t, err)
	_, err = l.RecordObservation(ctx, repo.Key, 1, 1)
	assert.ErrorIs(t, err, ErrObservationNotAllowed)
}

func TestInactiveRegistryRejectsWrites(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	_, err := l.SetConfig(ctx, entity.LedgerConfigUpdate{IsActive: entity.Set(false)})
	require.NoError(t, err)

	_, err = l.RegisterRepo(ctx, entity.NewRepositoryParams{Key: key("r"), Name: "r", URL: "https://r"})
	assert.ErrorIs(t, err, ErrInactive)
	_, err = l.CreateFork(ctx, CreateForkParams{NewForkParams: entity.NewForkParams{Key: key("f"), Label: "f"}})
	assert.ErrorIs(t, err, ErrInactive)

	cfg, err := l.SetConfig(ctx, entity.LedgerConfigUpdate{IsActive: entity.Set(true)})
	require.NoError(t, err)
	assert.True(t, cfg.IsActive)
}

func TestListReposFiltering(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	registerRepo(t, l, "alpha")
	registerRepo(t, l, "beta")
	gamma, err := l.RegisterRepo(ctx, entity.NewRepositoryParams{
		Key: key("gamma"), Name: "Gamma", URL: "git@example.com:gamma.git", Tags: []string{"python"},
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"alpha", "beta", "Gamma"}},
		{"all tags required", Filter{Tags: []string{"GO", "infra"}}, []string{"alpha", "beta"}},
		{"missing tag", Filter{Tags: []string{"go", "python"}}, nil},
		{"search name", Filter{Search: "GAM"}, []string{"Gamma"}},
		{"search url", Filter{Search: "example.com/beta"}, []string{"beta"}},
		{"limit", Filter{Limit: 2}, []string{"alpha", "beta"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := l.ListRepos(ctx, tt.filter)
			require.NoError(t, err)
			assert.Nil(t, page.NextCursor)
			var names []string
			for _, r := range page.Items {
				names = append(names, r.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}

	inactive := false
	_, err = l.UpdateRepo(ctx, gamma.Key, entity.RepositoryUpdate{IsActive: entity.Set(false)})
	require.NoError(t, err)
	page, err := l.ListRepos(ctx, Filter{Active: &inactive})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, gamma.Key, page.Items[0].Key)
}

func TestApplyLifecycleRunningMax(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	subject := entity.Subject{Kind: entity.SubjectFork, Key: key("f")}
	late := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	early := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := l.ApplyLifecycle(ctx, subject, entity.LifecycleEvent{Kind: entity.EventActivity, At: late})
	require.NoError(t, err)
	lc, err := l.ApplyLifecycle(ctx, subject, entity.LifecycleEvent{Kind: entity.EventError, At: early, Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, late, lc.LastActivityAt)
	assert.Equal(t, entity.StatusError, lc.Status)
	assert.Equal(t, "boom", lc.LastError)
}

func TestDeactivationArchives(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	repo := registerRepo(t, l, "alpha")
	mod, err := l.RegisterModule(ctx, entity.NewModuleParams{
		Key: key("mod"), RepoKey: repo.Key, Name: "core", Version: entity.Version{Major: 1},
	})
	require.NoError(t, err)
	fork, err := l.CreateFork(ctx, CreateForkParams{NewForkParams: entity.NewForkParams{Key: key("f"), Label: "f"}})
	require.NoError(t, err)

	status := func(s entity.Subject) entity.LifecycleStatus {
		t.Helper()
		lc, ok, err := l.Lifecycle(ctx, s)
		require.NoError(t, err)
		require.True(t, ok)
		return lc.Status
	}
	repoSubject := entity.Subject{Kind: entity.SubjectRepo, Key: repo.Key}
	modSubject := entity.Subject{Kind: entity.SubjectModule, Key: mod.Key}
	forkSubject := entity.Subject{Kind: entity.SubjectFork, Key: fork.Key}

	_, err = l.UpdateRepo(ctx, repo.Key, entity.RepositoryUpdate{Name: entity.Set("renamed")})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCreated, status(repoSubject), "other updates leave the lifecycle alone")

	_, err = l.UpdateRepo(ctx, repo.Key, entity.RepositoryUpdate{IsActive: entity.Set(false)})
	require.NoError(t, err)
	_, err = l.UpdateModule(ctx, mod.Key, entity.ModuleUpdate{IsActive: entity.Set(false)})
	require.NoError(t, err)
	_, err = l.UpdateFork(ctx, fork.Key, entity.ForkUpdate{IsActive: entity.Set(false)})
	require.NoError(t, err)

	assert.Equal(t, entity.StatusArchived, status(repoSubject))
	assert.Equal(t, entity.StatusArchived, status(modSubject))
	assert.Equal(t, entity.StatusArchived, status(forkSubject))
}

func TestSetMetadata(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	md, err := l.Metadata(ctx)
	require.NoError(t, err)
	assert.Empty(t, md.Description)
	assert.Empty(t, md.Tags)

	md, err = l.SetMetadata(ctx, entity.GlobalMetadataUpdate{
		Description: entity.Set("Unit09 registry"),
		Tags:        entity.Set([]string{"Registry", " pipeline "}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"registry", "pipeline"}, md.Tags)

	md, err = l.SetMetadata(ctx, entity.GlobalMetadataUpdate{Tags: entity.Set([]string{"ops"})})
	require.NoError(t, err)
	assert.Equal(t, "Unit09 registry", md.Description, "unset fields keep their value")
	assert.Equal(t, []string{"ops"}, md.Tags)

	stored, err := l.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, md, stored)

	_, err = l.SetMetadata(ctx, entity.GlobalMetadataUpdate{Description: entity.Set(strings.Repeat("x", entity.MaxDescriptionLen+1))})
	assert.ErrorIs(t, err, entity.ErrTooLong)
	stored, err = l.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Unit09 registry", stored.Description)

	_, err = l.SetConfig(ctx, entity.LedgerConfigUpdate{IsActive: entity.Set(false)})
	require.NoError(t, err)
	_, err = l.SetMetadata(ctx, entity.GlobalMetadataUpdate{Description: entity.Set("late")})
	assert.ErrorIs(t, err, ErrInactive)
}
