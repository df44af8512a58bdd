package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/storage"
)

func moduleAddr(key string) (address.Address, error) {
	return address.Derive(address.NamespaceModule, key)
}

// VersionNote annotates the snapshot recorded when a module changes version.
type VersionNote struct {
	MetadataURI  string
	ChangelogURI string
	Label        string
	IsStable     bool
}

// RegisterModule creates a module under an existing, active repository.
func (l *Ledger) RegisterModule(ctx context.Context, p entity.NewModuleParams) (*entity.Module, error) {
	addr, err := moduleAddr(p.Key)
	if err != nil {
		return nil, err
	}
	rAddr, err := repoAddr(p.RepoKey)
	if err != nil {
		return nil, err
	}
	cfg, err := l.checkActive(ctx)
	if err != nil {
		return nil, err
	}

	repo, ok, err := fetch(ctx, l.store, rAddr, decodeRepo)
	if err != nil {
		return nil, fmt.Errorf("register module %s: %w", p.Key, err)
	}
	if !ok {
		return nil, fmt.Errorf("register module %s: repo %s: %w", p.Key, p.RepoKey, ErrNotFound)
	}
	if !repo.IsActive {
		return nil, fmt.Errorf("register module %s: %w", p.Key, ErrRepoInactive)
	}
	// The limit is checked before the create, so racing registrations may
	// overshoot it by the number of concurrent writers.
	if repo.ModuleCount() >= uint64(cfg.MaxModulesPerRepo) {
		return nil, fmt.Errorf("register module %s: %d modules: %w", p.Key, repo.ModuleCount(), ErrModuleLimit)
	}

	now := l.now()
	mod, err := entity.NewModule(p, now)
	if err != nil {
		return nil, err
	}
	if err := create(ctx, l.store, addr, mod); err != nil {
		return nil, fmt.Errorf("register module %s: %w", p.Key, err)
	}

	if err := l.snapshotVersion(ctx, mod, VersionNote{MetadataURI: mod.MetadataURI}, now); err != nil {
		l.logger.Warn("Failed to record module version", "module_key", mod.Key, "error", err)
	}
	if _, err := mutate(ctx, l.store, rAddr, decodeRepo, func(r *entity.Repository) (bool, error) {
		return true, r.AddModule(now)
	}); err != nil {
		l.logger.Warn("Failed to update repository module count", "repo_key", p.RepoKey, "error", err)
	}

	l.logger.Info("Module registered", "module_key", mod.Key, "repo_key", mod.RepoKey, "version", mod.Version.String())
	l.afterCreate(ctx, entity.CountModuleCreated, entity.Subject{Kind: entity.SubjectModule, Key: mod.Key}, now)
	return mod, nil
}

// GetModule returns the module stored under key.
func (l *Ledger) GetModule(ctx context.Context, key string) (*entity.Module, bool, error) {
	addr, err := moduleAddr(key)
	if err != nil {
		return nil, false, err
	}
	mod, ok, err := fetch(ctx, l.store, addr, decodeModule)
	if err != nil {
		return nil, false, fmt.Errorf("get module %s: %w", key, err)
	}
	return mod, ok, nil
}

// UpdateModule applies a partial update.
func (l *Ledger) UpdateModule(ctx context.Context, key string, u entity.ModuleUpdate) (*entity.Module, error) {
	addr, err := moduleAddr(key)
	if err != nil {
		return nil, err
	}
	if _, err := l.checkActive(ctx); err != nil {
		return nil, err
	}
	now := l.now()
	var wasActive bool
	mod, err := mutate(ctx, l.store, addr, decodeModule, func(m *entity.Module) (bool, error) {
		wasActive = m.IsActive
		return u.Apply(m, now)
	})
	if err != nil {
		return nil, fmt.Errorf("update module %s: %w", key, err)
	}
	l.archiveOnDeactivate(ctx, entity.Subject{Kind: entity.SubjectModule, Key: key}, wasActive, mod.IsActive, now)
	return mod, nil
}

// BumpModuleVersion increments the module version and records a snapshot.
func (l *Ledger) BumpModuleVersion(ctx context.Context, key string, kind entity.BumpKind, note VersionNote) (*entity.Module, error) {
	return l.changeVersion(ctx, key, note, func(m *entity.Module, now time.Time) (bool, error) {
		_, err := m.BumpVersion(kind, now)
		return err == nil, err
	})
}

// SetModuleVersion moves the module to v, which must not be lower than the
// current version. Setting the current version again changes nothing.
func (l *Ledger) SetModuleVersion(ctx context.Context, key string, v entity.Version, note VersionNote) (*entity.Module, error) {
	return l.changeVersion(ctx, key, note, func(m *entity.Module, now time.Time) (bool, error) {
		return m.SetVersion(v, now)
	})
}

func (l *Ledger) changeVersion(ctx context.Context, key string, note VersionNote,
	fn func(*entity.Module, time.Time) (bool, error)) (*entity.Module, error) {
	addr, err := moduleAddr(key)
	if err != nil {
		return nil, err
	}
	if _, err := l.checkActive(ctx); err != nil {
		return nil, err
	}
	now := l.now()
	var changed bool
	mod, err := mutate(ctx, l.store, addr, decodeModule, func(m *entity.Module) (bool, error) {
		var err error
		changed, err = fn(m, now)
		return changed, err
	})
	if err != nil {
		return nil, fmt.Errorf("change version %s: %w", key, err)
	}
	if changed {
		if err := l.snapshotVersion(ctx, mod, note, now); err != nil {
			return mod, fmt.Errorf("record version %s@%s: %w", key, mod.Version, err)
		}
		l.logger.Info("Module version changed", "module_key", key, "version", mod.Version.String())
	}
	return mod, nil
}

func (l *Ledger) snapshotVersion(ctx context.Context, m *entity.Module, note VersionNote, now time.Time) error {
	snap := &entity.ModuleVersion{
		ModuleKey:    m.Key,
		Version:      m.Version,
		MetadataURI:  note.MetadataURI,
		ChangelogURI: note.ChangelogURI,
		Label:        note.Label,
		IsStable:     note.IsStable,
		CreatedAt:    now,
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	addr, err := address.Derive(address.NamespaceModuleVersion, m.Key, m.Version.String())
	if err != nil {
		return err
	}
	if err := create(ctx, l.store, addr, snap); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return err
	}
	return nil
}

// ModuleVersions returns the recorded snapshots for a module, oldest version first.
func (l *Ledger) ModuleVersions(ctx context.Context, key string) ([]*entity.ModuleVersion, error) {
	if err := address.ValidateKey(key); err != nil {
		return nil, err
	}
	recs, err := l.store.ListByNamespace(ctx, address.NamespaceModuleVersion)
	if err != nil {
		return nil, fmt.Errorf("list module versions %s: %w", key, err)
	}
	var out []*entity.ModuleVersion
	for _, rec := range recs {
		v, err := decodeJSON[entity.ModuleVersion](rec.Value)
		if err != nil {
			return nil, err
		}
		if v.ModuleKey == key {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version.Less(out[j].Version) })
	return out, nil
}

// RecordModuleUsage increments the module usage counter.
func (l *Ledger) RecordModuleUsage(ctx context.Context, key string) (*entity.Module, error) {
	addr, err := moduleAddr(key)
	if err != nil {
		return nil, err
	}
	if _, err := l.checkActive(ctx); err != nil {
		return nil, err
	}
	now := l.now()
	mod, err := mutate(ctx, l.store, addr, decodeModule, func(m *entity.Module) (bool, error) {
		return true, m.RecordUsage(now)
	})
	if err != nil {
		return nil, fmt.Errorf("record usage %s: %w", key, err)
	}
	return mod, nil
}

// LinkModule associates a module with a repository. Linking an already
// linked pair updates the primary flag and notes.
func (l *Ledger) LinkModule(ctx context.Context, moduleKey, repoKey string, isPrimary bool, notes string) (*entity.ModuleLink, error) {
	addr, err := address.Derive(address.NamespaceModuleLink, moduleKey, repoKey)
	if err != nil {
		return nil, err
	}
	if err := address.ValidateKey(repoKey); err != nil {
		return nil, err
	}
	if _, err := l.checkActive(ctx); err != nil {
		return nil, err
	}
	_, ok, err := l.GetModule(ctx, moduleKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("link module %s: %w", moduleKey, ErrNotFound)
	}
	_, ok, err = l.GetRepo(ctx, repoKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("link module %s: repo %s: %w", moduleKey, repoKey, ErrNotFound)
	}

	now := l.now()
	link := &entity.ModuleLink{
		ModuleKey: moduleKey,
		RepoKey:   repoKey,
		IsPrimary: isPrimary,
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := link.Validate(); err != nil {
		return nil, err
	}
	err = create(ctx, l.store, addr, link)
	if err == nil {
		return link, nil
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		return nil, fmt.Errorf("link module %s: %w", moduleKey, err)
	}
	return mutate(ctx, l.store, addr, decodeJSON[entity.ModuleLink], func(ml *entity.ModuleLink) (bool, error) {
		if ml.IsPrimary == isPrimary && ml.Notes == notes {
			return false, nil
		}
		ml.IsPrimary = isPrimary
		ml.Notes = notes
		ml.UpdatedAt = now
		return true, nil
	})
}

// ModuleLinks returns every repository link recorded for a module.
func (l *Ledger) ModuleLinks(ctx context.Context, moduleKey string) ([]*entity.ModuleLink, error) {
	recs, err := l.store.ListByNamespace(ctx, address.NamespaceModuleLink)
	if err != nil {
		return nil, fmt.Errorf("list module links %s: %w", moduleKey, err)
	}
	var out []*entity.ModuleLink
	for _, rec := range recs {
		ml, err := decodeJSON[entity.ModuleLink](rec.Value)
		if err != nil {
			return nil, err
		}
		if ml.ModuleKey == moduleKey {
			out = append(out, ml)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
