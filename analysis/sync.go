package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/ledger"
	"github.com/c360studio/unit09/stage"
)

// Linker is implemented by registries that can mark a module's primary
// repository. SyncLedger uses it when available.
type Linker interface {
	LinkModule(ctx context.Context, moduleKey, repoKey string, isPrimary bool, notes string) (*entity.ModuleLink, error)
}

// SyncLedger registers every module not yet in the registry. Existing
// modules are left untouched; modules refused by the per-repository limit
// are reported as skipped. A dry run only classifies.
func (a *Analyzer) SyncLedger(ctx context.Context, src stage.Source, mods []stage.ModuleCandidate, dryRun bool) (*stage.SyncResult, error) {
	res := &stage.SyncResult{Registered: []string{}, Existing: []string{}, Skipped: []string{}, DryRun: dryRun}
	linker, _ := a.registry.(Linker)

	for _, m := range mods {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if dryRun {
			_, ok, err := a.registry.GetModule(ctx, m.Key)
			if err != nil {
				return nil, fmt.Errorf("lookup module %s: %w", m.Name, err)
			}
			if ok {
				res.Existing = append(res.Existing, m.Key)
			} else {
				res.Registered = append(res.Registered, m.Key)
			}
			continue
		}

		_, err := a.registry.RegisterModule(ctx, entity.NewModuleParams{
			Key:         m.Key,
			RepoKey:     src.RepoKey,
			Name:        m.Name,
			Kind:        m.Kind,
			Description: fmt.Sprintf("%s module at %s (%d lines)", m.Language, m.Path, m.Lines),
			Tags:        []string{m.Language},
			Version:     InitialVersion,
		})
		switch {
		case err == nil:
			res.Registered = append(res.Registered, m.Key)
			if linker != nil {
				if _, err := linker.LinkModule(ctx, m.Key, src.RepoKey, true, "path "+m.Path); err != nil {
					a.logger.Warn("Failed to link module", "module_key", m.Key, "repo_key", src.RepoKey, "error", err)
				}
			}
		case errors.Is(err, ledger.ErrAlreadyExists):
			res.Existing = append(res.Existing, m.Key)
		case errors.Is(err, ledger.ErrModuleLimit):
			res.Skipped = append(res.Skipped, m.Key)
		default:
			return nil, fmt.Errorf("register module %s: %w", m.Name, err)
		}
	}
	a.logger.Info("Registry sync finished", "repo_key", src.RepoKey, "registered", len(res.Registered),
		"existing", len(res.Existing), "skipped", len(res.Skipped), "dry_run", dryRun)
	return res, nil
}
