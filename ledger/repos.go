package ledger

import (
	"context"
	"fmt"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/entity"
)

func repoAddr(key string) (address.Address, error) {
	return address.Derive(address.NamespaceRepo, key)
}

// RegisterRepo creates a repository. A second registration under the same
// key fails with ErrAlreadyExists.
func (l *Ledger) RegisterRepo(ctx context.Context, p entity.NewRepositoryParams) (*entity.Repository, error) {
	addr, err := repoAddr(p.Key)
	if err != nil {
		return nil, err
	}
	if _, err := l.checkActive(ctx); err != nil {
		return nil, err
	}
	now := l.now()
	repo, err := entity.NewRepository(p, now)
	if err != nil {
		return nil, err
	}
	if err := create(ctx, l.store, addr, repo); err != nil {
		return nil, fmt.Errorf("register repo %s: %w", p.Key, err)
	}

	l.logger.Info("Repository registered", "repo_key", repo.Key, "name", repo.Name)
	l.afterCreate(ctx, entity.CountRepoCreated, entity.Subject{Kind: entity.SubjectRepo, Key: repo.Key}, now)
	return repo, nil
}

// GetRepo returns the repository stored under key. A missing repository is
// reported through the bool, not as an error.
func (l *Ledger) GetRepo(ctx context.Context, key string) (*entity.Repository, bool, error) {
	addr, err := repoAddr(key)
	if err != nil {
		return nil, false, err
	}
	repo, ok, err := fetch(ctx, l.store, addr, decodeRepo)
	if err != nil {
		return nil, false, fmt.Errorf("get repo %s: %w", key, err)
	}
	return repo, ok, nil
}

// UpdateRepo applies a partial update. Unset fields keep their stored values.
func (l *Ledger) UpdateRepo(ctx context.Context, key string, u entity.RepositoryUpdate) (*entity.Repository, error) {
	addr, err := repoAddr(key)
	if err != nil {
		return nil, err
	}
	if _, err := l.checkActive(ctx); err != nil {
		return nil, err
	}
	now := l.now()
	var wasActive bool
	repo, err := mutate(ctx, l.store, addr, decodeRepo, func(r *entity.Repository) (bool, error) {
		wasActive = r.IsActive
		return u.Apply(r, now)
	})
	if err != nil {
		return nil, fmt.Errorf("update repo %s: %w", key, err)
	}
	l.archiveOnDeactivate(ctx, entity.Subject{Kind: entity.SubjectRepo, Key: key}, wasActive, repo.IsActive, now)
	return repo, nil
}

// RecordObservation adds one observation's totals to the repository and the
// global counters and marks the repository's lifecycle as observed.
func (l *Ledger) RecordObservation(ctx context.Context, repoKey string, linesOfCode, files uint64) (*entity.Repository, error) {
	addr, err := repoAddr(repoKey)
	if err != nil {
		return nil, err
	}
	if _, err := l.checkActive(ctx); err != nil {
		return nil, err
	}
	now := l.now()
	repo, err := mutate(ctx, l.store, addr, decodeRepo, func(r *entity.Repository) (bool, error) {
		if !r.IsActive {
			return false, ErrRepoInactive
		}
		if !r.AllowObservation {
			return false, ErrObservationNotAllowed
		}
		return true, r.RecordObservation(linesOfCode, files, now)
	})
	if err != nil {
		return nil, fmt.Errorf("record observation %s: %w", repoKey, err)
	}

	if err := l.bumpCounters(ctx, func(c *entity.Counters) error {
		return c.RecordObservation(linesOfCode, files, now)
	}); err != nil {
		l.logger.Warn("Failed to update registry counters", "repo_key", repoKey, "error", err)
	}
	subject := entity.Subject{Kind: entity.SubjectRepo, Key: repoKey}
	if _, err := l.ApplyLifecycle(ctx, subject, entity.LifecycleEvent{Kind: entity.EventObservationCompleted, At: now}); err != nil {
		l.logger.Warn("Failed to record lifecycle", "repo_key", repoKey, "error", err)
	}

	l.logger.Info("Observation recorded", "repo_key", repoKey, "lines_of_code", linesOfCode, "files", files)
	return repo, nil
}
