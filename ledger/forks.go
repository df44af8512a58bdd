package ledger

import (
	"context"
	"fmt"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/entity"
)

func forkAddr(key string) (address.Address, error) {
	return address.Derive(address.NamespaceFork, key)
}

// CreateForkParams describes a new fork. A nil ParentKey creates a root.
type CreateForkParams struct {
	entity.NewForkParams
	ParentKey *string
}

// CreateFork stores a new fork. The depth of a child is fixed here from the
// parent's stored depth. Creation is atomic: a fork key that already holds
// a record fails with ErrAlreadyExists and the stored record is untouched.
func (l *Ledger) CreateFork(ctx context.Context, p CreateForkParams) (*entity.Fork, error) {
	addr, err := forkAddr(p.Key)
	if err != nil {
		return nil, err
	}
	if _, err := l.checkActive(ctx); err != nil {
		return nil, err
	}

	now := l.now()
	var fork *entity.Fork
	if p.ParentKey == nil {
		fork, err = entity.NewRootFork(p.NewForkParams, now)
	} else {
		var parent *entity.Fork
		parent, err = l.requireFork(ctx, *p.ParentKey)
		if err != nil {
			return nil, fmt.Errorf("create fork %s: parent: %w", p.Key, err)
		}
		if !parent.IsActive {
			return nil, fmt.Errorf("create fork %s: %w", p.Key, ErrParentInactive)
		}
		fork, err = entity.NewChildFork(p.NewForkParams, parent, now)
	}
	if err != nil {
		return nil, err
	}

	if err := create(ctx, l.store, addr, fork); err != nil {
		return nil, fmt.Errorf("create fork %s: %w", p.Key, err)
	}

	l.logger.Info("Fork created", "fork_key", fork.Key, "depth", fork.Depth, "is_root", fork.IsRoot)
	l.afterCreate(ctx, entity.CountForkCreated, entity.Subject{Kind: entity.SubjectFork, Key: fork.Key}, now)
	return fork, nil
}

// GetFork returns the fork stored under key.
func (l *Ledger) GetFork(ctx context.Context, key string) (*entity.Fork, bool, error) {
	addr, err := forkAddr(key)
	if err != nil {
		return nil, false, err
	}
	fork, ok, err := fetch(ctx, l.store, addr, decodeFork)
	if err != nil {
		return nil, false, fmt.Errorf("get fork %s: %w", key, err)
	}
	return fork, ok, nil
}

func (l *Ledger) requireFork(ctx context.Context, key string) (*entity.Fork, error) {
	fork, ok, err := l.GetFork(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("fork %s: %w", key, ErrNotFound)
	}
	return fork, nil
}

// UpdateFork applies a partial update. Each set field is written and every
// unset field keeps its stored value.
func (l *Ledger) UpdateFork(ctx context.Context, key string, u entity.ForkUpdate) (*entity.Fork, error) {
	addr, err := forkAddr(key)
	if err != nil {
		return nil, err
	}
	if _, err := l.checkActive(ctx); err != nil {
		return nil, err
	}
	now := l.now()
	var wasActive bool
	fork, err := mutate(ctx, l.store, addr, decodeFork, func(f *entity.Fork) (bool, error) {
		wasActive = f.IsActive
		return u.Apply(f, now)
	})
	if err != nil {
		return nil, fmt.Errorf("update fork %s: %w", key, err)
	}
	l.archiveOnDeactivate(ctx, entity.Subject{Kind: entity.SubjectFork, Key: key}, wasActive, fork.IsActive, now)
	return fork, nil
}

// Lineage follows parent references from key up to its root and returns
// the chain root first.
func (l *Ledger) Lineage(ctx context.Context, key string) (entity.Lineage, error) {
	fork, err := l.requireFork(ctx, key)
	if err != nil {
		return entity.Lineage{}, err
	}

	seen := map[string]bool{fork.Key: true}
	var ancestors []*entity.Fork
	for cur := fork; cur.ParentKey != nil; {
		pk := *cur.ParentKey
		if seen[pk] {
			return entity.Lineage{}, fmt.Errorf("lineage %s at %s: %w", key, pk, ErrLineageCycle)
		}
		seen[pk] = true
		parent, err := l.requireFork(ctx, pk)
		if err != nil {
			return entity.Lineage{}, fmt.Errorf("lineage %s: %w", key, err)
		}
		ancestors = append(ancestors, parent)
		cur = parent
	}
	return entity.BuildLineage(fork, ancestors), nil
}
