package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/storage"
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Filter narrows a listing. Zero fields do not filter.
type Filter struct {
	// Tags must all be present on the entity.
	Tags []string
	// Search is a case-insensitive substring matched against name and URL
	// for repositories, name and description for modules, label for forks.
	Search string
	// Active, when set, keeps only entities with that active flag.
	Active *bool
	// RepoKey restricts modules to one repository.
	RepoKey string
	// ParentKey restricts forks to direct children of one fork.
	ParentKey string
	// Limit caps the page size; 0 means DefaultListLimit.
	Limit int
}

// Page is one page of a listing. Continuation is not supported, so
// NextCursor is always nil and only the first Limit matches are returned.
type Page[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"next_cursor"`
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

func (f Filter) matchCommon(tags []string, active bool, searchable ...string) bool {
	if f.Active != nil && *f.Active != active {
		return false
	}
	if len(f.Tags) > 0 && !entity.HasAllTags(tags, entity.NormalizeTags(f.Tags)) {
		return false
	}
	if f.Search == "" {
		return true
	}
	needle := strings.ToLower(f.Search)
	for _, s := range searchable {
		if strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// ListRepos lists repositories matching f.
func (l *Ledger) ListRepos(ctx context.Context, f Filter) (Page[*entity.Repository], error) {
	return list(ctx, l.store, address.NamespaceRepo, decodeRepo, f,
		func(r *entity.Repository) bool { return f.matchCommon(r.Tags, r.IsActive, r.Name, r.URL) },
		func(r *entity.Repository) (time.Time, string) { return r.CreatedAt, r.Key })
}

// ListModules lists modules matching f.
func (l *Ledger) ListModules(ctx context.Context, f Filter) (Page[*entity.Module], error) {
	return list(ctx, l.store, address.NamespaceModule, decodeModule, f,
		func(m *entity.Module) bool {
			if f.RepoKey != "" && m.RepoKey != f.RepoKey {
				return false
			}
			return f.matchCommon(m.Tags, m.IsActive, m.Name, m.Description)
		},
		func(m *entity.Module) (time.Time, string) { return m.CreatedAt, m.Key })
}

// ListForks lists forks matching f.
func (l *Ledger) ListForks(ctx context.Context, f Filter) (Page[*entity.Fork], error) {
	return list(ctx, l.store, address.NamespaceFork, decodeFork, f,
		func(fk *entity.Fork) bool {
			if f.ParentKey != "" && (fk.ParentKey == nil || *fk.ParentKey != f.ParentKey) {
				return false
			}
			return f.matchCommon(fk.Tags, fk.IsActive, fk.Label)
		},
		func(fk *entity.Fork) (time.Time, string) { return fk.CreatedAt, fk.Key })
}

// list enumerates ns, filters in memory and returns the first page in
// creation order.
func list[T any](ctx context.Context, store storage.Backend, ns address.Namespace,
	load func([]byte) (*T, error), f Filter, keep func(*T) bool,
	order func(*T) (time.Time, string)) (Page[*T], error) {
	recs, err := store.ListByNamespace(ctx, ns)
	if err != nil {
		return Page[*T]{}, fmt.Errorf("list %s: %w", ns, err)
	}

	items := make([]*T, 0, len(recs))
	for _, rec := range recs {
		v, err := load(rec.Value)
		if err != nil {
			return Page[*T]{}, fmt.Errorf("list %s: %w", ns, err)
		}
		if keep(v) {
			items = append(items, v)
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		ti, ki := order(items[i])
		tj, kj := order(items[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ki < kj
	})
	if n := f.limit(); len(items) > n {
		items = items[:n]
	}
	return Page[*T]{Items: items}, nil
}
