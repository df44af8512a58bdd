// Package ledger is the registry of repositories, modules and forks. It
// projects raw stored records into entity values, enforces creation and
// update rules, and keeps the global counters and lifecycle summaries.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/storage"
)

// Ledger is safe for concurrent use; all shared state lives in the backend.
type Ledger struct {
	store  storage.Backend
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) {
		if now != nil {
			lg.now = now
		}
	}
}

// New returns a Ledger over store.
func New(store storage.Backend, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var (
	configAddr          = address.Singleton(address.NamespaceConfig)
	metricsAddr         = address.Singleton(address.NamespaceMetrics)
	metadataAddr        = address.Singleton(address.NamespaceMetadata)
	globalLifecycleAddr = address.Singleton(address.NamespaceLifecycle)
)

// Initialize writes the config, counters and global lifecycle singletons if
// they do not exist yet. It is safe to call on every start.
func (l *Ledger) Initialize(ctx context.Context, cfg entity.LedgerConfig) error {
	now := l.now()
	cfg.UpdatedAt = now
	singletons := []struct {
		addr  address.Address
		value any
	}{
		{configAddr, cfg},
		{metricsAddr, entity.Counters{UpdatedAt: now}},
		{globalLifecycleAddr, entity.NewLifecycle(entity.GlobalSubject, now)},
	}
	for _, s := range singletons {
		data, err := json.Marshal(s.value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", s.addr.Namespace, err)
		}
		if _, err := l.store.CreateIfAbsent(ctx, s.addr, data); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("initialize %s: %w", s.addr.Namespace, err)
		}
	}
	l.logger.Debug("Registry initialized", "max_modules_per_repo", cfg.MaxModulesPerRepo)
	return nil
}

// Config returns the stored configuration, or the defaults before Initialize.
func (l *Ledger) Config(ctx context.Context) (entity.LedgerConfig, error) {
	rec, ok, err := l.store.Get(ctx, configAddr)
	if err != nil {
		return entity.LedgerConfig{}, fmt.Errorf("get config: %w", err)
	}
	if !ok {
		return entity.DefaultLedgerConfig(), nil
	}
	cfg, err := decodeConfig(rec.Value)
	if err != nil {
		return entity.LedgerConfig{}, err
	}
	return *cfg, nil
}

// SetConfig applies a partial configuration update. It is the only write
// accepted while the registry is inactive.
func (l *Ledger) SetConfig(ctx context.Context, u entity.LedgerConfigUpdate) (entity.LedgerConfig, error) {
	var out entity.LedgerConfig
	now := l.now()
	err := l.upsert(ctx, configAddr,
		func() any { return entity.DefaultLedgerConfig() },
		func(raw []byte) ([]byte, error) {
			cfg, err := decodeConfig(raw)
			if err != nil {
				return nil, err
			}
			changed := u.Apply(cfg, now)
			out = *cfg
			if !changed {
				return nil, storage.ErrSkipWrite
			}
			return json.Marshal(cfg)
		})
	if err != nil {
		return entity.LedgerConfig{}, fmt.Errorf("set config: %w", err)
	}
	l.logger.Info("Registry config updated", "is_active", out.IsActive, "max_modules_per_repo", out.MaxModulesPerRepo)
	return out, nil
}

// Metadata returns the deployment description and tags. Before the first
// SetMetadata it is the zero value.
func (l *Ledger) Metadata(ctx context.Context) (entity.GlobalMetadata, error) {
	rec, ok, err := l.store.Get(ctx, metadataAddr)
	if err != nil {
		return entity.GlobalMetadata{}, fmt.Errorf("get metadata: %w", err)
	}
	if !ok {
		return entity.GlobalMetadata{Tags: []string{}}, nil
	}
	md, err := decodeJSON[entity.GlobalMetadata](rec.Value)
	if err != nil {
		return entity.GlobalMetadata{}, err
	}
	return *md, nil
}

// SetMetadata applies a partial update to the deployment metadata and
// records the change as global activity.
func (l *Ledger) SetMetadata(ctx context.Context, u entity.GlobalMetadataUpdate) (entity.GlobalMetadata, error) {
	if _, err := l.checkActive(ctx); err != nil {
		return entity.GlobalMetadata{}, err
	}
	var out entity.GlobalMetadata
	var changed bool
	now := l.now()
	err := l.upsert(ctx, metadataAddr,
		func() any { return entity.GlobalMetadata{Tags: []string{}, UpdatedAt: now} },
		func(raw []byte) ([]byte, error) {
			md, err := decodeJSON[entity.GlobalMetadata](raw)
			if err != nil {
				return nil, err
			}
			changed, err = u.Apply(md, now)
			if err != nil {
				return nil, err
			}
			out = *md
			if !changed {
				return nil, storage.ErrSkipWrite
			}
			return json.Marshal(md)
		})
	if err != nil {
		return entity.GlobalMetadata{}, fmt.Errorf("set metadata: %w", err)
	}
	if changed {
		if _, err := l.ApplyLifecycle(ctx, entity.GlobalSubject, entity.LifecycleEvent{Kind: entity.EventActivity, At: now}); err != nil {
			l.logger.Warn("Failed to record lifecycle", "subject", entity.SubjectGlobal, "error", err)
		}
		l.logger.Info("Registry metadata updated", "tags", out.Tags)
	}
	return out, nil
}

// Metrics returns the global counters.
func (l *Ledger) Metrics(ctx context.Context) (entity.Counters, error) {
	rec, ok, err := l.store.Get(ctx, metricsAddr)
	if err != nil {
		return entity.Counters{}, fmt.Errorf("get metrics: %w", err)
	}
	if !ok {
		return entity.Counters{}, nil
	}
	c, err := decodeJSON[entity.Counters](rec.Value)
	if err != nil {
		return entity.Counters{}, err
	}
	return *c, nil
}

// Lifecycle returns the summary for subject.
func (l *Ledger) Lifecycle(ctx context.Context, subject entity.Subject) (*entity.Lifecycle, bool, error) {
	addr, err := lifecycleAddr(subject)
	if err != nil {
		return nil, false, err
	}
	rec, ok, err := l.store.Get(ctx, addr)
	if err != nil || !ok {
		return nil, false, err
	}
	lc, err := decodeJSON[entity.Lifecycle](rec.Value)
	if err != nil {
		return nil, false, err
	}
	return lc, true, nil
}

// ApplyLifecycle folds ev into subject's summary, creating it if needed.
func (l *Ledger) ApplyLifecycle(ctx context.Context, subject entity.Subject, ev entity.LifecycleEvent) (*entity.Lifecycle, error) {
	addr, err := lifecycleAddr(subject)
	if err != nil {
		return nil, err
	}
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	var out *entity.Lifecycle
	err = l.upsert(ctx, addr,
		func() any { return entity.NewLifecycle(subject, ev.At) },
		func(raw []byte) ([]byte, error) {
			lc, err := decodeJSON[entity.Lifecycle](raw)
			if err != nil {
				return nil, err
			}
			if err := lc.Apply(ev); err != nil {
				return nil, err
			}
			out = lc
			return json.Marshal(lc)
		})
	if err != nil {
		return nil, fmt.Errorf("apply lifecycle %s %s: %w", subject.Kind, ev.Kind, err)
	}
	return out, nil
}

func lifecycleAddr(s entity.Subject) (address.Address, error) {
	if s.Kind == entity.SubjectGlobal {
		return globalLifecycleAddr, nil
	}
	return address.Derive(address.NamespaceLifecycle, s.Key, string(s.Kind))
}

// checkActive rejects writes while the registry is switched off.
func (l *Ledger) checkActive(ctx context.Context) (entity.LedgerConfig, error) {
	cfg, err := l.Config(ctx)
	if err != nil {
		return cfg, err
	}
	if !cfg.IsActive {
		return cfg, ErrInactive
	}
	return cfg, nil
}

// upsert updates the record at addr, creating it from initial() first when
// absent. A concurrent creator simply makes the next Update succeed.
func (l *Ledger) upsert(ctx context.Context, addr address.Address, initial func() any, fn storage.UpdateFunc) error {
	for range 3 {
		_, ok, err := l.store.Update(ctx, addr, fn)
		if err != nil || ok {
			return err
		}
		data, err := json.Marshal(initial())
		if err != nil {
			return err
		}
		_, err = l.store.CreateIfAbsent(ctx, addr, data)
		if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
	}
	return fmt.Errorf("upsert %s: %w", addr, storage.ErrConflict)
}

// afterCreate bumps the global counter and starts the subject's lifecycle.
// The entity itself is already stored, so failures here are logged only.
func (l *Ledger) afterCreate(ctx context.Context, ev entity.CounterEvent, subject entity.Subject, at time.Time) {
	if err := l.bumpCounters(ctx, func(c *entity.Counters) error {
		return c.Increment(ev, at)
	}); err != nil {
		l.logger.Warn("Failed to update registry counters", "event", ev, "key", subject.Key, "error", err)
	}
	if _, err := l.ApplyLifecycle(ctx, subject, entity.LifecycleEvent{Kind: entity.EventCreated, At: at}); err != nil {
		l.logger.Warn("Failed to record lifecycle", "subject", subject.Kind, "key", subject.Key, "error", err)
	}
}

// archiveOnDeactivate archives subject's lifecycle when an update turned
// the entity inactive.
func (l *Ledger) archiveOnDeactivate(ctx context.Context, subject entity.Subject, was, is bool, at time.Time) {
	if !was || is {
		return
	}
	if _, err := l.ApplyLifecycle(ctx, subject, entity.LifecycleEvent{Kind: entity.EventArchived, At: at}); err != nil {
		l.logger.Warn("Failed to record lifecycle", "subject", subject.Kind, "key", subject.Key, "error", err)
	}
	l.logger.Info("Entity archived", "subject", subject.Kind, "key", subject.Key)
}

func (l *Ledger) bumpCounters(ctx context.Context, fn func(*entity.Counters) error) error {
	return l.upsert(ctx, metricsAddr,
		func() any { return entity.Counters{} },
		func(raw []byte) ([]byte, error) {
			c, err := decodeJSON[entity.Counters](raw)
			if err != nil {
				return nil, err
			}
			if err := fn(c); err != nil {
				return nil, err
			}
			return json.Marshal(c)
		})
}

// mutate loads the entity at addr, lets fn change it and writes it back.
// fn reports whether anything changed; unchanged entities are not rewritten.
func mutate[T any](ctx context.Context, store storage.Backend, addr address.Address,
	load func([]byte) (*T, error), fn func(*T) (bool, error)) (*T, error) {
	var out *T
	_, ok, err := store.Update(ctx, addr, func(raw []byte) ([]byte, error) {
		v, err := load(raw)
		if err != nil {
			return nil, err
		}
		changed, err := fn(v)
		if err != nil {
			return nil, err
		}
		out = v
		if !changed {
			return nil, storage.ErrSkipWrite
		}
		return json.Marshal(v)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return out, nil
}

// fetch reads and projects the entity at addr.
func fetch[T any](ctx context.Context, store storage.Backend, addr address.Address,
	load func([]byte) (*T, error)) (*T, bool, error) {
	rec, ok, err := store.Get(ctx, addr)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := load(rec.Value)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// create stores v at addr, failing with ErrAlreadyExists if the address is taken.
func create(ctx context.Context, store storage.Backend, addr address.Address, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = store.CreateIfAbsent(ctx, addr, data)
	return err
}
