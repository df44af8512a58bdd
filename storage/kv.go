package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/c360studio/unit09/address"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the KV bucket holding registry records.
const DefaultBucket = "UNIT09_REGISTRY"

// maxCASAttempts bounds the read-modify-write loop in Update.
const maxCASAttempts = 8

// KVBackend stores records in a single NATS KV bucket keyed by the address
// string. Creation uses kv.Create and updates use revision-checked kv.Update.
type KVBackend struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// KVOption configures a KVBackend.
type KVOption func(*KVBackend)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) KVOption {
	return func(b *KVBackend) {
		if l != nil {
			b.logger = l
		}
	}
}

// OpenKV opens or creates bucket and returns a backend over it. Bucket
// bootstrap is retried because JetStream may still be starting.
func OpenKV(ctx context.Context, js jetstream.JetStream, bucket string, opts ...KVOption) (*KVBackend, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	var kv jetstream.KeyValue
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		kv, err = getOrCreateBucket(ctx, js, bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w: %w", bucket, ErrTransport, err)
	}
	return NewKVBackend(kv, opts...), nil
}

// NewKVBackend wraps an existing bucket.
func NewKVBackend(kv jetstream.KeyValue, opts ...KVOption) *KVBackend {
	b := &KVBackend{kv: kv, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("unit09 %s storage", strings.ToLower(name)),
		History:     5,
	})
}

// Get implements Backend.
func (b *KVBackend) Get(ctx context.Context, addr address.Address) (Record, bool, error) {
	key := addr.String()
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return Record{}, false, nil
		}
		return Record{}, false, transportErr("get", key, err)
	}
	return Record{Address: addr, Value: entry.Value(), Revision: entry.Revision()}, true, nil
}

// CreateIfAbsent implements Backend.
func (b *KVBackend) CreateIfAbsent(ctx context.Context, addr address.Address, value []byte) (Record, error) {
	key := addr.String()
	rev, err := b.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return Record{}, ErrAlreadyExists
		}
		return Record{}, transportErr("create", key, err)
	}
	return Record{Address: addr, Value: value, Revision: rev}, nil
}

// Update implements Backend as a compare-and-swap loop on the entry revision.
func (b *KVBackend) Update(ctx context.Context, addr address.Address, fn UpdateFunc) (Record, bool, error) {
	key := addr.String()
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		entry, err := b.kv.Get(ctx, key)
		if err != nil {
			if isNotFound(err) {
				return Record{}, false, nil
			}
			return Record{}, false, transportErr("get", key, err)
		}

		next, err := fn(entry.Value())
		if errors.Is(err, ErrSkipWrite) {
			return Record{Address: addr, Value: entry.Value(), Revision: entry.Revision()}, true, nil
		}
		if err != nil {
			return Record{}, true, err
		}

		rev, err := b.kv.Update(ctx, key, next, entry.Revision())
		if err == nil {
			return Record{Address: addr, Value: next, Revision: rev}, true, nil
		}
		if !isWrongSequence(err) {
			return Record{}, true, transportErr("update", key, err)
		}
		b.logger.Debug("KV update lost race, retrying", "key", key, "attempt", attempt)
	}
	return Record{}, true, fmt.Errorf("update %s: %w", key, ErrConflict)
}

// ListByNamespace implements Backend. Records that vanish between listing
// keys and reading them are skipped.
func (b *KVBackend) ListByNamespace(ctx context.Context, ns address.Namespace) ([]Record, error) {
	keys, err := b.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, transportErr("list", string(ns), err)
	}

	prefix := string(ns) + "."
	var out []Record
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		addr, err := address.Parse(key)
		if err != nil {
			b.logger.Warn("Skipping malformed registry key", "key", key, "error", err)
			continue
		}
		entry, err := b.kv.Get(ctx, key)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, transportErr("get", key, err)
		}
		out = append(out, Record{Address: addr, Value: entry.Value(), Revision: entry.Revision()})
	}
	return out, nil
}

func transportErr(op, key string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, key, ErrTransport, err)
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// isWrongSequence reports a revision mismatch on kv.Update.
func isWrongSequence(err error) bool {
	var jsErr jetstream.JetStreamError
	if errors.As(err, &jsErr) {
		if apiErr := jsErr.APIError(); apiErr != nil {
			return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
		}
	}
	return false
}
