package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/c360studio/unit09/address"
)

// MemoryBackend is an in-process Backend for tests and the single-shot CLI.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[address.Address]*memRecord
	seq     uint64
}

type memRecord struct {
	value    []byte
	revision uint64
	created  uint64
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[address.Address]*memRecord)}
}

// Get implements Backend.
func (m *MemoryBackend) Get(ctx context.Context, addr address.Address) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[addr]
	if !ok {
		return Record{}, false, nil
	}
	return r.toRecord(addr), true, nil
}

// CreateIfAbsent implements Backend.
func (m *MemoryBackend) CreateIfAbsent(ctx context.Context, addr address.Address, value []byte) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[addr]; ok {
		return Record{}, ErrAlreadyExists
	}
	m.seq++
	r := &memRecord{value: clone(value), revision: m.seq, created: m.seq}
	m.records[addr] = r
	return r.toRecord(addr), nil
}

// Update implements Backend. The whole read-modify-write runs under the lock.
func (m *MemoryBackend) Update(ctx context.Context, addr address.Address, fn UpdateFunc) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[addr]
	if !ok {
		return Record{}, false, nil
	}
	next, err := fn(clone(r.value))
	if errors.Is(err, ErrSkipWrite) {
		return r.toRecord(addr), true, nil
	}
	if err != nil {
		return Record{}, true, err
	}
	m.seq++
	r.value = clone(next)
	r.revision = m.seq
	return r.toRecord(addr), true, nil
}

// ListByNamespace implements Backend.
func (m *MemoryBackend) ListByNamespace(ctx context.Context, ns address.Namespace) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	type entry struct {
		rec     Record
		created uint64
	}
	var entries []entry
	for addr, r := range m.records {
		if addr.Namespace == ns {
			entries = append(entries, entry{rec: r.toRecord(addr), created: r.created})
		}
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].created < entries[j].created })
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out, nil
}

// Len returns the number of stored records.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (r *memRecord) toRecord(addr address.Address) Record {
	return Record{Address: addr, Value: clone(r.value), Revision: r.revision}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
