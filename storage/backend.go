// Package storage provides the key-value record store behind the registry
// and the durable job queue. Records are opaque JSON blobs keyed by address.
package storage

import (
	"context"

	"github.com/c360studio/unit09/address"
)

// Record is one stored value and the revision it was read at.
type Record struct {
	Address  address.Address
	Value    []byte
	Revision uint64
}

// UpdateFunc receives the current value and returns the replacement.
// Returning ErrSkipWrite aborts the update without error.
type UpdateFunc func(current []byte) ([]byte, error)

// Backend is the storage contract. CreateIfAbsent must be atomic: two
// concurrent creates at one address never both succeed.
type Backend interface {
	// Get returns the record at addr. A missing record is (Record{}, false, nil).
	Get(ctx context.Context, addr address.Address) (Record, bool, error)

	// CreateIfAbsent stores value at addr or fails with ErrAlreadyExists.
	CreateIfAbsent(ctx context.Context, addr address.Address, value []byte) (Record, error)

	// Update applies fn to the current value as a read-modify-write.
	// It reports false when no record exists at addr.
	Update(ctx context.Context, addr address.Address, fn UpdateFunc) (Record, bool, error)

	// ListByNamespace returns every record in ns. Order is backend-specific;
	// callers that need an order sort the decoded values.
	ListByNamespace(ctx context.Context, ns address.Namespace) ([]Record, error)
}
