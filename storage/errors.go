package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when no record exists at an address.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned by CreateIfAbsent when the address is taken.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrTransport wraps failures talking to the backing store.
	ErrTransport = errors.New("storage transport")

	// ErrConflict is returned when a compare-and-swap update keeps losing races.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrSkipWrite may be returned by an UpdateFunc to leave the record as is.
	ErrSkipWrite = errors.New("skip write")
)
