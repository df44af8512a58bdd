// Package address derives deterministic storage locations for registry
// records from a namespace tag and a natural key.
package address

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidKey is returned when a natural key or address string is malformed.
var ErrInvalidKey = errors.New("invalid key")

// KeyLen is the byte length of a natural key.
const KeyLen = 32

// Namespace separates address spaces per record kind.
type Namespace string

const (
	NamespaceRepo          Namespace = "repo"
	NamespaceModule        Namespace = "module"
	NamespaceModuleVersion Namespace = "module_version"
	NamespaceModuleLink    Namespace = "module_link"
	NamespaceFork          Namespace = "fork"
	NamespaceConfig        Namespace = "config"
	NamespaceMetrics       Namespace = "metrics"
	NamespaceMetadata      Namespace = "metadata"
	NamespaceLifecycle     Namespace = "lifecycle"
	NamespaceJob           Namespace = "job"
)

// root anchors every namespace UUID; changing it re-addresses all records.
var root = uuid.MustParse("6f1d2c0e-9a4b-5e37-8c21-0b9e4d7a3f55")

// Address is a storage location: the namespace plus a name-based UUID.
type Address struct {
	Namespace Namespace
	ID        uuid.UUID
}

// String returns "<namespace>.<uuid>", which is also a valid NATS KV key.
func (a Address) String() string {
	return string(a.Namespace) + "." + a.ID.String()
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a.Namespace == "" && a.ID == uuid.Nil
}

// Derive maps a namespace and a natural key to an address. The key must be
// 64 hex characters (32 bytes). Qualifiers extend the name for composite
// records such as a module version or a per-subject lifecycle.
func Derive(ns Namespace, naturalKey string, qualifiers ...string) (Address, error) {
	if ns == "" {
		return Address{}, fmt.Errorf("empty namespace: %w", ErrInvalidKey)
	}
	raw, err := DecodeKey(naturalKey)
	if err != nil {
		return Address{}, err
	}
	name := make([]byte, 0, KeyLen+len(qualifiers)*16)
	name = append(name, raw...)
	for _, q := range qualifiers {
		name = append(name, 0)
		name = append(name, q...)
	}
	return Address{Namespace: ns, ID: uuid.NewSHA1(namespaceID(ns), name)}, nil
}

// MustDerive is Derive for keys already known to be valid.
func MustDerive(ns Namespace, naturalKey string, qualifiers ...string) Address {
	a, err := Derive(ns, naturalKey, qualifiers...)
	if err != nil {
		panic(err)
	}
	return a
}

// Singleton returns the address of the one record in a namespace, derived
// from the namespace tag alone.
func Singleton(ns Namespace) Address {
	return Address{Namespace: ns, ID: uuid.NewSHA1(namespaceID(ns), nil)}
}

// Parse reverses Address.String.
func Parse(s string) (Address, error) {
	ns, id, ok := strings.Cut(s, ".")
	if !ok || ns == "" {
		return Address{}, fmt.Errorf("address %q: %w", s, ErrInvalidKey)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return Address{}, fmt.Errorf("address %q: %w", s, ErrInvalidKey)
	}
	return Address{Namespace: Namespace(ns), ID: u}, nil
}

// DecodeKey validates and decodes a hex natural key. Only the lower-case
// form is accepted, so each key has exactly one spelling.
func DecodeKey(key string) ([]byte, error) {
	if len(key) != hex.EncodedLen(KeyLen) {
		return nil, fmt.Errorf("key %q: want %d hex characters: %w", key, hex.EncodedLen(KeyLen), ErrInvalidKey)
	}
	if strings.ContainsAny(key, "ABCDEF") {
		return nil, fmt.Errorf("key %q: hex must be lower-case: %w", key, ErrInvalidKey)
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", key, ErrInvalidKey)
	}
	return raw, nil
}

// ValidateKey reports whether key is a well-formed natural key.
func ValidateKey(key string) error {
	_, err := DecodeKey(key)
	return err
}

// KeyFromParts hashes arbitrary parts into a natural key. Used where the
// caller has a stable name (a path, a module name) rather than a key.
func KeyFromParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func namespaceID(ns Namespace) uuid.UUID {
	return uuid.NewSHA1(root, []byte(ns))
}
