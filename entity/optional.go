package entity

import "encoding/json"

// Optional is a field-or-no-change wrapper used by partial updates.
// The zero value means "no change". Set(v) means "replace with v", even when
// v is the zero value of T, so an explicit clear is never confused with an
// omitted field.
type Optional[T any] struct {
	value T
	set   bool
}

// Set returns an Optional that replaces the stored value with v.
func Set[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// NoChange returns an Optional that leaves the stored value untouched.
func NoChange[T any]() Optional[T] {
	return Optional[T]{}
}

// IsSet reports whether the Optional carries a replacement value.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// Get returns the replacement value and whether one is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

// ApplyTo writes the replacement value into dst when one is present.
// It reports whether dst was written.
func (o Optional[T]) ApplyTo(dst *T) bool {
	if !o.set {
		return false
	}
	*dst = o.value
	return true
}

// MarshalJSON encodes a set value as itself. Update structs tag their
// Optional fields with omitzero so "no change" never reaches the encoder.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// UnmarshalJSON treats any present JSON value (including null) as a set value.
// Fields absent from the document are never visited and stay "no change".
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	var v T
	if string(data) != "null" {
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
	}
	o.value = v
	o.set = true
	return nil
}
