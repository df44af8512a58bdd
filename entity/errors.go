package entity

import (
	"errors"
	"fmt"
)

// Validation errors. All of them wrap ErrValidation so callers can match the
// whole class with errors.Is.
var (
	// ErrValidation is the parent of every entity validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrEmptyValue is returned when a required string is empty.
	ErrEmptyValue = fmt.Errorf("%w: value is empty", ErrValidation)

	// ErrTooLong is returned when a string exceeds its length limit.
	ErrTooLong = fmt.Errorf("%w: value too long", ErrValidation)

	// ErrInvalidURL is returned when a URL or metadata reference has an unsupported scheme.
	ErrInvalidURL = fmt.Errorf("%w: unsupported url scheme", ErrValidation)

	// ErrTooManyTags is returned when a tag list exceeds MaxTags.
	ErrTooManyTags = fmt.Errorf("%w: too many tags", ErrValidation)

	// ErrInvalidEnum is returned for values outside a closed enumeration.
	ErrInvalidEnum = fmt.Errorf("%w: unknown enumeration value", ErrValidation)

	// ErrVersionRegression is returned when a version change would move backwards.
	ErrVersionRegression = fmt.Errorf("%w: version must not decrease", ErrValidation)

	// ErrZeroVersion is returned when a module version is 0.0.0.
	ErrZeroVersion = fmt.Errorf("%w: version 0.0.0 is not allowed", ErrValidation)

	// ErrForkShape is returned when a fork violates the root/parent/depth equivalence.
	ErrForkShape = fmt.Errorf("%w: fork root, parent and depth disagree", ErrValidation)

	// ErrVersionOverflow is returned when a version component cannot be incremented.
	ErrVersionOverflow = fmt.Errorf("%w: version component overflow", ErrValidation)

	// ErrCounterOverflow is returned when a counter would wrap around.
	ErrCounterOverflow = fmt.Errorf("%w: counter overflow", ErrValidation)

	// ErrObservationTooLarge is returned when an observation exceeds per-call caps.
	ErrObservationTooLarge = fmt.Errorf("%w: observation data too large", ErrValidation)
)
