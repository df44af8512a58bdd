package entity

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Version is a semantic version with non-negative components.
type Version struct {
	Major uint32 `json:"major" yaml:"major"`
	Minor uint32 `json:"minor" yaml:"minor"`
	Patch uint32 `json:"patch" yaml:"patch"`
}

// BumpKind selects which component a version bump increments.
type BumpKind string

const (
	BumpMajor BumpKind = "major"
	BumpMinor BumpKind = "minor"
	BumpPatch BumpKind = "patch"
)

// String returns the dotted form, e.g. "1.2.3".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsZero reports whether v is 0.0.0.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare orders versions lexicographically over (major, minor, patch).
// It returns -1, 0 or +1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpUint(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpUint(v.Minor, o.Minor)
	default:
		return cmpUint(v.Patch, o.Patch)
	}
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// Bump returns the next version for the given kind. Lower components reset
// to zero. A component already at its maximum is never wrapped.
func (v Version) Bump(kind BumpKind) (Version, error) {
	var cur uint32
	switch kind {
	case BumpMajor:
		cur = v.Major
	case BumpMinor:
		cur = v.Minor
	case BumpPatch:
		cur = v.Patch
	default:
		return v, fmt.Errorf("bump kind %q: %w", kind, ErrInvalidEnum)
	}
	if cur == math.MaxUint32 {
		return v, fmt.Errorf("bump %s of %s: %w", kind, v, ErrVersionOverflow)
	}
	switch kind {
	case BumpMajor:
		return Version{Major: v.Major + 1}, nil
	case BumpMinor:
		return Version{Major: v.Major, Minor: v.Minor + 1}, nil
	default:
		return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}, nil
	}
}

// ParseVersion parses "major.minor.patch". A leading "v" is accepted.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(s), "v"), ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q: %w", s, ErrValidation)
	}
	var nums [3]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("version %q: %w", s, ErrValidation)
		}
		nums[i] = uint32(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func cmpUint(a, b uint32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
