package entity

import (
	"fmt"
	"slices"
	"strings"
)

// Field limits shared by all entities.
const (
	MaxNameLen        = 64
	MaxURLLen         = 256
	MaxDescriptionLen = 512
	MaxTags           = 16
	MaxTagLen         = 32
	MaxNoteLen        = 256

	// Per-call observation caps.
	MaxLinesPerObservation = 10_000_000
	MaxFilesPerObservation = 100_000
)

var metadataSchemes = []string{"http://", "https://", "ipfs://", "ar://"}

var sourceSchemes = []string{"http://", "https://", "git://", "ssh://", "git@", "file://"}

// NormalizeTags lower-cases and trims every tag, drops empties and removes
// duplicates by simple membership while keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// HasAllTags reports whether every wanted tag is present in have.
// Both lists are expected to be normalized.
func HasAllTags(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

func validateName(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s: %w", field, ErrEmptyValue)
	}
	if len(v) > MaxNameLen {
		return fmt.Errorf("%s: %w (max %d)", field, ErrTooLong, MaxNameLen)
	}
	return nil
}

func validateMaxLen(field, v string, limit int) error {
	if len(v) > limit {
		return fmt.Errorf("%s: %w (max %d)", field, ErrTooLong, limit)
	}
	return nil
}

func validatePrefixed(field, v string, prefixes []string) error {
	if v == "" {
		return fmt.Errorf("%s: %w", field, ErrEmptyValue)
	}
	if len(v) > MaxURLLen {
		return fmt.Errorf("%s: %w (max %d)", field, ErrTooLong, MaxURLLen)
	}
	for _, p := range prefixes {
		if strings.HasPrefix(v, p) {
			return nil
		}
	}
	return fmt.Errorf("%s %q: %w", field, v, ErrInvalidURL)
}

// ValidateSourceURL checks a repository source location.
func ValidateSourceURL(v string) error {
	return validatePrefixed("url", v, sourceSchemes)
}

// ValidateMetadataURI checks an off-entity metadata reference.
func ValidateMetadataURI(v string) error {
	return validatePrefixed("metadata_uri", v, metadataSchemes)
}

// ValidateTags checks an already normalized tag list.
func ValidateTags(tags []string) error {
	if len(tags) > MaxTags {
		return fmt.Errorf("tags: %w (max %d)", ErrTooManyTags, MaxTags)
	}
	for _, t := range tags {
		if len(t) > MaxTagLen {
			return fmt.Errorf("tag %q: %w (max %d)", t, ErrTooLong, MaxTagLen)
		}
	}
	return nil
}
