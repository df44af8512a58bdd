package entity

import "time"

// GlobalMetadata describes the deployment to explorers and dashboards.
type GlobalMetadata struct {
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks field limits.
func (m *GlobalMetadata) Validate() error {
	if err := validateMaxLen("description", m.Description, MaxDescriptionLen); err != nil {
		return err
	}
	return ValidateTags(m.Tags)
}

// GlobalMetadataUpdate is a partial update of GlobalMetadata.
type GlobalMetadataUpdate struct {
	Description Optional[string]   `json:"description,omitzero"`
	Tags        Optional[[]string] `json:"tags,omitzero"`
}

// Apply merges u into m, validating the result before writing it back.
func (u GlobalMetadataUpdate) Apply(m *GlobalMetadata, now time.Time) (bool, error) {
	if !u.Description.IsSet() && !u.Tags.IsSet() {
		return false, nil
	}
	next := *m
	u.Description.ApplyTo(&next.Description)
	if tags, ok := u.Tags.Get(); ok {
		next.Tags = NormalizeTags(tags)
	}
	if err := next.Validate(); err != nil {
		return false, err
	}
	next.UpdatedAt = now
	*m = next
	return true, nil
}
