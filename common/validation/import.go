package validation

import (
	"encoding/json"

	"github.com/parleyhq/parley/common/models"
)

// Profile exports come in two shapes: a v2 bundle carrying multiple profile
// blocks, and the legacy v1 export wrapping a single profile. Both normalize
// into the same list of raw profile documents before the validation pipeline
// runs; there is exactly one code path downstream of bundle detection.

const bundleFormatV2 = "parley.profiles.v2"

type bundleEnvelope struct {
	Format   string            `json:"format,omitempty"`
	Profiles []json.RawMessage `json:"profiles,omitempty"`
	Profile  json.RawMessage   `json:"profile,omitempty"`
}

// ValidateBundle detects the bundle kind, normalizes it into individual
// profile documents and validates each one. Any failing profile fails the
// whole import.
func (v *Validator) ValidateBundle(raw []byte) ([]*models.ValidatedProfile, error) {
	blocks, err := NormalizeBundle(raw)
	if err != nil {
		return nil, err
	}

	validated := make([]*models.ValidatedProfile, 0, len(blocks))
	for _, block := range blocks {
		profile, err := v.Validate(block)
		if err != nil {
			return nil, err
		}
		validated = append(validated, profile)
	}
	return validated, nil
}

// NormalizeBundle resolves v2 bundles, v1 exports and bare profile
// documents into a flat list of profile documents. Import storage uses the
// same blocks the validator sees.
func NormalizeBundle(raw []byte) ([]json.RawMessage, error) {
	var envelope bundleEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, models.NewValidationError("import document is not valid JSON").
			WithIssue("$", "%s", err.Error())
	}

	switch {
	case envelope.Profiles != nil:
		if envelope.Format != bundleFormatV2 {
			return nil, models.NewValidationError("unknown bundle format %q", envelope.Format)
		}
		if len(envelope.Profiles) == 0 {
			return nil, models.NewValidationError("bundle contains no profiles")
		}
		return envelope.Profiles, nil

	case envelope.Profile != nil:
		// legacy v1 single-profile export
		return []json.RawMessage{envelope.Profile}, nil

	default:
		// bare profile document
		return []json.RawMessage{raw}, nil
	}
}
