package service

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/models"
	"github.com/parleyhq/parley/common/repository"
	"github.com/parleyhq/parley/common/validation"
)

// ProfileService manages stored operation profiles. Every write path runs
// the full validator before anything touches the database, so stored
// documents are always executable.
type ProfileService struct {
	repo      *repository.ProfileRepository
	validator *validation.Validator
	log       *logger.Logger
}

// NewProfileService creates a profile service
func NewProfileService(repo *repository.ProfileRepository, validator *validation.Validator, log *logger.Logger) *ProfileService {
	return &ProfileService{repo: repo, validator: validator, log: log}
}

// Create validates and stores a new profile document. A document without a
// profileId gets one assigned; the stored document always carries it.
func (s *ProfileService) Create(ctx context.Context, doc json.RawMessage) (uuid.UUID, *models.ValidatedProfile, error) {
	doc, id, err := ensureProfileID(doc)
	if err != nil {
		return uuid.Nil, nil, err
	}

	validated, err := s.validator.Validate(doc)
	if err != nil {
		return uuid.Nil, nil, err
	}

	if err := s.repo.Create(ctx, id, validated.OwnerID, doc); err != nil {
		return uuid.Nil, nil, err
	}
	s.log.Info("profile created", "profile_id", id, "operations", len(validated.Operations))
	return id, validated, nil
}

// Get returns the stored document and its version
func (s *ProfileService) Get(ctx context.Context, id uuid.UUID) (json.RawMessage, int, error) {
	return s.repo.GetDocument(ctx, id)
}

// Update replaces a profile document after validation and bumps its version
func (s *ProfileService) Update(ctx context.Context, id uuid.UUID, doc json.RawMessage) (int, error) {
	if _, err := s.validator.Validate(doc); err != nil {
		return 0, err
	}
	version, err := s.repo.Update(ctx, id, doc)
	if err != nil {
		return 0, err
	}
	s.log.Info("profile updated", "profile_id", id, "version", version)
	return version, nil
}

// Patch applies an RFC 6902 patch to the stored document, re-validates the
// result, and stores it as a new version. An invalid result leaves the
// stored document untouched.
func (s *ProfileService) Patch(ctx context.Context, id uuid.UUID, rawPatch json.RawMessage) (json.RawMessage, int, error) {
	doc, _, err := s.repo.GetDocument(ctx, id)
	if err != nil {
		return nil, 0, err
	}

	patch, err := jsonpatch.DecodePatch(rawPatch)
	if err != nil {
		return nil, 0, models.NewValidationError("invalid JSON patch").WithIssue("$", "%s", err.Error())
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, 0, models.NewValidationError("patch does not apply").WithIssue("$", "%s", err.Error())
	}

	if _, err := s.validator.Validate(patched); err != nil {
		return nil, 0, err
	}

	version, err := s.repo.Update(ctx, id, patched)
	if err != nil {
		return nil, 0, err
	}
	s.log.Info("profile patched", "profile_id", id, "version", version)
	return patched, version, nil
}

// Delete removes a profile. Deleting the active profile deactivates it.
func (s *ProfileService) Delete(ctx context.Context, id uuid.UUID) error {
	activeID, ok, err := s.repo.GetActiveProfileID(ctx)
	if err == nil && ok && activeID == id {
		if err := s.repo.SetActiveProfileID(ctx, nil); err != nil {
			return fmt.Errorf("deactivate before delete: %w", err)
		}
	}
	return s.repo.Delete(ctx, id)
}

// Activate makes a profile the active one, or clears activation when id is
// nil. The profile must exist and validate.
func (s *ProfileService) Activate(ctx context.Context, id *uuid.UUID) error {
	if id != nil {
		doc, _, err := s.repo.GetDocument(ctx, *id)
		if err != nil {
			return err
		}
		if _, err := s.validator.Validate(doc); err != nil {
			return err
		}
	}
	return s.repo.SetActiveProfileID(ctx, id)
}

// Active returns the currently active profile id
func (s *ProfileService) Active(ctx context.Context) (uuid.UUID, bool, error) {
	return s.repo.GetActiveProfileID(ctx)
}

// Import stores every profile of an export bundle. Any invalid profile
// fails the whole import before anything is written.
func (s *ProfileService) Import(ctx context.Context, raw json.RawMessage) ([]uuid.UUID, error) {
	blocks, err := validation.NormalizeBundle(raw)
	if err != nil {
		return nil, err
	}

	// validate-all-then-write: a bad block must not leave a partial import
	docs := make([]json.RawMessage, 0, len(blocks))
	ids := make([]uuid.UUID, 0, len(blocks))
	owners := make([]string, 0, len(blocks))
	for _, block := range blocks {
		doc, id, err := ensureProfileID(block)
		if err != nil {
			return nil, err
		}
		validated, err := s.validator.Validate(doc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		ids = append(ids, id)
		owners = append(owners, validated.OwnerID)
	}

	for i := range docs {
		if err := s.repo.Create(ctx, ids[i], owners[i], docs[i]); err != nil {
			return nil, fmt.Errorf("import profile %s: %w", ids[i], err)
		}
	}
	s.log.Info("profiles imported", "count", len(ids))
	return ids, nil
}

// ensureProfileID reads the document's profileId, assigning a fresh one
// when absent, and returns the (possibly rewritten) document.
func ensureProfileID(doc json.RawMessage) (json.RawMessage, uuid.UUID, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return nil, uuid.Nil, models.NewValidationError("profile document is not a JSON object").WithIssue("$", "%s", err.Error())
	}

	if raw, ok := obj["profileId"]; ok {
		var id uuid.UUID
		if err := json.Unmarshal(raw, &id); err == nil && id != uuid.Nil {
			return doc, id, nil
		}
	}

	id := uuid.New()
	encoded, _ := json.Marshal(id)
	obj["profileId"] = encoded
	rewritten, err := json.Marshal(obj)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return rewritten, id, nil
}
