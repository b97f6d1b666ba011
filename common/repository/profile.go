package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parleyhq/parley/common/db"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ProfileRepository stores operation profile documents. The raw document is
// kept as JSON; validation happens before save and again on load so runs
// always execute a validated snapshot.
type ProfileRepository struct {
	db *db.DB
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(database *db.DB) *ProfileRepository {
	return &ProfileRepository{db: database}
}

// Create inserts a profile document at version 1
func (r *ProfileRepository) Create(ctx context.Context, profileID uuid.UUID, ownerID string, doc json.RawMessage) error {
	query := `
		INSERT INTO operation_profile (profile_id, owner_id, version, document, updated_at)
		VALUES ($1, $2, 1, $3, now())
	`

	if _, err := r.db.Exec(ctx, query, profileID, ownerID, doc); err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// GetDocument returns the stored document and its current version
func (r *ProfileRepository) GetDocument(ctx context.Context, profileID uuid.UUID) (json.RawMessage, int, error) {
	query := `
		SELECT document, version
		FROM operation_profile
		WHERE profile_id = $1
	`

	var doc json.RawMessage
	var version int
	err := r.db.QueryRow(ctx, query, profileID).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get profile: %w", err)
	}
	return doc, version, nil
}

// Update replaces the document and bumps the version. The version bump
// changes every derived session key, invalidating profile-scoped caches.
func (r *ProfileRepository) Update(ctx context.Context, profileID uuid.UUID, doc json.RawMessage) (int, error) {
	query := `
		UPDATE operation_profile
		SET document = $2, version = version + 1, updated_at = now()
		WHERE profile_id = $1
		RETURNING version
	`

	var version int
	err := r.db.QueryRow(ctx, query, profileID, doc).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update profile: %w", err)
	}
	return version, nil
}

// Delete removes a profile
func (r *ProfileRepository) Delete(ctx context.Context, profileID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM operation_profile WHERE profile_id = $1`, profileID); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return nil
}

// GetActiveProfileID returns the globally active profile id, if any
func (r *ProfileRepository) GetActiveProfileID(ctx context.Context) (uuid.UUID, bool, error) {
	query := `
		SELECT profile_id
		FROM profile_activation
		WHERE slot = 'global'
	`

	var id uuid.UUID
	err := r.db.QueryRow(ctx, query).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to get active profile: %w", err)
	}
	return id, true, nil
}

// SetActiveProfileID records the globally active profile, or clears it when
// profileID is nil.
func (r *ProfileRepository) SetActiveProfileID(ctx context.Context, profileID *uuid.UUID) error {
	if profileID == nil {
		if _, err := r.db.Exec(ctx, `DELETE FROM profile_activation WHERE slot = 'global'`); err != nil {
			return fmt.Errorf("failed to clear active profile: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO profile_activation (slot, profile_id)
		VALUES ('global', $1)
		ON CONFLICT (slot) DO UPDATE SET profile_id = EXCLUDED.profile_id
	`
	if _, err := r.db.Exec(ctx, query, *profileID); err != nil {
		return fmt.Errorf("failed to set active profile: %w", err)
	}
	return nil
}
