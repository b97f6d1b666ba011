package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/common/db"
	"github.com/parleyhq/parley/common/models"
)

// GenerationRepository handles database operations for generation records
type GenerationRepository struct {
	db *db.DB
}

// NewGenerationRepository creates a new generation repository
func NewGenerationRepository(database *db.DB) *GenerationRepository {
	return &GenerationRepository{db: database}
}

// Create inserts a new generation in status streaming and fills in the
// generated id and start time.
func (r *GenerationRepository) Create(ctx context.Context, gen *models.Generation) error {
	gen.ID = uuid.New()
	gen.Status = models.StatusStreaming
	gen.StartedAt = time.Now().UTC()

	query := `
		INSERT INTO generation (id, owner_id, chat_id, message_id, variant_id, provider_id, model, params_json, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		gen.ID,
		gen.OwnerID,
		gen.ChatID,
		gen.MessageID,
		gen.VariantID,
		gen.ProviderID,
		gen.Model,
		gen.ParamsJSON,
		gen.Status,
		gen.StartedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create generation: %w", err)
	}

	return nil
}

// Finish records a terminal status. Only the first terminal transition is
// honored: a generation that already left streaming is left untouched, so
// aborting a finished generation is a no-op.
func (r *GenerationRepository) Finish(ctx context.Context, id uuid.UUID, status models.GenerationStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish requires a terminal status, got %q", status)
	}

	query := `
		UPDATE generation
		SET status = $2, error = $3, finished_at = $4
		WHERE id = $1 AND status = $5
	`

	_, err := r.db.Exec(ctx, query, id, status, errMsg, time.Now().UTC(), models.StatusStreaming)
	if err != nil {
		return fmt.Errorf("failed to finish generation: %w", err)
	}

	return nil
}

// GetByID retrieves a generation by its ID
func (r *GenerationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	query := `
		SELECT id, owner_id, chat_id, message_id, variant_id, provider_id, model, params_json, status, started_at, finished_at, COALESCE(error, '')
		FROM generation
		WHERE id = $1
	`

	gen := &models.Generation{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&gen.ID,
		&gen.OwnerID,
		&gen.ChatID,
		&gen.MessageID,
		&gen.VariantID,
		&gen.ProviderID,
		&gen.Model,
		&gen.ParamsJSON,
		&gen.Status,
		&gen.StartedAt,
		&gen.FinishedAt,
		&gen.Error,
	)

	if err != nil {
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}

	return gen, nil
}

// ListByChat retrieves recent generations for a chat
func (r *GenerationRepository) ListByChat(ctx context.Context, chatID uuid.UUID, limit int) ([]*models.Generation, error) {
	query := `
		SELECT id, owner_id, chat_id, message_id, variant_id, provider_id, model, params_json, status, started_at, finished_at, COALESCE(error, '')
		FROM generation
		WHERE chat_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	var gens []*models.Generation
	for rows.Next() {
		gen := &models.Generation{}
		err := rows.Scan(
			&gen.ID,
			&gen.OwnerID,
			&gen.ChatID,
			&gen.MessageID,
			&gen.VariantID,
			&gen.ProviderID,
			&gen.Model,
			&gen.ParamsJSON,
			&gen.Status,
			&gen.StartedAt,
			&gen.FinishedAt,
			&gen.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		gens = append(gens, gen)
	}

	return gens, rows.Err()
}
