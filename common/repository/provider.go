package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/parleyhq/parley/common/db"
	"github.com/parleyhq/parley/common/models"
)

// runtime rows are keyed by scope: an owner id, or "global" as fallback
const globalScope = "global"

// ProviderRepository reads runtime provider selection and provider
// configuration.
type ProviderRepository struct {
	db *db.DB
}

// NewProviderRepository creates a new provider repository
func NewProviderRepository(database *db.DB) *ProviderRepository {
	return &ProviderRepository{db: database}
}

// GetRuntime resolves the active provider/model for an owner, falling back
// to the global scope when the owner has no runtime row.
func (r *ProviderRepository) GetRuntime(ctx context.Context, ownerID string) (*models.RuntimeInfo, error) {
	query := `
		SELECT provider_id, COALESCE(model, ''), COALESCE(credential_ref, '')
		FROM runtime_setting
		WHERE scope = $1
	`

	info := &models.RuntimeInfo{}
	err := r.db.QueryRow(ctx, query, ownerID).Scan(&info.ProviderID, &info.Model, &info.CredentialRef)
	if errors.Is(err, pgx.ErrNoRows) {
		err = r.db.QueryRow(ctx, query, globalScope).Scan(&info.ProviderID, &info.Model, &info.CredentialRef)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no runtime configured: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve runtime: %w", err)
	}
	return info, nil
}

// GetConfig loads the persisted configuration of a provider
func (r *ProviderRepository) GetConfig(ctx context.Context, providerID string) (*models.ProviderConfig, error) {
	query := `
		SELECT provider_id, base_url, COALESCE(default_model, ''), COALESCE(api_flavor, 'openai')
		FROM provider_config
		WHERE provider_id = $1
	`

	cfg := &models.ProviderConfig{}
	err := r.db.QueryRow(ctx, query, providerID).Scan(&cfg.ProviderID, &cfg.BaseURL, &cfg.DefaultModel, &cfg.APIFlavor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("unknown provider %q: %w", providerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider config: %w", err)
	}
	return cfg, nil
}
