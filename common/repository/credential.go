package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/parleyhq/parley/common/db"
)

// CredentialRepository resolves credential references to plaintext secrets.
// Encryption at rest is handled by the database layer; this repository only
// reads the decrypted view.
type CredentialRepository struct {
	db *db.DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(database *db.DB) *CredentialRepository {
	return &CredentialRepository{db: database}
}

// GetPlaintext resolves a credential reference. A missing credential is
// reported as found=false, never as an error.
func (r *CredentialRepository) GetPlaintext(ctx context.Context, ref string) (string, bool, error) {
	query := `
		SELECT secret
		FROM credential
		WHERE ref = $1
	`

	var secret string
	err := r.db.QueryRow(ctx, query, ref).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read credential: %w", err)
	}
	return secret, true, nil
}
