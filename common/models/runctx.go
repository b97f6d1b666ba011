package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RuntimeInfo is the resolved provider/model pair for one run, plus the
// credential the main completion call authenticates with.
type RuntimeInfo struct {
	ProviderID    string `json:"providerId"`
	Model         string `json:"model"`
	CredentialRef string `json:"credentialRef"`
}

// ProfileSnapshot is the validated profile captured at context-resolution
// time. Runs execute against the snapshot; concurrent profile edits only
// affect later runs.
type ProfileSnapshot struct {
	ProfileID     uuid.UUID
	Version       int
	ExecutionMode ExecutionMode
	SessionID     string
	Operations    []ValidatedOperation
}

// RunContext is the resolved, immutable parameter set for one generation.
// Owned by the single run that created it; never mutated after creation.
type RunContext struct {
	OwnerID         string
	RunID           uuid.UUID
	GenerationID    uuid.UUID
	Trigger         Trigger
	ChatID          uuid.UUID
	BranchID        uuid.UUID
	EntityProfileID uuid.UUID
	ProfileSnapshot *ProfileSnapshot
	RuntimeInfo     RuntimeInfo
	SessionKey      string
	HistoryLimit    int
	StartedAt       time.Time
}

// SessionKey derives the deterministic cache/idempotency key for a run with
// an active profile. Downstream artifact caching is scoped by this key;
// callers with no active profile get no key and no profile-scoped caching.
func SessionKey(ownerID string, chatID, branchID, profileID uuid.UUID, version int, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d:%s", ownerID, chatID, branchID, profileID, version, sessionID)
}
