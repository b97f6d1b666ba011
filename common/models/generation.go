package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// GenerationStatus is the lifecycle state of one assistant-reply attempt.
// A generation is created streaming and transitions exactly once to a
// terminal state.
type GenerationStatus string

const (
	StatusStreaming GenerationStatus = "streaming"
	StatusDone      GenerationStatus = "done"
	StatusAborted   GenerationStatus = "aborted"
	StatusError     GenerationStatus = "error"
)

// Terminal reports whether s is a terminal status
func (s GenerationStatus) Terminal() bool {
	return s == StatusDone || s == StatusAborted || s == StatusError
}

// Generation is the persisted record tracking one assistant-reply attempt.
type Generation struct {
	ID         uuid.UUID        `json:"id"`
	OwnerID    string           `json:"ownerId"`
	ChatID     uuid.UUID        `json:"chatId"`
	MessageID  uuid.UUID        `json:"messageId"`
	VariantID  uuid.UUID        `json:"variantId"`
	ProviderID string           `json:"providerId"`
	Model      string           `json:"model"`
	ParamsJSON json.RawMessage  `json:"paramsJson,omitempty"`
	Status     GenerationStatus `json:"status"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// ProviderConfig is the persisted configuration of one provider.
type ProviderConfig struct {
	ProviderID   string `json:"providerId"`
	BaseURL      string `json:"baseUrl"`
	DefaultModel string `json:"defaultModel"`
	APIFlavor    string `json:"apiFlavor"`
}
