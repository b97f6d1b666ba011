package gateway

import (
	"context"

	"github.com/parleyhq/parley/common/models"
)

// Message is one turn of the conversation sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single streaming completion call. The caller has already
// resolved the model, rendered the prompt, and decided the output mode.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Samplers *models.Samplers
	JSONMode bool
}

// Event is one unit of streamed provider output. Exactly one of Delta or
// Err is set per event; Done marks the final event of the stream.
type Event struct {
	Delta string
	Err   error
	Done  bool
}

// Gateway streams one completion. Implementations must close the returned
// channel after the Done event and must honor ctx cancellation.
type Gateway interface {
	Stream(ctx context.Context, req *Request) (<-chan Event, error)
}

// Factory builds a gateway for a provider configuration and credential.
// The executor calls it once per operation so per-operation providerId and
// credentialRef take effect.
type Factory func(cfg *models.ProviderConfig, apiKey string) Gateway
