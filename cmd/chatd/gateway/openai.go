package gateway

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/common/models"
)

// OpenAIGateway streams completions from any OpenAI-compatible endpoint.
// Providers with a custom baseUrl (proxies, local runtimes) go through the
// same client with the URL overridden.
type OpenAIGateway struct {
	client *openai.Client
}

// NewOpenAI creates a gateway for the given provider config and API key.
func NewOpenAI(cfg *models.ProviderConfig, apiKey string) Gateway {
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg != nil && cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIGateway{client: openai.NewClientWithConfig(clientCfg)}
}

// Stream opens a streaming chat completion and pumps events until the
// provider closes the stream or ctx is canceled.
func (g *OpenAIGateway) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:  req.Model,
		Stream: true,
	}

	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	applySamplers(&chatReq, req.Samplers)

	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go pump(ctx, stream, events)
	return events, nil
}

// pump reads the provider stream and converts chunks to events
func pump(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- Event) {
	defer close(events)
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				events <- Event{Done: true}
				return
			}
			if ctx.Err() != nil {
				err = context.Cause(ctx)
			}
			events <- Event{Err: err, Done: true}
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		if delta := response.Choices[0].Delta.Content; delta != "" {
			select {
			case events <- Event{Delta: delta}:
			case <-ctx.Done():
				events <- Event{Err: context.Cause(ctx), Done: true}
				return
			}
		}
	}
}

// applySamplers copies validated sampler settings onto the provider request
func applySamplers(req *openai.ChatCompletionRequest, s *models.Samplers) {
	if s == nil {
		return
	}
	if s.Temperature != nil {
		req.Temperature = float32(*s.Temperature)
	}
	if s.TopP != nil {
		req.TopP = float32(*s.TopP)
	}
	if s.MaxTokens != nil {
		req.MaxTokens = *s.MaxTokens
	}
	if s.Seed != nil {
		req.Seed = s.Seed
	}
	if s.FrequencyPenalty != nil {
		req.FrequencyPenalty = float32(*s.FrequencyPenalty)
	}
	if s.PresencePenalty != nil {
		req.PresencePenalty = float32(*s.PresencePenalty)
	}
}
