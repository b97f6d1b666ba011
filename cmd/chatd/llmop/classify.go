package llmop

import (
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/common/models"
)

// classify maps a raw provider error to an error code. Structured API
// errors are classified by HTTP status; anything else falls back to a
// message heuristic so proxied providers without typed errors still get
// correct rate-limit handling.
func classify(err error) models.ErrorCode {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return models.CodeLLMRateLimit
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return models.CodeLLMTimeout
		}
		return models.CodeLLMProviderError
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") {
		return models.CodeLLMRateLimit
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return models.CodeLLMTimeout
	}
	return models.CodeLLMProviderError
}
