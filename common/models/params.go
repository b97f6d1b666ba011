package models

import "encoding/json"

// OutputMode controls how an llm operation's raw text is post-processed.
type OutputMode string

const (
	OutputModeText OutputMode = "text"
	OutputModeJSON OutputMode = "json"
)

// RetryReason is an error class eligible for retry when declared.
type RetryReason string

const (
	RetryTimeout       RetryReason = "timeout"
	RetryProviderError RetryReason = "provider_error"
	RetryRateLimit     RetryReason = "rate_limit"
)

// ValidRetryReason reports whether r is a known retry reason
func ValidRetryReason(r RetryReason) bool {
	switch r {
	case RetryTimeout, RetryProviderError, RetryRateLimit:
		return true
	}
	return false
}

// RetryPolicy bounds the llm executor's attempt loop.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	BackoffMs   int           `json:"backoffMs"`
	RetryOn     []RetryReason `json:"retryOn"`
}

// Allows reports whether the policy permits retrying the given reason
func (p *RetryPolicy) Allows(r RetryReason) bool {
	if p == nil {
		return false
	}
	for _, have := range p.RetryOn {
		if have == r {
			return true
		}
	}
	return false
}

// Samplers holds numeric sampling settings. Nil fields are omitted from the
// provider request; non-finite values are dropped during validation.
type Samplers struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxTokens        *int     `json:"maxTokens,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
}

// OperationParams is the kind-specific payload of an operation.
// One concrete type per kind; the runner dispatches with an exhaustive
// switch on the operation's kind.
type OperationParams interface {
	OutputSpec() *Output
}

// LLMParams configures an llm-kind operation.
type LLMParams struct {
	ProviderID             string          `json:"providerId"`
	CredentialRef          string          `json:"credentialRef"`
	Model                  string          `json:"model,omitempty"`
	System                 string          `json:"system,omitempty"`
	Prompt                 string          `json:"prompt"`
	StrictVariables        bool            `json:"strictVariables,omitempty"`
	OutputMode             OutputMode      `json:"outputMode,omitempty"`
	Samplers               *Samplers       `json:"samplers,omitempty"`
	TimeoutMs              int             `json:"timeoutMs,omitempty"`
	Retry                  *RetryPolicy    `json:"retry,omitempty"`
	StrictSchemaValidation bool            `json:"strictSchemaValidation,omitempty"`
	JSONSchema             json.RawMessage `json:"jsonSchema,omitempty"`
	Output                 *Output         `json:"output,omitempty"`
}

func (p *LLMParams) OutputSpec() *Output { return p.Output }

// TemplateParams configures a template-kind operation.
type TemplateParams struct {
	Template        string  `json:"template"`
	StrictVariables bool    `json:"strictVariables,omitempty"`
	Output          *Output `json:"output,omitempty"`
}

func (p *TemplateParams) OutputSpec() *Output { return p.Output }

// GenericParams covers the kinds whose internals are delegated to registered
// executors (rag, tool, compute, transform, legacy). The envelope contract
// (hooks, triggers, dependsOn, output) still applies; Raw is passed through.
type GenericParams struct {
	Raw    json.RawMessage `json:"-"`
	Output *Output         `json:"output,omitempty"`
}

func (p *GenericParams) OutputSpec() *Output { return p.Output }
