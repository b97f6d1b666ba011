package llmop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/parleyhq/parley/cmd/chatd/gateway"
	"github.com/parleyhq/parley/common/cancel"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/models"
	"github.com/parleyhq/parley/common/repository"
	"github.com/parleyhq/parley/common/template"
)

const defaultTimeout = 60 * time.Second

// ProviderStore resolves provider configuration.
type ProviderStore interface {
	GetConfig(ctx context.Context, providerID string) (*models.ProviderConfig, error)
}

// CredentialStore resolves credential references to plaintext secrets.
type CredentialStore interface {
	GetPlaintext(ctx context.Context, ref string) (string, bool, error)
}

// Call is one LLM invocation: validated params plus the run-scoped inputs
// the executor cannot derive itself. Sink, when set, receives content deltas
// as they stream; the main completion wires it to the client stream.
type Call struct {
	Params  *models.LLMParams
	Schema  *jsonschema.Schema
	Vars    map[string]any
	History []gateway.Message
	Sink    func(delta string)

	// Literal marks System and Prompt as already-assembled text that must
	// not go through the template engine. The main completion uses this:
	// user input is not a template.
	Literal bool
}

// CallDebug summarizes how one call was served: the provider and model that
// answered it, how many attempts it took, and how long it ran. Returned
// alongside the text so callers can log or surface it.
type CallDebug struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Executor runs LLM calls: template rendering, credential resolution, the
// bounded retry loop, and output post-processing. One executor serves all
// operations; per-call state lives in Call.
type Executor struct {
	providers    ProviderStore
	credentials  CredentialStore
	templates    *template.Engine
	dial         gateway.Factory
	defaultModel string
	log          *logger.Logger
}

// NewExecutor creates an executor
func NewExecutor(providers ProviderStore, credentials CredentialStore, templates *template.Engine, dial gateway.Factory, defaultModel string, log *logger.Logger) *Executor {
	return &Executor{
		providers:    providers,
		credentials:  credentials,
		templates:    templates,
		dial:         dial,
		defaultModel: defaultModel,
		log:          log,
	}
}

// Execute runs one LLM call to completion. The returned string is the final
// text, canonicalized when outputMode is json; the debug summary is always
// populated, success or not. Errors carry an LLM_* code, except aborts,
// which surface as the cancellation cause.
func (e *Executor) Execute(tok *cancel.Token, call *Call) (text string, debug *CallDebug, err error) {
	start := time.Now()
	debug = &CallDebug{}
	defer func() { debug.Elapsed = time.Since(start) }()

	params := call.Params
	if params == nil {
		return "", debug, models.NewCodedError(models.CodeLLMInvalidParams, "missing llm params")
	}
	debug.Provider = params.ProviderID

	system, prompt := params.System, params.Prompt
	if !call.Literal {
		system, err = e.render(params.System, call.Vars, params.StrictVariables)
		if err != nil {
			return "", debug, err
		}
		prompt, err = e.render(params.Prompt, call.Vars, params.StrictVariables)
		if err != nil {
			return "", debug, err
		}
	}

	cfg, err := e.providers.GetConfig(tok.Context(), params.ProviderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", debug, models.NewCodedError(models.CodeLLMInvalidParams, "unknown provider %q", params.ProviderID)
		}
		return "", debug, models.WrapCoded(models.CodeLLMProviderError, err, "provider lookup failed")
	}

	secret, found, err := e.credentials.GetPlaintext(tok.Context(), params.CredentialRef)
	if err != nil {
		return "", debug, models.WrapCoded(models.CodeLLMProviderError, err, "credential lookup failed")
	}
	if !found {
		return "", debug, models.NewCodedError(models.CodeLLMTokenNotFound, "credential %q not found", params.CredentialRef)
	}

	req := &gateway.Request{
		Model:    e.effectiveModel(params, cfg),
		System:   system,
		Samplers: params.Samplers,
		JSONMode: params.OutputMode == models.OutputModeJSON,
	}
	req.Messages = append(req.Messages, call.History...)
	req.Messages = append(req.Messages, gateway.Message{Role: "user", Content: prompt})
	debug.Model = req.Model

	gw := e.dial(cfg, secret)

	timeout := defaultTimeout
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	maxAttempts := 1
	backoff := time.Duration(0)
	if params.Retry != nil {
		maxAttempts = params.Retry.MaxAttempts
		backoff = time.Duration(params.Retry.BackoffMs) * time.Millisecond
	}

	forwarded := false
	for attempt := 1; ; attempt++ {
		debug.Attempts = attempt
		child, release := tok.Child(timeout)
		text, err = e.attempt(child, gw, req, call.Sink, &forwarded)
		timedOut := child.TimedOut()
		release()

		if err == nil {
			break
		}
		if tok.Canceled() {
			return "", debug, tok.Cause()
		}

		code := classify(err)
		if timedOut {
			code = models.CodeLLMTimeout
		}
		coded := models.WrapCoded(code, err, "attempt %d failed", attempt)

		if !e.shouldRetry(params.Retry, code, attempt, maxAttempts, forwarded) {
			return "", debug, coded
		}

		e.log.Warn("retrying llm call", "attempt", attempt, "code", string(code), "backoff", backoff)
		if err := tok.Sleep(backoff); err != nil {
			return "", debug, err
		}
	}

	if params.OutputMode == models.OutputModeJSON {
		text, err = e.parseJSON(text, call.Schema)
		return text, debug, err
	}
	return text, debug, nil
}

// attempt runs one streaming call and accumulates the full text
func (e *Executor) attempt(tok *cancel.Token, gw gateway.Gateway, req *gateway.Request, sink func(string), forwarded *bool) (string, error) {
	events, err := gw.Stream(tok.Context(), req)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for ev := range events {
		if ev.Err != nil {
			return b.String(), ev.Err
		}
		if ev.Delta == "" {
			continue
		}
		b.WriteString(ev.Delta)
		if sink != nil {
			*forwarded = true
			sink(ev.Delta)
		}
	}
	return b.String(), nil
}

// shouldRetry decides whether one more attempt is allowed. Once deltas have
// been forwarded to a live sink a retry would duplicate visible text, so
// streamed calls stop retrying after first output.
func (e *Executor) shouldRetry(policy *models.RetryPolicy, code models.ErrorCode, attempt, maxAttempts int, forwarded bool) bool {
	if attempt >= maxAttempts || forwarded {
		return false
	}
	reason, transient := models.RetryReasonFor(code)
	if !transient {
		return false
	}
	return policy.Allows(reason)
}

// parseJSON validates json-mode output and returns its canonical encoding.
// Parse failures are terminal regardless of retry policy.
func (e *Executor) parseJSON(text string, schema *jsonschema.Schema) (string, error) {
	trimmed := strings.TrimSpace(text)
	if !gjson.Valid(trimmed) {
		return "", models.NewCodedError(models.CodeLLMOutputParse, "output is not valid JSON")
	}

	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return "", models.WrapCoded(models.CodeLLMOutputParse, err, "output is not valid JSON")
	}
	if schema != nil {
		if err := schema.Validate(value); err != nil {
			return "", models.WrapCoded(models.CodeLLMOutputParse, err, "output does not match declared schema")
		}
	}

	canonical, err := json.Marshal(value)
	if err != nil {
		return "", models.WrapCoded(models.CodeLLMOutputParse, err, "output could not be re-encoded")
	}
	return string(canonical), nil
}

// render runs a template body through the engine, mapping failures to the
// template error code. Empty bodies pass through untouched.
func (e *Executor) render(body string, vars map[string]any, strict bool) (string, error) {
	if body == "" {
		return "", nil
	}
	out, err := e.templates.Render(body, vars, strict)
	if err != nil {
		return "", models.WrapCoded(models.CodeLLMTemplate, err, "template render failed")
	}
	return out, nil
}

// effectiveModel picks the model: explicit param, then provider default,
// then the service-wide default.
func (e *Executor) effectiveModel(params *models.LLMParams, cfg *models.ProviderConfig) string {
	if params.Model != "" {
		return params.Model
	}
	if cfg != nil && cfg.DefaultModel != "" {
		return cfg.DefaultModel
	}
	return e.defaultModel
}
