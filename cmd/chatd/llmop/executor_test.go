package llmop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/cmd/chatd/gateway"
	"github.com/parleyhq/parley/common/cancel"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/models"
	"github.com/parleyhq/parley/common/repository"
	"github.com/parleyhq/parley/common/template"
)

type fakeProviders struct {
	cfg *models.ProviderConfig
}

func (f *fakeProviders) GetConfig(ctx context.Context, providerID string) (*models.ProviderConfig, error) {
	if f.cfg == nil || f.cfg.ProviderID != providerID {
		return nil, fmt.Errorf("unknown provider: %w", repository.ErrNotFound)
	}
	return f.cfg, nil
}

type fakeCredentials struct {
	secrets map[string]string
}

func (f *fakeCredentials) GetPlaintext(ctx context.Context, ref string) (string, bool, error) {
	secret, ok := f.secrets[ref]
	return secret, ok, nil
}

// scriptedGateway replays a per-attempt script. attempt 1 runs script[0].
type scriptedGateway struct {
	mu       sync.Mutex
	attempts int
	lastReq  *gateway.Request
	script   []func(ctx context.Context) []gateway.Event
	dialErr  []error
}

func (g *scriptedGateway) Stream(ctx context.Context, req *gateway.Request) (<-chan gateway.Event, error) {
	g.mu.Lock()
	attempt := g.attempts
	g.attempts++
	g.lastReq = req
	g.mu.Unlock()

	if attempt < len(g.dialErr) && g.dialErr[attempt] != nil {
		return nil, g.dialErr[attempt]
	}

	step := g.script[len(g.script)-1]
	if attempt < len(g.script) {
		step = g.script[attempt]
	}

	out := make(chan gateway.Event)
	go func() {
		defer close(out)
		for _, ev := range step(ctx) {
			out <- ev
		}
	}()
	return out, nil
}

func (g *scriptedGateway) attemptCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

func deltas(parts ...string) func(ctx context.Context) []gateway.Event {
	return func(ctx context.Context) []gateway.Event {
		evs := make([]gateway.Event, 0, len(parts)+1)
		for _, p := range parts {
			evs = append(evs, gateway.Event{Delta: p})
		}
		return append(evs, gateway.Event{Done: true})
	}
}

func failWith(err error) func(ctx context.Context) []gateway.Event {
	return func(ctx context.Context) []gateway.Event {
		return []gateway.Event{{Err: err, Done: true}}
	}
}

func blockUntilCancel() func(ctx context.Context) []gateway.Event {
	return func(ctx context.Context) []gateway.Event {
		<-ctx.Done()
		return []gateway.Event{{Err: context.Cause(ctx), Done: true}}
	}
}

func newTestExecutor(gw gateway.Gateway, creds map[string]string) *Executor {
	if creds == nil {
		creds = map[string]string{"cred-1": "sk-test"}
	}
	return NewExecutor(
		&fakeProviders{cfg: &models.ProviderConfig{ProviderID: "openai", DefaultModel: "gpt-test"}},
		&fakeCredentials{secrets: creds},
		template.NewEngine(),
		func(cfg *models.ProviderConfig, apiKey string) gateway.Gateway { return gw },
		"fallback-model",
		logger.New("error", "json"),
	)
}

func baseParams() *models.LLMParams {
	return &models.LLMParams{
		ProviderID:    "openai",
		CredentialRef: "cred-1",
		Prompt:        "Summarize: {{message}}",
	}
}

func TestExecute_Success(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{deltas("Hello", " world")}}
	exec := newTestExecutor(gw, nil)

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	out, dbg, err := exec.Execute(tok, &Call{
		Params: baseParams(),
		Vars:   map[string]any{"message": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", out)
	assert.Equal(t, 1, gw.attemptCount())

	// model falls back to the provider default, prompt is rendered
	assert.Equal(t, "gpt-test", gw.lastReq.Model)
	require.Len(t, gw.lastReq.Messages, 1)
	assert.Equal(t, "Summarize: hi", gw.lastReq.Messages[0].Content)

	// the call summary reflects what actually ran
	require.NotNil(t, dbg)
	assert.Equal(t, "openai", dbg.Provider)
	assert.Equal(t, "gpt-test", dbg.Model)
	assert.Equal(t, 1, dbg.Attempts)
	assert.Greater(t, dbg.Elapsed, time.Duration(0))
}

func TestExecute_RateLimitRetriesExactly(t *testing.T) {
	rateLimited := errors.New("429 rate limit exceeded")
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{
		failWith(rateLimited),
		failWith(rateLimited),
		deltas("recovered"),
	}}
	exec := newTestExecutor(gw, nil)

	params := baseParams()
	params.Retry = &models.RetryPolicy{
		MaxAttempts: 3,
		BackoffMs:   1,
		RetryOn:     []models.RetryReason{models.RetryRateLimit},
	}

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	out, dbg, err := exec.Execute(tok, &Call{Params: params, Vars: map[string]any{"message": "x"}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 3, gw.attemptCount())
	assert.Equal(t, 3, dbg.Attempts)
}

func TestExecute_RetryStopsAtMaxAttempts(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{
		failWith(errors.New("429 rate limit exceeded")),
	}}
	exec := newTestExecutor(gw, nil)

	params := baseParams()
	params.Retry = &models.RetryPolicy{
		MaxAttempts: 2,
		RetryOn:     []models.RetryReason{models.RetryRateLimit},
	}

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	_, _, err := exec.Execute(tok, &Call{Params: params, Vars: map[string]any{"message": "x"}})
	require.Error(t, err)
	assert.Equal(t, models.CodeLLMRateLimit, models.CodeOf(err))
	assert.Equal(t, 2, gw.attemptCount())
}

func TestExecute_ReasonNotDeclaredIsNotRetried(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{
		failWith(errors.New("upstream 500")),
	}}
	exec := newTestExecutor(gw, nil)

	params := baseParams()
	params.Retry = &models.RetryPolicy{
		MaxAttempts: 5,
		RetryOn:     []models.RetryReason{models.RetryTimeout},
	}

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	_, _, err := exec.Execute(tok, &Call{Params: params, Vars: map[string]any{"message": "x"}})
	require.Error(t, err)
	assert.Equal(t, models.CodeLLMProviderError, models.CodeOf(err))
	assert.Equal(t, 1, gw.attemptCount())
}

// Malformed json output is terminal regardless of the retry policy.
func TestExecute_ParseErrorNeverRetried(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{
		deltas("this is not json"),
	}}
	exec := newTestExecutor(gw, nil)

	params := baseParams()
	params.OutputMode = models.OutputModeJSON
	params.Retry = &models.RetryPolicy{
		MaxAttempts: 5,
		RetryOn: []models.RetryReason{
			models.RetryTimeout, models.RetryProviderError, models.RetryRateLimit,
		},
	}

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	_, _, err := exec.Execute(tok, &Call{Params: params, Vars: map[string]any{"message": "x"}})
	require.Error(t, err)
	assert.Equal(t, models.CodeLLMOutputParse, models.CodeOf(err))
	assert.Equal(t, 1, gw.attemptCount())
}

func TestExecute_JSONOutputCanonicalized(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{
		deltas("  {\"score\": 3}  "),
	}}
	exec := newTestExecutor(gw, nil)

	params := baseParams()
	params.OutputMode = models.OutputModeJSON

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	out, _, err := exec.Execute(tok, &Call{Params: params, Vars: map[string]any{"message": "x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"score": 3}`, out)
	assert.True(t, gw.lastReq.JSONMode)
}

func TestExecute_SchemaMismatchIsParseError(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{
		deltas(`{"score": "high"}`),
	}}
	exec := newTestExecutor(gw, nil)

	schema, err := jsonschema.CompileString("test.schema.json",
		`{"type": "object", "properties": {"score": {"type": "number"}}}`)
	require.NoError(t, err)

	params := baseParams()
	params.OutputMode = models.OutputModeJSON

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	_, _, err = exec.Execute(tok, &Call{Params: params, Schema: schema, Vars: map[string]any{"message": "x"}})
	require.Error(t, err)
	assert.Equal(t, models.CodeLLMOutputParse, models.CodeOf(err))
}

// A missing credential is terminal and must never reach the provider.
func TestExecute_MissingCredential(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{deltas("never")}}
	exec := newTestExecutor(gw, map[string]string{})

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	_, _, err := exec.Execute(tok, &Call{Params: baseParams(), Vars: map[string]any{"message": "x"}})
	require.Error(t, err)
	assert.Equal(t, models.CodeLLMTokenNotFound, models.CodeOf(err))
	assert.Equal(t, 0, gw.attemptCount())
}

func TestExecute_StrictVariablesRenderError(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{deltas("never")}}
	exec := newTestExecutor(gw, nil)

	params := baseParams()
	params.StrictVariables = true

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	_, _, err := exec.Execute(tok, &Call{Params: params, Vars: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, models.CodeLLMTemplate, models.CodeOf(err))
	assert.Equal(t, 0, gw.attemptCount())
}

func TestExecute_AttemptTimeout(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{blockUntilCancel()}}
	exec := newTestExecutor(gw, nil)

	params := baseParams()
	params.TimeoutMs = 20

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	_, _, err := exec.Execute(tok, &Call{Params: params, Vars: map[string]any{"message": "x"}})
	require.Error(t, err)
	assert.Equal(t, models.CodeLLMTimeout, models.CodeOf(err))
	assert.False(t, tok.Canceled(), "attempt timeout must not cancel the run token")
}

// An abort surfaces as the cancellation cause, not a coded llm error.
func TestExecute_AbortDuringStream(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{blockUntilCancel()}}
	exec := newTestExecutor(gw, nil)

	tok := cancel.NewRoot(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		tok.Abort()
	}()

	_, _, err := exec.Execute(tok, &Call{Params: baseParams(), Vars: map[string]any{"message": "x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, cancel.ErrAborted)
	assert.Equal(t, models.ErrorCode(""), models.CodeOf(err))
}

func TestExecute_AbortDuringBackoff(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{
		failWith(errors.New("429 rate limit exceeded")),
	}}
	exec := newTestExecutor(gw, nil)

	params := baseParams()
	params.Retry = &models.RetryPolicy{
		MaxAttempts: 3,
		BackoffMs:   30000,
		RetryOn:     []models.RetryReason{models.RetryRateLimit},
	}

	tok := cancel.NewRoot(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		tok.Abort()
	}()

	start := time.Now()
	_, _, err := exec.Execute(tok, &Call{Params: params, Vars: map[string]any{"message": "x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, cancel.ErrAborted)
	assert.Less(t, time.Since(start), 5*time.Second, "abort must interrupt backoff")
	assert.Equal(t, 1, gw.attemptCount())
}

// Once deltas have reached a live sink, a retry would duplicate visible
// output, so the attempt loop stops.
func TestExecute_NoRetryAfterForwardedOutput(t *testing.T) {
	streamThenFail := func(ctx context.Context) []gateway.Event {
		return []gateway.Event{
			{Delta: "partial"},
			{Err: errors.New("429 rate limit exceeded"), Done: true},
		}
	}
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{streamThenFail, deltas("full")}}
	exec := newTestExecutor(gw, nil)

	params := baseParams()
	params.Retry = &models.RetryPolicy{
		MaxAttempts: 3,
		RetryOn:     []models.RetryReason{models.RetryRateLimit},
	}

	var forwarded []string
	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	_, _, err := exec.Execute(tok, &Call{
		Params: params,
		Vars:   map[string]any{"message": "x"},
		Sink:   func(delta string) { forwarded = append(forwarded, delta) },
	})
	require.Error(t, err)
	assert.Equal(t, 1, gw.attemptCount())
	assert.Equal(t, []string{"partial"}, forwarded)
}

func TestExecute_UnknownProvider(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{deltas("never")}}
	exec := newTestExecutor(gw, nil)

	params := baseParams()
	params.ProviderID = "nonesuch"

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	_, _, err := exec.Execute(tok, &Call{Params: params, Vars: map[string]any{"message": "x"}})
	require.Error(t, err)
	assert.Equal(t, models.CodeLLMInvalidParams, models.CodeOf(err))
}

func TestExecute_ExplicitModelWins(t *testing.T) {
	gw := &scriptedGateway{script: []func(context.Context) []gateway.Event{deltas("ok")}}
	exec := newTestExecutor(gw, nil)

	params := baseParams()
	params.Model = "gpt-custom"

	tok := cancel.NewRoot(context.Background())
	defer tok.Abort()

	_, _, err := exec.Execute(tok, &Call{Params: params, Vars: map[string]any{"message": "x"}})
	require.NoError(t, err)
	assert.Equal(t, "gpt-custom", gw.lastReq.Model)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want models.ErrorCode
	}{
		{errors.New("rate limit exceeded"), models.CodeLLMRateLimit},
		{errors.New("got 429 from upstream"), models.CodeLLMRateLimit},
		{errors.New("context deadline exceeded"), models.CodeLLMTimeout},
		{errors.New("dial tcp: connection refused"), models.CodeLLMProviderError},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("classify(%q) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
