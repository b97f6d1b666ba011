package runner

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/cmd/chatd/gateway"
	"github.com/parleyhq/parley/cmd/chatd/llmop"
	"github.com/parleyhq/parley/common/cache"
	"github.com/parleyhq/parley/common/cancel"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/models"
	"github.com/parleyhq/parley/common/template"
)

// opStatus is the per-run outcome of one operation.
type opStatus int

const (
	opPending opStatus = iota
	opSucceeded
	opFailed
	opSkipped
)

// Request is the turn-level input a run executes against.
type Request struct {
	UserMessage string
	History     []gateway.Message
	Vars        map[string]any
}

// opResult is one operation's outcome before commit.
type opResult struct {
	op        *models.ValidatedOperation
	value     string
	err       error
	skipped   bool
	fromCache bool
}

// runState accumulates effects as operations commit. It is only touched
// from the run goroutine; concurrent phases hand results back before commit.
type runState struct {
	status         map[string]opStatus
	artifacts      map[string]string
	injections     []injection
	canonUser      string
	canonAssistant string
}

// Runner executes one generation: before-phase operations, the main
// completion, then after-phase operations. Events stream out on the channel
// returned by Run; the channel closes after the run_finished event.
type Runner struct {
	executor    *llmop.Executor
	templates   *template.Engine
	cache       cache.Cache
	generics    map[models.OperationKind]GenericExecutor
	artifactTTL time.Duration
	buffer      int
	log         *logger.Logger
}

// NewRunner creates a runner. cacheStore may be nil, which disables
// session-scoped artifact reuse.
func NewRunner(executor *llmop.Executor, templates *template.Engine, cacheStore cache.Cache, artifactTTL time.Duration, buffer int, log *logger.Logger) *Runner {
	if buffer <= 0 {
		buffer = 64
	}
	return &Runner{
		executor:    executor,
		templates:   templates,
		cache:       cacheStore,
		generics:    make(map[models.OperationKind]GenericExecutor),
		artifactTTL: artifactTTL,
		buffer:      buffer,
		log:         log,
	}
}

// Run starts the run and returns its event stream. The stream always ends
// with a run_finished event carrying the terminal status, the channel is
// closed after it.
func (r *Runner) Run(tok *cancel.Token, rc *models.RunContext, req *Request) <-chan models.RunEvent {
	events := make(chan models.RunEvent, r.buffer)
	go r.run(tok, rc, req, events)
	return events
}

func (r *Runner) run(tok *cancel.Token, rc *models.RunContext, req *Request, events chan<- models.RunEvent) {
	defer close(events)
	log := r.log.WithGenerationID(rc.GenerationID.String())

	vars := make(map[string]any, len(req.Vars)+3)
	for k, v := range req.Vars {
		vars[k] = v
	}
	vars["message"] = req.UserMessage
	vars["trigger"] = string(rc.Trigger)
	vars["artifacts"] = map[string]any{}

	state := &runState{
		status:    make(map[string]opStatus),
		artifacts: make(map[string]string),
	}

	var active []*models.ValidatedOperation
	var artifacts *cache.ArtifactCache
	mode := models.ModeSequential
	if snap := rc.ProfileSnapshot; snap != nil {
		active = r.activeOps(snap, rc.Trigger, vars, state, log)
		mode = snap.ExecutionMode
		if rc.SessionKey != "" && r.cache != nil {
			artifacts = cache.NewArtifactCache(r.cache, rc.SessionKey, r.artifactTTL)
		}
	}

	before, after := splitByHook(active)

	if err := r.phase(tok, mode, before, state, vars, artifacts, events, log); err != nil {
		r.finish(events, tok, err, "")
		return
	}

	text, err := r.mainCompletion(tok, rc, req, state, events)
	if err != nil {
		if tok.Canceled() || errors.Is(err, cancel.ErrAborted) {
			events <- models.RunEvent{Type: models.RunEventRunFinished, Status: models.StatusAborted}
			return
		}
		events <- models.RunEvent{Type: models.RunEventMainError, Message: err.Error()}
		events <- models.RunEvent{Type: models.RunEventRunFinished, Status: models.StatusError, Message: err.Error()}
		return
	}
	vars["response"] = text

	if err := r.phase(tok, mode, after, state, vars, artifacts, events, log); err != nil {
		r.finish(events, tok, err, "")
		return
	}

	final := text
	if state.canonAssistant != "" {
		final = state.canonAssistant
	}
	events <- models.RunEvent{Type: models.RunEventRunFinished, Status: models.StatusDone, Content: final}
}

// finish emits the terminal event for a failed or aborted run
func (r *Runner) finish(events chan<- models.RunEvent, tok *cancel.Token, err error, content string) {
	if tok.Canceled() || errors.Is(err, cancel.ErrAborted) {
		events <- models.RunEvent{Type: models.RunEventRunFinished, Status: models.StatusAborted, Content: content}
		return
	}
	events <- models.RunEvent{Type: models.RunEventRunFinished, Status: models.StatusError, Message: err.Error(), Content: content}
}

// activeOps filters the snapshot to the operations this turn activates.
// Disabled operations, trigger mismatches, and false conditions are silent
// skips; they never fail the run even when the operation is required.
func (r *Runner) activeOps(snap *models.ProfileSnapshot, trigger models.Trigger, vars map[string]any, state *runState, log *logger.Logger) []*models.ValidatedOperation {
	var active []*models.ValidatedOperation
	for i := range snap.Operations {
		op := &snap.Operations[i]
		if !op.Enabled || !op.HasTrigger(trigger) {
			state.status[op.OpID] = opSkipped
			continue
		}
		if op.Condition != nil && !r.evalCondition(op, trigger, vars, log) {
			state.status[op.OpID] = opSkipped
			continue
		}
		active = append(active, op)
	}
	return active
}

// evalCondition evaluates an operation's condition. Evaluation errors and
// non-boolean results deactivate the operation rather than failing the run.
func (r *Runner) evalCondition(op *models.ValidatedOperation, trigger models.Trigger, vars map[string]any, log *logger.Logger) bool {
	out, _, err := op.Condition.Eval(map[string]any{
		"trigger": string(trigger),
		"vars":    vars,
	})
	if err != nil {
		log.Warn("condition evaluation failed, skipping operation", "op_id", op.OpID, "error", err)
		return false
	}
	active, ok := out.Value().(bool)
	if !ok {
		log.Warn("condition did not evaluate to a boolean, skipping operation", "op_id", op.OpID)
		return false
	}
	return active
}

func splitByHook(ops []*models.ValidatedOperation) (before, after []*models.ValidatedOperation) {
	for _, op := range ops {
		if op.HasHook(models.HookBeforeMainLLM) {
			before = append(before, op)
		}
		if op.HasHook(models.HookAfterMainLLM) {
			after = append(after, op)
		}
	}
	return before, after
}

// phase executes one hook phase in the profile's execution mode. Both modes
// commit results in the order computed by commitOrder, so artifact and
// event ordering does not depend on scheduling.
func (r *Runner) phase(tok *cancel.Token, mode models.ExecutionMode, ops []*models.ValidatedOperation, state *runState, vars map[string]any, artifacts *cache.ArtifactCache, events chan<- models.RunEvent, log *logger.Logger) error {
	if len(ops) == 0 {
		return nil
	}
	ordered := commitOrder(ops)

	if mode == models.ModeConcurrent {
		return r.phaseConcurrent(tok, ordered, state, vars, artifacts, events, log)
	}

	for _, op := range ordered {
		if tok.Canceled() {
			return tok.Cause()
		}
		events <- models.RunEvent{Type: models.RunEventOpStarted, OpID: op.OpID}
		res := r.executeOp(tok, op, func(dep string) opStatus { return state.status[dep] }, vars, artifacts)
		if err := r.commit(tok, res, state, vars, artifacts, events, log); err != nil {
			return err
		}
	}
	return nil
}

// phaseConcurrent runs the phase's operations as goroutines gated on their
// in-phase dependencies. Operations read a vars snapshot taken at phase
// start; effects become visible to later phases at commit.
func (r *Runner) phaseConcurrent(tok *cancel.Token, ordered []*models.ValidatedOperation, state *runState, vars map[string]any, artifacts *cache.ArtifactCache, events chan<- models.RunEvent, log *logger.Logger) error {
	snapshot := make(map[string]any, len(vars))
	for k, v := range vars {
		snapshot[k] = v
	}

	done := make(map[string]chan struct{}, len(ordered))
	for _, op := range ordered {
		done[op.OpID] = make(chan struct{})
		events <- models.RunEvent{Type: models.RunEventOpStarted, OpID: op.OpID}
	}

	var mu sync.Mutex
	results := make(map[string]opResult, len(ordered))

	statusOf := func(dep string) opStatus {
		mu.Lock()
		defer mu.Unlock()
		if res, ok := results[dep]; ok {
			switch {
			case res.err != nil:
				return opFailed
			case res.skipped:
				return opSkipped
			default:
				return opSucceeded
			}
		}
		return state.status[dep]
	}

	var wg sync.WaitGroup
	for _, op := range ordered {
		wg.Add(1)
		go func(op *models.ValidatedOperation) {
			defer wg.Done()
			defer close(done[op.OpID])

			for _, dep := range op.DependsOn {
				ch, inPhase := done[dep]
				if !inPhase {
					continue
				}
				select {
				case <-ch:
				case <-tok.Done():
					mu.Lock()
					results[op.OpID] = opResult{op: op, err: tok.Cause()}
					mu.Unlock()
					return
				}
			}

			res := r.executeOp(tok, op, statusOf, snapshot, artifacts)
			mu.Lock()
			results[op.OpID] = res
			mu.Unlock()
		}(op)
	}
	wg.Wait()

	for _, op := range ordered {
		res, ok := results[op.OpID]
		if !ok {
			res = opResult{op: op, skipped: true}
		}
		if err := r.commit(tok, res, state, vars, artifacts, events, log); err != nil {
			return err
		}
	}
	if tok.Canceled() {
		return tok.Cause()
	}
	return nil
}

// executeOp gates on dependencies, consults the artifact cache, and invokes
// the operation's kind handler.
func (r *Runner) executeOp(tok *cancel.Token, op *models.ValidatedOperation, statusOf func(string) opStatus, vars map[string]any, artifacts *cache.ArtifactCache) opResult {
	for _, dep := range op.DependsOn {
		switch statusOf(dep) {
		case opFailed:
			return opResult{op: op, err: fmt.Errorf("dependency %q failed", dep)}
		case opSucceeded:
		default:
			// A skipped or never-activated dependency deactivates the
			// dependent, same as a false condition.
			return opResult{op: op, skipped: true}
		}
	}

	if tag, persisted := persistedArtifactTag(op); persisted && artifacts != nil {
		if value, ok, err := artifacts.Get(tok.Context(), tag); err == nil && ok {
			return opResult{op: op, value: value, fromCache: true}
		}
	}

	value, err := r.invoke(tok, op, vars)
	return opResult{op: op, value: value, err: err}
}

// invoke dispatches on operation kind
func (r *Runner) invoke(tok *cancel.Token, op *models.ValidatedOperation, vars map[string]any) (string, error) {
	switch op.Kind {
	case models.KindLLM:
		params, ok := op.Params.(*models.LLMParams)
		if !ok {
			return "", models.NewCodedError(models.CodeLLMInvalidParams, "operation %q has no llm params", op.OpID)
		}
		text, dbg, err := r.executor.Execute(tok, &llmop.Call{Params: params, Schema: op.Schema, Vars: vars})
		r.log.Debug("llm call served", "op_id", op.OpID, "model", dbg.Model, "attempts", dbg.Attempts, "elapsed", dbg.Elapsed)
		return text, err

	case models.KindTemplate:
		params, ok := op.Params.(*models.TemplateParams)
		if !ok {
			return "", fmt.Errorf("operation %q has no template params", op.OpID)
		}
		out, err := r.templates.Render(params.Template, vars, params.StrictVariables)
		if err != nil {
			return "", models.WrapCoded(models.CodeLLMTemplate, err, "template render failed")
		}
		return out, nil

	default:
		exec, ok := r.generics[op.Kind]
		if !ok {
			return "", fmt.Errorf("no executor registered for kind %q", op.Kind)
		}
		var raw []byte
		if generic, ok := op.Params.(*models.GenericParams); ok {
			raw = generic.Raw
		}
		return exec.Run(tok.Context(), op, raw, vars)
	}
}

// commit records one result into run state and emits its events. Returns a
// non-nil error only when the run must stop: abort, or a required operation
// that failed.
func (r *Runner) commit(tok *cancel.Token, res opResult, state *runState, vars map[string]any, artifacts *cache.ArtifactCache, events chan<- models.RunEvent, log *logger.Logger) error {
	op := res.op

	if res.err != nil {
		if tok.Canceled() {
			return tok.Cause()
		}
		state.status[op.OpID] = opFailed
		log.Error("operation failed", "op_id", op.OpID, "kind", string(op.Kind), "error", res.err)
		events <- models.RunEvent{Type: models.RunEventOpFinished, OpID: op.OpID, Message: res.err.Error()}
		if op.Required {
			return fmt.Errorf("required operation %q failed: %w", op.OpID, res.err)
		}
		return nil
	}

	if res.skipped {
		state.status[op.OpID] = opSkipped
		return nil
	}

	state.status[op.OpID] = opSucceeded
	if out := op.Params.OutputSpec(); out != nil {
		r.applyOutput(tok, op, out, res, state, vars, artifacts, log)
	}
	events <- models.RunEvent{Type: models.RunEventOpFinished, OpID: op.OpID, Content: res.value}
	return nil
}

func (r *Runner) applyOutput(tok *cancel.Token, op *models.ValidatedOperation, out *models.Output, res opResult, state *runState, vars map[string]any, artifacts *cache.ArtifactCache, log *logger.Logger) {
	switch out.Type {
	case models.OutputArtifacts:
		w := out.WriteArtifact
		if w == nil {
			return
		}
		state.artifacts[w.Tag] = res.value
		if m, ok := vars["artifacts"].(map[string]any); ok {
			m[w.Tag] = res.value
		}
		if artifacts != nil && w.Persistence == models.PersistencePersisted && !res.fromCache {
			if err := artifacts.Put(tok.Context(), w.Tag, res.value); err != nil {
				log.Warn("artifact cache write failed", "op_id", op.OpID, "tag", w.Tag, "error", err)
			}
		}

	case models.OutputPromptTime:
		state.injections = append(state.injections, injection{spec: out.PromptTime, value: res.value})

	case models.OutputTurnCanonicalization:
		c := out.Canonicalization
		if c == nil {
			return
		}
		if c.Target == models.TargetUser {
			state.canonUser = res.value
		} else {
			state.canonAssistant = res.value
		}
	}
}

// mainCompletion streams the main assistant reply, folding in before-phase
// prompt_time injections and any canonicalized user turn.
func (r *Runner) mainCompletion(tok *cancel.Token, rc *models.RunContext, req *Request, state *runState, events chan<- models.RunEvent) (string, error) {
	userMessage := req.UserMessage
	if state.canonUser != "" {
		userMessage = state.canonUser
	}
	system, history, content := assembleMain(userMessage, tailHistory(req.History, rc.HistoryLimit), state.injections)

	params := &models.LLMParams{
		ProviderID:    rc.RuntimeInfo.ProviderID,
		CredentialRef: rc.RuntimeInfo.CredentialRef,
		Model:         rc.RuntimeInfo.Model,
		System:        system,
		Prompt:        content,
		OutputMode:    models.OutputModeText,
	}

	text, dbg, err := r.executor.Execute(tok, &llmop.Call{
		Params:  params,
		History: history,
		Literal: true,
		Sink: func(delta string) {
			events <- models.RunEvent{Type: models.RunEventContentDelta, Content: delta}
		},
	})
	r.log.WithGenerationID(rc.GenerationID.String()).Debug("main completion served",
		"model", dbg.Model, "attempts", dbg.Attempts, "elapsed", dbg.Elapsed)
	return text, err
}

// persistedArtifactTag returns the operation's artifact tag when it writes
// a persisted artifact.
func persistedArtifactTag(op *models.ValidatedOperation) (string, bool) {
	out := op.Params.OutputSpec()
	if out == nil || out.Type != models.OutputArtifacts || out.WriteArtifact == nil {
		return "", false
	}
	if out.WriteArtifact.Persistence != models.PersistencePersisted {
		return "", false
	}
	return out.WriteArtifact.Tag, true
}
