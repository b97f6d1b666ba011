package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleyhq/parley/common/models"
)

// artifact tags are lowercase identifiers, enforced at save time
var artifactTagPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const (
	maxRetryAttempts = 10
	maxBackoffMs     = 120000
)

// TemplateValidator compiles a template body, reporting compile errors.
// Satisfied by common/template.Engine.
type TemplateValidator interface {
	Validate(body string) error
}

// Validator turns a raw profile document into a ValidatedProfile or fails
// with a structured ValidationError identifying the most specific failing
// operation and field.
type Validator struct {
	templates TemplateValidator
	env       *cel.Env
}

// NewValidator creates a validator. Condition expressions are compiled in a
// CEL environment exposing the run trigger and the run variables.
func NewValidator(templates TemplateValidator) (*Validator, error) {
	env, err := cel.NewEnv(
		cel.Variable("trigger", cel.StringType),
		cel.Variable("vars", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &Validator{templates: templates, env: env}, nil
}

// Validate parses and validates a raw profile document.
func (v *Validator) Validate(raw []byte) (*models.ValidatedProfile, error) {
	var profile models.OperationProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, models.NewValidationError("profile document is not valid JSON").
			WithIssue("$", "%s", err.Error())
	}
	return v.ValidateProfile(&profile)
}

// ValidateProfile validates an already-decoded profile document.
func (v *Validator) ValidateProfile(profile *models.OperationProfile) (*models.ValidatedProfile, error) {
	if err := checkStructure(profile); err != nil {
		return nil, err
	}

	validated := &models.ValidatedProfile{
		ProfileID:     profile.ProfileID,
		OwnerID:       profile.OwnerID,
		Name:          profile.Name,
		Description:   profile.Description,
		Enabled:       profile.Enabled,
		ExecutionMode: profile.ExecutionMode,
		SessionID:     profile.SessionID,
		Version:       profile.Version,
		Meta:          profile.Meta,
	}

	// duplicate opId check before per-operation work so the error names
	// the offending id rather than a downstream symptom
	seen := make(map[string]bool, len(profile.Operations))
	for i := range profile.Operations {
		id := profile.Operations[i].OpID
		if seen[id] {
			return nil, models.NewValidationError("duplicate operation id %q", id)
		}
		seen[id] = true
	}

	for i := range profile.Operations {
		op, err := v.validateOperation(&profile.Operations[i])
		if err != nil {
			return nil, err
		}
		validated.Operations = append(validated.Operations, *op)
	}

	if err := checkDependencies(validated.Operations); err != nil {
		return nil, err
	}
	if err := detectCycles(validated.Operations); err != nil {
		return nil, err
	}
	if err := checkArtifactTags(validated.Operations); err != nil {
		return nil, err
	}

	return validated, nil
}

// checkStructure performs the schema-level pass over the whole document,
// collecting per-field issues before any normalization happens.
func checkStructure(profile *models.OperationProfile) error {
	issues := &models.ValidationError{Message: "profile failed schema validation"}

	if profile.Name == "" {
		issues.WithIssue("name", "name is required")
	}
	switch profile.ExecutionMode {
	case models.ModeConcurrent, models.ModeSequential:
	default:
		issues.WithIssue("executionMode", "must be %q or %q", models.ModeConcurrent, models.ModeSequential)
	}

	for i := range profile.Operations {
		op := &profile.Operations[i]
		path := fmt.Sprintf("operations[%d]", i)

		if op.OpID == "" {
			issues.WithIssue(path+".opId", "opId is required")
		}
		if op.Name == "" {
			issues.WithIssue(path+".name", "name is required")
		}
		if !models.ValidKind(op.Kind) {
			issues.WithIssue(path+".kind", "unknown operation kind %q", op.Kind)
		}
		if len(op.Config.Hooks) == 0 {
			issues.WithIssue(path+".config.hooks", "at least one hook is required")
		}
		for _, h := range op.Config.Hooks {
			if !models.ValidHook(h) {
				issues.WithIssue(path+".config.hooks", "unknown hook %q", h)
			}
		}
		for _, t := range op.Config.Triggers {
			if !models.ValidTrigger(t) {
				issues.WithIssue(path+".config.triggers", "unknown trigger %q", t)
			}
		}
	}

	if len(issues.Details) > 0 {
		return issues
	}
	return nil
}

// validateOperation normalizes one operation and runs its kind-specific
// content checks.
func (v *Validator) validateOperation(op *models.Operation) (*models.ValidatedOperation, error) {
	out := &models.ValidatedOperation{
		OpID:        op.OpID,
		Name:        op.Name,
		Description: op.Description,
		Kind:        op.Kind,
		Enabled:     op.Config.Enabled,
		Required:    op.Config.Required,
		Hooks:       normalizeHooks(op.Config.Hooks),
		Triggers:    normalizeTriggers(op.Config.Triggers),
		Order:       op.Config.Order,
		DependsOn:   dedupeStrings(op.Config.DependsOn),
	}

	if op.Config.Condition != "" {
		prg, err := v.compileCondition(op.Config.Condition)
		if err != nil {
			return nil, models.NewValidationError("operation %q: condition does not compile", op.OpID).
				WithIssue("config.condition", "%s", err.Error())
		}
		out.Condition = prg
	}

	params, err := v.decodeParams(op)
	if err != nil {
		return nil, err
	}
	out.Params = params

	if err := checkOutputHooks(op.OpID, params.OutputSpec(), out.Hooks); err != nil {
		return nil, err
	}

	if op.Kind == models.KindLLM {
		llm := params.(*models.LLMParams)
		if llm.StrictSchemaValidation {
			schema, err := jsonschema.CompileString(op.OpID+".schema.json", string(llm.JSONSchema))
			if err != nil {
				return nil, models.NewValidationError("operation %q: jsonSchema does not compile", op.OpID).
					WithIssue("config.params.jsonSchema", "%s", err.Error())
			}
			out.Schema = schema
		}
	}

	return out, nil
}

// decodeParams decodes the kind-specific payload, one variant per kind.
func (v *Validator) decodeParams(op *models.Operation) (models.OperationParams, error) {
	raw := op.Config.Params
	if raw == nil {
		raw = []byte(`{}`)
	}

	switch op.Kind {
	case models.KindTemplate:
		var params models.TemplateParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, models.NewValidationError("operation %q: malformed template params", op.OpID).
				WithIssue("config.params", "%s", err.Error())
		}
		if err := v.templates.Validate(params.Template); err != nil {
			return nil, models.NewValidationError("operation %q: template does not compile: %s", op.OpID, err.Error())
		}
		return &params, nil

	case models.KindLLM:
		return v.decodeLLMParams(op.OpID, raw)

	case models.KindRAG, models.KindTool, models.KindCompute, models.KindTransform, models.KindLegacy:
		var envelope struct {
			Output *models.Output `json:"output,omitempty"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, models.NewValidationError("operation %q: malformed params", op.OpID).
				WithIssue("config.params", "%s", err.Error())
		}
		return &models.GenericParams{Raw: raw, Output: envelope.Output}, nil

	default:
		return nil, models.NewValidationError("operation %q: unknown kind %q", op.OpID, op.Kind)
	}
}

func (v *Validator) decodeLLMParams(opID string, raw json.RawMessage) (models.OperationParams, error) {
	var params models.LLMParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, models.NewValidationError("operation %q: malformed llm params", opID).
			WithIssue("config.params", "%s", err.Error())
	}

	if params.ProviderID == "" {
		return nil, models.NewValidationError("operation %q: providerId is required", opID)
	}
	if params.CredentialRef == "" {
		return nil, models.NewValidationError("operation %q: credentialRef is required", opID)
	}
	if params.Prompt == "" {
		return nil, models.NewValidationError("operation %q: prompt is required", opID)
	}

	if params.OutputMode == "" {
		params.OutputMode = models.OutputModeText
	}
	if params.OutputMode != models.OutputModeText && params.OutputMode != models.OutputModeJSON {
		return nil, models.NewValidationError("operation %q: outputMode must be text or json", opID)
	}

	if err := v.templates.Validate(params.Prompt); err != nil {
		return nil, models.NewValidationError("operation %q: prompt does not compile: %s", opID, err.Error())
	}
	if params.System != "" {
		if err := v.templates.Validate(params.System); err != nil {
			return nil, models.NewValidationError("operation %q: system does not compile: %s", opID, err.Error())
		}
	}

	if params.Retry != nil {
		r := params.Retry
		if r.MaxAttempts < 1 || r.MaxAttempts > maxRetryAttempts {
			return nil, models.NewValidationError("operation %q: retry.maxAttempts must be 1..%d", opID, maxRetryAttempts)
		}
		if r.BackoffMs < 0 || r.BackoffMs > maxBackoffMs {
			return nil, models.NewValidationError("operation %q: retry.backoffMs must be 0..%d", opID, maxBackoffMs)
		}
		deduped := make([]models.RetryReason, 0, len(r.RetryOn))
		seen := make(map[models.RetryReason]bool, len(r.RetryOn))
		for _, reason := range r.RetryOn {
			if !models.ValidRetryReason(reason) {
				return nil, models.NewValidationError("operation %q: unknown retry reason %q", opID, reason)
			}
			if !seen[reason] {
				seen[reason] = true
				deduped = append(deduped, reason)
			}
		}
		r.RetryOn = deduped
	}

	if params.StrictSchemaValidation {
		if params.OutputMode != models.OutputModeJSON {
			return nil, models.NewValidationError("operation %q: strictSchemaValidation requires outputMode json", opID)
		}
		if len(params.JSONSchema) == 0 {
			return nil, models.NewValidationError("operation %q: strictSchemaValidation requires a jsonSchema", opID)
		}
	}

	params.Samplers = normalizeSamplers(params.Samplers)

	return &params, nil
}

// checkOutputHooks enforces effect/hook compatibility and the artifact tag
// shape for a single operation.
func checkOutputHooks(opID string, output *models.Output, hooks []models.Hook) error {
	if output == nil {
		return nil
	}

	hasBefore := false
	hasAfter := false
	for _, h := range hooks {
		switch h {
		case models.HookBeforeMainLLM:
			hasBefore = true
		case models.HookAfterMainLLM:
			hasAfter = true
		}
	}

	switch output.Type {
	case models.OutputArtifacts:
		if output.WriteArtifact == nil {
			return models.NewValidationError("operation %q: artifacts output requires writeArtifact", opID)
		}
		if !artifactTagPattern.MatchString(output.WriteArtifact.Tag) {
			return models.NewValidationError("operation %q: artifact tag %q must match %s",
				opID, output.WriteArtifact.Tag, artifactTagPattern.String())
		}
	case models.OutputPromptTime:
		if output.PromptTime == nil {
			return models.NewValidationError("operation %q: prompt_time output requires promptTime", opID)
		}
		if !hasBefore {
			return models.NewValidationError(
				"operation %q: prompt_time output requires the %s hook", opID, models.HookBeforeMainLLM)
		}
	case models.OutputTurnCanonicalization:
		if output.Canonicalization == nil {
			return models.NewValidationError("operation %q: turn_canonicalization output requires a target", opID)
		}
		if output.Canonicalization.Target == models.TargetAssistant && !hasAfter {
			return models.NewValidationError(
				"operation %q: turn_canonicalization of the assistant turn requires the %s hook",
				opID, models.HookAfterMainLLM)
		}
	default:
		return models.NewValidationError("operation %q: unknown output type %q", opID, output.Type)
	}
	return nil
}

// checkDependencies enforces referential integrity and the cross-hook rule
// over every dependency edge.
func checkDependencies(ops []models.ValidatedOperation) error {
	byID := make(map[string]*models.ValidatedOperation, len(ops))
	for i := range ops {
		byID[ops[i].OpID] = &ops[i]
	}

	for i := range ops {
		op := &ops[i]
		for _, depID := range op.DependsOn {
			if depID == op.OpID {
				return models.NewValidationError("operation %q cannot depend on itself", op.OpID)
			}
			dep, ok := byID[depID]
			if !ok {
				return models.NewValidationError("operation %q depends on unknown operation %q", op.OpID, depID)
			}
			if err := checkHookEdge(op, dep); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkHookEdge enforces the cross-hook dependency rule: every hook of the
// dependent must be reachable from a same-or-earlier hook of its dependency.
// An after_main_llm operation may depend on a before_main_llm one; a
// before_main_llm-only operation can never depend on an after_main_llm-only
// one, because its input would not exist yet when it runs.
func checkHookEdge(dependent, dependency *models.ValidatedOperation) error {
	minRank := math.MaxInt
	for _, h := range dependency.Hooks {
		if r := models.HookRank(h); r < minRank {
			minRank = r
		}
	}

	for _, h := range dependent.Hooks {
		if models.HookRank(h) < minRank {
			return models.NewValidationError(
				"operation %q cannot depend on %q: hooks %v are not a subset of %v",
				dependent.OpID, dependency.OpID, dependent.Hooks, dependency.Hooks)
		}
	}
	return nil
}

// detectCycles rejects any dependency cycle using an iterative DFS with
// white/gray/black coloring indexed by operation position.
func detectCycles(ops []models.ValidatedOperation) error {
	const (
		white = 0 // unvisited
		gray  = 1 // visiting
		black = 2 // done
	)

	index := make(map[string]int, len(ops))
	for i := range ops {
		index[ops[i].OpID] = i
	}

	color := make([]int, len(ops))

	for start := range ops {
		if color[start] != white {
			continue
		}

		type frame struct {
			node int
			next int
		}
		stack := []frame{{node: start}}
		color[start] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := ops[top.node].DependsOn

			if top.next < len(deps) {
				dep := index[deps[top.next]]
				top.next++
				switch color[dep] {
				case white:
					color[dep] = gray
					stack = append(stack, frame{node: dep})
				case gray:
					return models.NewValidationError("Dependency cycle detected")
				}
				continue
			}

			color[top.node] = black
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

// checkArtifactTags enforces tag uniqueness across the whole profile,
// naming both offending operations.
func checkArtifactTags(ops []models.ValidatedOperation) error {
	owners := make(map[string]string)
	for i := range ops {
		output := ops[i].Params.OutputSpec()
		if output == nil || output.Type != models.OutputArtifacts || output.WriteArtifact == nil {
			continue
		}
		tag := output.WriteArtifact.Tag
		if prev, taken := owners[tag]; taken {
			return models.NewValidationError(
				"artifact tag %q written by both %q and %q", tag, prev, ops[i].OpID)
		}
		owners[tag] = ops[i].OpID
	}
	return nil
}

func (v *Validator) compileCondition(expr string) (cel.Program, error) {
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return v.env.Program(ast)
}

func normalizeHooks(hooks []models.Hook) []models.Hook {
	out := make([]models.Hook, 0, len(hooks))
	seen := make(map[models.Hook]bool, len(hooks))
	for _, h := range hooks {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && models.HookRank(out[j]) < models.HookRank(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func normalizeTriggers(triggers []models.Trigger) []models.Trigger {
	if len(triggers) == 0 {
		return []models.Trigger{models.TriggerGenerate, models.TriggerRegenerate}
	}
	out := make([]models.Trigger, 0, len(triggers))
	seen := make(map[models.Trigger]bool, len(triggers))
	for _, t := range triggers {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && models.TriggerRank(out[j]) < models.TriggerRank(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// normalizeSamplers drops non-finite numeric values
func normalizeSamplers(s *models.Samplers) *models.Samplers {
	if s == nil {
		return nil
	}
	clean := *s
	drop := func(v *float64) *float64 {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			return nil
		}
		return v
	}
	clean.Temperature = drop(clean.Temperature)
	clean.TopP = drop(clean.TopP)
	clean.FrequencyPenalty = drop(clean.FrequencyPenalty)
	clean.PresencePenalty = drop(clean.PresencePenalty)
	return &clean
}
