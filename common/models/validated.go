package models

import (
	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidatedProfile is the output of profile validation: normalized envelope
// fields, decoded kind-specific params, compiled conditions and schemas.
// Everything downstream of the validator works on this shape.
type ValidatedProfile struct {
	ProfileID     uuid.UUID
	OwnerID       string
	Name          string
	Description   string
	Enabled       bool
	ExecutionMode ExecutionMode
	SessionID     string
	Version       int
	Operations    []ValidatedOperation
	Meta          map[string]any
}

// ValidatedOperation is one operation after validation. Hooks and triggers
// are deduplicated and canonically ordered, dependsOn is deduplicated, and
// Params is the decoded kind-specific payload.
type ValidatedOperation struct {
	OpID        string
	Name        string
	Description string
	Kind        OperationKind
	Enabled     bool
	Required    bool
	Hooks       []Hook
	Triggers    []Trigger
	Order       int
	DependsOn   []string

	// Condition is the compiled CEL program for config.condition, nil when
	// the operation declares none. Evaluated against {"trigger", "vars"}.
	Condition cel.Program

	// Schema is the compiled jsonSchema for llm operations with
	// strictSchemaValidation, nil otherwise.
	Schema *jsonschema.Schema

	Params OperationParams
}

// HasHook reports whether the operation declares the given hook
func (o *ValidatedOperation) HasHook(h Hook) bool {
	for _, have := range o.Hooks {
		if have == h {
			return true
		}
	}
	return false
}

// HasTrigger reports whether the operation activates on the given trigger
func (o *ValidatedOperation) HasTrigger(t Trigger) bool {
	for _, have := range o.Triggers {
		if have == t {
			return true
		}
	}
	return false
}

// Op returns the operation with the given id, or nil
func (p *ValidatedProfile) Op(opID string) *ValidatedOperation {
	for i := range p.Operations {
		if p.Operations[i].OpID == opID {
			return &p.Operations[i]
		}
	}
	return nil
}
