package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Hook is the execution phase an operation participates in.
type Hook string

const (
	HookBeforeMainLLM Hook = "before_main_llm"
	HookAfterMainLLM  Hook = "after_main_llm"
)

// hookOrder defines the canonical hook ordering used by normalization
var hookOrder = map[Hook]int{
	HookBeforeMainLLM: 0,
	HookAfterMainLLM:  1,
}

// HookRank returns the canonical position of a hook (before_main_llm first)
func HookRank(h Hook) int {
	if r, ok := hookOrder[h]; ok {
		return r
	}
	return len(hookOrder)
}

// ValidHook reports whether h is a known hook
func ValidHook(h Hook) bool {
	_, ok := hookOrder[h]
	return ok
}

// Trigger is the kind of turn that activates an operation.
type Trigger string

const (
	TriggerGenerate   Trigger = "generate"
	TriggerRegenerate Trigger = "regenerate"
)

var triggerOrder = map[Trigger]int{
	TriggerGenerate:   0,
	TriggerRegenerate: 1,
}

// TriggerRank returns the canonical position of a trigger (generate first)
func TriggerRank(t Trigger) int {
	if r, ok := triggerOrder[t]; ok {
		return r
	}
	return len(triggerOrder)
}

// ValidTrigger reports whether t is a known trigger
func ValidTrigger(t Trigger) bool {
	_, ok := triggerOrder[t]
	return ok
}

// OperationKind tags the behavior of an operation.
type OperationKind string

const (
	KindTemplate  OperationKind = "template"
	KindLLM       OperationKind = "llm"
	KindRAG       OperationKind = "rag"
	KindTool      OperationKind = "tool"
	KindCompute   OperationKind = "compute"
	KindTransform OperationKind = "transform"
	KindLegacy    OperationKind = "legacy"
)

// ValidKind reports whether k is a known operation kind
func ValidKind(k OperationKind) bool {
	switch k {
	case KindTemplate, KindLLM, KindRAG, KindTool, KindCompute, KindTransform, KindLegacy:
		return true
	}
	return false
}

// ExecutionMode controls how a profile's operations are scheduled.
type ExecutionMode string

const (
	ModeConcurrent ExecutionMode = "concurrent"
	ModeSequential ExecutionMode = "sequential"
)

// OperationProfile is the raw, user-authored profile document.
// Validation turns it into a ValidatedProfile before anything executes it.
type OperationProfile struct {
	ProfileID   uuid.UUID       `json:"profileId"`
	OwnerID     string          `json:"ownerId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Enabled     bool            `json:"enabled"`
	ExecutionMode ExecutionMode `json:"executionMode"`
	SessionID   string          `json:"operationProfileSessionId"`
	Version     int             `json:"version"`
	Operations  []Operation     `json:"operations"`
	Meta        map[string]any  `json:"meta"`
}

// Operation is one declared unit of work in a profile.
type Operation struct {
	OpID        string          `json:"opId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Kind        OperationKind   `json:"kind"`
	Config      OperationConfig `json:"config"`
}

// OperationConfig is the envelope shared by every operation kind.
// Params carries the kind-specific payload and is decoded during validation.
type OperationConfig struct {
	Enabled   bool            `json:"enabled"`
	Required  bool            `json:"required"`
	Hooks     []Hook          `json:"hooks"`
	Triggers  []Trigger       `json:"triggers"`
	Order     int             `json:"order"`
	DependsOn []string        `json:"dependsOn,omitempty"`
	Condition string          `json:"condition,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// HasHook reports whether the operation declares the given hook
func (o *Operation) HasHook(h Hook) bool {
	for _, have := range o.Config.Hooks {
		if have == h {
			return true
		}
	}
	return false
}

// HasTrigger reports whether the operation activates on the given trigger
func (o *Operation) HasTrigger(t Trigger) bool {
	for _, have := range o.Config.Triggers {
		if have == t {
			return true
		}
	}
	return false
}
