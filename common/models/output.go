package models

// OutputType describes the effect class an operation produces.
type OutputType string

const (
	OutputArtifacts            OutputType = "artifacts"
	OutputPromptTime           OutputType = "prompt_time"
	OutputTurnCanonicalization OutputType = "turn_canonicalization"
)

// ArtifactPersistence controls whether an artifact outlives its run.
type ArtifactPersistence string

const (
	PersistencePersisted ArtifactPersistence = "persisted"
	PersistenceRunOnly   ArtifactPersistence = "run_only"
)

// ArtifactUsage controls where an artifact is allowed to surface.
type ArtifactUsage string

const (
	UsagePromptOnly  ArtifactUsage = "prompt_only"
	UsageUIOnly      ArtifactUsage = "ui_only"
	UsagePromptAndUI ArtifactUsage = "prompt+ui"
	UsageInternal    ArtifactUsage = "internal"
)

// PromptTimeMode is how a prompt_time effect is injected into the prompt.
type PromptTimeMode string

const (
	PromptAppendAfterLastUser PromptTimeMode = "append_after_last_user"
	PromptSystemUpdate        PromptTimeMode = "system_update"
	PromptInsertAtDepth       PromptTimeMode = "insert_at_depth"
)

// TurnTarget selects which side of the turn a canonicalization rewrites.
type TurnTarget string

const (
	TargetUser      TurnTarget = "user"
	TargetAssistant TurnTarget = "assistant"
)

// Output describes what an operation produces and how it may be used.
// Exactly one of the pointer fields is set, matching Type.
type Output struct {
	Type             OutputType            `json:"type"`
	WriteArtifact    *ArtifactWrite        `json:"writeArtifact,omitempty"`
	PromptTime       *PromptTimeOutput     `json:"promptTime,omitempty"`
	Canonicalization *TurnCanonicalization `json:"turnCanonicalization,omitempty"`
}

// ArtifactWrite declares a named, typed side-output.
type ArtifactWrite struct {
	Tag         string              `json:"tag"`
	Persistence ArtifactPersistence `json:"persistence"`
	Usage       ArtifactUsage       `json:"usage"`
	Semantics   string              `json:"semantics,omitempty"`
}

// PromptTimeOutput injects rendered text into the main prompt.
// Legal only for operations hooked before_main_llm.
type PromptTimeOutput struct {
	Mode  PromptTimeMode `json:"promptTime"`
	Role  string         `json:"role,omitempty"`
	Depth int            `json:"depth,omitempty"`
}

// TurnCanonicalization rewrites the canonical user/assistant text.
// target=assistant requires the after_main_llm hook.
type TurnCanonicalization struct {
	Target TurnTarget `json:"target"`
}

// Artifact is one committed artifact write, produced during a run.
type Artifact struct {
	OpID  string         `json:"opId"`
	Write *ArtifactWrite `json:"write"`
	Value string         `json:"value"`
}
