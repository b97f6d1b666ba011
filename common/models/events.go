package models

// RunEventType tags events produced by the operation runner.
type RunEventType string

const (
	RunEventOpStarted    RunEventType = "op_started"
	RunEventOpFinished   RunEventType = "op_finished"
	RunEventContentDelta RunEventType = "content_delta"
	RunEventMainError    RunEventType = "main_error"
	RunEventRunFinished  RunEventType = "run_finished"
)

// RunEvent is one internal execution event. The orchestrator reduces these
// to the outward stream vocabulary.
type RunEvent struct {
	Type    RunEventType     `json:"type"`
	OpID    string           `json:"opId,omitempty"`
	Content string           `json:"content,omitempty"`
	Message string           `json:"message,omitempty"`
	Status  GenerationStatus `json:"status,omitempty"`
}

// StreamEventType is the outward event vocabulary consumed by transports.
type StreamEventType string

const (
	StreamDelta StreamEventType = "delta"
	StreamError StreamEventType = "error"
	StreamDone  StreamEventType = "done"
)

// StreamEvent is one outward event. done.status is the only field callers
// should treat as authoritative for UI state.
type StreamEvent struct {
	Type    StreamEventType  `json:"type"`
	Content string           `json:"content,omitempty"`
	Message string           `json:"message,omitempty"`
	Status  GenerationStatus `json:"status,omitempty"`
}
