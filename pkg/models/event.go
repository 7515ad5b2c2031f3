package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Error codes attached to events. Tool-level codes are recoverable: the
// invocation continues after emitting them. Everything else terminates
// the invocation.
const (
	CodeToolNotFound = "TOOL_NOT_FOUND"
	CodeToolError    = "TOOL_ERROR"
	CodeLLMError     = "LLM_ERROR"
	CodeSessionError = "SESSION_ERROR"
)

// Event is the unit of observation. Every event belongs to exactly one
// invocation and is authored by an agent, the user, or the system. The
// wire form is camelCase JSON with empty fields omitted.
type Event struct {
	ID           string  `json:"id"`
	InvocationID string  `json:"invocationId"`
	Author       string  `json:"author"`
	Branch       string  `json:"branch,omitempty"`
	Timestamp    float64 `json:"timestamp"`

	Partial      bool `json:"partial,omitempty"`
	TurnComplete bool `json:"turnComplete,omitempty"`
	Interrupted  bool `json:"interrupted,omitempty"`

	Content      *Content `json:"content,omitempty"`
	ErrorCode    string   `json:"errorCode,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`

	// LongRunningToolIDs holds the ids of function calls whose tools are
	// still executing after this event.
	LongRunningToolIDs []string `json:"longRunningToolIds,omitempty"`

	GroundingMetadata json.RawMessage `json:"groundingMetadata,omitempty"`

	Actions EventActions `json:"actions,omitzero"`
}

// EventActions carries the side effects an event requests against the
// session: state writes, artifact version records, and the escalate flag
// consumed by the loop compositor.
type EventActions struct {
	StateDelta    map[string]any `json:"stateDelta,omitempty"`
	ArtifactDelta map[string]int `json:"artifactDelta,omitempty"`
	Escalate      bool           `json:"escalate,omitempty"`
}

// NewEvent mints an event with a fresh id and the current time.
func NewEvent(invocationID, author string) *Event {
	return &Event{
		ID:           uuid.NewString(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    float64(time.Now().UnixMicro()) / 1e6,
	}
}

// IsError reports whether the event reports a failure of any kind.
func (e *Event) IsError() bool {
	return e.ErrorCode != "" || e.ErrorMessage != ""
}

// Fatal reports whether the event reports a failure that terminates the
// invocation. Tool failures are recoverable: the model sees the error on
// the next iteration and may retry or give up.
func (e *Event) Fatal() bool {
	if !e.IsError() {
		return false
	}
	return e.ErrorCode != CodeToolError && e.ErrorCode != CodeToolNotFound
}

// FunctionCalls returns the function-call parts of the event content.
func (e *Event) FunctionCalls() []*FunctionCall {
	if e == nil {
		return nil
	}
	return e.Content.FunctionCalls()
}

// FunctionResponses returns the function-response parts of the event
// content.
func (e *Event) FunctionResponses() []*FunctionResponse {
	if e == nil {
		return nil
	}
	return e.Content.FunctionResponses()
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Content = e.Content.Clone()
	if len(e.LongRunningToolIDs) > 0 {
		clone.LongRunningToolIDs = append([]string(nil), e.LongRunningToolIDs...)
	}
	if len(e.GroundingMetadata) > 0 {
		clone.GroundingMetadata = append(json.RawMessage(nil), e.GroundingMetadata...)
	}
	clone.Actions = e.Actions.Clone()
	return &clone
}

// Clone returns a deep copy of the actions.
func (a EventActions) Clone() EventActions {
	clone := EventActions{Escalate: a.Escalate}
	clone.StateDelta = cloneJSONMap(a.StateDelta)
	if a.ArtifactDelta != nil {
		clone.ArtifactDelta = make(map[string]int, len(a.ArtifactDelta))
		for k, v := range a.ArtifactDelta {
			clone.ArtifactDelta[k] = v
		}
	}
	return clone
}

// IsZero reports whether the actions are empty; used by encoding/json to
// omit the actions object from the wire form.
func (a EventActions) IsZero() bool {
	return len(a.StateDelta) == 0 && len(a.ArtifactDelta) == 0 && !a.Escalate
}
