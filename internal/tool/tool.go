// Package tool defines the callable surface the invocation engine
// dispatches to: the Tool contract, lazy Toolsets, and the contexts
// tools execute under.
package tool

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Tool is a named operation the model can invoke. Schema describes the
// argument object as JSON Schema; it is declared to the model and
// enforced before execution. Long-running tools may outlive the event
// that carries their response; their call ids are surfaced on events so
// consumers can track them.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	IsLongRunning() bool

	// Execute runs the tool. The returned map is attached to the
	// conversation as the function response. Errors surface as
	// recoverable TOOL_ERROR events; they do not stop the invocation.
	Execute(tctx *Context, args map[string]any) (map[string]any, error)
}

// Toolset is a lazy provider of tools. Tools resolves the set once per
// invocation against the invocation's readonly view; the result is
// frozen for that invocation.
type Toolset interface {
	Tools(rctx *ReadonlyContext) ([]Tool, error)
}

// ReadonlyContext is the invocation view a toolset resolves against.
// State is the merged session state at resolution time; mutating it has
// no effect on the session.
type ReadonlyContext struct {
	context.Context

	InvocationID string
	AgentName    string
	AppName      string
	UserID       string
	SessionID    string
	State        map[string]any
}

// Context is what a tool executes under. It extends the readonly view
// with the id of the function call being served and an actions
// accumulator: state deltas, artifact deltas, and the escalate flag a
// tool sets here ride on the function-response event and are applied by
// the session store.
type Context struct {
	ReadonlyContext

	FunctionCallID string
	Actions        *models.EventActions
}

// NewContext builds a tool context for one function call.
func NewContext(rctx ReadonlyContext, callID string) *Context {
	return &Context{
		ReadonlyContext: rctx,
		FunctionCallID:  callID,
		Actions:         &models.EventActions{},
	}
}

// SetState records a state write in the actions accumulator. The key may
// carry an app:/user:/temp: prefix to address a tier.
func (c *Context) SetState(key string, value any) {
	if c.Actions.StateDelta == nil {
		c.Actions.StateDelta = map[string]any{}
	}
	c.Actions.StateDelta[key] = value
}

// Escalate marks the invocation for loop escalation.
func (c *Context) Escalate() {
	c.Actions.Escalate = true
}

// Static wraps a fixed tool list as a Toolset.
type Static []Tool

func (s Static) Tools(*ReadonlyContext) ([]Tool, error) {
	return []Tool(s), nil
}
