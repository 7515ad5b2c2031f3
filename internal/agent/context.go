package agent

import (
	"context"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/pkg/models"
)

// RunConfig selects delivery behaviour for one invocation.
type RunConfig struct {
	// Streaming asks providers for partial responses. Batch surfaces
	// leave it false and see only final events.
	Streaming bool
}

// InvocationContext is the per-invocation view threaded through agents,
// compositors, and tool dispatch. It embeds the cancel signal: agents
// observe Done() between suspension points and stop without draining
// their sub-streams when it fires.
type InvocationContext struct {
	context.Context

	InvocationID string
	AppName      string
	UserID       string
	Branch       string

	Session  *sessions.Session
	Sessions sessions.Service

	// UserContent is the message that started this invocation. The
	// runner appends it to the session before agents run; the engine
	// checks identity against the last session event so the seed
	// conversation carries it exactly once.
	UserContent *models.Content

	Config RunConfig

	// Metrics is optional; when set, emitted events, model calls, and
	// tool executions are counted.
	Metrics *observability.Metrics
}

// Clone returns a copy for a sub-agent; the compositor sets Branch on
// the copy. The session snapshot and cancel signal are shared.
func (ictx *InvocationContext) Clone() *InvocationContext {
	clone := *ictx
	return &clone
}

// WithCancel derives a child context whose cancellation is owned by the
// caller, for compositors that stop sub-agents early.
func (ictx *InvocationContext) WithCancel() (*InvocationContext, context.CancelFunc) {
	child := ictx.Clone()
	ctx, cancel := context.WithCancel(ictx.Context)
	child.Context = ctx
	return child, cancel
}

// ChildBranch extends the branch path with a sub-agent name.
func (ictx *InvocationContext) ChildBranch(name string) string {
	if ictx.Branch == "" {
		return name
	}
	return ictx.Branch + "." + name
}
