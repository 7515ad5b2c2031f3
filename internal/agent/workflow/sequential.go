package workflow

import "github.com/haasonsaas/conductor/internal/agent"

// NewSequential runs each sub-agent exactly once, in list order. It is
// a single-iteration loop: sub-agent events are forwarded verbatim and
// escalation still stops the remaining agents.
func NewSequential(name string, subAgents ...agent.Agent) *Loop {
	return NewLoop(name, 1, subAgents...)
}
