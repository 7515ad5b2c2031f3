// Package workflow provides the composing agents: sequential, loop, and
// parallel orchestration of sub-agent event streams. Compositors never
// call a model themselves.
package workflow

import (
	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Loop runs its sub-agents in list order, repeating the whole list up
// to maxIterations times (0 means unbounded). A fatal error event ends
// the loop immediately; a non-partial event with escalate set ends it
// after the current sub-agent's stream is drained. Sub-agents converse
// across iterations only through the session.
type Loop struct {
	name          string
	subAgents     []agent.Agent
	maxIterations int
}

// NewLoop builds a loop compositor. maxIterations 0 loops until a
// sub-agent escalates or fails.
func NewLoop(name string, maxIterations int, subAgents ...agent.Agent) *Loop {
	return &Loop{name: name, subAgents: subAgents, maxIterations: maxIterations}
}

var _ agent.Agent = (*Loop)(nil)

func (l *Loop) Name() string { return l.name }

// SubAgents returns the composed agents in run order.
func (l *Loop) SubAgents() []agent.Agent { return l.subAgents }

func (l *Loop) Run(ictx *agent.InvocationContext) <-chan *models.Event {
	out := make(chan *models.Event)
	go func() {
		defer close(out)
		l.run(ictx, out)
	}()
	return out
}

func (l *Loop) run(ictx *agent.InvocationContext, out chan<- *models.Event) {
	count := l.maxIterations
	for {
		for _, sub := range l.subAgents {
			if !l.runSub(ictx, sub, out) {
				return
			}
			if ictx.Err() != nil {
				return
			}
		}
		if l.maxIterations > 0 {
			count--
			if count == 0 {
				return
			}
		}
	}
}

// runSub drains one sub-agent stream, forwarding events. It reports
// whether the loop should continue.
func (l *Loop) runSub(ictx *agent.InvocationContext, sub agent.Agent, out chan<- *models.Event) bool {
	child, cancel := ictx.WithCancel()
	defer cancel()

	shouldExit := false
	for ev := range sub.Run(child) {
		if ev.Fatal() {
			forward(ictx, out, ev)
			return false
		}
		if !forward(ictx, out, ev) {
			return false
		}
		if !ev.Partial && ev.Actions.Escalate {
			shouldExit = true
		}
	}
	return !shouldExit
}

func forward(ictx *agent.InvocationContext, out chan<- *models.Event, ev *models.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ictx.Done():
		return false
	}
}
