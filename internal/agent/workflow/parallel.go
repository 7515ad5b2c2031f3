package workflow

import (
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Parallel launches all sub-agents concurrently, each under a cloned
// invocation context with its own branch path. Streams are multiplexed
// by arrival; within one sub-agent the event order is preserved.
// Escalation from one sub-agent does not stop the others; cancellation
// of the invocation stops them all.
type Parallel struct {
	name      string
	subAgents []agent.Agent
}

// NewParallel builds a parallel compositor.
func NewParallel(name string, subAgents ...agent.Agent) *Parallel {
	return &Parallel{name: name, subAgents: subAgents}
}

var _ agent.Agent = (*Parallel)(nil)

func (p *Parallel) Name() string { return p.name }

// SubAgents returns the composed agents.
func (p *Parallel) SubAgents() []agent.Agent { return p.subAgents }

func (p *Parallel) Run(ictx *agent.InvocationContext) <-chan *models.Event {
	out := make(chan *models.Event)

	var group errgroup.Group
	for _, sub := range p.subAgents {
		child := ictx.Clone()
		child.Branch = ictx.ChildBranch(sub.Name())
		// Each child persists into its own session snapshot; siblings
		// see the pre-fork history, not each other's output.
		child.Session = ictx.Session.Clone()
		group.Go(func() error {
			for ev := range sub.Run(child) {
				if !forward(ictx, out, ev) {
					return ictx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		defer close(out)
		// Error here only reflects cancellation; the events said it all.
		_ = group.Wait()
	}()
	return out
}
