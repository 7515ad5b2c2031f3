// Package agent implements the invocation engine: the model-driven
// agent turn loop, tool dispatch, and the invocation context shared
// with the workflow compositors built on top.
package agent

import "github.com/haasonsaas/conductor/pkg/models"

// Agent produces an event stream for one invocation. The returned
// channel is closed when the agent is done; errors ride on events, not
// on the channel. Implementations stop promptly when the invocation
// context is cancelled, and yield events through Emit so every
// non-partial event is durable before anything downstream observes it.
type Agent interface {
	Name() string
	Run(ictx *InvocationContext) <-chan *models.Event
}

// Emit persists ev when it is not partial, then sends it unless the
// invocation is cancelled; it reports whether the send happened.
//
// Appending before the send is what orders the whole pipeline: the
// consumer never observes an event that is not yet durable, and a
// compositor that starts the next sub-agent after this one's channel
// closes is guaranteed the session already holds everything emitted
// here. A persistence failure terminates the invocation with a
// system-authored SESSION_ERROR event.
func Emit(ictx *InvocationContext, out chan<- *models.Event, ev *models.Event) bool {
	if !ev.Partial && ictx.Sessions != nil {
		if err := ictx.Sessions.AppendEvent(ictx.Context, ictx.Session, ev); err != nil {
			if ictx.Err() != nil {
				return false
			}
			failure := models.NewEvent(ictx.InvocationID, "system")
			failure.ErrorCode = models.CodeSessionError
			failure.ErrorMessage = err.Error()
			failure.TurnComplete = true
			select {
			case out <- failure:
			case <-ictx.Done():
			}
			return false
		}
		if ictx.Metrics != nil {
			ictx.Metrics.EventsPersistedTotal.WithLabelValues(ev.Author).Inc()
		}
	}
	select {
	case out <- ev:
		return true
	case <-ictx.Done():
		return false
	}
}
