// Package runner glues the pieces together: it resolves the session,
// records the user message, drives the root agent, and forwards its
// event stream to the caller. Agents persist their own events on
// emission, so everything the caller observes is already durable.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Runner executes invocations of one root agent within one app.
type Runner struct {
	appName  string
	root     agent.Agent
	sessions sessions.Service
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New builds a runner. metrics may be nil.
func New(appName string, root agent.Agent, svc sessions.Service, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		appName:  appName,
		root:     root,
		sessions: svc,
		logger:   logger.With("app", appName),
		metrics:  metrics,
	}
}

// Request describes one invocation.
type Request struct {
	UserID    string
	SessionID string

	// InvocationID is minted when empty. Servers pass the id their
	// tracker registered so cancellation and status queries line up.
	InvocationID string

	// Message is the new user content; nil resumes without appending
	// a user event.
	Message *models.Content

	Config agent.RunConfig
}

// Run starts an invocation and returns its lazy event stream. The
// channel closes when the invocation ends; the caller must drain it.
// Cancelling ctx yields one system-authored "Invocation cancelled"
// event and stops the stream.
func (r *Runner) Run(ctx context.Context, req Request) (<-chan *models.Event, error) {
	sess, err := r.sessions.Get(ctx, r.appName, req.UserID, req.SessionID)
	if errors.Is(err, sessions.ErrNotFound) {
		sess, err = r.sessions.Create(ctx, r.appName, req.UserID, req.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	invocationID := req.InvocationID
	if invocationID == "" {
		invocationID = uuid.NewString()
	}

	ictx := &agent.InvocationContext{
		Context:      ctx,
		InvocationID: invocationID,
		AppName:      r.appName,
		UserID:       req.UserID,
		Session:      sess,
		Sessions:     r.sessions,
		Config:       req.Config,
		Metrics:      r.metrics,
	}

	if req.Message != nil {
		userEvent := models.NewEvent(invocationID, "user")
		userEvent.Content = req.Message
		userEvent.TurnComplete = true
		if err := r.sessions.AppendEvent(ctx, sess, userEvent); err != nil {
			return nil, fmt.Errorf("append user event: %w", err)
		}
		r.countPersisted("user")
		ictx.UserContent = userEvent.Content
	}

	if r.metrics != nil {
		r.metrics.ActiveInvocations.Inc()
	}

	out := make(chan *models.Event)
	go r.pump(ictx, out)
	return out, nil
}

// pump forwards agent events. Persistence happened at emission time
// inside the agents, so forwarding is all that is left to do here.
func (r *Runner) pump(ictx *agent.InvocationContext, out chan<- *models.Event) {
	start := time.Now()
	status := "completed"
	defer func() {
		if r.metrics != nil {
			r.metrics.ActiveInvocations.Dec()
			r.metrics.ObserveInvocation(r.appName, status, time.Since(start))
		}
		close(out)
	}()

	events := r.root.Run(ictx)
	for {
		select {
		case <-ictx.Done():
			status = "cancelled"
			r.emitCancelled(ictx, out)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			out <- ev
		}
	}
}

// emitCancelled appends and yields the synthetic cancellation marker.
// The append uses a fresh context because the invocation's is already
// done.
func (r *Runner) emitCancelled(ictx *agent.InvocationContext, out chan<- *models.Event) {
	ev := models.NewEvent(ictx.InvocationID, "system")
	ev.ErrorMessage = "Invocation cancelled"
	ev.TurnComplete = true
	if err := r.sessions.AppendEvent(context.Background(), ictx.Session, ev); err != nil {
		r.logger.Warn("append cancellation event failed",
			"invocation_id", ictx.InvocationID, "error", err)
	} else {
		r.countPersisted("system")
	}
	out <- ev
}

func (r *Runner) countPersisted(author string) {
	if r.metrics != nil {
		r.metrics.EventsPersistedTotal.WithLabelValues(author).Inc()
	}
}
