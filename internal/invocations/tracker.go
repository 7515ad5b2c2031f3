// Package invocations tracks in-flight invocations: their cancel
// signals and lifecycle status.
package invocations

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Status of a tracked invocation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNotFound  Status = "not_found"
)

type entry struct {
	cancel context.CancelFunc
	status Status
}

// Tracker is a concurrent map from invocation id to cancel signal and
// status. Complete removes the entry after marking it, so a status
// query racing a completion may see not_found; callers treat that as
// terminal success.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: map[string]*entry{}}
}

// Register mints an invocation id and a context cancelled either by the
// parent or by a later Cancel call.
func (t *Tracker) Register(parent context.Context) (string, context.Context) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	t.entries[id] = &entry{cancel: cancel, status: StatusActive}
	t.mu.Unlock()
	return id, ctx
}

// Cancel fires the invocation's cancel signal. It reports whether the
// id was known.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.status = StatusCancelled
	e.cancel()
	return true
}

// Status returns the invocation's current status.
func (t *Tracker) Status(id string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return StatusNotFound
	}
	return e.status
}

// Complete marks the invocation finished and forgets it, releasing the
// cancel context.
func (t *Tracker) Complete(id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		e.status = StatusCompleted
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if ok {
		e.cancel()
	}
}

var (
	defaultTracker     *Tracker
	defaultTrackerOnce sync.Once
)

// Default returns the process-wide tracker.
func Default() *Tracker {
	defaultTrackerOnce.Do(func() {
		defaultTracker = NewTracker()
	})
	return defaultTracker
}
