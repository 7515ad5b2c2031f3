// Package sessions provides the append-only event log and the tiered
// app/user/session state model behind it.
//
// A session is keyed by (app name, user id, session id). Appending an
// event applies its state delta to the addressed tier atomically with the
// append; reads observe all prior writes in insertion order. Two
// interchangeable backends exist: an in-memory store for tests and local
// runs, and a relational store for durability across restarts.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Session is a snapshot of one conversation thread. Events are ordered by
// insertion; State is the merged three-tier view at snapshot time.
// AppendEvent keeps the snapshot that produced the append current, so a
// running invocation sees its own writes.
type Session struct {
	AppName   string
	UserID    string
	ID        string
	State     map[string]any
	Events    []*models.Event
	UpdatedAt time.Time
}

// Service is the interface for session persistence.
type Service interface {
	// Create creates a session, generating an id when sessionID is empty.
	// Creating an existing session returns the existing one.
	Create(ctx context.Context, appName, userID, sessionID string) (*Session, error)

	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, appName, userID, sessionID string) (*Session, error)

	// List returns all sessions of a user within an app.
	List(ctx context.Context, appName, userID string) ([]*Session, error)

	// Delete removes a session and its events.
	Delete(ctx context.Context, appName, userID, sessionID string) error

	// AppendEvent persists the event and applies its state delta to the
	// addressed tiers atomically. Appends to the same session are totally
	// ordered. The passed session snapshot is updated in place.
	AppendEvent(ctx context.Context, sess *Session, ev *models.Event) error
}

// Clone returns a deep copy of the session snapshot.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := &Session{
		AppName:   s.AppName,
		UserID:    s.UserID,
		ID:        s.ID,
		State:     make(map[string]any, len(s.State)),
		Events:    make([]*models.Event, len(s.Events)),
		UpdatedAt: s.UpdatedAt,
	}
	for k, v := range s.State {
		clone.State[k] = v
	}
	for i, ev := range s.Events {
		clone.Events[i] = ev.Clone()
	}
	return clone
}
