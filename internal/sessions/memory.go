package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// MemoryService is an in-memory Service. Sessions are kept per
// (app, user); app and user state tiers are shared across sessions of the
// same scope. Reads return deep copies so callers never alias store
// internals. Writes to the same session are serialized by a per-session
// lock so concurrent appenders cannot interleave their delta application.
type MemoryService struct {
	mu sync.RWMutex
	// sessions[app][user][sessionID]
	sessions map[string]map[string]map[string]*memorySession
	// appState[app], userState[app][user]
	appState  map[string]map[string]any
	userState map[string]map[string]map[string]any

	locks *sessionLocks
}

type memorySession struct {
	state     map[string]any
	events    []*models.Event
	updatedAt time.Time
}

// NewMemoryService returns an empty in-memory session store.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		sessions:  map[string]map[string]map[string]*memorySession{},
		appState:  map[string]map[string]any{},
		userState: map[string]map[string]map[string]any{},
		locks:     newSessionLocks(),
	}
}

var _ Service = (*MemoryService)(nil)

func (s *MemoryService) Create(ctx context.Context, appName, userID, sessionID string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[appName] == nil {
		s.sessions[appName] = map[string]map[string]*memorySession{}
	}
	if s.sessions[appName][userID] == nil {
		s.sessions[appName][userID] = map[string]*memorySession{}
	}
	if existing, ok := s.sessions[appName][userID][sessionID]; ok {
		return s.snapshot(appName, userID, sessionID, existing), nil
	}

	ms := &memorySession{state: map[string]any{}, updatedAt: time.Now()}
	s.sessions[appName][userID][sessionID] = ms
	return s.snapshot(appName, userID, sessionID, ms), nil
}

func (s *MemoryService) Get(ctx context.Context, appName, userID, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms := s.lookup(appName, userID, sessionID)
	if ms == nil {
		return nil, ErrNotFound
	}
	return s.snapshot(appName, userID, sessionID, ms), nil
}

func (s *MemoryService) List(ctx context.Context, appName, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for id, ms := range s.sessions[appName][userID] {
		out = append(out, s.snapshot(appName, userID, id, ms))
	}
	return out, nil
}

func (s *MemoryService) Delete(ctx context.Context, appName, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if users, ok := s.sessions[appName]; ok {
		delete(users[userID], sessionID)
	}
	return nil
}

func (s *MemoryService) AppendEvent(ctx context.Context, sess *Session, ev *models.Event) error {
	if ev.Partial {
		return nil
	}

	unlock := s.locks.lock(sess.AppName + "/" + sess.UserID + "/" + sess.ID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.lookup(sess.AppName, sess.UserID, sess.ID)
	if ms == nil {
		return ErrNotFound
	}

	app, user, session := splitDelta(ev.Actions.StateDelta)
	if len(app) > 0 {
		if s.appState[sess.AppName] == nil {
			s.appState[sess.AppName] = map[string]any{}
		}
		for k, v := range app {
			s.appState[sess.AppName][k] = v
		}
	}
	if len(user) > 0 {
		if s.userState[sess.AppName] == nil {
			s.userState[sess.AppName] = map[string]map[string]any{}
		}
		if s.userState[sess.AppName][sess.UserID] == nil {
			s.userState[sess.AppName][sess.UserID] = map[string]any{}
		}
		for k, v := range user {
			s.userState[sess.AppName][sess.UserID][k] = v
		}
	}
	for k, v := range session {
		ms.state[k] = v
	}

	ms.events = append(ms.events, ev.Clone())
	ms.updatedAt = time.Now()

	sess.Events = append(sess.Events, ev)
	sess.State = mergeState(s.appState[sess.AppName], s.userState[sess.AppName][sess.UserID], ms.state)
	sess.UpdatedAt = ms.updatedAt
	return nil
}

// lookup must be called with mu held.
func (s *MemoryService) lookup(appName, userID, sessionID string) *memorySession {
	users, ok := s.sessions[appName]
	if !ok {
		return nil
	}
	return users[userID][sessionID]
}

// snapshot must be called with mu held.
func (s *MemoryService) snapshot(appName, userID, sessionID string, ms *memorySession) *Session {
	sess := &Session{
		AppName:   appName,
		UserID:    userID,
		ID:        sessionID,
		State:     mergeState(s.appState[appName], s.userState[appName][userID], ms.state),
		Events:    make([]*models.Event, len(ms.events)),
		UpdatedAt: ms.updatedAt,
	}
	for i, ev := range ms.events {
		sess.Events[i] = ev.Clone()
	}
	return sess
}

// sessionLocks hands out refcounted per-key mutexes. Entries are removed
// when the last holder releases, so idle sessions cost nothing.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: map[string]*sessionLock{}}
}

func (l *sessionLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &sessionLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
