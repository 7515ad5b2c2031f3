package artifacts

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/conductor/pkg/models"
)

// MemoryService is an in-memory artifact store.
type MemoryService struct {
	mu sync.RWMutex
	// versions keyed by (app, user, session, filename); index i holds
	// version i+1.
	store map[artifactKey][]models.Part
}

type artifactKey struct {
	appName   string
	userID    string
	sessionID string
	filename  string
}

// NewMemoryService returns an empty in-memory artifact store.
func NewMemoryService() *MemoryService {
	return &MemoryService{store: map[artifactKey][]models.Part{}}
}

var _ Service = (*MemoryService)(nil)

func (s *MemoryService) key(appName, userID, sessionID, filename string) artifactKey {
	return artifactKey{
		appName:   appName,
		userID:    userID,
		sessionID: scopeSession(sessionID, filename),
		filename:  filename,
	}
}

func (s *MemoryService) Save(ctx context.Context, appName, userID, sessionID, filename string, part models.Part) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key(appName, userID, sessionID, filename)
	s.store[key] = append(s.store[key], part)
	return len(s.store[key]), nil
}

func (s *MemoryService) Load(ctx context.Context, appName, userID, sessionID, filename string, version int) (*models.Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parts := s.store[s.key(appName, userID, sessionID, filename)]
	if len(parts) == 0 {
		return nil, ErrNotFound
	}
	if version == 0 {
		version = len(parts)
	}
	if version < 1 || version > len(parts) {
		return nil, ErrNotFound
	}
	part := parts[version-1]
	return &part, nil
}

func (s *MemoryService) Keys(ctx context.Context, appName, userID, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.store {
		if key.appName != appName || key.userID != userID {
			continue
		}
		if key.sessionID == sessionID || key.sessionID == UserScopedSession {
			keys = append(keys, key.filename)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryService) Versions(ctx context.Context, appName, userID, sessionID, filename string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parts := s.store[s.key(appName, userID, sessionID, filename)]
	versions := make([]int, len(parts))
	for i := range parts {
		versions[i] = i + 1
	}
	return versions, nil
}

func (s *MemoryService) Delete(ctx context.Context, appName, userID, sessionID, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.store, s.key(appName, userID, sessionID, filename))
	return nil
}
