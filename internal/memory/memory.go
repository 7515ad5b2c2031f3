// Package memory provides keyword recall over persisted sessions:
// completed conversations are indexed and later invocations can search
// them by words appearing in event text.
package memory

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Entry is one recalled event.
type Entry struct {
	SessionID string
	Author    string
	Timestamp float64
	Content   *models.Content
}

// Service is the recall contract.
type Service interface {
	// AddSession indexes every text-bearing event of the session.
	AddSession(ctx context.Context, sess *sessions.Session) error

	// Search returns entries whose text shares at least one keyword
	// with the query, in original event order.
	Search(ctx context.Context, appName, userID, query string) ([]Entry, error)
}

type indexedEvent struct {
	entry Entry
	words map[string]struct{}
}

// KeywordService is the in-memory keyword index. Re-adding a session
// replaces its previous entries.
type KeywordService struct {
	mu sync.RWMutex
	// events keyed by (app, user), then by session id
	events map[string]map[string][]indexedEvent
}

// NewKeywordService returns an empty index.
func NewKeywordService() *KeywordService {
	return &KeywordService{events: map[string]map[string][]indexedEvent{}}
}

var _ Service = (*KeywordService)(nil)

func (s *KeywordService) AddSession(ctx context.Context, sess *sessions.Session) error {
	var indexed []indexedEvent
	for _, ev := range sess.Events {
		text := ev.Content.Text()
		if text == "" {
			continue
		}
		indexed = append(indexed, indexedEvent{
			entry: Entry{
				SessionID: sess.ID,
				Author:    ev.Author,
				Timestamp: ev.Timestamp,
				Content:   ev.Content.Clone(),
			},
			words: tokenize(text),
		})
	}

	scope := sess.AppName + "/" + sess.UserID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events[scope] == nil {
		s.events[scope] = map[string][]indexedEvent{}
	}
	s.events[scope][sess.ID] = indexed
	return nil
}

func (s *KeywordService) Search(ctx context.Context, appName, userID, query string) ([]Entry, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, session := range s.events[appName+"/"+userID] {
		for _, ev := range session {
			for term := range terms {
				if _, ok := ev.words[term]; ok {
					out = append(out, ev.entry)
					break
				}
			}
		}
	}
	return out, nil
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) map[string]struct{} {
	words := map[string]struct{}{}
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[word] = struct{}{}
	}
	return words
}
