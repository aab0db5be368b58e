package memory

import (
	"context"
	"fmt"
	"sync"

	"quizlive-service/internal/app"
	"quizlive-service/internal/domain"
)

// DocumentStore is an in-memory implementation of app.DocumentStore, the
// default for tests and single-process demos. Versions start at 1 and bump on
// every successful conditional write; subscribers get a snapshot after each
// write.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]*docEntry
}

type docEntry struct {
	session     domain.Session
	version     int64
	responses   []domain.Response
	responseKey map[string]struct{}
	subscribers map[chan app.Document]struct{}
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]*docEntry)}
}

func (s *DocumentStore) Create(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	if session.JoinCode != "" {
		for _, entry := range s.docs {
			if entry.session.JoinCode == session.JoinCode && entry.session.Status != domain.StatusEnded {
				return domain.ErrJoinCodeTaken
			}
		}
	}
	s.docs[session.ID] = &docEntry{
		session:     session.Clone(),
		version:     1,
		responseKey: make(map[string]struct{}),
		subscribers: make(map[chan app.Document]struct{}),
	}
	return nil
}

func (s *DocumentStore) Get(_ context.Context, sessionID string) (app.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.docs[sessionID]
	if !ok {
		return app.Document{}, domain.ErrNotFound
	}
	return app.Document{Session: entry.session.Clone(), Version: entry.version}, nil
}

func (s *DocumentStore) Update(_ context.Context, sessionID string, expectedVersion int64, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.docs[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	if entry.version != expectedVersion {
		return domain.ErrVersionConflict
	}
	entry.session = session.Clone()
	entry.version++
	entry.broadcastLocked()
	return nil
}

func (s *DocumentStore) FindByJoinCode(_ context.Context, code string) (app.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.docs {
		if entry.session.JoinCode == code && entry.session.Status != domain.StatusEnded {
			return app.Document{Session: entry.session.Clone(), Version: entry.version}, nil
		}
	}
	return app.Document{}, domain.ErrNotFound
}

func (s *DocumentStore) AppendResponse(_ context.Context, sessionID string, response domain.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.docs[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	key := responseKey(response.QuestionIndex, response.ParticipantID)
	if _, dup := entry.responseKey[key]; dup {
		return domain.ErrDuplicateSubmission
	}
	entry.responseKey[key] = struct{}{}
	entry.responses = append(entry.responses, response)
	return nil
}

func (s *DocumentStore) Responses(_ context.Context, sessionID string, questionIndex int) ([]domain.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.docs[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	var out []domain.Response
	for _, r := range entry.responses {
		if r.QuestionIndex == questionIndex {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *DocumentStore) AllResponses(_ context.Context, sessionID string) ([]domain.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.docs[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]domain.Response(nil), entry.responses...), nil
}

func (s *DocumentStore) ClearResponses(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.docs[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	entry.responses = nil
	entry.responseKey = make(map[string]struct{})
	return nil
}

func (s *DocumentStore) Subscribe(sessionID string) (<-chan app.Document, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.docs[sessionID]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	ch := make(chan app.Document, 8)
	entry.subscribers[ch] = struct{}{}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := entry.subscribers[ch]; ok {
			delete(entry.subscribers, ch)
			close(ch)
		}
	}
	return ch, cancel, nil
}

func (e *docEntry) broadcastLocked() {
	doc := app.Document{Session: e.session.Clone(), Version: e.version}
	for ch := range e.subscribers {
		select {
		case ch <- doc:
		default:
			// Drop the oldest snapshot so a slow consumer never blocks a
			// write; only the latest state matters to subscribers.
			select {
			case <-ch:
			default:
			}
			ch <- doc
		}
	}
}

func responseKey(questionIndex int, participantID string) string {
	return fmt.Sprintf("%d:%s", questionIndex, participantID)
}
