package app

import (
	"context"
	"errors"

	"quizlive-service/internal/domain"
)

// Document pairs a session snapshot with the store version it was read at.
// Conditional writes are checked against that version.
type Document struct {
	Session domain.Session
	Version int64
}

// DocumentStore abstracts the shared versioned document store the session
// coordination runs on (in-memory, Redis, etc). Implementations must enforce
// response uniqueness per (participant, question index) at the write itself,
// not by read-then-write.
type DocumentStore interface {
	Create(ctx context.Context, session domain.Session) error
	Get(ctx context.Context, sessionID string) (Document, error)
	// Update writes the session conditioned on the stored version still being
	// expectedVersion; it returns domain.ErrVersionConflict otherwise.
	Update(ctx context.Context, sessionID string, expectedVersion int64, session domain.Session) error
	// FindByJoinCode resolves a join code among sessions that have not ended.
	FindByJoinCode(ctx context.Context, code string) (Document, error)
	// AppendResponse records one answer; a second response for the same
	// (participant, question index) pair returns domain.ErrDuplicateSubmission.
	AppendResponse(ctx context.Context, sessionID string, response domain.Response) error
	Responses(ctx context.Context, sessionID string, questionIndex int) ([]domain.Response, error)
	AllResponses(ctx context.Context, sessionID string) ([]domain.Response, error)
	ClearResponses(ctx context.Context, sessionID string) error
	// Subscribe delivers a snapshot after every successful session write. The
	// caller must invoke cancel to avoid leaks.
	Subscribe(sessionID string) (<-chan Document, func(), error)
}

// QuestionSetRepository loads quiz content (from cache/backing store).
type QuestionSetRepository interface {
	GetQuestionSet(ctx context.Context, setID string) (domain.QuestionSet, error)
}

// defaultMutateRetries bounds how often a read-modify-write is retried after
// losing a version race before the conflict is surfaced.
const defaultMutateRetries = 3

// errNoChange lets an apply func abort a mutation without writing; the
// session read at the start of the attempt is returned unchanged.
var errNoChange = errors.New("no change")

// mutateSession performs a read-modify-write under optimistic concurrency:
// fresh read, apply, conditional write, retry on version conflict.
func mutateSession(ctx context.Context, store DocumentStore, retries int, sessionID string, apply func(*domain.Session) error) (domain.Session, error) {
	if retries < 1 {
		retries = defaultMutateRetries
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		doc, err := store.Get(ctx, sessionID)
		if err != nil {
			return domain.Session{}, err
		}
		session := doc.Session.Clone()
		if err := apply(&session); err != nil {
			if errors.Is(err, errNoChange) {
				return doc.Session, nil
			}
			return domain.Session{}, err
		}
		if err := store.Update(ctx, sessionID, doc.Version, session); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return domain.Session{}, err
		}
		return session, nil
	}
	return domain.Session{}, lastErr
}
