package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"quizlive-service/internal/domain"
)

// AnswerLedger records answers against the live question and detects quorum.
// It is the only component where concurrent contention is real: two racing
// submissions from the same participant are resolved by the store's
// conditional append, never by last-writer-wins.
type AnswerLedger struct {
	store   DocumentStore
	now     func() time.Time
	retries int
}

func NewAnswerLedger(store DocumentStore) *AnswerLedger {
	return &AnswerLedger{store: store, now: time.Now, retries: defaultMutateRetries}
}

// NewAnswerLedgerWithClock is test-only for deterministic timestamps.
func NewAnswerLedgerWithClock(store DocumentStore, now func() time.Time) *AnswerLedger {
	l := NewAnswerLedger(store)
	l.now = now
	return l
}

// Submit records one answer for the live question. selectedOption must be in
// the question's option range or exactly domain.NoAnswer.
func (l *AnswerLedger) Submit(ctx context.Context, sessionID string, questionIndex int, participantID string, selectedOption int) error {
	doc, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session := doc.Session
	if session.Status != domain.StatusInProgress || questionIndex != session.CurrentQuestionIndex {
		return domain.ErrStaleSubmission
	}
	if _, ok := session.Participant(participantID); !ok {
		return fmt.Errorf("%w: participant %s not in roster", domain.ErrNotFound, participantID)
	}
	question, ok := session.CurrentQuestion()
	if !ok {
		return domain.ErrStaleSubmission
	}
	if selectedOption != domain.NoAnswer && (selectedOption < 0 || selectedOption >= len(question.Options)) {
		return domain.ErrInvalidOption
	}

	if err := l.store.AppendResponse(ctx, sessionID, domain.Response{
		ParticipantID:  participantID,
		QuestionIndex:  questionIndex,
		SelectedOption: selectedOption,
		SubmittedAt:    l.now(),
	}); err != nil {
		return err
	}

	reached, err := l.QuorumReached(ctx, sessionID, questionIndex)
	if err != nil || !reached {
		return err
	}
	l.raiseForceAdvance(ctx, sessionID, questionIndex)
	return nil
}

// QuorumReached reports whether every expected participant has a recorded
// response for the question. Expected is the snapshot taken at question
// start, so a participant who joined mid-question cannot stall the advance.
func (l *AnswerLedger) QuorumReached(ctx context.Context, sessionID string, questionIndex int) (bool, error) {
	doc, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	session := doc.Session
	if session.Status != domain.StatusInProgress || questionIndex != session.CurrentQuestionIndex {
		return false, nil
	}
	responses, err := l.store.Responses(ctx, sessionID, questionIndex)
	if err != nil {
		return false, err
	}
	return len(distinctParticipants(responses)) >= session.ExpectedCount, nil
}

// ResponsesFor returns the recorded responses for a question in submission
// order, for scoring and progress display.
func (l *AnswerLedger) ResponsesFor(ctx context.Context, sessionID string, questionIndex int) ([]domain.Response, error) {
	responses, err := l.store.Responses(ctx, sessionID, questionIndex)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(responses, func(i, j int) bool {
		if !responses[i].SubmittedAt.Equal(responses[j].SubmittedAt) {
			return responses[i].SubmittedAt.Before(responses[j].SubmittedAt)
		}
		return responses[i].ParticipantID < responses[j].ParticipantID
	})
	return responses, nil
}

// raiseForceAdvance flips the session's force-advance flag so the host's
// advancer picks quorum up through its document subscription. Failing to set
// the flag is not fatal: the question timer still closes the question.
func (l *AnswerLedger) raiseForceAdvance(ctx context.Context, sessionID string, questionIndex int) {
	_, err := mutateSession(ctx, l.store, l.retries, sessionID, func(session *domain.Session) error {
		if session.Status != domain.StatusInProgress || session.CurrentQuestionIndex != questionIndex {
			// The session moved on while we were counting; stale signal.
			return errNoChange
		}
		if session.ForceAdvance {
			return errNoChange
		}
		session.ForceAdvance = true
		return nil
	})
	if err != nil {
		log.Printf("session %s: could not raise force-advance for question %d: %v", sessionID, questionIndex, err)
	}
}

func distinctParticipants(responses []domain.Response) map[string]struct{} {
	seen := make(map[string]struct{}, len(responses))
	for _, r := range responses {
		seen[r.ParticipantID] = struct{}{}
	}
	return seen
}
