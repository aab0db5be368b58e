package app

import (
	"context"
	"errors"
	"log"
	"time"

	"quizlive-service/internal/domain"
)

// DefaultGraceDelay is the pause between an advance trigger (timeout or
// quorum) and the actual question transition, so players see answer feedback
// before the question changes.
const DefaultGraceDelay = 3 * time.Second

// Advancer is the host-side controller that moves a session from question to
// question. It reacts to two triggers, whichever fires first: the question
// timer expiring, and the force-advance flag raised when every expected
// participant has answered. Both funnel into one ordered event channel
// consumed by a single loop, and the state-changing step re-checks the
// authoritative index inside a conditional write, so a stale timer or a stale
// quorum signal can never advance the session twice.
type Advancer struct {
	store   DocumentStore
	grace   time.Duration
	retries int
	now     func() time.Time
}

func NewAdvancer(store DocumentStore, grace time.Duration) *Advancer {
	if grace <= 0 {
		grace = DefaultGraceDelay
	}
	return &Advancer{store: store, grace: grace, retries: defaultMutateRetries, now: time.Now}
}

// NewAdvancerWithClock is test-only for deterministic timestamps.
func NewAdvancerWithClock(store DocumentStore, grace time.Duration, now func() time.Time) *Advancer {
	a := NewAdvancer(store, grace)
	a.now = now
	return a
}

type advancerEventKind int

const (
	evDocChanged advancerEventKind = iota
	evTimerExpired
	evGraceElapsed
)

type advancerEvent struct {
	kind          advancerEventKind
	questionIndex int
	session       domain.Session
}

// Run drives the session until it ends or ctx is canceled. Exactly one Run
// per session may be active; the host role owns it.
func (a *Advancer) Run(ctx context.Context, sessionID string) error {
	updates, cancelSub, err := a.store.Subscribe(sessionID)
	if err != nil {
		return err
	}
	defer cancelSub()

	events := make(chan advancerEvent, 16)
	go func() {
		for doc := range updates {
			select {
			case events <- advancerEvent{kind: evDocChanged, session: doc.Session}:
			case <-ctx.Done():
				return
			}
		}
	}()

	st := &advancerState{trackedIndex: -1, graceFor: -1}
	defer st.stopTimers()

	// Seed from the current document so a controller started mid-question
	// picks up the remaining time instead of waiting for the next write.
	doc, err := a.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if done := a.handleSnapshot(ctx, sessionID, doc.Session, st, events); done {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			switch ev.kind {
			case evDocChanged:
				if done := a.handleSnapshot(ctx, sessionID, ev.session, st, events); done {
					return nil
				}
			case evTimerExpired:
				if ev.questionIndex != st.trackedIndex || st.graceFor == ev.questionIndex {
					continue // stale timer, or a grace delay already runs for this question
				}
				a.startGrace(ctx, st, ev.questionIndex, events)
			case evGraceElapsed:
				if ev.questionIndex != st.trackedIndex {
					continue
				}
				st.graceFor = -1
				if err := a.advanceOrEnd(ctx, sessionID, ev.questionIndex); err != nil {
					// Conflicts exhaust their retries inside advanceOrEnd;
					// the next document change re-drives the loop.
					log.Printf("session %s: advance from question %d failed: %v", sessionID, ev.questionIndex, err)
				}
			}
		}
	}
}

type advancerState struct {
	trackedIndex  int
	graceFor      int
	questionTimer *time.Timer
	graceTimer    *time.Timer
}

func (st *advancerState) stopTimers() {
	if st.questionTimer != nil {
		st.questionTimer.Stop()
		st.questionTimer = nil
	}
	st.stopGrace()
}

func (st *advancerState) stopGrace() {
	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}
	st.graceFor = -1
}

// handleSnapshot reconciles the loop state with a fresh session snapshot.
// It reports true once the session has ended and the controller should stop.
func (a *Advancer) handleSnapshot(ctx context.Context, sessionID string, session domain.Session, st *advancerState, events chan<- advancerEvent) bool {
	if session.Status == domain.StatusEnded {
		st.stopTimers()
		return true
	}
	if session.Status != domain.StatusInProgress {
		st.stopTimers()
		st.trackedIndex = -1
		return false
	}

	idx := session.CurrentQuestionIndex
	if idx != st.trackedIndex {
		st.stopTimers()
		st.trackedIndex = idx
		question, ok := session.CurrentQuestion()
		if !ok {
			// Index ran past the last question without the status flipping;
			// close the run directly.
			if err := a.advanceOrEnd(ctx, sessionID, idx); err != nil {
				log.Printf("session %s: ending run at index %d failed: %v", sessionID, idx, err)
			}
			return false
		}
		remaining := question.TimeLimit() - a.now().Sub(session.QuestionStartedAt)
		if remaining < 0 {
			remaining = 0
		}
		st.questionTimer = time.AfterFunc(remaining, func() {
			select {
			case events <- advancerEvent{kind: evTimerExpired, questionIndex: idx}:
			case <-ctx.Done():
			}
		})
	}

	if session.ForceAdvance && st.graceFor != idx {
		// Quorum fired first; the question timer is moot now.
		if st.questionTimer != nil {
			st.questionTimer.Stop()
			st.questionTimer = nil
		}
		a.startGrace(ctx, st, idx, events)
	}
	return false
}

func (a *Advancer) startGrace(ctx context.Context, st *advancerState, questionIndex int, events chan<- advancerEvent) {
	st.stopGrace()
	st.graceFor = questionIndex
	st.graceTimer = time.AfterFunc(a.grace, func() {
		select {
		case events <- advancerEvent{kind: evGraceElapsed, questionIndex: questionIndex}:
		case <-ctx.Done():
		}
	})
}

// advanceOrEnd is the compare-and-advance step. It re-reads the authoritative
// document, records a no-answer response for every expected participant who
// stayed silent, then bumps the index (or ends the run) conditioned on the
// index still matching the one the trigger was raised for.
func (a *Advancer) advanceOrEnd(ctx context.Context, sessionID string, questionIndex int) error {
	doc, err := a.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session := doc.Session
	if session.Status != domain.StatusInProgress || session.CurrentQuestionIndex != questionIndex {
		return nil // another trigger already advanced past this question
	}

	responses, err := a.store.Responses(ctx, sessionID, questionIndex)
	if err != nil {
		return err
	}
	answered := distinctParticipants(responses)
	for _, p := range session.Roster {
		if _, ok := answered[p.UID]; ok {
			continue
		}
		err := a.store.AppendResponse(ctx, sessionID, domain.Response{
			ParticipantID:  p.UID,
			QuestionIndex:  questionIndex,
			SelectedOption: domain.NoAnswer,
			SubmittedAt:    a.now(),
		})
		// A submission racing the fill keeps the participant's real answer.
		if err != nil && !errors.Is(err, domain.ErrDuplicateSubmission) {
			return err
		}
	}

	// The log for this run is complete from here on; fetch it once for
	// end-of-run scoring.
	allResponses, err := a.store.AllResponses(ctx, sessionID)
	if err != nil {
		return err
	}

	_, err = mutateSession(ctx, a.store, a.retries, sessionID, func(session *domain.Session) error {
		if session.Status != domain.StatusInProgress || session.CurrentQuestionIndex != questionIndex {
			return errNoChange
		}
		next, err := domain.NextStatus(session.Status, domain.EventAdvance, domain.Guard{
			QuestionCount: len(session.Questions),
			NextIndex:     questionIndex + 1,
		})
		if err != nil {
			return err
		}
		session.ForceAdvance = false
		if next == domain.StatusEnded {
			session.Status = domain.StatusEnded
			session.CurrentQuestionIndex = len(session.Questions)
			scores := ComputeFinalScores(*session, allResponses)
			for i := range session.Roster {
				session.Roster[i].Score = scores[session.Roster[i].UID]
			}
			return nil
		}
		session.Status = next
		session.CurrentQuestionIndex = questionIndex + 1
		session.QuestionStartedAt = a.now()
		session.ExpectedCount = len(session.Roster)
		return nil
	})
	return err
}
