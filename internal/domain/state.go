package domain

import "fmt"

// Event is a session lifecycle trigger.
type Event string

const (
	EventFinalizeDraft Event = "finalize_draft"
	EventOpen          Event = "open"
	EventLaunch        Event = "launch"
	EventAdvance       Event = "advance"
	EventReopen        Event = "reopen"
)

// Guard carries the inputs the transition table needs beyond the current
// status itself.
type Guard struct {
	QuestionCount int
	RosterSize    int
	// NextIndex is the question index the session would move to on an
	// advance event; equal to QuestionCount means the run is over.
	NextIndex int
}

// NextStatus encodes the session legality table as a pure function. Every
// mutation path goes through it rather than assigning Status directly.
func NextStatus(current Status, ev Event, g Guard) (Status, error) {
	switch ev {
	case EventFinalizeDraft:
		if current != StatusDraft {
			return current, transitionErr(current, ev)
		}
		if g.QuestionCount < 1 {
			return current, fmt.Errorf("%w: draft has no questions", ErrIllegalTransition)
		}
		return StatusCreated, nil

	case EventOpen:
		if current != StatusCreated {
			return current, transitionErr(current, ev)
		}
		return StatusOpenForJoin, nil

	case EventReopen:
		// A host may reopen a finished or freshly created session for a new
		// run; reopening clears roster and responses.
		switch current {
		case StatusCreated, StatusEnded, StatusOpenForJoin:
			return StatusOpenForJoin, nil
		}
		return current, transitionErr(current, ev)

	case EventLaunch:
		if current != StatusOpenForJoin {
			return current, transitionErr(current, ev)
		}
		if g.RosterSize < 1 {
			return current, fmt.Errorf("%w: no participants joined", ErrIllegalTransition)
		}
		if g.QuestionCount < 1 {
			return current, fmt.Errorf("%w: no questions", ErrIllegalTransition)
		}
		return StatusInProgress, nil

	case EventAdvance:
		if current != StatusInProgress {
			return current, transitionErr(current, ev)
		}
		if g.NextIndex >= g.QuestionCount {
			return StatusEnded, nil
		}
		return StatusInProgress, nil
	}
	return current, fmt.Errorf("%w: unknown event %q", ErrIllegalTransition, ev)
}

// ValidateQuestions rejects malformed quiz content before it can reach a
// running session.
func ValidateQuestions(questions []Question) error {
	for i, q := range questions {
		if len(q.Options) < 2 || len(q.Options) > 4 {
			return fmt.Errorf("%w: question %d has %d options, want 2-4", ErrIllegalTransition, i, len(q.Options))
		}
		if q.CorrectOptionIndex < 0 || q.CorrectOptionIndex >= len(q.Options) {
			return fmt.Errorf("%w: question %d correct option out of range", ErrIllegalTransition, i)
		}
		if q.TimeLimitSeconds <= 0 {
			return fmt.Errorf("%w: question %d has no time limit", ErrIllegalTransition, i)
		}
	}
	return nil
}

func transitionErr(current Status, ev Event) error {
	return fmt.Errorf("%w: %s from %s", ErrIllegalTransition, ev, current)
}
