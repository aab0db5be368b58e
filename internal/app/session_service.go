package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"quizlive-service/internal/domain"
)

// SessionService owns the session lifecycle: drafting, opening for join,
// roster management and launch. Question progression is the Advancer's job.
type SessionService struct {
	store   DocumentStore
	sets    QuestionSetRepository
	now     func() time.Time
	retries int

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSessionService(store DocumentStore, sets QuestionSetRepository) *SessionService {
	return &SessionService{
		store:   store,
		sets:    sets,
		now:     time.Now,
		retries: defaultMutateRetries,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSessionServiceWithClock is test-only for deterministic timestamps.
func NewSessionServiceWithClock(store DocumentStore, sets QuestionSetRepository, now func() time.Time) *SessionService {
	s := NewSessionService(store, sets)
	s.now = now
	return s
}

// CreateDraft starts an empty session the host fills with questions.
func (s *SessionService) CreateDraft(ctx context.Context, hostID string) (domain.Session, error) {
	return s.create(ctx, hostID, nil, domain.StatusDraft)
}

// CreateFromSet builds a session directly from a stored question set; the
// questions are frozen immediately, so the session starts out Created.
func (s *SessionService) CreateFromSet(ctx context.Context, hostID, setID string) (domain.Session, error) {
	set, err := s.sets.GetQuestionSet(ctx, setID)
	if err != nil {
		return domain.Session{}, err
	}
	if len(set.Questions) < 1 {
		return domain.Session{}, fmt.Errorf("%w: question set %s is empty", domain.ErrIllegalTransition, setID)
	}
	if err := domain.ValidateQuestions(set.Questions); err != nil {
		return domain.Session{}, err
	}
	return s.create(ctx, hostID, set.Questions, domain.StatusCreated)
}

func (s *SessionService) create(ctx context.Context, hostID string, questions []domain.Question, status domain.Status) (domain.Session, error) {
	id := s.newSessionID()
	// The store refuses a code held by another non-ended session, so two
	// hosts creating concurrently cannot both win the same code; losing the
	// claim just re-rolls.
	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		session := domain.Session{
			ID:                   id,
			JoinCode:             s.randomJoinCode(),
			HostID:               hostID,
			Status:               status,
			Questions:            questions,
			CurrentQuestionIndex: 0,
			CreatedAt:            s.now(),
		}
		err := s.store.Create(ctx, session)
		if errors.Is(err, domain.ErrJoinCodeTaken) {
			continue
		}
		if err != nil {
			return domain.Session{}, err
		}
		return session, nil
	}
	return domain.Session{}, fmt.Errorf("could not claim a free join code after %d attempts", joinCodeAttempts)
}

// AddQuestion appends a question to a draft session.
func (s *SessionService) AddQuestion(ctx context.Context, sessionID string, q domain.Question) (domain.Session, error) {
	if err := domain.ValidateQuestions([]domain.Question{q}); err != nil {
		return domain.Session{}, err
	}
	return mutateSession(ctx, s.store, s.retries, sessionID, func(session *domain.Session) error {
		if session.Status != domain.StatusDraft {
			return fmt.Errorf("%w: questions are frozen once the draft is finalized", domain.ErrIllegalTransition)
		}
		session.Questions = append(session.Questions, q)
		return nil
	})
}

// FinalizeDraft freezes the question list; the session becomes Created.
func (s *SessionService) FinalizeDraft(ctx context.Context, sessionID string) (domain.Session, error) {
	return mutateSession(ctx, s.store, s.retries, sessionID, func(session *domain.Session) error {
		next, err := domain.NextStatus(session.Status, domain.EventFinalizeDraft, domain.Guard{QuestionCount: len(session.Questions)})
		if err != nil {
			return err
		}
		if err := domain.ValidateQuestions(session.Questions); err != nil {
			return err
		}
		session.Status = next
		return nil
	})
}

// Open makes a created session joinable by its code.
func (s *SessionService) Open(ctx context.Context, sessionID string) (domain.Session, error) {
	return mutateSession(ctx, s.store, s.retries, sessionID, func(session *domain.Session) error {
		next, err := domain.NextStatus(session.Status, domain.EventOpen, domain.Guard{})
		if err != nil {
			return err
		}
		session.Status = next
		session.CurrentQuestionIndex = 0
		session.Roster = nil
		return nil
	})
}

// Reopen resets a created or finished session for a fresh run: roster and
// response log are cleared and the session is joinable again. A code freed
// while the session was ended may have been reassigned to a newer session;
// reopening rolls a fresh code in that case so the holder keeps its own.
func (s *SessionService) Reopen(ctx context.Context, sessionID string) (domain.Session, error) {
	doc, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	code := doc.Session.JoinCode
	owner, err := s.store.FindByJoinCode(ctx, code)
	switch {
	case err == nil && owner.Session.ID != sessionID:
		if code, err = s.uniqueJoinCode(ctx); err != nil {
			return domain.Session{}, err
		}
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.Session{}, err
	}
	session, err := mutateSession(ctx, s.store, s.retries, sessionID, func(session *domain.Session) error {
		next, err := domain.NextStatus(session.Status, domain.EventReopen, domain.Guard{})
		if err != nil {
			return err
		}
		session.Status = next
		session.JoinCode = code
		session.CurrentQuestionIndex = 0
		session.Roster = nil
		session.QuestionStartedAt = time.Time{}
		session.ExpectedCount = 0
		session.ForceAdvance = false
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	if err := s.store.ClearResponses(ctx, sessionID); err != nil {
		return domain.Session{}, fmt.Errorf("clear responses: %w", err)
	}
	return session, nil
}

// Join admits a participant to a session resolved by join code. Joining is
// idempotent: a retry for an already-admitted uid returns the current session
// rather than an error.
func (s *SessionService) Join(ctx context.Context, joinCode, participantID, displayName string) (domain.Session, error) {
	doc, err := s.store.FindByJoinCode(ctx, joinCode)
	if err != nil {
		return domain.Session{}, err
	}
	if doc.Session.Status != domain.StatusOpenForJoin {
		return domain.Session{}, domain.ErrSessionNotJoinable
	}
	if _, ok := doc.Session.Participant(participantID); ok {
		return doc.Session, nil
	}
	session, err := mutateSession(ctx, s.store, s.retries, doc.Session.ID, func(session *domain.Session) error {
		if session.Status != domain.StatusOpenForJoin {
			return domain.ErrSessionNotJoinable
		}
		if _, ok := session.Participant(participantID); ok {
			// Lost a race against our own retry; nothing to do.
			return errNoChange
		}
		session.Roster = append(session.Roster, domain.Participant{
			UID:         participantID,
			DisplayName: displayName,
			JoinedAt:    s.now(),
		})
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// Launch starts the run: first question goes live, the quorum snapshot is
// taken, and the question timer epoch is recorded.
func (s *SessionService) Launch(ctx context.Context, sessionID string) (domain.Session, error) {
	return mutateSession(ctx, s.store, s.retries, sessionID, func(session *domain.Session) error {
		next, err := domain.NextStatus(session.Status, domain.EventLaunch, domain.Guard{
			QuestionCount: len(session.Questions),
			RosterSize:    len(session.Roster),
		})
		if err != nil {
			return err
		}
		if err := domain.ValidateQuestions(session.Questions); err != nil {
			return err
		}
		session.Status = next
		session.CurrentQuestionIndex = 0
		session.QuestionStartedAt = s.now()
		session.ExpectedCount = len(session.Roster)
		session.ForceAdvance = false
		return nil
	})
}

// Get returns the current session document.
func (s *SessionService) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	doc, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	return doc.Session, nil
}

// Scoreboard computes the final standings from the response log. It is only
// meaningful once the session has ended.
func (s *SessionService) Scoreboard(ctx context.Context, sessionID string) ([]ScoreboardEntry, error) {
	doc, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if doc.Session.Status != domain.StatusEnded {
		return nil, fmt.Errorf("%w: session has not ended", domain.ErrIllegalTransition)
	}
	responses, err := s.store.AllResponses(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return FinalScoreboard(doc.Session, ComputeFinalScores(doc.Session, responses)), nil
}

// joinCodeAttempts bounds the collision re-roll loop; six random digits make
// collisions rare enough that running out means the store is unhealthy.
const joinCodeAttempts = 10

func (s *SessionService) randomJoinCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%06d", 100000+s.rnd.Intn(900000))
}

func (s *SessionService) uniqueJoinCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		code := s.randomJoinCode()
		_, err := s.store.FindByJoinCode(ctx, code)
		if errors.Is(err, domain.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("could not find a free join code after %d attempts", joinCodeAttempts)
}

func (s *SessionService) newSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = hexDigits[s.rnd.Intn(len(hexDigits))]
	}
	return string(buf)
}
