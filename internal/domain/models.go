package domain

import "time"

// Status is the lifecycle phase of a quiz session.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusCreated     Status = "created"
	StatusOpenForJoin Status = "open_for_join"
	StatusInProgress  Status = "in_progress"
	StatusEnded       Status = "ended"
)

// NoAnswer is the option value recorded for a participant who never answered
// a question before it closed.
const NoAnswer = -1

// Question is a timed multiple-choice question with 2-4 options.
type Question struct {
	Text               string   `json:"text"`
	Options            []string `json:"options"`
	CorrectOptionIndex int      `json:"correctOptionIndex"`
	TimeLimitSeconds   int      `json:"timeLimitSeconds"`
}

// TimeLimit returns the question's time limit as a duration.
func (q Question) TimeLimit() time.Duration {
	return time.Duration(q.TimeLimitSeconds) * time.Second
}

// Participant is a roster entry. Score stays 0 until the session ends; the
// final standings are written back into the roster then.
type Participant struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"displayName"`
	Score       int       `json:"score"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Session is the shared document one host and many players coordinate on.
type Session struct {
	ID                   string        `json:"id"`
	JoinCode             string        `json:"joinCode"`
	HostID               string        `json:"hostId"`
	Status               Status        `json:"status"`
	Questions            []Question    `json:"questions"`
	CurrentQuestionIndex int           `json:"currentQuestionIndex"`
	Roster               []Participant `json:"roster"`
	// QuestionStartedAt marks when the current question went live; late
	// joiners and reconnects derive remaining time from it.
	QuestionStartedAt time.Time `json:"questionStartedAt"`
	// ExpectedCount is the roster size snapshot taken when the current
	// question went live. Quorum is measured against it, not the live roster.
	ExpectedCount int `json:"expectedCount"`
	// ForceAdvance signals that every expected participant has answered the
	// current question; the advancer consumes and clears it.
	ForceAdvance bool      `json:"forceAdvance"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Response is one append-only answer log entry. At most one exists per
// (participant, question index) pair.
type Response struct {
	ParticipantID  string    `json:"participantId"`
	QuestionIndex  int       `json:"questionIndex"`
	SelectedOption int       `json:"selectedOption"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

// QuestionSet is stored quiz content a host builds sessions from.
type QuestionSet struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// CurrentQuestion returns the live question, or false when the index is past
// the last question (which only happens transiently right before Ended).
func (s Session) CurrentQuestion() (Question, bool) {
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.Questions) {
		return Question{}, false
	}
	return s.Questions[s.CurrentQuestionIndex], true
}

// Participant looks up a roster entry by uid.
func (s Session) Participant(uid string) (Participant, bool) {
	for _, p := range s.Roster {
		if p.UID == uid {
			return p, true
		}
	}
	return Participant{}, false
}

// Clone returns a deep copy so callers can mutate freely without aliasing
// the stored document.
func (s Session) Clone() Session {
	out := s
	out.Questions = append([]Question(nil), s.Questions...)
	for i, q := range out.Questions {
		out.Questions[i].Options = append([]string(nil), q.Options...)
	}
	out.Roster = append([]Participant(nil), s.Roster...)
	return out
}
