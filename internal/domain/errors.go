package domain

import "errors"

var (
	// ErrSessionNotJoinable is returned when a player tries to join a session
	// that is not open for joining.
	ErrSessionNotJoinable = errors.New("session not joinable")
	// ErrDuplicateSubmission is returned when a participant already has a
	// response recorded for the question.
	ErrDuplicateSubmission = errors.New("duplicate submission")
	// ErrStaleSubmission is returned when an answer targets a question that is
	// no longer (or not yet) live.
	ErrStaleSubmission = errors.New("stale submission")
	// ErrInvalidOption is returned when the selected option is outside the
	// question's option range and is not the no-answer sentinel.
	ErrInvalidOption = errors.New("invalid option")
	// ErrJoinCodeTaken is returned when a session's join code is already held
	// by another session that has not ended.
	ErrJoinCodeTaken = errors.New("join code already taken")
	// ErrIllegalTransition is returned when a session operation is not legal
	// from the session's current status.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrVersionConflict indicates a conditional write lost a race and should
	// be retried from a fresh read.
	ErrVersionConflict = errors.New("version conflict")
	// ErrNotFound is returned when a session (or join code) does not resolve.
	ErrNotFound = errors.New("session not found")
	// ErrQuestionSetNotFound indicates the quiz content could not be loaded.
	ErrQuestionSetNotFound = errors.New("question set not found")
)
