package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"quizlive-service/internal/app"
	"quizlive-service/internal/domain"
	"github.com/gorilla/websocket"
)

// WSHandler wires host and player websocket connections into the session use
// cases. Hosts drive the lifecycle (open, launch, reopen) and run the
// advancement controller; players join by code and submit answers.
type WSHandler struct {
	sessions *app.SessionService
	ledger   *app.AnswerLedger
	advancer *app.Advancer
	store    app.DocumentStore
	upgrader websocket.Upgrader
}

func NewWSHandler(sessions *app.SessionService, ledger *app.AnswerLedger, advancer *app.Advancer, store app.DocumentStore) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		ledger:   ledger,
		advancer: advancer,
		store:    store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionIndex int `json:"questionIndex"`
	Option        int `json:"option"`
}

type answerResult struct {
	QuestionIndex int  `json:"questionIndex"`
	Option        int  `json:"option"`
	Correct       bool `json:"correct"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// questionView is a player-safe question: the correct option index is only
// revealed once the session has ended.
type questionView struct {
	Text               string   `json:"text"`
	Options            []string `json:"options"`
	TimeLimitSeconds   int      `json:"timeLimitSeconds"`
	CorrectOptionIndex *int     `json:"correctOptionIndex,omitempty"`
}

type participantView struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
}

type sessionSnapshot struct {
	ID                   string            `json:"id"`
	JoinCode             string            `json:"joinCode,omitempty"`
	Status               domain.Status     `json:"status"`
	CurrentQuestionIndex int               `json:"currentQuestionIndex"`
	TotalQuestions       int               `json:"totalQuestions"`
	Question             *questionView     `json:"question,omitempty"`
	Roster               []participantView `json:"roster"`
	Answered             int               `json:"answered"`
	Expected             int               `json:"expected"`
	RemainingSeconds     int               `json:"remainingSeconds"`
}

// ServeWS upgrades HTTP requests to websockets and dispatches by role.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("role") {
	case "host":
		h.serveHost(w, r)
	case "player":
		h.servePlayer(w, r)
	default:
		http.Error(w, "role must be host or player", http.StatusBadRequest)
	}
}

func (h *WSHandler) servePlayer(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	userID := r.URL.Query().Get("userId")
	displayName := r.URL.Query().Get("name")
	if code == "" || userID == "" || displayName == "" {
		http.Error(w, "missing code, userId, or name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	session, err := h.sessions.Join(r.Context(), code, userID, displayName)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}

	h.pump(r.Context(), conn, session.ID, false, func(ctx context.Context, send chan<- outboundMessage[any], inbound inboundMessage) {
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}}
				return
			}
			if err := h.ledger.Submit(ctx, session.ID, payload.QuestionIndex, userID, payload.Option); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
				return
			}
			current, err := h.sessions.Get(ctx, session.ID)
			correct := false
			if err == nil && payload.QuestionIndex < len(current.Questions) {
				correct = payload.Option == current.Questions[payload.QuestionIndex].CorrectOptionIndex
			}
			send <- outboundMessage[any]{Type: "answerResult", Payload: answerResult{
				QuestionIndex: payload.QuestionIndex,
				Option:        payload.Option,
				Correct:       correct,
			}}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	})
}

func (h *WSHandler) serveHost(w http.ResponseWriter, r *http.Request) {
	hostID := r.URL.Query().Get("hostId")
	sessionID := r.URL.Query().Get("sessionId")
	setID := r.URL.Query().Get("setId")
	if hostID == "" || (sessionID == "" && setID == "") {
		http.Error(w, "missing hostId and one of sessionId or setId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if sessionID == "" {
		session, err := h.sessions.CreateFromSet(r.Context(), hostID, setID)
		if err != nil {
			_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
			return
		}
		sessionID = session.ID
	}

	advancerCtx, stopAdvancer := context.WithCancel(r.Context())
	defer stopAdvancer()
	advancerDone := make(chan struct{})
	close(advancerDone) // no advancer running yet

	h.pump(r.Context(), conn, sessionID, true, func(ctx context.Context, send chan<- outboundMessage[any], inbound inboundMessage) {
		var err error
		switch inbound.Type {
		case "open":
			_, err = h.sessions.Open(ctx, sessionID)
		case "reopen":
			_, err = h.sessions.Reopen(ctx, sessionID)
		case "launch":
			_, err = h.sessions.Launch(ctx, sessionID)
			if err == nil {
				select {
				case <-advancerDone:
					// No controller for this session yet; start one. The
					// single-writer rule holds because launch commands arrive
					// on this one read loop.
					advancerDone = make(chan struct{})
					go func(done chan struct{}) {
						defer close(done)
						if err := h.advancer.Run(advancerCtx, sessionID); err != nil && advancerCtx.Err() == nil {
							log.Printf("advancer for session %s: %v", sessionID, err)
						}
					}(advancerDone)
				default:
				}
			}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
			return
		}
		if err != nil {
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
		}
	})
}

// pump runs the shared connection machinery: a writer goroutine, a
// subscription fanout pushing session snapshots, and the read loop
// dispatching inbound messages to handle.
func (h *WSHandler) pump(ctx context.Context, conn *websocket.Conn, sessionID string, forHost bool, handle func(context.Context, chan<- outboundMessage[any], inboundMessage)) {
	updates, cancel, err := h.store.Subscribe(sessionID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		ended := false
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg := outboundMessage[any]{Type: "session", Payload: h.snapshot(ctx, update.Session, forHost)}
				select {
				case send <- msg:
				case <-closeSignals:
					return
				}
				if update.Session.Status == domain.StatusEnded && !ended {
					ended = true
					if board, err := h.sessions.Scoreboard(ctx, sessionID); err == nil {
						select {
						case send <- outboundMessage[any]{Type: "scoreboard", Payload: board}:
						case <-closeSignals:
							return
						}
					}
				}
			case <-closeSignals:
				return
			}
		}
	}()

	if session, err := h.sessions.Get(ctx, sessionID); err == nil {
		send <- outboundMessage[any]{Type: "joined", Payload: h.snapshot(ctx, session, forHost)}
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		handle(ctx, send, inbound)
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func (h *WSHandler) snapshot(ctx context.Context, session domain.Session, forHost bool) sessionSnapshot {
	snap := sessionSnapshot{
		ID:                   session.ID,
		Status:               session.Status,
		CurrentQuestionIndex: session.CurrentQuestionIndex,
		TotalQuestions:       len(session.Questions),
		Roster:               make([]participantView, 0, len(session.Roster)),
		Expected:             session.ExpectedCount,
	}
	if forHost || session.Status == domain.StatusOpenForJoin {
		snap.JoinCode = session.JoinCode
	}
	for _, p := range session.Roster {
		snap.Roster = append(snap.Roster, participantView{UID: p.UID, DisplayName: p.DisplayName, Score: p.Score})
	}
	if question, ok := session.CurrentQuestion(); ok && session.Status == domain.StatusInProgress {
		view := &questionView{
			Text:             question.Text,
			Options:          question.Options,
			TimeLimitSeconds: question.TimeLimitSeconds,
		}
		if forHost {
			idx := question.CorrectOptionIndex
			view.CorrectOptionIndex = &idx
		}
		snap.Question = view

		remaining := question.TimeLimit() - time.Since(session.QuestionStartedAt)
		if remaining > 0 {
			snap.RemainingSeconds = int(remaining / time.Second)
		}
		if responses, err := h.store.Responses(ctx, session.ID, session.CurrentQuestionIndex); err == nil {
			seen := make(map[string]struct{}, len(responses))
			for _, r := range responses {
				seen[r.ParticipantID] = struct{}{}
			}
			snap.Answered = len(seen)
		}
	} else if session.Status == domain.StatusEnded && len(session.Questions) > 0 {
		// The run is over; the last question's answer is no longer a secret.
		last := session.Questions[len(session.Questions)-1]
		idx := last.CorrectOptionIndex
		snap.Question = &questionView{
			Text:               last.Text,
			Options:            last.Options,
			TimeLimitSeconds:   last.TimeLimitSeconds,
			CorrectOptionIndex: &idx,
		}
	}
	return snap
}
