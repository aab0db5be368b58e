package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"quizlive-service/internal/app"
	"quizlive-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DocumentStore is a Redis-backed implementation of app.DocumentStore.
// Layout:
//   - Session JSON:     SET  quiz:session:{id}
//   - Version counter:  SET  quiz:session:{id}:version   (starts at 1)
//   - Responses:        HSET quiz:session:{id}:responses {qIdx}:{participantId} -> JSON
//   - Join-code index:  SETNX quiz:joincode:{code} -> session id (removed on end)
//   - Change feed:      PUBLISH quiz:session:{id}:events  (full document JSON)
//
// The conditional write runs as a Lua script comparing the version counter,
// so two racing writers can never both succeed. Response uniqueness rides on
// HSETNX.
type DocumentStore struct {
	client *redis.Client
}

func NewDocumentStore(client *redis.Client) *DocumentStore {
	return &DocumentStore{client: client}
}

// casScript compares the stored version and swaps the session document
// atomically. Returns 1 on success, 0 on conflict.
var casScript = redis.NewScript(`
if redis.call('GET', KEYS[2]) ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('INCR', KEYS[2])
return 1
`)

type changeEnvelope struct {
	Session domain.Session `json:"session"`
	Version int64          `json:"version"`
}

func (s *DocumentStore) Create(ctx context.Context, session domain.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if session.JoinCode != "" {
		// Claim the code entry before the document so two concurrent creates
		// cannot both win the same code.
		claimed, err := s.client.SetNX(ctx, s.codeKey(session.JoinCode), session.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("claim join code: %w", err)
		}
		if !claimed {
			return domain.ErrJoinCodeTaken
		}
	}
	ok, err := s.client.SetNX(ctx, s.docKey(session.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		if session.JoinCode != "" {
			_ = s.client.Del(ctx, s.codeKey(session.JoinCode)).Err()
		}
		return fmt.Errorf("session %s already exists", session.ID)
	}
	if err := s.client.Set(ctx, s.versionKey(session.ID), "1", 0).Err(); err != nil {
		return fmt.Errorf("init version: %w", err)
	}
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, sessionID string) (app.Document, error) {
	raw, err := s.client.Get(ctx, s.docKey(sessionID)).Result()
	if err == redis.Nil {
		return app.Document{}, domain.ErrNotFound
	}
	if err != nil {
		return app.Document{}, fmt.Errorf("get session: %w", err)
	}
	verRaw, err := s.client.Get(ctx, s.versionKey(sessionID)).Result()
	if err != nil {
		return app.Document{}, fmt.Errorf("get version: %w", err)
	}
	version, err := strconv.ParseInt(verRaw, 10, 64)
	if err != nil {
		return app.Document{}, fmt.Errorf("parse version: %w", err)
	}
	var session domain.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return app.Document{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return app.Document{Session: session, Version: version}, nil
}

func (s *DocumentStore) Update(ctx context.Context, sessionID string, expectedVersion int64, session domain.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	// Read the document being replaced so a code change can release the old
	// index entry. If another writer slips in after this read, the version
	// check below fails and the index is never touched.
	prevRaw, err := s.client.Get(ctx, s.docKey(sessionID)).Result()
	if err == redis.Nil {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	var prev domain.Session
	if err := json.Unmarshal([]byte(prevRaw), &prev); err != nil {
		return fmt.Errorf("unmarshal session: %w", err)
	}

	res, err := casScript.Run(ctx, s.client,
		[]string{s.docKey(sessionID), s.versionKey(sessionID)},
		strconv.FormatInt(expectedVersion, 10), string(raw),
	).Int()
	if err != nil {
		return fmt.Errorf("conditional update: %w", err)
	}
	if res != 1 {
		exists, existsErr := s.client.Exists(ctx, s.versionKey(sessionID)).Result()
		if existsErr == nil && exists == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrVersionConflict
	}

	s.syncJoinCodeIndex(ctx, sessionID, prev, session)

	payload, err := json.Marshal(changeEnvelope{Session: session, Version: expectedVersion + 1})
	if err == nil {
		_ = s.client.Publish(ctx, s.eventsKey(sessionID), payload).Err()
	}
	return nil
}

// syncJoinCodeIndex keeps the code entry in step with the session: codes only
// resolve while the session has not ended, a session releases only an entry it
// owns, and it never overwrites an entry held by another session (a freed code
// may have been reassigned while this one was ended).
func (s *DocumentStore) syncJoinCodeIndex(ctx context.Context, sessionID string, prev, next domain.Session) {
	if prev.JoinCode != "" && prev.JoinCode != next.JoinCode {
		s.releaseJoinCode(ctx, sessionID, prev.JoinCode)
	}
	if next.JoinCode == "" {
		return
	}
	if next.Status == domain.StatusEnded {
		s.releaseJoinCode(ctx, sessionID, next.JoinCode)
		return
	}
	_ = s.client.SetNX(ctx, s.codeKey(next.JoinCode), sessionID, 0).Err()
}

func (s *DocumentStore) releaseJoinCode(ctx context.Context, sessionID, code string) {
	owner, err := s.client.Get(ctx, s.codeKey(code)).Result()
	if err == nil && owner == sessionID {
		_ = s.client.Del(ctx, s.codeKey(code)).Err()
	}
}

func (s *DocumentStore) FindByJoinCode(ctx context.Context, code string) (app.Document, error) {
	sessionID, err := s.client.Get(ctx, s.codeKey(code)).Result()
	if err == redis.Nil {
		return app.Document{}, domain.ErrNotFound
	}
	if err != nil {
		return app.Document{}, fmt.Errorf("resolve join code: %w", err)
	}
	doc, err := s.Get(ctx, sessionID)
	if err != nil {
		return app.Document{}, err
	}
	if doc.Session.Status == domain.StatusEnded {
		return app.Document{}, domain.ErrNotFound
	}
	return doc, nil
}

func (s *DocumentStore) AppendResponse(ctx context.Context, sessionID string, response domain.Response) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	field := fmt.Sprintf("%d:%s", response.QuestionIndex, response.ParticipantID)
	ok, err := s.client.HSetNX(ctx, s.responsesKey(sessionID), field, raw).Result()
	if err != nil {
		return fmt.Errorf("append response: %w", err)
	}
	if !ok {
		return domain.ErrDuplicateSubmission
	}
	return nil
}

func (s *DocumentStore) Responses(ctx context.Context, sessionID string, questionIndex int) ([]domain.Response, error) {
	all, err := s.client.HGetAll(ctx, s.responsesKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read responses: %w", err)
	}
	prefix := strconv.Itoa(questionIndex) + ":"
	var out []domain.Response
	for field, raw := range all {
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		var r domain.Response
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal response %s: %w", field, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *DocumentStore) AllResponses(ctx context.Context, sessionID string) ([]domain.Response, error) {
	all, err := s.client.HGetAll(ctx, s.responsesKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read responses: %w", err)
	}
	out := make([]domain.Response, 0, len(all))
	for field, raw := range all {
		var r domain.Response
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal response %s: %w", field, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *DocumentStore) ClearResponses(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.responsesKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear responses: %w", err)
	}
	return nil
}

func (s *DocumentStore) Subscribe(sessionID string) (<-chan app.Document, func(), error) {
	pubsub := s.client.Subscribe(context.Background(), s.eventsKey(sessionID))
	ch := make(chan app.Document, 8)

	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			var env changeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			doc := app.Document{Session: env.Session, Version: env.Version}
			select {
			case ch <- doc:
			default:
				// Drop the oldest snapshot rather than block on a slow
				// consumer; subscribers only care about the latest state.
				select {
				case <-ch:
				default:
				}
				ch <- doc
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return ch, cancel, nil
}

func (s *DocumentStore) docKey(sessionID string) string { return "quiz:session:" + sessionID }
func (s *DocumentStore) versionKey(id string) string    { return s.docKey(id) + ":version" }
func (s *DocumentStore) responsesKey(id string) string  { return s.docKey(id) + ":responses" }
func (s *DocumentStore) eventsKey(id string) string     { return s.docKey(id) + ":events" }
func (s *DocumentStore) codeKey(code string) string     { return "quiz:joincode:" + code }
