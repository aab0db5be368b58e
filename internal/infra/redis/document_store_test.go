package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quizlive-service/internal/domain"
)

func newTestStore(t *testing.T) (*DocumentStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDocumentStore(client), mr
}

func testSession(id, code string, status domain.Status) domain.Session {
	return domain.Session{
		ID:       id,
		JoinCode: code,
		HostID:   "host-1",
		Status:   status,
		Questions: []domain.Question{
			{Text: "q", Options: []string{"a", "b"}, CorrectOptionIndex: 0, TimeLimitSeconds: 30},
		},
	}
}

func TestCreateSetsDocumentAndIndexKeys(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	if err := store.Create(ctx, testSession("s1", "123456", domain.StatusOpenForJoin)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !mr.Exists("quiz:session:s1") {
		t.Fatalf("expected session key")
	}
	if got, _ := mr.Get("quiz:session:s1:version"); got != "1" {
		t.Fatalf("expected version 1, got %q", got)
	}
	if got, _ := mr.Get("quiz:joincode:123456"); got != "s1" {
		t.Fatalf("expected join-code index, got %q", got)
	}

	doc, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Version != 1 || doc.Session.JoinCode != "123456" {
		t.Fatalf("unexpected document: version=%d code=%s", doc.Version, doc.Session.JoinCode)
	}
}

func TestUpdateIsConditionalOnVersion(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	session := testSession("s1", "123456", domain.StatusOpenForJoin)
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	session.Status = domain.StatusInProgress
	if err := store.Update(ctx, "s1", 1, session); err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Version != 2 || doc.Session.Status != domain.StatusInProgress {
		t.Fatalf("unexpected document after update: version=%d status=%s", doc.Version, doc.Session.Status)
	}

	// A writer still holding version 1 must lose.
	if err := store.Update(ctx, "s1", 1, session); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	if err := store.Update(ctx, "missing", 1, session); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateRejectsJoinCodeInUse(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.Create(ctx, testSession("s1", "123456", domain.StatusOpenForJoin)); err != nil {
		t.Fatalf("create s1: %v", err)
	}
	err := store.Create(ctx, testSession("s2", "123456", domain.StatusOpenForJoin))
	if !errors.Is(err, domain.ErrJoinCodeTaken) {
		t.Fatalf("expected join code taken, got %v", err)
	}
}

func TestUpdateNeverStealsJoinCodeIndex(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	s1 := testSession("s1", "123456", domain.StatusInProgress)
	if err := store.Create(ctx, s1); err != nil {
		t.Fatalf("create s1: %v", err)
	}
	s1.Status = domain.StatusEnded
	if err := store.Update(ctx, "s1", 1, s1); err != nil {
		t.Fatalf("end s1: %v", err)
	}

	// The freed code is claimed by a newer session.
	if err := store.Create(ctx, testSession("s2", "123456", domain.StatusOpenForJoin)); err != nil {
		t.Fatalf("create s2: %v", err)
	}

	// s1 comes back with a fresh code; s2 keeps the old entry.
	s1.Status = domain.StatusOpenForJoin
	s1.JoinCode = "654321"
	if err := store.Update(ctx, "s1", 2, s1); err != nil {
		t.Fatalf("reopen s1: %v", err)
	}
	if got, _ := mr.Get("quiz:joincode:123456"); got != "s2" {
		t.Fatalf("old code must stay with its new holder, got %q", got)
	}
	if got, _ := mr.Get("quiz:joincode:654321"); got != "s1" {
		t.Fatalf("fresh code must resolve to s1, got %q", got)
	}

	// Changing codes releases the entry the session still owns.
	s1.JoinCode = "111222"
	if err := store.Update(ctx, "s1", 3, s1); err != nil {
		t.Fatalf("update s1: %v", err)
	}
	if mr.Exists("quiz:joincode:654321") {
		t.Fatalf("expected the replaced code entry removed")
	}
	if got, _ := mr.Get("quiz:joincode:111222"); got != "s1" {
		t.Fatalf("expected the new code claimed, got %q", got)
	}
}

func TestJoinCodeIndexRemovedOnEnd(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	session := testSession("s1", "123456", domain.StatusInProgress)
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	session.Status = domain.StatusEnded
	if err := store.Update(ctx, "s1", 1, session); err != nil {
		t.Fatalf("update: %v", err)
	}
	if mr.Exists("quiz:joincode:123456") {
		t.Fatalf("expected join-code key removed once the session ended")
	}
	if _, err := store.FindByJoinCode(ctx, "123456"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendResponseUniqueness(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.Create(ctx, testSession("s1", "123456", domain.StatusInProgress)); err != nil {
		t.Fatalf("create: %v", err)
	}

	r := domain.Response{ParticipantID: "u1", QuestionIndex: 0, SelectedOption: 1, SubmittedAt: time.Now().UTC()}
	if err := store.AppendResponse(ctx, "s1", r); err != nil {
		t.Fatalf("append: %v", err)
	}
	r.SelectedOption = 0
	if err := store.AppendResponse(ctx, "s1", r); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	r.QuestionIndex = 1
	if err := store.AppendResponse(ctx, "s1", r); err != nil {
		t.Fatalf("append next question: %v", err)
	}

	q0, err := store.Responses(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("responses: %v", err)
	}
	if len(q0) != 1 || q0[0].SelectedOption != 1 {
		t.Fatalf("the first write must win, got %+v", q0)
	}
	all, err := store.AllResponses(ctx, "s1")
	if err != nil {
		t.Fatalf("all responses: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(all))
	}

	if err := store.ClearResponses(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := store.AppendResponse(ctx, "s1", r); err != nil {
		t.Fatalf("append after clear: %v", err)
	}
}

func TestSubscribeReceivesPublishedUpdates(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	session := testSession("s1", "123456", domain.StatusOpenForJoin)
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	updates, cancel, err := store.Subscribe("s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Give the pub/sub connection a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	session.Status = domain.StatusInProgress
	if err := store.Update(ctx, "s1", 1, session); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case doc := <-updates:
		if doc.Session.Status != domain.StatusInProgress {
			t.Fatalf("expected in_progress snapshot, got %s", doc.Session.Status)
		}
		if doc.Version != 2 {
			t.Fatalf("expected version 2, got %d", doc.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the update")
	}
}
