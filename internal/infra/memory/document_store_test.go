package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"quizlive-service/internal/domain"
	"quizlive-service/internal/infra/memory"
)

func storedSession(id, code string, status domain.Status) domain.Session {
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

func TestConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore()
	session := storedSession("s1", "111111", domain.StatusOpenForJoin)
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	doc, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Version != 1 {
		t.Fatalf("expected version 1, got %d", doc.Version)
	}

	changed := doc.Session
	changed.Status = domain.StatusInProgress
	if err := store.Update(ctx, "s1", doc.Version, changed); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A writer still holding the old version must lose.
	if err := store.Update(ctx, "s1", doc.Version, changed); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	doc, err = store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Version != 2 {
		t.Fatalf("expected version 2, got %d", doc.Version)
	}
	if doc.Session.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", doc.Session.Status)
	}
}

func TestGetUnknownSession(t *testing.T) {
	store := memory.NewDocumentStore()
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFindByJoinCodeSkipsEndedSessions(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore()
	if err := store.Create(ctx, storedSession("s1", "222222", domain.StatusEnded)); err != nil {
		t.Fatalf("create s1: %v", err)
	}
	if err := store.Create(ctx, storedSession("s2", "222222", domain.StatusOpenForJoin)); err != nil {
		t.Fatalf("create s2: %v", err)
	}

	doc, err := store.FindByJoinCode(ctx, "222222")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if doc.Session.ID != "s2" {
		t.Fatalf("expected the live session, got %s", doc.Session.ID)
	}

	if _, err := store.FindByJoinCode(ctx, "999999"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateRejectsJoinCodeInUse(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore()
	if err := store.Create(ctx, storedSession("s1", "666666", domain.StatusOpenForJoin)); err != nil {
		t.Fatalf("create s1: %v", err)
	}

	err := store.Create(ctx, storedSession("s2", "666666", domain.StatusOpenForJoin))
	if !errors.Is(err, domain.ErrJoinCodeTaken) {
		t.Fatalf("expected join code taken, got %v", err)
	}

	// The code frees up once its holder ends.
	ended := storedSession("s1", "666666", domain.StatusEnded)
	if err := store.Update(ctx, "s1", 1, ended); err != nil {
		t.Fatalf("end s1: %v", err)
	}
	if err := store.Create(ctx, storedSession("s2", "666666", domain.StatusOpenForJoin)); err != nil {
		t.Fatalf("create s2 after s1 ended: %v", err)
	}
}

func TestAppendResponseRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore()
	if err := store.Create(ctx, storedSession("s1", "333333", domain.StatusInProgress)); err != nil {
		t.Fatalf("create: %v", err)
	}

	r := domain.Response{ParticipantID: "u1", QuestionIndex: 0, SelectedOption: 1, SubmittedAt: time.Now()}
	if err := store.AppendResponse(ctx, "s1", r); err != nil {
		t.Fatalf("append: %v", err)
	}
	r.SelectedOption = 0
	if err := store.AppendResponse(ctx, "s1", r); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	// Same participant, next question: allowed.
	r.QuestionIndex = 1
	if err := store.AppendResponse(ctx, "s1", r); err != nil {
		t.Fatalf("append next question: %v", err)
	}

	responses, err := store.Responses(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("responses: %v", err)
	}
	if len(responses) != 1 || responses[0].SelectedOption != 1 {
		t.Fatalf("the first write must win, got %+v", responses)
	}
}

func TestClearResponses(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore()
	if err := store.Create(ctx, storedSession("s1", "444444", domain.StatusInProgress)); err != nil {
		t.Fatalf("create: %v", err)
	}
	r := domain.Response{ParticipantID: "u1", QuestionIndex: 0, SelectedOption: 1}
	if err := store.AppendResponse(ctx, "s1", r); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.ClearResponses(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	all, err := store.AllResponses(ctx, "s1")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty log, got %d", len(all))
	}
	// The uniqueness index resets too.
	if err := store.AppendResponse(ctx, "s1", r); err != nil {
		t.Fatalf("append after clear: %v", err)
	}
}

func TestSubscribeDeliversUpdates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocumentStore()
	session := storedSession("s1", "555555", domain.StatusOpenForJoin)
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	updates, cancel, err := store.Subscribe("s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	changed := session.Clone()
	changed.Status = domain.StatusInProgress
	if err := store.Update(ctx, "s1", 1, changed); err != nil {
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
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the update")
	}

	cancel()
	if _, open := <-updates; open {
		t.Fatal("expected a closed channel after cancel")
	}
}
