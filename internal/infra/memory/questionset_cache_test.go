package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quizlive-service/internal/domain"
	"quizlive-service/internal/infra/memory"
)

type countingLoader struct {
	mu    sync.Mutex
	calls int
	sets  map[string]domain.QuestionSet
}

func (l *countingLoader) LoadQuestionSet(_ context.Context, setID string) (domain.QuestionSet, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	if set, ok := l.sets[setID]; ok {
		return set, nil
	}
	return domain.QuestionSet{}, domain.ErrQuestionSetNotFound
}

func (l *countingLoader) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func TestQuestionSetCacheHitsSkipLoader(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{sets: map[string]domain.QuestionSet{
		"set-1": {ID: "set-1", Title: "General Knowledge"},
	}}
	cache := memory.NewQuestionSetCache(loader, time.Minute)

	for i := 0; i < 3; i++ {
		set, err := cache.GetQuestionSet(ctx, "set-1")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if set.ID != "set-1" {
			t.Fatalf("expected set-1, got %s", set.ID)
		}
	}
	if loader.callCount() != 1 {
		t.Fatalf("expected 1 loader call, got %d", loader.callCount())
	}
}

func TestQuestionSetCacheDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{sets: map[string]domain.QuestionSet{}}
	cache := memory.NewQuestionSetCache(loader, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := cache.GetQuestionSet(ctx, "missing"); !errors.Is(err, domain.ErrQuestionSetNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if loader.callCount() != 2 {
		t.Fatalf("misses must reach the loader each time, got %d calls", loader.callCount())
	}
}

func TestQuestionSetCacheConcurrentLoadsCollapse(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{sets: map[string]domain.QuestionSet{
		"set-1": {ID: "set-1"},
	}}
	cache := memory.NewQuestionSetCache(loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetQuestionSet(ctx, "set-1"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()

	if loader.callCount() != 1 {
		t.Fatalf("expected concurrent loads to collapse to 1 call, got %d", loader.callCount())
	}
}
