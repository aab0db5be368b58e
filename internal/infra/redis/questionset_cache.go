package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"quizlive-service/internal/domain"
	"quizlive-service/internal/infra/memory"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// QuestionSetCache caches question-set JSON in Redis and falls back to a
// loader on cache miss, so quiz content survives process restarts and is
// shared between instances.
type QuestionSetCache struct {
	client *redis.Client
	loader memory.QuestionSetLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewQuestionSetCache(client *redis.Client, loader memory.QuestionSetLoader, ttl time.Duration) *QuestionSetCache {
	return &QuestionSetCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuestionSetCache) GetQuestionSet(ctx context.Context, setID string) (domain.QuestionSet, error) {
	key := c.key(setID)

	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		var set domain.QuestionSet
		if err := json.Unmarshal([]byte(raw), &set); err == nil {
			return set, nil
		}
	}

	result, err, _ := c.sf.Do(setID, func() (interface{}, error) {
		// Re-check the cache in case another goroutine filled it.
		if raw, err := c.client.Get(ctx, key).Result(); err == nil {
			var set domain.QuestionSet
			if err := json.Unmarshal([]byte(raw), &set); err == nil {
				return set, nil
			}
		}

		set, err := c.loader.LoadQuestionSet(ctx, setID)
		if err != nil {
			return domain.QuestionSet{}, err
		}

		raw, err := json.Marshal(set)
		if err != nil {
			return domain.QuestionSet{}, fmt.Errorf("marshal question set: %w", err)
		}
		_ = c.client.Set(ctx, key, raw, c.ttlWithJitter()).Err()
		return set, nil
	})
	if err != nil {
		return domain.QuestionSet{}, err
	}
	return result.(domain.QuestionSet), nil
}

func (c *QuestionSetCache) key(setID string) string {
	return "quiz:set:" + setID
}

func (c *QuestionSetCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
