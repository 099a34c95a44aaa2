package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/delyftdev/yakdum-insight-flow/internal/domain/ledger"
	"github.com/delyftdev/yakdum-insight-flow/internal/repository"
)

// RedisIntentStore implements IntentStore backed by Redis. Each connect
// attempt gets its own key, so concurrent flows never overwrite each other.
type RedisIntentStore struct {
	client redis.UniversalClient
}

var _ repository.IntentStore = (*RedisIntentStore)(nil)

// NewRedisIntentStore constructs a Redis-backed intent store.
func NewRedisIntentStore(client redis.UniversalClient) *RedisIntentStore {
	return &RedisIntentStore{client: client}
}

// SaveIntent stores the encoded connect intent with TTL.
func (s *RedisIntentStore) SaveIntent(ctx context.Context, key string, intent ledger.ConnectIntent, ttl time.Duration) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist intent: %w", err)
	}
	return nil
}

// GetIntent loads and decodes the intent payload. A missing key returns nil
// without error; the caller decides whether that is a security failure.
func (s *RedisIntentStore) GetIntent(ctx context.Context, key string) (*ledger.ConnectIntent, error) {
	bytes, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load intent: %w", err)
	}
	var intent ledger.ConnectIntent
	if err := json.Unmarshal(bytes, &intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	return &intent, nil
}

// DeleteIntent removes the persisted intent key.
func (s *RedisIntentStore) DeleteIntent(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete intent: %w", err)
	}
	return nil
}
