package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const statusKeyPrefix = "fgf:session:status:"

// RedisStatusStore is the live session-status projection served by the ops
// surface.
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{client: client, ttl: ttl}
}

func (s *RedisStatusStore) SetStatus(ctx context.Context, sessionID, status string) error {
	return s.client.Set(ctx, statusKeyPrefix+sessionID, status, s.ttl).Err()
}

func (s *RedisStatusStore) GetStatus(ctx context.Context, sessionID string) (string, error) {
	return s.client.Get(ctx, statusKeyPrefix+sessionID).Result()
}
