package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"bar-backfill/internal/model"
)

// RedisStore keeps one key per pair holding the JSON checkpoint.
// A single SET replaces the value atomically.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "backfill:checkpoint"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(pair model.Pair) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, pair.Instrument, pair.Resolution)
}

func (s *RedisStore) Load(ctx context.Context, pair model.Pair) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key(pair)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get checkpoint %s: %w", pair, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", pair, err)
	}
	return &cp, nil
}

func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(cp.Pair()), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set checkpoint %s: %w", cp.Pair(), err)
	}
	return nil
}
