package flowstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "gateway:oauth:flow:"

// RedisStore keeps flow state in Redis so several gateway instances can share
// one OAuth flow (start on one, finish on another). Expiry rides on the key
// TTL; updates keep it.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(state string) string {
	return redisKeyPrefix + state
}

func (s *RedisStore) Put(ctx context.Context, st *State) error {
	ttl := time.Until(st.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("flowstate: state %s already expired", st.State)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("flowstate: marshal: %w", err)
	}
	return s.client.Set(ctx, s.key(st.State), raw, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, state string) (*State, error) {
	raw, err := s.client.Get(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("flowstate: redis get: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("flowstate: unmarshal: %w", err)
	}
	return &st, nil
}

func (s *RedisStore) Update(ctx context.Context, state string, fn func(*State) error) error {
	st, err := s.Get(ctx, state)
	if err != nil {
		return err
	}
	if st.Terminal() {
		return ErrTerminal
	}
	if err := fn(st); err != nil {
		return err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("flowstate: marshal: %w", err)
	}
	return s.client.Set(ctx, s.key(state), raw, redis.KeepTTL).Err()
}

func (s *RedisStore) Delete(ctx context.Context, state string) error {
	return s.client.Del(ctx, s.key(state)).Err()
}
