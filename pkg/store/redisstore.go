package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store implementation backed by Redis (or any
// Redis-protocol-compatible server), for deployments where the
// single-flight lock and seen-ring must be visible across multiple
// xstream processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client. The caller owns the
// client's lifecycle configuration (addr, auth, TLS); Close closes it.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromAddr dials a Redis server at addr with the given
// database index.
func NewRedisStoreFromAddr(addr string, db int) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{Addr: addr, DB: db}))
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get %s: %w", key, err)
	}
	return v, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: redis set %s: %w", key, err)
	}
	return nil
}

// Del implements Store.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: redis del %s: %w", key, err)
	}
	return nil
}

// ListAppendCapped implements Store using a Redis list: RPUSH then
// LTRIM to the last cap entries, refreshing TTL on each append.
func (s *RedisStore) ListAppendCapped(ctx context.Context, key string, value []byte, cap int, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, value)
	if cap > 0 {
		pipe.LTrim(ctx, key, int64(-cap), -1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis list-append-capped %s: %w", key, err)
	}
	return nil
}

// ListRange implements Store.
func (s *RedisStore) ListRange(ctx context.Context, key string, limit int) ([][]byte, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	vals, err := s.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis list-range %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// SetAdd implements Store using a Redis set.
func (s *RedisStore) SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	pipe := s.client.TxPipeline()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe.SAdd(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis set-add %s: %w", key, err)
	}
	return nil
}

// SetMembers implements Store.
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis set-members %s: %w", key, err)
	}
	return members, nil
}

// SetDiff implements Store by reading the old set, computing the diff in
// Go, then replacing it with newMembers transactionally.
func (s *RedisStore) SetDiff(ctx context.Context, key string, newMembers []string, ttl time.Duration) ([]string, []string, error) {
	prevMembers, err := s.SetMembers(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	prev := make(map[string]struct{}, len(prevMembers))
	for _, m := range prevMembers {
		prev[m] = struct{}{}
	}
	next := make(map[string]struct{}, len(newMembers))

	var added, removed []string
	for _, m := range newMembers {
		next[m] = struct{}{}
		if _, existed := prev[m]; !existed {
			added = append(added, m)
		}
	}
	for m := range prev {
		if _, still := next[m]; !still {
			removed = append(removed, m)
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(newMembers) > 0 {
		args := make([]interface{}, len(newMembers))
		for i, m := range newMembers {
			args[i] = m
		}
		pipe.SAdd(ctx, key, args...)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("store: redis set-diff %s: %w", key, err)
	}
	return added, removed, nil
}

// Incr implements Store using Redis's native atomic INCRBY.
func (s *RedisStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("store: redis incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// unlockScript releases a lock only if the caller's token still matches,
// avoiding a race between checking the holder and deleting the key.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Lock implements Store using Redis's native SETNX semantics (SET with
// NX and EX), storing a fenced token built from owner and the current
// nanosecond timestamp as the value.
func (s *RedisStore) Lock(ctx context.Context, key, owner string, ttl time.Duration) (string, error) {
	token := owner + ":" + fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("store: redis lock %s: %w", key, err)
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

// Unlock implements Store.
func (s *RedisStore) Unlock(ctx context.Context, key, token string) error {
	res, err := unlockScript.Run(ctx, s.client, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("store: redis unlock %s: %w", key, err)
	}
	if res == 0 {
		return ErrLockMismatch
	}
	return nil
}
