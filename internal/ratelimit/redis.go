package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"leora.app/internal/obs"
)

const defaultKeyPrefix = "leora:ratelimit:"

// ErrCorruptEntry reports a stored entry that no longer decodes. The key is
// left in place: dropping a lockout entry would unlock the account.
var ErrCorruptEntry = errors.New("ratelimit: corrupt entry")

// RedisStore shares attempt and lockout entries across processes. Attempt
// keys expire with their window so no sweep is needed.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisClock overrides the time source used to derive key TTLs.
func WithRedisClock(fn func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) attemptKey(id string) string { return s.prefix + "attempts:" + id }
func (s *RedisStore) lockoutKey(id string) string { return s.prefix + "lockout:" + id }

func (s *RedisStore) GetAttempts(ctx context.Context, id string) (AttemptEntry, bool, error) {
	var e AttemptEntry
	ok, err := s.get(ctx, s.attemptKey(id), &e)
	return e, ok, err
}

// PutAttempts stores the window with a TTL ending at ResetAt. A window that
// has already closed is deleted instead.
func (s *RedisStore) PutAttempts(ctx context.Context, id string, entry AttemptEntry) error {
	ttl := entry.ResetAt.Sub(s.now())
	if ttl <= 0 {
		return s.DeleteAttempts(ctx, id)
	}
	return s.set(ctx, s.attemptKey(id), entry, ttl)
}

func (s *RedisStore) DeleteAttempts(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.attemptKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (s *RedisStore) GetLockout(ctx context.Context, id string) (LockoutEntry, bool, error) {
	var e LockoutEntry
	ok, err := s.get(ctx, s.lockoutKey(id), &e)
	return e, ok, err
}

// PutLockout persists the entry without expiry; escalation history outlives
// any single lock.
func (s *RedisStore) PutLockout(ctx context.Context, id string, entry LockoutEntry) error {
	if entry.idle() {
		return s.DeleteLockout(ctx, id)
	}
	return s.set(ctx, s.lockoutKey(id), entry, 0)
}

func (s *RedisStore) DeleteLockout(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.lockoutKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		obs.Logger().WithFields(logrus.Fields{"key": key, "error": err.Error()}).Error("ratelimit_corrupt_entry")
		return false, fmt.Errorf("%w %s: %v", ErrCorruptEntry, key, err)
	}
	return true, nil
}

func (s *RedisStore) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
