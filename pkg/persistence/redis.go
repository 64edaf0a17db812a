package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thepia/flows-auth/pkg/logging"
	"github.com/thepia/flows-auth/pkg/model"
)

// RedisStore is the durable Store backend, shared across OS processes
// standing in for the spec's "contexts" (browser tabs). Grounded on
// taibuivan-yomira's internal/platform/redis client setup and
// internal/users/auth/store_redis.go's key-with-TTL pattern, adapted from
// single-value token records to the full merge-patch SessionRecord this
// engine's spec requires.
type RedisStore struct {
	client    *redis.Client
	namespace string
	userTTL   time.Duration
	now       func() time.Time
}

// RedisStoreOption configures a RedisStore at construction time.
type RedisStoreOption func(*RedisStore)

// WithLastUserTTL overrides the default 30-day last-user retention window
// (spec §3 LastUserRecord: "discarded if older than 30 days").
func WithLastUserTTL(d time.Duration) RedisStoreOption {
	return func(r *RedisStore) { r.userTTL = d }
}

// NewRedisStore returns a RedisStore namespacing all keys under namespace
// (typically the engine's clientId+domain, so multiple tenants can share one
// Redis instance without collision).
func NewRedisStore(client *redis.Client, namespace string, opts ...RedisStoreOption) *RedisStore {
	r := &RedisStore{
		client:    client,
		namespace: namespace,
		userTTL:   model.MaxLastUserAge,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisStore) sessionKey() string {
	return fmt.Sprintf("flows-auth:%s:session", r.namespace)
}

func (r *RedisStore) userKey() string {
	return fmt.Sprintf("flows-auth:%s:last-user", r.namespace)
}

func (r *RedisStore) SaveSession(ctx context.Context, patch SessionPatch) (model.SessionRecord, error) {
	key := r.sessionKey()

	var base model.SessionRecord
	raw, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if decoded, derr := decodeSession(raw); derr == nil {
			base = decoded
		}
	case errors.Is(err, redis.Nil):
		// no existing record; base stays zero-value
	default:
		logging.Warnw("redis session read failed during save", "err", err)
	}

	merged := applyPatch(base, patch)
	encoded, err := encodeSession(merged)
	if err != nil {
		return model.SessionRecord{}, fmt.Errorf("encoding session: %w", err)
	}
	if err := r.client.Set(ctx, key, encoded, 0).Err(); err != nil {
		logging.Warnw("redis session write failed", "err", err)
		return model.SessionRecord{}, fmt.Errorf("persisting session: %w", err)
	}
	return merged, nil
}

func (r *RedisStore) LoadSession(ctx context.Context) (*model.SessionRecord, error) {
	key := r.sessionKey()
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		logging.Warnw("redis session read failed", "err", err)
		return nil, nil
	}

	rec, err := decodeSession(raw)
	if err != nil {
		logging.Warnw("malformed session payload, clearing slot", "err", err)
		_ = r.client.Del(ctx, key).Err()
		return nil, nil
	}
	if rec.Expired(r.now()) {
		_ = r.client.Del(ctx, key).Err()
		return nil, nil
	}
	return &rec, nil
}

func (r *RedisStore) ClearSession(ctx context.Context) error {
	if err := r.client.Del(ctx, r.sessionKey()).Err(); err != nil {
		logging.Warnw("redis session clear failed", "err", err)
	}
	return nil
}

func (r *RedisStore) SaveUser(ctx context.Context, user model.LastUserRecord) error {
	encoded, err := encodeLastUser(user)
	if err != nil {
		return fmt.Errorf("encoding last-user record: %w", err)
	}
	if err := r.client.Set(ctx, r.userKey(), encoded, r.userTTL).Err(); err != nil {
		logging.Warnw("redis last-user write failed", "err", err)
	}
	return nil
}

func (r *RedisStore) GetUser(ctx context.Context) (*model.LastUserRecord, error) {
	raw, err := r.client.Get(ctx, r.userKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		logging.Warnw("redis last-user read failed", "err", err)
		return nil, nil
	}
	u, err := decodeLastUser(raw)
	if err != nil {
		_ = r.client.Del(ctx, r.userKey()).Err()
		return nil, nil
	}
	if u.Stale(r.now()) {
		_ = r.client.Del(ctx, r.userKey()).Err()
		return nil, nil
	}
	return &u, nil
}

func (r *RedisStore) ClearUser(ctx context.Context) error {
	if err := r.client.Del(ctx, r.userKey()).Err(); err != nil {
		logging.Warnw("redis last-user clear failed", "err", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
