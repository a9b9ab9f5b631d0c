package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a go-redis client.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to Redis. The connection is verified lazily; call Ping
// at boot to fail fast.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Client exposes the underlying client for components that need richer
// primitives (the export queue uses lists and sorted sets).
func (r *Redis) Client() *redis.Client { return r.rdb }

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.SetEx(ctx, key, value, ttl).Err()
}

func (r *Redis) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return r.rdb.IncrBy(ctx, key, n).Result()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.rdb.TTL(ctx, key).Result()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

// Keys enumerates keys matching a glob pattern via SCAN so the server is
// never blocked by a full KEYS sweep.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := r.rdb.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
