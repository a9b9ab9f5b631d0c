// Package store wraps the shared TTL store (Redis) behind the narrow
// interface the cache and admission controller need. Counters are
// at-least-once within a window; strict linearizability is not required.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for absent or expired keys.
var ErrNotFound = errors.New("store: key not found")

// Store is the shared TTL key/value contract.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}
