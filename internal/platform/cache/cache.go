// Package cache is the session accelerator tier: a key-value store with TTLs
// that callers must be able to live without.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMiss is returned by Get when the key does not exist.
	ErrMiss = errors.New("cache: miss")
	// ErrUnavailable is returned by every operation while the backend is
	// known to be unreachable. Callers fall back to durable storage.
	ErrUnavailable = errors.New("cache: unavailable")
)

// Store is the contract the session manager consumes.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Available is a cheap capability check; it never performs I/O.
	Available() bool
	Backend() string
	Close() error
}
