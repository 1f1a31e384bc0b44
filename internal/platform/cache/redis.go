package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions bounds every network interaction so a dead cache never
// stalls a request for long.
type RedisOptions struct {
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolTimeout     time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	HealthInterval  time.Duration
}

// DefaultRedisOptions returns the production timeouts.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		DialTimeout:     2 * time.Second,
		ReadTimeout:     500 * time.Millisecond,
		WriteTimeout:    500 * time.Millisecond,
		PoolTimeout:     time.Second,
		MaxRetries:      1,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		HealthInterval:  5 * time.Second,
	}
}

// Redis is a Store backed by go-redis. Availability is tracked by a
// background ping loop and by command failures, so Available never blocks.
type Redis struct {
	client redis.UniversalClient
	logger zerolog.Logger
	up     atomic.Bool
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewRedis parses url, connects with bounded timeouts and starts the health
// loop. A failed initial ping is not an error: the store starts unavailable
// and recovers when the server comes back.
func NewRedis(ctx context.Context, url string, opts RedisOptions, logger zerolog.Logger) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ropts.DialTimeout = opts.DialTimeout
	ropts.ReadTimeout = opts.ReadTimeout
	ropts.WriteTimeout = opts.WriteTimeout
	ropts.PoolTimeout = opts.PoolTimeout
	ropts.MaxRetries = opts.MaxRetries
	ropts.MinRetryBackoff = opts.MinRetryBackoff
	ropts.MaxRetryBackoff = opts.MaxRetryBackoff

	r := newRedisWithClient(redis.NewClient(ropts), logger)
	r.probe(ctx)

	interval := opts.HealthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r.wg.Add(1)
	go r.healthLoop(interval)

	return r, nil
}

func newRedisWithClient(client redis.UniversalClient, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		done:   make(chan struct{}),
	}
}

func (r *Redis) Available() bool { return r.up.Load() }

func (r *Redis) Backend() string { return "redis" }

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !r.Available() {
		return ErrUnavailable
	}
	if ttl <= 0 {
		return nil
	}
	return r.observe(ctx, r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if !r.Available() {
		return nil, ErrUnavailable
	}
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, r.observe(ctx, err)
	}
	return b, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if !r.Available() {
		return ErrUnavailable
	}
	return r.observe(ctx, r.client.Del(ctx, keys...).Err())
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if !r.Available() {
		return false, ErrUnavailable
	}
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, r.observe(ctx, err)
	}
	return n > 0, nil
}

// Close stops the health loop and closes the client.
func (r *Redis) Close() error {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
	return r.client.Close()
}

// observe flips the store to unavailable on transport failures. Server-side
// command errors and the caller's own cancellation leave availability alone.
func (r *Redis) observe(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var serverErr redis.Error
	if errors.As(err, &serverErr) {
		return err
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	if r.up.CompareAndSwap(true, false) {
		r.logger.Warn().Err(err).Msg("redis unreachable, falling back to database")
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (r *Redis) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	err := r.client.Ping(pctx).Err()
	switch {
	case err == nil && r.up.CompareAndSwap(false, true):
		r.logger.Info().Msg("redis available")
	case err != nil && r.up.CompareAndSwap(true, false):
		r.logger.Warn().Err(err).Msg("redis health check failed")
	}
}

func (r *Redis) healthLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.probe(context.Background())
		}
	}
}
