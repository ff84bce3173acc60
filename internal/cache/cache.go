// Package cache implements cache-aside reads over Redis with two strategies:
// pass-through with null caching, and logical expiry with background rebuild.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/ariefcatur/go-flash-sale/internal/lock"
)

// NullMarker is written for ids the loader reported absent.
const NullMarker = ""

var ErrNotFound = errors.New("cache: not found")

// Loader fetches the entity from the backing store. A nil value with nil error means absent.
type Loader[T any, ID any] func(ctx context.Context, id ID) (*T, error)

type Options struct {
	NullTTL        time.Duration
	LockTTL        time.Duration
	RebuildWorkers int
	// RebuildTimeout bounds loader calls that run detached from the caller.
	RebuildTimeout time.Duration
	// MutexRetry is the sleep between lock attempts in QueryWithMutex.
	MutexRetry time.Duration
	Now        func() time.Time
}

func (o *Options) defaults() {
	if o.NullTTL <= 0 {
		o.NullTTL = 2 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Second
	}
	if o.RebuildWorkers <= 0 {
		o.RebuildWorkers = 10
	}
	if o.RebuildTimeout <= 0 {
		o.RebuildTimeout = 5 * time.Second
	}
	if o.MutexRetry <= 0 {
		o.MutexRetry = 50 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Client struct {
	rdb     redis.Cmdable
	locker  *lock.Locker
	pool    *RebuildPool
	breaker *gobreaker.CircuitBreaker
	sf      singleflight.Group
	log     zerolog.Logger
	opts    Options
}

func New(rdb redis.Cmdable, locker *lock.Locker, log zerolog.Logger, opts Options) *Client {
	opts.defaults()
	log = log.With().Str("component", "cache").Logger()

	st := gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		// a caller giving up says nothing about Redis health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &Client{
		rdb:     rdb,
		locker:  locker,
		pool:    NewRebuildPool(opts.RebuildWorkers),
		breaker: gobreaker.NewCircuitBreaker(st),
		log:     log,
		opts:    opts,
	}
}

// Set stores value as JSON with a store-level TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

type logicalEntry struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

// SetWithLogicalExpiry stores value wrapped with an expiry timestamp and no store TTL,
// so an expired entry stays readable as a stale fallback.
func (c *Client) SetWithLogicalExpiry(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	b, err := json.Marshal(logicalEntry{Data: data, ExpireTime: c.opts.Now().Add(ttl)})
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	if err := c.rdb.Set(ctx, key, b, 0).Err(); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

// Delete invalidates key. Callers run it after a successful write to the backing store.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

// Close stops accepting rebuilds and waits for the ones in flight.
func (c *Client) Close() {
	c.pool.Close()
}

// get reads key through the breaker. A miss is (_, false, nil).
func (c *Client) get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		s, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return s, err
	})
	if err != nil {
		return "", false, errors.Wrapf(err, "get %s", key)
	}
	if v == nil {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (c *Client) setNull(ctx context.Context, key string) {
	if err := c.rdb.Set(ctx, key, NullMarker, c.opts.NullTTL).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("write null marker")
	}
}
