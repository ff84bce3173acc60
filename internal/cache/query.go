package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ariefcatur/go-flash-sale/internal/lock"
	"github.com/ariefcatur/go-flash-sale/internal/redisx"
)

// QueryWithPassThrough reads keyPrefix+id, falling back to load on a miss.
// Absent entities are remembered with a NullMarker so repeated misses skip the loader.
// Concurrent misses on the same key share one loader call.
func QueryWithPassThrough[T any, ID any](ctx context.Context, c *Client, keyPrefix string, id ID, load Loader[T, ID], ttl time.Duration) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	raw, ok, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		if raw == NullMarker {
			c.log.Debug().Str("key", key).Msg("null marker hit")
			return nil, ErrNotFound
		}
		return decode[T](key, raw)
	}

	// the shared load outlives any single caller; each caller waits on its own ctx
	ch := c.sf.DoChan(key, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RebuildTimeout)
		defer cancel()

		val, err := load(lctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", key)
		}
		if val == nil {
			c.setNull(lctx, key)
			return nil, nil
		}
		if err := c.Set(lctx, key, val, ttl); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("write back")
		}
		return val, nil
	})

	var v interface{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		v = res.Val
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v.(*T), nil
}

// QueryWithLogicalExpiry serves pre-warmed entries. An expired entry is returned as is
// while one caller schedules a rebuild under the key's lock. Missing keys are not loaded.
func QueryWithLogicalExpiry[T any, ID any](ctx context.Context, c *Client, keyPrefix string, id ID, load Loader[T, ID], ttl time.Duration) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	raw, ok, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok || raw == NullMarker {
		return nil, ErrNotFound
	}

	var entry logicalEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, errors.Wrapf(err, "decode %s", key)
	}
	v, err := decode[T](key, string(entry.Data))
	if err != nil {
		return nil, err
	}
	if c.opts.Now().Before(entry.ExpireTime) {
		return v, nil
	}

	c.scheduleRebuild(ctx, key, ttl, func(ctx context.Context) (any, bool, error) {
		val, err := load(ctx, id)
		return val, val != nil, err
	})
	return v, nil
}

// QueryWithMutex blocks misses behind the key's rebuild lock so only the holder hits the loader.
func QueryWithMutex[T any, ID any](ctx context.Context, c *Client, keyPrefix string, id ID, load Loader[T, ID], ttl time.Duration) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	for {
		raw, ok, err := c.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			if raw == NullMarker {
				return nil, ErrNotFound
			}
			return decode[T](key, raw)
		}

		tok, locked, err := c.locker.TryLock(ctx, redisx.RebuildLockKey(key), c.opts.LockTTL)
		if err != nil {
			return nil, err
		}
		if locked {
			return loadLocked(ctx, c, key, tok, id, load, ttl)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.MutexRetry):
		}
	}
}

func loadLocked[T any, ID any](ctx context.Context, c *Client, key string, tok lock.Token, id ID, load Loader[T, ID], ttl time.Duration) (*T, error) {
	defer c.unlock(ctx, tok)

	// another holder may have filled the key between our miss and the lock
	raw, ok, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		if raw == NullMarker {
			return nil, ErrNotFound
		}
		return decode[T](key, raw)
	}

	val, err := load(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", key)
	}
	if val == nil {
		c.setNull(ctx, key)
		return nil, ErrNotFound
	}
	if err := c.Set(ctx, key, val, ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("write back")
	}
	return val, nil
}

func (c *Client) scheduleRebuild(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (any, bool, error)) {
	tok, ok, err := c.locker.TryLock(ctx, redisx.RebuildLockKey(key), c.opts.LockTTL)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("rebuild lock")
		return
	}
	if !ok {
		c.log.Debug().Str("key", key).Msg("rebuild in progress elsewhere, serving stale")
		return
	}

	detached := context.WithoutCancel(ctx)
	submitted := c.pool.TrySubmit(func() {
		defer c.unlock(detached, tok)
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Interface("panic", r).Str("key", key).Msg("rebuild panicked")
			}
		}()

		rctx, cancel := context.WithTimeout(detached, c.opts.RebuildTimeout)
		defer cancel()

		val, found, err := load(rctx)
		switch {
		case err != nil:
			c.log.Error().Err(err).Str("key", key).Msg("rebuild load failed")
		case !found:
			if err := c.Delete(rctx, key); err != nil {
				c.log.Error().Err(err).Str("key", key).Msg("rebuild delete failed")
			}
		default:
			if err := c.SetWithLogicalExpiry(rctx, key, val, ttl); err != nil {
				c.log.Error().Err(err).Str("key", key).Msg("rebuild write failed")
			}
		}
	})
	if !submitted {
		c.log.Warn().Str("key", key).Msg("rebuild pool saturated, serving stale")
		c.unlock(detached, tok)
	}
}

func (c *Client) unlock(ctx context.Context, tok lock.Token) {
	if err := c.locker.Unlock(ctx, tok); err != nil {
		c.log.Warn().Err(err).Str("lock", tok.Key).Msg("release lock")
	}
}

func decode[T any](key, raw string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, errors.Wrapf(err, "decode %s", key)
	}
	return &v, nil
}

// Refresh writes a logical-expiry entry while holding the key's rebuild lock, waiting for a
// rebuild in flight to finish first so its older value cannot land after this one.
func (c *Client) Refresh(ctx context.Context, key string, value any, ttl time.Duration) error {
	for {
		tok, locked, err := c.locker.TryLock(ctx, redisx.RebuildLockKey(key), c.opts.LockTTL)
		if err != nil {
			return err
		}
		if locked {
			defer c.unlock(ctx, tok)
			return c.SetWithLogicalExpiry(ctx, key, value, ttl)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.MutexRetry):
		}
	}
}
