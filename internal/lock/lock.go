package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lock not held")

// Token identifies one acquisition. Only the holder that got it can release the key.
type Token struct {
	Key      string
	HolderID string
	TTL      time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	rdb redis.Cmdable
}

func New(rdb redis.Cmdable) *Locker {
	return &Locker{rdb: rdb}
}

// TryLock does SET key holder NX PX ttl. It never blocks on contention.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (Token, bool, error) {
	holder := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return Token{}, false, errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return Token{}, false, nil
	}
	return Token{Key: key, HolderID: holder, TTL: ttl}, true, nil
}

// Unlock deletes the key only if it still carries t's holder id.
func (l *Locker) Unlock(ctx context.Context, t Token) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{t.Key}, t.HolderID).Int64()
	if err != nil {
		return errors.Wrapf(err, "release lock %s", t.Key)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotHeld, "release lock %s", t.Key)
	}
	return nil
}
