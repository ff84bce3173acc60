// Package stream reads a Redis stream as one consumer of a consumer group.
// Entries are acknowledged only after the handler succeeds; anything left unacknowledged
// is replayed from the consumer's pending list on startup and after every error.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrPoison marks handler errors for entries that can never succeed. They are acknowledged.
var ErrPoison = errors.New("stream: poison entry")

// Handler returns nil only when the entry may be acknowledged.
type Handler func(ctx context.Context, m redis.XMessage) error

type Config struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	Backoff  time.Duration
}

type Consumer struct {
	rdb redis.Cmdable
	cfg Config
	log zerolog.Logger
}

func NewConsumer(rdb redis.Cmdable, cfg Config, log zerolog.Logger) *Consumer {
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 20 * time.Millisecond
	}
	return &Consumer{
		rdb: rdb,
		cfg: cfg,
		log: log.With().Str("component", "stream").Str("stream", cfg.Stream).Str("consumer", cfg.Consumer).Logger(),
	}
}

// EnsureGroup creates the group (and the stream) if it does not exist yet.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create group %s on %s", c.cfg.Group, c.cfg.Stream)
	}
	return nil
}

// Run consumes until ctx is done. It never gives up on an entry because of a transient error.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.log.Info().Str("group", c.cfg.Group).Msg("stream consumer started")
	defer c.log.Info().Msg("stream consumer stopped")

	c.drainPending(ctx, h)

	for ctx.Err() == nil {
		msgs, err := c.read(ctx, ">", c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, redis.Nil) {
				c.log.Warn().Err(err).Msg("read stream")
			}
			// idle timeout or failure: look at the pending list before blocking again
			c.drainPending(ctx, h)
			continue
		}

		for _, m := range msgs {
			if err := c.handle(ctx, h, m); err != nil {
				c.log.Warn().Err(err).Str("entry", m.ID).Msg("handle entry, switching to pending list")
				c.drainPending(ctx, h)
				break
			}
		}
	}
	return nil
}

// drainPending replays delivered-but-unacknowledged entries, oldest first, until none remain.
func (c *Consumer) drainPending(ctx context.Context, h Handler) {
	for ctx.Err() == nil {
		msgs, err := c.read(ctx, "0", -1)
		if err != nil && !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Msg("read pending list")
			sleep(ctx, c.cfg.Backoff)
			continue
		}
		if len(msgs) == 0 {
			return
		}

		for _, m := range msgs {
			if err := c.handle(ctx, h, m); err != nil {
				c.log.Warn().Err(err).Str("entry", m.ID).Msg("replay pending entry")
				sleep(ctx, c.cfg.Backoff)
				break
			}
		}
	}
}

func (c *Consumer) read(ctx context.Context, from string, block time.Duration) ([]redis.XMessage, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, from},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

func (c *Consumer) handle(ctx context.Context, h Handler, m redis.XMessage) error {
	if err := h(ctx, m); err != nil {
		if !errors.Is(err, ErrPoison) {
			return err
		}
		c.log.Error().Err(err).Str("entry", m.ID).Interface("values", m.Values).Msg("acknowledging poison entry")
	}
	if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, m.ID).Err(); err != nil {
		return errors.Wrapf(err, "ack %s", m.ID)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
