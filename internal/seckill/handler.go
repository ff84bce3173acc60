package seckill

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-flash-sale/internal/lock"
	"github.com/ariefcatur/go-flash-sale/internal/redisx"
	"github.com/ariefcatur/go-flash-sale/internal/stream"
)

type OrderStore interface {
	Persist(ctx context.Context, o Order) (created bool, err error)
}

type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, o Order) error
}

// OrderHandler persists orders taken off the intake stream.
type OrderHandler struct {
	locker  *lock.Locker
	store   OrderStore
	events  EventPublisher
	lockTTL time.Duration
	log     zerolog.Logger
}

func NewOrderHandler(locker *lock.Locker, store OrderStore, events EventPublisher, lockTTL time.Duration, log zerolog.Logger) *OrderHandler {
	return &OrderHandler{
		locker:  locker,
		store:   store,
		events:  events,
		lockTTL: lockTTL,
		log:     log.With().Str("component", "order-worker").Logger(),
	}
}

// HandleMessage is a stream.Handler.
func (h *OrderHandler) HandleMessage(ctx context.Context, m redis.XMessage) error {
	o, err := decodeOrder(m)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "entry %s", m.ID), stream.ErrPoison)
	}
	return h.Handle(ctx, o)
}

// Handle returns nil when the entry may be acknowledged. Rejections at this stage mean the
// gate and the database disagree; they are logged and acknowledged since a retry cannot fix them.
// A busy per-user lock is not a skip: ErrLockBusy leaves the entry pending so it is retried.
func (h *OrderHandler) Handle(ctx context.Context, o Order) error {
	tok, ok, err := h.locker.TryLock(ctx, redisx.OrderLockKey(o.UserID), h.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		h.log.Warn().Int64("user_id", o.UserID).Int64("order_id", o.ID).Msg("order lock busy, will retry")
		return ErrLockBusy
	}
	defer func() {
		if err := h.locker.Unlock(context.WithoutCancel(ctx), tok); err != nil {
			h.log.Warn().Err(err).Int64("user_id", o.UserID).Msg("release order lock")
		}
	}()

	created, err := h.store.Persist(ctx, o)
	switch {
	case errors.Is(err, ErrDuplicateOrder), errors.Is(err, ErrStockExhausted):
		h.log.Error().Err(err).
			Int64("order_id", o.ID).Int64("user_id", o.UserID).Int64("voucher_id", o.VoucherID).
			Msg("order rejected at persistence")
		return nil
	case err != nil:
		return errors.Wrapf(err, "persist order %d", o.ID)
	case !created:
		h.log.Info().Int64("order_id", o.ID).Msg("order already persisted")
		return nil
	}

	h.log.Debug().Int64("order_id", o.ID).Int64("voucher_id", o.VoucherID).Msg("order persisted")
	if h.events != nil {
		if err := h.events.PublishOrderPlaced(ctx, o); err != nil {
			h.log.Warn().Err(err).Int64("order_id", o.ID).Msg("publish order placed")
		}
	}
	return nil
}

func decodeOrder(m redis.XMessage) (Order, error) {
	field := func(name string) (int64, error) {
		raw, ok := m.Values[name]
		if !ok {
			return 0, errors.Newf("missing field %q", name)
		}
		s, ok := raw.(string)
		if !ok {
			return 0, errors.Newf("field %q is %T", name, raw)
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "field %q", name)
		}
		return n, nil
	}

	var o Order
	var err error
	if o.ID, err = field("id"); err != nil {
		return Order{}, err
	}
	if o.UserID, err = field("userId"); err != nil {
		return Order{}, err
	}
	if o.VoucherID, err = field("voucherId"); err != nil {
		return Order{}, err
	}
	o.CreatedAt = entryTime(m.ID)
	return o, nil
}

// entryTime reads the millisecond part of a stream entry id.
func entryTime(id string) time.Time {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			if ms, err := strconv.ParseInt(id[:i], 10, 64); err == nil {
				return time.UnixMilli(ms).UTC()
			}
			break
		}
	}
	return time.Time{}
}
