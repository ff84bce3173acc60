package seckill

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-flash-sale/internal/redisx"
)

// admitScript checks the window, stock and buyer set, then decrements, marks and enqueues
// in one step. KEYS: voucher hash, bought set, order stream.
// ARGV: voucherId, userId, orderId, nowMillis.
var admitScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'stock', 'begin', 'end')
if not v[1] then
	return 5
end
local now = tonumber(ARGV[4])
if v[2] and now < tonumber(v[2]) then
	return 3
end
if v[3] and now > tonumber(v[3]) then
	return 4
end
if tonumber(v[1]) <= 0 then
	return 1
end
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
	return 2
end
redis.call('HINCRBY', KEYS[1], 'stock', -1)
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('XADD', KEYS[3], '*', 'id', ARGV[3], 'userId', ARGV[2], 'voucherId', ARGV[1])
return 0
`)

const (
	admitOK = iota
	admitOutOfStock
	admitDuplicate
	admitNotStarted
	admitEnded
	admitNotSeeded
)

type IDGenerator interface {
	NextID() int64
}

type Gate struct {
	rdb    redis.Cmdable
	ids    IDGenerator
	stream string
	now    func() time.Time
}

func NewGate(rdb redis.Cmdable, ids IDGenerator, stream string) *Gate {
	return &Gate{rdb: rdb, ids: ids, stream: stream, now: time.Now}
}

// Purchase admits one order for userID. On success the order is already on the stream
// and its id is returned; persistence happens later.
func (g *Gate) Purchase(ctx context.Context, voucherID, userID int64) (int64, error) {
	orderID := g.ids.NextID()

	keys := []string{redisx.SeckillVoucherKey(voucherID), redisx.SeckillBoughtKey(voucherID), g.stream}
	code, err := admitScript.Run(ctx, g.rdb, keys,
		voucherID, userID, orderID, g.now().UnixMilli()).Int()
	if err != nil {
		return 0, errors.Wrapf(err, "admit voucher %d", voucherID)
	}

	switch code {
	case admitOK:
		return orderID, nil
	case admitOutOfStock:
		return 0, ErrOutOfStock
	case admitDuplicate:
		return 0, ErrDuplicateOrder
	case admitNotStarted:
		return 0, ErrNotStarted
	case admitEnded:
		return 0, ErrEnded
	case admitNotSeeded:
		return 0, ErrVoucherNotFound
	default:
		return 0, errors.Newf("admit voucher %d: unexpected code %d", voucherID, code)
	}
}

// Seed publishes a voucher to the gate. The window is always overwritten; stock is only
// written when absent so re-seeding never hands out stock already reserved by the gate.
func (g *Gate) Seed(ctx context.Context, v SeckillVoucher) error {
	key := redisx.SeckillVoucherKey(v.VoucherID)
	_, err := g.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, key, "stock", v.Stock)
		p.HSet(ctx, key,
			"begin", strconv.FormatInt(v.BeginTime.UnixMilli(), 10),
			"end", strconv.FormatInt(v.EndTime.UnixMilli(), 10))
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "seed voucher %d", v.VoucherID)
	}
	return nil
}

// Stock reports the gate's remaining stock. ok is false when the voucher was never seeded.
func (g *Gate) Stock(ctx context.Context, voucherID int64) (stock int, ok bool, err error) {
	s, err := g.rdb.HGet(ctx, redisx.SeckillVoucherKey(voucherID), "stock").Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "stock of voucher %d", voucherID)
	}
	return s, true, nil
}
