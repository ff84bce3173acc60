package seckill

import (
	"time"

	"github.com/cockroachdb/errors"
)

type SeckillVoucher struct {
	VoucherID int64     `json:"voucherId"`
	Stock     int       `json:"stock"`
	BeginTime time.Time `json:"beginTime"`
	EndTime   time.Time `json:"endTime"`
}

// Order is what the gate enqueues and the worker persists.
type Order struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	VoucherID int64     `json:"voucherId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Rejections surfaced to buyers.
var (
	ErrOutOfStock      = errors.New("out of stock")
	ErrDuplicateOrder  = errors.New("user already ordered this voucher")
	ErrNotStarted      = errors.New("seckill has not started")
	ErrEnded           = errors.New("seckill has ended")
	ErrVoucherNotFound = errors.New("seckill voucher not found")
)

var (
	// ErrStockExhausted means the durable stock guard failed after the gate admitted the order.
	ErrStockExhausted = errors.New("durable stock exhausted")
	ErrLockBusy       = errors.New("order lock held by another worker")
	ErrInvalidVoucher = errors.New("invalid seckill voucher")
)

func (v SeckillVoucher) Validate() error {
	switch {
	case v.Stock < 0:
		return errors.Wrap(ErrInvalidVoucher, "stock must not be negative")
	case v.BeginTime.IsZero() || v.EndTime.IsZero():
		return errors.Wrap(ErrInvalidVoucher, "begin and end time are required")
	case !v.EndTime.After(v.BeginTime):
		return errors.Wrap(ErrInvalidVoucher, "end time must be after begin time")
	}
	return nil
}
