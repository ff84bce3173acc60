package seckill

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

type VoucherStore interface {
	Create(ctx context.Context, v SeckillVoucher) error
	ListActive(ctx context.Context, now time.Time) ([]SeckillVoucher, error)
}

// Service is the request-side entry point: buying, adding and seeding vouchers.
type Service struct {
	gate     *Gate
	vouchers VoucherStore
	log      zerolog.Logger
}

func NewService(gate *Gate, vouchers VoucherStore, log zerolog.Logger) *Service {
	return &Service{gate: gate, vouchers: vouchers, log: log.With().Str("component", "seckill").Logger()}
}

func (s *Service) Purchase(ctx context.Context, voucherID, userID int64) (int64, error) {
	if voucherID <= 0 || userID <= 0 {
		return 0, errors.Wrap(ErrInvalidVoucher, "voucher and user ids must be positive")
	}
	return s.gate.Purchase(ctx, voucherID, userID)
}

// AddVoucher stores the voucher and opens it on the gate.
func (s *Service) AddVoucher(ctx context.Context, v SeckillVoucher) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if err := s.vouchers.Create(ctx, v); err != nil {
		return err
	}
	return s.gate.Seed(ctx, v)
}

// SeedActive publishes every voucher still on sale to the gate.
func (s *Service) SeedActive(ctx context.Context, now time.Time) (int, error) {
	vs, err := s.vouchers.ListActive(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, v := range vs {
		if err := s.gate.Seed(ctx, v); err != nil {
			return 0, err
		}
	}
	s.log.Info().Int("vouchers", len(vs)).Msg("seeded active vouchers")
	return len(vs), nil
}
