package seckill

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-flash-sale/internal/postgres"
)

type OrderRepo struct{ db *pgxpool.Pool }

func NewOrderRepo(db *pgxpool.Pool) *OrderRepo { return &OrderRepo{db: db} }

// Persist writes o and takes one unit of durable stock in a single transaction.
// created is false when this exact order was already written by an earlier delivery.
func (r *OrderRepo) Persist(ctx context.Context, o Order) (created bool, err error) {
	return postgres.RunInTx(ctx, r.db, func(tx pgx.Tx) (bool, error) {
		var existing int64
		err := tx.QueryRow(ctx, `
			SELECT id FROM tb_voucher_order
			WHERE user_id = $1 AND voucher_id = $2
			LIMIT 1`, o.UserID, o.VoucherID).Scan(&existing)
		switch {
		case err == nil && existing == o.ID:
			return false, nil
		case err == nil:
			return false, errors.Wrapf(ErrDuplicateOrder, "user %d voucher %d has order %d", o.UserID, o.VoucherID, existing)
		case !errors.Is(err, pgx.ErrNoRows):
			return false, errors.Wrap(err, "check existing order")
		}

		tag, err := tx.Exec(ctx, `
			UPDATE tb_seckill_voucher SET stock = stock - 1, update_time = now()
			WHERE voucher_id = $1 AND stock > 0`, o.VoucherID)
		if err != nil {
			return false, errors.Wrap(err, "decrement stock")
		}
		if tag.RowsAffected() == 0 {
			return false, errors.Wrapf(ErrStockExhausted, "voucher %d", o.VoucherID)
		}

		createdAt := o.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO tb_voucher_order (id, user_id, voucher_id, create_time)
			VALUES ($1, $2, $3, $4)`, o.ID, o.UserID, o.VoucherID, createdAt)
		if postgres.IsUniqueViolation(err) {
			return false, errors.Wrapf(ErrDuplicateOrder, "insert order %d", o.ID)
		}
		if err != nil {
			return false, errors.Wrap(err, "insert order")
		}
		return true, nil
	})
}

// CountByUser is used by tests and support tooling.
func (r *OrderRepo) CountByUser(ctx context.Context, userID, voucherID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM tb_voucher_order WHERE user_id = $1 AND voucher_id = $2`,
		userID, voucherID).Scan(&n)
	return n, errors.Wrap(err, "count orders")
}

type VoucherRepo struct{ db *pgxpool.Pool }

func NewVoucherRepo(db *pgxpool.Pool) *VoucherRepo { return &VoucherRepo{db: db} }

func (r *VoucherRepo) Create(ctx context.Context, v SeckillVoucher) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tb_seckill_voucher (voucher_id, stock, begin_time, end_time)
		VALUES ($1, $2, $3, $4)`, v.VoucherID, v.Stock, v.BeginTime, v.EndTime)
	if postgres.IsUniqueViolation(err) {
		return errors.Wrapf(ErrInvalidVoucher, "voucher %d already exists", v.VoucherID)
	}
	return errors.Wrap(err, "insert seckill voucher")
}

func (r *VoucherRepo) Get(ctx context.Context, id int64) (SeckillVoucher, error) {
	var v SeckillVoucher
	err := r.db.QueryRow(ctx, `
		SELECT voucher_id, stock, begin_time, end_time
		FROM tb_seckill_voucher WHERE voucher_id = $1`, id).
		Scan(&v.VoucherID, &v.Stock, &v.BeginTime, &v.EndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return SeckillVoucher{}, errors.Wrapf(ErrVoucherNotFound, "voucher %d", id)
	}
	if err != nil {
		return SeckillVoucher{}, errors.Wrap(err, "get seckill voucher")
	}
	return v, nil
}

// ListActive returns vouchers whose sale has not ended at now.
func (r *VoucherRepo) ListActive(ctx context.Context, now time.Time) ([]SeckillVoucher, error) {
	rows, err := r.db.Query(ctx, `
		SELECT voucher_id, stock, begin_time, end_time
		FROM tb_seckill_voucher WHERE end_time > $1
		ORDER BY voucher_id`, now)
	if err != nil {
		return nil, errors.Wrap(err, "list active vouchers")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SeckillVoucher, error) {
		var v SeckillVoucher
		err := row.Scan(&v.VoucherID, &v.Stock, &v.BeginTime, &v.EndTime)
		return v, err
	})
	return out, errors.Wrap(err, "scan active vouchers")
}
