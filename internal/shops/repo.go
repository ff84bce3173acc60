package shops

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const shopColumns = `id, name, type_id, images, area, address, x, y, avg_price, sold, comments, score, open_hours, create_time, update_time`

type Repo struct{ db *pgxpool.Pool }

func NewRepo(db *pgxpool.Pool) *Repo { return &Repo{db: db} }

func scanShop(row pgx.Row) (Shop, error) {
	var s Shop
	err := row.Scan(&s.ID, &s.Name, &s.TypeID, &s.Images, &s.Area, &s.Address, &s.X, &s.Y,
		&s.AvgPrice, &s.Sold, &s.Comments, &s.Score, &s.OpenHours, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// GetByID returns (nil, nil) when the shop does not exist, which is what the cache loaders expect.
func (r *Repo) GetByID(ctx context.Context, id int64) (*Shop, error) {
	s, err := scanShop(r.db.QueryRow(ctx, `SELECT `+shopColumns+` FROM tb_shop WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get shop %d", id)
	}
	return &s, nil
}

func (r *Repo) Create(ctx context.Context, s Shop) (Shop, error) {
	out, err := scanShop(r.db.QueryRow(ctx, `
		INSERT INTO tb_shop (name, type_id, images, area, address, x, y, avg_price, sold, comments, score, open_hours)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING `+shopColumns,
		s.Name, s.TypeID, s.Images, s.Area, s.Address, s.X, s.Y, s.AvgPrice, s.Sold, s.Comments, s.Score, s.OpenHours))
	return out, errors.Wrap(err, "insert shop")
}

// Update overwrites the row and returns it as stored.
func (r *Repo) Update(ctx context.Context, s Shop) (Shop, error) {
	out, err := scanShop(r.db.QueryRow(ctx, `
		UPDATE tb_shop SET name=$2, type_id=$3, images=$4, area=$5, address=$6, x=$7, y=$8,
			avg_price=$9, sold=$10, comments=$11, score=$12, open_hours=$13, update_time=now()
		WHERE id = $1
		RETURNING `+shopColumns,
		s.ID, s.Name, s.TypeID, s.Images, s.Area, s.Address, s.X, s.Y, s.AvgPrice, s.Sold, s.Comments, s.Score, s.OpenHours))
	if errors.Is(err, pgx.ErrNoRows) {
		return Shop{}, errors.Wrapf(ErrShopNotFound, "shop %d", s.ID)
	}
	return out, errors.Wrapf(err, "update shop %d", s.ID)
}

func (r *Repo) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM tb_shop ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list shop ids")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, errors.Wrap(err, "scan shop ids")
}
