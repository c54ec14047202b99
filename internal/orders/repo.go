package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var orderColumns = []string{
	"id", "user_id", "bought_products", "total_price", "total_discount", "shipping_cost",
	"status", "ref_id", "canceled", "opinion", "address", "should_be_sent_at",
	"created_at", "updated_at",
}

// Repo is the Postgres Store. The order row is the document: line items,
// cancellation and opinion live in JSONB columns next to the scalar fields.
type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) Insert(ctx context.Context, o Order) error {
	products, err := json.Marshal(o.BoughtProducts)
	if err != nil {
		return fmt.Errorf("encode bought products: %w", err)
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO orders(id, user_id, bought_products, total_price, total_discount, shipping_cost,
		                   status, address, should_be_sent_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.UserID, products, o.TotalPrice, o.TotalDiscount, o.ShippingCost,
		string(o.Status), o.Address, o.ShouldBeSentAt, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var (
		o        Order
		status   string
		refID    *string
		products []byte
		canceled []byte
		opinion  []byte
	)
	err := row.Scan(&o.ID, &o.UserID, &products, &o.TotalPrice, &o.TotalDiscount, &o.ShippingCost,
		&status, &refID, &canceled, &opinion, &o.Address, &o.ShouldBeSentAt,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	if refID != nil {
		o.RefID = *refID
	}
	if err := json.Unmarshal(products, &o.BoughtProducts); err != nil {
		return Order{}, fmt.Errorf("decode bought products: %w", err)
	}
	if len(canceled) > 0 {
		o.Canceled = &Cancellation{}
		if err := json.Unmarshal(canceled, o.Canceled); err != nil {
			return Order{}, fmt.Errorf("decode canceled: %w", err)
		}
	}
	if len(opinion) > 0 {
		o.Opinion = &Opinion{}
		if err := json.Unmarshal(opinion, o.Opinion); err != nil {
			return Order{}, fmt.Errorf("decode opinion: %w", err)
		}
	}
	return o, nil
}

func (r *Repo) Get(ctx context.Context, id string) (Order, error) {
	sql, args, err := psql.Select(orderColumns...).From("orders").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return Order{}, fmt.Errorf("build order query: %w", err)
	}
	o, err := scanOrder(r.DB.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	return o, err
}

func (r *Repo) MarkPaid(ctx context.Context, id, refID string) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$3, ref_id=$2, updated_at=now()
		WHERE id=$1 AND status=$4 AND ref_id IS NULL`,
		id, refID, string(StatusRequested), string(StatusInitial))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET status=$3, updated_at=now() WHERE id=$1 AND status=$2`,
		id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) Cancel(ctx context.Context, id string, from Status, c Cancellation) (bool, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return false, err
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$3, canceled=$4, updated_at=now()
		WHERE id=$1 AND status=$2 AND canceled IS NULL`,
		id, string(from), string(StatusCanceled), b)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) SetOpinion(ctx context.Context, id string, op Opinion) (bool, error) {
	b, err := json.Marshal(op)
	if err != nil {
		return false, err
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET opinion=$2, updated_at=now()
		WHERE id=$1 AND opinion IS NULL AND status IN ($3, $4)`,
		id, b, string(StatusReceived), string(StatusCanceled))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func applyFilter(f ListFilter) squirrel.And {
	where := squirrel.And{}
	if f.UserID != "" {
		where = append(where, squirrel.Eq{"user_id": f.UserID})
	}
	if f.Status != "" {
		where = append(where, squirrel.Eq{"status": string(f.Status)})
	}
	if f.ProductID != "" {
		probe, _ := json.Marshal([]map[string]string{{"productId": f.ProductID}})
		where = append(where, squirrel.Expr("bought_products @> ?::jsonb", string(probe)))
	}
	return where
}

// List returns one page of matching orders, newest first, and the total number of matches.
// The page and the count are queried concurrently.
func (r *Repo) List(ctx context.Context, f ListFilter, p Page) ([]Order, int64, error) {
	where := applyFilter(f)

	itemsSQL, itemsArgs, err := psql.Select(orderColumns...).
		From("orders").
		Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(p.Limit)).
		Offset(uint64(p.Offset())).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}
	countSQL, countArgs, err := psql.Select("COUNT(*)").From("orders").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}

	var (
		items []Order
		count int64
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		rows, err := r.DB.Query(egCtx, itemsSQL, itemsArgs...)
		if err != nil {
			return fmt.Errorf("query orders: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				return fmt.Errorf("scan order: %w", err)
			}
			items = append(items, o)
		}
		return rows.Err()
	})
	eg.Go(func() error {
		if err := r.DB.QueryRow(egCtx, countSQL, countArgs...).Scan(&count); err != nil {
			return fmt.Errorf("count orders: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, 0, err
	}
	return items, count, nil
}

// StaleInitial returns ids of unpaid orders created before the given time, oldest first.
func (r *Repo) StaleInitial(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM orders
		WHERE status=$1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, string(StatusInitial), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
