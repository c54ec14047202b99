package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type Repo struct{ DB *pgxpool.Pool }

// ProductsByIDs returns the requested products keyed by id, each with its festival if one exists.
// Missing ids are simply absent from the map.
func (r *Repo) ProductsByIDs(ctx context.Context, ids []string) (map[string]Product, error) {
	out := make(map[string]Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	sql, args, err := psql.Select(
		"p.id", "p.name_fa", "p.price", "p.availability",
		"f.off_percentage", "f.until",
	).
		From("products p").
		LeftJoin("festivals f ON f.product_id = p.id").
		Where(squirrel.Eq{"p.id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build products query: %w", err)
	}

	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p     Product
			off   *int
			until *string
		)
		if err := rows.Scan(&p.ID, &p.NameFA, &p.Price, &p.Availability, &off, &until); err != nil {
			return nil, err
		}
		if off != nil && until != nil {
			p.Festival = &Festival{ProductID: p.ID, OffPercentage: *off, Until: *until}
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// expiredFestivalCond compares until as epoch millis only when it is a plain number,
// so one malformed row cannot fail the whole sweep. Such rows are never active anyway.
const expiredFestivalCond = "CASE WHEN until ~ '^[0-9]{1,18}$' THEN until::bigint < ? ELSE false END"

func expiredFestivalsQuery(now time.Time) (string, []any, error) {
	return psql.Delete("festivals").
		Where(expiredFestivalCond, now.UnixMilli()).
		ToSql()
}

// DeleteExpiredFestivals removes festivals whose end is before now and reports how many went away.
func (r *Repo) DeleteExpiredFestivals(ctx context.Context, now time.Time) (int64, error) {
	sql, args, err := expiredFestivalsQuery(now)
	if err != nil {
		return 0, fmt.Errorf("build festival sweep: %w", err)
	}
	ct, err := r.DB.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
