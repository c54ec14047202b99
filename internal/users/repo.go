// Package users reads the user records orders need: the payer identity sent to the gateway.
package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("user not found")

type User struct {
	ID     string
	Mobile string
	Name   string
}

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) Get(ctx context.Context, id string) (User, error) {
	var u User
	err := r.DB.QueryRow(ctx, `SELECT id, mobile, name FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Mobile, &u.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}
