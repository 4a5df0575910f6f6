// Package sqlite implements the durable store for users, subscriptions,
// and seen-module records.
package sqlite

import (
	"github.com/jmoiron/sqlx"
)

type Repo struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) Repo {
	return Repo{db: db}
}
