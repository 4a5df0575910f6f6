package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bdbai/moodle-sentinel/internal/sentinel"
)

// UserByQQ looks a user up by their QQ number.
func (r Repo) UserByQQ(ctx context.Context, qq int64) (sentinel.User, error) {
	const q = `SELECT * FROM user WHERE qq = ?;`

	var usr sentinel.User
	err := r.db.GetContext(ctx, &usr, q, qq)
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.User{}, sentinel.ErrNotFound
	}
	if err != nil {
		return sentinel.User{}, fmt.Errorf("error fetching user: %s", err)
	}

	return usr, nil
}

// User fetches a user by primary key.
func (r Repo) User(ctx context.Context, id int64) (sentinel.User, error) {
	const q = `SELECT * FROM user WHERE id = ?;`

	var usr sentinel.User
	err := r.db.GetContext(ctx, &usr, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.User{}, sentinel.ErrNotFound
	}
	if err != nil {
		return sentinel.User{}, fmt.Errorf("error fetching user: %s", err)
	}

	return usr, nil
}

// InsertUser registers a user with their Moodle token.
func (r Repo) InsertUser(ctx context.Context, usr sentinel.User) (sentinel.User, error) {
	const q = `INSERT INTO user (qq, nickname, moodle_token) VALUES (:qq, :nickname, :moodle_token);`

	res, err := r.db.NamedExecContext(ctx, q, usr)
	if err != nil {
		return sentinel.User{}, fmt.Errorf("error inserting user: %s", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return sentinel.User{}, fmt.Errorf("error reading inserted user id: %s", err)
	}

	return r.User(ctx, id)
}
