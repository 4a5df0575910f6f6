package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/bdbai/moodle-sentinel/internal/sentinel"
)

// Subscriptions whose failure count reaches this threshold are excluded
// from checking until the count is reset by hand.
const maxFailureCount = 3

type groupSubRow struct {
	ID           int64  `db:"id"`
	UserID       int64  `db:"user_id"`
	CourseID     int64  `db:"course_id"`
	GroupQQ      int64  `db:"group_qq"`
	FailureCount int    `db:"failure_count"`
	MoodleToken  string `db:"moodle_token"`
}

type selfSubRow struct {
	ID          int64  `db:"id"`
	UserID      int64  `db:"user_id"`
	CourseID    int64  `db:"course_id"`
	QQ          int64  `db:"qq"`
	MoodleToken string `db:"moodle_token"`
}

// EligibleSubscriptions enumerates every subscription that should be
// checked this cycle, joined with its owner's Moodle token. Group rows
// that have tripped the failure threshold are left out; self rows carry
// no failure count and are always eligible.
func (r Repo) EligibleSubscriptions(ctx context.Context) ([]sentinel.Subscription, error) {
	const groupQ = `SELECT g.id, g.user_id, g.course_id, g.group_qq, g.failure_count, u.moodle_token
	FROM user_course_group AS g
	INNER JOIN user AS u ON u.id = g.user_id
	WHERE g.failure_count < ?;`

	var groupRows []groupSubRow
	if err := r.db.SelectContext(ctx, &groupRows, groupQ, maxFailureCount); err != nil {
		return nil, fmt.Errorf("error selecting group subscriptions: %s", err)
	}

	const selfQ = `SELECT s.id, s.user_id, s.course_id, u.qq, u.moodle_token
	FROM user_course_self AS s
	INNER JOIN user AS u ON u.id = s.user_id;`

	var selfRows []selfSubRow
	if err := r.db.SelectContext(ctx, &selfRows, selfQ); err != nil {
		return nil, fmt.Errorf("error selecting self subscriptions: %s", err)
	}

	subs := make([]sentinel.Subscription, 0, len(groupRows)+len(selfRows))
	for _, row := range groupRows {
		subs = append(subs, sentinel.Subscription{
			ID:           row.ID,
			UserID:       row.UserID,
			CourseID:     row.CourseID,
			Token:        row.MoodleToken,
			Target:       sentinel.GroupTarget(row.GroupQQ),
			FailureCount: row.FailureCount,
		})
	}
	for _, row := range selfRows {
		subs = append(subs, sentinel.Subscription{
			ID:       row.ID,
			UserID:   row.UserID,
			CourseID: row.CourseID,
			Token:    row.MoodleToken,
			Target:   sentinel.SelfTarget(row.QQ),
		})
	}

	return subs, nil
}

// SubscriptionExists reports whether a subscription already covers this
// course for the given target. Group subscriptions are shared: any user
// subscribing a course to a group counts for the whole group.
func (r Repo) SubscriptionExists(ctx context.Context, userID, courseID int64, target sentinel.Target) (bool, error) {
	q := sq.Select("id").Limit(1)
	switch target.Kind {
	case sentinel.TargetGroup:
		q = q.From("user_course_group").Where(sq.Eq{"group_qq": target.QQ, "course_id": courseID})
	default:
		q = q.From("user_course_self").Where(sq.Eq{"user_id": userID, "course_id": courseID})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("error constructing sql: %s", err)
	}

	var id int64
	err = r.db.GetContext(ctx, &id, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error checking for existing subscription: %s", err)
	}

	return true, nil
}

// CreateSubscription inserts the subscription row together with a
// snapshot of every module id already published, in one transaction, so
// the next check cycle does not announce existing content as new.
func (r Repo) CreateSubscription(ctx context.Context, userID, courseID int64, target sentinel.Target, seenModuleIDs []int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %s", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if len(seenModuleIDs) > 0 {
		records := make([]sentinel.ModuleRecord, 0, len(seenModuleIDs))
		for _, moduleID := range seenModuleIDs {
			records = append(records, sentinel.ModuleRecord{
				UserID:    userID,
				CourseID:  courseID,
				ModuleID:  moduleID,
				UpdatedAt: now,
			})
		}

		const q = `INSERT INTO user_course_module (user_id, course_id, module_id, updated_at)
		VALUES (:user_id, :course_id, :module_id, :updated_at);`
		if _, err := tx.NamedExecContext(ctx, q, records); err != nil {
			return fmt.Errorf("error snapshotting modules: %s", err)
		}
	}

	switch target.Kind {
	case sentinel.TargetGroup:
		const q = `INSERT INTO user_course_group (user_id, course_id, group_qq, created_at)
		VALUES (?, ?, ?, ?);`
		if _, err := tx.ExecContext(ctx, q, userID, courseID, target.QQ, now); err != nil {
			return fmt.Errorf("error inserting group subscription: %s", err)
		}
	default:
		const q = `INSERT INTO user_course_self (user_id, course_id, created_at) VALUES (?, ?, ?);`
		if _, err := tx.ExecContext(ctx, q, userID, courseID, now); err != nil {
			return fmt.Errorf("error inserting self subscription: %s", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing subscription: %s", err)
	}

	return nil
}

// DeleteSubscription removes one subscription row.
func (r Repo) DeleteSubscription(ctx context.Context, userID, courseID int64, target sentinel.Target) error {
	var q sq.DeleteBuilder
	switch target.Kind {
	case sentinel.TargetGroup:
		q = sq.Delete("user_course_group").
			Where(sq.Eq{"user_id": userID, "course_id": courseID, "group_qq": target.QQ})
	default:
		q = sq.Delete("user_course_self").
			Where(sq.Eq{"user_id": userID, "course_id": courseID})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error deleting subscription: %s", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading affected rows: %s", err)
	}
	if affected == 0 {
		return sentinel.ErrSubscriptionNotFound
	}

	return nil
}

// DeleteGroupSubscriptions drops every subscription delivering to the
// given group and returns how many were removed.
func (r Repo) DeleteGroupSubscriptions(ctx context.Context, groupQQ int64) (int64, error) {
	const q = `DELETE FROM user_course_group WHERE group_qq = ?;`

	res, err := r.db.ExecContext(ctx, q, groupQQ)
	if err != nil {
		return 0, fmt.Errorf("error deleting group subscriptions: %s", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading affected rows: %s", err)
	}

	return affected, nil
}

// ResetFailures zeroes the failure count after a successful check. Self
// subscriptions carry no failure count, so this is a no-op for them.
func (r Repo) ResetFailures(ctx context.Context, target sentinel.Target, courseID int64) error {
	if target.Kind != sentinel.TargetGroup {
		return nil
	}

	query, args, err := sq.Update("user_course_group").
		Set("failure_count", 0).
		Where(sq.Eq{"group_qq": target.QQ, "course_id": courseID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error resetting failure count: %s", err)
	}

	return nil
}

// BumpFailures increments the failure count after a failed check.
func (r Repo) BumpFailures(ctx context.Context, target sentinel.Target, courseID int64) error {
	if target.Kind != sentinel.TargetGroup {
		return nil
	}

	query, args, err := sq.Update("user_course_group").
		Set("failure_count", sq.Expr("failure_count + 1")).
		Where(sq.Eq{"group_qq": target.QQ, "course_id": courseID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error bumping failure count: %s", err)
	}

	return nil
}
