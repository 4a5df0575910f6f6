package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/bdbai/moodle-sentinel/internal/sentinel"
)

// ModuleRecords returns the module ids already recorded for a user and
// course, mapped to their row ids.
func (r Repo) ModuleRecords(ctx context.Context, userID, courseID int64) (map[int64]int64, error) {
	const q = `SELECT id, module_id FROM user_course_module WHERE user_id = ? AND course_id = ?;`

	var rows []struct {
		ID       int64 `db:"id"`
		ModuleID int64 `db:"module_id"`
	}
	if err := r.db.SelectContext(ctx, &rows, q, userID, courseID); err != nil {
		return nil, fmt.Errorf("error selecting module records: %s", err)
	}

	records := make(map[int64]int64, len(rows))
	for _, row := range rows {
		records[row.ModuleID] = row.ID
	}

	return records, nil
}

// SaveUpdates commits a cycle's worth of diff results in a single
// transaction: inserts become new rows, touches refresh updated_at.
// The whole batch lands or none of it does.
func (r Repo) SaveUpdates(ctx context.Context, updates []sentinel.Update) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %s", err)
	}
	defer tx.Rollback()

	insertStmt, err := tx.PrepareContext(ctx, `INSERT INTO user_course_module
	(user_id, course_id, module_id, updated_at) VALUES (?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("error preparing insert: %s", err)
	}
	defer insertStmt.Close()

	touchStmt, err := tx.PrepareContext(ctx, `UPDATE user_course_module SET updated_at = ? WHERE id = ?;`)
	if err != nil {
		return fmt.Errorf("error preparing update: %s", err)
	}
	defer touchStmt.Close()

	// Wall-clock time rather than the per-module timestamps Moodle
	// reports, to keep one consistent value per batch.
	now := time.Now().UTC()
	for _, u := range updates {
		switch u.Kind {
		case sentinel.UpdateInsert:
			if _, err := insertStmt.ExecContext(ctx, u.UserID, u.CourseID, u.Module.ID, now); err != nil {
				return fmt.Errorf("error inserting module record: %s", err)
			}
		case sentinel.UpdateTouch:
			if _, err := touchStmt.ExecContext(ctx, now, u.RecordID); err != nil {
				return fmt.Errorf("error touching module record: %s", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing module records: %s", err)
	}

	return nil
}

// ModuleRecord fetches a single record row, mostly for tests and manual
// inspection.
func (r Repo) ModuleRecord(ctx context.Context, userID, courseID, moduleID int64) (sentinel.ModuleRecord, error) {
	const q = `SELECT * FROM user_course_module WHERE user_id = ? AND course_id = ? AND module_id = ?;`

	var rec sentinel.ModuleRecord
	if err := r.db.GetContext(ctx, &rec, q, userID, courseID, moduleID); err != nil {
		return sentinel.ModuleRecord{}, fmt.Errorf("error fetching module record: %s", err)
	}

	return rec, nil
}
