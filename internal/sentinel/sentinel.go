// Package sentinel holds the domain types shared between the checking
// engine, the store, and the chat surfaces.
package sentinel

import (
	"errors"
	"time"
)

var (
	ErrDuplicateSubscription = errors.New("subscription already exists")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrNotFound              = errors.New("record not found")
)

type (
	// User is a registered watcher with a stored Moodle token.
	User struct {
		ID          int64  `db:"id"`
		QQ          int64  `db:"qq"`
		Nickname    string `db:"nickname"`
		MoodleToken string `db:"moodle_token"`
	}

	// Subscription binds one user's credential to a course and a
	// notification target.
	Subscription struct {
		ID           int64
		UserID       int64
		CourseID     int64
		Token        string
		Target       Target
		FailureCount int
	}

	// ModuleRecord is the durable fact that a module has been seen for a
	// user. Its updated_at is refreshed every time the module shows up
	// again.
	ModuleRecord struct {
		ID        int64     `db:"id"`
		UserID    int64     `db:"user_id"`
		CourseID  int64     `db:"course_id"`
		ModuleID  int64     `db:"module_id"`
		UpdatedAt time.Time `db:"updated_at"`
	}

	// Notification is one message-worth of updates for a single
	// (target, course) pair. Either Updates or Err is set.
	Notification struct {
		Target     Target
		CourseID   int64
		CourseName string
		Updates    []Update
		Err        error
	}
)

// TargetKind says whether a notification goes to a group conversation or
// back to the subscribing user.
type TargetKind int8

const (
	TargetGroup TargetKind = iota
	TargetSelf
)

// Target is a notification destination. QQ is the group number for
// TargetGroup and the subscriber's own number for TargetSelf. The zero
// value is not a valid target.
type Target struct {
	Kind TargetKind
	QQ   int64
}

// GroupTarget builds a target for a group conversation.
func GroupTarget(groupQQ int64) Target {
	return Target{Kind: TargetGroup, QQ: groupQQ}
}

// SelfTarget builds a target delivering to the subscriber directly.
func SelfTarget(userQQ int64) Target {
	return Target{Kind: TargetSelf, QQ: userQQ}
}

// UpdateKind classifies a diff result.
type UpdateKind int8

const (
	// UpdateInsert is a module never recorded for this user before.
	UpdateInsert UpdateKind = iota
	// UpdateTouch refreshes the timestamp of an already-recorded module.
	UpdateTouch
)

// Update is one diff result for a module. RecordID is only set for
// UpdateTouch. Only UpdateInsert entries are announced; touches are
// persisted silently.
type Update struct {
	Kind     UpdateKind
	RecordID int64
	UserID   int64
	CourseID int64
	Module   CourseModule
}
