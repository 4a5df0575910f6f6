// Package subscribe implements the subscription commands: adding,
// removing, and bulk-removing course watches.
package subscribe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdbai/moodle-sentinel/internal/sentinel"
)

type (
	// Store is the slice of the durable store the commands need.
	Store interface {
		SubscriptionExists(ctx context.Context, userID, courseID int64, target sentinel.Target) (bool, error)
		CreateSubscription(ctx context.Context, userID, courseID int64, target sentinel.Target, seenModuleIDs []int64) error
		DeleteSubscription(ctx context.Context, userID, courseID int64, target sentinel.Target) error
		DeleteGroupSubscriptions(ctx context.Context, groupQQ int64) (int64, error)
	}

	// ContentProvider fetches a course's content for validation and the
	// initial snapshot.
	ContentProvider interface {
		CourseContent(ctx context.Context, token string, courseID int64) ([]sentinel.CourseSection, error)
	}

	Service struct {
		store    Store
		provider ContentProvider
	}
)

func New(store Store, provider ContentProvider) *Service {
	return &Service{
		store:    store,
		provider: provider,
	}
}

// Subscribe adds a watch on a course for the given target.
//
// Fetching the content up front serves two purposes: it proves the
// user's token can actually see the course, and it snapshots every
// module already published so the next check cycle does not announce
// old content as new. Returns [sentinel.ErrDuplicateSubscription] when
// the target already watches the course.
func (s *Service) Subscribe(ctx context.Context, user sentinel.User, courseID int64, target sentinel.Target) error {
	exists, err := s.store.SubscriptionExists(ctx, user.ID, courseID, target)
	if err != nil {
		return fmt.Errorf("error checking for existing subscription: %w", err)
	}
	if exists {
		return sentinel.ErrDuplicateSubscription
	}

	sections, err := s.provider.CourseContent(ctx, user.MoodleToken, courseID)
	if err != nil {
		return fmt.Errorf("error fetching course content: %w", err)
	}

	var seen []int64
	for _, section := range sections {
		for _, module := range section.Modules {
			if module.Kind() == sentinel.ModuleOther {
				continue
			}
			seen = append(seen, module.ID)
		}
	}

	if err := s.store.CreateSubscription(ctx, user.ID, courseID, target, seen); err != nil {
		return fmt.Errorf("error creating subscription: %w", err)
	}

	slog.InfoContext(ctx, "subscription added",
		"user_id", user.ID,
		"course_id", courseID,
		"snapshotted_modules", len(seen),
	)

	return nil
}

// Unsubscribe removes a watch. Returns
// [sentinel.ErrSubscriptionNotFound] when there is nothing to remove.
func (s *Service) Unsubscribe(ctx context.Context, user sentinel.User, courseID int64, target sentinel.Target) error {
	return s.store.DeleteSubscription(ctx, user.ID, courseID, target)
}

// RemoveGroup drops every subscription delivering to a group, used when
// the bot is removed from it. Returns how many watches went away.
func (s *Service) RemoveGroup(ctx context.Context, groupQQ int64) (int64, error) {
	count, err := s.store.DeleteGroupSubscriptions(ctx, groupQQ)
	if err != nil {
		return 0, fmt.Errorf("error removing group subscriptions: %w", err)
	}

	slog.InfoContext(ctx, "group subscriptions removed", "group_qq", groupQQ, "count", count)

	return count, nil
}
