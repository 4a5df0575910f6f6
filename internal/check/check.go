// Package check implements the change-detection engine: one cycle fans
// out a concurrent check per subscription, coalesces course-name lookups,
// diffs fetched content against recorded modules, aggregates results per
// notification target, and commits a single deduplicated transaction.
package check

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bdbai/moodle-sentinel/internal/sentinel"
)

// How many subscription checks may run at once. Every eligible
// subscription is still checked each cycle; this only caps parallelism.
const maxConcurrentChecks = 16

type (
	// Store is the slice of the durable store the engine needs.
	Store interface {
		EligibleSubscriptions(ctx context.Context) ([]sentinel.Subscription, error)
		ModuleRecords(ctx context.Context, userID, courseID int64) (map[int64]int64, error)
		ResetFailures(ctx context.Context, target sentinel.Target, courseID int64) error
		BumpFailures(ctx context.Context, target sentinel.Target, courseID int64) error
		SaveUpdates(ctx context.Context, updates []sentinel.Update) error
	}

	// ContentProvider fetches course content and names on behalf of a
	// subscriber's token.
	ContentProvider interface {
		CourseName(ctx context.Context, token string, courseID int64) (string, error)
		CourseContent(ctx context.Context, token string, courseID int64) ([]sentinel.CourseSection, error)
	}

	// NotifyFunc receives one notification per (target, course) pair per
	// cycle. The callback owns formatting and delivery.
	NotifyFunc func(sentinel.Notification)

	// Checker runs polling cycles.
	Checker struct {
		store    Store
		provider ContentProvider
	}
)

func New(store Store, provider ContentProvider) *Checker {
	return &Checker{
		store:    store,
		provider: provider,
	}
}

// nameCell is the per-course, per-cycle course name slot. Workers race
// to fill it with a non-blocking acquisition; whoever wins resolves the
// name once for everyone referencing the course this cycle.
type nameCell struct {
	mu   sync.Mutex
	name string
	set  bool
}

// get blocks until the cell is free. By drain time all workers are done,
// so this never actually waits.
func (c *nameCell) get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.name, c.set
}

// bufferKey identifies one aggregation buffer for a cycle.
type bufferKey struct {
	target   sentinel.Target
	courseID int64
}

// courseBuffer accumulates diff results for one (target, course) pair
// under concurrent appends. The first error poisons the buffer for the
// rest of the cycle: later successful appends for the same key are
// discarded and the pair reports the error instead.
type courseBuffer struct {
	mu      sync.Mutex
	err     error
	updates []sentinel.Update
}

func (b *courseBuffer) append(updates []sentinel.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return
	}
	b.updates = append(b.updates, updates...)
}

func (b *courseBuffer) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err == nil {
		b.err = err
	}
}

// RunCycle performs one full polling pass: enumerate, fan out, notify,
// persist. Individual fetch failures surface through notifications; the
// returned error covers store-level orchestration failures only.
func (c *Checker) RunCycle(ctx context.Context, notify NotifyFunc) error {
	subs, err := c.store.EligibleSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("error enumerating subscriptions: %w", err)
	}

	// Shared aggregates are keyed up front so the maps themselves are
	// never mutated concurrently; only the cells and buffers are.
	buffers := make(map[bufferKey]*courseBuffer)
	cells := make(map[int64]*nameCell)
	for _, sub := range subs {
		key := bufferKey{target: sub.Target, courseID: sub.CourseID}
		if _, ok := buffers[key]; !ok {
			buffers[key] = &courseBuffer{}
		}
		if _, ok := cells[sub.CourseID]; !ok {
			cells[sub.CourseID] = &nameCell{}
		}
	}

	g := errgroup.Group{}
	g.SetLimit(maxConcurrentChecks)
	for _, sub := range subs {
		key := bufferKey{target: sub.Target, courseID: sub.CourseID}
		g.Go(func() error {
			c.checkSubscription(ctx, sub, cells[sub.CourseID], buffers[key])
			return nil
		})
	}
	// Workers never return errors; they record outcomes themselves.
	g.Wait()

	for key, buf := range buffers {
		name, ok := cells[key.courseID].get()
		if !ok {
			// Reachable only if every acquisition attempt lost the race,
			// which cannot happen once all workers have finished.
			name = fallbackCourseName(key.courseID)
		}
		// Touches are persisted silently; only fresh inserts are worth
		// announcing.
		var inserts []sentinel.Update
		for _, u := range buf.updates {
			if u.Kind == sentinel.UpdateInsert {
				inserts = append(inserts, u)
			}
		}
		notify(sentinel.Notification{
			Target:     key.target,
			CourseID:   key.courseID,
			CourseName: name,
			Updates:    inserts,
			Err:        buf.err,
		})
	}

	if err := c.store.SaveUpdates(ctx, drain(buffers)); err != nil {
		return fmt.Errorf("error committing module records: %w", err)
	}

	return nil
}

// drain collapses all successful buffers into one deduplicated batch.
// The same (user, module) pair seen through several subscriptions in one
// cycle yields exactly one row; last classification observed wins.
func drain(buffers map[bufferKey]*courseBuffer) []sentinel.Update {
	type seenKey struct {
		userID   int64
		moduleID int64
	}

	deduped := make(map[seenKey]sentinel.Update)
	for _, buf := range buffers {
		if buf.err != nil {
			// Never marked seen, so these are retried next cycle.
			continue
		}
		for _, u := range buf.updates {
			deduped[seenKey{userID: u.UserID, moduleID: u.Module.ID}] = u
		}
	}

	updates := make([]sentinel.Update, 0, len(deduped))
	for _, u := range deduped {
		updates = append(updates, u)
	}

	return updates
}

// checkSubscription is the per-subscription unit of work. It records its
// outcome in the shared buffer and keeps the failure count current; it
// never fails the cycle itself.
func (c *Checker) checkSubscription(ctx context.Context, sub sentinel.Subscription, cell *nameCell, buf *courseBuffer) {
	c.resolveCourseName(ctx, sub, cell)

	sections, err := c.provider.CourseContent(ctx, sub.Token, sub.CourseID)
	if err != nil {
		c.bumpFailures(ctx, sub)
		buf.fail(fmt.Errorf("error fetching course content: %w", err))
		return
	}

	records, err := c.store.ModuleRecords(ctx, sub.UserID, sub.CourseID)
	if err != nil {
		// A store fault is not the subscription's fault: leave the
		// failure count alone.
		buf.fail(fmt.Errorf("error loading recorded modules: %w", err))
		return
	}

	c.resetFailures(ctx, sub)
	buf.append(diff(sub, sections, records))
}

// diff flattens the content tree and classifies every reportable module
// against what has been recorded, preserving provider order.
func diff(sub sentinel.Subscription, sections []sentinel.CourseSection, records map[int64]int64) []sentinel.Update {
	var updates []sentinel.Update
	for _, section := range sections {
		for _, module := range section.Modules {
			if module.Kind() == sentinel.ModuleOther {
				continue
			}

			u := sentinel.Update{
				Kind:     sentinel.UpdateInsert,
				UserID:   sub.UserID,
				CourseID: sub.CourseID,
				Module:   module,
			}
			if recordID, ok := records[module.ID]; ok {
				u.Kind = sentinel.UpdateTouch
				u.RecordID = recordID
			}
			updates = append(updates, u)
		}
	}

	return updates
}

// resolveCourseName tries a non-blocking acquisition of the course's
// name cell. Losing the race means someone else is already resolving;
// content fetching must not wait on them.
func (c *Checker) resolveCourseName(ctx context.Context, sub sentinel.Subscription, cell *nameCell) {
	if !cell.mu.TryLock() {
		return
	}
	defer cell.mu.Unlock()

	if cell.set {
		return
	}

	name, err := c.provider.CourseName(ctx, sub.Token, sub.CourseID)
	if err != nil || name == "" {
		if err != nil {
			slog.WarnContext(ctx, "error resolving course name", "course_id", sub.CourseID, "error", err)
		}
		// The cell must never stay empty after a successful acquisition,
		// or the failure notification for this course would be muted.
		name = fallbackCourseName(sub.CourseID)
	}
	cell.name, cell.set = name, true
}

func fallbackCourseName(courseID int64) string {
	return fmt.Sprintf("Unknown course %d", courseID)
}

func (c *Checker) resetFailures(ctx context.Context, sub sentinel.Subscription) {
	if err := c.store.ResetFailures(ctx, sub.Target, sub.CourseID); err != nil {
		slog.ErrorContext(ctx, "error resetting failure count", "course_id", sub.CourseID, "error", err)
	}
}

func (c *Checker) bumpFailures(ctx context.Context, sub sentinel.Subscription) {
	if err := c.store.BumpFailures(ctx, sub.Target, sub.CourseID); err != nil {
		slog.ErrorContext(ctx, "error bumping failure count", "course_id", sub.CourseID, "error", err)
	}
}
