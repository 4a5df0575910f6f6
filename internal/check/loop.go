package check

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bdbai/moodle-sentinel/internal/sentinel"
	"github.com/bdbai/moodle-sentinel/logger"
)

// How often subscriptions are checked.
const checkInterval = 5 * time.Minute

// Run drives the polling loop until the context is canceled.
//
// The first cycle runs immediately with notifications suppressed: it
// primes module records so a restart does not re-announce everything
// already published. After that a cycle runs every checkInterval, and a
// cycle's failure is logged without stopping the loop.
func (c *Checker) Run(ctx context.Context, notify NotifyFunc) error {
	if err := c.RunCycle(c.cycleCtx(ctx), func(sentinel.Notification) {}); err != nil {
		slog.ErrorContext(ctx, "initial check cycle failed", "error", err)
	} else {
		slog.InfoContext(ctx, "initial check cycle completed")
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cctx := c.cycleCtx(ctx)
			if err := c.RunCycle(cctx, notify); err != nil {
				slog.ErrorContext(cctx, "check cycle failed", "error", err)
			}
		}
	}
}

// cycleCtx tags every log record within one cycle with a correlation id.
func (c *Checker) cycleCtx(ctx context.Context) context.Context {
	return logger.Ctx(ctx, slog.String("cycle_id", uuid.NewString()))
}
