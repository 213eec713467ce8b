package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultRetentionSchedule prunes once a day at 03:00.
const DefaultRetentionSchedule = "0 3 * * *"

// RetentionPolicy configures RunRetention.
type RetentionPolicy struct {
	Schedule string // cron expression
	KeepLast int    // turns kept per identity; <= 0 disables pruning
}

// ValidateSchedule reports whether expr is a valid cron expression.
func ValidateSchedule(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("store: invalid retention schedule %q", expr)
	}
	return nil
}

// RunRetention prunes backend on every tick of the policy's schedule until
// ctx is done.
func RunRetention(ctx context.Context, backend TurnStore, policy RetentionPolicy) error {
	if policy.KeepLast <= 0 {
		slog.Info("store: retention disabled")
		<-ctx.Done()
		return nil
	}
	expr := policy.Schedule
	if expr == "" {
		expr = DefaultRetentionSchedule
	}
	if err := ValidateSchedule(expr); err != nil {
		return err
	}

	for {
		next, err := gronx.NextTickAfter(expr, time.Now(), false)
		if err != nil {
			return fmt.Errorf("store: next retention tick: %w", err)
		}
		slog.Debug("store: next retention run", "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		removed, err := backend.Prune(ctx, policy.KeepLast)
		if err != nil {
			slog.Error("store: retention prune failed", "error", err)
			continue
		}
		slog.Info("store: retention prune complete", "removed", removed, "keep_last", policy.KeepLast)
	}
}
