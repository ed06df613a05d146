// Package schedule implements the global schedule orchestration engine: it
// maps many tenants' scrape targets onto a bounded pool of shared,
// interval-bucketed recurring jobs on the external job platform, keeps the
// job definitions in sync with tenant churn, and splits, rebalances, and
// consolidates batches as load shifts.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"reviewflow/internal/types"
)

// anchorHour is the UTC hour daily and multi-day schedules fire at. Chosen
// for low traffic on the scraped sites and cheap platform capacity.
const anchorHour = 3

// batchOffsetMinutes staggers sibling batches so a group's jobs do not all
// fire in the same minute. Load smoothing only, not a correctness concern.
func batchOffsetMinutes(batchIndex int) int {
	return (batchIndex * 15) % 60
}

// CronForEntry derives the recurring-job cron expression for an interval
// and batch index. Common intervals map to fixed human-readable forms so
// operators can read them off the platform dashboard; any other interval
// falls back to an every-N-hours (or every-N-days) form.
func CronForEntry(intervalHours, batchIndex int) (string, error) {
	if intervalHours <= 0 {
		return "", types.NewAppError(types.ErrCodeValidationInterval,
			fmt.Sprintf("interval must be positive, got %d", intervalHours), nil)
	}

	m := batchOffsetMinutes(batchIndex)
	switch intervalHours {
	case 6:
		return fmt.Sprintf("%d */6 * * *", m), nil
	case 12:
		return fmt.Sprintf("%d %d,%d * * *", m, anchorHour, anchorHour+12), nil
	case 24:
		return fmt.Sprintf("%d %d * * *", m, anchorHour), nil
	case 72:
		return fmt.Sprintf("%d %d */3 * *", m, anchorHour), nil
	}

	if intervalHours < 24 {
		return fmt.Sprintf("%d */%d * * *", m, intervalHours), nil
	}
	days := (intervalHours + 23) / 24
	return fmt.Sprintf("%d %d */%d * *", m, anchorHour, days), nil
}

// NextRunAfter computes the first firing of a cron expression after the
// given instant, in UTC.
func NextRunAfter(expr string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	return sched.Next(after.UTC()), nil
}

// EntryName renders the human-readable job name used on the platform
// dashboard, e.g. "reviewflow-google-reviews-24h-b0".
func EntryName(group types.ScheduleGroup, batchIndex int) string {
	return fmt.Sprintf("reviewflow-%s-%s-%dh-b%d",
		group.TargetType, group.JobKind, group.IntervalHours, batchIndex)
}
