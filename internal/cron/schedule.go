// Package cron owns the gateway's job timer: a single shared timer that
// fires recurring and one-shot jobs, guaranteed to make forward progress
// even when a fire overlaps a still-running execution.
package cron

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tidegate/tidegate/internal/store"
)

// DefaultStaggerWindowMs bounds the deterministic offset applied to
// recurring top-of-hour cron expressions that have no explicit stagger.
// Spreads jobs that would otherwise all fire at minute zero.
const DefaultStaggerWindowMs = int64(5 * 60 * 1000)

// ValidateSchedule checks a schedule definition. Returns nil if a job
// with this schedule can be armed.
func ValidateSchedule(sch store.CronSchedule) error {
	switch sch.Kind {
	case store.ScheduleEvery:
		if sch.EveryMs <= 0 {
			return fmt.Errorf("everyMs must be positive")
		}
	case store.ScheduleCron:
		if strings.TrimSpace(sch.Expr) == "" {
			return fmt.Errorf("cron expr is required")
		}
		if !gronx.New().IsValid(sch.Expr) {
			return fmt.Errorf("invalid cron expr: %q", sch.Expr)
		}
	case store.ScheduleAt:
		if sch.AtMs <= 0 {
			return fmt.Errorf("atMs is required")
		}
	default:
		return fmt.Errorf("unsupported schedule kind: %q", sch.Kind)
	}
	return nil
}

// ResolveCronStaggerMs returns the stagger offset for a cron-kind
// schedule. An explicit StaggerMs always wins, including explicit zero.
// Recurring top-of-hour expressions default to a positive offset derived
// from the job ID, stable across restarts; everything else defaults to 0.
func ResolveCronStaggerMs(jobID string, sch store.CronSchedule) int64 {
	if sch.Kind != store.ScheduleCron {
		return 0
	}
	if sch.StaggerMs != nil {
		if *sch.StaggerMs < 0 {
			return 0
		}
		return *sch.StaggerMs
	}
	if !isTopOfHourExpr(sch.Expr) {
		return 0
	}
	return staggerOffsetMs(jobID, DefaultStaggerWindowMs)
}

// isTopOfHourExpr reports whether expr is a recurring pattern that fires
// at minute zero: the minutes field (and seconds field, if present) is
// literally "0" and the hours field recurs ("*" or a step).
// Examples: "0 * * * *", "0 */2 * * *", "0 0 */3 * * *".
func isTopOfHourExpr(expr string) bool {
	fields := strings.Fields(strings.TrimSpace(expr))
	var seconds, minutes, hours string
	switch len(fields) {
	case 5:
		minutes, hours = fields[0], fields[1]
	case 6:
		seconds, minutes, hours = fields[0], fields[1], fields[2]
	default:
		return false
	}
	if seconds != "" && seconds != "0" {
		return false
	}
	if minutes != "0" {
		return false
	}
	return strings.Contains(hours, "*")
}

// staggerOffsetMs derives a stable positive offset in [1, windowMs) from
// the job identity. No coordination between jobs is needed: identical
// IDs always land on the same offset.
func staggerOffsetMs(jobID string, windowMs int64) int64 {
	if windowMs <= 1 {
		return 1
	}
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return 1 + int64(h.Sum32())%(windowMs-1)
}

// NextRunAtMs computes the next due time for a schedule strictly after
// "after". For cron-kind schedules the stagger offset is added on top of
// the raw tick.
func NextRunAtMs(jobID string, sch store.CronSchedule, after time.Time) (int64, error) {
	switch sch.Kind {
	case store.ScheduleEvery:
		if sch.EveryMs <= 0 {
			return 0, fmt.Errorf("everyMs must be positive")
		}
		return after.UnixMilli() + sch.EveryMs, nil
	case store.ScheduleCron:
		tick, err := gronx.NextTickAfter(sch.Expr, after, false)
		if err != nil {
			return 0, fmt.Errorf("next tick for %q: %w", sch.Expr, err)
		}
		return tick.UnixMilli() + ResolveCronStaggerMs(jobID, sch), nil
	case store.ScheduleAt:
		return sch.AtMs, nil
	default:
		return 0, fmt.Errorf("unsupported schedule kind: %q", sch.Kind)
	}
}
