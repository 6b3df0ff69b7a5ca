// Package schedule computes the engine's next wake time, per spec.md §4.E:
// the minimum of every source's refresh deadline and the nearest future
// update_at among any cached document's surviving next chain.
package schedule

import (
	"time"

	"github.com/shoreline-systems/wgreconcile/internal/catalog"
)

// SourceDeadline is one source's next-refresh deadline, as tracked by the
// source cache (internal/srccache).
type SourceDeadline struct {
	Name     string
	Deadline time.Time
}

// NextWake returns the earliest instant the engine must recompute: either a
// source becomes due for refresh, or a cached document's next chain has a
// pending switchover. ok is false only when there is nothing to wait for
// (no deadlines and no pending switchovers), which in practice
// never happens once at least one source exists.
func NextWake(deadlines []SourceDeadline, active map[string]*catalog.Document, now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}
	for _, d := range deadlines {
		consider(d.Deadline)
	}
	for _, doc := range active {
		if doc == nil {
			continue
		}
		if t, ok := doc.NextSwitchAfter(now); ok {
			consider(t)
		}
	}
	return next, found
}

// Backoff computes the next retry deadline after consecutiveFailures
// consecutive fetch failures, starting from attemptAt, doubling each time
// and capped at refresh. A zero consecutiveFailures means no prior failure,
// so the normal refresh interval applies.
func Backoff(attemptAt time.Time, consecutiveFailures int, refresh time.Duration) time.Time {
	if consecutiveFailures <= 0 {
		return attemptAt.Add(refresh)
	}
	delay := time.Second
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay >= refresh {
			delay = refresh
			break
		}
	}
	return attemptAt.Add(delay)
}
