// Package engine ties components A-G together into the tick loop of
// spec.md §2: refresh stale sources, recompute the merged target table,
// diff against applied state, push the delta through the device sink, and
// persist the result before sleeping until the next wake.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/shoreline-systems/wgreconcile/internal/appliedstate"
	"github.com/shoreline-systems/wgreconcile/internal/catalog"
	"github.com/shoreline-systems/wgreconcile/internal/config"
	"github.com/shoreline-systems/wgreconcile/internal/devicesink"
	"github.com/shoreline-systems/wgreconcile/internal/merge"
	"github.com/shoreline-systems/wgreconcile/internal/schedule"
	"github.com/shoreline-systems/wgreconcile/internal/srccache"
	"github.com/shoreline-systems/wgreconcile/internal/wgconf"
	"github.com/shoreline-systems/wgreconcile/util"
)

// Engine owns one interface's reconciliation loop.
type Engine struct {
	Global  config.Global
	Sink    devicesink.Sink
	Cache   *srccache.Cache
	State   *appliedstate.Store
	Fetcher srccache.Fetcher

	// ThisMachinePublicKey, if set, reports this interface's own public key
	// for road-warrior rewriting (merge.Input.ThisMachinePublicKey); see
	// DESIGN.md for why this is a query rather than a config field.
	ThisMachinePublicKey func() (wgconf.Key, error)

	// Wake is an external wake channel (e.g. SIGHUP, fsnotify on the config
	// file) in addition to the scheduler's own timer (spec.md §4.E).
	Wake <-chan struct{}

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time

	notifiedReady bool
}

// Run executes the tick loop until ctx is cancelled. Each iteration runs
// one full cycle (refresh, merge, diff, apply, persist) and then sleeps
// until the scheduler's next wake time, an external wake signal, or ctx
// cancellation.
func (e *Engine) Run(ctx context.Context) error {
	if e.Now == nil {
		e.Now = time.Now
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		wake, err := e.cycle(ctx, !e.notifiedReady)
		if err != nil {
			return err
		}
		if !e.notifiedReady {
			if err := util.Notify("READY=1\nSTATUS=serving"); err != nil {
				zap.S().Infof("notify: %s", err)
			}
			e.notifiedReady = true
		}
		delay := time.Until(wake)
		if delay < 0 {
			delay = 0
		}
		if err := util.Notify(fmt.Sprintf("STATUS=idle, next wake in %s", delay.Round(time.Second))); err != nil {
			zap.S().Infof("notify: %s", err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-e.Wake:
			timer.Stop()
		}
	}
}

// cycle runs one reconciliation pass and returns the next wake time. On
// startup, a required source with no cached document whose first fetch
// fails aborts the engine entirely (spec.md §4.C, §7); on later cycles the
// same error is logged and the previous cached document (if any) keeps
// being used like any other fetch failure.
func (e *Engine) cycle(ctx context.Context, startup bool) (time.Time, error) {
	now := e.Now()
	active := map[string]*catalog.Document{}
	var deadlines []schedule.SourceDeadline
	for _, src := range e.Global.Sources {
		timeout := time.Duration(e.Global.RefreshSec/2) * time.Second
		if timeout < 30*time.Second {
			timeout = 30 * time.Second
		}
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		doc, err := e.Cache.Refresh(fetchCtx, src, e.Fetcher, now, e.Global.RefreshSec)
		cancel()
		if dl, ok := e.Cache.NextDeadline(src.Name); ok {
			deadlines = append(deadlines, schedule.SourceDeadline{Name: src.Name, Deadline: dl})
		}
		if err != nil {
			if startup && errors.Is(err, srccache.ErrRequiredSourceUnavailable) {
				return time.Time{}, fmt.Errorf("starting engine: %w", err)
			}
			zap.S().Errorf("source %s: %s", src.Name, err)
			continue
		}
		active[src.Name] = doc.Active(now)
	}

	var thisKey wgconf.Key
	if e.ThisMachinePublicKey != nil {
		k, err := e.ThisMachinePublicKey()
		if err != nil {
			zap.S().Warnf("querying local public key: %s", err)
		} else {
			thisKey = k
		}
	}

	target := merge.Merge(merge.Input{
		Sources:              e.Global.Sources,
		Active:               active,
		Overrides:            e.Global.OverrideMap(),
		Global:               e.Global,
		ThisMachinePublicKey: thisKey,
	})

	prev, err := e.State.Load()
	if err != nil {
		return time.Time{}, fmt.Errorf("loading applied state: %w", err)
	}
	plan := devicesink.Diff(prev, target)
	committed := e.apply(ctx, prev, plan)
	if err := e.State.Save(committed); err != nil {
		zap.S().Errorf("persisting applied state: %s", err)
	}

	wake, ok := schedule.NextWake(deadlines, active, now)
	if !ok {
		wake = now.Add(time.Duration(e.Global.RefreshSec) * time.Second)
	}
	return wake, nil
}

// apply pushes plan through the sink and returns the table that was
// actually committed: peers whose device operation failed are left out of
// the adds/updates (so the next cycle retries them) and failed removes
// stay present (spec.md §4.F, §7 — a device error never advances applied
// state for that key).
func (e *Engine) apply(ctx context.Context, prev merge.Table, plan devicesink.Plan) merge.Table {
	byKey := make(map[wgconf.Key]merge.TargetPeer, len(prev.Peers))
	for _, p := range prev.Peers {
		byKey[p.PublicKey] = p
	}
	for _, k := range plan.Removes {
		if err := e.Sink.RemovePeer(ctx, k); err != nil {
			zap.S().Errorf("removing peer %s: %s", k, err)
			continue
		}
		delete(byKey, k)
	}
	for _, p := range append(append([]merge.TargetPeer{}, plan.Adds...), plan.Updates...) {
		if err := e.Sink.SetPeer(ctx, p); err != nil {
			zap.S().Errorf("setting peer %s: %s", p.PublicKey, err)
			continue
		}
		byKey[p.PublicKey] = p
	}
	// byKey now holds the state actually reflected on the device: prev
	// peers that were never touched, successfully-applied adds/updates,
	// and (deliberately) prev peers whose removal failed, so the next
	// cycle's diff sees them as still present and retries the removal.
	committed := make([]merge.TargetPeer, 0, len(byKey))
	for _, p := range byKey {
		committed = append(committed, p)
	}
	sort.Slice(committed, func(i, j int) bool { return keyLess(committed[i].PublicKey, committed[j].PublicKey) })
	return merge.Table{Peers: committed}
}

func keyLess(a, b wgconf.Key) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
