// Package reaper fails assistant messages left in processing by runs that never
// finished and re-schedules user messages whose run was never handed off, on a
// cron schedule.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
)

const (
	retryAfterError = 30 * time.Second
	minWait         = time.Second

	defaultRedriveGrace = time.Minute
	defaultRedriveBatch = 100
)

// ErrInvalidSchedule is returned for a cron expression gronx rejects.
var ErrInvalidSchedule = errors.New("invalid reaper schedule")

// Counter receives sweep results. *metrics.Metrics satisfies it.
type Counter interface {
	Reaped(n int64)
	Redriven(n int)
}

// Reaper periodically fails stale processing messages and, when re-drive is
// enabled, schedules user messages that were never dispatched.
type Reaper struct {
	store      core.StaleMessageReaper
	schedule   string
	staleAfter time.Duration
	counter    Counter
	log        *logger.Logger
	now        func() time.Time

	tracker      core.DispatchTracker
	scheduler    core.Scheduler
	redriveGrace time.Duration
	redriveBatch int
}

// New validates schedule and returns a Reaper. counter may be nil.
func New(store core.StaleMessageReaper, schedule string, staleAfter time.Duration, counter Counter, log *logger.Logger) (*Reaper, error) {
	if !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, schedule)
	}

	return &Reaper{
		store:      store,
		schedule:   schedule,
		staleAfter: staleAfter,
		counter:    counter,
		log:        log,
		now:        time.Now,
	}, nil
}

// EnableRedrive makes every sweep schedule user messages older than grace that
// tracker still reports as undispatched.
func (r *Reaper) EnableRedrive(tracker core.DispatchTracker, scheduler core.Scheduler, grace time.Duration) {
	if grace <= 0 {
		grace = defaultRedriveGrace
	}

	r.tracker = tracker
	r.scheduler = scheduler
	r.redriveGrace = grace
	r.redriveBatch = defaultRedriveBatch
}

// Redrive schedules undispatched user messages and marks each one dispatched
// once its run is handed off. It stops at the first scheduling error so the
// remaining messages wait for the next sweep.
func (r *Reaper) Redrive(ctx context.Context) (int, error) {
	if r.tracker == nil || r.scheduler == nil {
		return 0, nil
	}

	cutoff := r.now().UTC().Add(-r.redriveGrace)

	pending, err := r.tracker.ListUndispatched(ctx, cutoff, r.redriveBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list undispatched messages: %w", err)
	}

	redriven := 0

	defer func() {
		if r.counter != nil && redriven > 0 {
			r.counter.Redriven(redriven)
		}
	}()

	for _, msg := range pending {
		scheduleErr := r.scheduler.Schedule(ctx, core.Job{
			ConversationID: msg.ConversationID,
			UserMessageID:  msg.ID,
		})
		if scheduleErr != nil {
			return redriven, fmt.Errorf("failed to re-drive message %d: %w", msg.ID, scheduleErr)
		}

		markErr := r.tracker.MarkDispatched(ctx, msg.ID)
		if markErr != nil {
			return redriven, fmt.Errorf("failed to mark message %d dispatched: %w", msg.ID, markErr)
		}

		redriven++
	}

	return redriven, nil
}

// RunOnce fails every assistant message that has been processing for longer
// than the stale threshold.
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.staleAfter)

	reaped, err := r.store.FailStaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale messages: %w", err)
	}

	if r.counter != nil && reaped > 0 {
		r.counter.Reaped(reaped)
	}

	return reaped, nil
}

// Run sweeps once at start, then at every tick of the schedule until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	r.sweep(ctx)

	for {
		next, err := gronx.NextTickAfter(r.schedule, r.now().UTC(), false)
		if err != nil {
			r.log.Error("Reaper: failed to compute next tick for %q: %v", r.schedule, err)

			if !sleep(ctx, retryAfterError) {
				return
			}

			continue
		}

		if !sleep(ctx, max(time.Until(next), minWait)) {
			return
		}

		r.sweep(ctx)
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	reaped, err := r.RunOnce(ctx)
	if err != nil {
		r.log.Error("Reaper: %v", err)
	}

	if reaped > 0 {
		r.log.Info("Reaper: failed %d stale assistant message(s)", reaped)
	}

	redriven, redriveErr := r.Redrive(ctx)
	if redriveErr != nil {
		r.log.Error("Reaper: %v", redriveErr)
	}

	if redriven > 0 {
		r.log.Info("Reaper: re-scheduled %d undispatched message(s)", redriven)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
