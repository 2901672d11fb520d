package agent

import (
	"context"
	"time"

	"github.com/chadiek/voice-console/internal/backend"
)

// StageDurations are the minimum dwell times of the visible progress stages.
type StageDurations struct {
	Listening        time.Duration
	Executing        time.Duration
	Completed        time.Duration
	CompletedOnError time.Duration
}

func DefaultStageDurations() StageDurations {
	return StageDurations{
		Listening:        time.Second,
		Executing:        1500 * time.Millisecond,
		Completed:        800 * time.Millisecond,
		CompletedOnError: 500 * time.Millisecond,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// stageDriver walks a round through listening, thinking, executing and
// completed, holding each stage for at least its dwell time.
type stageDriver struct {
	durations StageDurations
	sleep     SleepFunc
	enter     func(trigger)
}

// Decide runs listening -> thinking -> executing around interpret. When
// interpret fails the round passes through completed with the short dwell
// and the interpret error is returned. A ctx error means the round was
// abandoned.
func (d *stageDriver) Decide(ctx context.Context, interpret func(context.Context) (backend.Decision, error)) (backend.Decision, error) {
	d.enter(triggerBegin)
	if err := d.sleep(ctx, d.durations.Listening); err != nil {
		return backend.Decision{}, err
	}
	d.enter(triggerThink)
	dec, err := interpret(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return backend.Decision{}, ctx.Err()
		}
		d.enter(triggerComplete)
		if serr := d.sleep(ctx, d.durations.CompletedOnError); serr != nil {
			return backend.Decision{}, serr
		}
		return backend.Decision{}, err
	}
	d.enter(triggerDecide)
	if err := d.sleep(ctx, d.durations.Executing); err != nil {
		return backend.Decision{}, err
	}
	return dec, nil
}

// Complete enters completed and holds it.
func (d *stageDriver) Complete(ctx context.Context) error {
	d.enter(triggerComplete)
	return d.sleep(ctx, d.durations.Completed)
}
