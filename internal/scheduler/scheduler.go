package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval with the round number and its slot start.
type TickFunc func(ctx context.Context, round int, slot time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately fires round 0 before waiting for the first slot.
	RunImmediately bool
	// MaxRounds stops Run after that many ticks; zero runs until cancelled.
	MaxRounds int
}

// Scheduler drives periodic polling of sample sources.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick at each interval until ctx is cancelled or
// MaxRounds ticks have run. Tick errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	round := 0
	if s.opts.RunImmediately {
		s.fire(ctx, tick, round, time.Now().UTC())
		round++
	}

	next := s.nextTick(time.Now().UTC())
	for s.opts.MaxRounds == 0 || round < s.opts.MaxRounds {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_slot", next).Msg("waiting for next slot")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.fire(ctx, tick, round, s.slotStart(next))
		round++
		next = next.Add(s.opts.Interval)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, round int, slot time.Time) {
	s.logger.Debug().Int("round", round).Time("slot", slot).Msg("executing scheduled tick")
	if err := tick(ctx, round, slot); err != nil {
		s.logger.Error().Err(err).Int("round", round).Time("slot", slot).Msg("tick execution failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	slot := now.Truncate(s.opts.Interval)
	if !slot.After(now) {
		slot = slot.Add(s.opts.Interval)
	}
	return slot
}

func (s *Scheduler) slotStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
