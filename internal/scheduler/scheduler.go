package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval with the scheduled tick time.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// TickTimeout bounds a single invocation; zero leaves it unbounded.
	TickTimeout time.Duration
	// RunImmediately fires the first tick without waiting an interval.
	RunImmediately bool
}

// Scheduler drives periodic execution of a job.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "scheduler"
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
	}
}

// Run blocks, invoking tick at each interval until ctx is cancelled.
// Ticks never overlap: a slow tick delays the next one.
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

	next := s.nextTick(time.Now().UTC())
	if s.opts.RunImmediately {
		next = time.Now().UTC()
	}
	for {
		delay := time.Until(next)
		if delay < 0 && !s.opts.RunImmediately {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		at := s.bucketStart(next)
		s.Execute(ctx, at, tick)

		next = next.Add(s.opts.Interval)
		if now := time.Now().UTC(); next.Before(now) {
			s.logger.Warn().Time("missed", next).Msg("tick overran interval, skipping missed ticks")
			next = s.nextTick(now)
		}
	}
}

// Execute runs tick once under the per-tick timeout.
func (s *Scheduler) Execute(ctx context.Context, at time.Time, tick TickFunc) error {
	tickCtx := ctx
	if s.opts.TickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, s.opts.TickTimeout)
		defer cancel()
	}

	start := time.Now()
	err := tick(tickCtx, at)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		s.logger.Debug().Time("tick", at).Dur("elapsed", elapsed).Msg("tick complete")
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		s.logger.Warn().Err(err).Time("tick", at).Dur("budget", s.opts.TickTimeout).Msg("tick exceeded its time budget")
	default:
		s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
	}
	return err
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
