package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const tickLockKey = "conversion:tick"

// Ticker is one unit of periodic work.
type Ticker interface {
	Tick(ctx context.Context) TickReport
}

// Locker guards ticks across processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func() error, ok bool, err error)
}

// Scheduler runs ticks at a fixed interval, never two at once.
type Scheduler struct {
	ticker   Ticker
	interval time.Duration
	locker   Locker
	lockTTL  time.Duration
	running  atomic.Bool
	logger   zerolog.Logger
}

// NewScheduler builds a scheduler. locker may be nil for a single process.
func NewScheduler(ticker Ticker, interval time.Duration, locker Locker, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		ticker:   ticker,
		interval: interval,
		locker:   locker,
		lockTTL:  10 * interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run ticks once immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-t.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs a tick unless one is already running here or elsewhere. It
// reports whether the tick ran.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug().Msg("tick already running")
		return false
	}
	defer s.running.Store(false)

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, tickLockKey, s.lockTTL)
		if err != nil {
			s.logger.Warn().Err(err).Msg("tick lock unavailable, skipping tick")
			return false
		}
		if !ok {
			s.logger.Debug().Msg("tick held by another process")
			return false
		}
		defer func() {
			if err := release(); err != nil {
				s.logger.Warn().Err(err).Dur("ttl", s.lockTTL).Msg("failed to release tick lock, it expires on its own")
			}
		}()
	}

	start := time.Now()
	report := s.ticker.Tick(ctx)
	s.logger.Info().
		Int("reconciled", report.Reconciled).
		Int("completed", report.Completed).
		Int("failed", report.Failed).
		Int("recovered", report.Recovered).
		Int("dispatched", report.Dispatched).
		Dur("duration", time.Since(start)).
		Msg("tick finished")
	return true
}
