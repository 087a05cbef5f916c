// Package cron runs the background maintenance loops of the exchange: a
// fixed-interval expiry sweep and a cron-scheduled deep pass that prunes
// long-offline nodes from the registry.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-taskpost/internal/exchange"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Maintainer is implemented by the coordinator: Sweep purges expired task
// records, PruneStaleNodes clears registry rows for long-gone nodes.
type Maintainer interface {
	Sweep(ctx context.Context) (exchange.SweepStats, error)
	PruneStaleNodes(ctx context.Context, retention time.Duration) (int64, error)
}

// Config holds the dependencies for the sweeper.
type Config struct {
	Maintainer Maintainer
	Logger     *slog.Logger

	// Interval between expiry sweeps; defaults to 30 seconds if zero.
	Interval time.Duration
	// PruneSchedule is a 5-field cron expression for the deep pass.
	// Empty disables node pruning.
	PruneSchedule string
	// NodeRetention is how long an offline node stays in the registry
	// before the deep pass removes it.
	NodeRetention time.Duration
}

// Sweeper ticks at a fixed interval, purging expired task records on each
// tick and pruning stale nodes whenever the cron schedule comes due.
type Sweeper struct {
	maintainer Maintainer
	logger     *slog.Logger
	interval   time.Duration
	retention  time.Duration

	schedule  cronlib.Schedule // nil when pruning is disabled
	nextPrune time.Time

	intervalCh chan time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper with the given config. An invalid
// PruneSchedule is an error; an empty one disables the deep pass.
func NewSweeper(cfg Config) (*Sweeper, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		maintainer: cfg.Maintainer,
		logger:     logger,
		interval:   interval,
		retention:  cfg.NodeRetention,
		intervalCh: make(chan time.Duration, 1),
	}
	if cfg.PruneSchedule != "" {
		schedule, err := cronParser.Parse(cfg.PruneSchedule)
		if err != nil {
			return nil, err
		}
		s.schedule = schedule
	}
	return s, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.schedule != nil {
		s.nextPrune = s.schedule.Next(time.Now())
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "interval", s.interval, "prune_enabled", s.schedule != nil)
}

// SetInterval changes the sweep cadence of a running sweeper. Applied on
// config hot-reload; non-positive values are ignored.
func (s *Sweeper) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case s.intervalCh <- d:
	default:
	}
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.intervalCh:
			s.interval = d
			ticker.Reset(d)
			s.logger.Info("sweep interval updated", "interval", d)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one expiry sweep and, when due, the node-pruning deep pass.
// Failures are logged and retried on the next tick, never fatal.
func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.maintainer.Sweep(ctx); err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
	}

	if s.schedule == nil {
		return
	}
	now := time.Now()
	if now.Before(s.nextPrune) {
		return
	}
	s.nextPrune = s.schedule.Next(now)
	pruned, err := s.maintainer.PruneStaleNodes(ctx, s.retention)
	if err != nil {
		s.logger.Error("node prune failed", "error", err)
		return
	}
	s.logger.Info("deep sweep pass completed", "nodes_pruned", pruned, "next_prune_at", s.nextPrune)
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time. Used by doctor checks to validate configured
// schedules.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
