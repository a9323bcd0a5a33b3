package main

import (
	"context"
	"log/slog"
	"time"

	"devicegate/internal/devicelock"
	"devicegate/internal/observability/metrics"
	"devicegate/internal/serverutil"
)

// windowSweeper drops closed rate-limit windows held in process memory.
type windowSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

type lockSweeper struct {
	table   devicelock.Table
	windows windowSweeper
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func newLockSweepWorker(logger *slog.Logger, recorder *metrics.Recorder, table devicelock.Table, windows windowSweeper, interval time.Duration) serverutil.Worker {
	return newLockSweepWorkerWithTicker(logger, recorder, table, windows, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func newLockSweepWorkerWithTicker(
	logger *slog.Logger,
	recorder *metrics.Recorder,
	table devicelock.Table,
	windows windowSweeper,
	interval time.Duration,
	newTicker tickerFactory,
) serverutil.Worker {
	if (table == nil && windows == nil) || interval <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	s := lockSweeper{table: table, windows: windows, logger: logger, metrics: recorder}

	return func(ctx context.Context) error {
		ticker := newTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				s.sweep(ctx)
			}
		}
	}
}

// sweep failures are logged and retried on the next tick.
func (s lockSweeper) sweep(ctx context.Context) {
	if s.table != nil {
		removed, err := s.table.Sweep(ctx)
		if err != nil {
			s.logger.Error("failed to sweep expired device locks", "error", err)
		} else {
			remaining := -1
			if counter, ok := s.table.(devicelock.Counter); ok {
				if n, err := counter.Len(ctx); err == nil {
					remaining = n
				}
			}
			s.metrics.ObserveSweep(removed, remaining)
			if removed > 0 {
				s.logger.Debug("swept expired device locks", "removed", removed, "remaining", remaining)
			}
		}
	}
	if s.windows != nil {
		if _, err := s.windows.Sweep(ctx); err != nil {
			s.logger.Error("failed to sweep rate limit windows", "error", err)
		}
	}
}
