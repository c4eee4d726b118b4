package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type sweeper interface {
	ProcessPending(ctx context.Context) error
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

// startSweepWorker periodically drives due and stale records through the
// pipeline, covering everything the immediate-attempt queue missed. The
// returned function stops the worker and waits for the loop to exit.
func startSweepWorker(ctx context.Context, logger *slog.Logger, pipeline sweeper, interval time.Duration) func() {
	return startSweepWorkerWithTicker(ctx, logger, pipeline, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	pipeline sweeper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if pipeline == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if err := pipeline.ProcessPending(workerCtx); err != nil && logger != nil {
					logger.Error("sweep pass failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
