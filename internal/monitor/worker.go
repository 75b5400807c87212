package monitor

import (
	"context"
	"time"

	"github.com/hookdeck/txnhook/internal/redislock"
	"go.uber.org/zap"
)

// TickWorker adapts Monitor.Tick to the worker.Worker contract so it can
// run under the same supervisor as every other long-running process.
type TickWorker struct {
	monitor  *Monitor
	interval time.Duration
	lockFn   func() redislock.Lock
}

func NewTickWorker(m *Monitor, interval time.Duration, lockFn func() redislock.Lock) *TickWorker {
	return &TickWorker{monitor: m, interval: interval, lockFn: lockFn}
}

func (w *TickWorker) Name() string { return "monitor" }

func (w *TickWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var lock redislock.Lock
			if w.lockFn != nil {
				lock = w.lockFn()
			}
			if err := w.monitor.Tick(ctx, lock); err != nil && w.monitor.log != nil {
				w.monitor.log.Ctx(ctx).Error("monitor tick failed", zap.Error(err))
			}
		}
	}
}
