package monitor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/monitor"
	"github.com/hookdeck/txnhook/internal/redislock"
	"github.com/hookdeck/txnhook/internal/statemachine"
)

func TestTickWorkerRunsOnInterval(t *testing.T) {
	s := newMemStore()
	now := time.Now().UTC()
	s.txns["txn-1"] = models.Transaction{
		ID: "txn-1", OriginSystem: "orders", Status: models.StatusPending,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour), AttemptCount: 1, Version: 1,
	}

	th := statemachine.Thresholds{PendingTimeout: 5 * time.Minute, ProcessingTimeout: 10 * time.Minute, MaxAttempts: 3}
	svc := newTestService(s, th)
	m := monitor.New(s, svc, nil, th, monitor.DefaultAnomalyConfig(), nil, nil)

	w := monitor.NewTickWorker(m, 5*time.Millisecond, nil)
	assert.Equal(t, "monitor", w.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := s.Transactions().Get(context.Background(), "txn-1")
	assert.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, got.Status)
}

func TestTickWorkerUsesLockFactory(t *testing.T) {
	s := newMemStore()
	th := statemachine.Thresholds{PendingTimeout: 5 * time.Minute, ProcessingTimeout: 10 * time.Minute, MaxAttempts: 3}
	svc := newTestService(s, th)
	m := monitor.New(s, svc, nil, th, monitor.DefaultAnomalyConfig(), nil, nil)

	var calls int32
	w := monitor.NewTickWorker(m, 5*time.Millisecond, func() redislock.Lock {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	assert.Greater(t, atomic.LoadInt32(&calls), int32(0))
}
