package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/hookdeck/txnhook/internal/clock"
	"github.com/hookdeck/txnhook/internal/eventbus"
	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/store"
)

// Sweeper runs the periodic maintenance passes the scheduler drives:
// the due-retry scan, the hang sweep, and the cleanup/archival sweep.
type Sweeper struct {
	deliveries  store.DeliveryRepository
	deliveryBus eventbus.Bus
	clock       clock.Clock
}

func NewSweeper(deliveries store.DeliveryRepository, deliveryBus eventbus.Bus, clk clock.Clock) *Sweeper {
	if clk == nil {
		clk = clock.System
	}
	return &Sweeper{deliveries: deliveries, deliveryBus: deliveryBus, clock: clk}
}

// DispatchDueRetries re-enqueues every delivery whose scheduled retry
// time has arrived.
func (s *Sweeper) DispatchDueRetries(ctx context.Context, limit int) (int, error) {
	due, err := s.deliveries.ListDue(ctx, s.clock.Now().UnixMilli(), limit)
	if err != nil {
		return 0, fmt.Errorf("listing due deliveries: %w", err)
	}
	for _, d := range due {
		if err := s.deliveryBus.Publish(ctx, models.EventMessage{
			EventID:      d.ID,
			EventType:    d.EventType,
			WebhookID:    d.SubscriptionID,
			Timestamp:    s.clock.Now(),
			AttemptCount: d.AttemptCount,
		}); err != nil {
			return 0, fmt.Errorf("publishing due delivery %s: %w", d.ID, err)
		}
	}
	return len(due), nil
}

// SweepHung implements the hang sweep: deliveries stuck in
// Processing past hangTimeout are forced to Failed, reason
// "processing timeout", then rescheduled per the same failure policy
// the dispatcher applies.
func (s *Sweeper) SweepHung(ctx context.Context, hangTimeout time.Duration, maxRetries int, retryBaseDelay time.Duration, limit int) (int, error) {
	threshold := s.clock.Now().Add(-hangTimeout).UnixMilli()
	stuck, err := s.deliveries.ListStaleProcessing(ctx, threshold, limit)
	if err != nil {
		return 0, fmt.Errorf("listing stale processing deliveries: %w", err)
	}

	for _, d := range stuck {
		now := s.clock.Now()
		d.ErrorDetails = models.Data{"reason": "processing timeout"}
		d.UpdatedAt = now
		if d.AttemptCount >= maxRetries {
			d.Status = models.DeliveryPermanentlyFailed
		} else {
			d.Status = models.DeliveryRetryScheduled
			next := now.Add(RetryDelay(d.AttemptCount, retryBaseDelay))
			d.NextRetryAt = &next
		}
		if err := s.deliveries.Update(ctx, d); err != nil {
			return 0, fmt.Errorf("updating hung delivery %s: %w", d.ID, err)
		}
	}
	return len(stuck), nil
}

// SweepArchivable implements the cleanup sweep: terminal deliveries
// older than maxAge are marked acknowledged/archived rather than
// deleted outright.
func (s *Sweeper) SweepArchivable(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	threshold := s.clock.Now().Add(-maxAge).UnixMilli()
	stale, err := s.deliveries.ListTerminalOlderThan(ctx, threshold, limit)
	if err != nil {
		return 0, fmt.Errorf("listing archivable deliveries: %w", err)
	}
	for _, d := range stale {
		d.AcknowledgmentStatus = "archived"
		d.UpdatedAt = s.clock.Now()
		if err := s.deliveries.Update(ctx, d); err != nil {
			return 0, fmt.Errorf("archiving delivery %s: %w", d.ID, err)
		}
	}
	return len(stale), nil
}
