package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/hookdeck/txnhook/internal/clock"
	"github.com/hookdeck/txnhook/internal/eventbus"
	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/webhook"
)

func TestDispatchDueRetriesPublishesOnlyDueDeliveries(t *testing.T) {
	deliveries := newFakeDeliveryRepo()
	clk := clock.Fixed(time.Unix(1000, 0))
	due := clk.Now().Add(-time.Minute)
	notDue := clk.Now().Add(time.Hour)
	deliveries.byID["del-due"] = models.WebhookDelivery{ID: "del-due", SubscriptionID: "sub-1", Status: models.DeliveryRetryScheduled, NextRetryAt: &due}
	deliveries.byID["del-future"] = models.WebhookDelivery{ID: "del-future", SubscriptionID: "sub-1", Status: models.DeliveryRetryScheduled, NextRetryAt: &notDue}

	bus := eventbus.NewMemoryBus(4)
	s := webhook.NewSweeper(deliveries, bus, clk)

	n, err := s.DispatchDueRetries(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one due delivery to be dispatched, got %d", n)
	}
}

func TestSweepHungForcesStaleProcessingToRetryOrPermanentFailure(t *testing.T) {
	clk := clock.Fixed(time.Unix(100000, 0))
	stale := clk.Now().Add(-10 * time.Minute)
	deliveries := newFakeDeliveryRepo()
	deliveries.byID["del-low-attempts"] = models.WebhookDelivery{
		ID: "del-low-attempts", SubscriptionID: "sub-1", Status: models.DeliveryProcessing, AttemptCount: 1, UpdatedAt: stale,
	}
	deliveries.byID["del-exhausted"] = models.WebhookDelivery{
		ID: "del-exhausted", SubscriptionID: "sub-1", Status: models.DeliveryProcessing, AttemptCount: 5, UpdatedAt: stale,
	}

	bus := eventbus.NewMemoryBus(4)
	s := webhook.NewSweeper(deliveries, bus, clk)

	n, err := s.SweepHung(context.Background(), 5*time.Minute, 5, 60*time.Second, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected both stale deliveries to be swept, got %d", n)
	}

	low, _ := deliveries.Get(context.Background(), "del-low-attempts")
	if low.Status != models.DeliveryRetryScheduled {
		t.Fatalf("expected under-threshold delivery to be rescheduled, got %s", low.Status)
	}
	if low.NextRetryAt == nil {
		t.Fatal("expected a next_retry_at to be set on the rescheduled delivery")
	}

	exhausted, _ := deliveries.Get(context.Background(), "del-exhausted")
	if exhausted.Status != models.DeliveryPermanentlyFailed {
		t.Fatalf("expected an attempt-exhausted delivery to be permanently failed, got %s", exhausted.Status)
	}
}

func TestSweepArchivableMarksArchivedRatherThanDeleting(t *testing.T) {
	clk := clock.Fixed(time.Unix(1000000, 0))
	old := clk.Now().Add(-48 * time.Hour)
	recent := clk.Now().Add(-time.Minute)
	deliveries := newFakeDeliveryRepo()
	deliveries.byID["del-old"] = models.WebhookDelivery{ID: "del-old", SubscriptionID: "sub-1", Status: models.DeliveryDelivered, UpdatedAt: old}
	deliveries.byID["del-recent"] = models.WebhookDelivery{ID: "del-recent", SubscriptionID: "sub-1", Status: models.DeliveryDelivered, UpdatedAt: recent}

	bus := eventbus.NewMemoryBus(4)
	s := webhook.NewSweeper(deliveries, bus, clk)

	n, err := s.SweepArchivable(context.Background(), 24*time.Hour, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the old delivery to be archived, got %d", n)
	}

	old2, _ := deliveries.Get(context.Background(), "del-old")
	if old2.AcknowledgmentStatus != "archived" {
		t.Fatalf("expected old delivery to be marked archived, got %q", old2.AcknowledgmentStatus)
	}
	if _, err := deliveries.Get(context.Background(), "del-old"); err != nil {
		t.Fatal("archiving must not delete the delivery row")
	}

	recent2, _ := deliveries.Get(context.Background(), "del-recent")
	if recent2.AcknowledgmentStatus == "archived" {
		t.Fatal("recent delivery should not have been archived")
	}
}
