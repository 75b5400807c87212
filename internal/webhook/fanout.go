package webhook

import (
	"context"
	"fmt"

	"github.com/hookdeck/txnhook/internal/apperror"
	"github.com/hookdeck/txnhook/internal/clock"
	"github.com/hookdeck/txnhook/internal/eventbus"
	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/store"
	"github.com/hookdeck/txnhook/internal/subscription"
)

// Fanout consumes transaction events off the event bus and implements
// the "for each transaction state change" step: resolve
// subscriptions, create one Delivery row per target, enqueue a delivery
// message keyed by subscription id.
type Fanout struct {
	registry     *subscription.Registry
	deliveries   store.DeliveryRepository
	transactions store.TransactionRepository
	deliveryBus  eventbus.Bus
	clock        clock.Clock
}

func NewFanout(registry *subscription.Registry, deliveries store.DeliveryRepository, transactions store.TransactionRepository, deliveryBus eventbus.Bus, clk clock.Clock) *Fanout {
	if clk == nil {
		clk = clock.System
	}
	return &Fanout{registry: registry, deliveries: deliveries, transactions: transactions, deliveryBus: deliveryBus, clock: clk}
}

// Handle is an eventbus.Handler consuming the transaction-events
// partition. It is idempotent: CreateIfNotExists means redelivery of
// the same transaction event (at-least-once bus semantics) produces no
// duplicate Delivery rows.
func (f *Fanout) Handle(ctx context.Context, event models.EventMessage) error {
	targets, err := f.registry.ResolveForEvent(ctx, event.EventType, event.OriginSystem)
	if err != nil {
		return fmt.Errorf("resolving subscriptions: %w", err)
	}

	for _, sub := range targets {
		if err := f.enqueue(ctx, sub.ID, event); err != nil {
			return err
		}
	}

	// Also dispatch to the transaction's own inline webhook URL, if one
	// was set on create, even without a registered subscription. This is
	// looked up from the transaction row rather than the event payload,
	// since the payload only ever carries the status-filtered snapshot.
	txn, err := f.transactions.Get(ctx, event.TransactionID)
	if err != nil {
		return apperror.Transient(err, "loading transaction %s for inline webhook fanout", event.TransactionID)
	}
	if txn.WebhookURL != "" {
		if err := f.enqueue(ctx, inlineSubscriptionID(event.TransactionID), event); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fanout) enqueue(ctx context.Context, subscriptionID string, event models.EventMessage) error {
	now := f.clock.Now()
	delivery := models.WebhookDelivery{
		ID:             event.EventID + ":" + subscriptionID,
		SubscriptionID: subscriptionID,
		TransactionID:  event.TransactionID,
		EventType:      event.EventType,
		Status:         models.DeliveryPending,
		Payload:        event.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := f.deliveries.CreateIfNotExists(ctx, delivery)
	if err != nil {
		return apperror.Transient(err, "creating delivery for subscription %s", subscriptionID)
	}
	if !created {
		return nil
	}

	return f.deliveryBus.Publish(ctx, models.EventMessage{
		EventID:       delivery.ID,
		EventType:     event.EventType,
		TransactionID: event.TransactionID,
		WebhookID:     subscriptionID,
		OriginSystem:  event.OriginSystem,
		Timestamp:     now,
		Payload:       event.Payload,
	})
}

// inlineSubscriptionID synthesizes a stable pseudo-subscription id for a
// transaction's inline webhook URL, since it has no row in the
// subscription registry to key deliveries off of.
func inlineSubscriptionID(transactionID string) string {
	return "inline:" + transactionID
}
