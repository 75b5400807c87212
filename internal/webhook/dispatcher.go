package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hookdeck/txnhook/internal/clock"
	"github.com/hookdeck/txnhook/internal/logging"
	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/signature"
	"github.com/hookdeck/txnhook/internal/store"
	"go.uber.org/zap"
)

// Config carries the configurable retry/signature parameters.
type Config struct {
	MaxRetries        int
	RetryBaseDelay    time.Duration
	SignatureAlgo     signature.Algorithm
}

func DefaultConfig() Config {
	return Config{MaxRetries: 5, RetryBaseDelay: 60 * time.Second, SignatureAlgo: signature.AlgorithmHmacSHA256}
}

// Dispatcher executes one delivery attempt per invocation of Handle:
// sign the payload, POST it, classify the outcome, and either mark the
// delivery terminal or schedule the next retry.
type Dispatcher struct {
	deliveries    store.DeliveryRepository
	subscriptions store.SubscriptionRepository
	resolver      *TargetResolver
	client        *PooledClient
	clock         clock.Clock
	cfg           Config
	log           *logging.Logger
}

func NewDispatcher(deliveries store.DeliveryRepository, subscriptions store.SubscriptionRepository, resolver *TargetResolver, client *PooledClient, clk clock.Clock, cfg Config, log *logging.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.System
	}
	return &Dispatcher{deliveries: deliveries, subscriptions: subscriptions, resolver: resolver, client: client, clock: clk, cfg: cfg, log: log}
}

// Handle is an eventbus.Handler consuming the delivery-events
// partition, keyed by subscription id so deliveries to one subscriber
// never race each other.
func (d *Dispatcher) Handle(ctx context.Context, msg models.EventMessage) error {
	return d.Attempt(ctx, msg.EventID)
}

// Attempt loads the delivery by id and runs one dispatch attempt
// end-to-end: steps 1-6 of the per-delivery worker.
func (d *Dispatcher) Attempt(ctx context.Context, deliveryID string) error {
	delivery, err := d.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("loading delivery %s: %w", deliveryID, err)
	}
	if delivery.Status.Terminal() {
		return nil
	}

	target, err := d.resolver.Resolve(ctx, delivery.SubscriptionID)
	if err != nil {
		return d.cancelUnresolvable(ctx, *delivery, err)
	}
	if !target.IsActive {
		return d.cancel(ctx, *delivery, "subscription inactive")
	}

	now := d.clock.Now()
	delivery.Status = models.DeliveryProcessing
	delivery.AttemptCount++
	delivery.LastAttemptAt = &now
	delivery.UpdatedAt = now
	if err := d.deliveries.Update(ctx, *delivery); err != nil {
		return fmt.Errorf("marking delivery %s processing: %w", deliveryID, err)
	}

	statusCode, body, sendErr := d.send(ctx, *delivery, target)

	now = d.clock.Now()
	delivery.UpdatedAt = now
	if sendErr == nil && statusCode >= 200 && statusCode < 300 {
		delivery.Status = models.DeliveryDelivered
		delivery.ResponseCode = statusCode
		delivery.ResponseBody = truncate(string(body), models.MaxResponseBodyBytes)
		if err := d.deliveries.Update(ctx, *delivery); err != nil {
			return fmt.Errorf("recording delivered delivery %s: %w", deliveryID, err)
		}
		bumpSubscriptionCounters(ctx, d.subscriptions, delivery.SubscriptionID, true)
		return nil
	}

	return d.applyFailurePolicy(ctx, *delivery, target, statusCode, body, sendErr)
}

func (d *Dispatcher) send(ctx context.Context, delivery models.WebhookDelivery, target *Target) (int, []byte, error) {
	payload, err := json.Marshal(delivery.Payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal delivery payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build delivery request: %w", err)
	}

	sig := signature.Sign(d.cfg.SignatureAlgo, []byte(target.Secret), payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", sig)
	req.Header.Set("X-Webhook-ID", delivery.SubscriptionID)
	req.Header.Set("X-Delivery-ID", delivery.ID)
	req.Header.Set("X-Event-Type", string(delivery.EventType))
	req.Header.Set("X-Webhook-Timestamp", signature.HeaderTimestamp(d.clock.Now().UnixMilli(), clock.HexCode(8)))

	return d.client.Do(ctx, req)
}

// applyFailurePolicy implements step 6: permanently fail once
// attempts exhaust max-retries, otherwise schedule the next attempt.
func (d *Dispatcher) applyFailurePolicy(ctx context.Context, delivery models.WebhookDelivery, target *Target, statusCode int, body []byte, sendErr error) error {
	maxRetries := d.cfg.MaxRetries
	if target.MaxRetries != nil {
		maxRetries = *target.MaxRetries
	}

	delivery.ErrorDetails = models.Data{"status_code": statusCode}
	if sendErr != nil {
		delivery.ErrorDetails["error"] = sendErr.Error()
	}
	if len(body) > 0 {
		delivery.ResponseBody = truncate(string(body), models.MaxResponseBodyBytes)
	}
	delivery.ResponseCode = statusCode

	if delivery.AttemptCount >= maxRetries {
		delivery.Status = models.DeliveryPermanentlyFailed
	} else {
		delivery.Status = models.DeliveryRetryScheduled
		delay := RetryDelay(delivery.AttemptCount, d.cfg.RetryBaseDelay)
		next := d.clock.Now().Add(delay)
		delivery.NextRetryAt = &next
	}

	if err := d.deliveries.Update(ctx, delivery); err != nil {
		return fmt.Errorf("recording failed delivery %s: %w", delivery.ID, err)
	}
	bumpSubscriptionCounters(ctx, d.subscriptions, delivery.SubscriptionID, false)

	if d.log != nil {
		d.log.Ctx(ctx).Warn("webhook delivery attempt failed",
			zap.String("delivery_id", delivery.ID), zap.Int("status_code", statusCode), zap.String("new_status", string(delivery.Status)))
	}
	return nil
}

func (d *Dispatcher) cancel(ctx context.Context, delivery models.WebhookDelivery, reason string) error {
	delivery.Status = models.DeliveryCanceled
	delivery.UpdatedAt = d.clock.Now()
	delivery.ErrorDetails = models.Data{"reason": reason}
	return d.deliveries.Update(ctx, delivery)
}

func (d *Dispatcher) cancelUnresolvable(ctx context.Context, delivery models.WebhookDelivery, cause error) error {
	return d.cancel(ctx, delivery, "target unresolvable: "+cause.Error())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
