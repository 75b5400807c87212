package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/store"
)

type deliveryRepo struct {
	q querier
}

const deliveryColumns = `
	id, webhook_id, transaction_id, event_type, delivery_status, payload,
	attempt_count, last_attempt_at, response_code, response_body, error_details,
	created_at, updated_at, is_acknowledged, acknowledged_at,
	acknowledgment_status, next_retry_at`

func (r *deliveryRepo) Get(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	row := r.q.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook delivery: %w", err)
	}
	return d, nil
}

// CreateIfNotExists makes the consumer-side insert idempotent: a
// duplicate delivery of the same event to the same subscriber is a no-op,
// not an error, since deliveries are keyed by the event id that produced
// them.
func (r *deliveryRepo) CreateIfNotExists(ctx context.Context, d models.WebhookDelivery) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO webhook_deliveries (
			id, webhook_id, transaction_id, event_type, delivery_status, payload,
			attempt_count, last_attempt_at, response_code, response_body, error_details,
			created_at, updated_at, is_acknowledged, acknowledged_at,
			acknowledgment_status, next_retry_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.SubscriptionID, nullableString(d.TransactionID), string(d.EventType),
		string(d.Status), map[string]any(d.Payload), d.AttemptCount, d.LastAttemptAt,
		nullableInt(d.ResponseCode), d.ResponseBody, nullableData(d.ErrorDetails),
		d.CreatedAt, d.UpdatedAt, d.IsAcknowledged, d.AcknowledgedAt,
		d.AcknowledgmentStatus, d.NextRetryAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook delivery: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *deliveryRepo) Update(ctx context.Context, d models.WebhookDelivery) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE webhook_deliveries SET
			delivery_status = $1, attempt_count = $2, last_attempt_at = $3,
			response_code = $4, response_body = $5, error_details = $6,
			updated_at = $7, is_acknowledged = $8, acknowledged_at = $9,
			acknowledgment_status = $10, next_retry_at = $11
		WHERE id = $12`,
		string(d.Status), d.AttemptCount, d.LastAttemptAt, nullableInt(d.ResponseCode),
		d.ResponseBody, nullableData(d.ErrorDetails), d.UpdatedAt, d.IsAcknowledged,
		d.AcknowledgedAt, d.AcknowledgmentStatus, d.NextRetryAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update webhook delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListDue returns deliveries whose scheduled retry time has arrived, for
// the retry scheduler's periodic sweep.
func (r *deliveryRepo) ListDue(ctx context.Context, now int64, limit int) ([]models.WebhookDelivery, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE delivery_status = $1 AND next_retry_at IS NOT NULL
			AND next_retry_at <= to_timestamp($2 / 1000.0)
		ORDER BY next_retry_at ASC
		LIMIT $3`, string(models.DeliveryRetryScheduled), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due webhook deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// ListStaleProcessing supports the hang-detection sweep: a delivery
// stuck in Processing past the dispatch timeout is considered abandoned
// and returned to the scheduler for a fresh attempt.
func (r *deliveryRepo) ListStaleProcessing(ctx context.Context, olderThanUnixMillis int64, limit int) ([]models.WebhookDelivery, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE delivery_status = $1 AND last_attempt_at <= to_timestamp($2 / 1000.0)
		ORDER BY last_attempt_at ASC
		LIMIT $3`, string(models.DeliveryProcessing), olderThanUnixMillis, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale processing webhook deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (r *deliveryRepo) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]models.WebhookDelivery, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query webhook deliveries by subscription: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// ListTerminalOlderThan supports the archival/cleanup sweep of
// terminal deliveries.
func (r *deliveryRepo) ListTerminalOlderThan(ctx context.Context, olderThanUnixMillis int64, limit int) ([]models.WebhookDelivery, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE delivery_status IN ($1,$2,$3) AND updated_at <= to_timestamp($4 / 1000.0)
		ORDER BY updated_at ASC
		LIMIT $5`,
		string(models.DeliveryDelivered), string(models.DeliveryPermanentlyFailed),
		string(models.DeliveryCanceled), olderThanUnixMillis, limit)
	if err != nil {
		return nil, fmt.Errorf("query terminal webhook deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func scanDelivery(row rowScanner) (*models.WebhookDelivery, error) {
	var (
		d             models.WebhookDelivery
		transactionID *string
		eventType     string
		status        string
		payload       map[string]any
		responseCode  *int
		errorDetails  map[string]any
	)
	if err := row.Scan(
		&d.ID, &d.SubscriptionID, &transactionID, &eventType, &status, &payload,
		&d.AttemptCount, &d.LastAttemptAt, &responseCode, &d.ResponseBody, &errorDetails,
		&d.CreatedAt, &d.UpdatedAt, &d.IsAcknowledged, &d.AcknowledgedAt,
		&d.AcknowledgmentStatus, &d.NextRetryAt,
	); err != nil {
		return nil, err
	}
	d.EventType = models.EventType(eventType)
	d.Status = models.DeliveryStatus(status)
	d.Payload = models.Data(payload)
	d.ErrorDetails = models.Data(errorDetails)
	if transactionID != nil {
		d.TransactionID = *transactionID
	}
	if responseCode != nil {
		d.ResponseCode = *responseCode
	}
	return &d, nil
}

func scanDeliveries(rows pgx.Rows) ([]models.WebhookDelivery, error) {
	var out []models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook delivery row: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
