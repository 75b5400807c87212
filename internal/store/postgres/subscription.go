package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/store"
)

type subscriptionRepo struct {
	q querier
}

const subscriptionColumns = `
	id, origin_system, callback_url, events, security_token, is_active,
	max_retries, description, contact_email, created_at, updated_at,
	last_success_at, last_failure_at, success_count, failure_count, version`

func (r *subscriptionRepo) Get(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	row := r.q.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook subscription: %w", err)
	}
	return sub, nil
}

func (r *subscriptionRepo) Create(ctx context.Context, sub models.WebhookSubscription) error {
	events, err := json.Marshal(eventSlice(sub.Events))
	if err != nil {
		return fmt.Errorf("marshal subscription events: %w", err)
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO webhooks (
			id, origin_system, callback_url, events, security_token, is_active,
			max_retries, description, contact_email, created_at, updated_at,
			last_success_at, last_failure_at, success_count, failure_count, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		sub.ID, sub.OriginSystem, sub.CallbackURL, events, sub.SecurityToken,
		sub.IsActive, sub.MaxRetries, sub.Description, sub.ContactEmail,
		sub.CreatedAt, sub.UpdatedAt, sub.LastSuccessAt, sub.LastFailureAt,
		sub.SuccessCount, sub.FailureCount, sub.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert webhook subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepo) Update(ctx context.Context, sub models.WebhookSubscription) error {
	events, err := json.Marshal(eventSlice(sub.Events))
	if err != nil {
		return fmt.Errorf("marshal subscription events: %w", err)
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE webhooks SET
			callback_url = $1, events = $2, security_token = $3, is_active = $4,
			max_retries = $5, description = $6, contact_email = $7, updated_at = $8,
			last_success_at = $9, last_failure_at = $10, success_count = $11,
			failure_count = $12, version = $14
		WHERE id = $13 AND version = $14 - 1`,
		sub.CallbackURL, events, sub.SecurityToken, sub.IsActive, sub.MaxRetries,
		sub.Description, sub.ContactEmail, sub.UpdatedAt, sub.LastSuccessAt,
		sub.LastFailureAt, sub.SuccessCount, sub.FailureCount, sub.ID, sub.Version,
	)
	if err != nil {
		return fmt.Errorf("update webhook subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrVersionConflict
	}
	return nil
}

func (r *subscriptionRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *subscriptionRepo) FindByOriginAndURL(ctx context.Context, originSystem, callbackURL string) (*models.WebhookSubscription, error) {
	row := r.q.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE origin_system = $1 AND callback_url = $2`, originSystem, callbackURL)
	sub, err := scanSubscription(row)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook subscription: %w", err)
	}
	return sub, nil
}

// ListActiveByEventAndOrigin implements the routing lookup the webhook
// delivery engine consults for every outbound event: active subscriptions
// for an origin system whose event filter contains eventType.
func (r *subscriptionRepo) ListActiveByEventAndOrigin(ctx context.Context, eventType models.EventType, originSystem string) ([]models.WebhookSubscription, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhooks
		WHERE is_active = true AND origin_system = $1 AND events @> $2::jsonb`,
		originSystem, fmt.Sprintf(`[%q]`, string(eventType)))
	if err != nil {
		return nil, fmt.Errorf("query active webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook subscription row: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func scanSubscription(row rowScanner) (*models.WebhookSubscription, error) {
	var (
		sub    models.WebhookSubscription
		events []string
	)
	if err := row.Scan(
		&sub.ID, &sub.OriginSystem, &sub.CallbackURL, &events, &sub.SecurityToken,
		&sub.IsActive, &sub.MaxRetries, &sub.Description, &sub.ContactEmail,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.LastSuccessAt, &sub.LastFailureAt,
		&sub.SuccessCount, &sub.FailureCount, &sub.Version,
	); err != nil {
		return nil, err
	}
	sub.Events = make(map[models.EventType]struct{}, len(events))
	for _, e := range events {
		sub.Events[models.EventType(e)] = struct{}{}
	}
	return &sub, nil
}

func eventSlice(events map[models.EventType]struct{}) []string {
	out := make([]string, 0, len(events))
	for e := range events {
		out = append(out, string(e))
	}
	return out
}
