package postgres

import (
	"context"
	"fmt"

	"github.com/hookdeck/txnhook/internal/models"
)

type historyRepo struct {
	q querier
}

func (r *historyRepo) Append(ctx context.Context, entry models.TransactionHistory) error {
	var previous *string
	if entry.PreviousStatus != nil {
		s := string(*entry.PreviousStatus)
		previous = &s
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO transaction_history (
			transaction_id, previous_status, new_status, changed_at, reason,
			changed_by, context, attempt_number, is_automatic
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.TransactionID, previous, string(entry.NewStatus), entry.ChangedAt,
		entry.Reason, entry.ChangedBy, nullableData(entry.Context), entry.AttemptNumber,
		entry.IsAutomatic,
	)
	if err != nil {
		return fmt.Errorf("insert transaction history: %w", err)
	}
	return nil
}

func (r *historyRepo) ListByTransaction(ctx context.Context, transactionID string) ([]models.TransactionHistory, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, transaction_id, previous_status, new_status, changed_at,
			reason, changed_by, context, attempt_number, is_automatic
		FROM transaction_history
		WHERE transaction_id = $1
		ORDER BY changed_at ASC, id ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query transaction history: %w", err)
	}
	defer rows.Close()

	var out []models.TransactionHistory
	for rows.Next() {
		var (
			h              models.TransactionHistory
			previousStatus *string
			newStatus      string
			context        map[string]any
		)
		if err := rows.Scan(
			&h.ID, &h.TransactionID, &previousStatus, &newStatus, &h.ChangedAt,
			&h.Reason, &h.ChangedBy, &context, &h.AttemptNumber, &h.IsAutomatic,
		); err != nil {
			return nil, fmt.Errorf("scan transaction history row: %w", err)
		}
		h.NewStatus = models.TransactionStatus(newStatus)
		if previousStatus != nil {
			s := models.TransactionStatus(*previousStatus)
			h.PreviousStatus = &s
		}
		h.Context = models.Data(context)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
