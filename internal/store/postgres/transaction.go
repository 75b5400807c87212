package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/store"
)

type transactionRepo struct {
	q querier
}

func (r *transactionRepo) Get(ctx context.Context, id string) (*models.Transaction, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, origin_system, status, payload, response, error_details,
			attempt_count, last_attempt_at, completion_at, webhook_url,
			webhook_security_token, created_at, updated_at, is_reconciled,
			notes, version
		FROM transactions WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return txn, nil
}

func (r *transactionRepo) Create(ctx context.Context, txn models.Transaction) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO transactions (
			id, origin_system, status, payload, response, error_details,
			attempt_count, last_attempt_at, completion_at, webhook_url,
			webhook_security_token, created_at, updated_at, is_reconciled,
			notes, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		txn.ID, txn.OriginSystem, string(txn.Status), map[string]any(txn.Payload),
		nullableData(txn.Response), nullableData(txn.ErrorDetails), txn.AttemptCount,
		txn.LastAttemptAt, txn.CompletionAt, txn.WebhookURL, txn.WebhookSecurityToken,
		txn.CreatedAt, txn.UpdatedAt, txn.IsReconciled, txn.Notes, txn.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// Update writes the row back using optimistic locking on version, per the
// version column every entity carries: callers pass the already
// incremented version, and the write only applies when the stored row is
// one version behind it.
func (r *transactionRepo) Update(ctx context.Context, txn models.Transaction) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE transactions SET
			status = $1, payload = $2, response = $3, error_details = $4,
			attempt_count = $5, last_attempt_at = $6, completion_at = $7,
			webhook_url = $8, webhook_security_token = $9, updated_at = $10,
			is_reconciled = $11, notes = $12, version = $14
		WHERE id = $13 AND version = $14 - 1`,
		string(txn.Status), map[string]any(txn.Payload), nullableData(txn.Response),
		nullableData(txn.ErrorDetails), txn.AttemptCount, txn.LastAttemptAt,
		txn.CompletionAt, txn.WebhookURL, txn.WebhookSecurityToken, txn.UpdatedAt,
		txn.IsReconciled, txn.Notes, txn.ID, txn.Version,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrVersionConflict
	}
	return nil
}

func (r *transactionRepo) ListNonTerminal(ctx context.Context, limit int) ([]models.Transaction, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, origin_system, status, payload, response, error_details,
			attempt_count, last_attempt_at, completion_at, webhook_url,
			webhook_security_token, created_at, updated_at, is_reconciled,
			notes, version
		FROM transactions
		WHERE status NOT IN ($1,$2,$3)
		ORDER BY updated_at ASC
		LIMIT $4`,
		string(models.StatusCompleted), string(models.StatusFailed), string(models.StatusPermanentlyFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (r *transactionRepo) ListByOriginSystem(ctx context.Context, originSystem string, limit int) ([]models.Transaction, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, origin_system, status, payload, response, error_details,
			attempt_count, last_attempt_at, completion_at, webhook_url,
			webhook_security_token, created_at, updated_at, is_reconciled,
			notes, version
		FROM transactions
		WHERE origin_system = $1
		ORDER BY created_at DESC
		LIMIT $2`, originSystem, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions by origin system: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		txn          models.Transaction
		status       string
		payload      map[string]any
		response     map[string]any
		errorDetails map[string]any
	)
	if err := row.Scan(
		&txn.ID, &txn.OriginSystem, &status, &payload, &response, &errorDetails,
		&txn.AttemptCount, &txn.LastAttemptAt, &txn.CompletionAt, &txn.WebhookURL,
		&txn.WebhookSecurityToken, &txn.CreatedAt, &txn.UpdatedAt, &txn.IsReconciled,
		&txn.Notes, &txn.Version,
	); err != nil {
		return nil, err
	}
	txn.Status = models.TransactionStatus(status)
	txn.Payload = models.Data(payload)
	txn.Response = models.Data(response)
	txn.ErrorDetails = models.Data(errorDetails)
	return &txn, nil
}

func scanTransactions(rows pgx.Rows) ([]models.Transaction, error) {
	var out []models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		out = append(out, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// nullableData returns nil for an empty map so the column is stored as SQL
// NULL rather than an empty jsonb object, matching response/error_details'
// "absent until set" semantics.
func nullableData(d models.Data) any {
	if len(d) == 0 {
		return nil
	}
	return map[string]any(d)
}
