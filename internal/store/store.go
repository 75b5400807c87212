// Package store defines the persistence ports: one repository
// interface per entity, plus a unit-of-work abstraction so that
// "entity update + history insert" can commit atomically. Events are
// not part of the unit of work; callers publish them after the commit.
// internal/store/postgres provides the concrete implementation.
package store

import (
	"context"
	"errors"

	"github.com/hookdeck/txnhook/internal/models"
)

var (
	ErrNotFound        = errors.New("entity not found")
	ErrVersionConflict = errors.New("optimistic lock version conflict")
	ErrDuplicate       = errors.New("duplicate entity")
)

// TransactionRepository owns the transactions table.
type TransactionRepository interface {
	Get(ctx context.Context, id string) (*models.Transaction, error)
	Create(ctx context.Context, txn models.Transaction) error
	Update(ctx context.Context, txn models.Transaction) error
	ListNonTerminal(ctx context.Context, limit int) ([]models.Transaction, error)
	ListByOriginSystem(ctx context.Context, originSystem string, limit int) ([]models.Transaction, error)
}

// HistoryRepository owns the append-only transaction_history table.
type HistoryRepository interface {
	Append(ctx context.Context, entry models.TransactionHistory) error
	ListByTransaction(ctx context.Context, transactionID string) ([]models.TransactionHistory, error)
}

// SubscriptionRepository owns the webhooks table.
type SubscriptionRepository interface {
	Get(ctx context.Context, id string) (*models.WebhookSubscription, error)
	Create(ctx context.Context, sub models.WebhookSubscription) error
	Update(ctx context.Context, sub models.WebhookSubscription) error
	Delete(ctx context.Context, id string) error
	FindByOriginAndURL(ctx context.Context, originSystem, callbackURL string) (*models.WebhookSubscription, error)
	ListActiveByEventAndOrigin(ctx context.Context, eventType models.EventType, originSystem string) ([]models.WebhookSubscription, error)
}

// DeliveryRepository owns the webhook_deliveries table.
type DeliveryRepository interface {
	Get(ctx context.Context, id string) (*models.WebhookDelivery, error)
	// CreateIfNotExists inserts the delivery, reporting created=false
	// (and no error) when a row with the same id already exists, making
	// the consumer-side insert idempotent under redelivery.
	CreateIfNotExists(ctx context.Context, delivery models.WebhookDelivery) (created bool, err error)
	Update(ctx context.Context, delivery models.WebhookDelivery) error
	ListDue(ctx context.Context, now int64, limit int) ([]models.WebhookDelivery, error)
	ListStaleProcessing(ctx context.Context, olderThanUnixMillis int64, limit int) ([]models.WebhookDelivery, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]models.WebhookDelivery, error)
	ListTerminalOlderThan(ctx context.Context, olderThanUnixMillis int64, limit int) ([]models.WebhookDelivery, error)
}

// UnitOfWork groups the repositories that must commit together for a
// single transaction-service operation: Process, UpdateStatus,
// Complete, Fail, Reconcile, and ManuallyHandle each run their entity
// update and history insert within one database transaction. The
// resulting event is published after that transaction commits.
type UnitOfWork interface {
	Transactions() TransactionRepository
	History() HistoryRepository
}

// Store is the aggregate persistence port the application wires up.
type Store interface {
	Transactions() TransactionRepository
	History() HistoryRepository
	Subscriptions() SubscriptionRepository
	Deliveries() DeliveryRepository

	// WithinTx runs fn against a UnitOfWork bound to a single database
	// transaction; if fn returns an error the transaction is rolled
	// back and the error propagates to the caller's
	// failure semantics ("repository failures propagate to the caller
	// and abort the current request atomically").
	WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}
