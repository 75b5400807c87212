// Package postgres is the concrete persistence implementation, grounded
// on outpost's internal/logstore/pglogstore: pgxpool plus direct SQL
// and prepared statements, no ORM.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hookdeck/txnhook/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so repository
// methods can run either standalone or inside WithinTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type pool struct{ *pgxpool.Pool }

type tx struct{ pgx.Tx }

// Store wires pgxpool against the store.Store port.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func Connect(ctx context.Context, dsn string) (*Store, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return New(db), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) Transactions() store.TransactionRepository {
	return &transactionRepo{q: pool{s.db}}
}

func (s *Store) History() store.HistoryRepository {
	return &historyRepo{q: pool{s.db}}
}

func (s *Store) Subscriptions() store.SubscriptionRepository {
	return &subscriptionRepo{q: pool{s.db}}
}

func (s *Store) Deliveries() store.DeliveryRepository {
	return &deliveryRepo{q: pool{s.db}}
}

type unitOfWork struct {
	txns    store.TransactionRepository
	history store.HistoryRepository
}

func (u *unitOfWork) Transactions() store.TransactionRepository { return u.txns }
func (u *unitOfWork) History() store.HistoryRepository          { return u.history }

// WithinTx implements the "single database transaction covering
// entity update + history insert" requirement. Event enqueue is left to
// the caller, which is expected to publish only after fn returns nil
// (best-effort immediately-after-commit publication's
// fallback clause, since the event bus here does not support an outbox
// join with Postgres).
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	pgTx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = pgTx.Rollback(ctx)
		}
	}()

	q := tx{pgTx}
	uow := &unitOfWork{
		txns:    &transactionRepo{q: q},
		history: &historyRepo{q: q},
	}

	if err := fn(ctx, uow); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}
