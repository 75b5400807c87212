// Package admin implements the admin surface's query/override
// operations: create/retrieve/update-status/history on Transaction;
// register/update/delete Subscription; list deliveries; manually retry
// delivery; trigger monitor/reconciliation; resolve transaction; fetch
// metrics and statistics. No REST router is built; Facade is the
// Go-level service an HTTP layer (or a CLI, or a test) would sit in
// front of.
package admin

import (
	"context"
	"fmt"

	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/monitor"
	"github.com/hookdeck/txnhook/internal/store"
	"github.com/hookdeck/txnhook/internal/subscription"
	"github.com/hookdeck/txnhook/internal/txn"
	"github.com/hookdeck/txnhook/internal/webhook"
	"github.com/hookdeck/txnhook/internal/worker"
)

// Facade composes the already-built services rather than duplicating
// their logic; every method here is a thin pass-through plus the
// aggregation a query-only operation (history, metrics, delivery
// listing) needs.
type Facade struct {
	store         store.Store
	txns          *txn.Service
	subscriptions *subscription.Registry
	dispatcher    *webhook.Dispatcher
	mon           *monitor.Monitor
	health        *worker.HealthTracker
}

func New(s store.Store, txns *txn.Service, subscriptions *subscription.Registry, dispatcher *webhook.Dispatcher, mon *monitor.Monitor, health *worker.HealthTracker) *Facade {
	return &Facade{store: s, txns: txns, subscriptions: subscriptions, dispatcher: dispatcher, mon: mon, health: health}
}

// WorkerHealth reports the liveness of every supervised background
// worker (webhook fanout/dispatcher consumers, scheduler), the same
// snapshot worker.WorkerSupervisor.GetHealthTracker exposes, for an
// operator surface to poll without reaching into the supervisor itself.
func (f *Facade) WorkerHealth() map[string]interface{} {
	return f.health.GetStatus()
}

// CreateTransaction funnels into txn.Service.Process, the same entry
// point the ingestion path uses, so a manually-created transaction gets
// the identical idempotency and state-machine handling.
func (f *Facade) CreateTransaction(ctx context.Context, req txn.Request) (*models.Transaction, error) {
	return f.txns.Process(ctx, req)
}

func (f *Facade) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return f.store.Transactions().Get(ctx, id)
}

func (f *Facade) UpdateTransactionStatus(ctx context.Context, id string, status models.TransactionStatus, reason, actor string) (*models.Transaction, error) {
	return f.txns.UpdateStatus(ctx, id, status, reason, actor)
}

func (f *Facade) GetTransactionHistory(ctx context.Context, id string) ([]models.TransactionHistory, error) {
	return f.store.History().ListByTransaction(ctx, id)
}

// ResolveTransaction is the admin-facing name for the operator override
// that txn.Service.ManuallyHandle implements: it bypasses the
// automatic-transition check so an operator can force a transaction to
// any target status.
func (f *Facade) ResolveTransaction(ctx context.Context, id string, targetStatus models.TransactionStatus, notes, adminUser string) (*models.Transaction, error) {
	return f.txns.ManuallyHandle(ctx, id, targetStatus, notes, adminUser)
}

func (f *Facade) RegisterSubscription(ctx context.Context, req subscription.RegisterRequest) (*models.WebhookSubscription, error) {
	return f.subscriptions.Register(ctx, req)
}

func (f *Facade) UpdateSubscription(ctx context.Context, id string, req subscription.UpdateRequest) (*models.WebhookSubscription, error) {
	return f.subscriptions.Update(ctx, id, req)
}

func (f *Facade) DeleteSubscription(ctx context.Context, id string) error {
	return f.subscriptions.Delete(ctx, id)
}

func (f *Facade) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	return f.subscriptions.Get(ctx, id)
}

// ListDeliveries returns the delivery history for one subscription, the
// "list deliveries" admin operation.
func (f *Facade) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]models.WebhookDelivery, error) {
	return f.store.Deliveries().ListBySubscription(ctx, subscriptionID, limit)
}

// RetryDelivery is the "manually retry delivery" admin operation: it
// runs the same attempt path the dispatcher's own consumer loop and
// sweeper use, so a manual retry gets the identical failure-policy and
// signature handling as an automatic one.
func (f *Facade) RetryDelivery(ctx context.Context, deliveryID string) error {
	return f.dispatcher.Attempt(ctx, deliveryID)
}

// TriggerMonitor runs one monitor sweep on demand, without the
// advisory lock Tick's own scheduled cadence uses, since an
// admin-requested run is expected to happen regardless of a
// concurrently-running scheduled tick.
func (f *Facade) TriggerMonitor(ctx context.Context) error {
	return f.mon.Tick(ctx, nil)
}

func (f *Facade) TriggerReconciliation(ctx context.Context) (monitor.ReconciliationResult, error) {
	return f.mon.ReconciliationPass(ctx)
}

// statisticsScanLimit bounds the non-terminal count query; a deployment
// with a backlog larger than this undercounts rather than blocking on an
// unbounded scan, which Statistics callers should treat as "at least".
const statisticsScanLimit = 10000

// Statistics is the aggregate the "fetch metrics and statistics"
// admin operation returns: current non-terminal backlog size plus the
// outcome of an on-demand reconciliation pass.
type Statistics struct {
	NonTerminalCount int
	Reconciliation   monitor.ReconciliationResult
}

func (f *Facade) Statistics(ctx context.Context) (Statistics, error) {
	txns, err := f.store.Transactions().ListNonTerminal(ctx, statisticsScanLimit)
	if err != nil {
		return Statistics{}, fmt.Errorf("listing non-terminal transactions: %w", err)
	}

	result, err := f.mon.ReconciliationPass(ctx)
	if err != nil {
		return Statistics{}, fmt.Errorf("running reconciliation pass: %w", err)
	}

	return Statistics{NonTerminalCount: len(txns), Reconciliation: result}, nil
}
