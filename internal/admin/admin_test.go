package admin_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hookdeck/txnhook/internal/admin"
	"github.com/hookdeck/txnhook/internal/alert"
	"github.com/hookdeck/txnhook/internal/clock"
	"github.com/hookdeck/txnhook/internal/eventbus"
	"github.com/hookdeck/txnhook/internal/idempotency"
	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/monitor"
	"github.com/hookdeck/txnhook/internal/signature"
	"github.com/hookdeck/txnhook/internal/statemachine"
	"github.com/hookdeck/txnhook/internal/store"
	"github.com/hookdeck/txnhook/internal/subscription"
	"github.com/hookdeck/txnhook/internal/txn"
	"github.com/hookdeck/txnhook/internal/webhook"
	"github.com/hookdeck/txnhook/internal/worker"
)

// memStore is a full in-memory store.Store, duplicated from the pattern
// internal/txn/service_test.go and internal/monitor/monitor_test.go
// already establish, extended with subscriptions/deliveries so the
// facade can be exercised end to end without a database.
type memStore struct {
	mu      sync.Mutex
	txns    map[string]models.Transaction
	history map[string][]models.TransactionHistory
	subs    map[string]models.WebhookSubscription
	dels    map[string]models.WebhookDelivery
}

func newMemStore() *memStore {
	return &memStore{
		txns:    map[string]models.Transaction{},
		history: map[string][]models.TransactionHistory{},
		subs:    map[string]models.WebhookSubscription{},
		dels:    map[string]models.WebhookDelivery{},
	}
}

func (m *memStore) Transactions() store.TransactionRepository   { return memTxnRepo{m} }
func (m *memStore) History() store.HistoryRepository            { return memHistoryRepo{m} }
func (m *memStore) Subscriptions() store.SubscriptionRepository { return memSubRepo{m} }
func (m *memStore) Deliveries() store.DeliveryRepository        { return memDeliveryRepo{m} }

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, memUOW{m})
}

type memUOW struct{ m *memStore }

func (u memUOW) Transactions() store.TransactionRepository { return memTxnRepo{u.m} }
func (u memUOW) History() store.HistoryRepository          { return memHistoryRepo{u.m} }

type memTxnRepo struct{ m *memStore }

func (r memTxnRepo) Get(ctx context.Context, id string) (*models.Transaction, error) {
	t, ok := r.m.txns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := t.Clone()
	return &clone, nil
}

func (r memTxnRepo) Create(ctx context.Context, t models.Transaction) error {
	if _, ok := r.m.txns[t.ID]; ok {
		return store.ErrDuplicate
	}
	r.m.txns[t.ID] = t.Clone()
	return nil
}

func (r memTxnRepo) Update(ctx context.Context, t models.Transaction) error {
	existing, ok := r.m.txns[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Version != t.Version-1 {
		return store.ErrVersionConflict
	}
	r.m.txns[t.ID] = t.Clone()
	return nil
}

func (r memTxnRepo) ListNonTerminal(ctx context.Context, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, t := range r.m.txns {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r memTxnRepo) ListByOriginSystem(ctx context.Context, originSystem string, limit int) ([]models.Transaction, error) {
	return nil, nil
}

type memHistoryRepo struct{ m *memStore }

func (r memHistoryRepo) Append(ctx context.Context, entry models.TransactionHistory) error {
	entry.ID = int64(len(r.m.history[entry.TransactionID]) + 1)
	r.m.history[entry.TransactionID] = append(r.m.history[entry.TransactionID], entry)
	return nil
}

func (r memHistoryRepo) ListByTransaction(ctx context.Context, transactionID string) ([]models.TransactionHistory, error) {
	return append([]models.TransactionHistory(nil), r.m.history[transactionID]...), nil
}

type memSubRepo struct{ m *memStore }

func (r memSubRepo) Get(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	s, ok := r.m.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (r memSubRepo) Create(ctx context.Context, s models.WebhookSubscription) error {
	if _, ok := r.m.subs[s.ID]; ok {
		return store.ErrDuplicate
	}
	r.m.subs[s.ID] = s
	return nil
}

func (r memSubRepo) Update(ctx context.Context, s models.WebhookSubscription) error {
	if _, ok := r.m.subs[s.ID]; !ok {
		return store.ErrNotFound
	}
	r.m.subs[s.ID] = s
	return nil
}

func (r memSubRepo) Delete(ctx context.Context, id string) error {
	delete(r.m.subs, id)
	return nil
}

func (r memSubRepo) FindByOriginAndURL(ctx context.Context, originSystem, callbackURL string) (*models.WebhookSubscription, error) {
	for _, s := range r.m.subs {
		if s.OriginSystem == originSystem && s.CallbackURL == callbackURL {
			clone := s
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r memSubRepo) ListActiveByEventAndOrigin(ctx context.Context, eventType models.EventType, originSystem string) ([]models.WebhookSubscription, error) {
	return nil, nil
}

type memDeliveryRepo struct{ m *memStore }

func (r memDeliveryRepo) Get(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	d, ok := r.m.dels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (r memDeliveryRepo) CreateIfNotExists(ctx context.Context, d models.WebhookDelivery) (bool, error) {
	if _, ok := r.m.dels[d.ID]; ok {
		return false, nil
	}
	r.m.dels[d.ID] = d
	return true, nil
}

func (r memDeliveryRepo) Update(ctx context.Context, d models.WebhookDelivery) error {
	r.m.dels[d.ID] = d
	return nil
}

func (r memDeliveryRepo) ListDue(ctx context.Context, now int64, limit int) ([]models.WebhookDelivery, error) {
	return nil, nil
}

func (r memDeliveryRepo) ListStaleProcessing(ctx context.Context, olderThan int64, limit int) ([]models.WebhookDelivery, error) {
	return nil, nil
}

func (r memDeliveryRepo) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]models.WebhookDelivery, error) {
	var out []models.WebhookDelivery
	for _, d := range r.m.dels {
		if d.SubscriptionID == subscriptionID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r memDeliveryRepo) ListTerminalOlderThan(ctx context.Context, olderThan int64, limit int) ([]models.WebhookDelivery, error) {
	return nil, nil
}

func newFacade(s *memStore) (*admin.Facade, *txn.Service) {
	th := statemachine.DefaultThresholds()
	resolver := idempotency.NewResolver(nil, nil, 0)
	svc := txn.NewService(s, resolver, th, eventbus.NewMemoryBus(1), clock.System, nil)
	cipher := signature.NewCipher("test-encryption-key")
	registry := subscription.NewRegistry(s.Subscriptions(), clock.System, cipher)
	dispatcher := webhook.NewDispatcher(s.Deliveries(), s.Subscriptions(), webhook.NewTargetResolver(s.Subscriptions(), s.Transactions(), cipher), webhook.NewPooledClient(webhook.DefaultClientConfig()), clock.System, webhook.DefaultConfig(), nil)
	mon := monitor.New(s, svc, alert.NewDispatcher(nil, nil), th, monitor.DefaultAnomalyConfig(), clock.System, nil)
	return admin.New(s, svc, registry, dispatcher, mon, worker.NewHealthTracker()), svc
}

func TestCreateAndGetTransaction(t *testing.T) {
	s := newMemStore()
	facade, _ := newFacade(s)

	created, err := facade.CreateTransaction(context.Background(), txn.Request{
		ID: "txn-1", OriginSystem: "orders", Payload: models.Data{"amount": 10},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := facade.GetTransaction(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("expected a freshly created transaction to start Pending, got %s", got.Status)
	}
}

func TestResolveTransactionBypassesAutomaticTransitionCheck(t *testing.T) {
	s := newMemStore()
	facade, _ := newFacade(s)

	if _, err := facade.CreateTransaction(context.Background(), txn.Request{ID: "txn-2", OriginSystem: "orders"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resolved, err := facade.ResolveTransaction(context.Background(), "txn-2", models.StatusFailed, "operator override", "ops@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Status != models.StatusFailed {
		t.Fatalf("expected operator override to force Failed, got %s", resolved.Status)
	}
}

func TestRegisterAndListSubscriptionDeliveries(t *testing.T) {
	s := newMemStore()
	facade, _ := newFacade(s)

	sub, err := facade.RegisterSubscription(context.Background(), subscription.RegisterRequest{
		OriginSystem: "orders", CallbackURL: "https://example.com/hook",
		Events: []models.EventType{models.EventTransactionStatusChanged}, Secret: "s3cret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.dels["d1"] = models.WebhookDelivery{ID: "d1", SubscriptionID: sub.ID, Status: models.DeliveryPending, CreatedAt: time.Now()}

	deliveries, err := facade.ListDeliveries(context.Background(), sub.ID, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery for the registered subscription, got %d", len(deliveries))
	}
}

func TestStatisticsCountsBacklogAndReconciliation(t *testing.T) {
	s := newMemStore()
	facade, _ := newFacade(s)
	now := time.Now().UTC()

	s.txns["txn-3"] = models.Transaction{
		ID: "txn-3", OriginSystem: "orders", Status: models.StatusInconsistent,
		Response: models.Data{"ok": true}, CreatedAt: now, UpdatedAt: now, AttemptCount: 1, Version: 1,
	}

	stats, err := facade.Statistics(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.NonTerminalCount != 1 {
		t.Fatalf("expected one non-terminal transaction in the backlog count, got %d", stats.NonTerminalCount)
	}
	if stats.Reconciliation.Reconciled != 1 {
		t.Fatalf("expected the Inconsistent-with-response row to reconcile, got %d", stats.Reconciliation.Reconciled)
	}
}

func TestWorkerHealthReflectsSupervisorState(t *testing.T) {
	s := newMemStore()
	facade, _ := newFacade(s)

	status := facade.WorkerHealth()
	if status["status"] != "healthy" {
		t.Fatalf("expected a freshly built tracker with no workers to report healthy, got %v", status["status"])
	}
}
