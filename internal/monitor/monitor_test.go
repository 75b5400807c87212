package monitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hookdeck/txnhook/internal/alert"
	"github.com/hookdeck/txnhook/internal/clock"
	"github.com/hookdeck/txnhook/internal/eventbus"
	"github.com/hookdeck/txnhook/internal/idempotency"
	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/monitor"
	"github.com/hookdeck/txnhook/internal/statemachine"
	"github.com/hookdeck/txnhook/internal/store"
	"github.com/hookdeck/txnhook/internal/txn"
)

// memStore mirrors the in-memory test double internal/txn/service_test.go
// builds, duplicated here (rather than shared) since Go test helpers are
// package-private and monitor exercises the service as a black box.
type memStore struct {
	mu      sync.Mutex
	txns    map[string]models.Transaction
	history map[string][]models.TransactionHistory
}

func newMemStore() *memStore {
	return &memStore{txns: map[string]models.Transaction{}, history: map[string][]models.TransactionHistory{}}
}

func (m *memStore) Transactions() store.TransactionRepository { return memTxnRepo{m} }
func (m *memStore) History() store.HistoryRepository          { return memHistoryRepo{m} }
func (m *memStore) Subscriptions() store.SubscriptionRepository {
	panic("not used in monitor tests")
}
func (m *memStore) Deliveries() store.DeliveryRepository { panic("not used in monitor tests") }

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

type capturingChannel struct {
	mu      sync.Mutex
	sent    []string
	done    chan struct{}
}

func newCapturingChannel() *capturingChannel {
	return &capturingChannel{done: make(chan struct{}, 16)}
}

func (c *capturingChannel) Send(ctx context.Context, subject, body string) error {
	c.mu.Lock()
	c.sent = append(c.sent, subject)
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func newTestService(s *memStore, th statemachine.Thresholds) *txn.Service {
	resolver := idempotency.NewResolver(nil, nil, 0)
	return txn.NewService(s, resolver, th, eventbus.NewMemoryBus(1), clock.System, nil)
}

func TestTickTimesOutStalledPending(t *testing.T) {
	s := newMemStore()
	now := time.Now().UTC()
	s.txns["txn-1"] = models.Transaction{
		ID: "txn-1", OriginSystem: "orders", Status: models.StatusPending,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour), AttemptCount: 1, Version: 1,
	}

	th := statemachine.Thresholds{PendingTimeout: 5 * time.Minute, ProcessingTimeout: 10 * time.Minute, MaxAttempts: 3}
	svc := newTestService(s, th)
	clk := clock.Fixed(now)
	m := monitor.New(s, svc, nil, th, monitor.DefaultAnomalyConfig(), clk, nil)

	if err := m.Tick(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.Transactions().Get(context.Background(), "txn-1")
	if got.Status != models.StatusTimeout {
		t.Fatalf("expected stalled Pending to time out, got %s", got.Status)
	}
}

func TestTickAdvancesRetryEligibleTransaction(t *testing.T) {
	s := newMemStore()
	now := time.Now().UTC()
	s.txns["txn-2"] = models.Transaction{
		ID: "txn-2", OriginSystem: "orders", Status: models.StatusPending,
		CreatedAt: now, UpdatedAt: now, AttemptCount: 1, Version: 1,
	}

	th := statemachine.Thresholds{PendingTimeout: time.Hour, ProcessingTimeout: time.Hour, MaxAttempts: 5}
	svc := newTestService(s, th)
	clk := clock.Fixed(now)
	m := monitor.New(s, svc, nil, th, monitor.DefaultAnomalyConfig(), clk, nil)

	if err := m.Tick(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.Transactions().Get(context.Background(), "txn-2")
	if got.AttemptCount != 2 {
		t.Fatalf("expected a retry-eligible Pending transaction to advance its attempt count, got %d", got.AttemptCount)
	}
}

func TestTickRoutesAnomaliesToAlertDispatcher(t *testing.T) {
	s := newMemStore()
	now := time.Now().UTC()
	s.txns["txn-3"] = models.Transaction{
		ID: "txn-3", OriginSystem: "orders", Status: models.StatusProcessing,
		CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour), AttemptCount: 6, Version: 1,
	}
	for i := 0; i < 11; i++ {
		s.history["txn-3"] = append(s.history["txn-3"], models.TransactionHistory{NewStatus: models.StatusProcessing, ChangedAt: now})
	}

	th := statemachine.Thresholds{PendingTimeout: 5 * time.Minute, ProcessingTimeout: 24 * time.Hour, MaxAttempts: 10}
	svc := newTestService(s, th)
	clk := clock.Fixed(now)

	channel := newCapturingChannel()
	dispatcher := alert.NewDispatcher(channel, nil)
	anomalyCfg := monitor.DefaultAnomalyConfig()
	anomalyCfg.AlertThreshold = 1

	m := monitor.New(s, svc, dispatcher, th, anomalyCfg, clk, nil)
	if err := m.Tick(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-channel.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an anomaly alert to be dispatched")
	}
}

func TestReconciliationPassReportsCounts(t *testing.T) {
	s := newMemStore()
	now := time.Now().UTC()
	s.txns["txn-4"] = models.Transaction{
		ID: "txn-4", OriginSystem: "orders", Status: models.StatusInconsistent,
		Response: models.Data{"ok": true}, CreatedAt: now, UpdatedAt: now, AttemptCount: 1, Version: 1,
	}
	s.txns["txn-5"] = models.Transaction{
		ID: "txn-5", OriginSystem: "orders", Status: models.StatusPending,
		CreatedAt: now, UpdatedAt: now, AttemptCount: 1, Version: 1,
	}

	th := statemachine.DefaultThresholds()
	svc := newTestService(s, th)
	clk := clock.Fixed(now)
	m := monitor.New(s, svc, nil, th, monitor.DefaultAnomalyConfig(), clk, nil)

	result, err := m.ReconciliationPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 2 {
		t.Fatalf("expected both non-terminal transactions to be processed, got %d", result.Processed)
	}
	if result.Reconciled != 1 {
		t.Fatalf("expected the Inconsistent-with-response row to reconcile to Completed, got %d reconciled", result.Reconciled)
	}
}
