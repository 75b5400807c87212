package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hookdeck/txnhook/internal/clock"
	"github.com/hookdeck/txnhook/internal/eventbus"
	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/redislock"
	"github.com/hookdeck/txnhook/internal/webhook"
)

type fakeLock struct {
	mu     sync.Mutex
	held   bool
	denied bool
}

func (l *fakeLock) AttemptLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLock) Unlock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return true, nil
}

type fakeDeliveryRepo struct {
	mu  sync.Mutex
	due []models.WebhookDelivery
}

func (f *fakeDeliveryRepo) Get(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	return nil, nil
}
func (f *fakeDeliveryRepo) CreateIfNotExists(ctx context.Context, d models.WebhookDelivery) (bool, error) {
	return true, nil
}
func (f *fakeDeliveryRepo) Update(ctx context.Context, d models.WebhookDelivery) error { return nil }
func (f *fakeDeliveryRepo) ListDue(ctx context.Context, now int64, limit int) ([]models.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.WebhookDelivery(nil), f.due...), nil
}
func (f *fakeDeliveryRepo) ListStaleProcessing(ctx context.Context, olderThan int64, limit int) ([]models.WebhookDelivery, error) {
	return nil, nil
}
func (f *fakeDeliveryRepo) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]models.WebhookDelivery, error) {
	return nil, nil
}
func (f *fakeDeliveryRepo) ListTerminalOlderThan(ctx context.Context, olderThan int64, limit int) ([]models.WebhookDelivery, error) {
	return nil, nil
}

// TestRunGuardedSkipsWhenLockHeld asserts a job body never runs twice
// concurrently for the same job name, so a slow firing never stacks
// behind the next one.
func TestRunGuardedSkipsWhenLockHeld(t *testing.T) {
	lock := &fakeLock{}
	s := &Scheduler{newLock: func(name string) redislock.Lock { return lock }}

	var calls int32
	block := make(chan struct{})
	started := make(chan struct{})

	go s.runGuarded("job", func(ctx context.Context) error {
		close(started)
		atomic.AddInt32(&calls, 1)
		<-block
		return nil
	})

	<-started
	s.runGuarded("job", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	close(block)
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected the overlapping firing to be skipped, got %d calls", got)
	}
}

func TestRunDueRetriesPublishesDueDeliveries(t *testing.T) {
	repo := &fakeDeliveryRepo{due: []models.WebhookDelivery{
		{ID: "d1", EventType: models.EventType("transaction.status_changed")},
	}}
	bus := eventbus.NewMemoryBus(1)
	sweeper := webhook.NewSweeper(repo, bus, clock.System)

	s := &Scheduler{sweeper: sweeper, retryLimit: 100}
	if err := s.runDueRetries(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var published []string
	_ = bus.Subscribe(ctx, func(ctx context.Context, msg models.EventMessage) error {
		published = append(published, msg.EventID)
		return nil
	})
	if len(published) != 1 || published[0] != "d1" {
		t.Fatalf("expected due delivery d1 to be published, got %v", published)
	}
}
