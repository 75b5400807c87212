package subscription_test

import (
	"context"
	"testing"

	"github.com/hookdeck/txnhook/internal/apperror"
	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/signature"
	"github.com/hookdeck/txnhook/internal/store"
	"github.com/hookdeck/txnhook/internal/subscription"
)

func testCipher() *signature.Cipher {
	return signature.NewCipher("test-encryption-key")
}

type fakeSubRepo struct {
	byID map[string]models.WebhookSubscription
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{byID: map[string]models.WebhookSubscription{}}
}

func (f *fakeSubRepo) Get(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	sub, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sub, nil
}

func (f *fakeSubRepo) Create(ctx context.Context, sub models.WebhookSubscription) error {
	f.byID[sub.ID] = sub
	return nil
}

func (f *fakeSubRepo) Update(ctx context.Context, sub models.WebhookSubscription) error {
	existing, ok := f.byID[sub.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Version != sub.Version-1 {
		return store.ErrVersionConflict
	}
	f.byID[sub.ID] = sub
	return nil
}

func (f *fakeSubRepo) Delete(ctx context.Context, id string) error {
	if _, ok := f.byID[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeSubRepo) FindByOriginAndURL(ctx context.Context, originSystem, callbackURL string) (*models.WebhookSubscription, error) {
	for _, sub := range f.byID {
		if sub.OriginSystem == originSystem && sub.CallbackURL == callbackURL {
			return &sub, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeSubRepo) ListActiveByEventAndOrigin(ctx context.Context, eventType models.EventType, originSystem string) ([]models.WebhookSubscription, error) {
	var out []models.WebhookSubscription
	for _, sub := range f.byID {
		if sub.IsActive && sub.OriginSystem == originSystem && sub.Subscribes(eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func TestRegisterRejectsNonHTTPS(t *testing.T) {
	r := subscription.NewRegistry(newFakeSubRepo(), nil, testCipher())
	_, err := r.Register(context.Background(), subscription.RegisterRequest{
		OriginSystem: "orders",
		CallbackURL:  "http://example.com/hook",
		Events:       []models.EventType{models.EventTransactionCreated},
		Secret:       "s3cret",
	})
	if appErr, ok := apperror.As(err); !ok || appErr.Kind != apperror.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRegisterRejectsLoopback(t *testing.T) {
	r := subscription.NewRegistry(newFakeSubRepo(), nil, testCipher())
	_, err := r.Register(context.Background(), subscription.RegisterRequest{
		OriginSystem: "orders",
		CallbackURL:  "https://localhost:8080/hook",
		Events:       []models.EventType{models.EventTransactionCreated},
		Secret:       "s3cret",
	})
	if appErr, ok := apperror.As(err); !ok || appErr.Kind != apperror.KindValidation {
		t.Fatalf("expected validation error for loopback host, got %v", err)
	}
}

func TestRegisterRejectsEmptyEventSet(t *testing.T) {
	r := subscription.NewRegistry(newFakeSubRepo(), nil, testCipher())
	_, err := r.Register(context.Background(), subscription.RegisterRequest{
		OriginSystem: "orders",
		CallbackURL:  "https://example.com/hook",
		Events:       nil,
		Secret:       "s3cret",
	})
	if appErr, ok := apperror.As(err); !ok || appErr.Kind != apperror.KindValidation {
		t.Fatalf("expected validation error for empty event set, got %v", err)
	}
}

func TestRegisterRejectsDuplicateOriginAndURL(t *testing.T) {
	repo := newFakeSubRepo()
	r := subscription.NewRegistry(repo, nil, testCipher())
	ctx := context.Background()

	req := subscription.RegisterRequest{
		OriginSystem: "orders",
		CallbackURL:  "https://example.com/hook",
		Events:       []models.EventType{models.EventTransactionCreated},
		Secret:       "s3cret",
	}
	if _, err := r.Register(ctx, req); err != nil {
		t.Fatalf("unexpected error on first registration: %v", err)
	}

	_, err := r.Register(ctx, req)
	if appErr, ok := apperror.As(err); !ok || appErr.Kind != apperror.KindConflict {
		t.Fatalf("expected conflict on duplicate (origin, url), got %v", err)
	}
}

func TestRegisterEncryptsSecretAtRestButRecoversIt(t *testing.T) {
	repo := newFakeSubRepo()
	cipher := testCipher()
	r := subscription.NewRegistry(repo, nil, cipher)

	sub, err := r.Register(context.Background(), subscription.RegisterRequest{
		OriginSystem: "orders",
		CallbackURL:  "https://example.com/hook",
		Events:       []models.EventType{models.EventTransactionCreated},
		Secret:       "s3cret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.SecurityToken == "s3cret" {
		t.Fatal("expected the stored security token to be encrypted, not plaintext")
	}

	plaintext, err := cipher.Decrypt(sub.SecurityToken)
	if err != nil {
		t.Fatalf("unexpected error decrypting stored secret: %v", err)
	}
	if plaintext != "s3cret" {
		t.Fatalf("got decrypted secret %q, want %q", plaintext, "s3cret")
	}
}

func TestResolveForEventFiltersByActiveAndOrigin(t *testing.T) {
	repo := newFakeSubRepo()
	r := subscription.NewRegistry(repo, nil, testCipher())
	ctx := context.Background()

	sub, err := r.Register(ctx, subscription.RegisterRequest{
		OriginSystem: "orders",
		CallbackURL:  "https://example.com/hook",
		Events:       []models.EventType{models.EventTransactionCompleted},
		Secret:       "s3cret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matches, err := r.ResolveForEvent(ctx, models.EventTransactionCompleted, "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != sub.ID {
		t.Fatalf("expected to resolve the registered subscription, got %+v", matches)
	}

	none, err := r.ResolveForEvent(ctx, models.EventTransactionFailed, "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no matches for an unsubscribed event type, got %+v", none)
	}
}
