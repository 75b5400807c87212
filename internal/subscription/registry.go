// Package subscription implements the registry for webhook callback
// registrations: validation and storage, and the event-type routing
// lookup the delivery engine consults for every outbound transaction
// event. Grounded on outpost's internal/destregistry validation
// pipeline (regex + duplicate checks before a registration is
// persisted).
package subscription

import (
	"context"
	"regexp"
	"strings"

	"github.com/hookdeck/txnhook/internal/apperror"
	"github.com/hookdeck/txnhook/internal/clock"
	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/signature"
	"github.com/hookdeck/txnhook/internal/store"
)

// callbackURLPattern is the validation regex: https only, a
// host, an optional port, an optional path.
var callbackURLPattern = regexp.MustCompile(`^https://[\w.-]+(:\d+)?(/[\w\-./?%&=]*)?$`)

var blockedHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// RegisterRequest is the caller-supplied registration payload; Secret is
// the plaintext shared secret, encrypted with the registry's Cipher
// before storage.
type RegisterRequest struct {
	OriginSystem string
	CallbackURL  string
	Events       []models.EventType
	Secret       string
	MaxRetries   *int
	Description  string
	ContactEmail string
}

// Registry implements register/update/delete and the event-type
// routing lookup.
type Registry struct {
	store  store.SubscriptionRepository
	clock  clock.Clock
	cipher *signature.Cipher
}

func NewRegistry(s store.SubscriptionRepository, clk clock.Clock, cipher *signature.Cipher) *Registry {
	if clk == nil {
		clk = clock.System
	}
	return &Registry{store: s, clock: clk, cipher: cipher}
}

// Register implements the register validations.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*models.WebhookSubscription, error) {
	if err := validateCallbackURL(req.CallbackURL); err != nil {
		return nil, err
	}
	events, err := validateEvents(req.Events)
	if err != nil {
		return nil, err
	}
	if req.Secret == "" {
		return nil, apperror.Validation("a subscription secret is required")
	}

	existing, err := r.store.FindByOriginAndURL(ctx, req.OriginSystem, req.CallbackURL)
	if err != nil && err != store.ErrNotFound {
		return nil, apperror.Transient(err, "checking for duplicate subscription")
	}
	if existing != nil {
		return nil, apperror.New(apperror.KindConflict, "a subscription already exists for this origin system and callback url").WithDetails(map[string]interface{}{
			"subscription_id": existing.ID,
		})
	}

	encrypted, err := r.cipher.Encrypt(req.Secret)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindFatal, "encrypting subscription secret", err)
	}

	now := r.clock.Now()
	sub := models.WebhookSubscription{
		ID:            clock.NewUUID(),
		OriginSystem:  req.OriginSystem,
		CallbackURL:   req.CallbackURL,
		Events:        events,
		SecurityToken: encrypted,
		IsActive:      true,
		MaxRetries:    req.MaxRetries,
		Description:   req.Description,
		ContactEmail:  req.ContactEmail,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}

	if err := r.store.Create(ctx, sub); err != nil {
		if err == store.ErrDuplicate {
			return nil, apperror.New(apperror.KindConflict, "a subscription already exists for this origin system and callback url")
		}
		return nil, apperror.Transient(err, "creating subscription")
	}
	return &sub, nil
}

// UpdateRequest carries the mutable subset of a subscription; a nil
// Secret leaves the stored encrypted secret untouched.
type UpdateRequest struct {
	CallbackURL  *string
	Events       []models.EventType
	Secret       *string
	IsActive     *bool
	MaxRetries   *int
	Description  *string
	ContactEmail *string
}

// Update applies a partial update, re-running the same validations
// Register applies to any field that changed.
func (r *Registry) Update(ctx context.Context, id string, req UpdateRequest) (*models.WebhookSubscription, error) {
	sub, err := r.store.Get(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperror.NotFound("subscription %s not found", id)
		}
		return nil, apperror.Transient(err, "loading subscription %s", id)
	}

	if req.CallbackURL != nil {
		if err := validateCallbackURL(*req.CallbackURL); err != nil {
			return nil, err
		}
		sub.CallbackURL = *req.CallbackURL
	}
	if req.Events != nil {
		events, err := validateEvents(req.Events)
		if err != nil {
			return nil, err
		}
		sub.Events = events
	}
	if req.Secret != nil {
		encrypted, err := r.cipher.Encrypt(*req.Secret)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindFatal, "encrypting subscription secret", err)
		}
		sub.SecurityToken = encrypted
	}
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
	}
	if req.MaxRetries != nil {
		sub.MaxRetries = req.MaxRetries
	}
	if req.Description != nil {
		sub.Description = *req.Description
	}
	if req.ContactEmail != nil {
		sub.ContactEmail = *req.ContactEmail
	}

	sub.UpdatedAt = r.clock.Now()
	sub.Version++
	if err := r.store.Update(ctx, *sub); err != nil {
		if err == store.ErrVersionConflict {
			return nil, apperror.New(apperror.KindConflict, "subscription was modified concurrently")
		}
		return nil, apperror.Transient(err, "updating subscription %s", id)
	}
	return sub, nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		if err == store.ErrNotFound {
			return apperror.NotFound("subscription %s not found", id)
		}
		return apperror.Transient(err, "deleting subscription %s", id)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	sub, err := r.store.Get(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperror.NotFound("subscription %s not found", id)
		}
		return nil, apperror.Transient(err, "loading subscription %s", id)
	}
	return sub, nil
}

// ResolveForEvent implements the lookup: every active
// subscription whose event set contains eventType and whose origin
// system matches the producing transaction's.
func (r *Registry) ResolveForEvent(ctx context.Context, eventType models.EventType, originSystem string) ([]models.WebhookSubscription, error) {
	subs, err := r.store.ListActiveByEventAndOrigin(ctx, eventType, originSystem)
	if err != nil {
		return nil, apperror.Transient(err, "resolving subscriptions for %s/%s", originSystem, eventType)
	}
	return subs, nil
}

func validateCallbackURL(url string) error {
	if !callbackURLPattern.MatchString(url) {
		return apperror.Validation("callback url %q does not match the required https pattern", url)
	}
	host := extractHost(url)
	if blockedHosts[strings.ToLower(host)] {
		return apperror.Validation("callback url %q may not target a loopback address", url)
	}
	return nil
}

func extractHost(url string) string {
	rest := strings.TrimPrefix(url, "https://")
	if idx := strings.IndexAny(rest, ":/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

func validateEvents(events []models.EventType) (map[models.EventType]struct{}, error) {
	if len(events) == 0 {
		return nil, apperror.Validation("a subscription must filter on at least one event type")
	}
	set := make(map[models.EventType]struct{}, len(events))
	for _, e := range events {
		if !models.IsValidEventType(e) {
			return nil, apperror.Validation("unknown event type %q", e)
		}
		set[e] = struct{}{}
	}
	return set, nil
}
