package webhook

import (
	"context"
	"fmt"
	"strings"

	"github.com/hookdeck/txnhook/internal/apperror"
	"github.com/hookdeck/txnhook/internal/signature"
	"github.com/hookdeck/txnhook/internal/store"
)

const inlinePrefix = "inline:"

// Target is what a delivery worker needs to dispatch one attempt,
// abstracting over a registered subscription and a transaction's own
// inline webhook URL.
type Target struct {
	URL        string
	Secret     string
	IsActive   bool
	MaxRetries *int
}

// TargetResolver resolves a Delivery's SubscriptionID into dispatch
// coordinates. It decrypts the stored subscription secret back to
// plaintext, since Dispatcher signs each attempt with the value the
// subscriber itself holds, not with anything derived one-way from it.
type TargetResolver struct {
	subscriptions store.SubscriptionRepository
	transactions  store.TransactionRepository
	cipher        *signature.Cipher
}

func NewTargetResolver(subscriptions store.SubscriptionRepository, transactions store.TransactionRepository, cipher *signature.Cipher) *TargetResolver {
	return &TargetResolver{subscriptions: subscriptions, transactions: transactions, cipher: cipher}
}

func (r *TargetResolver) Resolve(ctx context.Context, subscriptionID string) (*Target, error) {
	if strings.HasPrefix(subscriptionID, inlinePrefix) {
		transactionID := strings.TrimPrefix(subscriptionID, inlinePrefix)
		txn, err := r.transactions.Get(ctx, transactionID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, apperror.NotFound("transaction %s not found for inline delivery", transactionID)
			}
			return nil, apperror.Transient(err, "loading transaction %s for inline delivery", transactionID)
		}
		return &Target{URL: txn.WebhookURL, Secret: txn.WebhookSecurityToken, IsActive: txn.WebhookURL != ""}, nil
	}

	sub, err := r.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperror.NotFound("subscription %s not found", subscriptionID)
		}
		return nil, apperror.Transient(err, "loading subscription %s", subscriptionID)
	}
	secret, err := r.cipher.Decrypt(sub.SecurityToken)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindFatal, fmt.Sprintf("decrypting subscription secret for %s", subscriptionID), err)
	}
	return &Target{URL: sub.CallbackURL, Secret: secret, IsActive: sub.IsActive, MaxRetries: sub.MaxRetries}, nil
}

// bumpSubscriptionCounters records a delivery outcome against the
// subscription's success/failure counters; a no-op for inline targets,
// which have no subscription row.
func bumpSubscriptionCounters(ctx context.Context, repo store.SubscriptionRepository, subscriptionID string, success bool) {
	if strings.HasPrefix(subscriptionID, inlinePrefix) {
		return
	}
	sub, err := repo.Get(ctx, subscriptionID)
	if err != nil {
		return
	}
	updated := *sub
	if success {
		updated.SuccessCount++
	} else {
		updated.FailureCount++
	}
	updated.Version++
	_ = repo.Update(ctx, updated)
}
