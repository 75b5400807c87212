// Package statemachine implements the transaction state machine,
// timeout detection, reconciliation heuristic, and retry-eligibility
// rules, grounded in structure on outpost's internal/models
// state-transition validation (models/entity.go keeps transitions as a
// lookup table the same way).
package statemachine

import (
	"strings"
	"time"

	"github.com/hookdeck/txnhook/internal/models"
)

// Thresholds carries the configuration knobs that govern timeout
// detection and retry eligibility.
type Thresholds struct {
	PendingTimeout    time.Duration // transaction.timeout.pending-minutes
	ProcessingTimeout time.Duration // transaction.timeout.processing-minutes
	MaxAttempts       int           // transaction.retry.max-attempts
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		PendingTimeout:    5 * time.Minute,
		ProcessingTimeout: 10 * time.Minute,
		MaxAttempts:       3,
	}
}

// legalTransitions is the automatic-transition table.
// Manual overrides bypass this table entirely (Transaction service's
// ManuallyHandle operation).
var legalTransitions = map[models.TransactionStatus]map[models.TransactionStatus]bool{
	models.StatusPending: {
		models.StatusProcessing:   true,
		models.StatusCompleted:    true,
		models.StatusFailed:       true,
		models.StatusTimeout:      true,
		models.StatusInconsistent: true,
	},
	models.StatusProcessing: {
		models.StatusCompleted:    true,
		models.StatusFailed:       true,
		models.StatusTimeout:      true,
		models.StatusInconsistent: true,
	},
	models.StatusTimeout: {
		models.StatusPending:           true,
		models.StatusCompleted:         true,
		models.StatusFailed:            true,
		models.StatusInconsistent:      true,
		models.StatusPermanentlyFailed: true,
	},
	models.StatusInconsistent: {
		models.StatusPending:           true,
		models.StatusCompleted:         true,
		models.StatusFailed:            true,
		models.StatusPermanentlyFailed: true,
	},
}

// IsLegalAutomaticTransition reports whether from->to is allowed as an
// automatic transition. Terminal states never appear as keys, so any
// transition out of Completed/Failed/PermanentlyFailed is rejected.
func IsLegalAutomaticTransition(from, to models.TransactionStatus) bool {
	if from == to {
		return false
	}
	targets, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTimedOut applies the timeout rules to a transaction.
func IsTimedOut(txn models.Transaction, now time.Time, th Thresholds) bool {
	switch txn.Status {
	case models.StatusPending:
		return now.Sub(txn.CreatedAt) > th.PendingTimeout
	case models.StatusProcessing:
		reference := txn.CreatedAt
		if txn.LastAttemptAt != nil && txn.LastAttemptAt.After(reference) {
			reference = *txn.LastAttemptAt
		}
		return now.Sub(reference) > th.ProcessingTimeout
	default:
		return false
	}
}

// RetryEligible implements the retry-eligibility rules.
func RetryEligible(txn models.Transaction, now time.Time, th Thresholds) bool {
	if txn.Status.Terminal() {
		return false
	}
	if txn.AttemptCount >= th.MaxAttempts {
		return false
	}
	switch txn.Status {
	case models.StatusPending:
		return true
	case models.StatusProcessing:
		return IsTimedOut(txn, now, th)
	case models.StatusTimeout:
		return now.Sub(txn.CreatedAt) < 30*time.Minute
	case models.StatusInconsistent:
		return false
	default:
		return false
	}
}

// Reconcile implements the reconciliation heuristic in its documented
// priority order. It never mutates txn or history; the
// caller (Transaction service / Monitor) is responsible for applying
// the returned status via UpdateStatus.
func Reconcile(txn models.Transaction, history []models.TransactionHistory, now time.Time, th Thresholds) models.TransactionStatus {
	if txn.Status.Terminal() {
		return txn.Status
	}

	if IsTimedOut(txn, now, th) {
		return models.StatusTimeout
	}

	if containsStatus(history, models.StatusCompleted) || containsReasonSubstring(history, "complet") {
		return models.StatusCompleted
	}

	if containsStatus(history, models.StatusFailed) || containsReasonSubstring(history, "fail") || containsReasonSubstring(history, "error") {
		return models.StatusFailed
	}

	if txn.Status == models.StatusInconsistent {
		switch {
		case len(txn.Response) > 0:
			return models.StatusCompleted
		case len(txn.ErrorDetails) > 0:
			return models.StatusFailed
		case txn.AttemptCount >= 3:
			return models.StatusFailed
		case now.Sub(txn.UpdatedAt) < time.Minute:
			return models.StatusPending
		case now.Sub(txn.UpdatedAt) > 30*time.Minute:
			return models.StatusInconsistent
		default:
			return lastNonInconsistentStatus(history, txn.Status)
		}
	}

	return txn.Status
}

func containsStatus(history []models.TransactionHistory, status models.TransactionStatus) bool {
	for _, h := range history {
		if h.NewStatus == status {
			return true
		}
	}
	return false
}

func containsReasonSubstring(history []models.TransactionHistory, substr string) bool {
	for _, h := range history {
		if strings.Contains(strings.ToLower(h.Reason), substr) {
			return true
		}
		if ctxText, ok := h.Context["text"].(string); ok && strings.Contains(strings.ToLower(ctxText), substr) {
			return true
		}
	}
	return false
}

func lastNonInconsistentStatus(history []models.TransactionHistory, fallback models.TransactionStatus) models.TransactionStatus {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].NewStatus != models.StatusInconsistent {
			return history[i].NewStatus
		}
	}
	return fallback
}
