// Package monitor implements the periodic sweep: stalled transitions,
// reconciliation of un-reconciled Timeout/Inconsistent rows,
// retry-eligible advancement, and anomaly detection routed to the
// alert dispatcher. Grounded on outpost's internal/alert evaluator
// (threshold + debounce gating) generalized from a single
// failure-count rule into the union of seven independent detectors
// this package runs.
package monitor

import (
	"time"

	"github.com/hookdeck/txnhook/internal/models"
)

// AnomalyConfig carries the detector thresholds.
type AnomalyConfig struct {
	PendingThreshold     time.Duration
	ProcessingThreshold  time.Duration
	RetryThreshold       int
	StateChangeThreshold int
	AlertThreshold       int
}

func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		PendingThreshold:     30 * time.Minute,
		ProcessingThreshold:  60 * time.Minute,
		RetryThreshold:       5,
		StateChangeThreshold: 10,
		AlertThreshold:       2,
	}
}

// Finding is one transaction's anomaly-detection result: which detectors
// matched and when it was last touched, which is all Prioritize needs.
type Finding struct {
	Transaction models.Transaction
	Detectors   []string
}

// Detect runs the union of the seven independent rules against a
// single transaction and its history, returning the names of every
// detector that matched. A transaction matching zero detectors is not an
// anomaly and should be dropped by the caller.
func Detect(txn models.Transaction, history []models.TransactionHistory, now time.Time, cfg AnomalyConfig) []string {
	var hits []string

	if txn.Status == models.StatusPending && now.Sub(txn.CreatedAt) > cfg.PendingThreshold {
		hits = append(hits, "stale_pending")
	}

	if txn.Status == models.StatusProcessing {
		reference := txn.CreatedAt
		if txn.LastAttemptAt != nil && txn.LastAttemptAt.After(reference) {
			reference = *txn.LastAttemptAt
		}
		if now.Sub(reference) > cfg.ProcessingThreshold {
			hits = append(hits, "idle_processing")
		}
	}

	if !txn.Status.Terminal() && txn.AttemptCount >= cfg.RetryThreshold {
		hits = append(hits, "excessive_attempts")
	}

	if len(history) >= cfg.StateChangeThreshold {
		hits = append(hits, "excessive_state_changes")
	}

	if hasOscillation(history) {
		hits = append(hits, "oscillation")
	}

	if txn.Status == models.StatusCompleted && len(txn.Response) == 0 {
		hits = append(hits, "completed_without_response")
	}
	if txn.Status == models.StatusFailed && len(txn.ErrorDetails) == 0 {
		hits = append(hits, "failed_without_error_details")
	}

	if txn.Status.Problematic() && !txn.IsReconciled {
		hits = append(hits, "unreconciled_problematic_state")
	}

	return hits
}

// hasOscillation implements detector 5: any identical (from, to)
// transition pair observed more than twice in the history.
func hasOscillation(history []models.TransactionHistory) bool {
	counts := make(map[string]int, len(history))
	for _, h := range history {
		if h.PreviousStatus == nil {
			continue
		}
		key := string(*h.PreviousStatus) + "->" + string(h.NewStatus)
		counts[key]++
		if counts[key] > 2 {
			return true
		}
	}
	return false
}

// Prioritize orders findings by number of detectors matched, tie-break
// by recency of last update, both descending.
func Prioritize(findings []Finding) []Finding {
	out := make([]Finding, len(findings))
	copy(out, findings)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j-1], out[j]); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// less reports whether a should sort after b (a has lower priority).
func less(a, b Finding) bool {
	if len(a.Detectors) != len(b.Detectors) {
		return len(a.Detectors) < len(b.Detectors)
	}
	return a.Transaction.UpdatedAt.Before(b.Transaction.UpdatedAt)
}
