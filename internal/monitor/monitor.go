package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/hookdeck/txnhook/internal/alert"
	"github.com/hookdeck/txnhook/internal/clock"
	"github.com/hookdeck/txnhook/internal/logging"
	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/redislock"
	"github.com/hookdeck/txnhook/internal/statemachine"
	"github.com/hookdeck/txnhook/internal/store"
	"github.com/hookdeck/txnhook/internal/txn"
	"go.uber.org/zap"
)

// ReconciliationResult is ReconciliationPass's return value: counts of
// rows processed, reconciled, and left needing manual intervention.
type ReconciliationResult struct {
	Processed                 int
	Reconciled                int
	ManualInterventionRequired int
}

// Monitor implements the periodic sweep over non-terminal transactions.
type Monitor struct {
	store      store.Store
	svc        *txn.Service
	alerts     *alert.Dispatcher
	thresholds statemachine.Thresholds
	anomalyCfg AnomalyConfig
	clock      clock.Clock
	log        *logging.Logger
	scanLimit  int
}

func New(s store.Store, svc *txn.Service, alerts *alert.Dispatcher, thresholds statemachine.Thresholds, anomalyCfg AnomalyConfig, clk clock.Clock, log *logging.Logger) *Monitor {
	if clk == nil {
		clk = clock.System
	}
	return &Monitor{store: s, svc: svc, alerts: alerts, thresholds: thresholds, anomalyCfg: anomalyCfg, clock: clk, log: log, scanLimit: 500}
}

// Tick runs one full sweep, in this order: stalled-Pending timeout,
// stalled-Processing reconciliation, un-reconciled
// Timeout/Inconsistent reconciliation, retry-eligible advancement, and
// anomaly detection. A single advisory Redis lock (lock) bounds one
// tick at a time so a slow tick never overlaps the next.
func (m *Monitor) Tick(ctx context.Context, lock redislock.Lock) error {
	if lock != nil {
		acquired, err := lock.AttemptLock(ctx)
		if err != nil {
			return fmt.Errorf("acquiring monitor advisory lock: %w", err)
		}
		if !acquired {
			return nil
		}
		defer func() { _, _ = lock.Unlock(ctx) }()
	}

	txns, err := m.store.Transactions().ListNonTerminal(ctx, m.scanLimit)
	if err != nil {
		return fmt.Errorf("listing non-terminal transactions: %w", err)
	}

	now := m.clock.Now()
	var findings []Finding

	for _, t := range txns {
		if err := m.processOne(ctx, t, now); err != nil {
			if m.log != nil {
				m.log.Ctx(ctx).Error("monitor failed to process transaction", zap.String("transaction_id", t.ID), zap.Error(err))
			}
			continue
		}

		history, err := m.store.History().ListByTransaction(ctx, t.ID)
		if err != nil {
			continue
		}
		if hits := Detect(t, history, now, m.anomalyCfg); len(hits) >= m.anomalyCfg.AlertThreshold {
			findings = append(findings, Finding{Transaction: t, Detectors: hits})
		}
	}

	m.routeAnomalies(Prioritize(findings))
	return nil
}

// processOne implements the per-transaction steps: timeout
// stalled Pending/Processing rows, then advance retry-eligible ones.
func (m *Monitor) processOne(ctx context.Context, t models.Transaction, now time.Time) error {
	switch t.Status {
	case models.StatusPending:
		if statemachine.IsTimedOut(t, now, m.thresholds) {
			_, err := m.svc.UpdateStatus(ctx, t.ID, models.StatusTimeout, "pending transaction stalled past timeout threshold", models.ActorSystemMonitor)
			return err
		}
	case models.StatusProcessing:
		if statemachine.IsTimedOut(t, now, m.thresholds) {
			history, err := m.store.History().ListByTransaction(ctx, t.ID)
			if err != nil {
				return err
			}
			determined := statemachine.Reconcile(t, history, now, m.thresholds)
			if determined != models.StatusProcessing && determined != t.Status {
				_, err := m.svc.UpdateStatus(ctx, t.ID, determined, "determined status during stalled processing sweep", models.ActorSystemMonitor)
				return err
			}
			_, err = m.svc.UpdateStatus(ctx, t.ID, models.StatusTimeout, "processing transaction stalled past timeout threshold", models.ActorSystemMonitor)
			return err
		}
	}

	if t.Status.Problematic() && !t.IsReconciled {
		if _, err := m.svc.Reconcile(ctx, t.ID); err != nil {
			return err
		}
	}

	if statemachine.RetryEligible(t, now, m.thresholds) {
		if _, err := m.svc.Retry(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

// ReconciliationPass performs a full scan over non-terminal rows
// independent of Tick's ordinary cadence, and reports outcome counts
// rather than acting silently.
func (m *Monitor) ReconciliationPass(ctx context.Context) (ReconciliationResult, error) {
	txns, err := m.store.Transactions().ListNonTerminal(ctx, m.scanLimit)
	if err != nil {
		return ReconciliationResult{}, fmt.Errorf("listing non-terminal transactions: %w", err)
	}

	var result ReconciliationResult
	for _, t := range txns {
		result.Processed++
		if !t.Status.Problematic() {
			continue
		}

		updated, err := m.svc.Reconcile(ctx, t.ID)
		if err != nil {
			result.ManualInterventionRequired++
			continue
		}
		if updated.Status != t.Status {
			result.Reconciled++
		} else {
			result.ManualInterventionRequired++
		}
	}
	return result, nil
}

// routeAnomalies sends the highest-priority findings to the alert
// dispatcher; Tick already filtered for the count exceeding the
// configured threshold, so every finding reaching here is alerted.
func (m *Monitor) routeAnomalies(findings []Finding) {
	if m.alerts == nil {
		return
	}
	for _, f := range findings {
		m.alerts.SendTransactionAlert(alert.TransactionAlertData{
			TransactionID: f.Transaction.ID,
			OriginSystem:  f.Transaction.OriginSystem,
			Status:        f.Transaction.Status,
			AttemptCount:  f.Transaction.AttemptCount,
			Reason:        fmt.Sprintf("matched detectors: %v", f.Detectors),
		})
	}
}
