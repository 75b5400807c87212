// Package txn implements the Transaction Service: the single entry
// point callers use to submit, retry, recover, and terminally resolve
// a Transaction, grounded on outpost's internal/services/deliverymq
// event-then-publish pattern (persist the state change inside a unit
// of work, then best-effort publish the resulting event).
package txn

import (
	"context"
	"time"

	"github.com/hookdeck/txnhook/internal/apperror"
	"github.com/hookdeck/txnhook/internal/clock"
	"github.com/hookdeck/txnhook/internal/eventbus"
	"github.com/hookdeck/txnhook/internal/idempotency"
	"github.com/hookdeck/txnhook/internal/logging"
	"github.com/hookdeck/txnhook/internal/models"
	"github.com/hookdeck/txnhook/internal/statemachine"
	"github.com/hookdeck/txnhook/internal/store"
	"go.uber.org/zap"
)

// Request is the caller-supplied submission for Process. ID is
// caller-chosen so repeated submissions of the same logical operation
// land on the same row.
type Request struct {
	ID                   string
	OriginSystem         string
	Payload              models.Data
	WebhookURL           string
	WebhookSecurityToken string
	// Retry requests that an existing non-terminal row be advanced a
	// step: if set, Process invokes Retry instead of the default
	// idempotency check.
	Retry bool
}

// Service implements every transaction mutation operation.
type Service struct {
	store     store.Store
	resolver  *idempotency.Resolver
	thresholds statemachine.Thresholds
	bus       eventbus.Bus
	clock     clock.Clock
	log       *logging.Logger
}

func NewService(s store.Store, resolver *idempotency.Resolver, thresholds statemachine.Thresholds, bus eventbus.Bus, clk clock.Clock, log *logging.Logger) *Service {
	if clk == nil {
		clk = clock.System
	}
	return &Service{store: s, resolver: resolver, thresholds: thresholds, bus: bus, clock: clk, log: log}
}

// Process implements the Process(request) dispatch table.
func (s *Service) Process(ctx context.Context, req Request) (*models.Transaction, error) {
	if req.ID == "" {
		return nil, apperror.Validation("transaction id is required")
	}
	if req.OriginSystem == "" {
		return nil, apperror.Validation("origin system is required")
	}

	existing, err := s.store.Transactions().Get(ctx, req.ID)
	if err != nil && err != store.ErrNotFound {
		return nil, apperror.Transient(err, "loading transaction %s", req.ID)
	}

	if existing == nil {
		return s.create(ctx, req)
	}

	switch {
	case existing.Status.Terminal():
		return existing, nil
	case existing.Status == models.StatusTimeout || existing.Status == models.StatusInconsistent:
		return s.Recover(ctx, existing.ID)
	case req.Retry:
		return s.Retry(ctx, existing.ID)
	default:
		return s.checkIdempotency(ctx, *existing, req)
	}
}

func (s *Service) checkIdempotency(ctx context.Context, existing models.Transaction, req Request) (*models.Transaction, error) {
	class := s.resolver.Classify(existing.OriginSystem, existing.Payload, req.OriginSystem, req.Payload)
	switch class {
	case idempotency.ClassificationConflict:
		return nil, apperror.New(apperror.KindConflict, "transaction already exists with conflicting payload").WithDetails(map[string]interface{}{
			"transaction_id": existing.ID,
			"status":         string(existing.Status),
		})
	default:
		return &existing, nil
	}
}

func (s *Service) create(ctx context.Context, req Request) (*models.Transaction, error) {
	now := s.clock.Now()
	txnRow := models.Transaction{
		ID:                   req.ID,
		OriginSystem:         req.OriginSystem,
		Status:               models.StatusPending,
		Payload:              req.Payload,
		AttemptCount:         1,
		CreatedAt:            now,
		UpdatedAt:            now,
		WebhookURL:           req.WebhookURL,
		WebhookSecurityToken: req.WebhookSecurityToken,
		Version:              1,
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.Transactions().Create(ctx, txnRow); err != nil {
			if err == store.ErrDuplicate {
				return apperror.New(apperror.KindConflict, "transaction already exists").WithDetails(map[string]interface{}{"transaction_id": req.ID})
			}
			return apperror.Transient(err, "creating transaction %s", req.ID)
		}
		return uow.History().Append(ctx, models.TransactionHistory{
			TransactionID: req.ID,
			NewStatus:     models.StatusPending,
			ChangedAt:     now,
			Reason:        "Transaction created",
			ChangedBy:     models.ActorSystem,
			AttemptNumber: 1,
			IsAutomatic:   true,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishBestEffort(ctx, s.event(models.EventTransactionCreated, txnRow, "", now))
	return &txnRow, nil
}

// Retry implements the Retry operation.
func (s *Service) Retry(ctx context.Context, id string) (*models.Transaction, error) {
	current, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if current.AttemptCount >= s.thresholds.MaxAttempts {
		return s.transition(ctx, *current, models.StatusFailed, "max retries reached", models.ActorSystem, true, models.EventTransactionFailed)
	}

	updated := *current
	updated.AttemptCount++
	updated.UpdatedAt = now
	updated.LastAttemptAt = &now
	updated.Version++

	err = s.store.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, updated); err != nil {
			return mapRepoErr(err, id)
		}
		return uow.History().Append(ctx, models.TransactionHistory{
			TransactionID: id,
			NewStatus:     updated.Status,
			ChangedAt:     now,
			Reason:        "Retry attempt",
			ChangedBy:     models.ActorSystem,
			AttemptNumber: updated.AttemptCount,
			IsAutomatic:   true,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishBestEffort(ctx, s.event(models.EventTransactionRetry, updated, current.Status, now))
	return &updated, nil
}

// Recover implements the Recover operation: used both directly
// and as the branch Process takes for Timeout/Inconsistent rows.
func (s *Service) Recover(ctx context.Context, id string) (*models.Transaction, error) {
	current, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	updated := *current
	previous := current.Status
	updated.Status = models.StatusPending
	updated.AttemptCount++
	updated.UpdatedAt = now
	updated.Version++

	err = s.store.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, updated); err != nil {
			return mapRepoErr(err, id)
		}
		return uow.History().Append(ctx, models.TransactionHistory{
			TransactionID:  id,
			PreviousStatus: &previous,
			NewStatus:      models.StatusPending,
			ChangedAt:      now,
			Reason:         "Recovery from " + string(previous),
			ChangedBy:      models.ActorSystem,
			AttemptNumber:  updated.AttemptCount,
			IsAutomatic:    true,
		})
	})
	if err != nil {
		return nil, err
	}

	// This automatic recovery is carried as a StatusChanged event the
	// same way every other automatic transition is (see DESIGN.md).
	s.publishBestEffort(ctx, s.event(models.EventTransactionStatusChanged, updated, previous, now))
	return &updated, nil
}

// UpdateStatus implements the UpdateStatus operation.
func (s *Service) UpdateStatus(ctx context.Context, id string, newStatus models.TransactionStatus, reason, actor string) (*models.Transaction, error) {
	current, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == newStatus {
		return current, nil
	}
	if !statemachine.IsLegalAutomaticTransition(current.Status, newStatus) {
		return nil, apperror.New(apperror.KindConflict, "illegal transition").WithDetails(map[string]interface{}{
			"from": string(current.Status),
			"to":   string(newStatus),
		})
	}
	return s.transition(ctx, *current, newStatus, reason, actor, true, eventForStatus(newStatus))
}

// Complete implements the Complete operation.
func (s *Service) Complete(ctx context.Context, id string, response models.Data, actor string) (*models.Transaction, error) {
	current, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statemachine.IsLegalAutomaticTransition(current.Status, models.StatusCompleted) {
		return nil, apperror.New(apperror.KindConflict, "illegal transition").WithDetails(map[string]interface{}{
			"from": string(current.Status), "to": string(models.StatusCompleted),
		})
	}
	staged := *current
	staged.Response = response
	return s.transition(ctx, staged, models.StatusCompleted, "Transaction completed", actor, true, models.EventTransactionCompleted)
}

// Fail implements the Fail operation.
func (s *Service) Fail(ctx context.Context, id string, errorDetails models.Data, reason, actor string) (*models.Transaction, error) {
	current, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statemachine.IsLegalAutomaticTransition(current.Status, models.StatusFailed) {
		return nil, apperror.New(apperror.KindConflict, "illegal transition").WithDetails(map[string]interface{}{
			"from": string(current.Status), "to": string(models.StatusFailed),
		})
	}
	staged := *current
	staged.ErrorDetails = errorDetails
	return s.transition(ctx, staged, models.StatusFailed, reason, actor, true, models.EventTransactionFailed)
}

// Reconcile implements the Reconcile operation.
func (s *Service) Reconcile(ctx context.Context, id string) (*models.Transaction, error) {
	current, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.store.History().ListByTransaction(ctx, id)
	if err != nil {
		return nil, apperror.Transient(err, "loading history for %s", id)
	}

	now := s.clock.Now()
	determined := statemachine.Reconcile(*current, history, now, s.thresholds)
	if determined == current.Status {
		return current, nil
	}

	updated, err := s.transition(ctx, *current, determined, "Automatic reconciliation", models.ActorSystemReconcile, true, models.EventTransactionReconciled)
	if err != nil {
		return nil, err
	}

	reconciled := *updated
	reconciled.IsReconciled = true
	reconciled.Version++
	if err := s.store.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		return mapRepoErr(uow.Transactions().Update(ctx, reconciled), id)
	}); err != nil {
		return nil, err
	}
	return &reconciled, nil
}

// ManuallyHandle implements the ManuallyHandle operation: an
// operator override that bypasses the automatic-transition table
// entirely (statemachine.IsLegalAutomaticTransition is not consulted).
func (s *Service) ManuallyHandle(ctx context.Context, id string, targetStatus models.TransactionStatus, notes, adminUser string) (*models.Transaction, error) {
	current, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	previous := current.Status
	updated := *current
	updated.Status = targetStatus
	updated.Notes = notes
	updated.UpdatedAt = now
	updated.Version++
	if targetStatus.Terminal() {
		updated.CompletionAt = &now
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, updated); err != nil {
			return mapRepoErr(err, id)
		}
		return uow.History().Append(ctx, models.TransactionHistory{
			TransactionID:  id,
			PreviousStatus: &previous,
			NewStatus:      targetStatus,
			ChangedAt:      now,
			Reason:         notes,
			ChangedBy:      adminUser,
			AttemptNumber:  updated.AttemptCount,
			IsAutomatic:    false,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishBestEffort(ctx, s.event(models.EventTransactionManualResolution, updated, previous, now))
	return &updated, nil
}

// transition is the shared commit path for every operation that moves
// Status from one value to another and emits a single event.
func (s *Service) transition(ctx context.Context, current models.Transaction, newStatus models.TransactionStatus, reason, actor string, automatic bool, event models.EventType) (*models.Transaction, error) {
	now := s.clock.Now()
	previous := current.Status
	updated := current
	updated.Status = newStatus
	updated.UpdatedAt = now
	updated.Version++
	if newStatus.Terminal() {
		updated.CompletionAt = &now
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, updated); err != nil {
			return mapRepoErr(err, current.ID)
		}
		return uow.History().Append(ctx, models.TransactionHistory{
			TransactionID:  current.ID,
			PreviousStatus: &previous,
			NewStatus:      newStatus,
			ChangedAt:      now,
			Reason:         reason,
			ChangedBy:      actor,
			AttemptNumber:  updated.AttemptCount,
			IsAutomatic:    automatic,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishBestEffort(ctx, s.event(event, updated, previous, now))
	return &updated, nil
}

func (s *Service) mustGet(ctx context.Context, id string) (*models.Transaction, error) {
	t, err := s.store.Transactions().Get(ctx, id)
	if err == store.ErrNotFound {
		return nil, apperror.NotFound("transaction %s not found", id)
	}
	if err != nil {
		return nil, apperror.Transient(err, "loading transaction %s", id)
	}
	return t, nil
}

func mapRepoErr(err error, id string) error {
	switch err {
	case nil:
		return nil
	case store.ErrVersionConflict:
		return apperror.New(apperror.KindConflict, "transaction was modified concurrently").WithDetails(map[string]interface{}{"transaction_id": id})
	case store.ErrNotFound:
		return apperror.NotFound("transaction %s not found", id)
	default:
		return apperror.Transient(err, "persisting transaction %s", id)
	}
}

func eventForStatus(status models.TransactionStatus) models.EventType {
	switch status {
	case models.StatusCompleted:
		return models.EventTransactionCompleted
	case models.StatusFailed:
		return models.EventTransactionFailed
	case models.StatusTimeout:
		return models.EventTransactionTimeout
	default:
		return models.EventTransactionStatusChanged
	}
}

func (s *Service) event(eventType models.EventType, t models.Transaction, previous models.TransactionStatus, now time.Time) models.EventMessage {
	return models.EventMessage{
		EventID:        clock.NewTimeOrderedID(),
		EventType:      eventType,
		TransactionID:  t.ID,
		OriginSystem:   t.OriginSystem,
		CurrentStatus:  t.Status,
		PreviousStatus: previous,
		Timestamp:      now,
		Payload:        snapshot(t),
	}
}

// snapshot builds the status-filtered transaction payload a webhook
// delivery carries: event metadata plus a transaction snapshot
// filtered to the fields relevant to its current status.
func snapshot(t models.Transaction) models.Data {
	out := models.Data{
		"id":            t.ID,
		"origin_system": t.OriginSystem,
		"status":        string(t.Status),
		"attempt_count": t.AttemptCount,
	}
	if len(t.Response) > 0 {
		out["response"] = t.Response
	}
	if len(t.ErrorDetails) > 0 {
		out["error_details"] = t.ErrorDetails
	}
	return out
}

// publishBestEffort sends with up to 3 attempts and a 1s backoff
// between them; publication failures are logged, never returned to the
// caller, since event publication is best-effort by design.
func (s *Service) publishBestEffort(ctx context.Context, msg models.EventMessage) {
	if s.bus == nil {
		return
	}
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.bus.Publish(ctx, msg); err == nil {
			return
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
	if s.log != nil {
		s.log.Ctx(ctx).Error("publishing transaction event failed after retries",
			zap.Error(err), zap.String("transaction_id", msg.TransactionID), zap.String("event_type", string(msg.EventType)))
	}
}
