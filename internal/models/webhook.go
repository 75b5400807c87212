package models

import "time"

// EventType is the closed enumeration of event types a subscription may
// filter on, per the subscription registry's routing index.
type EventType string

const (
	EventTransactionCreated          EventType = "TransactionCreated"
	EventTransactionStatusChanged    EventType = "TransactionStatusChanged"
	EventTransactionCompleted        EventType = "TransactionCompleted"
	EventTransactionFailed           EventType = "TransactionFailed"
	EventTransactionTimeout          EventType = "TransactionTimeout"
	EventTransactionRetry            EventType = "TransactionRetry"
	EventTransactionManualResolution EventType = "TransactionManualResolution"
	EventTransactionReconciled       EventType = "TransactionReconciled"
	EventTransactionInconsistent     EventType = "TransactionInconsistent"
	EventSystemAlert                 EventType = "SystemAlert"
	EventSystemReconciliationStart   EventType = "SystemReconciliationStart"
	EventSystemReconciliationComplete EventType = "SystemReconciliationComplete"
	EventTest                        EventType = "Test"
)

// AllEventTypes lists the closed enumeration for subscription validation.
var AllEventTypes = []EventType{
	EventTransactionCreated,
	EventTransactionStatusChanged,
	EventTransactionCompleted,
	EventTransactionFailed,
	EventTransactionTimeout,
	EventTransactionRetry,
	EventTransactionManualResolution,
	EventTransactionReconciled,
	EventTransactionInconsistent,
	EventSystemAlert,
	EventSystemReconciliationStart,
	EventSystemReconciliationComplete,
	EventTest,
}

func IsValidEventType(t EventType) bool {
	for _, candidate := range AllEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// WebhookSubscription is a registered HTTPS callback plus an event-type
// filter. SecurityToken holds the secret encrypted at rest (see
// internal/signature.Cipher); unlike a password hash it must be
// reversible, since every delivery attempt has to recover the plaintext
// to compute an HMAC the subscriber can reproduce.
type WebhookSubscription struct {
	ID              string
	OriginSystem    string
	CallbackURL     string
	Events          map[EventType]struct{}
	SecurityToken   string
	IsActive        bool
	MaxRetries      *int
	Description     string
	ContactEmail    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastSuccessAt   *time.Time
	LastFailureAt   *time.Time
	SuccessCount    int64
	FailureCount    int64
	Version         int64
}

func (s WebhookSubscription) Subscribes(t EventType) bool {
	_, ok := s.Events[t]
	return ok
}

// DeliveryStatus is the closed enumeration driving webhook delivery
// engine transitions.
type DeliveryStatus string

const (
	DeliveryPending        DeliveryStatus = "Pending"
	DeliveryProcessing     DeliveryStatus = "Processing"
	DeliveryDelivered      DeliveryStatus = "Delivered"
	DeliveryFailed         DeliveryStatus = "Failed"
	DeliveryRetryScheduled DeliveryStatus = "RetryScheduled"
	DeliveryPermanentlyFailed DeliveryStatus = "PermanentlyFailed"
	DeliveryCanceled       DeliveryStatus = "Canceled"
)

func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryPermanentlyFailed, DeliveryCanceled:
		return true
	default:
		return false
	}
}

// WebhookDelivery is a single attempt-stream for one event to one
// subscriber. Its ID is the event-id that produced it, which doubles as
// the consumer-side idempotency key.
type WebhookDelivery struct {
	ID                    string
	SubscriptionID        string
	TransactionID         string
	EventType             EventType
	Status                DeliveryStatus
	Payload               Data
	AttemptCount          int
	LastAttemptAt         *time.Time
	ResponseCode          int
	ResponseBody          string
	ErrorDetails          Data
	CreatedAt             time.Time
	UpdatedAt             time.Time
	IsAcknowledged         bool
	AcknowledgedAt         *time.Time
	AcknowledgmentStatus   string
	NextRetryAt            *time.Time
}

// MaxResponseBodyBytes bounds the stored response body excerpt persisted per delivery attempt.
const MaxResponseBodyBytes = 4000
