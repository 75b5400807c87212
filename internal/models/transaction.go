// Package models contains the entities owned by the persistence layer.
// Values are plain structs that may be freely copied; entities reference
// each other only by id, never by embedded pointer (see DESIGN.md).
package models

import "time"

// Data is an opaque JSON-shaped payload, mirroring the way outpost's
// models.Data carries arbitrary event bodies.
type Data map[string]interface{}

// TransactionStatus is the closed enumeration driving the state machine
// in internal/statemachine.
type TransactionStatus string

const (
	StatusPending           TransactionStatus = "Pending"
	StatusProcessing        TransactionStatus = "Processing"
	StatusCompleted         TransactionStatus = "Completed"
	StatusFailed            TransactionStatus = "Failed"
	StatusTimeout           TransactionStatus = "Timeout"
	StatusInconsistent      TransactionStatus = "Inconsistent"
	StatusPermanentlyFailed TransactionStatus = "PermanentlyFailed"
)

func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPermanentlyFailed:
		return true
	default:
		return false
	}
}

func (s TransactionStatus) Problematic() bool {
	return s == StatusTimeout || s == StatusInconsistent
}

// Transaction is the caller-facing unit of idempotent, asynchronous work.
// Its id is caller-chosen (not server-generated) so that retries of the
// same logical submission land on the same row.
type Transaction struct {
	ID                   string
	OriginSystem         string
	Status               TransactionStatus
	Payload              Data
	Response             Data
	ErrorDetails         Data
	AttemptCount         int
	CreatedAt            time.Time
	UpdatedAt            time.Time
	LastAttemptAt        *time.Time
	CompletionAt         *time.Time
	WebhookURL           string
	WebhookSecurityToken string
	IsReconciled         bool
	Notes                string
	Version              int64
}

// Clone returns a deep-enough copy for safe concurrent read access; Data
// maps are copied shallowly since their leaves are treated as immutable
// once written.
func (t Transaction) Clone() Transaction {
	clone := t
	clone.Payload = cloneData(t.Payload)
	clone.Response = cloneData(t.Response)
	clone.ErrorDetails = cloneData(t.ErrorDetails)
	return clone
}

func cloneData(d Data) Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// TransactionHistory is an append-only audit row for a single observed
// transition. ChangedAt ordering within a transaction_id must reproduce
// the sequence of statuses the Transaction row passed through.
type TransactionHistory struct {
	ID              int64
	TransactionID   string
	PreviousStatus  *TransactionStatus
	NewStatus       TransactionStatus
	ChangedAt       time.Time
	Reason          string
	ChangedBy       string
	Context         Data
	AttemptNumber   int
	IsAutomatic     bool
}

const (
	ActorSystem             = "SYSTEM"
	ActorSystemReconcile    = "SYSTEM_RECONCILIATION"
	ActorSystemMonitor      = "SYSTEM_MONITOR"
)
