package models

import (
	"encoding/json"
	"time"
)

// EventMessage is the in-flight representation published on the event
// bus. It is not a persisted entity; the transaction/history/delivery
// tables are the durable record of what happened.
type EventMessage struct {
	EventID        string            `json:"event_id"`
	EventType      EventType         `json:"event_type"`
	TransactionID  string            `json:"transaction_id,omitempty"`
	OriginSystem   string            `json:"origin_system"`
	CurrentStatus  TransactionStatus `json:"current_status,omitempty"`
	PreviousStatus TransactionStatus `json:"previous_status,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Payload        Data              `json:"payload"`
	HighPriority   bool              `json:"high_priority"`

	// Webhook-variant fields, set only on messages published to the
	// delivery partition.
	WebhookID    string `json:"webhook_id,omitempty"`
	AttemptCount int    `json:"attempt_count,omitempty"`
}

func (e *EventMessage) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func (e *EventMessage) Unmarshal(data []byte) error {
	return json.Unmarshal(data, e)
}

// PartitionKey returns the key used to keep per-subject ordering on a
// single partition: transaction-id for transaction events, webhook-id
// for webhook delivery messages.
func (e *EventMessage) PartitionKey() string {
	if e.WebhookID != "" {
		return e.WebhookID
	}
	return e.TransactionID
}
