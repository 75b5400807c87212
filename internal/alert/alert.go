// Package alert implements the Alert Dispatcher contract:
// sendAlert, sendTransactionAlert, sendSystemHealthAlert, and
// sendCriticalErrorAlert, dispatched asynchronously over a pluggable
// Channel so a slow or unreachable notification endpoint never blocks
// the caller (the monitor's sweep, or a service reporting a fatal
// error). Grounded on outpost's internal/alert/notifier.go, whose
// httpAlertNotifier is the model for Channel's HTTP implementation.
package alert

import (
	"context"
	"time"

	"github.com/hookdeck/txnhook/internal/logging"
	"github.com/hookdeck/txnhook/internal/models"
	"go.uber.org/zap"
)

// Channel delivers one rendered notification. Implementations must be
// safe for concurrent use; Dispatcher calls Send from its own goroutine
// per alert.
type Channel interface {
	Send(ctx context.Context, subject, body string) error
}

// TransactionAlertData is the payload sendTransactionAlert renders.
type TransactionAlertData struct {
	TransactionID string
	OriginSystem  string
	Status        models.TransactionStatus
	AttemptCount  int
	Reason        string
}

// SystemHealthAlertData is the payload sendSystemHealthAlert renders;
// Metrics and AnomalyStats are opaque key/value summaries so the
// monitor can attach whatever sweep counters it has without the
// dispatcher needing to know their shape.
type SystemHealthAlertData struct {
	Metrics      map[string]interface{}
	AnomalyStats map[string]interface{}
}

// CriticalErrorAlertData is the payload sendCriticalErrorAlert renders.
type CriticalErrorAlertData struct {
	Err     error
	Details map[string]interface{}
}

// Dispatcher implements the Alert Dispatcher contract. Dispatch is
// asynchronous: every send* method returns immediately, and Channel
// failures are logged rather than returned.
type Dispatcher struct {
	channel Channel
	log     *logging.Logger
}

func NewDispatcher(channel Channel, log *logging.Logger) *Dispatcher {
	return &Dispatcher{channel: channel, log: log}
}

// SendAlert is the generic entry point every other send* method funnels
// through.
func (d *Dispatcher) SendAlert(subject, message string) {
	go d.deliver(subject, message)
}

func (d *Dispatcher) SendTransactionAlert(txn TransactionAlertData) {
	subject := "Transaction anomaly: " + txn.TransactionID
	body := formatTransactionAlert(txn)
	go d.deliver(subject, body)
}

func (d *Dispatcher) SendSystemHealthAlert(data SystemHealthAlertData) {
	go d.deliver("System health summary", formatSystemHealthAlert(data))
}

func (d *Dispatcher) SendCriticalErrorAlert(data CriticalErrorAlertData) {
	go d.deliver("Critical error", formatCriticalErrorAlert(data))
}

func (d *Dispatcher) deliver(subject, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.channel == nil {
		return
	}
	if err := d.channel.Send(ctx, subject, body); err != nil && d.log != nil {
		d.log.Ctx(ctx).Error("alert dispatch failed", zap.Error(err), zap.String("subject", subject))
	}
}

func formatTransactionAlert(txn TransactionAlertData) string {
	return "transaction_id=" + txn.TransactionID +
		" origin_system=" + txn.OriginSystem +
		" status=" + string(txn.Status) +
		" reason=" + txn.Reason
}

func formatSystemHealthAlert(data SystemHealthAlertData) string {
	out := "metrics: "
	for k, v := range data.Metrics {
		out += k + "=" + toString(v) + " "
	}
	out += "anomaly_stats: "
	for k, v := range data.AnomalyStats {
		out += k + "=" + toString(v) + " "
	}
	return out
}

func formatCriticalErrorAlert(data CriticalErrorAlertData) string {
	out := "error: "
	if data.Err != nil {
		out += data.Err.Error()
	}
	for k, v := range data.Details {
		out += " " + k + "=" + toString(v)
	}
	return out
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return jsonFallback(v)
	}
}
