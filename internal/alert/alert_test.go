package alert_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hookdeck/txnhook/internal/alert"
	"github.com/hookdeck/txnhook/internal/models"
)

type recordingChannel struct {
	mu      sync.Mutex
	sent    []string
	failNth int
	calls   int
}

func (c *recordingChannel) Send(ctx context.Context, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failNth > 0 && c.calls == c.failNth {
		return errors.New("channel unavailable")
	}
	c.sent = append(c.sent, subject)
	return nil
}

func (c *recordingChannel) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		c.mu.Lock()
		got := len(c.sent)
		c.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d alerts, got %d", n, got)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSendAlertDoesNotBlockCaller(t *testing.T) {
	ch := &recordingChannel{}
	d := alert.NewDispatcher(ch, nil)

	start := time.Now()
	d.SendAlert("subject", "message")
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("SendAlert should return immediately, dispatch happens asynchronously")
	}
	ch.wait(t, 1)
}

func TestSendTransactionAlertRendersFields(t *testing.T) {
	ch := &recordingChannel{}
	d := alert.NewDispatcher(ch, nil)

	d.SendTransactionAlert(alert.TransactionAlertData{
		TransactionID: "txn-1",
		OriginSystem:  "orders",
		Status:        models.StatusTimeout,
		Reason:        "stalled",
	})
	ch.wait(t, 1)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.sent[0] != "Transaction anomaly: txn-1" {
		t.Fatalf("unexpected subject: %q", ch.sent[0])
	}
}

func TestDispatchFailureIsNotPropagated(t *testing.T) {
	ch := &recordingChannel{failNth: 1}
	d := alert.NewDispatcher(ch, nil)

	// Channel.Send's error is swallowed; there is nothing for the
	// caller to observe beyond the call returning without panicking.
	d.SendAlert("subject", "message")

	deadline := time.After(time.Second)
	for {
		ch.mu.Lock()
		calls := ch.calls
		ch.mu.Unlock()
		if calls >= 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the channel to be invoked")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
