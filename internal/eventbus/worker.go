package eventbus

import (
	"context"
	"errors"

	"github.com/hookdeck/txnhook/internal/logging"
	"go.uber.org/zap"
)

// ConsumerWorker adapts a Bus.Subscribe call to the worker.Worker
// contract, grounded on outpost's internal/services.ConsumerWorker: a
// generic wrapper so every long-running consumer (the webhook fanout,
// the webhook dispatcher) runs under the same supervisor as every other
// background process instead of each inventing its own goroutine
// management.
type ConsumerWorker struct {
	name    string
	bus     Bus
	handler Handler
	log     *logging.Logger
}

func NewConsumerWorker(name string, bus Bus, handler Handler, log *logging.Logger) *ConsumerWorker {
	return &ConsumerWorker{name: name, bus: bus, handler: handler, log: log}
}

func (w *ConsumerWorker) Name() string { return w.name }

func (w *ConsumerWorker) Run(ctx context.Context) error {
	if w.log != nil {
		w.log.Ctx(ctx).Info("consumer worker starting", zap.String("name", w.name))
	}

	err := w.bus.Subscribe(ctx, w.handler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		if w.log != nil {
			w.log.Ctx(ctx).Error("consumer worker failed", zap.String("name", w.name), zap.Error(err))
		}
		return err
	}
	return nil
}
