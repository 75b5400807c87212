// Package eventbus is the at-least-once, partition-ordered event transport
// the pipeline runs on. One Bus port is consumed by the
// transaction service (publisher, including for the monitor's timeout
// and reconciliation transitions) and the webhook delivery engine
// (consumer, and publisher of delivery messages); two
// concrete drivers are provided (RabbitMQ and Kafka) grounded on the
// brokers outpost and the rest of the dependency pack already depend on.
package eventbus

import (
	"context"
	"hash/fnv"

	"github.com/hookdeck/txnhook/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hookdeck/txnhook/internal/eventbus")

// traced wraps handler in a consumer span per delivered message, grounded
// on outpost's internal/consumer tracer-per-receive-loop pattern. Every
// driver's Subscribe routes deliveries through this before invoking the
// caller's handler.
func traced(handler Handler) Handler {
	return func(ctx context.Context, msg models.EventMessage) error {
		ctx, span := tracer.Start(ctx, "eventbus.consume", trace.WithAttributes(
			attribute.String("event.type", string(msg.EventType)),
			attribute.String("transaction.id", msg.TransactionID),
		))
		defer span.End()
		err := handler(ctx, msg)
		if err != nil {
			span.RecordError(err)
		}
		return err
	}
}

// Handler processes one delivered message. Returning a non-nil error
// leaves the message unacknowledged so the driver can redeliver it,
// preserving the bus's at-least-once guarantee.
type Handler func(ctx context.Context, msg models.EventMessage) error

// Bus is the port both halves of the pipeline depend on.
type Bus interface {
	// Publish sends msg to the partition selected by msg.PartitionKey(),
	// per the "messages for the same transaction or subscription
	// id preserve relative order" requirement.
	Publish(ctx context.Context, msg models.EventMessage) error

	// Subscribe blocks, dispatching every delivered message to handler,
	// until ctx is cancelled or a fatal transport error occurs. It is
	// safe to call once per process; drivers fan out internally across
	// their partitions.
	Subscribe(ctx context.Context, handler Handler) error

	Close() error
}

// Partition hashes a partition key into one of n fixed buckets. Both
// drivers use this so that the same key always lands on the same
// partition for the lifetime of a partition count, which is what makes
// per-subject ordering possible without a single global queue.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
