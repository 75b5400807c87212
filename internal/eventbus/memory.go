package eventbus

import (
	"context"
	"sync"

	"github.com/hookdeck/txnhook/internal/models"
)

// MemoryBus is an in-process Bus used by service-layer tests so they can
// exercise publish/subscribe ordering without a running broker. It
// preserves per-partition-key ordering the same way the real drivers do,
// by routing every message to a fixed-size set of buffered channels.
type MemoryBus struct {
	partitions []chan models.EventMessage
	closed     chan struct{}
	closeOnce  sync.Once
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus(partitionCount int) *MemoryBus {
	if partitionCount <= 0 {
		partitionCount = DefaultPartitionCount
	}
	b := &MemoryBus{
		partitions: make([]chan models.EventMessage, partitionCount),
		closed:     make(chan struct{}),
	}
	for i := range b.partitions {
		b.partitions[i] = make(chan models.EventMessage, 256)
	}
	return b
}

func (b *MemoryBus) Publish(ctx context.Context, msg models.EventMessage) error {
	partition := Partition(msg.PartitionKey(), len(b.partitions))
	select {
	case b.partitions[partition] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return context.Canceled
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	handler = traced(handler)
	var wg sync.WaitGroup
	for _, ch := range b.partitions {
		wg.Add(1)
		go func(ch chan models.EventMessage) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.closed:
					return
				case msg := <-ch:
					// Retry indefinitely on handler error, the same
					// at-least-once contract the real drivers provide,
					// but without redelivery ordering against newer
					// messages on the same partition.
					for handler(ctx, msg) != nil {
						select {
						case <-ctx.Done():
							return
						case <-b.closed:
							return
						default:
						}
					}
				}
			}
		}(ch)
	}
	wg.Wait()
	return nil
}

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}
