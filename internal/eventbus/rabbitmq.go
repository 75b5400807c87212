package eventbus

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hookdeck/txnhook/internal/models"
)

// RabbitMQConfig names the exchange/queue-prefix pair a deployment binds
// the bus to, grounded on outpost's internal/mqs RabbitMQConfig shape.
type RabbitMQConfig struct {
	ServerURL      string
	Exchange       string
	QueuePrefix    string
	PartitionCount int
}

const (
	DefaultExchange       = "txnhook.events"
	DefaultQueuePrefix    = "txnhook.events"
	DefaultPartitionCount = 8
)

func (c RabbitMQConfig) withDefaults() RabbitMQConfig {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.QueuePrefix == "" {
		c.QueuePrefix = DefaultQueuePrefix
	}
	if c.PartitionCount <= 0 {
		c.PartitionCount = DefaultPartitionCount
	}
	return c
}

// RabbitMQBus fans a direct exchange out into PartitionCount durable
// queues, one routing key per partition, so that every message sharing a
// partition key is delivered to the same queue and therefore processed in
// publish order by that queue's single consumer goroutine.
type RabbitMQBus struct {
	config RabbitMQConfig
	conn   *amqp.Connection

	mu           sync.Mutex
	publishCh    *amqp.Channel
}

var _ Bus = (*RabbitMQBus)(nil)

func NewRabbitMQBus(ctx context.Context, config RabbitMQConfig) (*RabbitMQBus, error) {
	config = config.withDefaults()
	conn, err := amqp.Dial(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	bus := &RabbitMQBus{config: config, conn: conn}
	if err := bus.declareInfrastructure(); err != nil {
		conn.Close()
		return nil, err
	}
	return bus, nil
}

func (b *RabbitMQBus) declareInfrastructure() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(b.config.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for p := 0; p < b.config.PartitionCount; p++ {
		routingKey := partitionRoutingKey(b.config.QueuePrefix, p)
		queue, err := ch.QueueDeclare(routingKey, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", routingKey, err)
		}
		if err := ch.QueueBind(queue.Name, routingKey, b.config.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", routingKey, err)
		}
	}
	return nil
}

func partitionRoutingKey(prefix string, partition int) string {
	return fmt.Sprintf("%s.p%d", prefix, partition)
}

func (b *RabbitMQBus) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishCh != nil && !b.publishCh.IsClosed() {
		return b.publishCh, nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	b.publishCh = ch
	return ch, nil
}

func (b *RabbitMQBus) Publish(ctx context.Context, msg models.EventMessage) error {
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event message: %w", err)
	}
	ch, err := b.channel()
	if err != nil {
		return fmt.Errorf("acquire publish channel: %w", err)
	}
	partition := Partition(msg.PartitionKey(), b.config.PartitionCount)
	routingKey := partitionRoutingKey(b.config.QueuePrefix, partition)

	return ch.PublishWithContext(ctx, b.config.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.EventID,
		Body:         body,
	})
}

// Subscribe starts one consumer goroutine per partition queue and blocks
// until ctx is cancelled. Each queue's deliveries are acked only after
// handler succeeds, which is what gives the bus its at-least-once
// guarantee: a crash between delivery and ack causes RabbitMQ to
// redeliver the message.
func (b *RabbitMQBus) Subscribe(ctx context.Context, handler Handler) error {
	handler = traced(handler)
	var wg sync.WaitGroup
	errCh := make(chan error, b.config.PartitionCount)

	for p := 0; p < b.config.PartitionCount; p++ {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			if err := b.consumePartition(ctx, partition, handler); err != nil {
				errCh <- err
			}
		}(p)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *RabbitMQBus) consumePartition(ctx context.Context, partition int, handler Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	routingKey := partitionRoutingKey(b.config.QueuePrefix, partition)
	deliveries, err := ch.ConsumeWithContext(ctx, routingKey, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", routingKey, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var msg models.EventMessage
			if err := msg.Unmarshal(d.Body); err != nil {
				d.Nack(false, false)
				continue
			}
			if err := handler(ctx, msg); err != nil {
				d.Nack(false, true)
				continue
			}
			d.Ack(false)
		}
	}
}

func (b *RabbitMQBus) Close() error {
	b.mu.Lock()
	if b.publishCh != nil {
		b.publishCh.Close()
	}
	b.mu.Unlock()
	return b.conn.Close()
}
