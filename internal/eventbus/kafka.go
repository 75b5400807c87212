package eventbus

import (
	"context"
	"errors"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"github.com/hookdeck/txnhook/internal/models"
)

// KafkaConfig names the cluster and topic a deployment binds the bus to.
type KafkaConfig struct {
	Brokers        []string
	Topic          string
	ConsumerGroup  string
	PartitionCount int
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.Topic == "" {
		c.Topic = "txnhook.events"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "txnhook.delivery"
	}
	if c.PartitionCount <= 0 {
		c.PartitionCount = DefaultPartitionCount
	}
	return c
}

// KafkaBus relies on Kafka's native partitioning: the writer assigns a
// partition by hashing the message key (msg.PartitionKey()), and readers
// in the same consumer group each own a disjoint subset of partitions, so
// ordering within a partition key is preserved without any extra
// bookkeeping on our side.
type KafkaBus struct {
	config KafkaConfig
	writer *kafka.Writer
}

var _ Bus = (*KafkaBus)(nil)

func NewKafkaBus(config KafkaConfig) *KafkaBus {
	config = config.withDefaults()
	return &KafkaBus{
		config: config,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(config.Brokers...),
			Topic:    config.Topic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (b *KafkaBus) Publish(ctx context.Context, msg models.EventMessage) error {
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event message: %w", err)
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.PartitionKey()),
		Value: body,
	})
}

// Subscribe runs a single consumer-group reader; kafka-go rebalances
// partitions across every process sharing config.ConsumerGroup, which is
// how the deployment scales out consumers horizontally.
func (b *KafkaBus) Subscribe(ctx context.Context, handler Handler) error {
	handler = traced(handler)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.config.Brokers,
		Topic:   b.config.Topic,
		GroupID: b.config.ConsumerGroup,
	})
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		var msg models.EventMessage
		if err := msg.Unmarshal(m.Value); err != nil {
			// Malformed message: commit past it rather than block the
			// partition forever.
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		if err := handler(ctx, msg); err != nil {
			// Leave uncommitted so the group rebalance/restart redelivers
			// it, preserving at-least-once delivery.
			continue
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
