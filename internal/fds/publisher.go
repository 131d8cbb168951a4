package fds

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/metrics"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/retry"
)

// Publisher emits decision events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, d *Decision) error
	Close() error
}

// KafkaPublisher writes decision events to a Kafka topic, keyed by user ID so
// one user's decisions stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			WriteTimeout:           2 * time.Second,
		},
		logger: logger,
	}
}

// Publish sends one decision event, retrying transient broker errors.
func (p *KafkaPublisher) Publish(ctx context.Context, d *Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		metrics.DecisionPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("fds: marshal decision event: %w", err)
	}

	err = retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		return p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(d.UserID),
			Value: payload,
		})
	})
	if err != nil {
		metrics.DecisionPublishTotal.WithLabelValues("error").Inc()
		p.logger.Error("decision publish failed",
			"decisionId", d.ID,
			"error", err)
		return fmt.Errorf("fds: publish decision: %w", err)
	}
	metrics.DecisionPublishTotal.WithLabelValues("ok").Inc()
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops events. Used when Kafka is not configured.
type NopPublisher struct{}

var _ Publisher = (*NopPublisher)(nil)

func (NopPublisher) Publish(ctx context.Context, d *Decision) error { return nil }
func (NopPublisher) Close() error                                   { return nil }
