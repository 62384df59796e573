// Package kafka publishes run events to a Kafka topic for deployments that
// stream run telemetry.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	segmentio "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/inkfold/retell/pkg/eventstream"
)

// Config holds configuration for the Kafka publisher.
type Config struct {
	// Brokers is the list of bootstrap broker addresses.
	Brokers []string

	// Topic is the topic run events are written to.
	Topic string
}

// Publisher writes run events to Kafka as JSON messages keyed by book ID,
// so events for one book land on one partition in order.
type Publisher struct {
	writer *segmentio.Writer
	logger *zap.Logger
}

// NewPublisher creates a Kafka-backed eventstream publisher.
func NewPublisher(c Config, logger *zap.Logger) (*Publisher, error) {
	if len(c.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if c.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	writer := &segmentio.Writer{
		Addr:     segmentio.TCP(c.Brokers...),
		Topic:    c.Topic,
		Balancer: &segmentio.Hash{},
	}

	return &Publisher{writer: writer, logger: logger}, nil
}

// Publish writes one run event to the topic.
func (p *Publisher) Publish(ctx context.Context, event *eventstream.RunEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding run event: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, segmentio.Message{
		Key:   []byte(event.BookID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("writing run event: %w", err)
	}

	p.logger.Debug("run event published",
		zap.String("event_type", event.EventType),
		zap.String("book_id", event.BookID))

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
