package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bookstore/payments/internal/services"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures NewKafkaPublisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	// ErrorLogger receives writer failures. Typically observability.NewErrorPrintfAdapter.
	ErrorLogger kafka.Logger
}

// KafkaPublisher publishes settled-order events to a Kafka topic keyed by order id.
type KafkaPublisher struct {
	writer  MessageWriter
	marshal func(any) ([]byte, error)
	now     func() time.Time
}

var _ services.SettlementEventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher builds a publisher around a kafka.Writer for the configured brokers.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: at least one broker is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: timeout,
		ErrorLogger:  cfg.ErrorLogger,
	}
	return NewKafkaPublisherWithWriter(writer), nil
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  writer,
		marshal: json.Marshal,
		now:     time.Now,
	}
}

// PublishOrderSettled writes the event synchronously.
func (p *KafkaPublisher) PublishOrderSettled(ctx context.Context, event services.OrderSettledEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka publisher: not initialised")
	}
	msg, err := p.message(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write order settled event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func (p *KafkaPublisher) message(event services.OrderSettledEvent) (kafka.Message, error) {
	data, err := p.marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal order settled event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.OrderID),
		Value: data,
		Time:  p.now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeOrderSettled)},
			{Key: "payer_id", Value: []byte(event.PayerID)},
		},
	}, nil
}
