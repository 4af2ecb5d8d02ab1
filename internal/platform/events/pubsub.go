package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/bookstore/payments/internal/services"
)

// EventTypeOrderSettled tags messages carrying services.OrderSettledEvent.
const EventTypeOrderSettled = "order.settled"

// PubSubPublisher publishes settled-order events to a Pub/Sub topic.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.SettlementEventPublisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderSettled sends the event and waits for the server acknowledgement.
func (p *PubSubPublisher) PublishOrderSettled(ctx context.Context, event services.OrderSettledEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order settled event: %w", err)
	}

	attrs := map[string]string{"eventType": EventTypeOrderSettled}
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "payerId", event.PayerID)
	setAttr(attrs, "paymentKey", event.PaymentKey)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: orderingKey(p.topic, event.PayerID),
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order settled event: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func orderingKey(topic *pubsub.Topic, payerID string) string {
	if !topic.EnableMessageOrdering {
		return ""
	}
	return strings.TrimSpace(payerID)
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
