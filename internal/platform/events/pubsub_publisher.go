// Package events publishes order and stock domain events to Pub/Sub.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/fulfillment/internal/services"
)

const (
	attrEventType = "eventType"
	attrOrderID   = "orderId"
	attrProductID = "productId"
	attrUserID    = "userId"

	stockAdjustedEvent = "stock.adjusted"
)

// PubSubPublisher publishes order and stock events as JSON messages on a single topic.
// The eventType attribute lets subscribers filter.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var (
	_ services.OrderEventPublisher = (*PubSubPublisher)(nil)
	_ services.StockEventPublisher = (*PubSubPublisher)(nil)
)

// NewPubSubPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	return &PubSubPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

type orderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	UserID         string         `json:"userId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	Total          int64          `json:"total"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type stockEventMessage struct {
	Type       string    `json:"type"`
	ProductID  string    `json:"productId"`
	Delta      int       `json:"delta"`
	Stock      *int      `json:"stock"`
	Reason     string    `json:"reason,omitempty"`
	ActorID    string    `json:"actorId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	msg := orderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		UserID:         event.UserID,
		PreviousStatus: string(event.PreviousStatus),
		CurrentStatus:  string(event.CurrentStatus),
		Total:          event.Total,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	}
	attrs := make(map[string]string)
	setAttr(attrs, attrEventType, event.Type)
	setAttr(attrs, attrOrderID, event.OrderID)
	setAttr(attrs, attrUserID, event.UserID)
	setAttr(attrs, "status", string(event.CurrentStatus))
	return p.publish(ctx, msg, attrs)
}

// PublishStockEvent implements services.StockEventPublisher.
func (p *PubSubPublisher) PublishStockEvent(ctx context.Context, event services.StockEvent) error {
	msg := stockEventMessage{
		Type:       stockAdjustedEvent,
		ProductID:  event.ProductID,
		Delta:      event.Delta,
		Stock:      event.Stock,
		Reason:     event.Reason,
		ActorID:    event.ActorID,
		OccurredAt: event.OccurredAt.UTC(),
	}
	attrs := make(map[string]string)
	setAttr(attrs, attrEventType, stockAdjustedEvent)
	setAttr(attrs, attrProductID, event.ProductID)
	setAttr(attrs, "delta", strconv.Itoa(event.Delta))
	return p.publish(ctx, msg, attrs)
}

func (p *PubSubPublisher) publish(ctx context.Context, payload any, attrs map[string]string) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", attrs[attrEventType], err)
	}
	return nil
}

// Stop flushes pending messages and stops the topic's background goroutines.
func (p *PubSubPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
