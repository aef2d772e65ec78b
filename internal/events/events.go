// internal/events/events.go
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"coinsettle/internal/domain"
)

// EventType names an order lifecycle event.
type EventType string

const (
	EventOrderCreated       EventType = "order.created"
	EventPaymentDetected    EventType = "order.payment_detected"
	EventOrderPaid          EventType = "order.paid"
	EventOrderUnderpaid     EventType = "order.underpaid"
	EventOrderExpired       EventType = "order.expired"
	EventOrderCompleted     EventType = "order.completed"
	EventOrderSettled       EventType = "order.settled"
	EventWithdrawalsPaidOut EventType = "withdrawals.paid_out"
)

// OrderEvent is published whenever an order changes in a way other services care about.
type OrderEvent struct {
	Type       EventType          `json:"type"`
	OrderID    int64              `json:"order_id,omitempty"`
	Status     domain.OrderStatus `json:"status,omitempty"`
	Amount     decimal.Decimal    `json:"amount"`
	TxHash     string             `json:"tx_hash,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// NewOrderEvent stamps an event for order.
func NewOrderEvent(eventType EventType, order *domain.Order) OrderEvent {
	return OrderEvent{
		Type:       eventType,
		OrderID:    order.ID,
		Status:     order.Status,
		Amount:     order.CoinAmount,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers order events. Publishing is best effort: callers log
// failures and never roll back state because of them.
type Publisher interface {
	Publish(ctx context.Context, event OrderEvent) error
}

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes events to a Kafka topic keyed by order id.
type KafkaPublisher struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates a KafkaPublisher.
func NewKafkaPublisher(writer MessageWriter, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, logger: logger.With("component", "event_publisher")}
}

// NewKafkaWriter builds the writer used for order events.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event OrderEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serialize event failed: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.OrderID, 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil && ctx.Err() == nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	p.logger.Debug("Event published", "type", event.Type, "order_id", event.OrderID)
	return nil
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, OrderEvent) error { return nil }
