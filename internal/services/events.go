package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PaymentEvent is the lifecycle record published for downstream consumers
// (notifications, reporting). Publishing is best-effort and never blocks or
// fails a ledger transition.
type PaymentEvent struct {
	Type      string    `json:"type"`
	OrderCode string    `json:"order_code"`
	StudentID uint      `json:"student_id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Late      bool      `json:"late,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventPaymentCreated   = "payment.created"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
)

// EventPublisher writes payment events to Kafka. A nil publisher is valid and
// drops everything, so environments without a broker keep working.
type EventPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewEventPublisher(brokers []string, topic string, logger *zap.Logger) *EventPublisher {
	if len(brokers) == 0 {
		return nil
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &EventPublisher{writer: w, logger: logger}
}

// Publish sends one event, logging failures instead of returning them.
func (p *EventPublisher) Publish(ctx context.Context, event PaymentEvent) {
	if p == nil {
		return
	}
	event.Timestamp = time.Now().UTC()

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal payment event", zap.Error(err))
		return
	}

	msg := kafka.Message{
		Key:   []byte(event.OrderCode),
		Value: data,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("failed to publish payment event",
			zap.String("event_type", event.Type),
			zap.String("order_code", event.OrderCode),
			zap.Error(err),
		)
		return
	}
}

// Close flushes and closes the underlying writer.
func (p *EventPublisher) Close() {
	if p == nil {
		return
	}
	_ = p.writer.Close()
}
