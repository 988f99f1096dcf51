package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"order-stream/internal/models"

	"github.com/segmentio/kafka-go"
)

// OrderPublisher publishes submitted orders keyed by order ID
type OrderPublisher struct {
	producer *Producer
}

// NewOrderPublisher creates a new order publisher
func NewOrderPublisher(producer *Producer) *OrderPublisher {
	return &OrderPublisher{producer: producer}
}

// PublishOrder publishes an order event
func (op *OrderPublisher) PublishOrder(ctx context.Context, order *models.Order) error {
	return op.producer.PublishEvent(ctx, order.OrderID, order)
}

// LogPublisher publishes ingestion outcomes
type LogPublisher struct {
	producer *Producer
}

// NewLogPublisher creates a new log publisher
func NewLogPublisher(producer *Producer) *LogPublisher {
	return &LogPublisher{producer: producer}
}

// PublishLog publishes one ingestion outcome keyed by order ID
func (lp *LogPublisher) PublishLog(ctx context.Context, orderID string, msg models.LogMessage) error {
	return lp.producer.PublishEvent(ctx, orderID, msg)
}

// AggregatePublisher publishes finalized window counts
type AggregatePublisher struct {
	producer *Producer
}

// NewAggregatePublisher creates a new aggregate publisher
func NewAggregatePublisher(producer *Producer) *AggregatePublisher {
	return &AggregatePublisher{producer: producer}
}

// Topic returns the destination topic
func (ap *AggregatePublisher) Topic() string {
	return ap.producer.Topic()
}

// PublishHourlyCount publishes a window count keyed by its formatted hour
func (ap *AggregatePublisher) PublishHourlyCount(ctx context.Context, hc models.HourlyCount) error {
	return ap.producer.PublishEvent(ctx, hc.HourWindow, hc)
}

// DecodeOrder unmarshals an order event
func DecodeOrder(msg kafka.Message) (*models.Order, error) {
	var order models.Order
	if err := json.Unmarshal(msg.Value, &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order event: %w", err)
	}
	return &order, nil
}
