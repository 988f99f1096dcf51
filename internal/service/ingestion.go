package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-stream/internal/dedup"
	"order-stream/internal/models"
	"order-stream/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// IngestionProcessor records each order at most once and reports the
// outcome of every delivery as a LogMessage.
type IngestionProcessor struct {
	store        dedup.Store
	serviceName  string
	queryTimeout time.Duration
	clock        func() time.Time
	logger       *zap.Logger
}

// NewIngestionProcessor creates a new ingestion processor. A zero
// queryTimeout leaves store calls bound only by the caller's context.
func NewIngestionProcessor(store dedup.Store, serviceName string, queryTimeout time.Duration) *IngestionProcessor {
	return &IngestionProcessor{
		store:        store,
		serviceName:  serviceName,
		queryTimeout: queryTimeout,
		clock:        time.Now,
		logger:       util.Named("ingestion"),
	}
}

// Process handles one delivery of an order. It never fails: every outcome,
// including store errors, becomes the returned LogMessage.
func (p *IngestionProcessor) Process(ctx context.Context, order *models.Order) models.LogMessage {
	ctx, span := util.StartSpan(ctx, "IngestionProcessor.Process")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", order.OrderID))

	msg := p.process(ctx, order)

	span.SetAttributes(attribute.String("ingestion.status", msg.Status))
	if msg.Status == models.LogStatusError {
		span.SetStatus(codes.Error, msg.ErrorMessage)
	}
	util.OrdersIngestedTotal.WithLabelValues(msg.Status).Inc()
	return msg
}

func (p *IngestionProcessor) process(ctx context.Context, order *models.Order) models.LogMessage {
	p.logger.Info("Received order", zap.String("order_id", order.OrderID), zap.Time("order_time", order.OrderTime.Time))

	if err := order.Validate(); err != nil {
		util.MalformedEventsTotal.WithLabelValues("ingestion").Inc()
		p.logger.Error("Rejected malformed order", zap.String("order_id", order.OrderID), zap.Error(err))
		return p.logMessage(models.LogStatusError, err.Error())
	}

	exists, err := p.exists(ctx, order.OrderID)
	if err != nil {
		p.logger.Error("Error checking order", zap.String("order_id", order.OrderID), zap.Error(err))
		return p.logMessage(models.LogStatusError, err.Error())
	}
	if exists {
		return p.duplicate(order.OrderID)
	}

	err = p.insert(ctx, models.NewTransaction(order))
	switch {
	case errors.Is(err, dedup.ErrDuplicate):
		// Lost the race to a concurrent delivery of the same order.
		return p.duplicate(order.OrderID)
	case err != nil:
		p.logger.Error("Error processing order", zap.String("order_id", order.OrderID), zap.Error(err))
		return p.logMessage(models.LogStatusError, err.Error())
	}

	p.logger.Info("Successfully saved order", zap.String("order_id", order.OrderID))
	return p.logMessage(models.LogStatusSuccess, "")
}

func (p *IngestionProcessor) exists(ctx context.Context, orderID string) (bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		util.DedupStoreLatency.WithLabelValues("exists").Observe(time.Since(start).Seconds())
	}()
	return p.store.Exists(ctx, orderID)
}

func (p *IngestionProcessor) insert(ctx context.Context, tx *models.Transaction) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		util.DedupStoreLatency.WithLabelValues("insert").Observe(time.Since(start).Seconds())
	}()
	return p.store.Insert(ctx, tx)
}

func (p *IngestionProcessor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.queryTimeout)
}

func (p *IngestionProcessor) duplicate(orderID string) models.LogMessage {
	p.logger.Warn("Order already exists, skipping", zap.String("order_id", orderID))
	return p.logMessage(models.LogStatusDuplicate, fmt.Sprintf("Order already exists: %s", orderID))
}

// Failed builds the ERROR outcome for a delivery that could not be decoded.
func (p *IngestionProcessor) Failed(err error) models.LogMessage {
	util.MalformedEventsTotal.WithLabelValues("ingestion").Inc()
	util.OrdersIngestedTotal.WithLabelValues(models.LogStatusError).Inc()
	return p.logMessage(models.LogStatusError, err.Error())
}

func (p *IngestionProcessor) logMessage(status, errorMessage string) models.LogMessage {
	return models.LogMessage{
		Timestamp:    p.clock().UTC(),
		Service:      p.serviceName,
		Status:       status,
		ErrorMessage: errorMessage,
	}
}
