package worker

import (
	"context"
	"time"

	"order-stream/internal/aggregator"
	"order-stream/internal/broker"
	"order-stream/internal/models"
	"order-stream/internal/service"
	"order-stream/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// LogSink receives one LogMessage per ingestion attempt.
type LogSink interface {
	PublishLog(ctx context.Context, orderID string, msg models.LogMessage) error
}

// IngestionWorker consumes order events and records them through the
// ingestion processor
type IngestionWorker struct {
	consumer      *broker.Consumer
	processor     *service.IngestionProcessor
	logs          LogSink
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewIngestionWorker creates a new ingestion worker
func NewIngestionWorker(
	consumer *broker.Consumer,
	processor *service.IngestionProcessor,
	logs LogSink,
	retryInterval time.Duration,
) *IngestionWorker {
	return &IngestionWorker{
		consumer:      consumer,
		processor:     processor,
		logs:          logs,
		retryInterval: retryInterval,
		logger:        util.Named("ingestion-worker"),
	}
}

// Start starts the worker
func (w *IngestionWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting ingestion worker", zap.String("topic", w.consumer.Topic()))
	return w.consumer.StartConsuming(ctx, w.handle, broker.WithRetryInterval(w.retryInterval))
}

// Stop stops the worker
func (w *IngestionWorker) Stop() error {
	w.logger.Info("Stopping ingestion worker")
	return w.consumer.Close()
}

// handle processes a message once and retries only the log publish, so a
// failed publish never turns a SUCCESS into a DUPLICATE.
func (w *IngestionWorker) handle(ctx context.Context, msg kafka.Message) error {
	key := string(msg.Key)

	var out models.LogMessage
	order, err := broker.DecodeOrder(msg)
	if err != nil {
		w.logger.Error("Failed to decode order event",
			zap.String("key", key),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		out = w.processor.Failed(err)
	} else {
		if order.OrderID != "" {
			key = order.OrderID
		}
		out = w.processor.Process(ctx, order)
	}

	return util.RetryUntilDone(ctx, w.retryInterval, func(ctx context.Context) error {
		return w.logs.PublishLog(ctx, key, out)
	}, func(attempt int, err error) {
		util.PublishRetriesTotal.WithLabelValues("logs").Inc()
		w.logger.Error("Failed to publish log message, retrying",
			zap.String("order_id", key),
			zap.String("status", out.Status),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
}

// Source is the consumer the aggregation worker reads from, either a
// broker.Consumer or a broker.GroupConsumer.
type Source interface {
	Topic() string
	StartConsuming(ctx context.Context, handler broker.MessageHandler, opts ...broker.ConsumeOption) error
	Commit(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AggregationWorker feeds order events into the window aggregator and
// commits only offsets no open window depends on
type AggregationWorker struct {
	consumer        Source
	aggregator      *aggregator.Aggregator
	flushOnShutdown bool
	flushTimeout    time.Duration
	retryInterval   time.Duration
	logger          *zap.Logger
}

// NewAggregationWorker creates a new aggregation worker
func NewAggregationWorker(
	consumer Source,
	agg *aggregator.Aggregator,
	flushOnShutdown bool,
	flushTimeout time.Duration,
	retryInterval time.Duration,
) *AggregationWorker {
	return &AggregationWorker{
		consumer:        consumer,
		aggregator:      agg,
		flushOnShutdown: flushOnShutdown,
		flushTimeout:    flushTimeout,
		retryInterval:   retryInterval,
		logger:          util.Named("aggregation-worker"),
	}
}

// Start consumes until ctx is done. With flush on shutdown enabled, open
// windows are then emitted as final and their offsets committed.
func (w *AggregationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting aggregation worker", zap.String("topic", w.consumer.Topic()))
	err := w.consumer.StartConsuming(ctx, w.aggregator.Handle,
		broker.WithCommitFunc(w.aggregator.CommitOffset),
		broker.WithAssignFunc(w.aggregator.Assign),
		broker.WithRetryInterval(w.retryInterval))
	if !w.flushOnShutdown || ctx.Err() == nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), w.flushTimeout)
	defer cancel()

	if ferr := w.aggregator.Flush(flushCtx); ferr != nil {
		w.logger.Error("Failed to flush open windows", zap.Error(ferr))
		return err
	}
	if cerr := w.consumer.Commit(flushCtx, w.aggregator.CommitPoints()...); cerr != nil {
		w.logger.Error("Failed to commit flushed offsets", zap.Error(cerr))
	}
	w.logger.Info("Flushed open windows")
	return err
}

// Stop stops the worker
func (w *AggregationWorker) Stop() error {
	w.logger.Info("Stopping aggregation worker")
	return w.consumer.Close()
}
