package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"order-stream/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter abstracts kafka.Writer for testability.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer. Messages are partitioned by key.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return NewProducerWith(writer, topic)
}

// NewProducerWith wraps an existing writer.
func NewProducerWith(w messageWriter, topic string) *Producer {
	return &Producer{writer: w, topic: topic, logger: util.Named("producer")}
}

// Topic returns the topic this producer writes to
func (p *Producer) Topic() string {
	return p.topic
}

// PublishEvent publishes an event to Kafka
func (p *Producer) PublishEvent(ctx context.Context, key string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to %s: %w", p.topic, err)
	}

	p.logger.Debug("Published event", zap.String("topic", p.topic), zap.String("key", key), zap.String("type", fmt.Sprintf("%T", event)))
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// messageReader abstracts kafka.Reader for testability.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer represents a Kafka consumer
type Consumer struct {
	reader messageReader
	topic  string
	logger *zap.Logger
}

// NewConsumer creates a new Kafka consumer in a consumer group. A zero
// commitInterval commits synchronously.
func NewConsumer(brokers []string, topic, groupID string, commitInterval time.Duration) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: commitInterval,
		StartOffset:    kafka.FirstOffset,
	})

	return NewConsumerWith(reader, topic)
}

// NewConsumerWith wraps an existing reader.
func NewConsumerWith(r messageReader, topic string) *Consumer {
	return &Consumer{reader: r, topic: topic, logger: util.Named("consumer")}
}

// Topic returns the consumed topic
func (c *Consumer) Topic() string {
	return c.topic
}

// Commit commits the offsets of msgs outside the consume loop
func (c *Consumer) Commit(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return c.reader.CommitMessages(ctx, msgs...)
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// CommitFunc maps a handled message to the message whose offset may be
// committed. Returning false commits nothing for this message.
type CommitFunc func(msg kafka.Message) (kafka.Message, bool)

// AssignFunc is told the partitions a new group generation assigned,
// before any of their messages are handled.
type AssignFunc func(partitions []int)

type consumeOptions struct {
	commit        CommitFunc
	assign        AssignFunc
	retryInterval time.Duration
	fetchBackoff  time.Duration
}

type ConsumeOption func(*consumeOptions)

// WithCommitFunc overrides the default of committing each handled message.
func WithCommitFunc(fn CommitFunc) ConsumeOption {
	return func(o *consumeOptions) {
		o.commit = fn
	}
}

// WithAssignFunc registers fn for generation changes. Only GroupConsumer
// sees generations; Consumer never calls fn.
func WithAssignFunc(fn AssignFunc) ConsumeOption {
	return func(o *consumeOptions) {
		o.assign = fn
	}
}

// WithRetryInterval sets the delay between handler retries.
func WithRetryInterval(d time.Duration) ConsumeOption {
	return func(o *consumeOptions) {
		o.retryInterval = d
	}
}

// StartConsuming fetches messages one at a time, hands each to handler and
// commits only after the handler succeeded. A failing handler is retried on
// the same message until it succeeds or ctx is done, so no later offset is
// ever committed past an unhandled one.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler, opts ...ConsumeOption) error {
	o := consumeOptions{
		retryInterval: time.Second,
		fetchBackoff:  time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c.logger.Info("Starting Kafka consumer", zap.String("topic", c.topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Consumer context cancelled, stopping", zap.String("topic", c.topic))
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("Error fetching message", zap.String("topic", c.topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.fetchBackoff):
			}
			continue
		}

		err = util.RetryUntilDone(ctx, o.retryInterval, func(ctx context.Context) error {
			return handler(ctx, msg)
		}, func(attempt int, err error) {
			util.HandlerRetriesTotal.WithLabelValues(c.topic).Inc()
			c.logger.Error("Error handling message, retrying",
				zap.String("topic", c.topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Int("attempt", attempt),
				zap.Error(err))
		})
		if err != nil {
			return err
		}

		commitMsg, ok := msg, true
		if o.commit != nil {
			commitMsg, ok = o.commit(msg)
		}
		if !ok {
			continue
		}
		if err := c.reader.CommitMessages(ctx, commitMsg); err != nil {
			c.logger.Error("Error committing message",
				zap.String("topic", c.topic),
				zap.Int("partition", commitMsg.Partition),
				zap.Int64("offset", commitMsg.Offset),
				zap.Error(err))
		}
	}
}
