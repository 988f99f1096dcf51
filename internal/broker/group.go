package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-stream/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// consumerGroup abstracts kafka.ConsumerGroup for testability.
type consumerGroup interface {
	Next(ctx context.Context) (generation, error)
	Close() error
}

// generation is one membership epoch of the group.
type generation interface {
	ID() int32
	Assignments(topic string) []kafka.PartitionAssignment
	// Start runs fn until the generation ends; fn's ctx is done then.
	Start(fn func(ctx context.Context))
	// CommitOffsets commits the next offset to read per partition.
	CommitOffsets(topic string, offsets map[int]int64) error
}

// partitionReader reads a single partition from a fixed start offset.
type partitionReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type readerFactory func(partition int, offset int64) (partitionReader, error)

// GroupConsumer consumes a topic as a member of a consumer group and
// makes every generation explicit: partitions assigned by a generation
// restart at their committed offsets, and WithAssignFunc is told before
// any of their messages are handled.
type GroupConsumer struct {
	group     consumerGroup
	topic     string
	newReader readerFactory
	logger    *zap.Logger

	mu      sync.Mutex
	current generation
}

// NewGroupConsumer joins groupID on the given topic. Partitions without a
// committed offset start at the beginning of the topic.
func NewGroupConsumer(brokers []string, topic, groupID string) (*GroupConsumer, error) {
	group, err := kafka.NewConsumerGroup(kafka.ConsumerGroupConfig{
		ID:          groupID,
		Brokers:     brokers,
		Topics:      []string{topic},
		StartOffset: kafka.FirstOffset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", groupID, err)
	}

	newReader := func(partition int, offset int64) (partitionReader, error) {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   brokers,
			Topic:     topic,
			Partition: partition,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
		if err := r.SetOffset(offset); err != nil {
			r.Close()
			return nil, err
		}
		return r, nil
	}
	return newGroupConsumer(kafkaGroup{group}, topic, newReader), nil
}

func newGroupConsumer(group consumerGroup, topic string, newReader readerFactory) *GroupConsumer {
	return &GroupConsumer{
		group:     group,
		topic:     topic,
		newReader: newReader,
		logger:    util.Named("group-consumer"),
	}
}

// Topic returns the consumed topic
func (c *GroupConsumer) Topic() string {
	return c.topic
}

// StartConsuming joins one generation after another and hands their
// messages to handler on the calling goroutine, one at a time. Offsets
// are committed after the handler succeeded, as in Consumer.
func (c *GroupConsumer) StartConsuming(ctx context.Context, handler MessageHandler, opts ...ConsumeOption) error {
	o := consumeOptions{
		retryInterval: time.Second,
		fetchBackoff:  time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c.logger.Info("Starting Kafka group consumer", zap.String("topic", c.topic))

	for {
		gen, err := c.group.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			c.logger.Error("Error joining consumer group", zap.String("topic", c.topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.fetchBackoff):
			}
			continue
		}

		if err := c.consumeGeneration(ctx, gen, handler, o); err != nil {
			return err
		}
	}
}

// consumeGeneration returns nil when gen ended and ctx.Err() when ctx is done.
func (c *GroupConsumer) consumeGeneration(ctx context.Context, gen generation, handler MessageHandler, o consumeOptions) error {
	assigned := gen.Assignments(c.topic)
	partitions := make([]int, 0, len(assigned))
	for _, pa := range assigned {
		partitions = append(partitions, pa.ID)
	}
	sort.Ints(partitions)

	c.mu.Lock()
	c.current = gen
	c.mu.Unlock()

	c.logger.Info("Joined consumer group generation",
		zap.String("topic", c.topic),
		zap.Int32("generation", gen.ID()),
		zap.Ints("partitions", partitions))
	if o.assign != nil {
		o.assign(partitions)
	}

	// handler retries stop when the generation ends, so a revoked
	// partition never holds up the rebalance
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ended := make(chan struct{})
	gen.Start(func(gctx context.Context) {
		<-gctx.Done()
		close(ended)
		cancel()
	})

	msgs := make(chan kafka.Message)
	for _, pa := range assigned {
		pa := pa
		gen.Start(func(gctx context.Context) {
			c.readPartition(gctx, pa, msgs, o.fetchBackoff)
		})
	}

	for {
		var msg kafka.Message
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ended:
			c.logger.Info("Consumer group generation ended", zap.Int32("generation", gen.ID()))
			return nil
		case msg = <-msgs:
		}

		err := util.RetryUntilDone(genCtx, o.retryInterval, func(ctx context.Context) error {
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
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// generation ended mid-retry, the next one replays msg
			continue
		}

		commitMsg, ok := msg, true
		if o.commit != nil {
			commitMsg, ok = o.commit(msg)
		}
		if !ok {
			continue
		}
		if err := c.commit(gen, commitMsg); err != nil {
			c.logger.Error("Error committing message",
				zap.String("topic", c.topic),
				zap.Int("partition", commitMsg.Partition),
				zap.Int64("offset", commitMsg.Offset),
				zap.Error(err))
		}
	}
}

// readPartition feeds one assigned partition into msgs until the
// generation ends. Returning early would end the generation, so read
// errors are retried.
func (c *GroupConsumer) readPartition(ctx context.Context, pa kafka.PartitionAssignment, msgs chan<- kafka.Message, backoff time.Duration) {
	var r partitionReader
	for r == nil {
		var err error
		if r, err = c.newReader(pa.ID, pa.Offset); err != nil {
			c.logger.Error("Error opening partition reader",
				zap.Int("partition", pa.ID), zap.Int64("offset", pa.Offset), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
	defer r.Close()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Error fetching message", zap.Int("partition", pa.ID), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		select {
		case msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *GroupConsumer) commit(gen generation, msgs ...kafka.Message) error {
	offsets := make(map[int]int64, len(msgs))
	for _, m := range msgs {
		if next := m.Offset + 1; next > offsets[m.Partition] {
			offsets[m.Partition] = next
		}
	}
	return gen.CommitOffsets(c.topic, offsets)
}

// Commit commits the offsets of msgs in the current generation
func (c *GroupConsumer) Commit(ctx context.Context, msgs ...kafka.Message) error {
	c.mu.Lock()
	gen := c.current
	c.mu.Unlock()
	if gen == nil || len(msgs) == 0 {
		return nil
	}
	return c.commit(gen, msgs...)
}

// Close leaves the group
func (c *GroupConsumer) Close() error {
	return c.group.Close()
}

type kafkaGroup struct {
	group *kafka.ConsumerGroup
}

func (g kafkaGroup) Next(ctx context.Context) (generation, error) {
	gen, err := g.group.Next(ctx)
	if err != nil {
		return nil, err
	}
	return kafkaGeneration{gen}, nil
}

func (g kafkaGroup) Close() error {
	return g.group.Close()
}

type kafkaGeneration struct {
	gen *kafka.Generation
}

func (g kafkaGeneration) ID() int32 { return g.gen.ID }

func (g kafkaGeneration) Assignments(topic string) []kafka.PartitionAssignment {
	return g.gen.Assignments[topic]
}

func (g kafkaGeneration) Start(fn func(ctx context.Context)) { g.gen.Start(fn) }

func (g kafkaGeneration) CommitOffsets(topic string, offsets map[int]int64) error {
	return g.gen.CommitOffsets(map[string]map[int]int64{topic: offsets})
}
