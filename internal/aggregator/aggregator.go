// Package aggregator counts order events into hourly windows per partition
// and publishes each window's final count once the window closes.
package aggregator

import (
	"context"
	"sort"
	"strconv"
	"time"

	"order-stream/internal/broker"
	"order-stream/internal/models"
	"order-stream/internal/state"
	"order-stream/internal/util"
	"order-stream/internal/window"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Publisher sends finalized window counts downstream.
type Publisher interface {
	PublishHourlyCount(ctx context.Context, hc models.HourlyCount) error
	Topic() string
}

// Aggregator owns one window table per partition. It is driven by a
// single consumer goroutine and is not safe for concurrent use.
type Aggregator struct {
	publisher     Publisher
	ledger        state.Ledger
	size          time.Duration
	retention     time.Duration
	retryInterval time.Duration

	tables map[int]*window.Table
	// closed windows whose publish was interrupted
	pending map[int][]window.State
	// last message seen per partition, used to build commit points
	last map[int]kafka.Message

	clock  func() time.Time
	logger *zap.Logger
}

// NewAggregator creates a new aggregator. Failed publishes are retried
// every retryInterval until they succeed or the context is done.
func NewAggregator(publisher Publisher, ledger state.Ledger, size, retention, retryInterval time.Duration) *Aggregator {
	return &Aggregator{
		publisher:     publisher,
		ledger:        ledger,
		size:          size,
		retention:     retention,
		retryInterval: retryInterval,
		tables:        make(map[int]*window.Table),
		pending:       make(map[int][]window.State),
		last:          make(map[int]kafka.Message),
		clock:         time.Now,
		logger:        util.Named("aggregator"),
	}
}

// Handle counts one order event and emits the windows it closes. It only
// fails when ctx is done before a closed window could be published; the
// unpublished windows are kept and retried on redelivery or Flush.
//
// An offset at or below the last one handled means the partition was
// rewound without a new assignment, e.g. by an offset reset. The
// partition's windows are then rebuilt from the replay, and the ledger
// keeps already published windows from going out twice.
func (a *Aggregator) Handle(ctx context.Context, msg kafka.Message) error {
	if prev, ok := a.last[msg.Partition]; ok {
		switch {
		case msg.Offset == prev.Offset && len(a.pending[msg.Partition]) > 0:
			return a.drain(ctx, msg.Partition)
		case msg.Offset <= prev.Offset:
			a.logger.Warn("Partition rewound, rebuilding windows",
				zap.Int("partition", msg.Partition),
				zap.Int64("from", prev.Offset),
				zap.Int64("to", msg.Offset))
			delete(a.tables, msg.Partition)
			delete(a.pending, msg.Partition)
		}
	}

	tbl := a.table(msg.Partition)
	a.last[msg.Partition] = msg

	order, err := broker.DecodeOrder(msg)
	if err == nil && order.OrderTime.IsZero() {
		err = models.ErrMalformedOrder
	}
	if err != nil {
		util.MalformedEventsTotal.WithLabelValues("aggregator").Inc()
		a.logger.Error("Skipping undecodable event",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		tbl.Skip(msg.Offset)
		return nil
	}

	closed, reason := tbl.Observe(order.OrderTime.Time, msg.Offset)
	if reason != window.DropNone {
		util.LateEventsTotal.WithLabelValues(string(reason)).Inc()
		a.logger.Debug("Dropped late event",
			zap.String("order_id", order.OrderID),
			zap.Time("order_time", order.OrderTime.Time),
			zap.Time("stream_time", tbl.StreamTime()),
			zap.String("reason", string(reason)))
	}

	a.pending[msg.Partition] = append(a.pending[msg.Partition], closed...)
	if err := a.drain(ctx, msg.Partition); err != nil {
		return err
	}
	util.OpenWindows.WithLabelValues(strconv.Itoa(msg.Partition)).Set(float64(tbl.OpenCount()))
	return nil
}

// Assign starts a new group generation. Every assigned partition resumes
// at its committed offset, which may have been moved by another member
// since this one last owned it, so all window state is dropped and
// rebuilt from what the generation delivers.
func (a *Aggregator) Assign(partitions []int) {
	for _, p := range a.partitions() {
		util.OpenWindows.DeleteLabelValues(strconv.Itoa(p))
	}
	a.tables = make(map[int]*window.Table)
	a.pending = make(map[int][]window.State)
	a.last = make(map[int]kafka.Message)
	a.logger.Info("Partitions assigned, window state reset", zap.Ints("partitions", partitions))
}

// drain publishes the pending windows of a partition in order.
func (a *Aggregator) drain(ctx context.Context, partition int) error {
	for len(a.pending[partition]) > 0 {
		if err := a.emit(ctx, partition, a.pending[partition][0]); err != nil {
			return err
		}
		a.pending[partition] = a.pending[partition][1:]
	}
	delete(a.pending, partition)
	return nil
}

// CommitOffset maps a handled message to the message whose offset is safe
// to commit for its partition. Open and pending windows hold it back.
func (a *Aggregator) CommitOffset(msg kafka.Message) (kafka.Message, bool) {
	tbl, ok := a.tables[msg.Partition]
	if !ok {
		return kafka.Message{}, false
	}
	offset, ok := tbl.CommitOffset()
	for _, st := range a.pending[msg.Partition] {
		if st.FirstOffset-1 < offset {
			offset = st.FirstOffset - 1
		}
	}
	if !ok || offset < 0 {
		return kafka.Message{}, false
	}
	msg.Offset = offset
	return msg, true
}

// CommitPoints returns the safe commit message of every partition seen.
func (a *Aggregator) CommitPoints() []kafka.Message {
	var out []kafka.Message
	for _, p := range a.partitions() {
		if msg, ok := a.CommitOffset(a.last[p]); ok {
			out = append(out, msg)
		}
	}
	return out
}

// Flush emits every pending and open window as final, partition by
// partition.
func (a *Aggregator) Flush(ctx context.Context) error {
	for _, p := range a.partitions() {
		a.pending[p] = append(a.pending[p], a.tables[p].Flush()...)
		if err := a.drain(ctx, p); err != nil {
			return err
		}
		util.OpenWindows.WithLabelValues(strconv.Itoa(p)).Set(0)
	}
	return nil
}

// Table returns the window table of a partition, if any.
func (a *Aggregator) Table(partition int) (*window.Table, bool) {
	tbl, ok := a.tables[partition]
	return tbl, ok
}

func (a *Aggregator) table(partition int) *window.Table {
	tbl, ok := a.tables[partition]
	if !ok {
		tbl = window.NewTable(a.size, a.retention)
		a.tables[partition] = tbl
	}
	return tbl
}

func (a *Aggregator) partitions() []int {
	ps := make([]int, 0, len(a.tables))
	for p := range a.tables {
		ps = append(ps, p)
	}
	sort.Ints(ps)
	return ps
}

func (a *Aggregator) emit(ctx context.Context, partition int, st window.State) error {
	ctx, span := util.StartSpan(ctx, "Aggregator.emit")
	defer span.End()
	span.SetAttributes(
		attribute.Int("partition", partition),
		attribute.String("window", st.Key.String()),
		attribute.Int64("count", st.Count))

	key := state.Key(partition, st.Key.Start)
	seen, err := a.ledger.Seen(key)
	if err != nil {
		a.logger.Warn("Ledger lookup failed, emitting anyway", zap.String("key", key), zap.Error(err))
	}
	if seen {
		util.WindowEmissionsSuppressedTotal.Inc()
		a.logger.Info("Window already emitted, skipping",
			zap.Int("partition", partition),
			zap.String("window", st.Key.String()))
		return nil
	}

	hc := models.NewHourlyCount(st.Key.Start, st.Count)
	hc.Partition = partition
	err = util.RetryUntilDone(ctx, a.retryInterval, func(ctx context.Context) error {
		return a.publisher.PublishHourlyCount(ctx, hc)
	}, func(attempt int, err error) {
		util.PublishRetriesTotal.WithLabelValues(a.publisher.Topic()).Inc()
		a.logger.Error("Failed to publish hourly count, retrying",
			zap.String("hour_window", hc.HourWindow),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
	if err != nil {
		return err
	}

	if err := a.ledger.Record(key, state.Emission{Count: st.Count, EmittedAt: a.clock().UTC()}); err != nil {
		a.logger.Error("Failed to record emission", zap.String("key", key), zap.Error(err))
	}

	util.WindowsEmittedTotal.Inc()
	a.logger.Info("Emitted hourly count",
		zap.Int("partition", partition),
		zap.String("hour_window", hc.HourWindow),
		zap.Int64("transaction_count", hc.TransactionCount))
	return nil
}
