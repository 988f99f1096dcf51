package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"order-stream/internal/models"
	"order-stream/internal/state"
	"order-stream/internal/window"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	counts   []models.HourlyCount
	failures int
}

func (f *fakePublisher) PublishHourlyCount(ctx context.Context, hc models.HourlyCount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("leader not available")
	}
	f.counts = append(f.counts, hc)
	return nil
}

func (f *fakePublisher) Topic() string { return "hourly-transaction-topic" }

func (f *fakePublisher) published() []models.HourlyCount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.HourlyCount(nil), f.counts...)
}

func newTestAggregator(t *testing.T, pub *fakePublisher) (*Aggregator, *state.MemoryLedger) {
	t.Helper()
	ledger, err := state.NewMemoryLedger(100)
	require.NoError(t, err)
	return NewAggregator(pub, ledger, time.Hour, time.Hour, time.Millisecond), ledger
}

func orderMsg(t *testing.T, partition int, offset int64, id, orderTime string) kafka.Message {
	t.Helper()
	value, err := json.Marshal(map[string]interface{}{
		"orderId":    id,
		"customerId": "customer-123",
		"productId":  "product-456",
		"quantity":   1,
		"price":      "10.00",
		"orderTime":  orderTime,
		"status":     "PENDING",
	})
	require.NoError(t, err)
	return kafka.Message{
		Topic:     "orders-topic",
		Partition: partition,
		Offset:    offset,
		Key:       []byte(id),
		Value:     value,
	}
}

func TestHandle_EmitsClosedWindowOnce(t *testing.T) {
	pub := &fakePublisher{}
	agg, _ := newTestAggregator(t, pub)
	ctx := context.Background()

	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 0, "A", "2024-05-01T10:15:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 1, "B", "2024-05-01T10:45:00")))
	assert.Empty(t, pub.published())

	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 2, "C", "2024-05-01T11:05:00")))
	assert.Equal(t, []models.HourlyCount{
		{HourWindow: "2024-05-01 10:00:00", TransactionCount: 2},
	}, pub.published())

	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 3, "D", "2024-05-01T11:10:00")))
	assert.Len(t, pub.published(), 1)

	tbl, ok := agg.Table(0)
	require.True(t, ok)
	assert.Equal(t, 1, tbl.OpenCount())
}

func TestHandle_LateEventNotCounted(t *testing.T) {
	pub := &fakePublisher{}
	agg, _ := newTestAggregator(t, pub)
	ctx := context.Background()

	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 0, "A", "2024-05-01T10:15:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 1, "B", "2024-05-01T11:05:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 2, "C", "2024-05-01T10:59:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 3, "D", "2024-05-01T12:00:00")))

	assert.Equal(t, []models.HourlyCount{
		{HourWindow: "2024-05-01 10:00:00", TransactionCount: 1},
		{HourWindow: "2024-05-01 11:00:00", TransactionCount: 1},
	}, pub.published())
}

func TestHandle_PartitionsHaveIndependentStreamTime(t *testing.T) {
	pub := &fakePublisher{}
	agg, _ := newTestAggregator(t, pub)
	ctx := context.Background()

	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 0, "A", "2024-05-01T10:15:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 1, 0, "B", "2024-05-01T11:05:00")))
	assert.Empty(t, pub.published(), "partition 1 does not close partition 0's window")

	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 1, "C", "2024-05-01T11:01:00")))
	assert.Equal(t, []models.HourlyCount{
		{HourWindow: "2024-05-01 10:00:00", TransactionCount: 1},
	}, pub.published())
}

func TestHandle_RetriesPublishUntilSuccess(t *testing.T) {
	pub := &fakePublisher{failures: 3}
	agg, ledger := newTestAggregator(t, pub)
	ctx := context.Background()

	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 0, "A", "2024-05-01T10:15:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 1, "B", "2024-05-01T11:05:00")))

	require.Len(t, pub.published(), 1)
	seen, err := ledger.Seen(state.Key(0, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestHandle_StopsRetryingWhenCancelled(t *testing.T) {
	pub := &fakePublisher{failures: 1 << 30}
	agg, ledger := newTestAggregator(t, pub)

	require.NoError(t, agg.Handle(context.Background(), orderMsg(t, 0, 0, "A", "2024-05-01T10:15:00")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	m1 := orderMsg(t, 0, 1, "B", "2024-05-01T11:05:00")
	err := agg.Handle(ctx, m1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, ledger.Len())

	_, ok := agg.CommitOffset(m1)
	assert.False(t, ok, "the unpublished window still needs offset 0")

	// redelivery of the same message publishes the pending window only
	pub.mu.Lock()
	pub.failures = 0
	pub.mu.Unlock()
	require.NoError(t, agg.Handle(context.Background(), m1))
	assert.Equal(t, []models.HourlyCount{
		{HourWindow: "2024-05-01 10:00:00", TransactionCount: 1},
	}, pub.published())

	tbl, _ := agg.Table(0)
	st, found := tbl.Lookup(window.Assign(time.Date(2024, 5, 1, 11, 5, 0, 0, time.UTC), time.Hour))
	require.True(t, found)
	assert.Equal(t, int64(1), st.Count, "redelivery must not count twice")

	commit, ok := agg.CommitOffset(m1)
	require.True(t, ok)
	assert.Equal(t, int64(0), commit.Offset)
}

func TestHandle_RewindRebuildsPartition(t *testing.T) {
	pub := &fakePublisher{}
	agg, _ := newTestAggregator(t, pub)
	ctx := context.Background()

	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 0, "A", "2024-05-01T10:15:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 1, "B", "2024-05-01T11:05:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 2, "C", "2024-05-01T11:20:00")))

	// the group resumes from the committed offset after a rebalance
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 1, "B", "2024-05-01T11:05:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 2, "C", "2024-05-01T11:20:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 3, "D", "2024-05-01T12:01:00")))

	assert.Equal(t, []models.HourlyCount{
		{HourWindow: "2024-05-01 10:00:00", TransactionCount: 1},
		{HourWindow: "2024-05-01 11:00:00", TransactionCount: 2},
	}, pub.published())
}

func TestAssign_ReturningPartitionStartsFromCommittedOffset(t *testing.T) {
	ctx := context.Background()
	events := []kafka.Message{
		orderMsg(t, 0, 0, "A", "2024-05-01T11:05:00"),
		orderMsg(t, 0, 1, "B", "2024-05-01T11:10:00"),
		orderMsg(t, 0, 2, "C", "2024-05-01T11:20:00"),
		orderMsg(t, 0, 3, "D", "2024-05-01T12:20:00"),
		orderMsg(t, 0, 4, "E", "2024-05-01T13:01:00"),
	}

	pubA := &fakePublisher{}
	a, _ := newTestAggregator(t, pubA)
	a.Assign([]int{0})
	require.NoError(t, a.Handle(ctx, events[0]))
	require.NoError(t, a.Handle(ctx, events[1]))

	// partition 0 moves to b, which closes 11:00 and commits past it
	pubB := &fakePublisher{}
	b, _ := newTestAggregator(t, pubB)
	b.Assign([]int{0})
	for _, m := range events[:4] {
		require.NoError(t, b.Handle(ctx, m))
	}
	require.Equal(t, []models.HourlyCount{
		{HourWindow: "2024-05-01 11:00:00", TransactionCount: 3},
	}, pubB.published())
	commit, ok := b.CommitOffset(events[3])
	require.True(t, ok)
	require.Equal(t, int64(2), commit.Offset)

	// and comes back to a at the next offset b did not commit
	a.Assign([]int{0})
	require.NoError(t, a.Handle(ctx, events[3]))
	require.NoError(t, a.Handle(ctx, events[4]))

	assert.Equal(t, []models.HourlyCount{
		{HourWindow: "2024-05-01 12:00:00", TransactionCount: 1},
	}, pubA.published())
}

func TestAssign_DropsPendingWindows(t *testing.T) {
	pub := &fakePublisher{failures: 1 << 30}
	agg, _ := newTestAggregator(t, pub)

	require.NoError(t, agg.Handle(context.Background(), orderMsg(t, 0, 0, "A", "2024-05-01T10:15:00")))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, agg.Handle(ctx, orderMsg(t, 0, 1, "B", "2024-05-01T11:05:00")))

	agg.Assign([]int{1})
	_, ok := agg.Table(0)
	assert.False(t, ok)
	assert.Empty(t, agg.CommitPoints())
	require.NoError(t, agg.Flush(context.Background()))
	assert.Empty(t, pub.published())
}

func TestHandle_LedgerSuppressesReplayedEmission(t *testing.T) {
	ledger, err := state.NewMemoryLedger(100)
	require.NoError(t, err)
	ctx := context.Background()

	first := &fakePublisher{}
	agg := NewAggregator(first, ledger, time.Hour, time.Hour, time.Millisecond)
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 0, "A", "2024-05-01T10:15:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 1, "B", "2024-05-01T11:05:00")))
	require.Len(t, first.published(), 1)

	// a restarted aggregator replaying the same offsets
	replay := &fakePublisher{}
	restarted := NewAggregator(replay, ledger, time.Hour, time.Hour, time.Millisecond)
	require.NoError(t, restarted.Handle(ctx, orderMsg(t, 0, 0, "A", "2024-05-01T10:15:00")))
	require.NoError(t, restarted.Handle(ctx, orderMsg(t, 0, 1, "B", "2024-05-01T11:05:00")))
	assert.Empty(t, replay.published())
}

func TestHandle_SkipsMalformedEvents(t *testing.T) {
	pub := &fakePublisher{}
	agg, _ := newTestAggregator(t, pub)
	ctx := context.Background()

	require.NoError(t, agg.Handle(ctx, kafka.Message{Partition: 0, Offset: 0, Value: []byte("{")}))
	require.NoError(t, agg.Handle(ctx, kafka.Message{Partition: 0, Offset: 1, Value: []byte(`{"orderId":"A"}`)}))

	msg, ok := agg.CommitOffset(kafka.Message{Partition: 0, Offset: 1})
	require.True(t, ok)
	assert.Equal(t, int64(1), msg.Offset)
	assert.Empty(t, pub.published())
}

func TestCommitOffset_HoldsBackOpenWindows(t *testing.T) {
	pub := &fakePublisher{}
	agg, _ := newTestAggregator(t, pub)
	ctx := context.Background()

	_, ok := agg.CommitOffset(kafka.Message{Partition: 0, Offset: 0})
	assert.False(t, ok, "unknown partition")

	m0 := orderMsg(t, 0, 10, "A", "2024-05-01T10:15:00")
	require.NoError(t, agg.Handle(ctx, m0))
	commit, ok := agg.CommitOffset(m0)
	require.True(t, ok)
	assert.Equal(t, int64(9), commit.Offset, "the open window needs offset 10 replayed")

	m1 := orderMsg(t, 0, 11, "B", "2024-05-01T11:05:00")
	require.NoError(t, agg.Handle(ctx, m1))
	commit, ok = agg.CommitOffset(m1)
	require.True(t, ok)
	assert.Equal(t, int64(10), commit.Offset)
	assert.Equal(t, "orders-topic", commit.Topic)
	assert.Equal(t, 0, commit.Partition)
}

func TestFlush(t *testing.T) {
	pub := &fakePublisher{}
	agg, _ := newTestAggregator(t, pub)
	ctx := context.Background()

	require.NoError(t, agg.Handle(ctx, orderMsg(t, 1, 4, "A", "2024-05-01T10:15:00")))
	require.NoError(t, agg.Handle(ctx, orderMsg(t, 0, 7, "B", "2024-05-01T12:15:00")))
	require.NoError(t, agg.Flush(ctx))

	assert.Equal(t, []models.HourlyCount{
		{HourWindow: "2024-05-01 12:00:00", TransactionCount: 1, Partition: 0},
		{HourWindow: "2024-05-01 10:00:00", TransactionCount: 1, Partition: 1},
	}, pub.published())

	points := agg.CommitPoints()
	require.Len(t, points, 2)
	for i, want := range []struct {
		partition int
		offset    int64
	}{{0, 7}, {1, 4}} {
		assert.Equal(t, want.partition, points[i].Partition, fmt.Sprintf("point %d", i))
		assert.Equal(t, want.offset, points[i].Offset, fmt.Sprintf("point %d", i))
	}
}
