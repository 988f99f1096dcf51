package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"order-stream/internal/dedup"
	"order-stream/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped unique violation", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"not null violation", &pq.Error{Code: "23502"}, false},
		{"plain error", errors.New("connection refused"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	content, err := migrations.ReadFile("migrations/001_transactions.sql")
	require.NoError(t, err)
	assert.Contains(t, string(content), "UNIQUE (order_id)")
}

// newTestStore connects to TEST_DATABASE_URL or skips.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires TEST_DATABASE_URL")
	}
	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Migrate(context.Background())
	require.NoError(t, err)
	return s
}

func testTransaction() *models.Transaction {
	return &models.Transaction{
		OrderID:    "test-" + uuid.New().String(),
		CustomerID: "customer-123",
		ProductID:  "product-456",
		Quantity:   2,
		Price:      decimal.RequireFromString("29.99"),
		OrderTime:  time.Now().UTC().Truncate(time.Second),
		Status:     models.OrderStatusPending,
	}
}

func TestInsertAndExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tx := testTransaction()

	exists, err := s.Exists(ctx, tx.OrderID)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Insert(ctx, tx))
	assert.NotZero(t, tx.ID)
	assert.False(t, tx.CreatedAt.IsZero())

	exists, err = s.Exists(ctx, tx.OrderID)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.GetTransactionByOrderID(ctx, tx.OrderID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.True(t, tx.Price.Equal(got.Price))
}

func TestInsertDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tx := testTransaction()
	require.NoError(t, s.Insert(ctx, tx))

	again := *tx
	again.ID = 0
	err := s.Insert(ctx, &again)
	assert.ErrorIs(t, err, dedup.ErrDuplicate)
}

func TestInsertConcurrentDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tx := testTransaction()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			copyTx := *tx
			errs[i] = s.Insert(ctx, &copyTx)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, dedup.ErrDuplicate)
	}
	assert.Equal(t, 1, succeeded)
}

func TestGetTransactionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTransactionByOrderID(context.Background(), "missing-"+uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}
