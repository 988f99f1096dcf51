// Package dedup defines the keyed store the ingestion path deduplicates
// orders against.
//
// Exists is only a fast path. Insert is the authority on uniqueness: two
// deliveries of the same order may both pass Exists, and exactly one of
// their inserts succeeds while the other fails with ErrDuplicate.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"order-stream/internal/models"
)

// ErrDuplicate is returned by Insert when the order was already recorded.
var ErrDuplicate = errors.New("duplicate order")

// Store is the dedup store contract.
type Store interface {
	Exists(ctx context.Context, orderID string) (bool, error)
	Insert(ctx context.Context, tx *models.Transaction) error
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]models.Transaction
	nextID int64
	clock  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[string]models.Transaction),
		clock: time.Now,
	}
}

func (m *MemoryStore) Exists(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[orderID]
	return ok, nil
}

func (m *MemoryStore) Insert(ctx context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[tx.OrderID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, tx.OrderID)
	}
	m.nextID++
	tx.ID = m.nextID
	tx.CreatedAt = m.clock().UTC()
	m.rows[tx.OrderID] = *tx
	return nil
}

// Get returns the stored transaction for an order.
func (m *MemoryStore) Get(orderID string) (models.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.rows[orderID]
	return tx, ok
}

// Len returns the number of stored transactions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
