package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-stream/internal/dedup"
	"order-stream/internal/models"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// ErrNotFound is returned when no transaction exists for an order.
var ErrNotFound = errors.New("transaction not found")

// Exists reports whether a transaction was recorded for the order
func (s *Store) Exists(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM transactions WHERE order_id = $1)", orderID)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction %s: %w", orderID, err)
	}
	return exists, nil
}

// Insert records a transaction. A second insert for the same order fails
// with dedup.ErrDuplicate; the unique constraint decides races.
func (s *Store) Insert(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (order_id, customer_id, product_id, quantity, price, order_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	row := s.db.QueryRowxContext(ctx, query,
		tx.OrderID, tx.CustomerID, tx.ProductID, tx.Quantity, tx.Price, tx.OrderTime, tx.Status)
	if err := row.Scan(&tx.ID, &tx.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", dedup.ErrDuplicate, tx.OrderID)
		}
		return fmt.Errorf("failed to insert transaction %s: %w", tx.OrderID, err)
	}
	return nil
}

// GetTransactionByOrderID retrieves the transaction recorded for an order
func (s *Store) GetTransactionByOrderID(ctx context.Context, orderID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.GetContext(ctx, &tx, "SELECT * FROM transactions WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CountTransactions returns the number of recorded transactions
func (s *Store) CountTransactions(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM transactions")
	return n, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
