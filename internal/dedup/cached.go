package dedup

import (
	"context"
	"errors"
	"time"

	"order-stream/internal/models"
	"order-stream/internal/util"

	"go.uber.org/zap"
)

// Marker remembers order IDs already recorded by the backing store.
type Marker interface {
	IsOrderSeen(ctx context.Context, orderID string) (bool, error)
	MarkOrderSeen(ctx context.Context, orderID string, ttl time.Duration) error
}

// CachedStore answers Exists from a marker before asking the backing store.
// A marker is only written after the backing store confirmed the order, so
// a marker hit is always a true duplicate. Marker failures degrade to the
// backing store.
type CachedStore struct {
	backing Store
	marker  Marker
	ttl     time.Duration
	logger  *zap.Logger
}

var _ Store = (*CachedStore)(nil)

func NewCachedStore(backing Store, marker Marker, ttl time.Duration) *CachedStore {
	return &CachedStore{
		backing: backing,
		marker:  marker,
		ttl:     ttl,
		logger:  util.Named("dedup"),
	}
}

func (c *CachedStore) Exists(ctx context.Context, orderID string) (bool, error) {
	seen, err := c.marker.IsOrderSeen(ctx, orderID)
	if err != nil {
		c.logger.Warn("Dedup marker lookup failed, falling back to store",
			zap.String("order_id", orderID), zap.Error(err))
	} else if seen {
		util.DedupCacheHitsTotal.Inc()
		return true, nil
	}
	return c.backing.Exists(ctx, orderID)
}

func (c *CachedStore) Insert(ctx context.Context, tx *models.Transaction) error {
	err := c.backing.Insert(ctx, tx)
	if err != nil && !errors.Is(err, ErrDuplicate) {
		return err
	}
	if markErr := c.marker.MarkOrderSeen(ctx, tx.OrderID, c.ttl); markErr != nil {
		c.logger.Warn("Failed to mark order as seen",
			zap.String("order_id", tx.OrderID), zap.Error(markErr))
	}
	return err
}
