package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-stream/internal/models"
	"order-stream/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidOrder is returned for submissions that fail validation.
var ErrInvalidOrder = errors.New("invalid order")

// OrderPublisher forwards accepted orders to the orders topic.
type OrderPublisher interface {
	PublishOrder(ctx context.Context, order *models.Order) error
}

// TransactionReader looks up persisted transactions.
type TransactionReader interface {
	GetTransactionByOrderID(ctx context.Context, orderID string) (*models.Transaction, error)
}

// OrderService accepts order submissions and publishes them
type OrderService struct {
	publisher    OrderPublisher
	transactions TransactionReader
	clock        func() time.Time
	newID        func() string
	logger       *zap.Logger
}

// NewOrderService creates a new order service. transactions may be nil when
// no database is wired; lookups then fail.
func NewOrderService(publisher OrderPublisher, transactions TransactionReader) *OrderService {
	return &OrderService{
		publisher:    publisher,
		transactions: transactions,
		clock:        time.Now,
		newID:        func() string { return uuid.New().String() },
		logger:       util.Named("orders"),
	}
}

// SubmitOrder fills in defaults, validates and publishes an order. Downstream
// processing outcomes are never reported back to the caller.
func (s *OrderService) SubmitOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.SubmitOrder")
	defer span.End()

	if order.OrderID == "" {
		order.OrderID = s.newID()
	}
	if order.OrderTime.IsZero() {
		order.OrderTime = models.NewEventTime(s.clock())
	}
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}

	if order.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", ErrInvalidOrder)
	}
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	if err := s.publisher.PublishOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to publish order: %w", err)
	}

	util.OrdersSubmittedTotal.Inc()
	s.logger.Info("Order submitted",
		zap.String("order_id", order.OrderID),
		zap.String("total_amount", order.TotalAmount().StringFixed(2)))
	return order, nil
}

// SubmitSampleOrder publishes a canned order, handy for smoke tests.
func (s *OrderService) SubmitSampleOrder(ctx context.Context) (*models.Order, error) {
	return s.SubmitOrder(ctx, &models.Order{
		CustomerID: "customer-123",
		ProductID:  "product-456",
		Quantity:   2,
		Price:      decimal.RequireFromString("29.99"),
	})
}

// GetTransaction retrieves the transaction persisted for an order
func (s *OrderService) GetTransaction(ctx context.Context, orderID string) (*models.Transaction, error) {
	if s.transactions == nil {
		return nil, errors.New("transaction lookups are not configured")
	}
	return s.transactions.GetTransactionByOrderID(ctx, orderID)
}
