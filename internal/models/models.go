package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
)

// Order statuses
const (
	OrderStatusPending = "PENDING"
)

// ErrMalformedOrder is returned by Validate for events missing required fields.
var ErrMalformedOrder = errors.New("malformed order")

// Order is the event published to the orders topic.
type Order struct {
	OrderID    string          `json:"orderId"`
	CustomerID string          `json:"customerId"`
	ProductID  string          `json:"productId"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	OrderTime  EventTime       `json:"orderTime"`
	Status     string          `json:"status"`
}

// TotalAmount returns price * quantity.
func (o *Order) TotalAmount() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(int64(o.Quantity)))
}

// Validate checks the fields the submission endpoint guarantees.
func (o *Order) Validate() error {
	var missing []string
	if o.OrderID == "" {
		missing = append(missing, "orderId")
	}
	if o.CustomerID == "" {
		missing = append(missing, "customerId")
	}
	if o.ProductID == "" {
		missing = append(missing, "productId")
	}
	if o.OrderTime.IsZero() {
		missing = append(missing, "orderTime")
	}
	if o.Status == "" {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedOrder, strings.Join(missing, ", "))
	}
	if o.Quantity < 0 {
		return fmt.Errorf("%w: negative quantity %d", ErrMalformedOrder, o.Quantity)
	}
	if o.Price.IsNegative() {
		return fmt.Errorf("%w: negative price %s", ErrMalformedOrder, o.Price)
	}
	return nil
}

// Transaction is the persisted projection of an Order.
type Transaction struct {
	ID         int64           `db:"id" json:"id"`
	OrderID    string          `db:"order_id" json:"orderId"`
	CustomerID string          `db:"customer_id" json:"customerId"`
	ProductID  string          `db:"product_id" json:"productId"`
	Quantity   int             `db:"quantity" json:"quantity"`
	Price      decimal.Decimal `db:"price" json:"price"`
	OrderTime  time.Time       `db:"order_time" json:"orderTime"`
	Status     string          `db:"status" json:"status"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}

// NewTransaction projects an order. ID and CreatedAt are assigned by the store.
func NewTransaction(o *Order) *Transaction {
	return &Transaction{
		OrderID:    o.OrderID,
		CustomerID: o.CustomerID,
		ProductID:  o.ProductID,
		Quantity:   o.Quantity,
		Price:      o.Price,
		OrderTime:  o.OrderTime.UTC(),
		Status:     o.Status,
	}
}

// EventTime is an order timestamp. It decodes RFC3339, zone-less local
// date-times (taken as UTC), and epoch milliseconds.
type EventTime struct {
	time.Time
}

func NewEventTime(t time.Time) EventTime {
	return EventTime{Time: t.UTC()}
}

func (t EventTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *EventTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}

	if !strings.HasPrefix(s, `"`) {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid orderTime %s: %w", s, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid orderTime %q: %w", raw, err)
	}
	t.Time = parsed.UTC()
	return nil
}
