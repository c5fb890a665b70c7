package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/distrimall/mall-system/shared/events"
	"github.com/distrimall/mall-system/shared/models"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusCompleted OrderStatus = "completed"
)

// OrderItem is one product line of an order
type OrderItem struct {
	ProductID models.ID    `json:"product_id"`
	Quantity  int          `json:"quantity"`
	UnitPrice models.Money `json:"unit_price"`
}

// Subtotal returns quantity times unit price
func (i OrderItem) Subtotal() models.Money {
	return i.UnitPrice.MultiplyQty(i.Quantity)
}

// Order aggregate root
type Order struct {
	ID            models.ID
	OrderNo       string
	UserID        models.ID
	ReferrerID    *models.ID
	Items         []OrderItem
	Total         models.Money
	Status        OrderStatus
	TransactionID string
	Timestamps    models.Timestamps
	Version       models.Version

	events []*events.Event
}

// CreateOrder factory method
func CreateOrder(userID models.ID, referrerID *models.ID, items []OrderItem) (*Order, error) {
	if len(items) == 0 {
		return nil, errors.New("order requires at least one item")
	}

	total := models.NewMoney(0, items[0].UnitPrice.Currency)
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, errors.New("item quantity must be positive")
		}
		if !item.UnitPrice.IsPositive() {
			return nil, errors.New("item unit price must be positive")
		}

		var err error
		total, err = total.Add(item.Subtotal())
		if err != nil {
			return nil, errors.Wrap(err, "order items use mixed currencies")
		}
	}

	order := &Order{
		ID:         models.GenerateUUID(),
		OrderNo:    newOrderNo(),
		UserID:     userID,
		ReferrerID: referrerID,
		Items:      items,
		Total:      total,
		Status:     OrderStatusPending,
		Timestamps: models.NewTimestamps(),
		Version:    models.NewVersion(),
	}

	event := events.NewEvent(order.ID, events.OrderCreatedEvent, OrderCreatedData{
		OrderID: order.ID,
		OrderNo: order.OrderNo,
		UserID:  order.UserID,
		Total:   order.Total,
	})

	order.recordEvent(event)
	return order, nil
}

// newOrderNo builds a human-readable order number. Uniqueness comes
// from the UUID suffix; the date prefix only aids support lookups.
func newOrderNo() string {
	return fmt.Sprintf("ORD-%s-%.8s", time.Now().Format("20060102"), models.GenerateUUID())
}

// MarkPaid marks the order as paid with the gateway transaction reference
func (o *Order) MarkPaid(transactionID string) error {
	if o.Status != OrderStatusPending {
		return errors.Errorf("order can only be paid from pending status, got %s", o.Status)
	}

	o.Status = OrderStatusPaid
	o.TransactionID = transactionID
	o.Timestamps = o.Timestamps.Update()
	o.Version = o.Version.Update()

	event := events.NewEvent(o.ID, events.OrderPaidEvent, OrderPaidData{
		OrderID:       o.ID,
		OrderNo:       o.OrderNo,
		UserID:        o.UserID,
		Total:         o.Total,
		TransactionID: transactionID,
		PaidAt:        time.Now(),
	})

	o.recordEvent(event)
	return nil
}

// RevertToPending undoes MarkPaid during compensation. Safe to call on
// an already pending order.
func (o *Order) RevertToPending() error {
	if o.Status == OrderStatusPending {
		return nil
	}
	if o.Status != OrderStatusPaid {
		return errors.Errorf("cannot revert order from status %s", o.Status)
	}

	o.Status = OrderStatusPending
	o.TransactionID = ""
	o.Timestamps = o.Timestamps.Update()
	o.Version = o.Version.Update()
	return nil
}

// RevertToPaid undoes Complete during compensation. Safe to call on an
// already paid order.
func (o *Order) RevertToPaid() error {
	if o.Status == OrderStatusPaid {
		return nil
	}
	if o.Status != OrderStatusCompleted {
		return errors.Errorf("cannot revert order from status %s", o.Status)
	}

	o.Status = OrderStatusPaid
	o.Timestamps = o.Timestamps.Update()
	o.Version = o.Version.Update()
	return nil
}

// Cancel marks the order as cancelled
func (o *Order) Cancel(reason string) error {
	if o.Status == OrderStatusCompleted {
		return errors.New("cannot cancel a completed order")
	}
	if o.Status == OrderStatusCancelled {
		return nil
	}

	o.Status = OrderStatusCancelled
	o.Timestamps = o.Timestamps.Update()
	o.Version = o.Version.Update()

	event := events.NewEvent(o.ID, events.OrderCancelledEvent, OrderCancelledData{
		OrderID:     o.ID,
		OrderNo:     o.OrderNo,
		UserID:      o.UserID,
		Reason:      reason,
		CancelledAt: time.Now(),
	})

	o.recordEvent(event)
	return nil
}

// Complete marks a paid order as completed
func (o *Order) Complete() error {
	if o.Status != OrderStatusPaid {
		return errors.Errorf("order can only be completed from paid status, got %s", o.Status)
	}

	o.Status = OrderStatusCompleted
	o.Timestamps = o.Timestamps.Update()
	o.Version = o.Version.Update()

	event := events.NewEvent(o.ID, events.OrderCompletedEvent, OrderCompletedData{
		OrderID:     o.ID,
		OrderNo:     o.OrderNo,
		UserID:      o.UserID,
		Total:       o.Total,
		CompletedAt: time.Now(),
	})

	o.recordEvent(event)
	return nil
}

// Events returns domain events
func (o *Order) Events() []*events.Event {
	return o.events
}

// ClearEvents clears domain events
func (o *Order) ClearEvents() {
	o.events = make([]*events.Event, 0)
}

func (o *Order) recordEvent(event *events.Event) {
	o.events = append(o.events, event)
}

// Event Data Structures
type OrderCreatedData struct {
	OrderID models.ID    `json:"order_id"`
	OrderNo string       `json:"order_no"`
	UserID  models.ID    `json:"user_id"`
	Total   models.Money `json:"total"`
}

type OrderPaidData struct {
	OrderID       models.ID    `json:"order_id"`
	OrderNo       string       `json:"order_no"`
	UserID        models.ID    `json:"user_id"`
	Total         models.Money `json:"total"`
	TransactionID string       `json:"transaction_id"`
	PaidAt        time.Time    `json:"paid_at"`
}

type OrderCancelledData struct {
	OrderID     models.ID `json:"order_id"`
	OrderNo     string    `json:"order_no"`
	UserID      models.ID `json:"user_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type OrderCompletedData struct {
	OrderID     models.ID    `json:"order_id"`
	OrderNo     string       `json:"order_no"`
	UserID      models.ID    `json:"user_id"`
	Total       models.Money `json:"total"`
	CompletedAt time.Time    `json:"completed_at"`
}

// OrderRepository interface
type OrderRepository interface {
	Save(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id models.ID) (*Order, error)
	FindByUserID(ctx context.Context, userID models.ID) ([]*Order, error)
	Delete(ctx context.Context, id models.ID) error
}
