package domain

import (
	"context"

	"github.com/pkg/errors"

	"github.com/distrimall/mall-system/shared/events"
	"github.com/distrimall/mall-system/shared/models"
)

// ErrInsufficientStock is returned when a reservation exceeds the
// available stock. It is a business precondition, not an I/O error.
var ErrInsufficientStock = errors.New("insufficient stock")

// Product aggregate root. Stock is the sellable quantity; reservations
// decrement it directly and releases add it back. Concurrent orders on
// the same product are serialized by the repository's optimistic
// version check, not by the saga engine.
type Product struct {
	ID         models.ID
	Name       string
	Price      models.Money
	Stock      int
	Timestamps models.Timestamps
	Version    models.Version

	events []*events.Event
}

// CreateProduct factory method
func CreateProduct(name string, price models.Money, stock int) (*Product, error) {
	if name == "" {
		return nil, errors.New("product name is required")
	}
	if !price.IsPositive() {
		return nil, errors.New("product price must be positive")
	}
	if stock < 0 {
		return nil, errors.New("product stock cannot be negative")
	}

	return &Product{
		ID:         models.GenerateUUID(),
		Name:       name,
		Price:      price,
		Stock:      stock,
		Timestamps: models.NewTimestamps(),
		Version:    models.NewVersion(),
	}, nil
}

// Reserve decrements stock for an order line
func (p *Product) Reserve(quantity int, orderID models.ID) error {
	if quantity <= 0 {
		return errors.New("reserve quantity must be positive")
	}

	if p.Stock < quantity {
		event := events.NewEvent(p.ID, events.InsufficientStockEvent, InsufficientStockData{
			ProductID: p.ID,
			OrderID:   orderID,
			Requested: quantity,
			Available: p.Stock,
		})
		p.recordEvent(event)
		return errors.Wrapf(ErrInsufficientStock, "product %s has %d, requested %d", p.ID, p.Stock, quantity)
	}

	p.Stock -= quantity
	p.Timestamps = p.Timestamps.Update()
	p.Version = p.Version.Update()

	event := events.NewEvent(p.ID, events.InventoryReservedEvent, InventoryMovementData{
		ProductID: p.ID,
		OrderID:   orderID,
		Quantity:  quantity,
		Remaining: p.Stock,
	})
	p.recordEvent(event)
	return nil
}

// Release returns previously reserved stock
func (p *Product) Release(quantity int, orderID models.ID) error {
	if quantity <= 0 {
		return errors.New("release quantity must be positive")
	}

	p.Stock += quantity
	p.Timestamps = p.Timestamps.Update()
	p.Version = p.Version.Update()

	event := events.NewEvent(p.ID, events.InventoryReleasedEvent, InventoryMovementData{
		ProductID: p.ID,
		OrderID:   orderID,
		Quantity:  quantity,
		Remaining: p.Stock,
	})
	p.recordEvent(event)
	return nil
}

// Events returns domain events
func (p *Product) Events() []*events.Event {
	return p.events
}

// ClearEvents clears domain events
func (p *Product) ClearEvents() {
	p.events = make([]*events.Event, 0)
}

func (p *Product) recordEvent(event *events.Event) {
	p.events = append(p.events, event)
}

type InventoryMovementData struct {
	ProductID models.ID `json:"product_id"`
	OrderID   models.ID `json:"order_id"`
	Quantity  int       `json:"quantity"`
	Remaining int       `json:"remaining"`
}

type InsufficientStockData struct {
	ProductID models.ID `json:"product_id"`
	OrderID   models.ID `json:"order_id"`
	Requested int       `json:"requested"`
	Available int       `json:"available"`
}

// ProductRepository interface
type ProductRepository interface {
	Save(ctx context.Context, product *Product) error
	FindByID(ctx context.Context, id models.ID) (*Product, error)
}
