package domain

import (
	"context"

	"github.com/distrimall/mall-system/shared/models"
)

// StockReservation marks stock held for one order line. Releasing a
// reservation deletes the row, which is what makes inventory
// compensation idempotent: a second sweep finds nothing to release.
type StockReservation struct {
	ID         models.ID
	OrderID    models.ID
	ProductID  models.ID
	Quantity   int
	Timestamps models.Timestamps
}

// NewStockReservation creates a reservation row for an order line
func NewStockReservation(orderID, productID models.ID, quantity int) *StockReservation {
	return &StockReservation{
		ID:         models.GenerateUUID(),
		OrderID:    orderID,
		ProductID:  productID,
		Quantity:   quantity,
		Timestamps: models.NewTimestamps(),
	}
}

// ReservationRepository interface
type ReservationRepository interface {
	Save(ctx context.Context, reservation *StockReservation) error
	FindByOrderID(ctx context.Context, orderID models.ID) ([]*StockReservation, error)
	Delete(ctx context.Context, id models.ID) error
}
