package domain

import (
	"context"

	"github.com/pkg/errors"

	"github.com/distrimall/mall-system/shared/events"
	"github.com/distrimall/mall-system/shared/models"
)

// ErrInsufficientPoints is returned when a debit exceeds the balance.
var ErrInsufficientPoints = errors.New("insufficient points")

// PointsAccountStatus represents the status of a points account
type PointsAccountStatus string

const (
	PointsAccountActive PointsAccountStatus = "active"
	PointsAccountFrozen PointsAccountStatus = "frozen"
)

// PointsAccount aggregate root: the per-user loyalty points balance,
// credited on order completion and debited when a completion is undone.
type PointsAccount struct {
	ID         models.ID
	UserID     models.ID
	Balance    int64
	Status     PointsAccountStatus
	Timestamps models.Timestamps
	Version    models.Version

	events []*events.Event
}

// CreatePointsAccount factory method
func CreatePointsAccount(userID models.ID) *PointsAccount {
	account := &PointsAccount{
		ID:         models.GenerateUUID(),
		UserID:     userID,
		Balance:    0,
		Status:     PointsAccountActive,
		Timestamps: models.NewTimestamps(),
		Version:    models.NewVersion(),
	}

	event := events.NewEvent(account.ID, events.PointsAccountCreatedEvent, PointsAccountCreatedData{
		AccountID: account.ID,
		UserID:    account.UserID,
	})

	account.recordEvent(event)
	return account
}

// Credit adds points for a completed order
func (a *PointsAccount) Credit(points int64, orderID models.ID, reference string) error {
	if a.Status != PointsAccountActive {
		return errors.New("points account is not active")
	}
	if points <= 0 {
		return errors.New("credit points must be positive")
	}

	a.Balance += points
	a.Timestamps = a.Timestamps.Update()
	a.Version = a.Version.Update()

	event := events.NewEvent(a.ID, events.PointsCreditedEvent, PointsMovementData{
		AccountID: a.ID,
		UserID:    a.UserID,
		OrderID:   orderID,
		Points:    points,
		Balance:   a.Balance,
		Reference: reference,
	})
	a.recordEvent(event)
	return nil
}

// Debit removes points, e.g. when a completion grant is compensated
func (a *PointsAccount) Debit(points int64, orderID models.ID, reference string) error {
	if a.Status != PointsAccountActive {
		return errors.New("points account is not active")
	}
	if points <= 0 {
		return errors.New("debit points must be positive")
	}

	if a.Balance < points {
		event := events.NewEvent(a.ID, events.InsufficientPointsEvent, PointsMovementData{
			AccountID: a.ID,
			UserID:    a.UserID,
			OrderID:   orderID,
			Points:    points,
			Balance:   a.Balance,
			Reference: reference,
		})
		a.recordEvent(event)
		return errors.Wrapf(ErrInsufficientPoints, "balance %d, requested %d", a.Balance, points)
	}

	a.Balance -= points
	a.Timestamps = a.Timestamps.Update()
	a.Version = a.Version.Update()

	event := events.NewEvent(a.ID, events.PointsDebitedEvent, PointsMovementData{
		AccountID: a.ID,
		UserID:    a.UserID,
		OrderID:   orderID,
		Points:    points,
		Balance:   a.Balance,
		Reference: reference,
	})
	a.recordEvent(event)
	return nil
}

// Events returns domain events
func (a *PointsAccount) Events() []*events.Event {
	return a.events
}

// ClearEvents clears domain events
func (a *PointsAccount) ClearEvents() {
	a.events = make([]*events.Event, 0)
}

func (a *PointsAccount) recordEvent(event *events.Event) {
	a.events = append(a.events, event)
}

type PointsAccountCreatedData struct {
	AccountID models.ID `json:"account_id"`
	UserID    models.ID `json:"user_id"`
}

type PointsMovementData struct {
	AccountID models.ID `json:"account_id"`
	UserID    models.ID `json:"user_id"`
	OrderID   models.ID `json:"order_id"`
	Points    int64     `json:"points"`
	Balance   int64     `json:"balance"`
	Reference string    `json:"reference"`
}

// PointsRepository interface
type PointsRepository interface {
	Save(ctx context.Context, account *PointsAccount) error
	FindByUserID(ctx context.Context, userID models.ID) (*PointsAccount, error)
}

// PointsGrant records the points credited for one completed order.
// Taking the grant back deletes the row, which is what makes the
// compensating debit idempotent: a second sweep finds no grant left.
type PointsGrant struct {
	ID         models.ID
	OrderID    models.ID
	UserID     models.ID
	Points     int64
	Timestamps models.Timestamps
}

// NewPointsGrant creates a grant row for a completed order
func NewPointsGrant(orderID, userID models.ID, points int64) *PointsGrant {
	return &PointsGrant{
		ID:         models.GenerateUUID(),
		OrderID:    orderID,
		UserID:     userID,
		Points:     points,
		Timestamps: models.NewTimestamps(),
	}
}

// PointsGrantRepository interface
type PointsGrantRepository interface {
	Save(ctx context.Context, grant *PointsGrant) error
	FindByOrderID(ctx context.Context, orderID models.ID) (*PointsGrant, error)
	Delete(ctx context.Context, id models.ID) error
}
