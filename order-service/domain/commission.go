package domain

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/distrimall/mall-system/shared/events"
	"github.com/distrimall/mall-system/shared/models"
)

// CommissionStatus represents the lifecycle of a commission entry:
// accrued when the order is paid, settled when the order completes,
// reversed when the paying saga is compensated.
type CommissionStatus string

const (
	CommissionStatusAccrued  CommissionStatus = "accrued"
	CommissionStatusSettled  CommissionStatus = "settled"
	CommissionStatusReversed CommissionStatus = "reversed"
)

// DefaultReferralRateBps is the flat referral commission rate in basis
// points applied when no rule engine supplies one.
const DefaultReferralRateBps = 500

// CommissionEntry records the referral commission owed for one order.
type CommissionEntry struct {
	ID            models.ID
	OrderID       models.ID
	BeneficiaryID models.ID
	Amount        models.Money
	Status        CommissionStatus
	Timestamps    models.Timestamps
	Version       models.Version

	events []*events.Event
}

// AccrueCommission creates a commission entry for a paid order
func AccrueCommission(orderID, beneficiaryID models.ID, orderTotal models.Money, rateBps int64) (*CommissionEntry, error) {
	if rateBps <= 0 {
		return nil, errors.New("commission rate must be positive")
	}

	amount := orderTotal.Rate(rateBps)
	if !amount.IsPositive() {
		return nil, errors.New("commission amount rounds to zero")
	}

	entry := &CommissionEntry{
		ID:            models.GenerateUUID(),
		OrderID:       orderID,
		BeneficiaryID: beneficiaryID,
		Amount:        amount,
		Status:        CommissionStatusAccrued,
		Timestamps:    models.NewTimestamps(),
		Version:       models.NewVersion(),
	}

	event := events.NewEvent(entry.ID, events.CommissionAccruedEvent, CommissionData{
		EntryID:       entry.ID,
		OrderID:       orderID,
		BeneficiaryID: beneficiaryID,
		Amount:        amount,
		OccurredAt:    time.Now(),
	})

	entry.recordEvent(event)
	return entry, nil
}

// Settle finalizes an accrued commission when the order completes
func (c *CommissionEntry) Settle() error {
	if c.Status == CommissionStatusSettled {
		return nil
	}
	if c.Status != CommissionStatusAccrued {
		return errors.Errorf("commission can only be settled from accrued status, got %s", c.Status)
	}

	c.Status = CommissionStatusSettled
	c.Timestamps = c.Timestamps.Update()
	c.Version = c.Version.Update()

	event := events.NewEvent(c.ID, events.CommissionSettledEvent, CommissionData{
		EntryID:       c.ID,
		OrderID:       c.OrderID,
		BeneficiaryID: c.BeneficiaryID,
		Amount:        c.Amount,
		OccurredAt:    time.Now(),
	})

	c.recordEvent(event)
	return nil
}

// Reverse voids an accrued commission during compensation. Reversing an
// already reversed entry is a no-op so compensation stays idempotent.
func (c *CommissionEntry) Reverse() error {
	if c.Status == CommissionStatusReversed {
		return nil
	}
	if c.Status == CommissionStatusSettled {
		return errors.New("cannot reverse a settled commission")
	}

	c.Status = CommissionStatusReversed
	c.Timestamps = c.Timestamps.Update()
	c.Version = c.Version.Update()

	event := events.NewEvent(c.ID, events.CommissionReversedEvent, CommissionData{
		EntryID:       c.ID,
		OrderID:       c.OrderID,
		BeneficiaryID: c.BeneficiaryID,
		Amount:        c.Amount,
		OccurredAt:    time.Now(),
	})

	c.recordEvent(event)
	return nil
}

// Events returns domain events
func (c *CommissionEntry) Events() []*events.Event {
	return c.events
}

// ClearEvents clears domain events
func (c *CommissionEntry) ClearEvents() {
	c.events = make([]*events.Event, 0)
}

func (c *CommissionEntry) recordEvent(event *events.Event) {
	c.events = append(c.events, event)
}

type CommissionData struct {
	EntryID       models.ID    `json:"entry_id"`
	OrderID       models.ID    `json:"order_id"`
	BeneficiaryID models.ID    `json:"beneficiary_id"`
	Amount        models.Money `json:"amount"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

// CommissionRepository interface
type CommissionRepository interface {
	Save(ctx context.Context, entry *CommissionEntry) error
	FindByOrderID(ctx context.Context, orderID models.ID) (*CommissionEntry, error)
}

// PaymentGateway is the external charge/refund provider. Calls cannot
// participate in a database transaction; the saga's compensation is the
// consistency mechanism around them.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, transactionID string, amount models.Money) error
}

// ChargeRequest describes one gateway charge
type ChargeRequest struct {
	OrderID   models.ID    `json:"order_id"`
	OrderNo   string       `json:"order_no"`
	UserID    models.ID    `json:"user_id"`
	Amount    models.Money `json:"amount"`
	Reference string       `json:"reference"`
}

// ChargeResult is the gateway's answer to a charge
type ChargeResult struct {
	TransactionID string `json:"transaction_id"`
}
