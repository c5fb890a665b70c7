package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrimall/mall-system/shared/events"
	"github.com/distrimall/mall-system/shared/models"
)

func testItems(price int64, qty int) []OrderItem {
	return []OrderItem{{
		ProductID: models.GenerateUUID(),
		Quantity:  qty,
		UnitPrice: models.NewMoney(price, "USD"),
	}}
}

func TestCreateOrder_TotalsItems(t *testing.T) {
	items := []OrderItem{
		{ProductID: models.GenerateUUID(), Quantity: 2, UnitPrice: models.NewMoney(1500, "USD")},
		{ProductID: models.GenerateUUID(), Quantity: 1, UnitPrice: models.NewMoney(500, "USD")},
	}

	order, err := CreateOrder(models.GenerateUUID(), nil, items)
	require.NoError(t, err)

	assert.Equal(t, int64(3500), order.Total.Amount)
	assert.Equal(t, OrderStatusPending, order.Status)
	assert.NotEmpty(t, order.OrderNo)
	require.Len(t, order.Events(), 1)
	assert.Equal(t, events.OrderCreatedEvent, order.Events()[0].EventType)
}

func TestCreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name    string
		items   []OrderItem
		wantErr string
	}{
		{"no items", nil, "at least one item"},
		{"zero quantity", testItems(1000, 0), "quantity must be positive"},
		{"zero price", testItems(0, 1), "unit price must be positive"},
		{
			"mixed currencies",
			[]OrderItem{
				{ProductID: models.GenerateUUID(), Quantity: 1, UnitPrice: models.NewMoney(100, "USD")},
				{ProductID: models.GenerateUUID(), Quantity: 1, UnitPrice: models.NewMoney(100, "EUR")},
			},
			"mixed currencies",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CreateOrder(models.GenerateUUID(), nil, tt.items)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOrder_StatusTransitions(t *testing.T) {
	newOrder := func(t *testing.T) *Order {
		order, err := CreateOrder(models.GenerateUUID(), nil, testItems(1000, 1))
		require.NoError(t, err)
		order.ClearEvents()
		return order
	}

	t.Run("pay then complete", func(t *testing.T) {
		order := newOrder(t)
		require.NoError(t, order.MarkPaid("txn-1"))
		assert.Equal(t, OrderStatusPaid, order.Status)
		require.NoError(t, order.Complete())
		assert.Equal(t, OrderStatusCompleted, order.Status)
	})

	t.Run("cannot pay twice", func(t *testing.T) {
		order := newOrder(t)
		require.NoError(t, order.MarkPaid("txn-1"))
		assert.Error(t, order.MarkPaid("txn-2"))
	})

	t.Run("cannot complete unpaid", func(t *testing.T) {
		order := newOrder(t)
		assert.Error(t, order.Complete())
	})

	t.Run("cannot cancel completed", func(t *testing.T) {
		order := newOrder(t)
		require.NoError(t, order.MarkPaid("txn-1"))
		require.NoError(t, order.Complete())
		assert.Error(t, order.Cancel("too late"))
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		order := newOrder(t)
		require.NoError(t, order.Cancel("first"))
		version := order.Version.Value
		require.NoError(t, order.Cancel("second"))
		assert.Equal(t, version, order.Version.Value)
	})

	t.Run("revert to pending clears transaction", func(t *testing.T) {
		order := newOrder(t)
		require.NoError(t, order.MarkPaid("txn-1"))
		require.NoError(t, order.RevertToPending())
		assert.Equal(t, OrderStatusPending, order.Status)
		assert.Empty(t, order.TransactionID)
		// Reverting again is a no-op.
		require.NoError(t, order.RevertToPending())
	})

	t.Run("revert to paid only from completed", func(t *testing.T) {
		order := newOrder(t)
		assert.Error(t, order.RevertToPaid())
		require.NoError(t, order.MarkPaid("txn-1"))
		require.NoError(t, order.Complete())
		require.NoError(t, order.RevertToPaid())
		assert.Equal(t, OrderStatusPaid, order.Status)
	})
}

func TestProduct_ReserveAndRelease(t *testing.T) {
	product, err := CreateProduct("widget", models.NewMoney(1000, "USD"), 5)
	require.NoError(t, err)
	orderID := models.GenerateUUID()

	require.NoError(t, product.Reserve(3, orderID))
	assert.Equal(t, 2, product.Stock)

	err = product.Reserve(3, orderID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 2, product.Stock)

	require.NoError(t, product.Release(3, orderID))
	assert.Equal(t, 5, product.Stock)
}

func TestCommission_Lifecycle(t *testing.T) {
	entry, err := AccrueCommission(models.GenerateUUID(), models.GenerateUUID(), models.NewMoney(20000, "USD"), DefaultReferralRateBps)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), entry.Amount.Amount)
	assert.Equal(t, CommissionStatusAccrued, entry.Status)

	t.Run("settle is idempotent", func(t *testing.T) {
		require.NoError(t, entry.Settle())
		require.NoError(t, entry.Settle())
		assert.Equal(t, CommissionStatusSettled, entry.Status)
	})

	t.Run("cannot reverse settled", func(t *testing.T) {
		assert.Error(t, entry.Reverse())
	})

	t.Run("reverse accrued is idempotent", func(t *testing.T) {
		fresh, err := AccrueCommission(models.GenerateUUID(), models.GenerateUUID(), models.NewMoney(20000, "USD"), DefaultReferralRateBps)
		require.NoError(t, err)
		require.NoError(t, fresh.Reverse())
		require.NoError(t, fresh.Reverse())
		assert.Equal(t, CommissionStatusReversed, fresh.Status)
	})

	t.Run("zero rate rejected", func(t *testing.T) {
		_, err := AccrueCommission(models.GenerateUUID(), models.GenerateUUID(), models.NewMoney(20000, "USD"), 0)
		assert.Error(t, err)
	})

	t.Run("amount rounding to zero rejected", func(t *testing.T) {
		_, err := AccrueCommission(models.GenerateUUID(), models.GenerateUUID(), models.NewMoney(10, "USD"), DefaultReferralRateBps)
		assert.Error(t, err)
	})
}

func TestPointsAccount_CreditAndDebit(t *testing.T) {
	account := CreatePointsAccount(models.GenerateUUID())
	orderID := models.GenerateUUID()

	require.NoError(t, account.Credit(100, orderID, "ORD-1"))
	assert.Equal(t, int64(100), account.Balance)

	err := account.Debit(200, orderID, "ORD-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientPoints)
	assert.Equal(t, int64(100), account.Balance)

	require.NoError(t, account.Debit(100, orderID, "ORD-1"))
	assert.Zero(t, account.Balance)
}
