package application

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrimall/mall-system/order-service/domain"
	"github.com/distrimall/mall-system/shared/models"
	"github.com/distrimall/mall-system/shared/saga"
)

func TestPayOrder_Success(t *testing.T) {
	f := newWorkflowFixture(t)
	product := f.seedProduct(t, 10000, 5)

	created, err := f.createOrder.Execute(context.Background(), &CreateOrderCommand{
		UserID: models.GenerateUUID().String(),
		Items:  []CreateOrderItemInput{{ProductID: product.ID.String(), Quantity: 2}},
	})
	require.NoError(t, err)

	resp, err := f.payOrder.Execute(context.Background(), &PayOrderCommand{OrderID: created.OrderID})
	require.NoError(t, err)
	assert.Equal(t, "txn-1", resp.TransactionID)

	orderID, _ := models.NewID(created.OrderID)
	order, err := f.orders.FindByID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)
	assert.Equal(t, "txn-1", order.TransactionID)

	// No referrer, no commission.
	entry, err := f.commissions.FindByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestPayOrder_AccruesReferralCommission(t *testing.T) {
	f := newWorkflowFixture(t)
	product := f.seedProduct(t, 10000, 5)
	referrer := models.GenerateUUID().String()

	created, err := f.createOrder.Execute(context.Background(), &CreateOrderCommand{
		UserID:     models.GenerateUUID().String(),
		ReferrerID: stringPtr(referrer),
		Items:      []CreateOrderItemInput{{ProductID: product.ID.String(), Quantity: 2}},
	})
	require.NoError(t, err)

	_, err = f.payOrder.Execute(context.Background(), &PayOrderCommand{OrderID: created.OrderID})
	require.NoError(t, err)

	orderID, _ := models.NewID(created.OrderID)
	entry, err := f.commissions.FindByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.CommissionStatusAccrued, entry.Status)
	assert.Equal(t, referrer, entry.BeneficiaryID.String())
	// 5% of 20000 cents.
	assert.Equal(t, int64(1000), entry.Amount.Amount)
}

func TestPayOrder_GatewayDeclineLeavesOrderPending(t *testing.T) {
	f := newWorkflowFixture(t)
	product := f.seedProduct(t, 10000, 5)

	created, err := f.createOrder.Execute(context.Background(), &CreateOrderCommand{
		UserID: models.GenerateUUID().String(),
		Items:  []CreateOrderItemInput{{ProductID: product.ID.String(), Quantity: 1}},
	})
	require.NoError(t, err)

	f.gateway.chargeErr = errors.New("card declined")

	resp, err := f.payOrder.Execute(context.Background(), &PayOrderCommand{OrderID: created.OrderID})
	require.Error(t, err)
	assert.Nil(t, resp)

	var workflowErr *WorkflowError
	require.ErrorAs(t, err, &workflowErr)

	orderID, _ := models.NewID(created.OrderID)
	order, err := f.orders.FindByID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Empty(t, order.TransactionID)

	// The charge never succeeded, so nothing was refunded.
	assert.Zero(t, f.gateway.refundCount())
}

func TestPayOrder_FailureAfterChargeRefundsAndReverts(t *testing.T) {
	f := newWorkflowFixture(t)
	product := f.seedProduct(t, 10000, 5)
	referrer := models.GenerateUUID().String()

	created, err := f.createOrder.Execute(context.Background(), &CreateOrderCommand{
		UserID:     models.GenerateUUID().String(),
		ReferrerID: stringPtr(referrer),
		Items:      []CreateOrderItemInput{{ProductID: product.ID.String(), Quantity: 1}},
	})
	require.NoError(t, err)

	// Commission persistence breaks after the charge and the paid mark.
	f.commissions.saveErr = func(entry *domain.CommissionEntry) error {
		if entry.Status == domain.CommissionStatusAccrued {
			return errors.New("commission store unavailable")
		}
		return nil
	}

	_, err = f.payOrder.Execute(context.Background(), &PayOrderCommand{OrderID: created.OrderID})
	require.Error(t, err)

	var workflowErr *WorkflowError
	require.ErrorAs(t, err, &workflowErr)

	// The completed steps were unwound: charge refunded, order pending.
	assert.Equal(t, []string{"txn-1"}, f.gateway.refunds)

	orderID, _ := models.NewID(created.OrderID)
	order, err := f.orders.FindByID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Empty(t, order.TransactionID)

	instance, err := f.engine.GetExecutionStatus(context.Background(), workflowErr.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, instance.Status)
}

func TestPayOrder_RejectsNonPendingOrder(t *testing.T) {
	f := newWorkflowFixture(t)
	created := f.seedPaidOrder(t, nil, 5000, 1)

	_, err := f.payOrder.Execute(context.Background(), &PayOrderCommand{OrderID: created.OrderID})
	require.Error(t, err)

	var workflowErr *WorkflowError
	require.ErrorAs(t, err, &workflowErr)

	// Only one charge happened.
	assert.Len(t, f.gateway.charges, 1)
}

func TestPayOrder_UnknownOrder(t *testing.T) {
	f := newWorkflowFixture(t)

	_, err := f.payOrder.Execute(context.Background(), &PayOrderCommand{OrderID: models.GenerateUUID().String()})
	require.Error(t, err)

	var workflowErr *WorkflowError
	require.ErrorAs(t, err, &workflowErr)
	assert.Zero(t, len(f.gateway.charges))
}
