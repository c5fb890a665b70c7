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

func TestCompleteOrder_GrantsPointsAndSettlesCommission(t *testing.T) {
	f := newWorkflowFixture(t)
	referrer := models.GenerateUUID().String()
	created := f.seedPaidOrder(t, stringPtr(referrer), 10000, 2)

	resp, err := f.completeOrder.Execute(context.Background(), &CompleteOrderCommand{OrderID: created.OrderID})
	require.NoError(t, err)
	// 20000 cents at one point per whole unit.
	assert.Equal(t, int64(200), resp.PointsGranted)

	orderID, _ := models.NewID(created.OrderID)
	order, err := f.orders.FindByID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)

	account, err := f.points.FindByUserID(context.Background(), order.UserID)
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, int64(200), account.Balance)

	entry, err := f.commissions.FindByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.CommissionStatusSettled, entry.Status)
}

func TestCompleteOrder_RejectsPendingOrder(t *testing.T) {
	f := newWorkflowFixture(t)
	product := f.seedProduct(t, 5000, 5)

	created, err := f.createOrder.Execute(context.Background(), &CreateOrderCommand{
		UserID: models.GenerateUUID().String(),
		Items:  []CreateOrderItemInput{{ProductID: product.ID.String(), Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = f.completeOrder.Execute(context.Background(), &CompleteOrderCommand{OrderID: created.OrderID})
	require.Error(t, err)

	var workflowErr *WorkflowError
	require.ErrorAs(t, err, &workflowErr)

	orderID, _ := models.NewID(created.OrderID)
	order, err := f.orders.FindByID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
}

func TestCompleteOrder_SettleFailureUnwindsCompletion(t *testing.T) {
	f := newWorkflowFixture(t)
	referrer := models.GenerateUUID().String()
	created := f.seedPaidOrder(t, stringPtr(referrer), 10000, 1)

	// Settlement persistence fails; the accrued entry must survive while
	// completion and the points grant are rolled back.
	f.commissions.saveErr = func(entry *domain.CommissionEntry) error {
		if entry.Status == domain.CommissionStatusSettled {
			return errors.New("settlement store unavailable")
		}
		return nil
	}

	_, err := f.completeOrder.Execute(context.Background(), &CompleteOrderCommand{OrderID: created.OrderID})
	require.Error(t, err)

	var workflowErr *WorkflowError
	require.ErrorAs(t, err, &workflowErr)

	orderID, _ := models.NewID(created.OrderID)
	order, err := f.orders.FindByID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)

	account, err := f.points.FindByUserID(context.Background(), order.UserID)
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Zero(t, account.Balance)

	entry, err := f.commissions.FindByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.CommissionStatusAccrued, entry.Status)

	instance, err := f.engine.GetExecutionStatus(context.Background(), workflowErr.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, instance.Status)
}

func TestCompleteOrder_RepeatedSweepDebitsPointsOnce(t *testing.T) {
	f := newWorkflowFixture(t)
	referrer := models.GenerateUUID().String()
	created := f.seedPaidOrder(t, stringPtr(referrer), 10000, 2)

	orderID, _ := models.NewID(created.OrderID)
	order, err := f.orders.FindByID(context.Background(), orderID)
	require.NoError(t, err)

	// The user already holds points from earlier orders.
	account := domain.CreatePointsAccount(order.UserID)
	require.NoError(t, account.Credit(500, models.GenerateUUID(), "ORD-PRIOR"))
	require.NoError(t, f.points.Save(context.Background(), account))

	f.commissions.saveErr = func(entry *domain.CommissionEntry) error {
		if entry.Status == domain.CommissionStatusSettled {
			return errors.New("settlement store unavailable")
		}
		return nil
	}

	_, err = f.completeOrder.Execute(context.Background(), &CompleteOrderCommand{OrderID: created.OrderID})
	require.Error(t, err)

	var workflowErr *WorkflowError
	require.ErrorAs(t, err, &workflowErr)

	// The first sweep took the grant back and left the prior balance.
	account, err = f.points.FindByUserID(context.Background(), order.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), account.Balance)
	assert.Empty(t, f.grants.grants)

	// A retry re-runs compensation before re-executing; the debit must
	// not repeat on the second sweep.
	require.NoError(t, f.engine.CompensateSaga(context.Background(), workflowErr.SagaID))

	account, err = f.points.FindByUserID(context.Background(), order.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), account.Balance)

	instance, err := f.engine.GetExecutionStatus(context.Background(), workflowErr.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, instance.Status)
}

func TestCompleteOrder_TinyTotalGrantsNoPoints(t *testing.T) {
	f := newWorkflowFixture(t)
	created := f.seedPaidOrder(t, nil, 50, 1)

	resp, err := f.completeOrder.Execute(context.Background(), &CompleteOrderCommand{OrderID: created.OrderID})
	require.NoError(t, err)
	assert.Zero(t, resp.PointsGranted)

	orderID, _ := models.NewID(created.OrderID)
	order, err := f.orders.FindByID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)
}
