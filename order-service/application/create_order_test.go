package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrimall/mall-system/order-service/domain"
	"github.com/distrimall/mall-system/shared/models"
	"github.com/distrimall/mall-system/shared/saga"
)

func TestCreateOrder_Success(t *testing.T) {
	f := newWorkflowFixture(t)
	product := f.seedProduct(t, 2500, 10)

	resp, err := f.createOrder.Execute(context.Background(), &CreateOrderCommand{
		UserID: models.GenerateUUID().String(),
		Items:  []CreateOrderItemInput{{ProductID: product.ID.String(), Quantity: 3}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.OrderID)
	assert.NotEmpty(t, resp.OrderNo)
	assert.NotEmpty(t, resp.SagaID)

	orderID, err := models.NewID(resp.OrderID)
	require.NoError(t, err)
	order, err := f.orders.FindByID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, int64(7500), order.Total.Amount)

	stored, err := f.products.FindByID(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, stored.Stock)

	reservations, err := f.reservations.FindByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, 3, reservations[0].Quantity)

	instance, err := f.engine.GetExecutionStatus(context.Background(), resp.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, instance.Status)
	assert.Equal(t, resp.OrderNo, instance.Data["order_no"])
}

func TestCreateOrder_InsufficientStockRollsBackOrder(t *testing.T) {
	f := newWorkflowFixture(t)
	product := f.seedProduct(t, 2500, 2)

	resp, err := f.createOrder.Execute(context.Background(), &CreateOrderCommand{
		UserID: models.GenerateUUID().String(),
		Items:  []CreateOrderItemInput{{ProductID: product.ID.String(), Quantity: 5}},
	})
	require.Error(t, err)
	assert.Nil(t, resp)

	var workflowErr *WorkflowError
	require.ErrorAs(t, err, &workflowErr)
	require.NotEmpty(t, workflowErr.SagaID)

	// The order row written by generate_order must be gone again.
	assert.Empty(t, f.orders.orders)

	// Stock untouched.
	stored, err := f.products.FindByID(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Stock)

	instance, err := f.engine.GetExecutionStatus(context.Background(), workflowErr.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, instance.Status)
	assert.Contains(t, instance.Error, "validation")
}

func TestCreateOrder_PartialReservationIsUndone(t *testing.T) {
	f := newWorkflowFixture(t)
	plentiful := f.seedProduct(t, 1000, 10)
	scarce := f.seedProduct(t, 1000, 1)

	_, err := f.createOrder.Execute(context.Background(), &CreateOrderCommand{
		UserID: models.GenerateUUID().String(),
		Items: []CreateOrderItemInput{
			{ProductID: plentiful.ID.String(), Quantity: 4},
			{ProductID: scarce.ID.String(), Quantity: 3},
		},
	})
	require.Error(t, err)

	// The first line was reserved and must have been released again.
	first, err := f.products.FindByID(context.Background(), plentiful.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, first.Stock)

	second, err := f.products.FindByID(context.Background(), scarce.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Stock)

	assert.Empty(t, f.reservations.reservations)
	assert.Empty(t, f.orders.orders)
}

func TestCreateOrder_UnknownProduct(t *testing.T) {
	f := newWorkflowFixture(t)

	_, err := f.createOrder.Execute(context.Background(), &CreateOrderCommand{
		UserID: models.GenerateUUID().String(),
		Items:  []CreateOrderItemInput{{ProductID: models.GenerateUUID().String(), Quantity: 1}},
	})
	require.Error(t, err)

	var workflowErr *WorkflowError
	require.ErrorAs(t, err, &workflowErr)

	instance, err := f.engine.GetExecutionStatus(context.Background(), workflowErr.SagaID)
	require.NoError(t, err)
	// validate_order completed nothing, so there is nothing to undo.
	assert.Equal(t, saga.StatusCompensated, instance.Status)
	assert.Empty(t, instance.CompletedSteps)
}

func TestCreateOrder_InvalidCommand(t *testing.T) {
	tests := []struct {
		name    string
		command *CreateOrderCommand
		wantErr string
	}{
		{
			name:    "missing user ID",
			command: &CreateOrderCommand{Items: []CreateOrderItemInput{{ProductID: models.GenerateUUID().String(), Quantity: 1}}},
			wantErr: "user ID is required",
		},
		{
			name:    "malformed user ID",
			command: &CreateOrderCommand{UserID: "not-a-uuid", Items: []CreateOrderItemInput{{ProductID: models.GenerateUUID().String(), Quantity: 1}}},
			wantErr: "invalid user ID",
		},
		{
			name:    "no items",
			command: &CreateOrderCommand{UserID: models.GenerateUUID().String()},
			wantErr: "at least one item is required",
		},
		{
			name: "zero quantity",
			command: &CreateOrderCommand{
				UserID: models.GenerateUUID().String(),
				Items:  []CreateOrderItemInput{{ProductID: models.GenerateUUID().String(), Quantity: 0}},
			},
			wantErr: "item quantity must be positive",
		},
		{
			name: "malformed referrer ID",
			command: &CreateOrderCommand{
				UserID:     models.GenerateUUID().String(),
				ReferrerID: stringPtr("nope"),
				Items:      []CreateOrderItemInput{{ProductID: models.GenerateUUID().String(), Quantity: 1}},
			},
			wantErr: "invalid referrer ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWorkflowFixture(t)
			resp, err := f.createOrder.Execute(context.Background(), tt.command)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, ErrInvalidCommand)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
