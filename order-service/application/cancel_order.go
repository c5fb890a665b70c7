package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/distrimall/mall-system/order-service/domain"
	"github.com/distrimall/mall-system/shared/events"
	"github.com/distrimall/mall-system/shared/models"
	"github.com/distrimall/mall-system/shared/saga"
	"github.com/distrimall/mall-system/shared/telemetry"
)

// CancelOrderCommand represents the command to cancel an order
type CancelOrderCommand struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// CancelOrderResponse represents the response after cancelling an order
type CancelOrderResponse struct {
	OrderID string `json:"order_id"`
	SagaID  string `json:"saga_id"`
}

// CancelOrder runs the order cancellation workflow: release any stock
// still reserved for the order, refund the gateway charge when the
// order was paid, then mark the order cancelled. The steps are
// idempotent forward actions rather than compensable ones; re-running
// the workflow after a partial failure finishes the cancellation.
type CancelOrder struct {
	orderRepository       domain.OrderRepository
	productRepository     domain.ProductRepository
	reservationRepository domain.ReservationRepository
	gateway               domain.PaymentGateway
	eventPublisher        events.Publisher
	engine                *saga.Engine
	releaser              *stockReleaser
}

// NewCancelOrder creates the use case and registers its workflow
// definition with the engine.
func NewCancelOrder(
	orderRepository domain.OrderRepository,
	productRepository domain.ProductRepository,
	reservationRepository domain.ReservationRepository,
	gateway domain.PaymentGateway,
	eventPublisher events.Publisher,
	engine *saga.Engine,
) (*CancelOrder, error) {
	uc := &CancelOrder{
		orderRepository:       orderRepository,
		productRepository:     productRepository,
		reservationRepository: reservationRepository,
		gateway:               gateway,
		eventPublisher:        eventPublisher,
		engine:                engine,
		releaser: &stockReleaser{
			products:     productRepository,
			reservations: reservationRepository,
			publisher:    eventPublisher,
		},
	}

	if err := engine.RegisterSaga(uc.definition()); err != nil {
		return nil, errors.Wrap(err, "failed to register order cancellation saga")
	}
	return uc, nil
}

// Execute executes the cancel order use case
func (uc *CancelOrder) Execute(ctx context.Context, cmd *CancelOrderCommand) (*CancelOrderResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "cancel_order",
		trace.WithAttributes(attribute.String("order_id", cmd.OrderID)),
	)
	defer span.End()

	if cmd.OrderID == "" {
		return nil, errors.Wrap(ErrInvalidCommand, "order ID is required")
	}
	if _, err := models.NewID(cmd.OrderID); err != nil {
		return nil, errors.Wrapf(ErrInvalidCommand, "invalid order ID: %v", err)
	}

	initialData := map[string]interface{}{ctxKeyOrderID: cmd.OrderID}
	if cmd.Reason != "" {
		initialData[ctxKeyReason] = cmd.Reason
	}

	result, err := uc.engine.ExecuteSaga(ctx, OrderCancellationSaga, initialData)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to start order cancellation workflow")
	}

	span.SetAttributes(attribute.String("saga_id", result.SagaID))
	if result.Status != saga.StatusCompleted {
		span.RecordError(result.Err)
		return nil, &WorkflowError{SagaID: result.SagaID, Workflow: "order cancellation"}
	}

	return &CancelOrderResponse{OrderID: cmd.OrderID, SagaID: result.SagaID}, nil
}

func (uc *CancelOrder) definition() saga.Definition {
	return saga.Definition{
		ID:          OrderCancellationSaga,
		Name:        "Order Cancellation",
		Description: "Releases reserved stock, refunds the charge and cancels the order",
		Steps: []saga.Step{
			{
				ID:      "load_order",
				Name:    "Load Order",
				Execute: uc.loadOrder,
			},
			{
				ID:      "release_inventory",
				Name:    "Release Reserved Inventory",
				Execute: uc.releaseInventory,
			},
			{
				ID:      "refund_gateway",
				Name:    "Refund Payment Gateway",
				Execute: uc.refundGateway,
			},
			{
				ID:      "mark_order_cancelled",
				Name:    "Mark Order Cancelled",
				Execute: uc.markOrderCancelled,
			},
		},
	}
}

// loadOrder verifies the order can still be cancelled and copies its
// payment state into the saga context for the refund step.
func (uc *CancelOrder) loadOrder(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("load_order", err)
	}

	order, err := uc.orderRepository.FindByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load order")
	}
	if order == nil {
		return nil, saga.NewValidationFailure("load_order", errors.Errorf("order %s not found", orderID))
	}
	if order.Status == domain.OrderStatusCompleted {
		return nil, saga.NewValidationFailure("load_order", errors.New("cannot cancel a completed order"))
	}

	data := map[string]interface{}{
		ctxKeyOrderStatus: string(order.Status),
		ctxKeyAmount:      order.Total.Amount,
		ctxKeyCurrency:    order.Total.Currency,
	}
	if order.TransactionID != "" {
		data[ctxKeyTransactionID] = order.TransactionID
	}

	return &saga.StepResult{Success: true, Data: data}, nil
}

// releaseInventory frees stock still held for the order. Orders past
// reservation (or already released) have no reservation rows left, so
// this is a no-op for them.
func (uc *CancelOrder) releaseInventory(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("release_inventory", err)
	}

	if _, err := uc.releaser.Release(ctx, orderID); err != nil {
		return nil, err
	}
	return &saga.StepResult{Success: true}, nil
}

// refundGateway refunds the charge of a paid order. Pending orders have
// nothing to refund and skip through.
func (uc *CancelOrder) refundGateway(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	status, _ := sc.String(ctxKeyOrderStatus)
	transactionID, _ := sc.String(ctxKeyTransactionID)
	if status != string(domain.OrderStatusPaid) || transactionID == "" {
		return &saga.StepResult{Success: true}, nil
	}

	amount, err := moneyFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("refund_gateway", err)
	}

	if err := uc.gateway.Refund(ctx, transactionID, amount); err != nil {
		return nil, errors.Wrap(err, "gateway refund failed")
	}

	if orderID, err := orderIDFromContext(sc); err == nil {
		publishEvents(ctx, uc.eventPublisher, []*events.Event{
			events.NewEvent(orderID, events.GatewayRefundedEvent, domain.ChargeResult{TransactionID: transactionID}),
		})
	}
	return &saga.StepResult{Success: true}, nil
}

// markOrderCancelled transitions the order to cancelled. Cancelling an
// already cancelled order is a no-op in the domain.
func (uc *CancelOrder) markOrderCancelled(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("mark_order_cancelled", err)
	}

	order, err := uc.orderRepository.FindByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load order")
	}
	if order == nil {
		return nil, saga.NewValidationFailure("mark_order_cancelled", errors.Errorf("order %s not found", orderID))
	}

	reason, _ := sc.String(ctxKeyReason)
	if err := order.Cancel(reason); err != nil {
		return nil, saga.NewValidationFailure("mark_order_cancelled", err)
	}
	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}
	publishEvents(ctx, uc.eventPublisher, order.Events())
	order.ClearEvents()

	return &saga.StepResult{Success: true}, nil
}
