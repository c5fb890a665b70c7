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

// PayOrderCommand represents the command to pay a pending order
type PayOrderCommand struct {
	OrderID string `json:"order_id"`
}

// PayOrderResponse represents the response after paying an order
type PayOrderResponse struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	SagaID        string `json:"saga_id"`
}

// PayOrder runs the order payment workflow: charge the gateway, mark
// the order paid and accrue the referral commission. A failure after
// the charge refunds it and reverts the order to pending.
type PayOrder struct {
	orderRepository      domain.OrderRepository
	commissionRepository domain.CommissionRepository
	gateway              domain.PaymentGateway
	eventPublisher       events.Publisher
	engine               *saga.Engine
}

// NewPayOrder creates the use case and registers its workflow
// definition with the engine.
func NewPayOrder(
	orderRepository domain.OrderRepository,
	commissionRepository domain.CommissionRepository,
	gateway domain.PaymentGateway,
	eventPublisher events.Publisher,
	engine *saga.Engine,
) (*PayOrder, error) {
	uc := &PayOrder{
		orderRepository:      orderRepository,
		commissionRepository: commissionRepository,
		gateway:              gateway,
		eventPublisher:       eventPublisher,
		engine:               engine,
	}

	if err := engine.RegisterSaga(uc.definition()); err != nil {
		return nil, errors.Wrap(err, "failed to register order payment saga")
	}
	return uc, nil
}

// Execute executes the pay order use case
func (uc *PayOrder) Execute(ctx context.Context, cmd *PayOrderCommand) (*PayOrderResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "pay_order",
		trace.WithAttributes(attribute.String("order_id", cmd.OrderID)),
	)
	defer span.End()

	if cmd.OrderID == "" {
		return nil, errors.Wrap(ErrInvalidCommand, "order ID is required")
	}
	if _, err := models.NewID(cmd.OrderID); err != nil {
		return nil, errors.Wrapf(ErrInvalidCommand, "invalid order ID: %v", err)
	}

	result, err := uc.engine.ExecuteSaga(ctx, OrderPaymentSaga, map[string]interface{}{
		ctxKeyOrderID: cmd.OrderID,
	})
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to start order payment workflow")
	}

	span.SetAttributes(attribute.String("saga_id", result.SagaID))
	if result.Status != saga.StatusCompleted {
		span.RecordError(result.Err)
		return nil, &WorkflowError{SagaID: result.SagaID, Workflow: "order payment"}
	}

	instance, err := uc.engine.GetExecutionStatus(ctx, result.SagaID)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to load workflow result")
	}

	transactionID, _ := instance.Data[ctxKeyTransactionID].(string)
	return &PayOrderResponse{
		OrderID:       cmd.OrderID,
		TransactionID: transactionID,
		SagaID:        result.SagaID,
	}, nil
}

func (uc *PayOrder) definition() saga.Definition {
	return saga.Definition{
		ID:          OrderPaymentSaga,
		Name:        "Order Payment",
		Description: "Charges the gateway, marks the order paid and accrues referral commission",
		Steps: []saga.Step{
			{
				ID:      "load_order",
				Name:    "Load Order",
				Execute: uc.loadOrder,
			},
			{
				ID:         "charge_gateway",
				Name:       "Charge Payment Gateway",
				Execute:    uc.chargeGateway,
				Compensate: uc.refundGateway,
			},
			{
				ID:         "mark_order_paid",
				Name:       "Mark Order Paid",
				Execute:    uc.markOrderPaid,
				Compensate: uc.revertOrderPaid,
			},
			{
				ID:         "accrue_commission",
				Name:       "Accrue Referral Commission",
				Execute:    uc.accrueCommission,
				Compensate: uc.reverseCommission,
			},
		},
	}
}

// loadOrder verifies the order exists and is pending, then copies the
// fields later steps need into the saga context.
func (uc *PayOrder) loadOrder(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
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
	if order.Status != domain.OrderStatusPending {
		return nil, saga.NewValidationFailure("load_order", errors.Errorf("order %s is %s, expected pending", orderID, order.Status))
	}

	data := map[string]interface{}{
		ctxKeyOrderNo:  order.OrderNo,
		ctxKeyUserID:   order.UserID.String(),
		ctxKeyAmount:   order.Total.Amount,
		ctxKeyCurrency: order.Total.Currency,
	}
	if order.ReferrerID != nil {
		data[ctxKeyReferrerID] = order.ReferrerID.String()
	}

	return &saga.StepResult{Success: true, Data: data}, nil
}

// chargeGateway performs the external charge. The gateway call cannot
// join a database transaction; the refund compensation is the only
// rollback it has.
func (uc *PayOrder) chargeGateway(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("charge_gateway", err)
	}

	amount, err := moneyFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("charge_gateway", err)
	}

	orderNo, _ := sc.String(ctxKeyOrderNo)
	rawUserID, _ := sc.String(ctxKeyUserID)

	charge, err := uc.gateway.Charge(ctx, domain.ChargeRequest{
		OrderID:   orderID,
		OrderNo:   orderNo,
		UserID:    models.ID(rawUserID),
		Amount:    amount,
		Reference: sc.SagaID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "gateway charge failed")
	}

	publishEvents(ctx, uc.eventPublisher, []*events.Event{
		events.NewEvent(orderID, events.GatewayChargedEvent, domain.ChargeResult{TransactionID: charge.TransactionID}),
	})

	return &saga.StepResult{
		Success:     true,
		Compensable: true,
		Data:        map[string]interface{}{ctxKeyTransactionID: charge.TransactionID},
	}, nil
}

// refundGateway compensates charge_gateway. The gateway deduplicates
// refunds by transaction ID, so re-running this is safe.
func (uc *PayOrder) refundGateway(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	transactionID, ok := sc.String(ctxKeyTransactionID)
	if !ok || transactionID == "" {
		return &saga.StepResult{Success: true}, nil
	}

	amount, err := moneyFromContext(sc)
	if err != nil {
		return nil, err
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

// markOrderPaid transitions the order to paid with the gateway
// transaction reference.
func (uc *PayOrder) markOrderPaid(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("mark_order_paid", err)
	}

	transactionID, ok := sc.String(ctxKeyTransactionID)
	if !ok {
		return nil, saga.NewValidationFailure("mark_order_paid", errors.New("transaction_id missing from saga context"))
	}

	order, err := uc.orderRepository.FindByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load order")
	}
	if order == nil {
		return nil, saga.NewValidationFailure("mark_order_paid", errors.Errorf("order %s not found", orderID))
	}

	if err := order.MarkPaid(transactionID); err != nil {
		return nil, saga.NewValidationFailure("mark_order_paid", err)
	}
	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}
	publishEvents(ctx, uc.eventPublisher, order.Events())
	order.ClearEvents()

	return &saga.StepResult{Success: true, Compensable: true}, nil
}

// revertOrderPaid compensates mark_order_paid. Reverting an already
// pending order is a no-op.
func (uc *PayOrder) revertOrderPaid(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return &saga.StepResult{Success: true}, nil
	}

	order, err := uc.orderRepository.FindByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load order")
	}
	if order == nil {
		return &saga.StepResult{Success: true}, nil
	}

	if err := order.RevertToPending(); err != nil {
		return nil, err
	}
	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}
	return &saga.StepResult{Success: true}, nil
}

// accrueCommission records the referral commission for orders that
// carry a referrer. Orders without one complete this step as a
// non-compensable no-op.
func (uc *PayOrder) accrueCommission(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	rawReferrer, ok := sc.String(ctxKeyReferrerID)
	if !ok || rawReferrer == "" {
		return &saga.StepResult{Success: true}, nil
	}

	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("accrue_commission", err)
	}

	beneficiaryID, err := models.NewID(rawReferrer)
	if err != nil {
		return nil, saga.NewValidationFailure("accrue_commission", errors.Wrap(err, "invalid referrer ID"))
	}

	total, err := moneyFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("accrue_commission", err)
	}

	entry, err := domain.AccrueCommission(orderID, beneficiaryID, total, domain.DefaultReferralRateBps)
	if err != nil {
		return nil, saga.NewValidationFailure("accrue_commission", err)
	}

	if err := uc.commissionRepository.Save(ctx, entry); err != nil {
		return nil, errors.Wrap(err, "failed to save commission entry")
	}
	publishEvents(ctx, uc.eventPublisher, entry.Events())
	entry.ClearEvents()

	return &saga.StepResult{
		Success:     true,
		Compensable: true,
		Data:        map[string]interface{}{ctxKeyCommissionID: entry.ID.String()},
	}, nil
}

// reverseCommission compensates accrue_commission. Reversing an already
// reversed entry is a no-op in the domain, so this stays idempotent.
func (uc *PayOrder) reverseCommission(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return &saga.StepResult{Success: true}, nil
	}

	entry, err := uc.commissionRepository.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load commission entry")
	}
	if entry == nil {
		return &saga.StepResult{Success: true}, nil
	}

	if err := entry.Reverse(); err != nil {
		return nil, err
	}
	if err := uc.commissionRepository.Save(ctx, entry); err != nil {
		return nil, errors.Wrap(err, "failed to save commission entry")
	}
	publishEvents(ctx, uc.eventPublisher, entry.Events())
	entry.ClearEvents()

	return &saga.StepResult{Success: true}, nil
}
