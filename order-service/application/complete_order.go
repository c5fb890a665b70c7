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

// PointsPerCurrencyUnit is the loyalty accrual rule: one point per
// whole currency unit of the order total, truncated.
const PointsPerCurrencyUnit = 100 // cents per point

// CompleteOrderCommand represents the command to complete a paid order
type CompleteOrderCommand struct {
	OrderID string `json:"order_id"`
}

// CompleteOrderResponse represents the response after completing an order
type CompleteOrderResponse struct {
	OrderID       string `json:"order_id"`
	PointsGranted int64  `json:"points_granted"`
	SagaID        string `json:"saga_id"`
}

// CompleteOrder runs the order completion workflow: grant loyalty
// points, mark the order completed, then settle the referral
// commission. Settlement is final, so it runs last; a settlement
// failure unwinds the completion mark and the points grant while the
// commission stays accrued and retryable.
type CompleteOrder struct {
	orderRepository      domain.OrderRepository
	pointsRepository     domain.PointsRepository
	grantRepository      domain.PointsGrantRepository
	commissionRepository domain.CommissionRepository
	eventPublisher       events.Publisher
	engine               *saga.Engine
}

// NewCompleteOrder creates the use case and registers its workflow
// definition with the engine.
func NewCompleteOrder(
	orderRepository domain.OrderRepository,
	pointsRepository domain.PointsRepository,
	grantRepository domain.PointsGrantRepository,
	commissionRepository domain.CommissionRepository,
	eventPublisher events.Publisher,
	engine *saga.Engine,
) (*CompleteOrder, error) {
	uc := &CompleteOrder{
		orderRepository:      orderRepository,
		pointsRepository:     pointsRepository,
		grantRepository:      grantRepository,
		commissionRepository: commissionRepository,
		eventPublisher:       eventPublisher,
		engine:               engine,
	}

	if err := engine.RegisterSaga(uc.definition()); err != nil {
		return nil, errors.Wrap(err, "failed to register order completion saga")
	}
	return uc, nil
}

// Execute executes the complete order use case
func (uc *CompleteOrder) Execute(ctx context.Context, cmd *CompleteOrderCommand) (*CompleteOrderResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "complete_order",
		trace.WithAttributes(attribute.String("order_id", cmd.OrderID)),
	)
	defer span.End()

	if cmd.OrderID == "" {
		return nil, errors.Wrap(ErrInvalidCommand, "order ID is required")
	}
	if _, err := models.NewID(cmd.OrderID); err != nil {
		return nil, errors.Wrapf(ErrInvalidCommand, "invalid order ID: %v", err)
	}

	result, err := uc.engine.ExecuteSaga(ctx, OrderCompletionSaga, map[string]interface{}{
		ctxKeyOrderID: cmd.OrderID,
	})
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to start order completion workflow")
	}

	span.SetAttributes(attribute.String("saga_id", result.SagaID))
	if result.Status != saga.StatusCompleted {
		span.RecordError(result.Err)
		return nil, &WorkflowError{SagaID: result.SagaID, Workflow: "order completion"}
	}

	instance, err := uc.engine.GetExecutionStatus(ctx, result.SagaID)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to load workflow result")
	}

	var points int64
	if v, ok := instance.Data[ctxKeyPoints]; ok {
		switch p := v.(type) {
		case int64:
			points = p
		case float64:
			points = int64(p)
		}
	}

	return &CompleteOrderResponse{
		OrderID:       cmd.OrderID,
		PointsGranted: points,
		SagaID:        result.SagaID,
	}, nil
}

func (uc *CompleteOrder) definition() saga.Definition {
	return saga.Definition{
		ID:          OrderCompletionSaga,
		Name:        "Order Completion",
		Description: "Grants loyalty points, completes the order and settles commission",
		Steps: []saga.Step{
			{
				ID:      "load_order",
				Name:    "Load Order",
				Execute: uc.loadOrder,
			},
			{
				ID:         "grant_points",
				Name:       "Grant Loyalty Points",
				Execute:    uc.grantPoints,
				Compensate: uc.deductPoints,
			},
			{
				ID:         "mark_order_completed",
				Name:       "Mark Order Completed",
				Execute:    uc.markOrderCompleted,
				Compensate: uc.revertOrderCompleted,
			},
			{
				ID:      "settle_commission",
				Name:    "Settle Referral Commission",
				Execute: uc.settleCommission,
			},
		},
	}
}

// loadOrder verifies the order is paid and copies the fields later
// steps need into the saga context.
func (uc *CompleteOrder) loadOrder(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
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
	if order.Status != domain.OrderStatusPaid {
		return nil, saga.NewValidationFailure("load_order", errors.Errorf("order %s is %s, expected paid", orderID, order.Status))
	}

	return &saga.StepResult{
		Success: true,
		Data: map[string]interface{}{
			ctxKeyUserID:   order.UserID.String(),
			ctxKeyOrderNo:  order.OrderNo,
			ctxKeyAmount:   order.Total.Amount,
			ctxKeyCurrency: order.Total.Currency,
		},
	}, nil
}

// grantPoints credits one point per whole currency unit. Totals under
// one unit grant nothing and the step is a non-compensable no-op.
func (uc *CompleteOrder) grantPoints(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("grant_points", err)
	}

	total, err := moneyFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("grant_points", err)
	}

	points := total.Amount / PointsPerCurrencyUnit
	if points <= 0 {
		return &saga.StepResult{Success: true}, nil
	}

	rawUserID, _ := sc.String(ctxKeyUserID)
	userID, err := models.NewID(rawUserID)
	if err != nil {
		return nil, saga.NewValidationFailure("grant_points", errors.Wrap(err, "invalid user ID"))
	}

	account, err := uc.pointsRepository.FindByUserID(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load points account")
	}
	if account == nil {
		account = domain.CreatePointsAccount(userID)
	}

	orderNo, _ := sc.String(ctxKeyOrderNo)
	if err := account.Credit(points, orderID, orderNo); err != nil {
		return nil, saga.NewValidationFailure("grant_points", err)
	}

	if err := uc.pointsRepository.Save(ctx, account); err != nil {
		return nil, errors.Wrap(err, "failed to save points account")
	}
	if err := uc.grantRepository.Save(ctx, domain.NewPointsGrant(orderID, userID, points)); err != nil {
		return nil, errors.Wrap(err, "failed to save points grant")
	}
	publishEvents(ctx, uc.eventPublisher, account.Events())
	account.ClearEvents()

	return &saga.StepResult{
		Success:     true,
		Compensable: true,
		Data:        map[string]interface{}{ctxKeyPoints: points},
	}, nil
}

// deductPoints compensates grant_points. The grant row is the guard: a
// sweep that finds none has nothing left to take back, so repeated
// sweeps debit the account exactly once.
func (uc *CompleteOrder) deductPoints(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return &saga.StepResult{Success: true}, nil
	}

	grant, err := uc.grantRepository.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load points grant")
	}
	if grant == nil {
		return &saga.StepResult{Success: true}, nil
	}

	account, err := uc.pointsRepository.FindByUserID(ctx, grant.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load points account")
	}
	if account != nil {
		orderNo, _ := sc.String(ctxKeyOrderNo)
		if err := account.Debit(grant.Points, orderID, orderNo); err != nil {
			return nil, errors.Wrap(err, "failed to deduct points")
		}
		if err := uc.pointsRepository.Save(ctx, account); err != nil {
			return nil, errors.Wrap(err, "failed to save points account")
		}
		publishEvents(ctx, uc.eventPublisher, account.Events())
		account.ClearEvents()
	}

	if err := uc.grantRepository.Delete(ctx, grant.ID); err != nil {
		return nil, errors.Wrap(err, "failed to delete points grant")
	}
	return &saga.StepResult{Success: true}, nil
}

// markOrderCompleted transitions the order to completed.
func (uc *CompleteOrder) markOrderCompleted(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("mark_order_completed", err)
	}

	order, err := uc.orderRepository.FindByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load order")
	}
	if order == nil {
		return nil, saga.NewValidationFailure("mark_order_completed", errors.Errorf("order %s not found", orderID))
	}

	if err := order.Complete(); err != nil {
		return nil, saga.NewValidationFailure("mark_order_completed", err)
	}
	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}
	publishEvents(ctx, uc.eventPublisher, order.Events())
	order.ClearEvents()

	return &saga.StepResult{Success: true, Compensable: true}, nil
}

// revertOrderCompleted compensates mark_order_completed. Reverting an
// already paid order is a no-op.
func (uc *CompleteOrder) revertOrderCompleted(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
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

	if err := order.RevertToPaid(); err != nil {
		return nil, err
	}
	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}
	return &saga.StepResult{Success: true}, nil
}

// settleCommission finalizes the referral commission. Orders without an
// accrued commission skip through. Settlement cannot be reversed, so it
// is the last step of the workflow.
func (uc *CompleteOrder) settleCommission(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("settle_commission", err)
	}

	entry, err := uc.commissionRepository.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load commission entry")
	}
	if entry == nil || entry.Status == domain.CommissionStatusReversed {
		return &saga.StepResult{Success: true}, nil
	}

	if err := entry.Settle(); err != nil {
		return nil, saga.NewValidationFailure("settle_commission", err)
	}
	if err := uc.commissionRepository.Save(ctx, entry); err != nil {
		return nil, errors.Wrap(err, "failed to save commission entry")
	}
	publishEvents(ctx, uc.eventPublisher, entry.Events())
	entry.ClearEvents()

	return &saga.StepResult{Success: true}, nil
}
