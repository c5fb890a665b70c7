package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/distrimall/mall-system/order-service/domain"
	"github.com/distrimall/mall-system/shared/events"
	"github.com/distrimall/mall-system/shared/models"
	"github.com/distrimall/mall-system/shared/saga"
	"github.com/distrimall/mall-system/shared/telemetry"
)

// CreateOrderItemInput is one requested order line. The unit price is
// never taken from the caller; it is resolved from the product catalog
// inside the workflow.
type CreateOrderItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CreateOrderCommand represents the command to create an order
type CreateOrderCommand struct {
	UserID     string                 `json:"user_id"`
	ReferrerID *string                `json:"referrer_id,omitempty"`
	Items      []CreateOrderItemInput `json:"items"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID string `json:"order_id"`
	OrderNo string `json:"order_no"`
	SagaID  string `json:"saga_id"`
}

// CreateOrder runs the order creation workflow: validate the request
// against the catalog, persist the order row, then reserve stock for
// every line. A reservation failure deletes the order row again and the
// caller sees a generic business failure.
type CreateOrder struct {
	orderRepository       domain.OrderRepository
	productRepository     domain.ProductRepository
	reservationRepository domain.ReservationRepository
	eventPublisher        events.Publisher
	engine                *saga.Engine
	releaser              *stockReleaser
}

// NewCreateOrder creates the use case and registers its workflow
// definition with the engine.
func NewCreateOrder(
	orderRepository domain.OrderRepository,
	productRepository domain.ProductRepository,
	reservationRepository domain.ReservationRepository,
	eventPublisher events.Publisher,
	engine *saga.Engine,
) (*CreateOrder, error) {
	uc := &CreateOrder{
		orderRepository:       orderRepository,
		productRepository:     productRepository,
		reservationRepository: reservationRepository,
		eventPublisher:        eventPublisher,
		engine:                engine,
		releaser: &stockReleaser{
			products:     productRepository,
			reservations: reservationRepository,
			publisher:    eventPublisher,
		},
	}

	if err := engine.RegisterSaga(uc.definition()); err != nil {
		return nil, errors.Wrap(err, "failed to register order creation saga")
	}
	return uc, nil
}

// Execute executes the create order use case
func (uc *CreateOrder) Execute(ctx context.Context, cmd *CreateOrderCommand) (*CreateOrderResponse, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "create_order",
		trace.WithAttributes(
			attribute.String("user_id", cmd.UserID),
			attribute.Int("item_count", len(cmd.Items)),
		),
	)
	defer span.End()

	status := "error"
	defer func() {
		telemetry.RecordCounter(ctx, "order_operations_total", "Total order operations", 1,
			attribute.String("operation", "create_order"),
			attribute.String("status", status),
		)
		telemetry.RecordHistogram(ctx, "order_operation_duration_seconds", "Order operation duration", time.Since(start).Seconds(),
			attribute.String("operation", "create_order"),
			attribute.String("status", status),
		)
	}()

	if err := uc.validateCommand(cmd); err != nil {
		span.RecordError(err)
		return nil, err
	}

	initialData := map[string]interface{}{
		ctxKeyUserID: cmd.UserID,
		ctxKeyItems:  cmd.Items,
	}
	if cmd.ReferrerID != nil {
		initialData[ctxKeyReferrerID] = *cmd.ReferrerID
	}

	result, err := uc.engine.ExecuteSaga(ctx, OrderCreationSaga, initialData)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to start order creation workflow")
	}

	span.SetAttributes(attribute.String("saga_id", result.SagaID))
	if result.Status != saga.StatusCompleted {
		span.RecordError(result.Err)
		return nil, &WorkflowError{SagaID: result.SagaID, Workflow: "order creation"}
	}

	instance, err := uc.engine.GetExecutionStatus(ctx, result.SagaID)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to load workflow result")
	}

	orderID, _ := instance.Data[ctxKeyOrderID].(string)
	orderNo, _ := instance.Data[ctxKeyOrderNo].(string)

	status = "success"
	return &CreateOrderResponse{
		OrderID: orderID,
		OrderNo: orderNo,
		SagaID:  result.SagaID,
	}, nil
}

// validateCommand validates the create order command
func (uc *CreateOrder) validateCommand(cmd *CreateOrderCommand) error {
	if cmd.UserID == "" {
		return errors.Wrap(ErrInvalidCommand, "user ID is required")
	}
	if _, err := models.NewID(cmd.UserID); err != nil {
		return errors.Wrapf(ErrInvalidCommand, "invalid user ID: %v", err)
	}
	if cmd.ReferrerID != nil {
		if _, err := models.NewID(*cmd.ReferrerID); err != nil {
			return errors.Wrapf(ErrInvalidCommand, "invalid referrer ID: %v", err)
		}
	}
	if len(cmd.Items) == 0 {
		return errors.Wrap(ErrInvalidCommand, "at least one item is required")
	}
	for _, item := range cmd.Items {
		if item.ProductID == "" {
			return errors.Wrap(ErrInvalidCommand, "item product ID is required")
		}
		if item.Quantity <= 0 {
			return errors.Wrap(ErrInvalidCommand, "item quantity must be positive")
		}
	}
	return nil
}

func (uc *CreateOrder) definition() saga.Definition {
	return saga.Definition{
		ID:          OrderCreationSaga,
		Name:        "Order Creation",
		Description: "Validates the request, persists the order and reserves stock",
		Steps: []saga.Step{
			{
				ID:      "validate_order",
				Name:    "Validate Order",
				Execute: uc.validateOrder,
			},
			{
				ID:         "generate_order",
				Name:       "Generate Order",
				Execute:    uc.generateOrder,
				Compensate: uc.deleteOrder,
			},
			{
				ID:         "reserve_inventory",
				Name:       "Reserve Inventory",
				Execute:    uc.reserveInventory,
				Compensate: uc.releaseInventory,
			},
		},
	}
}

// validateOrder resolves every requested line against the catalog and
// prices it. The priced lines are passed downstream through the saga
// context so generate_order never trusts caller-supplied prices.
func (uc *CreateOrder) validateOrder(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	var inputs []CreateOrderItemInput
	if err := decodeContext(sc.Data[ctxKeyItems], &inputs); err != nil || len(inputs) == 0 {
		return nil, saga.NewValidationFailure("validate_order", errors.New("order items missing from saga context"))
	}

	items := make([]domain.OrderItem, 0, len(inputs))
	for _, input := range inputs {
		productID, err := models.NewID(input.ProductID)
		if err != nil {
			return nil, saga.NewValidationFailure("validate_order", errors.Wrap(err, "invalid product ID"))
		}

		product, err := uc.productRepository.FindByID(ctx, productID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load product")
		}
		if product == nil {
			return nil, saga.NewValidationFailure("validate_order", errors.Errorf("product %s not found", productID))
		}

		items = append(items, domain.OrderItem{
			ProductID: product.ID,
			Quantity:  input.Quantity,
			UnitPrice: product.Price,
		})
	}

	return &saga.StepResult{
		Success: true,
		Data:    map[string]interface{}{ctxKeyOrderItems: items},
	}, nil
}

// generateOrder persists the pending order row.
func (uc *CreateOrder) generateOrder(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	rawUserID, _ := sc.String(ctxKeyUserID)
	userID, err := models.NewID(rawUserID)
	if err != nil {
		return nil, saga.NewValidationFailure("generate_order", errors.Wrap(err, "invalid user ID"))
	}

	var referrerID *models.ID
	if raw, ok := sc.String(ctxKeyReferrerID); ok {
		id, err := models.NewID(raw)
		if err != nil {
			return nil, saga.NewValidationFailure("generate_order", errors.Wrap(err, "invalid referrer ID"))
		}
		referrerID = &id
	}

	var items []domain.OrderItem
	if err := decodeContext(sc.Data[ctxKeyOrderItems], &items); err != nil {
		return nil, saga.NewValidationFailure("generate_order", errors.New("priced order items missing from saga context"))
	}

	order, err := domain.CreateOrder(userID, referrerID, items)
	if err != nil {
		return nil, saga.NewValidationFailure("generate_order", err)
	}

	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}
	publishEvents(ctx, uc.eventPublisher, order.Events())
	order.ClearEvents()

	return &saga.StepResult{
		Success:     true,
		Compensable: true,
		Data: map[string]interface{}{
			ctxKeyOrderID:  order.ID.String(),
			ctxKeyOrderNo:  order.OrderNo,
			ctxKeyAmount:   order.Total.Amount,
			ctxKeyCurrency: order.Total.Currency,
		},
	}, nil
}

// deleteOrder compensates generate_order. Deleting an order row that is
// already gone succeeds, which keeps the compensation idempotent.
func (uc *CreateOrder) deleteOrder(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return &saga.StepResult{Success: true}, nil
	}

	if err := uc.orderRepository.Delete(ctx, orderID); err != nil {
		return nil, errors.Wrap(err, "failed to delete order")
	}
	return &saga.StepResult{Success: true}, nil
}

// reserveInventory reserves stock for every line. If a later line
// fails, the lines already reserved inside this step are released
// before the failure is reported, so compensation never sees a
// half-reserved step.
func (uc *CreateOrder) reserveInventory(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return nil, saga.NewValidationFailure("reserve_inventory", err)
	}

	var items []domain.OrderItem
	if err := decodeContext(sc.Data[ctxKeyOrderItems], &items); err != nil {
		return nil, saga.NewValidationFailure("reserve_inventory", errors.New("priced order items missing from saga context"))
	}

	for _, item := range items {
		if err := uc.reserveLine(ctx, orderID, item); err != nil {
			if _, undoErr := uc.releaser.Release(ctx, orderID); undoErr != nil {
				telemetry.RecordCounter(ctx, "order_partial_release_errors_total", "Failed partial reservation rollbacks", 1)
			}
			if errors.Is(err, domain.ErrInsufficientStock) {
				return nil, saga.NewValidationFailure("reserve_inventory", err)
			}
			return nil, err
		}
	}

	return &saga.StepResult{Success: true, Compensable: true}, nil
}

func (uc *CreateOrder) reserveLine(ctx context.Context, orderID models.ID, item domain.OrderItem) error {
	product, err := uc.productRepository.FindByID(ctx, item.ProductID)
	if err != nil {
		return errors.Wrap(err, "failed to load product")
	}
	if product == nil {
		return errors.Errorf("product %s not found", item.ProductID)
	}

	if err := product.Reserve(item.Quantity, orderID); err != nil {
		publishEvents(ctx, uc.eventPublisher, product.Events())
		product.ClearEvents()
		return err
	}

	if err := uc.productRepository.Save(ctx, product); err != nil {
		return errors.Wrap(err, "failed to save product")
	}
	publishEvents(ctx, uc.eventPublisher, product.Events())
	product.ClearEvents()

	if err := uc.reservationRepository.Save(ctx, domain.NewStockReservation(orderID, item.ProductID, item.Quantity)); err != nil {
		return errors.Wrap(err, "failed to save stock reservation")
	}
	return nil
}

// releaseInventory compensates reserve_inventory.
func (uc *CreateOrder) releaseInventory(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
	orderID, err := orderIDFromContext(sc)
	if err != nil {
		return &saga.StepResult{Success: true}, nil
	}

	if _, err := uc.releaser.Release(ctx, orderID); err != nil {
		return nil, err
	}
	return &saga.StepResult{Success: true}, nil
}
