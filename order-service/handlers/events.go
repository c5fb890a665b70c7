package handlers

import (
	"context"

	"github.com/pkg/errors"

	"github.com/distrimall/mall-system/order-service/application"
	"github.com/distrimall/mall-system/shared/events"
)

// OrderEventHandlers consumes events from the order topic. Every event
// is appended to the event store for audit; workflow request events
// from external services additionally trigger the matching use case.
type OrderEventHandlers struct {
	completeOrder *application.CompleteOrder
	cancelOrder   *application.CancelOrder
	eventStore    events.EventStore
}

// NewOrderEventHandlers creates new order event handlers
func NewOrderEventHandlers(
	completeOrder *application.CompleteOrder,
	cancelOrder *application.CancelOrder,
	eventStore events.EventStore,
) *OrderEventHandlers {
	return &OrderEventHandlers{
		completeOrder: completeOrder,
		cancelOrder:   cancelOrder,
		eventStore:    eventStore,
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *OrderEventHandlers) HandlerID() string {
	return "order-service-event-handler"
}

// Handle implements the events.EventHandler interface
func (h *OrderEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	if err := h.eventStore.Append(ctx, event); err != nil {
		return errors.Wrap(err, "failed to persist event")
	}

	switch event.EventType {
	case events.OrderCompletionRequestedEvent:
		return h.handleCompletionRequest(ctx, event)
	case events.OrderCancellationRequestedEvent:
		return h.handleCancellationRequest(ctx, event)
	default:
		// Audit only
		return nil
	}
}

// handleCompletionRequest completes an order after an external service
// (e.g. fulfillment confirming delivery) requests it.
func (h *OrderEventHandlers) handleCompletionRequest(ctx context.Context, event *events.Event) error {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return errors.New("invalid completion request payload")
	}

	orderID, ok := data["order_id"].(string)
	if !ok || orderID == "" {
		return errors.New("order_id is required")
	}

	_, err := h.completeOrder.Execute(ctx, &application.CompleteOrderCommand{OrderID: orderID})
	if err != nil {
		var workflowErr *application.WorkflowError
		if errors.As(err, &workflowErr) {
			// The workflow failed for business reasons and was
			// compensated. Redelivering the message would not help.
			return nil
		}
		return errors.Wrap(err, "failed to complete order")
	}
	return nil
}

// handleCancellationRequest cancels an order on behalf of an external
// service, e.g. a risk check or a payment-deadline sweeper.
func (h *OrderEventHandlers) handleCancellationRequest(ctx context.Context, event *events.Event) error {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return errors.New("invalid cancellation request payload")
	}

	orderID, ok := data["order_id"].(string)
	if !ok || orderID == "" {
		return errors.New("order_id is required")
	}

	reason, _ := data["reason"].(string)

	_, err := h.cancelOrder.Execute(ctx, &application.CancelOrderCommand{
		OrderID: orderID,
		Reason:  reason,
	})
	if err != nil {
		var workflowErr *application.WorkflowError
		if errors.As(err, &workflowErr) {
			return nil
		}
		return errors.Wrap(err, "failed to cancel order")
	}
	return nil
}
