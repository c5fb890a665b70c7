package application

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/distrimall/mall-system/order-service/domain"
	"github.com/distrimall/mall-system/shared/events"
	"github.com/distrimall/mall-system/shared/models"
	"github.com/distrimall/mall-system/shared/saga"
	"github.com/distrimall/mall-system/shared/telemetry"
)

// Saga definition IDs registered by the order service use cases.
const (
	OrderCreationSaga     = "order_creation"
	OrderPaymentSaga      = "order_payment"
	OrderCancellationSaga = "order_cancellation"
	OrderCompletionSaga   = "order_completion"
)

// Step context keys shared between workflow steps.
const (
	ctxKeyUserID        = "user_id"
	ctxKeyReferrerID    = "referrer_id"
	ctxKeyItems         = "items"
	ctxKeyOrderItems    = "order_items"
	ctxKeyOrderID       = "order_id"
	ctxKeyOrderNo       = "order_no"
	ctxKeyOrderStatus   = "order_status"
	ctxKeyAmount        = "amount"
	ctxKeyCurrency      = "currency"
	ctxKeyTransactionID = "transaction_id"
	ctxKeyCommissionID  = "commission_entry_id"
	ctxKeyReason        = "reason"
	ctxKeyPoints        = "points_granted"
)

// ErrInvalidCommand marks request validation failures so transports can
// map them to a client error without parsing messages.
var ErrInvalidCommand = errors.New("invalid command")

// WorkflowError is the generic business failure handed to callers when
// a workflow does not complete. The step-level cause stays on the
// stored saga instance; the caller only gets the saga ID, which is
// enough to query the workflow status or trigger a retry.
type WorkflowError struct {
	SagaID   string
	Workflow string
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s could not be completed", e.Workflow)
}

// orderIDFromContext reads and parses the order_id written by an
// earlier step (or provided as initial data).
func orderIDFromContext(sc *saga.StepContext) (models.ID, error) {
	raw, ok := sc.String(ctxKeyOrderID)
	if !ok {
		return "", errors.New("order_id missing from saga context")
	}

	id, err := models.NewID(raw)
	if err != nil {
		return "", errors.Wrap(err, "invalid order_id in saga context")
	}
	return id, nil
}

// moneyFromContext rebuilds the order total stored by a load_order step.
func moneyFromContext(sc *saga.StepContext) (models.Money, error) {
	amount, ok := sc.Int(ctxKeyAmount)
	if !ok {
		return models.Money{}, errors.New("amount missing from saga context")
	}

	currency, ok := sc.String(ctxKeyCurrency)
	if !ok {
		return models.Money{}, errors.New("currency missing from saga context")
	}

	return models.NewMoney(int64(amount), currency), nil
}

// decodeContext re-types a structured context value. Values survive a
// JSON round-trip through a persistent execution store, so a stored
// slice may come back as generic maps; a marshal/unmarshal hop covers
// both shapes.
func decodeContext(v interface{}, out interface{}) error {
	if v == nil {
		return errors.New("value missing from saga context")
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode context value")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "failed to decode context value")
	}
	return nil
}

// publishEvents sends domain events best-effort. A lost event never
// fails or rolls back a workflow step; failures are only counted.
func publishEvents(ctx context.Context, publisher events.Publisher, evts []*events.Event) {
	if publisher == nil || len(evts) == 0 {
		return
	}

	if err := publisher.Publish(ctx, evts...); err != nil {
		telemetry.RecordCounter(ctx, "order_event_publish_errors_total", "Domain events that failed to publish", 1,
			attribute.String("service", "order-service"),
		)
	}
}

// stockReleaser returns reserved stock for an order and deletes the
// reservation rows. Deleting the rows is what keeps repeated release
// sweeps idempotent: a second pass finds nothing left to release.
type stockReleaser struct {
	products     domain.ProductRepository
	reservations domain.ReservationRepository
	publisher    events.Publisher
}

// Release returns the number of reservations it released.
func (r *stockReleaser) Release(ctx context.Context, orderID models.ID) (int, error) {
	reservations, err := r.reservations.FindByOrderID(ctx, orderID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load stock reservations")
	}

	released := 0
	for _, reservation := range reservations {
		product, err := r.products.FindByID(ctx, reservation.ProductID)
		if err != nil {
			return released, errors.Wrap(err, "failed to load product")
		}
		if product == nil {
			return released, errors.Errorf("product %s not found for reservation %s", reservation.ProductID, reservation.ID)
		}

		if err := product.Release(reservation.Quantity, orderID); err != nil {
			return released, errors.Wrap(err, "failed to release stock")
		}
		if err := r.products.Save(ctx, product); err != nil {
			return released, errors.Wrap(err, "failed to save product")
		}
		publishEvents(ctx, r.publisher, product.Events())
		product.ClearEvents()

		if err := r.reservations.Delete(ctx, reservation.ID); err != nil {
			return released, errors.Wrap(err, "failed to delete stock reservation")
		}
		released++
	}

	return released, nil
}
