package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/distrimall/mall-system/shared/saga"
	"github.com/distrimall/mall-system/shared/telemetry"
)

// RetryWorkflowResponse represents the outcome of a workflow retry
type RetryWorkflowResponse struct {
	SagaID         string `json:"saga_id"`
	PreviousSagaID string `json:"previous_saga_id"`
	Status         string `json:"status"`
}

// RetryWorkflow re-runs a failed workflow: it re-triggers compensation
// on the old instance to guarantee a clean slate, then starts a fresh
// execution of the same definition with the original input data. The
// new run gets its own saga ID; the old instance stays on record.
type RetryWorkflow struct {
	engine *saga.Engine
}

// NewRetryWorkflow creates a new RetryWorkflow use case
func NewRetryWorkflow(engine *saga.Engine) *RetryWorkflow {
	return &RetryWorkflow{engine: engine}
}

// Execute retries the workflow behind the given saga ID
func (uc *RetryWorkflow) Execute(ctx context.Context, sagaID string) (*RetryWorkflowResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "retry_workflow",
		trace.WithAttributes(attribute.String("saga_id", sagaID)),
	)
	defer span.End()

	instance, err := uc.engine.GetExecutionStatus(ctx, sagaID)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to load saga instance")
	}

	switch instance.Status {
	case saga.StatusFailed, saga.StatusCompensating, saga.StatusCompensated, saga.StatusCompensationIncomplete:
	default:
		err := errors.Wrapf(saga.ErrNotCompensable, "saga %s has status %s", sagaID, instance.Status)
		span.RecordError(err)
		return nil, err
	}

	if err := uc.engine.CompensateSaga(ctx, sagaID); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to compensate previous execution")
	}

	result, err := uc.engine.ExecuteSaga(ctx, instance.DefinitionID, instance.InitialData)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to re-execute workflow")
	}

	span.SetAttributes(
		attribute.String("new_saga_id", result.SagaID),
		attribute.String("status", string(result.Status)),
	)
	telemetry.RecordCounter(ctx, "saga_retries_total", "Total saga retries", 1,
		attribute.String("definition", instance.DefinitionID),
		attribute.String("status", string(result.Status)),
	)

	return &RetryWorkflowResponse{
		SagaID:         result.SagaID,
		PreviousSagaID: sagaID,
		Status:         string(result.Status),
	}, nil
}
