package saga

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/distrimall/mall-system/shared/events"
	"github.com/distrimall/mall-system/shared/models"
	"github.com/distrimall/mall-system/shared/telemetry"
)

// Coordinator unwinds a failed instance: it walks the completed steps
// in reverse and invokes the compensate action of every compensable
// step, passing the final accumulated context. Compensate
// implementations therefore only read keys their own step wrote.
//
// The sweep is best-effort: each compensation failure is caught and
// counted individually and the sweep continues for the remaining
// steps. An instance with one or more failed compensations carries the
// compensation_incomplete status so it is distinguishable from a clean
// rollback.
type Coordinator struct {
	registry  *Registry
	store     ExecutionStore
	publisher events.Publisher
}

// NewCoordinator creates a compensation coordinator.
func NewCoordinator(registry *Registry, store ExecutionStore, publisher events.Publisher) *Coordinator {
	return &Coordinator{
		registry:  registry,
		store:     store,
		publisher: publisher,
	}
}

// Compensate runs one rollback sweep over the instance and persists the
// outcome status. Re-running a sweep over an already compensated
// instance is permitted; compensate functions are idempotent by
// contract.
func (c *Coordinator) Compensate(ctx context.Context, instance *Instance, def Definition) Status {
	instance.Status = StatusCompensating
	instance.UpdatedAt = time.Now()
	c.persist(ctx, instance)

	stepsByID := make(map[string]Step, len(def.Steps))
	for _, step := range def.Steps {
		stepsByID[step.ID] = step
	}

	incomplete := false
	for i := len(instance.CompletedSteps) - 1; i >= 0; i-- {
		completed := instance.CompletedSteps[i]
		if !completed.Compensable {
			continue
		}

		step, ok := stepsByID[completed.StepID]
		if !ok || step.Compensate == nil {
			continue
		}

		if err := c.compensateStep(ctx, instance, step); err != nil {
			incomplete = true
			telemetry.RecordCounter(ctx, "saga_compensation_failures_total", "Saga step compensations that failed", 1,
				attribute.String("definition", instance.DefinitionID),
				attribute.String("step", step.ID),
			)
		}
	}

	if incomplete {
		instance.Status = StatusCompensationIncomplete
	} else {
		instance.Status = StatusCompensated
	}
	instance.UpdatedAt = time.Now()
	c.persist(ctx, instance)

	telemetry.RecordCounter(ctx, "saga_compensations_total", "Total saga compensation sweeps", 1,
		attribute.String("definition", instance.DefinitionID),
		attribute.String("outcome", string(instance.Status)),
	)
	c.publishCompensated(ctx, instance)

	return instance.Status
}

// compensateStep runs one compensate action, converting both returned
// errors and unsuccessful results into a CompensationFailure.
func (c *Coordinator) compensateStep(ctx context.Context, instance *Instance, step Step) error {
	result, err := step.Compensate(ctx, &StepContext{SagaID: instance.SagaID, Data: instance.Data})
	if err != nil {
		return NewCompensationFailure(step.ID, err)
	}
	if result != nil && !result.Success {
		return NewCompensationFailure(step.ID, ErrCompensationRejected)
	}
	// Data returned by compensate actions is discarded.
	return nil
}

func (c *Coordinator) persist(ctx context.Context, instance *Instance) {
	if err := c.store.Update(ctx, instance); err != nil {
		telemetry.RecordCounter(ctx, "saga_store_errors_total", "Saga instance updates that failed", 1,
			attribute.String("definition", instance.DefinitionID),
		)
	}
}

func (c *Coordinator) publishCompensated(ctx context.Context, instance *Instance) {
	if c.publisher == nil {
		return
	}

	event := events.NewEvent(models.ID(instance.SagaID), events.SagaCompensatedEvent, sagaLifecycleData{
		SagaID:       instance.SagaID,
		DefinitionID: instance.DefinitionID,
		Status:       instance.Status,
		Error:        instance.Error,
	})

	if err := c.publisher.Publish(ctx, event); err != nil {
		telemetry.RecordCounter(ctx, "saga_event_publish_errors_total", "Saga lifecycle events that failed to publish", 1,
			attribute.String("event_type", events.SagaCompensatedEvent),
		)
	}
}
