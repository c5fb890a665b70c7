package saga

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/distrimall/mall-system/shared/events"
	"github.com/distrimall/mall-system/shared/models"
	"github.com/distrimall/mall-system/shared/telemetry"
)

// DefaultTimeout bounds a saga execution when the caller passes no
// explicit timeout option.
const DefaultTimeout = 60 * time.Second

// Engine runs saga executions: it resolves definitions from its
// registry, drives steps strictly sequentially, delegates rollback to
// the compensation coordinator on failure, and persists instance state
// through the execution store.
//
// The engine is owned by the composition root and injected into the
// services that register and execute sagas; it holds no global state.
// Distinct instances execute independently and concurrently.
type Engine struct {
	registry       *Registry
	store          ExecutionStore
	coordinator    *Coordinator
	publisher      events.Publisher
	defaultTimeout time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPublisher makes the engine emit saga lifecycle events
// (saga.started/completed/failed/compensated) through the given
// publisher. Publishing is best-effort and never fails an execution.
func WithPublisher(publisher events.Publisher) EngineOption {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// WithDefaultTimeout overrides the engine-wide default execution timeout.
func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.defaultTimeout = d
	}
}

// NewEngine creates a saga engine over the given execution store.
func NewEngine(store ExecutionStore, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:       NewRegistry(),
		store:          store,
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.coordinator = NewCoordinator(e.registry, store, e.publisher)
	return e
}

// RegisterSaga registers a workflow definition. Called once per
// workflow type at process start.
func (e *Engine) RegisterSaga(def Definition) error {
	return e.registry.Register(def)
}

// ExecuteOption configures a single execution.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	timeout time.Duration
}

// WithTimeout bounds the execution of one saga instance. The deadline
// is checked cooperatively between steps; an in-flight step is never
// preempted, but the step context carries the deadline so well-behaved
// I/O can cut itself short.
func WithTimeout(d time.Duration) ExecuteOption {
	return func(o *executeOptions) {
		o.timeout = d
	}
}

// ExecuteSaga runs one instance of the named definition with the given
// initial data. Step-level failures are captured into the result, never
// returned as an error; the only synchronous error paths are an unknown
// definition ID and a store that cannot record the instance.
func (e *Engine) ExecuteSaga(ctx context.Context, definitionID string, data map[string]interface{}, opts ...ExecuteOption) (*Result, error) {
	def, err := e.registry.Get(definitionID)
	if err != nil {
		return nil, err
	}

	options := executeOptions{timeout: e.defaultTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	now := time.Now()
	timeoutAt := now.Add(options.timeout)
	instance := &Instance{
		SagaID:       models.GenerateUUID().String(),
		DefinitionID: definitionID,
		Status:       StatusPending,
		InitialData:  cloneData(data),
		Data:         cloneData(data),
		StartedAt:    now,
		UpdatedAt:    now,
		TimeoutAt:    &timeoutAt,
	}

	if err := e.store.Create(ctx, instance); err != nil {
		return nil, errors.Wrap(err, "failed to create saga instance")
	}

	ctx, span := telemetry.StartSpan(ctx, "saga.execute",
		trace.WithAttributes(
			attribute.String("saga.definition_id", definitionID),
			attribute.String("saga.id", instance.SagaID),
		),
	)
	defer span.End()

	instance.Status = StatusRunning
	if err := e.store.Update(ctx, instance); err != nil {
		return nil, errors.Wrap(err, "failed to mark saga instance running")
	}
	e.publishLifecycle(ctx, instance, events.SagaStartedEvent)

	stepCtx, cancel := context.WithDeadline(ctx, timeoutAt)
	defer cancel()

	result := e.runSteps(stepCtx, instance, def, timeoutAt)

	span.SetAttributes(attribute.String("saga.status", string(result.Status)))
	if result.Err != nil {
		span.RecordError(result.Err)
	}
	e.recordExecution(ctx, definitionID, result.Status, time.Since(now))

	return result, nil
}

// runSteps drives the forward path and, on any failure, the
// compensation sweep. Steps within one instance run strictly
// sequentially: step N may assume step N-1's postconditions hold.
func (e *Engine) runSteps(ctx context.Context, instance *Instance, def Definition, deadline time.Time) *Result {
	for _, step := range def.Steps {
		if !time.Now().Before(deadline) {
			failure := NewTimeoutFailure(step.ID, errors.Errorf("saga execution exceeded %s deadline", deadline.Format(time.RFC3339)))
			return e.fail(ctx, instance, def, failure)
		}

		result, err := step.Execute(ctx, &StepContext{SagaID: instance.SagaID, Data: instance.Data})
		if err != nil {
			return e.fail(ctx, instance, def, classify(step.ID, err))
		}
		if result == nil || !result.Success {
			failure := NewValidationFailure(step.ID, errors.New("step reported failure"))
			return e.fail(ctx, instance, def, failure)
		}

		mergeData(instance.Data, result.Data)
		instance.CompletedSteps = append(instance.CompletedSteps, CompletedStep{
			StepID:      step.ID,
			Compensable: result.Compensable,
		})
		instance.UpdatedAt = time.Now()
		if err := e.store.Update(ctx, instance); err != nil {
			return e.fail(ctx, instance, def, NewTransientFailure(step.ID, err))
		}
	}

	instance.Status = StatusCompleted
	instance.UpdatedAt = time.Now()
	if err := e.store.Update(ctx, instance); err != nil {
		// The business effects of every step are committed even though
		// the store cannot record the completion; unwind them like any
		// late step failure.
		failure := NewTransientFailure("", errors.Wrap(err, "failed to mark saga instance completed"))
		return e.fail(ctx, instance, def, failure)
	}
	e.publishLifecycle(ctx, instance, events.SagaCompletedEvent)

	return &Result{SagaID: instance.SagaID, Status: StatusCompleted}
}

// fail stops forward progress, records the failure, and unwinds the
// completed steps in reverse. The result status is always failed; the
// compensation outcome is kept on the instance only.
func (e *Engine) fail(ctx context.Context, instance *Instance, def Definition, failure *Failure) *Result {
	instance.Status = StatusFailed
	instance.Error = failure.Error()
	instance.UpdatedAt = time.Now()
	if err := e.store.Update(ctx, instance); err != nil {
		failure = NewTransientFailure(failure.StepID, errors.Wrap(err, "failed to persist saga failure"))
	}
	e.publishLifecycle(ctx, instance, events.SagaFailedEvent)

	// Compensation runs detached from the (possibly expired) step
	// deadline: rollback of committed effects must not be cut short by
	// the timeout that triggered it.
	e.coordinator.Compensate(context.WithoutCancel(ctx), instance, def)

	return &Result{SagaID: instance.SagaID, Status: StatusFailed, Err: failure}
}

// GetExecutionStatus returns a copy of the instance record for a saga ID.
func (e *Engine) GetExecutionStatus(ctx context.Context, sagaID string) (*Instance, error) {
	return e.store.Get(ctx, sagaID)
}

// CompensateSaga re-triggers compensation for a failed instance. Safe
// to call repeatedly: compensate functions are idempotent by contract.
func (e *Engine) CompensateSaga(ctx context.Context, sagaID string) error {
	instance, err := e.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}

	switch instance.Status {
	case StatusFailed, StatusCompensating, StatusCompensated, StatusCompensationIncomplete:
	default:
		return errors.Wrapf(ErrNotCompensable, "saga %s has status %s", sagaID, instance.Status)
	}

	def, err := e.registry.Get(instance.DefinitionID)
	if err != nil {
		return err
	}

	e.coordinator.Compensate(ctx, instance, def)
	return nil
}

type sagaLifecycleData struct {
	SagaID       string `json:"saga_id"`
	DefinitionID string `json:"definition_id"`
	Status       Status `json:"status"`
	Error        string `json:"error,omitempty"`
}

func (e *Engine) publishLifecycle(ctx context.Context, instance *Instance, eventType string) {
	if e.publisher == nil {
		return
	}

	event := events.NewEvent(models.ID(instance.SagaID), eventType, sagaLifecycleData{
		SagaID:       instance.SagaID,
		DefinitionID: instance.DefinitionID,
		Status:       instance.Status,
		Error:        instance.Error,
	})

	if err := e.publisher.Publish(ctx, event); err != nil {
		telemetry.RecordCounter(ctx, "saga_event_publish_errors_total", "Saga lifecycle events that failed to publish", 1,
			attribute.String("event_type", eventType),
		)
	}
}

func (e *Engine) recordExecution(ctx context.Context, definitionID string, status Status, duration time.Duration) {
	telemetry.RecordCounter(ctx, "saga_executions_total", "Total saga executions", 1,
		attribute.String("definition", definitionID),
		attribute.String("status", string(status)),
	)
	telemetry.RecordHistogram(ctx, "saga_execution_duration_seconds", "Saga execution duration", duration.Seconds(),
		attribute.String("definition", definitionID),
		attribute.String("status", string(status)),
	)
}
