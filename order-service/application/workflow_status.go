package application

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/distrimall/mall-system/shared/saga"
)

// WorkflowStepStatus is one completed step in a status response
type WorkflowStepStatus struct {
	StepID      string `json:"step_id"`
	Compensable bool   `json:"compensable"`
}

// WorkflowStatusResponse represents the stored state of one workflow
// execution. The accumulated context data is intentionally not exposed;
// it may carry internal references.
type WorkflowStatusResponse struct {
	SagaID         string               `json:"saga_id"`
	DefinitionID   string               `json:"definition_id"`
	Status         string               `json:"status"`
	CompletedSteps []WorkflowStepStatus `json:"completed_steps"`
	Error          string               `json:"error,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// GetWorkflowStatus use case returns the state of a workflow execution
type GetWorkflowStatus struct {
	engine *saga.Engine
}

// NewGetWorkflowStatus creates a new GetWorkflowStatus use case
func NewGetWorkflowStatus(engine *saga.Engine) *GetWorkflowStatus {
	return &GetWorkflowStatus{engine: engine}
}

// Execute returns the workflow status for a saga ID
func (uc *GetWorkflowStatus) Execute(ctx context.Context, sagaID string) (*WorkflowStatusResponse, error) {
	if sagaID == "" {
		return nil, errors.Wrap(ErrInvalidCommand, "saga ID is required")
	}

	instance, err := uc.engine.GetExecutionStatus(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	steps := make([]WorkflowStepStatus, 0, len(instance.CompletedSteps))
	for _, step := range instance.CompletedSteps {
		steps = append(steps, WorkflowStepStatus{
			StepID:      step.StepID,
			Compensable: step.Compensable,
		})
	}

	return &WorkflowStatusResponse{
		SagaID:         instance.SagaID,
		DefinitionID:   instance.DefinitionID,
		Status:         string(instance.Status),
		CompletedSteps: steps,
		Error:          instance.Error,
		StartedAt:      instance.StartedAt,
		UpdatedAt:      instance.UpdatedAt,
	}, nil
}
