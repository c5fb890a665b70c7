package saga

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a saga instance.
// Transitions are monotonic: pending -> running -> completed | failed,
// and failed -> compensating -> compensated | compensation_incomplete.
// The compensation states are informational; the business outcome of a
// failed saga remains failed.
type Status string

const (
	StatusPending                Status = "pending"
	StatusRunning                Status = "running"
	StatusCompleted              Status = "completed"
	StatusFailed                 Status = "failed"
	StatusCompensating           Status = "compensating"
	StatusCompensated            Status = "compensated"
	StatusCompensationIncomplete Status = "compensation_incomplete"
)

// IsTerminal reports whether no forward progress can follow this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusCompensationIncomplete:
		return true
	}
	return false
}

// StepContext is the mutable data container threaded through one saga
// execution. Data keys written by a step overwrite earlier writes
// (last-write-wins); no two steps of the same instance run concurrently.
type StepContext struct {
	SagaID string
	Data   map[string]interface{}
}

// String reads a string value from the context data.
func (sc *StepContext) String(key string) (string, bool) {
	v, ok := sc.Data[key].(string)
	return v, ok
}

// Int reads an int value from the context data. JSON round-trips turn
// numbers into float64, so both representations are accepted.
func (sc *StepContext) Int(key string) (int, bool) {
	switch v := sc.Data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// StepResult is what a step's Execute (or Compensate) reports back.
// Data returned by Execute is merged into the shared context; data
// returned by Compensate is discarded.
type StepResult struct {
	Success     bool
	Compensable bool
	Data        map[string]interface{}
}

// StepFunc is the signature of both the forward and the compensating
// action of a step. A failure is signalled either by a returned error
// or by a result with Success == false.
type StepFunc func(ctx context.Context, sc *StepContext) (*StepResult, error)

// Step is one unit of a saga definition. Compensate is optional; it is
// only invoked for steps that completed with Compensable == true.
// Compensate implementations must be idempotent: re-triggered
// compensation may run them more than once.
type Step struct {
	ID         string
	Name       string
	Execute    StepFunc
	Compensate StepFunc
}

// Definition is an ordered list of steps registered under a unique ID.
// Definitions are immutable once registered; re-registering the same ID
// replaces the previous definition (last-registration-wins).
type Definition struct {
	ID          string
	Name        string
	Description string
	Steps       []Step
}

// CompletedStep records a forward step that finished successfully,
// together with whether it can be compensated.
type CompletedStep struct {
	StepID      string `json:"step_id"`
	Compensable bool   `json:"compensable"`
}

// Instance is the per-execution record kept in the ExecutionStore.
type Instance struct {
	SagaID         string                 `json:"saga_id"`
	DefinitionID   string                 `json:"definition_id"`
	Status         Status                 `json:"status"`
	InitialData    map[string]interface{} `json:"initial_data"`
	Data           map[string]interface{} `json:"data"`
	CompletedSteps []CompletedStep        `json:"completed_steps"`
	Error          string                 `json:"error,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	TimeoutAt      *time.Time             `json:"timeout_at,omitempty"`
}

// Clone returns a copy safe to hand to callers or to keep in a store.
// Data maps are copied one level deep; steps never share nested
// mutable structures across instances.
func (i *Instance) Clone() *Instance {
	clone := *i
	clone.Data = cloneData(i.Data)
	clone.InitialData = cloneData(i.InitialData)
	clone.CompletedSteps = make([]CompletedStep, len(i.CompletedSteps))
	copy(clone.CompletedSteps, i.CompletedSteps)
	if i.TimeoutAt != nil {
		t := *i.TimeoutAt
		clone.TimeoutAt = &t
	}
	return &clone
}

// Result is what ExecuteSaga returns to the caller. Step-level failures
// never escape as a returned error; they are captured in Err with the
// status set to failed.
type Result struct {
	SagaID string
	Status Status
	Err    error
}

func cloneData(data map[string]interface{}) map[string]interface{} {
	clone := make(map[string]interface{}, len(data))
	for k, v := range data {
		clone[k] = v
	}
	return clone
}

func mergeData(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}
