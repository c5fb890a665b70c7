package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func successStep(id string, data map[string]interface{}) Step {
	return Step{
		ID:   id,
		Name: id,
		Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
			return &StepResult{Success: true, Data: data}, nil
		},
	}
}

func TestExecuteSaga_AllStepsSucceed(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	require.NoError(t, engine.RegisterSaga(Definition{
		ID:   "order_creation",
		Name: "Order creation",
		Steps: []Step{
			successStep("validate", map[string]interface{}{"validated": true}),
			successStep("generate_order", map[string]interface{}{"order_id": "o-1", "order_no": "ORD-1"}),
			successStep("reserve_inventory", map[string]interface{}{"order_no": "ORD-1-reserved"}),
		},
	}))

	result, err := engine.ExecuteSaga(context.Background(), "order_creation", map[string]interface{}{"user_id": "u-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.NoError(t, result.Err)
	assert.NotEmpty(t, result.SagaID)

	instance, err := engine.GetExecutionStatus(context.Background(), result.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, instance.Status)

	// Final context is the ordered, last-write-wins merge of every
	// step's returned data over the initial input.
	assert.Equal(t, "u-1", instance.Data["user_id"])
	assert.Equal(t, true, instance.Data["validated"])
	assert.Equal(t, "o-1", instance.Data["order_id"])
	assert.Equal(t, "ORD-1-reserved", instance.Data["order_no"])

	require.Len(t, instance.CompletedSteps, 3)
	assert.Equal(t, "validate", instance.CompletedSteps[0].StepID)
	assert.Equal(t, "generate_order", instance.CompletedSteps[1].StepID)
	assert.Equal(t, "reserve_inventory", instance.CompletedSteps[2].StepID)
}

func TestExecuteSaga_UnknownDefinition(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	result, err := engine.ExecuteSaga(context.Background(), "no_such_saga", nil)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestExecuteSaga_FailureCompensatesInReverseOrder(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	var mu sync.Mutex
	var compensated []string
	record := func(id string) StepFunc {
		return func(ctx context.Context, sc *StepContext) (*StepResult, error) {
			mu.Lock()
			compensated = append(compensated, id)
			mu.Unlock()
			return &StepResult{Success: true}, nil
		}
	}

	compensable := func(id string) Step {
		return Step{
			ID: id,
			Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
				return &StepResult{Success: true, Compensable: true}, nil
			},
			Compensate: record(id),
		}
	}

	require.NoError(t, engine.RegisterSaga(Definition{
		ID: "payment_flow",
		Steps: []Step{
			compensable("charge"),
			compensable("mark_paid"),
			compensable("accrue_commission"),
			{
				ID: "grant_points",
				Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					return nil, errors.New("points service unavailable")
				},
			},
		},
	}))

	result, err := engine.ExecuteSaga(context.Background(), "payment_flow", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	require.Error(t, result.Err)

	kind, ok := KindOf(result.Err)
	require.True(t, ok)
	assert.Equal(t, FailureTransient, kind)

	// Compensation runs exactly once per compensable step, in strict
	// descending order.
	assert.Equal(t, []string{"accrue_commission", "mark_paid", "charge"}, compensated)

	instance, err := engine.GetExecutionStatus(context.Background(), result.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, instance.Status)
	assert.NotEmpty(t, instance.Error)
}

func TestExecuteSaga_NonCompensableStepsAreSkipped(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	var compensated []string
	require.NoError(t, engine.RegisterSaga(Definition{
		ID: "mixed",
		Steps: []Step{
			{
				ID: "read_only",
				Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					return &StepResult{Success: true, Compensable: false}, nil
				},
				Compensate: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					compensated = append(compensated, "read_only")
					return &StepResult{Success: true}, nil
				},
			},
			{
				ID: "write",
				Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					return &StepResult{Success: true, Compensable: true}, nil
				},
				Compensate: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					compensated = append(compensated, "write")
					return &StepResult{Success: true}, nil
				},
			},
			{
				ID: "boom",
				Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					return &StepResult{Success: false}, nil
				},
			},
		},
	}))

	result, err := engine.ExecuteSaga(context.Background(), "mixed", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)

	// Only the compensable step is unwound.
	assert.Equal(t, []string{"write"}, compensated)
}

func TestExecuteSaga_StepReportedFailureIsValidation(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	require.NoError(t, engine.RegisterSaga(Definition{
		ID: "validation",
		Steps: []Step{
			{
				ID: "check_stock",
				Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					return &StepResult{Success: false}, nil
				},
			},
		},
	}))

	result, err := engine.ExecuteSaga(context.Background(), "validation", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)

	kind, ok := KindOf(result.Err)
	require.True(t, ok)
	assert.Equal(t, FailureValidation, kind)
}

func TestExecuteSaga_TypedFailurePassesThrough(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	require.NoError(t, engine.RegisterSaga(Definition{
		ID: "typed",
		Steps: []Step{
			{
				ID: "validate",
				Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					return nil, NewValidationFailure("validate", errors.New("empty cart"))
				},
			},
		},
	}))

	result, err := engine.ExecuteSaga(context.Background(), "typed", nil)
	require.NoError(t, err)

	kind, ok := KindOf(result.Err)
	require.True(t, ok)
	assert.Equal(t, FailureValidation, kind)
	assert.Contains(t, result.Err.Error(), "empty cart")
}

func TestExecuteSaga_Timeout(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	var mu sync.Mutex
	var compensated []string
	secondStepRan := false

	require.NoError(t, engine.RegisterSaga(Definition{
		ID: "slow",
		Steps: []Step{
			{
				ID: "slow_step",
				Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					time.Sleep(50 * time.Millisecond)
					return &StepResult{Success: true, Compensable: true}, nil
				},
				Compensate: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					mu.Lock()
					compensated = append(compensated, "slow_step")
					mu.Unlock()
					return &StepResult{Success: true}, nil
				},
			},
			{
				ID: "never_runs",
				Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					secondStepRan = true
					return &StepResult{Success: true}, nil
				},
			},
		},
	}))

	result, err := engine.ExecuteSaga(context.Background(), "slow", nil, WithTimeout(10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)

	kind, ok := KindOf(result.Err)
	require.True(t, ok)
	assert.Equal(t, FailureTimeout, kind)
	assert.False(t, secondStepRan)

	// The completed step is compensated and the instance never sticks
	// at running.
	assert.Equal(t, []string{"slow_step"}, compensated)

	instance, err := engine.GetExecutionStatus(context.Background(), result.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, instance.Status)
}

func TestExecuteSaga_ConcurrentInstancesAreIsolated(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	require.NoError(t, engine.RegisterSaga(Definition{
		ID: "isolated",
		Steps: []Step{
			{
				ID: "stamp",
				Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
					marker, _ := sc.String("marker")
					return &StepResult{Success: true, Data: map[string]interface{}{
						"stamped_" + marker: marker,
					}}, nil
				},
			},
		},
	}))

	const workers = 16
	results := make([]*Result, workers)
	markers := make([]string, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		markers[i] = string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := engine.ExecuteSaga(context.Background(), "isolated", map[string]interface{}{
				"marker": markers[i],
			})
			require.NoError(t, err)
			results[i] = result
		}()
	}
	wg.Wait()

	sagaIDs := make(map[string]struct{}, workers)
	for i := 0; i < workers; i++ {
		require.Equal(t, StatusCompleted, results[i].Status)
		sagaIDs[results[i].SagaID] = struct{}{}

		instance, err := engine.GetExecutionStatus(context.Background(), results[i].SagaID)
		require.NoError(t, err)

		// Instance i carries only its own marker key, never a key set
		// by another instance.
		assert.Equal(t, markers[i], instance.Data["marker"])
		assert.Equal(t, markers[i], instance.Data["stamped_"+markers[i]])
		assert.Len(t, instance.Data, 2)
	}

	// Saga IDs are globally unique per execution.
	assert.Len(t, sagaIDs, workers)
}

func TestExecuteSaga_InitialDataIsNotShared(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	require.NoError(t, engine.RegisterSaga(Definition{
		ID: "copy",
		Steps: []Step{
			successStep("write", map[string]interface{}{"added": "yes"}),
		},
	}))

	input := map[string]interface{}{"user_id": "u-9"}
	result, err := engine.ExecuteSaga(context.Background(), "copy", input)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	// The caller's map is untouched by step writes.
	assert.NotContains(t, input, "added")
}

func TestRegisterSaga_LastRegistrationWins(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	require.NoError(t, engine.RegisterSaga(Definition{
		ID:    "replace_me",
		Steps: []Step{successStep("old", map[string]interface{}{"version": "old"})},
	}))
	require.NoError(t, engine.RegisterSaga(Definition{
		ID:    "replace_me",
		Steps: []Step{successStep("new", map[string]interface{}{"version": "new"})},
	}))

	result, err := engine.ExecuteSaga(context.Background(), "replace_me", nil)
	require.NoError(t, err)

	instance, err := engine.GetExecutionStatus(context.Background(), result.SagaID)
	require.NoError(t, err)
	assert.Equal(t, "new", instance.Data["version"])
	require.Len(t, instance.CompletedSteps, 1)
	assert.Equal(t, "new", instance.CompletedSteps[0].StepID)
}

func TestGetExecutionStatus_NotFound(t *testing.T) {
	engine := NewEngine(NewMemoryStore())

	_, err := engine.GetExecutionStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

// updateHookStore lets a test fail specific instance updates.
type updateHookStore struct {
	*MemoryStore
	updateErr func(*Instance) error
}

func (s *updateHookStore) Update(ctx context.Context, instance *Instance) error {
	if err := s.updateErr(instance); err != nil {
		return err
	}
	return s.MemoryStore.Update(ctx, instance)
}

func TestExecuteSaga_CompletionWriteFailureCompensates(t *testing.T) {
	store := &updateHookStore{
		MemoryStore: NewMemoryStore(),
		updateErr: func(instance *Instance) error {
			if instance.Status == StatusCompleted {
				return errors.New("saga store unavailable")
			}
			return nil
		},
	}
	engine := NewEngine(store)

	var mu sync.Mutex
	var compensated []string
	compensable := func(id string) Step {
		return Step{
			ID: id,
			Execute: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
				return &StepResult{Success: true, Compensable: true}, nil
			},
			Compensate: func(ctx context.Context, sc *StepContext) (*StepResult, error) {
				mu.Lock()
				compensated = append(compensated, id)
				mu.Unlock()
				return &StepResult{Success: true}, nil
			},
		}
	}

	require.NoError(t, engine.RegisterSaga(Definition{
		ID:    "completion_write",
		Steps: []Step{compensable("generate_order"), compensable("reserve_inventory")},
	}))

	result, err := engine.ExecuteSaga(context.Background(), "completion_write", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	require.Error(t, result.Err)

	kind, ok := KindOf(result.Err)
	require.True(t, ok)
	assert.Equal(t, FailureTransient, kind)

	// Every step succeeded, so every step is rolled back in reverse.
	assert.Equal(t, []string{"reserve_inventory", "generate_order"}, compensated)

	// The instance never stays at running: the failure and the
	// compensation outcome are both persisted.
	instance, err := engine.GetExecutionStatus(context.Background(), result.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, instance.Status)
	assert.NotEmpty(t, instance.Error)
}
