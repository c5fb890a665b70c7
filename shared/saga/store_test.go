package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstance(sagaID string) *Instance {
	now := time.Now()
	return &Instance{
		SagaID:       sagaID,
		DefinitionID: "order_creation",
		Status:       StatusPending,
		InitialData:  map[string]interface{}{"user_id": "u-1"},
		Data:         map[string]interface{}{"user_id": "u-1"},
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testInstance("s-1")))

	instance, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", instance.SagaID)
	assert.Equal(t, StatusPending, instance.Status)
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testInstance("s-1")))
	err := store.Create(ctx, testInstance("s-1"))
	assert.Error(t, err)
}

func TestMemoryStore_UpdateUnknown(t *testing.T) {
	store := NewMemoryStore()

	err := store.Update(context.Background(), testInstance("ghost"))
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	original := testInstance("s-1")
	require.NoError(t, store.Create(ctx, original))

	// Mutating the instance handed to Create must not leak into the store.
	original.Status = StatusCompleted
	original.Data["tampered"] = true

	stored, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.NotContains(t, stored.Data, "tampered")

	// Mutating what Get returned must not affect later reads.
	stored.Data["tampered"] = true

	again, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.NotContains(t, again.Data, "tampered")
}

func TestMemoryStore_Update(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	instance := testInstance("s-1")
	require.NoError(t, store.Create(ctx, instance))

	instance.Status = StatusRunning
	instance.CompletedSteps = append(instance.CompletedSteps, CompletedStep{StepID: "validate"})
	require.NoError(t, store.Update(ctx, instance))

	stored, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, stored.Status)
	require.Len(t, stored.CompletedSteps, 1)
	assert.Equal(t, "validate", stored.CompletedSteps[0].StepID)
}
