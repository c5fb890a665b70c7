package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrimall/mall-system/order-service/application"
	"github.com/distrimall/mall-system/shared/saga"
)

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "workflow not found",
			err:        errors.Wrap(saga.ErrInstanceNotFound, "failed to load workflow"),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "not compensable",
			err:        errors.Wrapf(saga.ErrNotCompensable, "saga s-1 has status completed"),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "invalid command",
			err:        errors.Wrap(application.ErrInvalidCommand, "order ID is required"),
			wantStatus: http.StatusBadRequest,
		},
		{
			// Classification is by type, not by message text.
			name:       "untyped error mentioning invalid",
			err:        errors.New("store rejected invalid tuple"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	h := &OrderHandlers{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeError(rec, tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestWriteError_WorkflowFailureCarriesSagaID(t *testing.T) {
	h := &OrderHandlers{}
	rec := httptest.NewRecorder()

	h.writeError(rec, &application.WorkflowError{SagaID: "saga-42", Workflow: "order creation"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "saga-42", body["saga_id"])
	assert.Equal(t, "order creation could not be completed", body["error"])
}
