package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/distrimall/mall-system/order-service/application"
	"github.com/distrimall/mall-system/shared/saga"
)

// OrderHandlers contains order HTTP handlers
type OrderHandlers struct {
	createOrder       *application.CreateOrder
	getOrder          *application.GetOrder
	getUserOrders     *application.GetUserOrders
	payOrder          *application.PayOrder
	cancelOrder       *application.CancelOrder
	completeOrder     *application.CompleteOrder
	getWorkflowStatus *application.GetWorkflowStatus
	retryWorkflow     *application.RetryWorkflow
}

// NewOrderHandlers creates new order handlers
func NewOrderHandlers(
	createOrder *application.CreateOrder,
	getOrder *application.GetOrder,
	getUserOrders *application.GetUserOrders,
	payOrder *application.PayOrder,
	cancelOrder *application.CancelOrder,
	completeOrder *application.CompleteOrder,
	getWorkflowStatus *application.GetWorkflowStatus,
	retryWorkflow *application.RetryWorkflow,
) *OrderHandlers {
	return &OrderHandlers{
		createOrder:       createOrder,
		getOrder:          getOrder,
		getUserOrders:     getUserOrders,
		payOrder:          payOrder,
		cancelOrder:       cancelOrder,
		completeOrder:     completeOrder,
		getWorkflowStatus: getWorkflowStatus,
		retryWorkflow:     retryWorkflow,
	}
}

// CreateOrder handles order creation requests
func (h *OrderHandlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var cmd application.CreateOrderCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	response, err := h.createOrder.Execute(r.Context(), &cmd)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, response)
}

// GetOrder handles order retrieval requests
func (h *OrderHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	response, err := h.getOrder.Execute(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if response == nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// GetUserOrders handles user order listing requests
func (h *OrderHandlers) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	response, err := h.getUserOrders.Execute(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// PayOrder handles order payment requests
func (h *OrderHandlers) PayOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	response, err := h.payOrder.Execute(r.Context(), &application.PayOrderCommand{OrderID: orderID})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// CancelOrder handles order cancellation requests
func (h *OrderHandlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	response, err := h.cancelOrder.Execute(r.Context(), &application.CancelOrderCommand{
		OrderID: orderID,
		Reason:  body.Reason,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// CompleteOrder handles order completion requests
func (h *OrderHandlers) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	response, err := h.completeOrder.Execute(r.Context(), &application.CompleteOrderCommand{OrderID: orderID})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// GetWorkflowStatus handles workflow status requests
func (h *OrderHandlers) GetWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "saga_id")
	if sagaID == "" {
		http.Error(w, "Saga ID is required", http.StatusBadRequest)
		return
	}

	response, err := h.getWorkflowStatus.Execute(r.Context(), sagaID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// RetryWorkflow handles workflow retry requests
func (h *OrderHandlers) RetryWorkflow(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "saga_id")
	if sagaID == "" {
		http.Error(w, "Saga ID is required", http.StatusBadRequest)
		return
	}

	response, err := h.retryWorkflow.Execute(r.Context(), sagaID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// RegisterRoutes registers order and workflow routes
func (h *OrderHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/", h.GetUserOrders)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetOrder)
				r.Post("/pay", h.PayOrder)
				r.Post("/cancel", h.CancelOrder)
				r.Post("/complete", h.CompleteOrder)
			})
		})
		r.Route("/workflows/{saga_id}", func(r chi.Router) {
			r.Get("/", h.GetWorkflowStatus)
			r.Post("/retry", h.RetryWorkflow)
		})
	})
}

// writeError maps use case errors to HTTP status codes. A workflow
// failure answers 422 with the saga ID so the client can inspect or
// retry the execution.
func (h *OrderHandlers) writeError(w http.ResponseWriter, err error) {
	var workflowErr *application.WorkflowError
	if errors.As(err, &workflowErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   workflowErr.Error(),
			"saga_id": workflowErr.SagaID,
		})
		return
	}

	switch {
	case errors.Is(err, saga.ErrInstanceNotFound):
		http.Error(w, "workflow not found", http.StatusNotFound)
	case errors.Is(err, saga.ErrNotCompensable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, application.ErrInvalidCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
