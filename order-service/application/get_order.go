package application

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/distrimall/mall-system/order-service/domain"
	"github.com/distrimall/mall-system/shared/models"
)

// OrderItemResponse is one order line in a query response
type OrderItemResponse struct {
	ProductID string       `json:"product_id"`
	Quantity  int          `json:"quantity"`
	UnitPrice models.Money `json:"unit_price"`
	Subtotal  models.Money `json:"subtotal"`
}

// OrderResponse represents an order in query responses
type OrderResponse struct {
	OrderID       string              `json:"order_id"`
	OrderNo       string              `json:"order_no"`
	UserID        string              `json:"user_id"`
	ReferrerID    *string             `json:"referrer_id,omitempty"`
	Items         []OrderItemResponse `json:"items"`
	Total         models.Money        `json:"total"`
	Status        string              `json:"status"`
	TransactionID string              `json:"transaction_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// GetOrder use case returns a single order by ID
type GetOrder struct {
	orderRepository domain.OrderRepository
}

// NewGetOrder creates a new GetOrder use case
func NewGetOrder(orderRepository domain.OrderRepository) *GetOrder {
	return &GetOrder{orderRepository: orderRepository}
}

// Execute returns the order or nil when it does not exist
func (uc *GetOrder) Execute(ctx context.Context, orderID string) (*OrderResponse, error) {
	id, err := models.NewID(orderID)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCommand, "invalid order ID: %v", err)
	}

	order, err := uc.orderRepository.FindByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}
	if order == nil {
		return nil, nil
	}

	return toOrderResponse(order), nil
}

// GetUserOrders use case lists a user's orders
type GetUserOrders struct {
	orderRepository domain.OrderRepository
}

// NewGetUserOrders creates a new GetUserOrders use case
func NewGetUserOrders(orderRepository domain.OrderRepository) *GetUserOrders {
	return &GetUserOrders{orderRepository: orderRepository}
}

// Execute returns all orders belonging to a user
func (uc *GetUserOrders) Execute(ctx context.Context, userID string) ([]*OrderResponse, error) {
	id, err := models.NewID(userID)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCommand, "invalid user ID: %v", err)
	}

	orders, err := uc.orderRepository.FindByUserID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find orders")
	}

	responses := make([]*OrderResponse, 0, len(orders))
	for _, order := range orders {
		responses = append(responses, toOrderResponse(order))
	}
	return responses, nil
}

func toOrderResponse(order *domain.Order) *OrderResponse {
	items := make([]OrderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemResponse{
			ProductID: item.ProductID.String(),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal(),
		})
	}

	resp := &OrderResponse{
		OrderID:       order.ID.String(),
		OrderNo:       order.OrderNo,
		UserID:        order.UserID.String(),
		Items:         items,
		Total:         order.Total,
		Status:        string(order.Status),
		TransactionID: order.TransactionID,
		CreatedAt:     order.Timestamps.CreatedAt,
		UpdatedAt:     order.Timestamps.UpdatedAt,
	}
	if order.ReferrerID != nil {
		referrer := order.ReferrerID.String()
		resp.ReferrerID = &referrer
	}
	return resp
}
