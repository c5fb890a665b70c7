package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/distrimall/mall-system/order-service/domain"
	"github.com/distrimall/mall-system/shared/models"
)

// PostgresOrderRepository implements OrderRepository using PostgreSQL
type PostgresOrderRepository struct {
	db *sqlx.DB
}

// NewPostgresOrderRepository creates a new PostgresOrderRepository
func NewPostgresOrderRepository(db *sqlx.DB) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

// postgresOrder represents an order in the database. Items are stored
// as a JSON document; they are immutable after creation and never
// queried individually.
type postgresOrder struct {
	ID            string     `db:"id"`
	OrderNo       string     `db:"order_no"`
	UserID        string     `db:"user_id"`
	ReferrerID    *string    `db:"referrer_id"`
	Items         []byte     `db:"items"`
	Amount        int64      `db:"amount"`
	Currency      string     `db:"currency"`
	Status        string     `db:"status"`
	TransactionID string     `db:"transaction_id"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	DeletedAt     *time.Time `db:"deleted_at"`
	Version       int        `db:"version"`
}

// Save inserts a new order or updates an existing one. Updates carry an
// optimistic version check; a concurrent writer makes the save fail
// instead of silently losing a status transition.
func (r *PostgresOrderRepository) Save(ctx context.Context, order *domain.Order) error {
	if order.Version.Value == 1 {
		return r.insertOrder(ctx, order)
	}
	return r.updateOrder(ctx, order)
}

func (r *PostgresOrderRepository) insertOrder(ctx context.Context, order *domain.Order) error {
	query := `
		INSERT INTO orders (
			id, order_no, user_id, referrer_id, items, amount, currency,
			status, transaction_id, created_at, updated_at, version
		) VALUES (
			:id, :order_no, :user_id, :referrer_id, :items, :amount, :currency,
			:status, :transaction_id, :created_at, :updated_at, :version
		)`

	pgOrder, err := r.toPostgres(order)
	if err != nil {
		return err
	}

	if _, err := r.db.NamedExecContext(ctx, query, pgOrder); err != nil {
		return errors.Wrap(err, "failed to insert order")
	}
	return nil
}

func (r *PostgresOrderRepository) updateOrder(ctx context.Context, order *domain.Order) error {
	query := `
		UPDATE orders
		SET status = :status, transaction_id = :transaction_id,
			updated_at = :updated_at, version = :version
		WHERE id = :id AND version = :old_version AND deleted_at IS NULL`

	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":             order.ID.String(),
		"status":         string(order.Status),
		"transaction_id": order.TransactionID,
		"updated_at":     order.Timestamps.UpdatedAt,
		"version":        order.Version.Value,
		"old_version":    order.Version.Value - 1, // Optimistic locking
	})
	if err != nil {
		return errors.Wrap(err, "failed to update order")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}
	if affected == 0 {
		return errors.Errorf("order %s version conflict", order.ID)
	}
	return nil
}

// FindByID finds an order by ID
func (r *PostgresOrderRepository) FindByID(ctx context.Context, id models.ID) (*domain.Order, error) {
	query := `
		SELECT id, order_no, user_id, referrer_id, items, amount, currency,
			   status, transaction_id, created_at, updated_at, deleted_at, version
		FROM orders
		WHERE id = $1 AND deleted_at IS NULL`

	var pgOrder postgresOrder
	err := r.db.GetContext(ctx, &pgOrder, query, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Order not found
		}
		return nil, errors.Wrap(err, "failed to find order")
	}

	return r.toDomain(&pgOrder)
}

// FindByUserID finds orders by user ID
func (r *PostgresOrderRepository) FindByUserID(ctx context.Context, userID models.ID) ([]*domain.Order, error) {
	query := `
		SELECT id, order_no, user_id, referrer_id, items, amount, currency,
			   status, transaction_id, created_at, updated_at, deleted_at, version
		FROM orders
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC`

	var pgOrders []postgresOrder
	if err := r.db.SelectContext(ctx, &pgOrders, query, userID.String()); err != nil {
		return nil, errors.Wrap(err, "failed to find orders by user ID")
	}

	orders := make([]*domain.Order, len(pgOrders))
	for i, pgOrder := range pgOrders {
		order, err := r.toDomain(&pgOrder)
		if err != nil {
			return nil, err
		}
		orders[i] = order
	}
	return orders, nil
}

// Delete removes an order row. Deleting an order that is already gone
// succeeds; the workflow compensation relies on that.
func (r *PostgresOrderRepository) Delete(ctx context.Context, id models.ID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id.String()); err != nil {
		return errors.Wrap(err, "failed to delete order")
	}
	return nil
}

// toPostgres converts a domain order to the postgres model
func (r *PostgresOrderRepository) toPostgres(order *domain.Order) (*postgresOrder, error) {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal order items")
	}

	var referrerID *string
	if order.ReferrerID != nil {
		id := order.ReferrerID.String()
		referrerID = &id
	}

	return &postgresOrder{
		ID:            order.ID.String(),
		OrderNo:       order.OrderNo,
		UserID:        order.UserID.String(),
		ReferrerID:    referrerID,
		Items:         items,
		Amount:        order.Total.Amount,
		Currency:      order.Total.Currency,
		Status:        string(order.Status),
		TransactionID: order.TransactionID,
		CreatedAt:     order.Timestamps.CreatedAt,
		UpdatedAt:     order.Timestamps.UpdatedAt,
		DeletedAt:     order.Timestamps.DeletedAt,
		Version:       order.Version.Value,
	}, nil
}

// toDomain converts a postgres model to a domain order
func (r *PostgresOrderRepository) toDomain(pgOrder *postgresOrder) (*domain.Order, error) {
	id, err := models.NewID(pgOrder.ID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid order ID")
	}

	userID, err := models.NewID(pgOrder.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid user ID")
	}

	var referrerID *models.ID
	if pgOrder.ReferrerID != nil {
		rid, err := models.NewID(*pgOrder.ReferrerID)
		if err != nil {
			return nil, errors.Wrap(err, "invalid referrer ID")
		}
		referrerID = &rid
	}

	var items []domain.OrderItem
	if err := json.Unmarshal(pgOrder.Items, &items); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal order items")
	}

	return &domain.Order{
		ID:            id,
		OrderNo:       pgOrder.OrderNo,
		UserID:        userID,
		ReferrerID:    referrerID,
		Items:         items,
		Total:         models.NewMoney(pgOrder.Amount, pgOrder.Currency),
		Status:        domain.OrderStatus(pgOrder.Status),
		TransactionID: pgOrder.TransactionID,
		Timestamps: models.Timestamps{
			CreatedAt: pgOrder.CreatedAt,
			UpdatedAt: pgOrder.UpdatedAt,
			DeletedAt: pgOrder.DeletedAt,
		},
		Version: models.Version{Value: pgOrder.Version},
	}, nil
}
