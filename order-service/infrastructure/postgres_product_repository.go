package infrastructure

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/distrimall/mall-system/order-service/domain"
	"github.com/distrimall/mall-system/shared/models"
)

// PostgresProductRepository implements ProductRepository using PostgreSQL
type PostgresProductRepository struct {
	db *sqlx.DB
}

// NewPostgresProductRepository creates a new PostgresProductRepository
func NewPostgresProductRepository(db *sqlx.DB) *PostgresProductRepository {
	return &PostgresProductRepository{db: db}
}

type postgresProduct struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Amount    int64     `db:"amount"`
	Currency  string    `db:"currency"`
	Stock     int       `db:"stock"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Version   int       `db:"version"`
}

// Save inserts a new product or updates stock and price. Stock updates
// carry the optimistic version check; two orders racing on the same
// product serialize here, and the loser retries or fails its saga.
func (r *PostgresProductRepository) Save(ctx context.Context, product *domain.Product) error {
	if product.Version.Value == 1 {
		return r.insertProduct(ctx, product)
	}
	return r.updateProduct(ctx, product)
}

func (r *PostgresProductRepository) insertProduct(ctx context.Context, product *domain.Product) error {
	query := `
		INSERT INTO products (
			id, name, amount, currency, stock, created_at, updated_at, version
		) VALUES (
			:id, :name, :amount, :currency, :stock, :created_at, :updated_at, :version
		)`

	if _, err := r.db.NamedExecContext(ctx, query, r.toPostgres(product)); err != nil {
		return errors.Wrap(err, "failed to insert product")
	}
	return nil
}

func (r *PostgresProductRepository) updateProduct(ctx context.Context, product *domain.Product) error {
	query := `
		UPDATE products
		SET name = :name, amount = :amount, currency = :currency,
			stock = :stock, updated_at = :updated_at, version = :version
		WHERE id = :id AND version = :old_version`

	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":          product.ID.String(),
		"name":        product.Name,
		"amount":      product.Price.Amount,
		"currency":    product.Price.Currency,
		"stock":       product.Stock,
		"updated_at":  product.Timestamps.UpdatedAt,
		"version":     product.Version.Value,
		"old_version": product.Version.Value - 1, // Optimistic locking
	})
	if err != nil {
		return errors.Wrap(err, "failed to update product")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}
	if affected == 0 {
		return errors.Errorf("product %s version conflict", product.ID)
	}
	return nil
}

// FindByID finds a product by ID
func (r *PostgresProductRepository) FindByID(ctx context.Context, id models.ID) (*domain.Product, error) {
	query := `
		SELECT id, name, amount, currency, stock, created_at, updated_at, version
		FROM products
		WHERE id = $1`

	var pgProduct postgresProduct
	err := r.db.GetContext(ctx, &pgProduct, query, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Product not found
		}
		return nil, errors.Wrap(err, "failed to find product")
	}

	return r.toDomain(&pgProduct)
}

func (r *PostgresProductRepository) toPostgres(product *domain.Product) *postgresProduct {
	return &postgresProduct{
		ID:        product.ID.String(),
		Name:      product.Name,
		Amount:    product.Price.Amount,
		Currency:  product.Price.Currency,
		Stock:     product.Stock,
		CreatedAt: product.Timestamps.CreatedAt,
		UpdatedAt: product.Timestamps.UpdatedAt,
		Version:   product.Version.Value,
	}
}

func (r *PostgresProductRepository) toDomain(pgProduct *postgresProduct) (*domain.Product, error) {
	id, err := models.NewID(pgProduct.ID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid product ID")
	}

	return &domain.Product{
		ID:    id,
		Name:  pgProduct.Name,
		Price: models.NewMoney(pgProduct.Amount, pgProduct.Currency),
		Stock: pgProduct.Stock,
		Timestamps: models.Timestamps{
			CreatedAt: pgProduct.CreatedAt,
			UpdatedAt: pgProduct.UpdatedAt,
		},
		Version: models.Version{Value: pgProduct.Version},
	}, nil
}

// PostgresReservationRepository implements ReservationRepository using PostgreSQL
type PostgresReservationRepository struct {
	db *sqlx.DB
}

// NewPostgresReservationRepository creates a new PostgresReservationRepository
func NewPostgresReservationRepository(db *sqlx.DB) *PostgresReservationRepository {
	return &PostgresReservationRepository{db: db}
}

type postgresReservation struct {
	ID        string    `db:"id"`
	OrderID   string    `db:"order_id"`
	ProductID string    `db:"product_id"`
	Quantity  int       `db:"quantity"`
	CreatedAt time.Time `db:"created_at"`
}

// Save inserts a reservation row
func (r *PostgresReservationRepository) Save(ctx context.Context, reservation *domain.StockReservation) error {
	query := `
		INSERT INTO stock_reservations (id, order_id, product_id, quantity, created_at)
		VALUES (:id, :order_id, :product_id, :quantity, :created_at)`

	_, err := r.db.NamedExecContext(ctx, query, &postgresReservation{
		ID:        reservation.ID.String(),
		OrderID:   reservation.OrderID.String(),
		ProductID: reservation.ProductID.String(),
		Quantity:  reservation.Quantity,
		CreatedAt: reservation.Timestamps.CreatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "failed to insert stock reservation")
	}
	return nil
}

// FindByOrderID returns all reservations held for an order
func (r *PostgresReservationRepository) FindByOrderID(ctx context.Context, orderID models.ID) ([]*domain.StockReservation, error) {
	query := `
		SELECT id, order_id, product_id, quantity, created_at
		FROM stock_reservations
		WHERE order_id = $1
		ORDER BY created_at`

	var pgReservations []postgresReservation
	if err := r.db.SelectContext(ctx, &pgReservations, query, orderID.String()); err != nil {
		return nil, errors.Wrap(err, "failed to find stock reservations")
	}

	reservations := make([]*domain.StockReservation, len(pgReservations))
	for i, pg := range pgReservations {
		id, err := models.NewID(pg.ID)
		if err != nil {
			return nil, errors.Wrap(err, "invalid reservation ID")
		}
		oid, err := models.NewID(pg.OrderID)
		if err != nil {
			return nil, errors.Wrap(err, "invalid order ID")
		}
		pid, err := models.NewID(pg.ProductID)
		if err != nil {
			return nil, errors.Wrap(err, "invalid product ID")
		}

		reservations[i] = &domain.StockReservation{
			ID:         id,
			OrderID:    oid,
			ProductID:  pid,
			Quantity:   pg.Quantity,
			Timestamps: models.Timestamps{CreatedAt: pg.CreatedAt, UpdatedAt: pg.CreatedAt},
		}
	}
	return reservations, nil
}

// Delete removes a reservation row. Deleting a row that is already gone
// succeeds.
func (r *PostgresReservationRepository) Delete(ctx context.Context, id models.ID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM stock_reservations WHERE id = $1`, id.String()); err != nil {
		return errors.Wrap(err, "failed to delete stock reservation")
	}
	return nil
}
