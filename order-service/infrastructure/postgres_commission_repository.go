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

// PostgresCommissionRepository implements CommissionRepository using PostgreSQL
type PostgresCommissionRepository struct {
	db *sqlx.DB
}

// NewPostgresCommissionRepository creates a new PostgresCommissionRepository
func NewPostgresCommissionRepository(db *sqlx.DB) *PostgresCommissionRepository {
	return &PostgresCommissionRepository{db: db}
}

type postgresCommission struct {
	ID            string    `db:"id"`
	OrderID       string    `db:"order_id"`
	BeneficiaryID string    `db:"beneficiary_id"`
	Amount        int64     `db:"amount"`
	Currency      string    `db:"currency"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	Version       int       `db:"version"`
}

// Save inserts a new commission entry or updates its status with an
// optimistic version check.
func (r *PostgresCommissionRepository) Save(ctx context.Context, entry *domain.CommissionEntry) error {
	if entry.Version.Value == 1 {
		return r.insertEntry(ctx, entry)
	}
	return r.updateEntry(ctx, entry)
}

func (r *PostgresCommissionRepository) insertEntry(ctx context.Context, entry *domain.CommissionEntry) error {
	query := `
		INSERT INTO commission_entries (
			id, order_id, beneficiary_id, amount, currency, status,
			created_at, updated_at, version
		) VALUES (
			:id, :order_id, :beneficiary_id, :amount, :currency, :status,
			:created_at, :updated_at, :version
		)`

	_, err := r.db.NamedExecContext(ctx, query, &postgresCommission{
		ID:            entry.ID.String(),
		OrderID:       entry.OrderID.String(),
		BeneficiaryID: entry.BeneficiaryID.String(),
		Amount:        entry.Amount.Amount,
		Currency:      entry.Amount.Currency,
		Status:        string(entry.Status),
		CreatedAt:     entry.Timestamps.CreatedAt,
		UpdatedAt:     entry.Timestamps.UpdatedAt,
		Version:       entry.Version.Value,
	})
	if err != nil {
		return errors.Wrap(err, "failed to insert commission entry")
	}
	return nil
}

func (r *PostgresCommissionRepository) updateEntry(ctx context.Context, entry *domain.CommissionEntry) error {
	query := `
		UPDATE commission_entries
		SET status = :status, updated_at = :updated_at, version = :version
		WHERE id = :id AND version = :old_version`

	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":          entry.ID.String(),
		"status":      string(entry.Status),
		"updated_at":  entry.Timestamps.UpdatedAt,
		"version":     entry.Version.Value,
		"old_version": entry.Version.Value - 1, // Optimistic locking
	})
	if err != nil {
		return errors.Wrap(err, "failed to update commission entry")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}
	if affected == 0 {
		return errors.Errorf("commission entry %s version conflict", entry.ID)
	}
	return nil
}

// FindByOrderID finds the commission entry accrued for an order
func (r *PostgresCommissionRepository) FindByOrderID(ctx context.Context, orderID models.ID) (*domain.CommissionEntry, error) {
	query := `
		SELECT id, order_id, beneficiary_id, amount, currency, status,
			   created_at, updated_at, version
		FROM commission_entries
		WHERE order_id = $1`

	var pgEntry postgresCommission
	err := r.db.GetContext(ctx, &pgEntry, query, orderID.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No commission accrued for this order
		}
		return nil, errors.Wrap(err, "failed to find commission entry")
	}

	id, err := models.NewID(pgEntry.ID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid commission entry ID")
	}
	oid, err := models.NewID(pgEntry.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid order ID")
	}
	bid, err := models.NewID(pgEntry.BeneficiaryID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid beneficiary ID")
	}

	return &domain.CommissionEntry{
		ID:            id,
		OrderID:       oid,
		BeneficiaryID: bid,
		Amount:        models.NewMoney(pgEntry.Amount, pgEntry.Currency),
		Status:        domain.CommissionStatus(pgEntry.Status),
		Timestamps: models.Timestamps{
			CreatedAt: pgEntry.CreatedAt,
			UpdatedAt: pgEntry.UpdatedAt,
		},
		Version: models.Version{Value: pgEntry.Version},
	}, nil
}
