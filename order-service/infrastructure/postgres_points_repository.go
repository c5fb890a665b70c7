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

// PostgresPointsRepository implements PointsRepository using PostgreSQL
type PostgresPointsRepository struct {
	db *sqlx.DB
}

// NewPostgresPointsRepository creates a new PostgresPointsRepository
func NewPostgresPointsRepository(db *sqlx.DB) *PostgresPointsRepository {
	return &PostgresPointsRepository{db: db}
}

type postgresPointsAccount struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Balance   int64     `db:"balance"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Version   int       `db:"version"`
}

// Save inserts a new points account or updates its balance with an
// optimistic version check.
func (r *PostgresPointsRepository) Save(ctx context.Context, account *domain.PointsAccount) error {
	if account.Version.Value == 1 {
		return r.insertAccount(ctx, account)
	}
	return r.updateAccount(ctx, account)
}

func (r *PostgresPointsRepository) insertAccount(ctx context.Context, account *domain.PointsAccount) error {
	query := `
		INSERT INTO points_accounts (id, user_id, balance, status, created_at, updated_at, version)
		VALUES (:id, :user_id, :balance, :status, :created_at, :updated_at, :version)`

	_, err := r.db.NamedExecContext(ctx, query, &postgresPointsAccount{
		ID:        account.ID.String(),
		UserID:    account.UserID.String(),
		Balance:   account.Balance,
		Status:    string(account.Status),
		CreatedAt: account.Timestamps.CreatedAt,
		UpdatedAt: account.Timestamps.UpdatedAt,
		Version:   account.Version.Value,
	})
	if err != nil {
		return errors.Wrap(err, "failed to insert points account")
	}
	return nil
}

func (r *PostgresPointsRepository) updateAccount(ctx context.Context, account *domain.PointsAccount) error {
	query := `
		UPDATE points_accounts
		SET balance = :balance, status = :status, updated_at = :updated_at, version = :version
		WHERE id = :id AND version = :old_version`

	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":          account.ID.String(),
		"balance":     account.Balance,
		"status":      string(account.Status),
		"updated_at":  account.Timestamps.UpdatedAt,
		"version":     account.Version.Value,
		"old_version": account.Version.Value - 1, // Optimistic locking
	})
	if err != nil {
		return errors.Wrap(err, "failed to update points account")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}
	if affected == 0 {
		return errors.Errorf("points account %s version conflict", account.ID)
	}
	return nil
}

// FindByUserID finds the points account of a user
func (r *PostgresPointsRepository) FindByUserID(ctx context.Context, userID models.ID) (*domain.PointsAccount, error) {
	query := `
		SELECT id, user_id, balance, status, created_at, updated_at, version
		FROM points_accounts
		WHERE user_id = $1`

	var pgAccount postgresPointsAccount
	err := r.db.GetContext(ctx, &pgAccount, query, userID.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Account not found
		}
		return nil, errors.Wrap(err, "failed to find points account")
	}

	id, err := models.NewID(pgAccount.ID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid points account ID")
	}
	uid, err := models.NewID(pgAccount.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid user ID")
	}

	return &domain.PointsAccount{
		ID:      id,
		UserID:  uid,
		Balance: pgAccount.Balance,
		Status:  domain.PointsAccountStatus(pgAccount.Status),
		Timestamps: models.Timestamps{
			CreatedAt: pgAccount.CreatedAt,
			UpdatedAt: pgAccount.UpdatedAt,
		},
		Version: models.Version{Value: pgAccount.Version},
	}, nil
}

// PostgresPointsGrantRepository implements PointsGrantRepository using PostgreSQL
type PostgresPointsGrantRepository struct {
	db *sqlx.DB
}

// NewPostgresPointsGrantRepository creates a new PostgresPointsGrantRepository
func NewPostgresPointsGrantRepository(db *sqlx.DB) *PostgresPointsGrantRepository {
	return &PostgresPointsGrantRepository{db: db}
}

type postgresPointsGrant struct {
	ID        string    `db:"id"`
	OrderID   string    `db:"order_id"`
	UserID    string    `db:"user_id"`
	Points    int64     `db:"points"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Save inserts a points grant row
func (r *PostgresPointsGrantRepository) Save(ctx context.Context, grant *domain.PointsGrant) error {
	query := `
		INSERT INTO points_grants (id, order_id, user_id, points, created_at, updated_at)
		VALUES (:id, :order_id, :user_id, :points, :created_at, :updated_at)`

	_, err := r.db.NamedExecContext(ctx, query, &postgresPointsGrant{
		ID:        grant.ID.String(),
		OrderID:   grant.OrderID.String(),
		UserID:    grant.UserID.String(),
		Points:    grant.Points,
		CreatedAt: grant.Timestamps.CreatedAt,
		UpdatedAt: grant.Timestamps.UpdatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "failed to insert points grant")
	}
	return nil
}

// FindByOrderID finds the points grant of an order
func (r *PostgresPointsGrantRepository) FindByOrderID(ctx context.Context, orderID models.ID) (*domain.PointsGrant, error) {
	query := `
		SELECT id, order_id, user_id, points, created_at, updated_at
		FROM points_grants
		WHERE order_id = $1`

	var pgGrant postgresPointsGrant
	err := r.db.GetContext(ctx, &pgGrant, query, orderID.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Grant not found
		}
		return nil, errors.Wrap(err, "failed to find points grant")
	}

	id, err := models.NewID(pgGrant.ID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid points grant ID")
	}
	oid, err := models.NewID(pgGrant.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid order ID")
	}
	uid, err := models.NewID(pgGrant.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid user ID")
	}

	return &domain.PointsGrant{
		ID:      id,
		OrderID: oid,
		UserID:  uid,
		Points:  pgGrant.Points,
		Timestamps: models.Timestamps{
			CreatedAt: pgGrant.CreatedAt,
			UpdatedAt: pgGrant.UpdatedAt,
		},
	}, nil
}

// Delete removes a points grant row. Deleting an absent row is a no-op.
func (r *PostgresPointsGrantRepository) Delete(ctx context.Context, id models.ID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM points_grants WHERE id = $1`, id.String())
	if err != nil {
		return errors.Wrap(err, "failed to delete points grant")
	}
	return nil
}
