package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/distrimall/mall-system/shared/saga"
)

// PostgresSagaStore implements saga.ExecutionStore using PostgreSQL.
// It is the durable alternative to the in-memory store: instances
// survive restarts and stay queryable for later status lookups and
// retries.
type PostgresSagaStore struct {
	db *sqlx.DB
}

// NewPostgresSagaStore creates a new PostgresSagaStore
func NewPostgresSagaStore(db *sqlx.DB) *PostgresSagaStore {
	return &PostgresSagaStore{db: db}
}

// postgresSagaInstance represents a saga execution in the database
type postgresSagaInstance struct {
	SagaID         string     `db:"saga_id"`
	DefinitionID   string     `db:"definition_id"`
	Status         string     `db:"status"`
	InitialData    []byte     `db:"initial_data"`
	Data           []byte     `db:"data"`
	CompletedSteps []byte     `db:"completed_steps"`
	Error          string     `db:"error"`
	StartedAt      time.Time  `db:"started_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	TimeoutAt      *time.Time `db:"timeout_at"`
}

// Create inserts a new saga execution record
func (s *PostgresSagaStore) Create(ctx context.Context, instance *saga.Instance) error {
	pgInstance, err := s.toPostgres(instance)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO saga_executions (
			saga_id, definition_id, status, initial_data, data,
			completed_steps, error, started_at, updated_at, timeout_at
		) VALUES (
			:saga_id, :definition_id, :status, :initial_data, :data,
			:completed_steps, :error, :started_at, :updated_at, :timeout_at
		)`

	if _, err := s.db.NamedExecContext(ctx, query, pgInstance); err != nil {
		return errors.Wrap(err, "failed to insert saga execution")
	}

	return nil
}

// Update replaces the mutable fields of an existing execution record
func (s *PostgresSagaStore) Update(ctx context.Context, instance *saga.Instance) error {
	pgInstance, err := s.toPostgres(instance)
	if err != nil {
		return err
	}

	query := `
		UPDATE saga_executions
		SET status = :status, data = :data, completed_steps = :completed_steps,
			error = :error, updated_at = :updated_at
		WHERE saga_id = :saga_id`

	res, err := s.db.NamedExecContext(ctx, query, pgInstance)
	if err != nil {
		return errors.Wrap(err, "failed to update saga execution")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return errors.Wrap(saga.ErrInstanceNotFound, instance.SagaID)
	}

	return nil
}

// Get loads a saga execution by ID
func (s *PostgresSagaStore) Get(ctx context.Context, sagaID string) (*saga.Instance, error) {
	query := `
		SELECT saga_id, definition_id, status, initial_data, data,
			   completed_steps, error, started_at, updated_at, timeout_at
		FROM saga_executions
		WHERE saga_id = $1`

	var pgInstance postgresSagaInstance
	err := s.db.GetContext(ctx, &pgInstance, query, sagaID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrap(saga.ErrInstanceNotFound, sagaID)
		}
		return nil, errors.Wrap(err, "failed to find saga execution")
	}

	return s.toDomain(&pgInstance)
}

// toPostgres converts a saga instance to the database model
func (s *PostgresSagaStore) toPostgres(instance *saga.Instance) (*postgresSagaInstance, error) {
	initialData, err := json.Marshal(instance.InitialData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal saga initial data")
	}

	data, err := json.Marshal(instance.Data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal saga data")
	}

	completedSteps, err := json.Marshal(instance.CompletedSteps)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal completed steps")
	}

	return &postgresSagaInstance{
		SagaID:         instance.SagaID,
		DefinitionID:   instance.DefinitionID,
		Status:         string(instance.Status),
		InitialData:    initialData,
		Data:           data,
		CompletedSteps: completedSteps,
		Error:          instance.Error,
		StartedAt:      instance.StartedAt,
		UpdatedAt:      instance.UpdatedAt,
		TimeoutAt:      instance.TimeoutAt,
	}, nil
}

// toDomain converts a database model to a saga instance
func (s *PostgresSagaStore) toDomain(pgInstance *postgresSagaInstance) (*saga.Instance, error) {
	var initialData map[string]interface{}
	if err := json.Unmarshal(pgInstance.InitialData, &initialData); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal saga initial data")
	}

	var data map[string]interface{}
	if err := json.Unmarshal(pgInstance.Data, &data); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal saga data")
	}

	var completedSteps []saga.CompletedStep
	if err := json.Unmarshal(pgInstance.CompletedSteps, &completedSteps); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal completed steps")
	}

	return &saga.Instance{
		SagaID:         pgInstance.SagaID,
		DefinitionID:   pgInstance.DefinitionID,
		Status:         saga.Status(pgInstance.Status),
		InitialData:    initialData,
		Data:           data,
		CompletedSteps: completedSteps,
		Error:          pgInstance.Error,
		StartedAt:      pgInstance.StartedAt,
		UpdatedAt:      pgInstance.UpdatedAt,
		TimeoutAt:      pgInstance.TimeoutAt,
	}, nil
}
