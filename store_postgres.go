package ordersaga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists saga state to Postgres with optimistic versioning.
// The serialized state is opaque to the database; the version column carries
// the concurrency token.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the saga_states table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS saga_states (
			correlation_id UUID PRIMARY KEY,
			version        BIGINT NOT NULL,
			state          JSONB NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ordersaga: migrate: %w", err)
	}
	return nil
}

// Save upserts the state. The row update is guarded by the expected version,
// so a stale writer matches no row and fails with ErrVersionConflict.
func (s *PostgresStore) Save(ctx context.Context, state *SagaState) error {
	stored := state.clone()
	stored.Version++

	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("ordersaga: marshal state: %w", err)
	}

	const query = `
		INSERT INTO saga_states (correlation_id, version, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (correlation_id) DO UPDATE
		SET version = $2, state = $3, updated_at = now()
		WHERE saga_states.version = $4
		RETURNING version
	`

	var newVersion int64
	err = s.pool.QueryRow(ctx, query,
		state.CorrelationID, stored.Version, payload, state.Version,
	).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVersionConflict
		}
		return fmt.Errorf("ordersaga: save state: %w", err)
	}

	state.Version = newVersion
	return nil
}

// GetByCorrelationID loads and deserializes the state. The version column is
// authoritative over whatever the serialized payload carries.
func (s *PostgresStore) GetByCorrelationID(ctx context.Context, id uuid.UUID) (*SagaState, error) {
	const query = `SELECT state, version FROM saga_states WHERE correlation_id = $1`

	var payload []byte
	var version int64
	err := s.pool.QueryRow(ctx, query, id).Scan(&payload, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("ordersaga: load state: %w", err)
	}

	var state SagaState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("ordersaga: unmarshal state: %w", err)
	}
	state.Version = version

	return &state, nil
}
