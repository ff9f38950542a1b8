package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEpochStore implements EpochStore on a PostgreSQL backend so
// fencing epochs survive even when the coordination service is flushed.
type PostgresEpochStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEpochStore initializes a new PostgresEpochStore with a small
// dedicated pool.
func NewPostgresEpochStore(ctx context.Context, connString string) (*PostgresEpochStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 4
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresEpochStore{pool: pool}, nil
}

// EnsureSchema creates the epoch table if it does not exist.
func (s *PostgresEpochStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS fencing_epochs (
			resource TEXT PRIMARY KEY,
			epoch BIGINT NOT NULL DEFAULT 0
		)
	`
	_, err := s.pool.Exec(ctx, query)
	return err
}

// Close closes the connection pool.
func (s *PostgresEpochStore) Close() {
	s.pool.Close()
}

func (s *PostgresEpochStore) IncrementEpoch(ctx context.Context, resource string) (int64, error) {
	query := `
		INSERT INTO fencing_epochs (resource, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource) DO UPDATE SET epoch = fencing_epochs.epoch + 1
		RETURNING epoch
	`
	var epoch int64
	if err := s.pool.QueryRow(ctx, query, resource).Scan(&epoch); err != nil {
		return 0, err
	}
	return epoch, nil
}

func (s *PostgresEpochStore) Epoch(ctx context.Context, resource string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx,
		`SELECT epoch FROM fencing_epochs WHERE resource = $1`, resource).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return epoch, nil
}
