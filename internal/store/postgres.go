package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	sqlEnsureSchema = `
        CREATE TABLE IF NOT EXISTS opero_records (
            name       TEXT PRIMARY KEY,
            value      JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );
    `
	sqlLoadRecord = `SELECT value FROM opero_records WHERE name = $1`
	sqlSaveRecord = `
        INSERT INTO opero_records (name, value, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (name) DO UPDATE SET
            value = EXCLUDED.value,
            updated_at = EXCLUDED.updated_at;
    `
)

// PostgresBackend stores records as rows of the opero_records table.
// Each Save is a single upsert, so readers see either the old or the new value.
type PostgresBackend struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgresBackend verifies the connection and returns the backend.
func NewPostgresBackend(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresBackend, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresBackend{
		pool: pool,
		log:  logger.Named("store.postgres"),
	}, nil
}

// EnsureSchema creates the records table if it does not exist.
func (p *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, sqlEnsureSchema); err != nil {
		return fmt.Errorf("failed to create opero_records table: %w", err)
	}
	return nil
}

// Load implements Backend.
func (p *PostgresBackend) Load(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, sqlLoadRecord, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record %q: %w", name, err)
	}
	return value, nil
}

// Save implements Backend.
func (p *PostgresBackend) Save(ctx context.Context, name string, value []byte) error {
	tag, err := p.pool.Exec(ctx, sqlSaveRecord, name, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert record %q: %w", name, err)
	}
	p.log.Debug("Record saved.", zap.String("name", name), zap.Int64("rows", tag.RowsAffected()))
	return nil
}

// Close implements Backend.
func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}
