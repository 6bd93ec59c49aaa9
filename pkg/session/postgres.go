package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createSessionsTable = `
	CREATE TABLE IF NOT EXISTS esb_sessions (
		mprn       TEXT PRIMARY KEY,
		data       BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PostgresBackend stores sessions in the esb_sessions table.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects to databaseURL and creates the table if needed.
func NewPostgresBackend(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, createSessionsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create esb_sessions table: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

// Read implements Backend.
func (p *PostgresBackend) Read(ctx context.Context, mprn string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM esb_sessions WHERE mprn = $1`, mprn).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return data, nil
}

// Write implements Backend.
func (p *PostgresBackend) Write(ctx context.Context, mprn string, data []byte) error {
	query := `
		INSERT INTO esb_sessions (mprn, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (mprn) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`
	if _, err := p.pool.Exec(ctx, query, mprn, data); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (p *PostgresBackend) Delete(ctx context.Context, mprn string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM esb_sessions WHERE mprn = $1`, mprn)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Backend.
func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}
