package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS oauth_state (
	server_url TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresBackend stores state as JSONB rows keyed by server URL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects to dsn and creates the table if needed.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating oauth_state table: %w", err)
	}

	return &PostgresBackend{pool: pool}, nil
}

// Close releases the connection pool.
func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) Load(ctx context.Context, serverURL string) (*State, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT state FROM oauth_state WHERE server_url = $1`, serverURL).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying oauth state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshaling oauth state: %w", err)
	}
	return &st, nil
}

func (p *PostgresBackend) Save(ctx context.Context, serverURL string, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling oauth state: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO oauth_state (server_url, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (server_url) DO UPDATE SET state = EXCLUDED.state, updated_at = now()
	`, serverURL, data)
	if err != nil {
		return fmt.Errorf("saving oauth state: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Delete(ctx context.Context, serverURL string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM oauth_state WHERE server_url = $1`, serverURL); err != nil {
		return fmt.Errorf("deleting oauth state: %w", err)
	}
	return nil
}
