package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/dharsanguruparan/callscript/internal/config"
)

// Connect opens a pgx connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "database: parse dsn")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "database: open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "database: ping")
	}
	return pool, nil
}

// Execer is the slice of a pool EnsureSchema needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the tables the workers read and write. Production databases
// are migrated elsewhere; this keeps local stacks self-contained.
const Schema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	ringba_campaign_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (org_id, ringba_campaign_id)
);
CREATE TABLE IF NOT EXISTS calls (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	ringba_call_id TEXT NOT NULL UNIQUE,
	campaign_id TEXT REFERENCES campaigns(id),
	start_time_utc TIMESTAMPTZ NOT NULL,
	caller_number TEXT,
	duration_seconds INT NOT NULL DEFAULT 0,
	revenue NUMERIC NOT NULL DEFAULT 0,
	payout NUMERIC NOT NULL DEFAULT 0,
	publisher_id TEXT,
	buyer_name TEXT,
	audio_url TEXT,
	storage_path TEXT,
	claimed_at TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INT NOT NULL DEFAULT 0,
	processing_error TEXT,
	skip_reason TEXT,
	raw_payload JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_calls_vault_queue
	ON calls (start_time_utc DESC) WHERE status = 'pending' AND storage_path IS NULL;
CREATE INDEX IF NOT EXISTS idx_calls_status ON calls (status);
CREATE TABLE IF NOT EXISTS organization_credentials (
	org_id TEXT PRIMARY KEY,
	org_name TEXT NOT NULL DEFAULT '',
	account_id TEXT NOT NULL,
	token TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT true
);`

// EnsureSchema creates the tables if needed.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return eris.Wrap(err, "database: ensure schema")
	}
	return nil
}
