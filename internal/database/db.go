// Package database persists consensus decisions in PostgreSQL. The store
// is append-only; decisions are never updated after insert.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"finance-feedback-engine/config"
	"finance-feedback-engine/internal/logging"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger
}

// NewDB connects to the database named by cfg.URL and verifies the
// connection with a ping.
func NewDB(cfg config.DatabaseConfig, log *logging.Logger) (*DB, error) {
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("database")

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	poolConfig.MaxConns = int32(maxConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info("connected to PostgreSQL", "max_conns", maxConns)
	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("database connection closed")
	}
}

// RunMigrations creates the decisions schema. Statements are idempotent
// so the service can re-run them on every start.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id UUID PRIMARY KEY,
			asset VARCHAR(40) NOT NULL,
			action VARCHAR(4) NOT NULL,
			confidence SMALLINT NOT NULL,
			reasoning TEXT,
			strategy VARCHAR(30) NOT NULL,
			fallback_tier VARCHAR(30) NOT NULL,
			providers_used TEXT[],
			providers_failed TEXT[],
			agreement_score DECIMAL(6, 4),
			confidence_variance DECIMAL(12, 4),
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_asset ON decisions(asset)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_action ON decisions(action)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_strategy ON decisions(strategy)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_tier ON decisions(fallback_tier)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info("database migrations completed")
	return nil
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
