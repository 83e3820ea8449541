package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/score-integrity/internal/config"
)

// Repository provides PostgreSQL-based data access for the score ledger,
// the level catalog and the dead letter store
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks that the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS games (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			time_limit_seconds DOUBLE PRECISION NOT NULL DEFAULT 60,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS levels (
			id VARCHAR(64) PRIMARY KEY,
			game_id VARCHAR(64) NOT NULL REFERENCES games(id) ON DELETE CASCADE,
			max_score BIGINT NOT NULL,
			time_limit_seconds DOUBLE PRECISION,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scores (
			id VARCHAR(64) PRIMARY KEY,
			level_id VARCHAR(64) NOT NULL,
			game_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(64),
			username VARCHAR(255) NOT NULL DEFAULT '',
			value BIGINT NOT NULL,
			duration DOUBLE PRECISION NOT NULL,
			meta JSONB,
			status VARCHAR(16) NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'valid', 'invalid')),
			validation_info JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			job_id VARCHAR(64) PRIMARY KEY,
			score_id VARCHAR(64) NOT NULL,
			job JSONB NOT NULL,
			reason TEXT NOT NULL,
			attempts INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			resolution TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_ranked ON scores(level_id, value DESC, created_at ASC)
			WHERE status IN ('pending', 'valid')`,
		`CREATE INDEX IF NOT EXISTS idx_scores_user ON scores(user_id, level_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_open ON dead_letters(created_at) WHERE resolved_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_score ON dead_letters(score_id)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling json column: %w", err)
	}
	return data, nil
}
