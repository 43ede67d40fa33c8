// Package jobstore is the durable control-plane persistence layer for crawl
// jobs (spec §6.1's Admit API lifecycle), backed by jackc/pgx/v5's pgxpool.
// Grounded on the teacher's microservices/shared/database/database.go (pool
// setup, retry-with-backoff connect, PgBouncer-safe simple protocol) and
// microservices/orchestrator/internal/repository/execution_repository.go
// (insert/scan/update pattern), generalized from one-shot workflow
// executions to crawlcore's continuously-running jobs.
package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/corpusflow/crawlcore/internal/config"
	"github.com/corpusflow/crawlcore/internal/logging"
)

// DB wraps the pgxpool connection pool used for job records.
type DB struct {
	Pool *pgxpool.Pool
}

// Connect dials Postgres with bounded retries, PgBouncer-safe simple-query
// protocol, and a short health check, mirroring the teacher's NewDB.
func Connect(ctx context.Context, cfg config.JobsConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("jobstore: parse dsn: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = time.Duration(cfg.ConnMaxLifetime) * time.Second
	poolConfig.MaxConnIdleTime = 30 * time.Second
	poolConfig.HealthCheckPeriod = 15 * time.Second
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	const maxRetries = 5
	retryDelay := time.Second

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= maxRetries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err = pgxpool.NewWithConfig(dialCtx, poolConfig)
		cancel()

		if err == nil {
			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			pingErr := pool.Ping(pingCtx)
			pingCancel()
			if pingErr == nil {
				break
			}
			pool.Close()
			err = pingErr
		}

		if attempt < maxRetries {
			logging.Warn("jobstore: connect failed, retrying",
				zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: connect after %d attempts: %w", maxRetries, err)
	}

	return &DB{Pool: pool}, nil
}

// Close releases the connection pool.
func (db *DB) Close() { db.Pool.Close() }

// EnsureSchema creates the jobs and domain_policies tables if they do not
// already exist. crawlcore owns its own schema; there is no external
// migration tool in the corpus, so this runs at boot like the teacher's
// implicit reliance on a pre-provisioned schema, made explicit here.
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	seed_source    TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ,
	urls_scheduled BIGINT NOT NULL DEFAULT 0,
	urls_completed BIGINT NOT NULL DEFAULT 0,
	urls_failed    BIGINT NOT NULL DEFAULT 0,
	metadata       JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS domain_policies (
	host          TEXT PRIMARY KEY,
	allowed       BOOLEAN NOT NULL DEFAULT true,
	custom_delay_ms BIGINT,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`)
	if err != nil {
		return fmt.Errorf("jobstore: ensure schema: %w", err)
	}
	return nil
}
