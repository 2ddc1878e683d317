// Package store is the PostgreSQL persistence layer: product identities,
// append-only price history, crawl tasks, the watch list, and monitor
// rules. Repositories share one connection pool and a per-call timeout.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store bundles the repositories over a shared pool.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration

	Drugs   *DrugRepo
	Tasks   *TaskRepo
	Watch   *WatchRepo
	Monitor *MonitorRepo
}

// Open connects to Postgres, verifies the connection, and builds the
// repository set.
func Open(ctx context.Context, databaseURL string, timeout time.Duration) (*Store, error) {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db, timeout), nil
}

// New wraps an existing pool; used by tests with sqlmock.
func New(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	s := &Store{db: db, timeout: timeout}
	s.Drugs = &DrugRepo{db: db, timeout: timeout}
	s.Tasks = &TaskRepo{db: db, timeout: timeout}
	s.Watch = &WatchRepo{db: db, timeout: timeout}
	s.Monitor = &MonitorRepo{db: db, timeout: timeout}
	return s
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity within the store timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS drugs (
		id                  BIGSERIAL PRIMARY KEY,
		upstream_id         BIGINT,
		name                TEXT NOT NULL,
		specification       TEXT NOT NULL DEFAULT '',
		manufacturer        TEXT NOT NULL DEFAULT '',
		category            TEXT NOT NULL DEFAULT 'unknown',
		category_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		category_source     TEXT NOT NULL DEFAULT '',
		approval_number     TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS drugs_identity_idx
		ON drugs (name, specification, manufacturer)`,
	`CREATE INDEX IF NOT EXISTS drugs_upstream_idx ON drugs (upstream_id)`,

	`CREATE TABLE IF NOT EXISTS prices (
		id             BIGSERIAL PRIMARY KEY,
		drug_id        BIGINT NOT NULL REFERENCES drugs(id) ON DELETE CASCADE,
		price_cents    BIGINT NOT NULL,
		supplier_name  TEXT NOT NULL DEFAULT '',
		supplier_id    BIGINT,
		source_url     TEXT NOT NULL DEFAULT '',
		crawled_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_outlier     INTEGER NOT NULL DEFAULT 0,
		outlier_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS prices_drug_time_idx ON prices (drug_id, crawled_at DESC)`,

	`CREATE TABLE IF NOT EXISTS drug_aliases (
		id      BIGSERIAL PRIMARY KEY,
		drug_id BIGINT NOT NULL REFERENCES drugs(id) ON DELETE CASCADE,
		alias   TEXT NOT NULL,
		UNIQUE (drug_id, alias)
	)`,

	`CREATE TABLE IF NOT EXISTS crawl_tasks (
		id                 BIGSERIAL PRIMARY KEY,
		name               TEXT NOT NULL DEFAULT '',
		keywords           TEXT NOT NULL,
		status             TEXT NOT NULL DEFAULT 'pending',
		total_keywords     INTEGER NOT NULL DEFAULT 0,
		completed_keywords INTEGER NOT NULL DEFAULT 0,
		failed_keywords    INTEGER NOT NULL DEFAULT 0,
		total_items        INTEGER NOT NULL DEFAULT 0,
		last_error         TEXT,
		started_at         TIMESTAMPTZ,
		completed_at       TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS watch_list (
		id              BIGSERIAL PRIMARY KEY,
		keyword         TEXT NOT NULL UNIQUE,
		category_hint   TEXT NOT NULL DEFAULT '',
		priority        INTEGER NOT NULL DEFAULT 0,
		enabled         BOOLEAN NOT NULL DEFAULT TRUE,
		added_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_crawled_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS monitor_rules (
		id            BIGSERIAL PRIMARY KEY,
		drug_id       BIGINT NOT NULL REFERENCES drugs(id) ON DELETE CASCADE,
		kind          TEXT NOT NULL,
		threshold_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		enabled       BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id          BIGSERIAL PRIMARY KEY,
		drug_id     BIGINT NOT NULL,
		rule_id     BIGINT NOT NULL,
		kind        TEXT NOT NULL,
		message     TEXT NOT NULL,
		price_cents BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS alerts_drug_idx ON alerts (drug_id, created_at DESC)`,
}

// EnsureSchema creates missing tables and indexes. Statements are
// idempotent; running against an existing database is safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(schemaStatements)))
	defer cancel()
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
