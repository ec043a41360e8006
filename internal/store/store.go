// Package store persists retry attempts, DLQ entries, webhooks and schedules
// over database/sql. One query set serves both SQLite and Postgres; queries
// are written with ? placeholders and rebound per dialect.
package store

import (
	"database/sql"
	"strconv"
	"strings"
)

// Dialect selects placeholder and DDL variants.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store implements the persistence interfaces of the retry, dlq, webhook and
// schedule packages over one database handle.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLite returns a Store over a modernc.org/sqlite connection.
func NewSQLite(db *sql.DB) *Store { return &Store{db: db, dialect: DialectSQLite} }

// NewPostgres returns a Store over a lib/pq connection.
func NewPostgres(db *sql.DB) *Store { return &Store{db: db, dialect: DialectPostgres} }

// rebind converts ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schemaBody = `
CREATE TABLE IF NOT EXISTS retry_attempts (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  attempt_number INTEGER NOT NULL,
  error_message TEXT NOT NULL DEFAULT '',
  retry_at TIMESTAMP NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','success','failed')) DEFAULT 'pending',
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_attempts(status, retry_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_retry_one_pending ON retry_attempts(task_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS dlq_entries (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  task_definition TEXT,
  error_message TEXT NOT NULL DEFAULT '',
  error_stack TEXT NOT NULL DEFAULT '',
  error_code TEXT NOT NULL DEFAULT '',
  error_timestamp TIMESTAMP NOT NULL,
  error_attempts INTEGER NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  added_at TIMESTAMP NOT NULL,
  resolved_at TIMESTAMP,
  resolution_notes TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_dlq_task ON dlq_entries(task_id);
CREATE INDEX IF NOT EXISTS idx_dlq_resolved ON dlq_entries(resolved_at);

CREATE TABLE IF NOT EXISTS webhooks (
  id TEXT PRIMARY KEY,
  url TEXT NOT NULL,
  events TEXT NOT NULL DEFAULT '[]',
  secret TEXT NOT NULL DEFAULT '',
  headers TEXT NOT NULL DEFAULT '{}',
  enabled BOOLEAN NOT NULL DEFAULT TRUE,
  retry_policy TEXT NOT NULL DEFAULT '{}',
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_events (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  data TEXT,
  occurred_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
  id TEXT PRIMARY KEY,
  webhook_id TEXT NOT NULL,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','success','failed','retrying')) DEFAULT 'pending',
  attempt_number INTEGER NOT NULL DEFAULT 1,
  response_code INTEGER NOT NULL DEFAULT 0,
  response_body TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  next_retry_at TIMESTAMP,
  sent_at TIMESTAMP,
  completed_at TIMESTAMP,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries(webhook_id, created_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_status ON webhook_deliveries(status);

CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  workflow_id TEXT NOT NULL DEFAULT '',
  cron_expression TEXT NOT NULL,
  timezone TEXT NOT NULL DEFAULT '',
  enabled BOOLEAN NOT NULL DEFAULT TRUE,
  next_execution_time TIMESTAMP,
  last_execution_time TIMESTAMP,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_execution_time);

CREATE TABLE IF NOT EXISTS schedule_executions (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  workflow_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('success','failed')),
  error_message TEXT NOT NULL DEFAULT '',
  started_at TIMESTAMP NOT NULL,
  completed_at TIMESTAMP NOT NULL,
  duration_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_schedule ON schedule_executions(schedule_id, completed_at);
`

// EnsureSchema creates tables if they don't exist.
func (s *Store) EnsureSchema() error {
	schema := schemaBody
	switch s.dialect {
	case DialectSQLite:
		schema = "PRAGMA journal_mode=WAL;\n" + schema
	case DialectPostgres:
		schema = strings.ReplaceAll(schema, "TIMESTAMP", "TIMESTAMPTZ")
	}
	_, err := s.db.Exec(schema)
	return err
}
