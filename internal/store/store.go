// Package store persists contacts, tasks, messages, runs and steps in a SQL
// database. The same statements serve SQLite, MySQL and PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sky93/dripflow"
)

const schemaVersion = 1

// SQLStore implements core.RunStore, core.ContactStore, core.TaskStore and
// core.MessageLog.
type SQLStore struct {
	db      *sql.DB
	dialect dripflow.Dialect

	contacts   string
	tasks      string
	messages   string
	runs       string
	steps      string
	migrations string

	now func() time.Time
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithSchema qualifies every table with a database or schema name.
func WithSchema(name string) Option {
	return func(s *SQLStore) {
		s.setTables(name)
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) {
		s.now = now
	}
}

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, dialect dripflow.Dialect, opts ...Option) *SQLStore {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	s.setTables("")
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) setTables(schema string) {
	s.contacts = s.dialect.Table(schema, "contacts")
	s.tasks = s.dialect.Table(schema, "tasks")
	s.messages = s.dialect.Table(schema, "messages")
	s.runs = s.dialect.Table(schema, "runs")
	s.steps = s.dialect.Table(schema, "steps")
	s.migrations = s.dialect.Table(schema, "schema_migrations")
}

// DB exposes the underlying pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Migrate creates the tables when the schema version is behind.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.migrations+` (
	version    INT NOT NULL PRIMARY KEY,
	applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM `+s.migrations).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	for _, stmt := range s.schemaV1() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO `+s.migrations+` (version, applied_at) VALUES (?, ?)`),
		schemaVersion, toMillis(s.now()))
	if err != nil && !s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

func (s *SQLStore) schemaV1() []string {
	mysql := s.dialect == dripflow.DialectMySQL

	// MySQL has no CREATE INDEX IF NOT EXISTS, so its indexes are declared inline.
	inline := func(defs ...string) string {
		if !mysql {
			return ""
		}
		out := ""
		for _, d := range defs {
			out += ",\n\t" + d
		}
		return out
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.contacts + ` (
	id         VARCHAR(64) NOT NULL PRIMARY KEY,
	owner_id   VARCHAR(64) NOT NULL,
	first_name VARCHAR(191) NOT NULL,
	last_name  VARCHAR(191),
	phone      VARCHAR(32) NOT NULL,
	email      VARCHAR(191),
	created_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + s.runs + ` (
	id            VARCHAR(36) NOT NULL PRIMARY KEY,
	subject_id    VARCHAR(64) NOT NULL,
	owner_id      VARCHAR(64) NOT NULL,
	workflow_key  VARCHAR(64) NOT NULL,
	status        VARCHAR(16) NOT NULL,
	active_key    VARCHAR(191) UNIQUE,
	started_at    BIGINT NOT NULL,
	completed_at  BIGINT,
	error_message TEXT,
	updated_at    BIGINT NOT NULL` + inline(
			"INDEX runs_subject_idx (subject_id, workflow_key)",
			"INDEX runs_started_idx (started_at)",
		) + `
)`,
		`CREATE TABLE IF NOT EXISTS ` + s.steps + ` (
	id          VARCHAR(36) NOT NULL PRIMARY KEY,
	run_id      VARCHAR(36) NOT NULL,
	name        VARCHAR(191) NOT NULL,
	seq         INT NOT NULL,
	status      VARCHAR(16) NOT NULL,
	executed_at BIGINT NOT NULL,
	UNIQUE (run_id, seq)
)`,
		`CREATE TABLE IF NOT EXISTS ` + s.tasks + ` (
	id          VARCHAR(36) NOT NULL PRIMARY KEY,
	contact_id  VARCHAR(64) NOT NULL,
	owner_id    VARCHAR(64) NOT NULL,
	run_id      VARCHAR(36),
	title       VARCHAR(191) NOT NULL,
	description TEXT,
	due_at      BIGINT,
	created_at  BIGINT NOT NULL` + inline("INDEX tasks_contact_idx (contact_id)") + `
)`,
		`CREATE TABLE IF NOT EXISTS ` + s.messages + ` (
	id          VARCHAR(36) NOT NULL PRIMARY KEY,
	contact_id  VARCHAR(64) NOT NULL,
	run_id      VARCHAR(36),
	to_phone    VARCHAR(32) NOT NULL,
	body        TEXT NOT NULL,
	provider_id VARCHAR(191),
	sent_at     BIGINT NOT NULL` + inline("INDEX messages_contact_idx (contact_id)") + `
)`,
	}
	if !mysql {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS runs_subject_idx ON `+s.runs+` (subject_id, workflow_key)`,
			`CREATE INDEX IF NOT EXISTS runs_started_idx ON `+s.runs+` (started_at)`,
			`CREATE INDEX IF NOT EXISTS tasks_contact_idx ON `+s.tasks+` (contact_id)`,
			`CREATE INDEX IF NOT EXISTS messages_contact_idx ON `+s.messages+` (contact_id)`,
		)
	}
	return stmts
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}
