package dripflow

import "fmt"

// QueueSchemaSQL returns the statements creating the queue tables for a dialect.
//
// Timestamps are unix milliseconds so that readiness comparisons behave the
// same on every engine. dedupe_key is only populated while a job waits, which
// is what lets the UNIQUE constraint reject a second waiting job per key.
func QueueSchemaSQL(d Dialect, dbName string) []string {
	jobs := d.Table(dbName, "jobs")
	queues := d.Table(dbName, "queues")

	readyIndex := ""
	if d == DialectMySQL {
		readyIndex = ",\n\tINDEX jobs_ready_idx (queue, status, available_at)"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id           VARCHAR(36) NOT NULL PRIMARY KEY,
	queue        VARCHAR(191) NOT NULL,
	job_key      VARCHAR(191),
	dedupe_key   VARCHAR(255) UNIQUE,
	operation    VARCHAR(191) NOT NULL,
	status       VARCHAR(16) NOT NULL,
	payload      TEXT NOT NULL,
	last_error   TEXT,
	locked_by    VARCHAR(191),
	locked_until BIGINT,
	attempt      INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL,
	available_at BIGINT NOT NULL,
	created_at   BIGINT NOT NULL,
	updated_at   BIGINT NOT NULL,
	finished_at  BIGINT%s
)`, jobs, readyIndex),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name       VARCHAR(191) NOT NULL PRIMARY KEY,
	paused     INT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL
)`, queues),
	}
	if d != DialectMySQL {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS jobs_ready_idx ON %s (queue, status, available_at)`, jobs))
	}
	return stmts
}
