package dripflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sqlBackend keeps jobs in a relational table, claimed under a row lock.
type sqlBackend struct {
	db      *sql.DB
	dialect Dialect
	queue   string
	jobs    string
	queues  string
	cfg     *Config
}

func newSQLBackend(cfg *Config) *sqlBackend {
	return &sqlBackend{
		db:      cfg.DB,
		dialect: cfg.Dialect,
		queue:   cfg.Queue,
		jobs:    cfg.Dialect.Table(cfg.DbName, "jobs"),
		queues:  cfg.Dialect.Table(cfg.DbName, "queues"),
		cfg:     cfg,
	}
}

const jobColumns = `id, queue, job_key, operation, status, payload, last_error, locked_by,
	locked_until, attempt, max_attempts, available_at, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var (
		rec         JobRecord
		key         sql.NullString
		operation   string
		status      string
		payload     string
		lastError   sql.NullString
		lockedBy    sql.NullString
		lockedUntil sql.NullInt64
		availableAt int64
		createdAt   int64
		updatedAt   int64
		finishedAt  sql.NullInt64
	)
	err := row.Scan(
		&rec.ID,
		&rec.Queue,
		&key,
		&operation,
		&status,
		&payload,
		&lastError,
		&lockedBy,
		&lockedUntil,
		&rec.Attempt,
		&rec.MaxAttempts,
		&availableAt,
		&createdAt,
		&updatedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Key = key.String
	rec.Operation = Operation(operation)
	rec.Status = JobStatus(status)
	rec.Payload = []byte(payload)
	rec.LastError = lastError.String
	if lockedBy.Valid {
		s := lockedBy.String
		rec.LockedBy = &s
	}
	if lockedUntil.Valid {
		t := fromMillis(lockedUntil.Int64)
		rec.LockedUntil = &t
	}
	rec.AvailableAt = fromMillis(availableAt)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	if finishedAt.Valid {
		t := fromMillis(finishedAt.Int64)
		rec.FinishedAt = &t
	}
	return &rec, nil
}

func (b *sqlBackend) dedupeKey(key string) sql.NullString {
	if key == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: b.queue + "|" + key, Valid: true}
}

func (b *sqlBackend) migrate(ctx context.Context) error {
	for _, stmt := range QueueSchemaSQL(b.dialect, b.cfg.DbName) {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create queue schema: %w", err)
		}
	}
	return nil
}

func (b *sqlBackend) insert(ctx context.Context, rec *JobRecord) (*JobRecord, error) {
	query := b.dialect.Rebind(`INSERT INTO ` + b.jobs + ` (id, queue, job_key, dedupe_key, operation, status, payload,
		attempt, max_attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`)
	_, err := b.db.ExecContext(ctx, query,
		rec.ID,
		rec.Queue,
		nullString(rec.Key),
		b.dedupeKey(rec.Key),
		string(rec.Operation),
		string(rec.Status),
		string(rec.Payload),
		rec.MaxAttempts,
		toMillis(rec.AvailableAt),
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
	)
	if err == nil {
		return rec, nil
	}
	if !b.dialect.IsUniqueViolation(err) || rec.Key == "" {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	row := b.db.QueryRowContext(ctx,
		b.dialect.Rebind(`SELECT `+jobColumns+` FROM `+b.jobs+` WHERE dedupe_key = ?`),
		b.dedupeKey(rec.Key))
	existing, scanErr := scanJob(row)
	if scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			// The blocking job was claimed between our insert and this read.
			return nil, fmt.Errorf("failed to insert job: %w", err)
		}
		return nil, fmt.Errorf("load duplicate job: %w", scanErr)
	}
	return existing, ErrDuplicateJob
}

// claim looks for a PENDING job that is due, or an IN_PROGRESS job whose lock
// expired, and assigns it to workerID inside one transaction.
func (b *sqlBackend) claim(ctx context.Context, workerID string, now, lockUntil time.Time) (*JobRecord, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := toMillis(now)
	query := b.dialect.Rebind(`SELECT ` + jobColumns + ` FROM ` + b.jobs + `
		WHERE queue = ?
		  AND (
		    (status = ? AND available_at <= ?)
		    OR (status = ? AND locked_until < ?)
		  )
		ORDER BY available_at
		LIMIT 1` + b.dialect.SkipLocked())
	rec, err := scanJob(tx.QueryRowContext(ctx, query, b.queue, JobPending, nowMs, JobInProgress, nowMs))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select ready job: %w", err)
	}

	stmt := b.dialect.Rebind(`UPDATE ` + b.jobs + `
		SET status = ?, locked_by = ?, locked_until = ?, attempt = attempt + 1,
		    dedupe_key = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND updated_at = ?`)
	res, err := tx.ExecContext(ctx, stmt,
		JobInProgress,
		workerID,
		toMillis(lockUntil),
		nowMs,
		rec.ID,
		rec.Status,
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("assign job %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim of job %s: %w", rec.ID, err)
	}

	rec.Status = JobInProgress
	rec.LockedBy = &workerID
	rec.LockedUntil = &lockUntil
	rec.Attempt++
	rec.UpdatedAt = fromMillis(nowMs)
	return rec, nil
}

func (b *sqlBackend) complete(ctx context.Context, rec *JobRecord, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	if b.cfg.KeepCompleted == 0 {
		res, err = b.db.ExecContext(ctx,
			b.dialect.Rebind(`DELETE FROM `+b.jobs+` WHERE id = ? AND locked_by = ?`),
			rec.ID, lockOwner(rec))
	} else {
		res, err = b.db.ExecContext(ctx, b.dialect.Rebind(`UPDATE `+b.jobs+`
			SET status = ?, locked_by = NULL, locked_until = NULL, finished_at = ?, updated_at = ?
			WHERE id = ? AND locked_by = ?`),
			JobCompleted, toMillis(now), toMillis(now), rec.ID, lockOwner(rec))
	}
	if err != nil {
		return fmt.Errorf("complete job %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errLostLock
	}
	if b.cfg.KeepCompleted > 0 {
		return b.prune(ctx, JobCompleted, b.cfg.KeepCompleted)
	}
	return nil
}

func (b *sqlBackend) retry(ctx context.Context, rec *JobRecord, availableAt time.Time, errMsg string, now time.Time) error {
	stmt := b.dialect.Rebind(`UPDATE ` + b.jobs + `
		SET status = ?, available_at = ?, last_error = ?, locked_by = NULL, locked_until = NULL,
		    dedupe_key = ?, updated_at = ?
		WHERE id = ? AND locked_by = ?`)
	args := []any{JobPending, toMillis(availableAt), errMsg, b.dedupeKey(rec.Key), toMillis(now), rec.ID, lockOwner(rec)}
	res, err := b.db.ExecContext(ctx, stmt, args...)
	if err != nil && b.dialect.IsUniqueViolation(err) {
		// A fresh job with the same key was enqueued while this one ran. Keep
		// both rather than lose the retry; only the fresh one blocks new keys.
		args[3] = sql.NullString{}
		res, err = b.db.ExecContext(ctx, stmt, args...)
	}
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errLostLock
	}
	return nil
}

func (b *sqlBackend) fail(ctx context.Context, rec *JobRecord, errMsg string, now time.Time) error {
	res, err := b.db.ExecContext(ctx, b.dialect.Rebind(`UPDATE `+b.jobs+`
		SET status = ?, last_error = ?, locked_by = NULL, locked_until = NULL,
		    finished_at = ?, updated_at = ?
		WHERE id = ? AND locked_by = ?`),
		JobFailed, errMsg, toMillis(now), toMillis(now), rec.ID, lockOwner(rec))
	if err != nil {
		return fmt.Errorf("fail job %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errLostLock
	}
	return b.prune(ctx, JobFailed, b.cfg.KeepFailed)
}

// prune keeps the newest `keep` finished jobs with the given status.
func (b *sqlBackend) prune(ctx context.Context, status JobStatus, keep int) error {
	var cutoff int64
	err := b.db.QueryRowContext(ctx, b.dialect.Rebind(`SELECT finished_at FROM `+b.jobs+`
		WHERE queue = ? AND status = ?
		ORDER BY finished_at DESC
		LIMIT 1 OFFSET ?`), b.queue, status, keep).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find %s retention cutoff: %w", status, err)
	}
	_, err = b.db.ExecContext(ctx, b.dialect.Rebind(`DELETE FROM `+b.jobs+`
		WHERE queue = ? AND status = ? AND finished_at <= ?`), b.queue, status, cutoff)
	if err != nil {
		return fmt.Errorf("prune %s jobs: %w", status, err)
	}
	return nil
}

func (b *sqlBackend) get(ctx context.Context, id string) (*JobRecord, error) {
	rec, err := scanJob(b.db.QueryRowContext(ctx,
		b.dialect.Rebind(`SELECT `+jobColumns+` FROM `+b.jobs+` WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return rec, err
}

func (b *sqlBackend) counts(ctx context.Context, now time.Time) (map[JobState]int, error) {
	nowMs := toMillis(now)
	query := b.dialect.Rebind(`SELECT
		COALESCE(SUM(CASE WHEN status = ? AND available_at <= ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? AND available_at > ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM ` + b.jobs + ` WHERE queue = ?`)
	var waiting, delayed, active, completed, failed int64
	err := b.db.QueryRowContext(ctx, query,
		JobPending, nowMs,
		JobPending, nowMs,
		JobInProgress,
		JobCompleted,
		JobFailed,
		b.queue,
	).Scan(&waiting, &delayed, &active, &completed, &failed)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return map[JobState]int{
		StateWaiting:   int(waiting),
		StateDelayed:   int(delayed),
		StateActive:    int(active),
		StateCompleted: int(completed),
		StateFailed:    int(failed),
	}, nil
}

func (b *sqlBackend) paused(ctx context.Context) (bool, error) {
	var paused int
	err := b.db.QueryRowContext(ctx,
		b.dialect.Rebind(`SELECT paused FROM `+b.queues+` WHERE name = ?`), b.queue).Scan(&paused)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return paused != 0, nil
}

func (b *sqlBackend) setPaused(ctx context.Context, paused bool, now time.Time) error {
	flag := 0
	if paused {
		flag = 1
	}
	update := b.dialect.Rebind(`UPDATE ` + b.queues + ` SET paused = ?, updated_at = ? WHERE name = ?`)
	res, err := b.db.ExecContext(ctx, update, flag, toMillis(now), b.queue)
	if err != nil {
		return fmt.Errorf("update pause flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = b.db.ExecContext(ctx,
		b.dialect.Rebind(`INSERT INTO `+b.queues+` (name, paused, updated_at) VALUES (?, ?, ?)`),
		b.queue, flag, toMillis(now))
	if err != nil && b.dialect.IsUniqueViolation(err) {
		// MySQL reports zero affected rows when the flag already had this value.
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert pause flag: %w", err)
	}
	return nil
}

func (b *sqlBackend) remove(ctx context.Context, key string) (int, error) {
	res, err := b.db.ExecContext(ctx,
		b.dialect.Rebind(`DELETE FROM `+b.jobs+` WHERE queue = ? AND job_key = ? AND status = ?`),
		b.queue, key, JobPending)
	if err != nil {
		return 0, fmt.Errorf("remove jobs for key %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func lockOwner(rec *JobRecord) string {
	if rec.LockedBy == nil {
		return ""
	}
	return *rec.LockedBy
}
