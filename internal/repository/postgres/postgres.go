// Package postgres implements the job repository (spec components D/E) on
// jackc/pgx/v5's native pgxpool API, using SELECT ... FOR UPDATE SKIP LOCKED
// for the atomic claim selector — the pattern grounded on the
// ErlanBelekov-dist-job-scheduler example's ClaimAndFire transaction, which
// is the multi-process-safe equivalent of the teacher's single-connection
// sqlite approach.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	data JSONB,
	type TEXT NOT NULL DEFAULT 'normal',
	priority INTEGER NOT NULL DEFAULT 0,
	next_run_at TIMESTAMPTZ,
	locked_at TIMESTAMPTZ,
	last_run_at TIMESTAMPTZ,
	last_finished_at TIMESTAMPTZ,
	failed_at TIMESTAMPTZ,
	fail_count INTEGER NOT NULL DEFAULT 0,
	fail_reason TEXT,
	repeat_interval TEXT,
	repeat_at TEXT,
	repeat_timezone TEXT,
	start_date TIMESTAMPTZ,
	end_date TIMESTAMPTZ,
	skip_days JSONB,
	disabled BOOLEAN NOT NULL DEFAULT FALSE,
	unique_key TEXT,
	unique_insert_only BOOLEAN NOT NULL DEFAULT FALSE,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	tags JSONB,
	last_modified_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (name, disabled, next_run_at, locked_at, priority);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_single ON jobs (name) WHERE type = 'single';
`

// Store implements repository.Repository against a Postgres pool. Multiple
// processes sharing the same database get single-winner claims from
// FOR UPDATE SKIP LOCKED, not from any in-process mutex.
type Store struct {
	pool *pgxpool.Pool
	dsn  string
}

// New creates a Store bound to dsn; Connect opens the pool.
func New(dsn string) *Store {
	return &Store{dsn: dsn}
}

func (s *Store) Connect(ctx context.Context) error {
	if s.pool != nil {
		return nil
	}
	cfg, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 25
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	s.pool = pool
	return nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) SaveJob(ctx context.Context, rec *job.Record) (*job.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out, err := saveJobTx(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit save: %w", err)
	}
	return out, nil
}

func saveJobTx(ctx context.Context, tx pgx.Tx, rec *job.Record) (*job.Record, error) {
	switch {
	case rec.ID != "":
		if err := updateJob(ctx, tx, rec); err != nil {
			return nil, err
		}
		return getJobByIDTx(ctx, tx, rec.ID)
	case rec.Type == job.TypeSingle:
		return upsertByKey(ctx, tx, rec, "name = $1 AND type = 'single'", []any{rec.Name})
	case rec.Unique != "":
		if rec.UniqueOpts.InsertOnly {
			return insertOnlyByKey(ctx, tx, rec, "unique_key = $1", []any{rec.Unique})
		}
		return upsertByKey(ctx, tx, rec, "unique_key = $1", []any{rec.Unique})
	default:
		rec.ID = uuid.NewString()
		if err := insertJob(ctx, tx, rec); err != nil {
			return nil, err
		}
		return getJobByIDTx(ctx, tx, rec.ID)
	}
}

func upsertByKey(ctx context.Context, tx pgx.Tx, rec *job.Record, whereClause string, args []any) (*job.Record, error) {
	existing, err := queryOneTx(ctx, tx, "SELECT "+selectCols+" FROM jobs WHERE "+whereClause, args)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		rec.ID = existing.ID
		if rec.NextRunAt == nil {
			rec.NextRunAt = existing.NextRunAt
		}
		if err := updateJob(ctx, tx, rec); err != nil {
			return nil, err
		}
		return getJobByIDTx(ctx, tx, rec.ID)
	}
	rec.ID = uuid.NewString()
	if err := insertJob(ctx, tx, rec); err != nil {
		return nil, err
	}
	return getJobByIDTx(ctx, tx, rec.ID)
}

func insertOnlyByKey(ctx context.Context, tx pgx.Tx, rec *job.Record, whereClause string, args []any) (*job.Record, error) {
	existing, err := queryOneTx(ctx, tx, "SELECT "+selectCols+" FROM jobs WHERE "+whereClause, args)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	rec.ID = uuid.NewString()
	if err := insertJob(ctx, tx, rec); err != nil {
		return nil, err
	}
	return getJobByIDTx(ctx, tx, rec.ID)
}

// GetNextJobToRun claims the earliest due-or-lease-expired record named
// name using FOR UPDATE SKIP LOCKED so concurrent callers across processes
// never double-claim the same row (spec §4.E, I1).
func (s *Store) GetNextJobToRun(ctx context.Context, name string, scanHorizon, lockDeadline time.Time) (*job.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT id FROM jobs
		WHERE name = $1 AND disabled = FALSE
		  AND ((locked_at IS NULL AND next_run_at <= $2) OR locked_at <= $3)
		ORDER BY next_run_at ASC, priority DESC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, name, scanHorizon, lockDeadline)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: claim select: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET locked_at = $2 WHERE id = $1`, id, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("postgres: claim stamp: %w", err)
	}
	rec, err := getJobByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit claim: %w", err)
	}
	return rec, nil
}

func (s *Store) LockJob(ctx context.Context, id string, lockDeadline time.Time) (*job.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin lock: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET locked_at = $2
		WHERE id = $1 AND disabled = FALSE AND (locked_at IS NULL OR locked_at <= $3)`,
		id, time.Now().UTC(), lockDeadline)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, repository.ErrNotFound
	}
	rec, err := getJobByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit lock: %w", err)
	}
	return rec, nil
}

func (s *Store) UnlockJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET locked_at = NULL WHERE id = $1`, id)
	return err
}

func (s *Store) UnlockJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET locked_at = NULL WHERE id = ANY($1)`, ids)
	return err
}

func (s *Store) SaveJobState(ctx context.Context, id string, delta repository.StateDelta) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if delta.ClearNextRun {
		sets = append(sets, "next_run_at = NULL")
	} else if delta.NextRunAt != nil {
		add("next_run_at", *delta.NextRunAt)
	}
	if delta.LastRunAt != nil {
		add("last_run_at", *delta.LastRunAt)
	}
	if delta.LastFinishedAt != nil {
		add("last_finished_at", *delta.LastFinishedAt)
	}
	if delta.FailedAt != nil {
		add("failed_at", *delta.FailedAt)
	}
	if delta.FailCount != nil {
		add("fail_count", *delta.FailCount)
	}
	if delta.FailReason != nil {
		add("fail_reason", *delta.FailReason)
	}
	if delta.Progress != nil {
		add("progress", *delta.Progress)
	}
	if delta.ClearLock {
		sets = append(sets, "locked_at = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	_, err := s.pool.Exec(ctx, q, args...)
	return err
}

func (s *Store) RemoveJobs(ctx context.Context, q repository.Query) (int, error) {
	where, args := whereClause(q)
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: remove: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) QueryJobs(ctx context.Context, q repository.Query) (repository.Page, error) {
	where, args := whereClause(q)
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&total); err != nil {
		return repository.Page{}, fmt.Errorf("postgres: count: %w", err)
	}

	query := `SELECT ` + selectCols + ` FROM jobs WHERE ` + where + ` ORDER BY next_run_at ASC, priority DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if q.Skip > 0 {
			args = append(args, q.Skip)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return repository.Page{}, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()

	var out []*job.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return repository.Page{}, err
		}
		out = append(out, rec)
	}
	return repository.Page{Records: out, Total: total}, rows.Err()
}

func (s *Store) GetJobByID(ctx context.Context, id string) (*job.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectCols+` FROM jobs WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) GetQueueSize(ctx context.Context, name string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE ($1 = '' OR name = $1) AND disabled = FALSE
		  AND (next_run_at IS NOT NULL OR locked_at IS NOT NULL)`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: queue size: %w", err)
	}
	return n, nil
}

func (s *Store) DisableJobs(ctx context.Context, q repository.Query) (int, error) {
	where, args := whereClause(q)
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET disabled = TRUE WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) EnableJobs(ctx context.Context, q repository.Query) (int, error) {
	where, args := whereClause(q)
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET disabled = FALSE WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) GetDistinctJobNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT name FROM jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func whereClause(q repository.Query) (string, []any) {
	clauses := []string{"1 = 1"}
	var args []any
	if q.Name != "" {
		args = append(args, q.Name)
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}
	if q.Disabled != nil {
		args = append(args, *q.Disabled)
		clauses = append(clauses, fmt.Sprintf("disabled = $%d", len(args)))
	}
	for _, tag := range q.Tags {
		args = append(args, tag)
		clauses = append(clauses, fmt.Sprintf("tags ? $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

const selectCols = `id, name, data, type, priority, next_run_at, locked_at, last_run_at,
	last_finished_at, failed_at, fail_count, fail_reason, repeat_interval, repeat_at,
	repeat_timezone, start_date, end_date, skip_days, disabled, unique_key,
	unique_insert_only, progress, tags, last_modified_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*job.Record, error) {
	var (
		rec            job.Record
		data           []byte
		typ            string
		skipDays       []byte
		tags           []byte
		uniqueKey      *string
		failReason     *string
		lastModifiedBy *string
	)
	if err := row.Scan(
		&rec.ID, &rec.Name, &data, &typ, &rec.Priority, &rec.NextRunAt, &rec.LockedAt, &rec.LastRunAt,
		&rec.LastFinishedAt, &rec.FailedAt, &rec.FailCount, &failReason, &rec.RepeatInterval, &rec.RepeatAt,
		&rec.RepeatTimezone, &rec.StartDate, &rec.EndDate, &skipDays, &rec.Disabled, &uniqueKey,
		&rec.UniqueOpts.InsertOnly, &rec.Progress, &tags, &lastModifiedBy,
	); err != nil {
		return nil, err
	}
	rec.Type = job.Type(typ)
	if data != nil {
		rec.Data = json.RawMessage(data)
	}
	if failReason != nil {
		rec.FailReason = *failReason
	}
	if uniqueKey != nil {
		rec.Unique = *uniqueKey
	}
	if lastModifiedBy != nil {
		rec.LastModifiedBy = *lastModifiedBy
	}
	if len(skipDays) > 0 {
		_ = json.Unmarshal(skipDays, &rec.SkipDays)
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &rec.Tags)
	}
	return &rec, nil
}

func queryOneTx(ctx context.Context, tx pgx.Tx, query string, args []any) (*job.Record, error) {
	row := tx.QueryRow(ctx, query, args...)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func getJobByIDTx(ctx context.Context, tx pgx.Tx, id string) (*job.Record, error) {
	return queryOneTx(ctx, tx, `SELECT `+selectCols+` FROM jobs WHERE id = $1`, []any{id})
}

func insertJob(ctx context.Context, tx pgx.Tx, rec *job.Record) error {
	skipDays, _ := json.Marshal(rec.SkipDays)
	tags, _ := json.Marshal(rec.Tags)
	_, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, name, data, type, priority, next_run_at, locked_at, last_run_at,
			last_finished_at, failed_at, fail_count, fail_reason, repeat_interval, repeat_at,
			repeat_timezone, start_date, end_date, skip_days, disabled, unique_key,
			unique_insert_only, progress, tags, last_modified_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		rec.ID, rec.Name, []byte(rec.Data), string(rec.Type), int(rec.Priority), rec.NextRunAt, rec.LockedAt,
		rec.LastRunAt, rec.LastFinishedAt, rec.FailedAt, rec.FailCount, rec.FailReason, rec.RepeatInterval,
		rec.RepeatAt, rec.RepeatTimezone, rec.StartDate, rec.EndDate, skipDays, rec.Disabled,
		rec.Unique, rec.UniqueOpts.InsertOnly, rec.Progress, tags, rec.LastModifiedBy)
	return err
}

func updateJob(ctx context.Context, tx pgx.Tx, rec *job.Record) error {
	skipDays, _ := json.Marshal(rec.SkipDays)
	tags, _ := json.Marshal(rec.Tags)
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET name = $2, data = $3, type = $4, priority = $5, next_run_at = $6,
			last_run_at = $7, last_finished_at = $8, failed_at = $9, fail_count = $10, fail_reason = $11,
			repeat_interval = $12, repeat_at = $13, repeat_timezone = $14, start_date = $15, end_date = $16,
			skip_days = $17, disabled = $18, unique_key = $19, unique_insert_only = $20, progress = $21,
			tags = $22, last_modified_by = $23
		WHERE id = $1`,
		rec.ID, rec.Name, []byte(rec.Data), string(rec.Type), int(rec.Priority), rec.NextRunAt,
		rec.LastRunAt, rec.LastFinishedAt, rec.FailedAt, rec.FailCount, rec.FailReason,
		rec.RepeatInterval, rec.RepeatAt, rec.RepeatTimezone, rec.StartDate, rec.EndDate,
		skipDays, rec.Disabled, rec.Unique, rec.UniqueOpts.InsertOnly, rec.Progress,
		tags, rec.LastModifiedBy)
	return err
}
