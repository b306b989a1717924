// Package sqlite implements the job repository (spec components D/E) on
// top of modernc.org/sqlite, the teacher's CGO-free driver choice.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	data TEXT,
	type TEXT NOT NULL DEFAULT 'normal',
	priority INTEGER NOT NULL DEFAULT 0,
	next_run_at DATETIME,
	locked_at DATETIME,
	last_run_at DATETIME,
	last_finished_at DATETIME,
	failed_at DATETIME,
	fail_count INTEGER NOT NULL DEFAULT 0,
	fail_reason TEXT,
	repeat_interval TEXT,
	repeat_at TEXT,
	repeat_timezone TEXT,
	start_date DATETIME,
	end_date DATETIME,
	skip_days TEXT,
	disabled INTEGER NOT NULL DEFAULT 0,
	unique_key TEXT,
	unique_insert_only INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	tags TEXT,
	last_modified_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (name, disabled, next_run_at, locked_at, priority);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_single ON jobs (name) WHERE type = 'single';
`

// Store implements repository.Repository on a single sqlite connection.
// The teacher's stores force MaxOpenConns=1 for sqlite ("works best with a
// single connection"); this implementation relies on that same constraint
// for GetNextJobToRun's atomicity — a single connection serializes every
// transaction in this process, giving a single-winner claim without needing
// SELECT ... FOR UPDATE SKIP LOCKED, which sqlite does not support.
type Store struct {
	db   *sql.DB
	path string
}

// Option customizes connection pool sizing, mirroring the teacher's Config.
type Option func(*sql.DB)

// New opens (or creates) the sqlite database at path. path may be
// ":memory:" for an ephemeral store used by tests.
func New(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path}, nil
}

func (s *Store) Connect(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveJob(ctx context.Context, rec *job.Record) (*job.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := saveJobTx(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit save: %w", err)
	}
	return out, nil
}

func saveJobTx(ctx context.Context, tx *sql.Tx, rec *job.Record) (*job.Record, error) {
	switch {
	case rec.ID != "":
		if err := updateJob(ctx, tx, rec); err != nil {
			return nil, err
		}
		return getJobByIDTx(ctx, tx, rec.ID)
	case rec.Type == job.TypeSingle:
		return upsertByKey(ctx, tx, rec, "name = ? AND type = 'single'", []any{rec.Name})
	case rec.Unique != "":
		if rec.UniqueOpts.InsertOnly {
			return insertOnlyByKey(ctx, tx, rec, "unique_key = ?", []any{rec.Unique})
		}
		return upsertByKey(ctx, tx, rec, "unique_key = ?", []any{rec.Unique})
	default:
		id := newID()
		rec.ID = id
		if err := insertJob(ctx, tx, rec); err != nil {
			return nil, err
		}
		return getJobByIDTx(ctx, tx, id)
	}
}

// upsertByKey updates an existing record matched by whereClause if one
// exists, preserving its existing future NextRunAt (spec §6.1 "preserving
// an existing future nextRunAt on insert via a set-on-insert merge");
// otherwise it inserts rec as a new row.
func upsertByKey(ctx context.Context, tx *sql.Tx, rec *job.Record, whereClause string, args []any) (*job.Record, error) {
	existing, err := queryOneTx(ctx, tx, "SELECT "+selectCols+" FROM jobs WHERE "+whereClause, args)
	if err != nil && err != repository.ErrNotFound {
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
	rec.ID = newID()
	if err := insertJob(ctx, tx, rec); err != nil {
		return nil, err
	}
	return getJobByIDTx(ctx, tx, rec.ID)
}

// insertOnlyByKey writes rec only if no record matches whereClause; an
// existing match is returned unchanged (UniqueOpts.InsertOnly, spec §3).
func insertOnlyByKey(ctx context.Context, tx *sql.Tx, rec *job.Record, whereClause string, args []any) (*job.Record, error) {
	existing, err := queryOneTx(ctx, tx, "SELECT "+selectCols+" FROM jobs WHERE "+whereClause, args)
	if err != nil && err != repository.ErrNotFound {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	rec.ID = newID()
	if err := insertJob(ctx, tx, rec); err != nil {
		return nil, err
	}
	return getJobByIDTx(ctx, tx, rec.ID)
}

func (s *Store) GetNextJobToRun(ctx context.Context, name string, scanHorizon, lockDeadline time.Time) (*job.Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE name = ? AND disabled = 0
		  AND ((locked_at IS NULL AND next_run_at <= ?) OR locked_at <= ?)
		ORDER BY next_run_at ASC, priority DESC
		LIMIT 1`, name, scanHorizon, lockDeadline)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: claim select: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET locked_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return nil, fmt.Errorf("sqlite: claim stamp: %w", err)
	}
	rec, err := getJobByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit claim: %w", err)
	}
	return rec, nil
}

func (s *Store) LockJob(ctx context.Context, id string, lockDeadline time.Time) (*job.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin lock: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET locked_at = ?
		WHERE id = ? AND disabled = 0 AND (locked_at IS NULL OR locked_at <= ?)`,
		time.Now().UTC(), id, lockDeadline)
	if err != nil {
		return nil, fmt.Errorf("sqlite: lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, repository.ErrNotFound
	}
	rec, err := getJobByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit lock: %w", err)
	}
	return rec, nil
}

func (s *Store) UnlockJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET locked_at = NULL WHERE id = ?`, id)
	return err
}

func (s *Store) UnlockJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf(`UPDATE jobs SET locked_at = NULL WHERE id IN (%s)`, strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *Store) SaveJobState(ctx context.Context, id string, delta repository.StateDelta) error {
	sets := []string{}
	args := []any{}
	if delta.ClearNextRun {
		sets = append(sets, "next_run_at = NULL")
	} else if delta.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *delta.NextRunAt)
	}
	if delta.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *delta.LastRunAt)
	}
	if delta.LastFinishedAt != nil {
		sets = append(sets, "last_finished_at = ?")
		args = append(args, *delta.LastFinishedAt)
	}
	if delta.FailedAt != nil {
		sets = append(sets, "failed_at = ?")
		args = append(args, *delta.FailedAt)
	}
	if delta.FailCount != nil {
		sets = append(sets, "fail_count = ?")
		args = append(args, *delta.FailCount)
	}
	if delta.FailReason != nil {
		sets = append(sets, "fail_reason = ?")
		args = append(args, *delta.FailReason)
	}
	if delta.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *delta.Progress)
	}
	if delta.ClearLock {
		sets = append(sets, "locked_at = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ?`, strings.Join(sets, ", "))
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *Store) RemoveJobs(ctx context.Context, q repository.Query) (int, error) {
	where, args := whereClause(q)
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: remove: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) QueryJobs(ctx context.Context, q repository.Query) (repository.Page, error) {
	where, args := whereClause(q)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&total); err != nil {
		return repository.Page{}, fmt.Errorf("sqlite: count: %w", err)
	}

	query := `SELECT ` + selectCols + ` FROM jobs WHERE ` + where + ` ORDER BY next_run_at ASC, priority DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Skip > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Skip)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return repository.Page{}, fmt.Errorf("sqlite: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) GetQueueSize(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE (? = '' OR name = ?) AND disabled = 0
		  AND (next_run_at IS NOT NULL OR locked_at IS NOT NULL)`, name, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: queue size: %w", err)
	}
	return n, nil
}

func (s *Store) DisableJobs(ctx context.Context, q repository.Query) (int, error) {
	where, args := whereClause(q)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET disabled = 1 WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) EnableJobs(ctx context.Context, q repository.Query) (int, error) {
	where, args := whereClause(q)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET disabled = 0 WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) GetDistinctJobNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT name FROM jobs`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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
		clauses = append(clauses, "name = ?")
		args = append(args, q.Name)
	}
	if q.Disabled != nil {
		clauses = append(clauses, "disabled = ?")
		args = append(args, boolToInt(*q.Disabled))
	}
	for _, tag := range q.Tags {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(tags) WHERE json_each.value = ?)")
		args = append(args, tag)
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
		rec           job.Record
		data          sql.NullString
		typ           string
		nextRunAt     sql.NullTime
		lockedAt      sql.NullTime
		lastRunAt     sql.NullTime
		lastFinished  sql.NullTime
		failedAt      sql.NullTime
		failReason    sql.NullString
		repeatInt     sql.NullString
		repeatAt      sql.NullString
		repeatTZ      sql.NullString
		startDate     sql.NullTime
		endDate       sql.NullTime
		skipDays      sql.NullString
		disabled      int
		uniqueKey     sql.NullString
		insertOnly    int
		tags          sql.NullString
		lastModifiedBy sql.NullString
	)
	if err := row.Scan(
		&rec.ID, &rec.Name, &data, &typ, &rec.Priority, &nextRunAt, &lockedAt, &lastRunAt,
		&lastFinished, &failedAt, &rec.FailCount, &failReason, &repeatInt, &repeatAt,
		&repeatTZ, &startDate, &endDate, &skipDays, &disabled, &uniqueKey,
		&insertOnly, &rec.Progress, &tags, &lastModifiedBy,
	); err != nil {
		return nil, err
	}
	rec.Type = job.Type(typ)
	rec.Disabled = disabled != 0
	rec.UniqueOpts.InsertOnly = insertOnly != 0
	if data.Valid {
		rec.Data = json.RawMessage(data.String)
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		rec.NextRunAt = &t
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		rec.LockedAt = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		rec.LastRunAt = &t
	}
	if lastFinished.Valid {
		t := lastFinished.Time
		rec.LastFinishedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		rec.FailedAt = &t
	}
	if failReason.Valid {
		rec.FailReason = failReason.String
	}
	rec.RepeatInterval = repeatInt.String
	rec.RepeatAt = repeatAt.String
	rec.RepeatTimezone = repeatTZ.String
	if startDate.Valid {
		t := startDate.Time
		rec.StartDate = &t
	}
	if endDate.Valid {
		t := endDate.Time
		rec.EndDate = &t
	}
	if skipDays.Valid && skipDays.String != "" {
		_ = json.Unmarshal([]byte(skipDays.String), &rec.SkipDays)
	}
	rec.Unique = uniqueKey.String
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &rec.Tags)
	}
	rec.LastModifiedBy = lastModifiedBy.String
	return &rec, nil
}

func queryOneTx(ctx context.Context, tx *sql.Tx, query string, args []any) (*job.Record, error) {
	row := tx.QueryRowContext(ctx, query, args...)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func getJobByIDTx(ctx context.Context, tx *sql.Tx, id string) (*job.Record, error) {
	return queryOneTx(ctx, tx, `SELECT `+selectCols+` FROM jobs WHERE id = ?`, []any{id})
}

func insertJob(ctx context.Context, tx *sql.Tx, rec *job.Record) error {
	skipDays, _ := json.Marshal(rec.SkipDays)
	tags, _ := json.Marshal(rec.Tags)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, name, data, type, priority, next_run_at, locked_at, last_run_at,
			last_finished_at, failed_at, fail_count, fail_reason, repeat_interval, repeat_at,
			repeat_timezone, start_date, end_date, skip_days, disabled, unique_key,
			unique_insert_only, progress, tags, last_modified_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, string(rec.Data), string(rec.Type), int(rec.Priority), rec.NextRunAt, rec.LockedAt,
		rec.LastRunAt, rec.LastFinishedAt, rec.FailedAt, rec.FailCount, rec.FailReason, rec.RepeatInterval,
		rec.RepeatAt, rec.RepeatTimezone, rec.StartDate, rec.EndDate, string(skipDays), boolToInt(rec.Disabled),
		rec.Unique, boolToInt(rec.UniqueOpts.InsertOnly), rec.Progress, string(tags), rec.LastModifiedBy)
	return err
}

func updateJob(ctx context.Context, tx *sql.Tx, rec *job.Record) error {
	skipDays, _ := json.Marshal(rec.SkipDays)
	tags, _ := json.Marshal(rec.Tags)
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET name = ?, data = ?, type = ?, priority = ?, next_run_at = ?,
			last_run_at = ?, last_finished_at = ?, failed_at = ?, fail_count = ?, fail_reason = ?,
			repeat_interval = ?, repeat_at = ?, repeat_timezone = ?, start_date = ?, end_date = ?,
			skip_days = ?, disabled = ?, unique_key = ?, unique_insert_only = ?, progress = ?,
			tags = ?, last_modified_by = ?
		WHERE id = ?`,
		rec.Name, string(rec.Data), string(rec.Type), int(rec.Priority), rec.NextRunAt,
		rec.LastRunAt, rec.LastFinishedAt, rec.FailedAt, rec.FailCount, rec.FailReason,
		rec.RepeatInterval, rec.RepeatAt, rec.RepeatTimezone, rec.StartDate, rec.EndDate,
		string(skipDays), boolToInt(rec.Disabled), rec.Unique, boolToInt(rec.UniqueOpts.InsertOnly),
		rec.Progress, string(tags), rec.LastModifiedBy, rec.ID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newID() string {
	return uuid.NewString()
}
