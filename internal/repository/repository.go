// Package repository defines the storage-agnostic adapter the job processor
// core calls into (spec component D): save, atomic lease claim/release,
// bulk query, and diagnostics. Concrete backends live in the sqlite and
// postgres subpackages.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/agenda/internal/job"
)

// ErrNotFound is returned by single-record reads when no record matches.
var ErrNotFound = errors.New("repository: job not found")

// Query filters a bulk read, disable/enable, or delete operation. A zero
// value matches every record. Name "" matches all names; Disabled nil
// matches either disabled state; a non-empty Tags matches only records
// carrying every listed tag.
type Query struct {
	Name     string
	Disabled *bool
	Tags     []string
	Limit    int
	Skip     int
}

// Page is the result of a Query read: the matched records (subject to
// Limit/Skip) and the total count ignoring Limit/Skip, for pagination.
type Page struct {
	Records []*job.Record
	Total   int
}

// StateDelta carries the fields a dispatcher or rescheduler writes back
// after a job finishes running (spec §6.1 saveJobState). Nil fields are
// left unchanged.
type StateDelta struct {
	NextRunAt      *time.Time
	LastRunAt      *time.Time
	LastFinishedAt *time.Time
	FailedAt       *time.Time
	FailCount      *int
	FailReason     *string
	Progress       *float64
	ClearLock      bool
	// ClearNextRun sets next_run_at to NULL instead of leaving it
	// unchanged. NextRunAt being nil alone is ambiguous with "don't
	// touch this field", so a completed one-shot job must set this to
	// actually stop matching the claim selector.
	ClearNextRun bool
}

// Repository is the narrow set of operations the core calls (spec §4.D,
// §6.1). Implementations must be safe for concurrent use by multiple
// goroutines, and in the case of getNextJobToRun/lockJob, safe for
// concurrent use by multiple processes sharing the same backing store.
type Repository interface {
	// Connect establishes the backend connection. Idempotent.
	Connect(ctx context.Context) error
	// Close releases the backend connection.
	Close() error

	// SaveJob inserts or updates rec per the upsert rules of spec §6.1:
	// an explicit ID updates that record; a single-type job upserts by
	// {name, type:single}; a Unique value upserts by that key, honoring
	// UniqueOpts.InsertOnly. Returns the canonical stored record.
	SaveJob(ctx context.Context, rec *job.Record) (*job.Record, error)

	// GetNextJobToRun is the atomic, single-winner lease selector of
	// spec §4.E: it claims the earliest (nextRunAt asc, priority desc)
	// due-or-lease-expired, non-disabled record named name, stamps
	// LockedAt = now, and returns the updated record. Returns
	// ErrNotFound if nothing qualifies.
	GetNextJobToRun(ctx context.Context, name string, scanHorizon, lockDeadline time.Time) (*job.Record, error)

	// LockJob performs the same atomic stamping as GetNextJobToRun but
	// targeted at a specific id, for the on-the-fly locker (component G).
	LockJob(ctx context.Context, id string, lockDeadline time.Time) (*job.Record, error)

	// UnlockJob clears LockedAt for one record.
	UnlockJob(ctx context.Context, id string) error
	// UnlockJobs clears LockedAt in bulk, used at shutdown (spec §4.I Stop).
	UnlockJobs(ctx context.Context, ids []string) error

	// SaveJobState persists a run outcome (spec §6.1 saveJobState).
	SaveJobState(ctx context.Context, id string, delta StateDelta) error

	// RemoveJobs bulk deletes records matching q, returning the count
	// removed.
	RemoveJobs(ctx context.Context, q Query) (int, error)
	// QueryJobs reads records matching q.
	QueryJobs(ctx context.Context, q Query) (Page, error)
	// GetJobByID reads a single record. Returns ErrNotFound if absent.
	GetJobByID(ctx context.Context, id string) (*job.Record, error)
	// GetQueueSize counts non-disabled records named name (every name when
	// name is "") that still have a NextRunAt or a LockedAt set, whether
	// past or future.
	GetQueueSize(ctx context.Context, name string) (int, error)

	// DisableJobs and EnableJobs bulk-set Disabled, returning the count
	// affected.
	DisableJobs(ctx context.Context, q Query) (int, error)
	EnableJobs(ctx context.Context, q Query) (int, error)

	// GetDistinctJobNames lists every name present in the store, for
	// diagnostics and purge (spec §6.1, §4.C orphan handling).
	GetDistinctJobNames(ctx context.Context) ([]string, error)
}
