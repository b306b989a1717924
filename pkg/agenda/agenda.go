// Package agenda is the public builder-style facade over the scheduler's
// internal packages, the same role the teacher's root-level provisr.go
// plays over internal/manager: one import that wires a repository, a
// definition registry, a processor, and optionally a notification channel,
// a run-history sink, and the REST control plane, behind a small method-
// chaining surface.
package agenda

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loykin/agenda/internal/config"
	"github.com/loykin/agenda/internal/history"
	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/metrics"
	"github.com/loykin/agenda/internal/notify"
	notifypostgres "github.com/loykin/agenda/internal/notify/postgres"
	"github.com/loykin/agenda/internal/processor"
	"github.com/loykin/agenda/internal/registry"
	"github.com/loykin/agenda/internal/repository"
	"github.com/loykin/agenda/internal/repository/postgres"
	"github.com/loykin/agenda/internal/repository/sqlite"
	"github.com/loykin/agenda/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-exported types so callers need only import this one package for the
// common path, mirroring provisr.go's Spec/Status aliases.
type (
	Job         = job.Record
	JobType     = job.Type
	Priority    = job.Priority
	Handle      = job.Handle
	Query       = repository.Query
	Page        = repository.Page
	Event       = processor.Event
	EventPayload = processor.EventPayload
	Handler     = registry.Handler
	Option      = registry.Option
	HistorySink = history.Sink
	Config      = config.Config
)

const (
	TypeNormal = job.TypeNormal
	TypeSingle = job.TypeSingle

	PriorityLowest  = job.PriorityLowest
	PriorityLow     = job.PriorityLow
	PriorityNormal  = job.PriorityNormal
	PriorityHigh    = job.PriorityHigh
	PriorityHighest = job.PriorityHighest

	EventStart    = processor.EventStart
	EventComplete = processor.EventComplete
	EventSuccess  = processor.EventSuccess
	EventFail     = processor.EventFail
)

var (
	WithConcurrency  = registry.WithConcurrency
	WithLockLimit    = registry.WithLockLimit
	WithLockLifetime = registry.WithLockLifetime
	WithPriority     = registry.WithPriority
)

// LoadConfig reads and decodes a worker configuration file (spec §6.5).
func LoadConfig(path string) (*Config, error) { return config.LoadConfig(path) }

// Agenda is the embedding program's handle on a running scheduler: the
// definition registry, repository, and processor it was built from.
type Agenda struct {
	repo     repository.Repository
	reg      *registry.Registry
	proc     *processor.Processor
	notifyCh notify.Channel
	history  history.Sink
}

// New constructs an Agenda from cfg (spec §4.I "Construct"): it opens the
// configured repository backend, builds the definition registry with cfg's
// process-wide defaults, optionally wires a notification channel and a
// history sink, and builds the Processor. It does not start polling; call
// Start for that.
func New(cfg *config.Config) (*Agenda, error) {
	repo, err := buildRepository(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("agenda: build repository: %w", err)
	}

	defaultLockLifetime, err := time.ParseDuration(orDefault(cfg.DefaultLockLifetime, "10m"))
	if err != nil {
		return nil, fmt.Errorf("agenda: invalid default_lock_lifetime: %w", err)
	}
	reg := registry.New(registry.Defaults{
		Concurrency:  cfg.DefaultConcurrency,
		LockLimit:    cfg.DefaultLockLimit,
		LockLifetime: defaultLockLifetime,
	})

	procCfg, err := cfg.ToProcessorConfig()
	if err != nil {
		return nil, err
	}
	proc := processor.New(reg, repo, procCfg)

	a := &Agenda{repo: repo, reg: reg, proc: proc}

	if ch, err := buildNotify(cfg.Notify, cfg.WorkerName); err != nil {
		return nil, fmt.Errorf("agenda: build notify channel: %w", err)
	} else if ch != nil {
		a.notifyCh = ch
		proc.WithNotify(ch)
	}

	sink, err := cfg.History.BuildSink()
	if err != nil {
		return nil, fmt.Errorf("agenda: build history sink: %w", err)
	}
	a.history = sink

	return a, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func buildRepository(rc config.RepositoryConfig) (repository.Repository, error) {
	switch rc.Driver {
	case "", "sqlite":
		return sqlite.New(rc.DSN)
	case "postgres", "postgresql":
		return postgres.New(rc.DSN), nil
	default:
		return nil, fmt.Errorf("agenda: unknown repository driver %q", rc.Driver)
	}
}

func buildNotify(nc *config.NotifyConfig, workerName string) (notify.Channel, error) {
	if nc == nil {
		return nil, nil
	}
	switch nc.Driver {
	case "", "local":
		return notify.NewLocal(workerName), nil
	case "postgres", "postgresql":
		return notifypostgres.New(nc.DSN, workerName), nil
	default:
		return nil, fmt.Errorf("agenda: unknown notify driver %q", nc.Driver)
	}
}

// Define registers a job handler under name (spec component C). fn is
// invoked with a leased job.Handle for every due instance.
func (a *Agenda) Define(name string, fn Handler, opts ...Option) (*registry.Definition, error) {
	return a.reg.Define(name, fn, opts...)
}

// Undefine orphans name: the queue filler stops claiming new instances of
// it, but any already dispatched keep running to completion.
func (a *Agenda) Undefine(name string) { a.reg.Undefine(name) }

// On subscribes to the outbound event stream (spec §6.3).
func (a *Agenda) On(event Event, h func(EventPayload)) processor.Unsubscribe {
	return a.proc.On(string(event), processor.EventHandler(h))
}

// OnNamed subscribes to one event for a single definition, e.g.
// OnNamed(EventFail, "send-email", ...).
func (a *Agenda) OnNamed(event Event, name string, h func(EventPayload)) processor.Unsubscribe {
	return a.proc.On(string(event)+":"+name, processor.EventHandler(h))
}

// Start connects the repository (and notification channel, if any) and
// begins the periodic tick.
func (a *Agenda) Start(ctx context.Context) error { return a.proc.Start(ctx) }

// Stop halts the tick and waits for in-flight handlers, giving up after
// force's StopTimeout if one was configured.
func (a *Agenda) Stop(ctx context.Context, force bool) error { return a.proc.Stop(ctx, force) }

// Drain is Stop without a deadline.
func (a *Agenda) Drain(ctx context.Context) error { return a.proc.Drain(ctx) }

// RunNow bypasses the poll path for id (spec §6.5 server surface).
func (a *Agenda) RunNow(id string) { a.proc.RunNow(id) }

// QueueDepth reports the number of leased, not-yet-dispatched jobs for name.
func (a *Agenda) QueueDepth(name string) int { return a.proc.QueueDepth(name) }

// SaveJob upserts rec (spec §3) through the repository directly, for
// embedding programs that manage jobs without the REST control plane.
func (a *Agenda) SaveJob(ctx context.Context, rec *Job) (*Job, error) {
	return a.repo.SaveJob(ctx, rec)
}

// GetJob fetches a single record by id.
func (a *Agenda) GetJob(ctx context.Context, id string) (*Job, error) {
	return a.repo.GetJobByID(ctx, id)
}

// QueryJobs reads records matching q.
func (a *Agenda) QueryJobs(ctx context.Context, q Query) (Page, error) {
	return a.repo.QueryJobs(ctx, q)
}

// PurgeJobs bulk-deletes records matching q, returning the count removed.
func (a *Agenda) PurgeJobs(ctx context.Context, q Query) (int, error) {
	return a.repo.RemoveJobs(ctx, q)
}

// DisableJobs and EnableJobs bulk-set Disabled, returning the count
// affected.
func (a *Agenda) DisableJobs(ctx context.Context, q Query) (int, error) {
	return a.repo.DisableJobs(ctx, q)
}

func (a *Agenda) EnableJobs(ctx context.Context, q Query) (int, error) {
	return a.repo.EnableJobs(ctx, q)
}

// Repository exposes the underlying storage adapter for advanced callers
// (migrations, custom reporting) that need operations this facade doesn't
// wrap directly.
func (a *Agenda) Repository() repository.Repository { return a.repo }

// Registry exposes the underlying definition registry.
func (a *Agenda) Registry() *registry.Registry { return a.reg }

// Processor exposes the underlying orchestrator, for callers that need
// finer control than this facade provides (e.g. wiring a custom server).
func (a *Agenda) Processor() *processor.Processor { return a.proc }

// History returns the configured run-history sink, or nil if none was
// enabled.
func (a *Agenda) History() history.Sink { return a.history }

// RecordRun fans a completed run out to the configured history sink, if
// any. Embedding programs call this from an On(EventComplete, ...) handler;
// it is not wired automatically because the sink's Event shape is
// independent of the processor's EventPayload signal.
func (a *Agenda) RecordRun(ctx context.Context, e history.Event) error {
	if a.history == nil {
		return nil
	}
	return a.history.Send(ctx, e)
}

// NewServer starts the REST control plane (spec §6.5) listening on addr.
func (a *Agenda) NewServer(addr, basePath string) (*http.Server, error) {
	return server.NewServer(addr, basePath, a.repo, a.proc)
}

// NewTLSServer starts the REST control plane over TLS, configured by
// cfg.Server.
func (a *Agenda) NewTLSServer(cfg *config.Config) (*http.Server, error) {
	if cfg.Server == nil {
		return nil, fmt.Errorf("agenda: no server configuration")
	}
	return server.NewTLSServer(*cfg.Server, a.repo, a.proc)
}

// RegisterMetrics registers the scheduler's Prometheus collectors with r.
func (a *Agenda) RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers the scheduler's Prometheus collectors
// with the default registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }
