// Package registry implements the in-process definition registry (spec
// component C): the mapping from a job-definition name to its handler and
// concurrency/lock limits, populated by the embedding program's Define calls.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/agenda/internal/job"
)

// Handler runs a leased job. It should respect ctx cancellation and may call
// h.Touch to report progress or renew liveness for long-running work.
type Handler func(ctx context.Context, h *job.Handle) error

// Defaults carries the process-level fallbacks applied to a Definition when
// the corresponding Option is not given to Define (spec §4.C).
type Defaults struct {
	Concurrency  int
	LockLimit    int
	LockLifetime time.Duration
	Priority     job.Priority
}

// Definition is one registered job name: its handler plus the concurrency
// and locking limits that gate the queue filler (F), on-the-fly locker (G),
// and dispatcher (H).
type Definition struct {
	Name         string
	Fn           Handler
	Concurrency  int
	LockLimit    int
	LockLifetime time.Duration
	Priority     job.Priority

	running int32
	locked  int32
}

// Option customizes a Definition at Define time, overriding a Defaults field.
type Option func(*Definition)

func WithConcurrency(n int) Option { return func(d *Definition) { d.Concurrency = n } }
func WithLockLimit(n int) Option   { return func(d *Definition) { d.LockLimit = n } }
func WithLockLifetime(dur time.Duration) Option {
	return func(d *Definition) { d.LockLifetime = dur }
}
func WithPriority(p job.Priority) Option { return func(d *Definition) { d.Priority = p } }

// Running reports the number of instances of this definition currently
// dispatched in this process (spec invariant I3).
func (d *Definition) Running() int32 { return atomic.LoadInt32(&d.running) }

// Locked reports the number of instances of this definition currently
// holding a lease in this process, including ones not yet dispatched.
func (d *Definition) Locked() int32 { return atomic.LoadInt32(&d.locked) }

// AcquireSlot attempts to reserve one lock-limit slot, returning false if
// LockLimit is already exhausted. A zero limit means unlimited.
// Concurrency slots are reserved separately by AcquireRun.
func (d *Definition) AcquireSlot() bool {
	if d.LockLimit > 0 && atomic.LoadInt32(&d.locked) >= int32(d.LockLimit) {
		return false
	}
	atomic.AddInt32(&d.locked, 1)
	return true
}

// ReleaseLock releases a slot reserved by AcquireSlot, e.g. after the lease
// is dropped without the job having been dispatched.
func (d *Definition) ReleaseLock() { atomic.AddInt32(&d.locked, -1) }

// AcquireRun attempts to reserve a concurrency slot for dispatch, returning
// false if Concurrency is already exhausted.
func (d *Definition) AcquireRun() bool {
	if d.Concurrency > 0 && atomic.LoadInt32(&d.running) >= int32(d.Concurrency) {
		return false
	}
	atomic.AddInt32(&d.running, 1)
	return true
}

// ReleaseRun releases a concurrency slot after the handler returns.
func (d *Definition) ReleaseRun() { atomic.AddInt32(&d.running, -1) }

// Registry maps definition name to Definition. It is append-only during
// normal operation (spec §4.C): Undefine does not remove entries outright,
// it marks them orphaned so in-flight jobs of that name can still finish
// while the queue filler stops picking up new ones.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*Definition
	orphaned map[string]bool
	defaults Defaults
}

// New returns an empty registry using defaults for any Option the caller
// omits at Define time.
func New(defaults Defaults) *Registry {
	return &Registry{
		defs:     make(map[string]*Definition),
		orphaned: make(map[string]bool),
		defaults: defaults,
	}
}

// Define registers fn under name, applying r.defaults first and then any
// opts given. Redefining an existing, non-orphaned name is an error; the
// registry is append-only in the sense that a name's handler cannot be
// silently swapped out from under in-flight jobs.
func (r *Registry) Define(name string, fn Handler, opts ...Option) (*Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("registry: definition name must not be empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("registry: definition %q requires a handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.defs[name]; ok && !r.orphaned[name] {
		return existing, fmt.Errorf("registry: definition %q already defined", name)
	}
	def := &Definition{
		Name:         name,
		Fn:           fn,
		Concurrency:  r.defaults.Concurrency,
		LockLimit:    r.defaults.LockLimit,
		LockLifetime: r.defaults.LockLifetime,
		Priority:     r.defaults.Priority,
	}
	for _, opt := range opts {
		opt(def)
	}
	r.defs[name] = def
	delete(r.orphaned, name)
	return def, nil
}

// Undefine marks name as orphaned: the queue filler stops claiming new jobs
// for it (spec §4.C), but the Definition stays reachable so jobs already
// dispatched keep running, and a purge sweep can find and remove the
// now-orphaned job records.
func (r *Registry) Undefine(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; ok {
		r.orphaned[name] = true
	}
}

// Get returns the Definition for name, or nil if it was never defined.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[name]
}

// IsOrphaned reports whether name was defined and then Undefine'd.
func (r *Registry) IsOrphaned(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orphaned[name]
}

// Names returns every registered name, orphaned or not, for purge sweeps and
// diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	return out
}

// Gate returns a queue.Gate-compatible predicate: true when name is defined,
// not orphaned, and has a free concurrency slot.
func (r *Registry) Gate(name string) bool {
	r.mu.RLock()
	def, ok := r.defs[name]
	orphan := r.orphaned[name]
	r.mu.RUnlock()
	if !ok || orphan {
		return false
	}
	if def.Concurrency <= 0 {
		return true
	}
	return def.Running() < int32(def.Concurrency)
}
