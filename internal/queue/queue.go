// Package queue implements the in-memory priority queue of leased jobs
// awaiting dispatch (spec component B).
package queue

import (
	"sort"
	"sync"

	"github.com/loykin/agenda/internal/job"
)

// Gate reports whether name may accept another concurrently dispatched job,
// used by PeekNext to skip names whose concurrency limit is currently full.
type Gate func(name string) bool

// Queue holds jobs leased by this process and not yet dispatched. It is a
// single shared structure per process; the orchestrator's single-task model
// (spec §5) is responsible for serializing access, so Queue itself only
// guards against accidental concurrent use from tests and background
// timers racing the core loop.
type Queue struct {
	mu    sync.Mutex
	items []*job.Handle
}

// New returns an empty queue.
func New() *Queue { return &Queue{} }

// Insert adds h in sorted position: nextRunAt ascending, ties broken by
// priority descending (spec invariant I4). Insertion is stable for equal
// keys so FIFO order among equal-priority, equal-time jobs is preserved.
func (q *Queue) Insert(h *job.Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := sort.Search(len(q.items), func(i int) bool {
		return less(h, q.items[i])
	})
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = h
}

// less reports whether a sorts strictly before b.
func less(a, b *job.Handle) bool {
	at, bt := a.NextRunAt(), b.NextRunAt()
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.Priority > b.Priority
}

// Remove deletes h from the queue by identity (id match). It is a no-op if
// h is not present.
func (q *Queue) Remove(h *job.Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == h.ID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// PeekNext returns the earliest job whose ID is not in handled and for
// which gate(name) reports true, without removing it. It returns nil if no
// job qualifies (spec §4.B peekNext).
func (q *Queue) PeekNext(gate Gate, handled map[string]bool) *job.Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if handled[it.ID] {
			continue
		}
		if gate != nil && !gate(it.Name) {
			continue
		}
		return it
	}
	return nil
}

// Length returns the number of queued jobs.
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a shallow copy of the queue contents for diagnostics.
func (q *Queue) Snapshot() []*job.Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*job.Handle, len(q.items))
	copy(out, q.items)
	return out
}
