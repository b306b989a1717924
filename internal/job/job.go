package job

import (
	"sync"
	"time"
)

// Handle is the in-memory, queueable representation of a leased job. It
// carries an immutable identity (id + name) rather than a back-pointer to
// the owning processor, per the "cyclic reference" redesign flag in spec.md
// §9: anything that needs the owner looks it up by name in the definition
// registry instead of storing a pointer back to it.
type Handle struct {
	ID       string
	Name     string
	Priority Priority

	mu        sync.Mutex
	rec       *Record
	touched   bool
	gotTimer  bool // dispatcher has already scheduled a one-shot wake timer for this handle
}

// NewHandle wraps a freshly leased Record.
func NewHandle(rec *Record) *Handle {
	return &Handle{
		ID:       rec.ID,
		Name:     rec.Name,
		Priority: rec.Priority,
		rec:      rec,
	}
}

// Record returns a snapshot of the underlying record.
func (h *Handle) Record() *Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec.Clone()
}

// NextRunAt returns the record's scheduled time.
func (h *Handle) NextRunAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rec.NextRunAt == nil {
		return time.Time{}
	}
	return *h.rec.NextRunAt
}

// MarkTimerSet records that a one-shot wake timer was armed for this handle,
// so the dispatcher never arms a second one (spec §4.H step 4).
func (h *Handle) MarkTimerSet() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gotTimer {
		return false
	}
	h.gotTimer = true
	return true
}

// Touch updates Progress and refreshes the in-memory copy of LockedAt; the
// caller is responsible for persisting the renewal via the repository.
func (h *Handle) Touch(progress *float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	h.rec.LockedAt = &now
	if progress != nil {
		h.rec.Progress = *progress
	}
	h.touched = true
}
