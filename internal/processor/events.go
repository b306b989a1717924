// Package processor implements the scheduler core: the queue filler (F),
// on-the-fly locker (G), dispatcher (H), and tick orchestrator (I) that
// spec §5 describes as a single cooperative task per worker process.
package processor

import (
	"sync"

	"github.com/loykin/agenda/internal/job"
)

// Event names the outbound user-facing stream (spec §6.3). Handlers also
// subscribe to "<event>:<name>" for a single definition.
type Event string

const (
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventSuccess  Event = "success"
	EventFail     Event = "fail"
)

// EventPayload is delivered to every subscriber of an Event. Err carries
// the handler's error on EventFail and, for a run this worker dispatched,
// on the EventComplete of a failed run; it is nil otherwise. Remote is true when the event originated on another
// worker and arrived via the notification channel (spec §5: "deferred to
// the next tick to preserve ordering against locally-initiated events").
type EventPayload struct {
	Job    *job.Handle
	Err    error
	Remote bool
}

// EventHandler observes one event.
type EventHandler func(EventPayload)

// Unsubscribe removes a previously registered EventHandler.
type Unsubscribe func()

// emitter is a minimal in-process pub/sub keyed by event name, the same
// shape as notify.Local's handler maps.
type emitter struct {
	mu       sync.RWMutex
	handlers map[string]map[int]EventHandler
	nextID   int
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[string]map[int]EventHandler)}
}

func (e *emitter) on(event string, h EventHandler) Unsubscribe {
	e.mu.Lock()
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]EventHandler)
	}
	id := e.nextID
	e.nextID++
	e.handlers[event][id] = h
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.handlers[event], id)
		e.mu.Unlock()
	}
}

func (e *emitter) emit(event string, p EventPayload) {
	e.mu.RLock()
	hs := make([]EventHandler, 0, len(e.handlers[event]))
	for _, h := range e.handlers[event] {
		hs = append(hs, h)
	}
	e.mu.RUnlock()
	for _, h := range hs {
		h(p)
	}
}

// emitBoth fires both the bare event and its per-name variant.
func (e *emitter) emitBoth(event Event, name string, p EventPayload) {
	e.emit(string(event), p)
	e.emit(string(event)+":"+name, p)
}
