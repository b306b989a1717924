// Package history fans job run outcomes out to an external analytics sink,
// independent of the Job record's own lastRunAt/failReason bookkeeping.
package history

import (
	"context"
	"time"
)

// EventType is the kind of run-outcome event recorded.
type EventType string

const (
	EventStart   EventType = "start"
	EventSuccess EventType = "success"
	EventFail    EventType = "fail"
)

// Event is a single job run outcome exported to an external system.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	JobID      string    `json:"job_id"`
	JobName    string    `json:"job_name"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	FailCount  int       `json:"fail_count"`
	Err        string    `json:"error,omitempty"`
	Remote     bool      `json:"remote"`
	// Data is a snapshot of the job record's Data payload taken at
	// dispatch time, for sinks that want the run's input alongside its
	// outcome. Optional; nil when the caller doesn't supply one.
	Data []byte `json:"data,omitempty"`
}

// Sink is a destination for history events (analytics/audit systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
