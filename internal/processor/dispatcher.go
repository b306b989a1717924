package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/metrics"
	"github.com/loykin/agenda/internal/registry"
	"github.com/loykin/agenda/internal/repository"
	"github.com/loykin/agenda/internal/schedule"
)

// maxTimerMillis clamps one-shot dispatcher wake timers to the platform's
// safe integer millisecond range (spec §4.H step 4).
const maxTimerMillis = int64(math.MaxInt32)

// runDispatcher implements the dispatcher (spec component H, §4.H): it
// drains the priority queue respecting per-name and process-wide
// concurrency gates, starting each due job under dispatch and re-queuing
// or releasing everything else.
func (p *Processor) runDispatcher(ctx context.Context) {
	handled := make(map[string]bool)
	for {
		if p.queue.Length() == 0 {
			return
		}
		h := p.queue.PeekNext(p.registry.Gate, handled)
		if h == nil {
			return
		}
		p.queue.Remove(h)

		now := time.Now()
		nextRunAt := h.NextRunAt()

		if nextRunAt.After(now) && !nextRunAt.After(now.Add(p.cfg.ProcessEvery)) {
			p.queue.Insert(h)
			if h.MarkTimerSet() {
				p.armTimer(nextRunAt.Sub(now))
			}
			handled[h.ID] = true
			continue
		}

		if nextRunAt.After(now.Add(p.cfg.ProcessEvery)) {
			// Far-future: outside this worker's horizon. Release the lease
			// (the inverse of §4.E) and drop it from the local set.
			def := p.registry.Get(h.Name)
			if err := p.repo.UnlockJob(ctx, h.ID); err != nil {
				slog.Warn("dispatcher: release far-future lease failed", "id", h.ID, "error", err)
			}
			if def != nil {
				p.releaseLockSlot(def)
				metrics.SetLocked(h.Name, def.Locked())
			}
			handled[h.ID] = true
			continue
		}

		def := p.registry.Get(h.Name)
		if def == nil || p.registry.IsOrphaned(h.Name) {
			handled[h.ID] = true
			continue
		}
		if !p.tryAcquireRun(def) {
			p.queue.Insert(h)
			return
		}

		handled[h.ID] = true
		p.dispatch(ctx, def, h)
	}
}

func (p *Processor) armTimer(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if d.Milliseconds() > maxTimerMillis {
		d = time.Duration(maxTimerMillis) * time.Millisecond
	}
	time.AfterFunc(d, p.kickDispatcher)
}

// dispatch runs one job's handler in its own goroutine, racing it against
// a liveness watchdog, then hands the outcome to the rescheduler (spec
// §4.H "Running a job"). Handler completion is signaled solely by return
// (error or nil): the spec's "callback" alternative is a no-op in Go,
// where a handler that wants to report asynchronously simply spawns its
// own goroutine and still returns through this same channel.
func (p *Processor) dispatch(ctx context.Context, def *registry.Definition, h *job.Handle) {
	metrics.SetRunning(h.Name, def.Running())
	p.addInFlight(h.ID)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.removeInFlight(h.ID)
		defer func() {
			p.releaseRunSlot(def)
			p.releaseLockSlot(def)
			metrics.SetRunning(h.Name, def.Running())
			metrics.SetLocked(h.Name, def.Locked())
			p.kickDispatcher()
		}()

		now := time.Now()
		if err := p.repo.SaveJobState(ctx, h.ID, repository.StateDelta{LastRunAt: &now}); err != nil {
			slog.Warn("dispatcher: persist lastRunAt failed", "id", h.ID, "error", err)
		}
		metrics.IncDispatched(h.Name)
		p.events.emitBoth(EventStart, h.Name, EventPayload{Job: h})

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		lockLifetime := p.lockLifetimeFor(h.Name)
		watchdogEvery := p.cfg.ProcessEvery
		if half := lockLifetime / 2; half < watchdogEvery {
			watchdogEvery = half
		}
		if watchdogEvery <= 0 {
			watchdogEvery = time.Second
		}

		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("handler panic: %v", r)
				}
			}()
			done <- def.Fn(runCtx, h)
		}()

		watchdog := time.NewTicker(watchdogEvery)
		defer watchdog.Stop()

		var outcomeErr error
	waitLoop:
		for {
			select {
			case err := <-done:
				outcomeErr = err
				break waitLoop
			case <-watchdog.C:
				rec := h.Record()
				if rec.LockedAt == nil || time.Since(*rec.LockedAt) > lockLifetime {
					outcomeErr = fmt.Errorf("execution canceled, took more than %dms", lockLifetime.Milliseconds())
					cancel()
					break waitLoop
				}
			}
		}
		metrics.ObserveDispatchDuration(h.Name, time.Since(start).Seconds())

		success := outcomeErr == nil
		if success {
			metrics.IncSucceeded(h.Name)
			p.events.emitBoth(EventSuccess, h.Name, EventPayload{Job: h})
		} else {
			metrics.IncFailed(h.Name)
			p.events.emitBoth(EventFail, h.Name, EventPayload{Job: h, Err: outcomeErr})
		}
		p.events.emitBoth(EventComplete, h.Name, EventPayload{Job: h, Err: outcomeErr})

		p.reschedule(ctx, h, success, outcomeErr)
	}()
}

// reschedule applies the outcome via the rescheduler (spec component J)
// and persists the resulting nextRunAt/lock/failure fields.
func (p *Processor) reschedule(ctx context.Context, h *job.Handle, success bool, handlerErr error) {
	rec := h.Record()
	updated := schedule.Reschedule(rec, schedule.Outcome{
		Success: success,
		Err:     handlerErr,
		Now:     time.Now(),
	})

	delta := repository.StateDelta{
		NextRunAt:    updated.NextRunAt,
		ClearNextRun: updated.NextRunAt == nil,
		ClearLock:    true,
	}
	if success {
		delta.LastFinishedAt = updated.LastFinishedAt
	} else {
		delta.FailedAt = updated.FailedAt
		failCount := updated.FailCount
		delta.FailCount = &failCount
		failReason := updated.FailReason
		delta.FailReason = &failReason
	}

	if err := p.repo.SaveJobState(ctx, h.ID, delta); err != nil {
		slog.Error("rescheduler: persist outcome failed", "id", h.ID, "error", err)
	}
}
