package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/metrics"
	"github.com/loykin/agenda/internal/repository"
)

// runFlyLocker implements the on-the-fly locker (spec component G, §4.G):
// a single-entrant sweep of the fly-candidate queue that bypasses polling
// for jobs known to be due sooner than the next scan. flyLocking's
// CompareAndSwap guard is the same singleton idiom the teacher's
// internal/cron.Job.running uses for its non-overlap check, generalized
// here to "drain the queue, then exit" instead of "skip if already
// running".
func (p *Processor) runFlyLocker(ctx context.Context) {
	if !p.flyLocking.CompareAndSwap(false, true) {
		return
	}
	defer p.flyLocking.Store(false)

	for {
		p.flyMu.Lock()
		if len(p.flyQueue) == 0 {
			p.flyMu.Unlock()
			return
		}
		cand := p.flyQueue[0]
		p.flyQueue = p.flyQueue[1:]
		p.flyMu.Unlock()

		if cand.name == "" {
			rec, err := p.repo.GetJobByID(ctx, cand.id)
			if err != nil {
				if !errors.Is(err, repository.ErrNotFound) {
					slog.Warn("on-the-fly locker: resolve name failed", "id", cand.id, "error", err)
				}
				continue
			}
			cand.name = rec.Name
		}

		if !p.shouldLock(cand.name) {
			// Drop all remaining candidates; they'll be picked up on the
			// next poll (spec §4.G step 2).
			p.flyMu.Lock()
			p.flyQueue = nil
			p.flyMu.Unlock()
			return
		}

		lockDeadline := time.Now().Add(-p.lockLifetimeFor(cand.name))
		rec, err := p.repo.LockJob(ctx, cand.id, lockDeadline)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				slog.Warn("on-the-fly locker: lock failed", "id", cand.id, "error", err)
			}
			continue
		}

		def := p.registry.Get(cand.name)
		if def == nil || p.registry.IsOrphaned(cand.name) || !p.tryAcquireLock(def) {
			if unlockErr := p.repo.UnlockJob(ctx, rec.ID); unlockErr != nil {
				slog.Warn("on-the-fly locker: return unwanted claim failed", "id", rec.ID, "error", unlockErr)
			}
			continue
		}

		metrics.IncClaimed(cand.name)
		metrics.SetLocked(cand.name, def.Locked())

		p.queue.Insert(job.NewHandle(rec))
		p.kickDispatcher()
	}
}
