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

// fillQueue implements the queue filler (spec component F, §4.F): it
// repeatedly claims the earliest due-or-expired job for name and packs the
// in-memory queue until the gate closes or the store has nothing left for
// that name. A per-name "filling" flag (tryEnterFilling/exitFilling)
// makes a second fillQueue call for the same name return at once while one
// is in progress; the on-the-fly locker does not consult this flag (both
// run on the core loop goroutine). The flag matches the teacher's internal/cron.runJob CompareAndSwap
// singleton guard generalized to a reentrancy lock.
func (p *Processor) fillQueue(ctx context.Context, name string) {
	if !p.tryEnterFilling(name) {
		return
	}
	defer p.exitFilling(name)

	for {
		if !p.shouldLock(name) {
			return
		}

		nextScanAt := time.Now().Add(p.cfg.ProcessEvery)
		lockDeadline := time.Now().Add(-p.lockLifetimeFor(name))

		start := time.Now()
		rec, err := p.repo.GetNextJobToRun(ctx, name, nextScanAt, lockDeadline)
		metrics.ObserveClaimLatency(name, time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return
			}
			slog.Error("queue filler: claim failed", "name", name, "error", err)
			return
		}

		def := p.registry.Get(name)
		if def == nil || p.registry.IsOrphaned(name) || !p.tryAcquireLock(def) {
			// Gate closed between the peek and the claim (spec §4.F: "the
			// job is immediately unlocked to return it to the pool").
			if unlockErr := p.repo.UnlockJob(ctx, rec.ID); unlockErr != nil {
				slog.Warn("queue filler: return unwanted claim failed", "id", rec.ID, "error", unlockErr)
			}
			return
		}

		metrics.IncClaimed(name)
		metrics.SetLocked(name, def.Locked())

		p.queue.Insert(job.NewHandle(rec))
		p.kickDispatcher()
		// Loop: recurse (spec step 4) to keep packing this name's queue.
	}
}
