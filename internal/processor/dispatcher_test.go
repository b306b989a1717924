package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/registry"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatch_SuccessRepeatingReschedules(t *testing.T) {
	reg := registry.New(registry.Defaults{})
	def, _ := reg.Define("send-email", func(context.Context, *job.Handle) error { return nil })

	repo := newFakeRepository()
	past := time.Now().Add(-time.Minute)
	rec := &job.Record{Name: "send-email", NextRunAt: &past, RepeatInterval: "@every 1h"}
	stored := repo.put(rec)
	now := time.Now()
	stored.LockedAt = &now
	repo.records[stored.ID] = stored
	if !def.AcquireSlot() {
		t.Fatal("AcquireSlot: expected slot available")
	}

	p := newTestProcessor(t, reg, repo)
	p.queue.Insert(job.NewHandle(stored))

	p.runDispatcher(context.Background())

	waitFor(t, func() bool { return def.Running() == 0 })

	got, err := repo.GetJobByID(context.Background(), stored.ID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if got.LockedAt != nil {
		t.Error("expected lock cleared after success")
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Error("expected nextRunAt advanced into the future")
	}
	if got.FailCount != 0 {
		t.Errorf("expected failCount unchanged on success, got %d", got.FailCount)
	}
}

func TestDispatch_FailureIncrementsFailCountAndNeverResets(t *testing.T) {
	reg := registry.New(registry.Defaults{})
	def, _ := reg.Define("send-email", func(context.Context, *job.Handle) error { return errors.New("boom") })

	repo := newFakeRepository()
	past := time.Now().Add(-time.Minute)
	rec := &job.Record{Name: "send-email", NextRunAt: &past, FailCount: 2}
	stored := repo.put(rec)
	now := time.Now()
	stored.LockedAt = &now
	repo.records[stored.ID] = stored
	def.AcquireSlot()

	p := newTestProcessor(t, reg, repo)
	p.queue.Insert(job.NewHandle(stored))
	p.runDispatcher(context.Background())

	waitFor(t, func() bool { return def.Running() == 0 })

	got, _ := repo.GetJobByID(context.Background(), stored.ID)
	if got.FailCount != 3 {
		t.Errorf("expected failCount incremented to 3, got %d", got.FailCount)
	}
	if got.FailReason != "boom" {
		t.Errorf("expected failReason recorded, got %q", got.FailReason)
	}
	if got.LockedAt != nil {
		t.Error("expected lock cleared after failure")
	}
}

func TestDispatch_FarFutureReleasesLease(t *testing.T) {
	reg := registry.New(registry.Defaults{})
	def, _ := reg.Define("send-email", func(context.Context, *job.Handle) error { return nil })

	repo := newFakeRepository()
	farFuture := time.Now().Add(time.Hour)
	rec := &job.Record{Name: "send-email", NextRunAt: &farFuture}
	stored := repo.put(rec)
	now := time.Now()
	stored.LockedAt = &now
	repo.records[stored.ID] = stored
	def.AcquireSlot()

	p := newTestProcessor(t, reg, repo)
	p.queue.Insert(job.NewHandle(stored))
	p.runDispatcher(context.Background())

	if def.Locked() != 0 {
		t.Errorf("expected lock slot released for far-future job, got locked=%d", def.Locked())
	}
	if p.queue.Length() != 0 {
		t.Errorf("expected far-future job dropped from local queue, got length=%d", p.queue.Length())
	}
	got, _ := repo.GetJobByID(context.Background(), stored.ID)
	if got.LockedAt != nil {
		t.Error("expected lease released for far-future job")
	}
}

func TestDispatch_RespectsConcurrencyGate(t *testing.T) {
	block := make(chan struct{})
	reg := registry.New(registry.Defaults{})
	def, _ := reg.Define("send-email", func(ctx context.Context, h *job.Handle) error {
		<-block
		return nil
	}, registry.WithConcurrency(1))

	repo := newFakeRepository()
	past := time.Now().Add(-time.Minute)
	rec1 := repo.put(&job.Record{Name: "send-email", NextRunAt: &past})
	rec2 := repo.put(&job.Record{Name: "send-email", NextRunAt: &past})
	now := time.Now()
	rec1.LockedAt, rec2.LockedAt = &now, &now
	repo.records[rec1.ID], repo.records[rec2.ID] = rec1, rec2
	def.AcquireSlot()
	def.AcquireSlot()

	p := newTestProcessor(t, reg, repo)
	p.queue.Insert(job.NewHandle(rec1))
	p.queue.Insert(job.NewHandle(rec2))
	p.runDispatcher(context.Background())

	waitFor(t, func() bool { return def.Running() == 1 })
	if p.queue.Length() != 1 {
		t.Errorf("expected the second job re-queued behind the concurrency gate, got length=%d", p.queue.Length())
	}
	close(block)
	waitFor(t, func() bool { return def.Running() == 0 })
}
