package processor

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/repository"
)

// fakeRepository is a minimal in-memory repository.Repository used to
// exercise the processor core without a real backend. Its claim semantics
// mirror internal/repository/sqlite's documented rules closely enough for
// deterministic unit tests: it is not itself a grounding target, only a
// test fixture.
type fakeRepository struct {
	mu      sync.Mutex
	records map[string]*job.Record
	nextID  int

	unlockCalls []string
	closeCalled bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{records: make(map[string]*job.Record)}
}

func (f *fakeRepository) Connect(_ context.Context) error { return nil }
func (f *fakeRepository) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalled = true
	return nil
}

func (f *fakeRepository) put(rec *job.Record) *job.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.ID == "" {
		f.nextID++
		rec.ID = "job-" + strconv.Itoa(f.nextID)
	}
	f.records[rec.ID] = rec.Clone()
	return f.records[rec.ID].Clone()
}

func (f *fakeRepository) SaveJob(_ context.Context, rec *job.Record) (*job.Record, error) {
	return f.put(rec), nil
}

func (f *fakeRepository) GetNextJobToRun(_ context.Context, name string, scanHorizon, lockDeadline time.Time) (*job.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidates []*job.Record
	for _, r := range f.records {
		if r.Name != name || r.Disabled {
			continue
		}
		if r.LockedAt == nil {
			if r.NextRunAt != nil && !r.NextRunAt.After(scanHorizon) {
				candidates = append(candidates, r)
			}
		} else if !r.LockedAt.After(lockDeadline) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, repository.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i].NextRunAt, candidates[j].NextRunAt
		switch {
		case ai == nil && aj == nil:
		case ai == nil:
			return false
		case aj == nil:
			return true
		case !ai.Equal(*aj):
			return ai.Before(*aj)
		}
		return candidates[i].Priority > candidates[j].Priority
	})
	winner := candidates[0]
	now := time.Now()
	winner.LockedAt = &now
	f.records[winner.ID] = winner
	return winner.Clone(), nil
}

func (f *fakeRepository) LockJob(_ context.Context, id string, lockDeadline time.Time) (*job.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok || r.Disabled {
		return nil, repository.ErrNotFound
	}
	if r.LockedAt != nil && r.LockedAt.After(lockDeadline) {
		return nil, repository.ErrNotFound
	}
	now := time.Now()
	r.LockedAt = &now
	f.records[id] = r
	return r.Clone(), nil
}

func (f *fakeRepository) UnlockJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlockCalls = append(f.unlockCalls, id)
	if r, ok := f.records[id]; ok {
		r.LockedAt = nil
	}
	return nil
}

func (f *fakeRepository) UnlockJobs(ctx context.Context, ids []string) error {
	for _, id := range ids {
		_ = f.UnlockJob(ctx, id)
	}
	return nil
}

func (f *fakeRepository) SaveJobState(_ context.Context, id string, delta repository.StateDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	if delta.ClearNextRun {
		r.NextRunAt = nil
	} else if delta.NextRunAt != nil {
		r.NextRunAt = delta.NextRunAt
	}
	if delta.LastRunAt != nil {
		r.LastRunAt = delta.LastRunAt
	}
	if delta.LastFinishedAt != nil {
		r.LastFinishedAt = delta.LastFinishedAt
	}
	if delta.FailedAt != nil {
		r.FailedAt = delta.FailedAt
	}
	if delta.FailCount != nil {
		r.FailCount = *delta.FailCount
	}
	if delta.FailReason != nil {
		r.FailReason = *delta.FailReason
	}
	if delta.Progress != nil {
		r.Progress = *delta.Progress
	}
	if delta.ClearLock {
		r.LockedAt = nil
	}
	return nil
}

func (f *fakeRepository) RemoveJobs(_ context.Context, q repository.Query) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, r := range f.records {
		if q.Name != "" && r.Name != q.Name {
			continue
		}
		delete(f.records, id)
		n++
	}
	return n, nil
}

func (f *fakeRepository) QueryJobs(_ context.Context, q repository.Query) (repository.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*job.Record
	for _, r := range f.records {
		if q.Name != "" && r.Name != q.Name {
			continue
		}
		out = append(out, r.Clone())
	}
	return repository.Page{Records: out, Total: len(out)}, nil
}

func (f *fakeRepository) GetJobByID(_ context.Context, id string) (*job.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.Clone(), nil
}

func (f *fakeRepository) GetQueueSize(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.Name == name && !r.Disabled {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepository) DisableJobs(_ context.Context, q repository.Query) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if q.Name != "" && r.Name != q.Name {
			continue
		}
		r.Disabled = true
		n++
	}
	return n, nil
}

func (f *fakeRepository) EnableJobs(_ context.Context, q repository.Query) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if q.Name != "" && r.Name != q.Name {
			continue
		}
		r.Disabled = false
		n++
	}
	return n, nil
}

func (f *fakeRepository) GetDistinctJobNames(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range f.records {
		if !seen[r.Name] {
			seen[r.Name] = true
			out = append(out, r.Name)
		}
	}
	return out, nil
}
