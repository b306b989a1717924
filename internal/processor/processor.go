package processor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/metrics"
	"github.com/loykin/agenda/internal/notify"
	"github.com/loykin/agenda/internal/queue"
	"github.com/loykin/agenda/internal/registry"
	"github.com/loykin/agenda/internal/repository"
)

// Config carries the process-wide tunables enumerated in spec §6.5. Zero
// values are replaced with the spec's defaults by New.
type Config struct {
	WorkerName          string
	ProcessEvery        time.Duration
	DefaultConcurrency  int
	MaxConcurrency      int
	DefaultLockLimit    int
	TotalLockLimit      int
	DefaultLockLifetime time.Duration
	// StopTimeout bounds Stop(force=true); zero means wait indefinitely,
	// matching Drain.
	StopTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ProcessEvery <= 0 {
		c.ProcessEvery = 5 * time.Second
	}
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = 5
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 20
	}
	if c.DefaultLockLifetime <= 0 {
		c.DefaultLockLifetime = 10 * time.Minute
	}
	if c.WorkerName == "" {
		c.WorkerName = defaultWorkerName()
	}
}

func defaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil {
		return "agenda-worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

type flyCandidate struct {
	id, name string
}

// Processor is the scheduler tick & orchestrator (spec component I). It
// owns the single cooperative core task that the filler, on-the-fly
// locker, and dispatcher interleave on (spec §5); Start launches that task
// as one goroutine driven by a ticker plus wakeup channels, the same
// select-on-ticker-and-stop shape as the teacher's internal/manager.monitor
// and internal/cronjob.Start.
type Processor struct {
	cfg      Config
	registry *registry.Registry
	repo     repository.Repository
	queue    *queue.Queue
	notifyCh notify.Channel
	events   *emitter

	totalLocked  int32
	totalRunning int32

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	loopDone chan struct{}

	tickWake     chan struct{}
	flyWake      chan struct{}
	dispatchWake chan struct{}

	fillingMu sync.Mutex
	filling   map[string]bool

	flyMu      sync.Mutex
	flyQueue   []flyCandidate
	flyLocking atomic.Bool

	inFlightMu sync.Mutex
	inFlight   map[string]bool

	remoteMu     sync.Mutex
	remoteEvents []notify.StateNotification

	unsubJob   notify.Unsubscribe
	unsubState notify.Unsubscribe

	wg sync.WaitGroup
}

// New constructs a Processor (spec §4.I "Construct"). reg supplies the
// definitions to poll each tick; repo is the storage adapter jobs are
// leased from and persisted to.
func New(reg *registry.Registry, repo repository.Repository, cfg Config) *Processor {
	cfg.setDefaults()
	return &Processor{
		cfg:          cfg,
		registry:     reg,
		repo:         repo,
		queue:        queue.New(),
		events:       newEmitter(),
		filling:      make(map[string]bool),
		inFlight:     make(map[string]bool),
		tickWake:     make(chan struct{}, 1),
		flyWake:      make(chan struct{}, 1),
		dispatchWake: make(chan struct{}, 1),
	}
}

// WithNotify attaches an optional NotificationChannel (spec §6.2). Must be
// called before Start.
func (p *Processor) WithNotify(ch notify.Channel) *Processor {
	p.notifyCh = ch
	return p
}

// On subscribes h to event (and its bare or per-name form, spec §6.3),
// e.g. On("start", ...) or On("fail:send-email", ...).
func (p *Processor) On(event string, h EventHandler) Unsubscribe {
	return p.events.on(event, h)
}

// Start establishes the repository connection, optionally connects the
// notification channel, and begins the periodic tick (spec §4.I). It is
// idempotent: a second call while already running is a no-op.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	if err := p.repo.Connect(ctx); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("processor: connect repository: %w", err)
	}
	if p.notifyCh != nil {
		if err := p.notifyCh.Connect(ctx); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("processor: connect notification channel: %w", err)
		}
		p.unsubJob = p.notifyCh.Subscribe(p.onJobNotification)
		p.unsubState = p.notifyCh.SubscribeState(p.onStateNotification)
	}
	p.stopCh = make(chan struct{})
	p.loopDone = make(chan struct{})
	p.running = true
	p.mu.Unlock()

	go p.loop(ctx)
	return nil
}

// loop is the single core task: it owns every scheduling decision and
// interleaves only at channel receives, matching spec §5's "no
// shared-memory parallelism inside the core" model.
func (p *Processor) loop(ctx context.Context) {
	defer close(p.loopDone)
	ticker := time.NewTicker(p.cfg.ProcessEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-p.tickWake:
			p.tick(ctx)
		case <-p.flyWake:
			p.runFlyLocker(ctx)
		case <-p.dispatchWake:
			p.runDispatcher(ctx)
		}
	}
}

// tick invokes the queue filler (spec §4.F) for every live definition, and
// first drains any state events that arrived from peer workers since the
// last tick (spec §5: incoming notification-channel events are deferred to
// the next tick to preserve ordering against locally-initiated ones).
func (p *Processor) tick(ctx context.Context) {
	p.drainRemoteEvents()
	for _, name := range p.registry.Names() {
		if p.registry.IsOrphaned(name) {
			continue
		}
		p.fillQueue(ctx, name)
	}
}

// Stop halts the tick, disconnects the notification channel, bulk-unlocks
// every job this process holds, and waits for in-flight handlers (spec
// §4.I). With force and a configured StopTimeout it gives up waiting after
// the timeout and returns an error, though handlers keep running to
// completion in the background per spec §5's cancellation model.
func (p *Processor) Stop(ctx context.Context, force bool) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	<-p.loopDone

	if p.notifyCh != nil {
		if p.unsubJob != nil {
			p.unsubJob()
		}
		if p.unsubState != nil {
			p.unsubState()
		}
		if err := p.notifyCh.Disconnect(ctx); err != nil {
			slog.Warn("processor: disconnect notification channel", "error", err)
		}
	}

	if ids := p.lockedIDs(); len(ids) > 0 {
		if err := p.repo.UnlockJobs(ctx, ids); err != nil {
			slog.Warn("processor: bulk unlock on stop failed", "error", err)
		}
	}

	waitDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitDone)
	}()

	var waitErr error
	if force && p.cfg.StopTimeout > 0 {
		select {
		case <-waitDone:
		case <-time.After(p.cfg.StopTimeout):
			waitErr = fmt.Errorf("processor: stop timed out after %s waiting for in-flight jobs", p.cfg.StopTimeout)
		}
	} else {
		<-waitDone
	}

	if err := p.repo.Close(); err != nil && waitErr == nil {
		waitErr = fmt.Errorf("processor: close repository: %w", err)
	}
	return waitErr
}

// Drain is Stop without a deadline: it refuses new dispatch but waits
// indefinitely for in-flight handlers (spec §4.I "Drain").
func (p *Processor) Drain(ctx context.Context) error {
	return p.Stop(ctx, false)
}

// RunNow bypasses the poll path for id, the mechanism the "run a job
// immediately" control-plane operation uses (spec §6.5 server surface).
// The on-the-fly locker resolves id's name lazily since the caller may not
// have it at hand.
func (p *Processor) RunNow(id string) {
	p.QueueOnTheFly(id, "")
}

// QueueOnTheFly implements the producer side of spec §4.G: push a
// known-due candidate onto the fly queue and wake the single-entrant
// locker instead of waiting for the next poll.
func (p *Processor) QueueOnTheFly(id, name string) {
	p.flyMu.Lock()
	p.flyQueue = append(p.flyQueue, flyCandidate{id: id, name: name})
	p.flyMu.Unlock()
	nonBlockingSend(p.flyWake)
}

func (p *Processor) onJobNotification(n notify.JobNotification) {
	if time.Until(n.NextRunAt) < p.cfg.ProcessEvery {
		p.QueueOnTheFly(n.JobID, n.JobName)
	}
}

func (p *Processor) onStateNotification(n notify.StateNotification) {
	p.remoteMu.Lock()
	p.remoteEvents = append(p.remoteEvents, n)
	p.remoteMu.Unlock()
}

func (p *Processor) drainRemoteEvents() {
	p.remoteMu.Lock()
	evs := p.remoteEvents
	p.remoteEvents = nil
	p.remoteMu.Unlock()
	for _, n := range evs {
		h := job.NewHandle(&job.Record{ID: n.JobID, Name: n.JobName})
		var err error
		if n.Type == notify.StateEventFail {
			err = fmt.Errorf("remote failure reported for job %s", n.JobName)
		}
		p.events.emitBoth(Event(n.Type), n.JobName, EventPayload{Job: h, Err: err, Remote: true})
	}
}

func (p *Processor) kickDispatcher() { nonBlockingSend(p.dispatchWake) }

func nonBlockingSend(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// lockLifetimeFor returns the definition's LockLifetime, falling back to
// the process default.
func (p *Processor) lockLifetimeFor(name string) time.Duration {
	if def := p.registry.Get(name); def != nil && def.LockLifetime > 0 {
		return def.LockLifetime
	}
	return p.cfg.DefaultLockLifetime
}

// shouldLock peeks whether name may accept one more leased instance in
// this process without reserving it (spec §4.F step 1, §4.G step 2): both
// the per-name lockLimit and the process-wide totalLockLimit must have
// headroom.
func (p *Processor) shouldLock(name string) bool {
	def := p.registry.Get(name)
	if def == nil || p.registry.IsOrphaned(name) {
		return false
	}
	if def.LockLimit > 0 && def.Locked() >= int32(def.LockLimit) {
		return false
	}
	if p.cfg.TotalLockLimit > 0 && atomic.LoadInt32(&p.totalLocked) >= int32(p.cfg.TotalLockLimit) {
		return false
	}
	return true
}

// tryAcquireLock reserves one lock slot for def, honoring both the
// per-name lockLimit (registry.Definition.AcquireSlot) and the process
// totalLockLimit (spec invariant I3). It rolls back the per-name
// reservation if the total is exhausted.
func (p *Processor) tryAcquireLock(def *registry.Definition) bool {
	if !def.AcquireSlot() {
		return false
	}
	if !acquireTotal(&p.totalLocked, p.cfg.TotalLockLimit) {
		def.ReleaseLock()
		return false
	}
	return true
}

func (p *Processor) releaseLockSlot(def *registry.Definition) {
	def.ReleaseLock()
	atomic.AddInt32(&p.totalLocked, -1)
}

// tryAcquireRun reserves one dispatch slot for def, honoring both the
// per-name concurrency and the process maxConcurrency (spec invariant I3).
func (p *Processor) tryAcquireRun(def *registry.Definition) bool {
	if !def.AcquireRun() {
		return false
	}
	if !acquireTotal(&p.totalRunning, p.cfg.MaxConcurrency) {
		def.ReleaseRun()
		return false
	}
	return true
}

func (p *Processor) releaseRunSlot(def *registry.Definition) {
	def.ReleaseRun()
	atomic.AddInt32(&p.totalRunning, -1)
}

func acquireTotal(counter *int32, limit int) bool {
	if limit <= 0 {
		atomic.AddInt32(counter, 1)
		return true
	}
	for {
		cur := atomic.LoadInt32(counter)
		if cur >= int32(limit) {
			return false
		}
		if atomic.CompareAndSwapInt32(counter, cur, cur+1) {
			return true
		}
	}
}

func (p *Processor) tryEnterFilling(name string) bool {
	p.fillingMu.Lock()
	defer p.fillingMu.Unlock()
	if p.filling[name] {
		return false
	}
	p.filling[name] = true
	return true
}

func (p *Processor) exitFilling(name string) {
	p.fillingMu.Lock()
	delete(p.filling, name)
	p.fillingMu.Unlock()
}

func (p *Processor) addInFlight(id string) {
	p.inFlightMu.Lock()
	p.inFlight[id] = true
	p.inFlightMu.Unlock()
}

func (p *Processor) removeInFlight(id string) {
	p.inFlightMu.Lock()
	delete(p.inFlight, id)
	p.inFlightMu.Unlock()
}

// lockedIDs lists every job id this process currently holds a lease on:
// queued-but-not-dispatched plus in-flight, for the bulk unlock at Stop.
func (p *Processor) lockedIDs() []string {
	seen := make(map[string]bool)
	for _, h := range p.queue.Snapshot() {
		seen[h.ID] = true
	}
	p.inFlightMu.Lock()
	for id := range p.inFlight {
		seen[id] = true
	}
	p.inFlightMu.Unlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// QueueDepth reports the number of leased, not-yet-dispatched jobs and
// refreshes the corresponding gauge; exported for diagnostics endpoints.
func (p *Processor) QueueDepth(name string) int {
	n := 0
	for _, h := range p.queue.Snapshot() {
		if h.Name == name {
			n++
		}
	}
	metrics.SetQueueDepth(name, n)
	return n
}
