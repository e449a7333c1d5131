// Package pool implements the instance pool and task scheduler: it owns
// every engine instance, matches incoming requests to compatible warm
// instances (preferring resident-context prefix reuse), maintains
// per-model floors and ceilings, evicts idle instances on TTL, and
// drains cleanly on shutdown.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"

	"github.com/kilnlabs/kiln/internal/domain"
	"github.com/kilnlabs/kiln/internal/engine"
	"github.com/kilnlabs/kiln/internal/metrics"
)

// Store is what the pool needs from the model store: readiness blocking
// (triggering on-demand downloads) and file resolution.
type Store interface {
	EnsureReady(ctx context.Context, id string) error
	Path(id string) string
}

// waiterResult is the exactly-once handoff payload: an instance already
// marked Busy for the recipient, or a terminal error.
type waiterResult struct {
	inst *Instance
	err  error
}

type waiter struct {
	ch chan waiterResult // buffered 1; send never blocks
}

func newWaiter() *waiter { return &waiter{ch: make(chan waiterResult, 1)} }

// Option configures a Pool.
type Option func(*Pool)

// WithClock injects the time source, making TTL tests deterministic.
func WithClock(clk clock.Clock) Option { return func(p *Pool) { p.clk = clk } }

// WithLogger injects the structured logger.
func WithLogger(log *slog.Logger) Option { return func(p *Pool) { p.log = log } }

// Pool owns all instances for all configured models. A single mutex
// protects the instance table, waiter queues, and FSM transitions;
// operations under it are short. Adapter calls (prepare, process,
// dispose) always happen outside the lock.
type Pool struct {
	cfgs     map[string]domain.ModelConfig
	adapters *engine.Registry
	store    Store
	clk      clock.Clock
	log      *slog.Logger

	mu        sync.Mutex
	instances map[string][]*Instance
	waiters   map[string]*list.List
	closed    bool

	reqSeq atomic.Uint64

	shutdownCtx context.Context
	shutdown    context.CancelFunc

	active   sync.WaitGroup // live leases
	handoffs sync.WaitGroup // instances in flight between releaser and waiter
	workers  sync.WaitGroup // prepare and dispose goroutines
}

// New validates the configs and builds a pool. No instances are created
// until PrepareFloor or the first Acquire.
func New(cfgs map[string]domain.ModelConfig, adapters *engine.Registry, store Store, opts ...Option) (*Pool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfgs:        make(map[string]domain.ModelConfig, len(cfgs)),
		adapters:    adapters,
		store:       store,
		clk:         clock.New(),
		log:         slog.Default(),
		instances:   make(map[string][]*Instance),
		waiters:     make(map[string]*list.List),
		shutdownCtx: ctx,
		shutdown:    cancel,
	}
	for _, o := range opts {
		o(p)
	}
	for id, cfg := range cfgs {
		if cfg.ID == "" {
			cfg.ID = id
		}
		if err := cfg.Validate(); err != nil {
			cancel()
			return nil, err
		}
		if _, ok := adapters.Get(cfg.Engine); !ok {
			cancel()
			return nil, fmt.Errorf("model %q: no adapter registered for engine %q", id, cfg.Engine)
		}
		if !adapters.Supports(cfg.Engine, cfg.Task) {
			cancel()
			return nil, fmt.Errorf("model %q: engine %q does not support task %q", id, cfg.Engine, cfg.Task)
		}
		p.cfgs[id] = cfg
		p.waiters[id] = list.New()
	}
	return p, nil
}

// Configs returns the validated model configs.
func (p *Pool) Configs() map[string]domain.ModelConfig { return p.cfgs }

// ─── Acquire ────────────────────────────────────────────────────────────────

// Acquire returns a lease on a compatible, ready instance for the
// request's model, blocking until one is available, the context expires,
// or the pool shuts down.
func (p *Pool) Acquire(ctx context.Context, req *domain.TaskRequest) (*Lease, error) {
	fp := req.Fingerprint()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.ErrShuttingDown
	}
	cfg, ok := p.cfgs[req.Model]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownModel, req.Model)
	}
	if req.Kind != "" && !p.adapters.Supports(cfg.Engine, req.Kind) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: model %q cannot run %s tasks", domain.ErrUnknownModel, req.Model, req.Kind)
	}

	// Warm instance available: longest prefix match wins.
	if inst := p.matchIdleLocked(req.Model, fp); inst != nil {
		lease := p.issueLeaseLocked(inst)
		p.mu.Unlock()
		p.maybeReset(inst, fp)
		return lease, nil
	}

	// Below ceiling: grow. The placeholder counts toward the cap from
	// the moment it enters Preparing.
	if p.liveCountLocked(req.Model) < cfg.MaxInstances {
		inst := p.createLocked(cfg)
		w := newWaiter()
		inst.pending = w
		p.mu.Unlock()
		p.spawnPrepare(inst)
		return p.await(ctx, w, fp, func() {
			// Detach from the preparing instance; it finishes warming
			// and goes to the waiter queue head or the idle set.
			inst.pending = nil
		})
	}

	// At ceiling: join the per-model FIFO queue.
	q := p.waiters[req.Model]
	if cfg.MaxWaiters > 0 && q.Len() >= cfg.MaxWaiters {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: model %q waiter queue is full", domain.ErrCapacityExhausted, req.Model)
	}
	w := newWaiter()
	elem := q.PushBack(w)
	metrics.WaitersQueued.WithLabelValues(req.Model).Inc()
	p.mu.Unlock()
	return p.await(ctx, w, fp, func() {
		// Dequeue on cancellation. The element may already be gone if a
		// releaser popped us concurrently; await drains the handoff.
		q.Remove(elem)
		metrics.WaitersQueued.WithLabelValues(req.Model).Dec()
	})
}

// await blocks on a handoff. dequeue, if non-nil, runs under the pool
// mutex when the wait is abandoned.
func (p *Pool) await(ctx context.Context, w *waiter, fp domain.Fingerprint, dequeue func()) (*Lease, error) {
	abandoned := func(waitErr error) (*Lease, error) {
		p.mu.Lock()
		select {
		case res := <-w.ch:
			// Lost the race: an instance was handed over concurrently.
			// Put it back rather than leak the lease.
			if res.inst != nil {
				p.handBackLocked(res.inst)
				p.handoffs.Done()
			}
		default:
			if dequeue != nil {
				dequeue()
			}
		}
		p.mu.Unlock()
		return nil, waitErr
	}

	select {
	case res := <-w.ch:
		if res.err != nil {
			return nil, res.err
		}
		p.mu.Lock()
		if p.closed {
			p.handBackLocked(res.inst)
			p.handoffs.Done()
			p.mu.Unlock()
			return nil, domain.ErrShuttingDown
		}
		lease := p.registerLeaseLocked(res.inst)
		p.handoffs.Done()
		p.mu.Unlock()
		p.maybeReset(res.inst, fp)
		return lease, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return abandoned(fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err()))
		}
		return abandoned(fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err()))
	case <-p.shutdownCtx.Done():
		return abandoned(domain.ErrShuttingDown)
	}
}

// matchIdleLocked picks the idle instance whose resident fingerprint is
// the longest prefix of fp; ties break on the most recent lastUsedAt.
func (p *Pool) matchIdleLocked(model string, fp domain.Fingerprint) *Instance {
	var best *Instance
	bestScore := -2
	for _, inst := range p.instances[model] {
		if inst.status != StatusIdle {
			continue
		}
		score := inst.fingerprint.MatchScore(fp)
		if score > bestScore || (score == bestScore && best != nil && inst.lastUsedAt.After(best.lastUsedAt)) {
			best, bestScore = inst, score
		}
	}
	return best
}

// maybeReset drops unrelated resident context so the task starts from
// the configured initial messages. Runs outside the pool mutex.
func (p *Pool) maybeReset(inst *Instance, fp domain.Fingerprint) {
	p.mu.Lock()
	unrelated := inst.fingerprint.MatchScore(fp) < 0
	p.mu.Unlock()
	if !unrelated || inst.handle == nil {
		return
	}
	if err := inst.handle.Reset(); err != nil {
		p.log.Warn("context reset failed", "instance", inst.uid, "error", err)
		return
	}
	p.mu.Lock()
	inst.fingerprint = inst.handle.Fingerprint()
	p.mu.Unlock()
}

func (p *Pool) liveCountLocked(model string) int {
	n := 0
	for _, inst := range p.instances[model] {
		if inst.status.live() {
			n++
		}
	}
	return n
}

// ─── Instance creation and preparation ──────────────────────────────────────

// createLocked inserts a new Preparing instance into the table.
func (p *Pool) createLocked(cfg domain.ModelConfig) *Instance {
	inst := newInstance(cfg, p.mustAdapter(cfg.Engine), p.clk, p.shutdownCtx, p.onEngineFailure)
	p.setStatusLocked(inst, StatusPreparing)
	p.instances[cfg.ID] = append(p.instances[cfg.ID], inst)
	return inst
}

func (p *Pool) mustAdapter(name string) engine.Adapter {
	a, ok := p.adapters.Get(name)
	if !ok {
		// Unreachable: New validated every config's engine.
		panic(fmt.Sprintf("pool: adapter %q not registered", name))
	}
	return a
}

// spawnPrepare runs store readiness and adapter prepare off the lock,
// then routes the finished instance to its pending creator, the waiter
// queue head, or the idle set.
func (p *Pool) spawnPrepare(inst *Instance) {
	p.workers.Add(1)
	go func() {
		defer p.workers.Done()

		err := p.store.EnsureReady(p.shutdownCtx, inst.cfg.ID)
		var h engine.Handle
		if err == nil {
			h, err = inst.adapter.Prepare(p.shutdownCtx, inst.cfg, p.store.Path(inst.cfg.ID))
			if err != nil {
				err = fmt.Errorf("%w: prepare %s: %v", domain.ErrEngineFailure, inst.cfg.ID, err)
			}
		}

		p.mu.Lock()
		if err != nil {
			p.setStatusLocked(inst, StatusPrepareFailed)
			inst.prepareErr = err
			p.removeLocked(inst)
			pending := inst.pending
			inst.pending = nil
			p.mu.Unlock()
			close(inst.ready)
			if pending != nil {
				pending.ch <- waiterResult{err: err}
			}
			p.log.Warn("instance prepare failed", "model", inst.cfg.ID, "instance", inst.uid, "error", err)
			return
		}

		inst.handle = h
		inst.fingerprint = h.Fingerprint()
		inst.lastUsedAt = p.clk.Now()

		if p.closed {
			pending := inst.pending
			inst.pending = nil
			p.disposeLocked(inst)
			p.mu.Unlock()
			close(inst.ready)
			if pending != nil {
				pending.ch <- waiterResult{err: domain.ErrShuttingDown}
			}
			return
		}

		if w := inst.pending; w != nil {
			inst.pending = nil
			p.setStatusLocked(inst, StatusBusy)
			p.handoffs.Add(1)
			w.ch <- waiterResult{inst: inst}
		} else if w := p.popWaiterLocked(inst.cfg.ID); w != nil {
			p.setStatusLocked(inst, StatusBusy)
			p.handoffs.Add(1)
			w.ch <- waiterResult{inst: inst}
		} else {
			p.setStatusLocked(inst, StatusIdle)
			p.armTTLLocked(inst)
		}
		p.mu.Unlock()
		close(inst.ready)
	}()
}

// ─── Leases and release ─────────────────────────────────────────────────────

// issueLeaseLocked transitions an Idle instance to Busy and issues the
// lease. Pool mutex held.
func (p *Pool) issueLeaseLocked(inst *Instance) *Lease {
	inst.stopTTLLocked()
	p.setStatusLocked(inst, StatusBusy)
	return p.registerLeaseLocked(inst)
}

// registerLeaseLocked wraps an already-Busy instance in a lease.
func (p *Pool) registerLeaseLocked(inst *Instance) *Lease {
	p.active.Add(1)
	return &Lease{pool: p, inst: inst, seq: p.reqSeq.Add(1)}
}

// release is the lease release callback: recompute the resident
// fingerprint, stamp lastUsedAt, transition Busy → Idle, then signal the
// waiter queue head or arm the TTL timer.
func (p *Pool) release(inst *Instance) {
	defer p.active.Done()

	// Adapter-derived fingerprint, read outside the lock.
	var fp domain.Fingerprint
	if inst.handle != nil {
		fp = inst.handle.Fingerprint()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if inst.status != StatusBusy {
		// Engine failure already recycled this instance.
		return
	}
	inst.fingerprint = fp
	inst.lastUsedAt = p.clk.Now()
	p.handBackLocked(inst)
}

// handBackLocked routes a Busy instance onward: dispose when draining,
// hand to the waiter head, or park it Idle with a TTL timer.
func (p *Pool) handBackLocked(inst *Instance) {
	if p.closed {
		p.disposeLocked(inst)
		return
	}
	if w := p.popWaiterLocked(inst.cfg.ID); w != nil {
		p.setStatusLocked(inst, StatusBusy)
		p.handoffs.Add(1)
		w.ch <- waiterResult{inst: inst}
		return
	}
	p.setStatusLocked(inst, StatusIdle)
	p.armTTLLocked(inst)
}

func (p *Pool) popWaiterLocked(model string) *waiter {
	q := p.waiters[model]
	if q == nil || q.Len() == 0 {
		return nil
	}
	w := q.Remove(q.Front()).(*waiter)
	metrics.WaitersQueued.WithLabelValues(model).Dec()
	return w
}

// ─── TTL eviction ───────────────────────────────────────────────────────────

// armTTLLocked starts the idle-eviction timer for an above-floor instance.
func (p *Pool) armTTLLocked(inst *Instance) {
	if inst.cfg.TTL <= 0 {
		return
	}
	if p.liveCountLocked(inst.cfg.ID) <= inst.cfg.MinInstances {
		return
	}
	inst.stopTTLLocked()
	var timer *clock.Timer
	timer = p.clk.AfterFunc(inst.cfg.TTL, func() { p.evict(inst, &timer) })
	inst.ttlTimer = timer
}

// evict fires on TTL expiry. Re-checks the guards under the lock: the
// instance may have been re-acquired since the timer was armed, in which
// case its ttlTimer is no longer this one. It does not call into the
// clock (no Now, no Stop), since it runs inside the clock's own callback.
func (p *Pool) evict(inst *Instance, timer **clock.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || inst.status != StatusIdle || inst.ttlTimer != *timer {
		return
	}
	if p.liveCountLocked(inst.cfg.ID) <= inst.cfg.MinInstances {
		return
	}
	inst.ttlTimer = nil // already fired; nothing to stop
	metrics.EvictionsTotal.WithLabelValues(inst.cfg.ID).Inc()
	p.disposeLocked(inst)
}

// ─── Failure recycling ──────────────────────────────────────────────────────

// onEngineFailure recycles an instance whose adapter raised a
// non-cancellation failure, and restores the floor if the disposal
// dropped below it.
func (p *Pool) onEngineFailure(inst *Instance, cause error) {
	p.log.Warn("engine failure, recycling instance",
		"model", inst.cfg.ID, "instance", inst.uid, "error", cause)
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst.status == StatusBusy {
		p.disposeLocked(inst)
	}
	if !p.closed {
		p.ensureFloorLocked(inst.cfg.ID)
	}
}

// ─── Disposal ───────────────────────────────────────────────────────────────

// disposeLocked transitions an instance to Disposing, removes it from
// the table, and releases engine resources off the lock.
func (p *Pool) disposeLocked(inst *Instance) {
	inst.stopTTLLocked()
	p.setStatusLocked(inst, StatusDisposing)
	p.removeLocked(inst)
	h := inst.handle
	p.workers.Add(1)
	go func() {
		defer p.workers.Done()
		if h != nil {
			if err := h.Dispose(); err != nil {
				p.log.Warn("dispose failed", "model", inst.cfg.ID, "instance", inst.uid, "error", err)
			}
		}
		p.mu.Lock()
		p.setStatusLocked(inst, StatusDisposed)
		p.mu.Unlock()
	}()
}

func (p *Pool) removeLocked(inst *Instance) {
	insts := p.instances[inst.cfg.ID]
	for i, candidate := range insts {
		if candidate == inst {
			p.instances[inst.cfg.ID] = append(insts[:i], insts[i+1:]...)
			return
		}
	}
}

// ─── Floor maintenance ──────────────────────────────────────────────────────

// PrepareFloor creates instances up to each model's floor. Entries with
// prepare mode "blocking" gate the call; "async" entries warm up in the
// background. On-demand entries are untouched.
func (p *Pool) PrepareFloor(ctx context.Context) error {
	var blocking []*Instance
	p.mu.Lock()
	for _, cfg := range p.cfgs {
		if cfg.Prepare == domain.PrepareOnDemand {
			continue
		}
		created := p.ensureFloorLocked(cfg.ID)
		if cfg.Prepare == domain.PrepareBlocking {
			blocking = append(blocking, created...)
		}
	}
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, inst := range blocking {
		g.Go(func() error {
			select {
			case <-inst.ready:
				return inst.prepareErr
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// ensureFloorLocked creates Preparing instances until the model's floor
// is restored, returning the ones created.
func (p *Pool) ensureFloorLocked(model string) []*Instance {
	cfg := p.cfgs[model]
	var created []*Instance
	for p.liveCountLocked(model) < cfg.MinInstances {
		inst := p.createLocked(cfg)
		p.spawnPrepare(inst)
		created = append(created, inst)
	}
	return created
}

// ─── Introspection ──────────────────────────────────────────────────────────

// InstanceState is one row of the pool snapshot.
type InstanceState struct {
	UID        string
	Model      string
	Status     Status
	LastUsedAt string
}

// Snapshot reports every live instance, for status surfaces.
func (p *Pool) Snapshot() []InstanceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []InstanceState
	for model, insts := range p.instances {
		for _, inst := range insts {
			out = append(out, InstanceState{
				UID:        inst.uid,
				Model:      model,
				Status:     inst.status,
				LastUsedAt: inst.lastUsedAt.Format("2006-01-02T15:04:05Z07:00"),
			})
		}
	}
	return out
}

// setStatusLocked performs an FSM transition and keeps the state gauge
// current.
func (p *Pool) setStatusLocked(inst *Instance, next Status) {
	if inst.status == next {
		return
	}
	if inst.status.live() {
		metrics.InstancesByState.WithLabelValues(inst.cfg.ID, string(inst.status)).Dec()
	}
	if next.live() {
		metrics.InstancesByState.WithLabelValues(inst.cfg.ID, string(next)).Inc()
	}
	inst.status = next
}

// ─── Shutdown ───────────────────────────────────────────────────────────────

// Stop drains the pool: new acquires are refused, queued waiters are
// cancelled, in-flight tasks receive a cancel signal, and every instance
// is disposed. Returns after all adapters completed dispose.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for model, q := range p.waiters {
		for q.Len() > 0 {
			w := q.Remove(q.Front()).(*waiter)
			metrics.WaitersQueued.WithLabelValues(model).Dec()
			w.ch <- waiterResult{err: domain.ErrShuttingDown}
		}
	}
	for _, insts := range p.instances {
		for _, inst := range insts {
			if inst.status == StatusBusy {
				if th := inst.currentTask(); th != nil {
					th.cancelWith(causeShutdown)
				}
			}
		}
	}
	p.mu.Unlock()

	// Cancels preparing instances and any task that started after the
	// snapshot above.
	p.shutdown()

	// All leases must be released before idle instances are swept;
	// Busy → Disposing directly is forbidden.
	done := make(chan struct{})
	go func() {
		p.active.Wait()
		p.handoffs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pool stop: waiting for lease releases: %w", ctx.Err())
	}

	p.mu.Lock()
	for _, insts := range p.instances {
		for _, inst := range append([]*Instance(nil), insts...) {
			if inst.status == StatusIdle {
				p.disposeLocked(inst)
			}
		}
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool stop: waiting for dispose: %w", ctx.Err())
	}
}
