package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"

	"github.com/kilnlabs/kiln/internal/domain"
	"github.com/kilnlabs/kiln/internal/engine"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

type fakeStore struct {
	err error
}

func (f *fakeStore) EnsureReady(ctx context.Context, id string) error { return f.err }
func (f *fakeStore) Path(id string) string                            { return "/fake/" + id }

func testCfg(id string, mutate ...func(*domain.ModelConfig)) domain.ModelConfig {
	cfg := domain.ModelConfig{
		ID:           id,
		Engine:       "mock",
		Task:         domain.TaskChat,
		Location:     "/fake/" + id,
		MaxInstances: 1,
		Prepare:      domain.PrepareOnDemand,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return cfg
}

func newTestPool(t *testing.T, adapter *engine.MockAdapter, cfg domain.ModelConfig, opts ...Option) *Pool {
	t.Helper()
	reg := engine.NewRegistry()
	reg.Register(adapter)
	p, err := New(map[string]domain.ModelConfig{cfg.ID: cfg}, reg, &fakeStore{}, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p
}

func chatReq(model string, msgs ...domain.Message) *domain.TaskRequest {
	return &domain.TaskRequest{Kind: domain.TaskChat, Model: model, Messages: msgs}
}

func mustAcquire(t *testing.T, p *Pool, req *domain.TaskRequest) *Lease {
	t.Helper()
	lease, err := p.Acquire(context.Background(), req)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	return lease
}

func runTask(t *testing.T, lease *Lease, req *domain.TaskRequest) *domain.TaskResult {
	t.Helper()
	task, err := lease.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	res, err := task.Result(context.Background())
	if err != nil {
		t.Fatalf("Result() error: %v", err)
	}
	return res
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// ─── Acquire basics ─────────────────────────────────────────────────────────

func TestAcquire_UnknownModel(t *testing.T) {
	p := newTestPool(t, engine.NewMockAdapter(), testCfg("test"))
	defer p.Stop(context.Background())

	_, err := p.Acquire(context.Background(), chatReq("nope"))
	if !errors.Is(err, domain.ErrUnknownModel) {
		t.Fatalf("Acquire() error = %v, want ErrUnknownModel", err)
	}
}

func TestAcquire_PreparesAndLeases(t *testing.T) {
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test"))
	defer p.Stop(context.Background())

	lease := mustAcquire(t, p, chatReq("test", domain.Message{Role: "user", Content: "hi"}))
	if adapter.PrepareCount() != 1 {
		t.Errorf("PrepareCount() = %d, want 1", adapter.PrepareCount())
	}
	res := runTask(t, lease, chatReq("test", domain.Message{Role: "user", Content: "hi"}))
	if res.Content == "" {
		t.Error("result content should not be empty")
	}
	if res.FinishReason != domain.FinishEOG {
		t.Errorf("FinishReason = %q, want %q", res.FinishReason, domain.FinishEOG)
	}
	lease.Release()

	// Re-acquire hits the same warm instance; no second prepare.
	lease2 := mustAcquire(t, p, chatReq("test", domain.Message{Role: "user", Content: "hi"}))
	if adapter.PrepareCount() != 1 {
		t.Errorf("PrepareCount() after reuse = %d, want 1", adapter.PrepareCount())
	}
	lease2.Release()
}

func TestAcquire_PrepareFailure(t *testing.T) {
	adapter := engine.NewMockAdapter()
	adapter.PrepareErr = errors.New("no GPU")
	p := newTestPool(t, adapter, testCfg("test"))
	defer p.Stop(context.Background())

	_, err := p.Acquire(context.Background(), chatReq("test"))
	if !errors.Is(err, domain.ErrEngineFailure) {
		t.Fatalf("Acquire() error = %v, want ErrEngineFailure", err)
	}
}

func TestAcquire_StoreNotReady(t *testing.T) {
	reg := engine.NewRegistry()
	reg.Register(engine.NewMockAdapter())
	cfg := testCfg("test")
	p, err := New(map[string]domain.ModelConfig{"test": cfg}, reg, &fakeStore{err: domain.ErrModelNotReady})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Stop(context.Background())

	_, err = p.Acquire(context.Background(), chatReq("test"))
	if !errors.Is(err, domain.ErrModelNotReady) {
		t.Fatalf("Acquire() error = %v, want ErrModelNotReady", err)
	}
}

// ─── S1: prefix reuse ───────────────────────────────────────────────────────

func TestAcquire_PrefixReuse(t *testing.T) {
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test", func(c *domain.ModelConfig) {
		c.MaxInstances = 2
	}))
	defer p.Stop(context.Background())

	u1 := domain.Message{Role: "user", Content: "first conversation"}
	reqA := chatReq("test", u1)
	leaseA := mustAcquire(t, p, reqA)
	uidA := leaseA.Instance().UID()
	resA := runTask(t, leaseA, reqA)

	// B arrives while A's instance is still leased: a second instance
	// must serve it.
	u2 := domain.Message{Role: "user", Content: "second conversation"}
	leaseB := mustAcquire(t, p, chatReq("test", u2))
	if leaseB.Instance().UID() == uidA {
		t.Fatal("concurrent acquire should land on a different instance")
	}

	leaseA.Release()
	leaseB.Release()

	// C continues A's conversation: prefix match routes it back to A's
	// instance even though B's was released more recently.
	reqC := chatReq("test",
		u1,
		domain.Message{Role: "assistant", Content: resA.Content},
		domain.Message{Role: "user", Content: "tell me more"},
	)
	leaseC := mustAcquire(t, p, reqC)
	defer leaseC.Release()

	task, err := leaseC.Execute(context.Background(), reqC)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !strings.Contains(task.ID(), uidA) {
		t.Errorf("task %s should run on instance %s (prefix match)", task.ID(), uidA)
	}
	if _, err := task.Result(context.Background()); err != nil {
		t.Fatalf("Result() error: %v", err)
	}
}

// ─── S2: TTL eviction ───────────────────────────────────────────────────────

func TestTTL_EvictsIdleAboveFloor(t *testing.T) {
	mock := clock.NewMock()
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test", func(c *domain.ModelConfig) {
		c.MinInstances = 0
		c.MaxInstances = 1
		c.TTL = 200 * time.Millisecond
	}), WithClock(mock))
	defer p.Stop(context.Background())

	lease := mustAcquire(t, p, chatReq("test"))
	lease.Release()

	mock.Add(300 * time.Millisecond)
	waitFor(t, time.Second, func() bool { return adapter.DisposeCount() == 1 },
		"TTL dispose")

	// The next acquire prepares a fresh instance.
	lease2 := mustAcquire(t, p, chatReq("test"))
	lease2.Release()
	if adapter.PrepareCount() != 2 {
		t.Errorf("PrepareCount() = %d, want 2", adapter.PrepareCount())
	}
}

func TestTTL_FloorInstancesSurvive(t *testing.T) {
	mock := clock.NewMock()
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test", func(c *domain.ModelConfig) {
		c.MinInstances = 1
		c.TTL = 100 * time.Millisecond
	}), WithClock(mock))
	defer p.Stop(context.Background())

	lease := mustAcquire(t, p, chatReq("test"))
	lease.Release()

	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	if adapter.DisposeCount() != 0 {
		t.Errorf("DisposeCount() = %d, want 0 — floor instances are never TTL-evicted", adapter.DisposeCount())
	}
}

func TestTTL_ReacquireDisarmsTimer(t *testing.T) {
	mock := clock.NewMock()
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test", func(c *domain.ModelConfig) {
		c.TTL = 200 * time.Millisecond
	}), WithClock(mock))
	defer p.Stop(context.Background())

	lease := mustAcquire(t, p, chatReq("test"))
	lease.Release()

	mock.Add(150 * time.Millisecond)
	lease2 := mustAcquire(t, p, chatReq("test"))
	mock.Add(100 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if adapter.DisposeCount() != 0 {
		t.Errorf("DisposeCount() = %d, want 0 — busy instance must not be evicted", adapter.DisposeCount())
	}
	lease2.Release()
}

// ─── S6: floor preload ──────────────────────────────────────────────────────

func TestPrepareFloor_Blocking(t *testing.T) {
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test", func(c *domain.ModelConfig) {
		c.MinInstances = 2
		c.MaxInstances = 2
		c.Prepare = domain.PrepareBlocking
	}))
	defer p.Stop(context.Background())

	if err := p.PrepareFloor(context.Background()); err != nil {
		t.Fatalf("PrepareFloor() error: %v", err)
	}
	if adapter.PrepareCount() != 2 {
		t.Errorf("PrepareCount() = %d, want 2", adapter.PrepareCount())
	}

	idle := 0
	for _, st := range p.Snapshot() {
		if st.Status == StatusIdle {
			idle++
		}
	}
	if idle != 2 {
		t.Errorf("idle instances after PrepareFloor = %d, want 2", idle)
	}
}

func TestPrepareFloor_Async(t *testing.T) {
	adapter := engine.NewMockAdapter()
	adapter.PrepareDelay = 50 * time.Millisecond
	p := newTestPool(t, adapter, testCfg("test", func(c *domain.ModelConfig) {
		c.MinInstances = 1
		c.Prepare = domain.PrepareAsync
	}))
	defer p.Stop(context.Background())

	start := time.Now()
	if err := p.PrepareFloor(context.Background()); err != nil {
		t.Fatalf("PrepareFloor() error: %v", err)
	}
	if time.Since(start) > 30*time.Millisecond {
		t.Error("PrepareFloor() should not block on async entries")
	}
	waitFor(t, time.Second, func() bool { return adapter.PrepareCount() == 1 },
		"async floor prepare")
}

// ─── Waiter queue ───────────────────────────────────────────────────────────

func TestWaiters_FIFO(t *testing.T) {
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test"))
	defer p.Stop(context.Background())

	lease := mustAcquire(t, p, chatReq("test"))

	var mu sync.Mutex
	var order []string
	acquired := make(chan struct{}, 2)

	spawn := func(name string) {
		go func() {
			l, err := p.Acquire(context.Background(), chatReq("test"))
			if err != nil {
				t.Errorf("Acquire(%s) error: %v", name, err)
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			acquired <- struct{}{}
			time.Sleep(5 * time.Millisecond)
			l.Release()
		}()
	}

	spawn("A")
	waitFor(t, time.Second, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waiters["test"].Len() == 1
	}, "waiter A queued")
	spawn("B")
	waitFor(t, time.Second, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waiters["test"].Len() == 2
	}, "waiter B queued")

	lease.Release()
	<-acquired
	<-acquired

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Errorf("wakeup order = %v, want [A B]", order)
	}
}

func TestWaiters_CancelRemovesWaiter(t *testing.T) {
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test"))
	defer p.Stop(context.Background())

	lease := mustAcquire(t, p, chatReq("test"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, chatReq("test"))
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waiters["test"].Len() == 1
	}, "waiter queued")

	cancel()
	if err := <-errCh; !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("Acquire() error = %v, want ErrCancelled", err)
	}

	p.mu.Lock()
	queued := p.waiters["test"].Len()
	p.mu.Unlock()
	if queued != 0 {
		t.Errorf("waiter queue length = %d, want 0", queued)
	}

	// The held instance is unaffected and flows normally afterwards.
	lease.Release()
	lease2 := mustAcquire(t, p, chatReq("test"))
	lease2.Release()
}

func TestWaiters_AcquireDeadline(t *testing.T) {
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test"))
	defer p.Stop(context.Background())

	lease := mustAcquire(t, p, chatReq("test"))
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, chatReq("test"))
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("Acquire() error = %v, want ErrTimeout", err)
	}
}

func TestWaiters_CapacityExhausted(t *testing.T) {
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test", func(c *domain.ModelConfig) {
		c.MaxWaiters = 1
	}))
	defer p.Stop(context.Background())

	lease := mustAcquire(t, p, chatReq("test"))
	defer lease.Release()

	go p.Acquire(context.Background(), chatReq("test"))
	waitFor(t, time.Second, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waiters["test"].Len() == 1
	}, "first waiter queued")

	_, err := p.Acquire(context.Background(), chatReq("test"))
	if !errors.Is(err, domain.ErrCapacityExhausted) {
		t.Fatalf("Acquire() error = %v, want ErrCapacityExhausted", err)
	}
}

// ─── Invariants ─────────────────────────────────────────────────────────────

func TestMutualExclusion(t *testing.T) {
	adapter := engine.NewMockAdapter()
	adapter.TokenDelay = 0
	p := newTestPool(t, adapter, testCfg("test"))
	defer p.Stop(context.Background())

	var inFlight, maxInFlight int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background(), chatReq("test"))
			if err != nil {
				t.Errorf("Acquire() error: %v", err)
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			lease.Release()
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("max concurrent leases = %d, want 1", maxInFlight)
	}
}

func TestCapacityBound(t *testing.T) {
	adapter := engine.NewMockAdapter()
	adapter.TokenDelay = 0
	p := newTestPool(t, adapter, testCfg("test", func(c *domain.ModelConfig) {
		c.MaxInstances = 2
	}))
	defer p.Stop(context.Background())

	stop := make(chan struct{})
	violation := make(chan int, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			live := 0
			for _, st := range p.Snapshot() {
				if st.Status == StatusPreparing || st.Status == StatusIdle || st.Status == StatusBusy {
					live++
				}
			}
			if live > 2 {
				select {
				case violation <- live:
				default:
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background(), chatReq("test"))
			if err != nil {
				t.Errorf("Acquire() error: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
			lease.Release()
		}()
	}
	wg.Wait()
	close(stop)

	select {
	case live := <-violation:
		t.Errorf("live instance count reached %d, cap is 2", live)
	default:
	}
}

// ─── Engine failure recycling ───────────────────────────────────────────────

func TestEngineFailure_RecyclesInstance(t *testing.T) {
	adapter := engine.NewMockAdapter()
	adapter.ProcessErr = errors.New("cuda out of memory")
	p := newTestPool(t, adapter, testCfg("test"))
	defer p.Stop(context.Background())

	lease := mustAcquire(t, p, chatReq("test"))
	task, err := lease.Execute(context.Background(), chatReq("test"))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	_, err = task.Result(context.Background())
	if !errors.Is(err, domain.ErrEngineFailure) {
		t.Fatalf("Result() error = %v, want ErrEngineFailure", err)
	}
	lease.Release()

	waitFor(t, time.Second, func() bool { return adapter.DisposeCount() == 1 },
		"failed instance dispose")

	// The failed instance's resident state is gone: a fresh acquire
	// prepares a replacement.
	adapter.ProcessErr = nil
	lease2 := mustAcquire(t, p, chatReq("test"))
	defer lease2.Release()
	if adapter.PrepareCount() != 2 {
		t.Errorf("PrepareCount() = %d, want 2", adapter.PrepareCount())
	}
}

func TestEngineFailure_RestoresFloor(t *testing.T) {
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test", func(c *domain.ModelConfig) {
		c.MinInstances = 1
		c.Prepare = domain.PrepareBlocking
	}))
	defer p.Stop(context.Background())

	if err := p.PrepareFloor(context.Background()); err != nil {
		t.Fatalf("PrepareFloor() error: %v", err)
	}

	adapter.ProcessErr = errors.New("engine crashed")
	lease := mustAcquire(t, p, chatReq("test"))
	task, _ := lease.Execute(context.Background(), chatReq("test"))
	task.Result(context.Background())
	lease.Release()
	adapter.ProcessErr = nil

	waitFor(t, time.Second, func() bool { return adapter.PrepareCount() == 2 },
		"floor replacement prepare")
}

// ─── Shutdown ───────────────────────────────────────────────────────────────

func TestStop_NoLeak(t *testing.T) {
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test", func(c *domain.ModelConfig) {
		c.MinInstances = 2
		c.MaxInstances = 3
		c.Prepare = domain.PrepareBlocking
	}))

	if err := p.PrepareFloor(context.Background()); err != nil {
		t.Fatalf("PrepareFloor() error: %v", err)
	}
	lease := mustAcquire(t, p, chatReq("test"))
	lease.Release()

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	if adapter.DisposeCount() != adapter.PrepareCount() {
		t.Errorf("DisposeCount() = %d, PrepareCount() = %d — every prepared instance must be disposed exactly once",
			adapter.DisposeCount(), adapter.PrepareCount())
	}
	for _, st := range p.Snapshot() {
		if st.Status.live() {
			t.Errorf("instance %s still %s after Stop()", st.UID, st.Status)
		}
	}
}

func TestStop_RefusesNewAcquires(t *testing.T) {
	p := newTestPool(t, engine.NewMockAdapter(), testCfg("test"))
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	_, err := p.Acquire(context.Background(), chatReq("test"))
	if !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("Acquire() error = %v, want ErrShuttingDown", err)
	}
}

func TestStop_CancelsQueuedWaiters(t *testing.T) {
	adapter := engine.NewMockAdapter()
	p := newTestPool(t, adapter, testCfg("test"))

	lease := mustAcquire(t, p, chatReq("test"))
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), chatReq("test"))
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waiters["test"].Len() == 1
	}, "waiter queued")

	go func() {
		time.Sleep(10 * time.Millisecond)
		lease.Release()
	}()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := <-errCh; !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("queued Acquire() error = %v, want ErrShuttingDown", err)
	}
}

func TestStop_AbortsInFlightTask(t *testing.T) {
	adapter := engine.NewMockAdapter()
	adapter.TokenDelay = 5 * time.Millisecond
	p := newTestPool(t, adapter, testCfg("test"))

	lease := mustAcquire(t, p, chatReq("test",
		domain.Message{Role: "user", Content: "tell me a long story"}))
	task, err := lease.Execute(context.Background(), chatReq("test",
		domain.Message{Role: "user", Content: "tell me a long story"}))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	resCh := make(chan *domain.TaskResult, 1)
	go func() {
		res, err := task.Result(context.Background())
		if err != nil {
			t.Errorf("Result() error: %v", err)
		}
		resCh <- res
		lease.Release()
	}()

	time.Sleep(20 * time.Millisecond)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	res := <-resCh
	if res.FinishReason != domain.FinishAbort {
		t.Errorf("FinishReason = %q, want %q", res.FinishReason, domain.FinishAbort)
	}
	if adapter.DisposeCount() != adapter.PrepareCount() {
		t.Errorf("DisposeCount() = %d, PrepareCount() = %d after drain",
			adapter.DisposeCount(), adapter.PrepareCount())
	}
}
