package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"

	"github.com/kilnlabs/kiln/internal/domain"
	"github.com/kilnlabs/kiln/internal/engine"
)

// Status is the lifecycle state of one instance.
type Status string

const (
	StatusNew           Status = "new"
	StatusPreparing     Status = "preparing"
	StatusPrepareFailed Status = "prepare-failed"
	StatusIdle          Status = "idle"
	StatusBusy          Status = "busy"
	StatusDisposing     Status = "disposing"
	StatusDisposed      Status = "disposed"
)

// live reports whether the status counts toward the model's instance cap.
func (s Status) live() bool {
	return s == StatusPreparing || s == StatusIdle || s == StatusBusy
}

// Instance is one loaded copy of a model plus its conversation state.
// FSM fields (status, fingerprint, lastUsedAt) are guarded by the owning
// pool's mutex; the task slot has its own lock so at most one task runs
// on an instance at a time.
type Instance struct {
	uid     string
	cfg     domain.ModelConfig
	adapter engine.Adapter
	clk     clock.Clock

	// Pool-issued callbacks; the instance never traverses back into the
	// pool except through these.
	onFailure   func(*Instance, error)
	shutdownCtx context.Context

	// Guarded by the pool mutex.
	status      Status
	handle      engine.Handle
	fingerprint domain.Fingerprint
	lastUsedAt  time.Time
	ttlTimer    *clock.Timer

	// Prepare completion broadcast. prepareErr is valid once ready closes.
	// pending, guarded by the pool mutex, is the creator waiting for this
	// instance's first handoff.
	ready      chan struct{}
	prepareErr error
	pending    *waiter

	// Task slot. taskMu is a 1-slot semaphore: at most one in-flight task.
	taskMu  chan struct{}
	current atomic.Pointer[TaskHandle]
	taskSeq uint64
}

func newInstance(cfg domain.ModelConfig, adapter engine.Adapter, clk clock.Clock, shutdownCtx context.Context, onFailure func(*Instance, error)) *Instance {
	inst := &Instance{
		uid:         uuid.New().String()[:8],
		cfg:         cfg,
		adapter:     adapter,
		clk:         clk,
		onFailure:   onFailure,
		shutdownCtx: shutdownCtx,
		status:      StatusNew,
		ready:       make(chan struct{}),
		taskMu:      make(chan struct{}, 1),
	}
	inst.taskMu <- struct{}{}
	return inst
}

// UID is the stable identifier of this instance.
func (inst *Instance) UID() string { return inst.uid }

// Config returns the model config this instance was created from.
func (inst *Instance) Config() domain.ModelConfig { return inst.cfg }

// execute starts one task on this instance. The caller must hold a live
// lease. Returns immediately with a handle whose result resolves later.
func (inst *Instance) execute(ctx context.Context, req *domain.TaskRequest, reqSeq uint64, stream bool) (*TaskHandle, error) {
	select {
	case <-inst.taskMu:
	default:
		return nil, fmt.Errorf("%w: instance %s", domain.ErrInstanceBusy, inst.uid)
	}

	inst.taskSeq++
	th, tctx := newTaskHandle(ctx, reqSeq, inst.uid, inst.taskSeq, stream)
	inst.current.Store(th)

	// Compose the cancel signal: caller ctx is the parent of tctx;
	// timeout and shutdown each record their cause before cancelling,
	// so the receiver observes a single terminal state.
	var timeout *clock.Timer
	if req.Timeout > 0 {
		timeout = inst.clk.AfterFunc(req.Timeout, func() { th.cancelWith(causeTimeout) })
	}
	stopWatch := context.AfterFunc(inst.shutdownCtx, func() { th.cancelWith(causeShutdown) })

	go func() {
		defer func() {
			if timeout != nil {
				timeout.Stop()
			}
			stopWatch()
			inst.current.Store(nil)
			inst.taskMu <- struct{}{}
		}()

		res, err := inst.handle.Process(tctx, req, th.emit)
		th.cancel()
		if err != nil {
			// Recycle before resolving: the instance must be Disposing
			// by the time the caller observes the failure and releases,
			// so it can never be handed to a waiter.
			inst.onFailure(inst, err)
			th.resolve(nil, fmt.Errorf("%w: %v", domain.ErrEngineFailure, err))
			return
		}
		if res.FinishReason == domain.FinishCancel {
			switch th.cancelCause() {
			case causeTimeout:
				res.FinishReason = domain.FinishTimeout
			case causeShutdown:
				res.FinishReason = domain.FinishAbort
			}
		}
		th.resolve(res, nil)
	}()

	return th, nil
}

// currentTask returns the in-flight task handle, if any.
func (inst *Instance) currentTask() *TaskHandle { return inst.current.Load() }

// stopTTLLocked disarms the idle-eviction timer. Pool mutex held.
func (inst *Instance) stopTTLLocked() {
	if inst.ttlTimer != nil {
		inst.ttlTimer.Stop()
		inst.ttlTimer = nil
	}
}
