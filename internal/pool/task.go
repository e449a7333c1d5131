package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kilnlabs/kiln/internal/domain"
)

// cancelCause records which composed signal fired first. The adapter only
// sees a cancelled context; the cause decides the final finish reason.
type cancelCause string

const (
	causeCaller   cancelCause = "cancel"
	causeTimeout  cancelCause = "timeout"
	causeShutdown cancelCause = "shutdown"
)

// TaskHandle is the caller-visible future for one in-flight task.
// The result resolves exactly once; progress chunks are delivered
// strictly before the result and the channel is closed with it.
type TaskHandle struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc
	cause  atomic.Value // cancelCause, set at most once

	progress chan domain.Chunk
	done     chan struct{}
	result   *domain.TaskResult
	err      error

	resolveOnce sync.Once
	causeOnce   sync.Once
}

// newTaskHandle builds a handle whose id encodes
// {requestSeq}-{instanceUid}-{taskSeq}.
func newTaskHandle(ctx context.Context, reqSeq uint64, instanceUID string, taskSeq uint64, stream bool) (*TaskHandle, context.Context) {
	tctx, cancel := context.WithCancel(ctx)
	th := &TaskHandle{
		id:     fmt.Sprintf("%d-%s-%d", reqSeq, instanceUID, taskSeq),
		ctx:    tctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if stream {
		th.progress = make(chan domain.Chunk, 64)
	}
	return th, tctx
}

// ID is the task identifier. The instance uid is recoverable from it.
func (t *TaskHandle) ID() string { return t.id }

// Progress returns the stream channel, or nil for non-streaming tasks.
// Closed once the result is resolved.
func (t *TaskHandle) Progress() <-chan domain.Chunk { return t.progress }

// Done is closed when the result is available.
func (t *TaskHandle) Done() <-chan struct{} { return t.done }

// Cancel requests cooperative cancellation. Idempotent; calls after the
// result is delivered are no-ops.
func (t *TaskHandle) Cancel() { t.cancelWith(causeCaller) }

func (t *TaskHandle) cancelWith(c cancelCause) {
	t.causeOnce.Do(func() { t.cause.Store(c) })
	t.cancel()
}

// cancelCause returns the recorded cause, or causeCaller when the
// caller's own context expired.
func (t *TaskHandle) cancelCause() cancelCause {
	if c, ok := t.cause.Load().(cancelCause); ok {
		return c
	}
	return causeCaller
}

// emit delivers one chunk to the progress channel. Dropped for
// non-streaming tasks; gives up if the task is cancelled and the
// consumer stopped draining.
func (t *TaskHandle) emit(c domain.Chunk) {
	if t.progress == nil {
		return
	}
	select {
	case t.progress <- c:
	case <-t.ctx.Done():
	}
}

// resolve fulfils the result slot exactly once.
func (t *TaskHandle) resolve(res *domain.TaskResult, err error) {
	t.resolveOnce.Do(func() {
		t.result = res
		t.err = err
		if t.progress != nil {
			close(t.progress)
		}
		close(t.done)
	})
}

// Result blocks until the task finishes or ctx expires.
func (t *TaskHandle) Result(ctx context.Context) (*domain.TaskResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
