package pool

import (
	"context"
	"sync"

	"github.com/kilnlabs/kiln/internal/domain"
)

// Lease is an exclusive borrow of one instance by one caller. For any
// instance, at most one lease is live at a time. Release is idempotent.
type Lease struct {
	pool *Pool
	inst *Instance
	seq  uint64

	once sync.Once
}

// Instance returns the leased instance.
func (l *Lease) Instance() *Instance { return l.inst }

// Seq is the pool-assigned sequence number of this lease.
func (l *Lease) Seq() uint64 { return l.seq }

// Execute starts one task on the leased instance. At most one task may
// be in flight per lease; the returned handle's result resolves later.
func (l *Lease) Execute(ctx context.Context, req *domain.TaskRequest) (*TaskHandle, error) {
	return l.inst.execute(ctx, req, l.seq, req.Stream)
}

// Release returns the instance to the pool: the resident fingerprint is
// recomputed, lastUsedAt stamped, and the instance handed to the waiter
// queue head or parked idle.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.inst) })
}
