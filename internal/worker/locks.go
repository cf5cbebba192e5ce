// Package worker implements the single-threaded cooperative event loop that
// owns one trading pair's Grid/Ledger pair, per §5's concurrency model and
// §7's state machine.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "dexmm/pkg/errors"
	"dexmm/pkg/telemetry"
)

// LockTimeout is the hard deadline for acquiring any named lock (§5:
// "gridLock acquisition: hard timeout LOCK_TIMEOUT (default 20s)").
var LockTimeout = 20 * time.Second

// FIFOLock is a queue-based mutual-exclusion primitive: a buffered channel
// of capacity one acts as a ticket, so waiters are granted the lock in the
// order they called Acquire. Plain sync.Mutex does not guarantee FIFO
// ordering under contention, which §8 property 8 (canonical lock order)
// and the zombie-sync guard both depend on.
type FIFOLock struct {
	name   string
	ticket chan struct{}
}

// NewFIFOLock constructs an unlocked FIFOLock.
func NewFIFOLock(name string) *FIFOLock {
	l := &FIFOLock{name: name, ticket: make(chan struct{}, 1)}
	l.ticket <- struct{}{}
	return l
}

// Acquire blocks until the lock is free, ctx is cancelled, or LockTimeout
// elapses, whichever comes first. The returned release func must be called
// exactly once to hand the lock to the next waiter in FIFO order.
func (l *FIFOLock) Acquire(ctx context.Context) (release func(), err error) {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, LockTimeout)
	defer cancel()

	select {
	case <-l.ticket:
		recordLockWait(l.name, time.Since(start))
		return func() { l.ticket <- struct{}{} }, nil
	case <-timeoutCtx.Done():
		recordLockWait(l.name, time.Since(start))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: lock %q: %v", apperrors.ErrLockTimeout, l.name, ctx.Err())
		}
		return nil, fmt.Errorf("%w: lock %q did not acquire within %s", apperrors.ErrLockTimeout, l.name, LockTimeout)
	}
}

func recordLockWait(name string, d time.Duration) {
	m := telemetry.GetGlobalMetrics()
	if m.LockWaitMs == nil {
		return
	}
	m.LockWaitMs.Record(context.Background(), float64(d.Milliseconds()), metric.WithAttributes(attribute.String("lock", name)))
}

// Locks holds the five named locks of §5. The canonical order is
// fillLock → gridLock → fundLock and reconcileLock → gridLock → fundLock;
// persistLock is a leaf and may be taken under any of the above. The
// acquireFillPipeline/acquireReconcilePipeline/acquireGridFund helpers below
// are the only call paths allowed to hold more than one lock at a time
// (persistLock aside), and they always acquire in
// canonical order so property 8 (no call path acquires two locks in the
// reverse order) holds by construction.
type Locks struct {
	Grid      *FIFOLock
	Fund      *FIFOLock
	Fill      *FIFOLock
	Reconcile *FIFOLock
	Persist   *FIFOLock
}

// NewLocks constructs the five named locks, unlocked.
func NewLocks() *Locks {
	return &Locks{
		Grid:      NewFIFOLock("gridLock"),
		Fund:      NewFIFOLock("fundLock"),
		Fill:      NewFIFOLock("fillLock"),
		Reconcile: NewFIFOLock("reconcileLock"),
		Persist:   NewFIFOLock("persistLock"),
	}
}

// releaseAll runs release funcs in reverse acquisition order, matching
// standard lock-unwind discipline.
func releaseAll(releases []func()) {
	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}

// acquireFillPipeline takes fillLock → gridLock → fundLock in canonical
// order, for draining a batch of fills into a Plan and committing it.
func (l *Locks) acquireFillPipeline(ctx context.Context) (release func(), err error) {
	return l.acquireChain(ctx, l.Fill, l.Grid, l.Fund)
}

// acquireReconcilePipeline takes reconcileLock → gridLock → fundLock, for
// one reconciliation pass (startup, resync, or post-StaleOrder).
func (l *Locks) acquireReconcilePipeline(ctx context.Context) (release func(), err error) {
	return l.acquireChain(ctx, l.Reconcile, l.Grid, l.Fund)
}

// acquireGridFund takes gridLock → fundLock, for cycles that don't touch
// the fill queue: divergence check, spread check, boundary sync, reset.
func (l *Locks) acquireGridFund(ctx context.Context) (release func(), err error) {
	return l.acquireChain(ctx, l.Grid, l.Fund)
}

func (l *Locks) acquireChain(ctx context.Context, locks ...*FIFOLock) (release func(), err error) {
	var releases []func()
	for _, lk := range locks {
		r, err := lk.Acquire(ctx)
		if err != nil {
			releaseAll(releases)
			return nil, err
		}
		releases = append(releases, r)
	}
	return func() { releaseAll(releases) }, nil
}
