// Package sync provides the synchronization primitives the memory and
// scheduling subsystems use to guard shared state across the single
// preemption point in the system: the timer interrupt.
package sync

import "sync/atomic"

// yieldFn is called by Acquire while busy-waiting for a contended lock. On
// real hardware there is nothing productive to yield to (there is no other
// runnable OS thread backing this goroutine), so the default is a no-op;
// tests substitute runtime.Gosched to avoid starving the Go scheduler.
var yieldFn = func() {}

// Spinlock implements a test-and-set lock where a caller that cannot
// immediately acquire the lock busy-waits until it becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the caller. Re-acquiring
// a lock already held by the caller deadlocks, matching the non-reentrant
// contract every subsystem (PMM, scheduler, heap) relies on.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock without blocking and reports
// whether it succeeded.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock. Calling Release while the lock is free
// has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
