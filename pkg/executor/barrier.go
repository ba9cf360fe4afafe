package executor

import "sync"

// Barrier tracks how many per-model pump loops are currently able to
// make progress without external stimulus. A loop is "active" unless it
// is parked inside Mailbox.Recv waiting on an empty queue. Quiescence —
// the condition that lets the scheduler safely advance simulated time —
// holds exactly when active reaches zero and no closure is in flight on
// the global injector queue.
//
// Barrier implements mailbox.QuiescenceTracker; GoIdle/Wake are always
// called by their caller while holding the calling Mailbox's own lock,
// which is what makes the active-count transition race-free against a
// concurrent quiescence check (see package mailbox's doc comment).
//
// The condition-variable wait exists because quiescence is not "the
// queue is momentarily empty" but "no more work will ever arrive without
// outside help" — the waiter must observe the counters under the same
// lock the transitions take.
type Barrier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	active   int64
	inflight int64 // closures handed to the global injector, not yet claimed
}

// NewBarrier creates a Barrier with n initially-active loops.
func NewBarrier(n int64) *Barrier {
	b := &Barrier{active: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// GoIdle marks one loop as parked. See the Barrier type doc for the
// locking contract callers must uphold.
func (b *Barrier) GoIdle() {
	b.mu.Lock()
	b.active--
	if b.quiescentLocked() {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// Wake marks one loop as resumed from parked.
func (b *Barrier) Wake() {
	b.mu.Lock()
	b.active++
	b.mu.Unlock()
}

// EnterInjector marks a closure as submitted to the global injector
// queue, pending a worker claiming it.
func (b *Barrier) EnterInjector() {
	b.mu.Lock()
	b.inflight++
	b.mu.Unlock()
}

// LeaveInjector marks a previously-submitted closure as claimed and now
// accounted for by the claiming loop's own active/idle transitions.
func (b *Barrier) LeaveInjector() {
	b.mu.Lock()
	b.inflight--
	if b.quiescentLocked() {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

func (b *Barrier) quiescentLocked() bool {
	return b.active == 0 && b.inflight == 0
}

// Quiescent reports whether the barrier is quiescent right now.
func (b *Barrier) Quiescent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quiescentLocked()
}

// ActiveCount returns the current count of non-parked loops, for metrics.
func (b *Barrier) ActiveCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Wait blocks until the barrier becomes quiescent, or stop is closed.
// The double-check is implicit: cond.Wait() reacquires the mutex before
// re-testing the predicate, so a Wake()/EnterInjector() that interleaves
// with a Broadcast() is never missed.
func (b *Barrier) Wait(stop <-chan struct{}) {
	done := make(chan struct{})
	if stop != nil {
		go func() {
			select {
			case <-stop:
				b.mu.Lock()
				b.cond.Broadcast()
				b.mu.Unlock()
			case <-done:
			}
		}()
	}
	defer close(done)

	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.quiescentLocked() {
		select {
		case <-stop:
			return
		default:
		}
		b.cond.Wait()
	}
}

// AddLoops adjusts the active count when loops are added or removed after
// construction (e.g. a model spawned mid-simulation starts active).
func (b *Barrier) AddLoops(delta int64) {
	b.mu.Lock()
	b.active += delta
	if b.quiescentLocked() {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}
