// Package mailbox implements the bounded, single-consumer closure queue
// that backs every model.
//
// Send suspends the caller while the mailbox is full and wakes it when
// space frees. The empty-to-parked transition of the consumer must be
// observable by the executor's quiescence barrier without racing a
// concurrent Send; a raw buffered channel cannot make that transition
// atomic with the barrier's counter update, so the queue is an explicit
// mutex-guarded ring rather than a chan.
package mailbox

import (
	"context"
	"sync/atomic"

	"github.com/fluxorio/desim/pkg/simerr"
	"github.com/fluxorio/desim/pkg/simtime"
)

// Closure is a type-erased, argument-bound handler invocation: a pending
// call into a model's input handler, captured as a no-argument function
// that the mailbox's consumer runs with exclusive access to the model.
type Closure func(ctx context.Context) error

// QuiescenceTracker is the hook a Mailbox calls around the empty-to-
// parked transition. The executor package's Barrier implements this;
// mailbox does not import executor to avoid a cycle.
type QuiescenceTracker interface {
	// GoIdle is called by the sole consumer, holding the mailbox's
	// internal lock, the instant it discovers the queue is empty and is
	// about to park. Must run before the consumer actually blocks.
	GoIdle()
	// Wake is called by a producer, holding the same internal lock,
	// the instant it hands a closure to a consumer that was parked.
	Wake()
}

type noopTracker struct{}

func (noopTracker) GoIdle() {}
func (noopTracker) Wake()   {}

// NoopTracker is a QuiescenceTracker that does nothing, useful for
// mailboxes created outside a simulation (unit tests, sinks).
var NoopTracker QuiescenceTracker = noopTracker{}

// Admission is the hook Send calls around the interval it is suspended
// waiting for a full queue to drain. An executor that bounds concurrent
// handler execution with a fixed number of worker slots implements this
// to give up its slot for the duration of the wait and reclaim one
// before Send returns, so a handler blocked sending into a peer's full
// mailbox never pins the very slot that peer's own pump loop needs in
// order to drain it.
//
// Admission travels through a call's context.Context rather than being a
// Mailbox field, since whether the caller is currently occupying an
// executor slot is a property of the calling goroutine's call stack at
// that instant, not of the destination mailbox.
type Admission interface {
	// Release gives up the caller's executor slot. Called while the
	// caller is about to block; must not itself block.
	Release()
	// Reacquire blocks until a slot is available again or ctx is done.
	Reacquire(ctx context.Context) error
}

type noopAdmission struct{}

func (noopAdmission) Release()                            {}
func (noopAdmission) Reacquire(ctx context.Context) error { return nil }

// NoopAdmission is an Admission that does nothing, the default for any
// context that was never threaded through WithAdmission (external
// callers, the scheduler's own dispatch goroutine, plain unit tests).
var NoopAdmission Admission = noopAdmission{}

type admissionKey struct{}

// WithAdmission attaches a, the calling goroutine's executor slot, to
// ctx. The executor package calls this once per handler dispatch; model
// code then threads the resulting context.Context back into further
// Address.Send/Output.Send calls via Context.Context() instead of
// context.Background() so nested sends participate in the same
// release/reacquire protocol.
func WithAdmission(ctx context.Context, a Admission) context.Context {
	return context.WithValue(ctx, admissionKey{}, a)
}

func admissionFrom(ctx context.Context) Admission {
	if a, ok := ctx.Value(admissionKey{}).(Admission); ok && a != nil {
		return a
	}
	return NoopAdmission
}

// Mailbox is a bounded FIFO queue of pending Closures owned by exactly
// one consumer.
type Mailbox struct {
	name     string
	capacity int

	mu       chan struct{} // binary mutex; see lock()/unlock() below
	buf      []Closure
	head     int
	count    int
	closed   bool
	parked   bool
	tracker  QuiescenceTracker

	notEmpty chan struct{} // buffered(1) signal slots, see wait helper
	notFull  chan struct{}

	blocked atomic.Int64 // cumulative count of Send waits on a full queue
}

// DefaultCapacity is the queue depth used when no explicit capacity is
// given. Model mailboxes are kept small so backpressure reaches the
// sender quickly.
const DefaultCapacity = 16

// New creates a Mailbox with the given capacity (a capacity below 1
// selects DefaultCapacity) and quiescence tracker.
func New(name string, capacity int, tracker QuiescenceTracker) *Mailbox {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if tracker == nil {
		tracker = NoopTracker
	}
	return &Mailbox{
		name:     name,
		capacity: capacity,
		mu:       make(chan struct{}, 1),
		buf:      make([]Closure, capacity),
		tracker:  tracker,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

func (m *Mailbox) lock()   { m.mu <- struct{}{} }
func (m *Mailbox) unlock() { <-m.mu }

func (m *Mailbox) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// wait blocks until either ch receives a pending signal or ctx is done.
// Must be called without holding the lock.
func (m *Mailbox) wait(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name returns the mailbox's owning model name, for diagnostics.
func (m *Mailbox) Name() string { return m.name }

// Capacity returns the mailbox's fixed capacity.
func (m *Mailbox) Capacity() int { return m.capacity }

// Len returns the number of currently queued closures.
func (m *Mailbox) Len() int {
	m.lock()
	defer m.unlock()
	return m.count
}

// Send enqueues closure, suspending the caller if the mailbox is full
// until space frees or the mailbox closes.
func (m *Mailbox) Send(ctx context.Context, closure Closure) error {
	for {
		m.lock()
		if m.closed {
			// Close leaves one notFull signal; pass it on so every other
			// suspended sender also wakes and sees the close.
			m.signal(m.notFull)
			m.unlock()
			return simerr.New(simerr.KindChannelClosed, simtime.SimTime{}, m.name, nil)
		}
		if m.count < m.capacity {
			m.buf[(m.head+m.count)%m.capacity] = closure
			m.count++
			if m.parked {
				// A consumer was blocked on an empty queue; it must be
				// counted active again before this send becomes
				// observable, eliminating the race the package doc
				// describes.
				m.parked = false
				m.tracker.Wake()
			}
			m.signal(m.notEmpty)
			m.unlock()
			return nil
		}
		m.unlock()
		m.blocked.Add(1)
		// Give up the caller's executor slot (if any) for the duration of
		// the wait, and reclaim one before looping back to retry the
		// send, so a handler parked here never starves the pump loop that
		// would otherwise drain this very mailbox and free space for it.
		adm := admissionFrom(ctx)
		adm.Release()
		waitErr := m.wait(ctx, m.notFull)
		if reErr := adm.Reacquire(ctx); reErr != nil {
			if waitErr == nil {
				waitErr = reErr
			}
		}
		if waitErr != nil {
			return waitErr
		}
	}
}

// Recv blocks until a closure is available, the mailbox closes with
// nothing queued, or ctx is done.
func (m *Mailbox) Recv(ctx context.Context) (Closure, error) {
	for {
		m.lock()
		if m.count > 0 {
			c := m.buf[m.head]
			m.buf[m.head] = nil
			m.head = (m.head + 1) % m.capacity
			m.count--
			m.signal(m.notFull)
			m.unlock()
			return c, nil
		}
		if m.closed {
			// A consumer woken by Close rather than by a Send is still
			// marked parked; undo that before exiting so the tracker's
			// count stays paired with the pump loop's own exit
			// bookkeeping.
			if m.parked {
				m.parked = false
				m.tracker.Wake()
			}
			m.unlock()
			return nil, simerr.New(simerr.KindChannelClosed, simtime.SimTime{}, m.name, nil)
		}
		// Empty: transition to parked under the same lock the tracker's
		// counter update needs to observe, then block outside the lock.
		m.parked = true
		m.tracker.GoIdle()
		m.unlock()
		if err := m.wait(ctx, m.notEmpty); err != nil {
			// Reclaim "active" bookkeeping: we never actually processed
			// a closure, but we're no longer parked either once we stop
			// waiting for this mailbox.
			m.lock()
			if m.parked {
				m.parked = false
				m.tracker.Wake()
			}
			m.unlock()
			return nil, err
		}
	}
}

// BlockedSends reports the cumulative number of times a Send call has
// suspended on a full queue, for the simulation's backpressure metrics.
func (m *Mailbox) BlockedSends() int64 { return m.blocked.Load() }

// Close marks the mailbox closed. Idempotent. Pending items remain
// deliverable via Recv until drained; subsequent Sends fail.
func (m *Mailbox) Close() {
	m.lock()
	if m.closed {
		m.unlock()
		return
	}
	m.closed = true
	m.signal(m.notEmpty)
	m.signal(m.notFull)
	m.unlock()
}

// Closed reports whether Close has been called.
func (m *Mailbox) Closed() bool {
	m.lock()
	defer m.unlock()
	return m.closed
}

// SetTracker rebinds the mailbox's QuiescenceTracker. Simulation
// assembly creates mailboxes before the executor's Barrier exists, so
// SimInit.Init wires the real tracker in once the pool is built.
func (m *Mailbox) SetTracker(tracker QuiescenceTracker) {
	if tracker == nil {
		tracker = NoopTracker
	}
	m.lock()
	m.tracker = tracker
	m.unlock()
}
