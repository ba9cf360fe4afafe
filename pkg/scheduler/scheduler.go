// Package scheduler implements the simulation's time-priority queue: a
// min-heap of entries keyed by (deadline, sequence) that drives the
// clock forward and delivers deferred actions.
//
// The heap is container/heap over a slice of entries, keyed on
// (simtime.SimTime, sequence) rather than wall-clock time, with a
// cancellation flag per entry and a same-instant dispatch loop so an
// action dispatched at T can schedule more work at T and still see it
// run before the clock moves.
package scheduler

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/desim/pkg/failfast"
	"github.com/fluxorio/desim/pkg/simerr"
	"github.com/fluxorio/desim/pkg/simtime"
)

// Action is the deferred work a scheduler entry carries. It is invoked
// with the deadline it was dispatched at.
type Action func(t simtime.SimTime)

// entry is a single scheduler heap element.
type entry struct {
	deadline simtime.SimTime
	sequence uint64
	action   Action
	canceled atomic.Bool

	// period is non-zero for periodic entries; on dispatch the entry is
	// reinserted at deadline+period under the same Handle.
	period    time.Duration
	hasPeriod bool

	index int // heap.Interface bookkeeping, maintained by container/heap
}

// Handle is a detachable reference to a scheduled entry. Cancel is safe
// to call at any time, including after dispatch (a harmless no-op then).
type Handle struct {
	e *entry
}

// Cancel flips the entry's cancellation flag. An already-dispatched or
// already-canceled handle is unaffected.
func (h Handle) Cancel() {
	if h.e != nil {
		h.e.canceled.Store(true)
	}
}

// entryHeap implements container/heap.Interface, ordering by
// (deadline, sequence).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Compare(h[j].deadline) != 0 {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].sequence < h[j].sequence
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is the mutex-guarded time-priority queue of deferred
// actions. The mutex is uncontended on the common path, since most
// scheduling calls originate from within handlers already serialized by
// their own mailbox.
type Scheduler struct {
	mu       sync.Mutex
	heap     entryHeap
	sequence uint64
	now      simtime.SimTime
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{heap: make(entryHeap, 0)}
}

// SetNow updates the scheduler's own notion of "now", against which
// ScheduleAt/ScheduleIn/SchedulePeriodic validate deadlines. Simulation
// calls this as the clock advances, including once during Init with t0,
// so that a deadline scheduled before the scheduler has ever been told
// the time is still rejected rather than silently accepted.
func (s *Scheduler) SetNow(t simtime.SimTime) {
	s.mu.Lock()
	s.now = t
	s.mu.Unlock()
}

// Now reports the scheduler's current notion of "now".
func (s *Scheduler) Now() simtime.SimTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// ScheduleAt registers action to run at deadline. A deadline strictly
// before the scheduler's current notion of "now" (set via SetNow) is a
// condition a caller can legitimately hit at runtime — not a programmer
// error — so it is reported as a *simerr.Error of KindInvalidDeadline
// rather than a panic.
func (s *Scheduler) ScheduleAt(deadline simtime.SimTime, action Action) (Handle, error) {
	failfast.NotNil(action, "action")
	s.mu.Lock()
	defer s.mu.Unlock()
	if deadline.Before(s.now) {
		return Handle{}, simerr.New(simerr.KindInvalidDeadline, s.now, "",
			fmt.Errorf("deadline %s precedes current time %s", deadline, s.now))
	}
	return s.pushLocked(deadline, action, false, 0), nil
}

// ScheduleIn registers action to run delay after base. A zero delay is
// legal. delay itself must be non-negative — a negative delay is always
// a caller code bug, distinct from the runtime-legitimate "resulting
// deadline precedes now" case ScheduleAt reports as an error.
func (s *Scheduler) ScheduleIn(base simtime.SimTime, delay time.Duration, action Action) (Handle, error) {
	failfast.If(delay >= 0, "delay must be non-negative, got %v", delay)
	return s.ScheduleAt(base.Add(delay), action)
}

// SchedulePeriodic registers action to run first at `first`, then
// every `period` thereafter until canceled. first is validated against
// "now" the same way ScheduleAt validates a one-shot deadline.
func (s *Scheduler) SchedulePeriodic(first simtime.SimTime, period time.Duration, action Action) (Handle, error) {
	failfast.NotNil(action, "action")
	failfast.If(period > 0, "period must be positive, got %v", period)
	s.mu.Lock()
	defer s.mu.Unlock()
	if first.Before(s.now) {
		return Handle{}, simerr.New(simerr.KindInvalidDeadline, s.now, "",
			fmt.Errorf("deadline %s precedes current time %s", first, s.now))
	}
	return s.pushLocked(first, action, true, period), nil
}

func (s *Scheduler) pushLocked(deadline simtime.SimTime, action Action, periodic bool, period time.Duration) Handle {
	s.sequence++
	e := &entry{
		deadline:  deadline,
		sequence:  s.sequence,
		action:    action,
		period:    period,
		hasPeriod: periodic,
	}
	heap.Push(&s.heap, e)
	return Handle{e: e}
}

// PeekNextDeadline reports the earliest pending, non-canceled deadline
// and true, or the zero value and false if the queue is empty of live
// entries. Canceled entries at the front are popped and discarded as a
// side effect, matching dispatchUpTo's own skip behavior.
func (s *Scheduler) PeekNextDeadline() (simtime.SimTime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropCanceledFrontLocked()
	if s.heap.Len() == 0 {
		return simtime.SimTime{}, false
	}
	return s.heap[0].deadline, true
}

func (s *Scheduler) dropCanceledFrontLocked() {
	for s.heap.Len() > 0 && s.heap[0].canceled.Load() {
		heap.Pop(&s.heap)
	}
}

// DispatchUpTo pops and runs every non-canceled entry with deadline <= t,
// in (deadline, sequence) order, reinserting periodic entries at
// deadline+period. It does not itself loop for same-instant settling;
// that is the caller's (Simulation's) responsibility, since it requires
// running the executor to quiescence between rounds.
func (s *Scheduler) DispatchUpTo(t simtime.SimTime) int {
	dispatched := 0
	for {
		s.mu.Lock()
		s.dropCanceledFrontLocked()
		if s.heap.Len() == 0 || s.heap[0].deadline.After(t) {
			s.mu.Unlock()
			return dispatched
		}
		e := heap.Pop(&s.heap).(*entry)
		s.mu.Unlock()

		if e.canceled.Load() {
			continue
		}
		e.action(e.deadline)
		dispatched++

		if e.hasPeriod {
			s.mu.Lock()
			e.deadline = e.deadline.Add(e.period)
			s.sequence++
			e.sequence = s.sequence
			if !e.canceled.Load() {
				heap.Push(&s.heap, e)
			}
			s.mu.Unlock()
		}
	}
}

// Len reports the number of live (non-canceled) entries currently queued.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.heap {
		if !e.canceled.Load() {
			n++
		}
	}
	return n
}

// DefaultCausalityCycleCap bounds the same-instant dispatch loop a
// Simulation runs atop DispatchUpTo.
const DefaultCausalityCycleCap = 10000

// ErrCausalityCycle is returned by callers that enforce
// DefaultCausalityCycleCap (see pkg/sim); re-exported here for
// convenience since scheduler is where the cap is documented.
var ErrCausalityCycle = simerr.ErrCausalityCycle
