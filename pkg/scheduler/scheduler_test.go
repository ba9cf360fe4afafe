package scheduler

import (
	"testing"
	"time"

	"github.com/fluxorio/desim/pkg/simerr"
	"github.com/fluxorio/desim/pkg/simtime"
)

func TestScheduleAtDispatchOrder(t *testing.T) {
	s := New()
	var order []int

	s.ScheduleAt(simtime.At(2, 0), func(simtime.SimTime) { order = append(order, 2) })
	s.ScheduleAt(simtime.At(1, 0), func(simtime.SimTime) { order = append(order, 1) })
	s.ScheduleAt(simtime.At(3, 0), func(simtime.SimTime) { order = append(order, 3) })

	s.DispatchUpTo(simtime.At(3, 0))

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestSameDeadlineSequenceOrder(t *testing.T) {
	s := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		s.ScheduleAt(simtime.At(1, 0), func(simtime.SimTime) { order = append(order, i) })
	}
	s.DispatchUpTo(simtime.At(1, 0))
	for i, v := range order {
		if v != i {
			t.Errorf("order[%d] = %d, want %d (insertion order among same deadline)", i, v, i)
		}
	}
}

func TestDispatchUpToStopsAtDeadline(t *testing.T) {
	s := New()
	ran := false
	s.ScheduleAt(simtime.At(5, 0), func(simtime.SimTime) { ran = true })

	n := s.DispatchUpTo(simtime.At(4, 0))
	if n != 0 || ran {
		t.Fatalf("DispatchUpTo(4) dispatched %d entries and ran=%v, want 0/false", n, ran)
	}

	n = s.DispatchUpTo(simtime.At(5, 0))
	if n != 1 || !ran {
		t.Fatalf("DispatchUpTo(5) dispatched %d entries and ran=%v, want 1/true", n, ran)
	}
}

func TestCancelBeforeDispatchIsNoop(t *testing.T) {
	s := New()
	ran := false
	h, err := s.ScheduleAt(simtime.At(1, 0), func(simtime.SimTime) { ran = true })
	if err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}
	h.Cancel()

	n := s.DispatchUpTo(simtime.At(1, 0))
	if n != 0 || ran {
		t.Errorf("canceled entry ran: n=%d ran=%v", n, ran)
	}
}

func TestCancelAfterDispatchIsHarmless(t *testing.T) {
	s := New()
	h, err := s.ScheduleAt(simtime.At(1, 0), func(simtime.SimTime) {})
	if err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}
	s.DispatchUpTo(simtime.At(1, 0))
	h.Cancel() // must not panic
}

func TestPeekNextDeadline(t *testing.T) {
	s := New()
	if _, ok := s.PeekNextDeadline(); ok {
		t.Fatal("empty scheduler should report no next deadline")
	}

	s.ScheduleAt(simtime.At(10, 0), func(simtime.SimTime) {})
	d, ok := s.PeekNextDeadline()
	if !ok || d.Compare(simtime.At(10, 0)) != 0 {
		t.Errorf("PeekNextDeadline() = (%v, %v), want (10, true)", d, ok)
	}
}

func TestPeekNextDeadlineSkipsCanceled(t *testing.T) {
	s := New()
	h, err := s.ScheduleAt(simtime.At(1, 0), func(simtime.SimTime) {})
	if err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}
	s.ScheduleAt(simtime.At(5, 0), func(simtime.SimTime) {})
	h.Cancel()

	d, ok := s.PeekNextDeadline()
	if !ok || d.Compare(simtime.At(5, 0)) != 0 {
		t.Errorf("PeekNextDeadline() = (%v, %v), want (5, true)", d, ok)
	}
}

func TestSchedulePeriodicReinserts(t *testing.T) {
	s := New()
	count := 0
	if _, err := s.SchedulePeriodic(simtime.At(1, 0), time.Second, func(simtime.SimTime) { count++ }); err != nil {
		t.Fatalf("SchedulePeriodic: %v", err)
	}

	s.DispatchUpTo(simtime.At(1, 0))
	if count != 1 {
		t.Fatalf("count after first dispatch = %d, want 1", count)
	}

	d, ok := s.PeekNextDeadline()
	if !ok || d.Compare(simtime.At(2, 0)) != 0 {
		t.Fatalf("next periodic deadline = (%v, %v), want (2, true)", d, ok)
	}

	s.DispatchUpTo(simtime.At(3, 0))
	// Dispatching through 3s runs the 2s occurrence and the 3s occurrence
	// it reinserts.
	if count != 3 {
		t.Fatalf("count after second dispatch = %d, want 3", count)
	}
}

func TestCancelStopsPeriodic(t *testing.T) {
	s := New()
	count := 0
	h, err := s.SchedulePeriodic(simtime.At(1, 0), time.Second, func(simtime.SimTime) { count++ })
	if err != nil {
		t.Fatalf("SchedulePeriodic: %v", err)
	}
	s.DispatchUpTo(simtime.At(1, 0))
	h.Cancel()
	s.DispatchUpTo(simtime.At(10, 0))
	if count != 1 {
		t.Errorf("count = %d, want 1 (periodic should stop after cancel)", count)
	}
}

func TestScheduleInZeroDelayAllowed(t *testing.T) {
	s := New()
	ran := false
	s.ScheduleIn(simtime.At(2, 0), 0, func(simtime.SimTime) { ran = true })
	s.DispatchUpTo(simtime.At(2, 0))
	if !ran {
		t.Error("zero-delay scheduling should be legal and dispatch at the base instant")
	}
}

func TestScheduleAtPastDeadlineReturnsErrorNotPanic(t *testing.T) {
	s := New()
	s.SetNow(simtime.At(5, 0))

	h, err := s.ScheduleAt(simtime.At(4, 0), func(simtime.SimTime) {})
	if err == nil {
		t.Fatal("ScheduleAt with a deadline before now should return an error, got nil")
	}
	if !simerr.IsKind(err, simerr.KindInvalidDeadline) {
		t.Errorf("err = %v, want KindInvalidDeadline", err)
	}
	if h != (Handle{}) {
		t.Errorf("expected zero Handle on error, got %+v", h)
	}
	if n := s.Len(); n != 0 {
		t.Errorf("a rejected deadline must not be queued, Len() = %d", n)
	}
}

func TestScheduleAtDeadlineEqualToNowIsAllowed(t *testing.T) {
	s := New()
	s.SetNow(simtime.At(5, 0))

	ran := false
	if _, err := s.ScheduleAt(simtime.At(5, 0), func(simtime.SimTime) { ran = true }); err != nil {
		t.Fatalf("ScheduleAt at exactly now: %v", err)
	}
	s.DispatchUpTo(simtime.At(5, 0))
	if !ran {
		t.Error("a deadline equal to now should be accepted and dispatched")
	}
}

func TestSchedulePeriodicPastFirstReturnsError(t *testing.T) {
	s := New()
	s.SetNow(simtime.At(5, 0))

	if _, err := s.SchedulePeriodic(simtime.At(1, 0), time.Second, func(simtime.SimTime) {}); err == nil {
		t.Fatal("SchedulePeriodic with first before now should return an error, got nil")
	} else if !simerr.IsKind(err, simerr.KindInvalidDeadline) {
		t.Errorf("err = %v, want KindInvalidDeadline", err)
	}
}

func TestLenCountsLiveEntriesOnly(t *testing.T) {
	s := New()
	s.ScheduleAt(simtime.At(1, 0), func(simtime.SimTime) {})
	h2, err := s.ScheduleAt(simtime.At(2, 0), func(simtime.SimTime) {})
	if err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	h2.Cancel()
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after cancel", s.Len())
	}
}
