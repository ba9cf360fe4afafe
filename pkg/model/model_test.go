package model

import (
	"context"
	"testing"
	"time"

	"github.com/fluxorio/desim/pkg/mailbox"
	"github.com/fluxorio/desim/pkg/scheduler"
	"github.com/fluxorio/desim/pkg/simerr"
	"github.com/fluxorio/desim/pkg/simtime"
)

type counter struct {
	value int
}

func bump(m *counter, ctx *Context[counter]) error {
	m.value++
	return nil
}

func newTestAddress(t *testing.T) (Address[counter], *counter, *mailbox.Mailbox) {
	t.Helper()
	m := &counter{}
	mb := mailbox.New("counter", 4, nil)
	addr := NewAddress("counter", mb, m)
	return addr, m, mb
}

func TestAddressSend(t *testing.T) {
	addr, m, mb := newTestAddress(t)
	ctx := context.Background()

	newCtx := func() *Context[counter] {
		return NewContext(simtime.Epoch, scheduler.New(), addr)
	}
	if err := addr.Send(ctx, bump, newCtx); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	closure, err := mb.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if err := closure(ctx); err != nil {
		t.Fatalf("closure() error = %v", err)
	}
	if m.value != 1 {
		t.Errorf("value = %d, want 1", m.value)
	}
}

func TestContextTimeAndAddress(t *testing.T) {
	addr, _, _ := newTestAddress(t)
	sched := scheduler.New()
	c := NewContext(simtime.At(5, 0), sched, addr)

	if c.Time().Compare(simtime.At(5, 0)) != 0 {
		t.Errorf("Time() = %v, want 5s", c.Time())
	}
	if c.Address().Name() != "counter" {
		t.Errorf("Address().Name() = %q, want counter", c.Address().Name())
	}
}

func TestScheduleEventDeliversLater(t *testing.T) {
	addr, m, mb := newTestAddress(t)
	sched := scheduler.New()
	rebuild := func(t simtime.SimTime) *Context[counter] { return NewContext(t, sched, addr) }
	c := NewContext(simtime.Epoch, sched, addr)

	c.ScheduleEvent(time.Second, bump, rebuild)

	sched.DispatchUpTo(simtime.At(1, 0))

	closure, err := mb.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	closure(context.Background())
	if m.value != 1 {
		t.Errorf("value = %d, want 1 after scheduled event fires", m.value)
	}
}

func TestSchedulePeriodicEventRepeats(t *testing.T) {
	addr, m, mb := newTestAddress(t)
	sched := scheduler.New()
	rebuild := func(t simtime.SimTime) *Context[counter] { return NewContext(t, sched, addr) }
	c := NewContext(simtime.Epoch, sched, addr)

	c.SchedulePeriodicEvent(simtime.At(1, 0), time.Second, bump, rebuild)

	sched.DispatchUpTo(simtime.At(3, 0))
	for i := 0; i < 3; i++ {
		closure, err := mb.Recv(context.Background())
		if err != nil {
			t.Fatalf("Recv() #%d error = %v", i, err)
		}
		closure(context.Background())
	}
	if m.value != 3 {
		t.Errorf("value = %d, want 3", m.value)
	}
}

func TestScheduleKeyedEventPastDeadlineReturnsError(t *testing.T) {
	addr, _, _ := newTestAddress(t)
	sched := scheduler.New()
	sched.SetNow(simtime.At(5, 0))
	rebuild := func(t simtime.SimTime) *Context[counter] { return NewContext(t, sched, addr) }
	c := NewContext(simtime.At(5, 0), sched, addr)

	_, err := c.ScheduleKeyedEvent(simtime.At(4, 0), bump, rebuild)
	if err == nil {
		t.Fatal("ScheduleKeyedEvent with a deadline before now should return an error, not panic")
	}
	if !simerr.IsKind(err, simerr.KindInvalidDeadline) {
		t.Errorf("err = %v, want KindInvalidDeadline", err)
	}
}

func TestReplySendAwait(t *testing.T) {
	r := NewReply[int]()
	r.Send(42)
	v, err := r.Await(context.Background())
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if v != 42 {
		t.Errorf("Await() = %d, want 42", v)
	}
}

func TestReplyAwaitCanceled(t *testing.T) {
	r := NewReply[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.Await(ctx); err == nil {
		t.Fatal("Await() on an unsent reply with a canceled context should error")
	}
}

func TestReplyTryAwait(t *testing.T) {
	r := NewReply[int]()
	if _, ok := r.TryAwait(); ok {
		t.Fatal("TryAwait() on an unfired reply should report false")
	}
	r.Send(7)
	v, ok := r.TryAwait()
	if !ok || v != 7 {
		t.Errorf("TryAwait() = (%d, %v), want (7, true)", v, ok)
	}
}

func TestReplyDoubleSendDoesNotPanic(t *testing.T) {
	r := NewReply[int]()
	r.Send(1)
	r.Send(2) // should be dropped silently, not panic or deadlock
	v, _ := r.Await(context.Background())
	if v != 1 {
		t.Errorf("Await() = %d, want 1 (first send wins)", v)
	}
}
