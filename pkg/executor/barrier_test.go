package executor

import (
	"testing"
	"time"
)

func TestBarrierQuiescentByDefault(t *testing.T) {
	b := NewBarrier(0)
	if !b.Quiescent() {
		t.Error("a barrier with zero active loops should start quiescent")
	}
}

func TestBarrierActiveLoopsBlockQuiescence(t *testing.T) {
	b := NewBarrier(2)
	if b.Quiescent() {
		t.Error("a barrier with active loops should not be quiescent")
	}
}

func TestBarrierGoIdleWake(t *testing.T) {
	b := NewBarrier(1)
	b.GoIdle()
	if !b.Quiescent() {
		t.Error("barrier should be quiescent once its only loop goes idle")
	}
	b.Wake()
	if b.Quiescent() {
		t.Error("barrier should not be quiescent once a loop wakes")
	}
}

func TestBarrierInjectorBlocksQuiescence(t *testing.T) {
	b := NewBarrier(0)
	b.EnterInjector()
	if b.Quiescent() {
		t.Error("barrier should not be quiescent while injector work is pending")
	}
	b.LeaveInjector()
	if !b.Quiescent() {
		t.Error("barrier should be quiescent once injector work is claimed")
	}
}

func TestBarrierWaitReturnsWhenQuiescent(t *testing.T) {
	b := NewBarrier(1)

	done := make(chan struct{})
	go func() {
		b.Wait(nil)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait() returned before the barrier became quiescent")
	case <-time.After(30 * time.Millisecond):
	}

	b.GoIdle()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait() never returned after the barrier went quiescent")
	}
}

func TestBarrierWaitUnblocksOnStop(t *testing.T) {
	b := NewBarrier(1)
	stop := make(chan struct{})

	done := make(chan struct{})
	go func() {
		b.Wait(stop)
		close(done)
	}()

	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait() never returned after stop was closed")
	}
}

func TestBarrierAddLoops(t *testing.T) {
	b := NewBarrier(0)
	b.AddLoops(3)
	if b.ActiveCount() != 3 {
		t.Errorf("ActiveCount() = %d, want 3", b.ActiveCount())
	}
	b.AddLoops(-3)
	if !b.Quiescent() {
		t.Error("barrier should be quiescent after removing all loops")
	}
}
