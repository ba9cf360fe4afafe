package pacer

import (
	"context"
	"testing"
	"time"

	"github.com/fluxorio/desim/pkg/simtime"
)

func TestFirstCallAnchorsWithoutWaiting(t *testing.T) {
	p := New(1.0)
	start := time.Now()
	if err := p.WaitUntil(context.Background(), simtime.Epoch); err != nil {
		t.Fatalf("WaitUntil() error = %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("first WaitUntil() call should anchor immediately, not wait")
	}
}

func TestWaitUntilThrottlesToSpeed(t *testing.T) {
	p := New(1000.0) // 1000x real time, so 100ms of sim time costs ~0.1ms wall
	ctx := context.Background()
	p.WaitUntil(ctx, simtime.Epoch)

	start := time.Now()
	if err := p.WaitUntil(ctx, simtime.Epoch.Add(100*time.Millisecond)); err != nil {
		t.Fatalf("WaitUntil() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("WaitUntil() at 1000x speed took %v, want well under 50ms", elapsed)
	}
}

func TestWaitUntilRespectsContextCancellation(t *testing.T) {
	p := New(0.001) // extremely slow, so any wait should hit the deadline first
	ctx := context.Background()
	p.WaitUntil(ctx, simtime.Epoch)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()

	err := p.WaitUntil(cctx, simtime.Epoch.Add(time.Hour))
	if err == nil {
		t.Fatal("WaitUntil() should error when the context deadline is exceeded")
	}
}

func TestNonPositiveSpeedFallsBackToDefault(t *testing.T) {
	p := New(0)
	if p.limiter == nil {
		t.Fatal("New(0) should still construct a usable limiter")
	}
}

func TestLargeJumpIsChunked(t *testing.T) {
	p := New(1_000_000.0) // fast enough that even a big jump resolves quickly
	ctx := context.Background()
	p.WaitUntil(ctx, simtime.Epoch)

	done := make(chan error, 1)
	go func() {
		// 1,000,001s is 1,000,001,000 simulated ms, more than the
		// 1,000,000,001-token burst, so WaitUntil must split it.
		done <- p.WaitUntil(ctx, simtime.Epoch.Add(1_000_001*time.Second))
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitUntil() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntil() never returned for a large simulated jump")
	}
}
