// Package pacer implements the optional real-time clock a Simulation
// can be told to track: a throttle that slows Step advancement down to
// (a multiple of) wall time, useful for benches that drive a live demo
// or dashboard rather than running at full speed.
//
// Pacing is a golang.org/x/time/rate.Limiter token bucket keyed on
// simulated milliseconds elapsed, consumed through WaitN, which hands a
// canceled wait's reserved tokens back instead of skewing later steps.
package pacer

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fluxorio/desim/pkg/simtime"
)

// Pacer throttles simulated time to wall time at a configurable speed
// multiplier (1.0 == real time, 2.0 == twice as fast as real time, and
// so on). It implements sim.Pacer.
type Pacer struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	burst       int
	base        simtime.SimTime
	initialized bool
}

// DefaultSpeed is real-time pacing.
const DefaultSpeed = 1.0

// New creates a Pacer running at the given speed multiplier relative to
// real time. speed <= 0 falls back to DefaultSpeed.
func New(speed float64) *Pacer {
	if speed <= 0 {
		speed = DefaultSpeed
	}
	msPerSecond := 1000.0 * speed
	burst := int(msPerSecond) + 1
	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(msPerSecond), burst),
		burst:   burst,
	}
}

// WaitUntil blocks until enough wall-clock time has passed to match the
// simulated interval since the previous call, or ctx is done. The first
// call anchors the pacer at t and returns immediately.
func (p *Pacer) WaitUntil(ctx context.Context, t simtime.SimTime) error {
	p.mu.Lock()
	if !p.initialized {
		p.initialized = true
		p.base = t
		p.mu.Unlock()
		return nil
	}
	elapsedMs := t.Sub(p.base).Milliseconds()
	p.base = t
	burst := p.burst
	p.mu.Unlock()

	if elapsedMs <= 0 {
		return nil
	}

	// WaitN rejects a request for more tokens than the bucket's burst
	// size, so a large simulated jump (e.g. a long step_by) is split
	// into burst-sized chunks.
	for elapsedMs > 0 {
		n := int64(burst)
		if elapsedMs < n {
			n = elapsedMs
		}
		if err := p.limiter.WaitN(ctx, int(n)); err != nil {
			return err
		}
		elapsedMs -= n
	}
	return nil
}
