// Package executor implements the simulator's cooperative executor: a
// fixed-size pool of worker slots that runs per-model pump loops, plus
// the quiescence Barrier that lets the scheduler know when it is safe to
// advance simulated time.
//
// Go's own goroutine scheduler already does the actual work-stealing
// between Ps — a deque-based stealer here would just shadow the runtime
// scheduler. This package instead runs one long-lived pump goroutine per
// mailbox (serial per model, so a model's state never needs a lock) and
// bounds how many may execute a handler closure concurrently with a
// weighted semaphore.
//
// A worker slot is given up for the duration of any nested mailbox send
// that blocks on a full peer mailbox (poolSlot, below, implementing
// mailbox.Admission) rather than held across it: with Workers smaller
// than the number of simultaneously send-blocked handlers, holding the
// slot the whole time would let every slot end up parked behind a full
// mailbox with no slot free to drain it.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/fluxorio/desim/pkg/mailbox"
	"github.com/fluxorio/desim/pkg/simlog"
)

// Config configures a Pool.
type Config struct {
	// Workers bounds how many handler closures may run concurrently
	// across all models. Defaults to DefaultWorkers if <= 0.
	Workers int
}

// DefaultWorkers is the concurrency bound used when Config.Workers is
// not set.
const DefaultWorkers = 10

// Pool runs one pump loop per registered mailbox and bounds concurrent
// handler execution across all of them. It owns a derived, cancelable
// context that Shutdown cancels to unblock every pump loop parked in
// Mailbox.Recv.
type Pool struct {
	sem     *semaphore.Weighted
	barrier *Barrier

	ctx    context.Context
	cancel context.CancelFunc

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	completed int64
	failed    int64

	poisoned   atomic.Bool
	poisonMu   sync.Mutex
	poisonErr  error
	poisonedBy string
}

// PanicValue wraps a recovered panic so callers can inspect the
// original value via errors.Unwrap-style access without it being typed
// as a bare interface{}.
type PanicValue struct {
	Recovered any
}

func (p *PanicValue) Error() string {
	return fmt.Sprintf("panic: %v", p.Recovered)
}

// NewPool creates a Pool bound to ctx. The returned Barrier starts with
// zero active loops; Spawn increments it for each pump loop started.
func NewPool(ctx context.Context, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if ctx == nil {
		ctx = context.Background()
	}
	poolCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		barrier: NewBarrier(0),
		ctx:     poolCtx,
		cancel:  cancel,
	}
}

// Barrier returns the pool's quiescence barrier.
func (p *Pool) Barrier() *Barrier { return p.barrier }

// Spawn starts a dedicated pump loop over mb: it repeatedly calls
// mb.Recv, acquires a worker slot, runs the closure, and releases the
// slot. The loop exits when the pool is shut down or mb.Recv returns
// simerr.KindChannelClosed.
func (p *Pool) Spawn(mb *mailbox.Mailbox) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.barrier.AddLoops(1)
	log := simlog.ForModel(mb.Name())

	go func() {
		defer p.wg.Done()
		defer p.barrier.AddLoops(-1)

		for {
			closure, err := mb.Recv(p.ctx)
			if err != nil {
				return
			}
			if err := p.sem.Acquire(p.ctx, 1); err != nil {
				return
			}
			slot := &poolSlot{sem: p.sem, held: true}
			runErr := p.runClosure(closure, mailbox.WithAdmission(p.ctx, slot))
			slot.Release() // no-op if a nested Send already gave up the slot and never got it back
			if runErr != nil {
				atomic.AddInt64(&p.failed, 1)
				log.Error("handler closure failed", "error", runErr)
				// Only a panic is unrecoverable: an ordinary error
				// return from a handler is surfaced to whoever is
				// awaiting it (e.g. a Reply or the caller of
				// ProcessEvent) without poisoning the whole simulation.
				if pv, isPanic := runErr.(*PanicValue); isPanic {
					p.poison(mb.Name(), pv)
				}
			} else {
				atomic.AddInt64(&p.completed, 1)
			}
		}
	}()
}

// runClosure invokes closure with execCtx, converting a panic into an
// error instead of letting it cross the goroutine boundary and crash
// the process — a handler bug (e.g. a divide by zero) must poison the
// simulation, not the host. execCtx carries this goroutine's admission
// slot (see Release/Reacquire below) so a
// nested Address.Send/Output.Send that uses Context.Context() instead
// of context.Background() can give the slot up around its own blocking
// wait.
func (p *Pool) runClosure(closure mailbox.Closure, execCtx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicValue{Recovered: r}
		}
	}()
	return closure(execCtx)
}

// poolSlot implements mailbox.Admission over one worker slot acquired
// from a Pool's semaphore. It is created fresh per closure dispatch
// (always starting held) and tracks whether it currently holds the
// slot, so a Reacquire that never completes (the waiting Send's context
// was canceled) leaves held false instead of silently desyncing the
// Pool's semaphore count — the dispatch loop's final Release call is
// then a correct no-op rather than an over-release of a slot nobody is
// holding.
//
// A single handler invocation can fan out into several concurrently
// blocked sends at once (ports.Output.Send runs every connection on its
// own goroutine), and all of them share this same poolSlot through the
// admission-bearing context — the handler holds exactly one slot no
// matter how many of its own sends are suspended at a time, so the
// mutex below only lets the first concurrent Release actually give the
// slot up and the first concurrent Reacquire actually take it back,
// handing any redundant extra permit straight back.
type poolSlot struct {
	sem  *semaphore.Weighted
	mu   sync.Mutex
	held bool
}

func (s *poolSlot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		return
	}
	s.held = false
	s.sem.Release(1)
}

func (s *poolSlot) Reacquire(ctx context.Context) error {
	s.mu.Lock()
	if s.held {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		// A concurrent Reacquire from a sibling fan-out send won the
		// race and already restored the slot; this one is surplus.
		s.sem.Release(1)
		return nil
	}
	s.held = true
	return nil
}

// poison records the first model/cause pair that failed; later
// failures are logged but do not overwrite the recorded cause. Only the
// first failing step surfaces ExecutionError — everything after that is
// already Halted.
func (p *Pool) poison(modelName string, cause error) {
	p.poisonMu.Lock()
	defer p.poisonMu.Unlock()
	if p.poisoned.Load() {
		return
	}
	p.poisonErr = cause
	p.poisonedBy = modelName
	p.poisoned.Store(true)
}

// Poisoned reports whether any handler closure has panicked since the
// pool started, and if so, which model and cause.
func (p *Pool) Poisoned() (modelName string, cause error, ok bool) {
	p.poisonMu.Lock()
	defer p.poisonMu.Unlock()
	return p.poisonedBy, p.poisonErr, p.poisoned.Load()
}

// Stats is a point-in-time snapshot of the pool's task counters.
type Stats struct {
	ActiveLoops    int64
	CompletedTasks int64
	FailedTasks    int64
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		ActiveLoops:    p.barrier.ActiveCount(),
		CompletedTasks: atomic.LoadInt64(&p.completed),
		FailedTasks:    atomic.LoadInt64(&p.failed),
	}
}

// Shutdown marks the pool closed and waits for every pump loop to exit,
// up to ctx's deadline.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
