// Package sim implements the simulation controller: the SimInit
// assembly builder and the Simulation runtime façade. It is the package
// that wires mailbox, executor, scheduler, and model together into the
// operations a caller drives a bench through.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/fluxorio/desim/pkg/executor"
	"github.com/fluxorio/desim/pkg/failfast"
	"github.com/fluxorio/desim/pkg/mailbox"
	"github.com/fluxorio/desim/pkg/model"
	"github.com/fluxorio/desim/pkg/scheduler"
	"github.com/fluxorio/desim/pkg/simerr"
	"github.com/fluxorio/desim/pkg/simlog"
	"github.com/fluxorio/desim/pkg/simtime"
	"github.com/fluxorio/desim/pkg/telemetry"
)

// Pacer throttles simulated-time advancement to (a multiple of) real
// time. pkg/pacer provides the rate-limited implementation; Simulation
// only needs this narrow interface, so sim does not import pacer.
type Pacer interface {
	WaitUntil(ctx context.Context, t simtime.SimTime) error
}

type modelHandle struct {
	name   string
	mb     *mailbox.Mailbox
	initFn func(ctx context.Context, now simtime.SimTime, sched *scheduler.Scheduler) error
}

// SimInit is the assembly-phase builder. Register every
// model before calling Init; SimInit is not safe for concurrent use, nor
// is it meant to be — assembly happens single-threaded before any
// simulated time elapses.
type SimInit struct {
	models  []modelHandle
	pacer   Pacer
	timeout time.Duration
	workers int
	metrics *telemetry.Metrics
}

// NewSimInit creates an empty builder.
func NewSimInit() *SimInit {
	return &SimInit{}
}

// SetClock attaches an optional real-time pacer that throttles step()
// advancement to track wall-clock time.
func (b *SimInit) SetClock(p Pacer) *SimInit {
	b.pacer = p
	return b
}

// SetTimeout sets the wall-clock timeout applied to each step. Zero
// means no timeout.
func (b *SimInit) SetTimeout(d time.Duration) *SimInit {
	b.timeout = d
	return b
}

// SetWorkers overrides the executor's worker count; defaults to
// executor.DefaultWorkers.
func (b *SimInit) SetWorkers(n int) *SimInit {
	b.workers = n
	return b
}

// SetMetrics overrides the telemetry collection the simulation reports
// into; defaults to the process-wide telemetry.GetMetrics() singleton.
func (b *SimInit) SetMetrics(m *telemetry.Metrics) *SimInit {
	b.metrics = m
	return b
}

// AddModel registers a model under name with a freshly created mailbox
// of the given capacity, and returns the typed Address callers use to
// route events to it.
//
// AddModel is a free function, not a SimInit method, because Go forbids
// generic methods — the receiver's type parameters can't be extended
// per-call the way a model's element type T must be here.
func AddModel[T any](b *SimInit, name string, m *T, capacity int) model.Address[T] {
	failfast.NotNil(b, "builder")
	failfast.NotNil(m, "model")
	failfast.If(name != "", "model name must not be empty")

	mb := mailbox.New(name, capacity, mailbox.NoopTracker)
	addr := model.NewAddress(name, mb, m)

	b.models = append(b.models, modelHandle{
		name: name,
		mb:   mb,
		initFn: func(ctx context.Context, now simtime.SimTime, sched *scheduler.Scheduler) error {
			init, ok := any(m).(model.Initializer[T])
			if !ok {
				return nil
			}
			c := model.NewContext(now, sched, addr)
			return init.Init(c)
		},
	})
	return addr
}

// SchedulerHandle is the detachable form of the scheduler exposed to
// external callers — e.g. a remote control server (pkg/remote) — that
// need to inject events concurrently with stepping. Inserts are
// serialized through the scheduler's own mutex, so no further
// synchronization is needed here.
type SchedulerHandle struct {
	sched *scheduler.Scheduler
}

// ScheduleAt injects an action at an absolute deadline from outside the
// simulation's own stepping loop. A deadline that precedes the
// simulation's current time reports a *simerr.Error of
// KindInvalidDeadline rather than being silently accepted or
// panicking.
func (h *SchedulerHandle) ScheduleAt(deadline simtime.SimTime, action scheduler.Action) (scheduler.Handle, error) {
	return h.sched.ScheduleAt(deadline, action)
}

// ScheduleIn injects an action delay after base.
func (h *SchedulerHandle) ScheduleIn(base simtime.SimTime, delay time.Duration, action scheduler.Action) (scheduler.Handle, error) {
	return h.sched.ScheduleIn(base, delay, action)
}

// PeekNextDeadline reports the scheduler's earliest pending deadline.
func (h *SchedulerHandle) PeekNextDeadline() (simtime.SimTime, bool) {
	return h.sched.PeekNextDeadline()
}

// Simulation is the runtime controller: one instance per bench,
// created by SimInit.Init.
type Simulation struct {
	mu       sync.Mutex
	models   []modelHandle
	sched    *scheduler.Scheduler
	pool     *executor.Pool
	pacer    Pacer
	timeout  time.Duration
	now      simtime.SimTime
	halted   bool
	cycleCap int

	metrics *telemetry.Metrics
	// lastBlocked remembers each mailbox's cumulative blocked-send count
	// as of the previous step, so only the delta is added to the
	// monotonic counter.
	lastBlocked map[string]int64
}

// Init runs the assembly phase: starts the executor's worker pool, wires
// each mailbox's quiescence tracker to the pool's Barrier, spawns one
// pump loop per model, fires each model's optional Init hook, and runs
// one sub-step until quiescence.
func (b *SimInit) Init(t0 simtime.SimTime) (*Simulation, *SchedulerHandle, error) {
	sched := scheduler.New()
	sched.SetNow(t0)
	pool := executor.NewPool(context.Background(), executor.Config{Workers: b.workers})

	for _, mh := range b.models {
		mh.mb.SetTracker(pool.Barrier())
		pool.Spawn(mh.mb)
	}

	metrics := b.metrics
	if metrics == nil {
		metrics = telemetry.GetMetrics()
	}

	s := &Simulation{
		models:      b.models,
		sched:       sched,
		pool:        pool,
		pacer:       b.pacer,
		timeout:     b.timeout,
		now:         t0,
		cycleCap:    scheduler.DefaultCausalityCycleCap,
		metrics:     metrics,
		lastBlocked: make(map[string]int64, len(b.models)),
	}

	for _, mh := range b.models {
		if err := mh.initFn(context.Background(), t0, sched); err != nil {
			return nil, nil, err
		}
	}

	if err := s.waitQuiescent(context.Background()); err != nil {
		return nil, nil, err
	}

	return s, &SchedulerHandle{sched: sched}, nil
}

// Time returns the current simulation instant.
func (s *Simulation) Time() simtime.SimTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Halt requests termination; subsequent Step/ProcessEvent calls return a
// simerr of KindHalted.
func (s *Simulation) Halt() {
	s.mu.Lock()
	s.halted = true
	s.mu.Unlock()
}

// Halted reports whether Halt has been called or a fatal error poisoned
// the simulation.
func (s *Simulation) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// ActiveLoops reports how many mailbox pump loops are currently not
// parked on an empty queue, for status endpoints and dashboards.
func (s *Simulation) ActiveLoops() int64 {
	return s.pool.Barrier().ActiveCount()
}

// PendingEvents reports the number of live entries in the scheduler's
// time queue.
func (s *Simulation) PendingEvents() int {
	return s.sched.Len()
}

func (s *Simulation) checkHalted() error {
	s.mu.Lock()
	halted := s.halted
	t := s.now
	s.mu.Unlock()
	if halted {
		return simerr.New(simerr.KindHalted, t, "", nil)
	}
	return nil
}

// Step advances to the next scheduled deadline, dispatches all entries
// at that deadline (and any same-instant effects they cause), and runs
// to quiescence. If nothing is scheduled, Step is a no-op.
func (s *Simulation) Step(ctx context.Context) error {
	ctx, span := telemetry.StartStep(ctx, "step")
	defer span.End()

	if err := s.checkHalted(); err != nil {
		return err
	}
	deadline, ok := s.sched.PeekNextDeadline()
	if !ok {
		return nil
	}
	return s.advanceTo(ctx, deadline)
}

// StepUntil repeats Step until the scheduler's next deadline exceeds t or
// the queue empties.
func (s *Simulation) StepUntil(ctx context.Context, t simtime.SimTime) error {
	ctx, span := telemetry.StartStep(ctx, "step_until")
	defer span.End()

	for {
		if err := s.checkHalted(); err != nil {
			return err
		}
		deadline, ok := s.sched.PeekNextDeadline()
		if !ok || deadline.After(t) {
			// Nothing left to dispatch at or before t; still advance the
			// simulation clock up to t so step_by(d) reflects elapsed
			// time even across an idle interval.
			s.mu.Lock()
			if s.now.Before(t) {
				s.now = t
			}
			s.mu.Unlock()
			s.sched.SetNow(t)
			return nil
		}
		if err := s.advanceTo(ctx, deadline); err != nil {
			return err
		}
	}
}

// StepBy is StepUntil(now + d).
func (s *Simulation) StepBy(ctx context.Context, d time.Duration) error {
	ctx, span := telemetry.StartStep(ctx, "step_by")
	defer span.End()
	return s.StepUntil(ctx, s.Time().Add(d))
}

// advanceTo dispatches every entry with deadline <= t, looping for
// same-instant settling until the heap's minimum deadline is strictly
// greater than t, bounded by cycleCap rounds to catch unbroken
// causality cycles.
func (s *Simulation) advanceTo(ctx context.Context, t simtime.SimTime) error {
	stepCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() { s.metrics.RecordStep(time.Since(start)) }()

	// The scheduler's own "now" must reach t before any entry at t
	// dispatches, since a handler running at t that schedules a further
	// same-instant effect (deadline == t) must not have it rejected as
	// InvalidDeadline merely because the scheduler's clock is still
	// lagging behind the deadline being dispatched.
	s.sched.SetNow(t)

	for iter := 0;; iter++ {
		if iter >= s.cycleCap {
			s.metrics.RecordCausalityCycleCapHit()
			simlog.Default.Error("same-instant dispatch exceeded causality cycle cap", "time", t.String(), "cap", s.cycleCap)
			return simerr.New(simerr.KindCausalityCycle, t, "", nil)
		}
		s.metrics.RecordEventsDispatched("scheduler", s.sched.DispatchUpTo(t))
		if err := s.waitQuiescent(stepCtx); err != nil {
			return err
		}
		next, ok := s.sched.PeekNextDeadline()
		if !ok || next.After(t) {
			break
		}
	}

	s.mu.Lock()
	s.now = t
	s.mu.Unlock()

	s.recordBenchGauges()

	if s.pacer != nil {
		if err := s.pacer.WaitUntil(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// recordBenchGauges refreshes the per-model and pool-wide gauges after
// a step settles: mailbox depth, blocked-send deltas, and the executor's
// active-loop count.
func (s *Simulation) recordBenchGauges() {
	for _, mh := range s.models {
		s.metrics.RecordMailboxDepth(mh.name, mh.mb.Len())
		cur := mh.mb.BlockedSends()
		s.mu.Lock()
		prev := s.lastBlocked[mh.name]
		s.lastBlocked[mh.name] = cur
		s.mu.Unlock()
		s.metrics.RecordMailboxSendsBlocked(mh.name, cur-prev)
	}
	s.metrics.SetActiveLoops(s.pool.Barrier().ActiveCount())
}

// waitQuiescent blocks until the executor's Barrier reports no active
// loops and no pending injector work, or stepCtx is done. If a handler
// panicked since the simulation started, the first caller to observe it
// gets ExecutionError and the simulation transitions to Halted for
// every call thereafter.
func (s *Simulation) waitQuiescent(stepCtx context.Context) error {
	waitStart := time.Now()
	defer func() { s.metrics.RecordQuiescenceWait(time.Since(waitStart)) }()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.pool.Barrier().Wait(stop)
		close(done)
	}()

	select {
	case <-done:
		if modelName, cause, poisoned := s.pool.Poisoned(); poisoned {
			t := s.Time()
			s.mu.Lock()
			alreadyHalted := s.halted
			s.halted = true
			s.mu.Unlock()
			if !alreadyHalted {
				return simerr.New(simerr.KindExecutionError, t, modelName, cause)
			}
			return simerr.New(simerr.KindHalted, t, "", nil)
		}
		return nil
	case <-stepCtx.Done():
		close(stop)
		<-done
		if stepCtx.Err() == context.DeadlineExceeded {
			return simerr.New(simerr.KindTimeout, s.Time(), "", stepCtx.Err())
		}
		return stepCtx.Err()
	}
}

// ProcessEvent synchronously injects an event "now": it enqueues handler
// onto addr's mailbox and runs to quiescence at the current time before
// returning. ProcessEvent is a free function for the same
// generic-method reason as AddModel.
func ProcessEvent[T any](ctx context.Context, s *Simulation, addr model.Address[T], handler model.Handler[T]) error {
	ctx, span := telemetry.StartDispatch(ctx, addr.Name())
	defer span.End()

	if err := s.checkHalted(); err != nil {
		return err
	}
	s.metrics.RecordEventDispatched(addr.Name())
	rebuild := func() *model.Context[T] {
		return model.NewContext(s.Time(), s.sched, addr)
	}
	if err := addr.Send(ctx, handler, rebuild); err != nil {
		return err
	}

	stepCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.waitQuiescent(stepCtx)
}

// ProcessQuery is ProcessEvent but collects a typed reply via a one-shot
// channel. A query that runs to quiescence without the handler ever
// firing its Reply — the model had no answer for it — reports a
// *simerr.Error of KindNoRecipient rather than suspending forever on a
// reply that can no longer arrive.
func ProcessQuery[T any, R any](ctx context.Context, s *Simulation, addr model.Address[T], query func(m *T, ctx *model.Context[T], reply *model.Reply[R])) (R, error) {
	var zero R
	reply := model.NewReply[R]()
	handler := func(m *T, c *model.Context[T]) error {
		query(m, c, reply)
		return nil
	}
	if err := ProcessEvent(ctx, s, addr, handler); err != nil {
		return zero, err
	}
	// The bench is quiescent here, so the query handler has fully run;
	// an unfired reply at this point is definitive, not merely pending.
	v, ok := reply.TryAwait()
	if !ok {
		return zero, simerr.New(simerr.KindNoRecipient, s.Time(), addr.Name(), nil)
	}
	return v, nil
}

// Shutdown tears down the executor's worker pool, closing every pump
// loop. Call once the simulation is no longer stepped.
func (s *Simulation) Shutdown(ctx context.Context) error {
	for _, mh := range s.models {
		mh.mb.Close()
	}
	return s.pool.Shutdown(ctx)
}
