// Package model defines the per-model runtime surface: the context
// handed to every input handler, the self/peer addressing scheme, and
// the one-shot reply mechanism queries use.
//
// A handler is written as func(*T, *Context[T]) error. The generic
// Address[T]/Context[T] pair lets a handler enqueue work onto any
// peer's mailbox with full static typing instead of routing values
// through an any-typed bus.
package model

import (
	"context"
	"time"

	"github.com/fluxorio/desim/pkg/failfast"
	"github.com/fluxorio/desim/pkg/mailbox"
	"github.com/fluxorio/desim/pkg/scheduler"
	"github.com/fluxorio/desim/pkg/simlog"
	"github.com/fluxorio/desim/pkg/simtime"
)

// Handler is a typed input handler: a function invoked with exclusive
// (&mut self equivalent) access to the owning model and its runtime
// context.
type Handler[T any] func(m *T, ctx *Context[T]) error

// Initializer is the optional hook a model may implement to schedule its
// initial events during SimInit.Init.
type Initializer[T any] interface {
	Init(ctx *Context[T]) error
}

// Address is a cheap, clonable reference to a model's mailbox.
// Sending through an Address after the simulation has torn down the
// model's mailbox fails with simerr.KindChannelClosed.
type Address[T any] struct {
	name string
	mb   *mailbox.Mailbox
	self *T
}

// NewAddress constructs an Address. Used by pkg/sim when registering a
// model; not normally called directly by model code.
func NewAddress[T any](name string, mb *mailbox.Mailbox, self *T) Address[T] {
	failfast.NotNil(mb, "mailbox")
	failfast.NotNil(self, "self")
	return Address[T]{name: name, mb: mb, self: self}
}

// Name returns the addressed model's registered name.
func (a Address[T]) Name() string { return a.name }

// Send enqueues handler as a closure on the addressed model's mailbox,
// suspending the caller if the mailbox is full.
func (a Address[T]) Send(ctx context.Context, handler Handler[T], newCtx func() *Context[T]) error {
	failfast.NotNil(handler, "handler")
	return a.mb.Send(ctx, func(c context.Context) error {
		return handler(a.self, newCtx().WithGoContext(c))
	})
}

// Context is the per-model runtime handle passed to every input
// handler. It is only valid for the duration of the handler call that
// received it.
type Context[T any] struct {
	now   simtime.SimTime
	sched *scheduler.Scheduler
	addr  Address[T]
	goCtx context.Context
}

// NewContext constructs a Context. Used by pkg/sim's dispatch loop.
func NewContext[T any](now simtime.SimTime, sched *scheduler.Scheduler, addr Address[T]) *Context[T] {
	return &Context[T]{now: now, sched: sched, addr: addr}
}

// Context returns the ambient context.Context this handler invocation is
// running under. A handler that sends through an Output or a peer
// Address should pass this instead of context.Background() so the
// executor's admission hook (mailbox.Admission) travels with the send —
// without it, a handler that blocks sending into a full downstream
// mailbox holds its worker slot for the duration of the block instead
// of giving it back. Contexts built directly via NewContext rather than
// received from a dispatched handler (Init hooks, plain unit tests)
// fall back to context.Background().
func (c *Context[T]) Context() context.Context {
	if c.goCtx == nil {
		return context.Background()
	}
	return c.goCtx
}

// WithGoContext returns a shallow copy of c carrying goCtx as the
// context future Context() calls on it return. Address.Send calls this
// on the Context it builds for a handler, threading through whatever
// context.Context the send that enqueued the closure carried (normally
// the executor's admission-bearing context), so Context() reflects the
// call stack that produced this invocation rather than always reporting
// context.Background().
func (c *Context[T]) WithGoContext(ctx context.Context) *Context[T] {
	cp := *c
	cp.goCtx = ctx
	return &cp
}

// Time returns the simulation instant the current handler invocation is
// running at.
func (c *Context[T]) Time() simtime.SimTime { return c.now }

// Address returns the running model's own address, for passing to peers.
func (c *Context[T]) Address() Address[T] { return c.addr }

// Scheduler returns the simulation's scheduler, for handlers that need
// to build the rebuild callback a further ScheduleEvent/ScheduleKeyedEvent/
// SchedulePeriodicEvent call requires.
func (c *Context[T]) Scheduler() *scheduler.Scheduler { return c.sched }

// ScheduleEvent registers a future self-invocation of handler, delay
// after the context's current time. rebuild constructs the Context the
// handler will receive when it runs,
// since the original Context's `now` is stale by the scheduled deadline.
// delay must be non-negative, which ScheduleEvent guarantees by
// construction (deadline = now + delay can never precede now), so the
// only possible failure is the handler/action invariant, not
// InvalidDeadline.
func (c *Context[T]) ScheduleEvent(delay time.Duration, handler Handler[T], rebuild func(simtime.SimTime) *Context[T]) (scheduler.Handle, error) {
	failfast.NotNil(handler, "handler")
	failfast.If(delay >= 0, "delay must be non-negative, got %v", delay)
	deadline := c.now.Add(delay)
	return c.sched.ScheduleAt(deadline, func(t simtime.SimTime) {
		c.deliver(t, handler, rebuild)
	})
}

// ScheduleKeyedEvent is ScheduleEvent with an explicit deadline rather
// than a relative delay, useful when the caller already computed an
// absolute SimTime. Unlike ScheduleEvent's relative delay, at may
// legitimately precede c.now — e.g. a deadline computed from stale
// data, or supplied by an external caller — so that case is reported as
// a *simerr.Error of KindInvalidDeadline rather than treated as a
// programmer error, matching the underlying Scheduler.ScheduleAt
// contract.
func (c *Context[T]) ScheduleKeyedEvent(at simtime.SimTime, handler Handler[T], rebuild func(simtime.SimTime) *Context[T]) (scheduler.Handle, error) {
	failfast.NotNil(handler, "handler")
	return c.sched.ScheduleAt(at, func(t simtime.SimTime) {
		c.deliver(t, handler, rebuild)
	})
}

// SchedulePeriodicEvent registers a repeating self-invocation, first
// at `first`, then every `period`. first is subject to the same
// InvalidDeadline validation as ScheduleKeyedEvent.
func (c *Context[T]) SchedulePeriodicEvent(first simtime.SimTime, period time.Duration, handler Handler[T], rebuild func(simtime.SimTime) *Context[T]) (scheduler.Handle, error) {
	failfast.NotNil(handler, "handler")
	return c.sched.SchedulePeriodic(first, period, func(t simtime.SimTime) {
		c.deliver(t, handler, rebuild)
	})
}

// deliver enqueues handler onto the model's own mailbox from a
// scheduler action. A failed enqueue — the mailbox was closed, usually
// because the simulation shut down before the deadline arrived — is
// logged rather than silently dropped, since the scheduling handler's
// stack frame is long gone and there is no caller left to return the
// error to.
func (c *Context[T]) deliver(t simtime.SimTime, handler Handler[T], rebuild func(simtime.SimTime) *Context[T]) {
	newCtx := rebuild(t)
	err := c.addr.mb.Send(context.Background(), func(ctx context.Context) error {
		return handler(c.addr.self, newCtx.WithGoContext(ctx))
	})
	if err != nil {
		simlog.ForModel(c.addr.name).Error("dropping scheduled event", "error", err, "sim_time", t.String())
	}
}

// Reply is the one-shot channel a query handler uses to deliver its
// typed result. Exactly one Send call is expected per Reply.
type Reply[R any] struct {
	ch chan R
}

// NewReply creates an unfired Reply.
func NewReply[R any]() *Reply[R] {
	return &Reply[R]{ch: make(chan R, 1)}
}

// Send delivers the query's result. Only the first call has effect;
// subsequent calls are dropped rather than panicking, since a handler
// that double-replies is a model bug, not a fatal one.
func (r *Reply[R]) Send(v R) {
	select {
	case r.ch <- v:
	default:
	}
}

// TryAwait reports the reply value if Send has already fired, without
// suspending. Simulation.ProcessQuery uses this after running the query
// to quiescence: an unfired reply at that point means no handler
// answered.
func (r *Reply[R]) TryAwait() (R, bool) {
	select {
	case v := <-r.ch:
		return v, true
	default:
		var zero R
		return zero, false
	}
}

// Await suspends until Send is called or ctx is done.
func (r *Reply[R]) Await(ctx context.Context) (R, error) {
	select {
	case v := <-r.ch:
		return v, nil
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
