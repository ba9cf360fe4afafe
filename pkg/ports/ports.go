// Package ports implements typed output ports: fan-out connections from
// one model's output to peer input handlers or terminal sinks.
//
// A port carries a single value type T end to end; every Send reaches
// every connection. Per-connection delivery order follows send order,
// delivery across distinct connections is concurrent.
package ports

import (
	"context"
	"sync"

	"github.com/fluxorio/desim/pkg/failfast"
	"github.com/fluxorio/desim/pkg/model"
)

// Connection is a single fan-out target: a function invoked with the
// sent value and the context the originating handler was running under.
// ConnectAddress builds a Connection onto a peer's mailbox (via
// model.Address.Send) and ConnectSink one onto a Sink; Connect accepts
// any other function. ports imports model but not mailbox.
type Connection[T any] func(ctx context.Context, value T) error

// Sink is a passive observer attached to an Output. A Sink's Record runs
// on the goroutine Send starts for its connection, and Send waits for
// every connection to return, so
// Sinks that forward to slow storage should connect through an async
// Connection rather than implementing Sink directly for anything but
// fast in-memory recorders.
type Sink[T any] interface {
	Record(ctx context.Context, value T) error
}

// sinkConnection adapts a Sink into a Connection.
func sinkConnection[T any](s Sink[T]) Connection[T] {
	return func(ctx context.Context, value T) error { return s.Record(ctx, value) }
}

// Output is a fan-out set of connections. Each Send hands the value to
// every connection; connections run concurrently, but error reporting
// follows declaration order.
type Output[T any] struct {
	mu          sync.RWMutex
	connections []Connection[T]
}

// New creates an empty Output.
func New[T any]() *Output[T] {
	return &Output[T]{}
}

// Connect appends a raw Connection, wired in declaration order.
func (o *Output[T]) Connect(c Connection[T]) {
	failfast.NotNil(c, "connection")
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connections = append(o.connections, c)
}

// ConnectSink appends a Sink as a terminal observer.
func (o *Output[T]) ConnectSink(s Sink[T]) {
	failfast.NotNil(s, "sink")
	o.Connect(sinkConnection[T](s))
}

// ConnectAddress wires an Output directly into a peer model's input
// handler — the model-to-model counterpart to ConnectSink's terminal
// case. T is the
// Output's payload type, V is what the peer handler expects to
// receive (often identical to T, via an identity adapt), and M is the
// peer's own model type — distinct type parameters because a mailbox
// handler is parameterized by the receiving model, not by the value it
// closes over. adapt reshapes T into V; makeHandler closes over the
// adapted value to build the one-shot Handler[M] the peer's mailbox
// will invoke, the same pattern main.go's receiveAtStageA/
// forwardDoubledFromStageA closures use for a model's own self-scheduled
// events.
//
// The enqueue onto addr's mailbox happens inside the Connection
// returned here, so Output.Send's per-connection goroutine is the one
// that suspends on a full downstream mailbox, exactly like any other
// Address.Send call.
func ConnectAddress[T, V, M any](o *Output[T], addr model.Address[M], adapt func(T) V, makeHandler func(V) model.Handler[M], rebuild func() *model.Context[M]) {
	failfast.NotNil(adapt, "adapt")
	failfast.NotNil(makeHandler, "makeHandler")
	failfast.NotNil(rebuild, "rebuild")
	o.Connect(func(ctx context.Context, value T) error {
		return addr.Send(ctx, makeHandler(adapt(value)), rebuild)
	})
}

// Len reports how many connections are wired.
func (o *Output[T]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.connections)
}

// Send invokes every connection with value, concurrently, and waits for
// all to complete or fail. The first error encountered (in connection
// declaration order, not completion order) is returned; all connections
// are still given the chance to run.
func (o *Output[T]) Send(ctx context.Context, value T) error {
	o.mu.RLock()
	conns := make([]Connection[T], len(o.connections))
	copy(conns, o.connections)
	o.mu.RUnlock()

	if len(conns) == 0 {
		return nil
	}

	errs := make([]error, len(conns))
	var wg sync.WaitGroup
	wg.Add(len(conns))
	for i, c := range conns {
		i, c := i, c
		go func() {
			defer wg.Done()
			errs[i] = c(ctx, value)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
