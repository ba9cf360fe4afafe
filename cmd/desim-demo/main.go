// Command desim-demo drives a handful of small benches through the
// simulator end to end. Each one exercises a single documented behavior
// of the controller — a delayed pipeline, a periodic ticker, a canceled
// event, a backpressured fan-out, a query round-trip, and a handler
// panic — so a reader can watch the invariants hold in the log rather
// than trust the package doc comments alone.
package main

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/desim/pkg/appendlog"
	"github.com/fluxorio/desim/pkg/model"
	"github.com/fluxorio/desim/pkg/ports"
	"github.com/fluxorio/desim/pkg/sim"
	"github.com/fluxorio/desim/pkg/simerr"
	"github.com/fluxorio/desim/pkg/simtime"
	"github.com/fluxorio/desim/pkg/telemetry"
	"github.com/fluxorio/desim/pkg/trace"
)

func main() {
	runDelayedMultiplier()
	runPeriodicTicker()
	runCancellationRace()
	runBackpressureFanout()
	runQueryRoundTrip()
	runPanicPoisoning()
}

// timedStep logs a step's wall-clock duration; the simulation records
// its own step metrics into telemetry.GetMetrics(), so nothing needs to
// be counted here.
func timedStep(label string, step func() error) error {
	start := time.Now()
	err := step()
	log.Printf("%s: step took %s", label, time.Since(start))
	return err
}

// stageA is the first of two genuinely distinct models in the
// two-stage delayed multiplier. It doubles its input, waits a second,
// then forwards the result through an Output wired — via
// ports.ConnectAddress, not a Sink — directly to stageB's mailbox, so
// the handoff is a real model-to-model send rather than a single model
// looping on itself. addrB is filled in by the builder before Init runs
// (AddModel returns it synchronously), and the actual Connect call
// happens in Init, the first point at which a live *scheduler.Scheduler
// is available to build stageB's rebuild callback.
type stageA struct {
	out   *ports.Output[int]
	addrB model.Address[stageB]
}

func (a *stageA) Init(ctx *model.Context[stageA]) error {
	sched := ctx.Scheduler()
	addrB := a.addrB
	ports.ConnectAddress(a.out, addrB, func(v int) int { return v }, receiveAtStageB, func() *model.Context[stageB] {
		return model.NewContext(sched.Now(), sched, addrB)
	})
	return nil
}

func receiveAtStageA(value int) model.Handler[stageA] {
	return func(m *stageA, ctx *model.Context[stageA]) error {
		addr := ctx.Address()
		sched := ctx.Scheduler()
		if _, err := ctx.ScheduleEvent(time.Second, forwardDoubledFromStageA(value), func(t simtime.SimTime) *model.Context[stageA] {
			return model.NewContext(t, sched, addr)
		}); err != nil {
			return err
		}
		return nil
	}
}

func forwardDoubledFromStageA(value int) model.Handler[stageA] {
	return func(m *stageA, ctx *model.Context[stageA]) error {
		return m.out.Send(ctx.Context(), value*2)
	}
}

// stageB is the second model: it receives stageA's doubled value
// directly on its own mailbox (delivered by ports.ConnectAddress, not
// ProcessEvent), doubles it again, waits a further second, then
// records the final result on its own Output, wired to the durable
// trace sink.
type stageB struct {
	out *ports.Output[int]
}

func receiveAtStageB(value int) model.Handler[stageB] {
	return func(m *stageB, ctx *model.Context[stageB]) error {
		addr := ctx.Address()
		sched := ctx.Scheduler()
		if _, err := ctx.ScheduleEvent(time.Second, forwardDoubledFromStageB(value), func(t simtime.SimTime) *model.Context[stageB] {
			return model.NewContext(t, sched, addr)
		}); err != nil {
			return err
		}
		return nil
	}
}

func forwardDoubledFromStageB(value int) model.Handler[stageB] {
	return func(m *stageB, ctx *model.Context[stageB]) error {
		return m.out.Send(ctx.Context(), value*2)
	}
}

func runDelayedMultiplier() {
	log.Println("=== two-stage delayed multiplier ===")

	traceDir, err := os.MkdirTemp("", "desim-demo-trace-")
	if err != nil {
		log.Fatalf("os.MkdirTemp: %v", err)
	}
	defer os.RemoveAll(traceDir)

	store, err := appendlog.NewFSStore(appendlog.DefaultFSStoreConfig(traceDir))
	if err != nil {
		log.Fatalf("appendlog.NewFSStore: %v", err)
	}
	sink := trace.NewLogSink[int](store, appendlog.DurabilityMemory)
	defer sink.Close()

	b := sim.NewSimInit()

	bOut := ports.New[int]()
	bOut.ConnectSink(sink)
	modelB := &stageB{out: bOut}
	addrB := sim.AddModel(b, "stageB", modelB, 8)

	aOut := ports.New[int]()
	modelA := &stageA{out: aOut, addrB: addrB}
	addrA := sim.AddModel(b, "stageA", modelA, 8)

	s, _, err := b.Init(simtime.Epoch)
	if err != nil {
		log.Fatalf("Init: %v", err)
	}
	defer s.Shutdown(context.Background())

	// Observability sidecars: a live websocket stream of stageB's output
	// and an HTTP status/metrics endpoint over the process-wide registry
	// the simulation reports into.
	hub := telemetry.NewLiveTrace[int]()
	bOut.ConnectSink(hub)

	wsLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("net.Listen: %v", err)
	}
	defer wsLn.Close()
	go http.Serve(wsLn, hub)

	wsConn, _, err := websocket.DefaultDialer.Dial("ws://"+wsLn.Addr().String(), nil)
	if err != nil {
		log.Fatalf("websocket dial: %v", err)
	}
	defer wsConn.Close()
	for hub.ClientCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	statusSrv := telemetry.NewStatusServer(telemetry.DefaultRegistry, func() telemetry.StatusSnapshot {
		now := s.Time()
		return telemetry.StatusSnapshot{
			SimSeconds:   now.Seconds,
			SimNanos:     now.Nanos,
			ActiveLoops:  s.ActiveLoops(),
			Halted:       s.Halted(),
			PendingTimer: s.PendingEvents(),
		}
	})
	statusLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("net.Listen: %v", err)
	}
	go statusSrv.Serve(statusLn)
	defer statusSrv.Shutdown()

	ctx := context.Background()
	// Input 7 at t0; two doublings 1s apart should yield 28 at t0+2s.
	if err := sim.ProcessEvent(ctx, s, addrA, receiveAtStageA(7)); err != nil {
		log.Fatalf("ProcessEvent: %v", err)
	}

	if err := timedStep("pipeline", func() error {
		return s.StepUntil(ctx, simtime.Epoch.Add(time.Second))
	}); err != nil {
		log.Fatalf("StepUntil: %v", err)
	}
	_, earlyValues, err := sink.Read(0, 10)
	if err != nil {
		log.Fatalf("sink.Read: %v", err)
	}
	log.Printf("after first step (t=%s) sink has %d records (want 0)", s.Time(), len(earlyValues))

	if err := timedStep("pipeline", func() error {
		return s.StepUntil(ctx, simtime.Epoch.Add(2*time.Second))
	}); err != nil {
		log.Fatalf("StepUntil: %v", err)
	}

	_, values, err := sink.Read(0, 10)
	if err != nil {
		log.Fatalf("sink.Read: %v", err)
	}
	log.Printf("two-stage trace recorded %v at t=%s (want [28])", values, s.Time())

	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, frame, err := wsConn.ReadMessage(); err != nil {
		log.Printf("live trace read: %v", err)
	} else {
		log.Printf("live trace streamed %s to the connected dashboard client", frame)
	}

	resp, err := http.Get("http://" + statusLn.Addr().String() + "/status")
	if err != nil {
		log.Fatalf("GET /status: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	log.Printf("status endpoint reported %s", body)
}

// ticker fires a periodic self-event every second until the bench stops
// stepping.
type ticker struct {
	ticks int
}

func (t *ticker) Init(ctx *model.Context[ticker]) error {
	sched := ctx.Scheduler()
	addr := ctx.Address()
	if _, err := ctx.SchedulePeriodicEvent(simtime.Epoch.Add(time.Second), time.Second, tick, func(at simtime.SimTime) *model.Context[ticker] {
		return model.NewContext(at, sched, addr)
	}); err != nil {
		return err
	}
	return nil
}

func tick(m *ticker, ctx *model.Context[ticker]) error {
	m.ticks++
	return nil
}

func runPeriodicTicker() {
	log.Println("=== periodic ping ===")

	b := sim.NewSimInit()
	t := &ticker{}
	sim.AddModel(b, "ticker", t, 8)

	s, _, err := b.Init(simtime.Epoch)
	if err != nil {
		log.Fatalf("Init: %v", err)
	}
	defer s.Shutdown(context.Background())

	ctx := context.Background()
	if err := timedStep("ticker", func() error {
		return s.StepUntil(ctx, simtime.Epoch.Add(5*time.Second))
	}); err != nil {
		log.Fatalf("StepUntil: %v", err)
	}

	log.Printf("ticker fired %d times by t=%s", t.ticks, s.Time())
}

// counter is a plain model with no scheduled work of its own; other
// benches drive it directly via ProcessEvent/ProcessQuery.
type counter struct {
	value int
}

func bump(m *counter, ctx *model.Context[counter]) error {
	m.value++
	return nil
}

func runCancellationRace() {
	log.Println("=== cancellation race ===")

	b := sim.NewSimInit()
	c := &counter{}
	addr := sim.AddModel(b, "counter", c, 8)

	s, handle, err := b.Init(simtime.Epoch)
	if err != nil {
		log.Fatalf("Init: %v", err)
	}
	defer s.Shutdown(context.Background())

	ctx := context.Background()
	h, err := handle.ScheduleAt(simtime.Epoch.Add(time.Second), func(simtime.SimTime) {
		sim.ProcessEvent(ctx, s, addr, bump)
	})
	if err != nil {
		log.Fatalf("ScheduleAt: %v", err)
	}
	// Cancel before the deadline is ever dispatched: the handler must
	// never run.
	h.Cancel()

	if err := timedStep("cancel-race", func() error {
		return s.StepUntil(ctx, simtime.Epoch.Add(2*time.Second))
	}); err != nil {
		log.Fatalf("StepUntil: %v", err)
	}

	log.Printf("counter value after canceled event = %d (want 0)", c.value)
}

// consumer is driven by a burst of concurrent events aimed at a mailbox
// far smaller than the burst, so most of the senders suspend on the
// full queue until the executor drains space for them.
type consumer struct {
	received int
}

func receiveBurst(m *consumer, ctx *model.Context[consumer]) error {
	m.received++
	return nil
}

func runBackpressureFanout() {
	log.Println("=== backpressure fan-out ===")

	b := sim.NewSimInit()
	c := &consumer{}
	consumerAddr := sim.AddModel(b, "consumer", c, 2)

	s, _, err := b.Init(simtime.Epoch)
	if err != nil {
		log.Fatalf("Init: %v", err)
	}
	defer s.Shutdown(context.Background())

	ctx := context.Background()
	const burst = 20
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sim.ProcessEvent(ctx, s, consumerAddr, receiveBurst); err != nil {
				log.Printf("ProcessEvent: %v", err)
			}
		}()
	}
	wg.Wait()
	log.Printf("fanned %d concurrent events into a capacity-2 mailbox in %s (senders suspended whenever the queue was full)", burst, time.Since(start))

	log.Printf("consumer drained %d of %d values", c.received, burst)
}

func runQueryRoundTrip() {
	log.Println("=== query round-trip ===")

	b := sim.NewSimInit()
	c := &counter{value: 41}
	addr := sim.AddModel(b, "counter", c, 8)

	s, _, err := b.Init(simtime.Epoch)
	if err != nil {
		log.Fatalf("Init: %v", err)
	}
	defer s.Shutdown(context.Background())

	ctx := context.Background()
	var got int
	if err := timedStep("query", func() error {
		v, err := sim.ProcessQuery(ctx, s, addr, func(m *counter, _ *model.Context[counter], reply *model.Reply[int]) {
			reply.Send(m.value)
		})
		got = v
		return err
	}); err != nil {
		log.Fatalf("ProcessQuery: %v", err)
	}

	log.Printf("query returned %d", got)
}

// faulty panics whenever it's asked to divide by its own (zero) value.
// The first call after the panic surfaces ExecutionError; every call
// after that surfaces Halted.
type faulty struct {
	value int
}

func divide(m *faulty, ctx *model.Context[faulty]) error {
	_ = 100 / m.value
	return nil
}

func runPanicPoisoning() {
	log.Println("=== panic poisoning ===")

	b := sim.NewSimInit()
	f := &faulty{value: 0}
	addr := sim.AddModel(b, "faulty", f, 8)

	s, _, err := b.Init(simtime.Epoch)
	if err != nil {
		log.Fatalf("Init: %v", err)
	}
	defer s.Shutdown(context.Background())

	ctx := context.Background()
	err = sim.ProcessEvent(ctx, s, addr, divide)
	if !simerr.IsKind(err, simerr.KindExecutionError) {
		log.Fatalf("ProcessEvent after a panicking handler = %v, want ExecutionError", err)
	}
	log.Printf("first call after the panic correctly reported: %v", err)

	err = s.Step(ctx)
	if !simerr.IsKind(err, simerr.KindHalted) {
		log.Fatalf("Step after poisoning = %v, want Halted", err)
	}
	log.Printf("subsequent call correctly reported: %v", err)
}
