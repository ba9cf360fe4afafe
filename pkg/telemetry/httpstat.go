package telemetry

import (
	"encoding/json"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
)

// StatusServer is a minimal fasthttp server exposing /metrics (Prometheus
// text exposition format) and /status (a JSON snapshot) for a running
// simulation. Two GET routes only: a simulation dashboard has no request
// body to queue and no backpressure to apply.
type StatusServer struct {
	server   *fasthttp.Server
	registry *prometheus.Registry
	status   func() StatusSnapshot
}

// StatusSnapshot is the JSON body served at /status.
type StatusSnapshot struct {
	SimSeconds   int64  `json:"sim_seconds"`
	SimNanos     uint32 `json:"sim_nanos"`
	ActiveLoops  int64  `json:"active_loops"`
	Halted       bool   `json:"halted"`
	PendingTimer int    `json:"pending_timer_events"`
}

// NewStatusServer builds a StatusServer. status is called fresh on every
// /status request so the snapshot always reflects the current run.
func NewStatusServer(registry *prometheus.Registry, status func() StatusSnapshot) *StatusServer {
	if registry == nil {
		registry = DefaultRegistry
	}
	s := &StatusServer{registry: registry, status: status}
	s.server = &fasthttp.Server{
		Handler:      s.handle,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

func (s *StatusServer) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/metrics":
		s.handleMetrics(ctx)
	case "/status":
		s.handleStatus(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *StatusServer) handleMetrics(ctx *fasthttp.RequestCtx) {
	families, err := s.registry.Gather()
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(err.Error())
		return
	}
	ctx.SetContentType(string(expfmt.FmtText))
	enc := expfmt.NewEncoder(ctx, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			return
		}
	}
}

func (s *StatusServer) handleStatus(ctx *fasthttp.RequestCtx) {
	snap := s.status()
	body, err := json.Marshal(snap)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// ListenAndServe blocks serving on addr until the server is shut down or
// an error occurs.
func (s *StatusServer) ListenAndServe(addr string) error {
	return s.server.ListenAndServe(addr)
}

// Serve blocks serving connections accepted from ln, for callers that
// need an OS-assigned port (net.Listen on ":0") or an in-memory
// listener.
func (s *StatusServer) Serve(ln net.Listener) error {
	return s.server.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *StatusServer) Shutdown() error {
	return s.server.Shutdown()
}
