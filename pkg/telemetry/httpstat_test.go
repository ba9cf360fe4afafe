package telemetry

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func testStatusServer(t *testing.T) (*StatusServer, *fasthttputil.InmemoryListener) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordStep(time.Millisecond)

	s := NewStatusServer(reg, func() StatusSnapshot {
		return StatusSnapshot{SimSeconds: 42, ActiveLoops: 2}
	})

	ln := fasthttputil.NewInmemoryListener()
	go s.server.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return s, ln
}

func dial(ln *fasthttputil.InmemoryListener) func(addr string) (net.Conn, error) {
	return func(addr string) (net.Conn, error) { return ln.Dial() }
}

func TestStatusEndpointReturnsSnapshot(t *testing.T) {
	_, ln := testStatusServer(t)
	c := &fasthttp.Client{Dial: dial(ln)}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://desim/status")

	if err := c.Do(req, resp); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode())
	}
	if !containsAll(string(resp.Body()), "42", "active_loops") {
		t.Errorf("body = %q, missing expected fields", resp.Body())
	}
}

func TestMetricsEndpointReturnsExposition(t *testing.T) {
	_, ln := testStatusServer(t)
	c := &fasthttp.Client{Dial: dial(ln)}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://desim/metrics")

	if err := c.Do(req, resp); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode())
	}
	if !containsAll(string(resp.Body()), "desim_steps_total") {
		t.Errorf("body missing desim_steps_total: %q", resp.Body())
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	_, ln := testStatusServer(t)
	c := &fasthttp.Client{Dial: dial(ln)}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://desim/nope")

	if err := c.Do(req, resp); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode())
	}
}

func containsAll(body string, substrs ...string) bool {
	for _, s := range substrs {
		if !strings.Contains(body, s) {
			return false
		}
	}
	return true
}
