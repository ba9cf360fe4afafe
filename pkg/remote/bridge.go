package remote

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/fluxorio/desim/pkg/scheduler"
	"github.com/fluxorio/desim/pkg/sim"
	"github.com/fluxorio/desim/pkg/simtime"
)

// Config configures a Bridge's NATS connection and subject namespace.
type Config struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string
	// Prefix is prepended to every subject this bridge uses. Defaults
	// to "desim".
	Prefix string
	// Name is an optional NATS connection name, useful in server-side
	// connection listings when multiple benches share a cluster.
	Name string
}

// DefaultConfig returns a Config pointed at the local default NATS port.
func DefaultConfig() Config {
	return Config{URL: nats.DefaultURL, Prefix: "desim"}
}

// ScheduleRequest is the payload published to "<prefix>.schedule": an
// external process asking the bridged Simulation to fire a wake-up
// notification at an absolute simulation instant.
type ScheduleRequest struct {
	Token        string `json:"token"`
	AtSeconds    int64  `json:"at_seconds"`
	AtNanos      uint32 `json:"at_nanos"`
	ReplySubject string `json:"reply_subject,omitempty"`
}

// ScheduleAck is published back once a ScheduleRequest is accepted,
// carrying the ID a later CancelRequest must reference.
type ScheduleAck struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// FireNotice is published to a ScheduleRequest's ReplySubject (or to
// "<prefix>.fired.<id>" if none was given) when the scheduled instant
// arrives.
type FireNotice struct {
	ID        string `json:"id"`
	AtSeconds int64  `json:"at_seconds"`
	AtNanos   uint32 `json:"at_nanos"`
}

// CancelRequest is published to "<prefix>.cancel" to cancel a
// previously scheduled wake-up.
type CancelRequest struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

// CancelAck is published back once a CancelRequest is processed.
type CancelAck struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// Bridge subscribes to a Simulation's scheduler handle over NATS,
// letting an external process schedule and cancel wake-ups
// concurrently with local Step calls — inserts are serialized through
// the scheduler's own mutex (sim.SchedulerHandle's doc comment), so the
// bridge adds no locking of its own beyond protecting its own id
// registry.
type Bridge struct {
	nc     *nats.Conn
	prefix string
	handle *sim.SchedulerHandle
	issuer *TokenIssuer

	mu      sync.Mutex
	pending map[string]scheduler.Handle

	subs []*nats.Subscription
}

// NewBridge connects to NATS and subscribes to cfg.Prefix's
// schedule/cancel subjects, dispatching into handle. Every request must
// carry a bearer token issuer can Verify.
func NewBridge(handle *sim.SchedulerHandle, issuer *TokenIssuer, cfg Config) (*Bridge, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "desim"
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		nc:      nc,
		prefix:  prefix,
		handle:  handle,
		issuer:  issuer,
		pending: make(map[string]scheduler.Handle),
	}

	scheduleSub, err := nc.QueueSubscribe(b.subject("schedule"), "desim-remote", b.handleSchedule)
	if err != nil {
		nc.Close()
		return nil, err
	}
	cancelSub, err := nc.QueueSubscribe(b.subject("cancel"), "desim-remote", b.handleCancel)
	if err != nil {
		scheduleSub.Unsubscribe()
		nc.Close()
		return nil, err
	}
	b.subs = []*nats.Subscription{scheduleSub, cancelSub}

	return b, nil
}

func (b *Bridge) subject(name string) string {
	return fmt.Sprintf("%s.%s", b.prefix, name)
}

func (b *Bridge) handleSchedule(msg *nats.Msg) {
	var req ScheduleRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.replySchedule(msg, ScheduleAck{Error: err.Error()})
		return
	}
	if _, err := b.issuer.Verify(req.Token); err != nil {
		b.replySchedule(msg, ScheduleAck{Error: ErrUnauthorized.Error()})
		return
	}

	id := uuid.NewString()
	deadline := simtime.At(req.AtSeconds, req.AtNanos)
	replySubject := req.ReplySubject
	if replySubject == "" {
		replySubject = b.subject("fired." + id)
	}

	h, err := b.handle.ScheduleAt(deadline, func(t simtime.SimTime) {
		notice := FireNotice{ID: id, AtSeconds: t.Seconds, AtNanos: t.Nanos}
		data, err := json.Marshal(notice)
		if err != nil {
			return
		}
		b.nc.Publish(replySubject, data)
	})
	if err != nil {
		b.replySchedule(msg, ScheduleAck{Error: err.Error()})
		return
	}

	b.mu.Lock()
	b.pending[id] = h
	b.mu.Unlock()

	b.replySchedule(msg, ScheduleAck{ID: id})
}

func (b *Bridge) handleCancel(msg *nats.Msg) {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.replyCancel(msg, CancelAck{Error: err.Error()})
		return
	}
	if _, err := b.issuer.Verify(req.Token); err != nil {
		b.replyCancel(msg, CancelAck{Error: ErrUnauthorized.Error()})
		return
	}

	b.mu.Lock()
	h, ok := b.pending[req.ID]
	if ok {
		delete(b.pending, req.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.replyCancel(msg, CancelAck{ID: req.ID, Error: "unknown id"})
		return
	}
	h.Cancel()
	b.replyCancel(msg, CancelAck{ID: req.ID})
}

func (b *Bridge) replySchedule(msg *nats.Msg, ack ScheduleAck) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	b.nc.Publish(msg.Reply, data)
}

func (b *Bridge) replyCancel(msg *nats.Msg, ack CancelAck) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	b.nc.Publish(msg.Reply, data)
}

// RequestTimeout is a default timeout for a client's NATS request/reply
// round trips against a Bridge; nothing in this package uses it itself.
const RequestTimeout = 5 * time.Second

// Close unsubscribes and closes the bridge's NATS connection.
func (b *Bridge) Close() error {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.nc.Close()
	return nil
}
