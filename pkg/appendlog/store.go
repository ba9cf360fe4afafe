// Package appendlog implements the durable backing store for
// trace.LogSink: an append-only log of simulator effects. Unlike a
// generic byte-stream log, every record carries its simulation instant
// as a first-class field rather than leaving time-stamping to whatever
// wraps it, since "when, in simulated time, did this effect happen" is
// the one piece of metadata every caller of this package needs.
package appendlog

import (
	"io"

	"github.com/fluxorio/desim/pkg/simtime"
)

// SimTime is an alias for simtime.SimTime, so callers that only import
// appendlog (e.g. implementing a custom Store) don't also need to
// import pkg/simtime just to spell the field type.
type SimTime = simtime.SimTime

// Offset is a monotonically increasing position within a stream.
type Offset uint64

// Durability specifies when Append is acknowledged.
type Durability int

const (
	// DurabilityMemory acknowledges after the record is accepted into memory.
	DurabilityMemory Durability = iota
	// DurabilityFsync acknowledges after the active segment is fsync'd.
	// (Stronger durability, lower throughput.)
	DurabilityFsync
)

// Record is a single dispatched effect: the simulation instant it was
// recorded at, the store-assigned offset, and a caller-defined payload
// encoding.
type Record struct {
	// Offset assigned by the store.
	Offset Offset
	// At is the simulation instant the effect was dispatched at.
	At SimTime
	// Data is the raw payload (caller-defined encoding).
	Data []byte
}

// Store is an append-only log store with optional disk persistence.
//
// Contract summary:
// - Append-only: no in-place updates/deletes.
// - Offsets are monotonically increasing per store.
// - Rotation seals immutable segments; new writes go to a new segment.
// - Backpressure: Append must fail-fast when buffers are full.
type Store interface {
	Append(at SimTime, data []byte) (Offset, error)
	Read(from Offset, limit int) ([]Record, error)
	Rotate() error
	Sync() error
	Close() error
	Stats() Stats
}

// Stats exposes basic operational counters.
type Stats struct {
	// Current in-memory queued bytes awaiting flush.
	BufferedBytes int64
	// Total bytes written to disk (best-effort).
	WrittenBytes int64
	// Total number of records appended.
	AppendedRecords int64
	// Total rejected appends due to backpressure.
	RejectedAppends int64
}

// Observer receives lifecycle notifications from a Store, for callers
// that want to wire the log's activity into the simulator's own
// telemetry (pkg/telemetry.Metrics counters, structured log lines).
// Every hook is optional; NopObserver implements all of them as no-ops.
type Observer interface {
	OnRecover(RecoverInfo)
	OnAppendEnqueued(AppendInfo)
	OnAppendPersisted(PersistInfo)
	OnAppendRejected(RejectInfo)
	OnRotate(RotateInfo)
}

// RecoverInfo describes the state a Store recovered on open.
type RecoverInfo struct {
	Segments   int
	NextOffset Offset
}

// AppendInfo describes a record accepted into the in-memory queue,
// pending persistence.
type AppendInfo struct {
	Offset Offset
	At     SimTime
	Bytes  int
}

// PersistInfo describes a record that has been written to its segment
// file (and fsync'd, under DurabilityFsync).
type PersistInfo struct {
	Offset Offset
	At     SimTime
	Bytes  int
}

// RejectInfo describes an Append call rejected under backpressure.
type RejectInfo struct {
	Bytes  int
	Reason string
}

// RotateInfo describes a segment rotation.
type RotateInfo struct {
	SegmentID int
	Reason    string
}

type nopObserver struct{}

func (nopObserver) OnRecover(RecoverInfo)         {}
func (nopObserver) OnAppendEnqueued(AppendInfo)   {}
func (nopObserver) OnAppendPersisted(PersistInfo) {}
func (nopObserver) OnAppendRejected(RejectInfo)   {}
func (nopObserver) OnRotate(RotateInfo)           {}

// NopObserver is an Observer that discards every notification.
var NopObserver Observer = nopObserver{}

// Errors.
var (
	ErrClosed         = io.ErrClosedPipe
	ErrInvalidData    = io.ErrUnexpectedEOF
	ErrBackpressure   = io.ErrShortWrite
	ErrInvalidReadArg = io.ErrNoProgress
)
