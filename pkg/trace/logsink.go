package trace

import (
	"context"
	"encoding/json"

	"github.com/fluxorio/desim/pkg/appendlog"
	"github.com/fluxorio/desim/pkg/failfast"
	"github.com/fluxorio/desim/pkg/simtime"
)

// LogSink records Output values into an appendlog.Store, one record per
// delivered value, relying on the store's own simtime.SimTime-stamped
// record format rather than re-deriving the instant from a second
// encoding layer. Rather than reimplementing segment rotation and fsync
// durability, LogSink wraps whatever Store the caller constructs
// (typically appendlog.NewFSStore), so a trace gets the same
// backpressure and durability semantics as any other append-only log in
// this codebase.
type LogSink[T any] struct {
	store      appendlog.Store
	durability appendlog.Durability
}

// NewLogSink wraps store as a Sink[T]. durability controls whether
// Record waits for Sync() to complete before returning.
func NewLogSink[T any](store appendlog.Store, durability appendlog.Durability) *LogSink[T] {
	failfast.NotNil(store, "store")
	return &LogSink[T]{store: store, durability: durability}
}

// Record implements ports.Sink[T]. It stamps the record with
// simtime.Epoch since LogSink has no simulation clock of its own; use
// RecordAt from a model's handler to stamp the real simulation instant.
func (s *LogSink[T]) Record(ctx context.Context, value T) error {
	return s.RecordAt(ctx, simtime.Epoch, value)
}

// RecordAt appends value tagged with the given simulation instant. The
// instant is carried natively by the underlying appendlog.Record, not
// re-encoded into the payload.
func (s *LogSink[T]) RecordAt(ctx context.Context, t simtime.SimTime, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if _, err := s.store.Append(t, payload); err != nil {
		return err
	}
	if s.durability == appendlog.DurabilityFsync {
		return s.store.Sync()
	}
	return nil
}

// Read decodes every record in [from, from+limit) back into (SimTime, T)
// pairs, for post-hoc trace inspection.
func (s *LogSink[T]) Read(from appendlog.Offset, limit int) ([]simtime.SimTime, []T, error) {
	records, err := s.store.Read(from, limit)
	if err != nil {
		return nil, nil, err
	}
	times := make([]simtime.SimTime, len(records))
	values := make([]T, len(records))
	for i, r := range records {
		times[i] = r.At
		if err := json.Unmarshal(r.Data, &values[i]); err != nil {
			return nil, nil, err
		}
	}
	return times, values, nil
}

// Close closes the underlying store.
func (s *LogSink[T]) Close() error {
	return s.store.Close()
}
