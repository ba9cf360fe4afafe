// Package trace provides durable recorders for simulation trace events:
// the typed values a model sends through an Output port, captured via
// ports.Sink for post-hoc inspection of a run.
//
// SQLSink writes each delivered value to a SQLite table through
// database/sql with a fixed mattn/go-sqlite3 driver and a PingContext
// fail-fast check at construction. A simulation trace is a
// single-writer embedded log, not a networked multi-tenant database, so
// the driver is not configurable.
package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/desim/pkg/simtime"
)

// SQLSink records Output values into a SQLite table, one row per
// delivered value, keyed by the simulation instant it was sent at.
type SQLSink[T any] struct {
	db     *sql.DB
	table  string
	encode func(T) (string, error)
}

// SQLSinkConfig configures a SQLSink.
type SQLSinkConfig struct {
	// DSN is the sqlite3 data source, e.g. "file:trace.db" or
	// "file::memory:?cache=shared".
	DSN string
	// Table is the trace table name; created if absent.
	Table string
}

// DefaultSQLSinkConfig returns an in-memory, single-connection config
// suitable for short-lived benches.
func DefaultSQLSinkConfig(table string) SQLSinkConfig {
	return SQLSinkConfig{DSN: "file::memory:?cache=shared", Table: table}
}

// NewSQLSink opens (creating if needed) a trace table and returns a sink
// that JSON-encodes each value into it. encode may be nil to use
// encoding/json directly.
func NewSQLSink[T any](cfg SQLSinkConfig, encode func(T) (string, error)) (*SQLSink[T], error) {
	if cfg.Table == "" {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "table name cannot be empty"}
	}
	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// A simulation trace is single-writer; sqlite3's own file locking
	// makes more than one open connection counterproductive here.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sim_seconds INTEGER NOT NULL,
		sim_nanos INTEGER NOT NULL,
		payload TEXT NOT NULL
	)`, cfg.Table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}

	if encode == nil {
		encode = func(v T) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		}
	}

	return &SQLSink[T]{db: db, table: cfg.Table, encode: encode}, nil
}

// Record implements ports.Sink[T]. It does not itself know the
// simulation instant, so rows it inserts are stamped simtime.Epoch;
// callers that need the real instant attached should use RecordAt
// directly from a model's handler, where ctx.Time() is available.
func (s *SQLSink[T]) Record(ctx context.Context, value T) error {
	return s.RecordAt(ctx, simtime.Epoch, value)
}

// RecordAt inserts value tagged with the given simulation instant.
func (s *SQLSink[T]) RecordAt(ctx context.Context, t simtime.SimTime, value T) error {
	payload, err := s.encode(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (sim_seconds, sim_nanos, payload) VALUES (?, ?, ?)", s.table),
		t.Seconds, t.Nanos, payload)
	return err
}

// Close closes the underlying database handle.
func (s *SQLSink[T]) Close() error {
	return s.db.Close()
}

// Error is the config-validation error returned by sink constructors.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }
