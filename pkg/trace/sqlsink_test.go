package trace

import (
	"context"
	"testing"

	"github.com/fluxorio/desim/pkg/simtime"
)

type event struct {
	Kind  string
	Value int
}

func TestNewSQLSinkCreatesTable(t *testing.T) {
	sink, err := NewSQLSink[event](DefaultSQLSinkConfig("events"), nil)
	if err != nil {
		t.Fatalf("NewSQLSink() error = %v", err)
	}
	defer sink.Close()

	var name string
	err = sink.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", "events").Scan(&name)
	if err != nil {
		t.Fatalf("table events was not created: %v", err)
	}
}

func TestNewSQLSinkRejectsEmptyTable(t *testing.T) {
	_, err := NewSQLSink[event](SQLSinkConfig{DSN: "file::memory:"}, nil)
	if err == nil {
		t.Fatal("NewSQLSink() with empty table should error")
	}
}

func TestRecordAtInsertsRow(t *testing.T) {
	sink, err := NewSQLSink[event](DefaultSQLSinkConfig("events"), nil)
	if err != nil {
		t.Fatalf("NewSQLSink() error = %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	if err := sink.RecordAt(ctx, simtime.At(3, 500), event{Kind: "arrive", Value: 7}); err != nil {
		t.Fatalf("RecordAt() error = %v", err)
	}

	var seconds int64
	var payload string
	err = sink.db.QueryRowContext(ctx, "SELECT sim_seconds, payload FROM events LIMIT 1").Scan(&seconds, &payload)
	if err != nil {
		t.Fatalf("querying inserted row: %v", err)
	}
	if seconds != 3 {
		t.Errorf("sim_seconds = %d, want 3", seconds)
	}
	if payload == "" {
		t.Error("payload should not be empty")
	}
}

func TestRecordImplementsSinkInterface(t *testing.T) {
	sink, err := NewSQLSink[event](DefaultSQLSinkConfig("events"), nil)
	if err != nil {
		t.Fatalf("NewSQLSink() error = %v", err)
	}
	defer sink.Close()

	if err := sink.Record(context.Background(), event{Kind: "depart", Value: 1}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	var count int
	if err := sink.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestCustomEncodeIsUsed(t *testing.T) {
	sink, err := NewSQLSink[event](DefaultSQLSinkConfig("events"), func(e event) (string, error) {
		return e.Kind, nil
	})
	if err != nil {
		t.Fatalf("NewSQLSink() error = %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	if err := sink.Record(ctx, event{Kind: "custom", Value: 42}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	var payload string
	if err := sink.db.QueryRowContext(ctx, "SELECT payload FROM events LIMIT 1").Scan(&payload); err != nil {
		t.Fatalf("querying inserted row: %v", err)
	}
	if payload != "custom" {
		t.Errorf("payload = %q, want %q", payload, "custom")
	}
}

func TestCloseClosesUnderlyingDB(t *testing.T) {
	sink, err := NewSQLSink[event](DefaultSQLSinkConfig("events"), nil)
	if err != nil {
		t.Fatalf("NewSQLSink() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sink.db.Ping(); err == nil {
		t.Error("Ping() after Close() should error")
	}
}
