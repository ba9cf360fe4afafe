// Package simlog provides the structured logger handed to every
// simulator component, a thin wrapper over log/slog that pre-binds the
// component and model attributes callers would otherwise repeat.
package simlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Default is the process-wide base logger. Simulation components derive
// scoped children from it via With*.
var Default = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// ForModel returns a logger that tags every record with the owning
// model's name.
func ForModel(name string) *slog.Logger {
	return Default.With(slog.String("model", name))
}

// WithSimTime attaches the current simulation instant (rendered via
// fmt.Stringer, typically simtime.SimTime) to a logger.
func WithSimTime(l *slog.Logger, t fmt.Stringer) *slog.Logger {
	return l.With(slog.String("sim_time", t.String()))
}

type ctxKey struct{}

// IntoContext attaches a logger to ctx for handlers that need it without
// threading it through every call.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves the logger attached by IntoContext, falling back
// to Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return Default
}
