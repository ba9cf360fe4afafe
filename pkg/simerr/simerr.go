// Package simerr defines the simulator's error vocabulary. Every
// user-visible failure carries the simulation time it occurred at and,
// where relevant, the offending model's name.
package simerr

import (
	"errors"
	"fmt"

	"github.com/fluxorio/desim/pkg/simtime"
)

// Kind classifies a simulator error.
type Kind int

const (
	// KindInvalidDeadline — scheduling a past time.
	KindInvalidDeadline Kind = iota
	// KindChannelClosed — sending to a dropped mailbox.
	KindChannelClosed
	// KindHalted — explicit stop requested.
	KindHalted
	// KindTimeout — wall-clock deadline exceeded during a step.
	KindTimeout
	// KindExecutionError — a handler panicked or signaled an
	// unrecoverable fault.
	KindExecutionError
	// KindNoRecipient — query with no matching handler.
	KindNoRecipient
	// KindCausalityCycle — same-instant dispatch looped past the
	// configured iteration cap.
	KindCausalityCycle
)

func (k Kind) String() string {
	switch k {
	case KindInvalidDeadline:
		return "InvalidDeadline"
	case KindChannelClosed:
		return "ChannelClosed"
	case KindHalted:
		return "Halted"
	case KindTimeout:
		return "Timeout"
	case KindExecutionError:
		return "ExecutionError"
	case KindNoRecipient:
		return "NoRecipient"
	case KindCausalityCycle:
		return "CausalityCycle"
	default:
		return "Unknown"
	}
}

// Error is the simulator's single error type. Time is always set;
// ModelName is set when the failure is attributable to one model.
type Error struct {
	Kind      Kind
	Time      simtime.SimTime
	ModelName string
	Cause     error
}

func (e *Error) Error() string {
	if e.ModelName != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s at t=%s (model %q): %v", e.Kind, e.Time, e.ModelName, e.Cause)
		}
		return fmt.Sprintf("%s at t=%s (model %q)", e.Kind, e.Time, e.ModelName)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s at t=%s: %v", e.Kind, e.Time, e.Cause)
	}
	return fmt.Sprintf("%s at t=%s", e.Kind, e.Time)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against a bare Kind sentinel created
// via New(kind, simtime.SimTime{}, "", nil).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an *Error.
func New(kind Kind, t simtime.SimTime, modelName string, cause error) *Error {
	return &Error{Kind: kind, Time: t, ModelName: modelName, Cause: cause}
}

// Kind-only sentinels for errors.Is matching regardless of time/model/cause.
var (
	ErrInvalidDeadline = &Error{Kind: KindInvalidDeadline}
	ErrChannelClosed   = &Error{Kind: KindChannelClosed}
	ErrHalted          = &Error{Kind: KindHalted}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrNoRecipient     = &Error{Kind: KindNoRecipient}
	ErrCausalityCycle  = &Error{Kind: KindCausalityCycle}
)

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
