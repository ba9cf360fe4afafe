// Package simtime defines the monotonic simulation clock value used
// throughout the simulator: an absolute instant with nanosecond
// resolution, independent of wall-clock time.
package simtime

import (
	"fmt"
	"math"
	"time"
)

const nanosPerSecond = int64(time.Second)

// Epoch is the zero instant of simulation time. Benches conventionally
// start at Epoch unless SimInit.Init is called with an explicit t0.
var Epoch = SimTime{}

// SimTime is a monotonic absolute instant with nanosecond resolution.
// Seconds may be negative (instants before Epoch); Nanos is always in
// [0, 1e9).
type SimTime struct {
	Seconds int64
	Nanos   uint32
}

// At constructs a SimTime, normalizing an out-of-range Nanos.
func At(seconds int64, nanos uint32) SimTime {
	return SimTime{Seconds: seconds, Nanos: nanos}.normalize()
}

// FromDuration returns the instant Epoch+d.
func FromDuration(d time.Duration) SimTime {
	return Epoch.Add(d)
}

func (t SimTime) normalize() SimTime {
	if t.Nanos < uint32(nanosPerSecond) {
		return t
	}
	extra := int64(t.Nanos) / nanosPerSecond
	t.Seconds += extra
	t.Nanos -= uint32(extra * nanosPerSecond)
	return t
}

// Before reports whether t occurs strictly before u.
func (t SimTime) Before(u SimTime) bool { return t.Compare(u) < 0 }

// After reports whether t occurs strictly after u.
func (t SimTime) After(u SimTime) bool { return t.Compare(u) > 0 }

// Compare returns -1, 0 or 1 as t is before, equal to, or after u.
func (t SimTime) Compare(u SimTime) int {
	switch {
	case t.Seconds < u.Seconds:
		return -1
	case t.Seconds > u.Seconds:
		return 1
	case t.Nanos < u.Nanos:
		return -1
	case t.Nanos > u.Nanos:
		return 1
	default:
		return 0
	}
}

// Add returns t+d, saturating at math.MaxInt64/math.MinInt64 seconds
// instead of overflowing.
func (t SimTime) Add(d time.Duration) SimTime {
	whole := int64(d / time.Second)
	frac := int64(d % time.Second)

	seconds, carryOK := addInt64(t.Seconds, whole)
	nanos := int64(t.Nanos) + frac
	if nanos < 0 {
		nanos += nanosPerSecond
		var ok bool
		seconds, ok = addInt64(seconds, -1)
		carryOK = carryOK && ok
	} else if nanos >= nanosPerSecond {
		nanos -= nanosPerSecond
		var ok bool
		seconds, ok = addInt64(seconds, 1)
		carryOK = carryOK && ok
	}
	if !carryOK {
		if d > 0 {
			return SimTime{Seconds: math.MaxInt64, Nanos: uint32(nanosPerSecond - 1)}
		}
		return SimTime{Seconds: math.MinInt64, Nanos: 0}
	}
	return SimTime{Seconds: seconds, Nanos: uint32(nanos)}
}

// Sub returns the signed duration t-u, saturating to math.MaxInt64/
// math.MinInt64 nanoseconds on overflow.
func (t SimTime) Sub(u SimTime) time.Duration {
	secDiff := t.Seconds - u.Seconds
	nanoDiff := int64(t.Nanos) - int64(u.Nanos)

	// Overflow check on the seconds subtraction itself.
	if (u.Seconds < 0 && secDiff < t.Seconds) || (u.Seconds > 0 && secDiff > t.Seconds) {
		if u.Seconds < 0 {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(math.MinInt64)
	}

	// Each whole second of secDiff is nanosPerSecond nanoseconds; guard
	// against overflowing the final int64 nanosecond count.
	const maxSeconds = math.MaxInt64 / nanosPerSecond
	if secDiff > maxSeconds {
		return time.Duration(math.MaxInt64)
	}
	if secDiff < -maxSeconds {
		return time.Duration(math.MinInt64)
	}

	total := secDiff*nanosPerSecond + nanoDiff
	if secDiff > 0 && total < 0 {
		return time.Duration(math.MaxInt64)
	}
	if secDiff < 0 && total > 0 {
		return time.Duration(math.MinInt64)
	}
	return time.Duration(total)
}

func addInt64(a, b int64) (sum int64, ok bool) {
	sum = a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return sum, false
	}
	return sum, true
}

// String renders the instant as seconds.nanoseconds relative to Epoch,
// e.g. "3.500000000".
func (t SimTime) String() string {
	return fmt.Sprintf("%d.%09d", t.Seconds, t.Nanos)
}
