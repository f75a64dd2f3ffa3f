package clock

import (
	"fmt"
	"time"
)

// Timestamp is an instant measured by a particular clock. The zero value is
// an untagged (raw) timestamp at 0.
type Timestamp struct {
	nanos int64
	clock *Clock
}

// At returns a timestamp of n nanoseconds on clock c.
func At(n int64, c *Clock) Timestamp {
	return Timestamp{nanos: n, clock: c}
}

// Raw returns an untagged timestamp. Raw timestamps only compare with other
// raw timestamps.
func Raw(n int64) Timestamp {
	return Timestamp{nanos: n}
}

// FromSeconds converts fractional seconds on clock c into a timestamp.
func FromSeconds(s float64, c *Clock) Timestamp {
	return Timestamp{nanos: int64(s * 1e9), clock: c}
}

// Nanos returns the raw nanosecond count.
func (t Timestamp) Nanos() int64 { return t.nanos }

// Seconds returns the nanosecond count as fractional seconds.
func (t Timestamp) Seconds() float64 { return float64(t.nanos) / 1e9 }

// Clock returns the clock the timestamp was measured on, or nil when raw.
func (t Timestamp) Clock() *Clock { return t.clock }

// IsRaw reports whether the timestamp carries no clock tag.
func (t Timestamp) IsRaw() bool { return t.clock == nil }

// Add shifts the timestamp by d, keeping its clock.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return Timestamp{nanos: t.nanos + int64(d), clock: t.clock}
}

// Sub returns t - u. It panics with *ClockMismatchError if the timestamps
// were measured on different clocks.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	mustSameClock("Sub", t, u)
	return time.Duration(t.nanos - u.nanos)
}

// Compare returns -1, 0 or +1. It panics on a clock mismatch.
func (t Timestamp) Compare(u Timestamp) int {
	mustSameClock("Compare", t, u)
	switch {
	case t.nanos < u.nanos:
		return -1
	case t.nanos > u.nanos:
		return 1
	default:
		return 0
	}
}

// Before reports whether t is strictly earlier than u.
func (t Timestamp) Before(u Timestamp) bool { return t.Compare(u) < 0 }

// After reports whether t is strictly later than u.
func (t Timestamp) After(u Timestamp) bool { return t.Compare(u) > 0 }

// Equal reports whether t and u denote the same instant on the same clock.
func (t Timestamp) Equal(u Timestamp) bool { return t.Compare(u) == 0 }

func (t Timestamp) String() string {
	return fmt.Sprintf("%s@%s", time.Duration(t.nanos), t.clock.Name())
}

// ClockMismatchError reports an operation between timestamps of different
// clocks. It always indicates a bookkeeping bug in the caller.
type ClockMismatchError struct {
	Op          string
	Left, Right *Clock
}

func (e *ClockMismatchError) Error() string {
	return fmt.Sprintf("clock mismatch in %s: %s vs %s", e.Op, e.Left.Name(), e.Right.Name())
}

// SameClock returns a *ClockMismatchError when a and b are on different
// clocks. Use it to vet timestamps from untrusted input before doing
// arithmetic that would otherwise panic.
func SameClock(a, b Timestamp) error {
	if a.clock != b.clock {
		return &ClockMismatchError{Op: "compare", Left: a.clock, Right: b.clock}
	}
	return nil
}

func mustSameClock(op string, a, b Timestamp) {
	if a.clock != b.clock {
		panic(&ClockMismatchError{Op: op, Left: a.clock, Right: b.clock})
	}
}

// Min returns the earlier of a and b.
func Min(a, b Timestamp) Timestamp {
	if a.Before(b) {
		return a
	}
	return b
}

// Max returns the later of a and b.
func Max(a, b Timestamp) Timestamp {
	if a.After(b) {
		return a
	}
	return b
}
