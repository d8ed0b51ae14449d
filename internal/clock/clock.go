// Package clock is the monotonic time source the dispatcher schedules against.
//
// Time is a 32-bit tick counter with a fixed rate. The counter wraps at 2^32
// ticks (about 49.7 days at 1 kHz); all arithmetic is modular so a wrap is
// never visible to callers measuring durations shorter than the wrap period.
package clock

import (
	"math"
	"time"
)

// Instant is a reading of the tick counter.
type Instant uint32

// Duration is a number of ticks.
type Duration uint32

// Rate is the tick frequency in Hz.
type Rate uint32

// DefaultRate is the 1 kHz / 1 ms granularity used by the reference boards.
const DefaultRate Rate = 1000

// Add returns i advanced by d, wrapping at the counter width.
func (i Instant) Add(d Duration) Instant {
	return i + Instant(d)
}

// Sub returns the ticks elapsed from earlier to i, modulo the counter width.
func (i Instant) Sub(earlier Instant) Duration {
	return Duration(i - earlier)
}

// Before reports whether i comes before j. Valid while the two readings are
// less than half a wrap period apart.
func (i Instant) Before(j Instant) bool {
	return int32(i-j) < 0
}

// After reports whether i comes after j, with the same window as Before.
func (i Instant) After(j Instant) bool {
	return int32(i-j) > 0
}

// Reached reports whether i is at or after deadline.
func (i Instant) Reached(deadline Instant) bool {
	return int32(i-deadline) >= 0
}

// Monotonic is a single monotonically increasing time source.
type Monotonic interface {
	Now() Instant
	Rate() Rate
}

// DurationSince returns the ticks elapsed since t0 on m.
func DurationSince(m Monotonic, t0 Instant) Duration {
	return m.Now().Sub(t0)
}

// WrapPeriod returns how long the counter takes to wrap at this rate.
func (r Rate) WrapPeriod() time.Duration {
	if r == 0 {
		return 0
	}
	secs := float64(uint64(math.MaxUint32)+1) / float64(r)
	return time.Duration(secs * float64(time.Second))
}

// TickPeriod returns the length of one tick.
func (r Rate) TickPeriod() time.Duration {
	if r == 0 {
		return 0
	}
	return time.Second / time.Duration(r)
}

// Ticks converts a wall-clock duration to ticks, rounding up so a delay is
// never shorter than requested.
func (r Rate) Ticks(d time.Duration) Duration {
	if d <= 0 || r == 0 {
		return 0
	}
	n := (uint64(d)*uint64(r) + uint64(time.Second) - 1) / uint64(time.Second)
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return Duration(n)
}

// Std converts ticks to a wall-clock duration.
func (r Rate) Std(d Duration) time.Duration {
	if r == 0 {
		return 0
	}
	return time.Duration(uint64(d) * uint64(time.Second) / uint64(r))
}
