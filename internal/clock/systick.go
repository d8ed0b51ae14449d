package clock

import (
	"context"
	"time"
)

// Systick derives ticks from the host's monotonic wall clock. The counter is
// truncated to 32 bits, so it wraps exactly like the hardware peripheral.
type Systick struct {
	start time.Time
	rate  Rate
	base  Instant
}

// NewSystick creates a Systick whose counter reads base now.
func NewSystick(rate Rate, base Instant) *Systick {
	if rate == 0 {
		rate = DefaultRate
	}
	return &Systick{start: time.Now(), rate: rate, base: base}
}

// Now returns the current reading.
func (s *Systick) Now() Instant {
	elapsed := time.Since(s.start)
	secs := uint64(elapsed / time.Second)
	frac := uint64(elapsed % time.Second)
	ticks := secs*uint64(s.rate) + frac*uint64(s.rate)/uint64(time.Second)
	return s.base + Instant(uint32(ticks))
}

// Rate returns the tick frequency.
func (s *Systick) Rate() Rate {
	return s.rate
}

// Run calls fn once per tick period until ctx is cancelled. Missed ticks are
// not replayed; fn always receives the current reading.
func (s *Systick) Run(ctx context.Context, fn func(Instant)) error {
	ticker := time.NewTicker(s.rate.TickPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(s.Now())
		}
	}
}
