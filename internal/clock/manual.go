package clock

import (
	"slices"
	"sync"
)

// Manual is a clock advanced explicitly by its owner. Every advance fires the
// registered tick handlers, the way a SysTick interrupt drives a timer queue.
type Manual struct {
	mu       sync.Mutex
	now      Instant
	rate     Rate
	handlers []func(Instant)
}

// NewManual creates a Manual clock starting at start.
func NewManual(rate Rate, start Instant) *Manual {
	if rate == 0 {
		rate = DefaultRate
	}
	return &Manual{now: start, rate: rate}
}

// Now returns the current reading.
func (m *Manual) Now() Instant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Rate returns the tick frequency.
func (m *Manual) Rate() Rate {
	return m.rate
}

// OnTick registers fn to run on every tick the clock crosses.
func (m *Manual) OnTick(fn func(Instant)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Advance moves the counter forward by d ticks, firing the tick handlers
// once per tick crossed with that tick's reading. Handlers run outside the
// clock's lock. Without handlers the counter jumps in one step.
func (m *Manual) Advance(d Duration) Instant {
	m.mu.Lock()
	if len(m.handlers) == 0 {
		m.now = m.now.Add(d)
		now := m.now
		m.mu.Unlock()
		return now
	}
	handlers := slices.Clone(m.handlers)
	now := m.now
	m.mu.Unlock()

	for i := Duration(0); i < d; i++ {
		m.mu.Lock()
		m.now = m.now.Add(1)
		now = m.now
		m.mu.Unlock()
		for _, h := range handlers {
			h(now)
		}
	}
	return now
}

// Step advances by a single tick.
func (m *Manual) Step() Instant {
	return m.Advance(1)
}
