package platform

import (
	"context"
	"sync"

	"github.com/me/rtdispatch/pkg/model"
)

// Stats counts mask operations performed on a Sim.
type Stats struct {
	Raises   int
	Restores int
	Waits    int
	Wakes    int
	MaxLevel model.Priority
}

// Sim is a software interrupt controller: a base-priority register and a
// latched wake line.
type Sim struct {
	mu    sync.Mutex
	level model.Priority
	stats Stats
	wake  chan struct{}
}

// NewSim creates a Sim with nothing masked.
func NewSim() *Sim {
	return &Sim{wake: make(chan struct{}, 1)}
}

// RaiseCeiling implements Platform.
func (s *Sim) RaiseCeiling(level model.Priority) model.Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.level
	if level > s.level {
		s.level = level
	}
	if s.level > s.stats.MaxLevel {
		s.stats.MaxLevel = s.level
	}
	s.stats.Raises++
	return prev
}

// Restore implements Platform.
func (s *Sim) Restore(previous model.Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = previous
	s.stats.Restores++
}

// Level implements Platform.
func (s *Sim) Level() model.Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// WaitForInterrupt implements Platform.
func (s *Sim) WaitForInterrupt(ctx context.Context) error {
	s.mu.Lock()
	s.stats.Waits++
	s.mu.Unlock()

	select {
	case <-s.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake implements Platform. Multiple wakes before a wait collapse into one.
func (s *Sim) Wake() {
	s.mu.Lock()
	s.stats.Wakes++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stats returns a copy of the operation counters.
func (s *Sim) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
