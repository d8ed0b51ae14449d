// Package trace records dispatcher events and checks scheduling properties
// over a recorded trace.
package trace

import (
	"fmt"
	"strings"
	"sync"

	"github.com/me/rtdispatch/pkg/model"
)

// Recorder collects dispatcher events in order. It is safe for concurrent
// use.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
	next   int
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Observe numbers ev and appends it.
func (r *Recorder) Observe(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	ev.Seq = r.next
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Filter returns the events of the given kinds, in order.
func Filter(events []model.Event, kinds ...model.EventKind) []model.Event {
	var out []model.Event
	for _, ev := range events {
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// Format renders one event as a single line.
func Format(ev model.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%6d  t=%-8d %-9s", ev.Seq, ev.Tick, ev.Kind)
	if ev.Task != "" {
		fmt.Fprintf(&b, " %s(%s)", ev.Task, ev.Priority)
	}
	if ev.Resource != "" {
		fmt.Fprintf(&b, " %s^%d", ev.Resource, ev.Ceiling)
	}
	if ev.Detail != "" {
		fmt.Fprintf(&b, " %s", ev.Detail)
	}
	return b.String()
}
