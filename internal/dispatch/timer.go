package dispatch

import (
	"fmt"
	"sort"

	"github.com/me/rtdispatch/internal/clock"
	"github.com/me/rtdispatch/pkg/model"
)

// timerEntry is one scheduled spawn. It is due once delay ticks have elapsed
// since from; measuring the elapsed span keeps delays up to a full wrap
// period correct.
type timerEntry struct {
	task    *task
	from    clock.Instant
	delay   clock.Duration
	payload any
	seq     uint64
	handle  *Handle
	fired   bool
	done    bool
}

func (e *timerEntry) deadline() clock.Instant {
	return e.from.Add(e.delay)
}

// remaining is the number of ticks until e is due, zero once it is.
func (e *timerEntry) remaining(now clock.Instant) clock.Duration {
	if elapsed := now.Sub(e.from); elapsed < e.delay {
		return e.delay - elapsed
	}
	return 0
}

// delayUntil converts an absolute instant to a delay from now. An instant
// less than half a wrap period in the past is due immediately.
func delayUntil(now, at clock.Instant) clock.Duration {
	if at.Before(now) {
		return 0
	}
	return at.Sub(now)
}

// Handle refers to one scheduled spawn.
type Handle struct {
	d     *Dispatcher
	entry *timerEntry
}

// Deadline returns the instant the spawn becomes pending.
func (h *Handle) Deadline() clock.Instant {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	return h.entry.deadline()
}

// Cancel withdraws the scheduled spawn and returns its payload. It fails
// with ErrTooLate once the task has started.
func (h *Handle) Cancel() (any, error) {
	d := h.d
	d.mu.Lock()
	defer d.mu.Unlock()

	e := h.entry
	t := e.task
	if e.done {
		return nil, &model.SpawnError{Task: t.id, Err: model.ErrTooLate}
	}
	detail := "scheduled"
	if !e.fired {
		d.removeTimer(e)
		t.reserved--
	} else {
		detail = "withdrawn"
		for i, req := range t.queue {
			if req.handle == h {
				t.queue = append(t.queue[:i], t.queue[i+1:]...)
				break
			}
		}
		d.settle(t)
	}
	e.done = true
	d.emit(model.Event{Kind: model.EventCancelled, Task: t.id, Priority: t.prio, Detail: detail})
	return e.payload, nil
}

// Reschedule moves a spawn that has not fired yet to a new instant, with
// the same reading of at as SpawnAt.
func (h *Handle) Reschedule(at clock.Instant) error {
	d := h.d
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	e := h.entry
	if e.fired || e.done {
		return &model.SpawnError{Task: e.task.id, Err: model.ErrTooLate}
	}
	e.from, e.delay = now, delayUntil(now, at)
	d.emit(model.Event{Kind: model.EventScheduled, Task: e.task.id, Priority: e.task.prio, Detail: fmt.Sprintf("at=%d", e.deadline())})
	return nil
}

// TimerInterrupt makes every scheduled spawn whose delay has elapsed
// pending, earliest deadline first. It is bound to the clock's tick and
// returns how many spawns fired.
func (d *Dispatcher) TimerInterrupt() int {
	now := d.clock.Now()

	d.mu.Lock()
	if d.halted {
		d.mu.Unlock()
		return 0
	}
	var due []*timerEntry
	kept := d.timers[:0]
	for _, e := range d.timers {
		if e.remaining(now) == 0 {
			due = append(due, e)
		} else {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(d.timers); i++ {
		d.timers[i] = nil
	}
	d.timers = kept

	// The entry overdue the longest had the earliest deadline.
	overdue := func(e *timerEntry) clock.Duration { return now.Sub(e.from) - e.delay }
	sort.SliceStable(due, func(i, j int) bool {
		if oi, oj := overdue(due[i]), overdue(due[j]); oi != oj {
			return oi > oj
		}
		return due[i].seq < due[j].seq
	})
	for _, e := range due {
		e.fired = true
		e.task.reserved--
		d.push(e.task, request{payload: e.payload, seq: d.nextSeq(), handle: e.handle})
	}
	d.mu.Unlock()

	if len(due) > 0 {
		d.platform.Wake()
	}
	return len(due)
}

// NextDeadline returns the earliest scheduled instant, if any.
func (d *Dispatcher) NextDeadline() (clock.Instant, bool) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.timers) == 0 {
		return 0, false
	}
	best := d.timers[0].remaining(now)
	for _, e := range d.timers[1:] {
		if r := e.remaining(now); r < best {
			best = r
		}
	}
	return now.Add(best), true
}

// removeTimer drops e from the timer list. d.mu must be held.
func (d *Dispatcher) removeTimer(e *timerEntry) {
	for i, x := range d.timers {
		if x == e {
			d.timers = append(d.timers[:i], d.timers[i+1:]...)
			return
		}
	}
}
