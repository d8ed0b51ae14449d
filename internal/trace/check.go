package trace

import (
	"fmt"

	"github.com/me/rtdispatch/pkg/model"
)

// Violation describes the first event at which a property failed.
type Violation struct {
	Event  model.Event
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("event %d (%s %s at tick %d): %s", v.Event.Seq, v.Event.Kind, v.Event.Task, v.Event.Tick, v.Reason)
}

type pendingTask struct {
	prio     model.Priority
	arrivals []int
	active   bool
}

type frame struct {
	id   model.TaskID
	prio model.Priority
}

// CheckPriorityOrder replays a trace and verifies that every task start was
// legal: the started task outranks the system priority (running task and
// held ceilings), no more urgent task was left waiting, and among equal
// priorities the earliest arrival went first.
//
// It also verifies that the running task yields at its preemption points.
// Once the task has logged or released a lock while a more urgent task was
// startable, the next thing it records must be its preemption. Pending
// events alone are not held against the running task, since a trigger from
// another goroutine only takes effect at the next preemption point.
// Checking stops at the first panic or exit.
func CheckPriorityOrder(events []model.Event) error {
	tasks := make(map[model.TaskID]*pendingTask)
	get := func(ev model.Event) *pendingTask {
		t, ok := tasks[ev.Task]
		if !ok {
			t = &pendingTask{prio: ev.Priority}
			tasks[ev.Task] = t
		}
		return t
	}
	var running []frame
	var ceilings []model.Priority

	system := func() model.Priority {
		var p model.Priority
		if n := len(running); n > 0 {
			p = running[n-1].prio
		}
		if n := len(ceilings); n > 0 && ceilings[n-1] > p {
			p = ceilings[n-1]
		}
		return p
	}
	current := func() (frame, bool) {
		if n := len(running); n > 0 {
			return running[n-1], true
		}
		return frame{}, false
	}
	// startable returns a waiting task that outranks the system priority.
	startable := func() (model.TaskID, *pendingTask) {
		sys := system()
		for id, t := range tasks {
			if !t.active && len(t.arrivals) > 0 && t.prio > sys {
				return id, t
			}
		}
		return "", nil
	}

	// owed names the task that should have preempted the running one.
	var owed model.TaskID
	var owedPrio model.Priority

	for _, ev := range events {
		switch ev.Kind {
		case model.EventPanic, model.EventExit:
			return nil
		case model.EventPreempt, model.EventStart:
			owed = ""
		}
		if owed != "" {
			if top, ok := current(); ok && ev.Task == top.id {
				return &Violation{Event: ev, Reason: fmt.Sprintf("%s kept running while %s (priority %d) was startable", top.id, owed, owedPrio)}
			}
		}

		switch ev.Kind {
		case model.EventPending:
			t := get(ev)
			t.arrivals = append(t.arrivals, ev.Seq)
		case model.EventCancelled:
			t := get(ev)
			if ev.Detail != "scheduled" && len(t.arrivals) > 0 {
				t.arrivals = t.arrivals[1:]
			}
		case model.EventStart:
			t := get(ev)
			if len(t.arrivals) == 0 {
				return &Violation{Event: ev, Reason: "started without a pending request"}
			}
			if sys := system(); ev.Priority <= sys {
				return &Violation{Event: ev, Reason: fmt.Sprintf("priority %d does not exceed system priority %d", ev.Priority, sys)}
			}
			for id, other := range tasks {
				if id == ev.Task || other.active || len(other.arrivals) == 0 {
					continue
				}
				if other.prio > ev.Priority {
					return &Violation{Event: ev, Reason: fmt.Sprintf("%s (priority %d) was pending", id, other.prio)}
				}
				if other.prio == ev.Priority && other.arrivals[0] < t.arrivals[0] {
					return &Violation{Event: ev, Reason: fmt.Sprintf("%s arrived first at the same priority", id)}
				}
			}
			t.arrivals = t.arrivals[1:]
			t.active = true
			running = append(running, frame{id: ev.Task, prio: ev.Priority})
		case model.EventEnd:
			get(ev).active = false
			if len(running) > 0 {
				running = running[:len(running)-1]
			}
		case model.EventLock:
			ceilings = append(ceilings, ev.Ceiling)
		case model.EventUnlock:
			if len(ceilings) > 0 {
				ceilings = ceilings[:len(ceilings)-1]
			}
		}

		if owed != "" {
			if _, t := startable(); t == nil {
				owed = ""
			}
		}
		if ev.Kind == model.EventLog || ev.Kind == model.EventUnlock {
			if top, ok := current(); ok && ev.Task == top.id {
				if id, t := startable(); t != nil {
					owed, owedPrio = id, t.prio
				}
			}
		}
	}
	return nil
}

// CheckMutualExclusion verifies that no resource is locked twice at once and
// that no task starts while a resource with a ceiling at or above its
// priority is held.
func CheckMutualExclusion(events []model.Event) error {
	holders := make(map[string]model.Event)
	for _, ev := range events {
		switch ev.Kind {
		case model.EventLock:
			if held, ok := holders[ev.Resource]; ok {
				return &Violation{Event: ev, Reason: fmt.Sprintf("%s already held by %s", ev.Resource, held.Task)}
			}
			holders[ev.Resource] = ev
		case model.EventUnlock:
			held, ok := holders[ev.Resource]
			if !ok {
				return &Violation{Event: ev, Reason: fmt.Sprintf("%s unlocked while free", ev.Resource)}
			}
			if held.Task != ev.Task {
				return &Violation{Event: ev, Reason: fmt.Sprintf("%s unlocked by %s, held by %s", ev.Resource, ev.Task, held.Task)}
			}
			delete(holders, ev.Resource)
		case model.EventStart:
			for name, held := range holders {
				if ev.Priority <= held.Ceiling {
					return &Violation{Event: ev, Reason: fmt.Sprintf("started while %s (ceiling %d) held by %s", name, held.Ceiling, held.Task)}
				}
			}
		}
	}
	return nil
}
