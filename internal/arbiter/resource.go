package arbiter

import (
	"fmt"

	"github.com/me/rtdispatch/pkg/model"
)

// Resource is a piece of shared state guarded by its priority ceiling.
type Resource[T any] struct {
	name      string
	value     T
	declared  model.Priority
	ceiling   model.Priority
	arb       *Arbiter
	accessors map[model.TaskID]bool
	held      bool
	holder    model.TaskID
}

// NewResource creates a resource holding initial.
func NewResource[T any](name string, initial T) *Resource[T] {
	return &Resource[T]{name: name, value: initial}
}

// WithCeiling pins the ceiling to at least p. Seal rejects a pin below the
// highest accessor priority.
func (r *Resource[T]) WithCeiling(p model.Priority) *Resource[T] {
	r.declared = p
	return r
}

// Name returns the resource name.
func (r *Resource[T]) Name() string { return r.name }

// Ceiling returns the computed ceiling; zero before Seal.
func (r *Resource[T]) Ceiling() model.Priority { return r.ceiling }

// Snapshot returns the current value. Only meaningful while no task can run,
// e.g. after the dispatcher stopped.
func (r *Resource[T]) Snapshot() any { return r.value }

// Seed replaces the value outside any task, e.g. from init while dispatch
// is masked. It panics while the resource is locked.
func (r *Resource[T]) Seed(v T) {
	if r.held {
		panic(&AccessError{Resource: r.name, Task: r.holder, Reason: "seeded while locked"})
	}
	r.value = v
}

// Value is the typed form of Snapshot.
func (r *Resource[T]) Value() T { return r.value }

// Declared returns the ceiling pinned by WithCeiling, or zero.
func (r *Resource[T]) Declared() model.Priority { return r.declared }

func (r *Resource[T]) bind(a *Arbiter, ceiling model.Priority, accessors map[model.TaskID]bool) {
	r.arb = a
	r.ceiling = ceiling
	r.accessors = accessors
}

// Lock runs fn with exclusive access to the value. The mask is raised to the
// ceiling for the duration of fn and restored on every exit path, panics
// included. Tasks held back by the lock are dispatched only after a normal
// return: a caller that recovers a panic raised by fn must reach a
// preemption point (dispatch.Context.Checkpoint) before doing more work.
func (r *Resource[T]) Lock(c Caller, fn func(v *T)) {
	prev := r.enter(c)
	r.run(c, prev, fn)
	if prev < r.ceiling && r.arb.released != nil {
		r.arb.released()
	}
}

func (r *Resource[T]) enter(c Caller) model.Priority {
	if r.arb == nil {
		panic(fmt.Sprintf("arbiter: resource %q locked before the table was sealed", r.name))
	}
	if !r.accessors[c.TaskID()] {
		panic(&AccessError{Resource: r.name, Task: c.TaskID(), Reason: "access not declared"})
	}
	if r.held {
		panic(&AccessError{Resource: r.name, Task: c.TaskID(), Reason: fmt.Sprintf("already locked by %s", r.holder)})
	}

	prev := r.arb.platform.RaiseCeiling(r.ceiling)
	r.held = true
	r.holder = c.TaskID()
	if r.arb.observer != nil {
		r.arb.observer.OnLock(r.name, c.TaskID(), r.ceiling)
	}
	return prev
}

func (r *Resource[T]) run(c Caller, prev model.Priority, fn func(v *T)) {
	defer func() {
		r.held = false
		r.holder = ""
		if r.arb.observer != nil {
			r.arb.observer.OnUnlock(r.name, c.TaskID(), r.ceiling)
		}
		r.arb.platform.Restore(prev)
	}()
	fn(&r.value)
}
