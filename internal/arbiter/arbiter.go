// Package arbiter grants mutually exclusive access to shared state using the
// immediate priority ceiling protocol.
//
// Every shared resource gets a static ceiling: the highest priority of any
// task that declares access to it. Locking a resource raises the platform
// mask to that ceiling, so no task that could touch the resource can be
// dispatched until the lock is released. There is no runtime wait: a
// contending task simply stays pending.
package arbiter

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/rtdispatch/internal/platform"
	"github.com/me/rtdispatch/pkg/model"
)

// Caller is the task on whose behalf a lock is taken.
type Caller interface {
	TaskID() model.TaskID
	Priority() model.Priority
}

// Observer receives critical-section boundaries.
type Observer interface {
	OnLock(resource string, task model.TaskID, ceiling model.Priority)
	OnUnlock(resource string, task model.TaskID, ceiling model.Priority)
}

// Access declares which resources one task uses.
type Access struct {
	Task      model.TaskID
	Priority  model.Priority
	Resources []string
}

// Shared is the type-erased view of a Resource.
type Shared interface {
	Name() string
	Ceiling() model.Priority
	Snapshot() any
	Declared() model.Priority
	bind(a *Arbiter, ceiling model.Priority, accessors map[model.TaskID]bool)
}

// Arbiter owns every shared resource of one dispatch table.
type Arbiter struct {
	platform  platform.Platform
	logger    *slog.Logger
	observer  Observer
	released  func()
	resources map[string]Shared
	sealed    bool
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithObserver reports lock/unlock events to o.
func WithObserver(o Observer) Option {
	return func(a *Arbiter) {
		a.observer = o
	}
}

// WithReleaseHook sets the function run after a lock lowers the mask. The
// dispatcher uses it to start tasks the lock was holding back.
func WithReleaseHook(fn func()) Option {
	return func(a *Arbiter) {
		a.released = fn
	}
}

// New creates an Arbiter masking through p.
func New(p platform.Platform, logger *slog.Logger, opts ...Option) *Arbiter {
	a := &Arbiter{
		platform:  p,
		logger:    logger.With("component", "arbiter"),
		resources: make(map[string]Shared),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register adds resources. It fails after Seal or on a duplicate name.
func (a *Arbiter) Register(resources ...Shared) error {
	if a.sealed {
		return fmt.Errorf("register after seal")
	}
	for _, r := range resources {
		if _, dup := a.resources[r.Name()]; dup {
			return fmt.Errorf("duplicate resource %q", r.Name())
		}
		a.resources[r.Name()] = r
	}
	return nil
}

// Resource returns the registered resource with the given name.
func (a *Arbiter) Resource(name string) (Shared, bool) {
	r, ok := a.resources[name]
	return r, ok
}

// Names returns the registered resource names in sorted order.
func (a *Arbiter) Names() []string {
	names := make([]string, 0, len(a.resources))
	for n := range a.resources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Seal computes every ceiling from the access graph and binds the resources.
// It runs once, before any task is dispatched.
func (a *Arbiter) Seal(accesses []Access) error {
	if a.sealed {
		return fmt.Errorf("arbiter already sealed")
	}
	declared := make(map[string]model.Priority, len(a.resources))
	for name, r := range a.resources {
		declared[name] = r.Declared()
	}
	ceilings, errs := ComputeCeilings(accesses, declared)
	if len(errs) > 0 {
		return model.NewValidationError("invalid resource ceilings", errs...)
	}

	accessors := make(map[string]map[model.TaskID]bool, len(a.resources))
	for _, acc := range accesses {
		for _, name := range acc.Resources {
			if accessors[name] == nil {
				accessors[name] = make(map[model.TaskID]bool)
			}
			accessors[name][acc.Task] = true
		}
	}
	for name, r := range a.resources {
		r.bind(a, ceilings[name], accessors[name])
		a.logger.Debug("ceiling", "resource", name, "ceiling", ceilings[name], "accessors", len(accessors[name]))
	}
	a.sealed = true
	return nil
}

// ComputeCeilings derives the ceiling of every declared resource from the
// tasks that access it. A declared ceiling (non-zero) may raise the computed
// value but never lower it. Accesses to resources missing from declared are
// reported as errors.
func ComputeCeilings(accesses []Access, declared map[string]model.Priority) (map[string]model.Priority, []model.FieldError) {
	var errs []model.FieldError
	ceilings := make(map[string]model.Priority, len(declared))
	for name := range declared {
		ceilings[name] = 0
	}

	for _, acc := range accesses {
		for _, name := range acc.Resources {
			c, ok := ceilings[name]
			if !ok {
				errs = append(errs, model.FieldError{
					Field:   fmt.Sprintf("tasks.%s.shared", acc.Task),
					Message: fmt.Sprintf("unknown resource %q", name),
				})
				continue
			}
			if acc.Priority > c {
				ceilings[name] = acc.Priority
			}
		}
	}

	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := declared[name]
		if d == 0 {
			continue
		}
		if d < ceilings[name] {
			errs = append(errs, model.FieldError{
				Field:   fmt.Sprintf("resources.%s.ceiling", name),
				Message: fmt.Sprintf("declared ceiling %d is below accessor priority %d", d, ceilings[name]),
			})
			continue
		}
		ceilings[name] = d
	}
	return ceilings, errs
}

// AccessError is the panic value raised when a task locks a resource it did
// not declare, or locks one it already holds.
type AccessError struct {
	Resource string
	Task     model.TaskID
	Reason   string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("resource %q: task %s: %s", e.Resource, e.Task, e.Reason)
}
