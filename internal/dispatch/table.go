package dispatch

import (
	"fmt"
	"sort"

	"github.com/me/rtdispatch/internal/arbiter"
	"github.com/me/rtdispatch/pkg/model"
)

// IdleTaskID is the reserved id of the idle task.
const IdleTaskID model.TaskID = "idle"

// DefaultMaxPriority is the number of priority levels assumed when a table
// does not say.
const DefaultMaxPriority model.Priority = 8

// MaxCapacity bounds the per-task request queue.
const MaxCapacity = 64

// Body is a task body. payload is whatever the spawner passed (nil for
// hardware-triggered tasks).
type Body func(cx *Context, payload any)

// TaskDef declares one task of the table.
type TaskDef struct {
	ID       model.TaskID
	Priority model.Priority

	// Binds names the hardware vector that triggers the task. Empty means the
	// task is software-spawned.
	Binds    model.Vector
	Shared   []string
	Local    any
	Capacity int
	Body     Body
}

// Trigger returns the trigger kind of the task.
func (td TaskDef) Trigger() model.TriggerKind {
	if td.Binds != "" {
		return model.TriggerHardware
	}
	return model.TriggerSoftware
}

// IdleDef declares the idle task.
type IdleDef struct {
	Shared []string
	Local  any

	// Spin keeps calling Body without waiting for an interrupt in between.
	Spin bool
	Body func(cx *Context)
}

// Table is the fixed set of tasks and resources known before dispatch starts.
type Table struct {
	MaxPriority model.Priority

	// Dispatchers are the free interrupt vectors software tasks are
	// dispatched through, one per software priority level.
	Dispatchers []model.Vector
	Tasks       []TaskDef
	Idle        *IdleDef
	Resources   []arbiter.Shared
}

func (t *Table) maxPriority() model.Priority {
	if t.MaxPriority == 0 {
		return DefaultMaxPriority
	}
	return t.MaxPriority
}

// Accesses returns the task -> resource graph used to compute ceilings.
func (t *Table) Accesses() []arbiter.Access {
	accesses := make([]arbiter.Access, 0, len(t.Tasks)+1)
	for _, td := range t.Tasks {
		accesses = append(accesses, arbiter.Access{Task: td.ID, Priority: td.Priority, Resources: td.Shared})
	}
	if t.Idle != nil {
		accesses = append(accesses, arbiter.Access{Task: IdleTaskID, Priority: model.IdlePriority, Resources: t.Idle.Shared})
	}
	return accesses
}

// Validate is the start-up check of the table. It returns nil when the table
// can be dispatched.
func (t *Table) Validate() *model.APIError {
	var errs []model.FieldError

	errs = append(errs, t.validateTasks()...)
	errs = append(errs, t.validateVectors()...)
	errs = append(errs, t.validateDispatchers()...)
	errs = append(errs, t.validateResources()...)

	if len(errs) == 0 {
		return nil
	}
	return model.NewValidationError("invalid task table", errs...)
}

func (t *Table) validateTasks() []model.FieldError {
	var errs []model.FieldError
	maxPrio := t.maxPriority()
	seen := make(map[model.TaskID]bool, len(t.Tasks))

	for i, td := range t.Tasks {
		field := fmt.Sprintf("tasks.%s", td.ID)
		if td.ID == "" {
			errs = append(errs, model.FieldError{Field: fmt.Sprintf("tasks[%d].id", i), Message: "task id is required"})
			continue
		}
		if td.ID == IdleTaskID {
			errs = append(errs, model.FieldError{Field: field + ".id", Message: fmt.Sprintf("%q is reserved for the idle task", IdleTaskID)})
		}
		if seen[td.ID] {
			errs = append(errs, model.FieldError{Field: field + ".id", Message: fmt.Sprintf("duplicate task id %q", td.ID)})
		}
		seen[td.ID] = true

		if td.Priority < 1 || td.Priority > maxPrio {
			errs = append(errs, model.FieldError{
				Field:   field + ".priority",
				Message: fmt.Sprintf("priority %d outside 1..%d", td.Priority, maxPrio),
			})
		}
		if td.Body == nil {
			errs = append(errs, model.FieldError{Field: field + ".body", Message: "task has no body"})
		}
		switch {
		case td.Capacity < 0 || td.Capacity > MaxCapacity:
			errs = append(errs, model.FieldError{
				Field:   field + ".capacity",
				Message: fmt.Sprintf("capacity %d outside 0..%d", td.Capacity, MaxCapacity),
			})
		case td.Binds != "" && td.Capacity > 1:
			errs = append(errs, model.FieldError{
				Field:   field + ".capacity",
				Message: "hardware tasks have a single pending bit",
			})
		}
	}
	return errs
}

func (t *Table) validateVectors() []model.FieldError {
	var errs []model.FieldError
	bound := make(map[model.Vector]model.TaskID)
	for _, td := range t.Tasks {
		if td.Binds == "" {
			continue
		}
		if other, dup := bound[td.Binds]; dup {
			errs = append(errs, model.FieldError{
				Field:   fmt.Sprintf("tasks.%s.binds", td.ID),
				Message: fmt.Sprintf("vector %q already bound to %s", td.Binds, other),
			})
			continue
		}
		bound[td.Binds] = td.ID
	}
	for i, v := range t.Dispatchers {
		if owner, ok := bound[v]; ok {
			errs = append(errs, model.FieldError{
				Field:   fmt.Sprintf("dispatchers[%d]", i),
				Message: fmt.Sprintf("vector %q is bound to task %s", v, owner),
			})
		}
	}
	return errs
}

func (t *Table) validateDispatchers() []model.FieldError {
	var errs []model.FieldError
	seen := make(map[model.Vector]bool)
	for i, v := range t.Dispatchers {
		if v == "" {
			errs = append(errs, model.FieldError{Field: fmt.Sprintf("dispatchers[%d]", i), Message: "empty vector name"})
			continue
		}
		if seen[v] {
			errs = append(errs, model.FieldError{Field: fmt.Sprintf("dispatchers[%d]", i), Message: fmt.Sprintf("duplicate vector %q", v)})
		}
		seen[v] = true
	}

	levels := t.softwareLevels()
	if len(levels) > len(t.Dispatchers) {
		errs = append(errs, model.FieldError{
			Field:   "dispatchers",
			Message: fmt.Sprintf("%d software priority levels need %d dispatcher vectors, have %d",
				len(levels), len(levels), len(t.Dispatchers)),
		})
	}
	return errs
}

func (t *Table) validateResources() []model.FieldError {
	var errs []model.FieldError
	declared := make(map[string]model.Priority, len(t.Resources))
	for i, r := range t.Resources {
		if r.Name() == "" {
			errs = append(errs, model.FieldError{Field: fmt.Sprintf("resources[%d]", i), Message: "resource name is required"})
			continue
		}
		if _, dup := declared[r.Name()]; dup {
			errs = append(errs, model.FieldError{Field: "resources." + r.Name(), Message: "duplicate resource"})
		}
		declared[r.Name()] = r.Declared()
	}
	for _, acc := range t.Accesses() {
		seen := make(map[string]bool, len(acc.Resources))
		for _, name := range acc.Resources {
			if seen[name] {
				errs = append(errs, model.FieldError{
					Field:   fmt.Sprintf("tasks.%s.shared", acc.Task),
					Message: fmt.Sprintf("resource %q listed twice", name),
				})
			}
			seen[name] = true
		}
	}
	_, ceilingErrs := arbiter.ComputeCeilings(t.Accesses(), declared)
	errs = append(errs, ceilingErrs...)
	return errs
}

// softwareLevels returns the distinct software task priorities, highest first.
func (t *Table) softwareLevels() []model.Priority {
	set := make(map[model.Priority]bool)
	for _, td := range t.Tasks {
		if td.Binds == "" {
			set[td.Priority] = true
		}
	}
	levels := make([]model.Priority, 0, len(set))
	for p := range set {
		levels = append(levels, p)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] > levels[j] })
	return levels
}

// dispatcherVectors maps each software priority level to the dispatcher
// vector serving it: the highest level takes the first vector.
func (t *Table) dispatcherVectors() map[model.Priority]model.Vector {
	out := make(map[model.Priority]model.Vector)
	for i, p := range t.softwareLevels() {
		if i < len(t.Dispatchers) {
			out[p] = t.Dispatchers[i]
		}
	}
	return out
}
