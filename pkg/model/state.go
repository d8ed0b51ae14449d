package model

// TaskState represents the lifecycle state of a dispatched task.
type TaskState string

const (
	TaskStateDormant   TaskState = "DORMANT"
	TaskStatePending   TaskState = "PENDING"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStatePreempted TaskState = "PREEMPTED"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsActive returns true if the task has started and not yet returned.
func (s TaskState) IsActive() bool {
	switch s {
	case TaskStateRunning, TaskStatePreempted:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for tasks.
// A preempted task is resumed from its saved frame, never re-queued, so
// Preempted leads straight back to Running.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStateDormant:   {TaskStatePending},
	TaskStatePending:   {TaskStateRunning, TaskStateDormant},
	TaskStateRunning:   {TaskStatePreempted, TaskStateDormant},
	TaskStatePreempted: {TaskStateRunning},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunStatus represents the outcome of a recorded scenario run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusExited    RunStatus = "EXITED"
	RunStatusHalted    RunStatus = "HALTED"
	RunStatusFailed    RunStatus = "FAILED"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning && s != ""
}

// TriggerKind identifies how a task becomes pending.
type TriggerKind string

const (
	TriggerHardware TriggerKind = "hardware"
	TriggerSoftware TriggerKind = "software"
)
