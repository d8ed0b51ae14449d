package model

import "fmt"

// TaskID uniquely identifies a task in a dispatch table.
type TaskID string

// Priority is a static task priority. Higher values are more urgent.
// Priority 0 is reserved for the idle task.
type Priority uint8

// IdlePriority is the priority the idle task runs at.
const IdlePriority Priority = 0

// Vector names an interrupt line (e.g. "TIMER_IRQ_0").
type Vector string

// String returns the string representation of the priority.
func (p Priority) String() string {
	return fmt.Sprintf("P%d", uint8(p))
}

// TaskInfo is a point-in-time snapshot of one task in the table.
type TaskInfo struct {
	ID       TaskID      `json:"id"`
	Priority Priority    `json:"priority"`
	Trigger  TriggerKind `json:"trigger"`
	Vector   Vector      `json:"vector"`
	State    TaskState   `json:"state"`
	Queued   int         `json:"queued"`
	Capacity int         `json:"capacity"`
	Shared   []string    `json:"shared,omitempty"`
}
