package model

import "time"

// EventKind identifies a dispatcher trace record.
type EventKind string

const (
	EventPending   EventKind = "pending"
	EventScheduled EventKind = "scheduled"
	EventCancelled EventKind = "cancelled"
	EventRejected  EventKind = "rejected"
	EventCoalesced EventKind = "coalesced"
	EventStart     EventKind = "start"
	EventPreempt   EventKind = "preempt"
	EventResume    EventKind = "resume"
	EventEnd       EventKind = "end"
	EventLock      EventKind = "lock"
	EventUnlock    EventKind = "unlock"
	EventIdle      EventKind = "idle"
	EventWake      EventKind = "wake"
	EventLog       EventKind = "log"
	EventPanic     EventKind = "panic"
	EventExit      EventKind = "exit"
)

// Event is one record of a dispatcher trace.
type Event struct {
	Seq      int       `json:"seq"`
	Tick     uint32    `json:"tick"`
	Kind     EventKind `json:"kind"`
	Task     TaskID    `json:"task,omitempty"`
	Priority Priority  `json:"priority"`
	Resource string    `json:"resource,omitempty"`
	Ceiling  Priority  `json:"ceiling,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Run is the persisted summary of one scenario execution.
type Run struct {
	ID         string            `json:"id"`
	Scenario   string            `json:"scenario"`
	Status     RunStatus         `json:"status"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Error      string            `json:"error,omitempty"`
	Ticks      uint32            `json:"ticks"`
	EventCount int               `json:"event_count"`
	Labels     map[string]string `json:"labels,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}
