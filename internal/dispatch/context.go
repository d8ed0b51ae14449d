package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/rtdispatch/internal/clock"
	"github.com/me/rtdispatch/pkg/model"
)

// Context is handed to a running task body. It is only valid on the core
// goroutine and only for the duration of the body.
//
// Spawn, SpawnAfter, SpawnAt, Cancel, Pend, Log and Checkpoint are
// preemption points: any task that became more urgent than the caller
// runs before they return.
type Context struct {
	d    *Dispatcher
	task *task
}

// TaskID implements arbiter.Caller.
func (cx *Context) TaskID() model.TaskID { return cx.task.id }

// Priority implements arbiter.Caller.
func (cx *Context) Priority() model.Priority { return cx.task.prio }

// Local returns the task's private resource.
func (cx *Context) Local() any { return cx.task.local }

// Now reads the monotonic clock.
func (cx *Context) Now() clock.Instant { return cx.d.clock.Now() }

// Since is the wrap-correct number of ticks elapsed since t0.
func (cx *Context) Since(t0 clock.Instant) clock.Duration {
	return clock.DurationSince(cx.d.clock, t0)
}

// Spawn makes a software task pending. A task more urgent than the caller
// runs to completion before Spawn returns.
func (cx *Context) Spawn(id model.TaskID, payload any) error {
	_, err := cx.d.enqueue(id, payload, nil)
	cx.d.dispatch()
	return err
}

// SpawnAfter schedules a software task after the given number of ticks.
func (cx *Context) SpawnAfter(id model.TaskID, after clock.Duration, payload any) (*Handle, error) {
	h, err := cx.d.SpawnAfter(id, after, payload)
	cx.d.dispatch()
	return h, err
}

// SpawnAt schedules a software task at an absolute instant.
func (cx *Context) SpawnAt(id model.TaskID, at clock.Instant, payload any) (*Handle, error) {
	h, err := cx.d.SpawnAt(id, at, payload)
	cx.d.dispatch()
	return h, err
}

// Cancel withdraws the oldest pending request of a task.
func (cx *Context) Cancel(id model.TaskID) (any, error) {
	payload, err := cx.d.Cancel(id)
	cx.d.dispatch()
	return payload, err
}

// Pend raises a hardware interrupt from software, like writing the pending
// register of the interrupt controller.
func (cx *Context) Pend(v model.Vector) error {
	err := cx.d.pend(v)
	cx.d.dispatch()
	return err
}

// Checkpoint lets latched triggers from other goroutines preempt the caller.
func (cx *Context) Checkpoint() {
	cx.d.dispatch()
}

// Log formats a message and records it through the dispatcher's logger and
// trace.
func (cx *Context) Log(level slog.Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	cx.d.logger.Log(context.Background(), level, msg, "task", cx.task.id, "priority", cx.task.prio)
	cx.d.emit(model.Event{Kind: model.EventLog, Task: cx.task.id, Priority: cx.task.prio, Detail: msg})
	cx.d.dispatch()
}

// Debugf logs at debug level. Like Log, it is a preemption point.
func (cx *Context) Debugf(format string, args ...any) { cx.Log(slog.LevelDebug, format, args...) }

// Infof logs at info level.
func (cx *Context) Infof(format string, args ...any) { cx.Log(slog.LevelInfo, format, args...) }

// Warnf logs at warn level.
func (cx *Context) Warnf(format string, args ...any) { cx.Log(slog.LevelWarn, format, args...) }

// Errorf logs at error level.
func (cx *Context) Errorf(format string, args ...any) { cx.Log(slog.LevelError, format, args...) }

// RequestExit ends the session with a status code. It does not return.
func (cx *Context) RequestExit(code int) {
	cx.d.requestExit(cx.task, code)
}
