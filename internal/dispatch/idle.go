package dispatch

import (
	"context"

	"github.com/me/rtdispatch/pkg/model"
)

// idleOnce runs one idle iteration: the idle body if there is one, then a
// wait for interrupt unless the body asked to spin. It returns at once if
// anything became ready.
func (d *Dispatcher) idleOnce(ctx context.Context) {
	if !d.enterIdle() {
		return
	}
	if d.idleDef != nil && d.idleDef.Body != nil {
		d.runIdle()
		if d.idleDef.Spin || d.hasReady() {
			return
		}
	}
	if err := d.platform.WaitForInterrupt(ctx); err != nil {
		d.logger.Debug("wait for interrupt interrupted", "error", err)
	}
}

// enterIdle reports whether the core may idle, recording the transition
// into idle. The check and the record are atomic with respect to spawns.
func (d *Dispatcher) enterIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted || d.selectReady() != nil {
		return false
	}
	if !d.idling {
		d.idling = true
		d.emit(model.Event{Kind: model.EventIdle, Task: IdleTaskID, Priority: model.IdlePriority})
	}
	return true
}

// leaveIdle records the wake-up once there is work again.
func (d *Dispatcher) leaveIdle() {
	if !d.idling || !d.hasReady() {
		return
	}
	d.idling = false
	d.emit(model.Event{Kind: model.EventWake, Task: IdleTaskID, Priority: model.IdlePriority})
}

// runIdle runs the idle body as the bottom frame of the dispatch stack, so
// tasks triggered from inside it preempt it like any other task.
func (d *Dispatcher) runIdle() {
	t := d.idle
	d.mu.Lock()
	t.state = model.TaskStateRunning
	d.frames = append(d.frames, &frame{task: t})
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if n := len(d.frames); n > 0 && d.frames[n-1].task == t {
			d.frames = d.frames[:n-1]
		}
		t.state = model.TaskStateDormant
		d.mu.Unlock()
	}()
	d.invoke(t, func(cx *Context) { d.idleDef.Body(cx) })
}
