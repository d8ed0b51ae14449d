package dispatch

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/me/rtdispatch/pkg/model"
)

// PanicPolicy decides what a panicking task body does to the system.
type PanicPolicy string

const (
	// PanicHalt records the fault, reports it once and stops dispatching.
	PanicHalt PanicPolicy = "halt"
	// PanicPropagate records the fault and re-panics on the core goroutine.
	PanicPropagate PanicPolicy = "propagate"
)

// ParsePanicPolicy converts a flag value to a PanicPolicy.
func ParsePanicPolicy(s string) (PanicPolicy, error) {
	switch PanicPolicy(s) {
	case PanicHalt, "":
		return PanicHalt, nil
	case PanicPropagate:
		return PanicPropagate, nil
	}
	return "", fmt.Errorf("unknown panic policy %q (want halt or propagate)", s)
}

// unwind is panicked to abandon every frame on the dispatch stack once the
// dispatcher has halted. It never escapes guard.
type unwind struct{}

// invoke runs body for t, turning a panic into a halt.
func (d *Dispatcher) invoke(t *task, body func(cx *Context)) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(unwind); ok {
			panic(r)
		}
		d.fault(t, r, string(debug.Stack()))
		panic(unwind{})
	}()
	body(&Context{d: d, task: t})
}

// fault records the first panic and reports it. Only the first fault is
// reported; a panic raised while reporting is swallowed.
func (d *Dispatcher) fault(t *task, value any, stack string) {
	if !d.faulted.CompareAndSwap(false, true) {
		return
	}
	perr := &model.PanicError{Task: t.id, Value: value, Stack: stack}
	d.halt(perr)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while reporting task panic", "task", t.id, "panic", r)
		}
	}()
	d.logger.Error("task panicked", "task", t.id, "priority", t.prio, "panic", value)
	d.emit(model.Event{Kind: model.EventPanic, Task: t.id, Priority: t.prio, Detail: fmt.Sprint(value)})
	if d.exitHook != nil {
		d.exitHook.RequestExit(ExitFailure)
	}
}

// requestExit halts the dispatcher on behalf of t and unwinds the session.
func (d *Dispatcher) requestExit(t *task, code int) {
	d.halt(&model.ExitError{Code: code, Task: t.id})
	d.logger.Info("exit requested", "task", t.id, "code", code)
	d.emit(model.Event{Kind: model.EventExit, Task: t.id, Priority: t.prio, Detail: fmt.Sprintf("status=%d", code)})
	if d.exitHook != nil {
		d.exitHook.RequestExit(code)
	}
	panic(unwind{})
}

// guard runs fn on the core and converts an unwind into the halt reason.
func (d *Dispatcher) guard(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(unwind); !ok {
			panic(r)
		}
		d.mu.Lock()
		d.frames = d.frames[:0]
		d.mu.Unlock()
		err = d.Err()
		var perr *model.PanicError
		if d.policy == PanicPropagate && errors.As(err, &perr) {
			panic(perr)
		}
	}()
	fn()
	return d.Err()
}
