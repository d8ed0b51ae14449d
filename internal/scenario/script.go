package scenario

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"

	"github.com/me/rtdispatch/internal/app"
	"github.com/me/rtdispatch/internal/arbiter"
	"github.com/me/rtdispatch/internal/clock"
	"github.com/me/rtdispatch/internal/dispatch"
	"github.com/me/rtdispatch/internal/logging"
	"github.com/me/rtdispatch/pkg/model"
)

// engine runs the JavaScript bodies of one scenario. Every script shares a
// single runtime; bodies only ever run on the dispatcher core, one frame at a
// time, so the runtime is never entered concurrently.
//
// Scripts see these globals:
//
//	log(level, msg)              log through the task's logger
//	spawn(id, payload)           null, or the error message
//	spawnAfter(id, ticks, payload)
//	cancel(id)                   withdrawn payload, or null
//	pend(vector)                 raise a hardware interrupt
//	lock(name, fn)               run fn(value) under the resource ceiling;
//	                             a non-undefined return replaces the value
//	now()                        current tick
//	local()                      the task's local resource
//	exit(code)                   end the session
//	set(name, value)             seed a resource (init only)
type engine struct {
	vm        *goja.Runtime
	logger    *slog.Logger
	resources map[string]*arbiter.Resource[any]
	stack     []*dispatch.Context
	init      *app.InitContext
}

func newEngine(resources map[string]*arbiter.Resource[any], logger *slog.Logger) *engine {
	e := &engine{
		vm:        goja.New(),
		logger:    logger.With("component", "script"),
		resources: resources,
	}
	e.install()
	return e
}

// compile turns a script into a function of one named parameter.
func (e *engine) compile(name, param, script string) (goja.Callable, error) {
	src := fmt.Sprintf("(function(%s) {\n%s\n})", param, script)
	prg, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	v, err := e.vm.RunProgram(prg)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("%s: script did not produce a function", name)
	}
	return fn, nil
}

// body adapts a compiled script to a task body. A script exception becomes
// a task panic.
func (e *engine) body(fn goja.Callable) dispatch.Body {
	return func(cx *dispatch.Context, payload any) {
		e.stack = append(e.stack, cx)
		defer func() { e.stack = e.stack[:len(e.stack)-1] }()
		if _, err := fn(goja.Undefined(), e.vm.ToValue(payload)); err != nil {
			panic(err)
		}
	}
}

func (e *engine) idleBody(fn goja.Callable) func(cx *dispatch.Context) {
	b := e.body(fn)
	return func(cx *dispatch.Context) { b(cx, nil) }
}

// runInit runs the init script with ic as the caller of every global.
func (e *engine) runInit(fn goja.Callable, ic *app.InitContext) error {
	e.init = ic
	defer func() { e.init = nil }()
	_, err := fn(goja.Undefined(), e.vm.ToValue(map[string]any(ic.Peripherals)))
	return err
}

// interrupt aborts whatever script is running.
func (e *engine) interrupt(reason string) {
	e.vm.Interrupt(reason)
}

func (e *engine) task() *dispatch.Context {
	if n := len(e.stack); n > 0 {
		return e.stack[n-1]
	}
	return nil
}

func (e *engine) throw(format string, args ...any) {
	panic(e.vm.NewTypeError(append([]any{format}, args...)...))
}

func (e *engine) result(err error) goja.Value {
	if err == nil {
		return goja.Null()
	}
	return e.vm.ToValue(err.Error())
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func (e *engine) install() {
	natives := map[string]func(goja.FunctionCall) goja.Value{
		"log":        e.jsLog,
		"spawn":      e.jsSpawn,
		"spawnAfter": e.jsSpawnAfter,
		"cancel":     e.jsCancel,
		"pend":       e.jsPend,
		"lock":       e.jsLock,
		"now":        e.jsNow,
		"local":      e.jsLocal,
		"exit":       e.jsExit,
		"set":        e.jsSet,
	}
	for name, fn := range natives {
		if err := e.vm.Set(name, fn); err != nil {
			panic(fmt.Sprintf("install %s: %v", name, err))
		}
	}
}

func (e *engine) jsLog(call goja.FunctionCall) goja.Value {
	level := logging.ParseLevel(call.Argument(0).String())
	msg := call.Argument(1).String()
	if cx := e.task(); cx != nil {
		cx.Log(level, "%s", msg)
		return goja.Undefined()
	}
	e.logger.Log(context.Background(), level, msg, "task", "init")
	return goja.Undefined()
}

func (e *engine) jsSpawn(call goja.FunctionCall) goja.Value {
	id := model.TaskID(call.Argument(0).String())
	payload := export(call.Argument(1))
	if cx := e.task(); cx != nil {
		return e.result(cx.Spawn(id, payload))
	}
	if e.init != nil {
		return e.result(e.init.Spawn(id, payload))
	}
	e.throw("spawn: no running task")
	return nil
}

func (e *engine) jsSpawnAfter(call goja.FunctionCall) goja.Value {
	id := model.TaskID(call.Argument(0).String())
	ticks := clock.Duration(call.Argument(1).ToInteger())
	payload := export(call.Argument(2))
	var err error
	switch {
	case e.task() != nil:
		_, err = e.task().SpawnAfter(id, ticks, payload)
	case e.init != nil:
		_, err = e.init.SpawnAfter(id, ticks, payload)
	default:
		e.throw("spawnAfter: no running task")
	}
	return e.result(err)
}

func (e *engine) jsCancel(call goja.FunctionCall) goja.Value {
	cx := e.task()
	if cx == nil {
		e.throw("cancel: only tasks may cancel")
	}
	payload, err := cx.Cancel(model.TaskID(call.Argument(0).String()))
	if err != nil {
		return goja.Null()
	}
	return e.vm.ToValue(payload)
}

func (e *engine) jsPend(call goja.FunctionCall) goja.Value {
	v := model.Vector(call.Argument(0).String())
	if cx := e.task(); cx != nil {
		return e.result(cx.Pend(v))
	}
	if e.init != nil {
		return e.result(e.init.Pend(v))
	}
	e.throw("pend: no running task")
	return nil
}

func (e *engine) jsLock(call goja.FunctionCall) goja.Value {
	cx := e.task()
	if cx == nil {
		e.throw("lock: only tasks may lock resources")
	}
	name := call.Argument(0).String()
	res, ok := e.resources[name]
	if !ok {
		e.throw("lock: unknown resource %q", name)
	}
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		e.throw("lock: second argument must be a function")
	}

	// A script exception is rethrown only after Lock has returned, so the
	// release dispatches whatever the ceiling held back even when the caller
	// catches the exception.
	ret := goja.Undefined()
	var thrown error
	res.Lock(cx, func(v *any) {
		out, err := fn(goja.Undefined(), e.vm.ToValue(*v))
		if err != nil {
			thrown = err
			return
		}
		if !goja.IsUndefined(out) {
			*v = export(out)
		}
		ret = out
	})
	if thrown != nil {
		panic(thrown)
	}
	return ret
}

func (e *engine) jsNow(goja.FunctionCall) goja.Value {
	if cx := e.task(); cx != nil {
		return e.vm.ToValue(uint32(cx.Now()))
	}
	if e.init != nil {
		return e.vm.ToValue(uint32(e.init.Now()))
	}
	return e.vm.ToValue(0)
}

func (e *engine) jsLocal(goja.FunctionCall) goja.Value {
	cx := e.task()
	if cx == nil {
		return goja.Undefined()
	}
	return e.vm.ToValue(cx.Local())
}

func (e *engine) jsExit(call goja.FunctionCall) goja.Value {
	cx := e.task()
	if cx == nil {
		e.throw("exit: only tasks may request an exit")
	}
	cx.RequestExit(int(call.Argument(0).ToInteger()))
	return nil
}

func (e *engine) jsSet(call goja.FunctionCall) goja.Value {
	if e.init == nil || e.task() != nil {
		e.throw("set: resources can only be seeded from init")
	}
	name := call.Argument(0).String()
	res, ok := e.resources[name]
	if !ok {
		e.throw("set: unknown resource %q", name)
	}
	res.Seed(export(call.Argument(1)))
	return goja.Undefined()
}
