package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"

	"github.com/me/rtdispatch/internal/app"
	"github.com/me/rtdispatch/internal/arbiter"
	"github.com/me/rtdispatch/internal/clock"
	"github.com/me/rtdispatch/internal/dispatch"
	"github.com/me/rtdispatch/pkg/model"
)

// Options override scenario settings at run time.
type Options struct {
	RateHz      uint32
	MaxPriority uint8
	// Capacity is the queue capacity of software tasks that do not set one.
	Capacity    int
	PanicPolicy dispatch.PanicPolicy
	Realtime    bool
}

func (o Options) rate(s *Scenario) clock.Rate {
	switch {
	case o.RateHz != 0:
		return clock.Rate(o.RateHz)
	case s.RateHz != 0:
		return clock.Rate(s.RateHz)
	}
	return clock.DefaultRate
}

// table builds the dispatch table of s. bodyFor supplies the body of each
// task; resources are created fresh.
func table(s *Scenario, opts Options, bodyFor func(TaskSpec) dispatch.Body) (*dispatch.Table, map[string]*arbiter.Resource[any]) {
	t := &dispatch.Table{MaxPriority: model.Priority(s.MaxPriority)}
	if opts.MaxPriority != 0 {
		t.MaxPriority = model.Priority(opts.MaxPriority)
	}
	for _, v := range s.Dispatchers {
		t.Dispatchers = append(t.Dispatchers, model.Vector(v))
	}

	resources := make(map[string]*arbiter.Resource[any], len(s.Resources))
	for _, rs := range s.Resources {
		r := arbiter.NewResource[any](rs.Name, rs.Initial)
		if rs.Ceiling != 0 {
			r.WithCeiling(model.Priority(rs.Ceiling))
		}
		resources[rs.Name] = r
		t.Resources = append(t.Resources, r)
	}

	for _, ts := range s.Tasks {
		td := dispatch.TaskDef{
			ID:       model.TaskID(ts.ID),
			Priority: model.Priority(ts.Priority),
			Binds:    model.Vector(ts.Binds),
			Shared:   ts.Shared,
			Local:    ts.Local,
			Capacity: ts.Capacity,
			Body:     bodyFor(ts),
		}
		if td.Capacity == 0 && td.Binds == "" && opts.Capacity > 1 {
			td.Capacity = opts.Capacity
		}
		t.Tasks = append(t.Tasks, td)
	}

	if s.Idle != nil {
		t.Idle = &dispatch.IdleDef{Shared: s.Idle.Shared, Local: s.Idle.Local, Spin: s.Idle.Spin}
	}
	return t, resources
}

// program is a scenario ready to start: its app plus the script engine
// behind the task bodies.
type program struct {
	app       *app.App
	engine    *engine
	resources map[string]*arbiter.Resource[any]
}

// compileScenario compiles every script of s and assembles the app.
func compileScenario(s *Scenario, opts Options, logger *slog.Logger) (*program, error) {
	var (
		eng     *engine
		errs    []error
		scripts = make(map[string]goja.Callable)
	)
	tbl, resources := table(s, opts, func(ts TaskSpec) dispatch.Body {
		return func(cx *dispatch.Context, payload any) {
			eng.body(scripts[ts.ID])(cx, payload)
		}
	})
	eng = newEngine(resources, logger)

	for _, ts := range s.Tasks {
		fn, err := eng.compile("tasks."+ts.ID, "payload", ts.Script)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		scripts[ts.ID] = fn
	}
	if s.Idle != nil && s.Idle.Script != "" {
		fn, err := eng.compile("idle", "payload", s.Idle.Script)
		if err != nil {
			errs = append(errs, err)
		} else {
			tbl.Idle.Body = eng.idleBody(fn)
		}
	}
	var initFn goja.Callable
	if s.Init != nil && s.Init.Script != "" {
		fn, err := eng.compile("init", "peripherals", s.Init.Script)
		if err != nil {
			errs = append(errs, err)
		}
		initFn = fn
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	a := &app.App{
		Name:  s.Name,
		Table: tbl,
		BringUp: func(context.Context) (app.Peripherals, error) {
			if s.BringUpFail != "" {
				return nil, errors.New(s.BringUpFail)
			}
			return app.Peripherals(s.Peripherals), nil
		},
		Init: func(ic *app.InitContext) error {
			if s.Init == nil {
				return nil
			}
			for i, sp := range s.Init.Spawn {
				var err error
				if sp.After > 0 {
					_, err = ic.SpawnAfter(model.TaskID(sp.Task), clock.Duration(sp.After), sp.Payload)
				} else {
					err = ic.Spawn(model.TaskID(sp.Task), sp.Payload)
				}
				if err != nil {
					return fmt.Errorf("init.spawn[%d]: %w", i, err)
				}
			}
			if initFn != nil {
				if err := eng.runInit(initFn, ic); err != nil {
					return fmt.Errorf("init script: %w", err)
				}
			}
			return nil
		},
	}
	return &program{app: a, engine: eng, resources: resources}, nil
}
