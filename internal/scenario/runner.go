package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/me/rtdispatch/internal/app"
	"github.com/me/rtdispatch/internal/clock"
	"github.com/me/rtdispatch/internal/dispatch"
	"github.com/me/rtdispatch/internal/logging"
	"github.com/me/rtdispatch/internal/platform"
	"github.com/me/rtdispatch/internal/trace"
	"github.com/me/rtdispatch/pkg/model"
)

// Result is the outcome of one scenario run.
type Result struct {
	Scenario  string
	Status    model.RunStatus
	ExitCode  *int
	Err       error
	Ticks     uint32
	Rate      clock.Rate
	Events    []model.Event
	Tasks     []model.TaskInfo
	Resources map[string]any
}

// Check compares the result with the scenario's expectation.
func (r *Result) Check(exp *Expectation) error {
	if exp == nil {
		return nil
	}
	if exp.Status != "" && model.RunStatus(exp.Status) != r.Status {
		return fmt.Errorf("status %s, expected %s", r.Status, exp.Status)
	}
	if exp.ExitCode != nil {
		if r.ExitCode == nil {
			return fmt.Errorf("no exit status, expected %d", *exp.ExitCode)
		}
		if *r.ExitCode != *exp.ExitCode {
			return fmt.Errorf("exit status %d, expected %d", *r.ExitCode, *exp.ExitCode)
		}
	}
	return nil
}

// Runner executes scenarios.
type Runner struct {
	logger *slog.Logger
	opts   Options
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger, opts Options) *Runner {
	return &Runner{logger: logger, opts: opts}
}

// Run validates, compiles and executes s. The error is non-nil only when the
// scenario could not be started at all; how the run ended is in the Result.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Result, error) {
	if apiErr := NewValidator(r.logger).Validate(s, r.opts); apiErr != nil {
		return nil, apiErr
	}
	prog, err := compileScenario(s, r.opts, r.logger)
	if err != nil {
		return nil, err
	}

	res := &Result{Scenario: s.Name, Rate: r.opts.rate(s)}
	rec := trace.NewRecorder()
	hook := app.NewChanExit()
	opts := []dispatch.Option{
		dispatch.WithObserver(rec),
		dispatch.WithExitHook(hook),
		dispatch.WithPanicPolicy(r.opts.PanicPolicy),
	}

	stop := context.AfterFunc(ctx, func() { prog.engine.interrupt("run cancelled") })
	defer stop()

	var d *dispatch.Dispatcher
	if r.opts.Realtime {
		d, err = r.runRealtime(ctx, s, prog, opts, res)
	} else {
		d, err = r.runSimulated(ctx, s, prog, opts, res)
	}

	res.Events = rec.Events()
	if d != nil {
		res.Tasks = d.Tasks()
		if at, ok := d.NextDeadline(); ok {
			r.logger.Debug("spawns still scheduled at end of run", "scenario", s.Name, "next_deadline", uint32(at))
		}
	}
	res.Resources = make(map[string]any, len(prog.resources))
	for name, rsc := range prog.resources {
		res.Resources[name] = rsc.Value()
	}
	select {
	case code := <-hook.C:
		res.ExitCode = &code
	default:
	}
	res.finish(err)

	r.logger.Info("scenario finished",
		"scenario", s.Name, "status", res.Status, "ticks", res.Ticks,
		"elapsed", res.Elapsed().String(), "events", len(res.Events))
	return res, nil
}

// Elapsed is the run length in wall-clock time at the scenario's tick rate.
func (res *Result) Elapsed() time.Duration {
	return res.Rate.Std(clock.Duration(res.Ticks))
}

func (res *Result) finish(err error) {
	res.Err = err
	var exitErr *model.ExitError
	var panicErr *model.PanicError
	switch {
	case err == nil:
		res.Status = model.RunStatusCompleted
	case errors.As(err, &exitErr):
		res.Status = model.RunStatusExited
		code := exitErr.Code
		res.ExitCode = &code
	case errors.As(err, &panicErr):
		res.Status = model.RunStatusHalted
	default:
		res.Status = model.RunStatusFailed
	}
}

// runSimulated steps a manual clock one tick at a time: deliver the tick's
// events, fire the timer interrupt, dispatch until quiescent.
func (r *Runner) runSimulated(ctx context.Context, s *Scenario, prog *program, opts []dispatch.Option, res *Result) (*dispatch.Dispatcher, error) {
	start := clock.Instant(s.StartTick)
	clk := clock.NewManual(r.opts.rate(s), start)
	logger := logging.WithTicks(r.logger, func() uint32 { return uint32(clk.Now()) })

	d, err := prog.app.Start(ctx, platform.NewSim(), clk, logger, opts...)
	if err != nil {
		return nil, err
	}
	clk.OnTick(func(clock.Instant) { d.TimerInterrupt() })

	events := timeline(s.Events)
	next := 0
	for elapsed := uint32(0); ; elapsed++ {
		for next < len(events) && events[next].At == elapsed {
			r.deliver(d, events[next])
			next++
		}
		if err := d.Drain(); err != nil {
			res.Ticks = elapsed
			return d, err
		}
		if err := ctx.Err(); err != nil {
			res.Ticks = elapsed
			return d, err
		}
		if elapsed == s.RunFor {
			res.Ticks = elapsed
			return d, nil
		}
		clk.Step()
	}
}

// runRealtime drives the dispatcher from a wall-clock ticker. Events and
// timer interrupts arrive asynchronously from the ticker goroutine.
func (r *Runner) runRealtime(ctx context.Context, s *Scenario, prog *program, opts []dispatch.Option, res *Result) (*dispatch.Dispatcher, error) {
	start := clock.Instant(s.StartTick)
	clk := clock.NewSystick(r.opts.rate(s), start)
	logger := logging.WithTicks(r.logger, func() uint32 { return uint32(clk.Now()) })

	d, err := prog.app.Start(ctx, platform.NewSim(), clk, logger, opts...)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := timeline(s.Events)
	done := make(chan struct{})
	go func() {
		defer close(done)
		next := 0
		_ = clk.Run(runCtx, func(now clock.Instant) {
			if d.Halted() {
				cancel()
				return
			}
			elapsed := uint32(now.Sub(start))
			for next < len(events) && events[next].At <= elapsed {
				r.deliver(d, events[next])
				next++
			}
			d.TimerInterrupt()
			if elapsed >= s.RunFor {
				cancel()
			}
		})
	}()

	err = d.Run(runCtx)
	cancel()
	<-done
	res.Ticks = uint32(clk.Now().Sub(start))
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		err = nil
	}
	return d, err
}

func (r *Runner) deliver(d *dispatch.Dispatcher, ev EventSpec) {
	var err error
	switch ev.Action() {
	case "interrupt":
		err = d.Interrupt(model.Vector(ev.Interrupt))
	case "spawn":
		err = d.Spawn(model.TaskID(ev.Spawn), ev.Payload)
	case "cancel":
		_, err = d.Cancel(model.TaskID(ev.Cancel))
	}
	if err != nil {
		r.logger.Warn("event not delivered", "at", ev.At, "action", ev.Action(), "error", err)
	}
}

// timeline returns the events ordered by tick, keeping file order within a
// tick.
func timeline(events []EventSpec) []EventSpec {
	out := append([]EventSpec(nil), events...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At < out[j].At })
	return out
}
