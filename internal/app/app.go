// Package app wires board bring-up, the init routine and the dispatcher into
// one start-up sequence.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/rtdispatch/internal/arbiter"
	"github.com/me/rtdispatch/internal/clock"
	"github.com/me/rtdispatch/internal/dispatch"
	"github.com/me/rtdispatch/internal/platform"
	"github.com/me/rtdispatch/pkg/model"
)

// Peripherals are the device handles produced by bring-up.
type Peripherals map[string]any

// BringUpFunc configures clocks and peripherals. It runs once, before the
// dispatcher exists.
type BringUpFunc func(ctx context.Context) (Peripherals, error)

// InitFunc runs after bring-up with every interrupt masked. Spawns it makes
// become pending and are dispatched once it returns.
type InitFunc func(ic *InitContext) error

// App is a task table plus its start-up collaborators.
type App struct {
	Name    string
	Table   *dispatch.Table
	BringUp BringUpFunc
	Init    InitFunc
}

// InitContext is handed to the init routine.
type InitContext struct {
	d           *dispatch.Dispatcher
	Peripherals Peripherals
}

// Now reads the monotonic clock.
func (ic *InitContext) Now() clock.Instant { return ic.d.Clock().Now() }

// Spawn makes a software task pending.
func (ic *InitContext) Spawn(id model.TaskID, payload any) error {
	return ic.d.Spawn(id, payload)
}

// SpawnAfter schedules a software task.
func (ic *InitContext) SpawnAfter(id model.TaskID, after clock.Duration, payload any) (*dispatch.Handle, error) {
	return ic.d.SpawnAfter(id, after, payload)
}

// Pend raises a hardware interrupt.
func (ic *InitContext) Pend(v model.Vector) error {
	return ic.d.Interrupt(v)
}

// Resource looks up a shared resource so init can seed its value.
func (ic *InitContext) Resource(name string) (arbiter.Shared, bool) {
	return ic.d.Arbiter().Resource(name)
}

// Start brings the board up, builds the dispatcher and runs init. The
// returned dispatcher has not dispatched anything yet.
func (a *App) Start(ctx context.Context, p platform.Platform, clk clock.Monotonic, logger *slog.Logger, opts ...dispatch.Option) (*dispatch.Dispatcher, error) {
	logger = logger.With("component", "app")

	var periph Peripherals
	if a.BringUp != nil {
		var err error
		periph, err = a.BringUp(ctx)
		if err != nil {
			logger.Error("bring-up failed", "app", a.Name, "error", err)
			return nil, &model.BringUpError{Err: err}
		}
	}

	d, err := dispatch.New(a.Table, p, clk, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	if a.Init != nil {
		if err := a.runInit(p, &InitContext{d: d, Peripherals: periph}); err != nil {
			return nil, fmt.Errorf("init: %w", err)
		}
	}
	logger.Info("started", "app", a.Name, "tasks", len(a.Table.Tasks), "pending", d.Pending())
	return d, nil
}

// Run starts the app and dispatches until ctx is done or the session ends.
func (a *App) Run(ctx context.Context, p platform.Platform, clk clock.Monotonic, logger *slog.Logger, opts ...dispatch.Option) error {
	d, err := a.Start(ctx, p, clk, logger, opts...)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// runInit runs Init with dispatch masked. The mask is restored even when
// Init panics.
func (a *App) runInit(p platform.Platform, ic *InitContext) error {
	prev := p.RaiseCeiling(maxLevel(a.Table))
	defer p.Restore(prev)
	return a.Init(ic)
}

func maxLevel(t *dispatch.Table) model.Priority {
	if t.MaxPriority == 0 {
		return dispatch.DefaultMaxPriority
	}
	return t.MaxPriority
}
