// Package runs executes scenarios and records them in the trace store.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/rtdispatch/internal/config"
	"github.com/me/rtdispatch/internal/dispatch"
	"github.com/me/rtdispatch/internal/scenario"
	"github.com/me/rtdispatch/internal/store"
	"github.com/me/rtdispatch/pkg/model"
)

// NewID returns a fresh run identifier.
func NewID() string {
	return "run_" + uuid.New().String()
}

// OptionsFromConfig converts run settings to scenario runner options.
func OptionsFromConfig(cfg config.RunConfig) (scenario.Options, error) {
	policy, err := dispatch.ParsePanicPolicy(cfg.PanicPolicy)
	if err != nil {
		return scenario.Options{}, err
	}
	return scenario.Options{
		RateHz:      cfg.RateHz,
		MaxPriority: cfg.MaxPriority,
		Capacity:    cfg.Capacity,
		PanicPolicy: policy,
		Realtime:    cfg.Realtime,
	}, nil
}

// Service runs scenarios. With a store attached every run is recorded.
type Service struct {
	store  store.Store
	runner *scenario.Runner
	logger *slog.Logger
}

// NewService creates a Service. st may be nil to run without recording.
func NewService(st store.Store, opts scenario.Options, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		runner: scenario.NewRunner(logger, opts),
		logger: logger.With("component", "runs"),
	}
}

// Execute runs s and, when a store is attached, records the run and its
// trace. The returned run is nil when nothing was recorded. An error means
// the scenario could not be started or the record could not be written.
func (svc *Service) Execute(ctx context.Context, s *scenario.Scenario) (*model.Run, *scenario.Result, error) {
	var run *model.Run
	if svc.store != nil {
		run = &model.Run{
			ID:        NewID(),
			Scenario:  s.Name,
			Status:    model.RunStatusRunning,
			Labels:    s.Labels,
			CreatedAt: time.Now().UTC(),
		}
		if err := svc.store.CreateRun(ctx, run); err != nil {
			return nil, nil, fmt.Errorf("create run: %w", err)
		}
	}

	res, err := svc.runner.Run(ctx, s)
	if err != nil {
		if run != nil {
			svc.abandon(run, err)
		}
		return nil, nil, err
	}
	if run == nil {
		return nil, res, nil
	}

	// The run context may be done by now; the record is still written.
	wctx := context.WithoutCancel(ctx)
	if err := svc.store.AppendEvents(wctx, run.ID, res.Events); err != nil {
		return run, res, fmt.Errorf("append events: %w", err)
	}
	run.Status = res.Status
	run.ExitCode = res.ExitCode
	run.Ticks = res.Ticks
	run.EventCount = len(res.Events)
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	if err := svc.store.FinishRun(wctx, run); err != nil {
		return run, res, fmt.Errorf("finish run: %w", err)
	}
	svc.logger.Info("run recorded", "id", run.ID, "scenario", run.Scenario, "status", run.Status, "events", run.EventCount)
	return run, res, nil
}

// abandon marks a run that never started as failed.
func (svc *Service) abandon(run *model.Run, cause error) {
	run.Status = model.RunStatusFailed
	run.Error = cause.Error()
	if err := svc.store.FinishRun(context.Background(), run); err != nil {
		svc.logger.Warn("could not mark run failed", "id", run.ID, "error", err)
	}
}
