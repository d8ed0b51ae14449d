package scenario

import (
	"fmt"
	"log/slog"

	"github.com/me/rtdispatch/internal/dispatch"
	"github.com/me/rtdispatch/pkg/model"
)

// Validator performs semantic validation on a parsed Scenario.
type Validator struct {
	logger *slog.Logger
}

// NewValidator creates a Validator with the given logger.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{logger: logger.With("component", "scenario-validator")}
}

// Validate checks a scenario, including its task table.
// Returns nil if valid, or an *model.APIError with FieldError details.
func (v *Validator) Validate(s *Scenario, opts Options) *model.APIError {
	var errs []model.FieldError

	errs = append(errs, v.validateHeader(s)...)
	errs = append(errs, v.validateScripts(s)...)
	errs = append(errs, v.validateInit(s)...)
	errs = append(errs, v.validateEvents(s)...)
	errs = append(errs, v.validateTable(s, opts)...)

	if len(errs) == 0 {
		return nil
	}
	v.logger.Debug("scenario invalid", "name", s.Name, "errors", len(errs))
	return model.NewValidationError("scenario validation failed", errs...)
}

func (v *Validator) validateHeader(s *Scenario) []model.FieldError {
	var errs []model.FieldError
	if s.Name == "" {
		errs = append(errs, model.FieldError{Field: "name", Message: "name is required"})
	}
	if s.RunFor == 0 {
		errs = append(errs, model.FieldError{Field: "run_for", Message: "run_for must be at least one tick"})
	}
	if len(s.Tasks) == 0 {
		errs = append(errs, model.FieldError{Field: "tasks", Message: "at least one task is required"})
	}
	if s.Expect != nil && s.Expect.Status != "" {
		switch model.RunStatus(s.Expect.Status) {
		case model.RunStatusCompleted, model.RunStatusExited, model.RunStatusHalted, model.RunStatusFailed:
		default:
			errs = append(errs, model.FieldError{Field: "expect.status", Message: fmt.Sprintf("unknown status %q", s.Expect.Status)})
		}
	}
	return errs
}

func (v *Validator) validateScripts(s *Scenario) []model.FieldError {
	var errs []model.FieldError
	for _, ts := range s.Tasks {
		if ts.Script == "" {
			errs = append(errs, model.FieldError{
				Field:   fmt.Sprintf("tasks.%s.script", ts.ID),
				Message: "script is required",
			})
		}
	}
	return errs
}

// indexTasks returns the software task ids and the bound vectors.
func indexTasks(s *Scenario) (software map[string]bool, vectors map[string]bool) {
	software = make(map[string]bool)
	vectors = make(map[string]bool)
	for _, ts := range s.Tasks {
		if ts.Binds == "" {
			software[ts.ID] = true
		} else {
			vectors[ts.Binds] = true
		}
	}
	return software, vectors
}

func (v *Validator) validateInit(s *Scenario) []model.FieldError {
	if s.Init == nil {
		return nil
	}
	software, _ := indexTasks(s)
	var errs []model.FieldError
	for i, sp := range s.Init.Spawn {
		if !software[sp.Task] {
			errs = append(errs, model.FieldError{
				Field:   fmt.Sprintf("init.spawn[%d].task", i),
				Message: fmt.Sprintf("%q is not a software task", sp.Task),
			})
		}
	}
	return errs
}

func (v *Validator) validateEvents(s *Scenario) []model.FieldError {
	software, vectors := indexTasks(s)
	var errs []model.FieldError
	for i, ev := range s.Events {
		field := fmt.Sprintf("events[%d]", i)
		set := 0
		for _, x := range []string{ev.Interrupt, ev.Spawn, ev.Cancel} {
			if x != "" {
				set++
			}
		}
		if set != 1 {
			errs = append(errs, model.FieldError{Field: field, Message: "exactly one of interrupt, spawn or cancel is required"})
			continue
		}
		if s.RunFor != 0 && ev.At > s.RunFor {
			errs = append(errs, model.FieldError{
				Field:   field + ".at",
				Message: fmt.Sprintf("tick %d is after run_for %d", ev.At, s.RunFor),
			})
		}
		switch ev.Action() {
		case "interrupt":
			if !vectors[ev.Interrupt] {
				errs = append(errs, model.FieldError{Field: field + ".interrupt", Message: fmt.Sprintf("no task binds %q", ev.Interrupt)})
			}
		case "spawn":
			if !software[ev.Spawn] {
				errs = append(errs, model.FieldError{Field: field + ".spawn", Message: fmt.Sprintf("%q is not a software task", ev.Spawn)})
			}
		case "cancel":
			if !software[ev.Cancel] {
				errs = append(errs, model.FieldError{Field: field + ".cancel", Message: fmt.Sprintf("%q is not a software task", ev.Cancel)})
			}
		}
	}
	return errs
}

func (v *Validator) validateTable(s *Scenario, opts Options) []model.FieldError {
	tbl, _ := table(s, opts, func(ts TaskSpec) dispatch.Body {
		if ts.Script == "" {
			return nil
		}
		return func(*dispatch.Context, any) {}
	})
	apiErr := tbl.Validate()
	if apiErr == nil {
		return nil
	}
	var errs []model.FieldError
	for _, fe := range apiErr.Details {
		if fe.Message == "task has no body" {
			continue
		}
		errs = append(errs, fe)
	}
	return errs
}
