// Package scenario loads YAML scenario files (a task table, scripted task
// bodies and a timeline of external triggers) and runs them against the
// dispatcher.
package scenario

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one parsed scenario file.
type Scenario struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	RateHz      uint32            `yaml:"rate_hz,omitempty"`
	StartTick   uint32            `yaml:"start_tick,omitempty"`
	MaxPriority uint8             `yaml:"max_priority,omitempty"`
	Dispatchers []string          `yaml:"dispatchers,omitempty"`
	Peripherals map[string]any    `yaml:"peripherals,omitempty"`
	BringUpFail string            `yaml:"bringup_error,omitempty"`
	Resources   []ResourceSpec    `yaml:"resources,omitempty"`
	Tasks       []TaskSpec        `yaml:"tasks"`
	Idle        *IdleSpec         `yaml:"idle,omitempty"`
	Init        *InitSpec         `yaml:"init,omitempty"`
	Events      []EventSpec       `yaml:"events,omitempty"`
	RunFor      uint32            `yaml:"run_for"`
	Expect      *Expectation      `yaml:"expect,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

// ResourceSpec declares a shared resource and its initial value.
type ResourceSpec struct {
	Name    string `yaml:"name"`
	Initial any    `yaml:"initial"`
	Ceiling uint8  `yaml:"ceiling,omitempty"`
}

// TaskSpec declares one task. A task with Binds is hardware-triggered;
// otherwise it is spawned by software.
type TaskSpec struct {
	ID       string   `yaml:"id"`
	Priority uint8    `yaml:"priority"`
	Binds    string   `yaml:"binds,omitempty"`
	Shared   []string `yaml:"shared,omitempty"`
	Local    any      `yaml:"local,omitempty"`
	Capacity int      `yaml:"capacity,omitempty"`
	Script   string   `yaml:"script"`
}

// IdleSpec declares the idle body.
type IdleSpec struct {
	Shared []string `yaml:"shared,omitempty"`
	Local  any      `yaml:"local,omitempty"`
	Spin   bool     `yaml:"spin,omitempty"`
	Script string   `yaml:"script,omitempty"`
}

// InitSpec is what runs before dispatch starts.
type InitSpec struct {
	Spawn  []SpawnSpec `yaml:"spawn,omitempty"`
	Script string      `yaml:"script,omitempty"`
}

// SpawnSpec is a software spawn made by init, optionally deferred.
type SpawnSpec struct {
	Task    string `yaml:"task"`
	After   uint32 `yaml:"after,omitempty"`
	Payload any    `yaml:"payload,omitempty"`
}

// EventSpec is an external trigger delivered at a tick offset from the
// start of the run. Exactly one of Interrupt, Spawn and Cancel is set.
type EventSpec struct {
	At        uint32 `yaml:"at"`
	Interrupt string `yaml:"interrupt,omitempty"`
	Spawn     string `yaml:"spawn,omitempty"`
	Cancel    string `yaml:"cancel,omitempty"`
	Payload   any    `yaml:"payload,omitempty"`
}

// Expectation describes how a run is supposed to end.
type Expectation struct {
	Status   string `yaml:"status,omitempty"`
	ExitCode *int   `yaml:"exit_code,omitempty"`
}

// Action names the trigger an event carries.
func (e EventSpec) Action() string {
	switch {
	case e.Interrupt != "":
		return "interrupt"
	case e.Spawn != "":
		return "spawn"
	case e.Cancel != "":
		return "cancel"
	}
	return ""
}

// Parser reads scenario files.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a Parser with the given logger.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{logger: logger.With("component", "scenario-parser")}
}

// Parse decodes a scenario document. Unknown keys are rejected.
func (p *Parser) Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := decodeStrict(data, &s); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	p.logger.Debug("parsed scenario", "name", s.Name, "tasks", len(s.Tasks), "events", len(s.Events))
	return &s, nil
}

// ParseFile reads and decodes the scenario at path.
func (p *Parser) ParseFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := p.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}
