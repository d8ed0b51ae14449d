package scenario

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/me/rtdispatch/internal/dispatch"
	"github.com/me/rtdispatch/internal/trace"
	"github.com/me/rtdispatch/pkg/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParse(t *testing.T, doc string) *Scenario {
	t.Helper()
	s, err := NewParser(discardLogger()).Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return s
}

func run(t *testing.T, s *Scenario, opts Options) *Result {
	t.Helper()
	res, err := NewRunner(discardLogger(), opts).Run(context.Background(), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func checkTrace(t *testing.T, events []model.Event) {
	t.Helper()
	if err := trace.CheckPriorityOrder(events); err != nil {
		t.Errorf("priority order: %v", err)
	}
	if err := trace.CheckMutualExclusion(events); err != nil {
		t.Errorf("mutual exclusion: %v", err)
	}
}

func TestParser_ParseFile(t *testing.T) {
	s, err := NewParser(discardLogger()).ParseFile("testdata/sensor.yaml")
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if s.Name != "sensor-alarm" || s.RunFor != 10 || s.MaxPriority != 4 {
		t.Errorf("header = %q %d %d", s.Name, s.RunFor, s.MaxPriority)
	}
	if len(s.Tasks) != 3 || s.Tasks[2].Binds != "EXTI0" {
		t.Errorf("tasks = %+v", s.Tasks)
	}
	if len(s.Events) != 4 || s.Events[3].Action() != "spawn" {
		t.Errorf("events = %+v", s.Events)
	}
	cfg, ok := s.Resources[0].Initial.(map[string]any)
	if !ok || cfg["threshold"] != 50 {
		t.Errorf("config initial = %#v", s.Resources[0].Initial)
	}
}

func TestParser_RejectsUnknownFields(t *testing.T) {
	_, err := NewParser(discardLogger()).Parse([]byte("name: x\nrun_for: 1\ntasks: []\npriorty: 3\n"))
	if err == nil || !strings.Contains(err.Error(), "priorty") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestValidator_Validate(t *testing.T) {
	base := `
name: v
run_for: 10
dispatchers: [SWI0]
tasks:
  - id: a
    priority: 1
    script: "log('info', 'a')"
  - id: irq
    priority: 2
    binds: EXTI0
    script: "log('info', 'irq')"
`
	tests := []struct {
		name    string
		extra   string
		mutate  func(*Scenario)
		wantErr string
	}{
		{name: "valid"},
		{name: "missing name", mutate: func(s *Scenario) { s.Name = "" }, wantErr: "name is required"},
		{name: "zero run_for", mutate: func(s *Scenario) { s.RunFor = 0 }, wantErr: "run_for must be at least one tick"},
		{name: "missing script", mutate: func(s *Scenario) { s.Tasks[0].Script = "" }, wantErr: "script is required"},
		{
			name:    "two actions",
			extra:   "events:\n  - at: 1\n    spawn: a\n    interrupt: EXTI0\n",
			wantErr: "exactly one of interrupt, spawn or cancel",
		},
		{
			name:    "event after run_for",
			extra:   "events:\n  - at: 11\n    spawn: a\n",
			wantErr: "tick 11 is after run_for 10",
		},
		{
			name:    "unbound vector",
			extra:   "events:\n  - at: 1\n    interrupt: EXTI9\n",
			wantErr: `no task binds "EXTI9"`,
		},
		{
			name:    "spawn hardware task",
			extra:   "events:\n  - at: 1\n    spawn: irq\n",
			wantErr: `"irq" is not a software task`,
		},
		{
			name:    "init spawn unknown",
			extra:   "init:\n  spawn:\n    - task: ghost\n",
			wantErr: `"ghost" is not a software task`,
		},
		{
			name:    "table error",
			mutate:  func(s *Scenario) { s.Tasks[0].Priority = 0 },
			wantErr: "priority 0 outside 1..8",
		},
		{
			name:    "unknown resource",
			mutate:  func(s *Scenario) { s.Tasks[0].Shared = []string{"nope"} },
			wantErr: `unknown resource "nope"`,
		},
		{
			name:    "unknown expected status",
			extra:   "expect:\n  status: FINE\n",
			wantErr: `unknown status "FINE"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustParse(t, base+tt.extra)
			if tt.mutate != nil {
				tt.mutate(s)
			}
			apiErr := NewValidator(discardLogger()).Validate(s, Options{})
			if tt.wantErr == "" {
				if apiErr != nil {
					t.Fatalf("unexpected error: %+v", apiErr.Details)
				}
				return
			}
			if apiErr == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			for _, fe := range apiErr.Details {
				if strings.Contains(fe.Message, tt.wantErr) {
					return
				}
			}
			t.Errorf("no detail contains %q: %+v", tt.wantErr, apiErr.Details)
		})
	}
}

func TestRunner_SensorAlarm(t *testing.T) {
	s, err := NewParser(discardLogger()).ParseFile("testdata/sensor.yaml")
	if err != nil {
		t.Fatal(err)
	}
	res := run(t, s, Options{})

	if res.Status != model.RunStatusCompleted || res.Err != nil {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if err := res.Check(s.Expect); err != nil {
		t.Error(err)
	}
	if res.Ticks != 10 {
		t.Errorf("Ticks = %d, want 10", res.Ticks)
	}
	if got := res.Elapsed(); got != 10*time.Millisecond {
		t.Errorf("Elapsed = %s, want 10ms at 1 kHz", got)
	}
	checkTrace(t, res.Events)

	cfg := res.Resources["config"].(map[string]any)
	if cfg["samples"] != int64(3) {
		t.Errorf("samples = %#v, want 3", cfg["samples"])
	}
	if res.Resources["log_lines"] != int64(2) {
		t.Errorf("log_lines = %#v, want 2", res.Resources["log_lines"])
	}

	// The first alarm_check starts only after the logger released config.
	var released bool
	for _, ev := range res.Events {
		if ev.Kind == model.EventUnlock && ev.Task == "logger" && ev.Resource == "config" {
			released = true
		}
		if ev.Kind == model.EventStart && ev.Task == "alarm_check" {
			if !released {
				t.Fatalf("alarm_check started at event %d while logger held config", ev.Seq)
			}
			break
		}
	}
}

func TestRunner_Exit(t *testing.T) {
	s := mustParse(t, `
name: exit
run_for: 20
dispatchers: [SWI0]
tasks:
  - id: main
    priority: 1
    script: |
      if (payload === "done") { exit(3); }
      spawnAfter("main", 2, "done");
init:
  spawn:
    - task: main
expect:
  status: EXITED
  exit_code: 3
`)
	res := run(t, s, Options{})
	if err := res.Check(s.Expect); err != nil {
		t.Fatalf("%v (err %v)", err, res.Err)
	}
	if res.Ticks != 2 {
		t.Errorf("Ticks = %d, want 2", res.Ticks)
	}
}

func TestRunner_ScriptExceptionHalts(t *testing.T) {
	s := mustParse(t, `
name: fault
run_for: 5
dispatchers: [SWI0]
tasks:
  - id: bad
    priority: 1
    script: "throw new Error('sensor unplugged');"
events:
  - at: 2
    spawn: bad
`)
	res := run(t, s, Options{})
	var perr *model.PanicError
	if res.Status != model.RunStatusHalted || !errors.As(res.Err, &perr) {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if perr.Task != "bad" || !strings.Contains(perr.Error(), "sensor unplugged") {
		t.Errorf("PanicError = %v", perr)
	}
	if res.ExitCode == nil || *res.ExitCode != dispatch.ExitFailure {
		t.Errorf("ExitCode = %v, want %d", res.ExitCode, dispatch.ExitFailure)
	}
	if res.Ticks != 2 {
		t.Errorf("Ticks = %d, want 2", res.Ticks)
	}
}

func TestRunner_CaughtLockExceptionStillReleases(t *testing.T) {
	s := mustParse(t, `
name: caught
run_for: 2
dispatchers: [SWI0, SWI1]
resources:
  - name: config
    initial: 0
tasks:
  - id: sensor_poll
    priority: 2
    shared: [config]
    script: |
      try {
        lock("config", function(v) {
          spawn("alarm_check", null);
          throw new Error("bad sample");
        });
      } catch (e) {
        log("warn", "sample dropped");
      }
      lock("config", function(v) { return v + 1; });
  - id: alarm_check
    priority: 3
    shared: [config]
    script: |
      lock("config", function(v) { return v * 10; });
init:
  spawn:
    - task: sensor_poll
expect:
  status: COMPLETED
`)
	res := run(t, s, Options{})
	if err := res.Check(s.Expect); err != nil {
		t.Fatalf("%v (err = %v)", err, res.Err)
	}
	checkTrace(t, res.Events)

	// alarm_check runs as soon as the first lock is released, before the
	// sensor records its second sample.
	if res.Resources["config"] != int64(1) {
		t.Errorf("config = %#v, want 1", res.Resources["config"])
	}
	var alarmStart, secondLock int
	locks := 0
	for _, ev := range res.Events {
		switch {
		case ev.Kind == model.EventStart && ev.Task == "alarm_check":
			alarmStart = ev.Seq
		case ev.Kind == model.EventLock && ev.Task == "sensor_poll":
			locks++
			if locks == 2 {
				secondLock = ev.Seq
			}
		}
	}
	if alarmStart == 0 || secondLock == 0 || alarmStart > secondLock {
		t.Errorf("alarm_check started at %d, sensor_poll relocked at %d", alarmStart, secondLock)
	}
}

func TestRunner_UndeclaredLockHalts(t *testing.T) {
	s := mustParse(t, `
name: undeclared
run_for: 3
dispatchers: [SWI0]
resources:
  - name: config
    initial: 1
tasks:
  - id: owner
    priority: 1
    shared: [config]
    script: "lock('config', function(v) { return v; });"
  - id: sneaky
    priority: 1
    script: "lock('config', function(v) { return v + 1; });"
init:
  spawn:
    - task: sneaky
`)
	res := run(t, s, Options{})
	if res.Status != model.RunStatusHalted || !strings.Contains(res.Err.Error(), "access not declared") {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if res.Resources["config"] != 1 {
		t.Errorf("config = %#v, want untouched 1", res.Resources["config"])
	}
}

func TestRunner_BringUpFailure(t *testing.T) {
	s := mustParse(t, `
name: no-clock
run_for: 3
bringup_error: HSE oscillator did not start
dispatchers: [SWI0]
tasks:
  - id: a
    priority: 1
    script: "log('info', 'never')"
`)
	res := run(t, s, Options{})
	var bu *model.BringUpError
	if res.Status != model.RunStatusFailed || !errors.As(res.Err, &bu) {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if len(res.Events) != 0 {
		t.Errorf("events recorded after failed bring-up: %d", len(res.Events))
	}
}

func TestRunner_QueueFullFromTimeline(t *testing.T) {
	s := mustParse(t, `
name: burst
run_for: 3
dispatchers: [SWI0]
resources:
  - name: runs
    initial: 0
tasks:
  - id: a
    priority: 1
    shared: [runs]
    script: "lock('runs', function(n) { return n + 1; });"
events:
  - at: 1
    spawn: a
  - at: 1
    spawn: a
`)
	res := run(t, s, Options{})
	if res.Status != model.RunStatusCompleted {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if res.Resources["runs"] != int64(1) {
		t.Errorf("runs = %#v, want 1", res.Resources["runs"])
	}
	if n := len(trace.Filter(res.Events, model.EventRejected)); n != 1 {
		t.Errorf("rejected = %d, want 1", n)
	}

	res = run(t, s, Options{Capacity: 2})
	if res.Resources["runs"] != int64(2) {
		t.Errorf("with capacity 2, runs = %#v, want 2", res.Resources["runs"])
	}
}

func TestRunner_SpawnAfterAcrossWrap(t *testing.T) {
	s := mustParse(t, `
name: wrap
run_for: 8
start_tick: 4294967294
dispatchers: [SWI0]
resources:
  - name: seen
    initial: null
tasks:
  - id: late
    priority: 1
    shared: [seen]
    script: "lock('seen', function() { return now(); });"
init:
  spawn:
    - task: late
      after: 5
`)
	res := run(t, s, Options{})
	if res.Status != model.RunStatusCompleted {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if res.Resources["seen"] != int64(3) {
		t.Errorf("ran at %#v, want tick 3 after the wrap", res.Resources["seen"])
	}
}

func TestRunner_InitScript(t *testing.T) {
	s := mustParse(t, `
name: init-script
run_for: 2
dispatchers: [SWI0]
peripherals:
  uart: USART2
resources:
  - name: config
    initial: null
tasks:
  - id: report
    priority: 1
    shared: [config]
    script: |
      lock('config', function(cfg) { cfg.port = payload; });
init:
  script: |
    set("config", {baud: 115200});
    spawn("report", peripherals.uart);
`)
	res := run(t, s, Options{})
	if res.Status != model.RunStatusCompleted {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	cfg, ok := res.Resources["config"].(map[string]any)
	if !ok || cfg["port"] != "USART2" || cfg["baud"] != int64(115200) {
		t.Errorf("config = %#v", res.Resources["config"])
	}
}

func TestRunner_CompileError(t *testing.T) {
	s := mustParse(t, `
name: broken
run_for: 1
dispatchers: [SWI0]
tasks:
  - id: a
    priority: 1
    script: "lock('x', function( {"
`)
	_, err := NewRunner(discardLogger(), Options{}).Run(context.Background(), s)
	if err == nil || !strings.Contains(err.Error(), "compile tasks.a") {
		t.Fatalf("err = %v, want compile error", err)
	}
}

func TestRunner_Realtime(t *testing.T) {
	s := mustParse(t, `
name: realtime
rate_hz: 1000
run_for: 2000
dispatchers: [SWI0]
resources:
  - name: idle_loops
    initial: 0
tasks:
  - id: main
    priority: 1
    script: "exit(0);"
idle:
  shared: [idle_loops]
  script: "lock('idle_loops', function(n) { return n + 1; });"
events:
  - at: 5
    spawn: main
`)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := NewRunner(discardLogger(), Options{Realtime: true}).Run(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.RunStatusExited || res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("status = %s, exit = %v, err = %v", res.Status, res.ExitCode, res.Err)
	}
	if n, _ := res.Resources["idle_loops"].(int64); n < 1 {
		t.Errorf("idle_loops = %#v, want at least one idle iteration", res.Resources["idle_loops"])
	}
	checkTrace(t, res.Events)
}

func TestResult_Check(t *testing.T) {
	zero, three := 0, 3
	res := &Result{Status: model.RunStatusExited, ExitCode: &three}
	tests := []struct {
		exp     *Expectation
		wantErr bool
	}{
		{nil, false},
		{&Expectation{Status: "EXITED"}, false},
		{&Expectation{Status: "COMPLETED"}, true},
		{&Expectation{ExitCode: &three}, false},
		{&Expectation{ExitCode: &zero}, true},
	}
	for i, tt := range tests {
		if err := res.Check(tt.exp); (err != nil) != tt.wantErr {
			t.Errorf("case %d: Check = %v, wantErr %v", i, err, tt.wantErr)
		}
	}
}
