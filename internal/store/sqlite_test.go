package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/me/rtdispatch/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRun(id string) *model.Run {
	return &model.Run{
		ID:        id,
		Scenario:  "sensor-alarm",
		Status:    model.RunStatusRunning,
		Labels:    map[string]string{"board": "stm32f4"},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func sampleEvents() []model.Event {
	return []model.Event{
		{Seq: 1, Tick: 0, Kind: model.EventPending, Task: "logger", Priority: 1, Detail: "boot"},
		{Seq: 2, Tick: 0, Kind: model.EventStart, Task: "logger", Priority: 1},
		{Seq: 3, Tick: 0, Kind: model.EventLock, Task: "logger", Priority: 1, Resource: "config", Ceiling: 3},
		{Seq: 4, Tick: 1, Kind: model.EventPending, Task: "sensor_poll", Priority: 2},
		{Seq: 5, Tick: 1, Kind: model.EventUnlock, Task: "logger", Priority: 1, Resource: "config", Ceiling: 3},
		{Seq: 6, Tick: 1, Kind: model.EventEnd, Task: "logger", Priority: 1},
	}
}

// --- Migration tests ---

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// --- Run tests ---

func TestCreateAndGetRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")

	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil run")
	}
	if got.Scenario != run.Scenario {
		t.Errorf("scenario = %q, want %q", got.Scenario, run.Scenario)
	}
	if got.Status != model.RunStatusRunning {
		t.Errorf("status = %s, want RUNNING", got.Status)
	}
	if got.ExitCode != nil || got.FinishedAt != nil {
		t.Errorf("unfinished run has exit %v finished %v", got.ExitCode, got.FinishedAt)
	}
	if got.Labels["board"] != "stm32f4" {
		t.Errorf("labels = %v", got.Labels)
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, run.CreatedAt)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetRun(context.Background(), "run_nonexistent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestFinishRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	code := 3
	run.Status = model.RunStatusExited
	run.ExitCode = &code
	run.Error = "exit requested by main with status 3"
	run.Ticks = 42
	if err := st.FinishRun(ctx, run); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if run.FinishedAt == nil {
		t.Fatal("FinishedAt not set")
	}

	got, _ := st.GetRun(ctx, run.ID)
	if got.Status != model.RunStatusExited {
		t.Errorf("status = %s, want EXITED", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("exit_code = %v, want 3", got.ExitCode)
	}
	if got.Ticks != 42 || got.Error != run.Error {
		t.Errorf("ticks = %d error = %q", got.Ticks, got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not stored")
	}
}

func TestFinishRun_Errors(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	run := sampleRun("run_test-1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := st.FinishRun(ctx, run); err == nil {
		t.Error("expected error finishing with RUNNING status")
	}

	ghost := sampleRun("run_ghost")
	ghost.Status = model.RunStatusCompleted
	if err := st.FinishRun(ctx, ghost); err == nil {
		t.Error("expected error finishing unknown run")
	}
}

func TestListRuns_PaginationAndFilter(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	statuses := []model.RunStatus{model.RunStatusCompleted, model.RunStatusHalted, model.RunStatusCompleted}
	for i, status := range statuses {
		run := sampleRun(fmt.Sprintf("run_test-%d", i))
		run.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		run.Status = status
		if err := st.CreateRun(ctx, run); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	runs, total, err := st.ListRuns(ctx, model.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(runs) != 2 {
		t.Fatalf("total = %d len = %d, want 3 and 2", total, len(runs))
	}
	if runs[0].ID != "run_test-2" {
		t.Errorf("first = %s, want newest run_test-2", runs[0].ID)
	}

	runs, _, _ = st.ListRuns(ctx, model.ListOptions{Limit: 2, Offset: 2})
	if len(runs) != 1 {
		t.Errorf("page 2 len = %d, want 1", len(runs))
	}

	runs, total, err = st.ListRuns(ctx, model.ListOptions{Status: string(model.RunStatusHalted)})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if total != 1 || len(runs) != 1 || runs[0].ID != "run_test-1" {
		t.Errorf("filtered = %d %v", total, runs)
	}
}

func TestDeleteRun_CascadesEvents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendEvents(ctx, run.ID, sampleEvents()); err != nil {
		t.Fatal(err)
	}

	if err := st.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events, err := st.ListEvents(ctx, run.ID, EventQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events left after delete: %d", len(events))
	}
	if err := st.DeleteRun(ctx, run.ID); err == nil {
		t.Error("expected error deleting twice")
	}
}

// --- Event tests ---

func TestAppendAndListEvents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	want := sampleEvents()
	if err := st.AppendEvents(ctx, run.ID, want); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := st.ListEvents(ctx, run.ID, EventQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	stored, _ := st.GetRun(ctx, run.ID)
	if stored.EventCount != len(want) {
		t.Errorf("event_count = %d, want %d", stored.EventCount, len(want))
	}
}

func TestAppendEvents_DuplicateSeqRollsBack(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	events := sampleEvents()
	events = append(events, events[0])
	if err := st.AppendEvents(ctx, run.ID, events); err == nil {
		t.Fatal("expected error on duplicate seq")
	}
	got, _ := st.ListEvents(ctx, run.ID, EventQuery{})
	if len(got) != 0 {
		t.Errorf("partial batch stored: %d events", len(got))
	}
}

func TestListEvents_Query(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendEvents(ctx, run.ID, sampleEvents()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		query   EventQuery
		wantSeq []int
	}{
		{"after", EventQuery{AfterSeq: 4}, []int{5, 6}},
		{"task", EventQuery{Task: "sensor_poll"}, []int{4}},
		{"kinds", EventQuery{Kinds: []model.EventKind{model.EventLock, model.EventUnlock}}, []int{3, 5}},
		{"limit", EventQuery{Limit: 2}, []int{1, 2}},
		{"combined", EventQuery{AfterSeq: 1, Task: "logger", Limit: 2}, []int{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.ListEvents(ctx, run.ID, tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.wantSeq) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.wantSeq))
			}
			for i, seq := range tt.wantSeq {
				if got[i].Seq != seq {
					t.Errorf("event %d seq = %d, want %d", i, got[i].Seq, seq)
				}
			}
		})
	}
}
