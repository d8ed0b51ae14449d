package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/rtdispatch/internal/config"
	"github.com/me/rtdispatch/internal/runs"
	"github.com/me/rtdispatch/internal/scenario"
	"github.com/me/rtdispatch/internal/store"
	"github.com/me/rtdispatch/pkg/model"
)

const exitScenario = `
name: exit-demo
run_for: 10
dispatchers: [SWI0]
tasks:
  - id: main
    priority: 1
    script: "exit(4);"
init:
  spawn:
    - task: main
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServer(t *testing.T, opts ...Option) (*Server, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(config.DefaultServerConfig(), st, testLogger(), opts...), st
}

// seedRun stores a finished run with a short trace.
func seedRun(t *testing.T, st store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	run := &model.Run{ID: id, Scenario: "sensor-alarm", CreatedAt: time.Now().UTC()}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	events := []model.Event{
		{Seq: 1, Kind: model.EventPending, Task: "logger", Priority: 1},
		{Seq: 2, Kind: model.EventStart, Task: "logger", Priority: 1},
		{Seq: 3, Tick: 1, Kind: model.EventPending, Task: "alarm_check", Priority: 3},
		{Seq: 4, Tick: 1, Kind: model.EventEnd, Task: "logger", Priority: 1},
	}
	if err := st.AppendEvents(ctx, id, events); err != nil {
		t.Fatal(err)
	}
	run.Status = model.RunStatusCompleted
	run.Ticks = 5
	run.EventCount = len(events)
	if err := st.FinishRun(ctx, run); err != nil {
		t.Fatal(err)
	}
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return env
}

func TestDiscovery(t *testing.T) {
	srv, _ := testServer(t)
	env := do(t, srv, "GET", "/api/v1/", "", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}

	var data struct {
		Name      string `json:"name"`
		Endpoints []struct {
			Path string `json:"path"`
		} `json:"endpoints"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Name != "rtdispatch API" {
		t.Errorf("name = %q, want rtdispatch API", data.Name)
	}
	if len(data.Endpoints) < 5 {
		t.Errorf("endpoints count = %d, want >= 5", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	env := do(t, srv, "GET", "/api/v1/health", "", http.StatusOK)

	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Store != "ok" {
		t.Errorf("health = %+v", data)
	}
	if data.Runner != "disabled" {
		t.Errorf("runner = %q, want disabled", data.Runner)
	}
}

func TestRequestID_Passthrough(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req_client")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req_client" {
		t.Errorf("X-Request-ID = %q, want req_client", got)
	}
}

func TestListRuns(t *testing.T) {
	srv, st := testServer(t)
	for i := 0; i < 3; i++ {
		seedRun(t, st, fmt.Sprintf("run_%d", i))
	}

	env := do(t, srv, "GET", "/api/v1/runs?limit=2", "", http.StatusOK)
	var list []model.Run
	json.Unmarshal(env.Data, &list)
	if len(list) != 2 {
		t.Errorf("len = %d, want 2", len(list))
	}
	if env.Pagination == nil || env.Pagination.Total != 3 || !env.Pagination.HasMore {
		t.Errorf("pagination = %+v", env.Pagination)
	}

	env = do(t, srv, "GET", "/api/v1/runs?status=HALTED", "", http.StatusOK)
	if string(env.Data) != "[]" {
		t.Errorf("filtered data = %s, want []", env.Data)
	}
}

func TestGetRun(t *testing.T) {
	srv, st := testServer(t)
	seedRun(t, st, "run_a")

	env := do(t, srv, "GET", "/api/v1/runs/run_a", "", http.StatusOK)
	var run model.Run
	json.Unmarshal(env.Data, &run)
	if run.ID != "run_a" || run.Status != model.RunStatusCompleted || run.EventCount != 4 {
		t.Errorf("run = %+v", run)
	}

	env = do(t, srv, "GET", "/api/v1/runs/run_missing", "", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestDeleteRun(t *testing.T) {
	srv, st := testServer(t)
	seedRun(t, st, "run_a")

	do(t, srv, "DELETE", "/api/v1/runs/run_a", "", http.StatusOK)
	do(t, srv, "GET", "/api/v1/runs/run_a", "", http.StatusNotFound)
	do(t, srv, "DELETE", "/api/v1/runs/run_a", "", http.StatusNotFound)
}

func TestListEvents(t *testing.T) {
	srv, st := testServer(t)
	seedRun(t, st, "run_a")

	tests := []struct {
		query   string
		wantSeq []int
	}{
		{"", []int{1, 2, 3, 4}},
		{"?after=2", []int{3, 4}},
		{"?task=logger&kind=start,end", []int{2, 4}},
		{"?limit=1", []int{1}},
	}
	for _, tt := range tests {
		env := do(t, srv, "GET", "/api/v1/runs/run_a/events"+tt.query, "", http.StatusOK)
		var events []model.Event
		json.Unmarshal(env.Data, &events)
		if len(events) != len(tt.wantSeq) {
			t.Errorf("%q: len = %d, want %d", tt.query, len(events), len(tt.wantSeq))
			continue
		}
		for i, seq := range tt.wantSeq {
			if events[i].Seq != seq {
				t.Errorf("%q: event %d seq = %d, want %d", tt.query, i, events[i].Seq, seq)
			}
		}
	}

	env := do(t, srv, "GET", "/api/v1/runs/run_a/events?after=x", "", http.StatusBadRequest)
	if env.Error == nil || len(env.Error.Details) != 1 || env.Error.Details[0].Field != "after" {
		t.Errorf("error = %+v", env.Error)
	}
	do(t, srv, "GET", "/api/v1/runs/run_missing/events", "", http.StatusNotFound)
}

func TestSSEEvents_FinishedRun(t *testing.T) {
	srv, st := testServer(t, WithPollInterval(10*time.Millisecond))
	seedRun(t, st, "run_a")

	req := httptest.NewRequest("GET", "/api/v1/sse/runs/run_a/events?after=1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	body := w.Body.String()
	if n := strings.Count(body, "event: event\n"); n != 3 {
		t.Errorf("streamed %d events, want 3:\n%s", n, body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "}") || !strings.Contains(body, "event: complete\n") {
		t.Errorf("stream did not complete:\n%s", body)
	}
}

func TestValidateScenario(t *testing.T) {
	srv, _ := testServer(t)

	env := do(t, srv, "POST", "/api/v1/scenarios/validate", exitScenario, http.StatusOK)
	var data struct {
		Valid  bool               `json:"valid"`
		Errors []model.FieldError `json:"errors"`
	}
	json.Unmarshal(env.Data, &data)
	if !data.Valid || len(data.Errors) != 0 {
		t.Errorf("valid = %v errors = %v", data.Valid, data.Errors)
	}

	env = do(t, srv, "POST", "/api/v1/scenarios/validate", strings.Replace(exitScenario, "priority: 1", "priority: 0", 1), http.StatusOK)
	json.Unmarshal(env.Data, &data)
	if data.Valid || len(data.Errors) == 0 {
		t.Errorf("expected invalid, got %+v", data)
	}

	do(t, srv, "POST", "/api/v1/scenarios/validate", "name: [", http.StatusBadRequest)
}

func TestCreateRun(t *testing.T) {
	_, st := testServer(t)
	srv := New(config.DefaultServerConfig(), st, testLogger(),
		WithRunService(runs.NewService(st, scenario.Options{}, testLogger())))

	env := do(t, srv, "POST", "/api/v1/runs/", exitScenario, http.StatusCreated)
	var run model.Run
	json.Unmarshal(env.Data, &run)
	if !strings.HasPrefix(run.ID, "run_") {
		t.Errorf("id = %q, want run_ prefix", run.ID)
	}
	if run.Status != model.RunStatusExited || run.ExitCode == nil || *run.ExitCode != 4 {
		t.Errorf("run = %+v", run)
	}

	do(t, srv, "GET", "/api/v1/runs/"+run.ID, "", http.StatusOK)

	env = do(t, srv, "POST", "/api/v1/runs/", "name: x\nrun_for: 0\ntasks: []\n", http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != model.ErrValidation || len(env.Error.Details) == 0 {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestCreateRun_Disabled(t *testing.T) {
	srv, _ := testServer(t)
	do(t, srv, "POST", "/api/v1/runs/", exitScenario, http.StatusNotImplemented)
}
