package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"thermal-gate/internal/config"
	"thermal-gate/internal/models"
	"thermal-gate/internal/power"
	"thermal-gate/internal/scheduler"
	"thermal-gate/internal/sensor"
	"thermal-gate/internal/store"
	"thermal-gate/internal/thermal"
)

type nopApplier struct{}

func (nopApplier) Apply(context.Context, models.PowerState) error { return nil }

func testServer(t *testing.T, probe *sensor.Fixed) (*httptest.Server, *store.Memory, *scheduler.Loop) {
	t.Helper()
	st := store.NewMemory()
	controller, err := power.NewController(context.Background(), st, nopApplier{})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	rt := config.NewRuntime(config.Tunables{
		Thresholds:   thermal.Thresholds{CeilingC: 80, IdealC: 60, RecoveryC: 65, CriticalC: 90},
		MinDwell:     5 * time.Minute,
		PollInterval: 30 * time.Second,
		WaitPoll:     10 * time.Millisecond,
	})
	loop := scheduler.New(st, probe, controller, nil, rt)
	srv := httptest.NewServer(New(st, loop, controller, nil).Router())
	t.Cleanup(srv.Close)
	return srv, st, loop
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestEnqueueListCancel(t *testing.T) {
	srv, _, _ := testServer(t, &sensor.Fixed{Reading: thermal.ReadingAt(55, time.Now())})

	resp := postJSON(t, srv.URL+"/tasks", map[string]any{
		"name":     "nightly-build",
		"priority": 2,
		"action":   map[string]any{"kind": "exec", "payload": map[string]any{"argv": []string{"true"}}},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue status: %d", resp.StatusCode)
	}
	task := decodeBody[models.Task](t, resp)
	if task.ID == "" || task.Status != models.StatusPending {
		t.Fatalf("enqueue response: %+v", task)
	}

	resp, err := http.Get(srv.URL + "/tasks")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	listing := decodeBody[map[string][]models.Task](t, resp)
	if len(listing["tasks"]) != 1 || listing["tasks"][0].ID != task.ID {
		t.Fatalf("listing: %+v", listing)
	}

	resp = postJSON(t, srv.URL+"/tasks/"+task.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Cancelling again is a conflict, not a retryable error.
	resp = postJSON(t, srv.URL+"/tasks/"+task.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double cancel status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEnqueueValidation(t *testing.T) {
	srv, _, _ := testServer(t, &sensor.Fixed{Reading: thermal.ReadingAt(55, time.Now())})

	resp := postJSON(t, srv.URL+"/tasks", map[string]any{"priority": 2, "action": map[string]any{"kind": "exec"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing name: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/tasks", map[string]any{"name": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing action kind: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestReconcileOrphan(t *testing.T) {
	srv, st, _ := testServer(t, &sensor.Fixed{Reading: thermal.ReadingAt(55, time.Now())})
	ctx := context.Background()

	orphan, err := st.Enqueue(ctx, "orphan", models.ActionSpec{Kind: "exec"}, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.MarkRunning(ctx, orphan.ID, time.Now()); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	resp := postJSON(t, srv.URL+"/tasks/"+orphan.ID+"/requeue", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("requeue status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	got, _ := st.Get(ctx, orphan.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("after requeue: %s", got.Status)
	}

	// Fail path: mark running again, then fail it through the API.
	if err := st.MarkRunning(ctx, orphan.ID, time.Now()); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	resp = postJSON(t, srv.URL+"/tasks/"+orphan.ID+"/fail", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fail status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	history, _ := st.History(ctx, 10)
	if len(history) != 1 || history[0].Outcome != models.OutcomeFailed {
		t.Fatalf("history after fail: %+v", history)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, st, _ := testServer(t, &sensor.Fixed{Reading: thermal.ReadingAt(55, time.Now())})
	if _, err := st.Enqueue(context.Background(), "queued", models.ActionSpec{Kind: "exec"}, 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	status := decodeBody[map[string]any](t, resp)
	if status["power_state"] != "normal" {
		t.Fatalf("power state: %v", status["power_state"])
	}
	if status["pending_tasks"].(float64) != 1 {
		t.Fatalf("pending: %v", status["pending_tasks"])
	}
	if status["verdict"] != "acceptable" || status["temperature_c"].(float64) != 55 {
		t.Fatalf("conditions: %+v", status)
	}
}

func TestTickDryRunDoesNotRun(t *testing.T) {
	srv, st, _ := testServer(t, &sensor.Fixed{Reading: thermal.ReadingAt(55, time.Now())})
	task, _ := st.Enqueue(context.Background(), "gated", models.ActionSpec{Kind: "exec"}, 1)

	resp := postJSON(t, srv.URL+"/tick?dry_run=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dry-run status: %d", resp.StatusCode)
	}
	res := decodeBody[scheduler.TickResult](t, resp)
	if res.Outcome != scheduler.OutcomeRan || res.TaskID != task.ID {
		t.Fatalf("dry-run result: %+v", res)
	}

	got, _ := st.Get(context.Background(), task.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("dry-run mutated task: %s", got.Status)
	}
}

func TestTickRunsTask(t *testing.T) {
	srv, st, loop := testServer(t, &sensor.Fixed{Reading: thermal.ReadingAt(55, time.Now())})
	loop.Register("noop", func(context.Context, models.Task) error { return nil })
	if _, err := st.Enqueue(context.Background(), "runme", models.ActionSpec{Kind: "noop"}, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp := postJSON(t, srv.URL+"/tick", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tick status: %d", resp.StatusCode)
	}
	res := decodeBody[scheduler.TickResult](t, resp)
	if res.Outcome != scheduler.OutcomeRan || res.TaskOutcome != models.OutcomeSucceeded {
		t.Fatalf("tick result: %+v", res)
	}
	history, _ := st.History(context.Background(), 10)
	if len(history) != 1 {
		t.Fatalf("history: %+v", history)
	}
}

func TestWaitEndpointRunsTask(t *testing.T) {
	srv, st, loop := testServer(t, &sensor.Fixed{Reading: thermal.ReadingAt(55, time.Now())})
	loop.Register("exec", func(context.Context, models.Task) error { return nil })
	task, _ := st.Enqueue(context.Background(), "gated", models.ActionSpec{Kind: "exec"}, 1)

	resp := postJSON(t, srv.URL+"/tasks/"+task.ID+"/wait?max_wait=1s", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wait status: %d", resp.StatusCode)
	}
	res := decodeBody[scheduler.TickResult](t, resp)
	if res.Outcome != scheduler.OutcomeRan || res.TaskOutcome != models.OutcomeSucceeded {
		t.Fatalf("wait result: %+v", res)
	}

	history, _ := st.History(context.Background(), 10)
	if len(history) != 1 || history[0].TaskID != task.ID {
		t.Fatalf("history after wait: %+v", history)
	}
}

func TestWaitEndpointTimesOutUnderHeat(t *testing.T) {
	srv, st, _ := testServer(t, &sensor.Fixed{Reading: thermal.ReadingAt(85, time.Now())})
	task, _ := st.Enqueue(context.Background(), "gated", models.ActionSpec{Kind: "exec"}, 1)

	resp := postJSON(t, srv.URL+"/tasks/"+task.ID+"/wait?max_wait=50ms", nil)
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("wait status: %d, want 408", resp.StatusCode)
	}
	resp.Body.Close()

	got, _ := st.Get(context.Background(), task.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("task after timeout: %s", got.Status)
	}
}

func TestWaitEndpointRejectsBadDuration(t *testing.T) {
	srv, st, _ := testServer(t, &sensor.Fixed{Reading: thermal.ReadingAt(55, time.Now())})
	task, _ := st.Enqueue(context.Background(), "gated", models.ActionSpec{Kind: "exec"}, 1)

	resp := postJSON(t, srv.URL+"/tasks/"+task.ID+"/wait?max_wait=soon", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("wait status: %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}
