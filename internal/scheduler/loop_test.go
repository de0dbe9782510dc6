package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"thermal-gate/internal/config"
	"thermal-gate/internal/lease"
	"thermal-gate/internal/models"
	"thermal-gate/internal/sensor"
	"thermal-gate/internal/store"
	"thermal-gate/internal/thermal"
)

func testRuntime() *config.Runtime {
	return config.NewRuntime(config.Tunables{
		Thresholds:   thermal.Thresholds{CeilingC: 80, IdealC: 60, RecoveryC: 65, CriticalC: 90},
		MinDwell:     5 * time.Minute,
		PollInterval: 30 * time.Second,
		WaitPoll:     10 * time.Millisecond,
	})
}

func testLoop(t *testing.T, probe *sensor.Fixed) (*Loop, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return New(st, probe, nil, nil, testRuntime()), st
}

func coolSensor() *sensor.Fixed {
	return &sensor.Fixed{Reading: thermal.ReadingAt(55, time.Now())}
}

func hotSensor() *sensor.Fixed {
	return &sensor.Fixed{Reading: thermal.ReadingAt(85, time.Now())}
}

func TestTickUnfavorableLeavesQueueUntouched(t *testing.T) {
	loop, st := testLoop(t, hotSensor())
	ctx := context.Background()
	task, err := st.Enqueue(ctx, "build", models.ActionSpec{Kind: "exec"}, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := loop.Tick(ctx, time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Outcome != OutcomeUnfavorable {
		t.Fatalf("outcome: got %s, want unfavorable", res.Outcome)
	}

	got, err := st.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("task status changed under unfavorable verdict: %s", got.Status)
	}
	history, _ := st.History(ctx, 10)
	if len(history) != 0 {
		t.Fatalf("history should be empty, got %v", history)
	}
}

func TestTickRunsNextEligible(t *testing.T) {
	loop, st := testLoop(t, coolSensor())
	ctx := context.Background()

	var ran []string
	loop.Register("record", func(_ context.Context, task models.Task) error {
		ran = append(ran, task.Name)
		return nil
	})

	if _, err := st.Enqueue(ctx, "later", models.ActionSpec{Kind: "record"}, 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := st.Enqueue(ctx, "first", models.ActionSpec{Kind: "record"}, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := loop.Tick(ctx, time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Outcome != OutcomeRan || res.TaskName != "first" || res.TaskOutcome != models.OutcomeSucceeded {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(ran) != 1 || ran[0] != "first" {
		t.Fatalf("ran: %v", ran)
	}

	// The finished task is archived; "later" is still queued.
	pending, _ := st.ListPending(ctx)
	if len(pending) != 1 || pending[0].Name != "later" {
		t.Fatalf("pending after tick: %v", pending)
	}
	history, _ := st.History(ctx, 10)
	if len(history) != 1 || history[0].Outcome != models.OutcomeSucceeded {
		t.Fatalf("history after tick: %v", history)
	}
}

func TestFailedActionRecordedNotRetried(t *testing.T) {
	loop, st := testLoop(t, coolSensor())
	ctx := context.Background()

	calls := 0
	loop.Register("flaky", func(context.Context, models.Task) error {
		calls++
		return errors.New("exit status 1")
	})
	task, err := st.Enqueue(ctx, "render", models.ActionSpec{Kind: "flaky"}, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := loop.Tick(ctx, time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Outcome != OutcomeRan || res.TaskOutcome != models.OutcomeFailed {
		t.Fatalf("unexpected result: %+v", res)
	}

	history, _ := st.History(ctx, 10)
	if len(history) != 1 {
		t.Fatalf("history: %v", history)
	}
	e := history[0]
	if e.TaskID != task.ID || e.Outcome != models.OutcomeFailed || e.Detail == "" {
		t.Fatalf("failed entry: %+v", e)
	}

	// Next tick finds an empty queue: the failure is never retried.
	res, err = loop.Tick(ctx, time.Now())
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if res.Outcome != OutcomeIdle || calls != 1 {
		t.Fatalf("failed task re-ran: outcome=%s calls=%d", res.Outcome, calls)
	}
}

func TestTickBusyWhenTaskRunning(t *testing.T) {
	loop, st := testLoop(t, coolSensor())
	ctx := context.Background()

	running, _ := st.Enqueue(ctx, "running", models.ActionSpec{Kind: "exec"}, 1)
	if err := st.MarkRunning(ctx, running.ID, time.Now()); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := st.Enqueue(ctx, "queued", models.ActionSpec{Kind: "exec"}, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := loop.Tick(ctx, time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Outcome != OutcomeBusy || res.TaskID != running.ID {
		t.Fatalf("unexpected result: %+v", res)
	}
	if depth, _ := st.CountPending(ctx); depth != 1 {
		t.Fatalf("queue depth changed: %d", depth)
	}
}

func TestSensorFailureIsUnfavorable(t *testing.T) {
	loop, st := testLoop(t, &sensor.Fixed{Err: models.ErrSensorUnavailable})
	ctx := context.Background()
	if _, err := st.Enqueue(ctx, "job", models.ActionSpec{Kind: "exec"}, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := loop.Tick(ctx, time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Outcome != OutcomeUnfavorable {
		t.Fatalf("sensor failure: got %s, want unfavorable", res.Outcome)
	}
}

func TestUnknownActionKindFailsTask(t *testing.T) {
	loop, st := testLoop(t, coolSensor())
	ctx := context.Background()
	if _, err := st.Enqueue(ctx, "mystery", models.ActionSpec{Kind: "nobody"}, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := loop.Tick(ctx, time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.TaskOutcome != models.OutcomeFailed {
		t.Fatalf("unknown kind should fail the task: %+v", res)
	}
}

func TestPreviewDoesNotMutate(t *testing.T) {
	loop, st := testLoop(t, coolSensor())
	ctx := context.Background()
	task, _ := st.Enqueue(ctx, "preview", models.ActionSpec{Kind: "exec"}, 1)

	res, err := loop.Preview(ctx, time.Now())
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if res.Outcome != OutcomeRan || res.TaskID != task.ID {
		t.Fatalf("preview result: %+v", res)
	}
	got, _ := st.Get(ctx, task.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("preview mutated task: %s", got.Status)
	}
}

func TestWaitAndRunTimesOut(t *testing.T) {
	loop, st := testLoop(t, hotSensor())
	ctx := context.Background()
	task, _ := st.Enqueue(ctx, "waits", models.ActionSpec{Kind: "exec"}, 1)

	_, err := loop.WaitAndRun(ctx, task.ID, 30*time.Millisecond)
	if !errors.Is(err, models.ErrWaitTimeout) {
		t.Fatalf("got %v, want ErrWaitTimeout", err)
	}
	got, _ := st.Get(ctx, task.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("timed-out task must stay pending, got %s", got.Status)
	}
}

func TestWaitAndRunRunsWhenAdmitted(t *testing.T) {
	probe := hotSensor()
	loop, st := testLoop(t, probe)
	ctx := context.Background()

	done := make(chan struct{})
	loop.Register("touch", func(context.Context, models.Task) error {
		close(done)
		return nil
	})
	task, _ := st.Enqueue(ctx, "gated", models.ActionSpec{Kind: "touch"}, 1)

	// Cool down after the first poll iterations.
	go func() {
		time.Sleep(25 * time.Millisecond)
		probe.Set(thermal.ReadingAt(55, time.Now()))
	}()

	res, err := loop.WaitAndRun(ctx, task.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("wait and run: %v", err)
	}
	if res.Outcome != OutcomeRan || res.TaskOutcome != models.OutcomeSucceeded {
		t.Fatalf("unexpected result: %+v", res)
	}
	select {
	case <-done:
	default:
		t.Fatalf("action was not invoked")
	}
}

func TestWaitAndRunUnknownTask(t *testing.T) {
	loop, _ := testLoop(t, coolSensor())
	_, err := loop.WaitAndRun(context.Background(), "missing", time.Second)
	if !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func leaseTestSetup(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Loop, *config.Runtime) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	ls := lease.New(client, "thermal:scheduler:lease", "daemon-a", ttl)
	rt := config.NewRuntime(config.Tunables{
		Thresholds:   thermal.Thresholds{CeilingC: 80, IdealC: 60, RecoveryC: 65, CriticalC: 90},
		MinDwell:     5 * time.Minute,
		PollInterval: ttl,
		WaitPoll:     10 * time.Millisecond,
	})
	return mr, New(store.NewMemory(), coolSensor(), nil, ls, rt), rt
}

func TestRunRenewsLeaseAheadOfExpiry(t *testing.T) {
	// TTL equal to the poll interval: renewal must not wait for a full poll
	// cycle, or the key expires before the first renew.
	mr, loop, _ := leaseTestSetup(t, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// Advance the server clock in step with real time so TTLs count down,
	// and check the loop outlives several poll cycles.
	for i := 0; i < 16; i++ {
		time.Sleep(25 * time.Millisecond)
		mr.FastForward(25 * time.Millisecond)
		select {
		case err := <-done:
			t.Fatalf("loop stopped early: %v", err)
		default:
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run exit: %v", err)
	}
}

func TestRunStopsWhenLeaseTaken(t *testing.T) {
	mr, loop, _ := leaseTestSetup(t, 60*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	if err := mr.Set("thermal:scheduler:lease", "daemon-b"); err != nil {
		t.Fatalf("steal lease: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, lease.ErrNotHeld) {
			t.Fatalf("run exit: got %v, want ErrNotHeld", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop kept running without the lease")
	}
}
