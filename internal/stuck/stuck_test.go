package stuck

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/steroids-run/steroids/internal/store"
)

func newStores(t *testing.T) (*store.GlobalStore, *store.ProjectStore) {
	t.Helper()
	gs, err := store.OpenGlobalSQLite(context.Background(), filepath.Join(t.TempDir(), "global.db"))
	if err != nil {
		t.Fatalf("open global: %v", err)
	}
	t.Cleanup(func() { gs.Close() })
	ps, err := store.OpenProjectSQLite(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open project: %v", err)
	}
	t.Cleanup(func() { ps.Close() })
	return gs, ps
}

var fixedNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func staleTimestamp(before time.Duration) string {
	return fixedNow.Add(-before).UTC().Format(time.RFC3339)
}

func TestOrphanedTaskDetectedWithNoRunnerAndNoInvocation(t *testing.T) {
	gs, ps := newStores(t)
	id, err := ps.InsertTask(context.Background(), store.Task{
		Title: "t", Status: store.TaskStatusInProgress,
		UpdatedAt: staleTimestamp(20 * time.Minute), CreatedAt: staleTimestamp(20 * time.Minute),
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	// seed one completed invocation so db_inconsistency doesn't also fire
	if err := ps.InsertInvocation(context.Background(), store.Invocation{
		ID: "inv-1", TaskID: id, Role: store.ActorCoder, Status: store.InvocationStatusCompleted,
	}); err != nil {
		t.Fatalf("insert invocation: %v", err)
	}

	d := &Detector{Project: ps, Global: gs, Thresholds: DefaultThresholds(), AutoRecover: true, ProcessAlive: func(int) bool { return true }}
	findings, err := d.Run(context.Background(), fixedNow, "/repo")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 1 || findings[0].Mode != store.FailureModeOrphanedTask {
		t.Fatalf("expected exactly one orphaned_task finding, got %+v", findings)
	}
	if !findings[0].Recovered {
		t.Fatalf("expected auto-recovery to have fired")
	}

	task, err := ps.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusPending {
		t.Fatalf("expected task reset to pending, got %s", task.Status)
	}
}

func TestHangingInvocationDetectedWhenRunnerActive(t *testing.T) {
	gs, ps := newStores(t)
	ctx := context.Background()
	id, err := ps.InsertTask(ctx, store.Task{
		Title: "t", Status: store.TaskStatusInProgress,
		UpdatedAt: staleTimestamp(20 * time.Minute), CreatedAt: staleTimestamp(20 * time.Minute),
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := ps.InsertInvocation(ctx, store.Invocation{
		ID: "inv-1", TaskID: id, Role: store.ActorCoder, Status: store.InvocationStatusRunning,
	}); err != nil {
		t.Fatalf("insert invocation: %v", err)
	}
	if err := gs.UpsertRunner(ctx, store.Runner{
		ID: "runner-1", Status: store.RunnerStatusRunning, PID: 12345, ProjectPath: "/repo",
		CurrentTaskID: id, StartedAt: staleTimestamp(time.Hour), HeartbeatAt: fixedNow.UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("upsert runner: %v", err)
	}

	d := &Detector{Project: ps, Global: gs, Thresholds: DefaultThresholds(), AutoRecover: false, ProcessAlive: func(int) bool { return true }}
	findings, err := d.Run(ctx, fixedNow, "/repo")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 1 || findings[0].Mode != store.FailureModeHangingInvocation {
		t.Fatalf("expected exactly one hanging_invocation finding, got %+v", findings)
	}
	if findings[0].Phase != "coder" {
		t.Fatalf("expected coder phase, got %s", findings[0].Phase)
	}
}

func TestDeadRunnerDetectedRegardlessOfHeartbeat(t *testing.T) {
	gs, ps := newStores(t)
	ctx := context.Background()
	if err := gs.UpsertRunner(ctx, store.Runner{
		ID: "runner-dead", Status: store.RunnerStatusRunning, PID: 999999, ProjectPath: "/repo",
		StartedAt: staleTimestamp(time.Hour), HeartbeatAt: fixedNow.UTC().Format(time.RFC3339), // fresh heartbeat
	}); err != nil {
		t.Fatalf("upsert runner: %v", err)
	}

	d := &Detector{Project: ps, Global: gs, Thresholds: DefaultThresholds(), AutoRecover: true, ProcessAlive: func(int) bool { return false }}
	findings, err := d.Run(ctx, fixedNow, "/repo")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 1 || findings[0].Mode != store.FailureModeDeadRunner {
		t.Fatalf("expected exactly one dead_runner finding despite fresh heartbeat, got %+v", findings)
	}

	runner, err := gs.GetRunner(ctx, "runner-dead")
	if err != nil {
		t.Fatalf("get runner: %v", err)
	}
	if runner != nil {
		t.Fatalf("expected dead runner row to be removed, still found %+v", runner)
	}
}

func TestDBInconsistencyIsReportedNotRecovered(t *testing.T) {
	gs, ps := newStores(t)
	ctx := context.Background()
	id, err := ps.InsertTask(ctx, store.Task{
		Title: "t", Status: store.TaskStatusInProgress,
		UpdatedAt: fixedNow.UTC().Format(time.RFC3339), CreatedAt: fixedNow.UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}

	d := &Detector{Project: ps, Global: gs, Thresholds: DefaultThresholds(), AutoRecover: true, ProcessAlive: func(int) bool { return true }}
	findings, err := d.Run(ctx, fixedNow, "/repo")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(findings) != 1 || findings[0].Mode != store.FailureModeDBInconsistency {
		t.Fatalf("expected exactly one db_inconsistency finding, got %+v", findings)
	}
	if findings[0].Recovered {
		t.Fatalf("db_inconsistency must never be auto-recovered")
	}

	task, err := ps.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusInProgress {
		t.Fatalf("expected task status untouched, got %s", task.Status)
	}
}

// TestClassificationIsExclusivePerEntity is the classification-exclusivity
// property: running the detector over a mixed set of tasks/runners never
// produces more than one finding per (task, runner) pair.
func TestClassificationIsExclusivePerEntity(t *testing.T) {
	gs, ps := newStores(t)
	ctx := context.Background()

	orphan, err := ps.InsertTask(ctx, store.Task{Title: "orphan", Status: store.TaskStatusInProgress,
		UpdatedAt: staleTimestamp(20 * time.Minute), CreatedAt: staleTimestamp(20 * time.Minute)})
	if err != nil {
		t.Fatalf("insert orphan task: %v", err)
	}
	if err := ps.InsertInvocation(ctx, store.Invocation{ID: "inv-orphan", TaskID: orphan, Role: store.ActorCoder, Status: store.InvocationStatusCompleted}); err != nil {
		t.Fatalf("insert invocation: %v", err)
	}

	fresh, err := ps.InsertTask(ctx, store.Task{Title: "fresh", Status: store.TaskStatusInProgress,
		UpdatedAt: fixedNow.UTC().Format(time.RFC3339), CreatedAt: fixedNow.UTC().Format(time.RFC3339)})
	if err != nil {
		t.Fatalf("insert fresh task: %v", err)
	}
	_ = fresh

	if err := gs.UpsertRunner(ctx, store.Runner{ID: "runner-dead", Status: store.RunnerStatusRunning, PID: 999999,
		ProjectPath: "/repo", StartedAt: staleTimestamp(time.Hour), HeartbeatAt: fixedNow.UTC().Format(time.RFC3339)}); err != nil {
		t.Fatalf("upsert runner: %v", err)
	}

	d := &Detector{Project: ps, Global: gs, Thresholds: DefaultThresholds(), AutoRecover: true, ProcessAlive: func(pid int) bool { return pid != 999999 }}
	findings, err := d.Run(ctx, fixedNow, "/repo")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	seen := make(map[string]int)
	for _, f := range findings {
		key := f.Mode + ":" + f.RunnerID
		if f.TaskID != 0 {
			key = f.Mode + ":task"
		}
		seen[key]++
	}
	for key, count := range seen {
		if count > 1 {
			t.Fatalf("entity %s produced %d findings, expected at most 1 (findings=%+v)", key, count, findings)
		}
	}
}
