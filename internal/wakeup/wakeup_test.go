package wakeup

import (
	"context"
	"testing"
	"time"

	"github.com/steroids-run/steroids/internal/store"
	"github.com/steroids-run/steroids/internal/stuck"
)

type fakeSpawner struct {
	nextPID int
	calls   []string
	err     error
}

func (f *fakeSpawner) Spawn(ctx context.Context, projectPath string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.calls = append(f.calls, projectPath)
	f.nextPID++
	return f.nextPID, nil
}

func newTestController(t *testing.T, spawner Spawner) (*Controller, *store.GlobalStore) {
	t.Helper()
	gs, err := store.OpenGlobalSQLite(context.Background(), t.TempDir()+"/global.db")
	if err != nil {
		t.Fatalf("open global store: %v", err)
	}
	t.Cleanup(func() { gs.Close() })

	return &Controller{
		Global:             gs,
		Thresholds:         stuck.DefaultThresholds(),
		AutoRecover:        true,
		ProcessAlive:       func(pid int) bool { return true },
		Spawner:            spawner,
		StaleRunnerTimeout: time.Minute,
	}, gs
}

func seedProjectWithPendingTask(t *testing.T, path string) {
	t.Helper()
	ps, err := store.OpenProjectSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open project store: %v", err)
	}
	defer ps.Close()
	if err := ps.UpsertSection(context.Background(), store.Section{ID: "sec-1", Name: "core", Position: 0, CreatedAt: "t0"}); err != nil {
		t.Fatalf("upsert section: %v", err)
	}
	if _, err := ps.InsertTask(context.Background(), store.Task{
		Title: "task", Status: store.TaskStatusPending, SectionID: "sec-1", UpdatedAt: "t0", CreatedAt: "t0",
	}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
}

// TestWakeupSpawnsRunnerForPendingProject drives the primary path: a
// registered, enabled project with no active runner and one pending task
// gets a Runner Supervisor spawned for it.
func TestWakeupSpawnsRunnerForPendingProject(t *testing.T) {
	spawner := &fakeSpawner{}
	ctrl, gs := newTestController(t, spawner)
	ctx := context.Background()

	projectPath := t.TempDir()
	seedProjectWithPendingTask(t, projectPath)
	if _, err := gs.RegisterProject(ctx, store.Project{Path: projectPath, Name: "demo", Enabled: true, CreatedAt: "t0"}); err != nil {
		t.Fatalf("register project: %v", err)
	}

	results, err := ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Action != ActionStarted {
		t.Fatalf("expected started, got %s (%s)", r.Action, r.Reason)
	}
	if r.PID != 1 {
		t.Fatalf("expected pid 1, got %d", r.PID)
	}
	if len(spawner.calls) != 1 || spawner.calls[0] != projectPath {
		t.Fatalf("expected spawner called once with %s, got %+v", projectPath, spawner.calls)
	}
}

// TestWakeupSkipsProjectWithActiveRunner confirms an already-covered
// project is left alone.
func TestWakeupSkipsProjectWithActiveRunner(t *testing.T) {
	spawner := &fakeSpawner{}
	ctrl, gs := newTestController(t, spawner)
	ctx := context.Background()

	projectPath := t.TempDir()
	seedProjectWithPendingTask(t, projectPath)
	if _, err := gs.RegisterProject(ctx, store.Project{Path: projectPath, Name: "demo", Enabled: true, CreatedAt: "t0"}); err != nil {
		t.Fatalf("register project: %v", err)
	}
	if err := gs.UpsertRunner(ctx, store.Runner{
		ID: "runner-existing", Status: store.RunnerStatusRunning, ProjectPath: projectPath,
		StartedAt: Now().Format(time.RFC3339), HeartbeatAt: Now().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed active runner: %v", err)
	}

	results, err := ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results[0].Action != ActionNone {
		t.Fatalf("expected none, got %s", results[0].Action)
	}
	if len(spawner.calls) != 0 {
		t.Fatalf("expected no spawn, got %+v", spawner.calls)
	}
}

// TestWakeupCleansStaleRunnerRows confirms a runner row whose heartbeat
// predates the stale threshold is deleted even when it reports as
// "active" by status, and the project (with no pending work afterward)
// reports cleaned rather than none.
func TestWakeupCleansStaleRunnerRows(t *testing.T) {
	spawner := &fakeSpawner{}
	ctrl, gs := newTestController(t, spawner)
	ctx := context.Background()

	projectPath := t.TempDir()
	ps, err := store.OpenProjectSQLite(ctx, projectPath)
	if err != nil {
		t.Fatalf("open project store: %v", err)
	}
	ps.Close()
	if _, err := gs.RegisterProject(ctx, store.Project{Path: projectPath, Name: "demo", Enabled: true, CreatedAt: "t0"}); err != nil {
		t.Fatalf("register project: %v", err)
	}

	staleHeartbeat := Now().Add(-time.Hour).Format(time.RFC3339)
	if err := gs.UpsertRunner(ctx, store.Runner{
		ID: "runner-stale", Status: store.RunnerStatusRunning, ProjectPath: projectPath,
		StartedAt: staleHeartbeat, HeartbeatAt: staleHeartbeat,
	}); err != nil {
		t.Fatalf("seed stale runner: %v", err)
	}

	results, err := ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results[0].Action != ActionCleaned {
		t.Fatalf("expected cleaned (no pending work after cleanup), got %s (%s)", results[0].Action, results[0].Reason)
	}

	remaining, err := gs.GetRunner(ctx, "runner-stale")
	if err != nil {
		t.Fatalf("get runner: %v", err)
	}
	if remaining != nil {
		t.Fatalf("expected stale runner row deleted")
	}
}

// TestWakeupDryRunReportsWouldStartWithoutSpawning confirms DryRun never
// invokes the spawner.
func TestWakeupDryRunReportsWouldStartWithoutSpawning(t *testing.T) {
	spawner := &fakeSpawner{}
	ctrl, gs := newTestController(t, spawner)
	ctrl.DryRun = true
	ctx := context.Background()

	projectPath := t.TempDir()
	seedProjectWithPendingTask(t, projectPath)
	if _, err := gs.RegisterProject(ctx, store.Project{Path: projectPath, Name: "demo", Enabled: true, CreatedAt: "t0"}); err != nil {
		t.Fatalf("register project: %v", err)
	}

	results, err := ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results[0].Action != ActionWouldStart {
		t.Fatalf("expected would_start, got %s", results[0].Action)
	}
	if len(spawner.calls) != 0 {
		t.Fatalf("expected no spawn in dry-run, got %+v", spawner.calls)
	}
}
