package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/steroids-run/steroids/internal/store"
)

func newTestCollector(t *testing.T) (*Collector, *store.GlobalStore, string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	gs, err := store.OpenGlobalSQLite(ctx, dir+"/global.db")
	if err != nil {
		t.Fatalf("open global store: %v", err)
	}
	t.Cleanup(func() { gs.Close() })

	projectPath := dir + "/proj"
	opener := func(ctx context.Context, path string) (*store.ProjectStore, error) {
		return store.OpenProjectSQLite(ctx, path)
	}

	return &Collector{Global: gs, Open: opener}, gs, projectPath
}

// TestCollectorSnapshotsTaskAndIncidentCounts confirms one snapshot pass
// populates the per-status task gauge and the unresolved-incident gauge
// for a registered project.
func TestCollectorSnapshotsTaskAndIncidentCounts(t *testing.T) {
	c, gs, projectPath := newTestCollector(t)
	ctx := context.Background()

	ps, err := store.OpenProjectSQLite(ctx, projectPath)
	if err != nil {
		t.Fatalf("open project store: %v", err)
	}
	if err := ps.UpsertSection(ctx, store.Section{ID: "sec-1", Name: "core", Position: 0, CreatedAt: "t0"}); err != nil {
		t.Fatalf("upsert section: %v", err)
	}
	if _, err := ps.InsertTask(ctx, store.Task{Title: "a", Status: store.TaskStatusPending, SectionID: "sec-1", UpdatedAt: "t0", CreatedAt: "t0"}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if _, err := ps.InsertTask(ctx, store.Task{Title: "b", Status: store.TaskStatusCompleted, SectionID: "sec-1", UpdatedAt: "t0", CreatedAt: "t0"}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if _, err := ps.InsertIncident(ctx, store.Incident{FailureMode: store.FailureModeCreditExhaustion, DetectedAt: "t0", CreatedAt: "t0"}); err != nil {
		t.Fatalf("insert incident: %v", err)
	}
	ps.Close()

	if _, err := gs.RegisterProject(ctx, store.Project{Path: projectPath, Name: "demo", Enabled: true, CreatedAt: "t0"}); err != nil {
		t.Fatalf("register project: %v", err)
	}

	c.snapshot(ctx)

	if got := testutil.ToFloat64(TasksByStatus.WithLabelValues(projectPath, store.TaskStatusPending)); got != 1 {
		t.Fatalf("expected 1 pending task, got %v", got)
	}
	if got := testutil.ToFloat64(TasksByStatus.WithLabelValues(projectPath, store.TaskStatusCompleted)); got != 1 {
		t.Fatalf("expected 1 completed task, got %v", got)
	}
	if got := testutil.ToFloat64(UnresolvedIncidents.WithLabelValues(projectPath)); got != 1 {
		t.Fatalf("expected 1 unresolved incident, got %v", got)
	}
}

// TestCollectorSnapshotsRunnerStatusCounts confirms runner rows are
// tallied by status across all projects, not just the enabled ones.
func TestCollectorSnapshotsRunnerStatusCounts(t *testing.T) {
	c, gs, projectPath := newTestCollector(t)
	ctx := context.Background()

	if err := gs.UpsertRunner(ctx, store.Runner{
		ID: "runner-a", Status: store.RunnerStatusRunning, ProjectPath: projectPath,
		StartedAt: "t0", HeartbeatAt: "t0",
	}); err != nil {
		t.Fatalf("seed runner: %v", err)
	}

	if err := c.snapshotRunners(ctx); err != nil {
		t.Fatalf("snapshot runners: %v", err)
	}
	if got := testutil.ToFloat64(RunnersByStatus.WithLabelValues(store.RunnerStatusRunning)); got < 1 {
		t.Fatalf("expected at least 1 running runner, got %v", got)
	}
}
