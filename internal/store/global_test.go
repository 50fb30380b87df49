package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestGlobalStore(t *testing.T) *GlobalStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "global-test.db")
	gs, err := OpenGlobalSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open global store: %v", err)
	}
	t.Cleanup(func() { gs.Close() })
	return gs
}

func TestRegisterAndGetProject(t *testing.T) {
	gs := newTestGlobalStore(t)
	ctx := context.Background()

	id, err := gs.RegisterProject(ctx, Project{Path: "/repo/a", Name: "a", Enabled: true, CreatedAt: "2026-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("register project: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected non-zero id")
	}

	p, err := gs.GetProjectByPath(ctx, "/repo/a")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p == nil || p.Name != "a" || !p.Enabled {
		t.Fatalf("unexpected project: %+v", p)
	}

	if _, err := gs.GetProjectByPath(ctx, "/repo/missing"); err != nil {
		t.Fatalf("expected no error for missing project, got %v", err)
	}
}

func TestListEnabledProjectsExcludesDisabled(t *testing.T) {
	gs := newTestGlobalStore(t)
	ctx := context.Background()

	if _, err := gs.RegisterProject(ctx, Project{Path: "/repo/a", Name: "a", Enabled: true, CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if _, err := gs.RegisterProject(ctx, Project{Path: "/repo/b", Name: "b", Enabled: false, CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	projects, err := gs.ListEnabledProjects(ctx)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(projects) != 1 || projects[0].Path != "/repo/a" {
		t.Fatalf("unexpected enabled projects: %+v", projects)
	}
}

func TestUpsertRunnerOverwritesExisting(t *testing.T) {
	gs := newTestGlobalStore(t)
	ctx := context.Background()

	r := Runner{ID: "runner-1", Status: RunnerStatusIdle, ProjectPath: "/repo/a", StartedAt: "t0", HeartbeatAt: "t0"}
	if err := gs.UpsertRunner(ctx, r); err != nil {
		t.Fatalf("upsert runner: %v", err)
	}

	r.Status = RunnerStatusRunning
	r.HeartbeatAt = "t1"
	if err := gs.UpsertRunner(ctx, r); err != nil {
		t.Fatalf("upsert runner again: %v", err)
	}

	got, err := gs.GetRunner(ctx, "runner-1")
	if err != nil {
		t.Fatalf("get runner: %v", err)
	}
	if got == nil || got.Status != RunnerStatusRunning || got.HeartbeatAt != "t1" {
		t.Fatalf("unexpected runner after upsert: %+v", got)
	}
}

func TestActiveRunnerForProjectIgnoresStopped(t *testing.T) {
	gs := newTestGlobalStore(t)
	ctx := context.Background()

	if err := gs.UpsertRunner(ctx, Runner{ID: "r-stopped", Status: RunnerStatusStopped, ProjectPath: "/repo/a", StartedAt: "t0", HeartbeatAt: "t0"}); err != nil {
		t.Fatalf("upsert stopped runner: %v", err)
	}
	if err := gs.UpsertRunner(ctx, Runner{ID: "r-running", Status: RunnerStatusRunning, ProjectPath: "/repo/a", StartedAt: "t0", HeartbeatAt: "t1"}); err != nil {
		t.Fatalf("upsert running runner: %v", err)
	}

	active, err := gs.ActiveRunnerForProject(ctx, "/repo/a")
	if err != nil {
		t.Fatalf("active runner: %v", err)
	}
	if active == nil || active.ID != "r-running" {
		t.Fatalf("expected r-running, got %+v", active)
	}
}

func TestClaimWorkstreamCompareAndSet(t *testing.T) {
	gs := newTestGlobalStore(t)
	ctx := context.Background()

	sessID, err := gs.CreateParallelSession(ctx, ParallelSession{ProjectPath: "/repo/a", IntegrationBranch: "main", WorkspaceRoot: "/tmp/ws", Status: "running", CreatedAt: "t0"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := gs.CreateWorkstream(ctx, Workstream{ID: "ws-1", SessionID: sessID, ClonePath: "/tmp/ws/1", Status: WorkstreamStatusPending}); err != nil {
		t.Fatalf("create workstream: %v", err)
	}

	ok, err := gs.ClaimWorkstream(ctx, "ws-1", "runner-a", "t10", "t0")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !ok {
		t.Fatalf("expected first claim to succeed")
	}

	w, err := gs.GetWorkstream(ctx, "ws-1")
	if err != nil {
		t.Fatalf("get workstream: %v", err)
	}
	if w.RunnerID != "runner-a" || w.ClaimGeneration != 1 || w.Status != WorkstreamStatusRunning {
		t.Fatalf("unexpected workstream after claim: %+v", w)
	}

	// A second runner trying to claim before the lease expires loses the race.
	ok, err = gs.ClaimWorkstream(ctx, "ws-1", "runner-b", "t20", "t5")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("expected second claim to fail while lease unexpired")
	}

	// Once the lease has expired, a different runner can take over and the
	// generation advances, fencing any late writes from runner-a.
	ok, err = gs.ClaimWorkstream(ctx, "ws-1", "runner-b", "t30", "t15")
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if !ok {
		t.Fatalf("expected claim after lease expiry to succeed")
	}

	w, err = gs.GetWorkstream(ctx, "ws-1")
	if err != nil {
		t.Fatalf("get workstream after takeover: %v", err)
	}
	if w.RunnerID != "runner-b" || w.ClaimGeneration != 2 {
		t.Fatalf("unexpected workstream after takeover: %+v", w)
	}

	// runner-a renewing against the generation it last observed must now fail.
	renewed, err := gs.RenewWorkstreamLease(ctx, "ws-1", "runner-a", 1, "t40")
	if err != nil {
		t.Fatalf("stale renew: %v", err)
	}
	if renewed {
		t.Fatalf("expected stale renew to fail")
	}

	renewed, err = gs.RenewWorkstreamLease(ctx, "ws-1", "runner-b", 2, "t40")
	if err != nil {
		t.Fatalf("current renew: %v", err)
	}
	if !renewed {
		t.Fatalf("expected current holder's renew to succeed")
	}
}
