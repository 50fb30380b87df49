package supervisor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/lock"
	"github.com/steroids-run/steroids/internal/orchestration"
	"github.com/steroids-run/steroids/internal/provider"
	"github.com/steroids-run/steroids/internal/scheduler"
	"github.com/steroids-run/steroids/internal/store"
	"github.com/steroids-run/steroids/internal/stuck"
	"github.com/steroids-run/steroids/internal/taskstate"
)

// scriptedInvoker returns one canned InvokeResult per call, repeating the
// last entry once exhausted.
type scriptedInvoker struct {
	name    string
	outputs []string
}

func (s *scriptedInvoker) Name() string { return s.name }
func (s *scriptedInvoker) Invoke(ctx context.Context, req provider.InvokeRequest) (provider.InvokeResult, error) {
	out := s.outputs[0]
	if len(s.outputs) > 1 {
		s.outputs = s.outputs[1:]
	}
	return provider.InvokeResult{Success: true, Stdout: out}, nil
}
func (s *scriptedInvoker) IsAvailable(ctx context.Context) bool { return true }
func (s *scriptedInvoker) ClassifyResult(result provider.InvokeResult, err error) provider.FailureClass {
	return provider.FailureUnknown
}
func (s *scriptedInvoker) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
func (s *scriptedInvoker) GetDefaultModel() string                          { return "fake" }

func newTestSupervisor(t *testing.T) (*Supervisor, *store.ProjectStore, *store.GlobalStore, string) {
	t.Helper()
	projectPath := t.TempDir()
	ctx := context.Background()

	ps, err := store.OpenProjectSQLite(ctx, projectPath)
	if err != nil {
		t.Fatalf("open project store: %v", err)
	}
	t.Cleanup(func() { ps.Close() })

	gs, err := store.OpenGlobalSQLite(ctx, projectPath+"/global.db")
	if err != nil {
		t.Fatalf("open global store: %v", err)
	}
	t.Cleanup(func() { gs.Close() })

	if err := ps.UpsertSection(ctx, store.Section{ID: "sec-1", Name: "core", Position: 0, CreatedAt: "t0"}); err != nil {
		t.Fatalf("upsert section: %v", err)
	}
	graph, err := scheduler.NewGraph([]store.Section{{ID: "sec-1", Name: "core", Position: 0}}, nil)
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}

	runnerID := "runner-1"
	if err := gs.UpsertRunner(ctx, store.Runner{
		ID: runnerID, Status: store.RunnerStatusIdle, ProjectPath: projectPath,
		StartedAt: "t0", HeartbeatAt: "t0",
	}); err != nil {
		t.Fatalf("seed runner row: %v", err)
	}

	loop := &orchestration.Loop{
		Project:      ps,
		Machine:      &taskstate.Machine{Store: ps},
		Sink:         hooks.NewDispatcher(slog.Default()),
		ProjectPath:  projectPath,
		Coder:        &scriptedInvoker{name: "coder", outputs: []string{"implementation complete, all tests pass"}},
		Reviewers:    []provider.ProviderInvoker{&scriptedInvoker{name: "reviewer", outputs: []string{"Looks good.\nDECISION: APPROVE"}}},
		Orchestrator: &scriptedInvoker{name: "orchestrator", outputs: []string{`{"action":"submit","next_status":"review","metadata":{}}`, `{"decision":"approve"}`}},
	}

	sup := &Supervisor{
		Global:      gs,
		Project:     ps,
		ProjectPath: projectPath,
		RunnerID:    runnerID,
		Lock:        &lock.ProjectLock{Global: gs, ProjectPath: projectPath, RunnerID: runnerID},
		TaskLocks:   &lock.TaskLockManager{Store: ps},
		Graph:       graph,
		Stuck: &stuck.Detector{
			Project: ps, Global: gs, Thresholds: stuck.DefaultThresholds(),
			ProcessAlive: func(pid int) bool { return true },
		},
		Loop:              loop,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		EmptyQueueTimeout: 50 * time.Millisecond,
	}
	return sup, ps, gs, projectPath
}

// TestSupervisorDrainsQueueThenExits drives a two-cycle task (coder submits,
// reviewer approves) through to completed, then exits once the queue has
// been empty past EmptyQueueTimeout.
func TestSupervisorDrainsQueueThenExits(t *testing.T) {
	sup, ps, _, _ := newTestSupervisor(t)
	ctx := context.Background()

	taskID, err := ps.InsertTask(ctx, store.Task{
		Title: "implement parse()", Status: store.TaskStatusPending, SectionID: "sec-1",
		UpdatedAt: "t0", CreatedAt: "t0",
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}

	done := make(chan error, 1)
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go func() { done <- sup.Run(runCtx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not exit on empty-queue timeout")
	}

	task, err := ps.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusCompleted {
		t.Fatalf("expected task completed, got %s", task.Status)
	}
}

// TestSupervisorRecordsFailureAuditOnLoopError confirms an uncaught loop
// error is recorded as a failed audit entry without forcing a status
// transition, so the task survives to be retried on the next pick.
func TestSupervisorRecordsFailureAuditOnLoopError(t *testing.T) {
	sup, ps, _, _ := newTestSupervisor(t)
	ctx := context.Background()

	taskID, err := ps.InsertTask(ctx, store.Task{
		Title: "broken task", Status: store.TaskStatusReview, SectionID: "sec-1",
		UpdatedAt: "t0", CreatedAt: "t0",
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	sup.recordFailure(ctx, taskID, errContrived)

	task, err := ps.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.FailureCount != 1 {
		t.Fatalf("expected failure count 1, got %d", task.FailureCount)
	}
	if task.Status != store.TaskStatusReview {
		t.Fatalf("expected status unchanged at review, got %s", task.Status)
	}

	entries, err := ps.ListAuditEntries(ctx, taskID)
	if err != nil {
		t.Fatalf("list audit entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Actor != store.ActorRunner {
		t.Fatalf("expected one runner-actor audit entry, got %+v", entries)
	}
}

var errContrived = contrivedError("orchestration: simulated failure")

type contrivedError string

func (e contrivedError) Error() string { return string(e) }
