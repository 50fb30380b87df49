package orchestration

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/provider"
	"github.com/steroids-run/steroids/internal/store"
	"github.com/steroids-run/steroids/internal/taskstate"
)

// scriptedInvoker returns one canned InvokeResult per call, in order; the
// last result repeats once the script is exhausted.
type scriptedInvoker struct {
	name      string
	outputs   []string
	lastReq   provider.InvokeRequest
	sessionID string
}

func (s *scriptedInvoker) Name() string { return s.name }
func (s *scriptedInvoker) Invoke(ctx context.Context, req provider.InvokeRequest) (provider.InvokeResult, error) {
	s.lastReq = req
	if req.OnActivity != nil {
		req.OnActivity()
	}
	out := s.outputs[0]
	if len(s.outputs) > 1 {
		s.outputs = s.outputs[1:]
	}
	return provider.InvokeResult{Success: true, Stdout: out, SessionID: s.sessionID}, nil
}
func (s *scriptedInvoker) IsAvailable(ctx context.Context) bool { return true }
func (s *scriptedInvoker) ClassifyResult(result provider.InvokeResult, err error) provider.FailureClass {
	return provider.FailureUnknown
}
func (s *scriptedInvoker) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
func (s *scriptedInvoker) GetDefaultModel() string                          { return "fake" }

func newTestLoop(t *testing.T, coderOutputs, orchestratorOutputs, reviewerOutputs []string) (*Loop, *store.ProjectStore, int64) {
	t.Helper()
	ps, err := store.OpenProjectSQLite(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open project store: %v", err)
	}
	t.Cleanup(func() { ps.Close() })

	id, err := ps.InsertTask(context.Background(), store.Task{
		Title: "implement parse()", Status: store.TaskStatusPending, UpdatedAt: "t0", CreatedAt: "t0",
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}

	loop := &Loop{
		Project:      ps,
		Machine:      &taskstate.Machine{Store: ps},
		Sink:         hooks.NewDispatcher(slog.Default()),
		ProjectPath:  "/repo",
		Coder:        &scriptedInvoker{name: "coder", outputs: coderOutputs},
		Reviewers:    []provider.ProviderInvoker{&scriptedInvoker{name: "reviewer", outputs: reviewerOutputs}},
		Orchestrator: &scriptedInvoker{name: "orchestrator", outputs: orchestratorOutputs},
	}
	return loop, ps, id
}

// TestHappyPathReachesCompleted drives scenario 1: pending -> coder submits
// -> review -> reviewer approves -> completed.
func TestHappyPathReachesCompleted(t *testing.T) {
	loop, ps, id := newTestLoop(t,
		[]string{"implementation complete, all tests pass"},
		[]string{`{"action":"submit","next_status":"review","metadata":{}}`, `{"decision":"approve"}`},
		[]string{"Looks good.\nDECISION: APPROVE"},
	)
	ctx := context.Background()

	var completedFired int
	recorder := &countingSink{}
	loop.Sink = hooks.NewDispatcher(slog.Default(), recorder)

	out, err := loop.RunTask(ctx, id, "runner-1")
	if err != nil {
		t.Fatalf("coder phase: %v", err)
	}
	if out.FinalState != store.TaskStatusReview {
		t.Fatalf("expected review after coder phase, got %s", out.FinalState)
	}

	out, err = loop.RunTask(ctx, id, "runner-1")
	if err != nil {
		t.Fatalf("reviewer phase: %v", err)
	}
	if out.FinalState != store.TaskStatusCompleted {
		t.Fatalf("expected completed after reviewer phase, got %s", out.FinalState)
	}

	for _, evt := range recorder.events {
		if evt == hooks.EventTaskCompleted {
			completedFired++
		}
	}
	if completedFired != 1 {
		t.Fatalf("expected task.completed hook fired exactly once, got %d", completedFired)
	}

	task, err := ps.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusCompleted {
		t.Fatalf("expected persisted status completed, got %s", task.Status)
	}

	invs, err := ps.ListInvocationsByTask(ctx, id)
	if err != nil {
		t.Fatalf("list invocations: %v", err)
	}
	// coder + post-coder judge + reviewer + post-reviewer judge.
	if len(invs) != 4 {
		t.Fatalf("expected 4 invocation rows recorded, got %d", len(invs))
	}
	for _, inv := range invs {
		if inv.Status != store.InvocationStatusCompleted {
			t.Fatalf("expected invocation %s to be completed, got %s", inv.ID, inv.Status)
		}
		if inv.LastActivityAtMs == 0 {
			t.Fatalf("expected invocation %s to have a recorded lastActivityAtMs", inv.ID)
		}
	}
	running, err := ps.ListRunningInvocations(ctx)
	if err != nil {
		t.Fatalf("list running invocations: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("expected no invocations left running after the happy path, got %d", len(running))
	}
}

// TestRejectionCycleInvokesCoordinator drives scenario 2: three rejections
// accumulate RejectionEntry rows, and the coordinator is invoked once the
// threshold is reached.
func TestRejectionCycleInvokesCoordinator(t *testing.T) {
	ps, err := store.OpenProjectSQLite(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open project store: %v", err)
	}
	defer ps.Close()
	ctx := context.Background()

	id, err := ps.InsertTask(ctx, store.Task{Title: "implement parse()", Status: store.TaskStatusReview, UpdatedAt: "t0", CreatedAt: "t0"})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if _, err := ps.InsertSubmissionNote(ctx, store.SubmissionNote{TaskID: id, Notes: "submitted", CreatedAt: "t0"}); err != nil {
		t.Fatalf("insert note: %v", err)
	}

	loop := &Loop{
		Project:      ps,
		Machine:      &taskstate.Machine{Store: ps},
		Sink:         hooks.NewDispatcher(slog.Default()),
		ProjectPath:  "/repo",
		Reviewers:    []provider.ProviderInvoker{&scriptedInvoker{name: "reviewer", outputs: []string{"DECISION: REJECT"}}},
		Orchestrator: &scriptedInvoker{name: "orchestrator", outputs: []string{
			`{"decision":"reject"}`,
			`{"action":"guide_coder","guidance":"add coverage for parse()"}`,
		}},
	}

	out, err := loop.RunTask(ctx, id, "runner-1")
	if err != nil {
		t.Fatalf("reviewer phase: %v", err)
	}
	if out.FinalState != store.TaskStatusInProgress {
		t.Fatalf("expected in_progress after a reject, got %s", out.FinalState)
	}

	rejections, err := ps.ListRejections(ctx, id)
	if err != nil {
		t.Fatalf("list rejections: %v", err)
	}
	if len(rejections) != 1 {
		t.Fatalf("expected 1 rejection entry, got %d", len(rejections))
	}

	task, err := ps.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.RejectionCount != 1 {
		t.Fatalf("expected rejection count 1, got %d", task.RejectionCount)
	}

	// Drive two more rejection cycles to reach the coordinator threshold.
	for i := 0; i < 2; i++ {
		task.Status = store.TaskStatusReview
		if err := ps.UpdateTaskFields(ctx, *task); err != nil {
			t.Fatalf("reset to review: %v", err)
		}
		loop.Reviewers = []provider.ProviderInvoker{&scriptedInvoker{name: "reviewer", outputs: []string{"DECISION: REJECT"}}}
		loop.Orchestrator = &scriptedInvoker{name: "orchestrator", outputs: []string{
			`{"decision":"reject"}`,
			`{"action":"guide_coder","guidance":"add coverage for parse()"}`,
		}}
		out, err = loop.RunTask(ctx, id, "runner-1")
		if err != nil {
			t.Fatalf("reviewer phase cycle %d: %v", i, err)
		}
		task, err = ps.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
	}

	if task.RejectionCount != 3 {
		t.Fatalf("expected rejection count 3 after three cycles, got %d", task.RejectionCount)
	}
	notes, err := ps.LatestSubmissionNote(ctx, id)
	if err != nil {
		t.Fatalf("latest submission note: %v", err)
	}
	if notes == nil {
		t.Fatalf("expected coordinator guidance to be recorded as a submission note")
	}

	// The coordinator's guidance must reach the coder's next prompt (spec.md
	// §4.6 step 7: "injected into the coder's next prompt").
	if task.Status != store.TaskStatusInProgress {
		t.Fatalf("expected task back in in_progress after the third reject, got %s", task.Status)
	}
	coder := &scriptedInvoker{name: "coder", outputs: []string{"implementation complete"}}
	loop.Coder = coder
	loop.Orchestrator = &scriptedInvoker{name: "orchestrator", outputs: []string{
		`{"action":"submit","next_status":"review","metadata":{}}`,
	}}
	if _, err := loop.RunTask(ctx, id, "runner-1"); err != nil {
		t.Fatalf("coder phase after coordinator guidance: %v", err)
	}
	if !strings.Contains(coder.lastReq.Prompt, "add coverage for parse()") {
		t.Fatalf("expected coordinator guidance in coder prompt, got %q", coder.lastReq.Prompt)
	}
}

// TestCoderResumesSessionAfterRetry covers spec.md §4.6 step 1: once a coder
// invocation leaves a reusable sessionId, the next coder invocation for the
// same task must resume it rather than starting fresh.
func TestCoderResumesSessionAfterRetry(t *testing.T) {
	coder := &scriptedInvoker{name: "coder", sessionID: "sess-123", outputs: []string{
		"first attempt", "second attempt",
	}}
	loop, _, id := newTestLoop(t,
		nil,
		[]string{`{"action":"retry","next_status":"in_progress","metadata":{}}`, `{"action":"submit","next_status":"review","metadata":{}}`},
		nil,
	)
	loop.Coder = coder
	ctx := context.Background()

	if _, err := loop.RunTask(ctx, id, "runner-1"); err != nil {
		t.Fatalf("first coder phase: %v", err)
	}
	if coder.lastReq.ResumeSessionID != "" {
		t.Fatalf("expected a fresh first invocation, got resume session %q", coder.lastReq.ResumeSessionID)
	}

	if _, err := loop.RunTask(ctx, id, "runner-1"); err != nil {
		t.Fatalf("second coder phase: %v", err)
	}
	if coder.lastReq.ResumeSessionID != "sess-123" {
		t.Fatalf("expected the second invocation to resume sess-123, got %q", coder.lastReq.ResumeSessionID)
	}
	if !strings.Contains(coder.lastReq.Prompt, "Resume your previous session") {
		t.Fatalf("expected resume language in the coder prompt, got %q", coder.lastReq.Prompt)
	}
}

type countingSink struct {
	events []hooks.EventType
}

func (c *countingSink) Name() string        { return "counting" }
func (c *countingSink) IsConfigured() bool { return true }
func (c *countingSink) Dispatch(ctx context.Context, evt hooks.Event) error {
	c.events = append(c.events, evt.Type)
	return nil
}
