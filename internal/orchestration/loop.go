// Package orchestration implements the Orchestration Loop: the
// coder/reviewer/judge invocation sequence that advances one task from
// pending through to a terminal state. Grounded on internal/ai/chain.go's
// per-provider circuit breaker and isRetriableError/isAuthError
// classification, generalized from "providers to try in order" to "the
// configured coder/reviewer/orchestrator role invocation with retry".
package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/lock"
	"github.com/steroids-run/steroids/internal/provider"
	"github.com/steroids-run/steroids/internal/store"
	"github.com/steroids-run/steroids/internal/taskstate"
)

// coordinatorRejectionThreshold is the rejection count spec.md §4.6 step 7
// sets for invoking the coordinator.
const coordinatorRejectionThreshold = 3

// Now is overridable for deterministic tests.
var Now = func() string { return time.Now().UTC().Format(time.RFC3339) }

// NowMs is Now's millisecond-epoch counterpart, used for Invocation
// timestamps; overridable for deterministic tests alongside Now.
var NowMs = func() int64 { return time.Now().UTC().UnixMilli() }

// Loop is the per-task Orchestration Loop.
type Loop struct {
	Project      *store.ProjectStore
	Machine      *taskstate.Machine
	TaskLocks    *lock.TaskLockManager
	Lease        *lock.WorkstreamLease
	Sink         *hooks.Dispatcher
	ProjectPath  string

	Coder        provider.ProviderInvoker
	CoderModel   string
	Reviewers    []provider.ProviderInvoker
	ReviewerModel string
	Orchestrator provider.ProviderInvoker
	OrchestratorModel string

	// CreditPause is invoked whenever a provider call is classified as
	// credit_exhaustion; it blocks until the pause resolves.
	CreditPause func(ctx context.Context, role string, inv provider.ProviderInvoker, model string) error
}

// Outcome summarizes what the loop did with one task on one cycle.
type Outcome struct {
	TaskID     int64
	FinalState string
	Pushed     bool
}

// RunTask advances task one cycle: coder phase, then (if submitted)
// reviewer + judge phases. Returns once the task reaches a terminal or
// stable non-terminal state for this cycle.
func (l *Loop) RunTask(ctx context.Context, taskID int64, runnerID string) (Outcome, error) {
	task, err := l.Project.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestration: loading task: %w", err)
	}
	if task == nil {
		return Outcome{}, fmt.Errorf("orchestration: task %d not found", taskID)
	}

	l.emit(ctx, hooks.EventTaskUpdated, task)

	switch task.Status {
	case store.TaskStatusPending, store.TaskStatusInProgress:
		return l.runCoderPhase(ctx, task, runnerID)
	case store.TaskStatusReview:
		return l.runReviewerPhase(ctx, task, runnerID)
	default:
		return Outcome{TaskID: task.ID, FinalState: task.Status}, nil
	}
}

func (l *Loop) runCoderPhase(ctx context.Context, task *store.Task, runnerID string) (Outcome, error) {
	if task.Status == store.TaskStatusPending {
		if _, err := l.Machine.Transition(ctx, taskstate.TransitionInput{
			TaskID: task.ID, Event: taskstate.EventCoderStart, Actor: store.ActorCoder,
		}); err != nil {
			return Outcome{}, err
		}
	}

	mode, resumedFrom, err := l.coderResumePlan(ctx, task.ID)
	if err != nil {
		return Outcome{}, err
	}
	note, err := l.Project.LatestSubmissionNote(ctx, task.ID)
	if err != nil {
		return Outcome{}, err
	}

	req := provider.InvokeRequest{
		Prompt: l.buildCoderPrompt(task, mode, note),
		Model:  l.CoderModel,
		Cwd:    l.ProjectPath,
		Role:   "coder",
	}
	result, err := l.invoke(ctx, task.ID, l.Coder, req, "coder", mode, resumedFrom, task.RejectionCount)
	if err != nil {
		return Outcome{}, err
	}

	judgeResponse, err := l.invokeOrchestrator(ctx, task.ID, buildPostCoderJudgePrompt(result))
	if err != nil {
		return Outcome{}, err
	}
	verdict := ParseCoderVerdict(judgeResponse, result.Stdout)

	if verdict.Action == ActionRetry {
		return Outcome{TaskID: task.ID, FinalState: store.TaskStatusInProgress}, nil
	}

	if _, err := l.Project.InsertSubmissionNote(ctx, store.SubmissionNote{
		TaskID: task.ID, Notes: result.Stdout, CreatedAt: Now(),
	}); err != nil {
		return Outcome{}, err
	}

	next, err := l.Machine.Transition(ctx, taskstate.TransitionInput{
		TaskID: task.ID, Event: taskstate.EventCoderSubmit, Actor: store.ActorCoder,
	})
	if err != nil {
		return Outcome{}, err
	}
	l.emit(ctx, hooks.EventTaskUpdated, next)
	return Outcome{TaskID: task.ID, FinalState: next.Status}, nil
}

func (l *Loop) runReviewerPhase(ctx context.Context, task *store.Task, runnerID string) (Outcome, error) {
	note, err := l.Project.LatestSubmissionNote(ctx, task.ID)
	if err != nil {
		return Outcome{}, err
	}
	rejections, err := l.Project.ListRejections(ctx, task.ID)
	if err != nil {
		return Outcome{}, err
	}
	prompt := buildReviewerPrompt(task, note, rejections)

	results, err := l.invokeReviewersInParallel(ctx, task.ID, prompt)
	if err != nil {
		return Outcome{}, err
	}
	policyResult := Reconcile(results)

	judgeResponse, err := l.invokeOrchestrator(ctx, task.ID, buildPostReviewerJudgePrompt(policyResult))
	if err != nil {
		return Outcome{}, err
	}
	verdict, ok := ParsePostReviewerVerdict(judgeResponse)
	decision := policyResult.Decision
	if ok {
		decision = verdict.Decision
	}

	return l.applyReviewerDecision(ctx, task, decision, policyResult.Notes, runnerID)
}

func (l *Loop) applyReviewerDecision(ctx context.Context, task *store.Task, decision ReviewerDecision, notes, runnerID string) (Outcome, error) {
	var event taskstate.Event
	switch decision {
	case DecisionApprove:
		event = taskstate.EventReviewerApprove
	case DecisionReject:
		event = taskstate.EventReviewerReject
	case DecisionDispute:
		event = taskstate.EventReviewerDispute
	case DecisionSkip:
		event = taskstate.EventReviewerSkip
	default:
		// Unclear: remain in review, no transition this cycle.
		return Outcome{TaskID: task.ID, FinalState: store.TaskStatusReview}, nil
	}

	next, err := l.Machine.Transition(ctx, taskstate.TransitionInput{
		TaskID: task.ID, Event: event, Actor: store.ActorReviewer,
		ReviewerProvider: l.Orchestrator.Name(), ReviewerModel: l.ReviewerModel,
		RejectionNotes: notes,
	})
	if err != nil {
		return Outcome{}, err
	}

	switch next.Status {
	case store.TaskStatusCompleted:
		l.emit(ctx, hooks.EventTaskCompleted, next)
	case store.TaskStatusFailed:
		l.emit(ctx, hooks.EventTaskFailed, next)
	case store.TaskStatusDisputed:
		l.emit(ctx, hooks.EventDisputeCreated, next)
	default:
		l.emit(ctx, hooks.EventTaskUpdated, next)
	}

	if decision == DecisionReject && next.RejectionCount >= coordinatorRejectionThreshold {
		if guidance, err := l.invokeCoordinator(ctx, task, next); err == nil && guidance != "" {
			if _, err := l.Project.InsertSubmissionNote(ctx, store.SubmissionNote{
				TaskID: task.ID, Notes: "coordinator guidance: " + guidance, CreatedAt: Now(),
			}); err != nil {
				return Outcome{}, err
			}
		}
	}

	return Outcome{TaskID: task.ID, FinalState: next.Status, Pushed: next.Status == store.TaskStatusCompleted || next.Status == store.TaskStatusDisputed}, nil
}

// invokeCoordinator is called once a rejection pattern has repeated enough
// to warrant intervention; it must decide, never escalate.
func (l *Loop) invokeCoordinator(ctx context.Context, task *store.Task, updated *store.Task) (string, error) {
	rejections, err := l.Project.ListRejections(ctx, task.ID)
	if err != nil {
		return "", err
	}
	prompt := buildCoordinatorPrompt(task, rejections)
	response, err := l.invokeOrchestrator(ctx, task.ID, prompt)
	if err != nil {
		return "", err
	}
	verdict, ok := ParseCoordinatorVerdict(response)
	if !ok {
		return "", fmt.Errorf("orchestration: coordinator returned no actionable verdict")
	}
	return verdict.Guidance, nil
}

// invokeReviewersInParallel fans the reviewer prompt out to every
// configured reviewer and joins all results — a bare errgroup.Group (no
// WithContext) because the policy engine needs every reviewer's outcome,
// and one reviewer's error must not cancel the others.
func (l *Loop) invokeReviewersInParallel(ctx context.Context, taskID int64, prompt string) ([]ReviewerResult, error) {
	results := make([]ReviewerResult, len(l.Reviewers))
	var g errgroup.Group
	for i, reviewer := range l.Reviewers {
		i, reviewer := i, reviewer
		g.Go(func() error {
			req := provider.InvokeRequest{Prompt: prompt, Model: l.ReviewerModel, Cwd: l.ProjectPath, Role: "reviewer"}
			result, err := l.invoke(ctx, taskID, reviewer, req, "reviewer", store.InvocationModeFresh, "", 0)
			if err != nil {
				results[i] = ReviewerResult{Provider: reviewer.Name(), Decision: DecisionUnclear}
				return nil
			}
			decision, ok := ParseReviewerDecision(result.Stdout)
			if !ok {
				decision = DecisionUnclear
			}
			results[i] = ReviewerResult{Provider: reviewer.Name(), Decision: decision, Notes: result.Stdout}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// coderResumePlan decides whether the coder's next prompt should be a fresh
// build or a resume of its last session on this task: resume whenever a
// prior coder invocation left a reusable sessionId, per spec.md §4.6 step 1.
func (l *Loop) coderResumePlan(ctx context.Context, taskID int64) (mode, resumedFrom string, err error) {
	invs, err := l.Project.ListInvocationsByTask(ctx, taskID)
	if err != nil {
		return "", "", err
	}
	var lastCoder *store.Invocation
	for i := range invs {
		if invs[i].Role == "coder" {
			lastCoder = &invs[i]
		}
	}
	if lastCoder == nil || lastCoder.SessionID == "" {
		return store.InvocationModeFresh, "", nil
	}
	return store.InvocationModeResume, lastCoder.SessionID, nil
}

// invoke runs one provider call, recording its Invocation lifecycle
// (running at start, terminal on return, lastActivityAtMs touched on every
// OnActivity callback — the Stuck-Task Detector's hanging_invocation and
// db_inconsistency classifications both depend on these rows existing) and
// delegating to the Credit-Pause Controller when the failure classifies as
// credit exhaustion.
func (l *Loop) invoke(ctx context.Context, taskID int64, inv provider.ProviderInvoker, req provider.InvokeRequest, role, mode, resumedFrom string, rejectionNumber int) (provider.InvokeResult, error) {
	record := store.Invocation{
		ID:                   uuid.NewString(),
		TaskID:               taskID,
		Role:                 role,
		Provider:             inv.Name(),
		Model:                req.Model,
		Prompt:               req.Prompt,
		StartedAtMs:          NowMs(),
		LastActivityAtMs:     NowMs(),
		Status:               store.InvocationStatusRunning,
		ResumedFromSessionID: resumedFrom,
		InvocationMode:       mode,
		RejectionNumber:      rejectionNumber,
	}
	if err := l.Project.InsertInvocation(ctx, record); err != nil {
		return provider.InvokeResult{}, fmt.Errorf("orchestration: recording invocation start: %w", err)
	}

	req.ResumeSessionID = resumedFrom
	req.OnActivity = func() {
		_ = l.Project.UpdateInvocationActivity(ctx, record.ID, NowMs())
	}

	result, invokeErr := inv.Invoke(ctx, req)

	record.CompletedAtMs = NowMs()
	record.LastActivityAtMs = record.CompletedAtMs
	record.ExitCode = result.ExitCode
	record.DurationMs = result.DurationMs
	record.Stdout = result.Stdout
	record.Stderr = result.Stderr
	record.Success = result.Success
	record.TimedOut = result.TimedOut
	record.SessionID = result.SessionID
	record.TokenUsage = result.TokenUsage
	switch {
	case invokeErr != nil:
		record.Status = store.InvocationStatusFailed
	case result.TimedOut:
		record.Status = store.InvocationStatusTimeout
	case !result.Success:
		record.Status = store.InvocationStatusFailed
	default:
		record.Status = store.InvocationStatusCompleted
	}
	if err := l.Project.UpdateInvocation(ctx, record); err != nil && invokeErr == nil {
		invokeErr = fmt.Errorf("orchestration: recording invocation completion: %w", err)
	}

	if invokeErr != nil {
		return result, fmt.Errorf("orchestration: invoking %s: %w", inv.Name(), invokeErr)
	}
	if !result.Success {
		class := inv.ClassifyResult(result, nil)
		if class == provider.FailureCreditExhaustion && l.CreditPause != nil {
			if err := l.CreditPause(ctx, role, inv, req.Model); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (l *Loop) invokeOrchestrator(ctx context.Context, taskID int64, prompt string) (string, error) {
	req := provider.InvokeRequest{Prompt: prompt, Model: l.OrchestratorModel, Cwd: l.ProjectPath, Role: "orchestrator"}
	result, err := l.invoke(ctx, taskID, l.Orchestrator, req, "orchestrator", store.InvocationModeFresh, "", 0)
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

func (l *Loop) emit(ctx context.Context, typ hooks.EventType, task *store.Task) {
	if l.Sink == nil || task == nil {
		return
	}
	l.Sink.Dispatch(ctx, hooks.NewEvent(typ, l.ProjectPath, Now(), map[string]any{
		"status": task.Status,
	}))
}
