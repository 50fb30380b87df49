package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/steroids-run/steroids/internal/gitops"
	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/provider"
	"github.com/steroids-run/steroids/internal/store"
)

// conflictTaskTitle names the synthesized task for one conflicting commit,
// stable across retries so runConflictCycle can find and reuse it.
func conflictTaskTitle(workstreamID string, commit gitops.Commit) string {
	return fmt.Sprintf("merge conflict: %s onto %s", commit.Hash, workstreamID)
}

// runConflictCycle drives spec.md §4.7's Conflict Cycle to completion for
// one conflicting commit: backoff, coder resolution, reviewer approval,
// cherry-pick --continue. Returns once the commit is applied or skipped, or
// ErrConflictAttemptLimit once the workstream exceeds its retry budget.
func (e *Engine) runConflictCycle(ctx context.Context, session *store.ParallelSession, ws *store.Workstream, commit gitops.Commit, position int) error {
	task, err := e.ensureConflictTask(ctx, ws, commit)
	if err != nil {
		return err
	}

	for {
		current, err := e.Global.GetWorkstream(ctx, ws.ID)
		if err != nil {
			return err
		}
		*ws = *current
		attempt := ws.ConflictAttempts + 1
		if attempt > store.MaxConflictAttempts {
			if err := e.Global.SetWorkstreamStatus(ctx, ws.ID, store.WorkstreamStatusFailed); err != nil {
				return err
			}
			if err := e.Global.SetParallelSessionStatus(ctx, session.ID, store.ParallelSessionStatusBlockedConflict, ""); err != nil {
				return err
			}
			return fmt.Errorf("%w: workstream %s", ErrConflictAttemptLimit, ws.ID)
		}

		if err := e.waitWithHeartbeat(ctx, session.ID, ws, backoffFor(attempt)); err != nil {
			return err
		}
		if err := e.Global.RecordWorkstreamConflict(ctx, ws.ID, "", "coder_invoked", Now()); err != nil {
			return err
		}

		if err := e.Project.UpdateTaskFields(ctx, withStatus(task, store.TaskStatusInProgress)); err != nil {
			return err
		}

		resolved, err := e.invokeCoderResolution(ctx, session, task, commit)
		if err != nil {
			return err
		}
		if !resolved {
			// Conflict markers remain or nothing was staged: repeat with a
			// fresh attempt.
			continue
		}

		decision, err := e.invokeReviewerApproval(ctx, task, commit)
		if err != nil {
			return err
		}

		switch decision {
		case ReviewDecisionApprove:
			empty, err := e.Git.ContinueCherryPick(ctx, session.WorkspaceRoot)
			if err != nil {
				return fmt.Errorf("merge: continuing cherry-pick: %w", err)
			}
			if empty {
				if err := e.Project.UpdateTaskFields(ctx, withStatus(task, store.TaskStatusCompleted)); err != nil {
					return err
				}
				if _, err := e.Project.InsertSubmissionNote(ctx, store.SubmissionNote{
					TaskID: task.ID, Notes: "cherry-pick produced an empty commit; skipped.", CreatedAt: Now(),
				}); err != nil {
					return err
				}
				return e.recordResolved(ctx, session.ID, ws.ID, position, commit.Hash, store.MergeProgressSkipped, "")
			}
			head, err := e.Git.HeadCommit(ctx, session.WorkspaceRoot)
			if err != nil {
				return err
			}
			if err := e.Project.UpdateTaskFields(ctx, withStatus(task, store.TaskStatusCompleted)); err != nil {
				return err
			}
			e.emit(ctx, hooks.EventTaskCompleted, session.ProjectPath, map[string]any{"task_id": task.ID})
			return e.recordResolved(ctx, session.ID, ws.ID, position, commit.Hash, store.MergeProgressApplied, head)

		case ReviewDecisionReject:
			if _, err := e.Project.InsertRejection(ctx, store.RejectionEntry{
				TaskID: task.ID, RejectionNumber: task.RejectionCount + 1,
				ReviewerProvider: e.Reviewer.Name(), ReviewerModel: e.ReviewerModel, CreatedAt: Now(),
			}); err != nil {
				return err
			}
			task.RejectionCount++
			if err := e.Project.UpdateTaskFields(ctx, withStatus(task, store.TaskStatusInProgress)); err != nil {
				return err
			}
			continue

		default:
			// No explicit token: treat as a rejection so the cycle retries
			// rather than silently stalling.
			continue
		}
	}
}

// ensureConflictTask creates or reuses the merge-conflict task for this
// commit, so resuming after a crash doesn't spawn duplicate tasks.
func (e *Engine) ensureConflictTask(ctx context.Context, ws *store.Workstream, commit gitops.Commit) (*store.Task, error) {
	title := conflictTaskTitle(ws.ID, commit)
	tasks, err := e.Project.ListTasksBySection(ctx, e.ConflictSectionID)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].Title == title {
			return &tasks[i], nil
		}
	}
	id, err := e.Project.InsertTask(ctx, store.Task{
		Title: title, Status: store.TaskStatusInProgress, SectionID: e.ConflictSectionID,
		CreatedAt: Now(), UpdatedAt: Now(),
	})
	if err != nil {
		return nil, err
	}
	return e.Project.GetTask(ctx, id)
}

func withStatus(task *store.Task, status string) store.Task {
	t := *task
	t.Status = status
	t.UpdatedAt = Now()
	return t
}

// invokeCoderResolution prompts the coder to resolve one conflicting commit
// and requires it leave staged changes with no conflict markers.
func (e *Engine) invokeCoderResolution(ctx context.Context, session *store.ParallelSession, task *store.Task, commit gitops.Commit) (bool, error) {
	conflicted, err := e.Git.ConflictedFiles(ctx, session.WorkspaceRoot)
	if err != nil {
		return false, err
	}
	prompt := buildConflictResolutionPrompt(commit, conflicted)
	req := provider.InvokeRequest{Prompt: prompt, Model: e.CoderModel, Cwd: session.WorkspaceRoot, Role: "coder"}
	result, err := e.Coder.Invoke(ctx, req)
	if err != nil {
		return false, fmt.Errorf("merge: invoking coder: %w", err)
	}
	if !result.Success {
		return false, nil
	}

	remaining, err := e.Git.ConflictedFiles(ctx, session.WorkspaceRoot)
	if err != nil {
		return false, err
	}
	if len(remaining) > 0 {
		return false, nil
	}
	staged, err := e.Git.HasStagedChanges(ctx, session.WorkspaceRoot)
	if err != nil {
		return false, err
	}
	return staged, nil
}

// ReviewDecision is the explicit token the reviewer must return during a
// Conflict Cycle; sentiment inference is forbidden here just as it is in the
// main Orchestration Loop.
type ReviewDecision string

const (
	ReviewDecisionApprove ReviewDecision = "approve"
	ReviewDecisionReject  ReviewDecision = "reject"
	ReviewDecisionUnclear ReviewDecision = "unclear"
)

func (e *Engine) invokeReviewerApproval(ctx context.Context, task *store.Task, commit gitops.Commit) (ReviewDecision, error) {
	prompt := buildConflictReviewPrompt(task, commit)
	req := provider.InvokeRequest{Prompt: prompt, Model: e.ReviewerModel, Role: "reviewer"}
	result, err := e.Reviewer.Invoke(ctx, req)
	if err != nil {
		return ReviewDecisionUnclear, fmt.Errorf("merge: invoking reviewer: %w", err)
	}
	upper := strings.ToUpper(result.Stdout)
	idx := strings.Index(upper, "DECISION:")
	if idx < 0 {
		return ReviewDecisionUnclear, nil
	}
	rest := strings.TrimSpace(upper[idx+len("DECISION:"):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ReviewDecisionUnclear, nil
	}
	switch fields[0] {
	case "APPROVE":
		return ReviewDecisionApprove, nil
	case "REJECT":
		return ReviewDecisionReject, nil
	default:
		return ReviewDecisionUnclear, nil
	}
}

func (e *Engine) recordResolved(ctx context.Context, sessionID int64, workstreamID string, position int, commitSha, status, appliedSHA string) error {
	if _, err := e.Project.InsertMergeProgress(ctx, store.MergeProgress{
		SessionID: sessionID, WorkstreamID: workstreamID, Position: position,
		CommitSha: commitSha, Status: status, AppliedCommitSha: appliedSHA,
	}); err != nil {
		return err
	}
	return e.Global.SetWorkstreamStatus(ctx, workstreamID, store.WorkstreamStatusRunning)
}

// waitWithHeartbeat sleeps for total, refreshing the workstream lease and
// merge lock every heartbeatWindow so neither expires mid-backoff.
func (e *Engine) waitWithHeartbeat(ctx context.Context, sessionID int64, ws *store.Workstream, total time.Duration) error {
	remaining := total
	for remaining > 0 {
		slice := heartbeatWindow
		if remaining < slice {
			slice = remaining
		}
		Sleep(slice)
		remaining -= slice
		if err := e.refresh(ctx, sessionID, ws); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func buildConflictResolutionPrompt(commit gitops.Commit, conflictedFiles []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve the cherry-pick conflict for commit %s.\nCommit message:\n%s\n", commit.Hash, commit.Message)
	if len(conflictedFiles) > 0 {
		b.WriteString("Conflicted files:\n")
		for _, f := range conflictedFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("Resolve every conflict marker and `git add` the result. Leave the changes staged; do not commit.")
	return b.String()
}

func buildConflictReviewPrompt(task *store.Task, commit gitops.Commit) string {
	return fmt.Sprintf(
		"Review the staged conflict resolution for commit %s (task %q). Respond with an explicit line \"DECISION: APPROVE\" or \"DECISION: REJECT\".",
		commit.Hash, task.Title,
	)
}
