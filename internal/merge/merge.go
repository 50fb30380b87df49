// Package merge implements the Parallel Merge Engine: walking each
// workstream's commits onto the integration branch via cherry-pick,
// synthesizing a dedicated task and coder/reviewer cycle whenever a
// cherry-pick conflicts, and recording MergeProgress so the walk is
// resumable after a crash. Grounded on internal/repository/clone.go for
// the go-git read side and internal/agent/orchestrator.go's ticker-based
// background loops for the conflict cycle's sliced backoff wait.
package merge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/steroids-run/steroids/internal/gitops"
	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/lock"
	"github.com/steroids-run/steroids/internal/provider"
	"github.com/steroids-run/steroids/internal/store"
)

// ErrConflictAttemptLimit is raised once a workstream's conflict_attempts
// exceeds store.MaxConflictAttempts.
var ErrConflictAttemptLimit = errors.New("merge: conflict attempt limit reached")

// ErrValidationFailed is raised when the post-workstream validation gate
// exits non-zero.
var ErrValidationFailed = errors.New("merge: VALIDATION_FAILED")

// ErrMergeLockHeld means another runner currently holds the session's merge
// lock.
var ErrMergeLockHeld = errors.New("merge: merge lock held by another runner")

// heartbeatWindow is the slice size the Conflict Cycle's exponential
// backoff wait is chopped into, so the workstream lease and merge lock
// never go unrefreshed for more than this long.
const heartbeatWindow = 30 * time.Second

// Now is overridable for deterministic tests.
var Now = func() string { return time.Now().UTC().Format(time.RFC3339) }

// Sleep is overridable so tests can collapse the conflict cycle's backoff
// without waiting out real minutes.
var Sleep = time.Sleep

// branchName is the convention this engine uses to name a workstream's
// integration-bound branch inside its own clone.
func branchName(workstreamID string) string {
	return "workstream/" + workstreamID
}

// Engine drives one parallel session's merge to completion.
type Engine struct {
	Global  *store.GlobalStore
	Project *store.ProjectStore
	Git     gitops.GitOps
	Lease   *lock.WorkstreamLease
	Merge   *lock.MergeLock
	Sink    *hooks.Dispatcher

	Coder         provider.ProviderInvoker
	CoderModel    string
	Reviewer      provider.ProviderInvoker
	ReviewerModel string

	// ConflictSectionID is the dedicated section merge-conflict tasks are
	// filed under.
	ConflictSectionID string

	// ValidationCommand is an optional shell command run after each
	// workstream merges cleanly; empty skips the gate.
	ValidationCommand string
	ValidationTimeout time.Duration

	// CleanupOnSuccess removes workstream clone directories once the whole
	// session merges successfully, provided their path resolves strictly
	// under WorkspaceRoot.
	CleanupOnSuccess bool

	RunnerID string
}

// Run merges every workstream of sessionID onto its integration branch.
func (e *Engine) Run(ctx context.Context, sessionID int64) error {
	if err := e.Merge.EnsureRow(ctx, sessionID); err != nil {
		return err
	}
	claimed, err := e.Merge.Claim(ctx, sessionID, e.RunnerID)
	if err != nil {
		return fmt.Errorf("merge: claiming merge lock: %w", err)
	}
	if !claimed {
		return ErrMergeLockHeld
	}

	session, err := e.Global.GetParallelSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("merge: loading session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("merge: session %d not found", sessionID)
	}
	if err := e.Project.UpsertSection(ctx, store.Section{
		ID: e.ConflictSectionID, Name: "merge conflicts", Position: -1, CreatedAt: Now(),
	}); err != nil {
		return fmt.Errorf("merge: ensuring conflict section: %w", err)
	}

	dirty, err := e.Git.IsWorktreeDirty(ctx, session.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("merge: checking integration worktree: %w", err)
	}
	if dirty {
		conflicted, cErr := e.Git.ConflictedFiles(ctx, session.WorkspaceRoot)
		if cErr != nil {
			return fmt.Errorf("merge: checking conflicted files: %w", cErr)
		}
		if len(conflicted) == 0 {
			return fmt.Errorf("merge: integration worktree %s is dirty outside a cherry-pick", session.WorkspaceRoot)
		}
	}

	workstreams, err := e.Global.ListWorkstreams(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("merge: listing workstreams: %w", err)
	}

	for i := range workstreams {
		ws := workstreams[i]
		if ws.Status == store.WorkstreamStatusCompleted || ws.Status == store.WorkstreamStatusFailed {
			continue
		}
		if err := e.mergeWorkstream(ctx, session, &ws); err != nil {
			return err
		}
		if e.ValidationCommand != "" {
			if err := e.runValidationGate(ctx, session.WorkspaceRoot); err != nil {
				return err
			}
		}
	}

	if err := e.Global.SetParallelSessionStatus(ctx, sessionID, store.ParallelSessionStatusCompleted, Now()); err != nil {
		return fmt.Errorf("merge: marking session completed: %w", err)
	}
	e.emit(ctx, hooks.EventSectionCompleted, session.ProjectPath, map[string]any{"session_id": sessionID})

	if e.CleanupOnSuccess {
		e.cleanupWorkstreams(ctx, session, workstreams)
	}
	return nil
}

func (e *Engine) mergeWorkstream(ctx context.Context, session *store.ParallelSession, ws *store.Workstream) error {
	claimed, err := e.Lease.Claim(ctx, ws.ID, e.RunnerID)
	if err != nil {
		return fmt.Errorf("merge: claiming workstream lease %s: %w", ws.ID, err)
	}
	if !claimed {
		return fmt.Errorf("merge: workstream %s lease held by another runner", ws.ID)
	}
	current, err := e.Global.GetWorkstream(ctx, ws.ID)
	if err != nil {
		return err
	}
	*ws = *current

	baseCommit, err := e.Git.HeadCommit(ctx, session.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("merge: resolving integration HEAD: %w", err)
	}
	commits, err := e.Git.CommitsSince(ctx, ws.ClonePath, baseCommit, branchName(ws.ID))
	if err != nil {
		return fmt.Errorf("merge: listing commits for %s: %w", ws.ID, err)
	}

	progress, err := e.Project.ListMergeProgress(ctx, session.ID, ws.ID)
	if err != nil {
		return err
	}
	byPosition := make(map[int]store.MergeProgress, len(progress))
	for _, p := range progress {
		byPosition[p.Position] = p
	}

	for position, commit := range commits {
		if err := e.refresh(ctx, session.ID, ws); err != nil {
			return err
		}

		if existing, ok := byPosition[position]; ok {
			if existing.Status == store.MergeProgressApplied || existing.Status == store.MergeProgressSkipped {
				continue
			}
		}

		result, err := e.Git.CherryPick(ctx, session.WorkspaceRoot, commit.Hash)
		if err != nil {
			return fmt.Errorf("merge: cherry-pick %s: %w", commit.Hash, err)
		}
		if result.Applied {
			head, err := e.Git.HeadCommit(ctx, session.WorkspaceRoot)
			if err != nil {
				return err
			}
			if _, err := e.Project.InsertMergeProgress(ctx, store.MergeProgress{
				SessionID: session.ID, WorkstreamID: ws.ID, Position: position,
				CommitSha: commit.Hash, Status: store.MergeProgressApplied, AppliedCommitSha: head,
			}); err != nil {
				return err
			}
			continue
		}

		// The conflict itself is not checkpointed in MergeProgress: only a
		// terminal outcome (applied/skipped) is. Resumability across a crash
		// comes from the workstream's own conflict_attempts counter, which
		// runConflictCycle consults before its first action on resume.
		if err := e.runConflictCycle(ctx, session, ws, commit, position); err != nil {
			return err
		}
	}

	return e.Global.SetWorkstreamStatus(ctx, ws.ID, store.WorkstreamStatusCompleted)
}

// refresh extends both the workstream lease and the merge lock, the "between
// commits" heartbeat the algorithm requires.
func (e *Engine) refresh(ctx context.Context, sessionID int64, ws *store.Workstream) error {
	if err := e.Lease.Refresh(ctx, ws.ID, e.RunnerID, ws.ClaimGeneration); err != nil {
		return fmt.Errorf("merge: refreshing workstream lease: %w", err)
	}
	mergeRow, err := e.Global.GetWorkstream(ctx, lock.MergeLockID(sessionID))
	if err != nil {
		return err
	}
	if err := e.Merge.Refresh(ctx, sessionID, e.RunnerID, mergeRow.ClaimGeneration); err != nil {
		return fmt.Errorf("merge: refreshing merge lock: %w", err)
	}
	return nil
}

// backoffFor computes the exponential backoff (capped at 30 minutes) spec.md
// §4.7's Conflict Cycle specifies for attempt number n (1-indexed).
func backoffFor(attempt int) time.Duration {
	minutes := math.Pow(2, float64(attempt-1))
	if minutes > 30 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

func (e *Engine) emit(ctx context.Context, typ hooks.EventType, project string, fields map[string]any) {
	if e.Sink == nil {
		return
	}
	e.Sink.Dispatch(ctx, hooks.NewEvent(typ, project, Now(), fields))
}
