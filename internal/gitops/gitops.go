// Package gitops implements GitOps, the collaborator interface the
// Parallel Merge Engine and Runner Supervisor use for everything touching a
// project's git worktrees. Read-side operations (status, log, HEAD,
// diff) use go-git directly, grounded on internal/repository/clone.go's
// usage of the library; cherry-pick and push have no go-git porcelain and
// are shelled out to the system git binary via os/exec, matching the
// teacher's general comfort with subprocess invocation.
package gitops

import "context"

// Commit is a minimal commit summary, enough for the merge engine's
// cherry-pick walk bookkeeping.
type Commit struct {
	Hash    string
	Message string
}

// CherryPickResult reports the outcome of one cherry-pick attempt.
type CherryPickResult struct {
	Applied    bool
	Conflicted bool
	// ConflictedFiles lists paths with unresolved conflict markers, when
	// Conflicted is true.
	ConflictedFiles []string
}

// GitOps is the capability surface the Parallel Merge Engine and workstream
// clone setup depend on. Implementations live outside this module's
// core-scope boundary; this package defines the contract plus a reference
// implementation wired against a local checkout.
type GitOps interface {
	// CloneWorkstream creates an isolated working copy of repoPath at
	// destDir, checked out to baseBranch, for one workstream's exclusive use.
	CloneWorkstream(ctx context.Context, repoPath, destDir, baseBranch string) error

	// CommitsSince lists commits on branch since baseCommit, oldest first —
	// the walk order the merge engine cherry-picks in.
	CommitsSince(ctx context.Context, repoPath, baseCommit, branch string) ([]Commit, error)

	// CherryPick applies one commit onto the current HEAD of repoPath.
	CherryPick(ctx context.Context, repoPath, commitHash string) (CherryPickResult, error)

	// ContinueCherryPick resumes a cherry-pick after conflicts were resolved
	// and staged. EmptyCommit reports that the resolution left nothing to
	// commit (the upstream change is already present), which the merge
	// engine treats as "skip this commit" rather than an error.
	ContinueCherryPick(ctx context.Context, repoPath string) (emptyCommit bool, err error)

	// AbortCherryPick aborts an in-progress cherry-pick, restoring HEAD.
	AbortCherryPick(ctx context.Context, repoPath string) error

	// IsWorktreeDirty reports whether repoPath has uncommitted changes.
	IsWorktreeDirty(ctx context.Context, repoPath string) (bool, error)

	// ConflictedFiles lists paths that still carry unmerged/conflict-marker
	// state in the index, regardless of cherry-pick phase.
	ConflictedFiles(ctx context.Context, repoPath string) ([]string, error)

	// HasStagedChanges reports whether the index differs from HEAD.
	HasStagedChanges(ctx context.Context, repoPath string) (bool, error)

	// HeadCommit returns the current HEAD commit hash of repoPath.
	HeadCommit(ctx context.Context, repoPath string) (string, error)

	// Push pushes branch to remote, retrying per the caller's policy.
	Push(ctx context.Context, repoPath, remote, branch string) error
}
