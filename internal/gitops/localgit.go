package gitops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// maxCombinedOutput bounds how much of a subprocess's combined stdout+stderr
// the validation gate retains, matching the merge engine's 20 MiB cap on
// command output it buffers in memory.
const maxCombinedOutput = 20 * 1024 * 1024

// LocalGit is the reference GitOps implementation: go-git for read-only
// inspection, the system git binary for the operations go-git's porcelain
// doesn't cover (cherry-pick, push).
type LocalGit struct{}

// NewLocalGit builds a LocalGit.
func NewLocalGit() *LocalGit { return &LocalGit{} }

func (g *LocalGit) CloneWorkstream(ctx context.Context, repoPath, destDir, baseBranch string) error {
	opts := &gogit.CloneOptions{URL: repoPath}
	if baseBranch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(baseBranch)
		opts.SingleBranch = true
	}
	slog.Debug("cloning workstream worktree", "repo", repoPath, "dest", destDir, "branch", baseBranch)
	_, err := gogit.PlainCloneContext(ctx, destDir, false, opts)
	if err != nil {
		return fmt.Errorf("gitops: cloning workstream worktree: %w", err)
	}
	return nil
}

func (g *LocalGit) CommitsSince(ctx context.Context, repoPath, baseCommit, branch string) ([]Commit, error) {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("gitops: opening repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("gitops: resolving branch %s: %w", branch, err)
	}
	iter, err := repo.Log(&gogit.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("gitops: walking log: %w", err)
	}
	defer iter.Close()

	var commits []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash.String() == baseCommit {
			return io.EOF // stop the walk; ForEach treats io.EOF as "done, no error"
		}
		commits = append(commits, Commit{Hash: c.Hash.String(), Message: c.Message})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gitops: iterating commits: %w", err)
	}
	// repo.Log walks newest-first; the merge engine cherry-picks oldest-first.
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits, nil
}

func (g *LocalGit) CherryPick(ctx context.Context, repoPath, commitHash string) (CherryPickResult, error) {
	out, err := runGit(ctx, repoPath, "cherry-pick", "--keep-redundant-commits", commitHash)
	if err == nil {
		return CherryPickResult{Applied: true}, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		files, lsErr := runGit(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
		if lsErr != nil {
			return CherryPickResult{Conflicted: true}, nil
		}
		return CherryPickResult{Conflicted: true, ConflictedFiles: splitLines(files)}, nil
	}
	return CherryPickResult{}, fmt.Errorf("gitops: cherry-pick %s: %w", commitHash, err)
}

func (g *LocalGit) ContinueCherryPick(ctx context.Context, repoPath string) (bool, error) {
	out, err := runGit(ctx, repoPath, "-c", "core.editor=true", "cherry-pick", "--continue")
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			if abortErr := g.AbortCherryPick(ctx, repoPath); abortErr != nil {
				return false, fmt.Errorf("gitops: aborting empty cherry-pick: %w", abortErr)
			}
			return true, nil
		}
		return false, fmt.Errorf("gitops: continuing cherry-pick: %w", err)
	}
	return false, nil
}

func (g *LocalGit) AbortCherryPick(ctx context.Context, repoPath string) error {
	_, err := runGit(ctx, repoPath, "cherry-pick", "--abort")
	if err != nil {
		return fmt.Errorf("gitops: aborting cherry-pick: %w", err)
	}
	return nil
}

func (g *LocalGit) ConflictedFiles(ctx context.Context, repoPath string) ([]string, error) {
	out, err := runGit(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("gitops: listing conflicted files: %w", err)
	}
	return splitLines(out), nil
}

func (g *LocalGit) HasStagedChanges(ctx context.Context, repoPath string) (bool, error) {
	_, err := runGit(ctx, repoPath, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return true, nil
	}
	return false, fmt.Errorf("gitops: checking staged changes: %w", err)
}

func (g *LocalGit) IsWorktreeDirty(ctx context.Context, repoPath string) (bool, error) {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return false, fmt.Errorf("gitops: opening repo: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("gitops: getting worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("gitops: getting status: %w", err)
	}
	return !status.IsClean(), nil
}

func (g *LocalGit) HeadCommit(ctx context.Context, repoPath string) (string, error) {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("gitops: opening repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("gitops: resolving HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

func (g *LocalGit) Push(ctx context.Context, repoPath, remote, branch string) error {
	_, err := runGit(ctx, repoPath, "push", remote, branch)
	if err != nil {
		return fmt.Errorf("gitops: pushing %s to %s: %w", branch, remote, err)
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) // #nosec G204 -- args are built internally from validated state
	cmd.Dir = dir

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var buf bytes.Buffer
	readDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(&buf, io.LimitReader(pr, maxCombinedOutput))
		readDone <- err
	}()

	runErr := cmd.Run()
	pw.Close()
	<-readDone
	return buf.String(), runErr
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
