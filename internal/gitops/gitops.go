// Package gitops wraps git operations the steward subsystem needs: a
// read-only introspection layer over go-git/v5 for remote/branch queries,
// and an argv-exec layer over the git CLI for worktree and merge
// operations go-git v5 has no public API for. Mutating calls go through a
// non-interactive command wrapper rather than shelling out with an
// unguarded os/exec.Command, and the type implements ports.GitOps and
// ports.WorktreeManager directly so the merge/docs stewards can depend on
// the interfaces alone.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/google/uuid"

	"github.com/stoneforge-ai/stewards/internal/common/apperrors"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

// Repo wraps a local git repository for both read-only go-git queries and
// CLI-driven mutating operations. It implements ports.GitOps.
type Repo struct {
	path string
	repo *git.Repository
}

// Open opens the git repository rooted at path.
func Open(path string) (*Repo, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, apperrors.Internal("opening repository", err)
	}
	return &Repo{path: path, repo: r}, nil
}

// Path returns the repository's root directory.
func (r *Repo) Path() string { return r.path }

// HasRemote reports whether the repository at workspaceRoot has at least
// one configured remote.
func (r *Repo) HasRemote(ctx context.Context, workspaceRoot string) (bool, error) {
	remotes, err := r.repo.Remotes()
	if err != nil {
		return false, apperrors.Internal("listing remotes", err)
	}
	return len(remotes) > 0, nil
}

// DefaultBranch resolves the default branch: `git symbolic-ref
// refs/remotes/origin/HEAD`, falling back to origin/main, origin/master,
// then "main".
func (r *Repo) DefaultBranch(ctx context.Context, workspaceRoot string) (string, error) {
	if out, err := runGit(ctx, r.path, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		ref := strings.TrimSpace(out)
		if idx := strings.LastIndex(ref, "/"); idx >= 0 {
			return ref[idx+1:], nil
		}
	}
	for _, candidate := range []string{"origin/main", "origin/master"} {
		if _, err := runGit(ctx, r.path, "rev-parse", "--verify", candidate); err == nil {
			parts := strings.SplitN(candidate, "/", 2)
			return parts[len(parts)-1], nil
		}
	}
	return "main", nil
}

const gitCommandTimeout = 2 * time.Minute

// newNonInteractiveGitCmd builds a git CLI invocation that can never block
// on a terminal prompt and is bounded by a hard wall-clock timeout,
// regardless of what subcommand it runs.
func newNonInteractiveGitCmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()

	cmd := newNonInteractiveGitCmd(ctx, dir, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String() + stderr.String(), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// escapeCommitMessage backslash-escapes double quotes in a user-controlled
// commit message before it reaches the subprocess, even though argv-form
// exec already avoids shell interpolation.
func escapeCommitMessage(msg string) string {
	return strings.ReplaceAll(msg, `"`, `\"`)
}

// SyncLocalBranch fetches the remote branch and checks out branch reset to
// origin/branch (git checkout -B), creating the local branch if it does not
// yet exist; local commits not on origin/branch are dropped from it.
func (r *Repo) SyncLocalBranch(ctx context.Context, workspaceRoot, branch string) error {
	if _, err := runGit(ctx, r.path, "fetch", "origin", branch); err != nil {
		return apperrors.Internal("fetching branch", err)
	}
	if _, err := runGit(ctx, r.path, "checkout", "-B", branch, "origin/"+branch); err != nil {
		return apperrors.Internal("syncing local branch", err)
	}
	return nil
}

// MergeBranch merges opts.SourceBranch into opts.TargetBranch using the
// configured strategy. A conflicting merge is aborted before returning so
// the worktree is left clean for the next attempt.
func (r *Repo) MergeBranch(ctx context.Context, opts ports.MergeOptions) (ports.MergeResult, error) {
	if opts.TargetBranch != "" {
		if _, err := runGit(ctx, r.path, "checkout", opts.TargetBranch); err != nil {
			return ports.MergeResult{}, apperrors.Internal("checking out target branch", err)
		}
	}

	args := []string{"merge", "--no-edit"}
	switch opts.Strategy {
	case ports.MergeStrategySquash:
		args = append(args, "--squash")
	default:
		args = append(args, "--no-ff")
	}
	args = append(args, opts.SourceBranch)

	out, mergeErr := runGit(ctx, r.path, args...)
	if mergeErr != nil {
		conflictFiles := r.conflictedFiles(ctx)
		if len(conflictFiles) > 0 {
			_, _ = runGit(ctx, r.path, "merge", "--abort")
			return ports.MergeResult{HasConflict: true, ConflictFiles: conflictFiles, Error: "conflict"}, nil
		}
		return ports.MergeResult{Error: out}, apperrors.Internal("merging branch", mergeErr)
	}

	if opts.Strategy == ports.MergeStrategySquash {
		message := opts.CommitMessage
		if message == "" {
			message = fmt.Sprintf("squash merge %s", opts.SourceBranch)
		}
		if _, err := runGit(ctx, r.path, "commit", "-m", escapeCommitMessage(message)); err != nil {
			return ports.MergeResult{}, apperrors.Internal("committing squash merge", err)
		}
	}

	hash, err := runGit(ctx, r.path, "rev-parse", "HEAD")
	if err != nil {
		return ports.MergeResult{}, apperrors.Internal("resolving merge commit hash", err)
	}

	if opts.AutoPush {
		if _, err := runGit(ctx, r.path, "push", "origin", opts.TargetBranch); err != nil {
			return ports.MergeResult{}, apperrors.Internal("pushing merged branch", err)
		}
	}

	return ports.MergeResult{Success: true, CommitHash: strings.TrimSpace(hash)}, nil
}

func (r *Repo) conflictedFiles(ctx context.Context) []string {
	out, err := runGit(ctx, r.path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// DeleteBranch deletes branch both locally and (if remote is true) on
// origin.
func (r *Repo) DeleteBranch(ctx context.Context, branch string, remote bool) error {
	if _, err := runGit(ctx, r.path, "branch", "-D", branch); err != nil {
		return apperrors.Internal("deleting local branch", err)
	}
	if remote {
		if _, err := runGit(ctx, r.path, "push", "origin", "--delete", branch); err != nil {
			return apperrors.Internal("deleting remote branch", err)
		}
	}
	return nil
}

// WorktreeManager provisions and tears down git worktrees rooted under
// baseDir, implementing ports.WorktreeManager. It keeps an in-memory
// id→Worktree table since go-git/the git CLI have no durable handle to a
// worktree besides its path.
type WorktreeManager struct {
	repo    *Repo
	baseDir string

	mu        sync.RWMutex
	worktrees map[string]ports.Worktree
}

// NewWorktreeManager returns a WorktreeManager that places worktrees under
// baseDir, one subdirectory per branch.
func NewWorktreeManager(repo *Repo, baseDir string) *WorktreeManager {
	return &WorktreeManager{
		repo:      repo,
		baseDir:   baseDir,
		worktrees: make(map[string]ports.Worktree),
	}
}

// CreateWorktree adds a new worktree checked out to branch and registers
// it under a freshly-assigned id.
func (w *WorktreeManager) CreateWorktree(ctx context.Context, branch string) (ports.Worktree, error) {
	path := filepath.Join(w.baseDir, sanitizeBranchForPath(branch))
	if _, err := runGit(ctx, w.repo.path, "worktree", "add", "-B", branch, path); err != nil {
		return ports.Worktree{}, apperrors.Internal("creating worktree", err)
	}

	wt := ports.Worktree{ID: uuid.NewString(), Path: path, Branch: branch}
	w.mu.Lock()
	w.worktrees[wt.ID] = wt
	w.mu.Unlock()
	return wt, nil
}

// GetWorktree looks up a previously created worktree by id.
func (w *WorktreeManager) GetWorktree(ctx context.Context, id string) (ports.Worktree, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	wt, ok := w.worktrees[id]
	return wt, ok, nil
}

// RemoveWorktree removes the worktree and forgets its id. Removing an
// unknown id is a not-found AppError so callers (the docs and merge
// stewards' cleanup steps) can treat "already gone" as success.
func (w *WorktreeManager) RemoveWorktree(ctx context.Context, id string, opts ports.RemoveWorktreeOptions) error {
	w.mu.Lock()
	wt, ok := w.worktrees[id]
	if !ok {
		w.mu.Unlock()
		return apperrors.NotFound("worktree", id)
	}
	delete(w.worktrees, id)
	w.mu.Unlock()

	args := []string{"worktree", "remove", wt.Path}
	if opts.Force {
		args = []string{"worktree", "remove", "--force", wt.Path}
	}
	if _, err := runGit(ctx, w.repo.path, args...); err != nil {
		return apperrors.Internal("removing worktree", err)
	}
	return nil
}

// GetDefaultBranch delegates to the wrapped repository.
func (w *WorktreeManager) GetDefaultBranch(ctx context.Context) (string, error) {
	return w.repo.DefaultBranch(ctx, w.repo.path)
}

func sanitizeBranchForPath(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

var (
	_ ports.GitOps         = (*Repo)(nil)
	_ ports.WorktreeManager = (*WorktreeManager)(nil)
)
