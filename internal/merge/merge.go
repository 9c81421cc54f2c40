// Package merge implements the Merge Steward: a per-task state
// machine that tests, merges, and cleans up branches awaiting merge, and
// creates follow-up fix tasks on test failure or merge conflict.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stewards/internal/common/apperrors"
	"github.com/stoneforge-ai/stewards/internal/common/logger"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

// Config holds the merge steward's tunables.
type Config struct {
	TestCommand            string
	TestTimeout            time.Duration
	AutoMerge              bool
	AutoCleanup            bool
	DeleteBranchAfterMerge bool
	MergeStrategy          ports.MergeStrategy
	AutoPushAfterMerge     bool
	TargetBranch           string // override; empty means auto-detect
	StewardEntityID        string
	WorkspaceRoot          string
}

// ProcessOptions parameterizes one processTask call.
type ProcessOptions struct {
	SkipTests  bool
	ForceMerge bool
}

// Outcome is the terminal state processTask reports.
type Outcome string

const (
	OutcomeMerged     Outcome = "merged"
	OutcomeTestFailed Outcome = "test_failed"
	OutcomeConflict   Outcome = "conflict"
	OutcomeFailed     Outcome = "failed"
	OutcomePending    Outcome = "pending"
)

// ProcessResult is the outcome of one processTask call.
type ProcessResult struct {
	Outcome         Outcome
	Error           string
	FixTaskID       string
	MergeCommitHash string
}

// BatchResult summarizes a processAllPending run.
type BatchResult struct {
	TotalProcessed int
	Merged         int
	TestFailed     int
	Conflict       int
	Failed         int
	Results        map[string]ProcessResult // taskID -> result
}

// Steward runs the merge state machine. Build one with New.
type Steward struct {
	cfg       Config
	store     ports.Store
	git       ports.GitOps
	worktrees ports.WorktreeManager
	dispatch  ports.Dispatch
	registry  ports.AgentRegistry
	log       *logger.Logger
}

// New builds a Merge Steward over the given collaborators.
func New(cfg Config, store ports.Store, git ports.GitOps, worktrees ports.WorktreeManager, dispatch ports.Dispatch, registry ports.AgentRegistry, log *logger.Logger) *Steward {
	if log == nil {
		log = logger.Default()
	}
	if cfg.TestCommand == "" {
		cfg.TestCommand = "npm test"
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = 5 * time.Minute
	}
	if cfg.MergeStrategy == "" {
		cfg.MergeStrategy = ports.MergeStrategySquash
	}
	return &Steward{
		cfg: cfg, store: store, git: git, worktrees: worktrees,
		dispatch: dispatch, registry: registry,
		log: log.WithFields(zap.String("component", "merge-steward")),
	}
}

// ProcessTask runs the test-merge-cleanup state machine for one task.
func (s *Steward) ProcessTask(ctx context.Context, taskID string, opts ProcessOptions) (result ProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ProcessResult{Outcome: OutcomeFailed, Error: fmt.Sprintf("%v", r)}
		}
	}()

	task, ok, getErr := s.store.Get(ctx, taskID)
	if getErr != nil {
		return ProcessResult{Outcome: OutcomeFailed, Error: getErr.Error()}, nil
	}
	if !ok {
		return ProcessResult{Outcome: OutcomeFailed, Error: "Task not found"}, nil
	}
	if task.Orchestrator.Branch == "" {
		return ProcessResult{Outcome: OutcomeFailed, Error: "Task has no branch associated"}, nil
	}

	// Idempotence: a task already merged returns merged without side effects.
	if task.Status == ports.TaskClosed && task.Orchestrator.MergeStatus == ports.MergeMerged {
		return ProcessResult{Outcome: OutcomeMerged}, nil
	}

	if !opts.SkipTests {
		task, err = s.markMergeStatus(ctx, task.ID, ports.MergeTesting)
		if err != nil {
			return ProcessResult{Outcome: OutcomeFailed, Error: err.Error()}, nil
		}

		testResult := s.runTests(ctx, task)

		if !testResult.Passed {
			task, err = s.store.Update(ctx, task.ID, func(t *ports.Task) {
				t.Orchestrator.MergeStatus = ports.MergeTestFailed
				t.Orchestrator.LastTestResult = &testResult
				t.Orchestrator.TestRunCount++
			})
			if err != nil {
				return ProcessResult{Outcome: OutcomeFailed, Error: err.Error()}, nil
			}
			fixTaskID, fixErr := s.createFixTask(ctx, task, "test_failure", testResult.ErrorMessage, nil)
			if fixErr != nil {
				s.log.Warn("failed to create fix task for test failure", zap.Error(fixErr))
			}
			return ProcessResult{Outcome: OutcomeTestFailed, FixTaskID: fixTaskID}, nil
		}

		// tests passed: record the result and move mergeStatus to pending/merging below.
		task, err = s.store.Update(ctx, task.ID, func(t *ports.Task) {
			t.Orchestrator.MergeStatus = ports.MergePending
			t.Orchestrator.LastTestResult = &testResult
			t.Orchestrator.TestRunCount++
		})
		if err != nil {
			return ProcessResult{Outcome: OutcomeFailed, Error: err.Error()}, nil
		}
	}

	if !s.cfg.AutoMerge && !opts.ForceMerge {
		task, err = s.markMergeStatus(ctx, task.ID, ports.MergePending)
		if err != nil {
			return ProcessResult{Outcome: OutcomeFailed, Error: err.Error()}, nil
		}
		_ = task
		return ProcessResult{Outcome: OutcomePending}, nil
	}

	task, err = s.markMergeStatus(ctx, task.ID, ports.MergeMerging)
	if err != nil {
		return ProcessResult{Outcome: OutcomeFailed, Error: err.Error()}, nil
	}

	targetBranch, err := s.resolveTargetBranch(ctx)
	if err != nil {
		return ProcessResult{Outcome: OutcomeFailed, Error: err.Error()}, nil
	}

	mergeResult, mergeErr := s.attemptMerge(ctx, task, targetBranch)
	if mergeErr != nil {
		task, _ = s.markMergeStatusWithReason(ctx, task.ID, ports.MergeFailed, mergeErr.Error())
		return ProcessResult{Outcome: OutcomeFailed, Error: mergeErr.Error()}, nil
	}

	if mergeResult.HasConflict {
		reason := fmt.Sprintf("conflict in: %s", strings.Join(mergeResult.ConflictFiles, ", "))
		task, _ = s.markMergeStatusWithReason(ctx, task.ID, ports.MergeConflict, reason)
		fixTaskID, fixErr := s.createFixTask(ctx, task, "merge_conflict", reason, mergeResult.ConflictFiles)
		if fixErr != nil {
			s.log.Warn("failed to create fix task for merge conflict", zap.Error(fixErr))
		}
		return ProcessResult{Outcome: OutcomeConflict, FixTaskID: fixTaskID}, nil
	}

	if !mergeResult.Success {
		task, _ = s.markMergeStatusWithReason(ctx, task.ID, ports.MergeFailed, mergeResult.Error)
		return ProcessResult{Outcome: OutcomeFailed, Error: mergeResult.Error}, nil
	}

	previousAssignee := task.Assignee

	now := time.Now()
	task, err = s.store.Update(ctx, task.ID, func(t *ports.Task) {
		t.Orchestrator.MergeStatus = ports.MergeMerged
		t.Orchestrator.MergedAt = &now
		t.Status = ports.TaskClosed
		t.ClosedAt = &now
		t.Assignee = ""
	})
	if err != nil {
		return ProcessResult{Outcome: OutcomeFailed, Error: err.Error()}, nil
	}

	s.cleanupAfterMerge(ctx, task)
	s.notifyAssigneeOfOutcome(ctx, previousAssignee, "task_merged", fmt.Sprintf("Task %s merged as %s", task.ID, mergeResult.CommitHash))

	if hasRemote, _ := s.git.HasRemote(ctx, s.cfg.WorkspaceRoot); hasRemote {
		if err := s.git.SyncLocalBranch(ctx, s.cfg.WorkspaceRoot, targetBranch); err != nil {
			// Best-effort: a failed post-merge fetch/sync does not alter the
			// returned merge result.
			s.log.Warn("post-merge branch sync failed", zap.Error(err))
		}
	}

	return ProcessResult{Outcome: OutcomeMerged, MergeCommitHash: mergeResult.CommitHash}, nil
}

func (s *Steward) markMergeStatus(ctx context.Context, taskID string, status ports.MergeStatus) (ports.Task, error) {
	return s.store.Update(ctx, taskID, func(t *ports.Task) {
		t.Orchestrator.MergeStatus = status
	})
}

func (s *Steward) markMergeStatusWithReason(ctx context.Context, taskID string, status ports.MergeStatus, reason string) (ports.Task, error) {
	return s.store.Update(ctx, taskID, func(t *ports.Task) {
		t.Orchestrator.MergeStatus = status
		t.Orchestrator.MergeFailureReason = reason
	})
}

// runTests resolves the working directory (the task's worktree if
// available, else the workspace root) and runs the configured test
// command under cfg.TestTimeout.
func (s *Steward) runTests(ctx context.Context, task ports.Task) ports.TestResult {
	dir := task.Orchestrator.Worktree
	if dir == "" {
		dir = s.cfg.WorkspaceRoot
		s.log.Warn("task has no worktree; running tests in workspace root", zap.String("taskId", task.ID))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TestTimeout)
	defer cancel()

	start := time.Now()
	parts := strings.Fields(s.cfg.TestCommand)
	if len(parts) == 0 {
		return ports.TestResult{Passed: false, CompletedAt: time.Now(), ErrorMessage: "no test command configured"}
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	duration := time.Since(start)

	result := ports.TestResult{
		Passed:      err == nil,
		CompletedAt: time.Now(),
		DurationMs:  duration.Milliseconds(),
	}
	if err != nil {
		msg := out.String()
		if ctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("test command timed out after %s: %s", s.cfg.TestTimeout, msg)
		}
		result.ErrorMessage = truncate(msg, 500)
	}
	return result
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// resolveTargetBranch resolves the merge target: explicit config, else the
// worktree manager's default, else GitOps.DefaultBranch (origin's default
// branch), else "main". The workspace's currently checked-out branch is not
// consulted.
func (s *Steward) resolveTargetBranch(ctx context.Context) (string, error) {
	if s.cfg.TargetBranch != "" {
		return s.cfg.TargetBranch, nil
	}
	if s.worktrees != nil {
		if branch, err := s.worktrees.GetDefaultBranch(ctx); err == nil && branch != "" {
			return branch, nil
		}
	}
	if branch, err := s.git.DefaultBranch(ctx, s.cfg.WorkspaceRoot); err == nil && branch != "" {
		return branch, nil
	}
	return "main", nil
}

func (s *Steward) attemptMerge(ctx context.Context, task ports.Task, targetBranch string) (ports.MergeResult, error) {
	message := s.cfg.defaultCommitMessage(task, targetBranch)
	return s.git.MergeBranch(ctx, ports.MergeOptions{
		WorkspaceRoot: s.cfg.WorkspaceRoot,
		SourceBranch:  task.Orchestrator.Branch,
		TargetBranch:  targetBranch,
		Strategy:      s.cfg.MergeStrategy,
		AutoPush:      s.cfg.AutoPushAfterMerge,
		CommitMessage: message,
		Preflight:     true,
		SyncLocal:     false,
	})
}

func (c Config) defaultCommitMessage(task ports.Task, targetBranch string) string {
	if c.MergeStrategy == ports.MergeStrategyMerge {
		return fmt.Sprintf("Merge branch '%s' (Task: %s)", task.Orchestrator.Branch, task.ID)
	}
	return fmt.Sprintf("%s (%s)", task.Title, task.ID)
}

// cleanupAfterMerge removes the task's worktree (if any) and, depending on
// configuration, deletes its branch locally and/or on the remote.
func (s *Steward) cleanupAfterMerge(ctx context.Context, task ports.Task) {
	if !s.cfg.AutoCleanup {
		return
	}
	if task.Orchestrator.WorktreeID != "" && s.worktrees != nil {
		if err := s.worktrees.RemoveWorktree(ctx, task.Orchestrator.WorktreeID, ports.RemoveWorktreeOptions{Force: true}); err != nil && !apperrors.IsNotFound(err) {
			s.log.Warn("failed to remove task worktree", zap.String("taskId", task.ID), zap.Error(err))
		}
	}
	if !s.cfg.DeleteBranchAfterMerge {
		return
	}
	hasRemote, _ := s.git.HasRemote(ctx, s.cfg.WorkspaceRoot)
	if repo, ok := s.git.(branchDeleter); ok {
		if err := repo.DeleteBranch(ctx, task.Orchestrator.Branch, hasRemote); err != nil {
			s.log.Warn("failed to delete merged branch", zap.String("branch", task.Orchestrator.Branch), zap.Error(err))
		}
	}
}

// fixTaskTitlePrefix returns the title prefix assigned to each fix type;
// unrecognized types fall back to the generic "Fix: " prefix.
func fixTaskTitlePrefix(fixType string) string {
	switch fixType {
	case "test_failure":
		return "Fix failing tests: "
	case "merge_conflict":
		return "Resolve merge conflict: "
	default:
		return "Fix: "
	}
}

// createFixTask creates (or reuses) a follow-up task for the given
// original task and fixType. Creation is idempotent per (originalTaskId,
// fixType): an existing active fix task (OPEN/IN_PROGRESS/REVIEW) for the
// same pair is returned instead of creating a duplicate.
func (s *Steward) createFixTask(ctx context.Context, original ports.Task, fixType string, reason string, relatedFiles []string) (string, error) {
	existing, err := s.store.List(ctx, ports.RecordFilter{})
	if err != nil {
		return "", apperrors.Internal("listing tasks for idempotence check", err)
	}
	for _, t := range existing {
		if t.Orchestrator.OriginalTaskID != original.ID || t.Orchestrator.FixType != fixType {
			continue
		}
		switch t.Status {
		case ports.TaskOpen, ports.TaskInProgress, ports.TaskReview:
			return t.ID, nil
		}
	}

	description := fmt.Sprintf("## Issue\n\n%s\n", reason)
	if len(relatedFiles) > 0 {
		description += fmt.Sprintf("\n## Affected files\n\n- %s\n", strings.Join(relatedFiles, "\n- "))
	}
	description += fmt.Sprintf("\n## Instructions\n\n1. Fix the issue on branch `%s`.\n2. Re-run tests until they pass.\n3. Close task %s once %s is resolved.\n",
		original.Orchestrator.Branch, original.ID, fixType)

	createdBy := s.cfg.StewardEntityID
	if createdBy == "" {
		createdBy = original.CreatedBy
	}

	fixTask := ports.Task{
		Title:       fixTaskTitlePrefix(fixType) + original.Title,
		Description: description,
		Status:      ports.TaskOpen,
		Priority:    original.Priority,
		Complexity:  original.Complexity,
		Assignee:    original.Assignee,
		CreatedBy:   createdBy,
		Tags:        []string{"fix", fixType, "auto-created"},
		Orchestrator: ports.OrchestratorMetadata{
			MergeStatus:    ports.MergePending,
			OriginalTaskID: original.ID,
			FixType:        fixType,
		},
	}
	created, err := s.store.Create(ctx, fixTask)
	if err != nil {
		return "", apperrors.Internal("creating fix task", err)
	}

	if created.Assignee != "" && s.registry != nil {
		if channel, ok, chErr := s.registry.GetAgentChannel(ctx, created.Assignee); chErr == nil && ok && s.dispatch != nil {
			_ = channel
			if err := s.dispatch.NotifyAgent(ctx, created.Assignee, "task-assignment", description, map[string]any{
				"fixTaskId":      created.ID,
				"originalTaskId": original.ID,
				"fixType":        fixType,
			}); err != nil {
				s.log.Warn("failed to notify agent of fix task assignment", zap.Error(err))
			}
		}
	}

	return created.ID, nil
}

// notifyAssigneeOfOutcome best-effort notifies an agent of a merge outcome.
// It resolves the agent through the registry first so a notification is
// never sent to an agent id the registry no longer knows about.
func (s *Steward) notifyAssigneeOfOutcome(ctx context.Context, assigneeID, kind, body string) {
	if assigneeID == "" || s.dispatch == nil {
		return
	}
	if s.registry != nil {
		if _, ok, err := s.registry.GetAgent(ctx, assigneeID); err != nil || !ok {
			return
		}
	}
	if err := s.dispatch.NotifyAgent(ctx, assigneeID, kind, body, nil); err != nil {
		s.log.Warn("failed to notify assignee of merge outcome", zap.String("assignee", assigneeID), zap.Error(err))
	}
}

// branchDeleter is satisfied by *gitops.Repo; kept as a narrow local
// interface so this package does not need to import gitops directly for
// one optional method ports.GitOps itself doesn't declare.
type branchDeleter interface {
	DeleteBranch(ctx context.Context, branch string, remote bool) error
}

// ProcessAllPending iterates every task awaiting merge and processes each
// sequentially, aggregating per-outcome counters.
func (s *Steward) ProcessAllPending(ctx context.Context) (BatchResult, error) {
	tasks, err := s.store.List(ctx, ports.RecordFilter{})
	if err != nil {
		return BatchResult{}, apperrors.Internal("listing tasks", err)
	}

	batch := BatchResult{Results: make(map[string]ProcessResult)}
	for _, task := range tasks {
		if task.Orchestrator.MergeStatus != ports.MergePending {
			continue
		}
		result, _ := s.ProcessTask(ctx, task.ID, ProcessOptions{})
		batch.TotalProcessed++
		batch.Results[task.ID] = result
		switch result.Outcome {
		case OutcomeMerged:
			batch.Merged++
		case OutcomeTestFailed:
			batch.TestFailed++
		case OutcomeConflict:
			batch.Conflict++
		case OutcomeFailed:
			batch.Failed++
		}
	}
	return batch, nil
}
