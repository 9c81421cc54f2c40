package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge-ai/stewards/internal/ports"
	"github.com/stoneforge-ai/stewards/internal/ports/memorystore"
)

// fakeGitOps is a hand-rolled ports.GitOps + DeleteBranch test double; the
// real adapter shells out to git and has no unit tests of its own.
type fakeGitOps struct {
	mergeResult ports.MergeResult
	mergeErr    error
	hasRemote   bool
	defaultBr   string
	deleted     []string
}

func (f *fakeGitOps) MergeBranch(ctx context.Context, opts ports.MergeOptions) (ports.MergeResult, error) {
	return f.mergeResult, f.mergeErr
}
func (f *fakeGitOps) HasRemote(ctx context.Context, workspaceRoot string) (bool, error) {
	return f.hasRemote, nil
}
func (f *fakeGitOps) SyncLocalBranch(ctx context.Context, workspaceRoot, branch string) error {
	return nil
}
func (f *fakeGitOps) DefaultBranch(ctx context.Context, workspaceRoot string) (string, error) {
	if f.defaultBr == "" {
		return "main", nil
	}
	return f.defaultBr, nil
}
func (f *fakeGitOps) DeleteBranch(ctx context.Context, branch string, remote bool) error {
	f.deleted = append(f.deleted, branch)
	return nil
}

var _ ports.GitOps = (*fakeGitOps)(nil)

func newTaskWithBranch(store *memorystore.Store, branch string) ports.Task {
	t, _ := store.Create(context.Background(), ports.Task{
		Title:        "add widget",
		Status:       ports.TaskReview,
		Assignee:     "agent-1",
		Orchestrator: ports.OrchestratorMetadata{Branch: branch, MergeStatus: ports.MergePending},
	})
	return t
}

func TestMergeSteward_ProcessTask_MergeSuccess(t *testing.T) {
	store := memorystore.New()
	task := newTaskWithBranch(store, "feature/widget")

	git := &fakeGitOps{mergeResult: ports.MergeResult{Success: true, CommitHash: "abc123"}}
	s := New(Config{TestCommand: "true", AutoMerge: true, WorkspaceRoot: "."}, store, git, nil, nil, nil, nil)

	result, err := s.ProcessTask(context.Background(), task.ID, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, result.Outcome)
	assert.Equal(t, "abc123", result.MergeCommitHash)

	updated, ok, _ := store.Get(context.Background(), task.ID)
	require.True(t, ok)
	assert.Equal(t, ports.TaskClosed, updated.Status)
	assert.Equal(t, ports.MergeMerged, updated.Orchestrator.MergeStatus)
	assert.NotNil(t, updated.Orchestrator.MergedAt)
	assert.Empty(t, updated.Assignee)
}

func TestMergeSteward_ProcessTask_MergeConflictCreatesFixTask(t *testing.T) {
	store := memorystore.New()
	task := newTaskWithBranch(store, "feature/widget")

	git := &fakeGitOps{mergeResult: ports.MergeResult{HasConflict: true, ConflictFiles: []string{"a.go", "b.go"}}}
	s := New(Config{TestCommand: "true", AutoMerge: true, WorkspaceRoot: "."}, store, git, nil, nil, nil, nil)

	result, err := s.ProcessTask(context.Background(), task.ID, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, result.Outcome)
	require.NotEmpty(t, result.FixTaskID)

	fixTask, ok, _ := store.Get(context.Background(), result.FixTaskID)
	require.True(t, ok)
	assert.Equal(t, task.ID, fixTask.Orchestrator.OriginalTaskID)
	assert.Equal(t, "merge_conflict", fixTask.Orchestrator.FixType)
	assert.True(t, fixTask.HasTag("fix"))
	assert.True(t, fixTask.HasTag("auto-created"))

	updated, _, _ := store.Get(context.Background(), task.ID)
	assert.Equal(t, ports.MergeConflict, updated.Orchestrator.MergeStatus)
}

func TestMergeSteward_ProcessTask_ConflictIsIdempotentOnRetry(t *testing.T) {
	store := memorystore.New()
	task := newTaskWithBranch(store, "feature/widget")

	git := &fakeGitOps{mergeResult: ports.MergeResult{HasConflict: true, ConflictFiles: []string{"a.go"}}}
	s := New(Config{TestCommand: "true", AutoMerge: true, WorkspaceRoot: "."}, store, git, nil, nil, nil, nil)

	first, err := s.ProcessTask(context.Background(), task.ID, ProcessOptions{})
	require.NoError(t, err)
	second, err := s.ProcessTask(context.Background(), task.ID, ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.FixTaskID, second.FixTaskID, "retrying the same conflict must reuse the existing fix task")

	tasks, _ := store.List(context.Background(), ports.RecordFilter{})
	fixTaskCount := 0
	for _, tk := range tasks {
		if tk.Orchestrator.FixType == "merge_conflict" {
			fixTaskCount++
		}
	}
	assert.Equal(t, 1, fixTaskCount)
}

func TestMergeSteward_ProcessTask_AlreadyMergedIsNoop(t *testing.T) {
	store := memorystore.New()
	task := newTaskWithBranch(store, "feature/widget")
	closed, _ := store.Update(context.Background(), task.ID, func(t *ports.Task) {
		t.Status = ports.TaskClosed
		t.Orchestrator.MergeStatus = ports.MergeMerged
	})

	git := &fakeGitOps{}
	s := New(Config{WorkspaceRoot: "."}, store, git, nil, nil, nil, nil)

	result, err := s.ProcessTask(context.Background(), closed.ID, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, result.Outcome)
}

func TestMergeSteward_ProcessTask_TestFailureCreatesFixTaskAndSkipsMerge(t *testing.T) {
	store := memorystore.New()
	task := newTaskWithBranch(store, "feature/widget")

	git := &fakeGitOps{mergeResult: ports.MergeResult{Success: true}}
	s := New(Config{TestCommand: "false", AutoMerge: true, WorkspaceRoot: "."}, store, git, nil, nil, nil, nil)

	result, err := s.ProcessTask(context.Background(), task.ID, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTestFailed, result.Outcome)
	require.NotEmpty(t, result.FixTaskID)

	updated, _, _ := store.Get(context.Background(), task.ID)
	assert.Equal(t, ports.MergeTestFailed, updated.Orchestrator.MergeStatus)
	assert.Equal(t, 1, updated.Orchestrator.TestRunCount)
	require.NotNil(t, updated.Orchestrator.LastTestResult)
	assert.False(t, updated.Orchestrator.LastTestResult.Passed)
}

func TestMergeSteward_ProcessTask_WithoutAutoMergeStaysPending(t *testing.T) {
	store := memorystore.New()
	task := newTaskWithBranch(store, "feature/widget")

	git := &fakeGitOps{mergeResult: ports.MergeResult{Success: true}}
	s := New(Config{TestCommand: "true", AutoMerge: false, WorkspaceRoot: "."}, store, git, nil, nil, nil, nil)

	result, err := s.ProcessTask(context.Background(), task.ID, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, result.Outcome)

	updated, _, _ := store.Get(context.Background(), task.ID)
	assert.Equal(t, ports.MergePending, updated.Orchestrator.MergeStatus)
}

func TestMergeSteward_ProcessAllPending_AggregatesOutcomes(t *testing.T) {
	store := memorystore.New()
	mergeable := newTaskWithBranch(store, "feature/a")
	conflicting := newTaskWithBranch(store, "feature/b")
	_ = mergeable
	_ = conflicting

	// A task not awaiting merge must be skipped entirely.
	store.Create(context.Background(), ports.Task{Title: "untouched", Status: ports.TaskOpen, Orchestrator: ports.OrchestratorMetadata{MergeStatus: ports.MergeNotApplicable}})

	calls := 0
	git := &sequencedGitOps{results: []ports.MergeResult{
		{Success: true, CommitHash: "one"},
		{HasConflict: true, ConflictFiles: []string{"x.go"}},
	}, onCall: func() { calls++ }}

	s := New(Config{TestCommand: "true", AutoMerge: true, WorkspaceRoot: "."}, store, git, nil, nil, nil, nil)
	batch, err := s.ProcessAllPending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, batch.TotalProcessed)
	assert.Equal(t, 1, batch.Merged)
	assert.Equal(t, 1, batch.Conflict)
	assert.Equal(t, 2, calls)
}

// sequencedGitOps returns one MergeResult per call, in order, for tests that
// need per-task-distinct merge outcomes.
type sequencedGitOps struct {
	results []ports.MergeResult
	idx     int
	onCall  func()
}

func (g *sequencedGitOps) MergeBranch(ctx context.Context, opts ports.MergeOptions) (ports.MergeResult, error) {
	if g.onCall != nil {
		g.onCall()
	}
	r := g.results[g.idx%len(g.results)]
	g.idx++
	return r, nil
}
func (g *sequencedGitOps) HasRemote(ctx context.Context, workspaceRoot string) (bool, error) {
	return false, nil
}
func (g *sequencedGitOps) SyncLocalBranch(ctx context.Context, workspaceRoot, branch string) error {
	return nil
}
func (g *sequencedGitOps) DefaultBranch(ctx context.Context, workspaceRoot string) (string, error) {
	return "main", nil
}

var _ ports.GitOps = (*sequencedGitOps)(nil)
