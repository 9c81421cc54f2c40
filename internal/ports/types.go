// Package ports defines the shared domain types and the collaborator
// interfaces ("ports") that the scheduler, merge steward, docs steward, and
// session monitor depend on. Concrete reference adapters live in the
// sibling memorystore/memoryregistry/logdispatch/localsession packages so
// the daemon runs end to end without any external system configured; a
// production deployment swaps any one of them for a real client without
// touching the core.
package ports

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of a task record.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "OPEN"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskReview     TaskStatus = "REVIEW"
	TaskClosed     TaskStatus = "CLOSED"
)

// MergeStatus is the per-task state of the merge pipeline, stored in
// Task.Orchestrator.
type MergeStatus string

const (
	MergeNotApplicable MergeStatus = "not_applicable"
	MergePending       MergeStatus = "pending"
	MergeTesting       MergeStatus = "testing"
	MergeMerging       MergeStatus = "merging"
	MergeMerged        MergeStatus = "merged"
	MergeConflict      MergeStatus = "conflict"
	MergeTestFailed    MergeStatus = "test_failed"
	MergeFailed        MergeStatus = "failed"
)

// TestResult is the outcome of running the configured test command against
// a task's worktree.
type TestResult struct {
	Passed       bool       `json:"passed"`
	CompletedAt  time.Time  `json:"completedAt"`
	DurationMs   int64      `json:"durationMs,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// OrchestratorMetadata is the merge-steward-owned sub-record of a task.
type OrchestratorMetadata struct {
	Branch            string      `json:"branch,omitempty"`
	Worktree          string      `json:"worktree,omitempty"`
	WorktreeID        string      `json:"worktreeId,omitempty"`
	AssignedAgent     string      `json:"assignedAgent,omitempty"`
	MergeStatus       MergeStatus `json:"mergeStatus"`
	MergedAt          *time.Time  `json:"mergedAt,omitempty"`
	MergeFailureReason string     `json:"mergeFailureReason,omitempty"`
	LastTestResult    *TestResult `json:"lastTestResult,omitempty"`
	TestRunCount      int         `json:"testRunCount"`
	OriginalTaskID    string      `json:"originalTaskId,omitempty"`
	FixType           string      `json:"fixType,omitempty"`
}

// Task is the external task record the merge steward reads and writes.
type Task struct {
	ID         string               `json:"id"`
	Title      string               `json:"title"`
	Description string              `json:"description,omitempty"`
	Status     TaskStatus           `json:"status"`
	Priority   int                  `json:"priority"`
	Complexity string               `json:"complexity,omitempty"`
	Assignee   string               `json:"assignee,omitempty"`
	CreatedBy  string               `json:"createdBy"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
	ClosedAt   *time.Time           `json:"closedAt,omitempty"`
	Tags       []string             `json:"tags,omitempty"`
	Orchestrator OrchestratorMetadata `json:"orchestratorMetadata"`
}

// HasTag reports whether t carries tag.
func (t Task) HasTag(tag string) bool {
	for _, tg := range t.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}

// StewardFocus is the family of work a steward performs.
type StewardFocus string

const (
	FocusMerge  StewardFocus = "merge"
	FocusDocs   StewardFocus = "docs"
	FocusCustom StewardFocus = "custom"
)

// TriggerKind distinguishes the two trigger variants a steward can declare.
type TriggerKind string

const (
	TriggerCron  TriggerKind = "cron"
	TriggerEvent TriggerKind = "event"
)

// Trigger is a tagged union: a Cron trigger carries Schedule; an Event
// trigger carries Event and an optional Condition guard evaluated against
// the published event payload.
type Trigger struct {
	Kind      TriggerKind
	Schedule  string // Kind == TriggerCron
	Event     string // Kind == TriggerEvent
	Condition string // Kind == TriggerEvent, optional
}

// Steward is the external, read-through steward entity.
type Steward struct {
	ID             string
	Name           string
	Focus          StewardFocus
	Triggers       []Trigger
	PlaybookID     string
	Playbook       string
	LastExecutedAt *time.Time
}

// ExecutionResult is the outcome of one steward invocation.
type ExecutionResult struct {
	Success        bool
	Output         string
	Error          string
	ItemsProcessed int
	DurationMs     int64
}

// ExecutionEntry is one immutable-once-finalized row of the execution history log.
type ExecutionEntry struct {
	ExecutionID  string
	StewardID    string
	StewardName  string
	Trigger      Trigger
	Manual       bool
	StartedAt    time.Time
	CompletedAt  *time.Time
	Result       *ExecutionResult
	EventContext map[string]any
}

// Success reports whether a finalized entry's result succeeded. Unfinalized
// entries report false.
func (e ExecutionEntry) Success() bool {
	return e.Result != nil && e.Result.Success
}

// HistoryFilter narrows a Query call over the execution history.
type HistoryFilter struct {
	StewardID     string
	TriggerKind   TriggerKind
	Success       *bool
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
}

// HistoryStore is an append-only, per-steward-bounded execution log.
type HistoryStore interface {
	Append(ctx context.Context, entry ExecutionEntry) error
	Query(ctx context.Context, filter HistoryFilter) ([]ExecutionEntry, error)
	Prune(ctx context.Context, stewardID string, max int) error
}

// RecordFilter narrows a Store.List call by record type and tag set.
type RecordFilter struct {
	Type TaskRecordType
	Tags []string
}

// TaskRecordType discriminates record kinds the Store can hold. The core
// only ever lists/creates Task records; the type exists because the
// external QuarryAPI store is a typed multi-record CRUD surface.
type TaskRecordType string

const TaskRecordTypeTask TaskRecordType = "task"

// Store is the external task/entity store: CRUD over Task records,
// server-assigned ids and timestamps on Create.
type Store interface {
	Get(ctx context.Context, id string) (Task, bool, error)
	Create(ctx context.Context, task Task) (Task, error)
	Update(ctx context.Context, id string, patch func(*Task)) (Task, error)
	List(ctx context.Context, filter RecordFilter) ([]Task, error)
	Delete(ctx context.Context, id string) error
}

// Agent is an entity the AgentRegistry resolves by id.
type Agent struct {
	ID       string
	Name     string
	Metadata map[string]any
}

// ChannelRef is an opaque handle to an agent's notification channel.
type ChannelRef struct {
	ID string
}

// AgentRegistry looks up agents/stewards and their channels.
type AgentRegistry interface {
	GetAgent(ctx context.Context, id string) (Agent, bool, error)
	GetStewards(ctx context.Context) ([]Steward, error)
	GetAgentChannel(ctx context.Context, agentID string) (ChannelRef, bool, error)
	UpdateAgentMetadata(ctx context.Context, agentID string, patch map[string]any) error
}

// Dispatch posts a message into an agent's channel.
type Dispatch interface {
	NotifyAgent(ctx context.Context, agentID, kind string, body string, meta map[string]any) error
}

// SessionEventKind distinguishes the three event kinds a session stream
// emits.
type SessionEventKind string

const (
	SessionEventData   SessionEventKind = "event"
	SessionEventExit    SessionEventKind = "exit"
	SessionEventStatus SessionEventKind = "status"
)

// SessionEvent is one item on a session's event stream.
type SessionEvent struct {
	Kind    SessionEventKind
	Status  string // populated when Kind == SessionEventStatus, e.g. "terminated"
	Payload map[string]any
}

// StartSessionOptions configures a new agent session.
type StartSessionOptions struct {
	WorkingDirectory string
	InitialPrompt    string
	Interactive      bool
}

// StopSessionOptions configures session termination.
type StopSessionOptions struct {
	Graceful bool
	Reason   string
}

// Session is a live or recently-live agent session.
type Session struct {
	ID        string
	AgentID   string
	StartedAt time.Time
}

// SessionManager starts, queries, and stops agent sessions and exposes
// their event stream.
type SessionManager interface {
	StartSession(ctx context.Context, agentID string, opts StartSessionOptions) (Session, <-chan SessionEvent, error)
	GetActiveSession(ctx context.Context, agentID string) (Session, bool, error)
	StopSession(ctx context.Context, sessionID string, opts StopSessionOptions) error
}

// Worktree is a git worktree tracked by the WorktreeManager.
type Worktree struct {
	ID     string
	Path   string
	Branch string
}

// RemoveWorktreeOptions configures worktree teardown.
type RemoveWorktreeOptions struct {
	Force bool
}

// WorktreeManager creates/removes git worktrees and reports the default
// branch.
type WorktreeManager interface {
	GetWorktree(ctx context.Context, id string) (Worktree, bool, error)
	CreateWorktree(ctx context.Context, branch string) (Worktree, error)
	RemoveWorktree(ctx context.Context, id string, opts RemoveWorktreeOptions) error
	GetDefaultBranch(ctx context.Context) (string, error)
}

// MergeStrategy selects how MergeBranch combines history.
type MergeStrategy string

const (
	MergeStrategySquash MergeStrategy = "squash"
	MergeStrategyMerge  MergeStrategy = "merge"
)

// MergeOptions parameterizes a mergeBranch call.
type MergeOptions struct {
	WorkspaceRoot string
	SourceBranch  string
	TargetBranch  string
	Strategy      MergeStrategy
	AutoPush      bool
	CommitMessage string
	Preflight     bool
	SyncLocal     bool
}

// MergeResult is the outcome of a mergeBranch call.
type MergeResult struct {
	Success        bool
	CommitHash     string
	HasConflict    bool
	ConflictFiles  []string
	Error          string
}

// GitOps is the external git plumbing boundary: mergeBranch, hasRemote,
// syncLocalBranch.
type GitOps interface {
	MergeBranch(ctx context.Context, opts MergeOptions) (MergeResult, error)
	HasRemote(ctx context.Context, workspaceRoot string) (bool, error)
	SyncLocalBranch(ctx context.Context, workspaceRoot, branch string) error
	DefaultBranch(ctx context.Context, workspaceRoot string) (string, error)
}

// PlaybookResolver resolves a custom steward's playbookId to markdown
// content, used by the dispatch layer's custom-focus path.
type PlaybookResolver interface {
	ResolvePlaybookContent(ctx context.Context, playbookID string) (string, error)
}

// RolePromptLoader loads the base prompt for a steward focus (e.g. the
// "steward/docs" role prompt).
type RolePromptLoader interface {
	LoadRolePrompt(ctx context.Context, role string) (string, bool, error)
}
