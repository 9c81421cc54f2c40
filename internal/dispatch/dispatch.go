// Package dispatch implements the steward executor dispatch table: it
// builds the scheduler.Executor that routes a triggered steward to its
// merge/docs/custom focus handler.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stewards/internal/common/logger"
	"github.com/stoneforge-ai/stewards/internal/docs"
	"github.com/stoneforge-ai/stewards/internal/merge"
	"github.com/stoneforge-ai/stewards/internal/ports"
	"github.com/stoneforge-ai/stewards/internal/scheduler"
	"github.com/stoneforge-ai/stewards/internal/sessionmonitor"
)

const projectRootPrompt = "steward/docs"

// Dependencies wires the collaborators the routing table calls into.
type Dependencies struct {
	Merge        *merge.Steward
	Docs         *docs.Steward
	Sessions     ports.SessionManager
	Playbooks    ports.PlaybookResolver
	RolePrompts  ports.RolePromptLoader
	MonitorCfg   sessionmonitor.Config
	ProjectRoot  string
	Log          *logger.Logger
}

// NewExecutor builds the scheduler.Executor that routes a steward's
// triggers to the merge steward, docs steward, or a session/custom
// handler.
func NewExecutor(deps Dependencies) scheduler.Executor {
	log := deps.Log
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "dispatch"))

	return func(ctx context.Context, steward ports.Steward, trigger ports.Trigger, eventContext map[string]any) (ports.ExecutionResult, error) {
		switch steward.Focus {
		case ports.FocusMerge:
			return dispatchMerge(ctx, deps)
		case ports.FocusDocs:
			return dispatchSession(ctx, deps, steward, "", log)
		case ports.FocusCustom:
			return dispatchCustom(ctx, deps, steward, log)
		default:
			return ports.ExecutionResult{Success: false, Output: fmt.Sprintf("Unknown steward focus: %s", steward.Focus)}, nil
		}
	}
}

func dispatchMerge(ctx context.Context, deps Dependencies) (ports.ExecutionResult, error) {
	if deps.Merge == nil {
		return ports.ExecutionResult{Success: false, Error: "merge steward not configured"}, nil
	}
	batch, err := deps.Merge.ProcessAllPending(ctx)
	if err != nil {
		return ports.ExecutionResult{Success: false, Error: err.Error(), ItemsProcessed: 0}, nil
	}
	return ports.ExecutionResult{
		Success:        true,
		Output:         fmt.Sprintf("Processed %d tasks (%d merged, %d failed)", batch.TotalProcessed, batch.Merged, batch.TestFailed+batch.Conflict+batch.Failed),
		ItemsProcessed: batch.TotalProcessed,
	}, nil
}

func dispatchSession(ctx context.Context, deps Dependencies, steward ports.Steward, extraPrompt string, log *logger.Logger) (ports.ExecutionResult, error) {
	if deps.Sessions == nil {
		return ports.ExecutionResult{Success: false, Error: "session manager not configured"}, nil
	}

	if existing, ok, err := deps.Sessions.GetActiveSession(ctx, steward.ID); err == nil && ok {
		return ports.ExecutionResult{Success: true, Output: fmt.Sprintf("already has active session %s, skipping", existing.ID)}, nil
	}

	basePrompt := ""
	if deps.RolePrompts != nil {
		if prompt, ok, err := deps.RolePrompts.LoadRolePrompt(ctx, projectRootPrompt); err == nil && ok {
			basePrompt = prompt
		}
	}

	prompt := basePrompt
	if extraPrompt != "" {
		prompt = fmt.Sprintf("%s\n\n---\n\n## Custom Steward Playbook\n\n%s", basePrompt, extraPrompt)
	}

	session, events, err := deps.Sessions.StartSession(ctx, steward.ID, ports.StartSessionOptions{
		WorkingDirectory: deps.ProjectRoot,
		InitialPrompt:    prompt,
		Interactive:      false,
	})
	if err != nil {
		return ports.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	sessionmonitor.Watch(ctx, deps.MonitorCfg, deps.Sessions, session.ID, events, log)

	return ports.ExecutionResult{Success: true, Output: fmt.Sprintf("Spawned docs steward session %s", session.ID), ItemsProcessed: 1}, nil
}

func dispatchCustom(ctx context.Context, deps Dependencies, steward ports.Steward, log *logger.Logger) (ports.ExecutionResult, error) {
	playbookBody, ok := resolvePlaybookBody(ctx, deps, steward, log)
	if !ok {
		return ports.ExecutionResult{Success: false, Error: "Custom steward has no playbook configured"}, nil
	}
	return dispatchSession(ctx, deps, steward, playbookBody, log)
}

func resolvePlaybookBody(ctx context.Context, deps Dependencies, steward ports.Steward, log *logger.Logger) (string, bool) {
	if steward.PlaybookID != "" && deps.Playbooks != nil {
		content, err := deps.Playbooks.ResolvePlaybookContent(ctx, steward.PlaybookID)
		if err == nil {
			return content, true
		}
		log.Warn("failed to resolve playbook content, falling back to inline playbook", zap.String("playbookId", steward.PlaybookID), zap.Error(err))
	}
	if steward.Playbook != "" {
		return steward.Playbook, true
	}
	return "", false
}
