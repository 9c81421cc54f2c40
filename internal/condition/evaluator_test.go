package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_SafeCondition(t *testing.T) {
	ctx := map[string]any{
		"task": map[string]any{"status": "closed"},
	}
	assert.True(t, Evaluate(`task.status === 'closed'`, ctx))
	assert.False(t, Evaluate(`task.status === 'open'`, ctx))
}

func TestEvaluate_UnsafeConditionFailsClosed(t *testing.T) {
	ctx := map[string]any{}
	assert.False(t, Evaluate(`process.exit(1)`, ctx))
	assert.False(t, Evaluate(`require('child_process')`, ctx))
	assert.False(t, Evaluate(`(() => { while(true) {} })()`, ctx))
}

func TestEvaluate_EmptyConditionIsAlwaysTrue(t *testing.T) {
	assert.True(t, Evaluate("", map[string]any{}))
	assert.True(t, Evaluate("   ", map[string]any{}))
}

func TestEvaluate_LogicalOperators(t *testing.T) {
	ctx := map[string]any{
		"task": map[string]any{"status": "closed", "priority": float64(3)},
	}
	assert.True(t, Evaluate(`task.status === 'closed' && task.priority > 1`, ctx))
	assert.False(t, Evaluate(`task.status === 'closed' && task.priority > 10`, ctx))
	assert.True(t, Evaluate(`task.status === 'open' || task.priority >= 3`, ctx))
	assert.True(t, Evaluate(`!(task.status === 'open')`, ctx))
}

func TestEvaluate_OptionalChaining(t *testing.T) {
	ctx := map[string]any{"task": map[string]any{"status": "closed"}}
	assert.False(t, Evaluate(`task?.assignee?.name === 'bot'`, ctx))
	assert.True(t, Evaluate(`task?.status === 'closed'`, ctx))
}

func TestEvaluate_MissingPathIsFalsy(t *testing.T) {
	ctx := map[string]any{}
	assert.False(t, Evaluate(`task.status === 'closed'`, ctx))
	assert.True(t, Evaluate(`task.status !== 'closed'`, ctx))
}

func TestEvaluate_NumericComparisons(t *testing.T) {
	ctx := map[string]any{"run": map[string]any{"attempt": float64(2)}}
	assert.True(t, Evaluate(`run.attempt >= 2`, ctx))
	assert.True(t, Evaluate(`run.attempt < 3`, ctx))
	assert.False(t, Evaluate(`run.attempt > 2`, ctx))
}

func TestPassesSafetyFilter_BlocksAssignmentAndCalls(t *testing.T) {
	assert.False(t, passesSafetyFilter(`task.status = 'closed'`))
	assert.False(t, passesSafetyFilter(`doSomething()`))
	assert.False(t, passesSafetyFilter(`task['status'] === 'closed'`))
	assert.False(t, passesSafetyFilter(`this.status === 'closed'`))
	assert.False(t, passesSafetyFilter(`globalThis.process`))
	assert.True(t, passesSafetyFilter(`task.status === 'closed'`))
}

func TestEvaluate_MalformedExpressionFailsClosed(t *testing.T) {
	assert.False(t, Evaluate(`task.status ===`, map[string]any{}))
	assert.False(t, Evaluate(`(task.status === 'closed'`, map[string]any{}))
	assert.False(t, Evaluate(`&& task.status`, map[string]any{}))
}
