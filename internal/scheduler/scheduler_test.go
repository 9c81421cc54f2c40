package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge-ai/stewards/internal/history"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

func everySecondExecutor(calls *int64) Executor {
	return func(ctx context.Context, steward ports.Steward, trigger ports.Trigger, eventContext map[string]any) (ports.ExecutionResult, error) {
		atomic.AddInt64(calls, 1)
		return ports.ExecutionResult{Success: true, Output: "ok"}, nil
	}
}

func TestScheduler_ExecuteSteward_RecordsHistoryAndStats(t *testing.T) {
	h := history.NewMemoryStore()
	var calls int64
	s := New(h, everySecondExecutor(&calls), nil, Config{}, nil)

	result := s.ExecuteSteward(context.Background(), ports.Steward{ID: "merge-steward", Name: "Merge Steward"})
	assert.True(t, result.Success)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

	entries, err := h.Query(context.Background(), ports.HistoryFilter{StewardID: "merge-steward"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotNil(t, entries[0].CompletedAt)
	assert.True(t, entries[0].Manual)

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.TotalExecutions)
	assert.EqualValues(t, 1, stats.SuccessfulExecutions)
	assert.Equal(t, 0, stats.CurrentlyRunning)
}

func TestScheduler_ExecutorPanicBecomesFailedResult(t *testing.T) {
	h := history.NewMemoryStore()
	executor := func(ctx context.Context, steward ports.Steward, trigger ports.Trigger, eventContext map[string]any) (ports.ExecutionResult, error) {
		panic("boom")
	}
	s := New(h, executor, nil, Config{}, nil)

	result := s.ExecuteSteward(context.Background(), ports.Steward{ID: "x"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "boom")
}

func TestScheduler_RegisterStewardIsIdempotent(t *testing.T) {
	h := history.NewMemoryStore()
	s := New(h, everySecondExecutor(new(int64)), nil, Config{}, nil)

	steward := ports.Steward{
		ID: "docs-steward", Name: "Docs Steward",
		Triggers: []ports.Trigger{{Kind: ports.TriggerCron, Schedule: "0 9 * * *"}},
	}
	require.NoError(t, s.RegisterSteward(context.Background(), steward))
	require.NoError(t, s.RegisterSteward(context.Background(), steward))

	stats := s.Stats()
	assert.Equal(t, 1, stats.RegisteredStewards)
	assert.Equal(t, 1, stats.ActiveCronJobs)
}

func TestScheduler_RefreshEquivalentToUnregisterThenRegister(t *testing.T) {
	h := history.NewMemoryStore()
	s := New(h, everySecondExecutor(new(int64)), nil, Config{}, nil)

	steward := ports.Steward{
		ID: "docs-steward",
		Triggers: []ports.Trigger{
			{Kind: ports.TriggerCron, Schedule: "0 9 * * *"},
			{Kind: ports.TriggerEvent, Event: "task.updated"},
		},
	}
	require.NoError(t, s.RegisterSteward(context.Background(), steward))
	require.NoError(t, s.RefreshSteward(context.Background(), steward))

	stats := s.Stats()
	assert.Equal(t, 1, stats.RegisteredStewards)
	assert.Equal(t, 1, stats.ActiveCronJobs)
	assert.Equal(t, 1, stats.ActiveSubscriptions)
}

func TestScheduler_UnregisterRemovesJobsAndSubscriptions(t *testing.T) {
	h := history.NewMemoryStore()
	s := New(h, everySecondExecutor(new(int64)), nil, Config{}, nil)

	steward := ports.Steward{
		ID: "merge-steward",
		Triggers: []ports.Trigger{
			{Kind: ports.TriggerCron, Schedule: "*/5 * * * *"},
			{Kind: ports.TriggerEvent, Event: "task.review"},
		},
	}
	require.NoError(t, s.RegisterSteward(context.Background(), steward))
	s.UnregisterSteward("merge-steward")

	stats := s.Stats()
	assert.Equal(t, 0, stats.RegisteredStewards)
	assert.Equal(t, 0, stats.ActiveCronJobs)
	assert.Equal(t, 0, stats.ActiveSubscriptions)
}

func TestScheduler_PublishEvent_RespectsConditionAndRunningState(t *testing.T) {
	h := history.NewMemoryStore()
	var calls int64
	s := New(h, everySecondExecutor(&calls), nil, Config{}, nil)

	steward := ports.Steward{
		ID: "docs-steward",
		Triggers: []ports.Trigger{
			{Kind: ports.TriggerEvent, Event: "task.updated", Condition: `task.status === 'closed'`},
		},
	}
	require.NoError(t, s.RegisterSteward(context.Background(), steward))

	// Not running yet: publishing launches nothing.
	launched := s.PublishEvent(context.Background(), "task.updated", map[string]any{"task": map[string]any{"status": "closed"}})
	assert.Equal(t, 0, launched)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	launched = s.PublishEvent(context.Background(), "task.updated", map[string]any{"task": map[string]any{"status": "open"}})
	assert.Equal(t, 0, launched, "condition false should not launch")

	launched = s.PublishEvent(context.Background(), "task.updated", map[string]any{"task": map[string]any{"status": "closed"}})
	assert.Equal(t, 1, launched)

	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_OverlapGate_SkipsConcurrentCronTick(t *testing.T) {
	h := history.NewMemoryStore()
	var running int32
	var maxConcurrent int32
	executor := func(ctx context.Context, steward ports.Steward, trigger ports.Trigger, eventContext map[string]any) (ports.ExecutionResult, error) {
		n := atomic.AddInt32(&running, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return ports.ExecutionResult{Success: true}, nil
	}
	s := New(h, executor, nil, Config{}, nil)

	steward := ports.Steward{ID: "slow-steward", Triggers: []ports.Trigger{{Kind: ports.TriggerCron, Schedule: "* * * * *"}}}
	require.NoError(t, s.RegisterSteward(context.Background(), steward))

	job := s.cronJobs[jobKey("slow-steward", 0)]
	require.NotNil(t, job)

	// Fire the same job twice back-to-back, simulating two nearly
	// simultaneous ticks; the second must observe isRunning and skip.
	s.running = true
	go s.fireCronJob(job)
	time.Sleep(5 * time.Millisecond)
	s.fireCronJob(job)

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(1))
}

func TestScheduler_StartStop_SuppressesRescheduling(t *testing.T) {
	h := history.NewMemoryStore()
	s := New(h, everySecondExecutor(new(int64)), nil, Config{}, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	s.Stop()
	assert.False(t, s.IsRunning())
}
