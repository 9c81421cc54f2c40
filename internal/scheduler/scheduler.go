// Package scheduler registers stewards by trigger (cron
// or event+condition), drives per-job cron timers, routes published events
// through the condition evaluator, gates overlapping executions, and
// records bounded execution history. All shared tables are guarded by one
// sync.RWMutex.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stoneforge-ai/stewards/internal/common/apperrors"
	"github.com/stoneforge-ai/stewards/internal/common/logger"
	"github.com/stoneforge-ai/stewards/internal/common/tracing"
	"github.com/stoneforge-ai/stewards/internal/condition"
	"github.com/stoneforge-ai/stewards/internal/cron"
	"github.com/stoneforge-ai/stewards/internal/ports"
)

// Executor invokes a steward's implementation and returns its result. The
// scheduler treats a returned error the same as a failing result: it is
// captured, never panics the process.
type Executor func(ctx context.Context, steward ports.Steward, trigger ports.Trigger, eventContext map[string]any) (ports.ExecutionResult, error)

// EventKind discriminates the lifecycle events the scheduler emits.
type EventKind string

const (
	EventExecutionStarted   EventKind = "execution:started"
	EventExecutionCompleted EventKind = "execution:completed"
	EventExecutionFailed    EventKind = "execution:failed"
	EventStewardRegistered  EventKind = "steward:registered"
	EventStewardUnregistered EventKind = "steward:unregistered"
)

// LifecycleEvent is published to subscribers registered via Subscribe, and
// re-published by internal/eventstream to websocket clients.
type LifecycleEvent struct {
	Kind        EventKind
	ExecutionID string
	StewardID   string
	StewardName string
	Entry       *ports.ExecutionEntry
	At          time.Time
}

type cronJobState struct {
	stewardID    string
	stewardName  string
	stewardFocus ports.StewardFocus
	playbookID   string
	playbook     string
	trigger      ports.Trigger
	triggerIndex int
	timer        *time.Timer
	lastRunAt    *time.Time
	nextRunAt    *time.Time
	isRunning    bool
}

type eventSubscription struct {
	stewardID    string
	stewardName  string
	stewardFocus ports.StewardFocus
	playbookID   string
	playbook     string
	trigger      ports.Trigger
	active       bool
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	RegisteredStewards int
	ActiveCronJobs     int
	ActiveSubscriptions int
	TotalExecutions    int64
	SuccessfulExecutions int64
	FailedExecutions   int64
	CurrentlyRunning   int
}

// Scheduler drives registered stewards on their triggers. Build one with
// New and drive it via Start/Stop.
type Scheduler struct {
	mu sync.RWMutex

	running   bool
	cronJobs  map[string]*cronJobState    // jobKey -> state
	eventSubs map[string][]*eventSubscription // eventName -> subs
	stewardJobKeys map[string][]string    // stewardID -> jobKeys, for unregister

	runningExecutions map[string]struct{}
	executionCounter  int64

	totalExecutions      int64
	successfulExecutions int64
	failedExecutions     int64

	history              ports.HistoryStore
	executor             Executor
	registry             ports.AgentRegistry
	maxHistoryPerSteward int
	defaultTimeout       time.Duration
	startImmediately     bool

	log *logger.Logger

	subscribers []chan<- LifecycleEvent
}

// Config controls Scheduler construction.
type Config struct {
	MaxHistoryPerSteward int
	DefaultTimeout       time.Duration
	StartImmediately     bool
}

// New builds a Scheduler over history, running steward jobs through
// executor. registry may be nil unless cfg.StartImmediately is set.
func New(history ports.HistoryStore, executor Executor, registry ports.AgentRegistry, cfg Config, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	maxHistory := cfg.MaxHistoryPerSteward
	if maxHistory <= 0 {
		maxHistory = 100
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		cronJobs:             make(map[string]*cronJobState),
		eventSubs:            make(map[string][]*eventSubscription),
		stewardJobKeys:       make(map[string][]string),
		runningExecutions:    make(map[string]struct{}),
		history:              history,
		executor:             executor,
		registry:             registry,
		maxHistoryPerSteward: maxHistory,
		defaultTimeout:       timeout,
		startImmediately:     cfg.StartImmediately,
		log:                  log.WithFields(zap.String("component", "scheduler")),
	}
}

// Subscribe registers ch to receive every LifecycleEvent the scheduler
// emits from this point forward. ch must have spare capacity; the
// scheduler never blocks delivering to it (see internal/eventstream.Hub
// for the bounded-drop pattern used downstream).
func (s *Scheduler) Subscribe(ch chan<- LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, ch)
}

func (s *Scheduler) publish(evt LifecycleEvent) {
	s.mu.RLock()
	subs := make([]chan<- LifecycleEvent, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func jobKey(stewardID string, triggerIndex int) string {
	return fmt.Sprintf("%s-%d", stewardID, triggerIndex)
}

// Start marks the scheduler running, schedules every registered cron job's
// next timer, activates all event subscriptions, and — if configured —
// registers every steward from the registry.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	for _, job := range s.cronJobs {
		s.scheduleNextLocked(job)
	}
	for _, subs := range s.eventSubs {
		for _, sub := range subs {
			sub.active = true
		}
	}
	startImmediately := s.startImmediately
	registry := s.registry
	s.mu.Unlock()

	if startImmediately && registry != nil {
		stewards, err := registry.GetStewards(ctx)
		if err != nil {
			return apperrors.Internal("loading stewards for startImmediately", err)
		}
		for _, st := range stewards {
			if err := s.RegisterSteward(ctx, st); err != nil {
				s.log.Warn("failed to auto-register steward", zap.String("stewardId", st.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// Stop marks the scheduler not-running, cancels all pending cron timers,
// and deactivates subscriptions. In-flight executions are allowed to
// complete; their finalization will observe running == false and will not
// reschedule.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	for _, job := range s.cronJobs {
		if job.timer != nil {
			job.timer.Stop()
			job.timer = nil
		}
	}
	for _, subs := range s.eventSubs {
		for _, sub := range subs {
			sub.active = false
		}
	}
}

// IsRunning reports whether Start has been called without a subsequent
// Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RegisterSteward installs cron timers and event subscriptions for every
// trigger on steward. Any prior registration for the same steward id is
// torn down first, so calling RegisterSteward twice with the same id is
// equivalent to calling it once.
func (s *Scheduler) RegisterSteward(ctx context.Context, steward ports.Steward) error {
	s.unregisterLocked(steward.ID)

	s.mu.Lock()
	var keys []string
	for i, trig := range steward.Triggers {
		switch trig.Kind {
		case ports.TriggerCron:
			if !cron.IsValidCronExpression(trig.Schedule) {
				s.mu.Unlock()
				return apperrors.Validation(fmt.Sprintf("steward %q trigger %d: invalid cron schedule %q", steward.ID, i, trig.Schedule))
			}
			key := jobKey(steward.ID, i)
			job := &cronJobState{
				stewardID:    steward.ID,
				stewardName:  steward.Name,
				stewardFocus: steward.Focus,
				playbookID:   steward.PlaybookID,
				playbook:     steward.Playbook,
				trigger:      trig,
				triggerIndex: i,
			}
			s.cronJobs[key] = job
			keys = append(keys, key)
			if s.running {
				s.scheduleNextLocked(job)
			}
		case ports.TriggerEvent:
			s.eventSubs[trig.Event] = append(s.eventSubs[trig.Event], &eventSubscription{
				stewardID:    steward.ID,
				stewardName:  steward.Name,
				stewardFocus: steward.Focus,
				playbookID:   steward.PlaybookID,
				playbook:     steward.Playbook,
				trigger:      trig,
				active:       s.running,
			})
		}
	}
	s.stewardJobKeys[steward.ID] = keys
	s.mu.Unlock()

	s.publish(LifecycleEvent{Kind: EventStewardRegistered, StewardID: steward.ID, StewardName: steward.Name, At: time.Now()})
	return nil
}

// UnregisterSteward cancels timers and removes subscriptions for id.
func (s *Scheduler) UnregisterSteward(id string) {
	name := s.unregisterLocked(id)
	s.publish(LifecycleEvent{Kind: EventStewardUnregistered, StewardID: id, StewardName: name, At: time.Now()})
}

// unregisterLocked tears down a steward's jobs/subscriptions and returns
// its last-known name (best effort, for the unregistered event).
func (s *Scheduler) unregisterLocked(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := ""
	for _, key := range s.stewardJobKeys[id] {
		if job, ok := s.cronJobs[key]; ok {
			if job.timer != nil {
				job.timer.Stop()
			}
			name = job.stewardName
			delete(s.cronJobs, key)
		}
	}
	delete(s.stewardJobKeys, id)

	for event, subs := range s.eventSubs {
		filtered := subs[:0]
		for _, sub := range subs {
			if sub.stewardID == id {
				name = sub.stewardName
				continue
			}
			filtered = append(filtered, sub)
		}
		if len(filtered) == 0 {
			delete(s.eventSubs, event)
		} else {
			s.eventSubs[event] = filtered
		}
	}
	return name
}

// RefreshSteward is unregister followed by register.
func (s *Scheduler) RefreshSteward(ctx context.Context, steward ports.Steward) error {
	s.UnregisterSteward(steward.ID)
	return s.RegisterSteward(ctx, steward)
}

// scheduleNextLocked computes job's next fire time and arms its timer.
// Callers must hold s.mu.
func (s *Scheduler) scheduleNextLocked(job *cronJobState) {
	next, ok := cron.NextAfter(job.trigger.Schedule, time.Now())
	if !ok {
		s.log.Warn("cron job has no future fire time; leaving unscheduled",
			zap.String("stewardId", job.stewardID), zap.String("schedule", job.trigger.Schedule))
		return
	}
	job.nextRunAt = &next

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	job.timer = time.AfterFunc(delay, func() { s.fireCronJob(job) })
}

// fireCronJob is the per-job timer callback: apply the overlap gate, run
// the executor if clear, then reschedule regardless of outcome.
func (s *Scheduler) fireCronJob(job *cronJobState) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if job.isRunning {
		s.mu.Unlock()
		s.log.Debug("skipping cron tick: previous execution still running",
			zap.String("stewardId", job.stewardID), zap.Int("triggerIndex", job.triggerIndex))
		s.mu.Lock()
		s.scheduleNextLocked(job)
		s.mu.Unlock()
		return
	}
	job.isRunning = true
	s.mu.Unlock()

	ctx := context.Background()
	steward := ports.Steward{
		ID:         job.stewardID,
		Name:       job.stewardName,
		Focus:      job.stewardFocus,
		PlaybookID: job.playbookID,
		Playbook:   job.playbook,
	}
	s.runExecution(ctx, steward, job.trigger, false, nil)

	s.mu.Lock()
	job.isRunning = false
	now := time.Now()
	job.lastRunAt = &now
	if s.running {
		s.scheduleNextLocked(job)
	}
	s.mu.Unlock()
}

// PublishEvent routes a named event to every active subscription whose
// condition (if any) evaluates true against data. Each matching steward is
// launched asynchronously and independently; a panic or error in one must
// not prevent dispatch to the others. Returns the number of executions
// launched.
func (s *Scheduler) PublishEvent(ctx context.Context, name string, data map[string]any) int {
	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		return 0
	}
	subs := append([]*eventSubscription(nil), s.eventSubs[name]...)
	s.mu.RUnlock()

	launched := 0
	for _, sub := range subs {
		if !sub.active {
			continue
		}
		if sub.trigger.Condition != "" && !condition.Evaluate(sub.trigger.Condition, data) {
			continue
		}
		steward := ports.Steward{
			ID:         sub.stewardID,
			Name:       sub.stewardName,
			Focus:      sub.stewardFocus,
			PlaybookID: sub.playbookID,
			Playbook:   sub.playbook,
		}
		trig := sub.trigger
		launched++
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("recovered from panic in event-triggered execution",
						zap.String("stewardId", steward.ID), zap.Any("panic", r))
				}
			}()
			s.runExecution(ctx, steward, trig, false, data)
		}()
	}
	return launched
}

// ExecuteSteward runs steward synchronously via a synthetic manual
// trigger and returns its result.
func (s *Scheduler) ExecuteSteward(ctx context.Context, steward ports.Steward) ports.ExecutionResult {
	entry := s.runExecution(ctx, steward, ports.Trigger{Kind: ports.TriggerEvent, Event: "manual"}, true, nil)
	if entry.Result != nil {
		return *entry.Result
	}
	return ports.ExecutionResult{Success: false, Error: "execution produced no result"}
}

// runExecution is the shared execution wrapper: allocate an
// id, record a provisional history entry, invoke the executor under a
// timeout, finalize the entry, and emit lifecycle events throughout.
func (s *Scheduler) runExecution(ctx context.Context, steward ports.Steward, trigger ports.Trigger, manual bool, eventContext map[string]any) ports.ExecutionEntry {
	execNum := atomic.AddInt64(&s.executionCounter, 1)
	executionID := fmt.Sprintf("exec-%d-%d", execNum, time.Now().UnixNano())

	entry := ports.ExecutionEntry{
		ExecutionID:  executionID,
		StewardID:    steward.ID,
		StewardName:  steward.Name,
		Trigger:      trigger,
		Manual:       manual,
		StartedAt:    time.Now(),
		EventContext: eventContext,
	}

	if err := s.history.Append(ctx, entry); err != nil {
		s.log.Error("failed to append provisional execution entry", zap.Error(err))
	}

	s.mu.Lock()
	s.runningExecutions[executionID] = struct{}{}
	atomic.AddInt64(&s.totalExecutions, 1)
	s.mu.Unlock()

	s.publish(LifecycleEvent{Kind: EventExecutionStarted, ExecutionID: executionID, StewardID: steward.ID, StewardName: steward.Name, At: entry.StartedAt})

	ctx, span := tracing.Tracer.Start(ctx, "steward.execution")
	span.SetAttributes(
		attribute.String("steward.id", steward.ID),
		attribute.String("steward.focus", string(steward.Focus)),
		attribute.String("trigger.kind", string(trigger.Kind)),
	)
	execCtx, cancel := context.WithTimeout(ctx, s.defaultTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.invokeExecutor(execCtx, steward, trigger, eventContext)
	duration := time.Since(start)

	if err != nil {
		result = ports.ExecutionResult{Success: false, Error: err.Error(), DurationMs: duration.Milliseconds()}
	} else if result.DurationMs == 0 {
		result.DurationMs = duration.Milliseconds()
	}
	span.SetAttributes(attribute.Bool("steward.success", result.Success))
	span.End()

	completedAt := time.Now()
	entry.CompletedAt = &completedAt
	entry.Result = &result

	if err := s.history.Append(ctx, entry); err != nil {
		s.log.Error("failed to finalize execution entry", zap.Error(err))
	}
	if err := s.history.Prune(ctx, steward.ID, s.maxHistoryPerSteward); err != nil {
		s.log.Error("failed to prune execution history", zap.Error(err))
	}

	kind := EventExecutionCompleted
	if !result.Success {
		kind = EventExecutionFailed
		atomic.AddInt64(&s.failedExecutions, 1)
	} else {
		atomic.AddInt64(&s.successfulExecutions, 1)
	}
	s.publish(LifecycleEvent{Kind: kind, ExecutionID: executionID, StewardID: steward.ID, StewardName: steward.Name, Entry: &entry, At: completedAt})

	if s.registry != nil {
		if err := s.registry.UpdateAgentMetadata(ctx, steward.ID, map[string]any{"lastExecutedAt": completedAt}); err != nil && !apperrors.IsNotFound(err) {
			s.log.Debug("failed to update steward lastExecutedAt", zap.Error(err))
		}
	}

	s.mu.Lock()
	delete(s.runningExecutions, executionID)
	s.mu.Unlock()

	return entry
}

// invokeExecutor recovers from a panicking executor and converts it into a
// failing ExecutionResult rather than crashing the scheduler.
func (s *Scheduler) invokeExecutor(ctx context.Context, steward ports.Steward, trigger ports.Trigger, eventContext map[string]any) (result ports.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return s.executor(ctx, steward, trigger, eventContext)
}

// Stats returns a consistent snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		RegisteredStewards:   len(s.stewardJobKeys),
		ActiveCronJobs:       len(s.cronJobs),
		ActiveSubscriptions:  countSubs(s.eventSubs),
		TotalExecutions:      atomic.LoadInt64(&s.totalExecutions),
		SuccessfulExecutions: atomic.LoadInt64(&s.successfulExecutions),
		FailedExecutions:     atomic.LoadInt64(&s.failedExecutions),
		CurrentlyRunning:     len(s.runningExecutions),
	}
}

func countSubs(m map[string][]*eventSubscription) int {
	n := 0
	for _, subs := range m {
		n += len(subs)
	}
	return n
}
