// Package replan implements ReplanScheduler (spec §4.6): idempotent,
// timer-based replanning for infeasible/unplannable tasks, bounded by an
// attempt ceiling.
package replan

import (
	"context"
	"sync"
	"time"

	"github.com/goadesign/tasklifecycle-core/task"
	"github.com/goadesign/tasklifecycle-core/task/hooks"
	"github.com/goadesign/tasklifecycle-core/task/statusmachine"
	"github.com/goadesign/tasklifecycle-core/task/store"
	"github.com/goadesign/tasklifecycle-core/task/telemetry"
)

// MaxAttempts is the replan attempt ceiling (spec §4.6).
const MaxAttempts = 3

// DefaultBackoff is the default timer delay (spec §4.6 "default backoff 5s").
const DefaultBackoff = 5 * time.Second

// RegenerateFunc regenerates steps for a task given failure context, the
// planner-side collaborator this scheduler calls at timer-fire time (spec
// §4.6 "regenerateSteps(taskId, failureContext)").
type RegenerateFunc func(ctx context.Context, t task.Task, failureContext string) ([]task.Step, error)

// BackoffFunc computes the timer delay for a given attempt number (1-based).
// The default is a constant 5s; callers may supply exponential backoff.
type BackoffFunc func(attempt int) time.Duration

// Scheduler is ReplanScheduler.
type Scheduler struct {
	sm      *statusmachine.Machine
	st      *store.Store
	bus     hooks.Bus
	logger  telemetry.Logger
	metrics telemetry.Metrics

	regenerate RegenerateFunc
	backoff    BackoffFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New constructs a Scheduler. backoff may be nil for the constant default.
func New(sm *statusmachine.Machine, st *store.Store, bus hooks.Bus, logger telemetry.Logger, metrics telemetry.Metrics, regenerate RegenerateFunc, backoff BackoffFunc) *Scheduler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if backoff == nil {
		backoff = func(int) time.Duration { return DefaultBackoff }
	}
	return &Scheduler{
		sm: sm, st: st, bus: bus, logger: logger, metrics: metrics,
		regenerate: regenerate, backoff: backoff,
		timers: make(map[string]*time.Timer),
	}
}

// ScheduleReplan implements scheduleReplan(taskId) (spec §4.6).
func (s *Scheduler) ScheduleReplan(ctx context.Context, taskID, failureContext string) {
	t, ok := s.st.Get(taskID)
	if !ok {
		return
	}

	rg := t.Metadata.Solver.RigGReplan
	if t.Metadata.Solver.ReplanAttempts >= MaxAttempts {
		s.logger.Warn(ctx, "rig_g_replan_exhausted", "taskId", taskID)
		t.Metadata.BlockedReason = "rig_g_replan_exhausted"
		s.st.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
		if s.bus != nil {
			_ = s.bus.Publish(ctx, hooks.NewTaskLifecycleEvent(taskID, "rig_g_replan_exhausted", failureContext))
		}
		return
	}

	if rg != nil && rg.InFlight {
		s.logger.Debug(ctx, "replan_already_scheduled", "taskId", taskID)
		return
	}

	attempt := t.Metadata.Solver.ReplanAttempts + 1
	t.Metadata.Solver.RigGReplan = &task.ReplanState{InFlight: true, Attempt: attempt, ScheduledAt: time.Now()}
	t.Metadata.Solver.ReplanAttempts = attempt
	s.st.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})

	delay := s.backoff(attempt)
	s.mu.Lock()
	s.timers[taskID] = time.AfterFunc(delay, func() {
		s.fire(context.Background(), taskID, failureContext)
	})
	s.mu.Unlock()
}

// fire runs at timer expiry. The taskId -> Timer entry is always removed on
// exit, regardless of outcome (spec §4.6 "terminal finally").
func (s *Scheduler) fire(ctx context.Context, taskID, failureContext string) {
	defer func() {
		s.mu.Lock()
		delete(s.timers, taskID)
		s.mu.Unlock()
	}()

	t, ok := s.st.Get(taskID)
	if !ok {
		return
	}

	if t.Status != task.StatusUnplannable {
		t.Metadata.Solver.RigGReplan = nil
		s.st.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
		s.logger.Debug(ctx, "replan_skip_no_longer_unplannable", "taskId", taskID)
		return
	}

	if s.regenerate == nil {
		t.Metadata.Solver.RigGReplan = nil
		s.st.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
		return
	}

	newSteps, err := s.regenerate(ctx, t, failureContext)
	t, _ = s.st.Get(taskID)
	t.Metadata.Solver.RigGReplan = nil
	if err != nil || len(newSteps) == 0 {
		s.st.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
		s.logger.Warn(ctx, "replan_regenerate_failed", "taskId", taskID)
		return
	}

	prog, _ := s.st.GetProgress(taskID)
	t.Steps = spliceRegeneratedSteps(t.Steps, newSteps, prog.CurrentStepIdx)
	pending := task.StatusPending
	s.st.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
	s.sm.UpdateStatus(ctx, taskID, pending, statusmachine.UpdateOptions{Origin: statusmachine.OriginRuntime})
	if s.bus != nil {
		_ = s.bus.Publish(ctx, hooks.NewTaskStepsInsertedEvent(taskID, len(newSteps)))
	}
}

// spliceRegeneratedSteps keeps the steps already completed (everything up to
// completedIdx, exclusive) in place and appends the regenerated steps,
// renumbering Order sequentially (spec §4.6 "splice new steps after completed
// ones, renumber orders").
func spliceRegeneratedSteps(existing, regenerated []task.Step, completedIdx int) []task.Step {
	if completedIdx < 0 {
		completedIdx = 0
	}
	if completedIdx > len(existing) {
		completedIdx = len(existing)
	}
	kept := append([]task.Step{}, existing[:completedIdx]...)
	out := append(kept, regenerated...)
	for i := range out {
		out[i].Order = i
	}
	return out
}

// CancelAll stops every pending timer. Used during shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
