// Package core wires every task-lifecycle component into a single
// long-lived Core instance owning one cooperative event loop (spec §5;
// REDESIGN FLAGS "module-level singletons -> long-lived core struct").
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/goadesign/tasklifecycle-core/task"
	"github.com/goadesign/tasklifecycle-core/task/botstate"
	"github.com/goadesign/tasklifecycle-core/task/config"
	"github.com/goadesign/tasklifecycle-core/task/dedup"
	"github.com/goadesign/tasklifecycle-core/task/goalbinding"
	"github.com/goadesign/tasklifecycle-core/task/hooks"
	"github.com/goadesign/tasklifecycle-core/task/ingest"
	"github.com/goadesign/tasklifecycle-core/task/replan"
	"github.com/goadesign/tasklifecycle-core/task/solver"
	"github.com/goadesign/tasklifecycle-core/task/statusmachine"
	"github.com/goadesign/tasklifecycle-core/task/store"
	"github.com/goadesign/tasklifecycle-core/task/telemetry"
	"github.com/goadesign/tasklifecycle-core/task/verify"
)

// Filters narrows GetTasks (spec §6 "getTasks(filters)").
type Filters struct {
	Status *task.Status
	Source *task.Source
	Type   string
}

// Core owns the Store, StatusMachine, GoalBindingCoordinator, ingestion
// pipeline, verifier, replan scheduler, and dedup registry, and exposes the
// stable operation surface from spec §6. Every exported method must be
// called from the same goroutine (the "owning event loop"); Core does not
// take its own locks.
type Core struct {
	opts config.Options

	store      *store.Store
	bus        hooks.Bus
	sm         *statusmachine.Machine
	binding    *goalbinding.Coordinator
	pipeline   *ingest.Pipeline
	verifier   *verify.Verifier
	replanner  *replan.Scheduler
	dedupReg   *dedup.Registry
	preemption *PreemptionCoordinator
	logger     telemetry.Logger
	metrics    telemetry.Metrics

	bindingCtx    context.Context
	bindingCancel context.CancelFunc
}

// Deps bundles the optional external collaborators Core wires into its
// pipeline and verifier (spec §6 "External collaborators (consumed)").
type Deps struct {
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
	Bot          *botstate.Client
	CraftSolver  solver.CraftingSolver
	BuildSolver  solver.BuildingSolver
	RigE         solver.RigEPlanner
	GoalResolver solver.GoalResolver
	GoalRegistry goalbinding.GoalRegistry
	Regenerate   replan.RegenerateFunc
	// ReplanBackoff overrides ReplanScheduler's timer delay function. Nil
	// keeps the documented default (constant 5s per attempt); tests inject a
	// short delay to exercise the attempt ceiling without a multi-second wait.
	ReplanBackoff      replan.BackoffFunc
	ResolveRequirement func(task.Task) *task.Requirement
}

// New constructs a Core and starts its internal goal-binding drain goroutine.
// Callers must call Close when done to stop that goroutine.
func New(opts config.Options, deps Deps) *Core {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}

	bus := hooks.NewBus()
	st := store.New(bus, deps.Logger, opts.StrictFinalize, opts.MaxTaskHistory)
	sm := statusmachine.New(st, bus, deps.Logger)
	binding := goalbinding.New(sm, st, deps.GoalRegistry, bus, deps.Logger)

	dedupReg := dedup.New(deps.Metrics, 500)

	pipeline := ingest.New(st, bus, deps.Logger, deps.Metrics, ingest.Options{
		CraftingSolver:     deps.CraftSolver,
		BuildingSolver:     deps.BuildSolver,
		RigEPlanner:        deps.RigE,
		GoalResolver:       deps.GoalResolver,
		ResolveRequirement: deps.ResolveRequirement,
		DedupRegistry:      dedupReg,
		StrictFinalize:     opts.StrictFinalize,
		DebugMetadataDropped: true,
	})

	rs := replan.New(sm, st, bus, deps.Logger, deps.Metrics, deps.Regenerate, deps.ReplanBackoff)

	verifier := verify.New(deps.Bot, sm, st, rs, bus, deps.Logger, deps.Metrics, verify.Options{
		AcquireTimeout: 20 * time.Second,
		CraftTimeout:   opts.ActionVerificationTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		opts: opts, store: st, bus: bus, sm: sm, binding: binding,
		pipeline: pipeline, verifier: verifier, replanner: rs, dedupReg: dedupReg,
		preemption: NewPreemptionCoordinator(),
		logger:     deps.Logger, metrics: deps.Metrics,
		bindingCtx: ctx, bindingCancel: cancel,
	}
	go binding.Run(ctx)
	return c
}

// Close stops the goal-binding drain goroutine and cancels pending replan
// timers.
func (c *Core) Close() {
	c.bindingCancel()
	c.replanner.CancelAll()
}

// AddTask is addTask(partial) -> Task (spec §6).
func (c *Core) AddTask(ctx context.Context, partial task.Task) (task.Task, error) {
	return c.pipeline.AddTask(ctx, partial)
}

// UpdateTaskStatus is updateTaskStatus (spec §6).
func (c *Core) UpdateTaskStatus(ctx context.Context, id string, status task.Status) bool {
	return c.sm.UpdateStatus(ctx, id, status, statusmachine.UpdateOptions{Origin: statusmachine.OriginRuntime})
}

// UpdateTaskProgress is updateTaskProgress (spec §6).
func (c *Core) UpdateTaskProgress(ctx context.Context, id string, progress float64, status *task.Status) bool {
	return c.sm.UpdateProgress(ctx, id, progress, status, statusmachine.UpdateOptions{Origin: statusmachine.OriginRuntime})
}

// EnsureActivated transitions a pending/pending_planning task to active if
// it is not already terminal or active (spec §6 "ensureActivated").
func (c *Core) EnsureActivated(ctx context.Context, id string) bool {
	t, ok := c.store.Get(id)
	if !ok {
		return false
	}
	if t.Status == task.StatusActive || t.Status.IsTerminal() {
		return true
	}
	active := task.StatusActive
	return c.sm.UpdateProgress(ctx, id, t.Progress, &active, statusmachine.UpdateOptions{Origin: statusmachine.OriginRuntime})
}

// StartTaskStep is startTaskStep{dryRun?} (spec §6).
func (c *Core) StartTaskStep(ctx context.Context, taskID, stepID string, dryRun bool) (bool, error) {
	return c.verifier.StartTaskStep(ctx, taskID, stepID, dryRun)
}

// CompleteTaskStep is completeTaskStep{skipVerification?} (spec §6).
func (c *Core) CompleteTaskStep(ctx context.Context, taskID, stepID string, skipVerification bool) (verify.Record, error) {
	return c.verifier.CompleteTaskStep(ctx, taskID, stepID, skipVerification)
}

// RegenerateSteps is regenerateSteps (spec §6): it calls
// ReplanScheduler.ScheduleReplan, so the attempt runs on the scheduler's
// backoff timer. It is a no-op while a replan is already in flight, and at
// the attempt ceiling it marks the task rig_g_replan_exhausted instead.
func (c *Core) RegenerateSteps(ctx context.Context, taskID, failureContext string) {
	c.replanner.ScheduleReplan(ctx, taskID, failureContext)
}

// AddStepsBeforeCurrent is addStepsBeforeCurrent (spec §6): inserts steps
// ahead of the task's current step index, renumbering orders.
func (c *Core) AddStepsBeforeCurrent(ctx context.Context, taskID string, steps []task.Step) bool {
	t, ok := c.store.Get(taskID)
	if !ok {
		return false
	}
	prog, _ := c.store.GetProgress(taskID)
	idx := prog.CurrentStepIdx
	if idx > len(t.Steps) {
		idx = len(t.Steps)
	}
	merged := make([]task.Step, 0, len(t.Steps)+len(steps))
	merged = append(merged, t.Steps[:idx]...)
	merged = append(merged, steps...)
	merged = append(merged, t.Steps[idx:]...)
	for i := range merged {
		merged[i].Order = i
	}
	t.Steps = merged
	c.store.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
	if c.bus != nil {
		_ = c.bus.Publish(ctx, hooks.NewTaskStepsInsertedEvent(taskID, len(steps)))
	}
	return true
}

// AnnotateCurrentStepWithLeaf is annotateCurrentStepWith{Leaf} (spec §6).
func (c *Core) AnnotateCurrentStepWithLeaf(ctx context.Context, taskID, leaf string, args map[string]any) bool {
	return c.mutateCurrentStep(ctx, taskID, func(s *task.Step) {
		s.Meta.Leaf = leaf
		if args != nil {
			s.Meta.Args = args
		}
	})
}

// AnnotateCurrentStepWithOption is annotateCurrentStepWith{Option} (spec §6):
// attaches an executor-chosen disambiguation option to the current step's
// args without changing its leaf.
func (c *Core) AnnotateCurrentStepWithOption(ctx context.Context, taskID, key string, value any) bool {
	return c.mutateCurrentStep(ctx, taskID, func(s *task.Step) {
		if s.Meta.Args == nil {
			s.Meta.Args = map[string]any{}
		}
		s.Meta.Args[key] = value
	})
}

func (c *Core) mutateCurrentStep(ctx context.Context, taskID string, mutate func(*task.Step)) bool {
	t, ok := c.store.Get(taskID)
	if !ok {
		return false
	}
	prog, _ := c.store.GetProgress(taskID)
	idx := prog.CurrentStepIdx
	if idx < 0 || idx >= len(t.Steps) {
		return false
	}
	mutate(&t.Steps[idx])
	c.store.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
	return true
}

// GetTasks is getTasks(filters) (spec §6).
func (c *Core) GetTasks(filters Filters) []task.Task {
	var out []task.Task
	for _, t := range c.store.All() {
		if filters.Status != nil && t.Status != *filters.Status {
			continue
		}
		if filters.Source != nil && t.Source != *filters.Source {
			continue
		}
		if filters.Type != "" && t.Type != filters.Type {
			continue
		}
		out = append(out, t)
	}
	return out
}

// GetActiveTasks is getActiveTasks (spec §6).
func (c *Core) GetActiveTasks() []task.Task {
	active := task.StatusActive
	return c.GetTasks(Filters{Status: &active})
}

// GetTaskProgress is getTaskProgress (spec §6).
func (c *Core) GetTaskProgress(id string) (store.Progress, bool) {
	return c.store.GetProgress(id)
}

// GetTaskStatistics is getTaskStatistics (spec §6). Returns the zero value
// when statistics are disabled by config.
func (c *Core) GetTaskStatistics() (store.Statistics, bool) {
	if !c.opts.EnableTaskStatistics {
		return store.Statistics{}, false
	}
	return c.store.StatisticsSnapshot(time.Now()), true
}

// GetTaskHistory is getTaskHistory(limit) (spec §6). Returns nil when
// history is disabled by config.
func (c *Core) GetTaskHistory(limit int) []task.Task {
	if !c.opts.EnableTaskHistory {
		return nil
	}
	return c.store.History(limit)
}

// CleanupCompletedTasks is cleanupCompletedTasks (spec §6).
func (c *Core) CleanupCompletedTasks(ctx context.Context) int {
	return c.store.CleanupCompleted(ctx)
}

// ConfigureHierarchicalPlanner is configureHierarchicalPlanner(overrides?)
// (spec §6): swaps the crafting/building solvers and Rig E planner used by
// the ingestion pipeline.
func (c *Core) ConfigureHierarchicalPlanner(craft solver.CraftingSolver, build solver.BuildingSolver, rigE solver.RigEPlanner) {
	c.pipeline.SetSolvers(craft, build, rigE)
}

// EnableGoalResolver is enableGoalResolver(resolver?) (spec §6). Passing nil
// disables goal-bound routing.
func (c *Core) EnableGoalResolver(resolver solver.GoalResolver) {
	c.pipeline.SetGoalResolver(resolver)
}

// Subscribe registers sub on the internal event bus (spec §6 "event
// subscription surface"), delivering every published event.
func (c *Core) Subscribe(sub hooks.Subscriber) (hooks.Subscription, error) {
	return c.bus.Register(sub)
}

// SubscribeFiltered registers sub restricted to the given event types (e.g.
// only hooks.EventTaskStepStarted/hooks.EventTaskStepCompleted for a
// verification dashboard), avoiding a HandleEvent type switch over events
// the caller doesn't care about.
func (c *Core) SubscribeFiltered(types []hooks.EventType, sub hooks.Subscriber) (hooks.Subscription, error) {
	return c.bus.RegisterFiltered(types, sub)
}

// ManualPause applies a hard manual_pause hold on a goal-bound task (I6).
func (c *Core) ManualPause(ctx context.Context, taskID string) bool {
	return c.binding.ManualPause(ctx, taskID)
}

// HandleGoalAction applies an external Goal lifecycle event (spec §4.4
// "onGoalAction(action, tasks)", e.g. goal_resumed/goal_suspended) against
// every currently goal-bound task matching action.GoalID, returning once the
// resulting effect batch has fully applied.
func (c *Core) HandleGoalAction(action goalbinding.GoalAction) {
	<-c.binding.HandleGoalAction(action)
}

// ManualResume is the only operation that clears a manual_pause hold (I6).
func (c *Core) ManualResume(ctx context.Context, taskID string) bool {
	return c.binding.ManualResume(ctx, taskID)
}

// RegisterFailure records a dedup-classified failure for categoryKey,
// consulted by the ingestion pipeline's pre-resolver checks on subsequent
// calls (spec §4.7).
func (c *Core) RegisterFailure(ctx context.Context, categoryKey string, in dedup.FailureInput) dedup.Classification {
	return c.dedupReg.RegisterFailure(ctx, categoryKey, in)
}

// InFailureCooldown reports whether categoryKey is within its dedup cooldown
// window (spec §4.7).
func (c *Core) InFailureCooldown(categoryKey string) bool {
	return c.dedupReg.InCooldown(categoryKey)
}

// Preemption exposes the PreemptionCoordinator for external schedulers
// (spec §5).
func (c *Core) Preemption() *PreemptionCoordinator { return c.preemption }

// String implements fmt.Stringer for debug logging of a Core's identity.
func (c *Core) String() string {
	return fmt.Sprintf("core(tasks=%d)", len(c.store.All()))
}
