package goalbinding

import (
	"context"
	"time"

	"github.com/goadesign/tasklifecycle-core/task"
	"github.com/goadesign/tasklifecycle-core/task/hooks"
	"github.com/goadesign/tasklifecycle-core/task/statusmachine"
	"github.com/goadesign/tasklifecycle-core/task/store"
	"github.com/goadesign/tasklifecycle-core/task/telemetry"
)

type batch struct {
	effects []Effect
	done    chan struct{}
}

// Coordinator is GoalBindingCoordinator (spec §4.4): it implements
// statusmachine.Notifier to receive runtime-origin change notifications,
// reduces them through Reducer, and serializes the resulting SyncEffects
// through a single drain goroutine so effect batches never interleave.
type Coordinator struct {
	reducer  *Reducer
	sm       *statusmachine.Machine
	st       *store.Store
	registry GoalRegistry
	bus      hooks.Bus
	logger   telemetry.Logger

	queue chan batch
}

// New constructs a Coordinator. Call Run in its own goroutine before
// scheduling any effects.
func New(sm *statusmachine.Machine, st *store.Store, registry GoalRegistry, bus hooks.Bus, logger telemetry.Logger) *Coordinator {
	if registry == nil {
		registry = NoopGoalRegistry{}
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	c := &Coordinator{
		reducer:  NewReducer(),
		sm:       sm,
		st:       st,
		registry: registry,
		bus:      bus,
		logger:   logger,
		queue:    make(chan batch, 256),
	}
	sm.SetNotifier(c)
	return c
}

// Run drains scheduled batches in FIFO order until ctx is canceled. Each
// batch runs to completion before the next begins, which is what gives
// Schedule(A) then Schedule(B) the "B observes A's writes" ordering guarantee
// from spec §5.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.queue:
			c.apply(ctx, b.effects)
			close(b.done)
		}
	}
}

// Schedule enqueues effects as a single batch and returns a channel that
// closes once the batch has fully applied. An unawaited Schedule still
// executes in order relative to later Schedule calls, because the queue is
// drained by a single goroutine (spec §5 ordering guarantee).
func (c *Coordinator) Schedule(effects []Effect) <-chan struct{} {
	done := make(chan struct{})
	if len(effects) == 0 {
		close(done)
		return done
	}
	c.queue <- batch{effects: effects, done: done}
	return done
}

// OnStatusChanged implements statusmachine.Notifier.
func (c *Coordinator) OnStatusChanged(ctx context.Context, t task.Task, from, to task.Status, o statusmachine.Origin) {
	if t.Metadata.GoalBinding == nil {
		return
	}
	effects := c.reducer.OnTaskStatusChanged(t, from, to)
	c.Schedule(effects)
}

// OnProgressUpdated implements statusmachine.Notifier.
func (c *Coordinator) OnProgressUpdated(ctx context.Context, t task.Task, oldProgress, newProgress float64, o statusmachine.Origin) {
	if t.Metadata.GoalBinding == nil {
		return
	}
	effects := c.reducer.OnTaskProgressUpdated(t, oldProgress, newProgress)
	c.Schedule(effects)
}

// HandleGoalAction reduces an external Goal lifecycle action against every
// currently goal-bound live task and schedules the resulting effects.
func (c *Coordinator) HandleGoalAction(action GoalAction) <-chan struct{} {
	var bound []task.Task
	for _, t := range c.st.All() {
		if t.Metadata.GoalBinding != nil {
			bound = append(bound, t)
		}
	}
	effects := c.reducer.OnGoalAction(action, bound)
	return c.Schedule(effects)
}

// apply partitions a batch into metadata effects (applied synchronously,
// failures logged but non-fatal to the batch) and status effects (applied
// via StatusMachine with protocol origin, suppressing hook re-entry).
func (c *Coordinator) apply(ctx context.Context, effects []Effect) {
	for _, e := range effects {
		switch e.Kind {
		case EffectApplyHold, EffectClearHold, EffectNoop:
			c.applySyncEffect(ctx, e)
		case EffectUpdateTaskStatus:
			ok := c.sm.UpdateStatus(ctx, e.TaskID, e.ToStatus, statusmachine.UpdateOptions{Origin: statusmachine.OriginProtocol})
			if !ok {
				c.logger.Warn(ctx, "goal_binding_status_effect_failed", "taskId", e.TaskID, "toStatus", string(e.ToStatus))
			}
		case EffectUpdateGoalStatus:
			if err := c.registry.ApplyGoalStatus(ctx, e.GoalID, e.GoalStatus); err != nil {
				c.logger.Warn(ctx, "goal_binding_registry_update_failed", "goalId", e.GoalID, "status", e.GoalStatus, "error", err.Error(), "mayBePartial", true)
			}
		}
	}
}

func (c *Coordinator) applySyncEffect(ctx context.Context, e Effect) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, "goal_binding_sync_effect_panicked", "taskId", e.TaskID, "kind", string(e.Kind), "recovered", r, "mayBePartial", true)
		}
	}()

	switch e.Kind {
	case EffectNoop:
		if c.bus != nil {
			_ = c.bus.Publish(ctx, hooks.NewTaskLifecycleEvent(e.TaskID, "goal_binding_noop", e.Reason))
		}
	case EffectApplyHold:
		t, ok := c.st.Get(e.TaskID)
		if !ok || t.Metadata.GoalBinding == nil {
			return
		}
		t.Metadata.GoalBinding.Hold = &task.Hold{
			Reason:    e.HoldReason,
			CreatedAt: time.Now(),
			Details:   e.HoldDetails,
		}
		c.st.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
	case EffectClearHold:
		t, ok := c.st.Get(e.TaskID)
		if !ok || t.Metadata.GoalBinding == nil {
			return
		}
		t.Metadata.GoalBinding.Hold = nil
		c.st.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
	}
}

// ManualPause applies a hard hold.reason=manual_pause to a goal-bound task
// and moves it to paused. Per I6, only ManualResume (an explicit management
// call) can clear this hold; goal_resumed actions are blocked by the reducer.
func (c *Coordinator) ManualPause(ctx context.Context, taskID string) bool {
	t, ok := c.st.Get(taskID)
	if !ok || t.Metadata.GoalBinding == nil {
		return false
	}
	t.Metadata.GoalBinding.Hold = &task.Hold{Reason: task.HoldReasonManualPause, CreatedAt: time.Now()}
	c.st.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
	return c.sm.UpdateStatus(ctx, taskID, task.StatusPaused, statusmachine.UpdateOptions{Origin: statusmachine.OriginProtocol})
}

// ManualResume is the only operation allowed to clear a manual_pause hold.
func (c *Coordinator) ManualResume(ctx context.Context, taskID string) bool {
	t, ok := c.st.Get(taskID)
	if !ok || t.Metadata.GoalBinding == nil || t.Metadata.GoalBinding.Hold == nil {
		return false
	}
	if t.Metadata.GoalBinding.Hold.Reason != task.HoldReasonManualPause {
		return false
	}
	t.Metadata.GoalBinding.Hold = nil
	c.st.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
	return c.sm.UpdateStatus(ctx, taskID, task.StatusActive, statusmachine.UpdateOptions{Origin: statusmachine.OriginRuntime})
}
