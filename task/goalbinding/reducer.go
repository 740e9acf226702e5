package goalbinding

import "github.com/goadesign/tasklifecycle-core/task"

// Reducer is the pure hook reducer described in spec §4.4. It never mutates
// its arguments and never performs I/O; all side effects flow through the
// Effect values it returns, which the drain (drain.go) applies later.
type Reducer struct{}

// NewReducer constructs a stateless Reducer.
func NewReducer() *Reducer { return &Reducer{} }

// OnTaskStatusChanged reacts to a runtime-origin status transition on a
// goal-bound task. t.Metadata.GoalBinding must be non-nil; callers check this
// before invoking the reducer.
func (Reducer) OnTaskStatusChanged(t task.Task, from, to task.Status) []Effect {
	gb := t.Metadata.GoalBinding
	if gb == nil {
		return nil
	}

	switch to {
	case task.StatusCompleted:
		return []Effect{{Kind: EffectUpdateGoalStatus, GoalID: gb.GoalID, GoalStatus: "completed"}}
	case task.StatusFailed:
		return []Effect{{Kind: EffectUpdateGoalStatus, GoalID: gb.GoalID, GoalStatus: "failed"}}
	case task.StatusPaused:
		// A runtime-driven pause that did not go through management "pause"
		// (which sets hold.reason=manual_pause itself) still syncs the goal's
		// visible status but does not apply a hold; hold application is the
		// management API's job, kept out of this reducer path.
		return []Effect{{Kind: EffectUpdateGoalStatus, GoalID: gb.GoalID, GoalStatus: "paused"}}
	case task.StatusActive:
		if from == task.StatusPaused {
			return []Effect{{Kind: EffectUpdateGoalStatus, GoalID: gb.GoalID, GoalStatus: "active"}}
		}
	}
	return nil
}

// OnTaskProgressUpdated reacts to a runtime-origin progress write on a
// goal-bound task. Progress changes alone don't sync goal status in this
// spec; reserved for future verifier-driven completion tracking
// (completion.consecutivePasses) hooks.
func (Reducer) OnTaskProgressUpdated(t task.Task, oldProgress, newProgress float64) []Effect {
	return nil
}

// OnGoalAction reacts to an external Goal lifecycle event against every
// goal-bound task matching action.GoalID. Implements the I6 hard wall:
// goal_resumed against a task whose hold.reason == manual_pause produces a
// noop effect instead of clear_hold.
func (Reducer) OnGoalAction(action GoalAction, tasks []task.Task) []Effect {
	var effects []Effect
	for _, t := range tasks {
		gb := t.Metadata.GoalBinding
		if gb == nil || gb.GoalID != action.GoalID {
			continue
		}
		switch action.Name {
		case ActionGoalResumed:
			if gb.Hold != nil && gb.Hold.Reason == task.HoldReasonManualPause {
				effects = append(effects, Effect{
					Kind:   EffectNoop,
					TaskID: t.ID,
					Reason: "manual_pause_hard_wall",
				})
				continue
			}
			if gb.Hold != nil {
				effects = append(effects, Effect{Kind: EffectClearHold, TaskID: t.ID})
			}
			if t.Status == task.StatusPaused {
				effects = append(effects, Effect{Kind: EffectUpdateTaskStatus, TaskID: t.ID, ToStatus: task.StatusActive})
			}
		case ActionGoalSuspended:
			effects = append(effects, Effect{
				Kind:        EffectApplyHold,
				TaskID:      t.ID,
				HoldReason:  task.HoldReasonPreempted,
			})
			if t.Status != task.StatusPaused {
				effects = append(effects, Effect{Kind: EffectUpdateTaskStatus, TaskID: t.ID, ToStatus: task.StatusPaused})
			}
		default:
			effects = append(effects, Effect{Kind: EffectNoop, TaskID: t.ID, Reason: "unhandled_goal_action:" + action.Name})
		}
	}
	return effects
}
