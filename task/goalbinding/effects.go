// Package goalbinding implements GoalBindingCoordinator (spec §4.4): the pure
// hook reducer that turns Task mutations into SyncEffects, and the serialized
// effect drain that applies those effects back to the Task store and an
// external Goal registry without races.
package goalbinding

import "github.com/goadesign/tasklifecycle-core/task"

// EffectKind enumerates the SyncEffect variants emitted by the hook reducer.
type EffectKind string

const (
	EffectUpdateGoalStatus EffectKind = "update_goal_status"
	EffectUpdateTaskStatus EffectKind = "update_task_status"
	EffectApplyHold        EffectKind = "apply_hold"
	EffectClearHold        EffectKind = "clear_hold"
	EffectNoop             EffectKind = "noop"
)

// Effect is a single SyncEffect produced by the hook reducer. Only the
// fields relevant to Kind are populated.
type Effect struct {
	Kind EffectKind
	// TaskID is set on update_task_status, apply_hold, clear_hold, noop.
	TaskID string
	// ToStatus is set on update_task_status.
	ToStatus task.Status
	// GoalID and GoalStatus are set on update_goal_status.
	GoalID     string
	GoalStatus string
	// HoldReason and HoldDetails are set on apply_hold.
	HoldReason  string
	HoldDetails map[string]any
	// Reason is set on noop, explaining why no effect was applied.
	Reason string
}

// GoalAction describes an external Goal lifecycle event consumed by
// OnGoalAction (spec §4.4, e.g. "goal_resumed", "goal_suspended").
type GoalAction struct {
	Name   string
	GoalID string
}

// External goal-lifecycle action names (spec §4.4, §GLOSSARY).
const (
	ActionGoalResumed   = "goal_resumed"
	ActionGoalSuspended = "goal_suspended"
)
