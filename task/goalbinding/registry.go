package goalbinding

import "context"

// GoalRegistry is the external Goal registry collaborator (spec §1 "Out of
// scope" / §6). The coordinator only calls it; ownership of goal state lives
// outside this module.
type GoalRegistry interface {
	// ApplyGoalStatus pushes a status update for goalID to the external
	// registry. The drain calls it once per update_goal_status effect and
	// does not retry; a returned error is logged with mayBePartial=true.
	ApplyGoalStatus(ctx context.Context, goalID, status string) error
}

// NoopGoalRegistry discards every update; useful when no external Goal
// registry is configured (goal binding is then purely in-process bookkeeping).
type NoopGoalRegistry struct{}

// ApplyGoalStatus is a no-op.
func (NoopGoalRegistry) ApplyGoalStatus(context.Context, string, string) error { return nil }
