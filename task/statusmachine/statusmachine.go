// Package statusmachine implements StatusMachine (spec §4.3): the sole
// authoritative mutator of task.Status and task.Progress. It enforces the
// transition table, the single-writer discipline (callers must
// run on the Core's owning goroutine), and the runtime/protocol origin tag
// that lets GoalBindingCoordinator re-enter mutations without re-firing its
// own hooks (REDESIGN FLAGS: "async effect application with a global
// re-entry flag" -> "per-call origin tag passed explicitly").
package statusmachine

import (
	"context"
	"time"

	"github.com/goadesign/tasklifecycle-core/task"
	"github.com/goadesign/tasklifecycle-core/task/hooks"
	"github.com/goadesign/tasklifecycle-core/task/store"
	"github.com/goadesign/tasklifecycle-core/task/telemetry"
)

// Origin distinguishes who requested a mutation. Runtime-origin mutations
// fire lifecycle hooks (goal-binding sync); protocol-origin mutations
// suppress them, preventing re-entrant loops when the goal-binding effect
// drain itself calls back into the status machine (spec §4.4).
type Origin string

const (
	// OriginRuntime marks a mutation requested by ordinary execution flow
	// (executor, ingestion, management API). Fires hooks.
	OriginRuntime Origin = "runtime"
	// OriginProtocol marks a mutation applied by GoalBindingCoordinator's
	// effect drain. Suppresses hook re-entry.
	OriginProtocol Origin = "protocol"
)

// Notifier receives status/progress change notifications for runtime-origin
// mutations only. GoalBindingCoordinator implements this interface; Machine
// holds it behind an interface (not a direct import) to avoid the import
// cycle that would otherwise exist between statusmachine and goalbinding.
type Notifier interface {
	OnStatusChanged(ctx context.Context, t task.Task, from, to task.Status, o Origin)
	OnProgressUpdated(ctx context.Context, t task.Task, oldProgress, newProgress float64, o Origin)
}

// Machine is the StatusMachine described in spec §4.3.
type Machine struct {
	store    *store.Store
	bus      hooks.Bus
	logger   telemetry.Logger
	notifier Notifier
}

// New constructs a Machine. notifier may be nil until a GoalBindingCoordinator
// is wired in (Core does this at startup via SetNotifier).
func New(st *store.Store, bus hooks.Bus, logger telemetry.Logger) *Machine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Machine{store: st, bus: bus, logger: logger}
}

// SetNotifier wires the goal-binding coordinator (or any other interested
// party) to receive runtime-origin change notifications.
func (m *Machine) SetNotifier(n Notifier) { m.notifier = n }

// transitions enumerates the allowed from->to moves from spec §4.3's table.
// Cells marked "policy event" in the spec (pending_planning -> completed)
// are allowed here but reported via the policyEvent set below.
var transitions = map[task.Status]map[task.Status]bool{
	task.StatusPending: {
		task.StatusPendingPlanning: true,
		task.StatusActive:          true,
		task.StatusPaused:          true,
		task.StatusCompleted:       true,
		task.StatusFailed:          true,
		task.StatusUnplannable:     true,
	},
	task.StatusPendingPlanning: {
		task.StatusPending:      true,
		task.StatusActive:       true,
		task.StatusPaused:       true,
		task.StatusCompleted:    true, // policy event
		task.StatusFailed:       true,
		task.StatusUnplannable:  true,
	},
	task.StatusActive: {
		task.StatusPending:         true,
		task.StatusPendingPlanning: true,
		task.StatusPaused:          true,
		task.StatusCompleted:       true,
		task.StatusFailed:          true,
		task.StatusUnplannable:     true,
	},
	task.StatusPaused: {
		task.StatusPending:     true,
		task.StatusActive:      true,
		task.StatusCompleted:   true,
		task.StatusFailed:      true,
		task.StatusUnplannable: true,
	},
	task.StatusUnplannable: {
		task.StatusPending:         true,
		task.StatusPendingPlanning: true,
		task.StatusFailed:          true,
	},
}

// policyEvents marks from->to cells that are allowed but must additionally
// emit a policy lifecycle event (the "✓!" cells in spec §4.3's table).
var policyEvents = map[[2]task.Status]bool{
	{task.StatusPendingPlanning, task.StatusCompleted}: true,
}

// UpdateOptions configures UpdateProgress/UpdateStatus.
type UpdateOptions struct {
	Origin Origin
}

// UpdateProgress clamps p to [0,1], optionally applies a status change, and
// writes the result to the progress index (spec §4.3). Returns false if id is
// unknown, the transition is disallowed, the task is terminal, or I5 rejects
// a progress-only mutation on a failed/unplannable task.
func (m *Machine) UpdateProgress(ctx context.Context, id string, p float64, status *task.Status, opts UpdateOptions) bool {
	t, ok := m.store.Get(id)
	if !ok {
		return false
	}
	if t.Status.IsTerminal() {
		m.logEvent(ctx, id, "terminal_mutation_suppressed", "")
		return false
	}

	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	newStatus := t.Status
	if status != nil {
		if !transitions[t.Status][*status] {
			m.logEvent(ctx, id, "status_transition_rejected", string(t.Status)+"->"+string(*status))
			return false
		}
		newStatus = *status
	} else {
		// I5: progress mutations on failed/unplannable tasks without an
		// accompanying status change are silently rejected.
		if t.Status == task.StatusFailed || t.Status == task.StatusUnplannable {
			return false
		}
	}

	// I5: completed requires progress == 1.
	if newStatus == task.StatusCompleted {
		p = 1
	}

	oldProgress := t.Progress
	oldStatus := t.Status

	prog, _ := m.store.GetProgress(id)
	now := time.Now()
	if newStatus == task.StatusActive && oldStatus != task.StatusActive && prog.StartedAt == nil {
		prog.StartedAt = &now
	}
	if newStatus == task.StatusCompleted {
		prog.CompletedAt = &now
		if prog.StartedAt != nil {
			prog.ActualDuration = now.Sub(*prog.StartedAt)
		}
	}
	prog.Progress = p
	prog.Status = newStatus
	m.store.SetProgress(id, prog)

	t.Progress = p
	t.Status = newStatus
	m.store.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})

	if status != nil && policyEvents[[2]task.Status{oldStatus, newStatus}] {
		m.logEvent(ctx, id, "status_policy_transition", string(oldStatus)+"->"+string(newStatus))
	}

	if m.bus != nil {
		_ = m.bus.Publish(ctx, hooks.NewTaskProgressUpdatedEvent(id, p, string(newStatus)))
	}

	if opts.Origin == OriginRuntime && m.notifier != nil {
		if status != nil && oldStatus != newStatus {
			m.notifier.OnStatusChanged(ctx, t, oldStatus, newStatus, opts.Origin)
		}
		if p != oldProgress {
			m.notifier.OnProgressUpdated(ctx, t, oldProgress, p, opts.Origin)
		}
	}

	return true
}

// UpdateStatus delegates to UpdateProgress with no progress change.
func (m *Machine) UpdateStatus(ctx context.Context, id string, s task.Status, opts UpdateOptions) bool {
	t, ok := m.store.Get(id)
	if !ok {
		return false
	}
	return m.UpdateProgress(ctx, id, t.Progress, &s, opts)
}

// Complete sets progress to 1.0 and status to completed.
func (m *Machine) Complete(ctx context.Context, id string, opts UpdateOptions) bool {
	completed := task.StatusCompleted
	return m.UpdateProgress(ctx, id, 1.0, &completed, opts)
}

// Fail transitions id to failed and stamps blockedReason, honoring I2 by
// backfilling blockedAt causally from metadata.updatedAt.
func (m *Machine) Fail(ctx context.Context, id, reason string, opts UpdateOptions) bool {
	t, ok := m.store.Get(id)
	if !ok {
		return false
	}
	failed := task.StatusFailed
	if !m.UpdateProgress(ctx, id, t.Progress, &failed, opts) {
		return false
	}
	t, _ = m.store.Get(id)
	ApplyBlock(&t, reason)
	m.store.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
	return true
}

// ReopenBlocked transitions id to unplannable/pending with a blocked reason,
// used by StepVerifier's feasibility gate. at, if nil, leaves the blockedAt
// that ApplyBlock backfills; a non-nil at overrides it.
func (m *Machine) ReopenBlocked(ctx context.Context, id string, to task.Status, reason string, at *time.Time) bool {
	t, ok := m.store.Get(id)
	if !ok {
		return false
	}
	if !transitions[t.Status][to] {
		return false
	}
	if !m.UpdateProgress(ctx, id, t.Progress, &to, UpdateOptions{Origin: OriginRuntime}) {
		return false
	}
	t, _ = m.store.Get(id)
	ApplyBlock(&t, reason)
	if at != nil {
		t.Metadata.BlockedAt = at
	}
	m.store.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
	return true
}

// ApplyBlock implements I2: it sets metadata.blockedReason and backfills
// metadata.blockedAt from metadata.updatedAt, preserving causal ordering.
// Only when updatedAt is unset does it fall back to the current time.
func ApplyBlock(t *task.Task, reason string) {
	t.Metadata.BlockedReason = reason
	at := t.Metadata.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	t.Metadata.BlockedAt = &at
}

func (m *Machine) logEvent(ctx context.Context, taskID, kind, detail string) {
	m.logger.Warn(ctx, kind, "taskId", taskID, "detail", detail)
	if m.bus != nil {
		_ = m.bus.Publish(ctx, hooks.NewTaskLifecycleEvent(taskID, kind, detail))
	}
}
