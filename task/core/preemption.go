package core

import "time"

// PreemptionBudget is the per-task preemption allowance (spec §5:
// "PreemptionCoordinator ... issues a preemption budget of {maxSteps=3,
// maxTimeMs=5000} per task").
type PreemptionBudget struct {
	MaxSteps   int
	MaxTimeMs  int64
}

// DefaultPreemptionBudget is the spec's documented default.
var DefaultPreemptionBudget = PreemptionBudget{MaxSteps: 3, MaxTimeMs: 5000}

// ExhaustionReason enumerates how a preemption budget was spent (spec §5).
type ExhaustionReason string

const (
	ExhaustionNone         ExhaustionReason = ""
	ExhaustionStepsOnly    ExhaustionReason = "steps_exhausted"
	ExhaustionTimeOnly     ExhaustionReason = "time_exhausted"
	ExhaustionBoth         ExhaustionReason = "both_exhausted"
)

// HoldWitness captures enough state to resume a preempted task, carried on
// the preempted hold (spec §5).
type HoldWitness struct {
	LastStepID   string
	ModuleCursor int
}

// preemptionState tracks budget consumption for a single task.
type preemptionState struct {
	budget      PreemptionBudget
	stepsUsed   int
	startedAt   time.Time
}

// PreemptionCoordinator is invoked by an external scheduler (spec §5); it
// tracks per-task budget consumption and, on exhaustion, produces a
// HoldWitness the caller uses to apply a preempted hold via
// goalbinding.Coordinator.
type PreemptionCoordinator struct {
	states map[string]*preemptionState
}

// NewPreemptionCoordinator constructs a PreemptionCoordinator.
func NewPreemptionCoordinator() *PreemptionCoordinator {
	return &PreemptionCoordinator{states: make(map[string]*preemptionState)}
}

// Begin starts tracking taskID against budget (or DefaultPreemptionBudget if
// the zero value is passed).
func (p *PreemptionCoordinator) Begin(taskID string, budget PreemptionBudget) {
	if budget.MaxSteps == 0 && budget.MaxTimeMs == 0 {
		budget = DefaultPreemptionBudget
	}
	p.states[taskID] = &preemptionState{budget: budget, startedAt: time.Now()}
}

// ConsumeStep records a step attempt and reports whether (and how) the
// budget is now exhausted.
func (p *PreemptionCoordinator) ConsumeStep(taskID string, lastStepID string, moduleCursor int) (ExhaustionReason, *HoldWitness) {
	st, ok := p.states[taskID]
	if !ok {
		return ExhaustionNone, nil
	}
	st.stepsUsed++

	stepsExhausted := st.stepsUsed >= st.budget.MaxSteps
	timeExhausted := time.Since(st.startedAt).Milliseconds() >= st.budget.MaxTimeMs

	switch {
	case stepsExhausted && timeExhausted:
		delete(p.states, taskID)
		return ExhaustionBoth, &HoldWitness{LastStepID: lastStepID, ModuleCursor: moduleCursor}
	case stepsExhausted:
		delete(p.states, taskID)
		return ExhaustionStepsOnly, &HoldWitness{LastStepID: lastStepID, ModuleCursor: moduleCursor}
	case timeExhausted:
		delete(p.states, taskID)
		return ExhaustionTimeOnly, &HoldWitness{LastStepID: lastStepID, ModuleCursor: moduleCursor}
	default:
		return ExhaustionNone, nil
	}
}

// Cancel stops tracking taskID without reporting exhaustion (the task left
// the preempted window on its own, e.g. completed normally).
func (p *PreemptionCoordinator) Cancel(taskID string) {
	delete(p.states, taskID)
}
