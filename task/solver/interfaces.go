// Package solver defines the narrow interfaces for the planning/solving
// collaborators named "out of scope" in spec §1: domain solvers for
// crafting/building, the Rig E macro planner, the goal resolver, the
// completion verifier registry, and the executor pipeline. The Sterling IR
// reducer and Rig G feasibility analyzer have no interface here; the core
// only reads their outputs from task metadata. Full implementations belong
// to a different system.
package solver

import (
	"context"

	"github.com/goadesign/tasklifecycle-core/task"
)

type (
	// Solver produces TaskSteps for a partial task (spec §6
	// "Solver.generateSteps(task)"). Implementations may be synchronous or
	// asynchronous and may legitimately return zero steps.
	Solver interface {
		GenerateSteps(ctx context.Context, t task.Task) ([]task.Step, error)
	}

	// ResolveOutcome enumerates the result of GoalResolver.ResolveOrCreate
	// (spec §4.2 step 2, §6).
	ResolveOutcome string

	// GoalResolver finds or creates a goal-bound task for an ingested intent
	// (spec §6 "GoalResolver.resolveOrCreate(intent, storeAdapter)").
	GoalResolver interface {
		ResolveOrCreate(ctx context.Context, intent task.Task, adapter StoreAdapter) (task.Task, ResolveOutcome, error)
	}

	// StoreAdapter is the narrow slice of TaskStore a GoalResolver is allowed
	// to touch: dedup lookups, never direct mutation.
	StoreAdapter interface {
		FindSimilar(partial task.Task) (task.Task, bool)
	}

	// VerifierRegistry runs a domain-specific completion verifier by name
	// (spec §6 "VerifierRegistry.run(name, task)"). The goal binding hook
	// reducer in this module does not call it.
	VerifierRegistry interface {
		Run(ctx context.Context, name string, t task.Task) (bool, error)
	}

	// ExecutorPipeline is the outbound dispatcher: "(toolName, args) after
	// contract validation" (spec §6). The core only calls Dispatch; contract
	// validation and leaf argument mapping tables are out of scope (spec §1).
	ExecutorPipeline interface {
		Dispatch(ctx context.Context, toolName string, args map[string]any) error
	}
)

// ResolveOutcome values (spec §4.2 step 2).
const (
	OutcomeContinue        ResolveOutcome = "continue"
	OutcomeAlreadySatisfied ResolveOutcome = "already_satisfied"
	OutcomeCreated          ResolveOutcome = "created"
	OutcomeFellThrough      ResolveOutcome = "fell_through"
)

// RigEPlanner is the Rig E macro planner collaborator consulted for
// navigate/explore/find tasks (spec §4.2 step 3). A nil RigEPlanner means
// "not configured", triggering the rig_e_solver_unimplemented sentinel.
type RigEPlanner interface {
	Plan(ctx context.Context, t task.Task) ([]task.Step, error)
}

// ErrOntologyGap is returned by a RigEPlanner when the task's context cannot
// be mapped into its planning ontology (spec §4.2: "rig_e_ontology_gap").
var ErrOntologyGap = &PlannerError{Code: "rig_e_ontology_gap"}

// ErrNoPlanFound is returned when the planner runs a search but finds no plan
// (spec §4.2: "rig_e_no_plan_found").
var ErrNoPlanFound = &PlannerError{Code: "rig_e_no_plan_found"}

// PlannerError is a sentinel-style error carrying a stable reason code.
type PlannerError struct{ Code string }

func (e *PlannerError) Error() string { return e.Code }

// CraftingSolver and BuildingSolver are domain-routed Solver collaborators
// (spec §4.2 step 3: "kind == craft -> delegated to crafting solver",
// "kind == build -> delegated to building solver"). They share Solver's
// shape; the ingestion pipeline picks which one to call based on the
// partial task's parsed kind.
type (
	CraftingSolver = Solver
	BuildingSolver = Solver
)

