// Package task defines the central data model of the task lifecycle core:
// Task, TaskStep, and the structured TaskMetadata envelope (spec §3). The
// package is intentionally free of behavior — mutation rules live in
// task/statusmachine, task/store, and task/goalbinding; this package only
// holds the closed struct shapes and their invariants as doc comments.
package task

import "time"

type (
	// Task is the central entity: a unit of work with observable progress.
	Task struct {
		ID          string
		Title       string
		Description string
		Type        string
		Source      Source
		Priority    float64
		Urgency     float64
		Progress    float64
		Status      Status
		Steps       []Step
		Parameters  map[string]any
		// ParentTaskID, when set, marks this intent as a sub-task spawned by
		// an executor action; it drives subtaskKey computation and origin
		// stamping (spec §4.2 steps 5-6).
		ParentTaskID string
		// Tags are caller-supplied classification hints consulted during
		// origin stamping (e.g. {cognitive, autonomous} -> origin.kind=cognition).
		Tags []string
		// RequirementCandidate is a caller-proposed requirement consulted when
		// no solver-resolved requirement is available (spec §4.2 failure modes).
		RequirementCandidate *Requirement
		Metadata             Metadata
	}

	// Step is an ordered work unit within a Task.
	Step struct {
		ID    string
		Label string
		Order int
		Meta  StepMeta
	}

	// StepMeta carries the opaque, recognized-key bag attached to a TaskStep.
	StepMeta struct {
		// Leaf is the executable action name dispatched by the executor.
		Leaf string
		// Args are executor-native parameters for Leaf.
		Args map[string]any
		// Executable gates whether this step is dispatchable at all (advisory
		// and sensing steps may carry Executable=false).
		Executable bool
		// Produces and Consumes are item-delta hints used by StepVerifier's
		// inventory-producing leaf check.
		Produces []string
		Consumes []string
		Source   string
		Domain   string
		ModuleID string
		// Intent is a non-executable intent label set by an upstream planner
		// when no concrete leaf could be derived.
		Intent string
	}

	// Source identifies where a Task's originating intent came from.
	Source string

	// Status is the task's position in the StatusMachine's state graph.
	Status string

	// Metadata is the closed structured envelope attached to every Task.
	// Per the REDESIGN FLAGS guidance ("dynamic metadata bag -> closed struct
	// with an extra escape hatch"), every spec-recognized key (§3 invariant
	// I7 allowlist) has a named field, and named fields always survive
	// ingestion; Extra is the only place an unrecognized caller-supplied key
	// can land. The ingestion pipeline's I7 projection filters Extra by
	// string key, keeping only allowlisted keys.
	Metadata struct {
		// Origin is the immutable creation provenance envelope (I1).
		Origin *Origin
		// BlockedReason/BlockedAt implement I2: if BlockedReason is set,
		// BlockedAt must be set to the same instant or earlier.
		BlockedReason string
		BlockedAt     *time.Time
		// FailureCode/FailureError surface deterministic executor feedback
		// (spec §7, "Deterministic failures").
		FailureCode  string
		FailureError string
		// GoalKey and SubtaskKey participate in dedup lookups (§4.1).
		GoalKey        string
		SubtaskKey     string
		TaskProvenance string
		// Requirement is the resolved requirement used for dedup and the
		// final inventory gate (§4.5).
		Requirement *Requirement
		// Solver is a namespace for solver-produced data, deep-merged and
		// never key-by-key filtered (spec §3).
		Solver SolverMeta
		// GoalBinding couples this Task to an external Goal when present.
		GoalBinding *GoalBinding
		// UpdatedAt is stamped when the ingestion pipeline persists the task;
		// later mutations do not refresh it. Used to backfill BlockedAt
		// causally.
		UpdatedAt time.Time
		// Extra is the escape hatch for caller-supplied keys that have no
		// named field. Values are opaque bytes (typically JSON) so callers
		// cannot alias live Go values into the store.
		Extra map[string][]byte
	}

	// Origin is the immutable envelope stamped exactly once during
	// finalization (spec §3, I1). Attempts to overwrite it after the first
	// stamp must be silently dropped with a structured warning.
	Origin struct {
		Kind          OriginKind
		Name          string
		ParentTaskID  string
		ParentGoalKey string
		CreatedAt     time.Time
	}

	// OriginKind enumerates the provenance categories assigned during
	// ingestion (spec §4.2 step 6).
	OriginKind string

	// Requirement is the resolved, structured requirement used for dedup
	// (§4.1 policy 3) and the StepVerifier final inventory gate (§4.5).
	Requirement struct {
		Kind            string
		OutputItem      string
		OutputQuantity  int
		// Raw holds solver-specific requirement fields not modeled above;
		// canonicalized so equivalence comparisons are stable (see Canonicalize).
		Raw map[string]any
	}

	// SolverMeta is the namespace for solver-produced data on a Task.
	SolverMeta struct {
		RigG           *RigGSignals
		RigGChecked    bool
		RigGReplan     *ReplanState
		ReplanAttempts int
		PlanID         string
		EpisodeHashes  map[string]string
		// DedupeKey is "<schemaVersion>:<committed_ir_digest>" (§4.7); treated
		// as an opaque cross-process convention.
		DedupeKey string
		// NoStepsReason classifies why step generation produced zero steps
		// (solver-unsolved, solver-error, unplannable, no-requirement,
		// advisory-skip), consulted by the dedup failure registry.
		NoStepsReason string
	}

	// RigGSignals carries the Rig G feasibility-analyzer output consulted by
	// StepVerifier's feasibility gate (§4.5).
	RigGSignals struct {
		FeasibilityPassed   bool
		Rejection           map[string]int
		ReadySetSizeP95     float64
		SuggestedParallelism int
	}

	// ReplanState tracks the in-flight marker consulted by ReplanScheduler
	// (§4.6) to make scheduleReplan idempotent.
	ReplanState struct {
		InFlight    bool
		Attempt     int
		ScheduledAt time.Time
	}

	// GoalBinding couples a Task to an external Goal identity (spec §3).
	GoalBinding struct {
		// GoalInstanceID never mutates post-creation (I3).
		GoalInstanceID string
		GoalKey        string
		GoalKeyAliases []string
		GoalType       string
		GoalID         string
		// Anchors is the site signature for location-anchored goals. I4
		// requires GoalKeyAliases to be non-empty whenever Anchors.SiteSignature
		// is set.
		Anchors    *Anchors
		Completion CompletionState
		// Hold, when set, suspends goal-lifecycle sync for this task (I6).
		Hold *Hold
	}

	// Anchors carries the site signature for location-anchored goals.
	Anchors struct {
		SiteSignature string
	}

	// CompletionState tracks goal-binding completion verification.
	CompletionState struct {
		VerifierName      string
		DefinitionVersion string
		ConsecutivePasses int
	}

	// Hold suspends a goal-bound task's lifecycle sync. HoldReasonManualPause
	// forms a hard wall per I6.
	Hold struct {
		Reason    string
		CreatedAt time.Time
		Details   map[string]any
	}
)

// Source values (spec §3).
const (
	SourceManual     Source = "manual"
	SourceAutonomous Source = "autonomous"
	SourceGoal       Source = "goal"
	SourceIntrusive  Source = "intrusive"
	SourcePlanner    Source = "planner"
)

// Status values (spec §3, transition table in §4.3).
const (
	StatusPending         Status = "pending"
	StatusPendingPlanning Status = "pending_planning"
	StatusActive          Status = "active"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusPaused          Status = "paused"
	StatusUnplannable     Status = "unplannable"
)

// OriginKind values (spec §3).
const (
	OriginAPI          OriginKind = "api"
	OriginCognition    OriginKind = "cognition"
	OriginGoalSource   OriginKind = "goal_source"
	OriginGoalResolver OriginKind = "goal_resolver"
	OriginExecutor     OriginKind = "executor"
)

// Hold reasons (spec §4.4, §GLOSSARY).
const (
	HoldReasonManualPause = "manual_pause"
	HoldReasonPreempted   = "preempted"
)

// IsTerminal reports whether s is a terminal status (completed or failed):
// no further transitions are permitted out of it (spec §4.3).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
