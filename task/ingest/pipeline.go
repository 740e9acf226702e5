// Package ingest implements TaskIngestionPipeline (spec §4.2): the single
// addTask entry point that dedups, routes, dispatches to solvers, normalizes,
// stamps provenance, projects the metadata allowlist, finalizes invariants,
// and persists every incoming task intent.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goadesign/tasklifecycle-core/task"
	"github.com/goadesign/tasklifecycle-core/task/dedup"
	"github.com/goadesign/tasklifecycle-core/task/hooks"
	"github.com/goadesign/tasklifecycle-core/task/solver"
	"github.com/goadesign/tasklifecycle-core/task/store"
	"github.com/goadesign/tasklifecycle-core/task/taskerr"
	"github.com/goadesign/tasklifecycle-core/task/telemetry"
)

// Domain kinds routed in step 3 (spec §4.2).
const (
	KindCollect        = "collect"
	KindMine           = "mine"
	KindCraft          = "craft"
	KindBuild          = "build"
	KindNavigate       = "navigate"
	KindExplore        = "explore"
	KindFind           = "find"
	TypeAdvisoryAction = "advisory_action"
	TypeBuilding       = "building"
)

// Options configures a Pipeline. Every field is optional; nil collaborators
// degrade their corresponding routing step to its documented fallback.
type Options struct {
	CraftingSolver       solver.CraftingSolver
	BuildingSolver       solver.BuildingSolver
	RigEPlanner          solver.RigEPlanner
	GoalResolver         solver.GoalResolver
	ResolveRequirement   func(task.Task) *task.Requirement
	DedupRegistry        *dedup.Registry
	StrictFinalize       bool
	DebugMetadataDropped bool
}

// Pipeline is TaskIngestionPipeline.
type Pipeline struct {
	store   *store.Store
	bus     hooks.Bus
	logger  telemetry.Logger
	metrics telemetry.Metrics
	opts    Options

	idSeq int
}

// New constructs a Pipeline.
func New(st *store.Store, bus hooks.Bus, logger telemetry.Logger, metrics telemetry.Metrics, opts Options) *Pipeline {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Pipeline{store: st, bus: bus, logger: logger, metrics: metrics, opts: opts}
}

// AddTask is addTask(partial) -> Task (spec §4.2), run synchronously to
// completion on the Core's owning goroutine.
func (p *Pipeline) AddTask(ctx context.Context, partial task.Task) (task.Task, error) {
	// Step 1: pre-resolver dedup probe.
	if existing, ok := p.store.FindSimilar(partial, p.opts.ResolveRequirement); ok {
		return existing, nil
	}

	// A committed Sterling reduction digest dedups against history as well as
	// live tasks (spec §4.1 "terminal tasks must still dedup recent digests"):
	// a different-id intent carrying a digest already seen on a completed task
	// is dropped rather than re-ingested.
	if key := partial.Metadata.Solver.DedupeKey; key != "" {
		if existing, ok := p.store.FindBySterlingDedupeKey(key); ok {
			p.metrics.IncCounter("ingest_dropped_dedup", 1, "reason", "sterling_digest")
			return existing, nil
		}
	}

	// DedupFailureRegistry is queried here to reject recently-failed intents
	// (spec §4.1 "Control flow" / §4.7): a categoryKey still within its
	// cooldown window is returned blocked rather than re-dispatched to a
	// solver that just failed for the same intent.
	categoryKey := dedupCategoryKey(partial)
	if p.opts.DedupRegistry != nil && p.opts.DedupRegistry.InCooldown(categoryKey) {
		blocked := partial
		blocked.Status = task.StatusUnplannable
		blocked.Metadata.BlockedReason = "recently_failed_cooldown"
		return blocked, nil
	}

	t := partial
	if t.ID == "" {
		t.ID = p.nextID()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}

	// Step 2: routing gate.
	var outcome solver.ResolveOutcome
	if p.opts.GoalResolver != nil && t.Source == task.SourceGoal && t.Type == TypeBuilding {
		resolved, out, err := p.routeToGoalResolver(ctx, t)
		if err != nil {
			p.metrics.IncCounter("ingest_goal_resolver_error", 1)
			p.logger.Warn(ctx, "goal_resolver_error", "taskId", t.ID, "error", err.Error())
		} else {
			t = resolved
			outcome = out
			if outcome == solver.OutcomeAlreadySatisfied || outcome == solver.OutcomeCreated {
				if outcome == solver.OutcomeCreated {
					t.Metadata.UpdatedAt = time.Now()
					p.store.Put(ctx, t, store.PutOptions{})
				}
				return t, nil
			}
		}
	}

	// Step 3: solver dispatch.
	p.dispatchSolver(ctx, &t)
	if p.opts.DedupRegistry != nil && t.Metadata.Solver.NoStepsReason != "" {
		p.opts.DedupRegistry.RegisterFailure(ctx, categoryKey, dedup.FailureInput{
			BlockedReason: t.Metadata.BlockedReason,
			NoStepsReason: t.Metadata.Solver.NoStepsReason,
		})
	}

	// Step 4: requirement resolution.
	if p.opts.ResolveRequirement != nil {
		if req := p.opts.ResolveRequirement(t); req != nil {
			t.Metadata.Requirement = req
		}
	} else if t.RequirementCandidate != nil {
		t.Metadata.Requirement = t.RequirementCandidate
	} else if t.Source == task.SourceAutonomous && t.ParentTaskID != "" && t.Type != TypeAdvisoryAction {
		p.logger.Warn(ctx, "invariant_violation_no_requirement_candidate", "taskId", t.ID)
	}

	// Step 5: normalization.
	p.normalize(&t)

	// Step 6: origin stamping.
	p.stampOrigin(ctx, &t)

	// Step 7: metadata allowlist projection (I7).
	p.projectMetadataAllowlist(ctx, &t)

	// Step 8: invariant finalization.
	if err := p.finalizeInvariants(ctx, &t); err != nil {
		return task.Task{}, err
	}

	// Step 9: persist + emit.
	t.Metadata.UpdatedAt = time.Now()
	p.store.Put(ctx, t, store.PutOptions{})
	if t.Priority >= 0.8 {
		if p.bus != nil {
			_ = p.bus.Publish(ctx, hooks.NewHighPriorityAddedEvent(t.ID, t.Priority))
		}
	}

	return t, nil
}

// SetSolvers swaps the domain-routed solvers and Rig E planner (spec §6
// "configureHierarchicalPlanner(overrides?)"). Passing nil for any
// collaborator reverts that route to its documented fallback.
func (p *Pipeline) SetSolvers(craft solver.CraftingSolver, build solver.BuildingSolver, rigE solver.RigEPlanner) {
	p.opts.CraftingSolver = craft
	p.opts.BuildingSolver = build
	p.opts.RigEPlanner = rigE
}

// SetGoalResolver swaps the goal resolver (spec §6
// "enableGoalResolver(resolver?)"). Passing nil disables goal-bound routing.
func (p *Pipeline) SetGoalResolver(resolver solver.GoalResolver) {
	p.opts.GoalResolver = resolver
}

// dedupCategoryKey derives the cooldown key used to consult the dedup
// failure registry before an intent is (re-)dispatched.
func dedupCategoryKey(t task.Task) string {
	return string(t.Source) + ":" + t.Type + ":" + t.Title
}

func (p *Pipeline) nextID() string {
	p.idSeq++
	return "task-" + uuid.New().String()
}

// routeToGoalResolver implements step 2: infer goalType, delegate, and attach
// the returned goal binding regardless of outcome.
func (p *Pipeline) routeToGoalResolver(ctx context.Context, t task.Task) (task.Task, solver.ResolveOutcome, error) {
	goalType := inferGoalType(t)
	if t.Parameters == nil {
		t.Parameters = map[string]any{}
	}
	t.Parameters["goalType"] = goalType

	adapter := storeAdapter{p.store, p.opts.ResolveRequirement}
	resolved, outcome, err := p.opts.GoalResolver.ResolveOrCreate(ctx, t, adapter)
	if err != nil {
		return t, solver.OutcomeFellThrough, err
	}
	if resolved.Metadata.Origin == nil {
		resolved.Metadata.Origin = &task.Origin{}
	}
	resolved.Metadata.Origin.Kind = task.OriginGoalResolver
	return resolved, outcome, nil
}

func inferGoalType(t task.Task) string {
	if v, ok := t.Parameters["goalType"].(string); ok && v != "" {
		return v
	}
	title := strings.ToLower(t.Title)
	switch {
	case strings.Contains(title, "shelter"):
		return "build_shelter"
	case strings.Contains(title, "structure"):
		return "build_structure"
	default:
		return "build_shelter"
	}
}

type storeAdapter struct {
	st                 *store.Store
	resolveRequirement func(task.Task) *task.Requirement
}

func (a storeAdapter) FindSimilar(partial task.Task) (task.Task, bool) {
	return a.st.FindSimilar(partial, a.resolveRequirement)
}

// dispatchSolver implements step 3's domain routing table.
func (p *Pipeline) dispatchSolver(ctx context.Context, t *task.Task) {
	switch {
	case t.Type == TypeAdvisoryAction:
		t.Metadata.BlockedReason = TypeAdvisoryAction
		t.Metadata.Solver.NoStepsReason = "advisory-skip"
		return

	case t.Type == KindCollect || t.Type == KindMine:
		steps := compileAcquireMaterialSteps(t)
		t.Steps = steps
		if len(steps) == 0 {
			t.Metadata.Solver.NoStepsReason = "unplannable"
		}
		return

	case t.Type == KindCraft:
		p.dispatchNamedSolver(ctx, t, p.opts.CraftingSolver)
		return

	case t.Type == KindBuild:
		p.dispatchNamedSolver(ctx, t, p.opts.BuildingSolver)
		return

	case t.Type == KindNavigate || t.Type == KindExplore || t.Type == KindFind:
		p.dispatchRigE(ctx, t)
		return
	}

	// No sentinel applies and no solver was able to produce steps.
	if len(t.Steps) == 0 {
		t.Metadata.BlockedReason = "no-executable-plan"
		t.Metadata.Solver.NoStepsReason = "unplannable"
	}
}

func (p *Pipeline) dispatchNamedSolver(ctx context.Context, t *task.Task, s solver.Solver) {
	if s == nil {
		t.Metadata.BlockedReason = "no-executable-plan"
		t.Metadata.Solver.NoStepsReason = "unplannable"
		return
	}
	steps, err := s.GenerateSteps(ctx, *t)
	if err != nil {
		p.logger.Warn(ctx, "solver_error", "taskId", t.ID, "error", err.Error())
		t.Metadata.Solver.NoStepsReason = "solver-error"
		return
	}
	if len(steps) == 0 {
		t.Metadata.Solver.NoStepsReason = "solver-unsolved"
		return
	}
	t.Steps = steps
}

func (p *Pipeline) dispatchRigE(ctx context.Context, t *task.Task) {
	if p.opts.RigEPlanner == nil {
		t.Steps = []task.Step{blockedSentinelStep("rig_e_solver_unimplemented")}
		t.Status = task.StatusPendingPlanning
		t.Metadata.BlockedReason = "rig_e_solver_unimplemented"
		t.Metadata.Solver.NoStepsReason = "unplannable"
		return
	}
	steps, err := p.opts.RigEPlanner.Plan(ctx, *t)
	if err != nil {
		reason := "rig_e_no_plan_found"
		if pe, ok := err.(*solver.PlannerError); ok {
			reason = pe.Code
		}
		t.Steps = []task.Step{blockedSentinelStep(reason)}
		t.Status = task.StatusPendingPlanning
		t.Metadata.BlockedReason = reason
		t.Metadata.Solver.NoStepsReason = "unplannable"
		return
	}
	t.Steps = steps
}

func blockedSentinelStep(reason string) task.Step {
	return task.Step{
		ID:    "sentinel-" + reason,
		Label: reason,
		Order: 0,
		Meta: task.StepMeta{
			Executable: false,
			Intent:     reason,
		},
	}
}

// compileAcquireMaterialSteps directly compiles collect/mine intents into
// per-unit acquire_material steps without consulting an external solver
// (spec §4.2 step 3).
func compileAcquireMaterialSteps(t *task.Task) []task.Step {
	item, _ := t.Parameters["item"].(string)
	if item == "" {
		return nil
	}
	quantity := 1
	if q, ok := t.Parameters["quantity"].(int); ok && q > 0 {
		quantity = q
	} else if qf, ok := t.Parameters["quantity"].(float64); ok && qf > 0 {
		quantity = int(qf)
	}
	steps := make([]task.Step, quantity)
	for i := 0; i < quantity; i++ {
		steps[i] = task.Step{
			ID:    fmt.Sprintf("acquire-%s-%d", item, i),
			Label: "acquire_material",
			Order: i,
			Meta: task.StepMeta{
				Leaf:       "acquire_material",
				Args:       map[string]any{"item": item},
				Executable: true,
				Produces:   []string{item},
			},
		}
	}
	return steps
}

// normalize implements step 5: clamp priority/urgency, compute subtaskKey,
// canonicalize Parameters.
func (p *Pipeline) normalize(t *task.Task) {
	t.Priority = clamp01(t.Priority)
	t.Urgency = clamp01(t.Urgency)
	if t.ParentTaskID != "" {
		t.Metadata.SubtaskKey = t.ParentTaskID + ":" + t.Title
	}
	if t.Parameters != nil {
		if canon, ok := task.Canonicalize(t.Parameters).(map[string]any); ok {
			t.Parameters = canon
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// stampOrigin implements step 6.
func (p *Pipeline) stampOrigin(ctx context.Context, t *task.Task) {
	if t.Metadata.Origin != nil && t.Metadata.Origin.Kind != "" {
		// Already stamped by the goal resolver route; never overwrite (I1).
		return
	}

	var kind task.OriginKind
	switch {
	case t.Source == task.SourceManual:
		kind = task.OriginAPI
	case t.Source == task.SourceAutonomous && hasTags(t.Tags, "cognitive", "autonomous"):
		kind = task.OriginCognition
	case t.ParentTaskID != "":
		kind = task.OriginExecutor
	case t.Source == task.SourceGoal && t.Metadata.GoalBinding != nil:
		kind = task.OriginGoalResolver
	case t.Source == task.SourceGoal:
		kind = task.OriginGoalSource
		reason := "type_not_gated:" + t.Type
		if p.opts.GoalResolver == nil {
			reason = "goal_resolver_disabled"
		}
		if p.bus != nil {
			_ = p.bus.Publish(ctx, hooks.NewGoalBindingDriftEvent(t.ID, reason))
		}
	default:
		kind = task.OriginAPI
	}

	t.Metadata.Origin = &task.Origin{
		Kind:         kind,
		ParentTaskID: t.ParentTaskID,
		CreatedAt:    time.Now(),
	}
}

func hasTags(tags []string, want ...string) bool {
	set := make(map[string]bool, len(tags))
	for _, tg := range tags {
		set[tg] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// allowlistedMetadataKeys is I7's projection table.
var allowlistedMetadataKeys = map[string]bool{
	"goalKey": true, "subtaskKey": true, "taskProvenance": true,
	"origin": true, "requirement": true, "solver": true, "goalBinding": true,
	"blockedReason": true, "blockedAt": true, "failureCode": true, "failureError": true,
}

// projectMetadataAllowlist implements step 7 (I7): rebuild metadata.Extra to
// contain only keys recognized by the allowlist, dropping everything else.
// Named fields (Origin, Requirement, Solver, GoalBinding, BlockedReason,
// BlockedAt, FailureCode, FailureError, GoalKey, SubtaskKey, TaskProvenance)
// are structurally part of Metadata already and always survive; this step
// only prunes Extra, which is where unrecognized caller-supplied keys land.
func (p *Pipeline) projectMetadataAllowlist(ctx context.Context, t *task.Task) {
	if len(t.Metadata.Extra) == 0 {
		return
	}
	var dropped []string
	kept := make(map[string][]byte, len(t.Metadata.Extra))
	for k, v := range t.Metadata.Extra {
		if allowlistedMetadataKeys[k] {
			kept[k] = v
			continue
		}
		dropped = append(dropped, k)
	}
	t.Metadata.Extra = kept
	if len(dropped) > 0 {
		p.logger.Debug(ctx, "metadata_allowlist_dropped_keys", "taskId", t.ID, "keys", dropped)
		if p.opts.DebugMetadataDropped && p.bus != nil {
			_ = p.bus.Publish(ctx, hooks.NewTaskMetadataUpdatedEvent(t.ID, dropped))
		}
	}
}

// finalizeInvariants implements step 8: I1/I2 backfill and the strict-mode
// missing-origin throw.
func (p *Pipeline) finalizeInvariants(ctx context.Context, t *task.Task) error {
	if t.Metadata.BlockedReason != "" && t.Metadata.BlockedAt == nil {
		at := t.Metadata.UpdatedAt
		if at.IsZero() {
			at = time.Now()
		}
		t.Metadata.BlockedAt = &at
	}

	if t.Metadata.Origin == nil {
		if p.bus != nil {
			_ = p.bus.Publish(ctx, hooks.NewTaskLifecycleEvent(t.ID, "task_finalize_invariant_violation", "missing_origin"))
		}
		if p.opts.StrictFinalize {
			return taskerr.NewInvariantError(t.ID, "I1", "missing_origin")
		}
		p.logger.Warn(ctx, "task_finalize_invariant_violation", "taskId", t.ID, "reason", "missing_origin")
	}
	return nil
}
