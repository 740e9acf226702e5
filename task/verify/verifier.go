// Package verify implements StepVerifier (spec §4.5): the pre/post step
// snapshot-and-check boundary invoked by the executor around every TaskStep,
// including the Rig G feasibility gate and the final whole-inventory gate.
package verify

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/goadesign/tasklifecycle-core/task"
	"github.com/goadesign/tasklifecycle-core/task/botstate"
	"github.com/goadesign/tasklifecycle-core/task/hooks"
	"github.com/goadesign/tasklifecycle-core/task/replan"
	"github.com/goadesign/tasklifecycle-core/task/statusmachine"
	"github.com/goadesign/tasklifecycle-core/task/store"
	"github.com/goadesign/tasklifecycle-core/task/taskerr"
	"github.com/goadesign/tasklifecycle-core/task/telemetry"
)

// VerificationStatus is the result recorded in the ActionVerification index.
type VerificationStatus string

const (
	StatusVerified VerificationStatus = "verified"
	StatusSkipped  VerificationStatus = "skipped"
	StatusFailed   VerificationStatus = "failed"
)

// oreDropMap maps a dig target block to the item it actually drops (spec §8
// scenario 5: "coal_ore -> coal").
var oreDropMap = map[string]string{
	"coal_ore":      "coal",
	"iron_ore":      "raw_iron",
	"gold_ore":      "raw_gold",
	"diamond_ore":   "diamond",
	"redstone_ore":  "redstone",
	"lapis_ore":     "lapis_lazuli",
	"copper_ore":    "raw_copper",
	"emerald_ore":   "emerald",
	"ancient_debris": "netherite_scrap",
}

// Leaf classes consulted by post-step verification (spec §4.5).
var movementLeaves = map[string]bool{
	"move_to": true, "navigate_to": true, "walk_to": true, "pathfind_to": true,
}

var inventoryProducingLeaves = map[string]bool{
	"dig_block": true, "acquire_material": true, "craft_recipe": true,
	"smelt": true, "pickup_item": true,
}

var blockPlacementLeaves = map[string]bool{
	"place_block": true, "build_structure_piece": true,
}

var consumeFoodLeaves = map[string]bool{
	"eat_food": true, "consume_food": true,
}

var sensingLeaves = map[string]bool{
	"scan_area": true, "inspect_inventory": true, "observe": true,
	"plan_building_layout": true, "report_status": true,
}

// legacyLabelLeafMap is the fallback synthetic-leaf derivation table used
// when a step carries no meta.leaf (spec §4.5
// "legacy label map -> synthetic leaf").
var legacyLabelLeafMap = map[string]string{
	"acquire_material": "acquire_material",
	"mine block":        "dig_block",
	"craft item":         "craft_recipe",
}

// Snapshot is the pre-step world-state capture.
type Snapshot struct {
	Position botstate.Position
	Food      float64
	Health    float64
	InventoryTotal  int
	InventoryByName map[string]int
	TakenAt   time.Time
}

// Record is the ActionVerification index entry for (taskId, stepId).
type Record struct {
	TaskID string
	StepID string
	Status VerificationStatus
	Detail string
}

// Options configures timeouts and polling for the Verifier.
type Options struct {
	MovementTimeout time.Duration
	AcquireTimeout  time.Duration
	CraftTimeout    time.Duration
	PollInterval    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MovementTimeout <= 0 {
		o.MovementTimeout = 20 * time.Second
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 20 * time.Second
	}
	if o.CraftTimeout <= 0 {
		o.CraftTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 400 * time.Millisecond
	}
	return o
}

// Verifier is StepVerifier.
type Verifier struct {
	bot     *botstate.Client
	sm      *statusmachine.Machine
	st      *store.Store
	replan  *replan.Scheduler
	bus     hooks.Bus
	logger  telemetry.Logger
	metrics telemetry.Metrics
	opts    Options

	snapshots map[string]Snapshot
	index     map[string]Record
}

// New constructs a Verifier.
func New(bot *botstate.Client, sm *statusmachine.Machine, st *store.Store, rs *replan.Scheduler, bus hooks.Bus, logger telemetry.Logger, metrics telemetry.Metrics, opts Options) *Verifier {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Verifier{
		bot: bot, sm: sm, st: st, replan: rs, bus: bus, logger: logger, metrics: metrics,
		opts:      opts.withDefaults(),
		snapshots: make(map[string]Snapshot),
		index:     make(map[string]Record),
	}
}

func snapshotKey(taskID, stepID string) string { return taskID + "\x00" + stepID }

// StartTaskStep implements startTaskStep (spec §4.5 pre-step). dryRun skips
// all mutation, snapshot persistence, and startedAt assignment, emitting
// shadow_rig_g_evaluation instead.
func (v *Verifier) StartTaskStep(ctx context.Context, taskID, stepID string, dryRun bool) (bool, error) {
	t, ok := v.st.Get(taskID)
	if !ok {
		return false, taskerr.NewVerificationError(taskID, stepID, "unknown_task", taskerr.ErrTaskNotFound)
	}

	if t.Metadata.Solver.RigG != nil && !t.Metadata.Solver.RigGChecked {
		if dryRun {
			if v.bus != nil {
				_ = v.bus.Publish(ctx, hooks.NewTaskLifecycleEvent(taskID, "shadow_rig_g_evaluation", ""))
			}
		} else if !t.Metadata.Solver.RigG.FeasibilityPassed {
			rejectionKey := topRejectionKey(t.Metadata.Solver.RigG.Rejection)
			v.sm.ReopenBlocked(ctx, taskID, task.StatusUnplannable, "Feasibility failed: "+rejectionKey, nil)
			if v.replan != nil {
				v.replan.ScheduleReplan(ctx, taskID, rejectionKey)
			}
			if v.bus != nil {
				_ = v.bus.Publish(ctx, hooks.NewTaskLifecycleEvent(taskID, "rig_g_replan_needed", rejectionKey))
			}
			return false, nil
		} else {
			t.Metadata.Solver.RigGChecked = true
			t.Metadata.Solver.RigG.SuggestedParallelism = suggestParallelism(t.Metadata.Solver.RigG.ReadySetSizeP95)
			v.st.Put(ctx, t, store.PutOptions{AllowUnfinalized: true})
		}
	}

	if dryRun {
		return true, nil
	}

	snap, err := v.bot.FetchSnapshot(ctx)
	if err != nil {
		return false, err
	}
	v.snapshots[snapshotKey(taskID, stepID)] = Snapshot{
		Position: snap.Position, Food: snap.Food, Health: snap.Health,
		InventoryTotal: snap.InventoryTotal, InventoryByName: snap.InventoryByName, TakenAt: snap.TakenAt,
	}
	if v.bus != nil {
		_ = v.bus.Publish(ctx, hooks.NewTaskStepStartedEvent(taskID, stepID, false))
	}
	return true, nil
}

func topRejectionKey(rejection map[string]int) string {
	best, bestCount := "unknown", -1
	for k, c := range rejection {
		if c > bestCount {
			best, bestCount = k, c
		}
	}
	return best
}

func suggestParallelism(readySetSizeP95 float64) int {
	if readySetSizeP95 < 1 {
		return 1
	}
	n := int(readySetSizeP95)
	if n > 8 {
		n = 8
	}
	return n
}

// DeriveLeafAndArgs centralizes leaf/args derivation (REDESIGN FLAGS:
// derivation logic was scattered across step-completion call sites in the
// original; here it is one function with one precedence order): meta.leaf +
// meta.args wins, then the legacy label map. Labels are not otherwise parsed
// for an annotated leaf.
func DeriveLeafAndArgs(step task.Step) (leaf string, args map[string]any, ok bool) {
	if step.Meta.Leaf != "" {
		return step.Meta.Leaf, step.Meta.Args, true
	}
	if mapped, found := legacyLabelLeafMap[strings.ToLower(step.Label)]; found {
		return mapped, step.Meta.Args, true
	}
	return "", nil, false
}

// CompleteTaskStep implements completeTaskStep (spec §4.5 post-step
// verification). skipVerification bypasses leaf-class checks and records
// StatusSkipped.
func (v *Verifier) CompleteTaskStep(ctx context.Context, taskID, stepID string, skipVerification bool) (Record, error) {
	t, ok := v.st.Get(taskID)
	if !ok {
		return Record{}, taskerr.NewVerificationError(taskID, stepID, "unknown_task", taskerr.ErrTaskNotFound)
	}
	var step task.Step
	found := false
	for _, s := range t.Steps {
		if s.ID == stepID {
			step = s
			found = true
			break
		}
	}
	if !found {
		return Record{}, taskerr.NewVerificationError(taskID, stepID, "unknown_step", taskerr.ErrStepNotFound)
	}

	if skipVerification {
		rec := Record{TaskID: taskID, StepID: stepID, Status: StatusSkipped}
		v.recordAndMaybeGate(ctx, t, rec)
		return rec, nil
	}

	leaf, args, ok := DeriveLeafAndArgs(step)
	if !ok {
		if step.Meta.Executable {
			rec := Record{TaskID: taskID, StepID: stepID, Status: StatusFailed, Detail: "No leaf derivable for executable step"}
			v.index[snapshotKey(taskID, stepID)] = rec
			return rec, nil
		}
		rec := Record{TaskID: taskID, StepID: stepID, Status: StatusSkipped}
		v.recordAndMaybeGate(ctx, t, rec)
		return rec, nil
	}

	snap, hasSnap := v.snapshots[snapshotKey(taskID, stepID)]

	var rec Record
	switch {
	case movementLeaves[leaf]:
		rec = v.verifyMovement(ctx, taskID, stepID, snap, hasSnap)
	case inventoryProducingLeaves[leaf]:
		rec = v.verifyInventoryProducing(ctx, taskID, stepID, leaf, args, snap, hasSnap)
	case blockPlacementLeaves[leaf]:
		rec = v.verifyBlockPlacement(ctx, taskID, stepID, args)
	case consumeFoodLeaves[leaf]:
		rec = v.verifyConsumeFood(ctx, taskID, stepID, snap, hasSnap)
	case sensingLeaves[leaf]:
		rec = Record{TaskID: taskID, StepID: stepID, Status: StatusSkipped}
	default:
		rec = Record{TaskID: taskID, StepID: stepID, Status: StatusSkipped}
	}

	v.recordAndMaybeGate(ctx, t, rec)
	return rec, nil
}

func (v *Verifier) recordAndMaybeGate(ctx context.Context, t task.Task, rec Record) {
	v.index[snapshotKey(rec.TaskID, rec.StepID)] = rec
	if v.bus != nil {
		_ = v.bus.Publish(ctx, hooks.NewTaskStepCompletedEvent(rec.TaskID, rec.StepID, string(rec.Status)))
	}
	if rec.Status == StatusFailed {
		return
	}
	delete(v.snapshots, snapshotKey(rec.TaskID, rec.StepID))
	if v.isLastStep(t, rec.StepID) {
		v.finalInventoryGate(ctx, rec.TaskID)
	}
}

func (v *Verifier) isLastStep(t task.Task, stepID string) bool {
	if len(t.Steps) == 0 {
		return false
	}
	return t.Steps[len(t.Steps)-1].ID == stepID
}

// finalInventoryGate implements spec §4.5's final inventory gate: when the
// last step completes and the task has a structured requirement with an
// output item and quantity, re-check the whole inventory before allowing
// completion.
func (v *Verifier) finalInventoryGate(ctx context.Context, taskID string) {
	t, ok := v.st.Get(taskID)
	if !ok {
		return
	}
	req := t.Metadata.Requirement
	if req == nil || req.OutputItem == "" || req.OutputQuantity <= 0 {
		v.sm.Complete(ctx, taskID, statusmachine.UpdateOptions{Origin: statusmachine.OriginRuntime})
		return
	}
	if v.bot == nil {
		v.sm.Complete(ctx, taskID, statusmachine.UpdateOptions{Origin: statusmachine.OriginRuntime})
		return
	}
	snap, err := v.bot.FetchSnapshot(ctx)
	if err != nil {
		return
	}
	if snap.InventoryByName[req.OutputItem] < req.OutputQuantity {
		v.logger.Warn(ctx, "final_inventory_gate_undercount", "taskId", taskID, "item", req.OutputItem, "required", req.OutputQuantity, "have", snap.InventoryByName[req.OutputItem])
		return
	}
	v.sm.Complete(ctx, taskID, statusmachine.UpdateOptions{Origin: statusmachine.OriginRuntime})
}

func (v *Verifier) verifyMovement(ctx context.Context, taskID, stepID string, snap Snapshot, hasSnap bool) Record {
	if !hasSnap {
		return Record{TaskID: taskID, StepID: stepID, Status: StatusFailed, Detail: "no snapshot"}
	}
	deadline := time.Now().Add(v.opts.MovementTimeout)
	for {
		cur, err := v.bot.FetchSnapshot(ctx)
		if err == nil && distance(cur.Position, snap.Position) >= 0.75 {
			return Record{TaskID: taskID, StepID: stepID, Status: StatusVerified}
		}
		if time.Now().After(deadline) {
			return Record{TaskID: taskID, StepID: stepID, Status: StatusFailed, Detail: "position unchanged"}
		}
		time.Sleep(v.opts.PollInterval)
	}
}

func distance(a, b botstate.Position) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// acceptedItemNames expands a declared leaf item into every inventory key
// that should count toward the delta: the raw name, its ore-drop mapping,
// and wood-group siblings for *_log targets (spec §4.5, §8 scenario 5).
func acceptedItemNames(rawItem string) []string {
	names := map[string]bool{rawItem: true}
	if dropped, ok := oreDropMap[rawItem]; ok {
		names[dropped] = true
	}
	if strings.HasSuffix(rawItem, "_log") {
		names["log"] = true
		names["wood"] = true
	}
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	return out
}

func (v *Verifier) verifyInventoryProducing(ctx context.Context, taskID, stepID, leaf string, args map[string]any, snap Snapshot, hasSnap bool) Record {
	if !hasSnap {
		return Record{TaskID: taskID, StepID: stepID, Status: StatusFailed, Detail: "no snapshot"}
	}
	item := stringArg(args, "item")
	if item == "" {
		item = stringArg(args, "blockType")
	}
	declaredDelta := intArg(args, "quantity", 1)

	timeout := v.opts.CraftTimeout
	if leaf == "dig_block" || leaf == "acquire_material" {
		timeout = v.opts.AcquireTimeout
	}
	accepted := acceptedItemNames(item)
	before := sumCounts(snap.InventoryByName, accepted)

	deadline := time.Now().Add(timeout)
	for {
		cur, err := v.bot.FetchSnapshot(ctx)
		if err == nil {
			after := sumCounts(cur.InventoryByName, accepted)
			if after-before >= declaredDelta {
				return Record{TaskID: taskID, StepID: stepID, Status: StatusVerified}
			}
		}
		if time.Now().After(deadline) {
			return Record{TaskID: taskID, StepID: stepID, Status: StatusFailed, Detail: "inventory delta not observed"}
		}
		time.Sleep(v.opts.PollInterval)
	}
}

func sumCounts(inv map[string]int, names []string) int {
	total := 0
	for _, n := range names {
		total += inv[botstate.StripMinecraftPrefix(n)]
	}
	return total
}

func (v *Verifier) verifyBlockPlacement(ctx context.Context, taskID, stepID string, args map[string]any) Record {
	item := stringArg(args, "item")
	blocks, err := v.bot.NearbyBlocks(ctx)
	if err != nil {
		return Record{TaskID: taskID, StepID: stepID, Status: StatusFailed, Detail: err.Error()}
	}
	for _, b := range blocks {
		if strings.Contains(botstate.StripMinecraftPrefix(b), item) {
			return Record{TaskID: taskID, StepID: stepID, Status: StatusVerified}
		}
	}
	return Record{TaskID: taskID, StepID: stepID, Status: StatusFailed, Detail: "placed block not found nearby"}
}

func (v *Verifier) verifyConsumeFood(ctx context.Context, taskID, stepID string, snap Snapshot, hasSnap bool) Record {
	if !hasSnap {
		return Record{TaskID: taskID, StepID: stepID, Status: StatusFailed, Detail: "no snapshot"}
	}
	cur, err := v.bot.FetchSnapshot(ctx)
	if err != nil {
		return Record{TaskID: taskID, StepID: stepID, Status: StatusFailed, Detail: err.Error()}
	}
	if cur.Food > snap.Food {
		return Record{TaskID: taskID, StepID: stepID, Status: StatusVerified}
	}
	return Record{TaskID: taskID, StepID: stepID, Status: StatusFailed, Detail: "food did not increase"}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// RecordFor returns the verification record for (taskId, stepId).
func (v *Verifier) RecordFor(taskID, stepID string) (Record, bool) {
	rec, ok := v.index[snapshotKey(taskID, stepID)]
	return rec, ok
}
