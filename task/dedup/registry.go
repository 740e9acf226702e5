// Package dedup implements DedupFailureRegistry (spec §4.7): the recent-digest
// LRU window consulted before re-ingesting a thought, and the tiered-TTL
// category cooldown keyed by failure classification.
package dedup

import (
	"container/list"
	"context"
	"strings"
	"time"

	"github.com/goadesign/tasklifecycle-core/task/taskerr"
	"github.com/goadesign/tasklifecycle-core/task/telemetry"
)

// Classification is the tiered failure category from spec §4.7.
type Classification string

const (
	Transient   Classification = "transient"
	Durable     Classification = "durable"
	Nonsensical Classification = "nonsensical"
)

// TTL returns the cooldown duration for a classification (spec §4.7).
func (c Classification) TTL() time.Duration {
	switch c {
	case Transient:
		return 5 * time.Second
	case Durable:
		return 30 * time.Second
	case Nonsensical:
		return 120 * time.Second
	default:
		return 30 * time.Second
	}
}

// ToolDiagnostics carries the highest-precedence classification input (spec
// §4.7 policy 1).
type ToolDiagnostics struct {
	ReasonCode string
}

// FailureInput bundles everything the registry needs to classify a failure,
// consulted in strict precedence order (spec §4.7).
type FailureInput struct {
	ToolDiagnostics *ToolDiagnostics
	BlockedReason   string
	NoStepsReason   string
}

var transientReasonCodes = map[string]bool{
	"no_mcdata":           true,
	"no_recipe_available": true,
	"craft_timeout":       true,
}

var durableReasonCodes = map[string]bool{
	"invalid_recipe_id": true,
	"unknown_item":      true,
}

var durableBlockedPrefixes = []string{"blocked_invalid_ir_bundle", "blocked_missing_digest"}

var nonsensicalBlockedReasons = map[string]bool{
	"expansion_retries_exhausted": true,
	"max_retries_exceeded":        true,
}

var transientNoStepsReasons = map[string]bool{
	"solver-unsolved": true,
	"solver-error":    true,
}

var durableNoStepsReasons = map[string]bool{
	"unplannable":    true,
	"no-requirement": true,
}

// Classify implements spec §4.7's strict-precedence classification table.
func Classify(in FailureInput) Classification {
	c, _ := classify(in)
	return c
}

// classify is Classify's implementation, additionally reporting whether the
// result came from an explicit table/prefix entry (matched) or fell through
// to the terminal default-durable classification. CheckCoverage uses matched
// to enforce spec §4.7's coverage invariant.
func classify(in FailureInput) (Classification, bool) {
	if in.ToolDiagnostics != nil {
		code := in.ToolDiagnostics.ReasonCode
		if transientReasonCodes[code] {
			return Transient, true
		}
		if durableReasonCodes[code] {
			return Durable, true
		}
	}

	if in.BlockedReason != "" {
		if strings.HasPrefix(in.BlockedReason, "blocked_") && strings.HasSuffix(in.BlockedReason, "_context_unavailable") {
			return Transient, true
		}
		for _, p := range durableBlockedPrefixes {
			if in.BlockedReason == p {
				return Durable, true
			}
		}
		if strings.HasPrefix(in.BlockedReason, "deterministic-failure:") {
			return Durable, true
		}
		if nonsensicalBlockedReasons[in.BlockedReason] {
			return Nonsensical, true
		}
		if strings.HasPrefix(in.BlockedReason, "budget-exhausted:") {
			return Nonsensical, true
		}
	}

	if in.NoStepsReason != "" {
		if transientNoStepsReasons[in.NoStepsReason] {
			return Transient, true
		}
		if durableNoStepsReasons[in.NoStepsReason] {
			return Durable, true
		}
		if in.NoStepsReason == "advisory-skip" {
			return Nonsensical, true
		}
	}

	return Durable, false
}

// knownFailureInputs enumerates every (blockedReason, noStepsReason) pair
// that task/ingest's pipeline and task/solver's Rig E planner actually
// produce. CheckCoverage consults this list; it is the "blocked-reason
// registry" spec §4.7's coverage invariant refers to.
var knownFailureInputs = []FailureInput{
	{BlockedReason: "advisory_action", NoStepsReason: "advisory-skip"},
	{BlockedReason: "no-executable-plan", NoStepsReason: "unplannable"},
	{BlockedReason: "rig_e_solver_unimplemented", NoStepsReason: "unplannable"},
	{BlockedReason: "rig_e_no_plan_found", NoStepsReason: "unplannable"},
	{BlockedReason: "rig_e_ontology_gap", NoStepsReason: "unplannable"},
	{NoStepsReason: "solver-error"},
	{NoStepsReason: "solver-unsolved"},
}

// CheckCoverage implements spec §4.7's "Coverage invariant... enforced by a
// startup self-check": every pair in knownFailureInputs must resolve to an
// explicit Classify entry rather than the terminal default-durable
// fallthrough. Returns the first uncovered pair as a *taskerr.ClassificationError,
// or nil once every known code is covered.
func CheckCoverage() error {
	for _, in := range knownFailureInputs {
		if _, matched := classify(in); !matched {
			table, code := "blockedReason", in.BlockedReason
			if code == "" {
				table, code = "noStepsReason", in.NoStepsReason
			}
			return taskerr.NewClassificationError(table, code)
		}
	}
	return nil
}

type cooldownEntry struct {
	classification Classification
	expiresAt      time.Time
}

// Registry is DedupFailureRegistry: the recent-digest LRU window plus the
// category cooldown map (spec §4.7). Single-writer, like TaskStore (spec §5).
type Registry struct {
	metrics telemetry.Metrics

	digestCap   int
	digestOrder *list.List
	digestIndex map[string]*list.Element

	cooldowns map[string]cooldownEntry
	hitsByClassification map[Classification]int64

	now func() time.Time
}

// New constructs a Registry. digestCap <= 0 defaults to 500 (spec §4.7
// "bounded by LRU of ~500"). Panics if CheckCoverage finds a known
// blocked-reason/noStepsReason pair with no explicit Classify entry — the
// startup self-check spec §4.7's coverage invariant requires.
func New(metrics telemetry.Metrics, digestCap int) *Registry {
	if err := CheckCoverage(); err != nil {
		panic(err)
	}
	if digestCap <= 0 {
		digestCap = 500
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Registry{
		metrics:               metrics,
		digestCap:              digestCap,
		digestOrder:            list.New(),
		digestIndex:            make(map[string]*list.Element),
		cooldowns:              make(map[string]cooldownEntry),
		hitsByClassification:   make(map[Classification]int64),
		now:                    time.Now,
	}
}

// RememberDigest records dedupeKey in the recent-digest LRU, evicting the
// oldest entry if the window is full.
func (r *Registry) RememberDigest(dedupeKey string) {
	if dedupeKey == "" {
		return
	}
	if el, ok := r.digestIndex[dedupeKey]; ok {
		r.digestOrder.MoveToFront(el)
		return
	}
	el := r.digestOrder.PushFront(dedupeKey)
	r.digestIndex[dedupeKey] = el
	if r.digestOrder.Len() > r.digestCap {
		oldest := r.digestOrder.Back()
		if oldest != nil {
			r.digestOrder.Remove(oldest)
			delete(r.digestIndex, oldest.Value.(string))
		}
	}
}

// SeenDigest reports whether dedupeKey was recently remembered (process
// lifetime only; callers must also check TaskStore's live map and history
// ring per spec §4.7 "Lookup consults both live TaskStore and history").
func (r *Registry) SeenDigest(dedupeKey string) bool {
	_, ok := r.digestIndex[dedupeKey]
	return ok
}

// RegisterFailure classifies in and stores a cooldown entry for categoryKey,
// returning the classification applied.
func (r *Registry) RegisterFailure(ctx context.Context, categoryKey string, in FailureInput) Classification {
	classification := Classify(in)
	r.cooldowns[categoryKey] = cooldownEntry{
		classification: classification,
		expiresAt:      r.now().Add(classification.TTL()),
	}
	r.hitsByClassification[classification]++
	r.metrics.IncCounter("dedup_failure_registered", 1, "classification", string(classification))
	r.metrics.RecordGauge("dedup_registry_size", float64(len(r.cooldowns)))
	return classification
}

// InCooldown reports whether categoryKey is still within its TTL window.
func (r *Registry) InCooldown(categoryKey string) bool {
	entry, ok := r.cooldowns[categoryKey]
	if !ok {
		return false
	}
	return r.now().Before(entry.expiresAt)
}

// Size returns the number of active cooldown entries (spec §4.7 "Metrics
// (size, ...) are observable"). Expired entries are not proactively swept;
// callers needing an exact live count should pair this with InCooldown.
func (r *Registry) Size() int { return len(r.cooldowns) }

// HitsByClassification returns a snapshot of cumulative hit counts per
// classification.
func (r *Registry) HitsByClassification() map[Classification]int64 {
	out := make(map[Classification]int64, len(r.hitsByClassification))
	for k, v := range r.hitsByClassification {
		out[k] = v
	}
	return out
}
