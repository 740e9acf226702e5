package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/tasklifecycle-core/task/taskerr"
)

func TestClassifyPrecedence(t *testing.T) {
	// ToolDiagnostics outranks blockedReason/noStepsReason (spec §4.7 policy 1).
	c := Classify(FailureInput{
		ToolDiagnostics: &ToolDiagnostics{ReasonCode: "no_mcdata"},
		BlockedReason:   "expansion_retries_exhausted",
	})
	assert.Equal(t, Transient, c)

	assert.Equal(t, Durable, Classify(FailureInput{ToolDiagnostics: &ToolDiagnostics{ReasonCode: "invalid_recipe_id"}}))
	assert.Equal(t, Nonsensical, Classify(FailureInput{BlockedReason: "expansion_retries_exhausted"}))
	assert.Equal(t, Transient, Classify(FailureInput{BlockedReason: "blocked_snapshot_context_unavailable"}))
	assert.Equal(t, Durable, Classify(FailureInput{BlockedReason: "deterministic-failure:bad_args"}))
	assert.Equal(t, Nonsensical, Classify(FailureInput{BlockedReason: "budget-exhausted:max_steps"}))
	assert.Equal(t, Transient, Classify(FailureInput{NoStepsReason: "solver-unsolved"}))
	assert.Equal(t, Durable, Classify(FailureInput{NoStepsReason: "unplannable"}))
	assert.Equal(t, Nonsensical, Classify(FailureInput{NoStepsReason: "advisory-skip"}))
	assert.Equal(t, Durable, Classify(FailureInput{}))
}

func TestCheckCoverageAcceptsEveryKnownReasonCode(t *testing.T) {
	require.NoError(t, CheckCoverage())
}

func TestCheckCoverageReportsUncoveredPair(t *testing.T) {
	orig := knownFailureInputs
	defer func() { knownFailureInputs = orig }()
	knownFailureInputs = append(knownFailureInputs, FailureInput{NoStepsReason: "no-such-reason"})

	err := CheckCoverage()
	require.Error(t, err)
	var cerr *taskerr.ClassificationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "no-such-reason", cerr.Code)
	assert.Equal(t, "noStepsReason", cerr.Table)
}

func TestNewPanicsOnUncoveredReasonCode(t *testing.T) {
	orig := knownFailureInputs
	defer func() { knownFailureInputs = orig }()
	knownFailureInputs = append(knownFailureInputs, FailureInput{NoStepsReason: "no-such-reason"})

	assert.Panics(t, func() { New(nil, 0) })
}

func TestTTLTiers(t *testing.T) {
	assert.Equal(t, 5*time.Second, Transient.TTL())
	assert.Equal(t, 30*time.Second, Durable.TTL())
	assert.Equal(t, 120*time.Second, Nonsensical.TTL())
}

func TestRegistryCooldownExpiry(t *testing.T) {
	r := New(nil, 0)
	now := time.Now()
	r.now = func() time.Time { return now }

	r.RegisterFailure(context.Background(), "task-1", FailureInput{NoStepsReason: "solver-unsolved"})
	require.True(t, r.InCooldown("task-1"))

	now = now.Add(6 * time.Second)
	assert.False(t, r.InCooldown("task-1"), "transient cooldown should have expired")
}

func TestRegistryDigestLRUEviction(t *testing.T) {
	r := New(nil, 2)
	r.RememberDigest("a")
	r.RememberDigest("b")
	assert.True(t, r.SeenDigest("a"))

	r.RememberDigest("c")
	assert.False(t, r.SeenDigest("a"), "oldest digest should be evicted once cap is exceeded")
	assert.True(t, r.SeenDigest("b"))
	assert.True(t, r.SeenDigest("c"))
}

func TestRegistryHitsByClassification(t *testing.T) {
	r := New(nil, 0)
	r.RegisterFailure(context.Background(), "t1", FailureInput{NoStepsReason: "solver-unsolved"})
	r.RegisterFailure(context.Background(), "t2", FailureInput{NoStepsReason: "unplannable"})

	hits := r.HitsByClassification()
	assert.Equal(t, int64(1), hits[Transient])
	assert.Equal(t, int64(1), hits[Durable])
	assert.Equal(t, 2, r.Size())
}
