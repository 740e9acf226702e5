package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/tasklifecycle-core/task"
	"github.com/goadesign/tasklifecycle-core/task/hooks"
	"github.com/goadesign/tasklifecycle-core/task/solver"
	"github.com/goadesign/tasklifecycle-core/task/store"
	"github.com/goadesign/tasklifecycle-core/task/taskerr"
)

type fakeGoalResolver struct {
	mu       sync.Mutex
	resolved task.Task
	created  bool
}

func (f *fakeGoalResolver) ResolveOrCreate(ctx context.Context, intent task.Task, adapter solver.StoreAdapter) (task.Task, solver.ResolveOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created {
		return f.resolved, solver.OutcomeAlreadySatisfied, nil
	}
	intent.ID = "goal-task-1"
	intent.Metadata.GoalBinding = &task.GoalBinding{GoalInstanceID: "gi-1", GoalKey: "k1"}
	f.resolved = intent
	f.created = true
	return intent, solver.OutcomeCreated, nil
}

func TestAddTaskGoalBoundBuildDedupe(t *testing.T) {
	st := store.New(nil, nil, false, 0)
	p := New(st, nil, nil, nil, Options{GoalResolver: &fakeGoalResolver{}})

	var wg sync.WaitGroup
	results := make([]task.Task, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := p.AddTask(context.Background(), task.Task{
				Title:  "shelter",
				Source: task.SourceGoal,
				Type:   TypeBuilding,
				Parameters: map[string]any{
					"goalType": "build_shelter",
				},
			})
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "goal-task-1", r.ID)
		assert.Equal(t, task.OriginGoalResolver, r.Metadata.Origin.Kind)
	}
}

func TestAddTaskAdvisoryActionBornBlocked(t *testing.T) {
	st := store.New(nil, nil, false, 0)
	p := New(st, nil, nil, nil, Options{})

	out, err := p.AddTask(context.Background(), task.Task{
		Title: "warn bot",
		Type:  TypeAdvisoryAction,
	})
	require.NoError(t, err)
	assert.Empty(t, out.Steps)
	assert.Equal(t, TypeAdvisoryAction, out.Metadata.BlockedReason)
	assert.Equal(t, "advisory-skip", out.Metadata.Solver.NoStepsReason)
	assert.NotNil(t, out.Metadata.BlockedAt)
}

func TestAddTaskCollectCompilesAcquireSteps(t *testing.T) {
	st := store.New(nil, nil, false, 0)
	p := New(st, nil, nil, nil, Options{})

	out, err := p.AddTask(context.Background(), task.Task{
		Title:      "collect wood",
		Type:       KindCollect,
		Parameters: map[string]any{"item": "oak_log", "quantity": 3},
	})
	require.NoError(t, err)
	require.Len(t, out.Steps, 3)
	assert.Equal(t, "acquire_material", out.Steps[0].Label)
}

func TestAddTaskDedupsAgainstCompletedHistoryByDigest(t *testing.T) {
	st := store.New(nil, nil, false, 0)
	p := New(st, nil, nil, nil, Options{})

	original, err := p.AddTask(context.Background(), task.Task{
		ID:    "t-orig",
		Title: "smelt iron",
		Type:  KindCraft,
	})
	require.NoError(t, err)
	original.Metadata.Solver.DedupeKey = "v1:digest-xyz"
	original.Status = task.StatusCompleted
	st.Put(context.Background(), original, store.PutOptions{AllowUnfinalized: true})
	require.Equal(t, 1, st.CleanupCompleted(context.Background()))

	dup, err := p.AddTask(context.Background(), task.Task{
		ID:    "t-different",
		Title: "smelt iron again",
		Type:  KindCraft,
		Metadata: task.Metadata{
			Solver: task.SolverMeta{DedupeKey: "v1:digest-xyz"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "t-orig", dup.ID)
}

type erroringRigE struct{}

func (erroringRigE) Plan(ctx context.Context, t task.Task) ([]task.Step, error) {
	return nil, solver.ErrNoPlanFound
}

func TestAddTaskRigEUnimplementedSentinel(t *testing.T) {
	st := store.New(nil, nil, false, 0)
	p := New(st, nil, nil, nil, Options{})

	out, err := p.AddTask(context.Background(), task.Task{Title: "find diamonds", Type: KindFind})
	require.NoError(t, err)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, "rig_e_solver_unimplemented", out.Metadata.BlockedReason)
}

func TestAddTaskRigENoPlanFound(t *testing.T) {
	st := store.New(nil, nil, false, 0)
	p := New(st, nil, nil, nil, Options{RigEPlanner: erroringRigE{}})

	out, err := p.AddTask(context.Background(), task.Task{Title: "explore caves", Type: KindExplore})
	require.NoError(t, err)
	assert.Equal(t, "rig_e_no_plan_found", out.Metadata.BlockedReason)
}

func TestAddTaskOriginStampingManual(t *testing.T) {
	st := store.New(nil, nil, false, 0)
	p := New(st, nil, nil, nil, Options{})

	out, err := p.AddTask(context.Background(), task.Task{Title: "do a thing", Source: task.SourceManual, Type: KindCraft})
	require.NoError(t, err)
	assert.Equal(t, task.OriginAPI, out.Metadata.Origin.Kind)
}

func TestAddTaskGoalSourceWithoutBindingEmitsDrift(t *testing.T) {
	st := store.New(nil, nil, false, 0)
	bus := hooks.NewBus()
	var driftReason string
	_, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, e hooks.Event) error {
		if d, ok := e.(*hooks.GoalBindingDriftEvent); ok {
			driftReason = d.Reason
		}
		return nil
	}))
	require.NoError(t, err)

	p := New(st, bus, nil, nil, Options{})
	_, err = p.AddTask(context.Background(), task.Task{Title: "mystery goal task", Source: task.SourceGoal, Type: KindCraft})
	require.NoError(t, err)
	assert.Equal(t, "goal_resolver_disabled", driftReason)
}

func TestAddTaskMetadataAllowlistDropsUnknownKeys(t *testing.T) {
	st := store.New(nil, nil, false, 0)
	p := New(st, nil, nil, nil, Options{})

	out, err := p.AddTask(context.Background(), task.Task{
		Title: "craft a pickaxe",
		Type:  KindCraft,
		Metadata: task.Metadata{
			Extra: map[string][]byte{
				"goalKey":        []byte("k"),
				"someRandomJunk": []byte("x"),
			},
		},
	})
	require.NoError(t, err)
	_, hasJunk := out.Metadata.Extra["someRandomJunk"]
	assert.False(t, hasJunk)
	_, hasGoalKey := out.Metadata.Extra["goalKey"]
	assert.True(t, hasGoalKey)
}

func TestAddTaskStrictFinalizeThrowsOnMissingOrigin(t *testing.T) {
	st := store.New(nil, nil, true, 0)
	p := New(st, nil, nil, nil, Options{StrictFinalize: true})

	// Force a path where origin stamping cannot run: pre-stamp with an empty
	// Kind, which stampOrigin treats as "not yet stamped", so this only
	// exercises the normal path; to trigger the strict-mode failure we instead
	// assert finalizeInvariants directly refuses a nil origin.
	tk := task.Task{ID: "t1"}
	err := p.finalizeInvariants(context.Background(), &tk)
	require.Error(t, err)
	var invErr *taskerr.InvariantError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "t1", invErr.TaskID)
	assert.Equal(t, "I1", invErr.Invariant)
}
