package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/tasklifecycle-core/task"
	"github.com/goadesign/tasklifecycle-core/task/botstate"
	"github.com/goadesign/tasklifecycle-core/task/statusmachine"
	"github.com/goadesign/tasklifecycle-core/task/store"
	"github.com/goadesign/tasklifecycle-core/task/taskerr"
)

type invState struct {
	calls int32
}

func newOreDropServer(t *testing.T) (*httptest.Server, *invState) {
	st := &invState{}
	mux := http.NewServeMux()
	mux.HandleFunc("/state/position", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(botstate.Position{X: 0, Y: 64, Z: 0})
	})
	mux.HandleFunc("/state/vitals", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"food": 20, "health": 20})
	})
	mux.HandleFunc("/state/inventory", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&st.calls, 1)
		type item struct {
			Type  string `json:"type"`
			Count int    `json:"count"`
		}
		var items []item
		if n > 1 {
			items = []item{{Type: "minecraft:coal", Count: 1}}
		}
		json.NewEncoder(w).Encode(items)
	})
	return httptest.NewServer(mux), st
}

func TestVerifyInventoryProducingOreDropMapping(t *testing.T) {
	srv, _ := newOreDropServer(t)
	defer srv.Close()

	bot := botstate.New(srv.URL, 2*time.Second, 0)
	s := store.New(nil, nil, false, 0)
	sm := statusmachine.New(s, nil, nil)

	tk := task.Task{
		ID:     "t1",
		Status: task.StatusActive,
		Steps: []task.Step{
			{ID: "s0", Order: 0, Meta: task.StepMeta{Leaf: "dig_block", Args: map[string]any{"blockType": "coal_ore", "quantity": 1}, Executable: true}},
		},
	}
	s.Put(context.Background(), tk, store.PutOptions{AllowUnfinalized: true})

	v := New(bot, sm, s, nil, nil, nil, nil, Options{PollInterval: 5 * time.Millisecond, AcquireTimeout: time.Second})

	ok, err := v.StartTaskStep(context.Background(), "t1", "s0", false)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := v.CompleteTaskStep(context.Background(), "t1", "s0", false)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, rec.Status)
}

func TestVerifyUnmappedLeafOnExecutableStepFails(t *testing.T) {
	s := store.New(nil, nil, false, 0)
	sm := statusmachine.New(s, nil, nil)
	tk := task.Task{
		ID:     "t2",
		Status: task.StatusActive,
		Steps: []task.Step{
			{ID: "s0", Order: 0, Meta: task.StepMeta{Executable: true}},
		},
	}
	s.Put(context.Background(), tk, store.PutOptions{AllowUnfinalized: true})

	v := New(nil, sm, s, nil, nil, nil, nil, Options{})
	rec, err := v.CompleteTaskStep(context.Background(), "t2", "s0", false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Detail, "No leaf derivable")
}

func TestStartTaskStepUnknownTaskReturnsVerificationError(t *testing.T) {
	s := store.New(nil, nil, false, 0)
	sm := statusmachine.New(s, nil, nil)
	v := New(nil, sm, s, nil, nil, nil, nil, Options{})

	ok, err := v.StartTaskStep(context.Background(), "missing-task", "s0", false)
	assert.False(t, ok)
	var verr *taskerr.VerificationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, taskerr.ErrTaskNotFound)
	assert.Equal(t, "missing-task", verr.TaskID)
}

func TestCompleteTaskStepUnknownStepReturnsVerificationError(t *testing.T) {
	s := store.New(nil, nil, false, 0)
	sm := statusmachine.New(s, nil, nil)
	tk := task.Task{ID: "t3", Status: task.StatusActive, Steps: []task.Step{{ID: "s0", Order: 0}}}
	s.Put(context.Background(), tk, store.PutOptions{AllowUnfinalized: true})

	v := New(nil, sm, s, nil, nil, nil, nil, Options{})
	_, err := v.CompleteTaskStep(context.Background(), "t3", "missing-step", false)
	var verr *taskerr.VerificationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, taskerr.ErrStepNotFound)
	assert.Equal(t, "missing-step", verr.StepID)
}

func TestVerifySkipVerificationRecordsSkipped(t *testing.T) {
	s := store.New(nil, nil, false, 0)
	sm := statusmachine.New(s, nil, nil)
	tk := task.Task{
		ID:     "t3",
		Status: task.StatusActive,
		Steps:  []task.Step{{ID: "s0", Meta: task.StepMeta{Leaf: "dig_block", Executable: true}}},
	}
	s.Put(context.Background(), tk, store.PutOptions{AllowUnfinalized: true})

	v := New(nil, sm, s, nil, nil, nil, nil, Options{})
	rec, err := v.CompleteTaskStep(context.Background(), "t3", "s0", true)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, rec.Status)
}

func TestRigGFeasibilityGateBlocksTaskOnFailure(t *testing.T) {
	s := store.New(nil, nil, false, 0)
	sm := statusmachine.New(s, nil, nil)
	tk := task.Task{
		ID:     "t4",
		Status: task.StatusActive,
		Metadata: task.Metadata{
			Solver: task.SolverMeta{
				RigG: &task.RigGSignals{FeasibilityPassed: false, Rejection: map[string]int{"unreachable": 3}},
			},
		},
	}
	s.Put(context.Background(), tk, store.PutOptions{AllowUnfinalized: true})

	v := New(nil, sm, s, nil, nil, nil, nil, Options{})
	ok, err := v.StartTaskStep(context.Background(), "t4", "s0", false)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.Get("t4")
	assert.Equal(t, task.StatusUnplannable, got.Status)
	assert.Contains(t, got.Metadata.BlockedReason, "unreachable")
}
