package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/tasklifecycle-core/task"
	"github.com/goadesign/tasklifecycle-core/task/config"
	"github.com/goadesign/tasklifecycle-core/task/store"
)

func TestAddTaskAndLifecycle(t *testing.T) {
	c := New(config.Default(), Deps{})
	defer c.Close()

	ctx := context.Background()
	added, err := c.AddTask(ctx, task.Task{
		Title:  "collect sticks",
		Source: task.SourceManual,
		Type:   "collect",
		Parameters: map[string]any{"item": "stick", "quantity": 2},
	})
	require.NoError(t, err)
	require.Len(t, added.Steps, 2)

	assert.True(t, c.EnsureActivated(ctx, added.ID))
	got, ok := c.GetTaskProgress(added.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusActive, got.Status)

	active := c.GetActiveTasks()
	require.Len(t, active, 1)
	assert.Equal(t, added.ID, active[0].ID)
}

func TestManualPauseHardWallOnGoalBoundTask(t *testing.T) {
	c := New(config.Default(), Deps{})
	defer c.Close()
	ctx := context.Background()

	// Seed a goal-bound task directly via AddTask's normal path (no
	// GoalResolver configured, so we attach the binding after ingestion).
	added, err := c.AddTask(ctx, task.Task{Title: "gather cobblestone", Source: task.SourceManual, Type: "collect", Parameters: map[string]any{"item": "cobblestone", "quantity": 1}})
	require.NoError(t, err)

	tk, _ := c.store.Get(added.ID)
	tk.Metadata.GoalBinding = &task.GoalBinding{GoalInstanceID: "gi-1", GoalKey: "k1"}
	c.store.Put(ctx, tk, store.PutOptions{AllowUnfinalized: true})

	ok := c.ManualPause(ctx, added.ID)
	require.True(t, ok)

	paused, _ := c.store.Get(added.ID)
	require.NotNil(t, paused.Metadata.GoalBinding.Hold)
	assert.Equal(t, task.HoldReasonManualPause, paused.Metadata.GoalBinding.Hold.Reason)
}
