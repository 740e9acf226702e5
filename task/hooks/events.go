package hooks

import "time"

// EventType identifies the concrete shape of an Event. Subscribers switch on
// this to avoid a type assertion per event when they only care about a
// handful of event kinds.
type EventType string

const (
	// EventTaskAdded fires whenever TaskStore.put persists a brand-new task id.
	EventTaskAdded EventType = "taskAdded"
	// EventTaskUpdated fires on every mutation to an existing task.
	EventTaskUpdated EventType = "taskUpdated"
	// EventTaskRemoved fires when a task is deleted or moved to history.
	EventTaskRemoved EventType = "taskRemoved"
	// EventTaskProgressUpdated fires whenever StatusMachine.updateProgress writes
	// a new progress value.
	EventTaskProgressUpdated EventType = "taskProgressUpdated"
	// EventTaskMetadataUpdated fires when the ingestion pipeline's allowlist
	// projection drops caller-supplied metadata keys.
	EventTaskMetadataUpdated EventType = "taskMetadataUpdated"
	// EventTaskStepStarted fires when StepVerifier.StartTaskStep completes its
	// pre-step snapshot.
	EventTaskStepStarted EventType = "taskStepStarted"
	// EventTaskStepCompleted fires after StepVerifier.CompleteTaskStep records a
	// verification result.
	EventTaskStepCompleted EventType = "taskStepCompleted"
	// EventTaskStepsInserted fires when ReplanScheduler splices regenerated
	// steps into a task, or when addStepsBeforeCurrent is called.
	EventTaskStepsInserted EventType = "taskStepsInserted"
	// EventHighPriorityAdded fires when a newly ingested task has priority >= 0.8.
	EventHighPriorityAdded EventType = "high_priority_added"
	// EventGoalBindingDrift fires when a goal-sourced task is ingested without a
	// goal binding (§4.2 step 6).
	EventGoalBindingDrift EventType = "goalBindingDrift"
	// EventThoughtConvertedToTask identifies a ThoughtConvertedEvent (a Task
	// materialized from a cognitive thought). thought.Converter does not
	// publish it itself.
	EventThoughtConvertedToTask EventType = "thoughtConvertedToTask"
	// EventTaskLifecycle is the catch-all envelope for the many named lifecycle
	// signals in the spec (rig_g_replan_needed, rig_g_replan_exhausted,
	// task_finalize_invariant_violation, terminal_mutation_suppressed,
	// shadow_rig_g_evaluation, and so on). LifecycleType carries the specific
	// signal name.
	EventTaskLifecycle EventType = "taskLifecycleEvent"
)

type (
	// Event is the interface every published lifecycle signal implements.
	// Concrete struct types carry event-specific fields; subscribers use a type
	// switch to reach them. Per §6 "thin payload invariant", no Event variant
	// embeds a full Task value.
	Event interface {
		Type() EventType
		TaskID() string
		Timestamp() int64
	}

	baseEvent struct {
		taskID string
		ts     int64
	}

	// TaskAddedEvent fires when a new task is persisted.
	TaskAddedEvent struct {
		baseEvent
		Title  string
		Source string
	}

	// TaskUpdatedEvent fires on any task mutation.
	TaskUpdatedEvent struct {
		baseEvent
		Status string
	}

	// TaskRemovedEvent fires when a task leaves the live store.
	TaskRemovedEvent struct {
		baseEvent
		MovedToHistory bool
	}

	// TaskProgressUpdatedEvent reports a progress write.
	TaskProgressUpdatedEvent struct {
		baseEvent
		Progress float64
		Status   string
	}

	// TaskMetadataUpdatedEvent reports a metadata-only rewrite.
	TaskMetadataUpdatedEvent struct {
		baseEvent
		DroppedKeys []string
	}

	// TaskStepStartedEvent reports a pre-step snapshot.
	TaskStepStartedEvent struct {
		baseEvent
		StepID  string
		DryRun  bool
	}

	// TaskStepCompletedEvent reports a post-step verification outcome.
	TaskStepCompletedEvent struct {
		baseEvent
		StepID string
		Status string // verified, skipped, failed
	}

	// TaskStepsInsertedEvent reports steps spliced into a task's plan.
	TaskStepsInsertedEvent struct {
		baseEvent
		Count int
	}

	// HighPriorityAddedEvent reports a high-priority ingestion.
	HighPriorityAddedEvent struct {
		baseEvent
		Priority float64
	}

	// GoalBindingDriftEvent reports a goal-sourced task ingested without a binding.
	GoalBindingDriftEvent struct {
		baseEvent
		Reason string
	}

	// ThoughtConvertedEvent reports a thought-to-task conversion.
	ThoughtConvertedEvent struct {
		baseEvent
		ThoughtID string
	}

	// TaskLifecycleEvent is the thin envelope used for every other named signal
	// in the spec: rig_g_replan_needed, rig_g_replan_exhausted,
	// task_finalize_invariant_violation, terminal_mutation_suppressed,
	// shadow_rig_g_evaluation, rig_e_solver_unimplemented, etc.
	TaskLifecycleEvent struct {
		baseEvent
		LifecycleType    string
		Reason           string
		Advice           string
		TaskType         string
		Source           string
		HasGoalBinding   bool
		OriginKind       string
		Title            string
	}
)

func newBase(taskID string) baseEvent {
	return baseEvent{taskID: taskID, ts: time.Now().UnixMilli()}
}

func (b baseEvent) TaskID() string   { return b.taskID }
func (b baseEvent) Timestamp() int64 { return b.ts }

func (TaskAddedEvent) Type() EventType            { return EventTaskAdded }
func (TaskUpdatedEvent) Type() EventType          { return EventTaskUpdated }
func (TaskRemovedEvent) Type() EventType          { return EventTaskRemoved }
func (TaskProgressUpdatedEvent) Type() EventType  { return EventTaskProgressUpdated }
func (TaskMetadataUpdatedEvent) Type() EventType  { return EventTaskMetadataUpdated }
func (TaskStepStartedEvent) Type() EventType      { return EventTaskStepStarted }
func (TaskStepCompletedEvent) Type() EventType    { return EventTaskStepCompleted }
func (TaskStepsInsertedEvent) Type() EventType    { return EventTaskStepsInserted }
func (HighPriorityAddedEvent) Type() EventType    { return EventHighPriorityAdded }
func (GoalBindingDriftEvent) Type() EventType     { return EventGoalBindingDrift }
func (ThoughtConvertedEvent) Type() EventType     { return EventThoughtConvertedToTask }
func (TaskLifecycleEvent) Type() EventType        { return EventTaskLifecycle }

// NewTaskAddedEvent constructs a TaskAddedEvent for taskID.
func NewTaskAddedEvent(taskID, title, source string) *TaskAddedEvent {
	return &TaskAddedEvent{baseEvent: newBase(taskID), Title: title, Source: source}
}

// NewTaskUpdatedEvent constructs a TaskUpdatedEvent for taskID.
func NewTaskUpdatedEvent(taskID, status string) *TaskUpdatedEvent {
	return &TaskUpdatedEvent{baseEvent: newBase(taskID), Status: status}
}

// NewTaskRemovedEvent constructs a TaskRemovedEvent for taskID.
func NewTaskRemovedEvent(taskID string, movedToHistory bool) *TaskRemovedEvent {
	return &TaskRemovedEvent{baseEvent: newBase(taskID), MovedToHistory: movedToHistory}
}

// NewTaskProgressUpdatedEvent constructs a TaskProgressUpdatedEvent.
func NewTaskProgressUpdatedEvent(taskID string, progress float64, status string) *TaskProgressUpdatedEvent {
	return &TaskProgressUpdatedEvent{baseEvent: newBase(taskID), Progress: progress, Status: status}
}

// NewTaskMetadataUpdatedEvent constructs a TaskMetadataUpdatedEvent.
func NewTaskMetadataUpdatedEvent(taskID string, dropped []string) *TaskMetadataUpdatedEvent {
	return &TaskMetadataUpdatedEvent{baseEvent: newBase(taskID), DroppedKeys: dropped}
}

// NewTaskStepStartedEvent constructs a TaskStepStartedEvent.
func NewTaskStepStartedEvent(taskID, stepID string, dryRun bool) *TaskStepStartedEvent {
	return &TaskStepStartedEvent{baseEvent: newBase(taskID), StepID: stepID, DryRun: dryRun}
}

// NewTaskStepCompletedEvent constructs a TaskStepCompletedEvent.
func NewTaskStepCompletedEvent(taskID, stepID, status string) *TaskStepCompletedEvent {
	return &TaskStepCompletedEvent{baseEvent: newBase(taskID), StepID: stepID, Status: status}
}

// NewTaskStepsInsertedEvent constructs a TaskStepsInsertedEvent.
func NewTaskStepsInsertedEvent(taskID string, count int) *TaskStepsInsertedEvent {
	return &TaskStepsInsertedEvent{baseEvent: newBase(taskID), Count: count}
}

// NewHighPriorityAddedEvent constructs a HighPriorityAddedEvent.
func NewHighPriorityAddedEvent(taskID string, priority float64) *HighPriorityAddedEvent {
	return &HighPriorityAddedEvent{baseEvent: newBase(taskID), Priority: priority}
}

// NewGoalBindingDriftEvent constructs a GoalBindingDriftEvent.
func NewGoalBindingDriftEvent(taskID, reason string) *GoalBindingDriftEvent {
	return &GoalBindingDriftEvent{baseEvent: newBase(taskID), Reason: reason}
}

// NewThoughtConvertedEvent constructs a ThoughtConvertedEvent.
func NewThoughtConvertedEvent(taskID, thoughtID string) *ThoughtConvertedEvent {
	return &ThoughtConvertedEvent{baseEvent: newBase(taskID), ThoughtID: thoughtID}
}

// NewTaskLifecycleEvent constructs a thin TaskLifecycleEvent envelope.
func NewTaskLifecycleEvent(taskID, lifecycleType, reason string) *TaskLifecycleEvent {
	return &TaskLifecycleEvent{baseEvent: newBase(taskID), LifecycleType: lifecycleType, Reason: reason}
}
