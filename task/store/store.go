// Package store implements TaskStore (spec §4.1): the in-memory authoritative
// map of Tasks, a parallel progress index, a bounded history ring for
// terminal tasks, and the dedup probes consulted by the ingestion pipeline.
//
// Store is single-writer by contract: every mutating method must be called
// from the Core's owning goroutine (spec §5). The store itself does not
// spawn goroutines or use its own mutex for the live map; it trusts the
// caller's single-writer discipline, matching the teacher's run/inmem.Store
// (which instead uses a mutex because it is meant to be called from multiple
// goroutines — here the single-writer guarantee comes from Core, not from a
// lock, per REDESIGN FLAGS "module-level singletons -> long-lived core
// struct").
package store

import (
	"context"
	"strings"
	"time"

	"github.com/goadesign/tasklifecycle-core/task"
	"github.com/goadesign/tasklifecycle-core/task/hooks"
	"github.com/goadesign/tasklifecycle-core/task/telemetry"
)

type (
	// PutOptions configures TaskStore.Put.
	PutOptions struct {
		// AllowUnfinalized bypasses the strict-mode origin-missing warning.
		// Used by the ingestion pipeline's skeleton handoff before finalization
		// completes.
		AllowUnfinalized bool
	}

	// Progress is the TaskStore's derived per-task progress index.
	Progress struct {
		TaskID          string
		Progress        float64
		Status          task.Status
		CurrentStepIdx  int
		StartedAt       *time.Time
		CompletedAt     *time.Time
		ActualDuration  time.Duration
	}

	// Statistics is a derived snapshot recomputed on every mutation (spec §6
	// "getTaskStatistics"), grounded on the teacher's run.Snapshot pattern of
	// recomputing rather than storing derived views.
	Statistics struct {
		TotalTasks        int
		CountsByStatus    map[task.Status]int
		CountsBySource    map[task.Source]int
		AvgProgress       float64
		OldestPendingAge  time.Duration
	}

	// Store is the TaskStore described in spec §4.1.
	Store struct {
		strictFinalize bool
		bus            hooks.Bus
		logger         telemetry.Logger
		maxHistory     int

		tasks    map[string]task.Task
		progress map[string]Progress
		history  []task.Task // bounded ring, oldest first
		order    []string    // insertion order of live task ids, for stable stats
	}
)

// New constructs an empty Store. bus may be nil (events are skipped);
// maxHistory <= 0 defaults to 1000 per spec §4.1.
func New(bus hooks.Bus, logger telemetry.Logger, strictFinalize bool, maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{
		strictFinalize: strictFinalize,
		bus:            bus,
		logger:         logger,
		maxHistory:     maxHistory,
		tasks:          make(map[string]task.Task),
		progress:       make(map[string]Progress),
	}
}

// Put upserts t, keyed by t.ID. When strict_finalize is enabled and this is a
// newly inserted task without metadata.origin set and opts.AllowUnfinalized
// is false, a structured warning event is emitted (spec §4.1 "Strict mode").
func (s *Store) Put(ctx context.Context, t task.Task, opts PutOptions) {
	_, existed := s.tasks[t.ID]
	if s.strictFinalize && !existed && !opts.AllowUnfinalized && t.Metadata.Origin == nil {
		s.logger.Warn(ctx, "put of new task without metadata.origin in strict mode",
			"taskId", t.ID, "callSite", "store.Put")
	}
	s.tasks[t.ID] = t
	if !existed {
		s.order = append(s.order, t.ID)
	}
	s.progress[t.ID] = Progress{
		TaskID:   t.ID,
		Progress: t.Progress,
		Status:   t.Status,
	}
	if existed {
		s.publish(ctx, hooks.NewTaskUpdatedEvent(t.ID, string(t.Status)))
	} else {
		s.publish(ctx, hooks.NewTaskAddedEvent(t.ID, t.Title, string(t.Source)))
	}
}

// Get returns the task for id and whether it was found. Constant time.
func (s *Store) Get(id string) (task.Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

// Delete removes id from the live map. Constant time.
func (s *Store) Delete(ctx context.Context, id string) {
	if _, ok := s.tasks[id]; !ok {
		return
	}
	delete(s.tasks, id)
	delete(s.progress, id)
	s.order = removeString(s.order, id)
	s.publish(ctx, hooks.NewTaskRemovedEvent(id, false))
}

// GetProgress returns the progress index entry for id.
func (s *Store) GetProgress(id string) (Progress, bool) {
	p, ok := s.progress[id]
	return p, ok
}

// SetProgress writes the progress index entry for id. Called by StatusMachine
// after it validates and applies a mutation.
func (s *Store) SetProgress(id string, p Progress) {
	s.progress[id] = p
	if t, ok := s.tasks[id]; ok {
		t.Progress = p.Progress
		t.Status = p.Status
		s.tasks[id] = t
	}
}

// All returns every live task. Order is insertion order (irrelevant to
// correctness per spec §4.1, but kept stable for deterministic tests).
func (s *Store) All() []task.Task {
	out := make([]task.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id])
	}
	return out
}

// FindSimilar implements the dedup probe policy from spec §4.1: exact
// title+status match, then type+source+title-overlap, then requirement
// equivalence. The first matching policy wins.
func (s *Store) FindSimilar(partial task.Task, resolveRequirement func(task.Task) *task.Requirement) (task.Task, bool) {
	active := func(st task.Status) bool { return st == task.StatusActive || st == task.StatusPending }

	// Policy 1: exact title + active/pending status.
	for _, id := range s.order {
		t := s.tasks[id]
		if active(t.Status) && t.Title == partial.Title {
			return t, true
		}
	}

	// Policy 2: same type+source + title word-overlap >= 0.7.
	for _, id := range s.order {
		t := s.tasks[id]
		if !active(t.Status) || t.Type != partial.Type || t.Source != partial.Source {
			continue
		}
		if wordOverlap(t.Title, partial.Title) >= 0.7 {
			return t, true
		}
	}

	// Policy 3: requirement equivalence.
	if resolveRequirement != nil {
		incoming := resolveRequirement(partial)
		if incoming != nil {
			for _, id := range s.order {
				t := s.tasks[id]
				if !active(t.Status) {
					continue
				}
				existing := t.Metadata.Requirement
				if existing == nil {
					existing = resolveRequirement(t)
				}
				if requirementsEqual(incoming, existing) {
					return t, true
				}
			}
		}
	}

	return task.Task{}, false
}

// FindBySterlingDedupeKey searches both the live map and the history ring for
// a task whose solver.DedupeKey matches key (spec §4.1: "terminal tasks must
// still dedup recent digests").
func (s *Store) FindBySterlingDedupeKey(key string) (task.Task, bool) {
	if key == "" {
		return task.Task{}, false
	}
	for _, id := range s.order {
		if t := s.tasks[id]; t.Metadata.Solver.DedupeKey == key {
			return t, true
		}
	}
	for _, t := range s.history {
		if t.Metadata.Solver.DedupeKey == key {
			return t, true
		}
	}
	return task.Task{}, false
}

// CleanupCompleted moves every terminal (completed/failed) live task into the
// bounded history ring, truncating the ring to maxHistory (spec §4.1).
func (s *Store) CleanupCompleted(ctx context.Context) int {
	moved := 0
	remaining := s.order[:0:0]
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status.IsTerminal() {
			s.history = append(s.history, t)
			delete(s.tasks, id)
			delete(s.progress, id)
			moved++
			s.publish(ctx, hooks.NewTaskRemovedEvent(id, true))
			continue
		}
		remaining = append(remaining, id)
	}
	s.order = remaining
	if excess := len(s.history) - s.maxHistory; excess > 0 {
		s.history = s.history[excess:]
	}
	return moved
}

// History returns up to limit of the most recently retired tasks, most
// recent first. limit <= 0 returns the full ring.
func (s *Store) History(limit int) []task.Task {
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]task.Task, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.history[n-1-i]
	}
	return out
}

// StatisticsSnapshot recomputes a Statistics view over the live map.
func (s *Store) StatisticsSnapshot(now time.Time) Statistics {
	stats := Statistics{
		CountsByStatus: make(map[task.Status]int),
		CountsBySource: make(map[task.Source]int),
	}
	var totalProgress float64
	var oldestPending time.Time
	for _, id := range s.order {
		t := s.tasks[id]
		stats.TotalTasks++
		stats.CountsByStatus[t.Status]++
		stats.CountsBySource[t.Source]++
		totalProgress += t.Progress
		if t.Status == task.StatusPending && t.Metadata.Origin != nil {
			if oldestPending.IsZero() || t.Metadata.Origin.CreatedAt.Before(oldestPending) {
				oldestPending = t.Metadata.Origin.CreatedAt
			}
		}
	}
	if stats.TotalTasks > 0 {
		stats.AvgProgress = totalProgress / float64(stats.TotalTasks)
	}
	if !oldestPending.IsZero() {
		stats.OldestPendingAge = now.Sub(oldestPending)
	}
	return stats
}

func (s *Store) publish(ctx context.Context, e hooks.Event) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, e)
}

func removeString(ss []string, v string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// wordOverlap computes the overlap coefficient of the word sets of a and b
// (shared words divided by the size of the smaller set), used by dedup
// policy 2 (title word-overlap >= 0.7).
func wordOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	common := 0
	for w := range wa {
		if wb[w] {
			common++
		}
	}
	smaller := len(wa)
	if len(wb) < smaller {
		smaller = len(wb)
	}
	return float64(common) / float64(smaller)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func requirementsEqual(a, b *task.Requirement) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Kind != b.Kind || a.OutputItem != b.OutputItem || a.OutputQuantity != b.OutputQuantity {
		return false
	}
	return deepEqualCanonical(a.Raw, b.Raw)
}

func deepEqualCanonical(a, b map[string]any) bool {
	ca := task.Canonicalize(a)
	cb := task.Canonicalize(b)
	return compareAny(ca, cb)
}

func compareAny(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok != bok {
		return false
	}
	if aok {
		if len(am) != len(bm) {
			return false
		}
		for k, v := range am {
			bv, ok := bm[k]
			if !ok || !compareAny(v, bv) {
				return false
			}
		}
		return true
	}
	al, aok := a.([]any)
	bl, bok := b.([]any)
	if aok != bok {
		return false
	}
	if aok {
		if len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !compareAny(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}
