package urgent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/offloadmq/offloadmq/pkg/apperr"
	"github.com/offloadmq/offloadmq/pkg/log"
	"github.com/offloadmq/offloadmq/pkg/metrics"
	"github.com/offloadmq/offloadmq/pkg/types"
)

// SweepInterval is the cadence of the TTL sweeper.
const SweepInterval = 10 * time.Second

// TaskState is the shared status handle for one urgent task. Waiters
// subscribe before blocking, so they observe every transition that happens
// after subscription.
type TaskState struct {
	mu     sync.Mutex
	status types.TaskStatus
	subs   []chan types.TaskStatus
}

func newTaskState() *TaskState {
	return &TaskState{status: types.TaskStatusPending}
}

// Status returns the current status.
func (s *TaskState) Status() types.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe returns a channel that receives status transitions. The channel
// has capacity one and is written drain-then-send, so a slow receiver always
// observes the latest value rather than blocking the sender.
func (s *TaskState) Subscribe() <-chan types.TaskStatus {
	ch := make(chan types.TaskStatus, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// set transitions the status and notifies all subscribers.
func (s *TaskState) set(status types.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- status
	}
}

// entry is one urgent task with its assignment shell and status handle.
type entry struct {
	task      *types.UnassignedTask
	assigned  *types.AssignedTask
	state     *TaskState
	createdAt time.Time
	ttl       time.Duration
}

// Store is the in-memory urgent task store: an insertion-ordered map from
// TaskID to entries. A single mutex guards the map and is held across every
// read-modify-write of an entry's status, which is what makes Assign an
// atomic compare-and-swap. FIFO order survives deletion.
type Store struct {
	mu     sync.Mutex
	tasks  map[types.TaskID]*entry
	order  []types.TaskID
	stopCh chan struct{}
}

// NewStore creates an urgent store and starts its TTL sweeper.
func NewStore() *Store {
	s := &Store{
		tasks:  make(map[types.TaskID]*entry),
		stopCh: make(chan struct{}),
	}
	go s.run()
	return s
}

// Stop stops the sweeper.
func (s *Store) Stop() {
	close(s.stopCh)
}

func (s *Store) run() {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Expire()
		case <-s.stopCh:
			return
		}
	}
}

// Add inserts a task at the tail with status Pending and returns its state
// handle. A duplicate id is an invariant violation.
func (s *Store) Add(task *types.UnassignedTask, ttl time.Duration) (*TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return nil, apperr.Internal(
			&duplicateIDError{id: task.ID})
	}

	e := &entry{
		task:      task,
		state:     newTaskState(),
		createdAt: time.Now().UTC(),
		ttl:       ttl,
	}
	s.tasks[task.ID] = e
	s.order = append(s.order, task.ID)
	return e.state, nil
}

type duplicateIDError struct{ id types.TaskID }

func (e *duplicateIDError) Error() string {
	return "duplicate urgent task id " + e.id.String()
}

// FindWithCapabilities returns the first entry in insertion order that is
// not yet assigned and whose capability is in caps. Non-mutating.
func (s *Store) FindWithCapabilities(caps []string) *types.UnassignedTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		e, ok := s.tasks[id]
		if !ok {
			continue
		}
		if e.assigned != nil {
			continue
		}
		for _, c := range caps {
			if c == e.task.ID.Cap {
				task := *e.task
				return &task
			}
		}
	}
	return nil
}

// Assign atomically hands the task to an agent: if the entry exists and is
// still Pending, it becomes Assigned and subscribers are notified. Any other
// state, terminal or missing entries included, returns false. The transition
// out of Pending is one-way; an assignment abandoned by its agent is not
// re-offered within the same entry.
func (s *Store) Assign(id types.TaskID, agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return false
	}
	if e.state.Status() != types.TaskStatusPending {
		return false
	}

	e.assigned = e.task.AssignTo(agentID)
	e.assigned.Status = types.TaskStatusAssigned
	e.state.set(types.TaskStatusAssigned)
	return true
}

// GetAssigned returns a copy of the entry's assigned task, or nil.
func (s *Store) GetAssigned(id types.TaskID) *types.AssignedTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok || e.assigned == nil {
		return nil
	}
	task := *e.assigned
	return &task
}

// Update appends a log fragment and/or replaces the stage on the assigned
// shell. It never moves the status. Returns whether the entry existed and
// was assigned.
func (s *Store) Update(id types.TaskID, logFragment, stage *string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok || e.assigned == nil {
		return false
	}
	if e.state.Status().Terminal() {
		return false
	}
	if logFragment != nil {
		e.assigned.AppendLog(*logFragment)
	}
	if stage != nil {
		e.assigned.Stage = *stage
	}
	return true
}

// Complete resolves the task: the result payload lands on the assigned
// shell and the status transitions to Completed or Failed, waking waiters.
// Reporting a task that was never assigned is a Conflict. Returns whether
// the store owned the id.
func (s *Store) Complete(id types.TaskID, success bool, payload json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	if e.assigned == nil {
		return true, apperr.Conflict("task %s reported but not assigned", id)
	}

	e.assigned.Result = payload
	status := types.TaskStatusFailed
	if success {
		status = types.TaskStatusCompleted
	}
	e.assigned.ChangeStatus(status)
	e.state.set(status)
	return true, nil
}

// Remove erases the entry unconditionally. The submitter calls this after
// observing a terminal status.
func (s *Store) Remove(id types.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
}

// remove assumes the lock is held.
func (s *Store) remove(id types.TaskID) {
	if _, ok := s.tasks[id]; !ok {
		return
	}
	delete(s.tasks, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Expire sweeps the store. Entries still Pending past their TTL transition
// to Failed (waking waiters) and are removed; no other state is ever forced
// to Failed. Terminal entries past their TTL are reclaimed too, covering
// submitters that disconnected before removing their task.
func (s *Store) Expire() {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var toRemove []types.TaskID
	for _, id := range s.order {
		e := s.tasks[id]
		if now.Sub(e.createdAt) <= e.ttl {
			continue
		}
		switch status := e.state.Status(); {
		case status == types.TaskStatusPending:
			e.state.set(types.TaskStatusFailed)
			metrics.UrgentExpired.Inc()
			log.WithTaskID(id.String()).Warn().Msg("urgent task expired")
			toRemove = append(toRemove, id)
		case status.Terminal():
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		s.remove(id)
	}
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Snapshot returns the ids and statuses of all live entries in insertion
// order, for the management surface.
func (s *Store) Snapshot() []SnapshotEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SnapshotEntry, 0, len(s.order))
	for _, id := range s.order {
		e, ok := s.tasks[id]
		if !ok {
			continue
		}
		out = append(out, SnapshotEntry{
			ID:        id,
			Status:    e.state.Status(),
			CreatedAt: e.createdAt,
			AgentID:   agentOf(e),
		})
	}
	return out
}

// SnapshotEntry is one row of the management view of the urgent store.
type SnapshotEntry struct {
	ID        types.TaskID     `json:"id"`
	Status    types.TaskStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	AgentID   string           `json:"agentId,omitempty"`
}

func agentOf(e *entry) string {
	if e.assigned == nil {
		return ""
	}
	return e.assigned.AgentID
}
