package scheduler

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/offloadmq/offloadmq/pkg/apperr"
	"github.com/offloadmq/offloadmq/pkg/config"
	"github.com/offloadmq/offloadmq/pkg/log"
	"github.com/offloadmq/offloadmq/pkg/metrics"
	"github.com/offloadmq/offloadmq/pkg/storage"
	"github.com/offloadmq/offloadmq/pkg/types"
	"github.com/offloadmq/offloadmq/pkg/urgent"
)

// UrgentTTL is the submission TTL for urgent tasks.
const UrgentTTL = 60 * time.Second

// Scheduler decides which tasks an agent may see and pick up, and fans out
// reports and progress updates to the store that owns the task.
type Scheduler struct {
	agents *storage.AgentStore
	tasks  *storage.TaskStore
	urgent *urgent.Store
}

// New creates a scheduler over the given stores.
func New(agents *storage.AgentStore, tasks *storage.TaskStore, urgentStore *urgent.Store) *Scheduler {
	return &Scheduler{agents: agents, tasks: tasks, urgent: urgentStore}
}

// FindUrgent returns the oldest unassigned urgent task matching one of the
// capabilities, or nil.
func (s *Scheduler) FindUrgent(caps []string) *types.UnassignedTask {
	return s.urgent.FindWithCapabilities(caps)
}

// FindAssignableRegular collects the regular unassigned tasks the agent is
// allowed to poll. A task is suppressed when a strictly higher-tier agent
// for its capability is online; with AllowAssigningToSameTopTier set, a tie
// with the top online tier suppresses as well. The polling agent's own
// record never counts against it.
func (s *Scheduler) FindAssignableRegular(agent *types.Agent) ([]*types.UnassignedTask, error) {
	all, err := s.tasks.ListUnassignedWithCaps(agent.Capabilities)
	if err != nil {
		return nil, err
	}

	sameTierSuppresses := config.Prefs().AllowAssigningToSameTopTier
	logger := log.WithComponent("scheduler")

	var eligible []*types.UnassignedTask
	for _, task := range all {
		top := s.topOnlineTier(task.ID.Cap, agent.UID)
		suppressed := top > agent.Tier
		if sameTierSuppresses {
			suppressed = top >= agent.Tier
		}
		if suppressed {
			logger.Debug().
				Str("capability", task.ID.Cap).
				Uint8("top_tier", top).
				Uint8("my_tier", agent.Tier).
				Msg("task suppressed, higher tier agents online")
			continue
		}
		eligible = append(eligible, task)
	}

	if config.Prefs().ShuffleQueue {
		rand.Shuffle(len(eligible), func(i, j int) {
			eligible[i], eligible[j] = eligible[j], eligible[i]
		})
	}
	return eligible, nil
}

// topOnlineTier returns the highest tier among online agents advertising the
// capability, excluding the agent with excludeUID, or 0 if none.
func (s *Scheduler) topOnlineTier(capability, excludeUID string) uint8 {
	var top uint8
	for _, agent := range s.agents.ListAll() {
		if agent.UID == excludeUID {
			continue
		}
		if agent.Online() && agent.HasCapability(capability) && agent.Tier > top {
			top = agent.Tier
		}
	}
	return top
}

// AllOnlineAgentsFor returns the online agents advertising the capability.
func (s *Scheduler) AllOnlineAgentsFor(capability string) []*types.Agent {
	var agents []*types.Agent
	for _, agent := range s.agents.ListAll() {
		if agent.Online() && agent.HasCapability(capability) {
			agents = append(agents, agent)
		}
	}
	return agents
}

// HasPotentialAgents reports whether any online agent advertises the
// capability.
func (s *Scheduler) HasPotentialAgents(capability string) bool {
	for _, agent := range s.agents.ListAll() {
		if agent.Online() && agent.HasCapability(capability) {
			return true
		}
	}
	return false
}

// PickUpUrgent attempts to take an urgent task for the agent. A lost race
// returns (nil, nil); the agent resumes polling. A won race whose record
// vanished is a Conflict, since assignment must leave an assigned shell.
func (s *Scheduler) PickUpUrgent(agent *types.Agent, id types.TaskID) (*types.AssignedTask, error) {
	if !s.urgent.Assign(id, agent.UID) {
		metrics.PickUps.WithLabelValues("urgent", "lost").Inc()
		return nil, nil
	}
	metrics.PickUps.WithLabelValues("urgent", "won").Inc()

	task := s.urgent.GetAssigned(id)
	if task == nil {
		return nil, apperr.Conflict("urgent task %s assigned but record missing", id)
	}
	return task, nil
}

// PickUpRegular promotes a durable task to the agent. Losing the promotion
// race surfaces as Conflict from the store.
func (s *Scheduler) PickUpRegular(agent *types.Agent, id types.TaskID) (*types.AssignedTask, error) {
	task, err := s.tasks.Assign(id, agent.UID)
	if err != nil {
		metrics.PickUps.WithLabelValues("regular", "lost").Inc()
		return nil, err
	}
	metrics.PickUps.WithLabelValues("regular", "won").Inc()
	return task, nil
}

// ReportUrgent resolves an urgent task from an agent's final report.
// Returns whether the urgent store owned the id.
func (s *Scheduler) ReportUrgent(report *types.TaskResultReport, id types.TaskID) (bool, error) {
	success := report.Status.Succeeded()
	owned, err := s.urgent.Complete(id, success, report.Output)
	if err != nil {
		return owned, err
	}
	if owned {
		metrics.Reports.WithLabelValues("urgent", report.Status.Status).Inc()
	}
	return owned, nil
}

// ReportRegular resolves a durable assigned task from an agent's final
// report. NotFound if the task is not in the assigned tree.
func (s *Scheduler) ReportRegular(report *types.TaskResultReport) error {
	task, err := s.tasks.GetAssigned(report.ID)
	if err != nil {
		return err
	}
	if task == nil {
		return apperr.NotFound("assigned task %s not found", report.ID)
	}

	if report.Status.Succeeded() {
		task.ChangeStatus(types.TaskStatusCompleted)
	} else {
		task.ChangeStatus(types.TaskStatusFailed)
	}
	task.Result = report.Output

	if err := s.tasks.UpdateAssigned(task); err != nil {
		return err
	}
	metrics.Reports.WithLabelValues("regular", report.Status.Status).Inc()
	return nil
}

// UpdateUrgent applies a progress update to an urgent task. Returns whether
// the urgent store owned the id.
func (s *Scheduler) UpdateUrgent(update *types.TaskUpdate, id types.TaskID) bool {
	return s.urgent.Update(id, update.LogUpdate, update.Stage)
}

// UpdateRegular applies a progress update to a durable assigned task. The
// first update advances a Queued task to Running.
func (s *Scheduler) UpdateRegular(update *types.TaskUpdate) error {
	task, err := s.tasks.GetAssigned(update.ID)
	if err != nil {
		return err
	}
	if task == nil {
		return apperr.NotFound("assigned task %s not found", update.ID)
	}

	if update.LogUpdate != nil {
		task.AppendLog(*update.LogUpdate)
	}
	if update.Stage != nil {
		task.Stage = *update.Stage
	}
	if task.Status == types.TaskStatusQueued {
		task.ChangeStatus(types.TaskStatusRunning)
	}
	return s.tasks.UpdateAssigned(task)
}

// SubmitUrgent adds an urgent task and blocks until it reaches a terminal
// status or ctx is canceled. On a terminal status the entry is removed and
// the assigned task returned; if the assigned shell is missing, a
// status-only result is returned instead.
//
// Submission fails fast with SchedulingImpossible when no online agent
// advertises the capability.
func (s *Scheduler) SubmitUrgent(ctx context.Context, task *types.UnassignedTask) (*types.AssignedTask, types.TaskStatus, error) {
	if !s.HasPotentialAgents(task.ID.Cap) {
		return nil, "", apperr.SchedulingImpossible("no online agents for capability %s", task.ID.Cap)
	}

	state, err := s.urgent.Add(task, UrgentTTL)
	if err != nil {
		return nil, "", err
	}
	metrics.TasksSubmitted.WithLabelValues("urgent").Inc()

	// Subscribe before the first wait; a transition between Add and here is
	// delivered on the channel.
	updates := state.Subscribe()
	if status := state.Status(); status.Terminal() {
		return s.collect(task.ID, status)
	}

	for {
		select {
		case status := <-updates:
			if status.Terminal() {
				return s.collect(task.ID, status)
			}
		case <-ctx.Done():
			// The entry stays behind; the sweeper reclaims it.
			return nil, "", apperr.Internal(ctx.Err())
		}
	}
}

// collect fetches the final assigned task and removes the entry.
func (s *Scheduler) collect(id types.TaskID, status types.TaskStatus) (*types.AssignedTask, types.TaskStatus, error) {
	task := s.urgent.GetAssigned(id)
	s.urgent.Remove(id)
	return task, status, nil
}

// SubmitRegular queues a task durably.
func (s *Scheduler) SubmitRegular(task *types.UnassignedTask) error {
	if err := s.tasks.AddUnassigned(task); err != nil {
		return err
	}
	metrics.TasksSubmitted.WithLabelValues("regular").Inc()
	return nil
}
