package broker

import (
	"context"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/offloadmq/offloadmq/pkg/apperr"
	"github.com/offloadmq/offloadmq/pkg/auth"
	"github.com/offloadmq/offloadmq/pkg/config"
	"github.com/offloadmq/offloadmq/pkg/log"
	"github.com/offloadmq/offloadmq/pkg/scheduler"
	"github.com/offloadmq/offloadmq/pkg/storage"
	"github.com/offloadmq/offloadmq/pkg/types"
	"github.com/offloadmq/offloadmq/pkg/uid"
	"github.com/offloadmq/offloadmq/pkg/urgent"
)

// Broker ties the stores, the scheduler, and authentication into the
// operations the API surface exposes.
type Broker struct {
	cfg       *config.Config
	agents    *storage.AgentStore
	tasks     *storage.TaskStore
	keys      *storage.APIKeyStore
	urgent    *urgent.Store
	scheduler *scheduler.Scheduler
	issuer    *auth.Issuer
}

// New wires a broker from its parts.
func New(cfg *config.Config, agents *storage.AgentStore, tasks *storage.TaskStore,
	keys *storage.APIKeyStore, urgentStore *urgent.Store) *Broker {
	return &Broker{
		cfg:       cfg,
		agents:    agents,
		tasks:     tasks,
		keys:      keys,
		urgent:    urgentStore,
		scheduler: scheduler.New(agents, tasks, urgentStore),
		issuer:    auth.NewIssuer(cfg.JWTSecret),
	}
}

// Agents returns the agent store, for the API layer's token middleware.
func (b *Broker) Agents() *storage.AgentStore { return b.agents }

// Issuer returns the token issuer, for the API layer's token middleware.
func (b *Broker) Issuer() *auth.Issuer { return b.issuer }

// Urgent returns the urgent store, for the management surface.
func (b *Broker) Urgent() *urgent.Store { return b.urgent }

// Keys returns the client key store, for the API layer's key middleware.
func (b *Broker) Keys() *storage.APIKeyStore { return b.keys }

// agentKeyAllowed checks the registration key against the static allowlist.
func (b *Broker) agentKeyAllowed(key string) bool {
	for _, k := range b.cfg.AgentAPIKeys {
		if k == key {
			return true
		}
	}
	return false
}

// RegisterAgent admits a new agent. The registration key must be on the
// agent allowlist; the response carries the permanent uid and login token
// the agent uses on every subsequent login.
func (b *Broker) RegisterAgent(req *types.AgentRegistrationRequest) (*types.AgentRegistrationResponse, error) {
	if !b.agentKeyAllowed(req.ApiKey) {
		return nil, apperr.Authentication("invalid agent API key")
	}

	now := time.Now().UTC()
	agent := &types.Agent{
		PersonalLoginToken: uuid.NewString(),
		RegisteredAt:       now,
		LastContact:        &now,
		Capabilities:       req.Capabilities,
		Tier:               req.Tier,
		Capacity:           req.Capacity,
		SystemInfo:         req.SystemInfo,
	}
	if err := b.agents.Create(agent); err != nil {
		return nil, err
	}

	log.WithAgent(agent.UIDShort).Info().
		Strs("capabilities", agent.Capabilities).
		Uint8("tier", agent.Tier).
		Msg("agent registered")

	return &types.AgentRegistrationResponse{
		AgentID: agent.UID,
		Key:     agent.PersonalLoginToken,
		Message: "agent registered",
	}, nil
}

// AuthAgent exchanges an agent's permanent credentials for a session token.
func (b *Broker) AuthAgent(req *types.AgentLoginRequest) (*types.AgentLoginResponse, error) {
	agent := b.agents.Get(req.AgentID)
	if agent == nil || agent.PersonalLoginToken != req.Key {
		return nil, apperr.Authentication("invalid agent credentials")
	}

	token, expiresIn, err := b.issuer.Issue(agent.UID)
	if err != nil {
		return nil, err
	}
	b.agents.InsertToken(token)

	if _, err := b.agents.UpdateLastContact(agent); err != nil {
		return nil, err
	}

	log.WithAgent(agent.UIDShort).Debug().Msg("agent logged in")
	return &types.AgentLoginResponse{Token: token, ExpiresIn: int(expiresIn)}, nil
}

// UpdateAgentInfo overwrites the agent's advertised profile.
func (b *Broker) UpdateAgentInfo(agent *types.Agent, req *types.AgentUpdateRequest) (*types.AgentRegistrationResponse, error) {
	agent.Capabilities = req.Capabilities
	agent.Tier = req.Tier
	agent.Capacity = req.Capacity
	agent.SystemInfo = req.SystemInfo

	if _, err := b.agents.UpdateLastContact(agent); err != nil {
		return nil, err
	}
	return &types.AgentRegistrationResponse{
		AgentID: agent.UID,
		Key:     agent.PersonalLoginToken,
		Message: "agent updated",
	}, nil
}

// Touch stamps the agent's last contact. Used by calls that carry no other
// state change, websocket heartbeats included.
func (b *Broker) Touch(agent *types.Agent) error {
	_, err := b.agents.UpdateLastContact(agent)
	return err
}

// PollUrgent offers the agent the oldest matching urgent task, or nil.
func (b *Broker) PollUrgent(agent *types.Agent) (*types.UnassignedTask, error) {
	if err := b.Touch(agent); err != nil {
		return nil, err
	}
	return b.scheduler.FindUrgent(agent.Capabilities), nil
}

// Poll offers the agent a task: urgent tasks first, then a uniformly random
// pick from the eligible regular set. The random pick spreads concurrent
// agents over the queue instead of stampeding them onto the same task.
func (b *Broker) Poll(agent *types.Agent) (*types.UnassignedTask, error) {
	if err := b.Touch(agent); err != nil {
		return nil, err
	}

	if task := b.scheduler.FindUrgent(agent.Capabilities); task != nil {
		return task, nil
	}

	eligible, err := b.scheduler.FindAssignableRegular(agent)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	return eligible[rand.IntN(len(eligible))], nil
}

// Take claims a task for the agent. The urgent store is consulted first; an
// id it does not own falls through to the durable queue. Losing an urgent
// race returns (nil, nil) and the agent re-polls; losing a durable race
// surfaces the store's Conflict.
func (b *Broker) Take(agent *types.Agent, id types.TaskID) (*types.AssignedTask, error) {
	if err := b.Touch(agent); err != nil {
		return nil, err
	}
	log.WithAgent(agent.UIDShort).Info().Str("task", id.String()).Msg("agent picking up task")

	if task, err := b.scheduler.PickUpUrgent(agent, id); err != nil {
		return nil, err
	} else if task != nil {
		return task, nil
	}

	// Not won in the urgent store. If the id lives there the race is simply
	// lost; otherwise try the durable queue.
	if b.urgent.GetAssigned(id) != nil {
		return nil, nil
	}

	return b.scheduler.PickUpRegular(agent, id)
}

// Resolve applies an agent's final report: the urgent store first, then the
// durable assigned tree.
func (b *Broker) Resolve(agent *types.Agent, report *types.TaskResultReport) error {
	if err := b.Touch(agent); err != nil {
		return err
	}

	owned, err := b.scheduler.ReportUrgent(report, report.ID)
	if err != nil {
		return err
	}
	if owned {
		return nil
	}
	return b.scheduler.ReportRegular(report)
}

// Progress applies an in-flight update: the urgent store first, then the
// durable assigned tree.
func (b *Broker) Progress(agent *types.Agent, update *types.TaskUpdate) error {
	if err := b.Touch(agent); err != nil {
		return err
	}

	if b.scheduler.UpdateUrgent(update, update.ID) {
		return nil
	}
	return b.scheduler.UpdateRegular(update)
}

// newTask builds the task record for a submission.
func newTask(req *types.TaskSubmissionRequest) *types.UnassignedTask {
	return &types.UnassignedTask{
		ID:        types.TaskID{Cap: req.Capability, ID: uid.New()},
		Data:      *req,
		CreatedAt: time.Now().UTC(),
	}
}

// validateSubmission checks the client key against the required capability.
func (b *Broker) validateSubmission(req *types.TaskSubmissionRequest) error {
	if req.Capability == "" {
		return apperr.Validation("capability must not be empty")
	}
	return b.keys.Verify(req.ApiKey, req.Capability)
}

// SubmitTask queues a regular task durably and returns its id.
func (b *Broker) SubmitTask(req *types.TaskSubmissionRequest) (*types.UnassignedTask, error) {
	if err := b.validateSubmission(req); err != nil {
		return nil, err
	}
	if req.Urgent {
		return nil, apperr.BadRequest("urgent tasks must use the blocking submission endpoint")
	}

	task := newTask(req)
	if err := b.scheduler.SubmitRegular(task); err != nil {
		return nil, err
	}
	log.WithTaskID(task.ID.String()).Info().Str("capability", req.Capability).Msg("task queued")
	return task, nil
}

// SubmitBlocking submits an urgent task and blocks until it resolves,
// expires, or ctx is canceled.
func (b *Broker) SubmitBlocking(ctx context.Context, req *types.TaskSubmissionRequest) (*types.AssignedTask, types.TaskStatus, error) {
	if err := b.validateSubmission(req); err != nil {
		return nil, "", err
	}
	if !req.Urgent {
		return nil, "", apperr.BadRequest("blocking submission requires an urgent task")
	}

	task := newTask(req)
	log.WithTaskID(task.ID.String()).Info().Str("capability", req.Capability).Msg("urgent task submitted")
	return b.scheduler.SubmitUrgent(ctx, task)
}

// PollStatus returns the current record of a task the client submitted: an
// AssignedTask once an agent holds it, or the UnassignedTask while it still
// waits in the queue. The assigned tree is consulted first, then the
// unassigned queue, then the urgent store. A key mismatch is an authorization
// failure regardless of which tree holds the task.
func (b *Broker) PollStatus(apiKey string, id types.TaskID) (interface{}, error) {
	if !b.keys.IsKeyActive(apiKey) {
		return nil, apperr.Authorization("API key invalid")
	}

	if task, err := b.tasks.GetAssigned(id); err != nil {
		return nil, err
	} else if task != nil {
		if task.Data.ApiKey != apiKey {
			return nil, apperr.Authorization("task belongs to a different key")
		}
		return task, nil
	}

	if task, err := b.tasks.GetUnassigned(id); err != nil {
		return nil, err
	} else if task != nil {
		if task.Data.ApiKey != apiKey {
			return nil, apperr.Authorization("task belongs to a different key")
		}
		return task, nil
	}

	if task := b.urgent.GetAssigned(id); task != nil {
		if task.Data.ApiKey != apiKey {
			return nil, apperr.Authorization("task belongs to a different key")
		}
		return task, nil
	}

	return nil, apperr.NotFound("task %s not found", id)
}

// OnlineCapabilities lists the capabilities of currently online agents that
// the client's key patterns cover.
func (b *Broker) OnlineCapabilities(apiKey string) (*types.CapabilitiesResponse, error) {
	record, err := b.keys.FindActive(apiKey)
	if err != nil {
		return nil, err
	}
	if record == nil || record.IsRevoked {
		return nil, apperr.Authorization("API key invalid")
	}

	seen := make(map[string]struct{})
	for _, agent := range b.agents.ListAll() {
		if !agent.Online() {
			continue
		}
		for _, c := range agent.Capabilities {
			if storage.HasCapability(record.Capabilities, c) {
				seen[c] = struct{}{}
			}
		}
	}

	caps := make([]string, 0, len(seen))
	for c := range seen {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return &types.CapabilitiesResponse{Capabilities: caps}, nil
}

// Management surface.

// ListAgents returns every registered agent.
func (b *Broker) ListAgents() []*types.Agent {
	return b.agents.ListAll()
}

// DeleteAgent removes an agent from the registry.
func (b *Broker) DeleteAgent(agentUID string) error {
	if b.agents.Get(agentUID) == nil {
		return apperr.NotFound("agent %s not found", agentUID)
	}
	return b.agents.Delete(agentUID)
}

// ListUnassignedTasks returns the durable queue.
func (b *Broker) ListUnassignedTasks() ([]*types.UnassignedTask, error) {
	return b.tasks.ListUnassignedAll()
}

// ListAssignedTasks returns the durable assigned tree.
func (b *Broker) ListAssignedTasks() ([]*types.AssignedTask, error) {
	return b.tasks.ListAssignedAll()
}

// ListArchivedTasks returns the archive.
func (b *Broker) ListArchivedTasks() ([]*types.AssignedTask, error) {
	return b.tasks.ListArchivedAll()
}

// UrgentSnapshot returns the live urgent entries.
func (b *Broker) UrgentSnapshot() []urgent.SnapshotEntry {
	return b.urgent.Snapshot()
}

// ListKeys returns every active client key.
func (b *Broker) ListKeys() []*types.ClientApiKey {
	return b.keys.ListAll()
}

// CreateKey mints a client key restricted to the given capability patterns.
func (b *Broker) CreateKey(capabilities []string) (*types.ClientApiKey, error) {
	if len(capabilities) == 0 {
		return nil, apperr.Validation("capabilities must not be empty")
	}
	record := &types.ClientApiKey{
		Key:          uuid.NewString(),
		Capabilities: capabilities,
		Created:      time.Now().UTC(),
	}
	if err := b.keys.Upsert(record); err != nil {
		return nil, err
	}
	return record, nil
}

// RevokeKey revokes a client key, moving it to the archive.
func (b *Broker) RevokeKey(key string) error {
	record, err := b.keys.FindActive(key)
	if err != nil {
		return err
	}
	if record == nil {
		return apperr.NotFound("key not found")
	}
	record.IsRevoked = true
	return b.keys.Update(record)
}

// ArchiveNow triggers the stale-task archival sweep.
func (b *Broker) ArchiveNow() error {
	return b.tasks.ArchiveStale()
}
