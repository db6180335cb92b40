package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AgentOnlineTimeout is how long after its last contact an agent is still
// considered online.
const AgentOnlineTimeout = 120 * time.Second

// TaskID is the composite identifier of a task: the capability it requires
// plus a time-sortable unique id.
type TaskID struct {
	Cap string `json:"cap"`
	ID  string `json:"id"`
}

// String returns the URL form "cap/id".
func (t TaskID) String() string {
	return t.Cap + "/" + t.ID
}

// Key returns the storage key form "cap|id". Keys for the same capability
// share a prefix, and the id part sorts by creation time.
func (t TaskID) Key() string {
	return t.Cap + "|" + t.ID
}

// IsZero reports whether the id is empty.
func (t TaskID) IsZero() bool {
	return t.Cap == "" && t.ID == ""
}

// ParseTaskID validates the two path components of a task id.
func ParseTaskID(cap, id string) (TaskID, error) {
	if cap == "" || id == "" {
		return TaskID{}, fmt.Errorf("invalid task id %q/%q", cap, id)
	}
	if strings.ContainsAny(cap, "|/") {
		return TaskID{}, fmt.Errorf("invalid capability %q", cap)
	}
	return TaskID{Cap: cap, ID: id}, nil
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusQueued           TaskStatus = "queued"
	TaskStatusPinned           TaskStatus = "pinned"
	TaskStatusAssigned         TaskStatus = "assigned"
	TaskStatusStarting         TaskStatus = "starting"
	TaskStatusRunning          TaskStatus = "running"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusFailed           TaskStatus = "failed"
	TaskStatusCanceled         TaskStatus = "canceled"
	TaskStatusFailedRetryPend  TaskStatus = "failedRetryPending"
	TaskStatusFailedRetryDelay TaskStatus = "failedRetryDelayed"
)

// Terminal reports whether the status is absorbing: once reached, a task
// never transitions again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	}
	return false
}

// TaskEvent is a single entry in a task's history.
type TaskEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// UnassignedTask is a task that has been accepted but not yet handed to any
// agent.
type UnassignedTask struct {
	ID        TaskID                `json:"id"`
	Data      TaskSubmissionRequest `json:"data"`
	CreatedAt time.Time             `json:"createdAt"`
}

// AssignTo produces the assigned form of the task, stamped with the agent id
// and the assignment time. The initial status is Queued; the agent's first
// progress update advances it.
func (t *UnassignedTask) AssignTo(agentID string) *AssignedTask {
	now := time.Now().UTC()
	return &AssignedTask{
		ID:         t.ID,
		Data:       t.Data,
		AgentID:    agentID,
		Status:     TaskStatusQueued,
		CreatedAt:  t.CreatedAt,
		AssignedAt: now,
		History: []TaskEvent{{
			Timestamp:   now,
			Description: "assigned to agent " + agentID,
		}},
	}
}

// AssignedTask is a task owned by an agent, from assignment through archival.
type AssignedTask struct {
	ID         TaskID                `json:"id"`
	Data       TaskSubmissionRequest `json:"data"`
	AgentID    string                `json:"agentId"`
	Status     TaskStatus            `json:"status"`
	History    []TaskEvent           `json:"history"`
	CreatedAt  time.Time             `json:"createdAt"`
	AssignedAt time.Time             `json:"assignedAt"`
	Result     json.RawMessage       `json:"result,omitempty"`
	Stage      string                `json:"stage,omitempty"`
	Log        string                `json:"log,omitempty"`
}

// ChangeStatus moves the task to a new status and records the transition in
// the history.
func (t *AssignedTask) ChangeStatus(status TaskStatus) {
	t.Status = status
	t.History = append(t.History, TaskEvent{
		Timestamp:   time.Now().UTC(),
		Description: "status changed to " + string(status),
	})
}

// AppendLog accumulates a log fragment reported by the agent.
func (t *AssignedTask) AppendLog(fragment string) {
	t.Log += fragment
}

// SystemInfo is the host description an agent reports about itself.
type SystemInfo struct {
	OS            string   `json:"os"`
	CPUArch       string   `json:"cpuArch"`
	TotalMemoryMB uint64   `json:"totalMemoryMb"`
	GPU           *GpuInfo `json:"gpu,omitempty"`
}

// GpuInfo describes an agent's GPU, if any.
type GpuInfo struct {
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
	VRAMMB uint64 `json:"vramMb"`
}

// Agent is a registered worker able to execute tasks for the capabilities it
// advertises.
type Agent struct {
	UID                string     `json:"uid"`
	UIDShort           string     `json:"uidShort"`
	PersonalLoginToken string     `json:"personalLoginToken"`
	RegisteredAt       time.Time  `json:"registeredAt"`
	LastContact        *time.Time `json:"lastContact,omitempty"`
	Capabilities       []string   `json:"capabilities"`
	Tier               uint8      `json:"tier"`
	Capacity           int        `json:"capacity"`
	SystemInfo         SystemInfo `json:"systemInfo"`
}

// Online reports whether the agent contacted the broker recently enough to be
// offered work. It is a pure function of the record; callers must not cache
// the result.
func (a *Agent) Online() bool {
	if a.LastContact == nil {
		return false
	}
	return time.Since(*a.LastContact) <= AgentOnlineTimeout
}

// HasCapability reports whether the agent advertises the given capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ClientApiKey is a client credential with the capability patterns it is
// allowed to submit tasks for.
type ClientApiKey struct {
	Key          string    `json:"key"`
	Capabilities []string  `json:"capabilities"`
	IsPredefined bool      `json:"isPredefined"`
	Created      time.Time `json:"created"`
	IsRevoked    bool      `json:"isRevoked"`
}
