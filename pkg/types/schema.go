package types

import "encoding/json"

// This file defines the JSON contracts for requests and responses between
// clients, agents, and the broker. All wire names are camelCase.

// AgentRegistrationRequest is the body an agent sends to register itself.
type AgentRegistrationRequest struct {
	Capabilities []string   `json:"capabilities"`
	Tier         uint8      `json:"tier"`
	Capacity     int        `json:"capacity"`
	SystemInfo   SystemInfo `json:"systemInfo"`
	ApiKey       string     `json:"apiKey"`
}

// AgentRegistrationResponse confirms a registration or info update.
type AgentRegistrationResponse struct {
	AgentID string `json:"agentId"`
	Key     string `json:"key"`
	Message string `json:"message"`
}

// AgentLoginRequest exchanges an agent's permanent credentials for a JWT.
type AgentLoginRequest struct {
	AgentID string `json:"agentId"`
	Key     string `json:"key"`
}

// AgentLoginResponse carries the session token for an authenticated agent.
type AgentLoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

// AgentUpdateRequest overwrites an agent's advertised profile.
type AgentUpdateRequest struct {
	Capabilities []string   `json:"capabilities"`
	Tier         uint8      `json:"tier"`
	Capacity     int        `json:"capacity"`
	SystemInfo   SystemInfo `json:"systemInfo"`
}

// TaskSubmissionRequest is the body a client sends to submit a new task.
type TaskSubmissionRequest struct {
	// Capability required to execute this task.
	Capability string `json:"capability"`
	// Urgent tasks are pushed through the in-memory store and the submitter
	// blocks; regular tasks are queued durably.
	Urgent bool `json:"urgent"`
	// Restartable tasks may be re-assigned to another agent on failure.
	Restartable bool `json:"restartable"`
	// Task-specific payload, any valid JSON.
	Payload json.RawMessage `json:"payload"`
	ApiKey  string          `json:"apiKey"`
}

// Result statuses an agent can report.
const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultNotExecuted = "notExecuted"
)

// TaskResultStatus is the final outcome an agent reports for a task.
type TaskResultStatus struct {
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Succeeded reports whether the outcome counts as a success.
func (s TaskResultStatus) Succeeded() bool {
	return s.Status == ResultSuccess
}

// TaskResultReport is the body an agent sends to resolve a task.
type TaskResultReport struct {
	ID     TaskID           `json:"id"`
	Status TaskResultStatus `json:"status"`
	Output json.RawMessage  `json:"output,omitempty"`
}

// TaskUpdate is an in-flight progress report: a log fragment to append and/or
// a new stage label. Neither field moves the task status on its own.
type TaskUpdate struct {
	ID        TaskID  `json:"id"`
	LogUpdate *string `json:"logUpdate,omitempty"`
	Stage     *string `json:"stage,omitempty"`
}

// ApiKeyRequest is the minimal client body carrying only the api key.
type ApiKeyRequest struct {
	ApiKey string `json:"apiKey"`
}

// CapabilitiesResponse lists the capabilities currently reachable by the
// calling client.
type CapabilitiesResponse struct {
	Capabilities []string `json:"capabilities"`
}

// KeyCreateRequest asks the management surface to mint a client key.
type KeyCreateRequest struct {
	Capabilities []string `json:"capabilities"`
}

// KeyRevokeRequest asks the management surface to revoke a client key.
type KeyRevokeRequest struct {
	Key string `json:"key"`
}

// AgentDeleteRequest asks the management surface to remove an agent.
type AgentDeleteRequest struct {
	UID string `json:"uid"`
}
