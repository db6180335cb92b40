package broker

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offloadmq/offloadmq/pkg/config"
	"github.com/offloadmq/offloadmq/pkg/log"
	"github.com/offloadmq/offloadmq/pkg/storage"
	"github.com/offloadmq/offloadmq/pkg/types"
	"github.com/offloadmq/offloadmq/pkg/urgent"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{JSONOutput: true, Output: io.Discard})
	m.Run()
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		JWTSecret:     "test-secret",
		AgentAPIKeys:  []string{"agent-reg-key"},
		ClientAPIKeys: []string{"client-key"},
	}

	agents, err := storage.OpenAgentStore(dir, storage.DefaultCacheTTL)
	require.NoError(t, err)
	t.Cleanup(func() { agents.Close() })

	tasks, err := storage.OpenTaskStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { tasks.Close() })

	keys, err := storage.OpenAPIKeyStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })
	require.NoError(t, keys.InitializeFromList(cfg.ClientAPIKeys))

	urgentStore := urgent.NewStore()
	t.Cleanup(urgentStore.Stop)

	return New(cfg, agents, tasks, keys, urgentStore)
}

func registerAgent(t *testing.T, b *Broker, tier uint8, caps ...string) *types.Agent {
	t.Helper()
	resp, err := b.RegisterAgent(&types.AgentRegistrationRequest{
		Capabilities: caps,
		Tier:         tier,
		Capacity:     1,
		ApiKey:       "agent-reg-key",
	})
	require.NoError(t, err)
	agent := b.Agents().Get(resp.AgentID)
	require.NotNil(t, agent)
	return agent
}

func TestRegisterAndAuth(t *testing.T) {
	b := newTestBroker(t)

	resp, err := b.RegisterAgent(&types.AgentRegistrationRequest{
		Capabilities: []string{"llm"},
		Tier:         1,
		ApiKey:       "agent-reg-key",
	})
	require.NoError(t, err)

	login, err := b.AuthAgent(&types.AgentLoginRequest{AgentID: resp.AgentID, Key: resp.Key})
	require.NoError(t, err)
	assert.NotEmpty(t, login.Token)
	assert.Positive(t, login.ExpiresIn)

	uid, err := b.Issuer().Verify(login.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.AgentID, uid)

	_, err = b.AuthAgent(&types.AgentLoginRequest{AgentID: resp.AgentID, Key: "wrong"})
	assert.Error(t, err)
}

func TestRegisterRejectsUnknownKey(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.RegisterAgent(&types.AgentRegistrationRequest{ApiKey: "wrong"})
	assert.Error(t, err)
}

func TestPollPrefersUrgent(t *testing.T) {
	b := newTestBroker(t)
	agent := registerAgent(t, b, 1, "llm")

	// One durable task first, then an urgent one.
	regular, err := b.SubmitTask(&types.TaskSubmissionRequest{
		Capability: "llm",
		ApiKey:     "client-key",
	})
	require.NoError(t, err)

	urgentTask := &types.UnassignedTask{
		ID:        types.TaskID{Cap: "llm", ID: "URGENT01"},
		Data:      types.TaskSubmissionRequest{Capability: "llm", Urgent: true},
		CreatedAt: time.Now().UTC(),
	}
	_, err = b.Urgent().Add(urgentTask, time.Minute)
	require.NoError(t, err)

	offered, err := b.Poll(agent)
	require.NoError(t, err)
	require.NotNil(t, offered)
	assert.Equal(t, urgentTask.ID, offered.ID)

	// With the urgent entry claimed, the durable task surfaces.
	require.True(t, b.Urgent().Assign(urgentTask.ID, "other-agent"))
	offered, err = b.Poll(agent)
	require.NoError(t, err)
	require.NotNil(t, offered)
	assert.Equal(t, regular.ID, offered.ID)
}

// Polling does not favor queue position; with several eligible tasks the
// offer rotates over all of them so concurrent agents spread out instead of
// stampeding the oldest entry.
func TestPollSpreadsOverEligibleTasks(t *testing.T) {
	b := newTestBroker(t)
	agent := registerAgent(t, b, 1, "llm")

	first, err := b.SubmitTask(&types.TaskSubmissionRequest{
		Capability: "llm",
		ApiKey:     "client-key",
	})
	require.NoError(t, err)
	second, err := b.SubmitTask(&types.TaskSubmissionRequest{
		Capability: "llm",
		ApiKey:     "client-key",
	})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 64 && len(seen) < 2; i++ {
		offered, err := b.Poll(agent)
		require.NoError(t, err)
		require.NotNil(t, offered)
		seen[offered.ID.ID] = true
	}
	assert.True(t, seen[first.ID.ID], "older task offered")
	assert.True(t, seen[second.ID.ID], "newer task offered")
}

func TestPollEmptyQueue(t *testing.T) {
	b := newTestBroker(t)
	agent := registerAgent(t, b, 1, "llm")

	offered, err := b.Poll(agent)
	require.NoError(t, err)
	assert.Nil(t, offered)
}

func TestSubmitTaskRejectsUrgent(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.SubmitTask(&types.TaskSubmissionRequest{
		Capability: "llm",
		Urgent:     true,
		ApiKey:     "client-key",
	})
	assert.Error(t, err)
}

func TestSubmitTaskValidation(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.SubmitTask(&types.TaskSubmissionRequest{ApiKey: "client-key"})
	assert.Error(t, err, "empty capability")

	_, err = b.SubmitTask(&types.TaskSubmissionRequest{Capability: "llm", ApiKey: "stolen"})
	assert.Error(t, err, "unknown key")
}

func TestOnlineCapabilitiesIntersectsKeyPatterns(t *testing.T) {
	b := newTestBroker(t)
	registerAgent(t, b, 1, "llm", "ocr")
	registerAgent(t, b, 1, "video")

	restricted, err := b.CreateKey([]string{"llm", "video"})
	require.NoError(t, err)

	resp, err := b.OnlineCapabilities(restricted.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{"llm", "video"}, resp.Capabilities, "ocr filtered by key patterns")

	full, err := b.OnlineCapabilities("client-key")
	require.NoError(t, err)
	assert.Equal(t, []string{"llm", "ocr", "video"}, full.Capabilities)
}

func TestDeleteAgent(t *testing.T) {
	b := newTestBroker(t)
	agent := registerAgent(t, b, 1, "llm")

	require.NoError(t, b.DeleteAgent(agent.UID))
	assert.Nil(t, b.Agents().Get(agent.UID))
	assert.Error(t, b.DeleteAgent(agent.UID))
}
