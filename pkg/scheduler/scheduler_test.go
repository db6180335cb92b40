package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offloadmq/offloadmq/pkg/config"
	"github.com/offloadmq/offloadmq/pkg/log"
	"github.com/offloadmq/offloadmq/pkg/storage"
	"github.com/offloadmq/offloadmq/pkg/types"
	"github.com/offloadmq/offloadmq/pkg/uid"
	"github.com/offloadmq/offloadmq/pkg/urgent"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{JSONOutput: true, Output: io.Discard})
	m.Run()
}

type fixture struct {
	agents *storage.AgentStore
	tasks  *storage.TaskStore
	urgent *urgent.Store
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	agents, err := storage.OpenAgentStore(dir, storage.DefaultCacheTTL)
	require.NoError(t, err)
	t.Cleanup(func() { agents.Close() })

	tasks, err := storage.OpenTaskStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { tasks.Close() })

	urgentStore := urgent.NewStore()
	t.Cleanup(urgentStore.Stop)

	return &fixture{
		agents: agents,
		tasks:  tasks,
		urgent: urgentStore,
		sched:  New(agents, tasks, urgentStore),
	}
}

func (f *fixture) addAgent(t *testing.T, tier uint8, online bool, caps ...string) *types.Agent {
	t.Helper()
	agent := &types.Agent{
		PersonalLoginToken: "token",
		RegisteredAt:       time.Now().UTC(),
		Capabilities:       caps,
		Tier:               tier,
		Capacity:           1,
	}
	if online {
		now := time.Now().UTC()
		agent.LastContact = &now
	}
	require.NoError(t, f.agents.Create(agent))
	return agent
}

func (f *fixture) addRegularTask(t *testing.T, capability string) *types.UnassignedTask {
	t.Helper()
	task := &types.UnassignedTask{
		ID:        types.TaskID{Cap: capability, ID: uid.New()},
		Data:      types.TaskSubmissionRequest{Capability: capability},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.tasks.AddUnassigned(task))
	return task
}

func TestHasPotentialAgents(t *testing.T) {
	f := newFixture(t)

	f.addAgent(t, 1, true, "llm")
	f.addAgent(t, 1, false, "ocr")

	assert.True(t, f.sched.HasPotentialAgents("llm"))
	assert.False(t, f.sched.HasPotentialAgents("ocr"), "offline agents do not count")
	assert.False(t, f.sched.HasPotentialAgents("video"))
}

func TestAllOnlineAgentsFor(t *testing.T) {
	f := newFixture(t)

	a := f.addAgent(t, 1, true, "llm")
	f.addAgent(t, 2, false, "llm")
	f.addAgent(t, 3, true, "ocr")

	got := f.sched.AllOnlineAgentsFor("llm")
	require.Len(t, got, 1)
	assert.Equal(t, a.UID, got[0].UID)
}

func TestTierSuppression(t *testing.T) {
	tests := []struct {
		name        string
		myTier      uint8
		otherTier   uint8
		otherOnline bool
		sameTopPref bool
		wantTask    bool
	}{
		{"higher tier online suppresses", 1, 3, true, false, false},
		{"higher tier offline does not suppress", 1, 3, false, false, true},
		{"equal top tier does not suppress by default", 2, 2, true, false, true},
		{"equal top tier suppresses with pref", 2, 2, true, true, false},
		{"top tier agent always eligible", 3, 1, true, false, true},
		{"own record does not self-suppress with pref", 3, 1, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			config.InitPrefs(config.Preferences{AllowAssigningToSameTopTier: tt.sameTopPref})
			t.Cleanup(func() { config.InitPrefs(config.Preferences{}) })

			f.addAgent(t, tt.otherTier, tt.otherOnline, "llm")
			me := f.addAgent(t, tt.myTier, true, "llm")
			f.addRegularTask(t, "llm")

			eligible, err := f.sched.FindAssignableRegular(me)
			require.NoError(t, err)
			if tt.wantTask {
				assert.Len(t, eligible, 1)
			} else {
				assert.Empty(t, eligible)
			}
		})
	}
}

func TestPickUpRegular(t *testing.T) {
	f := newFixture(t)

	agent := f.addAgent(t, 1, true, "llm")
	task := f.addRegularTask(t, "llm")

	assigned, err := f.sched.PickUpRegular(agent, task.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.UID, assigned.AgentID)
	assert.Equal(t, types.TaskStatusQueued, assigned.Status)

	// Second claim loses.
	_, err = f.sched.PickUpRegular(agent, task.ID)
	assert.Error(t, err)
}

func TestPickUpUrgentLostRace(t *testing.T) {
	f := newFixture(t)

	winner := f.addAgent(t, 1, true, "llm")
	loser := f.addAgent(t, 1, true, "llm")

	task := &types.UnassignedTask{
		ID:        types.TaskID{Cap: "llm", ID: uid.New()},
		Data:      types.TaskSubmissionRequest{Capability: "llm", Urgent: true},
		CreatedAt: time.Now().UTC(),
	}
	_, err := f.urgent.Add(task, time.Minute)
	require.NoError(t, err)

	got, err := f.sched.PickUpUrgent(winner, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, winner.UID, got.AgentID)

	got, err = f.sched.PickUpUrgent(loser, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReportRegular(t *testing.T) {
	f := newFixture(t)

	agent := f.addAgent(t, 1, true, "llm")
	task := f.addRegularTask(t, "llm")
	_, err := f.sched.PickUpRegular(agent, task.ID)
	require.NoError(t, err)

	output := json.RawMessage(`{"answer":42}`)
	err = f.sched.ReportRegular(&types.TaskResultReport{
		ID:     task.ID,
		Status: types.TaskResultStatus{Status: types.ResultSuccess},
		Output: output,
	})
	require.NoError(t, err)

	got, err := f.tasks.GetAssigned(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.Equal(t, output, got.Result)

	err = f.sched.ReportRegular(&types.TaskResultReport{
		ID:     types.TaskID{Cap: "llm", ID: "ghost"},
		Status: types.TaskResultStatus{Status: types.ResultSuccess},
	})
	assert.Error(t, err)
}

func TestUpdateRegularAdvancesQueued(t *testing.T) {
	f := newFixture(t)

	agent := f.addAgent(t, 1, true, "llm")
	task := f.addRegularTask(t, "llm")
	_, err := f.sched.PickUpRegular(agent, task.ID)
	require.NoError(t, err)

	frag := "step 1\n"
	stage := "preprocessing"
	err = f.sched.UpdateRegular(&types.TaskUpdate{ID: task.ID, LogUpdate: &frag, Stage: &stage})
	require.NoError(t, err)

	got, err := f.tasks.GetAssigned(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.Equal(t, "step 1\n", got.Log)
	assert.Equal(t, "preprocessing", got.Stage)
}

func TestSubmitUrgentNoAgents(t *testing.T) {
	f := newFixture(t)

	task := &types.UnassignedTask{
		ID:        types.TaskID{Cap: "llm", ID: uid.New()},
		Data:      types.TaskSubmissionRequest{Capability: "llm", Urgent: true},
		CreatedAt: time.Now().UTC(),
	}
	_, _, err := f.sched.SubmitUrgent(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, 0, f.urgent.Len(), "rejected submissions leave no entry behind")
}

func TestSubmitUrgentRoundTrip(t *testing.T) {
	f := newFixture(t)

	agent := f.addAgent(t, 1, true, "llm")
	task := &types.UnassignedTask{
		ID:        types.TaskID{Cap: "llm", ID: uid.New()},
		Data:      types.TaskSubmissionRequest{Capability: "llm", Urgent: true},
		CreatedAt: time.Now().UTC(),
	}

	// Agent side: poll until the task shows up, claim it, resolve it.
	go func() {
		for {
			found := f.sched.FindUrgent(agent.Capabilities)
			if found == nil {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			picked, err := f.sched.PickUpUrgent(agent, found.ID)
			if err != nil || picked == nil {
				return
			}
			_, _ = f.sched.ReportUrgent(&types.TaskResultReport{
				ID:     picked.ID,
				Status: types.TaskResultStatus{Status: types.ResultSuccess},
				Output: json.RawMessage(`{"done":true}`),
			}, picked.ID)
			return
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resolved, status, err := f.sched.SubmitUrgent(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, status)
	require.NotNil(t, resolved)
	assert.Equal(t, agent.UID, resolved.AgentID)
	assert.Equal(t, json.RawMessage(`{"done":true}`), resolved.Result)

	// The submitter collects its entry on the way out.
	assert.Equal(t, 0, f.urgent.Len())
}

func TestSubmitUrgentCanceled(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, 1, true, "llm")

	task := &types.UnassignedTask{
		ID:        types.TaskID{Cap: "llm", ID: uid.New()},
		Data:      types.TaskSubmissionRequest{Capability: "llm", Urgent: true},
		CreatedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := f.sched.SubmitUrgent(ctx, task)
	require.Error(t, err)
	// The abandoned entry stays for the sweeper.
	assert.Equal(t, 1, f.urgent.Len())
}
