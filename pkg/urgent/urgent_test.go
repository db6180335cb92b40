package urgent

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offloadmq/offloadmq/pkg/log"
	"github.com/offloadmq/offloadmq/pkg/types"
	"github.com/offloadmq/offloadmq/pkg/uid"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{JSONOutput: true, Output: io.Discard})
	m.Run()
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	t.Cleanup(s.Stop)
	return s
}

func newTask(capability string) *types.UnassignedTask {
	return &types.UnassignedTask{
		ID: types.TaskID{Cap: capability, ID: uid.New()},
		Data: types.TaskSubmissionRequest{
			Capability: capability,
			Urgent:     true,
			Payload:    json.RawMessage(`{"n":1}`),
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestAddAndFind(t *testing.T) {
	s := newTestStore(t)

	task := newTask("llm")
	state, err := s.Add(task, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, state.Status())

	assert.Nil(t, s.FindWithCapabilities([]string{"other"}))

	found := s.FindWithCapabilities([]string{"llm"})
	require.NotNil(t, found)
	assert.Equal(t, task.ID, found.ID)
}

func TestAddDuplicateID(t *testing.T) {
	s := newTestStore(t)

	task := newTask("llm")
	_, err := s.Add(task, time.Minute)
	require.NoError(t, err)

	_, err = s.Add(task, time.Minute)
	assert.Error(t, err)
}

func TestFindIsFIFO(t *testing.T) {
	s := newTestStore(t)

	first := newTask("llm")
	second := newTask("llm")
	_, err := s.Add(first, time.Minute)
	require.NoError(t, err)
	_, err = s.Add(second, time.Minute)
	require.NoError(t, err)

	found := s.FindWithCapabilities([]string{"llm"})
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	// Assigning the first exposes the second.
	require.True(t, s.Assign(first.ID, "agent-1"))
	found = s.FindWithCapabilities([]string{"llm"})
	require.NotNil(t, found)
	assert.Equal(t, second.ID, found.ID)
}

func TestAssignExactlyOnce(t *testing.T) {
	s := newTestStore(t)

	task := newTask("llm")
	_, err := s.Add(task, time.Minute)
	require.NoError(t, err)

	const agents = 50
	var wg sync.WaitGroup
	wins := make(chan string, agents)

	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agentID := fmt.Sprintf("agent-%d", n)
			if s.Assign(task.ID, agentID) {
				wins <- agentID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	assigned := s.GetAssigned(task.ID)
	require.NotNil(t, assigned)
	assert.Equal(t, winners[0], assigned.AgentID)
	assert.Equal(t, types.TaskStatusAssigned, assigned.Status)
}

func TestAssignMissingOrTerminal(t *testing.T) {
	s := newTestStore(t)

	assert.False(t, s.Assign(types.TaskID{Cap: "x", ID: "y"}, "agent-1"))

	task := newTask("llm")
	_, err := s.Add(task, time.Minute)
	require.NoError(t, err)
	require.True(t, s.Assign(task.ID, "agent-1"))

	_, err = s.Complete(task.ID, true, nil)
	require.NoError(t, err)

	// Terminal entries cannot be re-assigned.
	assert.False(t, s.Assign(task.ID, "agent-2"))
}

func TestCompleteUnassignedIsConflict(t *testing.T) {
	s := newTestStore(t)

	task := newTask("llm")
	_, err := s.Add(task, time.Minute)
	require.NoError(t, err)

	owned, err := s.Complete(task.ID, true, nil)
	assert.True(t, owned)
	assert.Error(t, err)

	// Unknown ids are simply not owned.
	owned, err = s.Complete(types.TaskID{Cap: "x", ID: "y"}, true, nil)
	assert.False(t, owned)
	assert.NoError(t, err)
}

func TestCompleteWakesSubscriber(t *testing.T) {
	s := newTestStore(t)

	task := newTask("llm")
	state, err := s.Add(task, time.Minute)
	require.NoError(t, err)
	updates := state.Subscribe()

	require.True(t, s.Assign(task.ID, "agent-1"))
	payload := json.RawMessage(`{"answer":42}`)
	owned, err := s.Complete(task.ID, true, payload)
	require.True(t, owned)
	require.NoError(t, err)

	// Drain-then-send keeps only the latest transition on the channel.
	var last types.TaskStatus
	deadline := time.After(time.Second)
	for last != types.TaskStatusCompleted {
		select {
		case last = <-updates:
		case <-deadline:
			t.Fatal("subscriber never observed completion")
		}
	}

	assigned := s.GetAssigned(task.ID)
	require.NotNil(t, assigned)
	assert.Equal(t, payload, assigned.Result)
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)

	task := newTask("llm")
	_, err := s.Add(task, time.Minute)
	require.NoError(t, err)

	logFrag := "hello "
	stage := "warming"

	// Unassigned entries reject updates.
	assert.False(t, s.Update(task.ID, &logFrag, nil))

	require.True(t, s.Assign(task.ID, "agent-1"))
	assert.True(t, s.Update(task.ID, &logFrag, &stage))
	more := "world"
	assert.True(t, s.Update(task.ID, &more, nil))

	assigned := s.GetAssigned(task.ID)
	require.NotNil(t, assigned)
	assert.Equal(t, "hello world", assigned.Log)
	assert.Equal(t, "warming", assigned.Stage)
	assert.Equal(t, types.TaskStatusAssigned, assigned.Status)
}

func TestExpirePendingPastTTL(t *testing.T) {
	s := newTestStore(t)

	task := newTask("llm")
	state, err := s.Add(task, time.Millisecond)
	require.NoError(t, err)
	updates := state.Subscribe()

	time.Sleep(5 * time.Millisecond)
	s.Expire()

	select {
	case status := <-updates:
		assert.Equal(t, types.TaskStatusFailed, status)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by expiry")
	}
	assert.Equal(t, 0, s.Len())
}

func TestExpireLeavesAssignedAlone(t *testing.T) {
	s := newTestStore(t)

	task := newTask("llm")
	state, err := s.Add(task, time.Millisecond)
	require.NoError(t, err)
	require.True(t, s.Assign(task.ID, "agent-1"))

	time.Sleep(5 * time.Millisecond)
	s.Expire()

	// In-flight work is never forced to failure by the sweeper.
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, types.TaskStatusAssigned, state.Status())
}

func TestExpireReclaimsTerminal(t *testing.T) {
	s := newTestStore(t)

	task := newTask("llm")
	_, err := s.Add(task, time.Millisecond)
	require.NoError(t, err)
	require.True(t, s.Assign(task.ID, "agent-1"))
	_, err = s.Complete(task.ID, false, nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	s.Expire()
	assert.Equal(t, 0, s.Len())
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)

	a := newTask("llm")
	b := newTask("ocr")
	_, err := s.Add(a, time.Minute)
	require.NoError(t, err)
	_, err = s.Add(b, time.Minute)
	require.NoError(t, err)
	require.True(t, s.Assign(a.ID, "agent-1"))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, a.ID, snap[0].ID)
	assert.Equal(t, types.TaskStatusAssigned, snap[0].Status)
	assert.Equal(t, "agent-1", snap[0].AgentID)
	assert.Equal(t, b.ID, snap[1].ID)
	assert.Equal(t, types.TaskStatusPending, snap[1].Status)
	assert.Empty(t, snap[1].AgentID)
}
