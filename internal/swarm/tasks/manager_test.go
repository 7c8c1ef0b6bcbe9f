package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Options{})
}

func TestDelegateTask(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", []string{"discover"}, 2)

	task := m.CreateTask("orchestrator", "discover", "find competitors", nil, types.PriorityHigh, time.Minute)
	require.True(t, m.DelegateTask(task, "scout"))
	assert.Equal(t, StatusAssigned, task.Status)
	assert.Equal(t, "scout", task.Assignee)
	assert.Equal(t, []string{task.ID}, m.TasksForAgent("scout"))

	c, ok := m.GetCapability("scout")
	require.True(t, ok)
	assert.Equal(t, 1, c.Load)
}

func TestDelegateRejectsUnregisteredAgent(t *testing.T) {
	m := newTestManager(t)
	task := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	assert.False(t, m.DelegateTask(task, "ghost"))
	assert.Equal(t, StatusPending, task.Status)
}

func TestDelegateRejectsWrongType(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", []string{"discover"}, 2)
	task := m.CreateTask("x", "analyze", "", nil, types.PriorityMedium, time.Minute)
	assert.False(t, m.DelegateTask(task, "scout"))
}

func TestDelegateRejectsAtMaxLoad(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", nil, 1)

	first := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	require.True(t, m.DelegateTask(first, "scout"))

	second := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	assert.False(t, m.DelegateTask(second, "scout"))
}

func TestAutoAssignPrefersTypeMatch(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("generalist", nil, 5)
	m.RegisterAgent("specialist", []string{"analyze"}, 5)

	task := m.CreateTask("x", "analyze", "", nil, types.PriorityMedium, time.Minute)
	assignee, ok := m.AutoAssignTask(task)
	require.True(t, ok)
	assert.Equal(t, "specialist", assignee)
}

func TestAutoAssignPrefersLowerLoad(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("busy", []string{"analyze"}, 2)
	m.RegisterAgent("idle", []string{"analyze"}, 2)

	filler := m.CreateTask("x", "analyze", "", nil, types.PriorityMedium, time.Minute)
	require.True(t, m.DelegateTask(filler, "busy"))

	task := m.CreateTask("x", "analyze", "", nil, types.PriorityMedium, time.Minute)
	assignee, ok := m.AutoAssignTask(task)
	require.True(t, ok)
	assert.Equal(t, "idle", assignee)
}

func TestAutoAssignTiebreakByAgentID(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("beta", []string{"scan"}, 3)
	m.RegisterAgent("alpha", []string{"scan"}, 3)

	task := m.CreateTask("x", "scan", "", nil, types.PriorityMedium, time.Minute)
	assignee, ok := m.AutoAssignTask(task)
	require.True(t, ok)
	assert.Equal(t, "alpha", assignee)
}

func TestAutoAssignNoEligibleCandidate(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", []string{"discover"}, 1)

	task := m.CreateTask("x", "analyze", "", nil, types.PriorityMedium, time.Minute)
	_, ok := m.AutoAssignTask(task)
	assert.False(t, ok)
}

func TestCompleteTaskOnlyByAssignee(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", nil, 2)

	task := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	require.True(t, m.DelegateTask(task, "scout"))

	assert.False(t, m.CompleteTask(task.ID, "result", "imposter"))
	assert.True(t, m.CompleteTask(task.ID, "result", "scout"))
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, "result", task.Result)

	c, _ := m.GetCapability("scout")
	assert.Zero(t, c.Load)
	assert.Empty(t, m.TasksForAgent("scout"))
}

func TestFailTaskRetriesThenFails(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", nil, 2)

	task := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	task.MaxRetries = 1

	require.True(t, m.DelegateTask(task, "scout"))
	require.True(t, m.FailTask(task.ID, "network error", "scout"))
	assert.Equal(t, StatusPending, task.Status)
	assert.Empty(t, task.Assignee)
	assert.Equal(t, 1, task.Retries)

	require.True(t, m.DelegateTask(task, "scout"))
	require.True(t, m.FailTask(task.ID, "network error again", "scout"))
	assert.Equal(t, StatusFailed, task.Status)
}

func TestSuccessRateEWMA(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", nil, 5)

	task := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	task.MaxRetries = 0
	require.True(t, m.DelegateTask(task, "scout"))
	require.True(t, m.FailTask(task.ID, "boom", "scout"))

	c, _ := m.GetCapability("scout")
	assert.InDelta(t, 0.8, c.SuccessRate, 1e-9)

	task2 := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	require.True(t, m.DelegateTask(task2, "scout"))
	require.True(t, m.CompleteTask(task2.ID, nil, "scout"))

	c, _ = m.GetCapability("scout")
	assert.InDelta(t, 0.84, c.SuccessRate, 1e-9)
}

func TestWaitForTaskResolvedByCompletion(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", nil, 2)

	task := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	require.True(t, m.DelegateTask(task, "scout"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.CompleteTask(task.ID, map[string]any{"found": 3}, "scout")
	}()

	result, err := m.WaitForTask(context.Background(), task, time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"found": 3}, result)
}

func TestWaitForTaskTimeout(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", nil, 2)

	task := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	require.True(t, m.DelegateTask(task, "scout"))

	_, err := m.WaitForTask(context.Background(), task, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTaskTimeout)

	tracked, ok := m.GetTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, tracked.Status)

	c, _ := m.GetCapability("scout")
	assert.Zero(t, c.Load)
}

func TestWaitForTaskAlreadyCompleted(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", nil, 2)

	task := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	require.True(t, m.DelegateTask(task, "scout"))
	require.True(t, m.CompleteTask(task.ID, "done", "scout"))

	result, err := m.WaitForTask(context.Background(), task, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestWaitForTaskFinalFailure(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", nil, 2)

	task := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	task.MaxRetries = 0
	require.True(t, m.DelegateTask(task, "scout"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.FailTask(task.ID, "fatal", "scout")
	}()

	_, err := m.WaitForTask(context.Background(), task, time.Second)
	require.ErrorIs(t, err, ErrTaskFailed)
}

func TestSweepExpired(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", nil, 2)

	task := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, 10*time.Millisecond)
	task.MaxRetries = 0
	require.True(t, m.DelegateTask(task, "scout"))

	swept := m.SweepExpired(time.Now().UTC().Add(time.Second))
	assert.Equal(t, []string{task.ID}, swept)
	assert.Equal(t, StatusTimeout, task.Status)

	c, _ := m.GetCapability("scout")
	assert.Zero(t, c.Load)
}

func TestSweepExpiredWithRetryBudget(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", nil, 2)

	task := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, 10*time.Millisecond)
	task.MaxRetries = 1
	require.True(t, m.DelegateTask(task, "scout"))

	swept := m.SweepExpired(time.Now().UTC().Add(time.Second))
	assert.Len(t, swept, 1)
	assert.Equal(t, StatusPending, task.Status)
	assert.Empty(t, task.Assignee)
	assert.Equal(t, 1, task.Retries)

	// The single retry is spent; the next expiry is final.
	require.True(t, m.DelegateTask(task, "scout"))
	swept = m.SweepExpired(time.Now().UTC().Add(time.Second))
	assert.Len(t, swept, 1)
	assert.Equal(t, StatusTimeout, task.Status)
}

func TestTaskExpiredAnchorsOnStart(t *testing.T) {
	now := time.Now().UTC()
	task := &Task{
		Status:     StatusInProgress,
		CreatedAt:  now.Add(-time.Hour),
		AssignedAt: now.Add(-30 * time.Minute),
		StartedAt:  now.Add(-time.Second),
		Timeout:    time.Minute,
	}
	assert.False(t, task.Expired(now))

	task.StartedAt = now.Add(-2 * time.Minute)
	assert.True(t, task.Expired(now))

	task.Status = StatusCompleted
	assert.False(t, task.Expired(now))
}

func TestStatsAndReset(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAgent("scout", nil, 2)

	task := m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)
	require.True(t, m.DelegateTask(task, "scout"))
	m.CreateTask("x", "discover", "", nil, types.PriorityMedium, time.Minute)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalCreated)
	assert.Equal(t, 1, stats.TotalAssigned)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Agents)

	m.Reset()
	stats = m.Stats()
	assert.Zero(t, stats.TotalCreated)
	assert.Zero(t, stats.Agents)
}
