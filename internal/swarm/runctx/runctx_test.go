package runctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

func TestNewContextOwnsSubsystems(t *testing.T) {
	a := New(Options{})
	b := New(Options{})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	assert.Len(t, a.ID, 12)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotSame(t, a.Bus, b.Bus)
	assert.NotSame(t, a.Tasks, b.Tasks)
	assert.Equal(t, types.RunPending, a.Status())

	// Blackboards are isolated per run.
	_, err := a.Board.Publish(context.Background(), "scout.tech", 1, "scout", nil)
	require.NoError(t, err)
	_, ok, err := b.Board.Get(context.Background(), "scout.tech")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLifecycleTransitions(t *testing.T) {
	c := New(Options{})
	t.Cleanup(c.Close)

	require.NoError(t, c.Start())
	assert.Equal(t, types.RunRunning, c.Status())
	assert.ErrorIs(t, c.Start(), ErrAlreadyStarted)

	c.Complete(true, "")
	assert.Equal(t, types.RunCompleted, c.Status())

	// Terminal states stick.
	c.Complete(false, "late error")
	assert.Equal(t, types.RunCompleted, c.Status())
	assert.Empty(t, c.Error())
}

func TestCompleteWithFailure(t *testing.T) {
	c := New(Options{})
	t.Cleanup(c.Close)

	require.NoError(t, c.Start())
	c.Complete(false, "scrape failed")
	assert.Equal(t, types.RunFailed, c.Status())
	assert.Equal(t, "scrape failed", c.Error())
}

func TestCancel(t *testing.T) {
	c := New(Options{})
	t.Cleanup(c.Close)

	require.NoError(t, c.Start())
	assert.False(t, c.Cancelled())

	c.Cancel("user")
	assert.True(t, c.Cancelled())
	assert.Equal(t, types.RunCancelled, c.Status())
	assert.Equal(t, "user", c.CancelReason())
	assert.Equal(t, "Run cancelled by user", c.Error())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel not closed after cancel")
	}

	// Completing a cancelled run changes nothing.
	c.Complete(true, "")
	assert.Equal(t, types.RunCancelled, c.Status())
}

func TestLimitsDefaultsAndSemaphores(t *testing.T) {
	limits := DefaultLimits()
	assert.Equal(t, DefaultAgentTimeout, limits.AgentTimeout)
	require.NotNil(t, limits.LLMSem)

	ctx := context.Background()
	for i := 0; i < DefaultLLMConcurrency; i++ {
		require.NoError(t, limits.LLMSem.Acquire(ctx, 1))
	}
	assert.False(t, limits.LLMSem.TryAcquire(1))
	limits.LLMSem.Release(1)
	assert.True(t, limits.LLMSem.TryAcquire(1))
}

func TestCustomLimitsMaterialized(t *testing.T) {
	c := New(Options{Limits: &Limits{LLMConcurrency: 1, AgentTimeout: time.Second}})
	t.Cleanup(c.Close)

	assert.Equal(t, time.Second, c.Limits.AgentTimeout)
	assert.Equal(t, DefaultTotalTimeout, c.Limits.TotalTimeout)
	require.NotNil(t, c.Limits.ScrapeSem)
	assert.True(t, c.Limits.LLMSem.TryAcquire(1))
	assert.False(t, c.Limits.LLMSem.TryAcquire(1))
}

func TestCallbacksRouted(t *testing.T) {
	c := New(Options{})
	t.Cleanup(c.Close)

	var progress []float64
	var started, completed, insights []string
	c.SetCallbacks(Callbacks{
		OnProgress: func(runID, agentID string, percent float64, message string) {
			assert.Equal(t, c.ID, runID)
			progress = append(progress, percent)
		},
		OnAgentStart: func(runID, agentID, name string) {
			started = append(started, agentID)
		},
		OnAgentComplete: func(runID, agentID string, result *types.AgentResult) {
			completed = append(completed, agentID)
		},
		OnInsight: func(runID, agentID string, insight *types.AgentInsight) {
			insights = append(insights, insight.Message)
		},
	})

	c.EmitAgentStart("scout", "Scout")
	c.EmitProgress("scout", 50, "halfway")
	c.EmitInsight("scout", &types.AgentInsight{Message: "found something", Kind: types.InsightFinding})
	c.EmitAgentComplete("scout", &types.AgentResult{AgentID: "scout", Status: types.AgentComplete})

	assert.Equal(t, []float64{50}, progress)
	assert.Equal(t, []string{"scout"}, started)
	assert.Equal(t, []string{"scout"}, completed)
	assert.Equal(t, []string{"found something"}, insights)
}

func TestTraceCapturesEvents(t *testing.T) {
	c := New(Options{TraceEnabled: true})
	t.Cleanup(c.Close)

	c.EmitAgentStart("scout", "Scout")
	c.EmitProgress("scout", 10, "warming up")

	events := c.TraceEvents()
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].Seq)
	assert.Equal(t, 1, events[1].Seq)
	assert.Equal(t, "started", events[0].Event.Subject)
}

func TestTraceDisabledByDefault(t *testing.T) {
	c := New(Options{})
	t.Cleanup(c.Close)

	c.EmitAgentStart("scout", "Scout")
	assert.Empty(t, c.TraceEvents())
}

func TestRegistryCreateGetList(t *testing.T) {
	r := NewRegistry(Options{})

	a := r.Create("user-1", nil)
	b := r.Create("user-2", nil)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	got, ok := r.Get(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, "user-1", got.UserID)

	_, ok = r.Get("nope")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, r.List())
}

func TestRegistryCleanupOldRuns(t *testing.T) {
	r := NewRegistry(Options{})

	old := r.Create("", nil)
	require.NoError(t, old.Start())
	old.Complete(true, "")

	active := r.Create("", nil)
	require.NoError(t, active.Start())
	t.Cleanup(active.Close)

	// Terminal but young: kept.
	assert.Zero(t, r.CleanupOldRuns(time.Hour))

	// Terminal and old enough: evicted. Running runs stay regardless.
	assert.Equal(t, 1, r.CleanupOldRuns(0))
	_, ok := r.Get(old.ID)
	assert.False(t, ok)
	_, ok = r.Get(active.ID)
	assert.True(t, ok)
}
