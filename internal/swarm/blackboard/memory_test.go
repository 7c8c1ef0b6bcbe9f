package blackboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

func newTestBoard(t *testing.T) *MemoryBoard {
	t.Helper()
	b := NewMemory(MemoryOptions{})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishAndGet(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	entry, err := b.Publish(ctx, "scout.tech", map[string]any{"cms": "wordpress"}, "scout", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Version)
	assert.Equal(t, "scout", entry.AgentID)

	val, ok, err := b.Get(ctx, "scout.tech")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"cms": "wordpress"}, val)

	_, ok, err = b.Get(ctx, "scout.missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublishVersioning(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	first, err := b.Publish(ctx, "analyst.score", 42, "analyst", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	second, err := b.Publish(ctx, "analyst.score", 57, "analyst", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, 42, second.PreviousValue)
}

func TestPublishIdempotent(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	value := map[string]any{"score": 0.8, "issues": []string{"ssl", "headers"}}
	first, err := b.Publish(ctx, "guardian.security", value, "guardian", nil)
	require.NoError(t, err)

	notified := 0
	require.NoError(t, b.Subscribe("guardian.*", "planner", func(*Entry) { notified++ }))

	again, err := b.Publish(ctx, "guardian.security", value, "guardian", nil)
	require.NoError(t, err)
	assert.Equal(t, first.Version, again.Version)
	assert.Zero(t, notified)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalWrites)
}

func TestSubscribeGlobFanout(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	require.NoError(t, b.Subscribe("scout.*", "analyst", func(e *Entry) {
		mu.Lock()
		seen = append(seen, e.Key)
		mu.Unlock()
	}))

	_, err := b.Publish(ctx, "scout.competitors.new", []string{"acme.fi"}, "scout", nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "analyst.performance", 0.7, "analyst2", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"scout.competitors.new"}, seen)
}

func TestSubscribeSkipsOwnPublishes(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	notified := 0
	require.NoError(t, b.Subscribe("scout.*", "scout", func(*Entry) { notified++ }))

	_, err := b.Publish(ctx, "scout.tech", "stack", "scout", nil)
	require.NoError(t, err)
	assert.Zero(t, notified)

	_, err = b.Publish(ctx, "scout.tech", "stack2", "other", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
}

func TestSubscribeCategoryFilter(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	notified := 0
	require.NoError(t, b.Subscribe("*", "planner", func(*Entry) { notified++ },
		types.CategoryInsight))

	_, err := b.Publish(ctx, "scout.a", 1, "scout", &PublishOptions{Category: types.CategoryInsight})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "scout.b", 2, "scout", &PublishOptions{Category: types.CategoryThreat})
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
}

func TestSubscriberPanicDoesNotAffectPublish(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe("scout.*", "bad", func(*Entry) { panic("boom") }))
	notified := 0
	require.NoError(t, b.Subscribe("scout.*", "good", func(*Entry) { notified++ }))

	entry, err := b.Publish(ctx, "scout.tech", "x", "scout", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Version)
	assert.Equal(t, 1, notified)
}

func TestTTLExpiry(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "scout.ephemeral", "soon gone", "scout",
		&PublishOptions{TTL: 10 * time.Millisecond})
	require.NoError(t, err)

	_, ok, err := b.Get(ctx, "scout.ephemeral")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok, err = b.Get(ctx, "scout.ephemeral")
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalExpired)
	assert.Zero(t, stats.Entries)
}

func TestCleanupExpired(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "a.short", 1, "x", &PublishOptions{TTL: 5 * time.Millisecond})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "a.long", 2, "x", nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	removed, err := b.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.long"}, keys)
}

func TestQueryPatternAndFilters(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "scout.tech", 1, "scout",
		&PublishOptions{Category: types.CategoryInsight, Tags: []string{"infra"}})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "scout.competitors", 2, "scout",
		&PublishOptions{Category: types.CategoryInsight})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "analyst.performance", 3, "analyst",
		&PublishOptions{Category: types.CategoryScore})
	require.NoError(t, err)

	all, err := b.Query(ctx, "scout.*", QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	tagged, err := b.Query(ctx, "scout.*", QueryOptions{Tags: []string{"infra"}})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "scout.tech", tagged[0].Key)

	byAgent, err := b.Query(ctx, "*", QueryOptions{AgentID: "analyst"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "analyst.performance", byAgent[0].Key)
}

func TestQueryExplicitZeroLimit(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "scout.tech", 1, "scout", nil)
	require.NoError(t, err)

	out, err := b.Query(ctx, "scout.*", QueryOptions{}.WithLimit(0))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestQueryByCategoryAndAgent(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "scout.a", 1, "scout", &PublishOptions{Category: types.CategoryInsight})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "analyst.b", 2, "analyst", &PublishOptions{Category: types.CategoryInsight})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "analyst.c", 3, "analyst", &PublishOptions{Category: types.CategoryScore})
	require.NoError(t, err)

	findings, err := b.QueryByCategory(ctx, types.CategoryInsight, 10)
	require.NoError(t, err)
	assert.Len(t, findings, 2)

	analyst, err := b.QueryByAgent(ctx, "analyst", 10)
	require.NoError(t, err)
	assert.Len(t, analyst, 2)

	limited, err := b.QueryByAgent(ctx, "analyst", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	notified := 0
	require.NoError(t, b.Subscribe("scout.*", "analyst", func(*Entry) { notified++ }))
	require.NoError(t, b.Subscribe("*.summary", "analyst", func(*Entry) { notified++ }))

	b.Unsubscribe("scout.*", "analyst")
	_, err := b.Publish(ctx, "scout.tech", 1, "scout", nil)
	require.NoError(t, err)
	assert.Zero(t, notified)

	_, err = b.Publish(ctx, "guardian.summary", 1, "guardian", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	b.UnsubscribeAll("analyst")
	_, err = b.Publish(ctx, "planner.summary", 1, "planner", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
}

func TestDeleteAndClear(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "scout.a", 1, "scout", nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "scout.b", 2, "scout", nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "analyst.c", 3, "analyst", nil)
	require.NoError(t, err)

	ok, err := b.Delete(ctx, "scout.a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Delete(ctx, "scout.a")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := b.Clear(ctx, "scout.*")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst.c"}, keys)

	removed, err = b.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestHistory(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "scout.a", 1, "scout", nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "scout.a", 2, "scout", nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "analyst.b", 3, "analyst", nil)
	require.NoError(t, err)

	all, err := b.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "analyst.b", all[2].Key)

	scoutOnly, err := b.History(ctx, HistoryQuery{AgentID: "scout"})
	require.NoError(t, err)
	assert.Len(t, scoutOnly, 2)

	limited, err := b.History(ctx, HistoryQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "analyst.b", limited[0].Key)
}

func TestSnapshotAndReset(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "scout.a", 1, "scout", nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "analyst.b", 2, "analyst", nil)
	require.NoError(t, err)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 2)

	require.NoError(t, b.Reset(ctx))
	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.TotalWrites)
}

func TestEventHookOnPublish(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	var events []types.SwarmEvent
	b.SetEventHook(func(e types.SwarmEvent) { events = append(events, e) })

	_, err := b.Publish(ctx, "scout.tech", 1, "scout", nil)
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, types.EventBlackboardPublish, events[0].Kind)
	assert.Equal(t, "scout.tech", events[0].Subject)
}
