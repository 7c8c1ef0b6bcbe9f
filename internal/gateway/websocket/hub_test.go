package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteswarm/siteswarm/internal/common/logger"
)

func TestHubRegisterAndBroadcast(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := NewClient("c1", nil, hub, logger.Default())
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	hub.Broadcast(NewFrame(FrameSwarmEvent, map[string]any{"event": "hello"}))

	select {
	case data := <-client.send:
		var frame Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, FrameSwarmEvent, frame.Type)
	case <-time.After(time.Second):
		t.Fatal("broadcast frame not delivered")
	}

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestHubUnregisterCleansRunSubscriptions(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := NewClient("c1", nil, hub, logger.Default())
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	hub.SubscribeToRun(client, "run-1")
	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 },
		time.Second, 5*time.Millisecond)

	hub.mu.RLock()
	_, ok := hub.runSubscribers["run-1"]
	hub.mu.RUnlock()
	assert.False(t, ok, "empty subscription group should be dropped")
}
