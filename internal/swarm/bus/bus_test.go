package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

func newTestBus(t *testing.T, opts ...Options) *Bus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	o := Options{Logger: log}
	if len(opts) > 0 {
		o = opts[0]
		o.Logger = log
	}
	b := New(o)
	t.Cleanup(b.Close)
	return b
}

func TestDirectedSendDelivers(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *Message, 1)
	b.Register("receiver", func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})

	msg := NewMessage("sender", "receiver", types.MessageData, "hello", map[string]any{"k": "v"}, types.PriorityMedium)
	require.NoError(t, b.Send(msg))

	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, "hello", got.Subject)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestBroadcastExcludesSenderAndNonSubscribers(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	got := map[string]int{}
	handler := func(id string) Handler {
		return func(ctx context.Context, msg *Message) error {
			mu.Lock()
			got[id]++
			mu.Unlock()
			return nil
		}
	}

	b.Register("sender", handler("sender"), types.MessageAlert)
	b.Register("sub", handler("sub"), types.MessageAlert)
	b.Register("other", handler("other"), types.MessageData)

	_, err := b.Broadcast("sender", types.MessageAlert, "fire", nil, types.PriorityHigh)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["sub"] == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, got["sender"], "sender must not receive its own broadcast")
	assert.Zero(t, got["other"], "non-subscriber must not receive broadcast")
}

// Delivery order is priority-then-FIFO. The first message parks the
// dispatcher on a gate so the remaining three queue up before any of them is
// dequeued.
func TestPriorityOrdering(t *testing.T) {
	b := newTestBus(t)

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []types.Priority

	first := true
	b.Register("r", func(ctx context.Context, msg *Message) error {
		if first {
			first = false
			<-gate
			return nil
		}
		mu.Lock()
		order = append(order, msg.Priority)
		mu.Unlock()
		return nil
	}, types.MessageAlert)

	require.NoError(t, b.Send(NewMessage("s", "r", types.MessageAlert, "park", nil, types.PriorityCritical)))

	require.NoError(t, b.Send(NewMessage("s", "r", types.MessageAlert, "low", nil, types.PriorityLow)))
	require.NoError(t, b.Send(NewMessage("s", "r", types.MessageAlert, "critical", nil, types.PriorityCritical)))
	require.NoError(t, b.Send(NewMessage("s", "r", types.MessageAlert, "high", nil, types.PriorityHigh)))
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.Priority{types.PriorityCritical, types.PriorityHigh, types.PriorityLow}, order)
}

func TestPriorityFIFOTieBreak(t *testing.T) {
	b := newTestBus(t)
	b.Register("r", nil, types.MessageData)

	for _, subj := range []string{"a", "b", "c"} {
		require.NoError(t, b.Send(NewMessage("s", "r", types.MessageData, subj, nil, types.PriorityMedium)))
	}

	msgs := b.ReceiveAll("r")
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[0].Subject)
	assert.Equal(t, "b", msgs[1].Subject)
	assert.Equal(t, "c", msgs[2].Subject)
}

func TestPullReceiveOrdering(t *testing.T) {
	b := newTestBus(t)
	b.Register("r", nil, types.MessageAlert)

	require.NoError(t, b.Send(NewMessage("s", "r", types.MessageAlert, "low", nil, types.PriorityLow)))
	require.NoError(t, b.Send(NewMessage("s", "r", types.MessageAlert, "critical", nil, types.PriorityCritical)))
	require.NoError(t, b.Send(NewMessage("s", "r", types.MessageAlert, "high", nil, types.PriorityHigh)))

	ctx := context.Background()
	for _, want := range []string{"critical", "high", "low"} {
		msg, err := b.Receive(ctx, "r", time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, msg.Subject)
	}
}

func TestReceiveTimeout(t *testing.T) {
	b := newTestBus(t)
	b.Register("r", nil)

	_, err := b.Receive(context.Background(), "r", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrReceiveTimeout)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	b := newTestBus(t)

	b.Register("responder", func(ctx context.Context, msg *Message) error {
		if msg.RequiresResponse {
			return b.Send(msg.Reply("responder", map[string]any{"answer": 42}))
		}
		return nil
	}, types.MessageRequest)
	b.Register("requester", nil)

	resp, err := b.Request(context.Background(), "requester", "responder", types.MessageRequest, "question", nil, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 42, resp.Payload["answer"])
	assert.Equal(t, types.MessageResponse, resp.Type)
}

func TestRequestResponseTimeout(t *testing.T) {
	b := newTestBus(t)
	b.Register("silent", func(ctx context.Context, msg *Message) error { return nil }, types.MessageRequest)
	b.Register("requester", nil)

	_, err := b.Request(context.Background(), "requester", "silent", types.MessageRequest, "q", nil, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrResponseTimeout)
}

func TestResponseToUnknownMessageRejected(t *testing.T) {
	b := newTestBus(t)
	b.Register("r", nil)

	msg := NewMessage("s", "r", types.MessageResponse, "re", nil, types.PriorityMedium)
	msg.ResponseTo = "no-such-id"
	assert.ErrorIs(t, b.Send(msg), ErrUnknownResponseTo)
}

func TestCircuitOpensAtThresholdAndClosesOnSuccess(t *testing.T) {
	b := newTestBus(t, Options{FailureThreshold: 3, ResetTimeout: 50 * time.Millisecond})

	var mu sync.Mutex
	failing := true
	delivered := 0
	b.Register("flaky", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("boom")
		}
		delivered++
		return nil
	}, types.MessageData)

	// Three consecutive failures open the circuit.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Send(NewMessage("s", "flaky", types.MessageData, "x", nil, types.PriorityMedium)))
	}
	require.Eventually(t, func() bool {
		return b.Stats().TotalFailed == 3
	}, time.Second, 5*time.Millisecond)

	// While open, sends are dead-lettered.
	err := b.Send(NewMessage("s", "flaky", types.MessageData, "rejected", nil, types.PriorityMedium))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Len(t, b.DeadLetters(), 1)

	// After the reset timeout one trial message is allowed; its success
	// closes the circuit.
	mu.Lock()
	failing = false
	mu.Unlock()
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, b.Send(NewMessage("s", "flaky", types.MessageData, "trial", nil, types.PriorityMedium)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Send(NewMessage("s", "flaky", types.MessageData, "normal", nil, types.PriorityMedium)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcastContinuesPastOpenCircuit(t *testing.T) {
	b := newTestBus(t, Options{FailureThreshold: 1, ResetTimeout: time.Minute})

	b.Register("broken", func(ctx context.Context, msg *Message) error {
		return errors.New("always fails")
	}, types.MessageAlert)

	healthy := make(chan *Message, 4)
	b.Register("healthy", func(ctx context.Context, msg *Message) error {
		healthy <- msg
		return nil
	}, types.MessageAlert)

	// First broadcast fails on "broken" and opens its circuit.
	_, err := b.Broadcast("s", types.MessageAlert, "first", nil, types.PriorityHigh)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.Stats().TotalFailed == 1
	}, time.Second, 5*time.Millisecond)

	// Second broadcast dead-letters the "broken" leg but still reaches "healthy".
	_, err = b.Broadcast("s", types.MessageAlert, "second", nil, types.PriorityHigh)
	require.NoError(t, err)

	got := 0
	for got < 2 {
		select {
		case <-healthy:
			got++
		case <-time.After(time.Second):
			t.Fatalf("healthy agent received %d of 2 broadcasts", got)
		}
	}
	assert.GreaterOrEqual(t, len(b.DeadLetters()), 1)
}

func TestExpiredMessageNotDelivered(t *testing.T) {
	b := newTestBus(t)
	b.Register("r", nil, types.MessageData)

	past := time.Now().UTC().Add(-time.Second)
	msg := NewMessage("s", "r", types.MessageData, "stale", nil, types.PriorityMedium)
	msg.ExpiresAt = &past

	err := b.Send(msg)
	assert.ErrorIs(t, err, ErrMessageExpired)
	assert.Equal(t, types.DeliveryExpired, msg.Status)
	assert.Empty(t, b.ReceiveAll("r"))
}

func TestBroadcastNoSubscribersIncrementsOnlySent(t *testing.T) {
	b := newTestBus(t)
	b.Register("sender", nil)

	_, err := b.Broadcast("sender", types.MessageHeartbeat, "tick", nil, types.PriorityLow)
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, 1, stats.TotalSent)
	assert.Zero(t, stats.TotalDelivered)
}

func TestAcknowledge(t *testing.T) {
	b := newTestBus(t)
	b.Register("r", nil, types.MessageData)

	msg := NewMessage("s", "r", types.MessageData, "x", nil, types.PriorityMedium)
	require.NoError(t, b.Send(msg))
	require.Len(t, b.ReceiveAll("r"), 1)

	assert.True(t, b.Acknowledge("r", msg.ID))
	assert.Equal(t, types.DeliveryAcknowledged, msg.Status)
	assert.False(t, b.Acknowledge("r", msg.ID), "already acknowledged")
	assert.False(t, b.Acknowledge("r", "missing"))
}

func TestConversationAndTypeQueries(t *testing.T) {
	b := newTestBus(t)
	b.Register("r", nil, types.MessageData, types.MessageFinding)

	m1 := NewMessage("s", "r", types.MessageData, "a", nil, types.PriorityMedium)
	m1.ConversationID = "conv-1"
	m2 := NewMessage("s", "r", types.MessageFinding, "b", nil, types.PriorityMedium)
	m2.ConversationID = "conv-1"
	m3 := NewMessage("s", "r", types.MessageData, "c", nil, types.PriorityMedium)

	for _, m := range []*Message{m1, m2, m3} {
		require.NoError(t, b.Send(m))
	}

	assert.Len(t, b.GetConversation("conv-1"), 2)
	assert.Len(t, b.GetByType(types.MessageData), 2)
	assert.Len(t, b.GetByType(types.MessageFinding), 1)
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	b := newTestBus(t, Options{FailureThreshold: 1, ResetTimeout: time.Minute})
	b.Register("panicky", func(ctx context.Context, msg *Message) error {
		panic("oops")
	}, types.MessageData)

	require.NoError(t, b.Send(NewMessage("s", "panicky", types.MessageData, "x", nil, types.PriorityMedium)))
	require.Eventually(t, func() bool {
		return b.Stats().TotalFailed == 1
	}, time.Second, 5*time.Millisecond)

	err := b.Send(NewMessage("s", "panicky", types.MessageData, "y", nil, types.PriorityMedium))
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSendAfterClose(t *testing.T) {
	b := newTestBus(t)
	b.Register("r", nil)
	b.Close()

	err := b.Send(NewMessage("s", "r", types.MessageData, "x", nil, types.PriorityMedium))
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestSendToUnregisteredDeadLetters(t *testing.T) {
	b := newTestBus(t)

	err := b.Send(NewMessage("s", "ghost", types.MessageData, "x", nil, types.PriorityMedium))
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Len(t, b.DeadLetters(), 1)

	b.ClearDeadLetters()
	assert.Empty(t, b.DeadLetters())
}

func TestReset(t *testing.T) {
	b := newTestBus(t)
	b.Register("r", nil, types.MessageData)
	require.NoError(t, b.Send(NewMessage("s", "r", types.MessageData, "x", nil, types.PriorityMedium)))

	b.Reset()
	stats := b.Stats()
	assert.Zero(t, stats.TotalSent)
	assert.Empty(t, b.ReceiveAll("r"))
}
