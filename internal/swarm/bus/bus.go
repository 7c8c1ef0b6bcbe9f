// Package bus implements the per-run inter-agent message bus: directed and
// broadcast delivery with per-recipient priority queues, request/response
// correlation, per-recipient circuit breaking, and a dead-letter list.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

var (
	// ErrBusClosed is returned when sending on a closed bus.
	ErrBusClosed = errors.New("message bus is closed")
	// ErrNotRegistered is returned when a directed message names an unknown recipient.
	ErrNotRegistered = errors.New("recipient not registered")
	// ErrCircuitOpen is returned when the recipient's circuit breaker suppresses delivery.
	ErrCircuitOpen = errors.New("recipient circuit is open")
	// ErrResponseTimeout is returned when a response future is not resolved in time.
	ErrResponseTimeout = errors.New("timed out waiting for response")
	// ErrReceiveTimeout is returned by Receive when no message arrives in time.
	ErrReceiveTimeout = errors.New("timed out waiting for message")
	// ErrMessageExpired is returned when a message is already expired at send time.
	ErrMessageExpired = errors.New("message expired before send")
	// ErrUnknownResponseTo is returned when ResponseTo references no known message.
	ErrUnknownResponseTo = errors.New("response_to references unknown message id")
)

// DefaultSubscriptions is the subscription set applied when an agent
// registers without an explicit one.
var DefaultSubscriptions = []types.MessageType{
	types.MessageAlert,
	types.MessageRequest,
	types.MessageHelp,
	types.MessageTaskDelegate,
	types.MessageConsensus,
}

// Handler delivers a dequeued message to an agent. A returned error (or a
// panic, which is recovered) counts toward the agent's circuit breaker.
type Handler func(ctx context.Context, msg *Message) error

// EventHook observes bus telemetry events. Invoked outside the bus lock.
type EventHook func(event types.SwarmEvent)

// AgentCounters tracks one agent's send/receive volume.
type AgentCounters struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
}

// Stats is a snapshot of bus activity.
type Stats struct {
	TotalSent      int                       `json:"total_sent"`
	TotalDelivered int                       `json:"total_delivered"`
	TotalFailed    int                       `json:"total_failed"`
	TotalExpired   int                       `json:"total_expired"`
	DeadLettered   int                       `json:"dead_lettered"`
	ByType         map[types.MessageType]int `json:"by_type"`
	Agents         map[string]AgentCounters  `json:"agents"`
}

// Options tunes bus behavior. Zero values select the defaults.
type Options struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	Logger           *logger.Logger
}

type registration struct {
	agentID string
	handler Handler
	subs    map[types.MessageType]struct{}
	queue   messageHeap
	notify  chan struct{}
	stop    chan struct{}
}

// Bus is an in-process message bus owned by a single RunContext.
type Bus struct {
	mu          sync.Mutex
	log         *logger.Logger
	agents      map[string]*registration
	breakers    map[string]*breaker
	waiters     map[string]chan *Message
	history     []*Message
	historyIdx  map[string]*Message
	deadLetters []*Message
	counters    map[string]*AgentCounters
	stats       Stats
	seq         uint64
	closed      bool
	hook        EventHook

	failureThreshold int
	resetTimeout     time.Duration

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	wg             sync.WaitGroup
}

// New creates a message bus.
func New(opts Options) *Bus {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = DefaultResetTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		log:              opts.Logger.WithFields(zap.String("component", "message_bus")),
		agents:           make(map[string]*registration),
		breakers:         make(map[string]*breaker),
		waiters:          make(map[string]chan *Message),
		historyIdx:       make(map[string]*Message),
		counters:         make(map[string]*AgentCounters),
		stats:            Stats{ByType: make(map[types.MessageType]int)},
		failureThreshold: opts.FailureThreshold,
		resetTimeout:     opts.ResetTimeout,
		dispatchCtx:      ctx,
		dispatchCancel:   cancel,
	}
}

// SetEventHook installs a telemetry observer. Must be set before agents
// start sending.
func (b *Bus) SetEventHook(hook EventHook) {
	b.mu.Lock()
	b.hook = hook
	b.mu.Unlock()
}

// Register adds an agent to the bus. Idempotent: re-registering merges the
// subscription set and replaces the handler. A nil handler puts the agent in
// pull mode, where messages are consumed via Receive/ReceiveAll.
func (b *Bus) Register(agentID string, handler Handler, subscribeTo ...types.MessageType) {
	if len(subscribeTo) == 0 {
		subscribeTo = DefaultSubscriptions
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.agents[agentID]; ok {
		r.handler = handler
		for _, t := range subscribeTo {
			r.subs[t] = struct{}{}
		}
		return
	}

	r := &registration{
		agentID: agentID,
		handler: handler,
		subs:    make(map[types.MessageType]struct{}, len(subscribeTo)),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for _, t := range subscribeTo {
		r.subs[t] = struct{}{}
	}
	b.agents[agentID] = r
	if _, ok := b.breakers[agentID]; !ok {
		b.breakers[agentID] = newBreaker(b.failureThreshold, b.resetTimeout)
	}
	if _, ok := b.counters[agentID]; !ok {
		b.counters[agentID] = &AgentCounters{}
	}

	if handler != nil {
		b.wg.Add(1)
		go b.dispatch(r)
	}
}

// Subscribe adds message types to an agent's subscription set.
func (b *Bus) Subscribe(agentID string, msgTypes ...types.MessageType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.agents[agentID]; ok {
		for _, t := range msgTypes {
			r.subs[t] = struct{}{}
		}
	}
}

// Unsubscribe removes message types from an agent's subscription set.
// With no types given, the whole set is cleared.
func (b *Bus) Unsubscribe(agentID string, msgTypes ...types.MessageType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.agents[agentID]
	if !ok {
		return
	}
	if len(msgTypes) == 0 {
		r.subs = make(map[types.MessageType]struct{})
		return
	}
	for _, t := range msgTypes {
		delete(r.subs, t)
	}
}

// Send routes a message: directed when To is set, broadcast otherwise.
// A directed send to an agent whose circuit is open is dead-lettered and
// returns ErrCircuitOpen. Broadcast legs to open circuits are dead-lettered
// individually without failing the send.
func (b *Bus) Send(msg *Message) error {
	resolvedWaiter, err := b.route(msg)
	if err != nil {
		return err
	}
	if resolvedWaiter != nil {
		resolvedWaiter <- msg
	}
	return nil
}

// SendAndWait sends a directed message and blocks until a reply referencing
// it arrives, the timeout elapses, or ctx is cancelled.
func (b *Bus) SendAndWait(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if msg.To == "" {
		return nil, fmt.Errorf("wait_for_response requires a directed message")
	}
	ch := make(chan *Message, 1)
	b.mu.Lock()
	b.waiters[msg.ID] = ch
	b.mu.Unlock()

	removeWaiter := func() {
		b.mu.Lock()
		delete(b.waiters, msg.ID)
		b.mu.Unlock()
	}

	if err := b.Send(msg); err != nil {
		removeWaiter()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		removeWaiter()
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		removeWaiter()
		return nil, ctx.Err()
	}
}

// Broadcast sends a message to every subscribed agent except the sender.
func (b *Bus) Broadcast(from string, msgType types.MessageType, subject string, payload map[string]any, priority types.Priority) (*Message, error) {
	msg := NewMessage(from, "", msgType, subject, payload, priority)
	return msg, b.Send(msg)
}

// Request sends a directed message with requires_response set and waits for
// the reply.
func (b *Bus) Request(ctx context.Context, from, to string, msgType types.MessageType, subject string, payload map[string]any, timeout time.Duration) (*Message, error) {
	msg := NewMessage(from, to, msgType, subject, payload, types.PriorityHigh)
	msg.RequiresResponse = true
	return b.SendAndWait(ctx, msg, timeout)
}

// route performs the locked portion of a send. It returns a waiter channel
// to resolve (outside the lock) when the message answers a pending request.
func (b *Bus) route(msg *Message) (chan *Message, error) {
	now := time.Now().UTC()
	var hook EventHook

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	hook = b.hook

	if msg.ResponseTo != "" {
		if _, known := b.historyIdx[msg.ResponseTo]; !known {
			b.mu.Unlock()
			return nil, ErrUnknownResponseTo
		}
	}

	b.history = append(b.history, msg)
	b.historyIdx[msg.ID] = msg
	b.stats.TotalSent++
	b.stats.ByType[msg.Type]++
	if c, ok := b.counters[msg.From]; ok {
		c.Sent++
	}

	if msg.Expired(now) {
		msg.Status = types.DeliveryExpired
		b.stats.TotalExpired++
		b.mu.Unlock()
		return nil, ErrMessageExpired
	}

	// Resolve a pending response future; the waiter is the consumer, so the
	// message bypasses the recipient queue.
	if msg.ResponseTo != "" {
		if ch, ok := b.waiters[msg.ResponseTo]; ok {
			delete(b.waiters, msg.ResponseTo)
			msg.Status = types.DeliveryDelivered
			msg.DeliveredAt = &now
			b.stats.TotalDelivered++
			if c, ok := b.counters[msg.To]; ok {
				c.Received++
			}
			b.mu.Unlock()
			b.emit(hook, types.EventMessageDelivered, msg)
			return ch, nil
		}
	}

	if msg.To != "" {
		r, ok := b.agents[msg.To]
		if !ok {
			b.deadLetterLocked(msg, "recipient not registered")
			b.mu.Unlock()
			b.emit(hook, types.EventMessageDeadLetter, msg)
			return nil, ErrNotRegistered
		}
		if !b.breakers[msg.To].allow(now) {
			b.deadLetterLocked(msg, "circuit open")
			b.mu.Unlock()
			b.emit(hook, types.EventMessageDeadLetter, msg)
			return nil, ErrCircuitOpen
		}
		b.enqueueLocked(r, msg)
		b.mu.Unlock()
		b.emit(hook, types.EventMessageSent, msg)
		return nil, nil
	}

	// Broadcast: one copy per subscribed recipient, sender excluded.
	var deadLetterCopies []*Message
	for id, r := range b.agents {
		if id == msg.From {
			continue
		}
		if _, subscribed := r.subs[msg.Type]; !subscribed {
			continue
		}
		leg := *msg
		leg.To = id
		if !b.breakers[id].allow(now) {
			b.deadLetterLocked(&leg, "circuit open")
			deadLetterCopies = append(deadLetterCopies, &leg)
			continue
		}
		b.enqueueLocked(r, &leg)
	}
	b.mu.Unlock()

	b.emit(hook, types.EventMessageSent, msg)
	for _, leg := range deadLetterCopies {
		b.emit(hook, types.EventMessageDeadLetter, leg)
	}
	return nil, nil
}

// enqueueLocked pushes a message onto a recipient queue and wakes its consumer.
func (b *Bus) enqueueLocked(r *registration, msg *Message) {
	b.seq++
	r.queue.push(msg, b.seq)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (b *Bus) deadLetterLocked(msg *Message, reason string) {
	msg.Status = types.DeliveryFailed
	b.deadLetters = append(b.deadLetters, msg)
	b.stats.DeadLettered++
	b.log.Warn("message dead-lettered",
		zap.String("message_id", msg.ID),
		zap.String("to", msg.To),
		zap.String("type", string(msg.Type)),
		zap.String("reason", reason))
}

func (b *Bus) emit(hook EventHook, kind types.EventKind, msg *Message) {
	if hook == nil {
		return
	}
	hook(types.SwarmEvent{
		Kind:        kind,
		SourceAgent: msg.From,
		TargetAgent: msg.To,
		Subject:     msg.Subject,
		Timestamp:   time.Now().UTC(),
		Data:        map[string]any{"message_id": msg.ID, "type": string(msg.Type)},
	})
}

// dispatch is the per-recipient delivery loop for callback-mode agents.
func (b *Bus) dispatch(r *registration) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		msg := b.nextDeliverableLocked(r)
		handler := r.handler
		b.mu.Unlock()

		if msg == nil {
			select {
			case <-r.notify:
				continue
			case <-r.stop:
				return
			case <-b.dispatchCtx.Done():
				return
			}
		}

		err := b.invoke(handler, msg)
		now := time.Now().UTC()

		b.mu.Lock()
		br := b.breakers[r.agentID]
		if err != nil {
			msg.Status = types.DeliveryFailed
			b.stats.TotalFailed++
			br.recordFailure(now)
			b.mu.Unlock()
			b.log.Error("delivery callback failed",
				zap.String("agent_id", r.agentID),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			continue
		}
		msg.Status = types.DeliveryDelivered
		msg.DeliveredAt = &now
		b.stats.TotalDelivered++
		if c, ok := b.counters[r.agentID]; ok {
			c.Received++
		}
		br.recordSuccess()
		hook := b.hook
		b.mu.Unlock()
		b.emit(hook, types.EventMessageDelivered, msg)
	}
}

// nextDeliverableLocked pops the next live message, dropping expired ones.
func (b *Bus) nextDeliverableLocked(r *registration) *Message {
	now := time.Now().UTC()
	for {
		msg := r.queue.pop()
		if msg == nil {
			return nil
		}
		if msg.Expired(now) {
			msg.Status = types.DeliveryExpired
			b.stats.TotalExpired++
			continue
		}
		return msg
	}
}

// invoke calls the handler with panic recovery so a misbehaving subscriber
// is attributed to its circuit breaker instead of crashing the bus.
func (b *Bus) invoke(handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(b.dispatchCtx, msg)
}

// Receive pops the next message for a pull-mode agent, waiting up to timeout.
func (b *Bus) Receive(ctx context.Context, agentID string, timeout time.Duration) (*Message, error) {
	b.mu.Lock()
	r, ok := b.agents[agentID]
	b.mu.Unlock()
	if !ok {
		return nil, ErrNotRegistered
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		b.mu.Lock()
		msg := b.nextDeliverableLocked(r)
		if msg != nil {
			now := time.Now().UTC()
			msg.Status = types.DeliveryDelivered
			msg.DeliveredAt = &now
			b.stats.TotalDelivered++
			if c, ok := b.counters[agentID]; ok {
				c.Received++
			}
			b.mu.Unlock()
			return msg, nil
		}
		b.mu.Unlock()

		select {
		case <-r.notify:
		case <-timer.C:
			return nil, ErrReceiveTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReceiveAll drains every queued message for a pull-mode agent.
func (b *Bus) ReceiveAll(agentID string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.agents[agentID]
	if !ok {
		return nil
	}
	var out []*Message
	now := time.Now().UTC()
	for {
		msg := b.nextDeliverableLocked(r)
		if msg == nil {
			break
		}
		msg.Status = types.DeliveryDelivered
		msg.DeliveredAt = &now
		b.stats.TotalDelivered++
		if c, ok := b.counters[agentID]; ok {
			c.Received++
		}
		out = append(out, msg)
	}
	return out
}

// Acknowledge flips a delivered message to ACKNOWLEDGED.
func (b *Bus) Acknowledge(agentID, messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.historyIdx[messageID]
	if !ok || msg.Status != types.DeliveryDelivered {
		return false
	}
	msg.Status = types.DeliveryAcknowledged
	return true
}

// GetConversation returns every message carrying the conversation id, in send order.
func (b *Bus) GetConversation(conversationID string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Message
	for _, m := range b.history {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

// GetByType returns every sent message of the given type, in send order.
func (b *Bus) GetByType(msgType types.MessageType) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Message
	for _, m := range b.history {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// Stats returns a snapshot of bus activity.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.stats
	snap.ByType = make(map[types.MessageType]int, len(b.stats.ByType))
	for t, n := range b.stats.ByType {
		snap.ByType[t] = n
	}
	snap.Agents = make(map[string]AgentCounters, len(b.counters))
	for id, c := range b.counters {
		snap.Agents[id] = *c
	}
	return snap
}

// DeadLetters returns the undeliverable messages retained for diagnostics.
func (b *Bus) DeadLetters() []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Message, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// ClearDeadLetters discards the dead-letter list.
func (b *Bus) ClearDeadLetters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = nil
}

// ClearHistory discards the message history. Pending response waiters and
// queued messages are unaffected.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
	b.historyIdx = make(map[string]*Message)
}

// Reset clears all state: registrations, queues, breakers, history, stats.
func (b *Bus) Reset() {
	b.mu.Lock()
	for _, r := range b.agents {
		close(r.stop)
	}
	b.agents = make(map[string]*registration)
	b.breakers = make(map[string]*breaker)
	b.waiters = make(map[string]chan *Message)
	b.history = nil
	b.historyIdx = make(map[string]*Message)
	b.deadLetters = nil
	b.counters = make(map[string]*AgentCounters)
	b.stats = Stats{ByType: make(map[types.MessageType]int)}
	b.mu.Unlock()
}

// Close stops all dispatchers and rejects further sends.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.dispatchCancel()
	b.wg.Wait()
}
