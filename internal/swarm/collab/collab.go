// Package collab runs bounded multi-agent decision sessions. A session walks
// a fixed phase ladder, gathering perspectives, proposals, evaluations, and
// votes over the message bus and blackboard, and ends with either a consensus
// value or an explicit failure.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/blackboard"
	"github.com/siteswarm/siteswarm/internal/swarm/bus"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Phase is the state of a collaboration session.
type Phase string

const (
	PhaseInitiated     Phase = "INITIATED"
	PhaseGathering     Phase = "GATHERING"
	PhaseBrainstorming Phase = "BRAINSTORMING"
	PhaseDebating      Phase = "DEBATING"
	PhaseVoting        Phase = "VOTING"
	PhaseConsensus     Phase = "CONSENSUS"
	PhaseComplete      Phase = "COMPLETE"
	PhaseFailed        Phase = "FAILED"
)

// ErrNoParticipants fails a session created with an empty agent list.
var ErrNoParticipants = errors.New("collab: session needs at least one participant")

// DefaultSessionTimeout bounds a whole session; each waiting phase gets a
// fifth of it.
const DefaultSessionTimeout = 60 * time.Second

// Vote is one participant's ballot.
type Vote struct {
	AgentID    string  `json:"agent_id"`
	Choice     string  `json:"choice"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// ChoiceTally aggregates votes for one choice.
type ChoiceTally struct {
	Choice        string  `json:"choice"`
	Count         int     `json:"count"`
	MajorityPct   float64 `json:"majority_pct"`
	WeightedScore float64 `json:"weighted_score"`
}

// Result is the outcome of a session.
type Result struct {
	SessionID  string                          `json:"session_id"`
	Problem    string                          `json:"problem"`
	Solution   string                          `json:"solution,omitempty"`
	Consensus  bool                            `json:"consensus"`
	FinalPhase Phase                           `json:"final_phase"`
	Votes      []Vote                          `json:"votes,omitempty"`
	Tallies    []ChoiceTally                   `json:"tallies,omitempty"`
	Inputs     map[Phase][]*blackboard.Entry   `json:"-"`
	InputCount map[Phase]int                   `json:"input_count,omitempty"`
	Elapsed    time.Duration                   `json:"elapsed"`
	Error      string                          `json:"error,omitempty"`
}

// Session tracks one in-flight or finished collaboration.
type Session struct {
	ID           string    `json:"id"`
	Problem      string    `json:"problem"`
	Participants []string  `json:"participants"`
	Facilitator  string    `json:"facilitator"`
	Timeout      time.Duration
	Phase        Phase     `json:"phase"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	Result       *Result   `json:"result,omitempty"`
}

func (s *Session) namespace() string { return "collab." + s.ID }

// EventHook observes collaboration telemetry events.
type EventHook func(event types.SwarmEvent)

// Manager creates and tracks collaboration sessions against one run's bus and
// blackboard.
type Manager struct {
	mu        sync.Mutex
	log       *logger.Logger
	bus       *bus.Bus
	board     blackboard.Board
	sessions  map[string]*Session
	completed []*Session
	hook      EventHook
}

// Options configures a Manager.
type Options struct {
	Bus    *bus.Bus
	Board  blackboard.Board
	Logger *logger.Logger
}

// NewManager creates a collaboration manager bound to a bus and blackboard.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Manager{
		log:      opts.Logger.WithFields(zap.String("component", "collab")),
		bus:      opts.Bus,
		board:    opts.Board,
		sessions: make(map[string]*Session),
	}
}

// SetEventHook installs a telemetry observer.
func (m *Manager) SetEventHook(hook EventHook) {
	m.mu.Lock()
	m.hook = hook
	m.mu.Unlock()
}

func (m *Manager) emit(kind types.EventKind, session *Session, data map[string]any) {
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook == nil {
		return
	}
	hook(types.SwarmEvent{
		Kind:        kind,
		SourceAgent: session.Facilitator,
		Subject:     session.ID,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	})
}

// CreateSession runs a full collaboration session and blocks until it ends.
// Callers wanting it asynchronous run it in a goroutine.
func (m *Manager) CreateSession(ctx context.Context, problem string, agents []string, facilitator string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	session := &Session{
		ID:           uuid.NewString()[:8],
		Problem:      problem,
		Participants: append([]string(nil), agents...),
		Facilitator:  facilitator,
		Timeout:      timeout,
		Phase:        PhaseInitiated,
		StartedAt:    time.Now().UTC(),
	}
	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	result := m.runSession(ctx, session)
	session.Result = result
	session.EndedAt = time.Now().UTC()

	m.mu.Lock()
	delete(m.sessions, session.ID)
	m.completed = append(m.completed, session)
	m.mu.Unlock()

	if result.FinalPhase == PhaseFailed && result.Error != "" {
		return result, errors.New(result.Error)
	}
	return result, nil
}

func (m *Manager) runSession(ctx context.Context, session *Session) *Result {
	result := &Result{
		SessionID:  session.ID,
		Problem:    session.Problem,
		Inputs:     make(map[Phase][]*blackboard.Entry),
		InputCount: make(map[Phase]int),
	}
	defer func() {
		result.Elapsed = time.Since(session.StartedAt)
		for phase, entries := range result.Inputs {
			result.InputCount[phase] = len(entries)
		}
		m.publishResult(ctx, session, result)
	}()

	if len(session.Participants) == 0 {
		m.fail(session, result, ErrNoParticipants.Error())
		return result
	}

	deadline := session.StartedAt.Add(session.Timeout)
	phaseTimeout := session.Timeout / 5
	ns := session.namespace()

	// GATHERING
	m.setPhase(session, PhaseGathering)
	if _, err := m.board.Publish(ctx, ns+".problem", session.Problem, session.Facilitator, nil); err != nil {
		m.fail(session, result, fmt.Sprintf("publish problem: %v", err))
		return result
	}
	m.requestAll(session, "provide_perspective", map[string]any{
		"problem": session.Problem,
	})
	perspectives, err := m.collectPhase(ctx, session, ns+".perspective.*", phaseTimeout, deadline)
	if err != nil {
		m.fail(session, result, err.Error())
		return result
	}
	result.Inputs[PhaseGathering] = perspectives

	// BRAINSTORMING
	m.setPhase(session, PhaseBrainstorming)
	m.requestAll(session, "propose_solution", map[string]any{
		"problem":      session.Problem,
		"perspectives": entryValues(perspectives),
	})
	proposals, err := m.collectPhase(ctx, session, ns+".proposal.*", phaseTimeout, deadline)
	if err != nil {
		m.fail(session, result, err.Error())
		return result
	}
	result.Inputs[PhaseBrainstorming] = proposals

	// DEBATING, skipped when a single proposal leaves nothing to argue over.
	if len(proposals) > 1 {
		m.setPhase(session, PhaseDebating)
		if _, err := m.board.Publish(ctx, ns+".proposals", entryValues(proposals), session.Facilitator, nil); err != nil {
			m.fail(session, result, fmt.Sprintf("publish proposals: %v", err))
			return result
		}
		m.requestAll(session, "evaluate_proposals", map[string]any{
			"proposals": entryValues(proposals),
		})
		evaluations, err := m.collectPhase(ctx, session, ns+".evaluation.*", phaseTimeout, deadline)
		if err != nil {
			m.fail(session, result, err.Error())
			return result
		}
		result.Inputs[PhaseDebating] = evaluations
	}

	// VOTING
	m.setPhase(session, PhaseVoting)
	m.requestVotes(ctx, session, entryValues(proposals), phaseTimeout)
	voteEntries, err := m.collectPhase(ctx, session, ns+".vote.*", phaseTimeout, deadline)
	if err != nil {
		m.fail(session, result, err.Error())
		return result
	}
	result.Inputs[PhaseVoting] = voteEntries
	result.Votes = parseVotes(voteEntries)

	// CONSENSUS
	m.setPhase(session, PhaseConsensus)
	solution, consensus, tallies := computeConsensus(result.Votes)
	result.Solution = solution
	result.Consensus = consensus
	result.Tallies = tallies

	m.setPhase(session, PhaseComplete)
	result.FinalPhase = PhaseComplete
	m.emit(types.EventCollabConsensus, session, map[string]any{
		"solution":  solution,
		"consensus": consensus,
		"votes":     len(result.Votes),
	})
	return result
}

func (m *Manager) setPhase(session *Session, phase Phase) {
	m.mu.Lock()
	session.Phase = phase
	m.mu.Unlock()
	m.log.Debug("session phase",
		zap.String("session_id", session.ID),
		zap.String("phase", string(phase)))
	m.emit(types.EventCollabPhase, session, map[string]any{"phase": string(phase)})
}

func (m *Manager) fail(session *Session, result *Result, reason string) {
	m.setPhase(session, PhaseFailed)
	result.FinalPhase = PhaseFailed
	result.Consensus = false
	result.Error = reason
	m.log.Warn("session failed",
		zap.String("session_id", session.ID),
		zap.String("reason", reason))
}

// requestAll sends a directed REQUEST to every participant. Delivery failures
// on individual legs are logged and tolerated; the phase wait bounds them.
func (m *Manager) requestAll(session *Session, action string, payload map[string]any) {
	for _, agentID := range session.Participants {
		body := map[string]any{"action": action, "session_id": session.ID}
		for k, v := range payload {
			body[k] = v
		}
		msg := bus.NewMessage(session.Facilitator, agentID, types.MessageRequest,
			"collaboration:"+action, body, types.PriorityHigh)
		msg.ConversationID = session.ID
		if err := m.bus.Send(msg); err != nil {
			m.log.Warn("collaboration request not delivered",
				zap.String("session_id", session.ID),
				zap.String("to", agentID),
				zap.Error(err))
		}
	}
}

func (m *Manager) requestVotes(ctx context.Context, session *Session, solutions []any, timeout time.Duration) {
	for _, agentID := range session.Participants {
		msg := bus.NewMessage(session.Facilitator, agentID, types.MessageRequest,
			"collaboration:vote", map[string]any{
				"action":     "vote",
				"session_id": session.ID,
				"solutions":  solutions,
				"timeout":    timeout.Seconds(),
			}, types.PriorityHigh)
		msg.ConversationID = session.ID
		msg.RequiresResponse = true
		expiry := time.Now().UTC().Add(timeout)
		msg.ExpiresAt = &expiry
		if err := m.bus.Send(msg); err != nil {
			m.log.Warn("vote request not delivered",
				zap.String("session_id", session.ID),
				zap.String("to", agentID),
				zap.Error(err))
		}
	}
}

// collectPhase waits for blackboard entries matching pattern. It returns
// early once every participant contributed, and otherwise returns whatever
// arrived by the phase timeout. Passing the session deadline or a cancelled
// context is a failure.
func (m *Manager) collectPhase(ctx context.Context, session *Session, pattern string, phaseTimeout time.Duration, deadline time.Time) ([]*blackboard.Entry, error) {
	notify := make(chan struct{}, 1)
	subscriber := session.Facilitator + ":" + session.ID
	if err := m.board.Subscribe(pattern, subscriber, func(*blackboard.Entry) {
		select {
		case notify <- struct{}{}:
		default:
		}
	}); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	defer m.board.Unsubscribe(pattern, subscriber)

	phaseDeadline := time.Now().Add(phaseTimeout)
	if phaseDeadline.After(deadline) {
		phaseDeadline = deadline
	}
	timer := time.NewTimer(time.Until(phaseDeadline))
	defer timer.Stop()

	want := len(session.Participants)
	for {
		entries, err := m.board.Query(ctx, pattern, blackboard.QueryOptions{})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", pattern, err)
		}
		if len(entries) >= want {
			return entries, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("collab: session timeout in phase %s", session.Phase)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return entries, nil
		case <-notify:
		}
	}
}

func entryValues(entries []*blackboard.Entry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	return out
}

// parseVotes decodes ballots from blackboard entries, tolerating both typed
// Vote values and generic maps.
func parseVotes(entries []*blackboard.Entry) []Vote {
	votes := make([]Vote, 0, len(entries))
	for _, e := range entries {
		switch v := e.Value.(type) {
		case Vote:
			if v.AgentID == "" {
				v.AgentID = e.AgentID
			}
			votes = append(votes, v)
		case map[string]any:
			vote := Vote{AgentID: e.AgentID}
			if choice, ok := v["choice"].(string); ok {
				vote.Choice = choice
			}
			if confidence, ok := toFloat(v["confidence"]); ok {
				vote.Confidence = confidence
			}
			if reasoning, ok := v["reasoning"].(string); ok {
				vote.Reasoning = reasoning
			}
			if vote.Choice != "" {
				votes = append(votes, vote)
			}
		}
	}
	return votes
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// computeConsensus tallies votes per choice and selects the winner by
// weighted score, breaking ties by majority percentage and then by choice key.
// Consensus requires majority over half or weighted score over 0.6.
func computeConsensus(votes []Vote) (string, bool, []ChoiceTally) {
	if len(votes) == 0 {
		return "", false, nil
	}
	total := float64(len(votes))
	byChoice := make(map[string]*ChoiceTally)
	for _, v := range votes {
		tally, ok := byChoice[v.Choice]
		if !ok {
			tally = &ChoiceTally{Choice: v.Choice}
			byChoice[v.Choice] = tally
		}
		tally.Count++
		tally.WeightedScore += v.Confidence
	}

	tallies := make([]ChoiceTally, 0, len(byChoice))
	for _, tally := range byChoice {
		tally.MajorityPct = float64(tally.Count) / total
		tally.WeightedScore /= total
		tallies = append(tallies, *tally)
	}
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].WeightedScore != tallies[j].WeightedScore {
			return tallies[i].WeightedScore > tallies[j].WeightedScore
		}
		if tallies[i].MajorityPct != tallies[j].MajorityPct {
			return tallies[i].MajorityPct > tallies[j].MajorityPct
		}
		return tallies[i].Choice < tallies[j].Choice
	})

	winner := tallies[0]
	consensus := winner.MajorityPct > 0.5 || winner.WeightedScore > 0.6
	return winner.Choice, consensus, tallies
}

// publishResult records the session outcome under the session namespace.
func (m *Manager) publishResult(ctx context.Context, session *Session, result *Result) {
	payload := map[string]any{
		"solution":    result.Solution,
		"consensus":   result.Consensus,
		"final_phase": string(result.FinalPhase),
		"elapsed_ms":  result.Elapsed.Milliseconds(),
		"votes":       result.Votes,
		"input_count": result.InputCount,
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	if _, err := m.board.Publish(ctx, session.namespace()+".result", payload, session.Facilitator, nil); err != nil {
		m.log.Warn("session result not published",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
}

// GetSession returns an active or completed session by id.
func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[sessionID]; ok {
		return session, true
	}
	for _, session := range m.completed {
		if session.ID == sessionID {
			return session, true
		}
	}
	return nil, false
}

// GetActiveSessions returns sessions still running.
func (m *Manager) GetActiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// GetCompletedSessions returns the most recent completed sessions, up to limit.
func (m *Manager) GetCompletedSessions(limit int) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := m.completed
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[len(sessions)-limit:]
	}
	out := make([]*Session, len(sessions))
	copy(out, sessions)
	return out
}
