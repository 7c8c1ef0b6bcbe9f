package collab

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteswarm/siteswarm/internal/swarm/blackboard"
	"github.com/siteswarm/siteswarm/internal/swarm/bus"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

type harness struct {
	bus     *bus.Bus
	board   *blackboard.MemoryBoard
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New(bus.Options{})
	board := blackboard.NewMemory(blackboard.MemoryOptions{})
	t.Cleanup(func() {
		b.Close()
		_ = board.Close()
	})
	return &harness{
		bus:     b,
		board:   board,
		manager: NewManager(Options{Bus: b, Board: board}),
	}
}

// addParticipant wires an agent that answers every collaboration request by
// publishing the expected blackboard entry for the current phase.
func (h *harness) addParticipant(agentID, choice string, confidence float64) {
	h.bus.Register(agentID, func(ctx context.Context, msg *bus.Message) error {
		action, _ := msg.Payload["action"].(string)
		sessionID, _ := msg.Payload["session_id"].(string)
		ns := "collab." + sessionID
		switch action {
		case "provide_perspective":
			_, err := h.board.Publish(ctx, fmt.Sprintf("%s.perspective.%s", ns, agentID),
				"perspective from "+agentID, agentID, nil)
			return err
		case "propose_solution":
			_, err := h.board.Publish(ctx, fmt.Sprintf("%s.proposal.%s", ns, agentID),
				choice, agentID, nil)
			return err
		case "evaluate_proposals":
			_, err := h.board.Publish(ctx, fmt.Sprintf("%s.evaluation.%s", ns, agentID),
				"looks fine", agentID, nil)
			return err
		case "vote":
			_, err := h.board.Publish(ctx, fmt.Sprintf("%s.vote.%s", ns, agentID),
				map[string]any{"choice": choice, "confidence": confidence}, agentID, nil)
			return err
		}
		return nil
	}, types.MessageRequest)
}

func TestSessionReachesConsensus(t *testing.T) {
	h := newHarness(t)
	h.addParticipant("a", "S1", 0.9)
	h.addParticipant("b", "S1", 0.8)
	h.addParticipant("c", "S2", 1.0)

	result, err := h.manager.CreateSession(context.Background(),
		"pick a strategy", []string{"a", "b", "c"}, "strategist", 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "S1", result.Solution)
	assert.True(t, result.Consensus)
	assert.Equal(t, PhaseComplete, result.FinalPhase)
	assert.Len(t, result.Votes, 3)
	assert.Equal(t, 3, result.InputCount[PhaseGathering])
	assert.Equal(t, 3, result.InputCount[PhaseBrainstorming])
	assert.Equal(t, 3, result.InputCount[PhaseDebating])

	// Result is mirrored onto the blackboard under the session namespace.
	entries, err := h.board.Query(context.Background(), "collab.*.result", blackboard.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestVoteRequestsCarryDeadline(t *testing.T) {
	h := newHarness(t)
	votes := make(chan *bus.Message, 1)
	h.bus.Register("a", func(ctx context.Context, msg *bus.Message) error {
		action, _ := msg.Payload["action"].(string)
		sessionID, _ := msg.Payload["session_id"].(string)
		ns := "collab." + sessionID
		switch action {
		case "provide_perspective":
			_, err := h.board.Publish(ctx, ns+".perspective.a", "p", "a", nil)
			return err
		case "propose_solution":
			_, err := h.board.Publish(ctx, ns+".proposal.a", "S1", "a", nil)
			return err
		case "vote":
			select {
			case votes <- msg:
			default:
			}
			_, err := h.board.Publish(ctx, ns+".vote.a",
				map[string]any{"choice": "S1", "confidence": 0.9}, "a", nil)
			return err
		}
		return nil
	}, types.MessageRequest)

	_, err := h.manager.CreateSession(context.Background(),
		"ballot bounds", []string{"a"}, "strategist", 5*time.Second)
	require.NoError(t, err)

	select {
	case msg := <-votes:
		require.NotNil(t, msg.ExpiresAt)
		assert.True(t, msg.ExpiresAt.After(time.Now().UTC().Add(-time.Second)))
		assert.True(t, msg.RequiresResponse)
	default:
		t.Fatal("vote request never delivered")
	}
}

func TestSessionZeroParticipantsFails(t *testing.T) {
	h := newHarness(t)

	result, err := h.manager.CreateSession(context.Background(),
		"nobody home", nil, "strategist", time.Second)
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, result.FinalPhase)
	assert.False(t, result.Consensus)
	assert.Empty(t, result.Solution)
}

func TestSessionSingleProposalSkipsDebate(t *testing.T) {
	h := newHarness(t)
	h.addParticipant("solo", "S1", 0.9)

	result, err := h.manager.CreateSession(context.Background(),
		"one voice", []string{"solo"}, "strategist", 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, PhaseComplete, result.FinalPhase)
	_, debated := result.InputCount[PhaseDebating]
	assert.False(t, debated)
	assert.Equal(t, "S1", result.Solution)
	assert.True(t, result.Consensus)
}

func TestSessionNoVotesNoConsensus(t *testing.T) {
	h := newHarness(t)
	// Registered but mute: never answers any request.
	h.bus.Register("mute", func(ctx context.Context, msg *bus.Message) error {
		return nil
	}, types.MessageRequest)

	result, err := h.manager.CreateSession(context.Background(),
		"silence", []string{"mute"}, "strategist", 500*time.Millisecond)
	require.NoError(t, err)

	assert.False(t, result.Consensus)
	assert.Empty(t, result.Solution)
	assert.Empty(t, result.Votes)
}

func TestSessionTracking(t *testing.T) {
	h := newHarness(t)
	h.addParticipant("a", "S1", 0.9)

	result, err := h.manager.CreateSession(context.Background(),
		"track me", []string{"a"}, "strategist", 5*time.Second)
	require.NoError(t, err)

	assert.Empty(t, h.manager.GetActiveSessions())

	session, ok := h.manager.GetSession(result.SessionID)
	require.True(t, ok)
	assert.Equal(t, PhaseComplete, session.Phase)

	completed := h.manager.GetCompletedSessions(10)
	require.Len(t, completed, 1)
	assert.Equal(t, result.SessionID, completed[0].ID)
}

func TestComputeConsensusMajority(t *testing.T) {
	solution, consensus, tallies := computeConsensus([]Vote{
		{AgentID: "a", Choice: "S1", Confidence: 0.9},
		{AgentID: "b", Choice: "S1", Confidence: 0.8},
		{AgentID: "c", Choice: "S2", Confidence: 1.0},
	})
	assert.Equal(t, "S1", solution)
	assert.True(t, consensus)
	require.Len(t, tallies, 2)
	assert.InDelta(t, 2.0/3.0, tallies[0].MajorityPct, 1e-9)
}

func TestComputeConsensusMajorityWithLowConfidence(t *testing.T) {
	// Weighted score stays under 0.6 but the majority rule alone carries it.
	solution, consensus, _ := computeConsensus([]Vote{
		{AgentID: "a", Choice: "S1", Confidence: 0.8},
		{AgentID: "b", Choice: "S1", Confidence: 0.8},
		{AgentID: "c", Choice: "S2", Confidence: 1.0},
	})
	assert.Equal(t, "S1", solution)
	assert.True(t, consensus)
}

func TestComputeConsensusBelowThresholds(t *testing.T) {
	solution, consensus, _ := computeConsensus([]Vote{
		{AgentID: "a", Choice: "S1", Confidence: 0.5},
		{AgentID: "b", Choice: "S2", Confidence: 0.5},
	})
	assert.NotEmpty(t, solution)
	assert.False(t, consensus)
}

func TestComputeConsensusDeterministicTiebreak(t *testing.T) {
	votes := []Vote{
		{AgentID: "a", Choice: "S2", Confidence: 0.5},
		{AgentID: "b", Choice: "S1", Confidence: 0.5},
	}
	for i := 0; i < 10; i++ {
		solution, _, _ := computeConsensus(votes)
		assert.Equal(t, "S1", solution)
	}
}

func TestComputeConsensusEmpty(t *testing.T) {
	solution, consensus, tallies := computeConsensus(nil)
	assert.Empty(t, solution)
	assert.False(t, consensus)
	assert.Nil(t, tallies)
}
