package websocket

import (
	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/runctx"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Broadcaster translates run activity into frontend frames and fans them
// out to the clients subscribed to that run.
type Broadcaster struct {
	hub    *Hub
	logger *logger.Logger
}

// NewBroadcaster creates a broadcaster on top of a hub.
func NewBroadcaster(hub *Hub, log *logger.Logger) *Broadcaster {
	if log == nil {
		log = logger.Default()
	}
	return &Broadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_broadcaster")),
	}
}

// BindRunContext wires a run's callbacks and event stream to the hub.
// Every frame goes to the run's subscription group.
func (b *Broadcaster) BindRunContext(rc *runctx.Context) {
	runID := rc.ID

	rc.SetCallbacks(runctx.Callbacks{
		OnAgentStart: func(runID, agentID, name string) {
			b.hub.BroadcastToRun(runID, NewFrame(FrameAgentStatus, map[string]any{
				"run_id":   runID,
				"agent_id": agentID,
				"name":     name,
				"status":   string(types.AgentRunning),
			}))
		},
		OnAgentComplete: func(runID, agentID string, result *types.AgentResult) {
			data := map[string]any{
				"run_id":   runID,
				"agent_id": agentID,
			}
			if result != nil {
				data["status"] = string(result.Status)
				data["duration_ms"] = result.DurationMS
				if result.Error != "" {
					data["error"] = result.Error
				}
			}
			b.hub.BroadcastToRun(runID, NewFrame(FrameAgentStatus, data))
		},
		OnProgress: func(runID, agentID string, percent float64, message string) {
			b.hub.BroadcastToRun(runID, NewFrame(FrameAgentProgress, map[string]any{
				"run_id":   runID,
				"agent_id": agentID,
				"percent":  percent,
				"message":  message,
			}))
		},
		OnInsight: func(runID, agentID string, insight *types.AgentInsight) {
			b.hub.BroadcastToRun(runID, NewFrame(FrameAgentInsight, map[string]any{
				"run_id":   runID,
				"agent_id": agentID,
				"insight":  insight,
			}))
		},
	})

	rc.SetEventTap(func(event types.SwarmEvent) {
		// Lifecycle events already reach clients as typed frames through the
		// callbacks above; re-emitting them here would double every update.
		if event.Kind == types.EventAgentLifecycle {
			return
		}
		b.hub.BroadcastToRun(runID, NewFrame(frameTypeFor(event.Kind), map[string]any{
			"run_id": runID,
			"event":  event,
		}))
	})
}

// frameTypeFor buckets subsystem events into the frontend frame taxonomy.
func frameTypeFor(kind types.EventKind) string {
	switch kind {
	case types.EventCollabPhase, types.EventCollabConsensus:
		return FrameCollaborationUpdate
	case types.EventMessageSent, types.EventMessageDelivered,
		types.EventMessageDeadLetter, types.EventConversation:
		return FrameAgentMessage
	default:
		return FrameSwarmEvent
	}
}

// AnalysisComplete pushes the final result to the run's subscribers.
func (b *Broadcaster) AnalysisComplete(runID string, result *types.OrchestrationResult) {
	b.hub.BroadcastToRun(runID, NewFrame(FrameAnalysisComplete, map[string]any{
		"run_id": runID,
		"result": result,
	}))
}

// RunError pushes a run-level failure to the run's subscribers.
func (b *Broadcaster) RunError(runID, message string) {
	b.hub.BroadcastToRun(runID, NewFrame(FrameError, map[string]any{
		"run_id":  runID,
		"message": message,
	}))
}
