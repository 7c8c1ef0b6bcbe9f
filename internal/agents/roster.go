// Package agents defines the shipped analysis roster. Each agent is a thin
// executor over the swarm helpers: it reads the seeded request and upstream
// blackboard entries, publishes its own findings, and emits insights for the
// consumer-facing stream. Heavy lifting (scraping, LLM calls) plugs in behind
// the executors; the roster itself stays deterministic.
package agents

import (
	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/agent"
	"github.com/siteswarm/siteswarm/internal/swarm/bus"
	"github.com/siteswarm/siteswarm/internal/swarm/orchestrator"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Agent ids of the shipped roster. Dependencies between them produce the
// phase plan {scout} → {analyst} → {guardian, prospector} → {strategist} →
// {planner}.
const (
	ScoutID      = "scout"
	AnalystID    = "analyst"
	GuardianID   = "guardian"
	ProspectorID = "prospector"
	StrategistID = "strategist"
	PlannerID    = "planner"
)

// Options configures roster construction.
type Options struct {
	Logger              *logger.Logger
	AllowGlobalFallback bool
}

// NewRoster builds the default six agents in dependency order.
func NewRoster(opts Options) []orchestrator.Agent {
	base := agent.Options{
		Logger:              opts.Logger,
		AllowGlobalFallback: opts.AllowGlobalFallback,
	}
	return []orchestrator.Agent{
		agent.New(agent.Spec{
			ID:            ScoutID,
			Name:          "Scout",
			Role:          "discovery",
			Avatar:        "🔭",
			Personality:   "curious",
			Subscriptions: []types.MessageType{types.MessageAlert, types.MessageRequest, types.MessageHelp},
			Capabilities:  []string{"discover", "fetch"},
		}, &Scout{}, base),
		agent.New(agent.Spec{
			ID:            AnalystID,
			Name:          "Analyst",
			Role:          "analysis",
			Avatar:        "📊",
			Personality:   "methodical",
			Dependencies:  []string{ScoutID},
			Subscriptions: []types.MessageType{types.MessageAlert, types.MessageRequest, types.MessageData},
			Capabilities:  []string{"analyze"},
		}, &Analyst{}, base),
		agent.New(agent.Spec{
			ID:            GuardianID,
			Name:          "Guardian",
			Role:          "security",
			Avatar:        "🛡️",
			Personality:   "paranoid",
			Dependencies:  []string{AnalystID},
			Subscriptions: []types.MessageType{types.MessageAlert, types.MessageRequest},
			Capabilities:  []string{"audit"},
		}, &Guardian{}, base),
		agent.New(agent.Spec{
			ID:            ProspectorID,
			Name:          "Prospector",
			Role:          "opportunity",
			Avatar:        "⛏️",
			Personality:   "optimistic",
			Dependencies:  []string{AnalystID},
			Subscriptions: []types.MessageType{types.MessageAlert, types.MessageRequest},
			Capabilities:  []string{"prospect"},
		}, &Prospector{}, base),
		agent.New(agent.Spec{
			ID:            StrategistID,
			Name:          "Strategist",
			Role:          "strategy",
			Avatar:        "♟️",
			Personality:   "decisive",
			Dependencies:  []string{GuardianID, ProspectorID},
			Subscriptions: []types.MessageType{types.MessageAlert, types.MessageRequest, types.MessageConsensus},
			Capabilities:  []string{"strategize"},
		}, &Strategist{}, base),
		agent.New(agent.Spec{
			ID:            PlannerID,
			Name:          "Planner",
			Role:          "planning",
			Avatar:        "🗺️",
			Personality:   "pragmatic",
			Dependencies:  []string{StrategistID},
			Subscriptions: []types.MessageType{types.MessageAlert, types.MessageRequest},
			Capabilities:  []string{"plan"},
		}, &Planner{}, base),
	}
}

// requestParams reads the seeded run request from the blackboard.
func requestParams(a *agent.Base) map[string]any {
	value, ok := a.Get("run.request")
	if !ok {
		return map[string]any{}
	}
	params, ok := value.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return params
}

func requestString(a *agent.Base, key string) string {
	s, _ := requestParams(a)[key].(string)
	return s
}

// collabRequest extracts the action and session namespace from a
// collaboration request, reporting ok=false for unrelated traffic.
func collabRequest(msg *bus.Message) (action, ns string, ok bool) {
	if msg == nil || msg.Type != types.MessageRequest {
		return "", "", false
	}
	action, _ = msg.Payload["action"].(string)
	session, _ := msg.Payload["session_id"].(string)
	if action == "" || session == "" {
		return "", "", false
	}
	return action, "collab." + session, true
}

// securityScore reads the guardian's published audit score, defaulting to a
// clean 100 when the audit has not run. Redis boards round numbers through
// JSON, so both int and float64 are accepted.
func securityScore(a *agent.Base) int {
	value, ok := a.Get("guardian.security")
	if !ok {
		return 100
	}
	data, ok := value.(map[string]any)
	if !ok {
		return 100
	}
	switch score := data["score"].(type) {
	case int:
		return score
	case float64:
		return int(score)
	}
	return 100
}

func requestStrings(a *agent.Base, key string) []string {
	switch v := requestParams(a)[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
