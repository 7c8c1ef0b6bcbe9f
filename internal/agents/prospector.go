package agents

import (
	"context"

	"github.com/siteswarm/siteswarm/internal/swarm/agent"
	"github.com/siteswarm/siteswarm/internal/swarm/blackboard"
	"github.com/siteswarm/siteswarm/internal/swarm/bus"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Prospector mines the analysis for growth opportunities.
type Prospector struct{}

func (p *Prospector) Execute(ctx context.Context, a *agent.Base) (map[string]any, error) {
	a.UpdateProgress(10, "mining opportunities")

	var opportunities []map[string]any
	for _, entry := range a.Query("analyst.*", blackboard.QueryOptions{Category: types.CategoryScore}) {
		score, ok := entry.Value.(int)
		if !ok || score >= 60 {
			continue
		}
		dimension := entry.Key[len("analyst."):]
		opportunities = append(opportunities, map[string]any{
			"dimension": dimension,
			"score":     score,
			"potential": 80 - score,
		})
	}

	a.Publish("prospector.opportunities", opportunities, &blackboard.PublishOptions{
		Category: types.CategoryOpportunity,
	})
	if len(opportunities) > 0 {
		a.EmitInsight("growth potential found in weak dimensions",
			types.PriorityHigh, types.InsightOpportunity,
			map[string]any{"count": len(opportunities)})
	}

	a.UpdateProgress(100, "prospecting complete")
	return map[string]any{"opportunity_count": len(opportunities)}, nil
}

// HandleMessage answers collaboration requests from the optimist's corner,
// conceding to hardening when the audited posture is too weak to build on.
func (p *Prospector) HandleMessage(ctx context.Context, a *agent.Base, msg *bus.Message) error {
	action, ns, ok := collabRequest(msg)
	if !ok {
		return nil
	}
	score := securityScore(a)
	switch action {
	case "provide_perspective":
		perspective := "weak dimensions leave headroom worth chasing now"
		if score < 70 {
			perspective = "growth pitched on a shaky foundation rarely converts"
		}
		a.Publish(ns+".perspective."+a.ID(), perspective, nil)
	case "propose_solution":
		proposal := "growth"
		if score < 70 {
			proposal = "hardening"
		}
		a.Publish(ns+".proposal."+a.ID(), proposal, nil)
	case "evaluate_proposals":
		a.Publish(ns+".evaluation."+a.ID(), map[string]any{
			"agent":          a.ID(),
			"security_score": score,
		}, nil)
	case "vote":
		choice, confidence := "growth", 0.8
		if score < 70 {
			choice, confidence = "hardening", 0.7
		}
		a.Publish(ns+".vote."+a.ID(), map[string]any{
			"choice":     choice,
			"confidence": confidence,
			"reasoning":  "opportunity yield against the audited posture",
		}, nil)
	}
	return nil
}
