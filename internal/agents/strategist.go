package agents

import (
	"context"
	"time"

	"github.com/siteswarm/siteswarm/internal/swarm/agent"
	"github.com/siteswarm/siteswarm/internal/swarm/blackboard"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Strategist folds every upstream score into the composite picture. When the
// threat and opportunity views disagree strongly it convenes a collaboration
// session to pick the strategic focus.
type Strategist struct{}

func (st *Strategist) Execute(ctx context.Context, a *agent.Base) (map[string]any, error) {
	a.UpdateProgress(10, "collecting upstream scores")

	composite := map[string]int{}
	for _, entry := range a.Query("analyst.*", blackboard.QueryOptions{Category: types.CategoryScore}) {
		if score, ok := entry.Value.(int); ok {
			composite[entry.Key[len("analyst."):]] = score
		}
	}
	if security, ok := a.Get("guardian.security"); ok {
		if data, ok := security.(map[string]any); ok {
			if score, ok := data["score"].(int); ok {
				composite["security"] = score
			}
		}
	}

	overall := 0
	if len(composite) > 0 {
		for _, score := range composite {
			overall += score
		}
		overall /= len(composite)
	}

	a.UpdateProgress(50, "weighing focus areas")
	focus := "growth"
	if composite["security"] > 0 && composite["security"] < 50 {
		focus = "hardening"
	}

	// A borderline call goes to the swarm instead of a coin flip.
	if composite["security"] >= 50 && composite["security"] <= 60 {
		if result, err := a.StartCollaboration(ctx,
			"prioritize growth or hardening next quarter",
			[]string{GuardianID, ProspectorID}, 10*time.Second); err == nil && result.Consensus {
			focus = result.Solution
			a.EmitInsight("swarm agreed on focus: "+focus,
				types.PriorityMedium, types.InsightConsensus,
				map[string]any{"session_id": result.SessionID})
		}
	}

	a.Publish("strategist.composite", composite, &blackboard.PublishOptions{
		Category: types.CategoryAnalysis,
	})
	a.Publish("strategist.focus", focus, &blackboard.PublishOptions{
		Category: types.CategoryRecommendation,
	})
	a.EmitInsight("strategic focus: "+focus, types.PriorityHigh,
		types.InsightRecommendation, map[string]any{"overall_score": overall})

	a.UpdateProgress(100, "strategy complete")
	return map[string]any{
		"overall_score":    overall,
		"composite_scores": composite,
		"focus":            focus,
	}, nil
}
