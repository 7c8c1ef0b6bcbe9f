package agents

import (
	"context"
	"sort"

	"github.com/siteswarm/siteswarm/internal/swarm/agent"
	"github.com/siteswarm/siteswarm/internal/swarm/blackboard"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Planner turns the strategist's picture into an ordered action plan.
type Planner struct{}

func (p *Planner) Execute(ctx context.Context, a *agent.Base) (map[string]any, error) {
	a.UpdateProgress(10, "drafting plan")

	composite := map[string]int{}
	if value, ok := a.Get("strategist.composite"); ok {
		if scores, ok := value.(map[string]int); ok {
			composite = scores
		}
	}
	focus, _ := a.Get("strategist.focus")

	type weakness struct {
		dimension string
		score     int
	}
	var weaknesses []weakness
	for dimension, score := range composite {
		weaknesses = append(weaknesses, weakness{dimension, score})
	}
	sort.Slice(weaknesses, func(i, j int) bool {
		if weaknesses[i].score != weaknesses[j].score {
			return weaknesses[i].score < weaknesses[j].score
		}
		return weaknesses[i].dimension < weaknesses[j].dimension
	})

	plan := make([]map[string]any, 0, len(weaknesses))
	for i, w := range weaknesses {
		if i >= 3 {
			break
		}
		plan = append(plan, map[string]any{
			"step":      i + 1,
			"dimension": w.dimension,
			"action":    "improve " + w.dimension,
			"score":     w.score,
		})
	}

	a.Publish("planner.action_plan", plan, &blackboard.PublishOptions{
		Category: types.CategoryAction,
	})
	if len(plan) > 0 {
		a.EmitInsight("action plan ready", types.PriorityHigh, types.InsightAction,
			map[string]any{"steps": len(plan), "focus": focus})
	}

	a.UpdateProgress(100, "plan complete")
	return map[string]any{"action_plan": plan}, nil
}
