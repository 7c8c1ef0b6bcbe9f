package agents

import (
	"context"

	"github.com/siteswarm/siteswarm/internal/swarm/agent"
	"github.com/siteswarm/siteswarm/internal/swarm/blackboard"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Analyst scores the target across the core dimensions, building on the
// scout's discovery entries.
type Analyst struct{}

func (an *Analyst) Execute(ctx context.Context, a *agent.Base) (map[string]any, error) {
	a.UpdateProgress(10, "loading discovery data")
	competitors := a.Query("scout.competitors", blackboard.QueryOptions{})

	competitorCount := 0
	if len(competitors) > 0 {
		if hosts, ok := competitors[0].Value.([]string); ok {
			competitorCount = len(hosts)
		}
	}

	// Dimension scores start from a neutral baseline; richer signal sources
	// (crawl results, analytics) adjust them when wired in.
	scores := map[string]int{
		"seo":         60,
		"performance": 65,
		"content":     55,
		"visibility":  50,
	}
	if competitorCount > 3 {
		// A crowded field lowers the relative visibility score.
		scores["visibility"] -= 10
	}

	a.UpdateProgress(60, "scoring dimensions")
	for dimension, score := range scores {
		a.Publish("analyst."+dimension, score, &blackboard.PublishOptions{
			Category: types.CategoryScore,
		})
	}

	if scores["visibility"] < 45 {
		a.EmitInsight("visibility is weak against the competitor field",
			types.PriorityHigh, types.InsightFinding,
			map[string]any{"visibility": scores["visibility"]})
	}
	a.LogPrediction("seo_score", scores["seo"], 0.6, nil)

	a.UpdateProgress(100, "analysis complete")
	return map[string]any{"dimension_scores": scores}, nil
}
