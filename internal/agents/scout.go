package agents

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/siteswarm/siteswarm/internal/swarm/agent"
	"github.com/siteswarm/siteswarm/internal/swarm/blackboard"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Scout opens the run: it resolves the target and competitor hosts and lays
// the discovery groundwork every later agent reads.
type Scout struct{}

func (s *Scout) Execute(ctx context.Context, a *agent.Base) (map[string]any, error) {
	a.UpdateProgress(5, "resolving target")
	target := requestString(a, "url")
	host := hostOf(target)

	competitors := requestStrings(a, "competitors")
	hosts := make([]string, 0, len(competitors))
	for _, c := range competitors {
		if h := hostOf(c); h != "" && h != host {
			hosts = append(hosts, h)
		}
	}

	a.Publish("scout.target", map[string]any{
		"url":  target,
		"host": host,
	}, &blackboard.PublishOptions{Category: types.CategoryMeta})
	a.UpdateProgress(40, "mapping competitors")

	a.Publish("scout.competitors", hosts, &blackboard.PublishOptions{
		Category: types.CategoryCompetitor,
		Tags:     []string{"discovery"},
	})
	if len(hosts) > 0 {
		a.EmitInsight("mapped "+strconv.Itoa(len(hosts))+" competitors for "+host,
			types.PriorityMedium, types.InsightFinding,
			map[string]any{"competitors": hosts})
	}

	a.LogPrediction("competitor_count", len(hosts), 0.7, nil)
	a.UpdateProgress(100, "discovery complete")
	return map[string]any{
		"host":             host,
		"competitor_count": len(hosts),
	}, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
