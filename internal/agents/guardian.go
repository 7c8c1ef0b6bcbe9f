package agents

import (
	"context"
	"strings"

	"github.com/siteswarm/siteswarm/internal/swarm/agent"
	"github.com/siteswarm/siteswarm/internal/swarm/blackboard"
	"github.com/siteswarm/siteswarm/internal/swarm/bus"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Guardian audits the target's security posture and raises threats.
type Guardian struct{}

func (g *Guardian) Execute(ctx context.Context, a *agent.Base) (map[string]any, error) {
	a.UpdateProgress(10, "auditing transport security")
	target := requestString(a, "url")

	var issues []string
	if !strings.HasPrefix(target, "https://") {
		issues = append(issues, "no TLS on the primary URL")
	}

	score := 85 - 25*len(issues)
	if score < 0 {
		score = 0
	}

	a.Publish("guardian.security", map[string]any{
		"score":  score,
		"issues": issues,
	}, &blackboard.PublishOptions{Category: types.CategoryThreat})

	for _, issue := range issues {
		a.EmitInsight(issue, types.PriorityCritical, types.InsightThreat, nil)
	}
	if len(issues) == 0 {
		a.EmitInsight("no transport-level security issues found",
			types.PriorityLow, types.InsightFinding, nil)
	}

	a.UpdateProgress(100, "audit complete")
	return map[string]any{
		"security_score": score,
		"issue_count":    len(issues),
	}, nil
}

// HandleMessage answers collaboration requests that arrive after the audit
// phase, arguing from the published security picture.
func (g *Guardian) HandleMessage(ctx context.Context, a *agent.Base, msg *bus.Message) error {
	action, ns, ok := collabRequest(msg)
	if !ok {
		return nil
	}
	score := securityScore(a)
	switch action {
	case "provide_perspective":
		perspective := "transport security holds, no objection to growth work"
		if score < 70 {
			perspective = "open security issues compound under new traffic"
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
		choice, confidence := "growth", 0.6
		if score < 70 {
			choice, confidence = "hardening", 0.9
		}
		a.Publish(ns+".vote."+a.ID(), map[string]any{
			"choice":     choice,
			"confidence": confidence,
			"reasoning":  "transport audit",
		}, nil)
	}
	return nil
}
