// Package orchestrator levels the agent roster into dependency phases and
// executes a run: phases sequentially, agents within a phase concurrently,
// each under its own timeout, with cooperative cancellation between starts.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/runctx"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Agent is the contract the orchestrator drives. agent.Base satisfies it.
type Agent interface {
	ID() string
	Name() string
	Dependencies() []string
	BindRun(rc *runctx.Context) error
	Run(ctx context.Context) *types.AgentResult
}

// Request carries one analysis invocation.
type Request struct {
	URL             string
	Competitors     []string
	Language        string
	IndustryContext string
	UserID          string
	RevenueInput    float64
	// Run supplies the run context; without one the orchestrator creates an
	// unregistered context of its own.
	Run *runctx.Context
}

// Orchestrator owns a fixed agent roster and its phase plan.
type Orchestrator struct {
	log    *logger.Logger
	tracer trace.Tracer
	agents map[string]Agent
	phases [][]string
}

// Options configures an Orchestrator.
type Options struct {
	Agents []Agent
	Logger *logger.Logger
}

// New builds an orchestrator and resolves the phase plan. Unknown or cyclic
// dependencies are configuration errors and fail construction.
func New(opts Options) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	agents := make(map[string]Agent, len(opts.Agents))
	for _, a := range opts.Agents {
		if _, dup := agents[a.ID()]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate agent id %q", a.ID())
		}
		agents[a.ID()] = a
	}
	for _, a := range agents {
		for _, dep := range a.Dependencies() {
			if _, ok := agents[dep]; !ok {
				return nil, fmt.Errorf("orchestrator: agent %q depends on unknown agent %q", a.ID(), dep)
			}
		}
	}
	phases, err := planPhases(agents)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:    opts.Logger.WithFields(zap.String("component", "orchestrator")),
		tracer: otel.Tracer("siteswarm/orchestrator"),
		agents: agents,
		phases: phases,
	}, nil
}

// planPhases levels agents Kahn-style: every agent whose dependencies are all
// already assigned joins the current phase. A non-empty residue with no
// candidates is a cycle.
func planPhases(agents map[string]Agent) ([][]string, error) {
	assigned := make(map[string]bool, len(agents))
	remaining := make([]string, 0, len(agents))
	for id := range agents {
		remaining = append(remaining, id)
	}
	sort.Strings(remaining)

	var phases [][]string
	for len(remaining) > 0 {
		var phase, residue []string
		for _, id := range remaining {
			ready := true
			for _, dep := range agents[id].Dependencies() {
				if !assigned[dep] {
					ready = false
					break
				}
			}
			if ready {
				phase = append(phase, id)
			} else {
				residue = append(residue, id)
			}
		}
		if len(phase) == 0 {
			return nil, fmt.Errorf("orchestrator: dependency cycle among agents: %s",
				strings.Join(residue, ", "))
		}
		for _, id := range phase {
			assigned[id] = true
		}
		phases = append(phases, phase)
		remaining = residue
	}
	return phases, nil
}

// Phases returns the resolved phase plan.
func (o *Orchestrator) Phases() [][]string {
	out := make([][]string, len(o.phases))
	for i, phase := range o.phases {
		out[i] = append([]string(nil), phase...)
	}
	return out
}

// RunAnalysis executes the full pipeline for one request. It always returns
// a result; partial failures surface per agent and in Errors.
func (o *Orchestrator) RunAnalysis(ctx context.Context, req Request) *types.OrchestrationResult {
	started := time.Now()
	rc := req.Run
	if rc == nil {
		rc = runctx.New(runctx.Options{UserID: req.UserID})
		defer rc.Close()
	}
	if err := rc.Start(); err != nil {
		o.log.Warn("run context not started", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(ctx, rc.Limits.TotalTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "orchestrator.run_analysis",
		trace.WithAttributes(
			attribute.String("run.id", rc.ID),
			attribute.String("run.url", req.URL),
		))
	defer span.End()

	result := &types.OrchestrationResult{
		RunID:           rc.ID,
		URL:             req.URL,
		CompetitorCount: len(req.Competitors),
		AgentResults:    make(map[string]types.AgentResult),
		Errors:          []string{},
	}
	log := o.log.WithRunID(rc.ID)

	o.seedRun(rc, req)

	for _, phase := range o.phases {
		if rc.Cancelled() {
			o.markCancelled(rc, result, phase)
			continue
		}
		if ctx.Err() != nil {
			o.markTimedOut(rc, result, phase)
			continue
		}
		if missing := o.missingDependencies(result, phase); len(missing) > 0 {
			for _, id := range phase {
				result.AgentResults[id] = types.AgentResult{
					AgentID:   id,
					AgentName: o.agents[id].Name(),
					Status:    types.AgentError,
					Error:     "Missing dependency results: " + strings.Join(missing, ", "),
				}
			}
			result.Errors = append(result.Errors,
				"Missing dependency results: "+strings.Join(missing, ", "))
			continue
		}

		log.Info("phase starting", zap.Strings("agents", phase))
		o.runPhase(ctx, rc, result, phase)
	}

	o.aggregate(rc, result, started)
	return result
}

// seedRun publishes the request parameters so every agent can read them.
func (o *Orchestrator) seedRun(rc *runctx.Context, req Request) {
	ctx := context.Background()
	params := map[string]any{
		"url":              req.URL,
		"competitors":      req.Competitors,
		"language":         req.Language,
		"industry_context": req.IndustryContext,
	}
	if req.RevenueInput > 0 {
		params["revenue_input"] = req.RevenueInput
	}
	if _, err := rc.Board.Publish(ctx, "run.request", params, "orchestrator", nil); err != nil {
		o.log.Warn("request not seeded", zap.Error(err))
	}
}

func (o *Orchestrator) missingDependencies(result *types.OrchestrationResult, phase []string) []string {
	var missing []string
	for _, id := range phase {
		for _, dep := range o.agents[id].Dependencies() {
			if _, ok := result.AgentResults[dep]; !ok {
				missing = append(missing, dep)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

func (o *Orchestrator) markCancelled(rc *runctx.Context, result *types.OrchestrationResult, phase []string) {
	for _, id := range phase {
		result.AgentResults[id] = types.AgentResult{
			AgentID:   id,
			AgentName: o.agents[id].Name(),
			Status:    types.AgentError,
			Error:     "Run cancelled",
		}
	}
	reason := rc.CancelReason()
	msg := "Run cancelled"
	if reason != "" {
		msg = "Run cancelled by " + reason
	}
	if len(result.Errors) == 0 || result.Errors[len(result.Errors)-1] != msg {
		result.Errors = append(result.Errors, msg)
	}
}

func (o *Orchestrator) markTimedOut(rc *runctx.Context, result *types.OrchestrationResult, phase []string) {
	for _, id := range phase {
		result.AgentResults[id] = types.AgentResult{
			AgentID:   id,
			AgentName: o.agents[id].Name(),
			Status:    types.AgentError,
			Error:     "Run timeout",
		}
	}
	msg := fmt.Sprintf("Run timeout after %gs", rc.Limits.TotalTimeout.Seconds())
	if len(result.Errors) == 0 || result.Errors[len(result.Errors)-1] != msg {
		result.Errors = append(result.Errors, msg)
	}
	rc.MarkTimeout(msg)
}

// runPhase executes one phase's agents concurrently and waits for all of
// them to settle.
func (o *Orchestrator) runPhase(ctx context.Context, rc *runctx.Context, result *types.OrchestrationResult, phase []string) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, id := range phase {
		if rc.Cancelled() {
			mu.Lock()
			o.markCancelled(rc, result, []string{id})
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			agentResult := o.runAgent(ctx, rc, o.agents[id])
			mu.Lock()
			result.AgentResults[id] = *agentResult
			if agentResult.Error != "" {
				result.Errors = append(result.Errors, agentResult.Error)
			}
			mu.Unlock()
		}(id)
	}
	wg.Wait()
}

// runAgent wraps one agent execution with its timeout. A timed-out agent is
// not killed; its goroutine runs to completion against a cancelled context
// while the run moves on.
func (o *Orchestrator) runAgent(ctx context.Context, rc *runctx.Context, a Agent) *types.AgentResult {
	timeout := rc.Limits.AgentTimeout
	agentCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	agentCtx, span := o.tracer.Start(agentCtx, "orchestrator.agent",
		trace.WithAttributes(attribute.String("agent.id", a.ID())))
	defer span.End()

	if err := a.BindRun(rc); err != nil {
		return &types.AgentResult{
			AgentID:   a.ID(),
			AgentName: a.Name(),
			Status:    types.AgentError,
			Error:     err.Error(),
		}
	}

	done := make(chan *types.AgentResult, 1)
	go func() { done <- a.Run(agentCtx) }()

	select {
	case result := <-done:
		return result
	case <-agentCtx.Done():
		if rc.Cancelled() {
			return &types.AgentResult{
				AgentID:   a.ID(),
				AgentName: a.Name(),
				Status:    types.AgentError,
				Error:     "Run cancelled",
			}
		}
		return &types.AgentResult{
			AgentID:   a.ID(),
			AgentName: a.Name(),
			Status:    types.AgentError,
			Error:     fmt.Sprintf("Agent timeout after %gs", timeout.Seconds()),
		}
	}
}

// aggregate compiles insights, scores, the action plan, and the swarm
// summary, then finalizes the run context.
func (o *Orchestrator) aggregate(rc *runctx.Context, result *types.OrchestrationResult, started time.Time) {
	result.DurationSeconds = time.Since(started).Seconds()

	for _, id := range o.sortedAgentIDs() {
		agentResult, ok := result.AgentResults[id]
		if !ok {
			continue
		}
		for _, insight := range agentResult.Insights {
			switch insight.Priority {
			case types.PriorityCritical:
				result.CriticalInsights = append(result.CriticalInsights, insight)
			case types.PriorityHigh:
				result.HighInsights = append(result.HighInsights, insight)
			}
		}
		if scores, ok := agentResult.Data["composite_scores"].(map[string]int); ok {
			result.CompositeScores = scores
		}
		if overall, ok := asInt(agentResult.Data["overall_score"]); ok {
			result.OverallScore = overall
		}
		if plan, ok := agentResult.Data["action_plan"].([]map[string]any); ok {
			result.ActionPlan = plan
		}
	}

	busStats := rc.Bus.Stats()
	boardStats, err := rc.Board.Stats(context.Background())
	if err != nil {
		o.log.Warn("board stats unavailable", zap.Error(err))
	}
	result.SwarmSummary = types.SwarmSummary{
		TotalMessages:     busStats.TotalSent,
		BlackboardEntries: boardStats.Entries,
		RunID:             rc.ID,
	}

	result.Success = len(result.Errors) == 0
	if result.Success {
		rc.Complete(true, "")
	} else {
		rc.Complete(false, strings.Join(result.Errors, "; "))
	}
}

func (o *Orchestrator) sortedAgentIDs() []string {
	ids := make([]string, 0, len(o.agents))
	for id := range o.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
