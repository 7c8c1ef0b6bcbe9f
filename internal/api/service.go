package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/appctx"
	"github.com/siteswarm/siteswarm/internal/common/errors"
	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/common/stringutil"
	"github.com/siteswarm/siteswarm/internal/gateway/websocket"
	"github.com/siteswarm/siteswarm/internal/swarm/orchestrator"
	"github.com/siteswarm/siteswarm/internal/swarm/runctx"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Service starts runs, tracks them through the registry and holds the
// finished results for status queries.
type Service struct {
	registry    *runctx.Registry
	orch        *orchestrator.Orchestrator
	broadcaster *websocket.Broadcaster

	mu      sync.RWMutex
	results map[string]*types.OrchestrationResult

	stop   chan struct{}
	logger *logger.Logger
}

// ServiceOptions configures the run service.
type ServiceOptions struct {
	Registry     *runctx.Registry
	Orchestrator *orchestrator.Orchestrator
	Broadcaster  *websocket.Broadcaster
	Logger       *logger.Logger
}

// NewService creates a run service.
func NewService(opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Service{
		registry:    opts.Registry,
		orch:        opts.Orchestrator,
		broadcaster: opts.Broadcaster,
		results:     make(map[string]*types.OrchestrationResult),
		stop:        make(chan struct{}),
		logger:      opts.Logger.WithFields(zap.String("component", "run-service")),
	}
}

// Close stops all in-flight runs started by this service.
func (s *Service) Close() {
	close(s.stop)
}

// StartRun validates nothing; callers validate first. It registers a run
// context, binds the event stream and launches the swarm asynchronously.
func (s *Service) StartRun(req *RunRequest) string {
	rc := s.registry.Create(req.UserID, nil)
	if s.broadcaster != nil {
		s.broadcaster.BindRunContext(rc)
	}

	go func() {
		// The run outlives the HTTP request that started it, but not a
		// service shutdown and never its own total timeout.
		runCtx, cancel := appctx.Detached(context.Background(), s.stop,
			rc.Limits.TotalTimeout+30*time.Second)
		defer cancel()

		result := s.orch.RunAnalysis(runCtx, orchestrator.Request{
			URL:             req.URL,
			Competitors:     req.Competitors,
			Language:        req.Language,
			IndustryContext: req.IndustryContext,
			UserID:          req.UserID,
			RevenueInput:    req.RevenueInput,
			Run:             rc,
		})

		s.mu.Lock()
		s.results[rc.ID] = result
		s.mu.Unlock()

		if s.broadcaster != nil {
			if result.Success {
				s.broadcaster.AnalysisComplete(rc.ID, result)
			} else {
				s.broadcaster.RunError(rc.ID,
					stringutil.TruncateStringWithEllipsis(strings.Join(result.Errors, "; "), 500))
			}
		}
	}()

	return rc.ID
}

// GetRun reports a run's status and, when finished, its result.
func (s *Service) GetRun(runID string) (*RunStatusResponse, *errors.AppError) {
	rc, ok := s.registry.Get(runID)
	if !ok {
		return nil, errors.NotFound("run", runID)
	}

	s.mu.RLock()
	result := s.results[runID]
	s.mu.RUnlock()

	return &RunStatusResponse{
		RunID:           rc.ID,
		Status:          string(rc.Status()),
		Error:           rc.Error(),
		DurationSeconds: rc.Duration().Seconds(),
		Result:          result,
	}, nil
}

// CancelRun requests cooperative cancellation of a running swarm.
func (s *Service) CancelRun(runID, reason string) *errors.AppError {
	rc, ok := s.registry.Get(runID)
	if !ok {
		return errors.NotFound("run", runID)
	}
	if rc.Status().Terminal() {
		return errors.Conflict("run " + runID + " has already finished")
	}
	if reason == "" {
		reason = "user request"
	}
	rc.Cancel(reason)
	s.logger.Info("run cancelled", zap.String("run_id", runID), zap.String("reason", reason))
	return nil
}

// ListRuns returns the ids of all registered runs.
func (s *Service) ListRuns() []string {
	return s.registry.List()
}
