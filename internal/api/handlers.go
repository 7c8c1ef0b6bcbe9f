package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/errors"
	"github.com/siteswarm/siteswarm/internal/common/logger"
)

// Handler contains HTTP handlers for the run API
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "run-api")),
	}
}

// CreateRun validates the request and starts an analysis run
// POST /api/v1/runs
func (h *Handler) CreateRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if appErr := ValidateRunRequest(&req); appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	runID := h.service.StartRun(&req)
	h.logger.Info("run accepted",
		zap.String("run_id", runID),
		zap.String("url", req.URL),
		zap.Int("competitors", len(req.Competitors)))

	c.JSON(http.StatusAccepted, RunCreatedResponse{
		RunID:  runID,
		Status: "RUNNING",
	})
}

// GetRun returns the status and, when finished, the result of a run
// GET /api/v1/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("runId")
	if runID == "" {
		appErr := errors.BadRequest("runId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	status, appErr := h.service.GetRun(runID)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ListRuns returns the ids of all registered runs
// GET /api/v1/runs
func (h *Handler) ListRuns(c *gin.Context) {
	ids := h.service.ListRuns()
	c.JSON(http.StatusOK, gin.H{
		"runs":  ids,
		"total": len(ids),
	})
}

// CancelRun requests cancellation of a running swarm
// POST /api/v1/runs/:runId/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	runID := c.Param("runId")
	if runID == "" {
		appErr := errors.BadRequest("runId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		// Allow empty body, use defaults
		req.Reason = ""
	}

	if appErr := h.service.CancelRun(runID, req.Reason); appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "run cancelled",
		"run_id":  runID,
	})
}
