// Package api exposes the HTTP surface for starting and tracking runs.
package api

import (
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// RunRequest is the body of POST /api/v1/runs.
type RunRequest struct {
	URL             string   `json:"url"`
	Competitors     []string `json:"competitors"`
	Language        string   `json:"language"`
	IndustryContext string   `json:"industry_context"`
	UserID          string   `json:"user_id"`
	RevenueInput    float64  `json:"revenue_input"`
}

// RunCreatedResponse acknowledges an accepted run.
type RunCreatedResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunStatusResponse describes a run's current state, with the full
// result attached once the swarm has finished.
type RunStatusResponse struct {
	RunID           string                     `json:"run_id"`
	Status          string                     `json:"status"`
	Error           string                     `json:"error,omitempty"`
	DurationSeconds float64                    `json:"duration_seconds"`
	Result          *types.OrchestrationResult `json:"result,omitempty"`
}
