// Package websocket streams swarm activity to frontend clients.
package websocket

import (
	"time"
)

// Frame types understood by the frontend.
const (
	FrameAgentStatus         = "AGENT_STATUS"
	FrameAgentInsight        = "AGENT_INSIGHT"
	FrameAgentProgress       = "AGENT_PROGRESS"
	FrameAnalysisComplete    = "ANALYSIS_COMPLETE"
	FrameError               = "ERROR"
	FrameSwarmEvent          = "SWARM_EVENT"
	FrameCollaborationUpdate = "COLLABORATION_UPDATE"
	FrameAgentMessage        = "AGENT_MESSAGE"
)

// Frame is the wire envelope for every outbound event.
type Frame struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// NewFrame stamps a frame with the current UTC time in ISO-8601.
func NewFrame(frameType string, data map[string]any) *Frame {
	if data == nil {
		data = map[string]any{}
	}
	return &Frame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
