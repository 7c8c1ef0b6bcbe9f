// Package types defines the enumerations and record shapes shared across the
// swarm subsystems: message and insight classification, run and agent status,
// swarm telemetry events, and the per-run result shapes.
package types

import "time"

// MessageType classifies inter-agent messages on the bus.
type MessageType string

const (
	MessageAlert          MessageType = "ALERT"
	MessageWarning        MessageType = "WARNING"
	MessageData           MessageType = "DATA"
	MessageFinding        MessageType = "FINDING"
	MessageInsight        MessageType = "INSIGHT"
	MessageRequest        MessageType = "REQUEST"
	MessageQuery          MessageType = "QUERY"
	MessageHelp           MessageType = "HELP"
	MessageResponse       MessageType = "RESPONSE"
	MessageProposal       MessageType = "PROPOSAL"
	MessageVote           MessageType = "VOTE"
	MessageConsensus      MessageType = "CONSENSUS"
	MessagePerspective    MessageType = "PERSPECTIVE"
	MessageTaskDelegate   MessageType = "TASK_DELEGATE"
	MessageTaskComplete   MessageType = "TASK_COMPLETE"
	MessageTaskFailed     MessageType = "TASK_FAILED"
	MessagePriorityChange MessageType = "PRIORITY_CHANGE"
	MessageAgentReady     MessageType = "AGENT_READY"
	MessageAgentStarted   MessageType = "AGENT_STARTED"
	MessageAgentComplete  MessageType = "AGENT_COMPLETE"
	MessageAgentError     MessageType = "AGENT_ERROR"
	MessageStatus         MessageType = "STATUS"
	MessageAcknowledgment MessageType = "ACKNOWLEDGMENT"
	MessageHeartbeat      MessageType = "HEARTBEAT"
)

// Priority orders message delivery and insight severity.
// Lower values are delivered first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// String returns the canonical upper-case name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// DeliveryStatus tracks a message through the bus.
type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "PENDING"
	DeliveryDelivered    DeliveryStatus = "DELIVERED"
	DeliveryAcknowledged DeliveryStatus = "ACKNOWLEDGED"
	DeliveryFailed       DeliveryStatus = "FAILED"
	DeliveryExpired      DeliveryStatus = "EXPIRED"
)

// Category classifies blackboard entries for index lookups.
type Category string

const (
	CategoryCompetitor     Category = "COMPETITOR"
	CategoryAnalysis       Category = "ANALYSIS"
	CategoryThreat         Category = "THREAT"
	CategoryOpportunity    Category = "OPPORTUNITY"
	CategoryScore          Category = "SCORE"
	CategoryInsight        Category = "INSIGHT"
	CategoryRecommendation Category = "RECOMMENDATION"
	CategoryAction         Category = "ACTION"
	CategoryMeta           Category = "META"
)

// InsightKind classifies consumer-facing agent insights.
type InsightKind string

const (
	InsightThreat         InsightKind = "THREAT"
	InsightOpportunity    InsightKind = "OPPORTUNITY"
	InsightFinding        InsightKind = "FINDING"
	InsightRecommendation InsightKind = "RECOMMENDATION"
	InsightAction         InsightKind = "ACTION"
	InsightCollaboration  InsightKind = "COLLABORATION"
	InsightConsensus      InsightKind = "CONSENSUS"
)

// EventKind classifies internal swarm telemetry events.
type EventKind string

const (
	EventMessageSent        EventKind = "MESSAGE_SENT"
	EventMessageDelivered   EventKind = "MESSAGE_DELIVERED"
	EventMessageDeadLetter  EventKind = "MESSAGE_DEAD_LETTER"
	EventBlackboardPublish  EventKind = "BLACKBOARD_PUBLISH"
	EventBlackboardExpire   EventKind = "BLACKBOARD_EXPIRE"
	EventCollabPhase        EventKind = "COLLAB_PHASE"
	EventCollabConsensus    EventKind = "COLLAB_CONSENSUS"
	EventTaskCreated        EventKind = "TASK_CREATED"
	EventTaskAssigned       EventKind = "TASK_ASSIGNED"
	EventTaskCompleted      EventKind = "TASK_COMPLETED"
	EventTaskFailed         EventKind = "TASK_FAILED"
	EventPredictionLogged   EventKind = "PREDICTION_LOGGED"
	EventPredictionVerified EventKind = "PREDICTION_VERIFIED"
	EventConversation       EventKind = "CONVERSATION"
	EventAgentLifecycle     EventKind = "AGENT_LIFECYCLE"
)

// RunStatus tracks the lifecycle of a RunContext.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
	RunTimeout   RunStatus = "TIMEOUT"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	default:
		return false
	}
}

// AgentStatus tracks a single agent within a run.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "IDLE"
	AgentThinking AgentStatus = "THINKING"
	AgentRunning  AgentStatus = "RUNNING"
	AgentComplete AgentStatus = "COMPLETE"
	AgentError    AgentStatus = "ERROR"
)

// SwarmEvent describes a bus/blackboard/collab/task/learning occurrence.
// Events feed the per-run trace and the frontend SWARM_EVENT frames.
type SwarmEvent struct {
	Kind        EventKind      `json:"kind"`
	SourceAgent string         `json:"source_agent"`
	TargetAgent string         `json:"target_agent,omitempty"`
	Subject     string         `json:"subject"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// AgentInsight is a timestamped finding emitted by an agent to the
// consumer-facing event stream.
type AgentInsight struct {
	AgentID           string         `json:"agent_id"`
	AgentName         string         `json:"agent_name"`
	Avatar            string         `json:"avatar,omitempty"`
	Message           string         `json:"message"`
	Priority          Priority       `json:"priority"`
	Kind              InsightKind    `json:"kind"`
	Data              map[string]any `json:"data,omitempty"`
	FromCollaboration bool           `json:"from_collaboration,omitempty"`
	ContributingIDs   []string       `json:"contributing_ids,omitempty"`
	Confidence        float64        `json:"confidence,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// SwarmStats summarizes an agent's swarm activity within one run.
type SwarmStats struct {
	MessagesSent     int `json:"messages_sent"`
	MessagesReceived int `json:"messages_received"`
	BlackboardReads  int `json:"blackboard_reads"`
	BlackboardWrites int `json:"blackboard_writes"`
	Collaborations   int `json:"collaborations"`
	TasksDelegated   int `json:"tasks_delegated"`
	TasksReceived    int `json:"tasks_received"`
}

// AgentResult is the outcome of a single agent execution within a run.
type AgentResult struct {
	AgentID    string         `json:"agent_id"`
	AgentName  string         `json:"agent_name"`
	Status     AgentStatus    `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	Insights   []AgentInsight `json:"insights"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Stats      SwarmStats     `json:"stats"`
}

// SwarmSummary aggregates bus and blackboard activity for a completed run.
type SwarmSummary struct {
	TotalMessages     int    `json:"total_messages"`
	BlackboardEntries int    `json:"blackboard_entries"`
	RunID             string `json:"run_id,omitempty"`
}

// OrchestrationResult is the composite report returned by the orchestrator.
type OrchestrationResult struct {
	Success          bool                   `json:"success"`
	RunID            string                 `json:"run_id,omitempty"`
	DurationSeconds  float64                `json:"duration_seconds"`
	URL              string                 `json:"url"`
	CompetitorCount  int                    `json:"competitor_count"`
	OverallScore     int                    `json:"overall_score"`
	CompositeScores  map[string]int         `json:"composite_scores,omitempty"`
	AgentResults     map[string]AgentResult `json:"agent_results"`
	CriticalInsights []AgentInsight         `json:"critical_insights"`
	HighInsights     []AgentInsight         `json:"high_insights"`
	ActionPlan       []map[string]any       `json:"action_plan,omitempty"`
	Errors           []string               `json:"errors"`
	SwarmSummary     SwarmSummary           `json:"swarm_summary"`
}
