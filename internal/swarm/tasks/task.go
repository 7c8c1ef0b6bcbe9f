// Package tasks implements capability-aware task delegation between agents:
// per-task state machines, load-tracked agent capabilities, scored automatic
// assignment, retries, and completion futures.
package tasks

import (
	"time"

	"github.com/google/uuid"

	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimeout    Status = "TIMEOUT"
)

// DefaultMaxRetries bounds automatic retry eligibility.
const DefaultMaxRetries = 2

// Task is one unit of delegated work.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
	CreatedBy   string         `json:"created_by"`
	Assignee    string         `json:"assignee,omitempty"`
	Status      Status         `json:"status"`
	Priority    types.Priority `json:"priority"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	AssignedAt  time.Time      `json:"assigned_at,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	Timeout     time.Duration  `json:"timeout"`
	Retries     int            `json:"retries"`
	MaxRetries  int            `json:"max_retries"`
	Tags        []string       `json:"tags,omitempty"`
}

// NewTask creates a PENDING task with a fresh id.
func NewTask(createdBy, taskType, description string, params map[string]any, priority types.Priority, timeout time.Duration) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Description: description,
		Params:      params,
		CreatedBy:   createdBy,
		Status:      StatusPending,
		Priority:    priority,
		CreatedAt:   time.Now().UTC(),
		Timeout:     timeout,
		MaxRetries:  DefaultMaxRetries,
	}
}

// Expired reports whether the task outlived its timeout while assigned or in
// progress. The deadline anchors on the most specific lifecycle timestamp.
func (t *Task) Expired(now time.Time) bool {
	if t.Status != StatusAssigned && t.Status != StatusInProgress {
		return false
	}
	if t.Timeout <= 0 {
		return false
	}
	anchor := t.CreatedAt
	if !t.AssignedAt.IsZero() {
		anchor = t.AssignedAt
	}
	if !t.StartedAt.IsZero() {
		anchor = t.StartedAt
	}
	return now.Sub(anchor) > t.Timeout
}

// CanRetry reports whether the task has retry budget left.
func (t *Task) CanRetry() bool {
	return t.Retries < t.MaxRetries
}

// Terminal reports whether the task reached a final state.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Capability describes what one agent can take on and how loaded it is.
// An empty TaskTypes set accepts any task type.
type Capability struct {
	AgentID     string
	TaskTypes   map[string]struct{}
	Load        int
	MaxLoad     int
	SuccessRate float64
}

// accepts reports whether the capability can take a task of the given type.
func (c *Capability) accepts(taskType string) bool {
	if c.Load >= c.MaxLoad {
		return false
	}
	if len(c.TaskTypes) == 0 {
		return true
	}
	_, ok := c.TaskTypes[taskType]
	return ok
}

// typeMatch reports whether the type is explicitly listed, which earns the
// assignment score bonus a wildcard capability does not.
func (c *Capability) typeMatch(taskType string) bool {
	_, ok := c.TaskTypes[taskType]
	return ok
}
