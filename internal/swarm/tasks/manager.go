package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

var (
	// ErrTaskTimeout is returned by WaitForTask when the deadline passes first.
	ErrTaskTimeout = errors.New("tasks: wait timed out")
	// ErrTaskFailed is returned by WaitForTask when the task exhausts retries.
	ErrTaskFailed = errors.New("tasks: task failed")
	// ErrUnknownTask is returned for operations on ids the manager never saw.
	ErrUnknownTask = errors.New("tasks: unknown task")
)

// successRateAlpha weights the newest outcome in the EWMA success rate.
const successRateAlpha = 0.2

// EventHook observes task telemetry events. Invoked outside the manager lock.
type EventHook func(event types.SwarmEvent)

// Stats is a snapshot of manager activity.
type Stats struct {
	TotalCreated   int `json:"total_created"`
	TotalAssigned  int `json:"total_assigned"`
	TotalCompleted int `json:"total_completed"`
	TotalFailed    int `json:"total_failed"`
	TotalRetried   int `json:"total_retried"`
	TotalExpired   int `json:"total_expired"`
	Pending        int `json:"pending"`
	Active         int `json:"active"`
	Agents         int `json:"agents"`
}

type waitOutcome struct {
	result any
	err    error
}

// Manager tracks tasks, agent capabilities, and completion waiters for one
// run. All methods are safe for concurrent use.
type Manager struct {
	mu           sync.Mutex
	log          *logger.Logger
	tasks        map[string]*Task
	capabilities map[string]*Capability
	queues       map[string][]string // agent id -> pending task ids, FIFO
	waiters      map[string][]chan waitOutcome
	stats        Stats
	hook         EventHook
}

// Options configures a Manager.
type Options struct {
	Logger *logger.Logger
}

// NewManager creates an empty delegation manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Manager{
		log:          opts.Logger.WithFields(zap.String("component", "tasks")),
		tasks:        make(map[string]*Task),
		capabilities: make(map[string]*Capability),
		queues:       make(map[string][]string),
		waiters:      make(map[string][]chan waitOutcome),
	}
}

// SetEventHook installs a telemetry observer.
func (m *Manager) SetEventHook(hook EventHook) {
	m.mu.Lock()
	m.hook = hook
	m.mu.Unlock()
}

func (m *Manager) emit(event types.SwarmEvent) {
	if m.hook != nil {
		event.Timestamp = time.Now().UTC()
		go m.hook(event)
	}
}

// RegisterAgent declares an agent's capability. An empty taskTypes list means
// the agent accepts any type. Re-registration replaces types and max load but
// keeps the current load and learned success rate.
func (m *Manager) RegisterAgent(agentID string, taskTypes []string, maxLoad int) {
	if maxLoad <= 0 {
		maxLoad = 1
	}
	var typeSet map[string]struct{}
	if len(taskTypes) > 0 {
		typeSet = make(map[string]struct{}, len(taskTypes))
		for _, t := range taskTypes {
			typeSet[t] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.capabilities[agentID]; ok {
		existing.TaskTypes = typeSet
		existing.MaxLoad = maxLoad
		return
	}
	m.capabilities[agentID] = &Capability{
		AgentID:     agentID,
		TaskTypes:   typeSet,
		MaxLoad:     maxLoad,
		SuccessRate: 1.0,
	}
	m.stats.Agents = len(m.capabilities)
}

// CreateTask creates and tracks a PENDING task.
func (m *Manager) CreateTask(createdBy, taskType, description string, params map[string]any, priority types.Priority, timeout time.Duration) *Task {
	task := NewTask(createdBy, taskType, description, params, priority, timeout)
	m.mu.Lock()
	m.tasks[task.ID] = task
	m.stats.TotalCreated++
	m.mu.Unlock()

	m.emit(types.SwarmEvent{
		Kind:        types.EventTaskCreated,
		SourceAgent: createdBy,
		Subject:     task.Type,
		Data:        map[string]any{"task_id": task.ID},
	})
	return task
}

// DelegateTask binds a task to an agent. It returns false when the agent is
// not registered, cannot accept the type, or is at max load.
func (m *Manager) DelegateTask(task *Task, toAgent string) bool {
	m.mu.Lock()
	c, ok := m.capabilities[toAgent]
	if !ok || !c.accepts(task.Type) {
		m.mu.Unlock()
		return false
	}
	c.Load++
	task.Assignee = toAgent
	task.Status = StatusAssigned
	task.AssignedAt = time.Now().UTC()
	m.queues[toAgent] = append(m.queues[toAgent], task.ID)
	m.stats.TotalAssigned++
	m.mu.Unlock()

	m.emit(types.SwarmEvent{
		Kind:        types.EventTaskAssigned,
		SourceAgent: task.CreatedBy,
		TargetAgent: toAgent,
		Subject:     task.Type,
		Data:        map[string]any{"task_id": task.ID},
	})
	return true
}

// AutoAssignTask picks the best eligible agent and delegates the task to it.
// Candidates defaults to every registered agent. Scoring favors an explicit
// type match, low relative load, and historical success rate; ties break on
// agent id so a run assigns deterministically.
func (m *Manager) AutoAssignTask(task *Task, candidates ...string) (string, bool) {
	m.mu.Lock()
	if len(candidates) == 0 {
		for id := range m.capabilities {
			candidates = append(candidates, id)
		}
	}
	sort.Strings(candidates)

	best := ""
	bestScore := -1.0
	for _, id := range candidates {
		c, ok := m.capabilities[id]
		if !ok || !c.accepts(task.Type) {
			continue
		}
		score := 25*(1-float64(c.Load)/float64(c.MaxLoad)) + 25*c.SuccessRate
		if c.typeMatch(task.Type) {
			score += 30
		}
		if score > bestScore {
			best, bestScore = id, score
		}
	}
	m.mu.Unlock()

	if best == "" {
		m.log.Debug("no eligible assignee", zap.String("task_type", task.Type))
		return "", false
	}
	if !m.DelegateTask(task, best) {
		return "", false
	}
	return best, true
}

// StartTask moves an assigned task to IN_PROGRESS. Only the assignee may
// start it.
func (m *Manager) StartTask(taskID, agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || task.Assignee != agentID || task.Status != StatusAssigned {
		return false
	}
	task.Status = StatusInProgress
	task.StartedAt = time.Now().UTC()
	return true
}

// CompleteTask records a successful result. Only the current assignee may
// complete a task; waiters are resolved with the result.
func (m *Manager) CompleteTask(taskID string, result any, agentID string) bool {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Assignee != agentID || task.Terminal() {
		m.mu.Unlock()
		return false
	}
	task.Status = StatusCompleted
	task.Result = result
	task.CompletedAt = time.Now().UTC()
	m.releaseLocked(task, true)
	m.stats.TotalCompleted++
	waiters := m.takeWaitersLocked(taskID)
	m.mu.Unlock()

	for _, w := range waiters {
		w <- waitOutcome{result: result}
	}
	m.emit(types.SwarmEvent{
		Kind:        types.EventTaskCompleted,
		SourceAgent: agentID,
		Subject:     task.Type,
		Data:        map[string]any{"task_id": task.ID},
	})
	return true
}

// FailTask records a failure. With retry budget left the task reverts to
// PENDING with the assignee cleared so the caller may re-delegate; otherwise
// it goes FAILED and waiters are rejected.
func (m *Manager) FailTask(taskID, errMsg, agentID string) bool {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Assignee != agentID || task.Terminal() {
		m.mu.Unlock()
		return false
	}
	m.releaseLocked(task, false)
	task.Error = errMsg
	// Budget check precedes the increment: a task failing its Nth attempt
	// retries as long as fewer than MaxRetries attempts were consumed.
	retry := task.CanRetry()
	task.Retries++

	var waiters []chan waitOutcome
	if retry {
		task.Status = StatusPending
		task.Assignee = ""
		task.AssignedAt = time.Time{}
		task.StartedAt = time.Time{}
		m.stats.TotalRetried++
	} else {
		task.Status = StatusFailed
		task.CompletedAt = time.Now().UTC()
		m.stats.TotalFailed++
		waiters = m.takeWaitersLocked(taskID)
	}
	m.mu.Unlock()

	for _, w := range waiters {
		w <- waitOutcome{err: fmt.Errorf("%w: %s", ErrTaskFailed, errMsg)}
	}
	m.emit(types.SwarmEvent{
		Kind:        types.EventTaskFailed,
		SourceAgent: agentID,
		Subject:     task.Type,
		Data:        map[string]any{"task_id": task.ID, "error": errMsg, "retrying": task.Status == StatusPending},
	})
	return true
}

// releaseLocked decrements the assignee's load and folds the outcome into the
// EWMA success rate.
func (m *Manager) releaseLocked(task *Task, success bool) {
	c, ok := m.capabilities[task.Assignee]
	if !ok {
		return
	}
	if c.Load > 0 {
		c.Load--
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	c.SuccessRate = (1-successRateAlpha)*c.SuccessRate + successRateAlpha*outcome
	m.dequeueLocked(task.Assignee, task.ID)
}

func (m *Manager) dequeueLocked(agentID, taskID string) {
	queue := m.queues[agentID]
	for i, id := range queue {
		if id == taskID {
			m.queues[agentID] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

func (m *Manager) takeWaitersLocked(taskID string) []chan waitOutcome {
	waiters := m.waiters[taskID]
	delete(m.waiters, taskID)
	return waiters
}

// WaitForTask blocks until the task completes, finally fails, or the timeout
// passes. A timeout marks the task TIMEOUT and releases its assignee.
func (m *Manager) WaitForTask(ctx context.Context, task *Task, timeout time.Duration) (any, error) {
	m.mu.Lock()
	tracked, ok := m.tasks[task.ID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownTask
	}
	if tracked.Status == StatusCompleted {
		result := tracked.Result
		m.mu.Unlock()
		return result, nil
	}
	if tracked.Terminal() {
		errMsg := tracked.Error
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskFailed, errMsg)
	}
	ch := make(chan waitOutcome, 1)
	m.waiters[task.ID] = append(m.waiters[task.ID], ch)
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = tracked.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return outcome.result, outcome.err
	case <-ctx.Done():
		m.removeWaiter(task.ID, ch)
		return nil, ctx.Err()
	case <-timer.C:
		m.expireOnWait(task.ID, ch)
		return nil, ErrTaskTimeout
	}
}

func (m *Manager) removeWaiter(taskID string, ch chan waitOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiters := m.waiters[taskID]
	for i, w := range waiters {
		if w == ch {
			m.waiters[taskID] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) expireOnWait(taskID string, ch chan waitOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeWaiterLocked(taskID, ch)
	task, ok := m.tasks[taskID]
	if !ok || task.Terminal() {
		return
	}
	if task.Assignee != "" {
		m.releaseLocked(task, false)
	}
	task.Status = StatusTimeout
	task.Error = "task wait timed out"
	task.CompletedAt = time.Now().UTC()
	m.stats.TotalExpired++
}

func (m *Manager) removeWaiterLocked(taskID string, ch chan waitOutcome) {
	waiters := m.waiters[taskID]
	for i, w := range waiters {
		if w == ch {
			m.waiters[taskID] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

// SweepExpired fails every task past its deadline. Retry-eligible tasks
// revert to PENDING, the rest go TIMEOUT. It returns the swept task ids.
func (m *Manager) SweepExpired(now time.Time) []string {
	m.mu.Lock()
	var swept []string
	var rejected [][]chan waitOutcome
	for id, task := range m.tasks {
		if !task.Expired(now) {
			continue
		}
		m.releaseLocked(task, false)
		retry := task.CanRetry()
		task.Retries++
		if retry {
			task.Status = StatusPending
			task.Assignee = ""
			task.AssignedAt = time.Time{}
			task.StartedAt = time.Time{}
			m.stats.TotalRetried++
		} else {
			task.Status = StatusTimeout
			task.Error = "task expired"
			task.CompletedAt = now
			m.stats.TotalExpired++
			rejected = append(rejected, m.takeWaitersLocked(id))
		}
		swept = append(swept, id)
	}
	m.mu.Unlock()

	for _, waiters := range rejected {
		for _, w := range waiters {
			w <- waitOutcome{err: ErrTaskTimeout}
		}
	}
	return swept
}

// GetTask returns the tracked task for id.
func (m *Manager) GetTask(taskID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	return task, ok
}

// TasksForAgent returns the ids queued for an agent, oldest first.
func (m *Manager) TasksForAgent(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.queues[agentID]
	out := make([]string, len(queue))
	copy(out, queue)
	return out
}

// GetCapability returns a copy of an agent's capability.
func (m *Manager) GetCapability(agentID string) (Capability, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.capabilities[agentID]
	if !ok {
		return Capability{}, false
	}
	return *c, true
}

// Stats returns a snapshot of manager activity.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.stats
	snap.Agents = len(m.capabilities)
	for _, task := range m.tasks {
		switch task.Status {
		case StatusPending:
			snap.Pending++
		case StatusAssigned, StatusInProgress:
			snap.Active++
		}
	}
	return snap
}

// Reset drops all tasks, capabilities, queues, and stats. Pending waiters are
// rejected with ErrTaskFailed.
func (m *Manager) Reset() {
	m.mu.Lock()
	var orphaned []chan waitOutcome
	for _, waiters := range m.waiters {
		orphaned = append(orphaned, waiters...)
	}
	m.tasks = make(map[string]*Task)
	m.capabilities = make(map[string]*Capability)
	m.queues = make(map[string][]string)
	m.waiters = make(map[string][]chan waitOutcome)
	m.stats = Stats{}
	m.mu.Unlock()

	for _, w := range orphaned {
		w <- waitOutcome{err: fmt.Errorf("%w: manager reset", ErrTaskFailed)}
	}
}
