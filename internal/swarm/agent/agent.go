// Package agent provides the base contract every swarm agent builds on:
// identity and dependency metadata, per-run wiring into the swarm subsystems,
// the run lifecycle with broadcast notifications, and the helper surface
// agents use to message, publish, collaborate, delegate, and predict.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/blackboard"
	"github.com/siteswarm/siteswarm/internal/swarm/bus"
	"github.com/siteswarm/siteswarm/internal/swarm/collab"
	"github.com/siteswarm/siteswarm/internal/swarm/runctx"
	"github.com/siteswarm/siteswarm/internal/swarm/tasks"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

var (
	// ErrAgentReused flags an agent bound to a second run while still wired
	// into the first.
	ErrAgentReused = errors.New("agent: already bound to another run")
	// ErrNoRunContext flags an agent run without a RunContext outside dev
	// fallback mode.
	ErrNoRunContext = errors.New("agent: no run context bound")
)

// Spec is the static identity and metadata of an agent.
type Spec struct {
	ID           string
	Name         string
	Role         string
	Avatar       string
	Personality  string
	Dependencies []string
	// Subscriptions is the bus message-type set delivered to the agent.
	Subscriptions []types.MessageType
	// Capabilities is the task-type set registered with the task manager.
	Capabilities []string
	MaxLoad      int
}

// Executor holds the agent's business logic. Execute returns the result data
// merged into the AgentResult.
type Executor interface {
	Execute(ctx context.Context, a *Base) (map[string]any, error)
}

// PreExecutor runs before Execute, while the agent status is THINKING.
type PreExecutor interface {
	PreExecute(ctx context.Context, a *Base) error
}

// PostExecutor runs after a successful Execute.
type PostExecutor interface {
	PostExecute(ctx context.Context, a *Base) error
}

// MessageHandler receives bus messages delivered to the agent.
type MessageHandler interface {
	HandleMessage(ctx context.Context, a *Base, msg *bus.Message) error
}

// Options configures base construction.
type Options struct {
	// AllowGlobalFallback lets the agent run without a RunContext using
	// process-shared dev subsystems. Never enabled in production.
	AllowGlobalFallback bool
	Logger              *logger.Logger
}

// Base carries the per-run state of one agent. An instance must not be used
// by two runs concurrently.
type Base struct {
	Spec Spec

	mu          sync.Mutex
	log         *logger.Logger
	allowGlobal bool
	run         *runctx.Context
	language    string
	status      types.AgentStatus
	insights    []types.AgentInsight
	stats       types.SwarmStats
	resultData  map[string]any
	wired       bool

	executor Executor
}

// New creates an agent from its spec and executor.
func New(spec Spec, executor Executor, opts Options) *Base {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if spec.MaxLoad <= 0 {
		spec.MaxLoad = 3
	}
	return &Base{
		Spec:        spec,
		log:         opts.Logger.WithAgentID(spec.ID),
		allowGlobal: opts.AllowGlobalFallback,
		status:      types.AgentIdle,
		executor:    executor,
	}
}

// ID returns the agent's id.
func (a *Base) ID() string { return a.Spec.ID }

// Name returns the agent's display name.
func (a *Base) Name() string { return a.Spec.Name }

// Dependencies returns the agent ids that must complete first.
func (a *Base) Dependencies() []string { return a.Spec.Dependencies }

// Dev fallback subsystems, shared process-wide. Only reachable when
// AllowGlobalFallback is set.
var (
	globalOnce  sync.Once
	globalBus   *bus.Bus
	globalBoard blackboard.Board
	globalTasks *tasks.Manager
)

func devGlobals() (*bus.Bus, blackboard.Board, *tasks.Manager) {
	globalOnce.Do(func() {
		globalBus = bus.New(bus.Options{})
		globalBoard = blackboard.NewMemory(blackboard.MemoryOptions{})
		globalTasks = tasks.NewManager(tasks.Options{})
	})
	return globalBus, globalBoard, globalTasks
}

// BindRun attaches the agent to a run. Rebinding while wired into a
// different run is an error; rebinding to the same run is a no-op.
func (a *Base) BindRun(rc *runctx.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wired && a.run != nil && rc != nil && a.run.ID != rc.ID {
		return fmt.Errorf("%w: bound to run %s", ErrAgentReused, a.run.ID)
	}
	a.run = rc
	return nil
}

// Run executes the agent lifecycle and never returns an error: failures are
// folded into the AgentResult and broadcast as AGENT_ERROR.
func (a *Base) Run(ctx context.Context) *types.AgentResult {
	started := time.Now()
	result := &types.AgentResult{
		AgentID:   a.Spec.ID,
		AgentName: a.Spec.Name,
		Insights:  []types.AgentInsight{},
	}

	a.mu.Lock()
	a.insights = nil
	a.stats = types.SwarmStats{}
	a.resultData = nil
	run := a.run
	a.mu.Unlock()

	msgBus, board, _, err := a.wire(run)
	if err != nil {
		result.Status = types.AgentError
		result.Error = err.Error()
		result.DurationMS = time.Since(started).Milliseconds()
		return result
	}
	defer a.unwire(msgBus, board)

	if run != nil {
		run.EmitAgentStart(a.Spec.ID, a.Spec.Name)
	}
	a.Broadcast(types.MessageAgentStarted, "agent started", map[string]any{
		"agent": a.Spec.Name,
		"role":  a.Spec.Role,
	}, types.PriorityMedium)

	err = a.execute(ctx)

	a.mu.Lock()
	result.Insights = append(result.Insights, a.insights...)
	result.Stats = a.stats
	a.mu.Unlock()
	result.DurationMS = time.Since(started).Milliseconds()

	if err != nil {
		a.setStatus(types.AgentError)
		result.Status = types.AgentError
		result.Error = err.Error()
		a.EmitInsight("agent failed: "+err.Error(), types.PriorityCritical, types.InsightFinding, nil)
		a.mu.Lock()
		result.Insights = append([]types.AgentInsight{}, a.insights...)
		a.mu.Unlock()
		a.Broadcast(types.MessageAgentError, "agent error", map[string]any{
			"agent": a.Spec.Name,
			"error": err.Error(),
		}, types.PriorityHigh)
	} else {
		a.setStatus(types.AgentComplete)
		result.Status = types.AgentComplete
		a.Broadcast(types.MessageAgentComplete, "agent complete", map[string]any{
			"agent":    a.Spec.Name,
			"stats":    result.Stats,
			"insights": len(result.Insights),
		}, types.PriorityMedium)
	}
	if run != nil {
		run.EmitAgentComplete(a.Spec.ID, result)
	}

	a.mu.Lock()
	result.Data = a.resultData
	a.mu.Unlock()
	return result
}

// execute runs the pre/execute/post chain with panic containment.
func (a *Base) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panic: %v", r)
			a.log.Error("agent panicked", zap.Any("panic", r))
		}
	}()

	a.setStatus(types.AgentThinking)
	if pre, ok := a.executor.(PreExecutor); ok {
		if err := pre.PreExecute(ctx, a); err != nil {
			return err
		}
	}

	a.setStatus(types.AgentRunning)
	data, err := a.executor.Execute(ctx, a)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.resultData = data
	a.mu.Unlock()

	if post, ok := a.executor.(PostExecutor); ok {
		if err := post.PostExecute(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// wire connects the agent to the run's subsystems, or to the dev globals
// when permitted.
func (a *Base) wire(run *runctx.Context) (*bus.Bus, blackboard.Board, *tasks.Manager, error) {
	var msgBus *bus.Bus
	var board blackboard.Board
	var taskMgr *tasks.Manager
	if run != nil {
		msgBus, board, taskMgr = run.Bus, run.Board, run.Tasks
	} else if a.allowGlobal {
		msgBus, board, taskMgr = devGlobals()
		a.log.Warn("running on dev global subsystems")
	} else {
		return nil, nil, nil, ErrNoRunContext
	}

	msgBus.Register(a.Spec.ID, func(ctx context.Context, msg *bus.Message) error {
		a.mu.Lock()
		a.stats.MessagesReceived++
		a.mu.Unlock()
		if handler, ok := a.executor.(MessageHandler); ok {
			return handler.HandleMessage(ctx, a, msg)
		}
		return nil
	}, a.Spec.Subscriptions...)

	taskMgr.RegisterAgent(a.Spec.ID, a.Spec.Capabilities, a.Spec.MaxLoad)

	for _, pattern := range []string{"*.critical", "*.alert"} {
		if err := board.Subscribe(pattern, a.Spec.ID, func(entry *blackboard.Entry) {
			a.log.Debug("urgent blackboard entry",
				zap.String("key", entry.Key),
				zap.String("from", entry.AgentID))
		}); err != nil {
			return nil, nil, nil, err
		}
	}

	a.mu.Lock()
	a.wired = true
	a.mu.Unlock()
	return msgBus, board, taskMgr, nil
}

// unwire drops the agent's blackboard subscriptions once its phase ends. The
// bus registration and the run binding stay live: later phases may still pull
// the agent into a collaboration session, and its handler needs the run's
// board to answer. The next BindRun replaces the binding.
func (a *Base) unwire(msgBus *bus.Bus, board blackboard.Board) {
	board.UnsubscribeAll(a.Spec.ID)
	a.mu.Lock()
	a.wired = false
	a.mu.Unlock()
}

func (a *Base) setStatus(status types.AgentStatus) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

// Status returns the agent's current lifecycle status.
func (a *Base) Status() types.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SetLanguage sets the output language for the run.
func (a *Base) SetLanguage(language string) {
	a.mu.Lock()
	a.language = language
	a.mu.Unlock()
}

// Language returns the run's output language, defaulting to "fi".
func (a *Base) Language() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.language == "" {
		return "fi"
	}
	return a.language
}

// RunContext returns the bound run, which may be nil in dev fallback mode.
func (a *Base) RunContext() *runctx.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run
}

func (a *Base) subsystems() (*bus.Bus, blackboard.Board, *tasks.Manager, *collab.Manager, error) {
	a.mu.Lock()
	run := a.run
	a.mu.Unlock()
	if run != nil {
		return run.Bus, run.Board, run.Tasks, run.Collab, nil
	}
	if a.allowGlobal {
		msgBus, board, taskMgr := devGlobals()
		return msgBus, board, taskMgr, nil, nil
	}
	return nil, nil, nil, nil, ErrNoRunContext
}

// EmitInsight records an insight, routes it to the run callbacks, and for
// CRITICAL and HIGH priorities also broadcasts it on the bus and mirrors it
// onto the blackboard so other agents see it without polling.
func (a *Base) EmitInsight(message string, priority types.Priority, kind types.InsightKind, data map[string]any) {
	insight := types.AgentInsight{
		AgentID:   a.Spec.ID,
		AgentName: a.Spec.Name,
		Avatar:    a.Spec.Avatar,
		Message:   message,
		Priority:  priority,
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	a.mu.Lock()
	a.insights = append(a.insights, insight)
	run := a.run
	a.mu.Unlock()

	if run != nil {
		run.EmitInsight(a.Spec.ID, &insight)
	}
	if priority != types.PriorityCritical && priority != types.PriorityHigh {
		return
	}

	a.Broadcast(types.MessageInsight, message, map[string]any{
		"kind":     string(kind),
		"priority": priority.String(),
		"data":     data,
	}, priority)

	prefix := "insight."
	if priority == types.PriorityCritical {
		prefix = "critical."
	}
	a.Publish(prefix+string(kind), map[string]any{
		"message": message,
		"agent":   a.Spec.ID,
		"data":    data,
	}, &blackboard.PublishOptions{Category: types.CategoryInsight})
}

// UpdateProgress pushes a clamped progress percentage through the run
// callbacks.
func (a *Base) UpdateProgress(percent float64, task string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	a.mu.Lock()
	run := a.run
	a.mu.Unlock()
	if run != nil {
		run.EmitProgress(a.Spec.ID, percent, task)
	}
}

// Insights returns the insights emitted so far in this run.
func (a *Base) Insights() []types.AgentInsight {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.AgentInsight, len(a.insights))
	copy(out, a.insights)
	return out
}

// Stats returns the agent's swarm activity counters for this run.
func (a *Base) Stats() types.SwarmStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Send delivers a directed message to another agent.
func (a *Base) Send(to string, msgType types.MessageType, subject string, payload map[string]any, priority types.Priority) error {
	msgBus, _, _, _, err := a.subsystems()
	if err != nil {
		return err
	}
	if err := msgBus.Send(bus.NewMessage(a.Spec.ID, to, msgType, subject, payload, priority)); err != nil {
		return err
	}
	a.mu.Lock()
	a.stats.MessagesSent++
	a.mu.Unlock()
	return nil
}

// Request sends a directed message and waits for its response.
func (a *Base) Request(ctx context.Context, to string, msgType types.MessageType, subject string, payload map[string]any, timeout time.Duration) (*bus.Message, error) {
	msgBus, _, _, _, err := a.subsystems()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.stats.MessagesSent++
	a.mu.Unlock()
	return msgBus.Request(ctx, a.Spec.ID, to, msgType, subject, payload, timeout)
}

// Broadcast sends a message to every subscribed agent.
func (a *Base) Broadcast(msgType types.MessageType, subject string, payload map[string]any, priority types.Priority) {
	msgBus, _, _, _, err := a.subsystems()
	if err != nil {
		return
	}
	if _, err := msgBus.Broadcast(a.Spec.ID, msgType, subject, payload, priority); err != nil {
		a.log.Debug("broadcast not delivered", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.stats.MessagesSent++
	a.mu.Unlock()
}

// Publish writes a value to the blackboard under the agent's identity.
func (a *Base) Publish(key string, value any, opts *blackboard.PublishOptions) {
	_, board, _, _, err := a.subsystems()
	if err != nil {
		return
	}
	if _, err := board.Publish(context.Background(), key, value, a.Spec.ID, opts); err != nil {
		a.log.Warn("blackboard publish failed", zap.String("key", key), zap.Error(err))
		return
	}
	a.mu.Lock()
	a.stats.BlackboardWrites++
	a.mu.Unlock()
}

// Get reads one blackboard value.
func (a *Base) Get(key string) (any, bool) {
	_, board, _, _, err := a.subsystems()
	if err != nil {
		return nil, false
	}
	value, ok, err := board.Get(context.Background(), key)
	if err != nil {
		return nil, false
	}
	a.mu.Lock()
	a.stats.BlackboardReads++
	a.mu.Unlock()
	return value, ok
}

// Query returns blackboard entries matching a glob pattern.
func (a *Base) Query(pattern string, opts blackboard.QueryOptions) []*blackboard.Entry {
	_, board, _, _, err := a.subsystems()
	if err != nil {
		return nil
	}
	entries, err := board.Query(context.Background(), pattern, opts)
	if err != nil {
		a.log.Warn("blackboard query failed", zap.String("pattern", pattern), zap.Error(err))
		return nil
	}
	a.mu.Lock()
	a.stats.BlackboardReads++
	a.mu.Unlock()
	return entries
}

// SubscribeBoard adds a blackboard subscription under the agent's identity.
func (a *Base) SubscribeBoard(pattern string, cb blackboard.Callback, categories ...types.Category) error {
	_, board, _, _, err := a.subsystems()
	if err != nil {
		return err
	}
	return board.Subscribe(pattern, a.Spec.ID, cb, categories...)
}

// StartCollaboration runs a collaboration session with the agent as
// facilitator and returns its result.
func (a *Base) StartCollaboration(ctx context.Context, problem string, participants []string, timeout time.Duration) (*collab.Result, error) {
	_, _, _, collabMgr, err := a.subsystems()
	if err != nil {
		return nil, err
	}
	if collabMgr == nil {
		return nil, ErrNoRunContext
	}
	a.mu.Lock()
	a.stats.Collaborations++
	a.mu.Unlock()
	return collabMgr.CreateSession(ctx, problem, participants, a.Spec.ID, timeout)
}

// DelegateTask creates a task and auto-assigns it, notifying the assignee
// over the bus.
func (a *Base) DelegateTask(taskType, description string, params map[string]any, priority types.Priority, timeout time.Duration) (*tasks.Task, string, error) {
	msgBus, _, taskMgr, _, err := a.subsystems()
	if err != nil {
		return nil, "", err
	}
	task := taskMgr.CreateTask(a.Spec.ID, taskType, description, params, priority, timeout)
	assignee, ok := taskMgr.AutoAssignTask(task)
	if !ok {
		return task, "", fmt.Errorf("agent: no assignee for task type %q", taskType)
	}
	a.mu.Lock()
	a.stats.TasksDelegated++
	a.mu.Unlock()

	if err := msgBus.Send(bus.NewMessage(a.Spec.ID, assignee, types.MessageTaskDelegate,
		"task:"+taskType, map[string]any{
			"task_id":     task.ID,
			"type":        taskType,
			"description": description,
			"params":      params,
		}, priority)); err != nil {
		a.log.Debug("task notification not delivered", zap.Error(err))
	}
	return task, assignee, nil
}

// LogPrediction records a calibrated prediction with the learning store.
func (a *Base) LogPrediction(predType string, predicted any, confidence float64, context map[string]any) string {
	a.mu.Lock()
	run := a.run
	a.mu.Unlock()
	if run == nil {
		return ""
	}
	if adjust, multiplier := run.Learning.ShouldAdjustConfidence(a.Spec.ID, predType); adjust {
		confidence *= multiplier
	}
	return run.Learning.LogPrediction(a.Spec.ID, predType, predicted, confidence, context)
}
