// Package runctx isolates the state of one analysis run. A Context owns one
// instance of every swarm subsystem, the run's limits and semaphores, an
// optional event trace, and the cooperative cancellation signal. A process
// registry tracks live contexts for operational endpoints.
package runctx

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/blackboard"
	"github.com/siteswarm/siteswarm/internal/swarm/bus"
	"github.com/siteswarm/siteswarm/internal/swarm/collab"
	"github.com/siteswarm/siteswarm/internal/swarm/learning"
	"github.com/siteswarm/siteswarm/internal/swarm/tasks"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// ErrAlreadyStarted guards against double Start on one context.
var ErrAlreadyStarted = errors.New("runctx: run already started")

// Default limits, overridable per run.
const (
	DefaultLLMConcurrency    = 3
	DefaultScrapeConcurrency = 5
	DefaultTotalTimeout      = 180 * time.Second
	DefaultAgentTimeout      = 90 * time.Second
	DefaultLLMTimeout        = 60 * time.Second
	DefaultScrapeTimeout     = 30 * time.Second
)

// Limits caps concurrency and wall-clock budgets within one run. The
// semaphores gate external calls (LLM, scraping) run-wide.
type Limits struct {
	LLMConcurrency    int
	ScrapeConcurrency int
	TotalTimeout      time.Duration
	AgentTimeout      time.Duration
	LLMTimeout        time.Duration
	ScrapeTimeout     time.Duration

	LLMSem    *semaphore.Weighted
	ScrapeSem *semaphore.Weighted
}

// DefaultLimits returns the standard run limits with fresh semaphores.
func DefaultLimits() Limits {
	l := Limits{
		LLMConcurrency:    DefaultLLMConcurrency,
		ScrapeConcurrency: DefaultScrapeConcurrency,
		TotalTimeout:      DefaultTotalTimeout,
		AgentTimeout:      DefaultAgentTimeout,
		LLMTimeout:        DefaultLLMTimeout,
		ScrapeTimeout:     DefaultScrapeTimeout,
	}
	l.materialize()
	return l
}

// materialize fills zero fields with defaults and builds the semaphores.
func (l *Limits) materialize() {
	if l.LLMConcurrency <= 0 {
		l.LLMConcurrency = DefaultLLMConcurrency
	}
	if l.ScrapeConcurrency <= 0 {
		l.ScrapeConcurrency = DefaultScrapeConcurrency
	}
	if l.TotalTimeout <= 0 {
		l.TotalTimeout = DefaultTotalTimeout
	}
	if l.AgentTimeout <= 0 {
		l.AgentTimeout = DefaultAgentTimeout
	}
	if l.LLMTimeout <= 0 {
		l.LLMTimeout = DefaultLLMTimeout
	}
	if l.ScrapeTimeout <= 0 {
		l.ScrapeTimeout = DefaultScrapeTimeout
	}
	l.LLMSem = semaphore.NewWeighted(int64(l.LLMConcurrency))
	l.ScrapeSem = semaphore.NewWeighted(int64(l.ScrapeConcurrency))
}

// Callbacks route run progress to the transport layer. Any field may be nil.
type Callbacks struct {
	OnProgress      func(runID, agentID string, percent float64, message string)
	OnAgentStart    func(runID, agentID, name string)
	OnAgentComplete func(runID, agentID string, result *types.AgentResult)
	OnInsight       func(runID, agentID string, insight *types.AgentInsight)
}

// TraceEvent is one entry in the run's append-only trace.
type TraceEvent struct {
	Seq       int              `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	Event     types.SwarmEvent `json:"event"`
}

// Context is the isolated container for one run. All five subsystems are
// owned exclusively by it and die with it.
type Context struct {
	ID       string
	UserID   string
	Metadata map[string]any

	Bus      *bus.Bus
	Board    blackboard.Board
	Tasks    *tasks.Manager
	Collab   *collab.Manager
	Learning *learning.Store

	Limits Limits

	mu           sync.Mutex
	log          *logger.Logger
	status       types.RunStatus
	err          string
	createdAt    time.Time
	startedAt    time.Time
	endedAt      time.Time
	callbacks    Callbacks
	trace        []TraceEvent
	traceEnabled bool
	eventTap     func(types.SwarmEvent)
	cancelled    chan struct{}
	cancelReason string
}

// Options configures context creation.
type Options struct {
	UserID       string
	Limits       *Limits
	TraceEnabled bool
	Logger       *logger.Logger
	HistoryLimit int

	// Board overrides the default in-memory blackboard, keyed per run.
	// Used to mount Redis-backed boards.
	Board func(runID string) blackboard.Board
}

// newID returns a 12-character run id.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// New builds a context with fresh subsystems. Most callers go through a
// Registry so the run is findable by id.
func New(opts Options) *Context {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	limits := DefaultLimits()
	if opts.Limits != nil {
		limits = *opts.Limits
		limits.materialize()
	}

	id := newID()
	log := opts.Logger.WithRunID(id)
	var board blackboard.Board
	if opts.Board != nil {
		board = opts.Board(id)
	} else {
		board = blackboard.NewMemory(blackboard.MemoryOptions{
			HistoryLimit: opts.HistoryLimit,
			Logger:       log,
		})
	}
	ctx := &Context{
		ID:       id,
		UserID:   opts.UserID,
		Metadata: make(map[string]any),
		Bus:      bus.New(bus.Options{Logger: log}),
		Board:    board,
		Tasks:        tasks.NewManager(tasks.Options{Logger: log}),
		Learning:     learning.NewStore(learning.Options{Logger: log}),
		Limits:       limits,
		log:          log,
		status:       types.RunPending,
		createdAt:    time.Now().UTC(),
		traceEnabled: opts.TraceEnabled,
		cancelled:    make(chan struct{}),
	}
	ctx.Collab = collab.NewManager(collab.Options{
		Bus:    ctx.Bus,
		Board:  ctx.Board,
		Logger: log,
	})

	if mb, ok := ctx.Board.(*blackboard.MemoryBoard); ok {
		mb.SetEventHook(ctx.Trace)
	}
	ctx.Bus.SetEventHook(ctx.Trace)
	ctx.Tasks.SetEventHook(ctx.Trace)
	ctx.Learning.SetEventHook(ctx.Trace)
	ctx.Collab.SetEventHook(ctx.Trace)
	return ctx
}

// Start moves the run to RUNNING.
func (c *Context) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != types.RunPending {
		return ErrAlreadyStarted
	}
	c.status = types.RunRunning
	c.startedAt = time.Now().UTC()
	c.log.Info("run started", zap.String("user_id", c.UserID))
	return nil
}

// Complete finalizes the run. Terminal states stick; completing a cancelled
// run is a no-op.
func (c *Context) Complete(success bool, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	if success {
		c.status = types.RunCompleted
	} else {
		c.status = types.RunFailed
		c.err = errMsg
	}
	c.endedAt = time.Now().UTC()
	c.log.Info("run finished",
		zap.Bool("success", success),
		zap.String("error", errMsg))
}

// MarkTimeout moves the run to TIMEOUT when the total budget is exceeded.
func (c *Context) MarkTimeout(errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	c.status = types.RunTimeout
	c.err = errMsg
	c.endedAt = time.Now().UTC()
	c.log.Warn("run timed out", zap.String("error", errMsg))
}

// Cancel sets the cooperative cancellation signal with a reason. Blocking
// waits and the orchestrator observe it; in-flight work is not interrupted.
func (c *Context) Cancel(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	c.status = types.RunCancelled
	c.cancelReason = reason
	c.err = "Run cancelled by " + reason
	c.endedAt = time.Now().UTC()
	close(c.cancelled)
	c.log.Info("run cancelled", zap.String("reason", reason))
}

// Cancelled reports whether the run was cancelled.
func (c *Context) Cancelled() bool {
	select {
	case <-c.cancelled:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation, for select loops.
func (c *Context) Done() <-chan struct{} { return c.cancelled }

// CancelReason returns the reason passed to Cancel.
func (c *Context) CancelReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelReason
}

// Status returns the current lifecycle state.
func (c *Context) Status() types.RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Error returns the recorded failure message, if any.
func (c *Context) Error() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Age is the time since the run was created.
func (c *Context) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.createdAt)
}

// Duration is the run's wall time so far, frozen once it ends.
func (c *Context) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	if c.endedAt.IsZero() {
		return time.Since(c.startedAt)
	}
	return c.endedAt.Sub(c.startedAt)
}

// SetCallbacks installs the transport-facing callbacks.
func (c *Context) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	c.callbacks = cb
	c.mu.Unlock()
}

// EmitProgress routes a progress update to the callback and trace.
func (c *Context) EmitProgress(agentID string, percent float64, message string) {
	c.mu.Lock()
	cb := c.callbacks.OnProgress
	c.mu.Unlock()
	if cb != nil {
		cb(c.ID, agentID, percent, message)
	}
	c.Trace(types.SwarmEvent{
		Kind:        types.EventAgentLifecycle,
		SourceAgent: agentID,
		Subject:     "progress",
		Timestamp:   time.Now().UTC(),
		Data:        map[string]any{"percent": percent, "message": message},
	})
}

// EmitAgentStart routes an agent-start notification.
func (c *Context) EmitAgentStart(agentID, name string) {
	c.mu.Lock()
	cb := c.callbacks.OnAgentStart
	c.mu.Unlock()
	if cb != nil {
		cb(c.ID, agentID, name)
	}
	c.Trace(types.SwarmEvent{
		Kind:        types.EventAgentLifecycle,
		SourceAgent: agentID,
		Subject:     "started",
		Timestamp:   time.Now().UTC(),
	})
}

// EmitAgentComplete routes an agent completion with its result.
func (c *Context) EmitAgentComplete(agentID string, result *types.AgentResult) {
	c.mu.Lock()
	cb := c.callbacks.OnAgentComplete
	c.mu.Unlock()
	if cb != nil {
		cb(c.ID, agentID, result)
	}
	c.Trace(types.SwarmEvent{
		Kind:        types.EventAgentLifecycle,
		SourceAgent: agentID,
		Subject:     "completed",
		Timestamp:   time.Now().UTC(),
		Data:        map[string]any{"status": string(result.Status)},
	})
}

// EmitInsight routes an agent insight.
func (c *Context) EmitInsight(agentID string, insight *types.AgentInsight) {
	c.mu.Lock()
	cb := c.callbacks.OnInsight
	c.mu.Unlock()
	if cb != nil {
		cb(c.ID, agentID, insight)
	}
	c.Trace(types.SwarmEvent{
		Kind:        types.EventAgentLifecycle,
		SourceAgent: agentID,
		Subject:     "insight",
		Timestamp:   time.Now().UTC(),
		Data:        map[string]any{"message": insight.Message, "kind": string(insight.Kind)},
	})
}

// Trace appends an event to the run trace when tracing is enabled. It also
// serves as the subsystems' event hook.
func (c *Context) Trace(event types.SwarmEvent) {
	c.mu.Lock()
	tap := c.eventTap
	if c.traceEnabled {
		c.trace = append(c.trace, TraceEvent{
			Seq:       len(c.trace),
			Timestamp: time.Now().UTC(),
			Event:     event,
		})
	}
	c.mu.Unlock()
	if tap != nil {
		tap(event)
	}
}

// SetEventTap installs a listener for every subsystem event, tracing aside.
// The gateway uses this to stream swarm activity to connected clients.
func (c *Context) SetEventTap(tap func(types.SwarmEvent)) {
	c.mu.Lock()
	c.eventTap = tap
	c.mu.Unlock()
}

// TraceEvents returns a copy of the trace so far.
func (c *Context) TraceEvents() []TraceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TraceEvent, len(c.trace))
	copy(out, c.trace)
	return out
}

// Close tears down the owned subsystems.
func (c *Context) Close() {
	c.Bus.Close()
	_ = c.Board.Close()
}

// Registry tracks live run contexts by id for operational endpoints (list,
// get, cancel by id). Terminal runs are evicted by CleanupOldRuns.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Context
	opts Options
}

// NewRegistry creates a registry whose contexts inherit the given defaults.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		runs: make(map[string]*Context),
		opts: opts,
	}
}

// Create builds a new context and registers it.
func (r *Registry) Create(userID string, limits *Limits) *Context {
	opts := r.opts
	opts.UserID = userID
	if limits != nil {
		opts.Limits = limits
	}
	ctx := New(opts)
	r.mu.Lock()
	r.runs[ctx.ID] = ctx
	r.mu.Unlock()
	return ctx
}

// Get returns the context for a run id.
func (r *Registry) Get(runID string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.runs[runID]
	return ctx, ok
}

// List returns all registered run ids.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, id)
	}
	return out
}

// CleanupOldRuns evicts terminal runs older than maxAge and closes their
// subsystems. It returns the number evicted.
func (r *Registry) CleanupOldRuns(maxAge time.Duration) int {
	r.mu.Lock()
	var evicted []*Context
	for id, ctx := range r.runs {
		if ctx.Status().Terminal() && ctx.Age() > maxAge {
			delete(r.runs, id)
			evicted = append(evicted, ctx)
		}
	}
	r.mu.Unlock()

	for _, ctx := range evicted {
		ctx.Close()
	}
	return len(evicted)
}
