package blackboard

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// DefaultHistoryLimit caps the in-memory publish history ring.
const DefaultHistoryLimit = 1000

// EventHook observes board telemetry events. Invoked outside the board lock.
type EventHook func(event types.SwarmEvent)

type subscription struct {
	pattern    string
	regex      *regexp.Regexp
	agentID    string
	callback   Callback
	categories map[types.Category]struct{}
	triggered  int
}

func (s *subscription) wants(e *Entry) bool {
	if s.agentID == e.AgentID {
		return false
	}
	if !s.regex.MatchString(e.Key) {
		return false
	}
	if len(s.categories) > 0 {
		if _, ok := s.categories[e.Category]; !ok {
			return false
		}
	}
	return true
}

// MemoryBoard is the in-process Board implementation owned by a RunContext.
type MemoryBoard struct {
	mu            sync.Mutex
	log           *logger.Logger
	entries       map[string]*Entry
	categoryIndex map[types.Category]map[string]struct{}
	agentIndex    map[string]map[string]struct{}
	subs          []*subscription
	history       []*Entry
	historyLimit  int
	stats         Stats
	hook          EventHook
}

// MemoryOptions tunes the in-memory board.
type MemoryOptions struct {
	HistoryLimit int
	Logger       *logger.Logger
}

// NewMemory creates an empty in-memory board.
func NewMemory(opts MemoryOptions) *MemoryBoard {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &MemoryBoard{
		log:           opts.Logger.WithFields(zap.String("component", "blackboard")),
		entries:       make(map[string]*Entry),
		categoryIndex: make(map[types.Category]map[string]struct{}),
		agentIndex:    make(map[string]map[string]struct{}),
		historyLimit:  opts.HistoryLimit,
	}
}

// SetEventHook installs a telemetry observer.
func (b *MemoryBoard) SetEventHook(hook EventHook) {
	b.mu.Lock()
	b.hook = hook
	b.mu.Unlock()
}

// Publish stores a value under key, bumping the per-key version. Publishing a
// value deep-equal to the current one returns the existing entry unchanged
// and notifies nobody.
func (b *MemoryBoard) Publish(ctx context.Context, key string, value any, agentID string, opts *PublishOptions) (*Entry, error) {
	if opts == nil {
		opts = &PublishOptions{}
	}
	now := time.Now().UTC()

	b.mu.Lock()
	prev, exists := b.entries[key]
	if exists && prev.Expired(now) {
		b.removeLocked(prev)
		b.stats.TotalExpired++
		prev, exists = nil, false
	}
	if exists && deepEqual(prev.Value, value) {
		b.mu.Unlock()
		return prev, nil
	}

	entry := &Entry{
		Key:       key,
		Value:     value,
		AgentID:   agentID,
		CreatedAt: now,
		TTL:       opts.TTL,
		Tags:      opts.Tags,
		Metadata:  opts.Metadata,
		Category:  opts.Category,
		Version:   1,
	}
	if exists {
		entry.Version = prev.Version + 1
		entry.PreviousValue = prev.Value
		b.removeLocked(prev)
	}

	b.entries[key] = entry
	b.indexLocked(entry)
	b.history = append(b.history, entry)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	b.stats.TotalWrites++

	var notify []*subscription
	for _, s := range b.subs {
		if s.wants(entry) {
			s.triggered++
			b.stats.Notifications++
			notify = append(notify, s)
		}
	}
	hook := b.hook
	b.mu.Unlock()

	// Callbacks run outside the critical section so a subscriber can publish
	// or query without deadlocking. Failures never affect the publish.
	for _, s := range notify {
		b.fire(s, entry)
	}
	if hook != nil {
		hook(types.SwarmEvent{
			Kind:        types.EventBlackboardPublish,
			SourceAgent: agentID,
			Subject:     key,
			Timestamp:   now,
			Data:        map[string]any{"version": entry.Version, "category": string(entry.Category)},
		})
	}
	return entry, nil
}

func (b *MemoryBoard) fire(s *subscription, entry *Entry) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscription callback panic",
				zap.String("pattern", s.pattern),
				zap.String("subscriber", s.agentID),
				zap.Any("panic", r))
		}
	}()
	s.callback(entry)
}

func (b *MemoryBoard) indexLocked(e *Entry) {
	if e.Category != "" {
		if b.categoryIndex[e.Category] == nil {
			b.categoryIndex[e.Category] = make(map[string]struct{})
		}
		b.categoryIndex[e.Category][e.Key] = struct{}{}
	}
	if b.agentIndex[e.AgentID] == nil {
		b.agentIndex[e.AgentID] = make(map[string]struct{})
	}
	b.agentIndex[e.AgentID][e.Key] = struct{}{}
}

func (b *MemoryBoard) removeLocked(e *Entry) {
	delete(b.entries, e.Key)
	if e.Category != "" {
		if keys := b.categoryIndex[e.Category]; keys != nil {
			delete(keys, e.Key)
			if len(keys) == 0 {
				delete(b.categoryIndex, e.Category)
			}
		}
	}
	if keys := b.agentIndex[e.AgentID]; keys != nil {
		delete(keys, e.Key)
		if len(keys) == 0 {
			delete(b.agentIndex, e.AgentID)
		}
	}
}

// liveLocked returns the live entry for key, lazily evicting it if expired.
func (b *MemoryBoard) liveLocked(key string, now time.Time) (*Entry, bool) {
	e, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	if e.Expired(now) {
		b.removeLocked(e)
		b.stats.TotalExpired++
		return nil, false
	}
	return e, true
}

// Get returns the live value for key.
func (b *MemoryBoard) Get(ctx context.Context, key string) (any, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.TotalReads++
	e, ok := b.liveLocked(key, time.Now().UTC())
	if !ok {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// GetEntry returns the live entry for key.
func (b *MemoryBoard) GetEntry(ctx context.Context, key string) (*Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.TotalReads++
	e, ok := b.liveLocked(key, time.Now().UTC())
	if !ok {
		return nil, false, nil
	}
	snapshot := *e
	return &snapshot, true, nil
}

// GetMany returns the live values for the given keys.
func (b *MemoryBoard) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		b.stats.TotalReads++
		if e, ok := b.liveLocked(key, now); ok {
			out[key] = e.Value
		}
	}
	return out, nil
}

// Query returns live entries matching the glob pattern, filtered and limited.
func (b *MemoryBoard) Query(ctx context.Context, pattern string, opts QueryOptions) ([]*Entry, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.TotalQueries++

	limit := opts.limit()
	if limit <= 0 {
		return nil, nil
	}

	// The category index narrows the scan when a category filter is set.
	var candidates []string
	if opts.Category != "" {
		for key := range b.categoryIndex[opts.Category] {
			candidates = append(candidates, key)
		}
	} else {
		for key := range b.entries {
			candidates = append(candidates, key)
		}
	}
	sort.Strings(candidates)

	now := time.Now().UTC()
	var out []*Entry
	for _, key := range candidates {
		if !re.MatchString(key) {
			continue
		}
		e, ok := b.liveLocked(key, now)
		if !ok {
			continue
		}
		if opts.AgentID != "" && e.AgentID != opts.AgentID {
			continue
		}
		if !hasAllTags(e.Tags, opts.Tags) {
			continue
		}
		snapshot := *e
		out = append(out, &snapshot)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// QueryByCategory returns live entries in a category, up to limit.
func (b *MemoryBoard) QueryByCategory(ctx context.Context, category types.Category, limit int) ([]*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.TotalQueries++
	return b.indexQueryLocked(b.categoryIndex[category], limit), nil
}

// QueryByAgent returns live entries published by an agent, up to limit.
func (b *MemoryBoard) QueryByAgent(ctx context.Context, agentID string, limit int) ([]*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.TotalQueries++
	return b.indexQueryLocked(b.agentIndex[agentID], limit), nil
}

func (b *MemoryBoard) indexQueryLocked(keys map[string]struct{}, limit int) []*Entry {
	if limit <= 0 || len(keys) == 0 {
		return nil
	}
	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	now := time.Now().UTC()
	var out []*Entry
	for _, key := range sorted {
		e, ok := b.liveLocked(key, now)
		if !ok {
			continue
		}
		snapshot := *e
		out = append(out, &snapshot)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Subscribe registers a callback for keys matching pattern.
func (b *MemoryBoard) Subscribe(pattern, agentID string, cb Callback, categories ...types.Category) error {
	re, err := compilePattern(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	s := &subscription{
		pattern:  pattern,
		regex:    re,
		agentID:  agentID,
		callback: cb,
	}
	if len(categories) > 0 {
		s.categories = make(map[types.Category]struct{}, len(categories))
		for _, c := range categories {
			s.categories[c] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.stats.Subscriptions = len(b.subs)
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes an agent's subscriptions on the given pattern.
func (b *MemoryBoard) Unsubscribe(pattern, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.pattern == pattern && s.agentID == agentID {
			continue
		}
		kept = append(kept, s)
	}
	b.subs = kept
	b.stats.Subscriptions = len(b.subs)
}

// UnsubscribeAll removes every subscription held by an agent.
func (b *MemoryBoard) UnsubscribeAll(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.agentID == agentID {
			continue
		}
		kept = append(kept, s)
	}
	b.subs = kept
	b.stats.Subscriptions = len(b.subs)
}

// Delete removes the entry for key.
func (b *MemoryBoard) Delete(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return false, nil
	}
	b.removeLocked(e)
	return true, nil
}

// Clear removes entries matching pattern; an empty pattern clears everything.
func (b *MemoryBoard) Clear(ctx context.Context, pattern string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key, e := range b.entries {
		if pattern == "" || matchPattern(pattern, key) {
			b.removeLocked(e)
			removed++
		}
	}
	return removed, nil
}

// CleanupExpired eagerly evicts expired entries.
func (b *MemoryBoard) CleanupExpired(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	removed := 0
	for _, e := range b.entries {
		if e.Expired(now) {
			b.removeLocked(e)
			b.stats.TotalExpired++
			removed++
		}
	}
	return removed, nil
}

// Keys returns the live keys in sorted order.
func (b *MemoryBoard) Keys(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	var keys []string
	for key := range b.entries {
		if _, ok := b.liveLocked(key, now); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Stats returns a snapshot of board activity.
func (b *MemoryBoard) Stats(ctx context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.stats
	snap.Entries = len(b.entries)
	return snap, nil
}

// History returns publish history, newest last, honoring the query filters.
func (b *MemoryBoard) History(ctx context.Context, q HistoryQuery) ([]*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := q.Limit
	if limit <= 0 {
		limit = len(b.history)
	}
	var out []*Entry
	for _, e := range b.history {
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
			continue
		}
		if q.Category != "" && e.Category != q.Category {
			continue
		}
		snapshot := *e
		out = append(out, &snapshot)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Snapshot returns a key→value copy of the live entries.
func (b *MemoryBoard) Snapshot(ctx context.Context) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	out := make(map[string]any, len(b.entries))
	for key := range b.entries {
		if e, ok := b.liveLocked(key, now); ok {
			out[key] = e.Value
		}
	}
	return out, nil
}

// Reset clears entries, indexes, subscriptions, history, and stats.
func (b *MemoryBoard) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*Entry)
	b.categoryIndex = make(map[types.Category]map[string]struct{})
	b.agentIndex = make(map[string]map[string]struct{})
	b.subs = nil
	b.history = nil
	b.stats = Stats{}
	return nil
}

// Close is a no-op for the in-memory board.
func (b *MemoryBoard) Close() error { return nil }

var _ Board = (*MemoryBoard)(nil)
