// Package blackboard implements the reactive shared-memory store used by
// agents within a run: versioned entries under hierarchical dotted keys, glob
// subscriptions, category and agent indexes, TTL expiry, and a history ring.
//
// Two interchangeable implementations are provided: MemoryBoard (the default,
// one per RunContext) and RedisBoard (persistent, for deployments that need
// the blackboard to outlive the process).
package blackboard

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// DefaultQueryLimit applies when QueryOptions does not set a limit.
const DefaultQueryLimit = 100

// Entry is one versioned value on the blackboard.
type Entry struct {
	Key           string         `json:"key"`
	Value         any            `json:"value"`
	AgentID       string         `json:"agent_id"`
	CreatedAt     time.Time      `json:"created_at"`
	TTL           time.Duration  `json:"ttl,omitempty"` // 0 means the entry never expires
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Category      types.Category `json:"category,omitempty"`
	Version       int            `json:"version"`
	PreviousValue any            `json:"previous_value,omitempty"`
}

// Expired reports whether the entry has outlived its TTL.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// PublishOptions carries the optional attributes of a publish.
type PublishOptions struct {
	TTL      time.Duration
	Tags     []string
	Metadata map[string]any
	Category types.Category
}

// QueryOptions filters a pattern query. HasLimit distinguishes an explicit
// limit (including zero, which yields an empty result) from the default.
type QueryOptions struct {
	AgentID  string
	Tags     []string
	Category types.Category
	Limit    int
	HasLimit bool
}

// WithLimit sets an explicit result limit.
func (q QueryOptions) WithLimit(n int) QueryOptions {
	q.Limit = n
	q.HasLimit = true
	return q
}

func (q QueryOptions) limit() int {
	if q.HasLimit {
		return q.Limit
	}
	return DefaultQueryLimit
}

// HistoryQuery filters the publish history.
type HistoryQuery struct {
	AgentID  string
	Since    time.Time
	Category types.Category
	Limit    int
}

// Callback observes a newly published entry matching a subscription.
// Callbacks run outside the board's critical section; errors and panics are
// caught and logged without affecting the publish.
type Callback func(entry *Entry)

// Stats is a snapshot of board activity.
type Stats struct {
	Entries       int `json:"entries"`
	TotalWrites   int `json:"total_writes"`
	TotalReads    int `json:"total_reads"`
	TotalQueries  int `json:"total_queries"`
	TotalExpired  int `json:"total_expired"`
	Notifications int `json:"notifications"`
	Subscriptions int `json:"subscriptions"`
}

// Board is the blackboard contract shared by the in-memory and Redis
// implementations.
type Board interface {
	// Publish stores a value under key. A value deep-equal (by canonical
	// JSON) to the current one is a no-op returning the existing entry.
	Publish(ctx context.Context, key string, value any, agentID string, opts *PublishOptions) (*Entry, error)

	// Get returns the live value for key. Expired entries are lazily removed.
	Get(ctx context.Context, key string) (any, bool, error)
	GetEntry(ctx context.Context, key string) (*Entry, bool, error)
	GetMany(ctx context.Context, keys []string) (map[string]any, error)

	// Query returns live entries whose keys match the glob pattern.
	Query(ctx context.Context, pattern string, opts QueryOptions) ([]*Entry, error)
	QueryByCategory(ctx context.Context, category types.Category, limit int) ([]*Entry, error)
	QueryByAgent(ctx context.Context, agentID string, limit int) ([]*Entry, error)

	// Subscribe registers a callback for keys matching pattern. The
	// subscriber is never notified of its own publishes.
	Subscribe(pattern, agentID string, cb Callback, categories ...types.Category) error
	Unsubscribe(pattern, agentID string)
	UnsubscribeAll(agentID string)

	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) (int, error)
	CleanupExpired(ctx context.Context) (int, error)

	Keys(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
	History(ctx context.Context, q HistoryQuery) ([]*Entry, error)
	Snapshot(ctx context.Context) (map[string]any, error)
	Reset(ctx context.Context) error
	Close() error
}

// canonicalJSON serializes a value deterministically (encoding/json sorts map
// keys), giving the deep-equality check used for publish idempotence.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// deepEqual compares two values by canonical JSON serialization.
func deepEqual(a, b any) bool {
	ja, errA := canonicalJSON(a)
	jb, errB := canonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
