package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

// RedisHistoryLimit caps the persisted publish history list.
const RedisHistoryLimit = 10000

// RedisBoard is the persistent Board implementation. Entries live as JSON
// strings under "<prefix>:blackboard:entries:<key>" with native Redis TTLs,
// category and agent indexes as sets, history as a capped list, and stats as
// a hash. Publishes fan out over pub/sub on
// "<prefix>:blackboard:updates:<root>" where root is the first key segment,
// so subscribers in other processes see them too.
type RedisBoard struct {
	rdb    redis.UniversalClient
	prefix string
	log    *logger.Logger

	// mu serializes read-modify-write publishes so versions stay monotonic
	// within this process. Cross-process writers race on version only.
	mu     sync.Mutex
	subs   []*subscription
	pubsub *redis.PubSub
	done   chan struct{}
}

// RedisOptions configures a RedisBoard.
type RedisOptions struct {
	Client    redis.UniversalClient
	KeyPrefix string
	Logger    *logger.Logger
}

// NewRedis creates a Redis-backed board and starts its update listener.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisBoard, error) {
	if opts.Client == nil {
		return nil, errors.New("blackboard: redis client is required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "siteswarm"
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	b := &RedisBoard{
		rdb:    opts.Client,
		prefix: opts.KeyPrefix,
		log:    opts.Logger.WithFields(zap.String("component", "blackboard.redis")),
		done:   make(chan struct{}),
	}
	b.pubsub = b.rdb.PSubscribe(ctx, b.prefix+":blackboard:updates:*")
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe to blackboard updates: %w", err)
	}
	go b.listen()
	return b, nil
}

func (b *RedisBoard) entryKey(key string) string {
	return b.prefix + ":blackboard:entries:" + key
}

func (b *RedisBoard) categoryKey(c types.Category) string {
	return b.prefix + ":blackboard:index:category:" + string(c)
}

func (b *RedisBoard) agentKey(agentID string) string {
	return b.prefix + ":blackboard:index:agent:" + agentID
}

func (b *RedisBoard) historyKey() string { return b.prefix + ":blackboard:history" }
func (b *RedisBoard) statsKey() string   { return b.prefix + ":blackboard:stats" }

func (b *RedisBoard) updateChannel(key string) string {
	root := key
	if i := strings.IndexByte(key, '.'); i >= 0 {
		root = key[:i]
	}
	return b.prefix + ":blackboard:updates:" + root
}

func (b *RedisBoard) listen() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var entry Entry
			if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
				b.log.Warn("malformed blackboard update", zap.Error(err))
				continue
			}
			b.mu.Lock()
			var notify []*subscription
			for _, s := range b.subs {
				if s.wants(&entry) {
					s.triggered++
					notify = append(notify, s)
				}
			}
			b.mu.Unlock()
			for _, s := range notify {
				b.fire(s, &entry)
			}
		}
	}
}

func (b *RedisBoard) fire(s *subscription, entry *Entry) {
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

// Publish stores a value under key with version read-modify-write.
func (b *RedisBoard) Publish(ctx context.Context, key string, value any, agentID string, opts *PublishOptions) (*Entry, error) {
	if opts == nil {
		opts = &PublishOptions{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, found, err := b.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if found && deepEqual(prev.Value, value) {
		return prev, nil
	}

	entry := &Entry{
		Key:       key,
		Value:     value,
		AgentID:   agentID,
		CreatedAt: time.Now().UTC(),
		TTL:       opts.TTL,
		Tags:      opts.Tags,
		Metadata:  opts.Metadata,
		Category:  opts.Category,
		Version:   1,
	}
	if found {
		entry.Version = prev.Version + 1
		entry.PreviousValue = prev.Value
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry %q: %w", key, err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, b.entryKey(key), raw, entry.TTL)
	if found && prev.Category != "" && prev.Category != entry.Category {
		pipe.SRem(ctx, b.categoryKey(prev.Category), key)
	}
	if found && prev.AgentID != entry.AgentID {
		pipe.SRem(ctx, b.agentKey(prev.AgentID), key)
	}
	if entry.Category != "" {
		pipe.SAdd(ctx, b.categoryKey(entry.Category), key)
	}
	pipe.SAdd(ctx, b.agentKey(agentID), key)
	pipe.LPush(ctx, b.historyKey(), raw)
	pipe.LTrim(ctx, b.historyKey(), 0, RedisHistoryLimit-1)
	pipe.HIncrBy(ctx, b.statsKey(), "total_writes", 1)
	pipe.Publish(ctx, b.updateChannel(key), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("publish %q: %w", key, err)
	}
	return entry, nil
}

// load fetches and decodes an entry, treating redis.Nil as absence.
func (b *RedisBoard) load(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := b.rdb.Get(ctx, b.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return &entry, true, nil
}

// Get returns the live value for key.
func (b *RedisBoard) Get(ctx context.Context, key string) (any, bool, error) {
	b.rdb.HIncrBy(ctx, b.statsKey(), "total_reads", 1)
	entry, found, err := b.load(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// GetEntry returns the live entry for key.
func (b *RedisBoard) GetEntry(ctx context.Context, key string) (*Entry, bool, error) {
	b.rdb.HIncrBy(ctx, b.statsKey(), "total_reads", 1)
	return b.load(ctx, key)
}

// GetMany returns the live values for the given keys.
func (b *RedisBoard) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		entry, found, err := b.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			out[key] = entry.Value
		}
	}
	return out, nil
}

// scanKeys walks entry keys matching the glob and returns the bare board keys.
func (b *RedisBoard) scanKeys(ctx context.Context, glob string) ([]string, error) {
	prefix := b.prefix + ":blackboard:entries:"
	var keys []string
	iter := b.rdb.Scan(ctx, 0, prefix+glob, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", glob, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Query returns live entries whose keys match the glob pattern.
func (b *RedisBoard) Query(ctx context.Context, pattern string, opts QueryOptions) ([]*Entry, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	b.rdb.HIncrBy(ctx, b.statsKey(), "total_queries", 1)

	limit := opts.limit()
	if limit <= 0 {
		return nil, nil
	}

	// Redis globs treat '.' literally and '*' as a wildcard, so the board
	// pattern doubles as the SCAN match; the regex re-filters for exactness.
	keys, err := b.scanKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	var out []*Entry
	for _, key := range keys {
		if !re.MatchString(key) {
			continue
		}
		entry, found, err := b.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if opts.AgentID != "" && entry.AgentID != opts.AgentID {
			continue
		}
		if opts.Category != "" && entry.Category != opts.Category {
			continue
		}
		if !hasAllTags(entry.Tags, opts.Tags) {
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// QueryByCategory returns live entries in a category, up to limit.
func (b *RedisBoard) QueryByCategory(ctx context.Context, category types.Category, limit int) ([]*Entry, error) {
	return b.indexQuery(ctx, b.categoryKey(category), limit)
}

// QueryByAgent returns live entries published by an agent, up to limit.
func (b *RedisBoard) QueryByAgent(ctx context.Context, agentID string, limit int) ([]*Entry, error) {
	return b.indexQuery(ctx, b.agentKey(agentID), limit)
}

func (b *RedisBoard) indexQuery(ctx context.Context, setKey string, limit int) ([]*Entry, error) {
	b.rdb.HIncrBy(ctx, b.statsKey(), "total_queries", 1)
	if limit <= 0 {
		return nil, nil
	}
	members, err := b.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %q: %w", setKey, err)
	}
	sort.Strings(members)

	var out []*Entry
	for _, key := range members {
		entry, found, err := b.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			// Entry expired under native TTL; drop the stale index member.
			b.rdb.SRem(ctx, setKey, key)
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Subscribe registers a callback for keys matching pattern. Updates arrive
// over pub/sub, so publishes from other processes are observed too.
func (b *RedisBoard) Subscribe(pattern, agentID string, cb Callback, categories ...types.Category) error {
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
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes an agent's subscriptions on the given pattern.
func (b *RedisBoard) Unsubscribe(pattern, agentID string) {
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
}

// UnsubscribeAll removes every subscription held by an agent.
func (b *RedisBoard) UnsubscribeAll(agentID string) {
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
}

// Delete removes the entry for key and its index memberships.
func (b *RedisBoard) Delete(ctx context.Context, key string) (bool, error) {
	entry, found, err := b.load(ctx, key)
	if err != nil || !found {
		return false, err
	}
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, b.entryKey(key))
	if entry.Category != "" {
		pipe.SRem(ctx, b.categoryKey(entry.Category), key)
	}
	pipe.SRem(ctx, b.agentKey(entry.AgentID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	return true, nil
}

// Clear removes entries matching pattern; an empty pattern clears everything.
func (b *RedisBoard) Clear(ctx context.Context, pattern string) (int, error) {
	glob := pattern
	if glob == "" {
		glob = "*"
	}
	keys, err := b.scanKeys(ctx, glob)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if pattern != "" && !matchPattern(pattern, key) {
			continue
		}
		ok, err := b.Delete(ctx, key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// CleanupExpired prunes index members whose entries Redis already expired.
func (b *RedisBoard) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0
	for _, indexGlob := range []string{
		b.prefix + ":blackboard:index:category:*",
		b.prefix + ":blackboard:index:agent:*",
	} {
		iter := b.rdb.Scan(ctx, 0, indexGlob, 200).Iterator()
		for iter.Next(ctx) {
			setKey := iter.Val()
			members, err := b.rdb.SMembers(ctx, setKey).Result()
			if err != nil {
				return removed, fmt.Errorf("smembers %q: %w", setKey, err)
			}
			for _, key := range members {
				exists, err := b.rdb.Exists(ctx, b.entryKey(key)).Result()
				if err != nil {
					return removed, err
				}
				if exists == 0 {
					b.rdb.SRem(ctx, setKey, key)
					removed++
				}
			}
		}
		if err := iter.Err(); err != nil {
			return removed, err
		}
	}
	if removed > 0 {
		b.rdb.HIncrBy(ctx, b.statsKey(), "total_expired", int64(removed))
	}
	return removed, nil
}

// Keys returns the live keys in sorted order.
func (b *RedisBoard) Keys(ctx context.Context) ([]string, error) {
	return b.scanKeys(ctx, "*")
}

// Stats returns a snapshot of board activity.
func (b *RedisBoard) Stats(ctx context.Context) (Stats, error) {
	fields, err := b.rdb.HGetAll(ctx, b.statsKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	asInt := func(name string) int {
		n, _ := strconv.Atoi(fields[name])
		return n
	}
	keys, err := b.Keys(ctx)
	if err != nil {
		return Stats{}, err
	}
	b.mu.Lock()
	subs := len(b.subs)
	b.mu.Unlock()
	return Stats{
		Entries:       len(keys),
		TotalWrites:   asInt("total_writes"),
		TotalReads:    asInt("total_reads"),
		TotalQueries:  asInt("total_queries"),
		TotalExpired:  asInt("total_expired"),
		Subscriptions: subs,
	}, nil
}

// History returns publish history, newest last, honoring the query filters.
func (b *RedisBoard) History(ctx context.Context, q HistoryQuery) ([]*Entry, error) {
	raws, err := b.rdb.LRange(ctx, b.historyKey(), 0, RedisHistoryLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = len(raws)
	}
	// LPUSH stores newest first; collect matches then reverse to newest last.
	var matched []*Entry
	for _, raw := range raws {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if q.AgentID != "" && entry.AgentID != q.AgentID {
			continue
		}
		if !q.Since.IsZero() && entry.CreatedAt.Before(q.Since) {
			continue
		}
		if q.Category != "" && entry.Category != q.Category {
			continue
		}
		matched = append(matched, &entry)
		if len(matched) >= limit {
			break
		}
	}
	out := make([]*Entry, 0, len(matched))
	for i := len(matched) - 1; i >= 0; i-- {
		out = append(out, matched[i])
	}
	return out, nil
}

// Snapshot returns a key→value copy of the live entries.
func (b *RedisBoard) Snapshot(ctx context.Context) (map[string]any, error) {
	keys, err := b.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return b.GetMany(ctx, keys)
}

// Reset deletes every board key under the prefix.
func (b *RedisBoard) Reset(ctx context.Context) error {
	iter := b.rdb.Scan(ctx, 0, b.prefix+":blackboard:*", 200).Iterator()
	for iter.Next(ctx) {
		if err := b.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("reset scan: %w", err)
	}
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
	return nil
}

// Close stops the update listener and releases the pub/sub connection.
func (b *RedisBoard) Close() error {
	close(b.done)
	return b.pubsub.Close()
}

var _ Board = (*RedisBoard)(nil)
