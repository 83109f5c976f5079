// Package cache provides the caching layer for plangate.
// It abstracts the interaction with the Redis L2 cache (element rules, viewer
// memberships, the update queue and the invalidation channel) and the
// in-process L1 cache used by the data plane.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/plangate/internal/visibility"
)

// Key layout, relative to the configured prefix:
//
//	<prefix>:rule:<elementID>     "version|json" encoded visibility rule
//	<prefix>:viewer:<viewerID>    JSON array of active plan slugs (TTL)
//	<prefix>:queue:updates        LIST of "elementID:version" sync events
//	<prefix>:channel:invalidate   PUB/SUB channel carrying element IDs
//	<prefix>:hydrated             marker set once the syncer loaded every rule
const (
	ruleSegment       = "rule"
	viewerSegment     = "viewer"
	queueSuffix       = "queue:updates"
	channelSuffix     = "channel:invalidate"
	hydratedSuffix    = "hydrated"
	versionSearchSpan = 21 // len("9223372036854775807|") + 1
)

var (
	// ErrCacheMiss is returned when the key does not exist in Redis.
	ErrCacheMiss = errors.New("cache miss")

	// ErrQueueEmpty is returned when PopUpdate times out without an event.
	ErrQueueEmpty = errors.New("update queue empty")
)

// SetResult reports what SetRuleSafely did.
type SetResult int

const (
	// SetResultSkipped means Redis already holds the same or a newer version.
	SetResultSkipped SetResult = 0
	// SetResultUpdated means the value was written.
	SetResultUpdated SetResult = 1
	// SetResultRepaired means the stored value was corrupt and has been overwritten.
	SetResultRepaired SetResult = 2
)

// setRuleScript writes ARGV[2] only when ARGV[1] is newer than the stored version.
// Values without a "version|" prefix are considered corrupt and overwritten.
var setRuleScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
local sep = string.find(current, "|", 1, true)
if not sep then
	redis.call("SET", KEYS[1], ARGV[2])
	return 2
end
local stored = tonumber(string.sub(current, 1, sep - 1))
if not stored then
	redis.call("SET", KEYS[1], ARGV[2])
	return 2
end
if tonumber(ARGV[1]) > stored then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// rewindRuleScript writes ARGV[2] only when the stored version equals ARGV[1].
var rewindRuleScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
local sep = string.find(current, "|", 1, true)
if not sep or tonumber(string.sub(current, 1, sep - 1)) ~= tonumber(ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

// CachedRule is an element rule as seen by the data plane.
type CachedRule struct {
	ElementID string
	Rule      visibility.Rule
	Version   int64
}

// Service defines the interface for L2 cache operations.
// This interface allows for dependency injection and mocking in tests.
type Service interface {
	// SetRuleSafely stores the rule only if version is newer than the cached one.
	SetRuleSafely(ctx context.Context, elementID string, rule visibility.Rule, version int64) (SetResult, error)

	// GetRule returns ErrCacheMiss when the element has no cached rule.
	GetRule(ctx context.Context, elementID string) (*CachedRule, error)

	// RewindRule replaces the cached rule with a lower version, but only while
	// Redis still holds version from. Reports whether the value was replaced.
	RewindRule(ctx context.Context, elementID string, rule visibility.Rule, version, from int64) (bool, error)

	// DeleteRule removes a cached rule. Deleting a missing key is not an error.
	DeleteRule(ctx context.Context, elementID string) error

	// RuleIDs lists the element IDs that currently have a cached rule.
	RuleIDs(ctx context.Context) ([]string, error)

	// PushUpdate enqueues a sync event for the syncer.
	PushUpdate(ctx context.Context, elementID string, version int64) error

	// PopUpdate blocks up to timeout for the next sync event.
	// Returns ErrQueueEmpty when the timeout elapses.
	PopUpdate(ctx context.Context, timeout time.Duration) (elementID string, version int64, err error)

	// QueueDepth returns the number of pending sync events.
	QueueDepth(ctx context.Context) (int64, error)

	// BroadcastUpdate notifies data planes that an element rule changed.
	BroadcastUpdate(ctx context.Context, elementID string) error

	// SubscribeUpdates calls handler for every broadcast element ID until ctx is done.
	SubscribeUpdates(ctx context.Context, handler func(elementID string)) error

	// SetMemberships caches the active plan slugs of a viewer for ttl.
	SetMemberships(ctx context.Context, viewerID string, slugs []string, ttl time.Duration) error

	// GetMemberships returns ErrCacheMiss when the viewer is not cached.
	GetMemberships(ctx context.Context, viewerID string) ([]string, error)

	// DeleteMemberships drops the cached plans of a viewer.
	DeleteMemberships(ctx context.Context, viewerID string) error

	// MarkHydrated records that the full rule set has been loaded.
	MarkHydrated(ctx context.Context) error

	// IsHydrated reports whether MarkHydrated was called.
	IsHydrated(ctx context.Context) (bool, error)

	// Close terminates the connection.
	Close() error
}

// RedisCache implements Service using the go-redis library.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps an initialized client. Keys are namespaced with prefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "plangate"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// RuleKey returns the Redis key holding the rule of elementID.
func (c *RedisCache) RuleKey(elementID string) string {
	return c.prefix + ":" + ruleSegment + ":" + elementID
}

// ViewerKey returns the Redis key holding the memberships of viewerID.
func (c *RedisCache) ViewerKey(viewerID string) string {
	return c.prefix + ":" + viewerSegment + ":" + viewerID
}

func (c *RedisCache) queueKey() string    { return c.prefix + ":" + queueSuffix }
func (c *RedisCache) channelKey() string  { return c.prefix + ":" + channelSuffix }
func (c *RedisCache) hydratedKey() string { return c.prefix + ":" + hydratedSuffix }

// SetRuleSafely runs the version-guarded Lua script.
func (c *RedisCache) SetRuleSafely(ctx context.Context, elementID string, rule visibility.Rule, version int64) (SetResult, error) {
	payload, err := json.Marshal(rule)
	if err != nil {
		return SetResultSkipped, fmt.Errorf("failed to encode rule %q: %w", elementID, err)
	}

	res, err := setRuleScript.Run(ctx, c.client,
		[]string{c.RuleKey(elementID)},
		version, encodeRule(payload, version),
	).Int()
	if err != nil {
		return SetResultSkipped, fmt.Errorf("failed to set rule %q in cache: %w", elementID, err)
	}

	return SetResult(res), nil
}

// GetRule reads and decodes a cached rule.
func (c *RedisCache) GetRule(ctx context.Context, elementID string) (*CachedRule, error) {
	raw, err := c.client.Get(ctx, c.RuleKey(elementID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get rule %q from cache: %w", elementID, err)
	}

	payload, version := decodeRule(raw)
	rule, err := visibility.ParseRule([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("corrupt cached rule %q: %w", elementID, err)
	}

	return &CachedRule{ElementID: elementID, Rule: rule, Version: version}, nil
}

// RewindRule runs a compare-and-set on the stored version.
func (c *RedisCache) RewindRule(ctx context.Context, elementID string, rule visibility.Rule, version, from int64) (bool, error) {
	payload, err := json.Marshal(rule)
	if err != nil {
		return false, fmt.Errorf("failed to encode rule %q: %w", elementID, err)
	}

	res, err := rewindRuleScript.Run(ctx, c.client,
		[]string{c.RuleKey(elementID)},
		from, encodeRule(payload, version),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to rewind rule %q in cache: %w", elementID, err)
	}
	return res == 1, nil
}

// RuleIDs walks the rule keyspace with SCAN, so large caches never block Redis.
func (c *RedisCache) RuleIDs(ctx context.Context) ([]string, error) {
	prefix := c.RuleKey("")
	var ids []string

	iter := c.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cached rules: %w", err)
	}
	return ids, nil
}

// DeleteRule removes the cached rule.
func (c *RedisCache) DeleteRule(ctx context.Context, elementID string) error {
	if err := c.client.Del(ctx, c.RuleKey(elementID)).Err(); err != nil {
		return fmt.Errorf("failed to delete rule %q from cache: %w", elementID, err)
	}
	return nil
}

// PushUpdate uses LPUSH; PopUpdate consumes with BRPOP, so the queue is FIFO.
func (c *RedisCache) PushUpdate(ctx context.Context, elementID string, version int64) error {
	if err := c.client.LPush(ctx, c.queueKey(), EncodeQueueMessage(elementID, version)).Err(); err != nil {
		return fmt.Errorf("failed to enqueue update for %q: %w", elementID, err)
	}
	return nil
}

// PopUpdate blocks on BRPOP.
func (c *RedisCache) PopUpdate(ctx context.Context, timeout time.Duration) (string, int64, error) {
	res, err := c.client.BRPop(ctx, timeout, c.queueKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", 0, ErrQueueEmpty
		}
		return "", 0, fmt.Errorf("failed to pop update: %w", err)
	}

	// BRPOP returns [key, value].
	if len(res) != 2 {
		return "", 0, fmt.Errorf("unexpected BRPOP reply length %d", len(res))
	}

	elementID, version := DecodeQueueMessage(res[1])
	return elementID, version, nil
}

// QueueDepth returns LLEN of the update queue.
func (c *RedisCache) QueueDepth(ctx context.Context) (int64, error) {
	n, err := c.client.LLen(ctx, c.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}

// BroadcastUpdate publishes the element ID on the invalidation channel.
func (c *RedisCache) BroadcastUpdate(ctx context.Context, elementID string) error {
	if err := c.client.Publish(ctx, c.channelKey(), elementID).Err(); err != nil {
		return fmt.Errorf("failed to broadcast update for %q: %w", elementID, err)
	}
	return nil
}

// SubscribeUpdates blocks until ctx is cancelled or the subscription fails.
func (c *RedisCache) SubscribeUpdates(ctx context.Context, handler func(elementID string)) error {
	sub := c.client.Subscribe(ctx, c.channelKey())
	defer sub.Close()

	// Wait for the subscription confirmation so callers know we are listening.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to invalidations: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("invalidation channel closed")
			}
			handler(msg.Payload)
		}
	}
}

// SetMemberships stores the slugs as a JSON array with an expiry.
func (c *RedisCache) SetMemberships(ctx context.Context, viewerID string, slugs []string, ttl time.Duration) error {
	if slugs == nil {
		slugs = []string{}
	}
	payload, err := json.Marshal(slugs)
	if err != nil {
		return fmt.Errorf("failed to encode memberships: %w", err)
	}
	if err := c.client.Set(ctx, c.ViewerKey(viewerID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache memberships for %q: %w", viewerID, err)
	}
	return nil
}

// GetMemberships reads the cached slugs.
func (c *RedisCache) GetMemberships(ctx context.Context, viewerID string) ([]string, error) {
	raw, err := c.client.Get(ctx, c.ViewerKey(viewerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get memberships for %q: %w", viewerID, err)
	}

	var slugs []string
	if err := json.Unmarshal(raw, &slugs); err != nil {
		return nil, fmt.Errorf("corrupt cached memberships for %q: %w", viewerID, err)
	}
	return slugs, nil
}

// DeleteMemberships removes the viewer entry.
func (c *RedisCache) DeleteMemberships(ctx context.Context, viewerID string) error {
	if err := c.client.Del(ctx, c.ViewerKey(viewerID)).Err(); err != nil {
		return fmt.Errorf("failed to delete memberships for %q: %w", viewerID, err)
	}
	return nil
}

// MarkHydrated sets the marker key with the hydration timestamp.
func (c *RedisCache) MarkHydrated(ctx context.Context) error {
	if err := c.client.Set(ctx, c.hydratedKey(), time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("failed to set hydration marker: %w", err)
	}
	return nil
}

// IsHydrated checks the marker key.
func (c *RedisCache) IsHydrated(ctx context.Context) (bool, error) {
	n, err := c.client.Exists(ctx, c.hydratedKey()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read hydration marker: %w", err)
	}
	return n == 1, nil
}

// Close closes the Redis client connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// encodeRule prefixes the JSON payload with its version: "version|json".
func encodeRule(payload []byte, version int64) string {
	return strconv.FormatInt(version, 10) + "|" + string(payload)
}

// decodeRule splits "version|json". Values without a numeric prefix in the
// first versionSearchSpan bytes are returned whole with version 0.
func decodeRule(raw string) (string, int64) {
	limit := min(len(raw), versionSearchSpan)
	idx := strings.IndexByte(raw[:limit], '|')
	if idx < 0 {
		return raw, 0
	}
	version, err := strconv.ParseInt(raw[:idx], 10, 64)
	if err != nil {
		return raw, 0
	}
	return raw[idx+1:], version
}

// EncodeQueueMessage formats a sync event as "elementID:version".
func EncodeQueueMessage(elementID string, version int64) string {
	return elementID + ":" + strconv.FormatInt(version, 10)
}

// DecodeQueueMessage parses "elementID:version". Messages without a valid
// trailing version are returned whole with version 0.
func DecodeQueueMessage(msg string) (string, int64) {
	idx := strings.LastIndexByte(msg, ':')
	if idx < 0 {
		return msg, 0
	}
	version, err := strconv.ParseInt(msg[idx+1:], 10, 64)
	if err != nil {
		return msg, 0
	}
	return msg[:idx], version
}
