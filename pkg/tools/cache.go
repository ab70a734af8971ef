package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Cache memoizes tool results keyed by (tool name, canonical inputs).
// Cascades opt in per tool; entries expire after the TTL.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	result  *Result
	savedAt time.Time
}

func NewCache(ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{entries: make(map[string]cacheEntry), ttl: ttl}
}

// Key builds the cache key from the tool name and a canonical (sorted
// key) JSON encoding of the inputs.
func Key(toolName string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(toolName))
	for _, k := range keys {
		data, err := json.Marshal(args[k])
		if err != nil {
			data = []byte(fmt.Sprintf("%v", args[k]))
		}
		fmt.Fprintf(h, "|%s=%s", k, data)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Get returns the cached result, or nil on miss or expiry.
func (c *Cache) Get(key string) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if time.Since(entry.savedAt) > c.ttl {
		delete(c.entries, key)
		return nil
	}
	return entry.result
}

func (c *Cache) Put(key string, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: result, savedAt: time.Now()}
}

// CachedTool wraps a tool with the cache. A hit skips execution
// entirely and marks the result metadata.
type CachedTool struct {
	Tool
	cache *Cache
}

func WithCache(t Tool, cache *Cache) *CachedTool {
	return &CachedTool{Tool: t, cache: cache}
}

func (t *CachedTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	key := Key(t.Name(), args)
	if hit := t.cache.Get(key); hit != nil {
		copied := *hit
		if copied.Metadata == nil {
			copied.Metadata = map[string]any{}
		}
		copied.Metadata["cache_hit"] = true
		return &copied, nil
	}

	result, err := t.Tool.Execute(ctx, args)
	if err != nil {
		return nil, err
	}
	t.cache.Put(key, result)
	return result, nil
}
