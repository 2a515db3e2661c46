/*
cache.go - Rollup cache

PURPOSE:
  Memoises natural rollups per use case. Strictly a performance aid: the
  key hashes the structure's shape and the entries carry a short TTL, but
  correctness still depends on writers invalidating on rule or hierarchy
  edits before the next run observes them.

SEE ALSO:
  - engine.go: naturalWithCache
  - api: rule CRUD invalidates on every write
*/
package overlay

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// DefaultCacheTTL bounds staleness even when invalidation is missed.
const DefaultCacheTTL = 30 * time.Second

// RollupCache holds natural rollups keyed by (use_case_id, structural hash).
type RollupCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	// entries per cache key; keysByUseCase supports invalidation by writer.
	entries       map[string]rollupEntry
	keysByUseCase map[UseCaseID][]string
}

type rollupEntry struct {
	natural   map[NodeID]MeasureVector
	expiresAt time.Time
}

// NewRollupCache creates a cache with the given TTL (0 means DefaultCacheTTL).
func NewRollupCache(ttl time.Duration) *RollupCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RollupCache{
		ttl:           ttl,
		entries:       make(map[string]rollupEntry),
		keysByUseCase: make(map[UseCaseID][]string),
	}
}

// CacheKey derives the cache key from the use case id and a structural hash
// of the hierarchy (ids, depths, rollup declarations).
func CacheKey(uc *UseCase, h *Hierarchy) string {
	hash := fnv.New64a()
	for _, id := range h.NodeIDs() {
		n := h.Node(id)
		fmt.Fprintf(hash, "%s|%s|%d|%s|%s;", n.NodeID, n.ParentNodeID, n.Depth, n.RollupDriver, n.RollupValueSource)
	}
	return fmt.Sprintf("%s/%x", uc.ID, hash.Sum64())
}

// Get returns a cached rollup if present and fresh.
func (c *RollupCache) Get(key string) (map[NodeID]MeasureVector, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return cloneVectorMap(e.natural), true
}

// Put stores a rollup under the key, registered to its use case for
// invalidation.
func (c *RollupCache) Put(useCaseID UseCaseID, key string, natural map[NodeID]MeasureVector) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = rollupEntry{
		natural:   cloneVectorMap(natural),
		expiresAt: time.Now().Add(c.ttl),
	}
	c.keysByUseCase[useCaseID] = append(c.keysByUseCase[useCaseID], key)
}

// Invalidate drops every entry for a use case. Writers call this on any
// rule or hierarchy edit, before the next run can observe the edit.
func (c *RollupCache) Invalidate(useCaseID UseCaseID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.keysByUseCase[useCaseID] {
		delete(c.entries, key)
	}
	delete(c.keysByUseCase, useCaseID)
}
