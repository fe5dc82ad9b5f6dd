package upstream

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const cacheShards = 16

// cacheEntry holds one cached response. Entries are evicted by TTL on read
// and by LRU when a shard exceeds its capacity.
type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// responseCache is a sharded TTL+LRU cache for successful GET responses.
// Sharding keeps unrelated lookups from serializing on a single lock.
type responseCache struct {
	shards [cacheShards]*cacheShard
	ttl    time.Duration
}

type cacheShard struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

// newResponseCache creates a cache with the given TTL and total capacity
// spread evenly across shards
func newResponseCache(ttl time.Duration, capacity int) *responseCache {
	perShard := capacity / cacheShards
	if perShard < 1 {
		perShard = 1
	}
	c := &responseCache{ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			capacity: perShard,
			entries:  make(map[string]*list.Element),
			order:    list.New(),
		}
	}
	return c
}

// cacheKey derives a stable digest from the endpoint and its parameters
func cacheKey(endpoint string, params ...string) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	for _, p := range params {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *responseCache) shardFor(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShards]
}

// get returns the cached value for key if present and unexpired
func (c *responseCache) get(key string, now time.Time) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if now.After(entry.expiresAt) {
		s.order.Remove(el)
		delete(s.entries, key)
		return nil, false
	}
	s.order.MoveToFront(el)
	return entry.value, true
}

// put stores value under key, evicting the least recently used entry when
// the shard is full
func (c *responseCache) put(key string, value []byte, now time.Time) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = now.Add(c.ttl)
		s.order.MoveToFront(el)
		return
	}

	for s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry).key)
	}

	el := s.order.PushFront(&cacheEntry{
		key:       key,
		value:     value,
		expiresAt: now.Add(c.ttl),
	})
	s.entries[key] = el
}

// invalidate removes the entry for key if present
func (c *responseCache) invalidate(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.order.Remove(el)
		delete(s.entries, key)
	}
}

// invalidatePrefix removes all entries whose key carries the given tag.
// Keys are digests, so prefix invalidation works on the tag index kept
// alongside the shards.
type taggedCache struct {
	*responseCache

	mu   sync.Mutex
	tags map[string][]string // tag -> keys
}

func newTaggedCache(ttl time.Duration, capacity int) *taggedCache {
	return &taggedCache{
		responseCache: newResponseCache(ttl, capacity),
		tags:          make(map[string][]string),
	}
}

// putTagged stores value and records it under tag for later invalidation
func (c *taggedCache) putTagged(tag, key string, value []byte, now time.Time) {
	c.put(key, value, now)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags[tag] = append(c.tags[tag], key)
}

// invalidateTag drops every entry recorded under tag
func (c *taggedCache) invalidateTag(tag string) {
	c.mu.Lock()
	keys := c.tags[tag]
	delete(c.tags, tag)
	// Drop derived tags too (e.g. pages of a resource collection)
	for t, ks := range c.tags {
		if strings.HasPrefix(t, tag+"/") {
			keys = append(keys, ks...)
			delete(c.tags, t)
		}
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.invalidate(k)
	}
}
