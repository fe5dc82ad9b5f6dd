package upstream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheKeyStable(t *testing.T) {
	t.Parallel()

	k1 := cacheKey("https://forge.example.com/issues", "acme", "page2")
	k2 := cacheKey("https://forge.example.com/issues", "acme", "page2")
	assert.Equal(t, k1, k2)

	assert.NotEqual(t, k1, cacheKey("https://forge.example.com/issues", "acme"))
	assert.NotEqual(t, k1, cacheKey("https://forge.example.com/issues", "acme", "page3"))
	// Parameter boundaries matter, concatenation does not collide
	assert.NotEqual(t, cacheKey("a", "bc"), cacheKey("ab", "c"))
}

func TestResponseCacheTTL(t *testing.T) {
	t.Parallel()

	c := newResponseCache(time.Minute, 100)
	now := time.Now()

	c.put("k", []byte("v"), now)

	got, ok := c.get("k", now.Add(30*time.Second))
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	_, ok = c.get("k", now.Add(2*time.Minute))
	assert.False(t, ok)

	// Expired entry is gone, not just hidden
	_, ok = c.get("k", now)
	assert.False(t, ok)
}

func TestResponseCacheLRUEviction(t *testing.T) {
	t.Parallel()

	// capacity 16 spreads to one entry per shard; a second entry landing in
	// the same shard evicts the first
	c := newResponseCache(time.Minute, 16)
	now := time.Now()

	shard := c.shardFor("a")
	victim := "a"
	c.put(victim, []byte("old"), now)

	// Find another key in the same shard
	for i := 0; ; i++ {
		key := fmt.Sprintf("key-%d", i)
		if c.shardFor(key) == shard {
			c.put(key, []byte("new"), now)
			break
		}
	}

	_, ok := c.get(victim, now)
	assert.False(t, ok)
}

func TestResponseCacheOverwrite(t *testing.T) {
	t.Parallel()

	c := newResponseCache(time.Minute, 100)
	now := time.Now()

	c.put("k", []byte("one"), now)
	c.put("k", []byte("two"), now.Add(time.Second))

	got, ok := c.get("k", now.Add(2*time.Second))
	assert.True(t, ok)
	assert.Equal(t, []byte("two"), got)
}

func TestTaggedCacheInvalidation(t *testing.T) {
	t.Parallel()

	c := newTaggedCache(time.Minute, 100)
	now := time.Now()

	c.putTagged("issue/42", "key-one", []byte("one"), now)
	c.putTagged("issue/acme", "key-page", []byte("page"), now)
	c.putTagged("repository/7", "key-repo", []byte("repo"), now)

	// Tag plus derived tags under the kind prefix
	c.invalidateTag("issue")

	_, ok := c.get("key-one", now)
	assert.False(t, ok)
	_, ok = c.get("key-page", now)
	assert.False(t, ok)

	// Other kinds are untouched
	got, ok := c.get("key-repo", now)
	assert.True(t, ok)
	assert.Equal(t, []byte("repo"), got)
}

func TestTaggedCacheInvalidateSingleResource(t *testing.T) {
	t.Parallel()

	c := newTaggedCache(time.Minute, 100)
	now := time.Now()

	c.putTagged("issue/42", "key-42", []byte("a"), now)
	c.putTagged("issue/43", "key-43", []byte("b"), now)

	c.invalidateTag("issue/42")

	_, ok := c.get("key-42", now)
	assert.False(t, ok)
	_, ok = c.get("key-43", now)
	assert.True(t, ok)
}
