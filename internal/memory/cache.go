package memory

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// embeddingCache is a bounded text->vector cache keyed by a fast hash. Hits
// refresh recency; eviction removes the entry with the lowest hits-per-second
// of age, so an old entry that is still hot survives a young cold one.
type embeddingCache struct {
	capacity int
	ttl      time.Duration

	mu    sync.Mutex
	order *list.List // front oldest, back most recent
	items map[uint64]*list.Element
	now   func() time.Time
}

type cacheEntry struct {
	key       uint64
	vector    []float32
	hits      int
	createdAt time.Time
}

func newEmbeddingCache(capacity int, ttl time.Duration) *embeddingCache {
	if capacity <= 0 {
		capacity = 200
	}
	return &embeddingCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[uint64]*list.Element),
		now:      time.Now,
	}
}

func hashText(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

// get returns the cached vector for text, or false. Entries past the TTL are
// dropped and reported as misses.
func (c *embeddingCache) get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[hashText(text)]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && c.now().Sub(entry.createdAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.items, entry.key)
		return nil, false
	}
	entry.hits++
	c.order.MoveToBack(elem)

	out := make([]float32, len(entry.vector))
	copy(out, entry.vector)
	return out, true
}

func (c *embeddingCache) put(text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hashText(text)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.vector = vector
		entry.createdAt = c.now()
		c.order.MoveToBack(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictLocked()
	}

	elem := c.order.PushBack(&cacheEntry{key: key, vector: vector, createdAt: c.now()})
	c.items[key] = elem
}

// evictLocked removes the entry minimising hits / max(1, ageSeconds).
func (c *embeddingCache) evictLocked() {
	now := c.now()
	var victim *list.Element
	var victimScore float64

	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*cacheEntry)
		age := now.Sub(entry.createdAt).Seconds()
		if age < 1 {
			age = 1
		}
		score := float64(entry.hits) / age
		if victim == nil || score < victimScore {
			victim = elem
			victimScore = score
		}
	}
	if victim != nil {
		entry := victim.Value.(*cacheEntry)
		c.order.Remove(victim)
		delete(c.items, entry.key)
	}
}

func (c *embeddingCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
