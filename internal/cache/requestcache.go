// Package cache implements the Request Cache (spec §4.6): a shared,
// mutex-guarded GET-response cache with a TTL and insertion-order LRU
// eviction. It is transport-agnostic — internal/browser wires it to a
// chromedp Fetch-domain interceptor; this package only knows about keys,
// bytes, and sizes.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Entry is one cached response.
type Entry struct {
	BodyBytes       []byte
	ResponseHeaders map[string]string
	Status          int
	InsertedAt      time.Time
	SizeBytes       int64
}

// Stats mirrors the getStats() contract from spec §4.6.
type Stats struct {
	Hits            int64
	Misses          int64
	SizeBytes       int64
	ItemCount       int
	BytesSaved      int64
	BytesDownloaded int64
}

type record struct {
	key   string
	entry Entry
}

// Cache is the shared request cache for one engine invocation.
type Cache struct {
	mu           sync.Mutex
	ttl          time.Duration
	maxSizeBytes int64
	curSizeBytes int64

	index map[string]*list.Element // key -> element in order (oldest at Back)
	order *list.List

	stats Stats
}

// New builds a Cache with the given byte budget and TTL.
func New(maxSizeBytes int64, ttl time.Duration) *Cache {
	return &Cache{
		ttl:          ttl,
		maxSizeBytes: maxSizeBytes,
		index:        make(map[string]*list.Element),
		order:        list.New(),
	}
}

// ShouldCache reports whether a request/response pair is eligible for
// caching: GET only, no Authorization or Cookie header, 2xx status only.
func ShouldCache(method string, requestHeaders map[string]string, status int) bool {
	if !strings.EqualFold(method, "GET") {
		return false
	}
	if status < 200 || status >= 300 {
		return false
	}
	for k := range requestHeaders {
		lk := strings.ToLower(k)
		if lk == "authorization" || lk == "cookie" {
			return false
		}
	}
	return true
}

// IsImageResourceType reports whether a CDP resource-type tag denotes an
// image request, used by the browser driver to honor blockImages.
func IsImageResourceType(resourceType string) bool {
	return strings.EqualFold(resourceType, "Image")
}

// Lookup returns the cached entry for key if present and unexpired. An
// expired entry is evicted and treated as a miss.
func (c *Cache) Lookup(key string, now time.Time) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.stats.Misses++
		return Entry{}, false
	}
	rec := el.Value.(*record)
	if c.ttl > 0 && now.Sub(rec.entry.InsertedAt) > c.ttl {
		c.removeLocked(el)
		c.stats.Misses++
		return Entry{}, false
	}
	c.stats.Hits++
	c.stats.BytesSaved += rec.entry.SizeBytes
	return rec.entry, true
}

// Store inserts or replaces key's entry, then evicts oldest-inserted
// entries until the cache is back under its byte budget.
func (c *Cache) Store(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.InsertedAt.IsZero() {
		entry.InsertedAt = time.Now()
	}
	c.stats.BytesDownloaded += entry.SizeBytes

	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}

	el := c.order.PushFront(&record{key: key, entry: entry})
	c.index[key] = el
	c.curSizeBytes += entry.SizeBytes

	for c.maxSizeBytes > 0 && c.curSizeBytes > c.maxSizeBytes {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
}

// removeLocked detaches el from the list/index/size accounting. Caller
// must hold c.mu.
func (c *Cache) removeLocked(el *list.Element) {
	rec := el.Value.(*record)
	c.order.Remove(el)
	delete(c.index, rec.key)
	c.curSizeBytes -= rec.entry.SizeBytes
}

// Stats returns a snapshot of cumulative cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.SizeBytes = c.curSizeBytes
	s.ItemCount = c.order.Len()
	return s
}
