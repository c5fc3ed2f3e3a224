package cache

import (
	"testing"
	"time"
)

func TestShouldCache_GetOnly(t *testing.T) {
	if ShouldCache("POST", nil, 200) {
		t.Fatal("expected POST to be ineligible")
	}
	if !ShouldCache("GET", nil, 200) {
		t.Fatal("expected plain GET/200 to be eligible")
	}
}

func TestShouldCache_ExcludesAuthAndCookie(t *testing.T) {
	if ShouldCache("GET", map[string]string{"Authorization": "Bearer x"}, 200) {
		t.Fatal("expected Authorization header to exclude from cache")
	}
	if ShouldCache("GET", map[string]string{"Cookie": "a=b"}, 200) {
		t.Fatal("expected Cookie header to exclude from cache")
	}
}

func TestShouldCache_OnlyStatus2xx(t *testing.T) {
	if ShouldCache("GET", nil, 404) {
		t.Fatal("expected 404 to be ineligible")
	}
	if ShouldCache("GET", nil, 301) {
		t.Fatal("expected 301 to be ineligible")
	}
}

func TestCache_HitMiss(t *testing.T) {
	c := New(1<<20, time.Minute)
	now := time.Now()
	if _, ok := c.Lookup("u1", now); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Store("u1", Entry{BodyBytes: []byte("abc"), SizeBytes: 3, Status: 200, InsertedAt: now})
	if _, ok := c.Lookup("u1", now); !ok {
		t.Fatal("expected hit after store")
	}
	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.BytesSaved != 3 || stats.BytesDownloaded != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(1<<20, time.Second)
	now := time.Now()
	c.Store("u1", Entry{SizeBytes: 1, InsertedAt: now})
	later := now.Add(2 * time.Second)
	if _, ok := c.Lookup("u1", later); ok {
		t.Fatal("expected ttl-expired entry to miss")
	}
	if c.Stats().ItemCount != 0 {
		t.Fatal("expected expired entry to be evicted from the index")
	}
}

func TestCache_LRUEvictsOldestInserted(t *testing.T) {
	c := New(5, 0)
	now := time.Now()
	c.Store("a", Entry{SizeBytes: 2, InsertedAt: now})
	c.Store("b", Entry{SizeBytes: 2, InsertedAt: now})
	// "a" is accessed (hit) but that must NOT protect it from eviction —
	// eviction order is strictly insertion order, not access recency.
	c.Lookup("a", now)
	c.Store("c", Entry{SizeBytes: 2, InsertedAt: now}) // pushes total to 6 > 5

	if _, ok := c.Lookup("a", now); ok {
		t.Fatal("expected oldest-inserted entry 'a' to be evicted despite recent access")
	}
	if _, ok := c.Lookup("c", now); !ok {
		t.Fatal("expected newest entry 'c' to remain cached")
	}
}

func TestCache_StoreReplacesExisting(t *testing.T) {
	c := New(1<<20, 0)
	now := time.Now()
	c.Store("u1", Entry{SizeBytes: 10, InsertedAt: now})
	c.Store("u1", Entry{SizeBytes: 20, InsertedAt: now})
	if c.Stats().SizeBytes != 20 {
		t.Fatalf("expected size accounting to reflect replacement, got %d", c.Stats().SizeBytes)
	}
}
