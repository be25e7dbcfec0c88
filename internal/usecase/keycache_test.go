package usecase

import (
	"bytes"
	"testing"
	"time"
)

func TestKeyCache_PutGet(t *testing.T) {
	cache := newKeyCache(10, time.Minute)

	cache.put("ref-1", []byte("secret-1"))

	got, ok := cache.get("ref-1")
	if !ok {
		t.Fatal("want cache hit, got miss")
	}
	if !bytes.Equal(got, []byte("secret-1")) {
		t.Errorf("want secret-1, got %q", got)
	}

	if _, ok := cache.get("ref-unknown"); ok {
		t.Error("want miss for unknown ref, got hit")
	}
}

func TestKeyCache_ExpiredEntryIsRemoved(t *testing.T) {
	cache := newKeyCache(10, time.Minute)
	cache.put("ref-1", []byte("secret-1"))

	cache.mu.Lock()
	entry := cache.entries["ref-1"]
	entry.expiresAt = time.Now().Add(-time.Second)
	cache.entries["ref-1"] = entry
	cache.mu.Unlock()

	if _, ok := cache.get("ref-1"); ok {
		t.Error("want miss for expired entry, got hit")
	}
	cache.mu.Lock()
	_, present := cache.entries["ref-1"]
	cache.mu.Unlock()
	if present {
		t.Error("want expired entry removed from cache")
	}
}

func TestKeyCache_EvictsLeastRecentlyAccessed(t *testing.T) {
	cache := newKeyCache(2, time.Minute)
	cache.put("ref-a", []byte("secret-a"))
	cache.put("ref-b", []byte("secret-b"))

	// ref-aを最新アクセスにしてref-bを追い出し対象にする
	base := time.Now()
	cache.mu.Lock()
	cache.accessedAt["ref-a"] = base
	cache.accessedAt["ref-b"] = base.Add(-time.Minute)
	cache.mu.Unlock()

	cache.put("ref-c", []byte("secret-c"))

	if _, ok := cache.get("ref-b"); ok {
		t.Error("want ref-b evicted, got hit")
	}
	if _, ok := cache.get("ref-a"); !ok {
		t.Error("want ref-a retained, got miss")
	}
	if _, ok := cache.get("ref-c"); !ok {
		t.Error("want ref-c present, got miss")
	}
}

func TestKeyCache_EvictionZeroesOnlyInternalCopy(t *testing.T) {
	cache := newKeyCache(10, time.Minute)
	secret := []byte("sensitive-material")
	cache.put("ref-1", secret)

	cache.mu.Lock()
	stored := cache.entries["ref-1"].key
	cache.mu.Unlock()

	cache.clear()

	for i, b := range stored {
		if b != 0 {
			t.Fatalf("want internal key bytes zeroed after eviction, byte %d is %#x", i, b)
		}
	}
	if !bytes.Equal(secret, []byte("sensitive-material")) {
		t.Errorf("want caller's slice untouched by eviction, got %q", secret)
	}
	if _, ok := cache.get("ref-1"); ok {
		t.Error("want miss after clear, got hit")
	}
}

func TestKeyCache_GetReturnsCopySafeFromEviction(t *testing.T) {
	cache := newKeyCache(10, time.Minute)
	cache.put("ref-1", []byte("secret-1"))

	held, ok := cache.get("ref-1")
	if !ok {
		t.Fatal("want cache hit, got miss")
	}

	// 鍵使用中に追い出しが走っても取得済みバイト列は変化しない
	cache.clear()

	if !bytes.Equal(held, []byte("secret-1")) {
		t.Errorf("want held key bytes to survive eviction, got %q", held)
	}
}

func TestKeyCache_DefaultsApplied(t *testing.T) {
	cache := newKeyCache(0, 0)
	if cache.maxSize != 100 {
		t.Errorf("want default max size 100, got %d", cache.maxSize)
	}
	if cache.ttl != time.Hour {
		t.Errorf("want default ttl 1h, got %v", cache.ttl)
	}
}
