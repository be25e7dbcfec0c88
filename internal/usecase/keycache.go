package usecase

import (
	"sync"
	"time"
)

// keyCache はアンラップ済み秘密鍵のTTL付きキャッシュ。
// KMSへの往復を操作ごとに繰り返さないための最適化であり、
// エントリは参照ハンドル（PrivateKeyRef）でのみ引かれる。
// 鍵バイト列は格納時・取得時ともにコピーし、追い出し時のゼロ化が
// 呼び出し側の保持するスライスに及ばないようにする。
type keyCache struct {
	mu         sync.Mutex
	maxSize    int
	ttl        time.Duration
	entries    map[string]keyCacheEntry
	accessedAt map[string]time.Time
}

type keyCacheEntry struct {
	key       []byte
	expiresAt time.Time
}

func newKeyCache(maxSize int, ttl time.Duration) *keyCache {
	if maxSize < 1 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &keyCache{
		maxSize:    maxSize,
		ttl:        ttl,
		entries:    make(map[string]keyCacheEntry),
		accessedAt: make(map[string]time.Time),
	}
}

func (c *keyCache) get(ref string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[ref]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.removeLocked(ref)
		return nil, false
	}
	c.accessedAt[ref] = time.Now()
	return append([]byte(nil), entry.key...), true
}

func (c *keyCache) put(ref string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[ref] = keyCacheEntry{key: append([]byte(nil), key...), expiresAt: time.Now().Add(c.ttl)}
	c.accessedAt[ref] = time.Now()
}

func (c *keyCache) removeLocked(ref string) {
	if entry, ok := c.entries[ref]; ok {
		for i := range entry.key {
			entry.key[i] = 0
		}
	}
	delete(c.entries, ref)
	delete(c.accessedAt, ref)
}

func (c *keyCache) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for ref, at := range c.accessedAt {
		if oldest == "" || at.Before(oldestAt) {
			oldest = ref
			oldestAt = at
		}
	}
	if oldest != "" {
		c.removeLocked(oldest)
	}
}

func (c *keyCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref := range c.entries {
		c.removeLocked(ref)
	}
}
