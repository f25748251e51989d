package hasher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of remembered digests.
const DefaultCacheSize = 8192

type cacheEntry struct {
	size    int64
	modTime time.Time
	digest  string
}

// Cache remembers file digests by absolute path. An entry is reused only
// while the file's size and modification time are unchanged.
type Cache struct {
	hasher Hasher

	mu      sync.Mutex
	entries *lru.Cache[string, cacheEntry]
}

// NewCache returns a cache holding at most size entries.
func NewCache(h Hasher, size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &Cache{hasher: h, entries: entries}
}

// Hasher returns the hasher used for cache misses.
func (c *Cache) Hasher() Hasher {
	return c.hasher
}

// Digest returns the digest for path, hashing the file on a miss.
func (c *Cache) Digest(path string) string {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		c.Invalidate(path)
		return UnknownDigest
	}

	c.mu.Lock()
	entry, ok := c.entries.Get(path)
	c.mu.Unlock()
	if ok && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		return entry.digest
	}

	digest := c.hasher.File(path)
	if digest == UnknownDigest {
		c.Invalidate(path)
		return digest
	}

	c.mu.Lock()
	c.entries.Add(path, cacheEntry{size: info.Size(), modTime: info.ModTime(), digest: digest})
	c.mu.Unlock()
	return digest
}

// Invalidate drops the entry for path.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	c.entries.Remove(path)
	c.mu.Unlock()
}

// InvalidatePrefix drops every entry at or below dir.
func (c *Cache) InvalidatePrefix(dir string) {
	prefix := strings.TrimSuffix(dir, string(filepath.Separator)) + string(filepath.Separator)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.entries.Keys() {
		if key == dir || strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
}

// Len returns the number of cached digests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
