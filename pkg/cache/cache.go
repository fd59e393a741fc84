// Package cache provides the on-disk content cache. Entries are keyed by
// remote object id, so a cached file never needs invalidation: a new remote
// version has a new id.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/dongsupark/seafile-fuse-client/internal/metrics"
	"github.com/dongsupark/seafile-fuse-client/pkg/tree"
)

// maxEntries bounds the index independently of the byte limit.
const maxEntries = 1 << 20

// Cache manages locally cached file contents.
type Cache struct {
	dir     string
	maxSize int64 // Maximum cache size in bytes

	mu    sync.Mutex
	index *lru.Cache // object id -> int64 size
	size  int64
}

// New creates a cache in dir and indexes content left by a previous mount.
func New(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{dir: dir, maxSize: maxSize}
	index, err := lru.NewWithEvict(maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.index = index

	if err := c.scan(); err != nil {
		return nil, err
	}
	metrics.SetContentCacheBytes(c.size)
	return c, nil
}

// scan adds existing files oldest first so they are evicted first.
func (c *Cache) scan() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}

	type found struct {
		id   string
		size int64
		mod  int64
	}
	var files []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".tmp") {
			os.Remove(filepath.Join(c.dir, e.Name()))
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, found{id: e.Name(), size: info.Size(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod < files[j].mod })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range files {
		c.index.Add(f.id, f.size)
		c.size += f.size
	}
	c.shrink()
	return nil
}

// onEvict runs inside index operations, with c.mu held.
func (c *Cache) onEvict(key, value interface{}) {
	os.Remove(filepath.Join(c.dir, key.(string)))
	c.size -= value.(int64)
}

func (c *Cache) shrink() {
	for c.size > c.maxSize && c.index.Len() > 0 {
		c.index.RemoveOldest()
	}
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key)
}

// Get returns the cached content of object id.
func (c *Cache) Get(id string) ([]byte, bool) {
	key := tree.CacheID(id)

	c.mu.Lock()
	_, ok := c.index.Get(key)
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	data, err := os.ReadFile(c.path(key))
	if err != nil {
		c.Evict(id)
		return nil, false
	}
	return data, true
}

// Put stores content for object id.
// Content is written atomically (temp file then rename). Content larger than
// the whole cache is not stored.
func (c *Cache) Put(id string, data []byte) error {
	if id == "" || int64(len(data)) > c.maxSize {
		return nil
	}
	key := tree.CacheID(id)
	localPath := c.path(key)
	tempPath := localPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename cache file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.index.Peek(key); ok {
		c.size -= old.(int64)
	}
	c.index.Add(key, int64(len(data)))
	c.size += int64(len(data))
	c.shrink()
	metrics.SetContentCacheBytes(c.size)
	return nil
}

// Evict removes object id from the cache.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index.Remove(tree.CacheID(id))
	metrics.SetContentCacheBytes(c.size)
}

// Contains reports whether object id is cached, without touching recency.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Contains(tree.CacheID(id))
}

// Stats returns cache statistics.
func (c *Cache) Stats() (size, maxSize int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.maxSize, c.index.Len()
}

// Clear removes every cached file and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.index.Len()
	c.index.Purge()
	metrics.SetContentCacheBytes(c.size)
	return n
}

// Dir returns the cache directory path.
func (c *Cache) Dir() string {
	return c.dir
}
