// Package mediacache indexes fetched media per payload and size so the
// resolver can reuse a larger image instead of fetching a smaller one.
package mediacache

import (
	"sync"
	"time"

	"github.com/ssd-technologies/nocturne-media/internal/media"
)

// Prefix is the part of a cache key shared by every size of one payload.
type Prefix struct {
	Identity   media.Identity
	Drive      media.Drive
	ID         string
	PayloadKey string
}

// PrefixFor builds the prefix for a reference.
func PrefixFor(ref media.PayloadReference) Prefix {
	return Prefix{Identity: ref.Identity, Drive: ref.Drive, ID: ref.ID(), PayloadKey: ref.PayloadKey}
}

// Entry is one cached result. A nil Size is the full-resolution payload.
type Entry struct {
	Prefix   Prefix
	Size     *media.ImageSize
	Handle   media.Handle
	StoredAt time.Time
}

// FullResolution reports whether the entry holds the original payload.
func (e Entry) FullResolution() bool { return e.Size == nil }

// Satisfies reports whether the entry can serve a request for size. A full
// resolution entry serves anything; a sized entry serves a sized request when
// either dimension is at least as large, and never serves a size-less one.
func (e Entry) Satisfies(size *media.ImageSize) bool {
	if e.Size == nil {
		return true
	}
	if size == nil {
		return false
	}
	return e.Size.PixelWidth >= size.PixelWidth || e.Size.PixelHeight >= size.PixelHeight
}

const fullKey = ""

func sizeKey(size *media.ImageSize) string {
	if size == nil {
		return fullKey
	}
	return size.CacheKey()
}

// Cache is safe for concurrent use. Concurrent stores to the same key race
// and the last one wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[Prefix]map[string]Entry
	now     func() time.Time
}

func New() *Cache {
	return &Cache{entries: make(map[Prefix]map[string]Entry), now: time.Now}
}

// Lookup returns the best entry for size under prefix. A full-resolution
// entry wins; otherwise the smallest satisfying sized entry is returned.
// The request is rounded the same way Store rounds entries.
func (c *Cache) Lookup(p Prefix, size *media.ImageSize) (Entry, bool) {
	if size != nil {
		r := size.Rounded()
		size = &r
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	sizes := c.entries[p]
	if full, ok := sizes[fullKey]; ok {
		return full, true
	}

	var best Entry
	found := false
	for _, e := range sizes {
		if !e.Satisfies(size) {
			continue
		}
		if !found || area(e.Size) < area(best.Size) {
			best, found = e, true
		}
	}
	return best, found
}

func area(s *media.ImageSize) int {
	return s.PixelWidth * s.PixelHeight
}

// Store records an entry, replacing any entry with the same rounded size.
// Sized entries are stored at their rounded size.
func (c *Cache) Store(e Entry) {
	if e.Size != nil {
		r := e.Size.Rounded()
		e.Size = &r
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sizes := c.entries[e.Prefix]
	if sizes == nil {
		sizes = make(map[string]Entry)
		c.entries[e.Prefix] = sizes
	}
	sizes[sizeKey(e.Size)] = e
}

// Invalidate removes the entry for size, or every entry under the prefix when
// size is nil, and returns what was removed so the caller can release it.
func (c *Cache) Invalidate(p Prefix, size *media.ImageSize) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	sizes := c.entries[p]
	if len(sizes) == 0 {
		return nil
	}
	if size == nil {
		removed := make([]Entry, 0, len(sizes))
		for _, e := range sizes {
			removed = append(removed, e)
		}
		delete(c.entries, p)
		return removed
	}

	k := sizeKey(size)
	e, ok := sizes[k]
	if !ok {
		return nil
	}
	delete(sizes, k)
	if len(sizes) == 0 {
		delete(c.entries, p)
	}
	return []Entry{e}
}

// Drop removes e if it is still the entry stored under its prefix and size.
func (c *Cache) Drop(e Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	sizes := c.entries[e.Prefix]
	k := sizeKey(e.Size)
	cur, ok := sizes[k]
	if !ok || cur.Handle != e.Handle {
		return false
	}
	delete(sizes, k)
	if len(sizes) == 0 {
		delete(c.entries, e.Prefix)
	}
	return true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, sizes := range c.entries {
		n += len(sizes)
	}
	return n
}

// Entries returns a snapshot of every entry.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for _, sizes := range c.entries {
		for _, e := range sizes {
			out = append(out, e)
		}
	}
	return out
}

// Expire removes every entry stored before cutoff and returns them.
func (c *Cache) Expire(cutoff time.Time) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []Entry
	for p, sizes := range c.entries {
		for k, e := range sizes {
			if e.StoredAt.Before(cutoff) {
				removed = append(removed, e)
				delete(sizes, k)
			}
		}
		if len(sizes) == 0 {
			delete(c.entries, p)
		}
	}
	return removed
}
