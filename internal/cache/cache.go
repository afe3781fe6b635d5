// Package cache implements the key-addressed store of decoded frames.
//
// Ownership: the cache owns a frame from Put until it is removed on playback
// consumption (Remove) or evicted by the retention window (Advance). Entries
// are written only by the worker that fetched the offset (single writer per
// key), so one mapping-level lock is enough.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

var ErrInvalidSize = errors.New("cache: max entries must be >= 1")

// Stats is a snapshot of cache activity.
type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Puts    uint64 `json:"puts"`
	// Overwrites counts puts that replaced an entry with the same key
	Overwrites uint64 `json:"overwrites"`
	// Consumed counts entries handed over to playback
	Consumed uint64 `json:"consumed"`
	// Expired counts entries dropped by the retention window
	Expired uint64 `json:"expired"`
	// Evicted counts entries dropped by the hard entry cap
	Evicted uint64 `json:"evicted"`
}

// Cache stores decoded frames by (object, offset).
//
// The backing store is an LRU bounded by maxEntries. The bound is a memory
// guard only; in a healthy session the retention window and playback
// consumption keep the cache well below it.
type Cache struct {
	mu        sync.Mutex
	entries   *lru.Cache[Key, *types.DecodedFrame]
	retention uint64
	positions map[types.ObjectID]uint64

	hits       atomic.Uint64
	misses     atomic.Uint64
	puts       atomic.Uint64
	overwrites atomic.Uint64
	consumed   atomic.Uint64
	expired    atomic.Uint64
	evicted    atomic.Uint64
}

// New creates a cache. retention is the number of offsets behind the current
// playback position an entry may lag before Advance evicts it.
func New(maxEntries int, retention uint64) (*Cache, error) {
	if maxEntries < 1 {
		return nil, ErrInvalidSize
	}
	entries, err := lru.New[Key, *types.DecodedFrame](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to create store: %w", err)
	}
	return &Cache{
		entries:   entries,
		retention: retention,
		positions: make(map[types.ObjectID]uint64),
	}, nil
}

// Get returns the cached frame for key.
func (c *Cache) Get(key Key) (*types.DecodedFrame, bool) {
	c.mu.Lock()
	frame, ok := c.entries.Get(key)
	c.mu.Unlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return frame, ok
}

// Contains reports whether key is cached without touching hit statistics.
func (c *Cache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(key)
}

// Put stores frame under key, replacing any entry with the same key.
// Frames behind the retention window of their object are not stored.
func (c *Cache) Put(key Key, frame *types.DecodedFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.expiredLocked(key) {
		c.expired.Add(1)
		return
	}

	if c.entries.Contains(key) {
		c.overwrites.Add(1)
	}
	if evicted := c.entries.Add(key, frame); evicted {
		c.evicted.Add(1)
	}
	c.puts.Add(1)
}

// Remove hands the frame for key over to the caller (playback consumption).
func (c *Cache) Remove(key Key) (*types.DecodedFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame, ok := c.entries.Peek(key)
	if !ok {
		return nil, false
	}
	c.entries.Remove(key)
	c.consumed.Add(1)
	return frame, true
}

// Advance records the playback position of an object and evicts its entries
// that fell more than the retention window behind it. Returns the number of
// evicted entries.
func (c *Cache) Advance(object types.ObjectID, position uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if position <= c.positions[object] {
		return 0
	}
	c.positions[object] = position

	removed := 0
	for _, key := range c.entries.Keys() {
		if key.Object != object || !c.expiredLocked(key) {
			continue
		}
		c.entries.Remove(key)
		removed++
	}
	if removed > 0 {
		c.expired.Add(uint64(removed))
	}
	return removed
}

func (c *Cache) expiredLocked(key Key) bool {
	position, ok := c.positions[key.Object]
	if !ok {
		return false
	}
	return key.Offset+c.retention < position
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:    c.Len(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Puts:       c.puts.Load(),
		Overwrites: c.overwrites.Load(),
		Consumed:   c.consumed.Load(),
		Expired:    c.expired.Load(),
		Evicted:    c.evicted.Load(),
	}
}
