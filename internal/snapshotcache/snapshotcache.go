// Package snapshotcache implements the bounded RevNum→Snapshot cache
// each control stream keeps (spec §4.4): it always retains the current
// head, evicts least-recently-produced entries beyond a soft cap, and
// guarantees at most one concurrent compute per revision via
// golang.org/x/sync/singleflight.
package snapshotcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/inful/bayou/internal/delta"
)

// DefaultCap is the soft cap on cached non-head snapshots.
const DefaultCap = 16

type entry struct {
	rev      int64
	contents delta.Delta
	elem     *list.Element // position in lru, nil for the pinned head
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	cap     int
	byRev   map[int64]*entry
	lru     *list.List // front = most recently produced
	headRev int64
	hasHead bool

	group singleflight.Group
}

// New builds a Cache with the given soft cap on non-head entries. A
// cap <= 0 uses DefaultCap.
func New(cap int) *Cache {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Cache{
		cap:   cap,
		byRev: make(map[int64]*entry),
		lru:   list.New(),
	}
}

// Get returns the cached snapshot for rev, if present. A hit does not
// change the entry's eviction order.
func (c *Cache) Get(rev int64) (delta.Delta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byRev[rev]
	if !ok {
		return nil, false
	}
	return e.contents, true
}

// Put inserts or refreshes the cached snapshot for rev. isHead marks
// rev as the current head, pinning it against eviction; a prior head
// is unpinned (but kept in the LRU) when a new head is set.
func (c *Cache) Put(rev int64, contents delta.Delta, isHead bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(rev, contents, isHead)
}

func (c *Cache) putLocked(rev int64, contents delta.Delta, isHead bool) {
	if e, ok := c.byRev[rev]; ok {
		e.contents = contents
		c.touch(e)
	} else {
		e := &entry{rev: rev, contents: contents}
		c.byRev[rev] = e
		c.touch(e)
	}

	if isHead {
		if c.hasHead && c.headRev != rev {
			if old, ok := c.byRev[c.headRev]; ok && old.elem == nil {
				old.elem = c.lru.PushFront(old)
			}
		}
		c.headRev = rev
		c.hasHead = true
		if e := c.byRev[rev]; e.elem != nil {
			c.lru.Remove(e.elem)
			e.elem = nil
		}
	}

	c.evictLocked()
}

// touch marks e as most-recently-produced, unless e is the pinned head.
func (c *Cache) touch(e *entry) {
	if c.hasHead && e.rev == c.headRev {
		return
	}
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
		return
	}
	e.elem = c.lru.PushFront(e)
}

func (c *Cache) evictLocked() {
	for len(c.byRev) > c.cap+1 && c.lru.Len() > 0 {
		back := c.lru.Back()
		victim := back.Value.(*entry)
		c.lru.Remove(back)
		delete(c.byRev, victim.rev)
	}
}

// GetOrCompute returns the cached snapshot for rev, computing it via
// compute if absent. Concurrent callers for the same uncached rev
// share one in-flight computation.
func (c *Cache) GetOrCompute(ctx context.Context, rev int64, isHead bool, compute func(context.Context) (delta.Delta, error)) (delta.Delta, error) {
	if d, ok := c.Get(rev); ok {
		if isHead {
			c.Put(rev, d, true)
		}
		return d, nil
	}

	key := fmt.Sprintf("%d", rev)
	v, err, _ := c.group.Do(key, func() (any, error) {
		if d, ok := c.Get(rev); ok {
			return d, nil
		}
		d, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(rev, d, isHead)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(delta.Delta), nil
}

// Nearest returns the cached entry with the greatest rev <= target, for
// a caller that wants to forward-compose from the closest known base
// rather than rebuild from rev 0.
func (c *Cache) Nearest(target int64) (int64, delta.Delta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bestRev := int64(-1)
	var best delta.Delta
	found := false
	for rev, e := range c.byRev {
		if rev <= target && (!found || rev > bestRev) {
			bestRev, best, found = rev, e.contents, true
		}
	}
	return bestRev, best, found
}

// Len reports the number of cached entries, for metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byRev)
}
