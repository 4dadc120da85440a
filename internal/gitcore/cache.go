package gitcore

import (
	"container/list"
	"sync"

	"github.com/rybkr/gitsend/internal/giterr"
	"github.com/rybkr/gitsend/internal/metrics"
)

// Per-kind cache capacities and the byte cap that keeps oversized raw
// payloads from churning the raw cache.
const (
	objectCacheSize = 256
	commitCacheSize = 512
	treeCacheSize   = 1024
	tagCacheSize    = 256
	rawCacheSize    = 64

	rawCacheMaxItemSize = 4 * 1024 * 1024
)

// objectCache is a bounded LRU keyed by object id: a map for O(1) lookup
// plus a doubly-linked list ordered by recency, front = most recent.
// Get returns a borrowed view that callers must not mutate.
type objectCache[V any] struct {
	mu      sync.Mutex
	kind    string // metrics label
	maxSize int
	maxItem int // per-entry byte cap, 0 = none
	items   map[Hash]*list.Element
	order   *list.List
}

type cacheEntry[V any] struct {
	id    Hash
	value V
}

func newObjectCache[V any](kind string, maxSize, maxItem int) *objectCache[V] {
	return &objectCache[V]{
		kind:    kind,
		maxSize: maxSize,
		maxItem: maxItem,
		items:   make(map[Hash]*list.Element),
		order:   list.New(),
	}
}

// add inserts a value at the head, evicting the least recently used entry
// when the cache is full. A present id reports ErrObjExists and an entry
// over the byte cap ErrObjTooLarge; both are hints, not failures, and the
// Repository swallows them.
func (c *objectCache[V]) add(id Hash, value V, size int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[id]; ok {
		return giterr.ErrObjExists
	}
	if c.maxItem > 0 && size > c.maxItem {
		return giterr.ErrObjTooLarge
	}

	c.items[id] = c.order.PushFront(cacheEntry[V]{id, value})

	if c.order.Len() > c.maxSize {
		lru := c.order.Back()
		c.order.Remove(lru)
		delete(c.items, lru.Value.(cacheEntry[V]).id)
		metrics.ObjectCacheEviction(c.kind)
	}
	return nil
}

// get returns a borrowed view of the cached value and promotes it.
func (c *objectCache[V]) get(id Hash) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if !ok {
		var zero V
		metrics.ObjectCacheMiss(c.kind)
		return zero, false
	}
	c.order.MoveToFront(elem)
	metrics.ObjectCacheHit(c.kind)
	return elem.Value.(cacheEntry[V]).value, true
}

func (c *objectCache[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// close empties the cache.
func (c *objectCache[V]) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[Hash]*list.Element)
	c.order = list.New()
}
