// internal/codecache/cache.go

// Package codecache is the bounded store of compiled native code,
// keyed by function identity, with least-recently-used eviction.
package codecache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"wasmjit/internal/codegen"
	"wasmjit/internal/profile"
	"wasmjit/internal/wasm"
)

// Entry pairs a compiled blob with the tier it was compiled at.
type Entry struct {
	Code *codegen.NativeCode
	Tier profile.Tier
}

type element struct {
	id    wasm.FunctionID
	entry Entry
}

// Stats is a point-in-time view of cache occupancy.
type Stats struct {
	Entries   int
	TotalSize int64
	MaxSize   int64
}

func (s Stats) String() string {
	return fmt.Sprintf("%d entries, %s of %s",
		s.Entries, humanize.IBytes(uint64(s.TotalSize)), humanize.IBytes(uint64(s.MaxSize)))
}

// Cache holds at most one entry per function. The byte total stays
// within maxSize except when a single entry alone exceeds the budget:
// the newest entry is always admitted, evicting everything else
// first. Size accounting and map mutation happen under one lock, so
// concurrent inserts never corrupt the total.
type Cache struct {
	mu      sync.Mutex
	maxSize int64
	total   int64
	items   map[wasm.FunctionID]*list.Element
	lru     *list.List // front = most recently used
}

// New creates a cache bounded to maxSize bytes.
func New(maxSize int64) *Cache {
	return &Cache{
		maxSize: maxSize,
		items:   make(map[wasm.FunctionID]*list.Element),
		lru:     list.New(),
	}
}

// Get returns the cached code and tier for id. A hit refreshes
// recency but never touches tier state. The returned blob carries its
// own reference, taken under the cache lock so the entry cannot be
// evicted out from under the caller; the caller must Release it.
func (c *Cache) Get(id wasm.FunctionID) (*codegen.NativeCode, profile.Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, profile.TierInterpreter, false
	}
	c.lru.MoveToFront(el)
	e := el.Value.(*element).entry
	return e.Code.Retain(), e.Tier, true
}

// Insert stores entry for id, replacing any previous entry for the
// same id and evicting least-recently-used entries until the new
// total fits the budget. It returns the ids that were evicted to make
// room. The cache owns one reference to each stored blob.
func (c *Cache) Insert(id wasm.FunctionID, entry Entry) []wasm.FunctionID {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		old := el.Value.(*element).entry
		c.total -= int64(old.Code.Size())
		old.Code.Release()
		c.lru.Remove(el)
		delete(c.items, id)
	}

	newSize := int64(entry.Code.Size())
	var evicted []wasm.FunctionID
	for c.total+newSize > c.maxSize && c.lru.Len() > 0 {
		back := c.lru.Back()
		victim := back.Value.(*element)
		c.total -= int64(victim.entry.Code.Size())
		victim.entry.Code.Release()
		c.lru.Remove(back)
		delete(c.items, victim.id)
		evicted = append(evicted, victim.id)
	}

	el := c.lru.PushFront(&element{id: id, entry: entry})
	c.items[id] = el
	c.total += newSize
	return evicted
}

// Remove drops the entry for id, if present.
func (c *Cache) Remove(id wasm.FunctionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return false
	}
	e := el.Value.(*element).entry
	c.total -= int64(e.Code.Size())
	e.Code.Release()
	c.lru.Remove(el)
	delete(c.items, id)
	return true
}

// Stats reports entry count, byte total, and the configured budget.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.items), TotalSize: c.total, MaxSize: c.maxSize}
}
