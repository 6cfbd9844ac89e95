// Package jit implements the block-level WASM JIT: a WASM binary encoder,
// a compiler from microop.Block to WASM bytes, a wazero-backed runtime to
// execute them, and the block cache tying compiled artifacts to guest PCs.
package jit

import (
	"container/list"
	"sync"

	"github.com/tetratelabs/wazero"
)

// Artifact is a single compiled block: its WASM bytes plus the
// bookkeeping the cache and runtime need.
type Artifact struct {
	PC        uint64
	WasmBytes []byte
	InsnCount int
	ExecCount uint64

	// Compiled is filled in lazily by the Runtime the first time this
	// artifact executes, so a cache hit skips wazero's own compile step
	// on every subsequent call.
	Compiled wazero.CompiledModule
}

// CacheStats accumulates cache-wide counters.
type CacheStats struct {
	Hits        uint64
	Misses      uint64
	Insertions  uint64
	Evictions   uint64
	Invalidations uint64
	BytesCompiled uint64
}

// HitRatio returns Hits / (Hits + Misses), or 0 if there have been no
// lookups at all.
func (s CacheStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	pc  uint64
	art *Artifact
}

// Cache is the JIT block cache: LRU by entry count and by a byte budget,
// with a `compiling` in-flight set and a `blacklisted` set that survives
// Flush. Grounded in full on original_source/riscv-vm/src/jit/cache.rs's
// JitCache; container/list + map is the standard Go translation of the
// Rust original's lru::LruCache.
type Cache struct {
	mu sync.Mutex

	maxEntries int
	maxBytes   uint64
	curBytes   uint64

	order *list.List // front = most recently used
	index map[uint64]*list.Element

	compiling   map[uint64]struct{}
	blacklisted map[uint64]struct{}

	generation uint32
	stats      CacheStats
}

const (
	defaultMaxEntries = 1024
	defaultMaxBytes   = 16 * 1024 * 1024
)

// NewCache creates a cache with the default entry/byte budgets.
func NewCache() *Cache {
	return NewCacheWithLimits(defaultMaxEntries, defaultMaxBytes)
}

// NewCacheWithLimits creates a cache with explicit entry count and byte
// budgets.
func NewCacheWithLimits(maxEntries int, maxBytes uint64) *Cache {
	return &Cache{
		maxEntries:  maxEntries,
		maxBytes:    maxBytes,
		order:       list.New(),
		index:       make(map[uint64]*list.Element),
		compiling:   make(map[uint64]struct{}),
		blacklisted: make(map[uint64]struct{}),
	}
}

// Insert adds or replaces the artifact for pc, evicting by byte budget
// first and then by entry count, and clears pc from the compiling set.
func (c *Cache) Insert(pc uint64, art *Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.compiling, pc)

	if el, ok := c.index[pc]; ok {
		old := el.Value.(*entry)
		c.curBytes -= uint64(len(old.art.WasmBytes))
		old.art = art
		c.curBytes += uint64(len(art.WasmBytes))
		c.order.MoveToFront(el)
		c.stats.Insertions++
		c.stats.BytesCompiled += uint64(len(art.WasmBytes))
		return
	}

	for c.maxBytes > 0 && c.curBytes+uint64(len(art.WasmBytes)) > c.maxBytes && c.order.Len() > 0 {
		c.evictOldest()
	}
	for c.maxEntries > 0 && c.order.Len() >= c.maxEntries {
		c.evictOldest()
	}

	el := c.order.PushFront(&entry{pc: pc, art: art})
	c.index[pc] = el
	c.curBytes += uint64(len(art.WasmBytes))
	c.stats.Insertions++
	c.stats.BytesCompiled += uint64(len(art.WasmBytes))
}

func (c *Cache) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	c.order.Remove(back)
	delete(c.index, e.pc)
	c.curBytes -= uint64(len(e.art.WasmBytes))
	c.stats.Evictions++
}

// Get returns the artifact for pc, if present, promoting it to
// most-recently-used and counting a hit or a miss.
func (c *Cache) Get(pc uint64) (*Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[pc]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	return el.Value.(*entry).art, true
}

// Peek is like Get but does not affect LRU order or statistics.
func (c *Cache) Peek(pc uint64) (*Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[pc]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).art, true
}

// Contains reports presence without affecting LRU order.
func (c *Cache) Contains(pc uint64) bool {
	_, ok := c.Peek(pc)
	return ok
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(pc uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(pc)
}

func (c *Cache) invalidateLocked(pc uint64) bool {
	el, ok := c.index[pc]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.index, pc)
	c.curBytes -= uint64(len(e.art.WasmBytes))
	c.stats.Invalidations++
	return true
}

// InvalidateRange removes every entry whose PC falls in [lo, hi).
func (c *Cache) InvalidateRange(lo, hi uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pc := range c.index {
		if pc >= lo && pc < hi {
			c.invalidateLocked(pc)
		}
	}
}

// InvalidatePage removes every entry in the 4KiB page containing addr.
func (c *Cache) InvalidatePage(addr uint64) {
	const pageSize = 4096
	base := addr &^ (pageSize - 1)
	c.InvalidateRange(base, base+pageSize)
}

// Clear removes every entry but preserves the blacklist, matching the
// Rust original's clear() semantics (flush() wraps this after bumping
// the generation counter).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = list.New()
	c.index = make(map[uint64]*list.Element)
	c.curBytes = 0
	c.compiling = make(map[uint64]struct{})
}

// Flush increments the generation counter (wrapping) and clears the
// cache. Generation never decreases.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
	c.Clear()
}

// Generation returns the current flush generation.
func (c *Cache) Generation() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// MarkCompiling records pc as having an in-flight compile.
func (c *Cache) MarkCompiling(pc uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiling[pc] = struct{}{}
}

// IsCompiling reports whether pc has an in-flight compile.
func (c *Cache) IsCompiling(pc uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.compiling[pc]
	return ok
}

// Blacklist marks pc as permanently unsuitable for compilation (e.g.
// after a compile failure) and removes it from the compiling set. The
// blacklist survives Clear/Flush.
func (c *Cache) Blacklist(pc uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.compiling, pc)
	c.blacklisted[pc] = struct{}{}
}

// IsBlacklisted reports whether pc has been blacklisted.
func (c *Cache) IsBlacklisted(pc uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blacklisted[pc]
	return ok
}

// ClearBlacklist removes every blacklist entry.
func (c *Cache) ClearBlacklist() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blacklisted = make(map[uint64]struct{})
}

// Stats returns a snapshot of the accumulated statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ResetStats zeroes the statistics counters without touching entries.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = CacheStats{}
}

// MemoryUsage returns the total bytes currently held by cached artifacts.
func (c *Cache) MemoryUsage() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// EntryCount returns the number of cached artifacts.
func (c *Cache) EntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the maximum entry count.
func (c *Cache) Capacity() int {
	return c.maxEntries
}

// MaxBytes returns the byte budget.
func (c *Cache) MaxBytes() uint64 {
	return c.maxBytes
}

// MostRecent returns the PC of the most recently used entry, if any.
func (c *Cache) MostRecent() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	front := c.order.Front()
	if front == nil {
		return 0, false
	}
	return front.Value.(*entry).pc, true
}

// LeastRecent returns the PC of the least recently used entry, if any.
func (c *Cache) LeastRecent() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	back := c.order.Back()
	if back == nil {
		return 0, false
	}
	return back.Value.(*entry).pc, true
}

// Resize changes the entry/byte budgets, evicting as needed to meet the
// new limits immediately.
func (c *Cache) Resize(maxEntries int, maxBytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxEntries = maxEntries
	c.maxBytes = maxBytes
	for c.maxBytes > 0 && c.curBytes > c.maxBytes && c.order.Len() > 0 {
		c.evictOldest()
	}
	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		c.evictOldest()
	}
}

// AddJitInstructions accounts for additional JIT-compiled instructions
// executed against an artifact's exec counter, tracking hotness past a
// block's first compile. Nothing in this module calls it.
func (c *Cache) AddJitInstructions(pc uint64, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[pc]; ok {
		el.Value.(*entry).art.ExecCount += n
	}
}
