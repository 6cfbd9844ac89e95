package jit

import "testing"

func mkArtifact(pc uint64, size int) *Artifact {
	return &Artifact{PC: pc, WasmBytes: make([]byte, size)}
}

func TestCacheBasicInsertGet(t *testing.T) {
	c := NewCache()
	c.Insert(0x1000, mkArtifact(0x1000, 10))

	art, ok := c.Get(0x1000)
	if !ok || art.PC != 0x1000 {
		t.Fatalf("expected a hit for 0x1000")
	}
	stats := c.Stats()
	if stats.Hits != 1 {
		t.Fatalf("hits = %d, want 1", stats.Hits)
	}
}

func TestCacheLRUEvictionByCount(t *testing.T) {
	c := NewCacheWithLimits(2, 0)
	c.Insert(0x1000, mkArtifact(0x1000, 10))
	c.Insert(0x2000, mkArtifact(0x2000, 10))
	c.Insert(0x3000, mkArtifact(0x3000, 10))

	if c.Contains(0x1000) {
		t.Fatal("0x1000 should have been evicted (least recently used)")
	}
	if !c.Contains(0x2000) || !c.Contains(0x3000) {
		t.Fatal("0x2000 and 0x3000 should remain")
	}
	if c.EntryCount() != 2 {
		t.Fatalf("entry count = %d, want 2", c.EntryCount())
	}
}

func TestCacheEvictionByBytes(t *testing.T) {
	c := NewCacheWithLimits(0, 500)
	c.Insert(0x1000, mkArtifact(0x1000, 200))
	c.Insert(0x2000, mkArtifact(0x2000, 200))
	c.Insert(0x3000, mkArtifact(0x3000, 200))

	if c.MemoryUsage() > 500 {
		t.Fatalf("memory usage = %d, want <= 500", c.MemoryUsage())
	}
	if c.Contains(0x1000) {
		t.Fatal("0x1000 should have been evicted to stay under the byte budget")
	}
}

func TestCacheLRUOrderUpdatesOnGet(t *testing.T) {
	c := NewCacheWithLimits(2, 0)
	c.Insert(0x1000, mkArtifact(0x1000, 10))
	c.Insert(0x2000, mkArtifact(0x2000, 10))

	c.Get(0x1000) // touch 0x1000, making 0x2000 the LRU victim
	c.Insert(0x3000, mkArtifact(0x3000, 10))

	if !c.Contains(0x1000) {
		t.Fatal("0x1000 was recently used and should remain")
	}
	if c.Contains(0x2000) {
		t.Fatal("0x2000 should have been evicted")
	}
}

func TestCachePeekDoesNotUpdateLRU(t *testing.T) {
	c := NewCacheWithLimits(2, 0)
	c.Insert(0x1000, mkArtifact(0x1000, 10))
	c.Insert(0x2000, mkArtifact(0x2000, 10))

	c.Peek(0x1000)
	c.Insert(0x3000, mkArtifact(0x3000, 10))

	if c.Contains(0x1000) {
		t.Fatal("peek must not protect an entry from eviction")
	}
}

func TestCacheInvalidatePage(t *testing.T) {
	c := NewCache()
	c.Insert(0x1000, mkArtifact(0x1000, 10))
	c.Insert(0x1500, mkArtifact(0x1500, 10))
	c.Insert(0x2000, mkArtifact(0x2000, 10))

	c.InvalidatePage(0x1234)

	if c.Contains(0x1000) || c.Contains(0x1500) {
		t.Fatal("0x1000 and 0x1500 share a 4KiB page with 0x1234 and should be gone")
	}
	if !c.Contains(0x2000) {
		t.Fatal("0x2000 is on a different page and should remain")
	}
}

func TestCacheCompilingAndBlacklist(t *testing.T) {
	c := NewCache()
	c.MarkCompiling(0x1000)
	if !c.IsCompiling(0x1000) {
		t.Fatal("expected 0x1000 to be marked compiling")
	}

	c.Blacklist(0x1000)
	if c.IsCompiling(0x1000) {
		t.Fatal("blacklisting should clear the compiling flag")
	}
	if !c.IsBlacklisted(0x1000) {
		t.Fatal("expected 0x1000 to be blacklisted")
	}
}

func TestCacheFlushIncrementsGenerationAndKeepsBlacklist(t *testing.T) {
	c := NewCache()
	c.Insert(0x1000, mkArtifact(0x1000, 10))
	c.Blacklist(0x2000)

	gen0 := c.Generation()
	c.Flush()

	if c.Generation() != gen0+1 {
		t.Fatalf("generation = %d, want %d", c.Generation(), gen0+1)
	}
	if c.Contains(0x1000) {
		t.Fatal("flush should clear cached entries")
	}
	if !c.IsBlacklisted(0x2000) {
		t.Fatal("flush must preserve the blacklist")
	}
}

func TestCacheResizeSmaller(t *testing.T) {
	c := NewCacheWithLimits(10, 0)
	c.Insert(0x1000, mkArtifact(0x1000, 10))
	c.Insert(0x2000, mkArtifact(0x2000, 10))
	c.Insert(0x3000, mkArtifact(0x3000, 10))

	c.Resize(1, 0)
	if c.EntryCount() != 1 {
		t.Fatalf("entry count = %d, want 1 after resizing smaller", c.EntryCount())
	}
}

func TestCacheHitRatio(t *testing.T) {
	c := NewCache()
	c.Insert(0x1000, mkArtifact(0x1000, 10))
	c.Get(0x1000)
	c.Get(0x1000)
	c.Get(0x9999)

	if got, want := c.Stats().HitRatio(), 2.0/3.0; got != want {
		t.Fatalf("hit ratio = %v, want %v", got, want)
	}
}

func TestCacheRecompilationReplacesEntry(t *testing.T) {
	c := NewCache()
	c.Insert(0x1000, mkArtifact(0x1000, 10))
	c.Insert(0x1000, mkArtifact(0x1000, 20))

	if c.EntryCount() != 1 {
		t.Fatalf("entry count = %d, want 1", c.EntryCount())
	}
	art, _ := c.Peek(0x1000)
	if len(art.WasmBytes) != 20 {
		t.Fatalf("expected the replacement artifact, got %d bytes", len(art.WasmBytes))
	}
}

func TestCacheMostAndLeastRecent(t *testing.T) {
	c := NewCache()
	c.Insert(0x1000, mkArtifact(0x1000, 10))
	c.Insert(0x2000, mkArtifact(0x2000, 10))

	if mr, _ := c.MostRecent(); mr != 0x2000 {
		t.Fatalf("most recent = %#x, want 0x2000", mr)
	}
	if lr, _ := c.LeastRecent(); lr != 0x1000 {
		t.Fatalf("least recent = %#x, want 0x1000", lr)
	}
}
