package jit

import "testing"

func TestTraceBufferCapacity(t *testing.T) {
	buf := NewTraceBuffer(3)
	buf.Enable()

	for i := uint64(0); i < 5; i++ {
		buf.Push(TraceEvent{Kind: EventBlockEnter, PC: i * 0x100})
	}

	if buf.Len() != 3 {
		t.Fatalf("len = %d, want 3", buf.Len())
	}

	var pcs []uint64
	for _, e := range buf.Iter() {
		pcs = append(pcs, e.PC)
	}
	want := []uint64{0x200, 0x300, 0x400}
	if len(pcs) != len(want) {
		t.Fatalf("pcs = %v, want %v", pcs, want)
	}
	for i := range want {
		if pcs[i] != want[i] {
			t.Fatalf("pcs = %v, want %v", pcs, want)
		}
	}
}

func TestTraceBufferDisabledByDefault(t *testing.T) {
	buf := NewTraceBuffer(10)
	buf.Push(TraceEvent{Kind: EventBlockEnter, PC: 0x1000})

	if !buf.IsEmpty() {
		t.Fatal("expected buffer to stay empty while disabled")
	}
	if buf.Sequence() != 0 {
		t.Fatalf("sequence = %d, want 0", buf.Sequence())
	}
}

func TestTraceBufferEnableDisable(t *testing.T) {
	buf := NewTraceBuffer(10)

	buf.Enable()
	if !buf.IsEnabled() {
		t.Fatal("expected enabled")
	}
	buf.Push(TraceEvent{Kind: EventBlockEnter, PC: 0x1000})
	if buf.Len() != 1 {
		t.Fatalf("len = %d, want 1", buf.Len())
	}

	buf.Disable()
	buf.Push(TraceEvent{Kind: EventBlockEnter, PC: 0x2000})
	if buf.Len() != 1 {
		t.Fatalf("len = %d, want 1 (push after disable should be dropped)", buf.Len())
	}
}

func TestTraceStatsCalculation(t *testing.T) {
	buf := NewTraceBuffer(100)
	buf.Enable()

	for i := 0; i < 10; i++ {
		buf.Push(TraceEvent{Kind: EventBlockEnter, PC: 0x1000, IsJIT: true})
	}
	for i := 0; i < 5; i++ {
		buf.Push(TraceEvent{Kind: EventBlockEnter, PC: 0x2000, IsJIT: false})
	}
	buf.Push(TraceEvent{Kind: EventCompileEnd, PC: 0x1000, WasmSize: 1000, TimeUs: 500, Success: true})
	buf.Push(TraceEvent{Kind: EventCompileEnd, PC: 0x2000, WasmSize: 2000, TimeUs: 700, Success: true})
	buf.Push(TraceEvent{Kind: EventCompileEnd, PC: 0x3000, Success: false})
	for i := 0; i < 8; i++ {
		buf.Push(TraceEvent{Kind: EventCacheLookup, PC: 0x1000, Hit: true})
	}
	for i := 0; i < 2; i++ {
		buf.Push(TraceEvent{Kind: EventCacheLookup, PC: 0x2000, Hit: false})
	}

	stats := buf.Stats()
	if stats.JITExecutions != 10 || stats.InterpExecutions != 5 {
		t.Fatalf("executions = %+v", stats)
	}
	if stats.Compilations != 2 || stats.CompilationFailures != 1 {
		t.Fatalf("compilations = %+v", stats)
	}
	if stats.TotalWasmBytes != 3000 || stats.TotalCompileTimeUs != 1200 {
		t.Fatalf("totals = %+v", stats)
	}
	if stats.CacheHits != 8 || stats.CacheMisses != 2 {
		t.Fatalf("cache = %+v", stats)
	}
	if r := stats.JITRatio(); r < 0.666 || r > 0.667 {
		t.Fatalf("jit ratio = %v", r)
	}
	if r := stats.CacheHitRatio(); r != 0.8 {
		t.Fatalf("cache hit ratio = %v, want 0.8", r)
	}
	if v := stats.AvgCompileTimeUs(); v != 600 {
		t.Fatalf("avg compile time = %v, want 600", v)
	}
	if v := stats.AvgWasmSize(); v != 1500 {
		t.Fatalf("avg wasm size = %v, want 1500", v)
	}
}

func TestEventsForPC(t *testing.T) {
	buf := NewTraceBuffer(100)
	buf.Enable()

	const target = 0x8000_1000

	buf.Push(TraceEvent{Kind: EventBlockEnter, PC: target, IsJIT: true})
	buf.Push(TraceEvent{Kind: EventBlockEnter, PC: 0x8000_2000})
	buf.Push(TraceEvent{Kind: EventCompileStart, PC: target, Ops: 10})
	buf.Push(TraceEvent{Kind: EventTrap, PC: target, Cause: 2})
	buf.Push(TraceEvent{Kind: EventCacheLookup, PC: 0x8000_3000, Hit: true})

	events := buf.EventsForPC(target)
	if len(events) != 3 {
		t.Fatalf("events for pc = %d, want 3", len(events))
	}
}

func TestTraceFilter(t *testing.T) {
	buf := NewTraceBuffer(100)
	buf.Enable()

	buf.Push(TraceEvent{Kind: EventTrap, PC: 0x1000, Cause: 2})
	buf.Push(TraceEvent{Kind: EventBlockEnter, PC: 0x2000, IsJIT: true})
	buf.Push(TraceEvent{Kind: EventTrap, PC: 0x3000, Cause: 5, Tval: 0x100})

	traps := buf.Filter(func(e TraceEvent) bool { return e.Kind == EventTrap })
	if len(traps) != 2 {
		t.Fatalf("traps = %d, want 2", len(traps))
	}
}

func TestTraceBufferClear(t *testing.T) {
	buf := NewTraceBuffer(10)
	buf.Enable()

	for i := uint64(0); i < 5; i++ {
		buf.Push(TraceEvent{Kind: EventBlockEnter, PC: i * 0x100})
	}
	if buf.Len() != 5 || buf.Sequence() != 5 {
		t.Fatalf("before clear: len=%d seq=%d", buf.Len(), buf.Sequence())
	}

	buf.Clear()
	if !buf.IsEmpty() || buf.Sequence() != 0 {
		t.Fatal("expected empty buffer and zero sequence after Clear")
	}
}

func TestTraceStatsFormat(t *testing.T) {
	s := TraceStats{
		JITExecutions: 1000, InterpExecutions: 500,
		Compilations: 50, CompilationFailures: 2,
		TotalWasmBytes: 250000, TotalCompileTimeUs: 25000,
		Traps: 3, Invalidations: 10,
		CacheHits: 950, CacheMisses: 50, InterruptExits: 100,
	}
	out := s.Format()
	if !contains(out, "JIT Stats:") || !contains(out, "1000 JIT") || !contains(out, "500 interp") {
		t.Fatalf("unexpected format: %s", out)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
