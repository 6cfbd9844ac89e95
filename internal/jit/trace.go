package jit

import (
	"fmt"
	"io"
)

// EventKind tags a TraceEvent the way microop.Kind tags a decoded
// instruction: one struct, switched on by kind, instead of a Rust enum.
type EventKind int

const (
	EventBlockEnter EventKind = iota
	EventBlockExit
	EventCompileStart
	EventCompileEnd
	EventMemoryAccess
	EventTrap
	EventCacheInvalidate
	EventCacheLookup
	EventInterruptExit
)

// TraceEvent is one entry in a TraceBuffer. Only the fields relevant to
// Kind are populated; the rest are left zero.
type TraceEvent struct {
	Kind EventKind

	PC     uint64
	NextPC uint64
	IsJIT  bool

	ExecCount    uint32
	Instructions uint32
	Cycles       uint64

	Ops      uint32
	WasmSize int
	TimeUs   uint64
	Success  bool

	Vaddr, Paddr uint64
	Size         uint8
	IsWrite      bool
	Value        uint64

	Cause uint64
	Tval  uint64

	InvalidatePC *uint64 // nil = full flush
	Reason       string

	Hit bool
}

// TraceBuffer is a bounded ring buffer of TraceEvents, off by default so
// production runs pay nothing for it.
type TraceBuffer struct {
	events   []TraceEvent
	capacity int
	head     int // index of the oldest event
	enabled  bool
	sequence uint64
}

// NewTraceBuffer creates a disabled buffer holding up to capacity events.
func NewTraceBuffer(capacity int) *TraceBuffer {
	return &TraceBuffer{capacity: capacity}
}

func (t *TraceBuffer) Enable()         { t.enabled = true }
func (t *TraceBuffer) Disable()        { t.enabled = false }
func (t *TraceBuffer) IsEnabled() bool { return t.enabled }

// Push appends an event, dropping the oldest one once at capacity. A
// no-op while disabled.
func (t *TraceBuffer) Push(e TraceEvent) {
	if !t.enabled {
		return
	}
	if len(t.events) < t.capacity {
		t.events = append(t.events, e)
	} else {
		t.events[t.head] = e
		t.head = (t.head + 1) % t.capacity
	}
	t.sequence++
}

// Clear empties the buffer and resets its sequence counter.
func (t *TraceBuffer) Clear() {
	t.events = nil
	t.head = 0
	t.sequence = 0
}

// Len returns the number of events currently held.
func (t *TraceBuffer) Len() int { return len(t.events) }

// IsEmpty reports whether the buffer holds no events.
func (t *TraceBuffer) IsEmpty() bool { return len(t.events) == 0 }

// Sequence returns the total number of Push calls that have taken effect
// while enabled, including ones since evicted.
func (t *TraceBuffer) Sequence() uint64 { return t.sequence }

// ordered returns events oldest-first, accounting for wraparound.
func (t *TraceBuffer) ordered() []TraceEvent {
	if len(t.events) < t.capacity {
		return t.events
	}
	out := make([]TraceEvent, 0, len(t.events))
	out = append(out, t.events[t.head:]...)
	out = append(out, t.events[:t.head]...)
	return out
}

// Iter returns every event currently held, oldest first.
func (t *TraceBuffer) Iter() []TraceEvent {
	return t.ordered()
}

// Filter returns every event for which pred returns true.
func (t *TraceBuffer) Filter(pred func(TraceEvent) bool) []TraceEvent {
	var out []TraceEvent
	for _, e := range t.ordered() {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// EventsForPC returns every event that names pc as its address, across
// the kinds that carry one.
func (t *TraceBuffer) EventsForPC(pc uint64) []TraceEvent {
	return t.Filter(func(e TraceEvent) bool {
		switch e.Kind {
		case EventBlockEnter, EventBlockExit, EventCompileStart, EventCompileEnd, EventTrap:
			return e.PC == pc
		}
		return false
	})
}

// DumpRecent writes a human-readable rendering of the last count events
// to w.
func (t *TraceBuffer) DumpRecent(w io.Writer, count int) {
	events := t.ordered()
	start := 0
	if len(events) > count {
		start = len(events) - count
	}
	fmt.Fprintf(w, "=== Recent %d JIT events ===\n", count)
	for i, e := range events[start:] {
		fmt.Fprintln(w, formatEvent(i, e))
	}
}

func formatEvent(index int, e TraceEvent) string {
	switch e.Kind {
	case EventBlockEnter:
		mode := "INT"
		if e.IsJIT {
			mode = "JIT"
		}
		return fmt.Sprintf("[%4d] ENTER %016x (%s) count=%d", index, e.PC, mode, e.ExecCount)
	case EventBlockExit:
		return fmt.Sprintf("[%4d] EXIT  %016x -> %016x (%d insns, %d cycles)", index, e.PC, e.NextPC, e.Instructions, e.Cycles)
	case EventCompileStart:
		return fmt.Sprintf("[%4d] COMPILE_START %016x (%d ops)", index, e.PC, e.Ops)
	case EventCompileEnd:
		status := "FAIL"
		if e.Success {
			status = "OK"
		}
		return fmt.Sprintf("[%4d] COMPILE_END %016x %s (%d bytes, %dus)", index, e.PC, status, e.WasmSize, e.TimeUs)
	case EventMemoryAccess:
		op := "READ"
		if e.IsWrite {
			op = "WRITE"
		}
		return fmt.Sprintf("[%4d] MEM %s %016x->%016x %dB val=%016x", index, op, e.Vaddr, e.Paddr, e.Size, e.Value)
	case EventTrap:
		return fmt.Sprintf("[%4d] TRAP %016x cause=%d tval=%016x", index, e.PC, e.Cause, e.Tval)
	case EventCacheInvalidate:
		if e.InvalidatePC != nil {
			return fmt.Sprintf("[%4d] INVALIDATE %016x (%s)", index, *e.InvalidatePC, e.Reason)
		}
		return fmt.Sprintf("[%4d] INVALIDATE_ALL (%s)", index, e.Reason)
	case EventCacheLookup:
		status := "MISS"
		if e.Hit {
			status = "HIT"
		}
		return fmt.Sprintf("[%4d] CACHE %s %016x", index, status, e.PC)
	case EventInterruptExit:
		return fmt.Sprintf("[%4d] INT_EXIT %016x after %d insns", index, e.PC, e.Instructions)
	default:
		return fmt.Sprintf("[%4d] ?", index)
	}
}

// TraceStats summarizes a buffer's contents for reporting.
type TraceStats struct {
	JITExecutions      uint64
	InterpExecutions   uint64
	Compilations       uint64
	CompilationFailures uint64
	TotalWasmBytes     uint64
	TotalCompileTimeUs uint64
	Traps              uint64
	Invalidations      uint64
	CacheHits          uint64
	CacheMisses        uint64
	InterruptExits     uint64
}

// Stats walks every event currently held and tallies them into a
// TraceStats snapshot.
func (t *TraceBuffer) Stats() TraceStats {
	var s TraceStats
	for _, e := range t.events {
		switch e.Kind {
		case EventBlockEnter:
			if e.IsJIT {
				s.JITExecutions++
			} else {
				s.InterpExecutions++
			}
		case EventCompileEnd:
			if e.Success {
				s.Compilations++
				s.TotalWasmBytes += uint64(e.WasmSize)
				s.TotalCompileTimeUs += e.TimeUs
			} else {
				s.CompilationFailures++
			}
		case EventTrap:
			s.Traps++
		case EventCacheInvalidate:
			s.Invalidations++
		case EventCacheLookup:
			if e.Hit {
				s.CacheHits++
			} else {
				s.CacheMisses++
			}
		case EventInterruptExit:
			s.InterruptExits++
		}
	}
	return s
}

// JITRatio returns JITExecutions / (JITExecutions + InterpExecutions).
func (s TraceStats) JITRatio() float64 {
	total := s.JITExecutions + s.InterpExecutions
	if total == 0 {
		return 0
	}
	return float64(s.JITExecutions) / float64(total)
}

// CacheHitRatio returns CacheHits / (CacheHits + CacheMisses).
func (s TraceStats) CacheHitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// AvgCompileTimeUs returns the mean compile time across successful
// compilations.
func (s TraceStats) AvgCompileTimeUs() float64 {
	if s.Compilations == 0 {
		return 0
	}
	return float64(s.TotalCompileTimeUs) / float64(s.Compilations)
}

// AvgWasmSize returns the mean module size across successful
// compilations.
func (s TraceStats) AvgWasmSize() float64 {
	if s.Compilations == 0 {
		return 0
	}
	return float64(s.TotalWasmBytes) / float64(s.Compilations)
}

// Format renders a multi-line human-readable summary.
func (s TraceStats) Format() string {
	return fmt.Sprintf(
		"JIT Stats:\n"+
			"  Executions: %d JIT / %d interp (%.1f%% JIT)\n"+
			"  Compilations: %d success / %d failed\n"+
			"  Avg compile time: %.1fus\n"+
			"  Avg WASM size: %.0f bytes\n"+
			"  Cache: %d hits / %d misses (%.1f%% hit rate)\n"+
			"  Traps: %d\n"+
			"  Invalidations: %d\n"+
			"  Interrupt exits: %d",
		s.JITExecutions, s.InterpExecutions, s.JITRatio()*100,
		s.Compilations, s.CompilationFailures,
		s.AvgCompileTimeUs(),
		s.AvgWasmSize(),
		s.CacheHits, s.CacheMisses, s.CacheHitRatio()*100,
		s.Traps,
		s.Invalidations,
		s.InterruptExits,
	)
}
