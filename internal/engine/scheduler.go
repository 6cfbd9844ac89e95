// Package engine composes the rv64 interpreter tier with the jit
// package's block cache, compiler, and wazero-backed runtime into the
// tiered trap/scheduler loop: run the interpreter until a block gets
// hot, compile it synchronously inside Step, and prefer the compiled
// artifact on every subsequent visit to that entry PC.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyrange/rvjit/internal/jit"
	"github.com/tinyrange/rvjit/internal/microop"
	"github.com/tinyrange/rvjit/internal/rv64"
)

// DefaultHotThreshold is how many times a block's entry PC must be hit
// by the interpreter before it's considered worth compiling.
const DefaultHotThreshold = 50

// Config tunes a Scheduler beyond its defaults.
type Config struct {
	HotThreshold int
	CacheEntries int
	CacheBytes   uint64
	Trace        *jit.TraceBuffer
	Logger       *slog.Logger
}

// Scheduler is one guest CPU's tiered execution loop.
type Scheduler struct {
	Machine  *rv64.Machine
	Cache    *jit.Cache
	Compiler *jit.Compiler
	Runtime  *jit.Runtime
	Trace    *jit.TraceBuffer

	hotThreshold int
	warmCounts   map[uint64]int
	log          *slog.Logger
}

// New builds a Scheduler around an already-constructed rv64.Machine. The
// caller owns ctx's lifetime: Close must be called to release the
// wazero runtime once the scheduler is done.
func New(ctx context.Context, m *rv64.Machine, cfg Config) (*Scheduler, error) {
	rt, err := jit.NewRuntime(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	threshold := cfg.HotThreshold
	if threshold <= 0 {
		threshold = DefaultHotThreshold
	}
	var cache *jit.Cache
	if cfg.CacheEntries == 0 && cfg.CacheBytes == 0 {
		cache = jit.NewCache()
	} else {
		cache = jit.NewCacheWithLimits(cfg.CacheEntries, cfg.CacheBytes)
	}
	trace := cfg.Trace
	if trace == nil {
		trace = jit.NewTraceBuffer(1024)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Scheduler{
		Machine:      m,
		Cache:        cache,
		Compiler:     jit.NewCompiler(),
		Runtime:      rt,
		Trace:        trace,
		hotThreshold: threshold,
		warmCounts:   make(map[uint64]int),
		log:          log,
	}, nil
}

// Close releases the scheduler's wazero runtime.
func (s *Scheduler) Close(ctx context.Context) error {
	return s.Runtime.Close(ctx)
}

// Step advances the machine by one block (if a compiled artifact is
// available at the current PC) or one instruction (falling back to the
// interpreter otherwise), and opportunistically compiles newly-hot
// blocks in between.
func (s *Scheduler) Step(ctx context.Context) error {
	pc := s.Machine.GetPC()

	if art, ok := s.Cache.Get(pc); ok {
		s.Trace.Push(jit.TraceEvent{Kind: jit.EventCacheLookup, PC: pc, Hit: true})
		return s.runCompiled(ctx, pc, art)
	}
	s.Trace.Push(jit.TraceEvent{Kind: jit.EventCacheLookup, PC: pc, Hit: false})

	if !s.Cache.IsBlacklisted(pc) && !s.Cache.IsCompiling(pc) {
		s.warmCounts[pc]++
		if s.warmCounts[pc] >= s.hotThreshold {
			s.tryCompile(pc)
		}
	}

	s.Trace.Push(jit.TraceEvent{Kind: jit.EventBlockEnter, PC: pc, IsJIT: false})
	return s.Machine.Step()
}

// runCompiled executes a cached artifact, retrying once on a runtime
// (not architectural) failure before blacklisting the entry PC and
// falling back to the interpreter for this step, per the "retry once
// then blacklist" transport-failure policy.
func (s *Scheduler) runCompiled(ctx context.Context, pc uint64, art *jit.Artifact) error {
	s.Trace.Push(jit.TraceEvent{Kind: jit.EventBlockEnter, PC: pc, IsJIT: true, ExecCount: uint32(art.ExecCount)})

	var res jit.Result
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		res, err = s.Runtime.Execute(ctx, art, s.Machine.CPU, s.Machine)
		if err == nil {
			break
		}
		s.log.Warn("jit runtime execute failed", "pc", pc, "attempt", attempt, "err", err)
	}
	if err != nil {
		s.Cache.Blacklist(pc)
		s.Trace.Push(jit.TraceEvent{Kind: jit.EventCacheInvalidate, InvalidatePC: &pc, Reason: "runtime transport failure"})
		return s.Machine.Step()
	}

	art.ExecCount++
	if res.Trapped {
		s.Trace.Push(jit.TraceEvent{Kind: jit.EventTrap, PC: pc, Cause: res.Cause, Tval: res.Tval})
		s.Machine.CPU.HandleTrap(res.Cause, res.Tval)
		return nil
	}

	s.Trace.Push(jit.TraceEvent{Kind: jit.EventBlockExit, PC: pc, NextPC: res.NextPC, Instructions: uint32(art.InsnCount)})
	s.Machine.CPU.PC = res.NextPC
	return nil
}

// tryCompile builds a block starting at pc and, if it's suitable,
// compiles and inserts it into the cache; otherwise blacklists pc so
// future Step calls stop re-attempting it.
func (s *Scheduler) tryCompile(pc uint64) {
	s.Cache.MarkCompiling(pc)

	block, err := microop.BuildBlock(s.Machine.FetchAt, pc)
	if err != nil {
		s.Cache.Blacklist(pc)
		return
	}

	s.Trace.Push(jit.TraceEvent{Kind: jit.EventCompileStart, PC: pc, Ops: uint32(len(block.Insns))})

	if ok, reason := s.Compiler.Suitable(block); !ok {
		s.log.Debug("block unsuitable for jit", "pc", pc, "reason", reason)
		s.Cache.Blacklist(pc)
		s.Trace.Push(jit.TraceEvent{Kind: jit.EventCompileEnd, PC: pc, Success: false})
		return
	}

	wasmBytes, err := s.Compiler.Compile(block)
	if err != nil {
		s.log.Debug("jit compile failed", "pc", pc, "err", err)
		s.Cache.Blacklist(pc)
		s.Trace.Push(jit.TraceEvent{Kind: jit.EventCompileEnd, PC: pc, Success: false})
		return
	}

	art := &jit.Artifact{PC: pc, WasmBytes: wasmBytes, InsnCount: len(block.Insns)}
	s.Cache.Insert(pc, art)
	s.Trace.Push(jit.TraceEvent{Kind: jit.EventCompileEnd, PC: pc, WasmSize: len(wasmBytes), Success: true})
}

// Run steps the scheduler until the machine halts, an error other than
// rv64.ErrHalt occurs, or maxSteps is reached (0 means unbounded).
func (s *Scheduler) Run(ctx context.Context, maxSteps uint64) error {
	var steps uint64
	for {
		if s.Machine.IsHalted() {
			return nil
		}
		if maxSteps != 0 && steps >= maxSteps {
			return nil
		}
		if err := s.Step(ctx); err != nil {
			if err == rv64.ErrHalt {
				return nil
			}
			return err
		}
		steps++
	}
}
