package jit

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/tinyrange/rvjit/internal/rv64"
)

// GuestMemory is the interpreter's view of guest RAM that a compiled
// block's imported helpers call into; rv64.Machine implements it.
type GuestMemory interface {
	ReadGuestU8(vaddr uint64) (uint64, error)
	ReadGuestU16(vaddr uint64) (uint64, error)
	ReadGuestU32(vaddr uint64) (uint64, error)
	ReadGuestU64(vaddr uint64) (uint64, error)
	WriteGuestU8(vaddr, val uint64) error
	WriteGuestU16(vaddr, val uint64) error
	WriteGuestU32(vaddr, val uint64) error
	WriteGuestU64(vaddr, val uint64) error
}

// stateMemoryPages is the size of the shared memory the "env" module
// exports for CPU-state access; one page (64KiB) dwarfs rv64.StateSize.
const stateMemoryPages = 1

type callStateKey struct{}

// callState carries the guest memory accessor and the first trap a
// helper call hit through to Execute, since a WASM host function can't
// return a Go error directly.
type callState struct {
	mem     GuestMemory
	trapErr error
}

// Runtime executes compiled blocks against a shared wazero.Runtime. One
// Runtime is meant to be reused across a whole machine's lifetime; it
// owns the "env" host module (the 8 memory helpers, trapped, and the
// state memory) that every compiled module imports.
type Runtime struct {
	rt  wazero.Runtime
	env api.Module

	mu sync.Mutex
}

// NewRuntime builds the shared host module and returns a ready Runtime.
func NewRuntime(ctx context.Context) (*Runtime, error) {
	rt := wazero.NewRuntime(ctx)

	env, err := rt.NewHostModuleBuilder("env").
		ExportMemory("memory", stateMemoryPages).
		NewFunctionBuilder().WithFunc(hostReadU64).Export("read_u64").
		NewFunctionBuilder().WithFunc(hostReadU32).Export("read_u32").
		NewFunctionBuilder().WithFunc(hostReadU16).Export("read_u16").
		NewFunctionBuilder().WithFunc(hostReadU8).Export("read_u8").
		NewFunctionBuilder().WithFunc(hostWriteU64).Export("write_u64").
		NewFunctionBuilder().WithFunc(hostWriteU32).Export("write_u32").
		NewFunctionBuilder().WithFunc(hostWriteU16).Export("write_u16").
		NewFunctionBuilder().WithFunc(hostWriteU8).Export("write_u8").
		NewFunctionBuilder().WithFunc(hostTrapped).Export("trapped").
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("jit: building host module: %w", err)
	}

	return &Runtime{rt: rt, env: env}, nil
}

// Close releases the underlying wazero runtime and every module
// instantiated against it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

func state(ctx context.Context) *callState {
	return ctx.Value(callStateKey{}).(*callState)
}

func hostReadU64(ctx context.Context, addr uint64) uint64 { return hostRead(ctx, addr, (GuestMemory).ReadGuestU64) }
func hostReadU32(ctx context.Context, addr uint64) uint64 { return hostRead(ctx, addr, (GuestMemory).ReadGuestU32) }
func hostReadU16(ctx context.Context, addr uint64) uint64 { return hostRead(ctx, addr, (GuestMemory).ReadGuestU16) }
func hostReadU8(ctx context.Context, addr uint64) uint64  { return hostRead(ctx, addr, (GuestMemory).ReadGuestU8) }

func hostRead(ctx context.Context, addr uint64, fn func(GuestMemory, uint64) (uint64, error)) uint64 {
	st := state(ctx)
	if st.trapErr != nil {
		return 0
	}
	v, err := fn(st.mem, addr)
	if err != nil {
		st.trapErr = err
		return 0
	}
	return v
}

func hostWriteU64(ctx context.Context, addr, val uint64) { hostWrite(ctx, addr, val, (GuestMemory).WriteGuestU64) }
func hostWriteU32(ctx context.Context, addr, val uint64) { hostWrite(ctx, addr, val, (GuestMemory).WriteGuestU32) }
func hostWriteU16(ctx context.Context, addr, val uint64) { hostWrite(ctx, addr, val, (GuestMemory).WriteGuestU16) }
func hostWriteU8(ctx context.Context, addr, val uint64)  { hostWrite(ctx, addr, val, (GuestMemory).WriteGuestU8) }

func hostWrite(ctx context.Context, addr, val uint64, fn func(GuestMemory, uint64, uint64) error) {
	st := state(ctx)
	if st.trapErr != nil {
		return
	}
	if err := fn(st.mem, addr, val); err != nil {
		st.trapErr = err
	}
}

// hostTrapped lets compiled code poll, right after a read_*/write_* call,
// whether that call faulted — a WASM host function can't hand a Go error
// back across the call it faulted in, so the compiled block checks this
// instead of continuing to execute (and commit register writes) past a
// faulting memory access.
func hostTrapped(ctx context.Context) uint32 {
	if state(ctx).trapErr != nil {
		return 1
	}
	return 0
}

// Result is what a compiled block's execution produced.
type Result struct {
	NextPC  uint64
	Trapped bool
	Cause   uint64
	Tval    uint64
}

// Execute runs a compiled artifact against cpu/mem, saving cpu's state
// into the shared memory before the call and loading it back afterward
// regardless of whether the block trapped partway through, matching the
// interpreter's own partial-progress-before-trap behavior.
func (r *Runtime) Execute(ctx context.Context, art *Artifact, cpu *rv64.CPU, mem GuestMemory) (Result, error) {
	// The whole call is serialized: every compiled module imports the
	// same shared state memory, so two calls in flight at once would
	// stomp each other's register buffer.
	r.mu.Lock()
	defer r.mu.Unlock()

	if art.Compiled == nil {
		compiled, err := r.rt.CompileModule(ctx, art.WasmBytes)
		if err != nil {
			return Result{}, fmt.Errorf("jit: compiling module for pc=%#x: %w", art.PC, err)
		}
		art.Compiled = compiled
	}
	compiled := art.Compiled

	cfg := wazero.NewModuleConfig().WithName("")
	mod, err := r.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("jit: instantiating module for pc=%#x: %w", art.PC, err)
	}
	defer mod.Close(ctx)

	var buf [rv64.StateSize]byte
	cpu.SaveState(buf[:])
	if !r.env.Memory().Write(0, buf[:]) {
		return Result{}, fmt.Errorf("jit: writing state memory for pc=%#x", art.PC)
	}

	st := &callState{mem: mem}
	callCtx := context.WithValue(ctx, callStateKey{}, st)

	run := mod.ExportedFunction("run")
	results, err := run.Call(callCtx, uint64(0))
	if err != nil {
		return Result{}, fmt.Errorf("jit: running block at pc=%#x: %w", art.PC, err)
	}

	out, ok := r.env.Memory().Read(0, uint32(rv64.StateSize))
	if !ok {
		return Result{}, fmt.Errorf("jit: reading state memory for pc=%#x", art.PC)
	}
	cpu.LoadState(out)

	if st.trapErr != nil {
		if exc, ok := st.trapErr.(rv64.ExceptionError); ok {
			return Result{Trapped: true, Cause: exc.Cause, Tval: exc.Tval}, nil
		}
		return Result{}, st.trapErr
	}

	ret := int64(results[0])
	nextPC, trapped, cause, tval := DecodeReturn(ret)
	if trapped {
		return Result{Trapped: true, Cause: cause, Tval: tval}, nil
	}
	return Result{NextPC: nextPC}, nil
}
