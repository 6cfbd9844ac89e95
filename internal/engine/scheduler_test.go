package engine

import (
	"context"
	"testing"

	"github.com/tinyrange/rvjit/internal/rv64"
)

func TestSchedulerCompilesHotLoop(t *testing.T) {
	m := rv64.NewMachine(1024*1024, nil)

	code := []uint32{
		0x00500093, // addi x1, x0, 5
		0x00108113, // addi x2, x1, 1
		0xff9ff06f, // jal x0, -8 (loop back to the first addi)
	}
	for i, insn := range code {
		addr := rv64.RAMBase + uint64(i*4)
		if err := m.Bus.Write32(addr, insn); err != nil {
			t.Fatalf("writing code: %v", err)
		}
	}
	m.SetPC(rv64.RAMBase)

	ctx := context.Background()
	sched, err := New(ctx, m, Config{HotThreshold: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sched.Close(ctx)

	for i := 0; i < 10*len(code)+5; i++ {
		if err := sched.Step(ctx); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	if !sched.Cache.Contains(rv64.RAMBase) {
		t.Fatal("expected the loop's entry block to have been compiled and cached")
	}
	if sched.warmCounts[rv64.RAMBase] < sched.hotThreshold {
		t.Fatalf("warm count = %d, want >= %d", sched.warmCounts[rv64.RAMBase], sched.hotThreshold)
	}
}

func TestSchedulerCompilesBranchLoop(t *testing.T) {
	m := rv64.NewMachine(1024*1024, nil)

	code := []uint32{
		0x00000093, // addi x1, x0, 0
		0x01400113, // addi x2, x0, 20
		0x00108093, // addi x1, x1, 1  (loop:)
		0xfe20cee3, // blt x1, x2, loop (-4)
	}
	for i, insn := range code {
		addr := rv64.RAMBase + uint64(i*4)
		if err := m.Bus.Write32(addr, insn); err != nil {
			t.Fatalf("writing code: %v", err)
		}
	}
	m.SetPC(rv64.RAMBase)

	ctx := context.Background()
	sched, err := New(ctx, m, Config{HotThreshold: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sched.Close(ctx)

	loopEntry := rv64.RAMBase + 2*4 // the "addi x1, x1, 1" / blt block
	for i := 0; i < 200; i++ {
		if m.CPU.X[1] >= 20 {
			break
		}
		if err := sched.Step(ctx); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	if sched.Cache.IsBlacklisted(loopEntry) {
		t.Fatal("branch-terminated block was blacklisted; JIT lowering must have failed WASM validation")
	}
	if !sched.Cache.Contains(loopEntry) {
		t.Fatal("expected the branch loop's block to have been compiled and cached")
	}
}

func TestSchedulerBlacklistsUnsuitableBlock(t *testing.T) {
	m := rv64.NewMachine(1024*1024, nil)

	// a lone ecall: never compilable (system effect).
	code := []uint32{
		0x00000073, // ecall
	}
	m.Bus.Write32(rv64.RAMBase, code[0])
	m.SetPC(rv64.RAMBase)

	ctx := context.Background()
	sched, err := New(ctx, m, Config{HotThreshold: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sched.Close(ctx)

	sched.tryCompile(rv64.RAMBase)

	if !sched.Cache.IsBlacklisted(rv64.RAMBase) {
		t.Fatal("expected ecall-only block to be blacklisted")
	}
	if sched.Cache.Contains(rv64.RAMBase) {
		t.Fatal("unsuitable block must not be cached")
	}
}
