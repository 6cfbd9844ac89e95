package jit

import (
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/tinyrange/rvjit/internal/microop"
)

// compileAndValidate compiles b and runs the result through wazero's own
// module validation, the same check CompileModule performs inside
// Runtime.Execute. A block whose lowering is WASM-invalid must fail here,
// not silently fall back to the interpreter after scheduler.go blacklists
// the PC.
func compileAndValidate(t *testing.T, b *microop.Block) []byte {
	t.Helper()
	c := NewCompiler()
	out, err := c.Compile(b)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	mod, err := rt.CompileModule(ctx, out)
	if err != nil {
		t.Fatalf("wazero rejected compiled module: %v", err)
	}
	defer mod.Close(ctx)
	return out
}

func block(entry uint64, ops ...microop.Op) *microop.Block {
	b := &microop.Block{EntryPC: entry}
	pc := entry
	for _, op := range ops {
		b.Insns = append(b.Insns, microop.Insn{Op: op, Len: 4})
		pc += 4
	}
	b.ByteLen = int(pc - entry)
	return b
}

func TestCompilerRejectsSystemOps(t *testing.T) {
	c := NewCompiler()
	b := block(0x1000, microop.Op{Kind: microop.KindSystem, Effect: microop.EffectSystem})

	if ok, _ := c.Suitable(b); ok {
		t.Fatal("expected system ops to be unsuitable")
	}
	_, err := c.Compile(b)
	if !errors.Is(err, ErrUnsuitable) {
		t.Fatalf("expected ErrUnsuitable, got %v", err)
	}
}

func TestCompilerRejectsAMO(t *testing.T) {
	c := NewCompiler()
	b := block(0x1000, microop.Op{Kind: microop.KindAMO, Effect: microop.EffectStore})
	if ok, _ := c.Suitable(b); ok {
		t.Fatal("expected AMO ops to be unsuitable")
	}
}

func TestCompilerRejectsEmptyBlock(t *testing.T) {
	c := NewCompiler()
	b := &microop.Block{EntryPC: 0x1000}
	if ok, _ := c.Suitable(b); ok {
		t.Fatal("expected empty block to be unsuitable")
	}
}

func TestCompilerAcceptsSimpleArithmeticBlock(t *testing.T) {
	c := NewCompiler()
	b := block(0x1000,
		microop.Op{Kind: microop.KindOpImm, Effect: microop.EffectPure, Rd: 1, Rs1: 0, Imm: 5, Funct3: 0},
		microop.Op{Kind: microop.KindOp, Effect: microop.EffectPure, Rd: 2, Rs1: 1, Rs2: 1, Funct3: 0},
		microop.Op{Kind: microop.KindJal, Effect: microop.EffectJump, Rd: 0, Imm: 0x100},
	)

	ok, reason := c.Suitable(b)
	if !ok {
		t.Fatalf("expected block to be suitable, got reason %q", reason)
	}

	out, err := c.Compile(b)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	for i, want := range wasmMagicBytes {
		if out[i] != want {
			t.Fatalf("byte %d = %#x, want %#x", i, out[i], want)
		}
	}
}

func TestCompilerAddsFallthroughReturnWhenUncapped(t *testing.T) {
	c := NewCompiler()
	b := block(0x2000,
		microop.Op{Kind: microop.KindOpImm, Effect: microop.EffectPure, Rd: 1, Rs1: 0, Imm: 1, Funct3: 0},
	)
	if _, err := c.Compile(b); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
}

func TestTrapSentinelRoundTrip(t *testing.T) {
	v := EncodeTrapReturn(13, 0xdead)
	pc, trapped, cause, tval := DecodeReturn(v)
	if !trapped {
		t.Fatal("expected trapped=true")
	}
	if cause != 13 || tval != 0xdead {
		t.Fatalf("got cause=%d tval=%#x, want 13/0xdead", cause, tval)
	}
	if pc != 0 {
		t.Fatalf("expected pc=0 on trap, got %#x", pc)
	}
}

func TestNextPCReturnRoundTrip(t *testing.T) {
	pc, trapped, _, _ := DecodeReturn(int64(0x8000_1004))
	if trapped {
		t.Fatal("expected a plain next-PC, not a trap")
	}
	if pc != 0x8000_1004 {
		t.Fatalf("pc = %#x, want 0x80001004", pc)
	}
}

func TestEmitBranchProducesValidModule(t *testing.T) {
	// A block ending on a branch is the common case a real loop back-edge
	// or if/else hits; both arms must leave the function's declared i64
	// result satisfied, or wazero rejects the module at CompileModule.
	b := block(0x1000, microop.Op{
		Kind: microop.KindBranch, Effect: microop.EffectBranch,
		Rs1: 1, Rs2: 2, Funct3: 4, Imm: -4, // BLT back-edge
	})
	compileAndValidate(t, b)
}

func TestEmitLoadProducesValidModule(t *testing.T) {
	b := block(0x2000,
		microop.Op{Kind: microop.KindLoad, Effect: microop.EffectLoad, Rd: 1, Rs1: 2, Imm: 0, Width: 8, Unsigned: true},
		microop.Op{Kind: microop.KindJal, Effect: microop.EffectJump, Rd: 0, Imm: 0x100},
	)
	compileAndValidate(t, b)
}

func TestEmitLoadToX0ProducesValidModule(t *testing.T) {
	// A load to x0 still performs the guest read (and can still fault);
	// the compiled code must drop the result rather than skip the read.
	b := block(0x2000,
		microop.Op{Kind: microop.KindLoad, Effect: microop.EffectLoad, Rd: 0, Rs1: 2, Imm: 0, Width: 4, Unsigned: false},
		microop.Op{Kind: microop.KindJal, Effect: microop.EffectJump, Rd: 0, Imm: 0x100},
	)
	compileAndValidate(t, b)
}

func TestEmitStoreProducesValidModule(t *testing.T) {
	b := block(0x3000,
		microop.Op{Kind: microop.KindStore, Effect: microop.EffectStore, Rs1: 1, Rs2: 2, Imm: 0, Width: 8},
		microop.Op{Kind: microop.KindJal, Effect: microop.EffectJump, Rd: 0, Imm: 0x100},
	)
	compileAndValidate(t, b)
}

func TestCompilerRejectsOversizedBlock(t *testing.T) {
	c := NewCompiler()
	ops := make([]microop.Op, maxCompiledOps+1)
	for i := range ops {
		ops[i] = microop.Op{Kind: microop.KindOpImm, Effect: microop.EffectPure, Rd: 1, Rs1: 0, Imm: 1}
	}
	b := block(0x1000, ops...)
	if ok, _ := c.Suitable(b); ok {
		t.Fatal("expected oversized block to be unsuitable")
	}
}
