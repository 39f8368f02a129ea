package vm

import (
	"strings"
	"testing"
)

func TestOpcodeNames(t *testing.T) {
	for op, info := range opcodeTable {
		got, ok := LookupOpcode(info.Name)
		if !ok || got != op {
			t.Errorf("LookupOpcode(%q) = %v, %v", info.Name, got, ok)
		}
		if op.String() != info.Name {
			t.Errorf("%#x.String() = %q", byte(op), op.String())
		}
	}
	if _, ok := LookupOpcode("HALT"); ok {
		t.Error("unknown name should not resolve")
	}
}

func TestBuilderTracksDepth(t *testing.T) {
	s, _ := newTestState(t)
	b := s.NewBuilder("depth", 2, true)
	defer b.Discard()

	if b.Depth() != 3 {
		t.Fatalf("initial depth = %d, want params plus arg table", b.Depth())
	}
	b.EmitByte(OpPushNil, 4)
	b.EmitNumber(1)
	if b.Depth() != 8 {
		t.Errorf("depth = %d, want 8", b.Depth())
	}
	b.EmitByte(OpPOP, 3)
	b.Emit(OpAdd)
	if b.Depth() != 4 {
		t.Errorf("depth = %d, want 4", b.Depth())
	}
	b.EmitByte(OpAdjust, 3)
	if b.Depth() != 3 {
		t.Errorf("depth after ADJUST = %d, want 3", b.Depth())
	}
	if p := b.Prototype(); p.MaxStack != 8 {
		t.Errorf("MaxStack = %d, want 8", p.MaxStack)
	}
}

func TestBuilderCallDepth(t *testing.T) {
	s, _ := newTestState(t)
	b := s.NewBuilder("calls", 0, false)
	defer b.Discard()

	b.EmitUint16(OpPushGlobal, uint16(b.StringConstant("f")))
	b.EmitNumber(1)
	b.EmitNumber(2)
	b.EmitCall(2, 3)
	if b.Depth() != 3 {
		t.Errorf("depth after call for 3 results = %d", b.Depth())
	}
	b.EmitUint16(OpPushGlobal, uint16(b.StringConstant("f")))
	b.EmitCall(0, MultRet)
	if b.Depth() != 4 {
		t.Errorf("depth after MultRet call = %d, want 4", b.Depth())
	}
}

func TestBuilderSharesConstants(t *testing.T) {
	s, _ := newTestState(t)
	b := s.NewBuilder("consts", 0, false)
	defer b.Discard()

	a := b.StringConstant("name")
	if b.StringConstant("name") != a {
		t.Error("equal strings should share a constant")
	}
	n := b.NumberConstant(2.5)
	if b.NumberConstant(2.5) != n || n == a {
		t.Error("numbers should be pooled separately from strings")
	}
}

func TestBuilderForwardAndBackwardJumps(t *testing.T) {
	s, _ := newTestState(t)
	b := s.NewBuilder("jumps", 0, false)
	defer b.Discard()

	top := b.NewLabel()
	end := b.NewLabel()
	b.Mark(top)
	b.EmitNumber(1)
	b.EmitJump(OpJumpTrue, end)
	b.EmitJump(OpJump, top)
	b.Mark(end)

	p := b.Prototype()
	if err := p.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	want := strings.Join([]string{
		"0000  PUSH_NUMBER 1",
		"0003  JUMP_TRUE 3 (-> 0009)",
		"0006  JUMP -9 (-> 0000)",
	}, "\n")
	if got := Disassemble(p.Code); got != want {
		t.Errorf("Disassemble =\n%s\nwant\n%s", got, want)
	}
}

func TestMarkTwicePanics(t *testing.T) {
	s, _ := newTestState(t)
	b := s.NewBuilder("labels", 0, false)
	defer b.Discard()
	l := b.NewLabel()
	b.Mark(l)
	defer func() {
		if recover() == nil {
			t.Error("marking a label twice should panic")
		}
	}()
	b.Mark(l)
}

func TestBuildReleasesConstantLocks(t *testing.T) {
	s, _ := newTestState(t)
	b := s.NewBuilder("locks", 0, false)
	b.EmitString("a")
	b.EmitString("b")
	if s.anchors.Count() != 2 {
		t.Fatalf("builder holds %d anchors, want 2", s.anchors.Count())
	}
	b.Build()
	if s.anchors.Count() != 0 {
		t.Errorf("%d anchors left after Build", s.anchors.Count())
	}
}

func TestVerifyRejectsBadCode(t *testing.T) {
	tests := []struct {
		name string
		p    Prototype
		want string
	}{
		{"truncated", Prototype{Code: []byte{byte(OpPushConst), 0}}, "truncated"},
		{"constant", Prototype{Code: []byte{byte(OpPushConst), 1, 0}, Constants: []Value{Nil}}, "out of range"},
		{"local", Prototype{Code: []byte{byte(OpPushLocal), 4}, MaxStack: 2}, "beyond max stack"},
		{"jump", Prototype{Code: []byte{byte(OpJump), 1, 0, byte(OpPushNumber), 0, 0}}, "not an instruction"},
		{"params", Prototype{NumParams: 300}, "parameter count"},
		{"underflow", Prototype{Code: []byte{byte(OpAdd)}, MaxStack: 2}, "stack underflow"},
		{"pops parameter", Prototype{Code: []byte{byte(OpPOP), 1}, NumParams: 1, MaxStack: 1}, "stack underflow"},
		{"return above top", Prototype{Code: []byte{byte(OpReturn), 5}, MaxStack: 2}, "above stack depth"},
		{"over max stack", Prototype{Code: []byte{byte(OpPushNil), 3, byte(OpReturn), 0}, MaxStack: 2}, "exceeds max stack"},
		// PUSH_NUMBER 0; JUMP -6 pushes one more value each time round
		{"growing loop", Prototype{Code: []byte{byte(OpPushNumber), 0, 0, byte(OpJump), 0xFA, 0xFF}, MaxStack: 8}, "exceeds max stack"},
		{"branch underflow", Prototype{Code: []byte{
			byte(OpPushNumber), 1, 0, // 0
			byte(OpJumpTrue), 3, 0,   // 3: to 9 with depth 0
			byte(OpPushNumber), 2, 0, // 6
			byte(OpNeg),              // 9: depth 0 on the taken path
			byte(OpReturn), 0,        // 10
		}, MaxStack: 2}, "stack underflow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Verify()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Verify() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestVerifyAcceptsBalancedCode(t *testing.T) {
	s, _ := newTestState(t)
	for _, fn := range []Value{buildAdd(s), buildSum(s)} {
		p, _ := s.Prototype(fn)
		if err := p.Verify(); err != nil {
			t.Errorf("%s: %v", s.SourceName(p), err)
		}
	}

	// Both sides of an OR_JUMP meet at the same depth.
	or := s.NewBuilder("or", 1, false)
	defer or.Discard()
	end := or.NewLabel()
	or.EmitByte(OpPushLocal, 0)
	or.EmitJump(OpOrJump, end)
	or.EmitNumber(1)
	or.Mark(end)
	or.EmitByte(OpReturn, 1)
	if err := or.Prototype().Verify(); err != nil {
		t.Errorf("or: %v", err)
	}

	// Results of a MultRet call may be returned but their count is unknown.
	multi := s.NewBuilder("multi", 0, true)
	defer multi.Discard()
	multi.EmitUint16(OpPushGlobal, uint16(multi.StringConstant("f")))
	multi.EmitCall(0, MultRet)
	multi.EmitByte(OpReturn, 1)
	if err := multi.Prototype().Verify(); err != nil {
		t.Errorf("multi: %v", err)
	}
}

func TestDisassembleFunction(t *testing.T) {
	s, _ := newTestState(t)

	inner := s.NewBuilder("inner", 1, false)
	inner.EmitByte(OpReturn, 0)
	innerFn := inner.Build()
	s.SetGlobal("inner", innerFn)

	outer := s.NewBuilder("outer", 0, false)
	outer.SetDefinedAt(3)
	outer.EmitUint16(OpPushConst, uint16(outer.Constant(innerFn)))
	outer.EmitString("hi")
	outer.EmitCall(1, 0)
	fn := outer.Build()

	got := s.DisassembleFunction(fn)
	for _, want := range []string{
		"function <outer:3> params=0 vararg=false",
		`const 1: "hi"`,
		"CALL argc=1 results=0",
		"function <inner:0> params=1",
		"RETURN 0",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("listing missing %q:\n%s", want, got)
		}
	}
}
