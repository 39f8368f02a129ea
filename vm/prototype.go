package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Prototype: Compiled bytecode block
// ---------------------------------------------------------------------------

// Prototype is a compiled function: bytecode, constant pool and debug
// metadata. Prototypes are created by a front end (the assembler, the chunk
// loader, or a Builder) and registered with a State, which owns them from
// then on.
type Prototype struct {
	Code      []byte  // the bytecode instructions
	Constants []Value // constant pool (numbers, text, nested functions)

	Source    Value // source name (string value)
	Line      int   // line where the function was defined
	NumParams int   // fixed parameters
	IsVararg  bool  // extra arguments are collected into the "arg" table
	MaxStack  int   // worst-case temporaries above the locals

	// Debugging support
	Locals []LocalInfo

	marked bool
}

// LocalInfo names a local variable over a range of bytecode offsets.
type LocalInfo struct {
	Name    string
	StartPC int
	EndPC   int
}

// Constant returns the constant at the given index.
// Panics if index is out of range.
func (p *Prototype) Constant(index int) Value {
	if index < 0 || index >= len(p.Constants) {
		panic("Prototype.Constant: index out of range")
	}
	return p.Constants[index]
}

// LocalName returns the name of local slot n active at pc, or "" when no
// debug information covers it.
func (p *Prototype) LocalName(n, pc int) string {
	for _, l := range p.Locals {
		if l.StartPC > pc {
			break
		}
		if pc < l.EndPC {
			if n == 0 {
				return l.Name
			}
			n--
		}
	}
	return ""
}

// Verify checks that the code decodes into known instructions whose operands
// stay inside the constant pool and whose jumps land on instruction
// boundaries. It then follows every reachable path to check the stack depth:
// no instruction may pop into the parameter window, RETURN may not start
// above the top, and bounded depths must fit in MaxStack. Prototypes from
// untrusted sources should be verified before they are registered.
func (p *Prototype) Verify() error {
	starts := make(map[int]bool)
	var jumps []int // operand positions
	for pc := 0; pc < len(p.Code); {
		op := Opcode(p.Code[pc])
		info, ok := opcodeTable[op]
		if !ok {
			return fmt.Errorf("invalid opcode 0x%02X at %d", byte(op), pc)
		}
		starts[pc] = true
		if pc+1+info.OperandBytes > len(p.Code) {
			return fmt.Errorf("truncated %s at %d", info.Name, pc)
		}
		switch op {
		case OpPushConst, OpPushGlobal, OpStoreGlobal, OpPushField, OpPushSelf, OpStoreField:
			idx := int(binary.LittleEndian.Uint16(p.Code[pc+1:]))
			if idx >= len(p.Constants) {
				return fmt.Errorf("%s at %d: constant %d out of range", info.Name, pc, idx)
			}
		case OpPushLocal, OpStoreLocal:
			if n := int(p.Code[pc+1]); n >= p.MaxStack {
				return fmt.Errorf("%s at %d: local %d beyond max stack %d", info.Name, pc, n, p.MaxStack)
			}
		}
		if op.IsJump() {
			jumps = append(jumps, pc+1)
		}
		pc += 1 + info.OperandBytes
	}
	for _, at := range jumps {
		off := int(int16(binary.LittleEndian.Uint16(p.Code[at:])))
		target := at + 2 + off
		if target != len(p.Code) && !starts[target] {
			return fmt.Errorf("jump at %d: target %d is not an instruction", at-1, target)
		}
	}
	if p.NumParams < 0 || p.NumParams > 255 {
		return fmt.Errorf("invalid parameter count %d", p.NumParams)
	}
	return p.verifyDepth()
}

// depthRange is the span of depths above the frame base at which an
// instruction may start. open marks a top left by a multiple-results call;
// only lo is tracked then.
type depthRange struct {
	lo, hi int
	open   bool
	seen   bool
}

func (r *depthRange) merge(o depthRange) bool {
	old := *r
	if r.seen {
		r.lo = min(r.lo, o.lo)
		r.hi = max(r.hi, o.hi)
		r.open = r.open || o.open
	} else {
		*r = o
		r.seen = true
	}
	if r.open {
		r.hi = r.lo
	}
	return *r != old
}

// stackUse returns how many values the instruction at pc consumes and
// produces. ADJUST, CALL with MultRet and RETURN are handled by the caller.
func (p *Prototype) stackUse(op Opcode, pc int) (in, out int) {
	switch op {
	case OpPOP:
		return int(p.Code[pc+1]), 0
	case OpDUP:
		return 1, 2
	case OpPushNil:
		return 0, int(p.Code[pc+1])
	case OpSetList:
		return int(p.Code[pc+1]) + 1, 1
	case OpStoreLocal, OpStoreGlobal, OpJumpFalse, OpJumpTrue, OpOrJump, OpAndJump:
		return 1, 0
	case OpPushIndexed, OpStoreField:
		return 2, 1
	case OpPushField, OpNeg, OpNot:
		return 1, 1
	case OpPushSelf:
		return 1, 2
	case OpStoreIndexed:
		return 3, 0
	case OpCall:
		return int(p.Code[pc+1]) + 1, int(p.Code[pc+2])
	}
	if e := opcodeTable[op].StackEffect; e < 0 {
		// binary operators
		return -e + 1, 1
	}
	return 0, opcodeTable[op].StackEffect
}

// verifyDepth walks the control flow graph from the entry point, widening
// the depth range of each instruction until nothing changes. Ranges only
// grow and are bounded by the parameter window and MaxStack, so the walk
// terminates. Code that cannot be reached is not checked.
func (p *Prototype) verifyDepth() error {
	floor := p.NumParams
	if p.IsVararg {
		floor++
	}
	if floor > p.MaxStack && len(p.Code) > 0 {
		return fmt.Errorf("%d parameters exceed max stack %d", floor, p.MaxStack)
	}

	states := make(map[int]*depthRange)
	var work []int
	flow := func(from, to int, r depthRange) error {
		if !r.open && r.hi > p.MaxStack {
			return fmt.Errorf("stack depth %d at %d exceeds max stack %d", r.hi, from, p.MaxStack)
		}
		if to >= len(p.Code) {
			return nil // falling off the end returns nothing
		}
		st, ok := states[to]
		if !ok {
			st = &depthRange{}
			states[to] = st
		}
		if st.merge(r) {
			work = append(work, to)
		}
		return nil
	}
	if err := flow(0, 0, depthRange{lo: floor, hi: floor}); err != nil {
		return err
	}

	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		r := *states[pc]
		r.seen = false

		op := Opcode(p.Code[pc])
		info := opcodeTable[op]
		next := pc + 1 + info.OperandBytes

		switch op {
		case OpReturn:
			if n := int(p.Code[pc+1]); n > r.lo {
				return fmt.Errorf("RETURN at %d: first result %d above stack depth %d", pc, n, r.lo)
			}
			continue
		case OpAdjust:
			n := int(p.Code[pc+1])
			if n < floor {
				return fmt.Errorf("ADJUST at %d: depth %d inside the parameter window", pc, n)
			}
			if err := flow(pc, next, depthRange{lo: n, hi: n}); err != nil {
				return err
			}
			continue
		}

		in, out := p.stackUse(op, pc)
		if r.lo-in < floor {
			return fmt.Errorf("stack underflow: %s at %d pops %d with depth %d", info.Name, pc, in, r.lo)
		}
		after := depthRange{lo: r.lo - in + out, hi: r.hi - in + out, open: r.open}
		if op == OpCall && p.Code[pc+2] == MultRet {
			after = depthRange{lo: r.lo - in, hi: r.hi - in, open: true}
		}

		if !op.IsJump() {
			if err := flow(pc, next, after); err != nil {
				return err
			}
			continue
		}
		off := int(int16(binary.LittleEndian.Uint16(p.Code[pc+1:])))
		target := next + off
		taken := after
		if op == OpOrJump || op == OpAndJump {
			// the tested value stays on the stack when the jump is taken
			taken = r
		}
		if err := flow(pc, target, taken); err != nil {
			return err
		}
		if op != OpJump {
			if err := flow(pc, next, after); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// ProtoRegistry: The prototype population
// ---------------------------------------------------------------------------

// ProtoRegistry owns every registered prototype of a State.
type ProtoRegistry struct {
	protos []*Prototype
	free   []uint32
	live   int
}

// NewProtoRegistry creates an empty registry.
func NewProtoRegistry() *ProtoRegistry {
	return &ProtoRegistry{}
}

func (r *ProtoRegistry) add(p *Prototype) uint32 {
	r.live++
	if n := len(r.free); n > 0 {
		id := r.free[n-1]
		r.free = r.free[:n-1]
		r.protos[id] = p
		return id
	}
	r.protos = append(r.protos, p)
	return uint32(len(r.protos) - 1)
}

func (r *ProtoRegistry) get(id uint32) *Prototype {
	if int(id) >= len(r.protos) {
		return nil
	}
	return r.protos[id]
}

// Len returns the number of live prototypes.
func (r *ProtoRegistry) Len() int {
	return r.live
}

func (r *ProtoRegistry) sweep() int {
	freed := 0
	for id, p := range r.protos {
		if p == nil {
			continue
		}
		if p.marked {
			p.marked = false
			continue
		}
		r.protos[id] = nil
		r.free = append(r.free, uint32(id))
		freed++
	}
	r.live -= freed
	return freed
}

// ---------------------------------------------------------------------------
// State-level prototype API
// ---------------------------------------------------------------------------

// NewPrototype registers p and returns a function value for it. The caller
// must keep p's constants reachable (for example with Lock) until this
// returns, since registration may run the collector first.
func (s *State) NewPrototype(p *Prototype) Value {
	s.allocate()
	if !p.Source.IsString() {
		p.Source = s.errorText("?")
	}
	return makeRef(tagFunction, s.protos.add(p))
}

// Prototype returns the prototype behind a function value.
func (s *State) Prototype(v Value) (*Prototype, bool) {
	if !v.IsFunction() {
		return nil, false
	}
	p := s.protos.get(v.handle())
	return p, p != nil
}

// SourceName returns the text of p's source name.
func (s *State) SourceName(p *Prototype) string {
	name, _ := s.String(p.Source)
	return name
}
