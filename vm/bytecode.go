package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP     Opcode = 0x00 // no operation
	OpPOP     Opcode = 0x01 // discard n values (8-bit count)
	OpDUP     Opcode = 0x02 // duplicate top of stack
	OpAdjust  Opcode = 0x03 // set top to base+n, padding with nil (8-bit n)
	OpSetLine Opcode = 0x04 // record the current source line (16-bit line)
)

// Push Constants
const (
	OpPushNil    Opcode = 0x10 // push n nils (8-bit count)
	OpPushNumber Opcode = 0x11 // push small integer (16-bit signed)
	OpPushConst  Opcode = 0x12 // push constant (16-bit index)
)

// Variable Operations
const (
	OpPushLocal   Opcode = 0x20 // push local slot (8-bit index)
	OpStoreLocal  Opcode = 0x21 // pop into local slot (8-bit index)
	OpPushGlobal  Opcode = 0x22 // push global named by constant (16-bit index)
	OpStoreGlobal Opcode = 0x23 // pop into global named by constant (16-bit index)
)

// Table Access
const (
	OpPushIndexed  Opcode = 0x30 // t k -> t[k]
	OpPushField    Opcode = 0x31 // t -> t.name (16-bit constant index)
	OpPushSelf     Opcode = 0x32 // t -> t.name t (16-bit constant index)
	OpStoreIndexed Opcode = 0x33 // t k v -> (t[k] = v)
	OpStoreField   Opcode = 0x34 // t v -> t (t.name = v, 16-bit constant index)
	OpCreateTable  Opcode = 0x35 // push new table (16-bit size hint)
	OpSetList      Opcode = 0x36 // t v1..vn -> t (t[i] = vi, 8-bit count)
)

// Arithmetic and Comparison
const (
	OpAdd    Opcode = 0x40
	OpSub    Opcode = 0x41
	OpMul    Opcode = 0x42
	OpDiv    Opcode = 0x43
	OpPow    Opcode = 0x44
	OpConcat Opcode = 0x45
	OpNeg    Opcode = 0x46
	OpNot    Opcode = 0x47
	OpEQ     Opcode = 0x48
	OpNE     Opcode = 0x49
	OpLT     Opcode = 0x4A
	OpLE     Opcode = 0x4B
	OpGT     Opcode = 0x4C
	OpGE     Opcode = 0x4D
)

// Control Flow
const (
	OpJump      Opcode = 0x60 // unconditional jump (16-bit offset)
	OpJumpFalse Opcode = 0x61 // pop, jump if nil (16-bit offset)
	OpJumpTrue  Opcode = 0x62 // pop, jump if not nil (16-bit offset)
	OpOrJump    Opcode = 0x63 // jump keeping top if not nil, else pop (16-bit offset)
	OpAndJump   Opcode = 0x64 // jump keeping top if nil, else pop (16-bit offset)
)

// Calls
const (
	OpCall   Opcode = 0x70 // call (8-bit argc, 8-bit result count)
	OpReturn Opcode = 0x71 // return stack[base+n:top] (8-bit n)
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	StackEffect  int    // net effect on stack (variable effects are computed by the builder)
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:     {"NOP", 0, 0},
	OpPOP:     {"POP", 1, 0}, // pops n
	OpDUP:     {"DUP", 0, 1},
	OpAdjust:  {"ADJUST", 1, 0}, // sets depth
	OpSetLine: {"SET_LINE", 2, 0},

	OpPushNil:    {"PUSH_NIL", 1, 0}, // pushes n
	OpPushNumber: {"PUSH_NUMBER", 2, 1},
	OpPushConst:  {"PUSH_CONST", 2, 1},

	OpPushLocal:   {"PUSH_LOCAL", 1, 1},
	OpStoreLocal:  {"STORE_LOCAL", 1, -1},
	OpPushGlobal:  {"PUSH_GLOBAL", 2, 1},
	OpStoreGlobal: {"STORE_GLOBAL", 2, -1},

	OpPushIndexed:  {"PUSH_INDEXED", 0, -1},
	OpPushField:    {"PUSH_FIELD", 2, 0},
	OpPushSelf:     {"PUSH_SELF", 2, 1},
	OpStoreIndexed: {"STORE_INDEXED", 0, -3},
	OpStoreField:   {"STORE_FIELD", 2, -1},
	OpCreateTable:  {"CREATE_TABLE", 2, 1},
	OpSetList:      {"SET_LIST", 1, 0}, // pops n

	OpAdd:    {"ADD", 0, -1},
	OpSub:    {"SUB", 0, -1},
	OpMul:    {"MUL", 0, -1},
	OpDiv:    {"DIV", 0, -1},
	OpPow:    {"POW", 0, -1},
	OpConcat: {"CONCAT", 0, -1},
	OpNeg:    {"NEG", 0, 0},
	OpNot:    {"NOT", 0, 0},
	OpEQ:     {"EQ", 0, -1},
	OpNE:     {"NE", 0, -1},
	OpLT:     {"LT", 0, -1},
	OpLE:     {"LE", 0, -1},
	OpGT:     {"GT", 0, -1},
	OpGE:     {"GE", 0, -1},

	OpJump:      {"JUMP", 2, 0},
	OpJumpFalse: {"JUMP_FALSE", 2, -1},
	OpJumpTrue:  {"JUMP_TRUE", 2, -1},
	OpOrJump:    {"OR_JUMP", 2, -1},
	OpAndJump:   {"AND_JUMP", 2, -1},

	OpCall:   {"CALL", 2, 0}, // pops argc+1, pushes results
	OpReturn: {"RETURN", 1, 0},
}

var opcodesByName map[string]Opcode

func init() {
	opcodesByName = make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		opcodesByName[info.Name] = op
	}
}

// LookupOpcode returns the opcode with the given mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[strings.ToUpper(name)]
	return op, ok
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), OperandBytes: 0, StackEffect: 0}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// IsJump reports whether op takes a relative jump offset.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJump, OpJumpFalse, OpJumpTrue, OpOrJump, OpAndJump:
		return true
	}
	return false
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Builder: Helper for constructing prototypes
// ---------------------------------------------------------------------------

// Builder assembles one function. Constants added to a builder are locked in
// the anchor table until Build registers the prototype, so collections that
// run while the function is being built cannot reclaim them.
type Builder struct {
	s         *State
	code      []byte
	constants []Value
	constIdx  map[Value]int
	locks     []Anchor
	source    string
	line      int
	numParams int
	vararg    bool
	locals    []LocalInfo

	depth    int
	maxDepth int
	built    bool
}

// NewBuilder starts a function with numParams fixed parameters. Parameters
// occupy the first local slots.
func (s *State) NewBuilder(source string, numParams int, vararg bool) *Builder {
	b := &Builder{
		s:         s,
		code:      make([]byte, 0, 64),
		constIdx:  make(map[Value]int),
		source:    source,
		numParams: numParams,
		vararg:    vararg,
	}
	b.depth = numParams
	if vararg {
		b.depth++
	}
	b.maxDepth = b.depth
	return b
}

// Len returns the current code length.
func (b *Builder) Len() int {
	return len(b.code)
}

// Depth returns the tracked stack depth above the frame base.
func (b *Builder) Depth() int {
	return b.depth
}

// SetDefinedAt records the line where the function is defined.
func (b *Builder) SetDefinedAt(line int) {
	b.line = line
}

// AddLocal records debug information for a local variable.
func (b *Builder) AddLocal(name string, startPC, endPC int) {
	b.locals = append(b.locals, LocalInfo{Name: name, StartPC: startPC, EndPC: endPC})
}

func (b *Builder) adjustDepth(delta int) {
	b.depth += delta
	if b.depth < 0 {
		b.depth = 0
	}
	if b.depth > b.maxDepth {
		b.maxDepth = b.depth
	}
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// Constant adds v to the constant pool and returns its index. Equal numbers
// and identical references share one entry.
func (b *Builder) Constant(v Value) int {
	if idx, ok := b.constIdx[v]; ok {
		return idx
	}
	idx := len(b.constants)
	b.constants = append(b.constants, v)
	b.constIdx[v] = idx
	if v.collectable() {
		b.locks = append(b.locks, b.s.Lock(v))
	}
	return idx
}

// NumberConstant adds a number constant.
func (b *Builder) NumberConstant(f float64) int {
	return b.Constant(FromNumber(f))
}

// StringConstant interns text and adds it as a constant.
func (b *Builder) StringConstant(text string) int {
	return b.Constant(b.s.Intern(text))
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

// Emit appends an opcode with no operands.
func (b *Builder) Emit(op Opcode) {
	b.code = append(b.code, byte(op))
	b.adjustDepth(op.Info().StackEffect)
}

// EmitByte appends an opcode with a single byte operand.
func (b *Builder) EmitByte(op Opcode, operand byte) {
	b.code = append(b.code, byte(op), operand)
	switch op {
	case OpPOP, OpSetList:
		b.adjustDepth(-int(operand))
	case OpPushNil:
		b.adjustDepth(int(operand))
	case OpAdjust:
		b.adjustDepth(int(operand) - b.depth)
	case OpReturn:
		b.depth = int(operand)
	default:
		b.adjustDepth(op.Info().StackEffect)
	}
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *Builder) EmitUint16(op Opcode, operand uint16) {
	b.code = append(b.code, byte(op), byte(operand), byte(operand>>8))
	b.adjustDepth(op.Info().StackEffect)
}

// EmitNumber pushes a number, inline when it is a small integer.
func (b *Builder) EmitNumber(f float64) {
	if i := int16(f); float64(i) == f && !(f == 0 && 1/f < 0) {
		b.EmitUint16(OpPushNumber, uint16(i))
		return
	}
	b.EmitUint16(OpPushConst, uint16(b.NumberConstant(f)))
}

// EmitString pushes an interned string constant.
func (b *Builder) EmitString(text string) {
	b.EmitUint16(OpPushConst, uint16(b.StringConstant(text)))
}

// EmitCall appends a CALL instruction. A MultRet call is counted as one
// value, so MaxStack does not cover the extra results. The callee has already
// grown the stack to hold them, and every later push is bounds-checked.
func (b *Builder) EmitCall(argc, nresults uint8) {
	b.code = append(b.code, byte(OpCall), argc, nresults)
	pushed := int(nresults)
	if nresults == MultRet {
		pushed = 1
	}
	b.adjustDepth(pushed - int(argc) - 1)
}

// EmitLine appends a SET_LINE instruction.
func (b *Builder) EmitLine(line int) {
	b.EmitUint16(OpSetLine, uint16(line))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target.
type Label struct {
	resolved bool
	position int   // target (if resolved)
	refs     []int // operand positions waiting for the target
	depth    int   // deepest stack seen on a jump to the label
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *Builder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.code)

	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.code[ref] = byte(offset)
		b.code[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
	if label.depth > b.depth {
		b.depth = label.depth
	}
}

// EmitJump emits a jump instruction with a label.
func (b *Builder) EmitJump(op Opcode, label *Label) {
	b.code = append(b.code, byte(op))
	if label.resolved {
		offset := label.position - (len(b.code) + 2)
		b.code = append(b.code, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.code))
		b.code = append(b.code, 0, 0)
	}

	// OR_JUMP and AND_JUMP keep the operand on the taken branch.
	if (op == OpOrJump || op == OpAndJump) && b.depth > label.depth {
		label.depth = b.depth
	}
	b.adjustDepth(op.Info().StackEffect)
	if b.depth > label.depth {
		label.depth = b.depth
	}
}

// ---------------------------------------------------------------------------
// Build
// ---------------------------------------------------------------------------

// Prototype returns the prototype under construction without registering it.
func (b *Builder) Prototype() *Prototype {
	return &Prototype{
		Code:      append([]byte(nil), b.code...),
		Constants: append([]Value(nil), b.constants...),
		Line:      b.line,
		NumParams: b.numParams,
		IsVararg:  b.vararg,
		MaxStack:  b.maxDepth,
		Locals:    append([]LocalInfo(nil), b.locals...),
		Source:    Nil,
	}
}

// Build registers the function and returns its value. The builder's constant
// locks are released once the prototype owns its constants.
func (b *Builder) Build() Value {
	if b.built {
		panic("Builder.Build: already built")
	}
	b.built = true

	p := b.Prototype()
	src := b.s.Intern(b.source)
	b.locks = append(b.locks, b.s.Lock(src))
	p.Source = src
	fn := b.s.NewPrototype(p)
	for _, a := range b.locks {
		b.s.Release(a)
	}
	b.locks = nil
	return fn
}

// Discard releases the builder's constant locks without registering.
func (b *Builder) Discard() {
	for _, a := range b.locks {
		b.s.Release(a)
	}
	b.locks = nil
	b.built = true
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc, pos: 0}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	return Opcode(r.ReadByte())
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// Skip advances the position by n bytes.
func (r *BytecodeReader) Skip(n int) {
	r.pos += n
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's position.
// Returns the string representation and advances the reader.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch {
	case info.OperandBytes == 0:
		return fmt.Sprintf("%04d  %s", pos, info.Name)

	case op.IsJump():
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, target)

	case op == OpPushNumber:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadInt16())

	case op == OpCall:
		argc := r.ReadByte()
		nres := r.ReadByte()
		return fmt.Sprintf("%04d  %s argc=%d results=%d", pos, info.Name, argc, nres)

	case info.OperandBytes == 1:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadByte())

	case info.OperandBytes == 2:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadUint16())

	default:
		r.Skip(info.OperandBytes)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	var sb strings.Builder
	for r.HasMore() {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(DisassembleInstruction(r))
	}
	return sb.String()
}

// DisassembleFunction renders a function, its constants and every nested
// function it references.
func (s *State) DisassembleFunction(fn Value) string {
	var sb strings.Builder
	seen := make(map[Value]bool)
	var walk func(v Value)
	walk = func(v Value) {
		p, ok := s.Prototype(v)
		if !ok || seen[v] {
			return
		}
		seen[v] = true
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "function <%s:%d> params=%d vararg=%t maxstack=%d\n",
			s.SourceName(p), p.Line, p.NumParams, p.IsVararg, p.MaxStack)
		for i, k := range p.Constants {
			fmt.Fprintf(&sb, "  const %d: %s\n", i, s.quote(k))
		}
		sb.WriteString(Disassemble(p.Code))
		sb.WriteByte('\n')
		for _, k := range p.Constants {
			walk(k)
		}
	}
	walk(fn)
	return sb.String()
}

// quote renders a constant for listings.
func (s *State) quote(v Value) string {
	if text, ok := s.String(v); ok {
		return fmt.Sprintf("%q", text)
	}
	return s.ToString(v)
}
