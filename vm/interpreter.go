package vm

import (
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

// execute runs f's bytecode until RETURN and returns the stack index of the
// first result; the results end at the stack top. Locals live at
// stack[f.base:], temporaries above them.
func (s *State) execute(f *callFrame) int {
	code := f.proto.Code
	k := f.proto.Constants
	base := f.base
	pc := 0

	for {
		if pc >= len(code) {
			// Falling off the end returns nothing.
			return s.top
		}
		f.pc = pc
		op := Opcode(code[pc])
		pc++

		switch op {
		case OpNOP:

		case OpPOP:
			s.top -= int(code[pc])
			pc++

		case OpDUP:
			s.push(s.stack[s.top-1])

		case OpAdjust:
			s.setTop(base + int(code[pc]))
			pc++

		case OpSetLine:
			f.line = int(binary.LittleEndian.Uint16(code[pc:]))
			pc += 2

		// --- Push constants ---

		case OpPushNil:
			s.setTop(s.top + int(code[pc]))
			pc++

		case OpPushNumber:
			n := int16(binary.LittleEndian.Uint16(code[pc:]))
			pc += 2
			s.push(FromNumber(float64(n)))

		case OpPushConst:
			idx := binary.LittleEndian.Uint16(code[pc:])
			pc += 2
			s.push(k[idx])

		// --- Variables ---

		case OpPushLocal:
			s.push(s.stack[base+int(code[pc])])
			pc++

		case OpStoreLocal:
			s.stack[base+int(code[pc])] = s.pop()
			pc++

		case OpPushGlobal:
			idx := binary.LittleEndian.Uint16(code[pc:])
			pc += 2
			s.push(s.getGlobal(k[idx]))

		case OpStoreGlobal:
			idx := binary.LittleEndian.Uint16(code[pc:])
			pc += 2
			s.setGlobal(k[idx], s.stack[s.top-1])
			s.top--

		// --- Tables ---

		case OpPushIndexed:
			v := s.getTable(s.stack[s.top-2], s.stack[s.top-1])
			s.top--
			s.stack[s.top-1] = v

		case OpPushField:
			idx := binary.LittleEndian.Uint16(code[pc:])
			pc += 2
			s.stack[s.top-1] = s.getTable(s.stack[s.top-1], k[idx])

		case OpPushSelf:
			idx := binary.LittleEndian.Uint16(code[pc:])
			pc += 2
			self := s.stack[s.top-1]
			m := s.getTable(self, k[idx])
			s.stack[s.top-1] = m
			s.push(self)

		case OpStoreIndexed:
			s.setTable(s.stack[s.top-3], s.stack[s.top-2], s.stack[s.top-1])
			s.top -= 3

		case OpStoreField:
			idx := binary.LittleEndian.Uint16(code[pc:])
			pc += 2
			s.setTable(s.stack[s.top-2], k[idx], s.stack[s.top-1])
			s.top--

		case OpCreateTable:
			hint := int(binary.LittleEndian.Uint16(code[pc:]))
			pc += 2
			s.push(s.NewTable(hint))

		case OpSetList:
			n := int(code[pc])
			pc++
			first := s.top - n
			tbl := s.checkTable(s.stack[first-1], "list constructor")
			for i := 0; i < n; i++ {
				s.rawSetTable(tbl, FromInt(i+1), s.stack[first+i])
			}
			s.top = first

		// --- Arithmetic ---

		case OpAdd, OpSub, OpMul, OpDiv, OpPow:
			r := s.arith(arithEvents[op-OpAdd], s.stack[s.top-2], s.stack[s.top-1])
			s.top--
			s.stack[s.top-1] = r

		case OpConcat:
			r := s.concat(s.stack[s.top-2], s.stack[s.top-1])
			s.top--
			s.stack[s.top-1] = r

		case OpNeg:
			s.stack[s.top-1] = s.unm(s.stack[s.top-1])

		case OpNot:
			s.stack[s.top-1] = FromBool(!s.stack[s.top-1].IsTruthy())

		// --- Comparison ---

		case OpEQ:
			r := FromBool(RawEqual(s.stack[s.top-2], s.stack[s.top-1]))
			s.top--
			s.stack[s.top-1] = r

		case OpNE:
			r := FromBool(!RawEqual(s.stack[s.top-2], s.stack[s.top-1]))
			s.top--
			s.stack[s.top-1] = r

		case OpLT, OpLE, OpGT, OpGE:
			r := s.compare(orderEvents[op-OpLT], s.stack[s.top-2], s.stack[s.top-1])
			s.top--
			s.stack[s.top-1] = r

		// --- Control flow ---

		case OpJump:
			off := int16(binary.LittleEndian.Uint16(code[pc:]))
			pc += 2 + int(off)

		case OpJumpFalse:
			off := int16(binary.LittleEndian.Uint16(code[pc:]))
			pc += 2
			if !s.pop().IsTruthy() {
				pc += int(off)
			}

		case OpJumpTrue:
			off := int16(binary.LittleEndian.Uint16(code[pc:]))
			pc += 2
			if s.pop().IsTruthy() {
				pc += int(off)
			}

		case OpOrJump:
			off := int16(binary.LittleEndian.Uint16(code[pc:]))
			pc += 2
			if s.stack[s.top-1].IsTruthy() {
				pc += int(off)
			} else {
				s.top--
			}

		case OpAndJump:
			off := int16(binary.LittleEndian.Uint16(code[pc:]))
			pc += 2
			if !s.stack[s.top-1].IsTruthy() {
				pc += int(off)
			} else {
				s.top--
			}

		// --- Calls ---

		case OpCall:
			argc := int(code[pc])
			nres := int(code[pc+1])
			pc += 2
			f.pc = pc
			s.call(s.top-argc-1, nres)

		case OpReturn:
			return base + int(code[pc])

		default:
			s.Errorf("invalid opcode 0x%02X at %d", byte(op), pc-1)
		}
	}
}

var arithEvents = [...]Event{
	OpAdd - OpAdd: EventAdd,
	OpSub - OpAdd: EventSub,
	OpMul - OpAdd: EventMul,
	OpDiv - OpAdd: EventDiv,
	OpPow - OpAdd: EventPow,
}

var orderEvents = [...]Event{
	OpLT - OpLT: EventLT,
	OpLE - OpLT: EventLE,
	OpGT - OpLT: EventGT,
	OpGE - OpLT: EventGE,
}
