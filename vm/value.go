package vm

import (
	"math"
)

// Value represents a lumen value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-number values
// are encoded in the NaN space using the quiet NaN prefix and tag bits to
// distinguish types. Reference variants carry a 32-bit handle into the
// owning State's stores; they do not own the entity they name.
//
// Encoding scheme:
//   - Number:   Native IEEE 754 double (if not a tagged NaN, it's a number)
//   - Nil:      Quiet NaN + tagSpecial
//   - String:   Quiet NaN + tagString + intern handle
//   - Table:    Quiet NaN + tagTable + table handle
//   - Function: Quiet NaN + tagFunction + prototype handle
//   - Native:   Quiet NaN + tagNative + native function handle
//   - Userdata: Quiet NaN + tagUserdata + userdata handle
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits, of which handles use the low 32
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagSpecial  uint64 = 0x0001000000000000
	tagString   uint64 = 0x0002000000000000
	tagTable    uint64 = 0x0003000000000000
	tagFunction uint64 = 0x0004000000000000
	tagNative   uint64 = 0x0005000000000000
	tagUserdata uint64 = 0x0006000000000000
)

// Nil is the only value of type nil. It carries no payload and equals only
// itself.
const Nil Value = Value(nanBits | tagSpecial)

// canonicalNaN is the bit pattern every number NaN is normalized to, so a
// computed NaN can never alias a tagged value.
var canonicalNaN = Value(math.Float64bits(math.NaN()))

// Type identifies the variant of a Value.
type Type uint8

const (
	TypeNil Type = iota
	TypeNumber
	TypeString
	TypeTable
	TypeFunction
	TypeNative
	TypeUserdata
)

var typeNames = [...]string{
	TypeNil:      "nil",
	TypeNumber:   "number",
	TypeString:   "string",
	TypeTable:    "table",
	TypeFunction: "function",
	TypeNative:   "native",
	TypeUserdata: "userdata",
}

// String implements the Stringer interface.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsNumber returns true if v represents a float64 value.
// This includes regular numbers, infinities, and NaN.
func (v Value) IsNumber() bool {
	bits := uint64(v)

	// Exponent is not all 1s, so it's a regular number
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}

	// Infinity has mantissa == 0 (ignoring sign bit)
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true
	}

	// Signaling NaN, or a negative quiet NaN
	if (bits & (nanBits | 0x8000000000000000)) != nanBits {
		return true
	}

	// Quiet NaN without tag bits is a real NaN
	return bits&tagMask == 0
}

// Type returns the variant of v.
func (v Value) Type() Type {
	if v.IsNumber() {
		return TypeNumber
	}
	switch uint64(v) & tagMask {
	case tagString:
		return TypeString
	case tagTable:
		return TypeTable
	case tagFunction:
		return TypeFunction
	case tagNative:
		return TypeNative
	case tagUserdata:
		return TypeUserdata
	}
	return TypeNil
}

// IsNil returns true if v is the nil value.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsString returns true if v refers to interned text.
func (v Value) IsString() bool {
	return v.hasTag(tagString)
}

// IsTable returns true if v refers to a table.
func (v Value) IsTable() bool {
	return v.hasTag(tagTable)
}

// IsFunction returns true if v refers to a bytecode function.
func (v Value) IsFunction() bool {
	return v.hasTag(tagFunction)
}

// IsNative returns true if v refers to a native function.
func (v Value) IsNative() bool {
	return v.hasTag(tagNative)
}

// IsUserdata returns true if v refers to an opaque host value.
func (v Value) IsUserdata() bool {
	return v.hasTag(tagUserdata)
}

// IsCallable returns true if v can be called without a function fallback.
func (v Value) IsCallable() bool {
	return v.IsFunction() || v.IsNative()
}

// IsTruthy returns true unless v is nil. Nil is the only false value.
func (v Value) IsTruthy() bool {
	return v != Nil
}

func (v Value) hasTag(tag uint64) bool {
	return (uint64(v) & (0x8000000000000000 | nanBits | tagMask)) == (nanBits | tag)
}

// collectable reports whether v names an entity owned by a collected store.
func (v Value) collectable() bool {
	switch v.Type() {
	case TypeString, TypeTable, TypeFunction, TypeUserdata:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Number operations
// ---------------------------------------------------------------------------

// Number returns v as a float64.
// Panics if v is not a number.
func (v Value) Number() float64 {
	if !v.IsNumber() {
		panic("Value.Number: not a number")
	}
	return math.Float64frombits(uint64(v))
}

// FromNumber creates a Value from a float64.
func FromNumber(f float64) Value {
	if f != f {
		return canonicalNaN
	}
	return Value(math.Float64bits(f))
}

// FromInt creates a number Value from an int.
func FromInt(n int) Value {
	return FromNumber(float64(n))
}

// FromBool returns 1 for true and nil for false, the runtime's boolean
// convention.
func FromBool(b bool) Value {
	if b {
		return FromNumber(1)
	}
	return Nil
}

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

func makeRef(tag uint64, handle uint32) Value {
	return Value(nanBits | tag | uint64(handle))
}

// handle returns the arena index encoded in a reference value.
func (v Value) handle() uint32 {
	return uint32(uint64(v) & payloadMask)
}

// RawEqual compares two values without invoking any fallback: numbers by
// value, everything else by identity.
func RawEqual(a, b Value) bool {
	if a == b {
		return !a.IsNumber() || a != canonicalNaN
	}
	if a.IsNumber() && b.IsNumber() {
		return a.Number() == b.Number()
	}
	return false
}
