package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Fallback calls
// ---------------------------------------------------------------------------

// callFallback calls handler h with args and returns its first result. The
// arguments are pushed before the call so they stay rooted.
func (s *State) callFallback(h Value, args ...Value) Value {
	fi := s.top
	s.ensureStack(len(args) + 1)
	s.stack[s.top] = h
	s.top++
	for _, a := range args {
		s.stack[s.top] = a
		s.top++
	}
	s.call(fi, 1)
	return s.pop()
}

// callFallback0 calls handler h with args and discards its results.
func (s *State) callFallback0(h Value, args ...Value) {
	fi := s.top
	s.ensureStack(len(args) + 1)
	s.stack[s.top] = h
	s.top++
	for _, a := range args {
		s.stack[s.top] = a
		s.top++
	}
	s.call(fi, 0)
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func (s *State) arith(ev Event, a, b Value) Value {
	if x, ok := s.ToNumber(a); ok {
		if y, ok := s.ToNumber(b); ok {
			switch ev {
			case EventAdd:
				return FromNumber(x + y)
			case EventSub:
				return FromNumber(x - y)
			case EventMul:
				return FromNumber(x * y)
			case EventDiv:
				return FromNumber(x / y)
			case EventPow:
				return FromNumber(math.Pow(x, y))
			}
		}
	}
	h := s.binaryFallback(a, b, ev)
	if h == Nil {
		s.Errorf("unexpected type at arithmetic operation")
	}
	return s.callFallback(h, a, b, s.events[ev])
}

func (s *State) unm(a Value) Value {
	if x, ok := s.ToNumber(a); ok {
		return FromNumber(-x)
	}
	h := s.fallbackFor(a, EventUnm)
	if h == Nil {
		s.Errorf("unexpected type at arithmetic operation")
	}
	return s.callFallback(h, a, Nil, s.events[EventUnm])
}

// Arith applies an arithmetic event (add, sub, mul, div, pow or unm) with
// fallbacks. For unm, b is ignored.
func (s *State) Arith(ev Event, a, b Value) Value {
	s.push(a)
	s.push(b)
	defer func() { s.top -= 2 }()
	if ev == EventUnm {
		return s.unm(a)
	}
	return s.arith(ev, a, b)
}

// ---------------------------------------------------------------------------
// Comparison and concatenation
// ---------------------------------------------------------------------------

// compare evaluates an order event. Two numbers or two strings compare
// natively; anything else goes to the lt/le/gt/ge fallback.
func (s *State) compare(ev Event, a, b Value) Value {
	var c int
	switch {
	case a.IsNumber() && b.IsNumber():
		x, y := a.Number(), b.Number()
		if x != x || y != y {
			return Nil
		}
		switch {
		case x < y:
			c = -1
		case x > y:
			c = 1
		}
	case a.IsString() && b.IsString():
		x, _ := s.String(a)
		y, _ := s.String(b)
		c = strings.Compare(x, y)
	default:
		h := s.binaryFallback(a, b, ev)
		if h == Nil {
			s.Errorf("unexpected type at comparison")
		}
		return s.callFallback(h, a, b)
	}
	switch ev {
	case EventLT:
		return FromBool(c < 0)
	case EventLE:
		return FromBool(c <= 0)
	case EventGT:
		return FromBool(c > 0)
	}
	return FromBool(c >= 0)
}

// Compare evaluates an order event with fallbacks.
func (s *State) Compare(ev Event, a, b Value) Value {
	s.push(a)
	s.push(b)
	defer func() { s.top -= 2 }()
	return s.compare(ev, a, b)
}

// concat joins two strings or numbers, or defers to the concat fallback.
func (s *State) concat(a, b Value) Value {
	x, okA := s.toText(a)
	y, okB := s.toText(b)
	if okA && okB {
		return s.Intern(x + y)
	}
	h := s.binaryFallback(a, b, EventConcat)
	if h == Nil {
		s.Errorf("unexpected type at conversion to string")
	}
	return s.callFallback(h, a, b)
}

// Concat joins two values with fallbacks.
func (s *State) Concat(a, b Value) Value {
	s.push(a)
	s.push(b)
	defer func() { s.top -= 2 }()
	return s.concat(a, b)
}

// ---------------------------------------------------------------------------
// Indexing
// ---------------------------------------------------------------------------

// getTable reads t[k]. Tables use the parent chain and then the index
// fallback; tables with a gettable handler and every other type go to the
// gettable fallback. A miss on a table with no index handler reads nil, the
// same as the default index behaviour, rather than raising. Only indexing a
// non-table without a gettable handler is an error.
func (s *State) getTable(t, k Value) Value {
	if tbl := s.table(t); tbl != nil {
		if h := s.fallbacks.Get(tbl.tag, EventGetTable); h != Nil {
			return s.callFallback(h, t, k)
		}
		v, err := s.tables.lookup(tbl, k, s.parentKey, s.opts.parentHopLimit)
		if err != nil {
			s.raiseKind(err, "%v (more than %d parent hops)", err, s.opts.parentHopLimit)
		}
		if v != Nil {
			return v
		}
		if h := s.fallbacks.Get(tbl.tag, EventIndex); h != Nil {
			return s.callFallback(h, t, k)
		}
		return Nil
	}
	h := s.fallbackFor(t, EventGetTable)
	if h == Nil {
		s.Errorf("indexed expression not a table")
	}
	return s.callFallback(h, t, k)
}

// setTable writes t[k] = v, going through the settable fallback when one
// applies.
func (s *State) setTable(t, k, v Value) {
	if tbl := s.table(t); tbl != nil {
		if h := s.fallbacks.Get(tbl.tag, EventSetTable); h != Nil {
			s.callFallback0(h, t, k, v)
			return
		}
		if err := s.tables.rawSet(tbl, k, v); err != nil {
			s.raiseKind(err, "%v: %s", err, s.ToString(k))
		}
		return
	}
	h := s.fallbackFor(t, EventSetTable)
	if h == Nil {
		s.Errorf("indexed expression not a table")
	}
	s.callFallback0(h, t, k, v)
}

// GetTable reads t[k] with the parent chain and fallbacks.
func (s *State) GetTable(t, k Value) Value {
	s.push(t)
	s.push(k)
	defer func() { s.top -= 2 }()
	return s.getTable(t, k)
}

// SetTable writes t[k] = v with fallbacks.
func (s *State) SetTable(t, k, v Value) {
	s.push(t)
	s.push(k)
	s.push(v)
	defer func() { s.top -= 3 }()
	s.setTable(t, k, v)
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// getGlobal reads a global and lets the getglobal fallback of the value's
// tag replace it.
func (s *State) getGlobal(name Value) Value {
	v := s.tables.rawGet(s.table(s.globals), name)
	if h := s.fallbackFor(v, EventGetGlobal); h != Nil {
		return s.callFallback(h, name, v)
	}
	return v
}

// setGlobal assigns a global. When the old value's tag has a setglobal
// fallback, the handler runs instead of the assignment.
func (s *State) setGlobal(name, v Value) {
	g := s.table(s.globals)
	old := s.tables.rawGet(g, name)
	if h := s.fallbackFor(old, EventSetGlobal); h != Nil {
		s.callFallback0(h, name, old, v)
		return
	}
	if err := s.tables.rawSet(g, name, v); err != nil {
		s.raiseKind(err, "%v: %s", err, s.ToString(name))
	}
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// ToNumber converts numbers and numeric strings.
func (s *State) ToNumber(v Value) (float64, bool) {
	if v.IsNumber() {
		return v.Number(), true
	}
	text, ok := s.String(v)
	if !ok {
		return 0, false
	}
	return parseNumber(text)
}

func parseNumber(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// toText converts strings and numbers to text.
func (s *State) toText(v Value) (string, bool) {
	if v.IsNumber() {
		return formatNumber(v.Number()), true
	}
	return s.String(v)
}

// formatNumber renders a number the way tostring and concatenation do.
func formatNumber(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case f != f:
		return "nan"
	}
	return fmt.Sprintf("%.14g", f)
}

// ToString renders any value as text without calling fallbacks.
func (s *State) ToString(v Value) string {
	switch v.Type() {
	case TypeNil:
		return "nil"
	case TypeNumber:
		return formatNumber(v.Number())
	case TypeString:
		text, _ := s.String(v)
		return text
	case TypeNative:
		if e := s.native(v); e != nil {
			return fmt.Sprintf("native: %s", e.name)
		}
	}
	return fmt.Sprintf("%s: 0x%08x", v.Type(), v.handle())
}
