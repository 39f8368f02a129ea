package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Tags and events
// ---------------------------------------------------------------------------

// Tag selects a row of the fallback table. Every value has a tag: built-in
// types have a fixed one, tables and userdata may carry a tag made by NewTag.
type Tag int32

const (
	TagNil Tag = iota
	TagNumber
	TagString
	TagTable
	TagFunction
	TagNative
	TagUserdata

	// TagGeneric is the row consulted when a tag's own cell is empty.
	TagGeneric

	numBuiltinTags = TagGeneric
)

// Event is an overridable core operation.
type Event uint8

const (
	EventGetTable Event = iota
	EventSetTable
	EventIndex
	EventGetGlobal
	EventSetGlobal
	EventAdd
	EventSub
	EventMul
	EventDiv
	EventPow
	EventUnm
	EventLT
	EventLE
	EventGT
	EventGE
	EventConcat
	EventGC
	EventFunction

	numEvents
)

var eventNames = [numEvents]string{
	EventGetTable:  "gettable",
	EventSetTable:  "settable",
	EventIndex:     "index",
	EventGetGlobal: "getglobal",
	EventSetGlobal: "setglobal",
	EventAdd:       "add",
	EventSub:       "sub",
	EventMul:       "mul",
	EventDiv:       "div",
	EventPow:       "pow",
	EventUnm:       "unm",
	EventLT:        "lt",
	EventLE:        "le",
	EventGT:        "gt",
	EventGE:        "ge",
	EventConcat:    "concat",
	EventGC:        "gc",
	EventFunction:  "function",
}

// String implements the Stringer interface.
func (e Event) String() string {
	if e < numEvents {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// ParseEvent returns the event with the given script-level name.
func ParseEvent(name string) (Event, bool) {
	for i, n := range eventNames {
		if n == name {
			return Event(i), true
		}
	}
	return 0, false
}

// ErrIllegalFallback is returned when a handler is installed in a cell the
// legality matrix forbids.
var ErrIllegalFallback = errors.New("illegal fallback")

// legalEvents is indexed by built-in tag, in Event order:
//
//	gettable settable index getglobal setglobal add sub mul div pow unm lt le gt ge concat gc function
var legalEvents = [numBuiltinTags][numEvents]bool{
	TagNil:      {true, true, false, true, true, true, true, true, true, true, true, true, true, true, true, true, true, true},
	TagNumber:   {true, true, false, false, false, true, true, true, true, true, false, true, true, true, true, false, false, true},
	TagString:   {true, true, false, false, false, true, true, true, true, true, true, false, false, false, false, false, false, true},
	TagTable:    {false, false, true, false, false, true, true, true, true, true, true, true, true, true, true, true, true, true},
	TagFunction: {true, true, false, false, false, true, true, true, true, true, true, true, true, true, true, true, false, false},
	TagNative:   {true, true, false, false, false, true, true, true, true, true, true, true, true, true, true, true, false, false},
	TagUserdata: {true, true, false, true, true, true, true, true, true, true, true, true, true, true, true, true, true, true},
}

// ---------------------------------------------------------------------------
// FallbackTable
// ---------------------------------------------------------------------------

// FallbackTable holds one callable per (tag, event) cell plus the global
// error handler.
type FallbackTable struct {
	rows         [][numEvents]Value
	errorHandler Value
}

// NewFallbackTable creates a table with the built-in rows and the generic
// row, all cells empty.
func NewFallbackTable() *FallbackTable {
	ft := &FallbackTable{
		rows:         make([][numEvents]Value, TagGeneric+1),
		errorHandler: Nil,
	}
	for i := range ft.rows {
		ft.rows[i] = emptyRow()
	}
	return ft
}

func emptyRow() [numEvents]Value {
	var row [numEvents]Value
	for i := range row {
		row[i] = Nil
	}
	return row
}

// newTag appends a row for a fresh user tag.
func (ft *FallbackTable) newTag() Tag {
	ft.rows = append(ft.rows, emptyRow())
	return Tag(len(ft.rows) - 1)
}

func (ft *FallbackTable) validTag(tag Tag) bool {
	return tag >= 0 && int(tag) < len(ft.rows)
}

func (ft *FallbackTable) isUserTag(tag Tag) bool {
	return tag > TagGeneric && ft.validTag(tag)
}

// Legal reports whether a handler may be installed for (tag, ev).
func (ft *FallbackTable) Legal(tag Tag, ev Event) bool {
	if ev >= numEvents || !ft.validTag(tag) {
		return false
	}
	if tag < numBuiltinTags {
		return legalEvents[tag][ev]
	}
	return true
}

// Get returns the most specific handler for (tag, ev): the tag's own cell,
// then the generic row. Cells the legality matrix forbids never yield a
// handler, so the generic row cannot override a native operation either.
func (ft *FallbackTable) Get(tag Tag, ev Event) Value {
	if !ft.Legal(tag, ev) {
		return Nil
	}
	if h := ft.rows[tag][ev]; h != Nil {
		return h
	}
	return ft.rows[TagGeneric][ev]
}

// Set installs h for (tag, ev) and returns the previous handler.
func (ft *FallbackTable) Set(tag Tag, ev Event, h Value) (Value, error) {
	if !ft.Legal(tag, ev) {
		return Nil, fmt.Errorf("%w: event %q for tag %d", ErrIllegalFallback, ev, tag)
	}
	prev := ft.rows[tag][ev]
	ft.rows[tag][ev] = h
	return prev, nil
}

// mark feeds every installed handler to mark.
func (ft *FallbackTable) mark(mark func(Value)) {
	mark(ft.errorHandler)
	for _, row := range ft.rows {
		for _, h := range row {
			if h != Nil {
				mark(h)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// State-level fallback API
// ---------------------------------------------------------------------------

// NewTag creates a user tag that tables and userdata can carry.
func (s *State) NewTag() Tag {
	return s.fallbacks.newTag()
}

// TagOf returns the tag that selects fallbacks for v.
func (s *State) TagOf(v Value) Tag {
	switch v.Type() {
	case TypeNumber:
		return TagNumber
	case TypeString:
		return TagString
	case TypeTable:
		if t := s.table(v); t != nil {
			return t.tag
		}
		return TagTable
	case TypeFunction:
		return TagFunction
	case TypeNative:
		return TagNative
	case TypeUserdata:
		if e := s.udata.entry(v.handle()); e != nil {
			return e.tag
		}
		return TagUserdata
	}
	return TagNil
}

// SetTag changes the tag of a table or userdata value. Tables accept
// TagTable or a user tag; userdata accepts TagUserdata or a user tag.
func (s *State) SetTag(v Value, tag Tag) error {
	user := s.fallbacks.isUserTag(tag)
	switch {
	case v.IsTable() && (tag == TagTable || user):
		s.table(v).tag = tag
	case v.IsUserdata() && (tag == TagUserdata || user):
		s.udata.entry(v.handle()).tag = tag
	default:
		return fmt.Errorf("cannot set tag %d on a %s value", tag, v.Type())
	}
	return nil
}

// GetFallback returns the handler selected for (tag, ev), or Nil.
func (s *State) GetFallback(tag Tag, ev Event) Value {
	return s.fallbacks.Get(tag, ev)
}

// SetFallback installs fn for (tag, ev) and returns the previous handler so
// the new one can chain to it. fn must be nil or callable. Cells outside the
// legality matrix are rejected with ErrIllegalFallback.
func (s *State) SetFallback(tag Tag, ev Event, fn Value) (Value, error) {
	if fn != Nil && !fn.IsCallable() {
		return Nil, fmt.Errorf("%w: handler must be a function, got %s", ErrIllegalFallback, fn.Type())
	}
	return s.fallbacks.Set(tag, ev, fn)
}

// SetErrorHandler installs the global error handler and returns the previous
// one. Nil disables error reporting.
func (s *State) SetErrorHandler(fn Value) Value {
	prev := s.fallbacks.errorHandler
	s.fallbacks.errorHandler = fn
	return prev
}

// ErrorHandler returns the installed global error handler.
func (s *State) ErrorHandler() Value {
	return s.fallbacks.errorHandler
}

// fallbackFor returns the handler for ev on v's tag.
func (s *State) fallbackFor(v Value, ev Event) Value {
	return s.fallbacks.Get(s.TagOf(v), ev)
}

// binaryFallback returns the handler for ev on the first operand's tag,
// falling back to the second operand's.
func (s *State) binaryFallback(a, b Value, ev Event) Value {
	if h := s.fallbackFor(a, ev); h != Nil {
		return h
	}
	return s.fallbackFor(b, ev)
}
