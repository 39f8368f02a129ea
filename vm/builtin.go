package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Base library
// ---------------------------------------------------------------------------

var baseLibrary = []struct {
	name string
	fn   NativeFunc
}{
	{"type", builtinType},
	{"tostring", builtinToString},
	{"tonumber", builtinToNumber},
	{"print", builtinPrint},
	{"error", builtinError},
	{"assert", builtinAssert},
	{"next", builtinNext},
	{"nextvar", builtinNextVar},
	{"rawgettable", builtinRawGetTable},
	{"rawsettable", builtinRawSetTable},
	{"rawgetglobal", builtinRawGetGlobal},
	{"rawsetglobal", builtinRawSetGlobal},
	{"newtag", builtinNewTag},
	{"settag", builtinSetTag},
	{"tag", builtinTag},
	{"settagmethod", builtinSetTagMethod},
	{"gettagmethod", builtinGetTagMethod},
	{"setfallback", builtinSetFallback},
	{"seterrormethod", builtinSetErrorMethod},
	{"collectgarbage", builtinCollectGarbage},
	{"pcall", builtinPCall},
	{"call", builtinCall},
}

// OpenBase registers the base library into the globals.
func (s *State) OpenBase() {
	for _, b := range baseLibrary {
		s.Register(b.name, b.fn)
	}
}

func builtinType(s *State) int {
	s.PushString(s.CheckAny(0).Type().String())
	return 1
}

func builtinToString(s *State) int {
	s.PushString(s.ToString(s.CheckAny(0)))
	return 1
}

func builtinToNumber(s *State) int {
	f, ok := s.ToNumber(s.Arg(0))
	if !ok {
		s.push(Nil)
		return 1
	}
	s.push(FromNumber(f))
	return 1
}

func builtinPrint(s *State) int {
	parts := make([]string, s.NArgs())
	for i := range parts {
		parts[i] = s.ToString(s.Arg(i))
	}
	fmt.Fprintln(s.out, strings.Join(parts, "\t"))
	return 0
}

func builtinError(s *State) int {
	s.Raise(s.Arg(0))
	return 0
}

func builtinAssert(s *State) int {
	if !s.Arg(0).IsTruthy() {
		if msg := s.Arg(1); msg != Nil {
			s.Errorf("assertion failed: %s", s.ToString(msg))
		}
		s.Errorf("assertion failed!")
	}
	return 0
}

func builtinNext(s *State) int {
	t := s.CheckTable(0)
	k, v, ok := s.Next(t, s.Arg(1))
	if !ok {
		s.push(Nil)
		return 1
	}
	s.push(k)
	s.push(v)
	return 2
}

func builtinNextVar(s *State) int {
	name := s.Arg(0)
	if name != Nil && !name.IsString() {
		s.ArgError(0, "string expected")
	}
	k, v, ok := s.Next(s.globals, name)
	if !ok {
		s.push(Nil)
		return 1
	}
	s.push(k)
	s.push(v)
	return 2
}

func builtinRawGetTable(s *State) int {
	s.push(s.RawGet(s.CheckTable(0), s.Arg(1)))
	return 1
}

func builtinRawSetTable(s *State) int {
	t := s.CheckTable(0)
	s.RawSet(t, s.Arg(1), s.Arg(2))
	s.push(t)
	return 1
}

func builtinRawGetGlobal(s *State) int {
	s.CheckString(0)
	s.push(s.tables.rawGet(s.table(s.globals), s.stringArg(0)))
	return 1
}

func builtinRawSetGlobal(s *State) int {
	s.CheckString(0)
	s.RawSet(s.globals, s.stringArg(0), s.Arg(1))
	s.push(s.Arg(1))
	return 1
}

// stringArg returns argument i as a string value, interning numbers.
func (s *State) stringArg(i int) Value {
	v := s.Arg(i)
	if v.IsString() {
		return v
	}
	return s.Intern(s.CheckString(i))
}

// ---------------------------------------------------------------------------
// Tags and fallbacks
// ---------------------------------------------------------------------------

func (s *State) checkTag(i int) Tag {
	tag := Tag(s.CheckNumber(i))
	if !s.fallbacks.validTag(tag) {
		s.ArgError(i, "invalid tag")
	}
	return tag
}

func (s *State) checkEvent(i int) Event {
	name := s.CheckString(i)
	ev, ok := ParseEvent(name)
	if !ok {
		s.ArgError(i, fmt.Sprintf("invalid event name `%s'", name))
	}
	return ev
}

func (s *State) checkHandler(i int) Value {
	fn := s.Arg(i)
	if fn != Nil && !fn.IsCallable() {
		s.ArgError(i, "function expected")
	}
	return fn
}

func builtinNewTag(s *State) int {
	s.push(FromInt(int(s.NewTag())))
	return 1
}

func builtinSetTag(s *State) int {
	v := s.Arg(0)
	if err := s.SetTag(v, s.checkTag(1)); err != nil {
		s.Errorf("%v", err)
	}
	s.push(v)
	return 1
}

func builtinTag(s *State) int {
	s.push(FromInt(int(s.TagOf(s.CheckAny(0)))))
	return 1
}

func builtinSetTagMethod(s *State) int {
	tag := s.checkTag(0)
	ev := s.checkEvent(1)
	prev, err := s.SetFallback(tag, ev, s.checkHandler(2))
	if err != nil {
		s.raiseKind(err, "%v", err)
	}
	s.push(prev)
	return 1
}

func builtinGetTagMethod(s *State) int {
	tag := s.checkTag(0)
	ev := s.checkEvent(1)
	s.push(s.GetFallback(tag, ev))
	return 1
}

// builtinSetFallback installs a handler on the generic row, which every tag
// without its own handler falls back to. The event name "error" sets the
// error handler.
func builtinSetFallback(s *State) int {
	name := s.CheckString(0)
	fn := s.checkHandler(1)
	if name == "error" {
		s.push(s.SetErrorHandler(fn))
		return 1
	}
	ev, ok := ParseEvent(name)
	if !ok {
		s.ArgError(0, fmt.Sprintf("invalid event name `%s'", name))
	}
	prev, err := s.SetFallback(TagGeneric, ev, fn)
	if err != nil {
		s.raiseKind(err, "%v", err)
	}
	s.push(prev)
	return 1
}

func builtinSetErrorMethod(s *State) int {
	s.push(s.SetErrorHandler(s.checkHandler(0)))
	return 1
}

// ---------------------------------------------------------------------------
// Collector and calls
// ---------------------------------------------------------------------------

// builtinCollectGarbage runs a collection and returns the number of entities
// reclaimed. An optional argument sets the next threshold.
func builtinCollectGarbage(s *State) int {
	stats := s.Collect()
	if n := s.Arg(0); n != Nil {
		s.threshold = int(s.CheckNumber(0))
	}
	s.push(FromInt(stats.Reclaimed))
	return 1
}

// builtinPCall calls its first argument with the rest. It returns 1 followed
// by the results, or nil and the error description.
func builtinPCall(s *State) int {
	s.CheckAny(0)
	nargs := s.NArgs()
	fi := s.top
	s.ensureStack(nargs + 1)
	for i := 0; i < nargs; i++ {
		s.push(s.Arg(i))
	}
	if err := s.PCall(nargs-1, MultRet); err != nil {
		s.push(Nil)
		s.push(err.(*RuntimeError).Value)
		return 2
	}
	n := s.top - fi
	s.ensureStack(1)
	copy(s.stack[fi+1:s.top+1], s.stack[fi:s.top])
	s.stack[fi] = FromNumber(1)
	s.top++
	return n + 1
}

// builtinCall calls f with the elements 1..n of an argument table.
func builtinCall(s *State) int {
	fn := s.CheckAny(0)
	args := s.CheckTable(1)
	n := 0
	if c, ok := s.ToNumber(s.RawGet(args, s.nKey)); ok {
		n = int(c)
	} else {
		for s.RawGet(args, FromInt(n+1)) != Nil {
			n++
		}
	}
	fi := s.top
	s.ensureStack(n + 1)
	s.push(fn)
	for i := 1; i <= n; i++ {
		s.push(s.RawGet(args, FromInt(i)))
	}
	s.call(fi, MultRet)
	return s.top - fi
}
