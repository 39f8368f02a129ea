package vm

import (
	"errors"
	"strings"
	"testing"
)

// callGlobal runs the global function name with args.
func callGlobal(t *testing.T, s *State, name string, args ...Value) ([]Value, error) {
	t.Helper()
	fn := s.GetGlobal(name)
	if fn == Nil {
		t.Fatalf("global %s is not defined", name)
	}
	return s.Run(fn, args...)
}

func TestBuiltinType(t *testing.T) {
	s, _ := newTestState(t)
	tbl := s.NewTable(0)
	s.SetGlobal("tbl", tbl)

	tests := []struct {
		v    Value
		want string
	}{
		{Nil, "nil"},
		{FromNumber(1), "number"},
		{s.Intern("x"), "string"},
		{tbl, "table"},
		{s.GetGlobal("print"), "native"},
		{buildAdd(s), "function"},
		{s.NewUserdata(nil, TagUserdata), "userdata"},
	}
	for _, tt := range tests {
		r, err := callGlobal(t, s, "type", tt.v)
		if err != nil {
			t.Fatal(err)
		}
		if got := s.ToString(r[0]); got != tt.want {
			t.Errorf("type(%s) = %s, want %s", s.ToString(tt.v), got, tt.want)
		}
	}

	if _, err := callGlobal(t, s, "type"); err == nil || !strings.Contains(err.Error(), "bad argument #1 to function `type'") {
		t.Errorf("type() error = %v", err)
	}
}

func TestBuiltinPrint(t *testing.T) {
	s, out := newTestState(t)
	if _, err := callGlobal(t, s, "print", s.Intern("a"), FromNumber(1), Nil, FromNumber(0.5)); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "a\t1\tnil\t0.5\n" {
		t.Errorf("output = %q", got)
	}
}

func TestBuiltinToNumber(t *testing.T) {
	s, _ := newTestState(t)
	r, _ := callGlobal(t, s, "tonumber", s.Intern("  12.5 "))
	if r[0].Number() != 12.5 {
		t.Errorf("tonumber(\"  12.5 \") = %s", s.ToString(r[0]))
	}
	r, _ = callGlobal(t, s, "tonumber", s.Intern("twelve"))
	if r[0] != Nil {
		t.Errorf("tonumber(\"twelve\") = %s", s.ToString(r[0]))
	}
	r, _ = callGlobal(t, s, "tostring", FromNumber(1e100))
	if s.ToString(r[0]) != "1e+100" {
		t.Errorf("tostring(1e100) = %s", s.ToString(r[0]))
	}
}

func TestBuiltinErrorAndAssert(t *testing.T) {
	s, _ := newTestState(t)

	_, err := callGlobal(t, s, "error", s.Intern("custom"))
	if err == nil || err.(*RuntimeError).Message != "custom" {
		t.Errorf("error(\"custom\") = %v", err)
	}

	if _, err := callGlobal(t, s, "assert", FromNumber(1)); err != nil {
		t.Errorf("assert(1) = %v", err)
	}
	_, err = callGlobal(t, s, "assert", Nil, s.Intern("why"))
	if err == nil || !strings.Contains(err.Error(), "assertion failed: why") {
		t.Errorf("assert(nil, \"why\") = %v", err)
	}
}

func TestBuiltinNext(t *testing.T) {
	s, _ := newTestState(t)
	tbl := s.NewTable(0)
	s.SetGlobal("tbl", tbl)
	s.RawSet(tbl, s.Intern("only"), FromNumber(7))

	r, err := callGlobal(t, s, "next", tbl, Nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(r) != 2 || s.ToString(r[0]) != "only" || r[1].Number() != 7 {
		t.Fatalf("next(t, nil) = %v", r)
	}
	r, _ = callGlobal(t, s, "next", tbl, r[0])
	if len(r) != 1 || r[0] != Nil {
		t.Errorf("next past the end = %v", r)
	}
}

func TestBuiltinNextVar(t *testing.T) {
	s, _ := newTestState(t, WithoutBase())
	s.Register("nextvar", builtinNextVar)
	s.SetGlobal("alpha", FromNumber(1))

	seen := map[string]bool{}
	k := Nil
	for {
		r, err := s.Run(s.GetGlobal("nextvar"), k)
		if err != nil {
			t.Fatal(err)
		}
		if r[0] == Nil {
			break
		}
		seen[s.ToString(r[0])] = true
		k = r[0]
	}
	if !seen["alpha"] || !seen["nextvar"] || len(seen) != 2 {
		t.Errorf("nextvar visited %v", seen)
	}
}

func TestBuiltinRawAccessSkipsFallbacks(t *testing.T) {
	s, _ := newTestState(t)
	calls := 0
	s.SetFallback(TagNil, EventGetGlobal, s.NewNative("undef", func(s *State) int {
		calls++
		return 0
	}))

	r, err := callGlobal(t, s, "rawgetglobal", s.Intern("missing"))
	if err != nil {
		t.Fatal(err)
	}
	if r[0] != Nil || calls != 0 {
		t.Errorf("rawgetglobal = %s, handler calls %d", s.ToString(r[0]), calls)
	}

	callGlobal(t, s, "rawsetglobal", s.Intern("g"), FromNumber(3))
	if s.GetGlobal("g").Number() != 3 {
		t.Error("rawsetglobal did not assign")
	}

	tbl := s.NewTable(0)
	s.SetGlobal("tbl", tbl)
	callGlobal(t, s, "rawsettable", tbl, FromNumber(1), s.Intern("v"))
	r, _ = callGlobal(t, s, "rawgettable", tbl, FromNumber(1))
	if s.ToString(r[0]) != "v" {
		t.Errorf("rawgettable = %s", s.ToString(r[0]))
	}
}

func TestBuiltinTags(t *testing.T) {
	s, _ := newTestState(t)

	r, _ := callGlobal(t, s, "newtag")
	tag := r[0]
	if Tag(tag.Number()) <= TagGeneric {
		t.Fatalf("newtag() = %s", s.ToString(tag))
	}

	tbl := s.NewTable(0)
	s.SetGlobal("tbl", tbl)
	if _, err := callGlobal(t, s, "settag", tbl, tag); err != nil {
		t.Fatal(err)
	}
	r, _ = callGlobal(t, s, "tag", tbl)
	if r[0] != tag {
		t.Errorf("tag(t) = %s, want %s", s.ToString(r[0]), s.ToString(tag))
	}

	handler := s.GetGlobal("print")
	if _, err := callGlobal(t, s, "settagmethod", tag, s.Intern("index"), handler); err != nil {
		t.Fatal(err)
	}
	r, _ = callGlobal(t, s, "gettagmethod", tag, s.Intern("index"))
	if r[0] != handler {
		t.Error("gettagmethod did not return the installed handler")
	}

	_, err := callGlobal(t, s, "settagmethod", FromInt(int(TagNumber)), s.Intern("concat"), handler)
	if !errors.Is(err, ErrIllegalFallback) {
		t.Errorf("illegal settagmethod error = %v", err)
	}
	_, err = callGlobal(t, s, "settagmethod", tag, s.Intern("bogus"), handler)
	if err == nil || !strings.Contains(err.Error(), "invalid event name") {
		t.Errorf("unknown event error = %v", err)
	}
}

func TestBuiltinSetFallbackIsGlobal(t *testing.T) {
	s, _ := newTestState(t)
	handler := s.NewNative("arith", func(s *State) int {
		s.PushString("handled " + s.CheckString(2))
		return 1
	})
	if _, err := callGlobal(t, s, "setfallback", s.Intern("arith"), handler); err == nil {
		t.Error("setfallback should reject an unknown event")
	}
	if _, err := callGlobal(t, s, "setfallback", s.Intern("sub"), handler); err != nil {
		t.Fatal(err)
	}

	tbl := s.NewTable(0)
	s.Push(tbl)
	defer s.Pop()
	if got := s.Arith(EventSub, tbl, FromNumber(1)); s.ToString(got) != "handled sub" {
		t.Errorf("t - 1 = %s", s.ToString(got))
	}

	var seen string
	errHandler := s.NewNative("err", func(s *State) int {
		seen = s.ToString(s.Arg(0))
		return 0
	})
	callGlobal(t, s, "setfallback", s.Intern("error"), errHandler)
	if s.ErrorHandler() != errHandler {
		t.Fatal("setfallback(\"error\") should install the error handler")
	}
	callGlobal(t, s, "error", s.Intern("reported"))
	if seen != "reported" {
		t.Errorf("error handler saw %q", seen)
	}
}

func TestBuiltinPCall(t *testing.T) {
	s, _ := newTestState(t)

	r, err := callGlobal(t, s, "pcall", buildAdd(s), FromNumber(1), FromNumber(2))
	if err != nil {
		t.Fatal(err)
	}
	if len(r) != 2 || r[0].Number() != 1 || r[1].Number() != 3 {
		t.Errorf("pcall(add, 1, 2) = %v", r)
	}

	r, err = callGlobal(t, s, "pcall", s.GetGlobal("error"), s.Intern("oops"))
	if err != nil {
		t.Fatal(err)
	}
	if len(r) != 2 || r[0] != Nil || s.ToString(r[1]) != "oops" {
		t.Errorf("pcall(error, \"oops\") = %v", r)
	}
}

func TestBuiltinCall(t *testing.T) {
	s, _ := newTestState(t)
	args := s.NewTable(0)
	s.SetGlobal("args", args)
	s.RawSet(args, FromNumber(1), FromNumber(40))
	s.RawSet(args, FromNumber(2), FromNumber(2))

	r, err := callGlobal(t, s, "call", buildAdd(s), args)
	if err != nil {
		t.Fatal(err)
	}
	if len(r) != 1 || r[0].Number() != 42 {
		t.Errorf("call(add, {40, 2}) = %v", r)
	}
}

func TestBuiltinCollectGarbage(t *testing.T) {
	s, _ := newTestState(t)
	for i := 0; i < 10; i++ {
		s.NewTable(0)
	}
	r, err := callGlobal(t, s, "collectgarbage", FromNumber(5000))
	if err != nil {
		t.Fatal(err)
	}
	if r[0].Number() < 10 {
		t.Errorf("collectgarbage reclaimed %s, want at least 10", s.ToString(r[0]))
	}
	if s.GCThreshold() != 5000 {
		t.Errorf("threshold = %d, want 5000", s.GCThreshold())
	}
}
