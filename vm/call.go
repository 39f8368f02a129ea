package vm

// ---------------------------------------------------------------------------
// Call protocol
// ---------------------------------------------------------------------------

// Call calls the function below the nargs arguments on top of the stack. The
// function and its arguments are replaced by nresults results, padded with
// nil or truncated; MultRet keeps every result. Errors propagate to the
// nearest protected call.
func (s *State) Call(nargs, nresults int) {
	fi := s.top - nargs - 1
	if fi < 0 {
		panic("Call: stack underflow")
	}
	s.call(fi, nresults)
}

// call runs the callee at stack[fi] with the arguments stack[fi+1:top].
// Interpreted functions, natives and the function fallback all go through
// here, so every callee sees the same protocol.
func (s *State) call(fi, nresults int) {
	limit := s.opts.maxCallDepth
	if s.inErrorHandler {
		limit += 5
	}
	if len(s.frames) >= limit {
		s.raiseKind(ErrStackOverflow, "stack overflow")
	}

	fn := s.stack[fi]
	var first int
	switch {
	case fn.IsFunction():
		first = s.callScript(fi, fn)
	case fn.IsNative():
		first = s.callNative(fi, fn)
	default:
		h := s.fallbackFor(fn, EventFunction)
		if h == Nil {
			s.Errorf("call expression not a function")
		}
		// The handler receives the called object as its first argument.
		s.ensureStack(1)
		copy(s.stack[fi+1:s.top+1], s.stack[fi:s.top])
		s.stack[fi] = h
		s.top++
		s.call(fi, nresults)
		return
	}
	s.moveResults(fi, first, nresults)
}

// moveResults moves stack[first:top] down to fi and adjusts the count.
func (s *State) moveResults(fi, first, nresults int) {
	n := s.top - first
	copy(s.stack[fi:], s.stack[first:s.top])
	s.top = fi + n
	if nresults != MultRet {
		s.setTop(fi + nresults)
	}
}

func (s *State) pushFrame(f *callFrame) {
	s.frames = append(s.frames, f)
}

func (s *State) popFrame() {
	n := len(s.frames) - 1
	s.frames[n] = nil
	s.frames = s.frames[:n]
}

// callScript enters an interpreted function and returns the index of its
// first result.
func (s *State) callScript(fi int, fn Value) int {
	p := s.protos.get(fn.handle())
	if p == nil {
		s.Errorf("call to a collected function")
	}
	base := fi + 1
	nargs := s.top - base
	s.ensureStack(p.MaxStack + stackExtra)

	if p.IsVararg {
		extra := nargs - p.NumParams
		if extra < 0 {
			s.setTop(base + p.NumParams)
			extra = 0
		}
		// The extra arguments stay on the stack until copied.
		t := s.NewTable(extra + 1)
		tbl := s.table(t)
		first := base + p.NumParams
		for i := 0; i < extra; i++ {
			s.rawSetTable(tbl, FromInt(i+1), s.stack[first+i])
		}
		s.rawSetTable(tbl, s.nKey, FromInt(extra))
		s.top = first
		s.push(t)
	} else {
		s.setTop(base + p.NumParams)
	}

	f := &callFrame{fn: fn, proto: p, funcIdx: fi, base: base, line: p.Line}
	s.pushFrame(f)
	first := s.execute(f)
	s.popFrame()
	return first
}

// callNative runs a host function and returns the index of its first result.
func (s *State) callNative(fi int, fn Value) int {
	e := s.native(fn)
	if e == nil {
		s.Errorf("call to an unknown native function")
	}
	base := fi + 1
	f := &callFrame{fn: fn, funcIdx: fi, base: base, nargs: s.top - base}
	s.ensureStack(stackExtra)
	s.pushFrame(f)
	n := e.fn(s)
	s.popFrame()

	if avail := s.top - base; n > avail {
		n = avail
	}
	if n < 0 {
		n = 0
	}
	return s.top - n
}

func (s *State) rawSetTable(t *Table, k, v Value) {
	if err := s.tables.rawSet(t, k, v); err != nil {
		s.raiseKind(err, "%v", err)
	}
}

// ---------------------------------------------------------------------------
// Native argument access
// ---------------------------------------------------------------------------

// NArgs returns the number of arguments passed to the running native.
func (s *State) NArgs() int {
	if f := s.currentFrame(); f != nil && f.proto == nil {
		return f.nargs
	}
	return 0
}

// Arg returns argument i (0-based) of the running native, or nil.
func (s *State) Arg(i int) Value {
	f := s.currentFrame()
	if f == nil || f.proto != nil || i < 0 || i >= f.nargs {
		return Nil
	}
	return s.stack[f.base+i]
}

// nativeName returns the registered name of the running native.
func (s *State) nativeName() string {
	if f := s.currentFrame(); f != nil {
		if e := s.native(f.fn); e != nil {
			return e.name
		}
	}
	return "?"
}

// ArgError raises a "bad argument" error for argument i.
func (s *State) ArgError(i int, msg string) {
	s.Errorf("bad argument #%d to function `%s' (%s)", i+1, s.nativeName(), msg)
}

// CheckAny raises unless argument i was passed.
func (s *State) CheckAny(i int) Value {
	if i >= s.NArgs() {
		s.ArgError(i, "value expected")
	}
	return s.Arg(i)
}

// CheckNumber returns argument i as a number, converting numeric strings.
func (s *State) CheckNumber(i int) float64 {
	f, ok := s.ToNumber(s.Arg(i))
	if !ok {
		s.ArgError(i, "number expected")
	}
	return f
}

// OptNumber returns argument i as a number, or def when it is nil.
func (s *State) OptNumber(i int, def float64) float64 {
	if s.Arg(i) == Nil {
		return def
	}
	return s.CheckNumber(i)
}

// CheckString returns argument i as text, converting numbers.
func (s *State) CheckString(i int) string {
	v := s.Arg(i)
	switch {
	case v.IsString():
		text, _ := s.String(v)
		return text
	case v.IsNumber():
		return formatNumber(v.Number())
	}
	s.ArgError(i, "string expected")
	return ""
}

// CheckTable returns argument i, raising unless it is a table.
func (s *State) CheckTable(i int) Value {
	v := s.Arg(i)
	if !v.IsTable() {
		s.ArgError(i, "table expected")
	}
	return v
}
