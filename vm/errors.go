package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

var (
	// ErrOutOfMemory is raised when the entity limit is still exceeded after a
	// forced collection. It cannot be caught by script-level pcall.
	ErrOutOfMemory = errors.New("not enough memory")
	// ErrStackOverflow is raised when the call depth or the stack ceiling is
	// exceeded.
	ErrStackOverflow = errors.New("stack overflow")
	// ErrRuntime classifies errors raised by scripts and natives.
	ErrRuntime = errors.New("runtime error")
)

// RuntimeError is panicked when an error is raised and recovered by the
// nearest protected call.
type RuntimeError struct {
	Value   Value  // the error description
	Message string // text form of Value
	Where   string // "source:line" of the innermost interpreted frame
	Fatal   bool   // fatal errors pass through script-level pcall

	kind error
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Where != "" {
		return e.Where + ": " + e.Message
	}
	return e.Message
}

// Unwrap exposes the error class for errors.Is.
func (e *RuntimeError) Unwrap() error {
	return e.kind
}

// Raise aborts the current operation with v as the error description.
func (s *State) Raise(v Value) {
	s.raise(v, ErrRuntime, false)
}

// Errorf raises an error whose description is the formatted text.
func (s *State) Errorf(format string, args ...any) {
	s.raiseKind(ErrRuntime, format, args...)
}

// raiseKind raises a formatted error of the given class.
func (s *State) raiseKind(kind error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.raise(s.errorText(msg), kind, false)
}

// raiseFatal raises an error that only Run recovers.
func (s *State) raiseFatal(kind error, msg string) {
	s.raise(s.errorText(msg), kind, true)
}

// errorText interns msg without running the allocation check, so reporting
// can never recurse into the collector or the entity limit.
func (s *State) errorText(msg string) Value {
	id, _ := s.strings.intern(msg)
	return makeRef(tagString, id)
}

func (s *State) raise(v Value, kind error, fatal bool) {
	s.lastError = v
	err := &RuntimeError{
		Value:   v,
		Message: s.describe(v),
		Where:   s.where(),
		Fatal:   fatal,
		kind:    kind,
	}
	s.reportError(v)
	panic(err)
}

// describe renders an error description for Go callers.
func (s *State) describe(v Value) string {
	switch v.Type() {
	case TypeString, TypeNumber:
		return s.ToString(v)
	}
	return fmt.Sprintf("(error object is a %s value)", v.Type())
}

// where returns "source:line" for the innermost interpreted frame.
func (s *State) where() string {
	for i := len(s.frames) - 1; i >= 0; i-- {
		f := s.frames[i]
		if f.proto != nil {
			return fmt.Sprintf("%s:%d", s.SourceName(f.proto), f.line)
		}
	}
	return ""
}

// reportError calls the error handler with the description. The handler never
// runs re-entrantly and its own failures are dropped.
func (s *State) reportError(v Value) {
	h := s.fallbacks.errorHandler
	if h == Nil || s.inErrorHandler {
		return
	}
	s.inErrorHandler = true
	defer func() { s.inErrorHandler = false }()

	s.grow(s.top + 2)
	fi := s.top
	s.stack[s.top] = h
	s.stack[s.top+1] = v
	s.top += 2
	_ = s.protect(fi, func() { s.call(fi, 0) })
	s.top = fi
}

// defaultErrorHandler logs the description.
func defaultErrorHandler(s *State) int {
	s.log.Errorf("lumen: %s", s.describe(s.Arg(0)))
	return 0
}

// ---------------------------------------------------------------------------
// Protected calls
// ---------------------------------------------------------------------------

// protect runs fn, recovering a raised error. On error the frame stack is
// unwound and the stack top is reset to restore. Fatal errors and Go panics
// that are not runtime errors keep propagating.
func (s *State) protect(restore int, fn func()) (err error) {
	depth := len(s.frames)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		rerr, ok := r.(*RuntimeError)
		if !ok || rerr.Fatal {
			panic(r)
		}
		s.unwind(depth, restore)
		err = rerr
	}()
	fn()
	return nil
}

func (s *State) unwind(depth, top int) {
	for i := depth; i < len(s.frames); i++ {
		s.frames[i] = nil
	}
	s.frames = s.frames[:depth]
	s.top = top
}

// PCall calls the function below the nargs arguments on top of the stack
// like Call, but recovers raised errors. On error the function and its
// arguments are removed and the error is returned.
func (s *State) PCall(nargs, nresults int) error {
	fi := s.top - nargs - 1
	if fi < 0 {
		panic("PCall: stack underflow")
	}
	return s.protect(fi, func() { s.call(fi, nresults) })
}

// LastError returns the description of the most recent error.
func (s *State) LastError() Value {
	return s.lastError
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Run calls fn with args and returns every result. Any raised error,
// including fatal ones, is returned as a *RuntimeError.
func (s *State) Run(fn Value, args ...Value) (results []Value, err error) {
	base := s.top
	err = s.guard(func() {
		s.ensureStack(len(args) + 1)
		s.push(fn)
		for _, a := range args {
			s.push(a)
		}
		s.call(base, MultRet)
		results = make([]Value, s.top-base)
		copy(results, s.stack[base:s.top])
		s.top = base
	})
	return results, err
}

// RunPrototype verifies and registers p, then runs it with args.
func (s *State) RunPrototype(p *Prototype, args ...Value) ([]Value, error) {
	if err := p.Verify(); err != nil {
		return nil, err
	}
	var fn Value
	if err := s.guard(func() { fn = s.NewPrototype(p) }); err != nil {
		return nil, err
	}
	return s.Run(fn, args...)
}

// Protect runs fn, which may call State methods that raise, and returns the
// raised error instead of propagating it. Front ends that build values
// outside a Run use it to report out-of-memory as an error.
func (s *State) Protect(fn func()) error {
	return s.guard(fn)
}

// guard runs fn and converts every raised error, fatal or not, into a
// returned error after restoring the stack.
func (s *State) guard(fn func()) (err error) {
	depth := len(s.frames)
	base := s.top
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		rerr, ok := r.(*RuntimeError)
		if !ok {
			panic(r)
		}
		s.unwind(depth, base)
		s.log.Debugf("run failed: %s", rerr.Error())
		err = rerr
	}()
	fn()
	return nil
}
