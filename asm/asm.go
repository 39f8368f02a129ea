// Package asm implements a line-oriented assembler for lumen bytecode.
//
// A source file is the body of a vararg main function: its arguments are
// collected in the arg table at local 0. Nested functions are written as
// blocks
//
//	.function name params=2 vararg
//	    PUSH_LOCAL 0
//	    RETURN 0
//	.end
//
// and become constants of the enclosing function, loaded with
// PUSH_CONST @name. Instructions are written by mnemonic. Operands are
// numbers, quoted strings, names (globals, fields and jump labels) or
// @function references. Labels are declared as "name:", ".line N" records
// a source line for error messages, ".local name" records debug information
// for the next local slot from that point on, and ";" starts a comment.
package asm

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/chazu/lumen/vm"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Error is an assembly error at a source position.
type Error struct {
	File   string
	Line   int
	Column int
	Msg    string
}

func (e *Error) Error() string {
	if e.Column > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Msg)
	}
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// ErrorList collects every error found in one source file.
type ErrorList []*Error

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", l[0].Error(), len(l)-1)
}

// Unwrap lets errors.As reach the individual errors.
func (l ErrorList) Unwrap() []error {
	errs := make([]error, len(l))
	for i, e := range l {
		errs[i] = e
	}
	return errs
}

// maxErrors bounds the errors reported for one file.
const maxErrors = 20

// ---------------------------------------------------------------------------
// Parse tree
// ---------------------------------------------------------------------------

type itemKind int

const (
	itemOp itemKind = iota
	itemLabel
	itemLine
	itemLocal
)

type item struct {
	kind itemKind
	line int
	col  int
	op   vm.Opcode
	name string  // label or local name
	n    int     // .line argument
	args []Token // instruction operands
}

type funcDecl struct {
	name     string
	line     int
	params   int
	vararg   bool
	items    []item
	children []*funcDecl
	parent   *funcDecl
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

type assembler struct {
	s        *vm.State
	file     string
	errs     ErrorList
	builders []*vm.Builder
}

func (a *assembler) errorf(line, col int, format string, args ...any) {
	if len(a.errs) < maxErrors {
		a.errs = append(a.errs, &Error{File: a.file, Line: line, Column: col, Msg: fmt.Sprintf(format, args...)})
	}
}

// Assemble assembles source and registers the resulting functions with s.
// name is used as the main function's source name and in error positions.
// The returned function is not rooted: run it or store it before
// allocating again.
func Assemble(s *vm.State, source, name string) (vm.Value, error) {
	a := &assembler{s: s, file: name}
	main := a.parse(source)
	if len(a.errs) > 0 {
		return vm.Nil, a.errs
	}

	var fn vm.Value
	var ok bool
	if err := s.Protect(func() { fn, ok = a.build(main) }); err != nil {
		for _, b := range a.builders {
			b.Discard()
		}
		return vm.Nil, fmt.Errorf("asm: %s: %w", name, err)
	}
	if !ok || len(a.errs) > 0 {
		return vm.Nil, a.errs
	}
	return fn, nil
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

func (a *assembler) parse(source string) *funcDecl {
	main := &funcDecl{name: a.file, line: 0, vararg: true}
	cur := main

	for i, text := range strings.Split(source, "\n") {
		lineno := i + 1
		toks, err := lexLine(text)
		if err != nil {
			a.errorf(lineno, 0, "%v", err)
			continue
		}
		for len(toks) > 0 && toks[0].Kind == TokenLabelDef {
			cur.items = append(cur.items, item{kind: itemLabel, line: lineno, col: toks[0].Column, name: toks[0].Text})
			toks = toks[1:]
		}
		if len(toks) == 0 {
			continue
		}

		head := toks[0]
		if head.Kind != TokenWord {
			a.errorf(lineno, head.Column, "expected an instruction or directive")
			continue
		}
		if strings.HasPrefix(head.Text, ".") {
			cur = a.directive(cur, head, toks[1:], lineno)
			continue
		}

		op, ok := vm.LookupOpcode(head.Text)
		if !ok {
			a.errorf(lineno, head.Column, "unknown instruction %s", head.Text)
			continue
		}
		cur.items = append(cur.items, item{kind: itemOp, line: lineno, col: head.Column, op: op, args: toks[1:]})
	}

	for cur != main {
		a.errorf(cur.line, 0, "function %s is missing .end", cur.name)
		cur = cur.parent
	}
	return main
}

func (a *assembler) directive(cur *funcDecl, head Token, args []Token, lineno int) *funcDecl {
	switch strings.ToLower(head.Text) {
	case ".function":
		if len(args) == 0 || args[0].Kind != TokenWord || !isName(args[0].Text) {
			a.errorf(lineno, head.Column, ".function needs a name")
			return cur
		}
		fd := &funcDecl{name: args[0].Text, line: lineno, parent: cur}
		for _, arg := range args[1:] {
			switch {
			case arg.Kind == TokenWord && arg.Text == "vararg":
				fd.vararg = true
			case arg.Kind == TokenAttribute && arg.Text == "params":
				n, ok := parseNumber(arg.Value)
				if !ok || n != math.Trunc(n) || n < 0 || n > 255 {
					a.errorf(lineno, arg.Column, "invalid parameter count %q", arg.Value)
					continue
				}
				fd.params = int(n)
			default:
				a.errorf(lineno, arg.Column, "unexpected .function argument")
			}
		}
		cur.children = append(cur.children, fd)
		return fd

	case ".end":
		if cur.parent == nil {
			a.errorf(lineno, head.Column, ".end without .function")
			return cur
		}
		a.noArgs(args, lineno)
		return cur.parent

	case ".line":
		if len(args) != 1 || args[0].Kind != TokenNumber {
			a.errorf(lineno, head.Column, ".line needs a line number")
			return cur
		}
		n, ok := a.integer(args[0], lineno, 0, math.MaxUint16)
		if ok {
			cur.items = append(cur.items, item{kind: itemLine, line: lineno, n: n})
		}
		return cur

	case ".local":
		if len(args) != 1 || args[0].Kind != TokenWord || !isName(args[0].Text) {
			a.errorf(lineno, head.Column, ".local needs a name")
			return cur
		}
		cur.items = append(cur.items, item{kind: itemLocal, line: lineno, name: args[0].Text})
		return cur
	}
	a.errorf(lineno, head.Column, "unknown directive %s", head.Text)
	return cur
}

func (a *assembler) noArgs(args []Token, lineno int) {
	if len(args) > 0 {
		a.errorf(lineno, args[0].Column, "unexpected operand")
	}
}

// integer checks that tok is an integer within [lo, hi].
func (a *assembler) integer(tok Token, lineno, lo, hi int) (int, bool) {
	if tok.Kind != TokenNumber || tok.Number != math.Trunc(tok.Number) {
		a.errorf(lineno, tok.Column, "expected an integer, got %q", tok.Text)
		return 0, false
	}
	if tok.Number < float64(lo) || tok.Number > float64(hi) {
		a.errorf(lineno, tok.Column, "operand %s out of range [%d, %d]", tok.Text, lo, hi)
		return 0, false
	}
	return int(tok.Number), true
}

// ---------------------------------------------------------------------------
// Code generation
// ---------------------------------------------------------------------------

// build assembles fd after its nested functions. Each nested function is
// added to fd's constant pool as soon as it is built, which keeps it locked
// until fd itself is registered.
func (a *assembler) build(fd *funcDecl) (vm.Value, bool) {
	b := a.s.NewBuilder(fd.name, fd.params, fd.vararg)
	a.builders = append(a.builders, b)
	b.SetDefinedAt(fd.line)
	errs := len(a.errs)

	refs := make(map[string]int)
	for _, child := range fd.children {
		v, ok := a.build(child)
		if !ok {
			b.Discard()
			return vm.Nil, false
		}
		if _, dup := refs[child.name]; dup {
			a.errorf(child.line, 0, "function %s already defined in %s", child.name, fd.name)
			continue
		}
		refs[child.name] = b.Constant(v)
	}

	labels := make(map[string]*vm.Label)
	for _, it := range fd.items {
		if it.kind != itemLabel {
			continue
		}
		if _, dup := labels[it.name]; dup {
			a.errorf(it.line, it.col, "label %s already defined", it.name)
			continue
		}
		labels[it.name] = b.NewLabel()
	}

	type openLocal struct {
		name  string
		start int
	}
	var locals []openLocal
	marked := make(map[*vm.Label]bool)

	for _, it := range fd.items {
		switch it.kind {
		case itemLabel:
			if l := labels[it.name]; !marked[l] {
				b.Mark(l)
				marked[l] = true
			}
		case itemLine:
			b.EmitLine(it.n)
		case itemLocal:
			locals = append(locals, openLocal{it.name, b.Len()})
		case itemOp:
			a.emit(b, it, labels, refs)
		}
	}
	if len(a.errs) > errs {
		b.Discard()
		return vm.Nil, false
	}
	for _, l := range locals {
		b.AddLocal(l.name, l.start, b.Len())
	}
	return b.Build(), true
}

func (a *assembler) emit(b *vm.Builder, it item, labels map[string]*vm.Label, refs map[string]int) {
	op := it.op
	args := it.args

	want := 1
	switch {
	case op.OperandBytes() == 0:
		want = 0
	case op == vm.OpCall:
		want = 2
	}
	if len(args) != want {
		a.errorf(it.line, it.col, "%s takes %d operand(s), got %d", op, want, len(args))
		return
	}

	switch {
	case want == 0:
		b.Emit(op)

	case op.IsJump():
		if args[0].Kind != TokenWord {
			a.errorf(it.line, args[0].Column, "%s needs a label", op)
			return
		}
		l, ok := labels[args[0].Text]
		if !ok {
			a.errorf(it.line, args[0].Column, "undefined label %s", args[0].Text)
			return
		}
		b.EmitJump(op, l)

	case op == vm.OpCall:
		argc, ok := a.integer(args[0], it.line, 0, 255)
		if !ok {
			return
		}
		nres := vm.MultRet
		if r := args[1]; !(r.Kind == TokenWord && r.Text == "*") {
			if nres, ok = a.integer(r, it.line, 0, vm.MultRet-1); !ok {
				return
			}
		}
		b.EmitCall(uint8(argc), uint8(nres))

	case op == vm.OpPushNumber:
		n, ok := a.integer(args[0], it.line, math.MinInt16, math.MaxInt16)
		if ok {
			b.EmitUint16(op, uint16(int16(n)))
		}

	case op == vm.OpPushConst:
		switch arg := args[0]; arg.Kind {
		case TokenNumber:
			b.EmitUint16(op, uint16(b.NumberConstant(arg.Number)))
		case TokenString:
			b.EmitUint16(op, uint16(b.StringConstant(arg.Text)))
		case TokenFuncRef:
			idx, ok := refs[arg.Text]
			if !ok {
				a.errorf(it.line, arg.Column, "undefined function @%s", arg.Text)
				return
			}
			b.EmitUint16(op, uint16(idx))
		default:
			a.errorf(it.line, arg.Column, "PUSH_CONST needs a number, string or @function")
		}

	case op == vm.OpPushGlobal, op == vm.OpStoreGlobal, op == vm.OpPushField, op == vm.OpPushSelf, op == vm.OpStoreField:
		arg := args[0]
		if arg.Kind != TokenWord && arg.Kind != TokenString {
			a.errorf(it.line, arg.Column, "%s needs a name", op)
			return
		}
		b.EmitUint16(op, uint16(b.StringConstant(arg.Text)))

	case op.OperandBytes() == 2:
		n, ok := a.integer(args[0], it.line, 0, math.MaxUint16)
		if ok {
			b.EmitUint16(op, uint16(n))
		}

	default:
		n, ok := a.integer(args[0], it.line, 0, math.MaxUint8)
		if ok {
			b.EmitByte(op, byte(n))
		}
	}
}

// IsError reports whether err carries assembly errors.
func IsError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
