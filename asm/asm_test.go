package asm

import (
	"errors"
	"testing"

	"github.com/chazu/lumen/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tliron/commonlog"
)

func newState() *vm.State {
	return vm.New(vm.WithLogger(commonlog.MOCK_LOGGER))
}

func run(t *testing.T, s *vm.State, source string, args ...vm.Value) []vm.Value {
	t.Helper()
	fn, err := Assemble(s, source, "test")
	require.NoError(t, err)
	results, err := s.Run(fn, args...)
	require.NoError(t, err)
	return results
}

const factorial = `
; factorial with a nested recursive function
.function fact params=1
    .local n
    PUSH_LOCAL 0
    PUSH_NUMBER 1
    GT
    JUMP_TRUE recurse
    PUSH_NUMBER 1
    RETURN 1
recurse:
    PUSH_LOCAL 0
    PUSH_GLOBAL fact
    PUSH_LOCAL 0
    PUSH_NUMBER 1
    SUB
    CALL 1 1
    MUL
    RETURN 1
.end

    PUSH_CONST @fact
    STORE_GLOBAL fact
    PUSH_GLOBAL fact
    PUSH_NUMBER 10
    CALL 1 1
    RETURN 1
`

func TestAssembleAndRun(t *testing.T) {
	s := newState()
	results := run(t, s, factorial)
	require.Len(t, results, 1)
	assert.Equal(t, 3628800.0, results[0].Number())

	fact, ok := s.Prototype(s.GetGlobal("fact"))
	require.True(t, ok)
	assert.Equal(t, "fact", s.SourceName(fact))
	assert.Equal(t, 3, fact.Line)
	assert.Equal(t, 1, fact.NumParams)
	assert.Equal(t, "n", fact.LocalName(0, 0))
	assert.NoError(t, fact.Verify())
}

func TestMainReceivesArguments(t *testing.T) {
	s := newState()
	results := run(t, s, `
    PUSH_LOCAL 0
    PUSH_FIELD n
    PUSH_LOCAL 0
    PUSH_NUMBER 1
    PUSH_INDEXED
    RETURN 1
`, s.Intern("first"), s.Intern("second"))
	require.Len(t, results, 2)
	assert.Equal(t, 2.0, results[0].Number())
	assert.Equal(t, "first", s.ToString(results[1]))
}

func TestConstantsAndStrings(t *testing.T) {
	s := newState()
	results := run(t, s, `
    PUSH_CONST "tab\there; not a comment"
    PUSH_CONST 2.5
    PUSH_CONST 0x10
    PUSH_NUMBER -7     ; small integers are inline
    RETURN 1
`)
	require.Len(t, results, 4)
	assert.Equal(t, "tab\there; not a comment", s.ToString(results[0]))
	assert.Equal(t, 2.5, results[1].Number())
	assert.Equal(t, 16.0, results[2].Number())
	assert.Equal(t, -7.0, results[3].Number())
}

func TestTablesAndMethods(t *testing.T) {
	s := newState()
	results := run(t, s, `
.function getname params=1
    PUSH_LOCAL 0
    PUSH_FIELD name
    RETURN 1
.end
    CREATE_TABLE 2
    PUSH_CONST "widget"
    STORE_FIELD name
    PUSH_CONST @getname
    STORE_FIELD describe
    PUSH_LOCAL 1
    PUSH_SELF describe
    CALL 1 1
    RETURN 2
`)
	require.Len(t, results, 1)
	assert.Equal(t, "widget", s.ToString(results[0]))
}

func TestMultipleResults(t *testing.T) {
	s := newState()
	results := run(t, s, `
.function three
    PUSH_NUMBER 1
    PUSH_NUMBER 2
    PUSH_NUMBER 3
    RETURN 0
.end
    PUSH_CONST @three
    CALL 0 *
    RETURN 1
`)
	require.Len(t, results, 3)
	assert.Equal(t, 3.0, results[2].Number())
}

func TestLineDirectiveInErrors(t *testing.T) {
	s := newState()
	fn, err := Assemble(s, `
.line 42
    PUSH_NUMBER 1
    PUSH_CONST "x"
    ADD
`, "lines.lasm")
	require.NoError(t, err)

	_, err = s.Run(fn)
	var rerr *vm.RuntimeError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "lines.lasm:42", rerr.Where)
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		line   int
		msg    string
	}{
		{"unknown instruction", "PUSH_NUMBER 1\nFROB 2", 2, "unknown instruction FROB"},
		{"unknown directive", ".frob", 1, "unknown directive"},
		{"undefined label", "JUMP nowhere", 1, "undefined label nowhere"},
		{"duplicate label", "a:\na:\nNOP", 2, "label a already defined"},
		{"undefined function", "PUSH_CONST @missing", 1, "undefined function @missing"},
		{"operand count", "ADD 1", 1, "takes 0 operand(s)"},
		{"range", "PUSH_NUMBER 40000", 1, "out of range"},
		{"not integer", "POP 1.5", 1, "expected an integer"},
		{"unterminated string", `PUSH_CONST "abc`, 1, "unterminated string"},
		{"missing end", "\n.function f\nNOP", 2, "missing .end"},
		{"stray end", ".end", 1, ".end without .function"},
		{"bad params", ".function f params=x\n.end", 1, "invalid parameter count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assemble(newState(), tt.source, "bad.lasm")
			require.Error(t, err)
			var aerr *Error
			require.True(t, errors.As(err, &aerr), "error %v is not positioned", err)
			assert.Equal(t, "bad.lasm", aerr.File)
			assert.Equal(t, tt.line, aerr.Line)
			assert.Contains(t, aerr.Msg, tt.msg)
			assert.True(t, IsError(err))
		})
	}
}

func TestErrorListReportsEveryLine(t *testing.T) {
	_, err := Assemble(newState(), "FROB\nNOP\nBLAH\n", "multi")
	var list ErrorList
	require.True(t, errors.As(err, &list))
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Line)
	assert.Equal(t, 3, list[1].Line)
	assert.Contains(t, err.Error(), "and 1 more")
}

func TestAssembleReleasesLocks(t *testing.T) {
	s := newState()
	fn, err := Assemble(s, factorial, "fact")
	require.NoError(t, err)

	a := s.Hold(fn)
	s.Collect()
	_, ok := s.Resolve(a)
	assert.False(t, ok, "unreferenced assembled function should be collectable")

	_, err = Assemble(s, "PUSH_CONST \"x\"\nJUMP nowhere", "bad")
	require.Error(t, err)
	b := s.Hold(s.NewTable(0))
	s.Collect()
	_, ok = s.Resolve(b)
	assert.False(t, ok)
}

func TestLexLine(t *testing.T) {
	toks, err := lexLine(`loop: CALL 2 * ; trailing`)
	require.NoError(t, err)
	require.Len(t, toks, 4)
	assert.Equal(t, TokenLabelDef, toks[0].Kind)
	assert.Equal(t, "loop", toks[0].Text)
	assert.Equal(t, TokenWord, toks[1].Kind)
	assert.Equal(t, TokenNumber, toks[2].Kind)
	assert.Equal(t, 2.0, toks[2].Number)
	assert.Equal(t, "*", toks[3].Text)

	toks, err = lexLine(`.function f params=3 vararg`)
	require.NoError(t, err)
	require.Len(t, toks, 4)
	assert.Equal(t, TokenAttribute, toks[2].Kind)
	assert.Equal(t, "params", toks[2].Text)
	assert.Equal(t, "3", toks[2].Value)
}
