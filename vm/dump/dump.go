// Package dump reads and writes precompiled chunk files. A chunk holds one
// function prototype tree in canonical CBOR, so equal functions always
// produce byte-identical chunks.
package dump

import (
	"errors"
	"fmt"
	"os"

	"github.com/chazu/lumen/vm"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Magic identifies lumen chunk files.
const Magic = "LUMN"

// Version is the chunk format version written by Marshal.
const Version = 1

var (
	// ErrBadHeader is returned for data that is not a lumen chunk of a
	// supported version.
	ErrBadHeader = errors.New("dump: bad chunk header")
	// ErrUnsupportedConstant is returned when a function holds a constant
	// that has no chunk encoding (tables, natives, userdata).
	ErrUnsupportedConstant = errors.New("dump: unsupported constant")
)

// ConstKind discriminates the Constant union.
type ConstKind uint8

const (
	ConstNumber   ConstKind = 1
	ConstText     ConstKind = 2
	ConstFunction ConstKind = 3
)

// Header opens every chunk.
type Header struct {
	Magic    string    `cbor:"1,keyasint"`
	Version  uint8     `cbor:"2,keyasint"`
	Producer uuid.UUID `cbor:"3,keyasint"` // id of the State that wrote the chunk
}

// Chunk is the top-level chunk document.
type Chunk struct {
	Header Header   `cbor:"1,keyasint"`
	Main   Function `cbor:"2,keyasint"`
}

// Function is the encoded form of a prototype.
type Function struct {
	Source    string     `cbor:"1,keyasint"`
	Line      int        `cbor:"2,keyasint,omitempty"`
	NumParams int        `cbor:"3,keyasint,omitempty"`
	Vararg    bool       `cbor:"4,keyasint,omitempty"`
	MaxStack  int        `cbor:"5,keyasint"`
	Code      []byte     `cbor:"6,keyasint"`
	Constants []Constant `cbor:"7,keyasint,omitempty"`
	Locals    []Local    `cbor:"8,keyasint,omitempty"`
}

// Constant is one constant-pool entry.
type Constant struct {
	Kind     ConstKind `cbor:"1,keyasint"`
	Number   float64   `cbor:"2,keyasint,omitempty"`
	Text     string    `cbor:"3,keyasint,omitempty"`
	Function *Function `cbor:"4,keyasint,omitempty"`
}

// Local is debug information for a local variable.
type Local struct {
	Name    string `cbor:"1,keyasint"`
	StartPC int    `cbor:"2,keyasint"`
	EndPC   int    `cbor:"3,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dump: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Marshal encodes the interpreted function fn and every function it
// references as a chunk.
func Marshal(s *vm.State, fn vm.Value) ([]byte, error) {
	main, err := encodeFunction(s, fn, make(map[vm.Value]bool))
	if err != nil {
		return nil, err
	}
	c := &Chunk{
		Header: Header{Magic: Magic, Version: Version, Producer: s.ID()},
		Main:   *main,
	}
	return cborEncMode.Marshal(c)
}

func encodeFunction(s *vm.State, fn vm.Value, active map[vm.Value]bool) (*Function, error) {
	p, ok := s.Prototype(fn)
	if !ok {
		return nil, fmt.Errorf("dump: %s is not an interpreted function", s.ToString(fn))
	}
	if active[fn] {
		return nil, fmt.Errorf("dump: function %s references itself", s.ToString(fn))
	}
	active[fn] = true
	defer delete(active, fn)

	f := &Function{
		Source:    s.SourceName(p),
		Line:      p.Line,
		NumParams: p.NumParams,
		Vararg:    p.IsVararg,
		MaxStack:  p.MaxStack,
		Code:      p.Code,
	}
	for i, k := range p.Constants {
		switch {
		case k.IsNumber():
			f.Constants = append(f.Constants, Constant{Kind: ConstNumber, Number: k.Number()})
		case k.IsString():
			text, _ := s.String(k)
			f.Constants = append(f.Constants, Constant{Kind: ConstText, Text: text})
		case k.IsFunction():
			nested, err := encodeFunction(s, k, active)
			if err != nil {
				return nil, err
			}
			f.Constants = append(f.Constants, Constant{Kind: ConstFunction, Function: nested})
		default:
			return nil, fmt.Errorf("%w: constant %d of %s is a %s", ErrUnsupportedConstant, i, f.Source, k.Type())
		}
	}
	for _, l := range p.Locals {
		f.Locals = append(f.Locals, Local{Name: l.Name, StartPC: l.StartPC, EndPC: l.EndPC})
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Unmarshal decodes a chunk document and checks its header.
func Unmarshal(data []byte) (*Chunk, error) {
	var c Chunk
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("dump: unmarshal chunk: %w", err)
	}
	if c.Header.Magic != Magic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadHeader, c.Header.Magic)
	}
	if c.Header.Version != Version {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrBadHeader, c.Header.Version, Version)
	}
	return &c, nil
}

// Load decodes a chunk, verifies every prototype and registers them with s.
// It returns the main function, which is not rooted: run it or store it
// before allocating again.
func Load(s *vm.State, data []byte) (vm.Value, error) {
	c, err := Unmarshal(data)
	if err != nil {
		return vm.Nil, err
	}
	l := &loader{s: s}
	defer l.release()

	var fn vm.Value
	var loadErr error
	if err := s.Protect(func() { fn, loadErr = l.function(&c.Main) }); err != nil {
		return vm.Nil, fmt.Errorf("dump: load: %w", err)
	}
	if loadErr != nil {
		return vm.Nil, loadErr
	}
	return fn, nil
}

// loader keeps every value it creates locked until the main function is
// registered, since registration can run the collector.
type loader struct {
	s     *vm.State
	locks []vm.Anchor
}

func (l *loader) keep(v vm.Value) vm.Value {
	l.locks = append(l.locks, l.s.Lock(v))
	return v
}

func (l *loader) release() {
	for _, a := range l.locks {
		l.s.Release(a)
	}
	l.locks = nil
}

func (l *loader) function(f *Function) (vm.Value, error) {
	p := &vm.Prototype{
		Code:      f.Code,
		Line:      f.Line,
		NumParams: f.NumParams,
		IsVararg:  f.Vararg,
		MaxStack:  f.MaxStack,
		Source:    l.keep(l.s.Intern(f.Source)),
	}
	for i, k := range f.Constants {
		switch k.Kind {
		case ConstNumber:
			p.Constants = append(p.Constants, vm.FromNumber(k.Number))
		case ConstText:
			p.Constants = append(p.Constants, l.keep(l.s.Intern(k.Text)))
		case ConstFunction:
			if k.Function == nil {
				return vm.Nil, fmt.Errorf("dump: %s: constant %d: missing function", f.Source, i)
			}
			nested, err := l.function(k.Function)
			if err != nil {
				return vm.Nil, err
			}
			p.Constants = append(p.Constants, l.keep(nested))
		default:
			return vm.Nil, fmt.Errorf("dump: %s: constant %d: unknown kind %d", f.Source, i, k.Kind)
		}
	}
	for _, loc := range f.Locals {
		p.Locals = append(p.Locals, vm.LocalInfo{Name: loc.Name, StartPC: loc.StartPC, EndPC: loc.EndPC})
	}
	if err := p.Verify(); err != nil {
		return vm.Nil, fmt.Errorf("dump: %s: %w", f.Source, err)
	}
	return l.s.NewPrototype(p), nil
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// WriteFile writes fn as a chunk file.
func WriteFile(path string, s *vm.State, fn vm.Value) error {
	data, err := Marshal(s, fn)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("dump: write %s: %w", path, err)
	}
	return nil
}

// ReadFile loads a chunk file into s.
func ReadFile(s *vm.State, path string) (vm.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return vm.Nil, fmt.Errorf("dump: read %s: %w", path, err)
	}
	fn, err := Load(s, data)
	if err != nil {
		return vm.Nil, fmt.Errorf("%s: %w", path, err)
	}
	return fn, nil
}
