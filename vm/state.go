package vm

import (
	"io"
	"os"
	"slices"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

const (
	DefaultGCThreshold  = 1024
	DefaultMinThreshold = 256
	DefaultStackSize    = 1024
	DefaultMaxStackSize = 1 << 20
	DefaultMaxCallDepth = 1000
	DefaultParentKey    = "parent"

	// MultRet asks a call to keep every result.
	MultRet = 255

	// stackExtra is the headroom above the stack ceiling reserved for
	// reporting a stack overflow.
	stackExtra = 20

	// globalsHint is the size hint of the globals table.
	globalsHint = 64
)

// MinGrowthSize is the smallest last entry of a growth sequence that can hold
// the globals table with the base library registered.
const MinGrowthSize = globalsHint*100/maxLoadPercent + 1

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

type options struct {
	logger         commonlog.Logger
	out            io.Writer
	gcThreshold    int
	minThreshold   int
	maxEntities    int
	growth         []int
	parentHopLimit int
	parentKey      string
	stackSize      int
	maxStackSize   int
	maxCallDepth   int
	noBase         bool
}

// Option configures a State.
type Option func(*options)

// WithLogger sets the logger used for runtime diagnostics.
func WithLogger(l commonlog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOutput sets the writer used by print.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithGCThreshold sets the entity count that triggers the first collection.
func WithGCThreshold(n int) Option {
	return func(o *options) { o.gcThreshold = n }
}

// WithMinThreshold sets the minimum headroom between the live entity count
// and the next collection.
func WithMinThreshold(n int) Option {
	return func(o *options) { o.minThreshold = n }
}

// WithMaxEntities caps the number of live entities. Zero means unlimited.
func WithMaxEntities(n int) Option {
	return func(o *options) { o.maxEntities = n }
}

// WithGrowthSequence sets the slot-array sizes tables move through. New
// extends a sequence whose last size is below MinGrowthSize with that size.
func WithGrowthSequence(sizes []int) Option {
	return func(o *options) { o.growth = sizes }
}

// WithParentHopLimit bounds parent-chain lookups.
func WithParentHopLimit(n int) Option {
	return func(o *options) { o.parentHopLimit = n }
}

// WithParentKey sets the field name that links a table to its parent.
func WithParentKey(name string) Option {
	return func(o *options) { o.parentKey = name }
}

// WithStackSize sets the initial evaluation stack size.
func WithStackSize(n int) Option {
	return func(o *options) { o.stackSize = n }
}

// WithMaxStackSize sets the evaluation stack ceiling.
func WithMaxStackSize(n int) Option {
	return func(o *options) { o.maxStackSize = n }
}

// WithMaxCallDepth bounds nested calls.
func WithMaxCallDepth(n int) Option {
	return func(o *options) { o.maxCallDepth = n }
}

// WithoutBase skips registering the base library.
func WithoutBase() Option {
	return func(o *options) { o.noBase = true }
}

// ---------------------------------------------------------------------------
// State: One isolated runtime
// ---------------------------------------------------------------------------

// NativeFunc is a host function callable from scripts. It reads its
// arguments with NArgs and Arg, pushes its results and returns how many it
// pushed.
type NativeFunc func(s *State) int

type nativeEntry struct {
	name string
	fn   NativeFunc
}

// callFrame is the activation record of one call, interpreted or native.
// Every position is a stack index, so growing the stack never invalidates a
// frame.
type callFrame struct {
	fn      Value
	proto   *Prototype // nil for natives
	funcIdx int        // slot holding the callee
	base    int        // first argument slot
	nargs   int        // argument count, natives only
	pc      int
	line    int
}

// State is a complete runtime: the heap stores, the evaluation stack, the
// global bindings and the fallback table. A State is not safe for concurrent
// use; independent States share nothing.
type State struct {
	id    uuid.UUID
	log   commonlog.Logger
	gcLog commonlog.Logger
	out   io.Writer
	opts  options

	// Heap
	strings   *StringTable
	udata     *UserdataTable
	tables    *TableStore
	protos    *ProtoRegistry
	natives   []nativeEntry
	anchors   *AnchorTable
	fallbacks *FallbackTable

	globals   Value
	parentKey Value
	nKey      Value
	argKey    Value
	events    [numEvents]Value
	pinned    []Value

	// Execution
	stack  []Value
	top    int
	frames []*callFrame

	// Errors
	lastError      Value
	inErrorHandler bool

	// Collector
	threshold int
	gcRunning bool
	gcStats   GCStats
}

// New creates a runtime configured by opts. Unless WithoutBase is given the
// base library is registered into the globals.
func New(opts ...Option) *State {
	o := options{
		out:            os.Stdout,
		gcThreshold:    DefaultGCThreshold,
		minThreshold:   DefaultMinThreshold,
		growth:         DefaultGrowthSequence,
		parentHopLimit: DefaultParentHopLimit,
		parentKey:      DefaultParentKey,
		stackSize:      DefaultStackSize,
		maxStackSize:   DefaultMaxStackSize,
		maxCallDepth:   DefaultMaxCallDepth,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.stackSize <= 0 {
		o.stackSize = DefaultStackSize
	}
	if o.maxStackSize < o.stackSize {
		o.maxStackSize = o.stackSize
	}
	if o.minThreshold <= 0 {
		o.minThreshold = 1
	}
	if len(o.growth) == 0 {
		o.growth = DefaultGrowthSequence
	}
	shortGrowth := o.growth[len(o.growth)-1] < MinGrowthSize
	if shortGrowth {
		o.growth = append(slices.Clone(o.growth), MinGrowthSize)
	}

	s := &State{
		id:        uuid.New(),
		out:       o.out,
		opts:      o,
		strings:   NewStringTable(),
		udata:     NewUserdataTable(),
		protos:    NewProtoRegistry(),
		anchors:   NewAnchorTable(32),
		fallbacks: NewFallbackTable(),
		globals:   Nil,
		parentKey: Nil,
		nKey:      Nil,
		argKey:    Nil,
		lastError: Nil,
		stack:     make([]Value, o.stackSize),
		frames:    make([]*callFrame, 0, 64),
		threshold: o.gcThreshold,
	}
	for i := range s.events {
		s.events[i] = Nil
	}
	s.tables = NewTableStore(s.strings, o.growth)

	if o.logger != nil {
		s.log = o.logger
		s.gcLog = o.logger
	} else {
		s.log = commonlog.NewKeyValueLogger(commonlog.GetLogger("lumen.vm"), "state", s.id.String())
		s.gcLog = commonlog.NewKeyValueLogger(commonlog.GetLogger("lumen.gc"), "state", s.id.String())
	}

	if shortGrowth {
		s.log.Warningf("growth sequence ends below %d, extended to hold the globals", MinGrowthSize)
	}

	s.globals = s.NewTable(globalsHint)
	s.parentKey = s.pin(s.Intern(o.parentKey))
	s.nKey = s.pin(s.Intern("n"))
	s.argKey = s.pin(s.Intern("arg"))
	for ev := Event(0); ev < numEvents; ev++ {
		s.events[ev] = s.pin(s.Intern(ev.String()))
	}
	s.fallbacks.errorHandler = s.NewNative("_ERRORMESSAGE", defaultErrorHandler)

	if !o.noBase {
		s.OpenBase()
	}
	return s
}

// pin keeps v alive for the lifetime of the State.
func (s *State) pin(v Value) Value {
	s.pinned = append(s.pinned, v)
	return v
}

// ID returns the unique identity of this runtime.
func (s *State) ID() uuid.UUID {
	return s.id
}

// Logger returns the runtime's diagnostic logger.
func (s *State) Logger() commonlog.Logger {
	return s.log
}

// Stdout returns the writer print writes to.
func (s *State) Stdout() io.Writer {
	return s.out
}

// ParentKey returns the string value that links tables to their parents.
func (s *State) ParentKey() Value {
	return s.parentKey
}

// ---------------------------------------------------------------------------
// Natives
// ---------------------------------------------------------------------------

// NewNative wraps fn in a callable value. Natives live as long as the State.
func (s *State) NewNative(name string, fn NativeFunc) Value {
	s.natives = append(s.natives, nativeEntry{name: name, fn: fn})
	return makeRef(tagNative, uint32(len(s.natives)-1))
}

// Register binds a native function to a global name.
func (s *State) Register(name string, fn NativeFunc) {
	s.SetGlobal(name, s.NewNative(name, fn))
}

func (s *State) native(v Value) *nativeEntry {
	if !v.IsNative() {
		return nil
	}
	id := v.handle()
	if int(id) >= len(s.natives) {
		return nil
	}
	return &s.natives[id]
}

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

// grow makes room for need slots without checking the ceiling.
func (s *State) grow(need int) {
	if need <= len(s.stack) {
		return
	}
	size := len(s.stack) * 2
	for size < need {
		size *= 2
	}
	if limit := s.opts.maxStackSize + stackExtra; size > limit {
		size = limit
	}
	if size < need {
		size = need
	}
	stack := make([]Value, size)
	copy(stack, s.stack[:s.top])
	s.stack = stack
}

// ensureStack makes room for n more values, raising a stack overflow when the
// ceiling would be passed.
func (s *State) ensureStack(n int) {
	need := s.top + n
	if need <= len(s.stack) {
		return
	}
	if need > s.opts.maxStackSize {
		s.grow(s.top + stackExtra)
		s.raiseKind(ErrStackOverflow, "stack overflow")
	}
	s.grow(need)
}

func (s *State) push(v Value) {
	if s.top >= len(s.stack) {
		s.ensureStack(1)
	}
	s.stack[s.top] = v
	s.top++
}

func (s *State) pop() Value {
	if s.top <= 0 {
		panic("stack underflow")
	}
	s.top--
	return s.stack[s.top]
}

// setTop moves the top of the stack, filling new slots with nil.
func (s *State) setTop(n int) {
	if n > s.top {
		s.ensureStack(n - s.top)
		for i := s.top; i < n; i++ {
			s.stack[i] = Nil
		}
	}
	s.top = n
}

// Push pushes v onto the evaluation stack.
func (s *State) Push(v Value) {
	s.push(v)
}

// PushNumber pushes a number.
func (s *State) PushNumber(f float64) {
	s.push(FromNumber(f))
}

// PushString interns text and pushes it.
func (s *State) PushString(text string) {
	s.push(s.Intern(text))
}

// Pop removes and returns the top value.
func (s *State) Pop() Value {
	return s.pop()
}

// Top returns the number of values on the stack.
func (s *State) Top() int {
	return s.top
}

// SetTop truncates the stack or pads it with nil.
func (s *State) SetTop(n int) {
	if n < 0 {
		n = 0
	}
	s.setTop(n)
}

// Get returns the stack value at absolute index i, or nil.
func (s *State) Get(i int) Value {
	if i < 0 || i >= s.top {
		return Nil
	}
	return s.stack[i]
}

// CallDepth returns the number of active frames.
func (s *State) CallDepth() int {
	return len(s.frames)
}

func (s *State) currentFrame() *callFrame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}
