package vm

import (
	"errors"
	"math"
)

// ---------------------------------------------------------------------------
// Table: Open-addressed associative array
// ---------------------------------------------------------------------------

// DefaultGrowthSequence is the list of slot-array sizes tables move through
// as they rehash.
var DefaultGrowthSequence = []int{
	5, 11, 23, 47, 97, 197, 397, 797, 1597, 3203, 6421, 12853, 25717,
	51437, 102877, 205759, 411527, 823117, 1646237, 3292489, 6584983,
	13169977, 26339969, 52679969, 105359939, 210719881,
}

// DefaultParentHopLimit bounds parent-chain lookups.
const DefaultParentHopLimit = 1000

// maxLoadPercent is the fill ratio that forces a rehash before insertion.
const maxLoadPercent = 70

var (
	// ErrInvalidKey is raised for nil or NaN keys and for next() on a key the
	// table does not hold.
	ErrInvalidKey = errors.New("invalid key")
	// ErrInheritanceLoop is raised when a parent chain exceeds the hop limit.
	ErrInheritanceLoop = errors.New("inheritance loop")
	// ErrTableOverflow is raised when a table outgrows the growth sequence.
	ErrTableOverflow = errors.New("table overflow")
)

// slot is one cell of the slot array. A nil key marks a never-used cell; a
// nil value with a non-nil key is a binding that was cleared.
type slot struct {
	key   Value
	value Value
}

// Table is the runtime's only data structure.
type Table struct {
	slots     []slot
	used      int // cells with a key, including cleared bindings
	tag       Tag
	marked    bool
	finalized bool
}

// Size returns the current slot-array size.
func (t *Table) Size() int {
	return len(t.slots)
}

// Tag returns the tag of the table.
func (t *Table) Tag() Tag {
	return t.tag
}

// ---------------------------------------------------------------------------
// TableStore: The table population
// ---------------------------------------------------------------------------

// TableStore owns every table of a State and implements the table engine.
type TableStore struct {
	tables  []*Table
	free    []uint32
	live    int
	sizes   []int
	strings *StringTable
}

// NewTableStore creates a table store using the given growth sequence.
func NewTableStore(strings *StringTable, sizes []int) *TableStore {
	if len(sizes) == 0 {
		sizes = DefaultGrowthSequence
	}
	return &TableStore{strings: strings, sizes: sizes}
}

// Len returns the number of live tables.
func (ts *TableStore) Len() int {
	return ts.live
}

func (ts *TableStore) get(id uint32) *Table {
	if int(id) >= len(ts.tables) {
		return nil
	}
	return ts.tables[id]
}

// create allocates a table able to hold hint entries without rehashing.
func (ts *TableStore) create(hint int) (uint32, error) {
	size, err := ts.dimension(hint * 100 / maxLoadPercent)
	if err != nil {
		return 0, err
	}
	t := &Table{slots: make([]slot, size), tag: TagTable}
	for i := range t.slots {
		t.slots[i] = slot{key: Nil, value: Nil}
	}
	ts.live++
	if n := len(ts.free); n > 0 {
		id := ts.free[n-1]
		ts.free = ts.free[:n-1]
		ts.tables[id] = t
		return id, nil
	}
	ts.tables = append(ts.tables, t)
	return uint32(len(ts.tables) - 1), nil
}

// dimension returns the smallest size in the sequence strictly greater than n.
func (ts *TableStore) dimension(n int) (int, error) {
	for _, size := range ts.sizes {
		if size > n {
			return size, nil
		}
	}
	return 0, ErrTableOverflow
}

func (ts *TableStore) sweep() int {
	freed := 0
	for id, t := range ts.tables {
		if t == nil {
			continue
		}
		if t.marked {
			t.marked = false
			continue
		}
		ts.tables[id] = nil
		ts.free = append(ts.free, uint32(id))
		freed++
	}
	ts.live -= freed
	return freed
}

// ---------------------------------------------------------------------------
// Hashing
// ---------------------------------------------------------------------------

func (ts *TableStore) hash(key Value) uint32 {
	switch key.Type() {
	case TypeNumber:
		f := key.Number()
		if f == 0 {
			return 0 // +0 and -0 are the same key
		}
		if i := int64(f); float64(i) == f {
			return uint32(i) ^ uint32(i>>32)
		}
		bits := math.Float64bits(f)
		return uint32(bits) ^ uint32(bits>>32)
	case TypeString:
		if e := ts.strings.entry(key.handle()); e != nil {
			return e.hash
		}
	}
	h := key.handle()
	return h*2654435761 + uint32(key.Type())
}

func validKey(key Value) error {
	if key == Nil || key == canonicalNaN {
		return ErrInvalidKey
	}
	if key.IsNumber() && math.IsNaN(key.Number()) {
		return ErrInvalidKey
	}
	return nil
}

// find returns the index of key's cell, or the index of the first unused cell
// on its probe path with found false.
func (ts *TableStore) find(t *Table, key Value) (int, bool) {
	n := len(t.slots)
	idx := int(ts.hash(key) % uint32(n))
	for i := 0; i < n; i++ {
		k := t.slots[idx].key
		if k == Nil {
			return idx, false
		}
		if RawEqual(k, key) {
			return idx, true
		}
		idx++
		if idx == n {
			idx = 0
		}
	}
	return -1, false
}

// ---------------------------------------------------------------------------
// Raw access
// ---------------------------------------------------------------------------

// rawGet returns the value bound to key without consulting the parent chain.
func (ts *TableStore) rawGet(t *Table, key Value) Value {
	if validKey(key) != nil {
		return Nil
	}
	idx, found := ts.find(t, key)
	if !found {
		return Nil
	}
	return t.slots[idx].value
}

// define returns the cell for key, creating it if needed. It never consults
// the parent chain.
func (ts *TableStore) define(t *Table, key Value) (*slot, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	idx, found := ts.find(t, key)
	if found {
		return &t.slots[idx], nil
	}
	if (t.used+1)*100 > len(t.slots)*maxLoadPercent {
		if err := ts.rehash(t); err != nil {
			return nil, err
		}
		idx, _ = ts.find(t, key)
	}
	t.slots[idx] = slot{key: key, value: Nil}
	t.used++
	return &t.slots[idx], nil
}

// rawSet binds key to v. Binding nil to an absent key is a no-op.
func (ts *TableStore) rawSet(t *Table, key, v Value) error {
	if v == Nil {
		if err := validKey(key); err != nil {
			return err
		}
		if idx, found := ts.find(t, key); found {
			t.slots[idx].value = Nil
		}
		return nil
	}
	s, err := ts.define(t, key)
	if err != nil {
		return err
	}
	s.value = v
	return nil
}

// rehash rebuilds the slot array, dropping cleared bindings.
func (ts *TableStore) rehash(t *Table) error {
	live := 0
	for _, s := range t.slots {
		if s.key != Nil && s.value != Nil {
			live++
		}
	}
	size, err := ts.dimension(live * 2)
	if err != nil {
		return err
	}
	old := t.slots
	t.slots = make([]slot, size)
	for i := range t.slots {
		t.slots[i] = slot{key: Nil, value: Nil}
	}
	t.used = 0
	for _, s := range old {
		if s.key == Nil || s.value == Nil {
			continue
		}
		idx, _ := ts.find(t, s.key)
		t.slots[idx] = s
		t.used++
	}
	return nil
}

// next returns the binding after key in slot order. Passing Nil starts the
// traversal; ok is false at the end.
func (ts *TableStore) next(t *Table, key Value) (Value, Value, bool, error) {
	start := 0
	if key != Nil {
		idx, found := -1, false
		if validKey(key) == nil {
			idx, found = ts.find(t, key)
		}
		if !found {
			return Nil, Nil, false, ErrInvalidKey
		}
		start = idx + 1
	}
	for i := start; i < len(t.slots); i++ {
		s := t.slots[i]
		if s.key != Nil && s.value != Nil {
			return s.key, s.value, true, nil
		}
	}
	return Nil, Nil, false, nil
}

// count returns the number of live bindings.
func (ts *TableStore) count(t *Table) int {
	n := 0
	for _, s := range t.slots {
		if s.key != Nil && s.value != Nil {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Parent-chain lookup
// ---------------------------------------------------------------------------

// lookup reads key from t, following the parent binding on a miss. The
// parent key itself is never inherited.
func (ts *TableStore) lookup(t *Table, key, parentKey Value, hopLimit int) (Value, error) {
	for hops := 0; ; hops++ {
		v := ts.rawGet(t, key)
		if v != Nil || key == parentKey {
			return v, nil
		}
		p := ts.rawGet(t, parentKey)
		if !p.IsTable() {
			return Nil, nil
		}
		if hops >= hopLimit {
			return Nil, ErrInheritanceLoop
		}
		t = ts.get(p.handle())
	}
}

// ---------------------------------------------------------------------------
// State-level table API
// ---------------------------------------------------------------------------

// NewTable creates an empty table sized for hint entries. Creation may run
// the collector first.
func (s *State) NewTable(hint int) Value {
	if hint < 0 {
		hint = 0
	}
	s.allocate()
	id, err := s.tables.create(hint)
	if err != nil {
		s.raiseKind(err, "%v", err)
	}
	return makeRef(tagTable, id)
}

func (s *State) table(v Value) *Table {
	if !v.IsTable() {
		return nil
	}
	return s.tables.get(v.handle())
}

func (s *State) checkTable(v Value, what string) *Table {
	t := s.table(v)
	if t == nil {
		s.Errorf("%s: table expected, got %s", what, v.Type())
	}
	return t
}

// Lookup reads key from table t, following the parent chain on a miss. A
// chain longer than the hop limit raises an inheritance-loop error.
func (s *State) Lookup(t, key Value) Value {
	tbl := s.checkTable(t, "lookup")
	v, err := s.tables.lookup(tbl, key, s.parentKey, s.opts.parentHopLimit)
	if err != nil {
		s.raiseKind(err, "%v (more than %d parent hops)", err, s.opts.parentHopLimit)
	}
	return v
}

// RawGet reads key from table t without the parent chain or any fallback.
func (s *State) RawGet(t, key Value) Value {
	return s.tables.rawGet(s.checkTable(t, "rawget"), key)
}

// RawSet binds key to v in table t without any fallback. Nil and NaN keys
// raise an error.
func (s *State) RawSet(t, key, v Value) {
	if err := s.tables.rawSet(s.checkTable(t, "rawset"), key, v); err != nil {
		s.raiseKind(err, "%v: %s", err, s.ToString(key))
	}
}

// Next returns the binding that follows key in t. Next(t, Nil) starts the
// traversal. A key not present in t raises an error.
func (s *State) Next(t, key Value) (Value, Value, bool) {
	k, v, ok, err := s.tables.next(s.checkTable(t, "next"), key)
	if err != nil {
		s.raiseKind(err, "invalid key to 'next'")
	}
	return k, v, ok
}

// Len returns the number of live bindings in t.
func (s *State) Len(t Value) int {
	return s.tables.count(s.checkTable(t, "len"))
}

// Globals returns the global-bindings table.
func (s *State) Globals() Value {
	return s.globals
}

// SetGlobal binds name in the global table without fallbacks.
func (s *State) SetGlobal(name string, v Value) {
	s.push(v)
	k := s.Intern(name)
	s.pop()
	s.RawSet(s.globals, k, v)
}

// GetGlobal reads name from the global table without fallbacks.
func (s *State) GetGlobal(name string) Value {
	id, ok := s.strings.Lookup(name)
	if !ok {
		return Nil
	}
	return s.tables.rawGet(s.table(s.globals), makeRef(tagString, id))
}
