package vm

// ---------------------------------------------------------------------------
// StringTable: Interned text
// ---------------------------------------------------------------------------

// stringEntry is one unique piece of text. It owns its bytes and carries the
// content hash used by the table engine.
type stringEntry struct {
	text   string
	hash   uint32
	marked bool
}

// StringTable interns text to unique handles. Two string values are equal
// exactly when their handles are equal.
type StringTable struct {
	byText  map[string]uint32 // text -> handle
	entries []*stringEntry    // handle -> entry, nil when free
	free    []uint32
}

// NewStringTable creates a new empty string table.
func NewStringTable() *StringTable {
	return &StringTable{
		byText:  make(map[string]uint32),
		entries: make([]*stringEntry, 0, 256),
	}
}

// Lookup returns the handle for text, or 0 and false if it was never interned
// or has been collected.
func (st *StringTable) Lookup(text string) (uint32, bool) {
	id, ok := st.byText[text]
	return id, ok
}

// intern returns the handle for text, creating an entry if needed. The caller
// is responsible for running the allocation check first.
func (st *StringTable) intern(text string) (uint32, bool) {
	if id, ok := st.byText[text]; ok {
		return id, false
	}

	e := &stringEntry{text: text, hash: hashText(text)}
	var id uint32
	if n := len(st.free); n > 0 {
		id = st.free[n-1]
		st.free = st.free[:n-1]
		st.entries[id] = e
	} else {
		id = uint32(len(st.entries))
		st.entries = append(st.entries, e)
	}
	st.byText[text] = id
	return id, true
}

// Text returns the content for a handle, or "" if the handle is invalid.
func (st *StringTable) Text(id uint32) string {
	if e := st.entry(id); e != nil {
		return e.text
	}
	return ""
}

func (st *StringTable) entry(id uint32) *stringEntry {
	if int(id) >= len(st.entries) {
		return nil
	}
	return st.entries[id]
}

// Len returns the number of live interned strings.
func (st *StringTable) Len() int {
	return len(st.byText)
}

// sweep frees every unmarked entry and clears marks on survivors.
func (st *StringTable) sweep() int {
	freed := 0
	for id, e := range st.entries {
		if e == nil {
			continue
		}
		if e.marked {
			e.marked = false
			continue
		}
		delete(st.byText, e.text)
		st.entries[id] = nil
		st.free = append(st.free, uint32(id))
		freed++
	}
	return freed
}

// hashText is 32-bit FNV-1a over the text bytes.
func hashText(text string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
	}
	return h
}

// ---------------------------------------------------------------------------
// State-level text API
// ---------------------------------------------------------------------------

// Intern returns the unique string value for text. Creating a new entry may
// run the collector first.
func (s *State) Intern(text string) Value {
	if id, ok := s.strings.Lookup(text); ok {
		return makeRef(tagString, id)
	}
	s.allocate()
	id, _ := s.strings.intern(text)
	return makeRef(tagString, id)
}

// String returns the text of a string value.
func (s *State) String(v Value) (string, bool) {
	if !v.IsString() {
		return "", false
	}
	e := s.strings.entry(v.handle())
	if e == nil {
		return "", false
	}
	return e.text, true
}

// textHash returns the precomputed content hash of a string value.
func (s *State) textHash(v Value) uint32 {
	if e := s.strings.entry(v.handle()); e != nil {
		return e.hash
	}
	return 0
}
