package vm

// ---------------------------------------------------------------------------
// Userdata: Opaque host values
// ---------------------------------------------------------------------------

// userdataEntry wraps a host payload the runtime never looks inside.
type userdataEntry struct {
	payload   any
	tag       Tag
	marked    bool
	finalized bool
}

// UserdataTable stores opaque host values. It lives beside the string store
// and is swept with it.
type UserdataTable struct {
	entries []*userdataEntry
	free    []uint32
	live    int
}

// NewUserdataTable creates an empty userdata store.
func NewUserdataTable() *UserdataTable {
	return &UserdataTable{}
}

func (ut *UserdataTable) add(e *userdataEntry) uint32 {
	ut.live++
	if n := len(ut.free); n > 0 {
		id := ut.free[n-1]
		ut.free = ut.free[:n-1]
		ut.entries[id] = e
		return id
	}
	ut.entries = append(ut.entries, e)
	return uint32(len(ut.entries) - 1)
}

func (ut *UserdataTable) entry(id uint32) *userdataEntry {
	if int(id) >= len(ut.entries) {
		return nil
	}
	return ut.entries[id]
}

// Len returns the number of live userdata values.
func (ut *UserdataTable) Len() int {
	return ut.live
}

func (ut *UserdataTable) sweep() int {
	freed := 0
	for id, e := range ut.entries {
		if e == nil {
			continue
		}
		if e.marked {
			e.marked = false
			continue
		}
		ut.entries[id] = nil
		ut.free = append(ut.free, uint32(id))
		freed++
	}
	ut.live -= freed
	return freed
}

// NewUserdata wraps a host payload in a runtime value carrying tag. The tag
// must be TagUserdata or a tag returned by NewTag.
func (s *State) NewUserdata(payload any, tag Tag) Value {
	if tag != TagUserdata && !s.fallbacks.isUserTag(tag) {
		s.Errorf("invalid tag %d for userdata", tag)
	}
	s.allocate()
	id := s.udata.add(&userdataEntry{payload: payload, tag: tag})
	return makeRef(tagUserdata, id)
}

// Userdata returns the payload and tag of a userdata value.
func (s *State) Userdata(v Value) (any, Tag, bool) {
	if !v.IsUserdata() {
		return nil, 0, false
	}
	e := s.udata.entry(v.handle())
	if e == nil {
		return nil, 0, false
	}
	return e.payload, e.tag, true
}
