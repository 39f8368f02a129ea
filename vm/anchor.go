package vm

// ---------------------------------------------------------------------------
// Anchor: Host-held references that live outside the evaluation stack
// ---------------------------------------------------------------------------

// Anchor identifies a slot in the anchor table.
type Anchor int32

// NilAnchor is returned when anchoring nil. It always resolves to nil and is
// never recycled.
const NilAnchor Anchor = -1

// AnchorState is the lifecycle state of an anchor slot.
type AnchorState uint8

const (
	// AnchorFree slots are available for reuse.
	AnchorFree AnchorState = iota
	// AnchorLocked slots keep their value alive until released.
	AnchorLocked
	// AnchorHeld slots observe their value without keeping it alive.
	AnchorHeld
	// AnchorCollected slots held a value that has since been collected.
	// They stay allocated until released.
	AnchorCollected
)

var anchorStateNames = [...]string{"free", "locked", "held", "collected"}

// String implements the Stringer interface.
func (st AnchorState) String() string {
	if int(st) < len(anchorStateNames) {
		return anchorStateNames[st]
	}
	return "unknown"
}

type anchorSlot struct {
	value Value
	state AnchorState
}

// AnchorTable manages every anchor of a State.
type AnchorTable struct {
	slots []anchorSlot
	free  []Anchor
}

// NewAnchorTable creates an anchor table with room for size slots.
func NewAnchorTable(size int) *AnchorTable {
	return &AnchorTable{slots: make([]anchorSlot, 0, size)}
}

func (at *AnchorTable) add(v Value, state AnchorState) Anchor {
	if n := len(at.free); n > 0 {
		a := at.free[n-1]
		at.free = at.free[:n-1]
		at.slots[a] = anchorSlot{value: v, state: state}
		return a
	}
	at.slots = append(at.slots, anchorSlot{value: v, state: state})
	return Anchor(len(at.slots) - 1)
}

func (at *AnchorTable) slot(a Anchor) *anchorSlot {
	if a < 0 || int(a) >= len(at.slots) {
		return nil
	}
	return &at.slots[a]
}

// resolve returns the anchored value, or false for free and collected slots.
func (at *AnchorTable) resolve(a Anchor) (Value, bool) {
	if a == NilAnchor {
		return Nil, true
	}
	sl := at.slot(a)
	if sl == nil {
		return Nil, false
	}
	switch sl.state {
	case AnchorLocked, AnchorHeld:
		return sl.value, true
	}
	return Nil, false
}

func (at *AnchorTable) release(a Anchor) {
	sl := at.slot(a)
	if sl == nil || sl.state == AnchorFree {
		return
	}
	*sl = anchorSlot{value: Nil, state: AnchorFree}
	at.free = append(at.free, a)
}

// Count returns the number of slots in use (locked, held or collected).
func (at *AnchorTable) Count() int {
	return len(at.slots) - len(at.free)
}

// markLocked feeds every locked value to mark.
func (at *AnchorTable) markLocked(mark func(Value)) {
	for _, sl := range at.slots {
		if sl.state == AnchorLocked {
			mark(sl.value)
		}
	}
}

// processGC flips held slots whose value was not marked to collected. It
// returns the number of slots flipped.
func (at *AnchorTable) processGC(isMarked func(Value) bool) int {
	cleared := 0
	for i := range at.slots {
		sl := &at.slots[i]
		if sl.state != AnchorHeld || isMarked(sl.value) {
			continue
		}
		sl.state = AnchorCollected
		sl.value = Nil
		cleared++
	}
	return cleared
}

// ---------------------------------------------------------------------------
// State-level anchor API
// ---------------------------------------------------------------------------

// Anchor stores v in the anchor table. A strong anchor keeps v alive across
// collections; a weak one only lets the host find out whether it survived.
func (s *State) Anchor(v Value, strong bool) Anchor {
	if v == Nil {
		return NilAnchor
	}
	if strong {
		return s.anchors.add(v, AnchorLocked)
	}
	return s.anchors.add(v, AnchorHeld)
}

// Lock anchors v strongly.
func (s *State) Lock(v Value) Anchor {
	return s.Anchor(v, true)
}

// Hold anchors v weakly.
func (s *State) Hold(v Value) Anchor {
	return s.Anchor(v, false)
}

// Resolve returns the anchored value. It reports false for released slots and
// for held slots whose value has been collected.
func (s *State) Resolve(a Anchor) (Value, bool) {
	return s.anchors.resolve(a)
}

// Release frees an anchor slot for reuse. Releasing NilAnchor or an already
// free slot does nothing.
func (s *State) Release(a Anchor) {
	s.anchors.release(a)
}

// AnchorState reports the state of an anchor slot.
func (s *State) AnchorState(a Anchor) AnchorState {
	if a == NilAnchor {
		return AnchorLocked
	}
	if sl := s.anchors.slot(a); sl != nil {
		return sl.state
	}
	return AnchorFree
}
