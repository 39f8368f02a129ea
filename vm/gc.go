package vm

import (
	"time"
)

// ---------------------------------------------------------------------------
// Collector: Stop-the-world mark and sweep
// ---------------------------------------------------------------------------

// GCStats describes one collection cycle.
type GCStats struct {
	Cycle      int           // number of collections so far, including this one
	Marked     int           // entities found reachable
	Reclaimed  int           // entities freed
	Strings    int           // live strings and userdata after the sweep
	Tables     int           // live tables after the sweep
	Prototypes int           // live prototypes after the sweep
	Finalized  int           // gc handlers run
	Cleared    int           // held anchors flipped to collected
	Threshold  int           // entity count that triggers the next cycle
	Duration   time.Duration // wall time of the cycle
}

// EntityCount returns the number of live heap entities.
func (s *State) EntityCount() int {
	return s.strings.Len() + s.udata.Len() + s.tables.Len() + s.protos.Len()
}

// GCThreshold returns the entity count that triggers the next collection.
func (s *State) GCThreshold() int {
	return s.threshold
}

// GCStats returns the statistics of the most recent collection.
func (s *State) GCStats() GCStats {
	return s.gcStats
}

// allocate runs before every entity creation. It collects when the live
// count reaches the threshold and enforces the entity limit.
func (s *State) allocate() {
	if s.gcRunning {
		return
	}
	n := s.EntityCount()
	if limit := s.opts.maxEntities; limit > 0 && n >= limit {
		s.Collect()
		if s.EntityCount() >= limit {
			s.raiseFatal(ErrOutOfMemory, ErrOutOfMemory.Error())
		}
		return
	}
	if n >= s.threshold {
		s.Collect()
	}
}

// Collect runs a full collection cycle and returns its statistics. Calls made
// while a cycle is already running (from a gc handler) return the previous
// statistics without collecting.
func (s *State) Collect() GCStats {
	if s.gcRunning {
		return s.gcStats
	}
	s.gcRunning = true
	defer func() { s.gcRunning = false }()

	start := time.Now()
	before := s.EntityCount()

	gray := s.markRoots(nil)
	s.propagate(gray)

	finalized := s.finalize()
	if finalized > 0 {
		// Handlers may have stored their entity somewhere reachable.
		s.propagate(s.markRoots(nil))
	}

	marked := s.countMarked()
	cleared := s.anchors.processGC(s.isMarked)

	reclaimed := s.udata.sweep() + s.strings.sweep() + s.tables.sweep() + s.protos.sweep()

	live := s.EntityCount()
	threshold := 2*s.threshold - reclaimed
	if floor := live + s.opts.minThreshold; threshold < floor {
		threshold = floor
	}
	s.threshold = threshold

	s.gcStats = GCStats{
		Cycle:      s.gcStats.Cycle + 1,
		Marked:     marked,
		Reclaimed:  reclaimed,
		Strings:    s.strings.Len() + s.udata.Len(),
		Tables:     s.tables.Len(),
		Prototypes: s.protos.Len(),
		Finalized:  finalized,
		Cleared:    cleared,
		Threshold:  threshold,
		Duration:   time.Since(start),
	}

	if h := s.fallbacks.Get(TagNil, EventGC); h != Nil {
		s.callHandler(h, Nil)
	}

	s.gcLog.Debugf("collection %d: %d entities, %d marked, %d reclaimed, threshold %d (%s)",
		s.gcStats.Cycle, before, marked, reclaimed, threshold, s.gcStats.Duration)
	return s.gcStats
}

// ---------------------------------------------------------------------------
// Marking
// ---------------------------------------------------------------------------

// markRoots marks everything directly reachable from the State and returns
// the containers whose contents still need marking.
func (s *State) markRoots(gray []Value) []Value {
	mark := func(v Value) { gray = s.markValue(v, gray) }

	for i := 0; i < s.top; i++ {
		mark(s.stack[i])
	}
	for _, f := range s.frames {
		mark(f.fn)
	}
	mark(s.globals)
	for _, v := range s.pinned {
		mark(v)
	}
	mark(s.lastError)
	s.anchors.markLocked(mark)
	s.fallbacks.mark(mark)
	return gray
}

// markValue sets the mark bit of v's entity. Tables and prototypes seen for
// the first time are appended to gray.
func (s *State) markValue(v Value, gray []Value) []Value {
	switch v.Type() {
	case TypeString:
		if e := s.strings.entry(v.handle()); e != nil {
			e.marked = true
		}
	case TypeUserdata:
		if e := s.udata.entry(v.handle()); e != nil {
			e.marked = true
		}
	case TypeTable:
		if t := s.tables.get(v.handle()); t != nil && !t.marked {
			t.marked = true
			gray = append(gray, v)
		}
	case TypeFunction:
		if p := s.protos.get(v.handle()); p != nil && !p.marked {
			p.marked = true
			gray = append(gray, v)
		}
	}
	return gray
}

// propagate marks transitively until no container is left to scan.
func (s *State) propagate(gray []Value) {
	for len(gray) > 0 {
		v := gray[len(gray)-1]
		gray = gray[:len(gray)-1]

		if v.IsTable() {
			t := s.tables.get(v.handle())
			for _, sl := range t.slots {
				if sl.key == Nil {
					continue
				}
				gray = s.markValue(sl.key, gray)
				gray = s.markValue(sl.value, gray)
			}
			continue
		}

		p := s.protos.get(v.handle())
		gray = s.markValue(p.Source, gray)
		for _, k := range p.Constants {
			gray = s.markValue(k, gray)
		}
	}
}

// isMarked reports whether v survives the current cycle. Values that name no
// collectable entity always survive.
func (s *State) isMarked(v Value) bool {
	switch v.Type() {
	case TypeString:
		e := s.strings.entry(v.handle())
		return e != nil && e.marked
	case TypeUserdata:
		e := s.udata.entry(v.handle())
		return e != nil && e.marked
	case TypeTable:
		t := s.tables.get(v.handle())
		return t != nil && t.marked
	case TypeFunction:
		p := s.protos.get(v.handle())
		return p != nil && p.marked
	}
	return true
}

func (s *State) countMarked() int {
	n := 0
	for _, e := range s.strings.entries {
		if e != nil && e.marked {
			n++
		}
	}
	for _, e := range s.udata.entries {
		if e != nil && e.marked {
			n++
		}
	}
	for _, t := range s.tables.tables {
		if t != nil && t.marked {
			n++
		}
	}
	for _, p := range s.protos.protos {
		if p != nil && p.marked {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Finalization
// ---------------------------------------------------------------------------

// finalize runs the gc handler of every unreachable table and userdata that
// has one. Each entity is finalized at most once; handler errors are logged
// and otherwise ignored.
func (s *State) finalize() int {
	var pending []Value
	for id, t := range s.tables.tables {
		if t == nil || t.marked || t.finalized {
			continue
		}
		if s.fallbacks.Get(t.tag, EventGC) != Nil {
			t.finalized = true
			pending = append(pending, makeRef(tagTable, uint32(id)))
		}
	}
	for id, e := range s.udata.entries {
		if e == nil || e.marked || e.finalized {
			continue
		}
		if s.fallbacks.Get(e.tag, EventGC) != Nil {
			e.finalized = true
			pending = append(pending, makeRef(tagUserdata, uint32(id)))
		}
	}
	for _, v := range pending {
		s.callHandler(s.fallbackFor(v, EventGC), v)
	}
	return len(pending)
}

// callHandler runs a collector hook with one argument in protected mode.
func (s *State) callHandler(h, arg Value) {
	base := s.top
	s.grow(base + 2)
	s.stack[base] = h
	s.stack[base+1] = arg
	s.top = base + 2
	if err := s.protect(base, func() { s.call(base, 0) }); err != nil {
		s.gcLog.Errorf("gc handler failed: %s", err.Error())
	}
	s.top = base
}
