package vm

import (
	"errors"
	"fmt"
	"testing"
)

// ---------------------------------------------------------------------------
// Liveness
// ---------------------------------------------------------------------------

func TestCollectorKeepsReachable(t *testing.T) {
	s, _ := newTestState(t)

	// global -> table -> table -> string
	outer := s.NewTable(0)
	s.SetGlobal("outer", outer)
	inner := s.NewTable(0)
	s.RawSet(outer, s.Intern("inner"), inner)
	s.RawSet(inner, FromNumber(1), s.Intern("deep"))

	// stack -> table
	onStack := s.NewTable(0)
	s.Push(onStack)

	for i := 0; i < 10; i++ {
		s.Collect()
	}

	got := s.RawGet(s.RawGet(s.GetGlobal("outer"), s.Intern("inner")), FromNumber(1))
	if s.ToString(got) != "deep" {
		t.Errorf("deep value = %s", s.ToString(got))
	}
	if s.table(onStack) == nil {
		t.Error("table on the stack was collected")
	}
	s.Pop()
}

func TestCollectorReclaimsUnreachable(t *testing.T) {
	s, _ := newTestState(t)
	s.Collect()
	before := s.EntityCount()

	for i := 0; i < 50; i++ {
		tbl := s.NewTable(0)
		s.RawSet(tbl, FromNumber(1), s.Intern(fmt.Sprintf("item %d", i)))
	}
	if s.EntityCount() <= before {
		t.Fatal("allocations should raise the entity count")
	}

	stats := s.Collect()
	if got := s.EntityCount(); got != before {
		t.Errorf("EntityCount after collection = %d, want %d", got, before)
	}
	if stats.Reclaimed < 100 {
		t.Errorf("Reclaimed = %d, want at least 100", stats.Reclaimed)
	}
}

func TestCollectorHandlesCycles(t *testing.T) {
	s, _ := newTestState(t)
	s.Collect()
	before := s.EntityCount()

	a := s.NewTable(0)
	s.Push(a)
	b := s.NewTable(0)
	s.RawSet(a, s.ParentKey(), b)
	s.RawSet(b, s.ParentKey(), a)
	s.RawSet(a, a, a)
	s.Pop()

	s.Collect()
	if got := s.EntityCount(); got != before {
		t.Errorf("cycle not reclaimed: %d entities, want %d", got, before)
	}
}

func TestFunctionsKeepConstantsAlive(t *testing.T) {
	s, _ := newTestState(t)

	b := s.NewBuilder("keep", 0, false)
	b.EmitString("constant text")
	b.EmitByte(OpReturn, 0)
	fn := b.Build()
	s.SetGlobal("f", fn)

	s.Collect()
	p, ok := s.Prototype(fn)
	if !ok {
		t.Fatal("reachable prototype was collected")
	}
	if text, ok := s.String(p.Constants[0]); !ok || text != "constant text" {
		t.Error("prototype constant was collected")
	}
	if s.SourceName(p) != "keep" {
		t.Errorf("source = %q", s.SourceName(p))
	}

	s.SetGlobal("f", Nil)
	s.Collect()
	if _, ok := s.Prototype(fn); ok {
		t.Error("unreachable prototype survived")
	}
}

// ---------------------------------------------------------------------------
// Trigger and threshold
// ---------------------------------------------------------------------------

func TestAllocationTriggersCollection(t *testing.T) {
	s, _ := newTestState(t, WithGCThreshold(200), WithMinThreshold(50))

	start := s.GCStats().Cycle
	peak := 0
	for i := 0; i < 5000; i++ {
		s.NewTable(0)
		if n := s.EntityCount(); n > peak {
			peak = n
		}
	}
	cycles := s.GCStats().Cycle - start
	if cycles < 5 {
		t.Errorf("only %d collections ran while allocating 5000 garbage tables", cycles)
	}
	if peak > 1000 {
		t.Errorf("entity count peaked at %d; garbage is not being reclaimed", peak)
	}
}

func TestThresholdAdapts(t *testing.T) {
	s, _ := newTestState(t, WithGCThreshold(100), WithMinThreshold(10))

	stats := s.Collect()
	live := s.EntityCount()
	if stats.Threshold < live+10 {
		t.Errorf("threshold %d below live %d plus minimum headroom", stats.Threshold, live)
	}
	if s.GCThreshold() != stats.Threshold {
		t.Error("GCThreshold should report the new threshold")
	}
}

func TestMaxEntitiesOutOfMemory(t *testing.T) {
	s, _ := newTestState(t, WithMaxEntities(400))

	keep := s.NewTable(0)
	s.SetGlobal("keep", keep)
	fn := s.NewNative("fill", func(s *State) int {
		for i := 0; ; i++ {
			s.RawSet(keep, FromInt(i), s.NewTable(0))
		}
	})
	_, err := s.Run(fn)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("error = %v, want ErrOutOfMemory", err)
	}
	if !err.(*RuntimeError).Fatal {
		t.Error("out of memory should be fatal")
	}

	// The State stays usable once the garbage is dropped.
	s.SetGlobal("keep", Nil)
	s.Collect()
	if _, err := s.Run(s.NewNative("ok", func(s *State) int { return 0 })); err != nil {
		t.Errorf("state unusable after out of memory: %v", err)
	}
}

func TestOutOfMemoryNotCaughtByPCall(t *testing.T) {
	s, _ := newTestState(t, WithMaxEntities(300))

	keep := s.NewTable(0)
	s.SetGlobal("keep", keep)
	fill := s.NewNative("fill", func(s *State) int {
		for i := 0; ; i++ {
			s.RawSet(keep, FromInt(i), s.NewTable(0))
		}
	})
	outer := s.NewNative("outer", func(s *State) int {
		s.Push(fill)
		if err := s.PCall(0, 0); err != nil {
			t.Error("PCall should not recover a fatal error")
		}
		return 0
	})
	if _, err := s.Run(outer); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("error = %v, want ErrOutOfMemory", err)
	}
}

// ---------------------------------------------------------------------------
// Finalization
// ---------------------------------------------------------------------------

func TestGCHandlerRunsOncePerEntity(t *testing.T) {
	s, _ := newTestState(t)
	tag := s.NewTag()

	finalized := 0
	handler := s.NewNative("finalize", func(s *State) int {
		if _, ptag, ok := s.Userdata(s.Arg(0)); ok && ptag == tag {
			finalized++
		}
		return 0
	})
	if _, err := s.SetFallback(tag, EventGC, handler); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		s.NewUserdata(i, tag)
	}
	s.NewUserdata("untagged", TagUserdata)

	stats := s.Collect()
	if finalized != 3 {
		t.Errorf("finalized %d userdata, want 3", finalized)
	}
	if stats.Finalized != 3 {
		t.Errorf("stats.Finalized = %d, want 3", stats.Finalized)
	}
	s.Collect()
	if finalized != 3 {
		t.Errorf("handler ran again: %d", finalized)
	}
	if s.udata.Len() != 0 {
		t.Errorf("%d userdata survived", s.udata.Len())
	}
}

func TestGCHandlerResurrection(t *testing.T) {
	s, _ := newTestState(t)
	tag := s.NewTag()

	handler := s.NewNative("resurrect", func(s *State) int {
		s.SetGlobal("saved", s.Arg(0))
		return 0
	})
	s.SetFallback(tag, EventGC, handler)

	tbl := s.NewTable(0)
	s.SetTag(tbl, tag)
	s.RawSet(tbl, FromNumber(1), s.Intern("payload"))

	s.Collect()
	saved := s.GetGlobal("saved")
	if saved != tbl {
		t.Fatal("handler did not see the table")
	}
	if got := s.RawGet(saved, FromNumber(1)); s.ToString(got) != "payload" {
		t.Errorf("resurrected table lost its contents: %s", s.ToString(got))
	}

	// Dropped again, the table is reclaimed without a second finalization.
	s.SetGlobal("saved", Nil)
	s.Collect()
	if s.table(tbl) != nil {
		t.Error("table survived after being dropped again")
	}
}

func TestGCHandlerErrorsAreContained(t *testing.T) {
	s, _ := newTestState(t)
	tag := s.NewTag()
	s.SetFallback(tag, EventGC, s.NewNative("bad", func(s *State) int {
		s.Errorf("finalizer failure")
		return 0
	}))
	s.NewUserdata(nil, tag)

	top := s.Top()
	stats := s.Collect()
	if stats.Finalized != 1 {
		t.Errorf("Finalized = %d, want 1", stats.Finalized)
	}
	if s.Top() != top {
		t.Errorf("stack top moved from %d to %d", top, s.Top())
	}
}

func TestNilGCHookRunsEachCycle(t *testing.T) {
	s, _ := newTestState(t)
	calls := 0
	s.SetFallback(TagNil, EventGC, s.NewNative("hook", func(s *State) int {
		if s.Arg(0) == Nil {
			calls++
		}
		return 0
	}))
	s.Collect()
	s.Collect()
	if calls != 2 {
		t.Errorf("hook ran %d times, want 2", calls)
	}
}

func TestCollectNotReentrant(t *testing.T) {
	s, _ := newTestState(t)
	tag := s.NewTag()
	inner := -1
	s.SetFallback(tag, EventGC, s.NewNative("nested", func(s *State) int {
		inner = s.Collect().Cycle
		return 0
	}))
	s.NewUserdata(nil, tag)

	stats := s.Collect()
	if inner != stats.Cycle-1 {
		t.Errorf("nested Collect reported cycle %d during cycle %d", inner, stats.Cycle)
	}
}
