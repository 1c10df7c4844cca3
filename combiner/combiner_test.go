package combiner

import (
	"testing"

	"github.com/dyntrans/engine/dyntrans"
)

func newTestPage(n int) *dyntrans.PPTR {
	return &dyntrans.PPTR{ICs: make([]dyntrans.IC, n)}
}

func TestCheckMatchesAndFuses(t *testing.T) {
	m := NewMatcher()
	page := newTestPage(4)

	var fusedWith []*dyntrans.IC
	m.Register(&Pattern{
		Name:  "test-pair",
		Steps: []Step{{Tag: "load"}, {Tag: "store"}},
		Fuse: func(page *dyntrans.PPTR, startIdx int, ics []*dyntrans.IC) (dyntrans.ICFunc, [3]dyntrans.ArgSlot, bool) {
			fusedWith = ics
			return func(c *dyntrans.CPU, ic *dyntrans.IC) {}, [3]dyntrans.ArgSlot{}, true
		},
	})

	m.TagIC(&page.ICs[0], "load")
	m.TagIC(&page.ICs[1], "store")

	if !m.Check(page, 1, true) {
		t.Fatal("expected a match at idx 1")
	}
	if len(fusedWith) != 2 {
		t.Fatalf("Fuse called with %d ICs, want 2", len(fusedWith))
	}
	if page.Flags&dyntrans.FlagCombinations == 0 {
		t.Fatal("expected FlagCombinations to be set")
	}
	if page.ICs[0].F == nil {
		t.Fatal("expected the pattern's first IC to be rewritten with the fused handler")
	}
}

func TestCheckDisabledBySpeedTricksOff(t *testing.T) {
	m := NewMatcher()
	page := newTestPage(2)
	m.Register(&Pattern{
		Name:  "test-pair",
		Steps: []Step{{Tag: "load"}, {Tag: "store"}},
		Fuse: func(page *dyntrans.PPTR, startIdx int, ics []*dyntrans.IC) (dyntrans.ICFunc, [3]dyntrans.ArgSlot, bool) {
			t.Fatal("Fuse must not be called when speedTricks is false")
			return nil, [3]dyntrans.ArgSlot{}, false
		},
	})
	m.TagIC(&page.ICs[0], "load")
	m.TagIC(&page.ICs[1], "store")

	if m.Check(page, 1, false) {
		t.Fatal("expected no match when speedTricks is false")
	}
}

func TestCheckRequiresFullTagRun(t *testing.T) {
	m := NewMatcher()
	page := newTestPage(2)
	m.Register(&Pattern{
		Name:  "test-pair",
		Steps: []Step{{Tag: "load"}, {Tag: "store"}},
		Fuse: func(page *dyntrans.PPTR, startIdx int, ics []*dyntrans.IC) (dyntrans.ICFunc, [3]dyntrans.ArgSlot, bool) {
			return func(c *dyntrans.CPU, ic *dyntrans.IC) {}, [3]dyntrans.ArgSlot{}, true
		},
	})
	m.TagIC(&page.ICs[0], "load")
	// page.ICs[1] left untagged.

	if m.Check(page, 1, true) {
		t.Fatal("expected no match when the tag run is incomplete")
	}
}

func TestCheckRejectsWhenStartIndexNegative(t *testing.T) {
	m := NewMatcher()
	page := newTestPage(4)
	m.Register(&Pattern{
		Name:  "test-triple",
		Steps: []Step{{Tag: "a"}, {Tag: "b"}, {Tag: "c"}},
		Fuse: func(page *dyntrans.PPTR, startIdx int, ics []*dyntrans.IC) (dyntrans.ICFunc, [3]dyntrans.ArgSlot, bool) {
			return func(c *dyntrans.CPU, ic *dyntrans.IC) {}, [3]dyntrans.ArgSlot{}, true
		},
	})
	m.TagIC(&page.ICs[0], "a")
	m.TagIC(&page.ICs[1], "b")

	// idx=1 would need startIdx=-1 for a 3-step pattern.
	if m.Check(page, 1, true) {
		t.Fatal("expected no match when the pattern would start before page index 0")
	}
}

func TestCheckLeavesPageUntouchedWhenFuseDeclines(t *testing.T) {
	m := NewMatcher()
	page := newTestPage(2)
	m.Register(&Pattern{
		Name:  "declines",
		Steps: []Step{{Tag: "load"}, {Tag: "store"}},
		Fuse: func(page *dyntrans.PPTR, startIdx int, ics []*dyntrans.IC) (dyntrans.ICFunc, [3]dyntrans.ArgSlot, bool) {
			return nil, [3]dyntrans.ArgSlot{}, false
		},
	})
	m.TagIC(&page.ICs[0], "load")
	m.TagIC(&page.ICs[1], "store")

	if m.Check(page, 1, true) {
		t.Fatal("expected Check to report no match when Fuse declines")
	}
	if page.Flags&dyntrans.FlagCombinations != 0 {
		t.Fatal("expected FlagCombinations to remain unset when Fuse declines")
	}
}
