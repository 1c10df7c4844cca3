// Package combiner implements an instruction-combiner hook: after a
// successful translation, inspect the last few ICs on a page and, if they
// form a recognised loop idiom, rewrite the first of them into a single
// fused handler that does the equivalent work in one call (typically a
// bulk host-page memset) instead of interpreting each iteration.
//
// Recognised shapes are declared as small Lua scripts under
// combiner/patterns (loaded by lua_loader.go via github.com/yuin/gopher-lua)
// naming a sequence of instruction "tags" and the Go-side FuseFunc that
// knows how to fuse that exact shape. The Lua side only ever supplies
// declarative matching data; building a fused IC still requires real
// register pointers and memory access, which stays in Go.
package combiner

import (
	"sync"

	"github.com/dyntrans/engine/dyntrans"
)

// Step is one position in a recognised pattern, identified by the tag the
// architecture decoder attached to the IC it produced for that position.
type Step struct {
	Tag string
}

// FuseFunc builds a replacement handler for the pattern starting at
// page.ICs[startIdx]. ics is the slice of matched ICs in pattern order
// (len(ics) == len(Pattern.Steps)). It returns the fused handler and its
// argument slots, or ok == false if this particular occurrence cannot be
// fused (e.g. an operand shape the tag alone didn't rule out) — in which
// case the matcher leaves the page untouched.
type FuseFunc func(page *dyntrans.PPTR, startIdx int, ics []*dyntrans.IC) (fn dyntrans.ICFunc, args [3]dyntrans.ArgSlot, ok bool)

// Pattern is one recognised fusible idiom.
type Pattern struct {
	Name  string
	Steps []Step
	Fuse  FuseFunc
}

// Matcher holds every registered pattern plus the per-IC tags the
// architecture decoder assigns as it builds a page, and performs the tail
// check run right after each IC is translated.
type Matcher struct {
	mu       sync.RWMutex
	patterns []*Pattern
	tags     map[*dyntrans.IC]string
}

// NewMatcher returns an empty combiner.
func NewMatcher() *Matcher {
	return &Matcher{tags: make(map[*dyntrans.IC]string)}
}

// Register adds a pattern built directly in Go (used by tests and by
// RegisterFuse-backed Lua-declared patterns alike).
func (m *Matcher) Register(p *Pattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, p)
}

// TagIC records what shape of instruction ic decodes to. ISA decoders call
// this from ToBeTranslated for every IC they might want combined later;
// untagged ICs simply never match any pattern.
func (m *Matcher) TagIC(ic *dyntrans.IC, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[ic] = tag
}

func (m *Matcher) tagOf(ic *dyntrans.IC) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tags[ic]
	return t, ok
}

// Check runs the combiner's tail-call check: idx is the index within
// page.ICs of the IC just translated. It looks backward for a run of
// tagged ICs matching a registered pattern ending exactly at idx, and on a
// match rewrites the pattern's first IC in place with the fused handler,
// marking page.Flags with FlagCombinations.
//
// Only called when speedTricks is enabled and the CPU is not single
// stepping.
func (m *Matcher) Check(page *dyntrans.PPTR, idx int, speedTricks bool) bool {
	if !speedTricks {
		return false
	}

	m.mu.RLock()
	patterns := make([]*Pattern, len(m.patterns))
	copy(patterns, m.patterns)
	m.mu.RUnlock()

	for _, p := range patterns {
		n := len(p.Steps)
		startIdx := idx - n + 1
		if startIdx < 0 {
			continue
		}
		matched := make([]*dyntrans.IC, n)
		ok := true
		for i := 0; i < n; i++ {
			ic := &page.ICs[startIdx+i]
			tag, has := m.tagOf(ic)
			if !has || tag != p.Steps[i].Tag {
				ok = false
				break
			}
			matched[i] = ic
		}
		if !ok {
			continue
		}

		fn, args, fuseOK := p.Fuse(page, startIdx, matched)
		if !fuseOK {
			continue
		}
		page.ICs[startIdx].F = fn
		page.ICs[startIdx].Arg = args
		page.Flags |= dyntrans.FlagCombinations
		return true
	}
	return false
}
