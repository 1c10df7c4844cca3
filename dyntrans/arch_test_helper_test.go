package dyntrans

import "encoding/binary"

// fakeArch is a minimal flat-mapped (vaddr==paddr) Arch stand-in used by
// this package's own tests, which exercise the engine's plumbing
// independently of any real ISA decoder.
type fakeArch struct {
	pageShift  uint
	instrShift uint
	translated int // counts ToBeTranslated invocations
	failAt     uint64
}

func newFakeArch() *fakeArch {
	return &fakeArch{pageShift: 12, instrShift: 2}
}

func (a *fakeArch) TranslateAddress(c *CPU, vaddr uint64, flags TranslateFlags) (uint64, bool) {
	if a.failAt != 0 && vaddr == a.failAt {
		return 0, false
	}
	return vaddr, true
}

// ToBeTranslated installs a trivial "advance PC by one instruction" handler
// into the slot it is called for, mimicking a real decoder's in-place
// rewrite of the sentinel.
func (a *fakeArch) ToBeTranslated(c *CPU, ic *IC) {
	a.translated++
	ic.F = fakeAdvance
}

func fakeAdvance(c *CPU, ic *IC) {
	c.PC += 1 << 2
}

func (a *fakeArch) ByteOrder() binary.ByteOrder { return binary.BigEndian }
func (a *fakeArch) PageShift() uint             { return a.pageShift }
func (a *fakeArch) InstrShift() uint            { return a.instrShift }
func (a *fakeArch) TickTimers(c *CPU, n int)    {}
