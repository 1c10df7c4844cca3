package mips32

import (
	"encoding/binary"

	"github.com/dyntrans/engine/combiner"
	"github.com/dyntrans/engine/dyntrans"
)

const pageShift = 12

// Arch is this engine's dyntrans.Arch implementation for mips32.
type Arch struct {
	Regs     *CPU
	Combiner *combiner.Matcher

	// SpeedTricks gates the combiner tail check — only applied when
	// enabled — mirrored from config.EngineConfig.SpeedTricks by whoever
	// constructs the machine.
	SpeedTricks bool
}

// New returns an Arch with a fresh register file, using m as its combiner;
// New loads no patterns into m itself. m may be nil, in which case the combiner hook is disabled (every tail check is a
// no-op, equivalent to speed_tricks being off for this CPU).
func New(m *combiner.Matcher) *Arch {
	return &Arch{Regs: &CPU{}, Combiner: m}
}

var _ dyntrans.Arch = (*Arch)(nil)

// TranslateAddress implements this demo's simplified MMU: kseg0/kseg1
// (0x80000000-0xBFFFFFFF) map unmapped-but-cached/uncached straight down to
// the low 512MiB of physical memory by masking the segment bits off, and
// every other address is masked to its low 29 bits the same way (a kuseg
// address below 512MiB passes through unchanged). A real MIPS TLB
// walk (the architecture's own page tables, distinct from the engine's
// TLB) is out of scope for the worked example this package exists to
// demonstrate; see DESIGN.md.
func (a *Arch) TranslateAddress(c *dyntrans.CPU, vaddr uint64, flags dyntrans.TranslateFlags) (uint64, bool) {
	if vaddr >= 0x80000000 && vaddr < 0xC0000000 {
		return vaddr &^ 0xE0000000, true
	}
	return vaddr & 0x1FFFFFFF, true
}

// ByteOrder reports this configuration's big-endian MIPS I.
func (a *Arch) ByteOrder() binary.ByteOrder { return binary.BigEndian }

// PageShift is 4KiB pages, matching device.Bus/memory.Space's defaults.
func (a *Arch) PageShift() uint { return pageShift }

// InstrShift is 2: every mips32 instruction is a fixed 4 bytes.
func (a *Arch) InstrShift() uint { return 2 }

// TickTimers is a no-op: this demo configuration has no architectural timer
// interrupt source (no CP0 Count/Compare wired up).
func (a *Arch) TickTimers(c *dyntrans.CPU, n int) {}

// RegisterValue forwards to the register file, for breakpoint conditions.
func (a *Arch) RegisterValue(name string) (uint64, bool) { return a.Regs.RegisterValue(name) }
