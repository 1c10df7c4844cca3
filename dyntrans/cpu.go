package dyntrans

import (
	"encoding/binary"

	"github.com/dyntrans/engine/cpu"
	"github.com/dyntrans/engine/device"
	"github.com/dyntrans/engine/memory"
)

// TranslateFlags are the flags passed to Arch.TranslateAddress.
type TranslateFlags uint32

const (
	FlagWrite TranslateFlags = 1 << iota
	FlagInstr
	FlagNoExceptions
	FlagUser
)

// DelaySlotState tracks delay-slot status for architectures that have one
// (MIPS, SPARC, M88K).
type DelaySlotState uint8

const (
	NotDelayed DelaySlotState = iota
	// ToBeDelayed means the previous IC was a taken branch or jump: the
	// instruction about to run occupies its delay slot, and advancePC-style
	// handlers resolve the latched target once that instruction completes.
	ToBeDelayed
	// ExceptionInDelaySlot means a fault hit the instruction occupying a
	// delay slot (dyntrans.raiseBusError is the only place that sets it).
	// The pending branch must not resolve: a handler re-entering at this PC
	// after the fault is handled needs DelaySlot to still read as "this
	// instruction is a delay slot", not have silently reverted to
	// NotDelayed via a normal advancePC call that never happened.
	ExceptionInDelaySlot
)

// Arch is what an ISA decoder supplies to the engine: decode, address
// translation, and the handful of architectural parameters the dispatch
// loop and PCToPointers need (page geometry, byte order, timers).
// Device models, ELF loading and other concerns belonging to a full
// emulator rather than the translation engine itself are not part of this
// contract.
type Arch interface {
	// TranslateAddress resolves a guest virtual address, raising the
	// architectural exception itself on failure unless flags has
	// FlagNoExceptions.
	TranslateAddress(c *CPU, vaddr uint64, flags TranslateFlags) (paddr uint64, ok bool)
	// ToBeTranslated is the per-ISA decoder invoked when an untranslated
	// IC slot is reached.
	ToBeTranslated(c *CPU, ic *IC)
	// ByteOrder normalises fetched instruction words.
	ByteOrder() binary.ByteOrder
	// PageShift is log2 of the guest page size.
	PageShift() uint
	// InstrShift is log2 of the instruction size in bytes, for fixed-width
	// ISAs (2 for a 32-bit-instruction architecture like mips32). Used to
	// map a PC within a page to an IC slot index.
	InstrShift() uint
	// TickTimers advances architectural timers (PPC DEC, TBL/TBU, ...) by
	// n executed instructions.
	TickTimers(c *CPU, n int)
}

// CPU is the universal per-guest-CPU shell: architecture-specific register
// state lives in the concrete Arch implementation and is reached through
// it; everything the dyntrans engine itself needs to drive execution lives
// here.
type CPU struct {
	ID int

	PC uint64

	Arch Arch
	TLB  *TLB
	TC   *Cache
	Mem  *memory.Space
	Bus  *device.Bus

	CurICPage    []IC   // the live PPTR's IC slice
	CurPPTR      *PPTR  // the PPTR CurICPage was sliced from, for Flags/combiner access
	CurPageVAddr uint64 // page-aligned vaddr CurICPage was installed for
	NextIC       int    // index into CurICPage

	NTranslatedInstrs int
	Running           bool
	RunningTranslated bool
	DelaySlot         DelaySlotState
	// InCrossPageDelaySlot is true for exactly the duration of one
	// Arch.ToBeTranslated call: the one decoding slot 0 of a freshly
	// resolved page while DelaySlot was still ToBeDelayed, meaning this
	// instruction is a branch's delay slot that spilled across a page
	// boundary. The ISA decoder consults it to skip wiring that IC into any
	// combiner pattern, since a fused handler indexes its page directly and
	// a delay-slot instruction living on a different page than the branch
	// that scheduled it would corrupt that indexing.
	InCrossPageDelaySlot bool

	SingleStep bool
	Tracing    bool

	Breakpoints *cpu.Registry
	Trace       *cpu.CallTrace

	// DyntransWriteLow/High track the dirty window touched by a
	// dyntrans-OK device write.
	DyntransWriteLow, DyntransWriteHigh uint64

	// FunctionCallTrace/FunctionCallTraceReturn are optional call-tree
	// hooks, wired up by the ISA decoder on BL/JAL/RET-style opcodes.
	FunctionCallTrace       func(c *CPU, callAddr, target uint64)
	FunctionCallTraceReturn func(c *CPU, returnPC uint64)
}

// NewCPU constructs a CPU shell bound to the given architecture, TC, TLB,
// memory and device bus.
func NewCPU(id int, arch Arch, tc *Cache, tlb *TLB, mem *memory.Space, bus *device.Bus) *CPU {
	return &CPU{
		ID:                id,
		Arch:              arch,
		TC:                tc,
		TLB:               tlb,
		Mem:               mem,
		Bus:               bus,
		Running:           true,
		RunningTranslated: true,
		Breakpoints:       cpu.NewRegistry(),
		Trace:             cpu.NewCallTrace(),
	}
}

// PageShift is a convenience forward to the CPU's architecture.
func (c *CPU) PageShift() uint { return c.Arch.PageShift() }

// PageMask returns the guest page's address mask (all bits below PageShift set).
func (c *CPU) PageMask() uint64 { return (uint64(1) << c.PageShift()) - 1 }

// PCToICEntry converts a PC into the IC slot index within its page.
// Instruction size is assumed to be 1<<instrShift bytes (4 for fixed
// 32-bit ISAs); variable-length ISAs track position through arg[0]
// (instruction length) instead and should not rely on this helper beyond
// locating slot 0 of an IC page.
func (c *CPU) PCToICEntry(pc uint64, instrShift uint) int {
	return int((pc & c.PageMask()) >> instrShift)
}
