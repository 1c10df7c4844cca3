// Package mips32 is a worked example ISA front-end: a classic fixed-width,
// 32-bit, branch-delay-slot architecture, built around a per-architecture
// CPU struct plus opcode-dispatch pattern adapted from a
// directly-interpreting CPU into a dyntrans.Arch implementation.
package mips32

import "encoding/binary"

// RegisterNames names the 32 general-purpose registers, used for
// breakpoint conditions.
var RegisterNames = [32]string{
	"zero", "at", "v0", "v1", "a0", "a1", "a2", "a3",
	"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7",
	"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7",
	"t8", "t9", "k0", "k1", "gp", "sp", "fp", "ra",
}

// CPU holds mips32 architectural state. The register file is stored as
// uint64 (rather than the architecturally-correct uint32) purely so an
// IC's ArgSlot can hold a direct *uint64 pointer into it, since the
// engine's ArgReg convention is word-size-agnostic; every write still
// masks to 32 bits.
type CPU struct {
	GPR [32]uint64
	HI  uint64
	LO  uint64

	// BranchTarget/HasBranch latch a pending branch across its delay slot.
	BranchTarget uint64
	HasBranch    bool
}

// Reg returns a pointer suitable for dyntrans.RegArg. $zero (n==0) still
// returns a real pointer, and ToBeTranslated builds destination ArgSlots
// for $zero like any other register; ops.go's regSet drops every write made
// through that pointer, so $zero stays 0.
func (c *CPU) Reg(n int) *uint64 { return &c.GPR[n&31] }

func (c *CPU) reg(n int) uint32 {
	if n == 0 {
		return 0
	}
	return uint32(c.GPR[n])
}

func (c *CPU) setReg(n int, v uint32) {
	if n == 0 {
		return // $zero is hardwired
	}
	c.GPR[n] = uint64(v)
}

// RegisterValue implements the optional interface dyntrans's breakpoint
// path looks for (dyntrans/dispatch.go's registerValue adapter).
func (c *CPU) RegisterValue(name string) (uint64, bool) {
	for i, n := range RegisterNames {
		if n == name {
			return uint64(c.reg(i)), true
		}
	}
	switch name {
	case "hi":
		return c.HI, true
	case "lo":
		return c.LO, true
	}
	return 0, false
}

func byteOrder() binary.ByteOrder { return binary.BigEndian }
