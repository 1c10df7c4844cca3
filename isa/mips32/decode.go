package mips32

import (
	"github.com/dyntrans/engine/dyntrans"
	"github.com/dyntrans/engine/enginelog"
)

// ToBeTranslated is this architecture's decoder: fetch the raw word at the
// CPU's current PC, decode it, fill in the IC slot the engine handed us,
// tag it for the combiner, and run the tail combination check.
func (a *Arch) ToBeTranslated(c *dyntrans.CPU, ic *dyntrans.IC) {
	// A pending branch (DelaySlot == ToBeDelayed) that is only now reaching
	// slot 0 of a freshly resolved page means the branch lived in the last
	// real slot of the previous page and its delay-slot instruction spilled
	// across the boundary. This IC must not be wired into a combiner
	// pattern: every fused handler in isa/mips32/combine.go indexes
	// c.CurPPTR directly, an assumption that breaks the moment one step of
	// the pattern lives on a different page than the rest.
	c.InCrossPageDelaySlot = c.DelaySlot == dyntrans.ToBeDelayed && c.NextIC-1 == 0
	defer func() { c.InCrossPageDelaySlot = false }()

	var word [4]byte
	if !dyntrans.MemoryRW(c, c.PC, word[:], dyntrans.RWRead, dyntrans.AccessCacheInstruction) {
		// Translation/bus-error exception already raised by the memory
		// path; leave the sentinel call itself as a safe no-op handler so a
		// stray re-entry doesn't loop forever.
		ic.F = opNop
		return
	}
	raw := a.ByteOrder().Uint32(word[:])

	opcode := raw >> 26
	rs := int((raw >> 21) & 0x1F)
	rt := int((raw >> 16) & 0x1F)
	rd := int((raw >> 11) & 0x1F)
	shamt := (raw >> 6) & 0x1F
	funct := raw & 0x3F
	imm16 := int32(int16(raw & 0xFFFF))
	target26 := raw & 0x03FFFFFF

	var tag string
	unknown := false

	switch opcode {
	case 0x00: // SPECIAL (R-type)
		switch funct {
		case 0x21: // ADDU
			ic.F = opAddu
			ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rd)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.RegArg(a.Regs.Reg(rt))}
		case 0x23: // SUBU
			ic.F = opSubu
			ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rd)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.RegArg(a.Regs.Reg(rt))}
		case 0x24: // AND
			ic.F = opAnd
			ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rd)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.RegArg(a.Regs.Reg(rt))}
		case 0x25: // OR
			ic.F = opOr
			ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rd)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.RegArg(a.Regs.Reg(rt))}
		case 0x2A: // SLT
			ic.F = opSlt
			ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rd)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.RegArg(a.Regs.Reg(rt))}
		case 0x00: // SLL (incl. NOP, which is sll $zero,$zero,0)
			if rd == 0 {
				ic.F = opNop
			} else {
				ic.F = opSll
				ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rd)), dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.ImmArg(uint64(shamt))}
			}
		case 0x02: // SRL
			ic.F = opSrl
			ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rd)), dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.ImmArg(uint64(shamt))}
		case 0x08: // JR
			ic.F = opJr
			ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rs))}
		default:
			unknown = true
		}

	case 0x08: // ADDI (treated as ADDIU: no overflow trap in this demo)
		fallthrough
	case 0x09: // ADDIU
		ic.F = opAddiu
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.ImmArg(uint64(uint32(imm16)))}
		if imm16 == 1 && rt == rs {
			tag = "mips32.addiu_postinc"
		} else if imm16 == -1 && rt == rs {
			tag = "mips32.addiu_dec"
		} else if imm16 == 4 && rt == rs {
			tag = "mips32.addiu_postinc4"
		} else if imm16 == -4 && rt == rs {
			tag = "mips32.addiu_dec4"
		}
	case 0x0C: // ANDI
		ic.F = opAndi
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.ImmArg(uint64(raw & 0xFFFF))}
	case 0x0D: // ORI
		ic.F = opOri
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.ImmArg(uint64(raw & 0xFFFF))}
	case 0x0F: // LUI
		ic.F = opLui
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.ImmArg(uint64(raw & 0xFFFF))}
	case 0x23: // LW
		ic.F = opLw
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.ImmArg(uint64(uint32(imm16)))}
	case 0x20: // LB
		ic.F = opLb
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.ImmArg(uint64(uint32(imm16)))}
	case 0x2B: // SW
		ic.F = opSw
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.ImmArg(uint64(uint32(imm16)))}
		if imm16 == 0 {
			tag = "mips32.sw"
		}
	case 0x28: // SB
		ic.F = opSb
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.ImmArg(uint64(uint32(imm16)))}
		tag = "mips32.sb"
	case 0x04: // BEQ
		ic.F = opBeq
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.ImmArg(uint64(uint32(imm16)))}
	case 0x05: // BNE
		ic.F = opBne
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.RegArg(a.Regs.Reg(rt)), dyntrans.ImmArg(uint64(uint32(imm16)))}
	case 0x06: // BLEZ
		ic.F = opBlez
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.ImmArg(uint64(uint32(imm16)))}
	case 0x07: // BGTZ
		ic.F = opBgtz
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.RegArg(a.Regs.Reg(rs)), dyntrans.ImmArg(uint64(uint32(imm16)))}
		// Combinable only as a fill loop's back-edge: a branch to three
		// instructions back (the pattern's first step) whose delay slot is a
		// nop, since the fused handlers skip the delay slot entirely.
		var slot [4]byte
		if imm16 == -4 && dyntrans.MemoryRW(c, c.PC+4, slot[:], dyntrans.RWRead, dyntrans.AccessCacheInstruction|dyntrans.AccessNoExceptions) && a.ByteOrder().Uint32(slot[:]) == 0 {
			tag = "mips32.bgtz_samepage"
		}
	case 0x02: // J
		ic.F = opJ
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.ImmArg(uint64(target26))}
	case 0x03: // JAL
		ic.F = opJal
		ic.Arg = [3]dyntrans.ArgSlot{dyntrans.ImmArg(uint64(target26))}
	default:
		unknown = true
	}

	if unknown {
		// Unimplemented instruction: report it, stop this CPU, and install a
		// handler that does nothing, so PC stays on the offending word.
		enginelog.Errorf("mips32", "cpu%d: unimplemented instruction %#08x at pc=%#x", c.ID, raw, c.PC)
		ic.F = func(*dyntrans.CPU, *dyntrans.IC) {}
		c.Running = false
		c.RunningTranslated = false
	}

	if a.Combiner != nil && tag != "" && !c.InCrossPageDelaySlot {
		a.Combiner.TagIC(ic, tag)
	}
	if a.Combiner != nil && c.CurPPTR != nil && !c.SingleStep && !c.InCrossPageDelaySlot {
		idx := c.NextIC // ToBeTranslatedSentinel calls us before re-running; NextIC already points past this slot
		a.Combiner.Check(c.CurPPTR, idx-1, a.SpeedTricks)
	}
}
