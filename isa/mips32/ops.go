package mips32

import "github.com/dyntrans/engine/dyntrans"

// Every handler below reads operands straight out of its IC.Arg slots and
// finishes by calling advancePC, which also resolves a pending delay slot
// set up by the previous instruction if it was a branch or jump.

func regVal(a dyntrans.ArgSlot) uint64 { return *a.Reg }

// regSet writes through an ArgSlot's register pointer, except when it
// points at GPR[0]: $zero is architecturally hardwired and every decoded
// destination pointer for register 0 aliases the same slot, so skipping the
// write here is equivalent to (and cheaper than) masking at decode time.
func regSet(c *dyntrans.CPU, a dyntrans.ArgSlot, v uint32) {
	if a.Reg == c.Arch.(*Arch).Regs.Reg(0) {
		return
	}
	*a.Reg = uint64(v)
}

// advancePC implements ordinary (non-branch) PC progression, resolving a
// pending branch target (latched by branchTo) if this instruction just
// executed in a delay slot.
func advancePC(c *dyntrans.CPU, _ uint64) {
	if c.DelaySlot == dyntrans.ToBeDelayed {
		arch := c.Arch.(*Arch)
		c.PC = arch.Regs.BranchTarget
		arch.Regs.HasBranch = false
		c.DelaySlot = dyntrans.NotDelayed
		return
	}
	c.PC += 4
}

func opNop(c *dyntrans.CPU, ic *dyntrans.IC) {
	advancePC(c, 0)
}

func opAddu(c *dyntrans.CPU, ic *dyntrans.IC) {
	v := uint32(regVal(ic.Arg[1])) + uint32(regVal(ic.Arg[2]))
	if ic.Arg[0].Reg != nil {
		regSet(c, ic.Arg[0], v)
	}
	advancePC(c, 0)
}

func opSubu(c *dyntrans.CPU, ic *dyntrans.IC) {
	v := uint32(regVal(ic.Arg[1])) - uint32(regVal(ic.Arg[2]))
	if ic.Arg[0].Reg != nil {
		regSet(c, ic.Arg[0], v)
	}
	advancePC(c, 0)
}

func opAnd(c *dyntrans.CPU, ic *dyntrans.IC) {
	regSet(c, ic.Arg[0], uint32(regVal(ic.Arg[1]))&uint32(regVal(ic.Arg[2])))
	advancePC(c, 0)
}

func opOr(c *dyntrans.CPU, ic *dyntrans.IC) {
	regSet(c, ic.Arg[0], uint32(regVal(ic.Arg[1]))|uint32(regVal(ic.Arg[2])))
	advancePC(c, 0)
}

func opSlt(c *dyntrans.CPU, ic *dyntrans.IC) {
	var v uint32
	if int32(regVal(ic.Arg[1])) < int32(regVal(ic.Arg[2])) {
		v = 1
	}
	regSet(c, ic.Arg[0], v)
	advancePC(c, 0)
}

func opSll(c *dyntrans.CPU, ic *dyntrans.IC) {
	regSet(c, ic.Arg[0], uint32(regVal(ic.Arg[1]))<<ic.Arg[2].Val)
	advancePC(c, 0)
}

func opSrl(c *dyntrans.CPU, ic *dyntrans.IC) {
	regSet(c, ic.Arg[0], uint32(regVal(ic.Arg[1]))>>ic.Arg[2].Val)
	advancePC(c, 0)
}

func opAddiu(c *dyntrans.CPU, ic *dyntrans.IC) {
	v := uint32(regVal(ic.Arg[1])) + uint32(ic.Arg[2].Val)
	regSet(c, ic.Arg[0], v)
	advancePC(c, 0)
}

func opAndi(c *dyntrans.CPU, ic *dyntrans.IC) {
	regSet(c, ic.Arg[0], uint32(regVal(ic.Arg[1]))&uint32(ic.Arg[2].Val))
	advancePC(c, 0)
}

func opOri(c *dyntrans.CPU, ic *dyntrans.IC) {
	regSet(c, ic.Arg[0], uint32(regVal(ic.Arg[1]))|uint32(ic.Arg[2].Val))
	advancePC(c, 0)
}

func opLui(c *dyntrans.CPU, ic *dyntrans.IC) {
	regSet(c, ic.Arg[0], uint32(ic.Arg[1].Val)<<16)
	advancePC(c, 0)
}

// Each load/store below returns without advancing PC when MemoryRW reports
// a fault: a bus error must not silently resolve a branch pending in
// DelaySlot (dyntrans.raiseBusError has already latched ExceptionInDelaySlot
// for that case) or step past an instruction that never actually completed.

func opLw(c *dyntrans.CPU, ic *dyntrans.IC) {
	addr := uint32(regVal(ic.Arg[1])) + uint32(ic.Arg[2].Val)
	var buf [4]byte
	if !dyntrans.MemoryRW(c, uint64(addr), buf[:], dyntrans.RWRead, dyntrans.AccessCacheData) {
		return
	}
	regSet(c, ic.Arg[0], byteOrder().Uint32(buf[:]))
	advancePC(c, 0)
}

func opLb(c *dyntrans.CPU, ic *dyntrans.IC) {
	addr := uint32(regVal(ic.Arg[1])) + uint32(ic.Arg[2].Val)
	var buf [1]byte
	if !dyntrans.MemoryRW(c, uint64(addr), buf[:], dyntrans.RWRead, dyntrans.AccessCacheData) {
		return
	}
	regSet(c, ic.Arg[0], uint32(int32(int8(buf[0]))))
	advancePC(c, 0)
}

func opSw(c *dyntrans.CPU, ic *dyntrans.IC) {
	addr := uint32(regVal(ic.Arg[1])) + uint32(ic.Arg[2].Val)
	var buf [4]byte
	byteOrder().PutUint32(buf[:], uint32(regVal(ic.Arg[0])))
	if !dyntrans.MemoryRW(c, uint64(addr), buf[:], dyntrans.RWWrite, dyntrans.AccessCacheData) {
		return
	}
	advancePC(c, 0)
}

func opSb(c *dyntrans.CPU, ic *dyntrans.IC) {
	addr := uint32(regVal(ic.Arg[1])) + uint32(ic.Arg[2].Val)
	buf := [1]byte{byte(regVal(ic.Arg[0]))}
	if !dyntrans.MemoryRW(c, uint64(addr), buf[:], dyntrans.RWWrite, dyntrans.AccessCacheData) {
		return
	}
	advancePC(c, 0)
}

func opJr(c *dyntrans.CPU, ic *dyntrans.IC) {
	target := regVal(ic.Arg[0])
	c.PC += 4
	// (*CPU).Arch is the architecture's own Arch value; mips32 threads its
	// register file through it, so the branch target has to be latched
	// somewhere the subsequent delay-slot instruction's advancePC can read.
	// Using the CPU's DelaySlot/BranchTarget-carrying Arch avoids a second
	// global — see branchTo.
	branchTo(c, target)
}

func opJ(c *dyntrans.CPU, ic *dyntrans.IC) {
	target := (c.PC & 0xF0000000) | (ic.Arg[0].Val << 2)
	c.PC += 4
	branchTo(c, target)
}

func opJal(c *dyntrans.CPU, ic *dyntrans.IC) {
	target := (c.PC & 0xF0000000) | (ic.Arg[0].Val << 2)
	arch := c.Arch.(*Arch)
	arch.Regs.setReg(31, uint32(c.PC+8)) // return address skips the delay slot
	c.PC += 4
	branchTo(c, target)
}

func opBeq(c *dyntrans.CPU, ic *dyntrans.IC) {
	taken := regVal(ic.Arg[0]) == regVal(ic.Arg[1])
	branchCond(c, taken, ic.Arg[2].Val)
}

func opBne(c *dyntrans.CPU, ic *dyntrans.IC) {
	taken := regVal(ic.Arg[0]) != regVal(ic.Arg[1])
	branchCond(c, taken, ic.Arg[2].Val)
}

func opBlez(c *dyntrans.CPU, ic *dyntrans.IC) {
	taken := int32(regVal(ic.Arg[0])) <= 0
	branchCond(c, taken, ic.Arg[1].Val)
}

func opBgtz(c *dyntrans.CPU, ic *dyntrans.IC) {
	taken := int32(regVal(ic.Arg[0])) > 0
	branchCond(c, taken, ic.Arg[1].Val)
}

// branchCond computes a conditional branch's target (PC+4 fall-through, or
// PC+4+offset<<2 if taken) and latches it for the delay slot, per MIPS's
// "the branch offset is relative to the delay slot's address" convention.
func branchCond(c *dyntrans.CPU, taken bool, offset uint64) {
	delaySlotPC := c.PC + 4
	target := delaySlotPC + 4
	if taken {
		target = delaySlotPC + uint64(int64(int32(offset))<<2)
	}
	c.PC = delaySlotPC
	branchTo(c, target)
}

// branchTo latches target for the instruction about to execute in the
// delay slot and marks it pending.
func branchTo(c *dyntrans.CPU, target uint64) {
	arch := c.Arch.(*Arch)
	arch.Regs.BranchTarget = target
	arch.Regs.HasBranch = true
	c.DelaySlot = dyntrans.ToBeDelayed
}
