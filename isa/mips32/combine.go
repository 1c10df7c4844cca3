package mips32

import (
	"github.com/dyntrans/engine/combiner"
	"github.com/dyntrans/engine/dyntrans"
	"github.com/dyntrans/engine/memory"
)

func init() {
	combiner.RegisterFuse("mips32_byte_fill_loop", fuseByteFillLoop)
	combiner.RegisterFuse("mips32_word_fill_loop", fuseWordFillLoop)
}

// fuseByteFillLoop recognises a common compiler-generated idiom: a
// four-instruction loop that stores a constant byte through an
// auto-incrementing pointer a fixed number of times. The fused handler
// computes the same final register state as running the loop to completion
// and, when the target is host-RAM backed, fills the whole span in one Go
// slice operation instead of one store per iteration.
func fuseByteFillLoop(page *dyntrans.PPTR, startIdx int, ics []*dyntrans.IC) (dyntrans.ICFunc, [3]dyntrans.ArgSlot, bool) {
	sb, addiuPtr, addiuCounter, bgtz := ics[0], ics[1], ics[2], ics[3]

	// sb rX, 0(rY): rX is Arg[0], rY is Arg[1].
	// addiu rY,rY,1 / addiu rZ,rZ,-1: Arg[0] doubles as both src and dst.
	args := [3]dyntrans.ArgSlot{
		sb.Arg[0],          // value register
		addiuPtr.Arg[0],    // pointer register (rY)
		addiuCounter.Arg[0], // counter register (rZ)
	}
	fallback := *sb // copy: value, F and Arg at time of fusion, for the device-backed fallback path

	fn := func(c *dyntrans.CPU, ic *dyntrans.IC) {
		valueReg, ptrReg, counterReg := ic.Arg[0].Reg, ic.Arg[1].Reg, ic.Arg[2].Reg
		count := uint32(*counterReg)
		if count == 0 {
			// Nothing to do; still must fall through past the branch.
			finishFusedLoop(c, page, bgtz)
			return
		}

		ptr := uint32(*ptrReg)
		value := byte(*valueReg)

		filled := fillHostRAM(c, ptr, value, count)
		if !filled {
			// Fallback: run the original first IC (the byte store) once,
			// exactly as if the fusion had not happened, and let the engine
			// re-enter this same loop next time around rather than lose the
			// other three instructions.
			origArg := fallback.Arg
			origF := fallback.F
			tmp := dyntrans.IC{F: origF, Arg: origArg}
			tmp.Run(c)
			return
		}

		*ptrReg = uint64(ptr + count)
		*counterReg = 0
		c.NTranslatedInstrs += int(count) * 4
		finishFusedLoop(c, page, bgtz)
	}

	return fn, args, true
}

// fuseWordFillLoop recognises the word-sized counterpart of the byte-fill
// idiom above: a loop that stores a word through an auto-incrementing
// pointer. Only a word whose four bytes are all equal can be expressed as a
// byte-wise memset, the same restriction the ARM original it's ported from
// places on its own word-fill combination; any other word value falls back
// to running the loop uncombined, one real store at a time.
func fuseWordFillLoop(page *dyntrans.PPTR, startIdx int, ics []*dyntrans.IC) (dyntrans.ICFunc, [3]dyntrans.ArgSlot, bool) {
	sw, addiuPtr, addiuCounter, bgtz := ics[0], ics[1], ics[2], ics[3]

	args := [3]dyntrans.ArgSlot{
		sw.Arg[0],           // value register
		addiuPtr.Arg[0],     // pointer register (rY)
		addiuCounter.Arg[0], // counter register (rZ)
	}
	fallback := *sw

	fn := func(c *dyntrans.CPU, ic *dyntrans.IC) {
		valueReg, ptrReg, counterReg := ic.Arg[0].Reg, ic.Arg[1].Reg, ic.Arg[2].Reg
		value := uint32(*valueReg)
		b := byte(value)
		uniform := uint32(b) | uint32(b)<<8 | uint32(b)<<16 | uint32(b)<<24
		if value != uniform {
			tmp := dyntrans.IC{F: fallback.F, Arg: fallback.Arg}
			tmp.Run(c)
			return
		}

		count := uint32(*counterReg)
		if count == 0 {
			finishFusedLoop(c, page, bgtz)
			return
		}

		words := (count + 3) / 4
		totalBytes := words * 4
		ptr := uint32(*ptrReg)

		if !fillHostRAM(c, ptr, b, totalBytes) {
			tmp := dyntrans.IC{F: fallback.F, Arg: fallback.Arg}
			tmp.Run(c)
			return
		}

		*ptrReg = uint64(ptr + totalBytes)
		*counterReg = uint64(count - totalBytes)
		c.NTranslatedInstrs += int(words) * 4
		finishFusedLoop(c, page, bgtz)
	}

	return fn, args, true
}

// fillHostRAM writes count copies of value starting at guest physical
// address ptr directly into host memory, one guest page at a time, checking
// each page for device overlap before filling it. The whole span is filled
// in a single call, however many pages it covers; the work per call is not
// bounded. It returns false as soon as a page is not plain host RAM (e.g.
// device-backed), in which case the caller must fall back; pages before
// that one have already been filled.
func fillHostRAM(c *dyntrans.CPU, ptr uint32, value byte, count uint32) bool {
	remaining := count
	addr := ptr
	for remaining > 0 {
		pageSize := uint32(1) << c.PageShift()
		pageBase := addr &^ (pageSize - 1)
		if c.Bus != nil && c.Bus.PageOverlapsAnyDevice(uint64(pageBase), uint64(pageSize)) {
			return false
		}
		host := c.Mem.HostPage(pageBase, pageSize, memory.Write)
		if host == nil {
			return false
		}
		off := addr - pageBase
		n := pageSize - off
		if n > remaining {
			n = remaining
		}
		span := host[off : off+n]
		for i := range span {
			span[i] = value
		}
		c.TLB.InvalidatePaddr(uint64(pageBase), c.TC, false)
		addr += n
		remaining -= n
	}
	return true
}

// finishFusedLoop advances PC past the matched loop body, its branch, and
// the branch's delay slot, landing where control would be once the real
// loop's counter hits zero and the final bgtz falls through.
//
// The delay slot instruction (the 5th physical instruction, one past bgtz,
// not part of the matched 4-step pattern) is skipped, not re-run per
// iteration. A loop whose delay slot does real work never reaches this
// handler: decode.go only tags a bgtz as combinable when it branches back
// three instructions (to the pattern's first step) and its delay slot
// holds a nop.
func finishFusedLoop(c *dyntrans.CPU, page *dyntrans.PPTR, bgtz *dyntrans.IC) {
	c.PC += 5 * 4
}
