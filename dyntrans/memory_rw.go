package dyntrans

import (
	"github.com/dyntrans/engine/device"
	"github.com/dyntrans/engine/enginelog"
	"github.com/dyntrans/engine/memory"
)

// AccessFlags are the flags MemoryRW takes.
type AccessFlags uint32

const (
	AccessPhysical AccessFlags = 1 << iota
	AccessCacheInstruction
	AccessCacheData
	AccessCacheNone
	AccessNoExceptions
	AccessUser
)

// RW selects read or write direction.
type RW bool

const (
	RWRead  RW = false
	RWWrite RW = true
)

func (c *CPU) translateFlagsFor(rw RW, flags AccessFlags) TranslateFlags {
	var tf TranslateFlags
	if rw == RWWrite {
		tf |= FlagWrite
	}
	if flags&AccessCacheInstruction != 0 {
		tf |= FlagInstr
	}
	if flags&AccessNoExceptions != 0 {
		tf |= FlagNoExceptions
	}
	if flags&AccessUser != 0 {
		tf |= FlagUser
	}
	return tf
}

// MemoryRW implements the unified guest memory access path: cross-page
// splitting, address translation, device dispatch, RAM fast-path
// installation and write-triggered code invalidation.
func MemoryRW(c *CPU, vaddr uint64, buf []byte, rw RW, flags AccessFlags) bool {
	if len(buf) == 0 {
		return true
	}

	pageSize := uint64(1) << c.PageShift()
	pageMask := pageSize - 1

	// Step 1: cross-page split.
	startPage := vaddr &^ pageMask
	endPage := (vaddr + uint64(len(buf)) - 1) &^ pageMask
	if startPage != endPage {
		return memoryRWCrossPage(c, vaddr, buf, rw, flags)
	}

	return memoryRWSinglePage(c, vaddr, buf, rw, flags)
}

// memoryRWCrossPage splits a straddling access into per-byte accesses. For
// writes, it first walks every byte translating both the read and write
// directions, so a fault partway through the span is raised before any byte
// is modified (write atomicity with respect to TLB/MMU faults).
func memoryRWCrossPage(c *CPU, vaddr uint64, buf []byte, rw RW, flags AccessFlags) bool {
	if rw == RWWrite && flags&AccessPhysical == 0 {
		for i := range buf {
			addr := vaddr + uint64(i)
			if _, ok := c.Arch.TranslateAddress(c, addr, c.translateFlagsFor(RWRead, flags)); !ok {
				return false
			}
			if _, ok := c.Arch.TranslateAddress(c, addr, c.translateFlagsFor(RWWrite, flags)); !ok {
				return false
			}
		}
	}
	for i := range buf {
		addr := vaddr + uint64(i)
		if !memoryRWSinglePage(c, addr, buf[i:i+1], rw, flags) {
			return false
		}
	}
	return true
}

func memoryRWSinglePage(c *CPU, vaddr uint64, buf []byte, rw RW, flags AccessFlags) bool {
	paddr := vaddr

	// Step 2: translate.
	if flags&AccessPhysical == 0 {
		p, ok := c.Arch.TranslateAddress(c, vaddr, c.translateFlagsFor(rw, flags))
		if !ok {
			return false
		}
		paddr = p
	}

	// Step 3: device dispatch.
	if c.Bus != nil {
		if handled, ok := c.Bus.Dispatch(paddr, buf, bool(rw)); handled {
			if !ok {
				if flags&AccessNoExceptions == 0 {
					raiseBusError(c)
				}
				return false
			}
			if entry := c.Bus.Lookup(paddr); entry != nil && entry.Flags&device.DyntransOK != 0 {
				trackDirtyWindow(c, paddr, uint64(len(buf)))
				installDeviceFastPath(c, vaddr, paddr, entry)
			}
			return true
		}
	}

	physMax := uint64(c.Mem.PhysicalMax())

	// Step 4: RAM or outside physical range.
	if paddr >= physMax {
		if rw == RWRead {
			for i := range buf {
				buf[i] = 0
			}
		}
		// Writes beyond physical memory are silently dropped.
		return true
	}

	// Step 5: RAM fast path.
	pageSize := uint64(1) << c.PageShift()
	pageBase := paddr &^ (pageSize - 1)
	host := c.Mem.HostPage(uint32(pageBase), uint32(pageSize), memoryDirFor(rw))
	if host == nil {
		if rw == RWRead {
			for i := range buf {
				buf[i] = 0
			}
		}
		return true
	}
	off := paddr - pageBase

	if flags&AccessCacheNone == 0 && flags&AccessNoExceptions == 0 {
		if c.Bus == nil || !c.Bus.PageOverlapsAnyDevice(pageBase, pageSize) {
			installTLBPage(c, vaddr, host, rw, pageBase)
		}
	}

	if rw == RWRead {
		copy(buf, host[off:])
	} else {
		copy(host[off:], buf)
	}

	// Step 6: write -> invalidate code translation.
	if rw == RWWrite {
		c.TLB.InvalidatePaddr(pageBase, c.TC, false)
	}

	return true
}

func memoryDirFor(rw RW) memory.Direction {
	if rw == RWWrite {
		return memory.Write
	}
	return memory.Read
}

func trackDirtyWindow(c *CPU, paddr, length uint64) {
	lo, hi := paddr, paddr+length
	if c.DyntransWriteLow == 0 && c.DyntransWriteHigh == 0 {
		c.DyntransWriteLow, c.DyntransWriteHigh = lo, hi
		return
	}
	if lo < c.DyntransWriteLow {
		c.DyntransWriteLow = lo
	}
	if hi > c.DyntransWriteHigh {
		c.DyntransWriteHigh = hi
	}
}

// installDeviceFastPath installs an EmulatedRAM device's host-backing page
// into the TLB, write-protected unless the device also advertises
// DyntransWriteOK.
func installDeviceFastPath(c *CPU, vaddr, paddr uint64, entry *device.Entry) {
	if entry.Flags&device.EmulatedRAM == 0 || entry.Pager == nil {
		return
	}
	pageSize := uint64(1) << c.PageShift()
	pageBase := paddr &^ (pageSize - 1)
	page := entry.Pager.HostPage(pageBase - entry.Base)
	if page == nil {
		return
	}
	var flags uint32
	if entry.Flags&device.DyntransWriteOK != 0 {
		flags |= MemWrite
	}
	c.TLB.Update(vaddr&^(pageSize-1), page, flags, pageBase)
}

func installTLBPage(c *CPU, vaddr uint64, host []byte, rw RW, pageBase uint64) {
	var flags uint32
	if rw == RWWrite {
		flags |= MemWrite
	}
	c.TLB.Update(vaddr, host, flags, pageBase)
}

func raiseBusError(c *CPU) {
	// Concrete architectures vector their own bus-error exception from
	// within TranslateAddress; the generic path only needs to stop the
	// current translated run so the exception can be delivered. A fault on
	// the instruction occupying a branch's delay slot must not let the
	// branch that set DelaySlot up resolve into the handler, so the state
	// is latched as ExceptionInDelaySlot rather than left at ToBeDelayed.
	if c.DelaySlot == ToBeDelayed {
		c.DelaySlot = ExceptionInDelaySlot
		enginelog.Errorf("dyntrans", "cpu%d: bus error in delay slot at pc=%#x", c.ID, c.PC)
	} else {
		enginelog.Errorf("dyntrans", "cpu%d: bus error at pc=%#x", c.ID, c.PC)
	}
	c.RunningTranslated = false
}
