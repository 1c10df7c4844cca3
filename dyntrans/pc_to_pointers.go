package dyntrans

import "github.com/dyntrans/engine/memory"

// PCToPointers resolves the CPU's current PC to a live IC page, installing
// one if necessary. On return c.CurICPage/c.NextIC point at the IC slot PC
// itself decodes to; the dispatch loop resynchronises NextIC against PC after
// every IC and calls PCToPointers again once PC leaves this page.
//
// Returns false if PC does not translate (architectural exception has
// already been raised by Arch.TranslateAddress).
func PCToPointers(c *CPU) bool {
	pagenr := c.TLB.pageNr(c.PC)

	// Step 1/2: fast path — TLB already names a live PPTR for this vaddr
	// page (data-model invariant 2).
	if p := c.TLB.PhysPage[pagenr]; p != nil {
		installICPage(c, p)
		return true
	}

	// Step 3: slow path — translate PC to a physical address.
	paddr, ok := c.Arch.TranslateAddress(c, c.PC, FlagInstr)
	if !ok {
		return false
	}

	// Step 4: look up or allocate the PPTR for that physical page.
	pageSize := uint64(1) << c.PageShift()
	pageBase := paddr &^ (pageSize - 1)

	p := c.TC.Lookup(pageBase)
	if p == nil {
		p = c.TC.AllocateDefaultPage(pageBase)
	}

	// Step 5: a code translation exists for this physical page now; record
	// it in the bitmap invalidation relies on to early-out and make sure
	// the page is not writable through the fast store path,
	// otherwise a guest write could silently corrupt IC slots pc_to_pointers
	// just installed without going through the invalidation path.
	c.TLB.NoteCodeTranslation(pageBase)
	c.TLB.MarkNonWritable(c.PC)

	// Step 6: splice the PPTR into the flat TLB arrays for this vaddr page,
	// and danger-check it against the device bus before trusting the fast
	// path on later fetches from the same page. The PPTR is recorded in
	// PhysPage only together with a host page (PhysPage[i] != nil implies
	// HostLoad[i] != nil); otherwise later resolutions take this slow path
	// and find the PPTR through the TC.
	var flags uint32
	flags |= TLBCode
	if c.Bus == nil || !c.Bus.PageOverlapsAnyDevice(pageBase, pageSize) {
		host := c.Mem.HostPage(uint32(pageBase), uint32(pageSize), memory.Read)
		if host != nil {
			c.TLB.Update(c.PC, host, flags, pageBase)
			c.TLB.SetCodePage(c.PC, p)
		}
	}

	installICPage(c, p)
	return true
}

func installICPage(c *CPU, p *PPTR) {
	c.CurICPage = p.ICs
	c.CurPPTR = p
	c.CurPageVAddr = c.PC &^ ((uint64(1) << c.PageShift()) - 1)
	// Fixed-width ISAs (the only kind this engine wires an exemplar for)
	// index IC slots one-for-one with instruction count; a variable-length
	// ISA's ToBeTranslated would need to track position through other means
	// and should not rely on PCToICEntry.
	c.NextIC = c.PCToICEntry(c.PC, c.Arch.InstrShift())
}
