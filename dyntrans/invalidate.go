package dyntrans

// InvalidateVaddr drops the fast-array entry for one virtual page without
// scanning the linear TLB, leaving the victim-table entry itself in place
// until it is naturally replaced.
func (t *TLB) InvalidateVaddr(vaddr uint64) {
	t.clearFastArrays(t.pageNr(vaddr))
}

// InvalidatePaddr scans the linear TLB for every entry whose physical page
// matches physAddr and either downgrades it to read-only
// (justMarkNonWritable) or drops it outright. When dropping code
// translations it also unlinks the matching PPTR from the TC's hash chain,
// via cache, so a later fetch re-translates from scratch — the engine's
// self-modifying-code invalidation path.
func (t *TLB) InvalidatePaddr(physAddr uint64, cache *Cache, justMarkNonWritable bool) {
	physPageNr := physAddr >> t.pageShift

	for i := range t.VPH {
		e := &t.VPH[i]
		if !e.Valid || e.PAddrPage != physAddr {
			continue
		}
		pagenr := t.pageNr(e.VAddrPage)
		if justMarkNonWritable {
			e.WriteFlag = false
			t.HostStore[pagenr] = nil
			continue
		}
		e.Valid = false
		t.clearFastArrays(pagenr)
	}

	if !justMarkNonWritable {
		// Early-out: if the bitmap says this physical page has no live
		// code translation, there is nothing to unlink.
		if t.PhysPageBit(physPageNr) {
			if p := cache.Lookup(physAddr); p != nil {
				cache.Unlink(p)
			}
			t.clearPhysPageBit(physPageNr)
		}
	}
}

// NoteCodeTranslation marks a physical page as carrying a live translation,
// called once PCToPointers installs a PPTR for it.
func (t *TLB) NoteCodeTranslation(physAddr uint64) {
	t.setPhysPageBit(physAddr >> t.pageShift)
}

// InvalidateVaddrUpper4 invalidates only entries whose top 4 vaddr bits
// match, the shape needed on PowerPC-style segment-register changes. shift
// is the address width minus 4.
func (t *TLB) InvalidateVaddrUpper4(upperBits uint64, shift uint) {
	mask := uint64(0xF) << shift
	for i := range t.VPH {
		e := &t.VPH[i]
		if !e.Valid {
			continue
		}
		if e.VAddrPage&mask != upperBits&mask {
			continue
		}
		pagenr := t.pageNr(e.VAddrPage)
		e.Valid = false
		t.clearFastArrays(pagenr)
	}
}

// InvalidateAll drops every TLB entry, scanning the linear victim table.
func (t *TLB) InvalidateAll() {
	for i := range t.VPH {
		e := &t.VPH[i]
		if !e.Valid {
			continue
		}
		pagenr := t.pageNr(e.VAddrPage)
		e.Valid = false
		t.clearFastArrays(pagenr)
	}
}
