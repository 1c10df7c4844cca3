package dyntrans

// TLB flags.
const (
	MemWrite uint32 = 1 << iota
	MemDowngrade
	TLBCode
	MemoryUserAccess
)

// VPHEntry is one slot of the linear victim table: half the table is
// reserved for data translations, half for code.
type VPHEntry struct {
	Valid     bool
	WriteFlag bool
	VAddrPage uint64
	PAddrPage uint64
	HostPage  []byte
	Timestamp uint64
}

// TLB is the per-CPU software TLB and page pointer table. This
// implementation targets the flat, 32-bit-style layout (arrays indexed
// directly by vaddr>>PageShift); a 3-level paged radix layout for 64-bit
// guests is a documented alternative, not built here, since no 64-bit
// exemplar ISA is wired into this engine (see DESIGN.md).
type TLB struct {
	pageShift uint
	numPages  uint64

	HostLoad  [][]byte
	HostStore [][]byte
	PhysAddr  []uint64
	PhysPage  []*PPTR
	vaddrIdx  []int32 // 1-based index into VPH; 0 = miss

	VPH      []VPHEntry
	halfSize int
	rrData   int
	rrCode   int
	clock    uint64

	// PhysTranslation is the "this physical page has live code
	// translations" bitmap, one bit per physical page, sized from the
	// machine's physical address space.
	PhysTranslation []uint64
}

// NewTLB creates a TLB for a guest with the given virtual address width
// (addrBits), page shift, and number of victim-table entries (split evenly
// between data and code halves). physPages sizes the PhysTranslation
// bitmap.
func NewTLB(addrBits, pageShift uint, victimEntries int, physPages uint64) *TLB {
	numPages := uint64(1) << (addrBits - pageShift)
	half := victimEntries / 2
	return &TLB{
		pageShift:       pageShift,
		numPages:        numPages,
		HostLoad:        make([][]byte, numPages),
		HostStore:       make([][]byte, numPages),
		PhysAddr:        make([]uint64, numPages),
		PhysPage:        make([]*PPTR, numPages),
		vaddrIdx:        make([]int32, numPages),
		VPH:             make([]VPHEntry, victimEntries),
		halfSize:        half,
		PhysTranslation: make([]uint64, (physPages+63)/64+1),
	}
}

func (t *TLB) pageNr(vaddr uint64) uint64 { return (vaddr >> t.pageShift) & (t.numPages - 1) }

// PhysPageBit reports whether a physical page has a live code translation,
// the early-out invalidation relies on.
func (t *TLB) PhysPageBit(physPageNr uint64) bool {
	return t.PhysTranslation[physPageNr/64]&(1<<(physPageNr%64)) != 0
}

func (t *TLB) setPhysPageBit(physPageNr uint64) {
	t.PhysTranslation[physPageNr/64] |= 1 << (physPageNr % 64)
}

func (t *TLB) clearPhysPageBit(physPageNr uint64) {
	t.PhysTranslation[physPageNr/64] &^= 1 << (physPageNr % 64)
}

// clearFastArrays drops the flat-array entries for one vaddr page (used
// both by vaddr invalidation and by victim replacement evicting a slot).
func (t *TLB) clearFastArrays(pagenr uint64) {
	t.HostLoad[pagenr] = nil
	t.HostStore[pagenr] = nil
	t.PhysAddr[pagenr] = 0
	t.PhysPage[pagenr] = nil
	t.vaddrIdx[pagenr] = 0
}

// selectVictim picks a replacement slot in the given half using a 32-bit
// style round-robin counter. The 64-bit oldest-timestamp policy is not
// implemented (see TLB's doc comment).
func (t *TLB) selectVictim(code bool) int {
	base := 0
	counter := &t.rrData
	if code {
		base = t.halfSize
		counter = &t.rrCode
	}
	slot := base + *counter
	*counter = (*counter + 1) % t.halfSize
	return slot
}

// Update installs or refreshes one vaddr page's TLB translation.
func (t *TLB) Update(vaddr uint64, hostPage []byte, flags uint32, paddrPage uint64) {
	t.clock++
	code := flags&TLBCode != 0
	pagenr := t.pageNr(vaddr)
	vaddrPage := vaddr &^ ((uint64(1) << t.pageShift) - 1)

	existing := int(t.vaddrIdx[pagenr]) - 1

	if existing >= 0 && t.VPH[existing].Valid && t.VPH[existing].PAddrPage == paddrPage {
		// Case: updating existing entry for the same physical page.
		e := &t.VPH[existing]
		e.Timestamp = t.clock
		if flags&MemWrite != 0 {
			e.WriteFlag = true
			t.HostStore[pagenr] = hostPage
		}
		if flags&MemDowngrade != 0 {
			e.WriteFlag = false
			t.HostStore[pagenr] = nil
		}
		return
	}

	if existing >= 0 && t.VPH[existing].Valid {
		// Case: same vaddr slot, different physical page — remap.
		e := &t.VPH[existing]
		e.VAddrPage = vaddrPage
		e.PAddrPage = paddrPage
		e.HostPage = hostPage
		e.WriteFlag = flags&MemWrite != 0
		e.Timestamp = t.clock
		t.HostLoad[pagenr] = hostPage
		if e.WriteFlag {
			t.HostStore[pagenr] = hostPage
		} else {
			t.HostStore[pagenr] = nil
		}
		t.PhysAddr[pagenr] = paddrPage
		t.PhysPage[pagenr] = nil
		return
	}

	// Miss: pick a victim and evict it first.
	slot := t.selectVictim(code)
	victim := &t.VPH[slot]
	if victim.Valid {
		t.clearFastArrays(t.pageNr(victim.VAddrPage))
	}
	*victim = VPHEntry{
		Valid:     true,
		WriteFlag: flags&MemWrite != 0,
		VAddrPage: vaddrPage,
		PAddrPage: paddrPage,
		HostPage:  hostPage,
		Timestamp: t.clock,
	}
	t.HostLoad[pagenr] = hostPage
	if victim.WriteFlag {
		t.HostStore[pagenr] = hostPage
	} else {
		t.HostStore[pagenr] = nil
	}
	t.PhysAddr[pagenr] = paddrPage
	t.PhysPage[pagenr] = nil
	t.vaddrIdx[pagenr] = int32(slot + 1)
}

// MarkNonWritable is used by PCToPointers once a page is about to carry a
// code translation: it clears the fast write pointer (and the victim
// entry's write flag) without dropping the entry or its read path.
func (t *TLB) MarkNonWritable(vaddr uint64) {
	pagenr := t.pageNr(vaddr)
	t.HostStore[pagenr] = nil
	if idx := int(t.vaddrIdx[pagenr]) - 1; idx >= 0 && t.VPH[idx].Valid {
		t.VPH[idx].WriteFlag = false
	}
}

// SetCodePage installs ppage as the fast-path code translation for vaddr's
// page: PhysPage[i] != nil implies HostLoad[i] != nil and HostStore[i] ==
// nil.
func (t *TLB) SetCodePage(vaddr uint64, ppage *PPTR) {
	pagenr := t.pageNr(vaddr)
	t.PhysPage[pagenr] = ppage
	t.HostStore[pagenr] = nil
}
