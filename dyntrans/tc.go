package dyntrans

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PPTR is a Physical-Page Translation Record: the compiled form of one
// guest physical code page. Every slot in ICs is a real instruction slot,
// initially the ToBeTranslated sentinel; there is no dedicated end-of-page
// slot past them, since the dispatch loop detects a page crossing by
// resynchronising against c.PC after every IC (dyntrans.runUnrolled) rather
// than by running off the end of the array.
type PPTR struct {
	Next     *PPTR // next entry in this hash bucket's chain
	PhysAddr uint64
	Flags    uint32
	ICs      []IC
}

// PPTR.Flags bits.
const (
	FlagTranslations uint32 = 1 << iota
	FlagCombinations
)

// hashBuckets is the size of the TC's physaddr hash table. A power of two
// so indexing is a mask.
const hashBuckets = 4096

// bytesPerIC is the notional per-IC cost charged against the cache's byte
// budget. The ICs themselves are ordinary Go structs, but the engine still
// needs to honour its configured cache size as a real resource limit
// rather than an unbounded Go heap, so allocation is charged against an
// mmap'd byte arena sized to Capacity and reset via madvise(MADV_DONTNEED)
// when exhausted.
const bytesPerIC = 24

// Cache is the Translation Cache: a monotonically bump-allocated byte
// budget backing a paddr-hashed set of PPTRs. Shared per-machine across all
// CPUs in that machine's address space.
type Cache struct {
	mu sync.Mutex

	arena    []byte // mmap'd reservation; only its length is used as a budget
	capacity int
	curOfs   int

	heads [hashBuckets]*PPTR

	pageShift        uint
	icEntriesPerPage int

	toBeTranslated ICFunc
}

// NewCache allocates a TC arena of the given capacity. toBeTranslated is
// the sentinel handler every freshly allocated PPTR slot is seeded with.
func NewCache(capacity int, pageShift uint, icEntriesPerPage int, toBeTranslated ICFunc) (*Cache, error) {
	arena, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("dyntrans: mmap translation cache arena (%d bytes): %w", capacity, err)
	}
	c := &Cache{
		arena:            arena,
		capacity:         capacity,
		pageShift:        pageShift,
		icEntriesPerPage: icEntriesPerPage,
		toBeTranslated:   toBeTranslated,
	}
	c.resetLocked()
	return c, nil
}

// Close releases the mmap'd arena. Safe to call once during machine
// teardown; the engine has no other persisted state to flush.
func (c *Cache) Close() error {
	if c.arena == nil {
		return nil
	}
	err := unix.Munmap(c.arena)
	c.arena = nil
	return err
}

func (c *Cache) pptrByteCost() int {
	return c.icEntriesPerPage * bytesPerIC
}

// resetLocked zeroes the hash heads, which is sufficient to invalidate
// everything because PPTRs are only ever reached via those heads. Orphaned
// PPTRs still referenced by a per-CPU TLB's PhysPage fast path remain
// valid — they are simply no longer discoverable by PCToPointers's
// hash-chain walk, and will be garbage-collected once every TLB
// referencing them evicts or invalidates that entry.
func (c *Cache) resetLocked() {
	for i := range c.heads {
		c.heads[i] = nil
	}
	c.curOfs = 0
	_ = unix.Madvise(c.arena, unix.MADV_DONTNEED)
}

// Reset forces a full TC reset, also used by invalidate-all. Safe to call
// from PCToPointers or ToBeTranslated only: never from an arbitrary IC
// handler, since a batch already in flight must return and re-enter
// PCToPointers before any stale CurICPage is dereferenced.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func bucketFor(physAddr uint64, pageShift uint) int {
	return int((physAddr >> pageShift) & (hashBuckets - 1))
}

// lookupLocked walks the hash chain for physAddr.
func (c *Cache) lookupLocked(physAddr uint64) *PPTR {
	for p := c.heads[bucketFor(physAddr, c.pageShift)]; p != nil; p = p.Next {
		if p.PhysAddr == physAddr {
			return p
		}
	}
	return nil
}

// Lookup finds the PPTR for a page-aligned physical address, or nil.
func (c *Cache) Lookup(physAddr uint64) *PPTR {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(physAddr)
}

// AllocateDefaultPage reserves budget for one PPTR, fills every IC slot
// with the ToBeTranslated sentinel, and chains the new PPTR onto the head
// of its hash bucket. If the cache is full, the entire arena is reset
// first.
func (c *Cache) AllocateDefaultPage(physAddr uint64) *PPTR {
	c.mu.Lock()
	defer c.mu.Unlock()

	cost := c.pptrByteCost()
	if c.curOfs+cost >= c.capacity {
		c.resetLocked()
	}

	ics := make([]IC, c.icEntriesPerPage)
	for i := range ics {
		ics[i] = IC{F: c.toBeTranslated}
	}

	p := &PPTR{PhysAddr: physAddr, ICs: ics}

	bucket := bucketFor(physAddr, c.pageShift)
	p.Next = c.heads[bucket]
	c.heads[bucket] = p

	// Align up to a 64-byte boundary; keeps the budget accounting
	// conservative.
	c.curOfs = (c.curOfs + cost + 63) &^ 63

	return p
}

// Unlink removes p from its hash bucket — the "drop PPTR on first write"
// invalidation strategy; the alternative of rewriting every IC slot back to
// ToBeTranslated is equally valid but not implemented here.
func (c *Cache) Unlink(p *PPTR) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := bucketFor(p.PhysAddr, c.pageShift)
	head := c.heads[bucket]
	if head == p {
		c.heads[bucket] = p.Next
		return
	}
	for cur := head; cur != nil; cur = cur.Next {
		if cur.Next == p {
			cur.Next = p.Next
			return
		}
	}
}

// ICEntriesPerPage returns the configured number of IC slots per page.
func (c *Cache) ICEntriesPerPage() int { return c.icEntriesPerPage }
