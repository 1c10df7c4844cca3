// Package device implements the device bus: a sorted table of physical
// address ranges, each with a callback and a set of flags controlling how
// the dyntrans engine is allowed to treat it.
//
// The table is a sorted slice with binary search plus a last-hit cache,
// rather than a map keyed by page-masked base address, because the bus
// must also answer "does this page overlap any device" — a question a
// page-keyed map cannot answer for a device narrower than a page.
package device

import (
	"fmt"
	"sort"
)

// Flag bits controlling dyntrans's relationship with a device.
type Flag uint32

const (
	// DyntransOK marks a device safe to install a fast TLB path for.
	DyntransOK Flag = 1 << iota
	// DyntransWriteOK allows the installed fast path to be writable.
	DyntransWriteOK
	// EmulatedRAM marks a device that stores into host-allocated RAM that
	// dyntrans should route directly to rather than always calling back.
	EmulatedRAM
	// ReadsHaveNoSideEffects allows speculative reads (debugger probes).
	ReadsHaveNoSideEffects
)

// Callback is the device access function. A zero return from a write/read
// means bus error.
type Callback func(offset uint64, data []byte, write bool) (ok bool)

// HostPager is implemented by EmulatedRAM devices (e.g. devices/framebuffer)
// that back their range with host memory the dyntrans engine can install
// directly into a CPU's TLB instead of always routing through Fn. offset is
// relative to the device's own Base.
type HostPager interface {
	HostPage(offset uint64) []byte
}

// Entry describes one mapped device range.
type Entry struct {
	Base, End uint64 // [Base, End)
	Name      string
	Flags     Flag
	Fn        Callback
	// Pager is set by EmulatedRAM devices to expose their host-backing
	// page for the dyntrans fast path. nil for ordinary callback-only
	// devices.
	Pager HostPager
}

func (e *Entry) contains(addr uint64) bool { return addr >= e.Base && addr < e.End }

func (e *Entry) overlapsRange(lo, hi uint64) bool { return lo < e.End && hi > e.Base }

// Bus is the sorted device table plus a 1-hit last-accessed cache.
type Bus struct {
	entries    []*Entry
	lastHit    *Entry
}

// New creates an empty device bus.
func New() *Bus { return &Bus{} }

// Register adds a device range. Overlap with an existing registration is a
// programming error (two peripherals claiming the same bytes) and returns
// an error rather than silently shadowing one device with another.
func (b *Bus) Register(e *Entry) error {
	for _, existing := range b.entries {
		if existing.overlapsRange(e.Base, e.End) {
			return fmt.Errorf("device: %q [%#x,%#x) overlaps %q [%#x,%#x)",
				e.Name, e.Base, e.End, existing.Name, existing.Base, existing.End)
		}
	}
	b.entries = append(b.entries, e)
	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].Base < b.entries[j].Base })
	return nil
}

// Lookup finds the device covering addr, starting from the last-accessed
// device (1-hit cache) before falling back to binary search.
func (b *Bus) Lookup(addr uint64) *Entry {
	if b.lastHit != nil && b.lastHit.contains(addr) {
		return b.lastHit
	}
	entries := b.entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].End > addr })
	if i < len(entries) && entries[i].contains(addr) {
		b.lastHit = entries[i]
		return entries[i]
	}
	return nil
}

// PageOverlapsAnyDevice implements the dyntrans-danger rule: if the paddr
// or any byte in its page lies inside a device range, the memory access
// path must not install that page into the fast TLB. pageBase and
// pageSize describe the guest physical page being considered.
func (b *Bus) PageOverlapsAnyDevice(pageBase, pageSize uint64) bool {
	pageEnd := pageBase + pageSize
	// A cheap path via the cache first, then a full scan: containment of
	// the accessed page must be checked against every device, not just a
	// point lookup, since a device can be narrower than a page and land
	// entirely inside it without covering pageBase itself.
	if b.lastHit != nil && b.lastHit.overlapsRange(pageBase, pageEnd) {
		return true
	}
	for _, e := range b.entries {
		if e.overlapsRange(pageBase, pageEnd) {
			return true
		}
	}
	return false
}

// Dispatch invokes the device callback at addr, translating to an
// offset-within-device. Returns (handled, ok): handled is false if no
// device covers addr (caller should fall through to RAM), ok is false on
// bus error.
func (b *Bus) Dispatch(addr uint64, data []byte, write bool) (handled, ok bool) {
	e := b.Lookup(addr)
	if e == nil {
		return false, false
	}
	ok = e.Fn(addr-e.Base, data, write)
	return true, ok
}

// Entries returns the registered devices in base-address order, for
// introspection and tests.
func (b *Bus) Entries() []*Entry {
	out := make([]*Entry, len(b.entries))
	copy(out, b.entries)
	return out
}
