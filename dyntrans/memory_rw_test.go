package dyntrans

import (
	"testing"

	"github.com/dyntrans/engine/device"
	"github.com/dyntrans/engine/memory"
)

func newTestCPU(t *testing.T) *CPU {
	t.Helper()
	arch := newFakeArch()
	tc, err := NewCache(1<<20, arch.PageShift(), 1<<(arch.PageShift()-arch.InstrShift()), ToBeTranslatedSentinel)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { tc.Close() })
	tlb := NewTLB(32, 12, 64, 1<<20)
	mem := memory.New(1<<24, 16)
	bus := device.New()
	return NewCPU(0, arch, tc, tlb, mem, bus)
}

func TestMemoryRWSinglePageRoundTrip(t *testing.T) {
	c := newTestCPU(t)
	want := []byte{1, 2, 3, 4}

	if !MemoryRW(c, 0x1000, want, RWWrite, 0) {
		t.Fatal("write failed")
	}
	got := make([]byte, 4)
	if !MemoryRW(c, 0x1000, got, RWRead, 0) {
		t.Fatal("read failed")
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMemoryRWReadBeyondPhysicalMaxReturnsZero(t *testing.T) {
	c := newTestCPU(t)
	buf := []byte{0xFF}
	if !MemoryRW(c, uint64(c.Mem.PhysicalMax())+0x1000, buf, RWRead, 0) {
		t.Fatal("expected out-of-range read to succeed with zero-fill")
	}
	if buf[0] != 0 {
		t.Fatalf("got %#x, want 0", buf[0])
	}
}

func TestMemoryRWTranslateFailureReturnsFalse(t *testing.T) {
	c := newTestCPU(t)
	c.Arch.(*fakeArch).failAt = 0x2000
	buf := []byte{0}
	if MemoryRW(c, 0x2000, buf, RWRead, 0) {
		t.Fatal("expected translation failure to propagate as false")
	}
}

func TestMemoryRWCrossPageSplitsPerByte(t *testing.T) {
	c := newTestCPU(t)
	pageSize := uint64(1) << c.PageShift()
	// Straddle the boundary between page N and N+1.
	vaddr := pageSize - 2
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	if !MemoryRW(c, vaddr, data, RWWrite, 0) {
		t.Fatal("cross-page write failed")
	}
	got := make([]byte, len(data))
	if !MemoryRW(c, vaddr, got, RWRead, 0) {
		t.Fatal("cross-page read failed")
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, got[i], data[i])
		}
	}
}

func TestMemoryRWDeviceDispatch(t *testing.T) {
	c := newTestCPU(t)
	var seen uint64
	err := c.Bus.Register(&device.Entry{
		Base: 0x9000, End: 0x9010, Name: "probe",
		Fn: func(offset uint64, data []byte, write bool) bool {
			seen = offset
			if write {
				return true
			}
			data[0] = 0x42
			return true
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := make([]byte, 1)
	if !MemoryRW(c, 0x9004, buf, RWRead, 0) {
		t.Fatal("device read failed")
	}
	if seen != 4 {
		t.Fatalf("offset = %d, want 4", seen)
	}
	if buf[0] != 0x42 {
		t.Fatalf("got %#x, want 0x42", buf[0])
	}
}

func TestMemoryRWDeviceBusErrorRaisesOnWrite(t *testing.T) {
	c := newTestCPU(t)
	err := c.Bus.Register(&device.Entry{
		Base: 0xA000, End: 0xA004, Name: "strict",
		Fn: func(offset uint64, data []byte, write bool) bool { return false },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := []byte{1}
	if MemoryRW(c, 0xA000, buf, RWWrite, 0) {
		t.Fatal("expected bus error to fail the access")
	}
	if c.RunningTranslated {
		t.Fatal("expected bus error to stop the translated run")
	}
}

func TestMemoryRWDeviceBusErrorSuppressedByAccessNoExceptions(t *testing.T) {
	c := newTestCPU(t)
	err := c.Bus.Register(&device.Entry{
		Base: 0xB000, End: 0xB004, Name: "strict",
		Fn: func(offset uint64, data []byte, write bool) bool { return false },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := []byte{1}
	if MemoryRW(c, 0xB000, buf, RWWrite, AccessNoExceptions) {
		t.Fatal("expected the access to still report failure even with AccessNoExceptions")
	}
	if !c.RunningTranslated {
		t.Fatal("AccessNoExceptions must not stop the translated run")
	}
}

type fakePager struct {
	pages map[uint64][]byte
}

func (p *fakePager) HostPage(offset uint64) []byte {
	pageBase := offset &^ 0xFFF
	page, ok := p.pages[pageBase]
	if !ok {
		page = make([]byte, 4096)
		p.pages[pageBase] = page
	}
	return page
}

func TestMemoryRWEmulatedRAMInstallsFastPath(t *testing.T) {
	c := newTestCPU(t)
	pager := &fakePager{pages: map[uint64][]byte{}}
	err := c.Bus.Register(&device.Entry{
		Base: 0xC000, End: 0xC000 + 4096, Name: "fb",
		Flags: device.DyntransOK | device.DyntransWriteOK | device.EmulatedRAM,
		Pager: pager,
		Fn: func(offset uint64, data []byte, write bool) bool {
			page := pager.HostPage(offset)
			if write {
				copy(page[offset:], data)
			} else {
				copy(data, page[offset:])
			}
			return true
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := []byte{7}
	if !MemoryRW(c, 0xC010, buf, RWWrite, 0) {
		t.Fatal("write failed")
	}

	pagenr := c.TLB.pageNr(0xC010)
	if c.TLB.HostStore[pagenr] == nil {
		t.Fatal("expected DyntransWriteOK device to install a writable fast path")
	}
}

func TestMemoryRWWriteInvalidatesCodeTranslation(t *testing.T) {
	c := newTestCPU(t)
	p := c.TC.AllocateDefaultPage(0x1000)
	c.TLB.NoteCodeTranslation(0x1000)
	c.TLB.SetCodePage(0x1000, p)

	buf := []byte{1}
	if !MemoryRW(c, 0x1000, buf, RWWrite, 0) {
		t.Fatal("write failed")
	}
	if c.TC.Lookup(0x1000) != nil {
		t.Fatal("expected a RAM write to invalidate the code translation for its page")
	}
}
