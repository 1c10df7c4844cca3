// Package framebuffer implements a demo EmulatedRAM device
// (DyntransOK|DyntransWriteOK|EmulatedRAM flags): a guest physical range backed directly by
// host memory that an ebiten window blits every frame. It exists to
// exercise the device-RAM alias case and the dyntrans-danger rule end to
// end, not as a real display controller model.
//
// Reworked from a VideoOutput abstraction that copies frames on demand
// into a device that exposes its pixel buffer as the live host backing
// store dyntrans itself reads and writes through.
package framebuffer

import (
	"fmt"
	"sync"

	"github.com/dyntrans/engine/device"
)

// Device is a width*height*4 RGBA framebuffer mapped at Base in guest
// physical memory. Guest writes through the dyntrans fast path land directly
// in pixels; Dispatch is only reached for the first access to each page
// before the fast path is installed, or after an invalidation.
type Device struct {
	mu     sync.RWMutex
	Base   uint64
	width  int
	height int
	pixels []byte

	window windowOutput
}

// windowOutput is the host display backend; swapped for a no-op under the
// headless build tag.
type windowOutput interface {
	Start() error
	Stop() error
	Present(pixels []byte, width, height int) error
}

// New creates a framebuffer device of width x height RGBA pixels, mapped
// starting at base. Register it on a device.Bus with DyntransOK|EmulatedRAM
// (and DyntransWriteOK, since the guest draws into it).
func New(base uint64, width, height int) *Device {
	return &Device{
		Base:   base,
		width:  width,
		height: height,
		pixels: make([]byte, width*height*4),
		window: newWindowOutput(width, height),
	}
}

// Entry returns the device.Entry to register on a bus.
func (d *Device) Entry() *device.Entry {
	return &device.Entry{
		Base:  d.Base,
		End:   d.Base + uint64(len(d.pixels)),
		Name:  "framebuffer",
		Flags: device.DyntransOK | device.DyntransWriteOK | device.EmulatedRAM,
		Fn:    d.access,
		Pager: d,
	}
}

// Start opens the host window, if any (a no-op under the headless backend).
func (d *Device) Start() error { return d.window.Start() }

// Stop closes the host window.
func (d *Device) Stop() error { return d.window.Stop() }

// Present blits the current pixel buffer to the host window. Call
// periodically from the scheduler's end-of-chunk hook; the pixel buffer
// itself is already live (dyntrans writes straight into it), so Present is
// purely a "push this to the screen" step, not a data copy from the guest.
func (d *Device) Present() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.window.Present(d.pixels, d.width, d.height)
}

// access implements device.Callback for the slow path: direct reads/writes
// before the fast path is installed, and any access wider than the TLB page
// granularity the caller didn't route through HostPage.
func (d *Device) access(offset uint64, data []byte, write bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset >= uint64(len(d.pixels)) || offset+uint64(len(data)) > uint64(len(d.pixels)) {
		return false
	}
	if write {
		copy(d.pixels[offset:], data)
	} else {
		copy(data, d.pixels[offset:])
	}
	return true
}

// HostPage implements device.HostPager: dyntrans splices this slice
// straight into a CPU's TLB so guest stores land in d.pixels without
// another callback round-trip.
func (d *Device) HostPage(offset uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	const pageSize = 4096
	pageBase := offset &^ (pageSize - 1)
	if pageBase >= uint64(len(d.pixels)) {
		return nil
	}
	end := pageBase + pageSize
	if end > uint64(len(d.pixels)) {
		end = uint64(len(d.pixels))
	}
	return d.pixels[pageBase:end]
}

// Dims reports the framebuffer's pixel dimensions.
func (d *Device) Dims() (width, height int) { return d.width, d.height }

func (d *Device) String() string {
	return fmt.Sprintf("framebuffer[%dx%d]@%#x", d.width, d.height, d.Base)
}
