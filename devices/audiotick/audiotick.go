// Package audiotick implements a demo MMIO device driven by the outer
// scheduler's tick source: writes to its single control register arm a
// square-wave tone that oto pulls through Read, and the scheduler's
// per-round tick callback (sched.TickSource.Fire) calls Tick, which only
// logs. It exists to exercise the dyntrans-danger device dispatch path
// against a device that is deliberately NOT EmulatedRAM, and the
// tick/IRQ-ish firing path end to end — not as a real sound chip model.
//
// Reworked from a chip-agnostic player pulling samples out of a ring
// buffer into a self-contained device that both is the "chip" and drives
// the player.
package audiotick

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"

	"github.com/dyntrans/engine/device"
	"github.com/dyntrans/engine/enginelog"
)

const (
	// RegControl: bit 0 = enable, bits 8-31 = period in samples (1/freq).
	RegControl = 0x00
	// RegVolume: 0-255 linear volume.
	RegVolume = 0x04
	regSpan   = 0x08
)

// Device is the guest-visible register block plus the oto playback state.
type Device struct {
	Base uint64

	mu      sync.Mutex
	enabled bool
	period  uint32
	volume  byte
	phase   uint32

	sampleRate int
	ctx        *oto.Context
	player     *oto.Player
	started    atomic.Bool
}

// New creates a tick-driven tone device mapped at base, opening an oto
// context at sampleRate. If oto setup fails (no audio backend available,
// e.g. under CI), the device still accepts register writes but Start is a
// no-op.
func New(base uint64, sampleRate int) *Device {
	d := &Device{Base: base, sampleRate: sampleRate, volume: 128}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   0,
	})
	if err != nil {
		enginelog.Warnf("audiotick", "oto context unavailable: %v", err)
		return d
	}
	<-ready
	d.ctx = ctx
	d.player = ctx.NewPlayer(d)
	return d
}

// Entry returns the device.Entry to register on a bus. Deliberately not
// DyntransOK: this device has side effects on every write (it shapes the
// next tick's waveform) and must never be given a fast RAM-style path.
func (d *Device) Entry() *device.Entry {
	return &device.Entry{
		Base:  d.Base,
		End:   d.Base + regSpan,
		Name:  "audiotick",
		Flags: 0,
		Fn:    d.access,
	}
}

// Start begins playback, if an oto player was successfully created.
func (d *Device) Start() {
	if d.player == nil || d.started.Load() {
		return
	}
	d.player.Play()
	d.started.Store(true)
}

// Stop halts playback.
func (d *Device) Stop() {
	if d.player == nil || !d.started.Load() {
		return
	}
	d.player.Close()
	d.started.Store(false)
}

func (d *Device) access(offset uint64, data []byte, write bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case RegControl:
		if len(data) != 4 {
			return false
		}
		if write {
			v := le32(data)
			d.enabled = v&1 != 0
			d.period = v >> 8
		} else {
			putLE32(data, boolBit(d.enabled)|d.period<<8)
		}
	case RegVolume:
		if len(data) != 1 {
			return false
		}
		if write {
			d.volume = data[0]
		} else {
			data[0] = d.volume
		}
	default:
		return false
	}
	return true
}

// Tick is called from sched.TickSource.Fire once per fired tick interval:
// it is where a real chip would raise an interrupt. This demo has no CPU
// interrupt line wired, so Tick only logs at debug level, giving the
// scheduler wiring something observable.
func (d *Device) Tick() {
	enginelog.Debugf("audiotick", "tick fired")
}

// Read implements io.Reader for oto.NewPlayer: synthesizes the next chunk of
// a square wave from the current enabled/period/volume state directly into
// the host audio buffer.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(p) / 4
	samples := make([]float32, n)
	if d.enabled && d.period > 0 {
		half := d.period / 2
		amp := float32(d.volume) / 255
		for i := 0; i < n; i++ {
			if d.phase < half {
				samples[i] = amp
			} else {
				samples[i] = -amp
			}
			d.phase = (d.phase + 1) % d.period
		}
	}
	for i, s := range samples {
		putF32(p[i*4:], s)
	}
	return len(p), nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func putF32(b []byte, f float32) {
	putLE32(b, math.Float32bits(f))
}
