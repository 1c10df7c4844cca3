// Command dyntransdemo assembles one complete dyntrans machine — a mips32
// CPU, its translation cache and TLB, a device bus carrying a demo
// framebuffer and tick-driven audio device, and the outer scheduler — and
// runs it interactively, reading raw keystrokes from the host terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/dyntrans/engine/combiner"
	"github.com/dyntrans/engine/config"
	"github.com/dyntrans/engine/device"
	"github.com/dyntrans/engine/devices/audiotick"
	"github.com/dyntrans/engine/devices/framebuffer"
	"github.com/dyntrans/engine/dyntrans"
	"github.com/dyntrans/engine/enginelog"
	"github.com/dyntrans/engine/hostio"
	"github.com/dyntrans/engine/isa/mips32"
	"github.com/dyntrans/engine/memory"
	"github.com/dyntrans/engine/sched"
)

const (
	physMemSize   = 64 * 1024 * 1024
	fbBase        = 0x04000000
	fbWidth       = 320
	fbHeight      = 240
	audioBase     = 0x05000000
	loadAddr      = 0x80000000
)

func main() {
	imagePath := flag.String("image", "", "raw mips32 big-endian binary to load at reset vector")
	verbose := flag.Bool("v", false, "enable info-level logging")
	flag.Parse()

	if *verbose {
		enginelog.SetLevel(enginelog.LevelInfo)
	}

	cfg := config.FromEnv(config.Default())

	mem := memory.New(physMemSize, cfg.BitsPerMemblock)
	bus := device.New()

	fb := framebuffer.New(fbBase, fbWidth, fbHeight)
	if err := bus.Register(fb.Entry()); err != nil {
		fatal(err)
	}

	tone := audiotick.New(audioBase, 44100)
	if err := bus.Register(tone.Entry()); err != nil {
		fatal(err)
	}

	matcher := combiner.NewMatcher()
	if cfg.SpeedTricks {
		if err := combiner.LoadBuiltinPatterns(matcher); err != nil {
			fatal(err)
		}
	}

	arch := mips32.New(matcher)
	arch.SpeedTricks = cfg.SpeedTricks

	tc, err := dyntrans.NewCache(cfg.CacheSize, cfg.PageShift,
		(1<<cfg.PageShift)>>arch.InstrShift(),
		dyntrans.ToBeTranslatedSentinel)
	if err != nil {
		fatal(err)
	}
	defer tc.Close()

	tlb := dyntrans.NewTLB(32, cfg.PageShift, 4096, uint64(physMemSize)>>cfg.PageShift)

	cpu0 := dyntrans.NewCPU(0, arch, tc, tlb, mem, bus)
	cpu0.PC = loadAddr

	if *imagePath != "" {
		if err := loadImage(mem, *imagePath, loadAddr); err != nil {
			fatal(err)
		}
	}

	if err := fb.Start(); err != nil {
		enginelog.Warnf("dyntransdemo", "framebuffer start: %v", err)
	}
	defer fb.Stop()
	tone.Start()
	defer tone.Stop()

	host := hostio.New(nil, cpu0)
	host.Start()
	defer host.Stop()

	ticks := []*sched.TickSource{
		{Name: "audiotick", IPC: 1000, ResetValue: 1000, Fire: tone.Tick},
		{Name: "video-present", IPC: 1, ResetValue: int64(cfg.ChunkCycles), Fire: func() { _ = fb.Present() }},
	}

	s := sched.New([]*dyntrans.CPU{cpu0}, cfg.ChunkCycles, cfg.ICBatchSize, ticks, cfg.FlushEveryCycles, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := s.Run(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func loadImage(mem *memory.Space, path string, base uint64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("dyntransdemo: read image: %w", err)
	}
	paddr := uint32(base &^ 0xE0000000)
	for i, b := range data {
		mem.WriteByte(paddr+uint32(i), b)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "dyntransdemo:", err)
	os.Exit(1)
}
