package sched

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/dyntrans/engine/device"
	"github.com/dyntrans/engine/dyntrans"
	"github.com/dyntrans/engine/memory"
)

// fakeArch is a minimal flat-mapped Arch stand-in, the same shape as the one
// the dyntrans package's own tests use to exercise engine plumbing without a
// real ISA decoder. Its handler advances PC by one fixed-width instruction
// and, once stopAfter instructions have run, clears CPU.Running so a
// Scheduler round-robinning over several of these converges.
type fakeArch struct {
	pageShift  uint
	instrShift uint
	stopAfter  int
	executed   int
}

func (a *fakeArch) TranslateAddress(c *dyntrans.CPU, vaddr uint64, flags dyntrans.TranslateFlags) (uint64, bool) {
	return vaddr, true
}

func (a *fakeArch) ToBeTranslated(c *dyntrans.CPU, ic *dyntrans.IC) {
	ic.F = a.advance
}

func (a *fakeArch) advance(c *dyntrans.CPU, ic *dyntrans.IC) {
	a.executed++
	c.PC += 1 << a.instrShift
	if a.stopAfter > 0 && a.executed >= a.stopAfter {
		c.Running = false
	}
}

func (a *fakeArch) ByteOrder() binary.ByteOrder       { return binary.BigEndian }
func (a *fakeArch) PageShift() uint                   { return a.pageShift }
func (a *fakeArch) InstrShift() uint                  { return a.instrShift }
func (a *fakeArch) TickTimers(c *dyntrans.CPU, n int) {}

func newFakeCPU(t *testing.T, stopAfter int) (*dyntrans.CPU, *fakeArch) {
	t.Helper()
	arch := &fakeArch{pageShift: 12, instrShift: 2, stopAfter: stopAfter}

	tc, err := dyntrans.NewCache(1<<20, arch.pageShift, 1<<(arch.pageShift-arch.instrShift),
		dyntrans.ToBeTranslatedSentinel)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { tc.Close() })

	tlb := dyntrans.NewTLB(32, arch.pageShift, 64, 1<<20)
	mem := memory.New(1<<24, 16)
	bus := device.New()

	return dyntrans.NewCPU(0, arch, tc, tlb, mem, bus), arch
}

func TestEndOfRoundFiresTickAndReloadsOnUnderflow(t *testing.T) {
	fired := 0
	tick := &TickSource{IPC: 10, ResetValue: 3, Fire: func() { fired++ }}
	tick.ticksTillNext = 3

	s := &Scheduler{ticks: []*TickSource{tick}}
	s.cpu0Instrs.Store(35) // 35/10 = 3 ticks serviced, 3-3 = 0 -> fire

	s.endOfRound()

	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if tick.ticksTillNext != tick.ResetValue {
		t.Fatalf("ticksTillNext = %d, want reloaded to %d", tick.ticksTillNext, tick.ResetValue)
	}
}

func TestEndOfRoundDoesNotFireBeforeUnderflow(t *testing.T) {
	fired := 0
	tick := &TickSource{IPC: 10, ResetValue: 5, Fire: func() { fired++ }}
	tick.ticksTillNext = 5

	s := &Scheduler{ticks: []*TickSource{tick}}
	s.cpu0Instrs.Store(20) // 20/10 = 2 ticks serviced, 5-2 = 3, no fire

	s.endOfRound()

	if fired != 0 {
		t.Fatalf("fired = %d, want 0", fired)
	}
	if tick.ticksTillNext != 3 {
		t.Fatalf("ticksTillNext = %d, want 3", tick.ticksTillNext)
	}
}

func TestEndOfRoundSkipsNonPositiveIPC(t *testing.T) {
	fired := 0
	tick := &TickSource{IPC: 0, ResetValue: 1, Fire: func() { fired++ }}

	s := &Scheduler{ticks: []*TickSource{tick}}
	s.cpu0Instrs.Store(1000)

	s.endOfRound()

	if fired != 0 {
		t.Fatalf("fired = %d, want 0 (a non-positive IPC source must never fire)", fired)
	}
}

func TestEndOfRoundResetsCPU0InstrCounter(t *testing.T) {
	s := &Scheduler{}
	s.cpu0Instrs.Store(123)

	s.endOfRound()

	if v := s.cpu0Instrs.Load(); v != 0 {
		t.Fatalf("cpu0Instrs = %d, want 0 after endOfRound", v)
	}
}

func TestEndOfRoundFlushesAfterThreshold(t *testing.T) {
	flushed := 0
	s := &Scheduler{flushEveryCycles: 100, flush: func() { flushed++ }}
	s.cyclesRun.Store(150)

	s.endOfRound()

	if flushed != 1 {
		t.Fatalf("flushed = %d, want 1", flushed)
	}
	if v := s.cyclesRun.Load(); v != 0 {
		t.Fatalf("cyclesRun = %d, want reset to 0 after flushing", v)
	}
}

func TestEndOfRoundDoesNotFlushBeforeThreshold(t *testing.T) {
	flushed := 0
	s := &Scheduler{flushEveryCycles: 100, flush: func() { flushed++ }}
	s.cyclesRun.Store(50)

	s.endOfRound()

	if flushed != 0 {
		t.Fatalf("flushed = %d, want 0", flushed)
	}
	if v := s.cyclesRun.Load(); v != 50 {
		t.Fatalf("cyclesRun = %d, want unchanged at 50", v)
	}
}

func TestRunChunkReportsStoppedWhenCPUAlreadyNotRunning(t *testing.T) {
	cpu, _ := newFakeCPU(t, 0)
	cpu.Running = false

	s := New([]*dyntrans.CPU{cpu}, 10, 8, nil, 0, nil)

	if cont := s.runChunk(0); cont {
		t.Fatal("expected runChunk to report no CPU still running")
	}
}

func TestRunChunkAdvancesInstructionAndCycleCounters(t *testing.T) {
	cpu, _ := newFakeCPU(t, 0)
	cpu.PC = 0x1000

	s := New([]*dyntrans.CPU{cpu}, 5, 8, nil, 0, nil)

	if cont := s.runChunk(0); !cont {
		t.Fatal("expected the CPU to still be running after a bounded chunk")
	}
	if v := s.cpu0Instrs.Load(); v != 5 {
		t.Fatalf("cpu0Instrs = %d, want 5", v)
	}
	if v := s.cyclesRun.Load(); v != 5 {
		t.Fatalf("cyclesRun = %d, want 5", v)
	}
}

func TestRunWithNoCPUsReturnsImmediately(t *testing.T) {
	s := New(nil, 10, 8, nil, 0, nil)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestRunRoundRobinsUntilAllCPUsStop drives two CPUs with different stop
// points through a full Scheduler.Run and checks that round-robin handoff
// keeps both making progress until every CPU has stopped on its own, rather
// than the scheduler giving up after the first CPU to finish.
func TestRunRoundRobinsUntilAllCPUsStop(t *testing.T) {
	cpuA, archA := newFakeCPU(t, 6)
	cpuB, archB := newFakeCPU(t, 4)
	cpuA.PC = 0x1000
	cpuB.PC = 0x2000

	var fires int
	tick := &TickSource{IPC: 1, ResetValue: 1 << 30, Fire: func() { fires++ }}

	s := New([]*dyntrans.CPU{cpuA, cpuB}, 3, 8, []*TickSource{tick}, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if cpuA.Running || cpuB.Running {
		t.Fatal("expected both CPUs to have stopped")
	}
	if archA.executed < 6 {
		t.Fatalf("cpu A executed %d instructions, want at least 6", archA.executed)
	}
	if archB.executed < 4 {
		t.Fatalf("cpu B executed %d instructions, want at least 4", archB.executed)
	}
}
