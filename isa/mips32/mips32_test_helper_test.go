package mips32

import (
	"testing"

	"github.com/dyntrans/engine/combiner"
	"github.com/dyntrans/engine/device"
	"github.com/dyntrans/engine/dyntrans"
	"github.com/dyntrans/engine/memory"
)

// newTestCPU wires a full dyntrans.CPU around a fresh mips32.Arch, so tests
// can either call op* handlers directly or drive real fetch-decode-execute
// through dyntrans.RunBatch against encoded instruction words.
func newTestCPU(t *testing.T, m *combiner.Matcher) (*dyntrans.CPU, *Arch) {
	t.Helper()
	arch := New(m)
	if m != nil {
		arch.SpeedTricks = true
	}

	tc, err := dyntrans.NewCache(1<<20, arch.PageShift(), 1<<(arch.PageShift()-arch.InstrShift()),
		dyntrans.ToBeTranslatedSentinel)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { tc.Close() })

	tlb := dyntrans.NewTLB(32, arch.PageShift(), 64, 1<<20)
	mem := memory.New(1<<24, 16)
	bus := device.New()

	return dyntrans.NewCPU(0, arch, tc, tlb, mem, bus), arch
}

func encodeR(opcode, rs, rt, rd, shamt, funct uint32) uint32 {
	return opcode<<26 | rs<<21 | rt<<16 | rd<<11 | shamt<<6 | funct
}

func encodeI(opcode, rs, rt uint32, imm int16) uint32 {
	return opcode<<26 | rs<<21 | rt<<16 | uint32(uint16(imm))
}

func encodeJ(opcode, target uint32) uint32 {
	return opcode<<26 | (target & 0x03FFFFFF)
}

// storeWord writes a big-endian instruction word to guest physical memory
// (this demo's TranslateAddress treats kuseg addresses as already physical).
func storeWord(c *dyntrans.CPU, addr uint32, word uint32) {
	var buf [4]byte
	byteOrder().PutUint32(buf[:], word)
	dyntrans.MemoryRW(c, uint64(addr), buf[:], dyntrans.RWWrite, dyntrans.AccessPhysical)
}
