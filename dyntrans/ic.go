// Package dyntrans implements the common dynamic-translation engine shared
// by every guest architecture: the translation cache, the per-CPU TLB and
// page pointer tables, the uniform instruction-call dispatch structure, and
// the execution loop that drives them. Individual ISA decoders are external
// collaborators that satisfy the Arch interface (cpu.go); device models and
// binary loading are likewise handled elsewhere and reach the engine only
// through the device.Bus and memory.Space contracts.
package dyntrans

// ArgKind tags what an IC's operand slot actually holds: ArgSlot is a tagged
// union whose Kind records which of its fields is valid for a given handler
// family. Handlers read the field they expect without checking Kind.
type ArgKind uint8

const (
	// ArgNone marks an unused slot.
	ArgNone ArgKind = iota
	// ArgReg holds a pointer into the guest register file.
	ArgReg
	// ArgImm holds a decoded immediate value.
	ArgImm
	// ArgIC holds a pointer to a sibling IC in the same PPTR, used for
	// samepage branch targets.
	ArgIC
	// ArgRaw holds an encoded instruction word or an instruction length,
	// for ISAs with variable-length encodings.
	ArgRaw
)

// ArgSlot is one operand of an instruction call record.
type ArgSlot struct {
	Kind ArgKind
	Reg  *uint64 // valid when Kind == ArgReg
	IC   *IC     // valid when Kind == ArgIC
	Val  uint64  // valid when Kind == ArgImm or ArgRaw
}

// RegArg builds an ArgSlot referencing a register file slot.
func RegArg(reg *uint64) ArgSlot { return ArgSlot{Kind: ArgReg, Reg: reg} }

// ImmArg builds an ArgSlot holding an immediate value.
func ImmArg(v uint64) ArgSlot { return ArgSlot{Kind: ArgImm, Val: v} }

// RawArg builds an ArgSlot holding a raw encoded word or length.
func RawArg(v uint64) ArgSlot { return ArgSlot{Kind: ArgRaw, Val: v} }

// ICArg builds an ArgSlot referencing a sibling IC (samepage branch target).
func ICArg(ic *IC) ArgSlot { return ArgSlot{Kind: ArgIC, IC: ic} }

// ICFunc is the direct-threaded handler signature: implementations must
// update CPU.NextIC if they change control flow, and must keep
// CurICPage/PCToICEntry(pc) consistent with NextIC at every function entry
// and after every control-flow IC.
type ICFunc func(cpu *CPU, ic *IC)

// IC is the uniform instruction call record every ISA decoder fills in. It
// is produced once per guest instruction by that ISA's ToBeTranslated and
// then called directly, by function pointer, for as long as the containing
// PPTR lives.
type IC struct {
	F   ICFunc
	Arg [3]ArgSlot
}

// Run invokes the handler. A nil IC never occurs in a well-formed PPTR —
// every slot is always at least the ToBeTranslated sentinel — so Run never
// guards against it; a panic here is a genuine programming error upstream.
func (ic *IC) Run(cpu *CPU) { ic.F(cpu, ic) }
