// Package ebpf holds the fixed bit-field layout of the eBPF instruction
// encoding: instruction classes, addressing modes, operand sizes, and the
// ALU/jump opcode subfields. Nothing here depends on the assembler, the
// linker, or the ELF model — it is pure ISA vocabulary.
package ebpf

// InstructionSize is a constant 8 for every eBPF instruction, wide-immediate
// loads occupying two consecutive slots.
const InstructionSize = 8

// Instruction classes occupy the low 3 bits of the opcode byte.
const (
	ClassMask = 0x07

	LdClass    = 0x00 // non-generic load
	LdXClass   = 0x01 // load from memory into a register
	StClass    = 0x02 // store an immediate to memory
	StXClass   = 0x03 // store a register to memory
	ALUClass   = 0x04 // 32-bit ALU
	JmpClass   = 0x05 // jump
	RetClass   = 0x06 // unused by eBPF; reserved
	ALU64Class = 0x07 // 64-bit ALU (classic BPF's MISC class code)
)

// Size subfield, bits 3-4 of LD/LDX/ST/STX opcodes.
const (
	SizeMask = 0x18

	DWSize = 0x18 // double word, 64 bit
	WSize  = 0x00 // word, 32 bit
	HSize  = 0x08 // half word, 16 bit
	BSize  = 0x10 // byte, 8 bit
)

// Mode subfield, bits 5-7 of LD/LDX/ST/STX opcodes.
const (
	ModeMask = 0xe0

	ImmMode  = 0x00 // immediate value, or first half of LD_IMM64
	AbsMode  = 0x20 // legacy packet access, absolute offset
	IndMode  = 0x40 // legacy packet access, indirect offset
	MemMode  = 0x60 // regular load/store
	XAddMode = 0xc0 // atomic add (eBPF only)
)

// Source subfield, bit 3 of ALU/ALU64/JMP opcodes: whether the second
// operand is an immediate or a register.
const (
	SrcMask = 0x08

	ImmSrc = 0x00
	RegSrc = 0x08
)

// ALU/ALU64 operator subfield, bits 4-7.
const (
	OpMask = 0xf0

	AddOp  = 0x00
	SubOp  = 0x10
	MulOp  = 0x20
	DivOp  = 0x30
	OrOp   = 0x40
	AndOp  = 0x50
	LShOp  = 0x60
	RShOp  = 0x70
	NegOp  = 0x80
	ModOp  = 0x90
	XOrOp  = 0xa0
	MovOp  = 0xb0
	ArShOp = 0xc0
	EndOp  = 0xd0 // byte-swap, eBPF only
)

// Endianness flag, carried in the source bit of an END instruction.
const (
	ToLE = 0x00
	ToBE = 0x08
)

// Jump operator subfield, bits 4-7, shares the numbering space with the ALU
// operators above but is only meaningful when Class is JmpClass.
const (
	JaOp   = 0x00
	JEqOp  = 0x10
	JGTOp  = 0x20
	JGEOp  = 0x30
	JSETOp = 0x40
	JNEOp  = 0x50
	JSGTOp = 0x60
	JSGEOp = 0x70
	CallOp = 0x80
	ExitOp = 0x90
	JLTOp  = 0xa0
	JLEOp  = 0xb0
	JSLTOp = 0xc0
	JSLEOp = 0xd0
)

// Relocation kinds recognised by the linker (§4.7, §6.2). Only R_BPF_64_64
// is produced or consumed.
const RelocBPF6464 = 1

// BPF_PSEUDO_CALL marks a CALL instruction whose target is a local label
// rather than an external helper; encoded in the source-register nibble.
const PseudoCallSrcReg = 1

// JMP|CALL opcode byte, the only opcode a relocation may legally apply to.
const CallOpcodeByte = JmpClass | ImmSrc | CallOp // 0x85

// MachineType is the ELF e_machine value for the BPF target.
const MachineType = 0xf7
