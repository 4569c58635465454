package ebpf

import "encoding/binary"

// Instruction is the fixed 64-bit little-endian eBPF instruction record
// (spec §3.1): op:u8, regs:u8 (dst low nibble, src high nibble), off:s16,
// imm:s32.
type Instruction struct {
	Op     uint8
	DstReg uint8
	SrcReg uint8
	Off    int16
	Imm    int32
}

// Encode packs the instruction into its 8-byte little-endian wire form.
func (in Instruction) Encode() [8]byte {
	var buf [8]byte
	buf[0] = in.Op
	buf[1] = (in.DstReg & 0x0f) | (in.SrcReg << 4)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(in.Off))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(in.Imm))
	return buf
}

// Decode unpacks an 8-byte wire-form slot into its fields. It does not
// interpret class/mode/size; that is the caller's job.
func Decode(b []byte) Instruction {
	return Instruction{
		Op:     b[0],
		DstReg: b[1] & 0x0f,
		SrcReg: b[1] >> 4,
		Off:    int16(binary.LittleEndian.Uint16(b[2:4])),
		Imm:    int32(binary.LittleEndian.Uint32(b[4:8])),
	}
}

// WideImmLow builds the first slot of a 64-bit immediate load (LD_IMM64):
// the low 32 bits of imm in the normal imm field.
func WideImmLow(op uint8, dstReg uint8, imm64 uint64) Instruction {
	return Instruction{Op: op, DstReg: dstReg, Imm: int32(uint32(imm64))}
}

// WideImmHigh builds the second slot of a 64-bit immediate load: op, regs,
// and off are all zero; imm carries the high 32 bits.
func WideImmHigh(imm64 uint64) Instruction {
	return Instruction{Imm: int32(uint32(imm64 >> 32))}
}
