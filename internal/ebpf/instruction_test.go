package ebpf

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Instruction{Op: CallOpcodeByte, SrcReg: PseudoCallSrcReg, DstReg: 3, Off: -7, Imm: 12345}
	enc := in.Encode()
	got := Decode(enc[:])
	if got != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, in)
	}
}

func TestEncodeRegsNibbles(t *testing.T) {
	in := Instruction{DstReg: 0xa, SrcReg: 0x5}
	enc := in.Encode()
	if enc[1] != 0x5a {
		t.Fatalf("regs byte = %#x, want 0x5a", enc[1])
	}
}

func TestEncodeNegativeOff(t *testing.T) {
	in := Instruction{Off: -1}
	enc := in.Encode()
	if enc[2] != 0xff || enc[3] != 0xff {
		t.Fatalf("off bytes = %#x %#x, want 0xff 0xff", enc[2], enc[3])
	}
}

func TestWideImm(t *testing.T) {
	const val = uint64(0x1122334455667788)
	low := WideImmLow(LdClass|ImmMode|DWSize, 2, val)
	high := WideImmHigh(val)

	if uint32(low.Imm) != 0x55667788 {
		t.Fatalf("low imm = %#x, want 0x55667788", uint32(low.Imm))
	}
	if uint32(high.Imm) != 0x11223344 {
		t.Fatalf("high imm = %#x, want 0x11223344", uint32(high.Imm))
	}
	if high.Op != 0 || high.DstReg != 0 || high.Off != 0 {
		t.Fatalf("high slot should be all zero besides imm, got %+v", high)
	}
}

func TestCallOpcodeByte(t *testing.T) {
	if CallOpcodeByte != 0x85 {
		t.Fatalf("CallOpcodeByte = %#x, want 0x85", CallOpcodeByte)
	}
}
