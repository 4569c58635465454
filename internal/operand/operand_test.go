package operand

import (
	"testing"

	"github.com/xyproto/ebpfkit/internal/equate"
)

func TestParseRegister(t *testing.T) {
	eq := equate.NewTable()
	o, err := Parse("r3", eq)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.Kind != KindRegister || o.Reg != 3 {
		t.Fatalf("got %+v, want register 3", o)
	}
}

func TestParseFramePointer(t *testing.T) {
	eq := equate.NewTable()
	o, err := Parse("fp", eq)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.Kind != KindRegister || o.Reg != 10 {
		t.Fatalf("got %+v, want register 10", o)
	}
}

func TestParseImmediateBases(t *testing.T) {
	eq := equate.NewTable()
	cases := map[string]int64{
		"0x10": 16,
		"010":  8,
		"10":   10,
		"-5":   -5,
	}
	for tok, want := range cases {
		o, err := Parse(tok, eq)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tok, err)
		}
		if o.Kind != KindImmediate || o.Imm != want {
			t.Fatalf("Parse(%q) = %+v, want imm %d", tok, o, want)
		}
	}
}

func TestParseEquateReference(t *testing.T) {
	eq := equate.NewTable()
	_ = eq.Define("SIZE", 4096)
	o, err := Parse("SIZE", eq)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.Kind != KindImmediate || o.Imm != 4096 {
		t.Fatalf("a bound equate should parse as its immediate value, got %+v", o)
	}
	v, ok := ParseConstant("SIZE", eq)
	if !ok || v != 4096 {
		t.Fatalf("ParseConstant(SIZE) = %d, %v, want 4096, true", v, ok)
	}
}

func TestParseLabel(t *testing.T) {
	eq := equate.NewTable()
	o, err := Parse("loop_start", eq)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.Kind != KindLabel || o.Label != "loop_start" {
		t.Fatalf("got %+v, want label loop_start", o)
	}
}

func TestParseIndirectBaseDisp(t *testing.T) {
	eq := equate.NewTable()
	o, err := Parse("[r1+8]", eq)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.Kind != KindIndirect || !o.HasBase || o.Reg != 1 || !o.HasDisp || o.Imm != 8 {
		t.Fatalf("got %+v, want indirect r1+8", o)
	}
}

func TestParseIndirectNegativeDisp(t *testing.T) {
	eq := equate.NewTable()
	o, err := Parse("[r1-4]", eq)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !o.HasDisp || o.Imm != -4 {
		t.Fatalf("got %+v, want disp -4", o)
	}
}

func TestParseIndirectBareImmediate(t *testing.T) {
	eq := equate.NewTable()
	o, err := Parse("[0x10]", eq)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.Kind != KindIndirect || o.HasBase || o.Imm != 0x10 {
		t.Fatalf("got %+v, want bare-immediate indirect 0x10", o)
	}
}

func TestParseSizedOperand(t *testing.T) {
	eq := equate.NewTable()
	o, err := Parse("r2.b", eq)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.Kind != KindRegister || o.Size != SizeByte {
		t.Fatalf("got %+v, want register sized byte", o)
	}
}

func TestParseSizeOnNonRegisterRejected(t *testing.T) {
	eq := equate.NewTable()
	if _, err := Parse("10.b", eq); err == nil {
		t.Fatal("a size suffix on an immediate should be rejected")
	}
}

func TestParseBadRegisterRejected(t *testing.T) {
	eq := equate.NewTable()
	if _, err := Parse("r11", eq); err == nil {
		t.Fatal("r11 is out of range and should be rejected")
	}
}

func TestParseUnterminatedIndirect(t *testing.T) {
	eq := equate.NewTable()
	if _, err := Parse("[r1+8", eq); err == nil {
		t.Fatal("an unterminated indirect operand should be rejected")
	}
}

func TestParseJumpOffsetRejectsBareNumber(t *testing.T) {
	eq := equate.NewTable()
	if _, err := ParseJumpOffset("4", eq); err == nil {
		t.Fatal("a bare unsigned literal jump offset should be rejected")
	}
	if o, err := ParseJumpOffset("+4", eq); err != nil || o.Kind != KindImmediate {
		t.Fatalf("ParseJumpOffset(+4) = %+v, %v", o, err)
	}
	if o, err := ParseJumpOffset("target", eq); err != nil || o.Kind != KindLabel {
		t.Fatalf("ParseJumpOffset(target) = %+v, %v", o, err)
	}
}

func TestParseUnsignedLiteral(t *testing.T) {
	eq := equate.NewTable()
	v, ok := ParseUnsignedLiteral("0xffffffffffffffff", eq)
	if !ok || v != 0xffffffffffffffff {
		t.Fatalf("ParseUnsignedLiteral = %d, %v, want max u64", v, ok)
	}
	if _, ok := ParseUnsignedLiteral("-1", eq); ok {
		t.Fatal("a leading '-' should be rejected for an unsigned literal")
	}
}
