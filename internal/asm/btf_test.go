package asm

import (
	"testing"

	"github.com/xyproto/ebpfkit/internal/asmfile"
)

func TestBTFSectionAssemblesAndSerializes(t *testing.T) {
	a := assemble(t, `
.text
.section .BTF
myint: int signed 32
`, true)
	var bs *btfSection
	for _, sec := range a.Sections() {
		if b, ok := sec.(*btfSection); ok {
			bs = b
		}
	}
	if bs == nil {
		t.Fatal("no .BTF section found")
	}
	if len(bs.Bytes()) == 0 {
		t.Fatal(".BTF section serialized to no bytes")
	}
	if len(bs.builder.Types()) != 2 { // void sentinel + myint
		t.Fatalf("got %d types, want 2", len(bs.builder.Types()))
	}
}

func TestBTFSectionLineWithoutNameRejected(t *testing.T) {
	bs := newBTFSection(".BTF", nil)
	if err := bs.Ingest(asmfile.Line{Text: "int signed 32"}); err == nil {
		t.Fatal("a BTF line without a preceding label should be rejected")
	}
}
