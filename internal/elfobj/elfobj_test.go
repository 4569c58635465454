package elfobj

import (
	"testing"

	"github.com/xyproto/ebpfkit/internal/ebpf"
)

func TestStrtabBuilderDedupAndSeed(t *testing.T) {
	b := NewStrtabBuilder()
	off1 := b.Add("foo")
	off2 := b.Add("bar")
	off3 := b.Add("foo")
	if off1 != off3 {
		t.Fatalf("Add(\"foo\") twice gave different offsets: %d vs %d", off1, off3)
	}
	if off1 == off2 {
		t.Fatalf("distinct strings got the same offset %d", off1)
	}
	got := DecodeStrtab(b.Bytes())
	want := []string{"foo", "bar"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("DecodeStrtab = %v, want %v", got, want)
	}
}

func TestStrtabBuilderSeedsEmptyStringAtZero(t *testing.T) {
	b := NewStrtabBuilder()
	if off := b.Add(""); off != 0 {
		t.Fatalf("Add(\"\") = %d, want 0", off)
	}
	if b.Bytes()[0] != 0 {
		t.Fatalf("strtab does not start with a NUL byte")
	}
}

func TestDecodeStrtabEmpty(t *testing.T) {
	if got := DecodeStrtab(nil); got != nil {
		t.Fatalf("DecodeStrtab(nil) = %v, want nil", got)
	}
}

func TestSymtabEncodeDecodeRoundTrip(t *testing.T) {
	strtab := NewStrtabBuilder()
	syms := []Sym{
		{Name: "", Info: 0, Shndx: 0, Value: 0, Size: 0},
		{Name: "my_map", Info: 0x10, Other: 0, Shndx: 3, Value: 0, Size: 8},
		{Name: "helper", Info: 0x12, Other: 0, Shndx: 1, Value: 16, Size: 0},
	}
	body := EncodeSymtab(syms, strtab.Add)
	if len(body) != len(syms)*24 {
		t.Fatalf("got %d bytes, want %d", len(body), len(syms)*24)
	}
	got, err := decodeSymtab(body, strtab.Bytes())
	if err != nil {
		t.Fatalf("decodeSymtab: %v", err)
	}
	if len(got) != len(syms) {
		t.Fatalf("got %d syms, want %d", len(got), len(syms))
	}
	for i, s := range syms {
		if got[i].Name != s.Name || got[i].Info != s.Info || got[i].Shndx != s.Shndx ||
			got[i].Value != s.Value || got[i].Size != s.Size {
			t.Fatalf("sym %d round-tripped as %+v, want %+v", i, got[i], s)
		}
	}
}

func TestDecodeSymtabRejectsMalformedSize(t *testing.T) {
	if _, err := decodeSymtab(make([]byte, 23), nil); err == nil {
		t.Fatal("a symtab body not a multiple of 24 bytes should be rejected")
	}
}

func TestRelEncodeDecodeRoundTrip(t *testing.T) {
	rels := []Rel{
		{Offset: 0, Type: RelocType, Sym: 1},
		{Offset: 16, Type: RelocType, Sym: 2},
	}
	body := EncodeRel(rels)
	if len(body) != len(rels)*16 {
		t.Fatalf("got %d bytes, want %d", len(body), len(rels)*16)
	}
	got, err := decodeRel(body)
	if err != nil {
		t.Fatalf("decodeRel: %v", err)
	}
	if len(got) != len(rels) {
		t.Fatalf("got %d rels, want %d", len(got), len(rels))
	}
	for i, r := range rels {
		if got[i] != r {
			t.Fatalf("rel %d round-tripped as %+v, want %+v", i, got[i], r)
		}
	}
}

func TestDecodeRelRejectsMalformedSize(t *testing.T) {
	if _, err := decodeRel(make([]byte, 15)); err == nil {
		t.Fatal("a rel body not a multiple of 16 bytes should be rejected")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	strtab := NewStrtabBuilder()
	nameProg := strtab.Add(".prog")
	nameStrtab := strtab.Add(".strtab")
	progBody := []byte{0xb7, 0x01, 0, 0, 1, 0, 0, 0} // mov r1, 1 (8 bytes)

	sections := []Section{
		{Type: TypeNull},
		{NameOffset: nameStrtab, Type: TypeStrtab, Body: strtab.Bytes()},
		{NameOffset: nameProg, Type: TypeProgbits, Flags: 0x6, Body: progBody},
	}
	out := Write(sections, true)
	if len(out) < ehSize {
		t.Fatalf("output too short: %d bytes", len(out))
	}
	if out[0] != 0x7f || out[1] != 'E' || out[2] != 'L' || out[3] != 'F' {
		t.Fatal("output does not start with the ELF magic")
	}

	pf, err := Read(out)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if pf.Machine != uint16(ebpf.MachineType) {
		t.Fatalf("Machine = %#x, want %#x", pf.Machine, ebpf.MachineType)
	}
	if len(pf.Sections) != 3 {
		t.Fatalf("got %d sections, want 3", len(pf.Sections))
	}
	if pf.Sections[2].Name != ".prog" {
		t.Fatalf("section 2 name = %q, want .prog", pf.Sections[2].Name)
	}
	if string(pf.Sections[2].Raw) != string(progBody) {
		t.Fatalf("section 2 body = %v, want %v", pf.Sections[2].Raw, progBody)
	}
}

func TestWriteReadRoundTripShTableLast(t *testing.T) {
	strtab := NewStrtabBuilder()
	nameStrtab := strtab.Add(".strtab")
	sections := []Section{
		{Type: TypeNull},
		{NameOffset: nameStrtab, Type: TypeStrtab, Body: strtab.Bytes()},
	}
	out := Write(sections, false)
	pf, err := Read(out)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(pf.Sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(pf.Sections))
	}
}

func TestParsedFileSymtabAndRelAccessors(t *testing.T) {
	strtab := NewStrtabBuilder()
	nameStrtab := strtab.Add(".strtab")
	nameSymtab := strtab.Add(".symtab")
	nameRel := strtab.Add(".rel.prog")

	symStrtab := NewStrtabBuilder()
	syms := []Sym{{Name: "", Shndx: 0}, {Name: "my_map", Shndx: 3, Value: 0}}
	symBody := EncodeSymtab(syms, symStrtab.Add)
	rels := []Rel{{Offset: 0, Type: RelocType, Sym: 1}}
	relBody := EncodeRel(rels)

	sections := []Section{
		{Type: TypeNull},
		{NameOffset: nameStrtab, Type: TypeStrtab, Body: strtab.Bytes()},
		{NameOffset: 0, Type: TypeStrtab, Body: symStrtab.Bytes()},
		{NameOffset: nameSymtab, Type: TypeSymtab, Link: 2, EntSize: SymtabEntSize, Body: symBody},
		{NameOffset: nameRel, Type: TypeRel, Info: 3, EntSize: RelEntSize, Body: relBody},
	}
	out := Write(sections, true)
	pf, err := Read(out)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	gotSyms, err := pf.Symtab(3)
	if err != nil {
		t.Fatalf("Symtab: %v", err)
	}
	if len(gotSyms) != 2 || gotSyms[1].Name != "my_map" {
		t.Fatalf("Symtab = %+v", gotSyms)
	}

	gotRels, err := pf.Rel(4)
	if err != nil {
		t.Fatalf("Rel: %v", err)
	}
	if len(gotRels) != 1 || gotRels[0].Sym != 1 {
		t.Fatalf("Rel = %+v", gotRels)
	}

	if _, err := pf.Symtab(4); err == nil {
		t.Fatal("Symtab on a non-symtab section should error")
	}
	if _, err := pf.Rel(3); err == nil {
		t.Fatal("Rel on a non-rel section should error")
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	data := make([]byte, ehSize)
	copy(data, []byte{0x00, 'E', 'L', 'F'})
	if _, err := Read(data); err == nil {
		t.Fatal("bad magic should be rejected")
	}
}

func TestReadRejectsNon64Bit(t *testing.T) {
	data := make([]byte, ehSize)
	copy(data, []byte{0x7f, 'E', 'L', 'F'})
	data[4] = 1 // ELFCLASS32
	data[5] = 1
	_, err := Read(data)
	if err == nil || err.Error() != "Only 64-bit ELF files supported!" {
		t.Fatalf("err = %v, want the 64-bit message", err)
	}
}

func TestReadRejectsBigEndian(t *testing.T) {
	data := make([]byte, ehSize)
	copy(data, []byte{0x7f, 'E', 'L', 'F'})
	data[4] = 2
	data[5] = 2 // ELFDATA2MSB
	_, err := Read(data)
	if err == nil || err.Error() != "Only little-endian ELF files supported!" {
		t.Fatalf("err = %v, want the little-endian message", err)
	}
}

func TestReadRejectsTruncatedHeader(t *testing.T) {
	if _, err := Read(make([]byte, 10)); err == nil {
		t.Fatal("a truncated header should be rejected")
	}
}
