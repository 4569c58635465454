package btf

import (
	"testing"

	"github.com/xyproto/ebpfkit/internal/equate"
)

func feed(t *testing.T, b *Builder, name, args string) {
	t.Helper()
	if err := b.Feed(name, args); err != nil {
		t.Fatalf("Feed(%q, %q): %v", name, args, err)
	}
}

func TestNewBuilderSeedsVoidSentinel(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	if len(b.Types()) != 1 {
		t.Fatalf("got %d types, want 1", len(b.Types()))
	}
	if b.Types()[0].Kind != KindUnknown || b.Types()[0].Name != "void" {
		t.Fatalf("seed type = %+v", b.Types()[0])
	}
}

func TestFeedInt(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "myint", "int signed 32")
	got := b.Types()[1]
	if got.Kind != KindInt || got.Encoding != EncSigned || got.Bits != 32 || got.ByteSize != 4 {
		t.Fatalf("int type = %+v", got)
	}
}

func TestFeedIntMultipleEncodingFlags(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "flags", "int (signed char) 8")
	got := b.Types()[1]
	if got.Encoding != EncSigned|EncChar {
		t.Fatalf("encoding = %d, want %d", got.Encoding, EncSigned|EncChar)
	}
}

func TestFeedPointerReferencesNamedType(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "myint", "int signed 32")
	feed(t, b, "p", "pointer myint")
	got := b.Types()[2]
	if got.Kind != KindPointer || got.Ref != 1 {
		t.Fatalf("pointer type = %+v", got)
	}
}

func TestFeedTypedefVolatileConstRestrict(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "myint", "int signed 32")
	feed(t, b, "t", "typedef myint")
	feed(t, b, "v", "volatile myint")
	feed(t, b, "c", "const myint")
	feed(t, b, "r", "restrict myint")
	kinds := []Kind{KindTypedef, KindVolatile, KindConst, KindRestrict}
	for i, k := range kinds {
		got := b.Types()[2+i]
		if got.Kind != k || got.Ref != 1 {
			t.Fatalf("type %d = %+v, want kind %d ref 1", i, got, k)
		}
	}
}

func TestFeedArray(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "myint", "int signed 32")
	feed(t, b, "a", "array myint 10")
	// Type 2 is the array's signed 64-bit index type, appended first.
	got := b.Types()[3]
	if got.Kind != KindArray || got.ElemType != 1 || got.NumElems != 10 {
		t.Fatalf("array type = %+v", got)
	}
	size, err := SizeBytes(b.Types(), 3)
	if err != nil {
		t.Fatalf("SizeBytes: %v", err)
	}
	if size != 40 {
		t.Fatalf("array size = %d, want 40", size)
	}
}

func TestFeedStructLayout(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "b8", "int unsigned 8")
	feed(t, b, "b32", "int unsigned 32")
	feed(t, b, "s", "struct (b8 x) (b32 y)")
	got := b.Types()[3]
	if got.Kind != KindStruct {
		t.Fatalf("kind = %v, want struct", got.Kind)
	}
	if len(got.Members) != 2 {
		t.Fatalf("got %d members, want 2", len(got.Members))
	}
	if got.Members[0].Name != "x" || got.Members[0].OffsetBits != 0 {
		t.Fatalf("member 0 = %+v", got.Members[0])
	}
	// x is 8 bits wide; y is an int, so it packs right after x's raw bit
	// width with no rounding, at bit 8. The struct is 8+32 = 40 bits, 5 bytes.
	if got.Members[1].Name != "y" || got.Members[1].OffsetBits != 8 {
		t.Fatalf("member 1 = %+v, want offset 8", got.Members[1])
	}
	if got.ByteSize != 5 {
		t.Fatalf("struct size = %d, want 5", got.ByteSize)
	}
}

func TestFeedUnionTakesMaxMemberSize(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "b8", "int unsigned 8")
	feed(t, b, "b32", "int unsigned 32")
	feed(t, b, "u", "union (b8 x) (b32 y)")
	got := b.Types()[3]
	if got.Kind != KindUnion || got.ByteSize != 4 {
		t.Fatalf("union type = %+v", got)
	}
}

func TestFeedEnum(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "e", "enum 4 (RED 0) (GREEN 1)")
	got := b.Types()[1]
	if got.Kind != KindEnum || got.ByteSize != 4 || len(got.EnumMembers) != 2 {
		t.Fatalf("enum type = %+v", got)
	}
	if got.EnumMembers[1].Name != "GREEN" || got.EnumMembers[1].Value != 1 {
		t.Fatalf("enum member 1 = %+v", got.EnumMembers[1])
	}
}

func TestFeedForwardThenResolve(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "s", "forward")
	if b.Types()[1].Kind != KindForward {
		t.Fatalf("expected a forward declaration at index 1")
	}
	feed(t, b, "s", "struct")
	if b.Types()[1].Kind != KindStruct {
		t.Fatalf("resolving a forward decl should overwrite it in place, got %+v", b.Types()[1])
	}
	if len(b.Types()) != 2 {
		t.Fatalf("resolving a forward decl should not grow the type vector, got %d types", len(b.Types()))
	}
}

func TestFeedDuplicateNameRejected(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "s", "struct")
	if err := b.Feed("s", "struct"); err == nil {
		t.Fatal("redefining a non-forward type name should be rejected")
	}
}

func TestFeedInlineAnonymousTypeIsDeduplicated(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "b8", "int unsigned 8")
	feed(t, b, "p1", "pointer (int unsigned 8)")
	feed(t, b, "p2", "pointer (int unsigned 8)")
	p1, p2 := b.Types()[2], b.Types()[3]
	if p1.Ref != p2.Ref {
		t.Fatalf("two inline references to the same structural int should share an index: %d vs %d", p1.Ref, p2.Ref)
	}
	if p1.Ref != 1 {
		t.Fatalf("inline (int unsigned 8) should dedup against the earlier named b8 at index 1, got %d", p1.Ref)
	}
}

func TestFeedRejectsEmptyName(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	if err := b.Feed("", "int unsigned 8"); err == nil {
		t.Fatal("an empty BTF type name should be rejected")
	}
}

func TestFeedRejectsUnknownKind(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	if err := b.Feed("x", "bogus 1 2"); err == nil {
		t.Fatal("an unrecognised BTF kind keyword should be rejected")
	}
}

func TestFeedRejectsBareAliasAtTopLevel(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "myint", "int signed 32")
	if err := b.Feed("alias", "myint"); err == nil {
		t.Fatal("a top-level definition consisting of a bare reference should be rejected")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	b := NewBuilder(equate.NewTable())
	feed(t, b, "myint", "int signed 32")
	feed(t, b, "p", "pointer myint")
	feed(t, b, "s", "struct (myint x) (p y)")

	body := b.Serialize()
	if len(body) == 0 {
		t.Fatal("Serialize produced no bytes")
	}
	types, namedOrder, namedIndex, err := Deserialize(body)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(types) != len(b.Types()) {
		t.Fatalf("got %d types back, want %d", len(types), len(b.Types()))
	}
	for _, name := range []string{"void", "myint", "p", "s"} {
		if _, ok := namedIndex[name]; !ok {
			t.Fatalf("named type %q missing from deserialized index", name)
		}
	}
	if len(namedOrder) != 4 {
		t.Fatalf("got %d named types, want 4", len(namedOrder))
	}
	sIdx := namedIndex["s"]
	if types[sIdx].Kind != KindStruct || len(types[sIdx].Members) != 2 {
		t.Fatalf("deserialized struct = %+v", types[sIdx])
	}
	if types[sIdx].Members[0].Name != "x" || types[sIdx].Members[1].Name != "y" {
		t.Fatalf("deserialized struct members = %+v", types[sIdx].Members)
	}
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	bad := make([]byte, 24)
	if _, _, _, err := Deserialize(bad); err == nil {
		t.Fatal("a BTF body with no magic should be rejected")
	}
}

func TestDeserializeRejectsTruncatedHeader(t *testing.T) {
	if _, _, _, err := Deserialize(make([]byte, 10)); err == nil {
		t.Fatal("a truncated BTF header should be rejected")
	}
}
