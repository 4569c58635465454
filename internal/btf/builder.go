package btf

import (
	"fmt"
	"strings"

	"github.com/xyproto/ebpfkit/internal/equate"
	"github.com/xyproto/ebpfkit/internal/operand"
)

// Builder assembles one `.BTF` section: it holds the type vector built up
// across a sequence of `name: kind args...` lines (spec §4.5). It is the
// parsing/layout/serialization engine that internal/asm's BTF section
// wraps, and that the merge driver (internal/btf's Annotation/ToGraph/
// FromGraph) also builds from and serializes to.
type Builder struct {
	equates *equate.Table

	types      []Type
	namedOrder []string
	namedIndex map[string]int
}

// NewBuilder returns a Builder preseeded with the `void` sentinel mapping
// to the single `unknown` type at index 0 (spec §3.6).
func NewBuilder(equates *equate.Table) *Builder {
	return &Builder{
		equates:    equates,
		types:      []Type{{Kind: KindUnknown, Name: "void"}},
		namedOrder: []string{"void"},
		namedIndex: map[string]int{"void": 0},
	}
}

// Types returns the builder's type vector (read-only use expected).
func (b *Builder) Types() []Type { return b.types }

// Feed parses one `name: kind args...` line's already-split name and
// argument text, either appending a new named type or overwriting a
// forward declaration of the same name (spec §4.5).
func (b *Builder) Feed(name, argsText string) error {
	if name == "" {
		return fmt.Errorf("BTF type line has no name")
	}
	seq, err := parseTopLevel(argsText)
	if err != nil {
		return err
	}
	if len(seq) == 0 {
		return fmt.Errorf("Bad BTF type %q", argsText)
	}
	typ, aliasIdx, isAlias, err := b.parseType(seq)
	if err != nil {
		return err
	}
	if isAlias {
		_ = aliasIdx
		return fmt.Errorf("Bad BTF type %q: a top-level definition must supply a kind", argsText)
	}
	typ.Name = name

	old, exists := b.namedIndex[name]
	if exists {
		if b.types[old].Kind != KindForward {
			return fmt.Errorf("Duplicate type %q", name)
		}
		b.types[old] = *typ
		return nil
	}
	b.namedIndex[name] = len(b.types)
	b.namedOrder = append(b.namedOrder, name)
	b.types = append(b.types, *typ)
	return nil
}

// parseType parses a type-spec sequence (base keyword or named reference
// followed by kind-specific arguments). It returns either a freshly
// constructed Type (isAlias=false) or the index of an already-named type
// being referenced bare (isAlias=true, e.g. a plain "foo" reference).
func (b *Builder) parseType(seq []node) (typ *Type, idx int, isAlias bool, err error) {
	base, ok := asString(seq[0])
	if !ok {
		return nil, 0, false, fmt.Errorf("Bad BTF type spec")
	}
	rest := seq[1:]
	if existing, ok := b.namedIndex[base]; ok {
		if len(rest) != 0 {
			return nil, 0, false, fmt.Errorf("named BTF type %q takes no arguments", base)
		}
		return nil, existing, true, nil
	}

	switch base {
	case "int":
		t, err := b.parseInt(rest)
		return t, 0, false, err
	case "pointer":
		t, err := b.parseRef(KindPointer, rest)
		return t, 0, false, err
	case "typedef":
		t, err := b.parseRef(KindTypedef, rest)
		return t, 0, false, err
	case "volatile":
		t, err := b.parseRef(KindVolatile, rest)
		return t, 0, false, err
	case "const":
		t, err := b.parseRef(KindConst, rest)
		return t, 0, false, err
	case "restrict":
		t, err := b.parseRef(KindRestrict, rest)
		return t, 0, false, err
	case "array":
		t, err := b.parseArray(rest)
		return t, 0, false, err
	case "struct":
		t, err := b.parseStructOrUnion(KindStruct, rest)
		return t, 0, false, err
	case "union":
		t, err := b.parseStructOrUnion(KindUnion, rest)
		return t, 0, false, err
	case "enum":
		t, err := b.parseEnum(rest)
		return t, 0, false, err
	case "forward":
		if len(rest) != 0 {
			return nil, 0, false, fmt.Errorf("Bad BTF forward declaration")
		}
		return &Type{Kind: KindForward}, 0, false, nil
	default:
		return nil, 0, false, fmt.Errorf("Unrecognised BTF kind %q", base)
	}
}

// resolveTypeRef resolves a single type-reference element: either a bare
// name (must already be named) or an inline nested type-spec sequence,
// which is deduplicated against the existing type vector before being
// appended (spec §4.5).
func (b *Builder) resolveTypeRef(spec node) (int, error) {
	var seq []node
	switch v := spec.(type) {
	case []node:
		seq = v
	case string:
		seq = []node{v}
	default:
		return 0, fmt.Errorf("Bad BTF type reference")
	}
	typ, idx, isAlias, err := b.parseType(seq)
	if err != nil {
		return 0, err
	}
	if isAlias {
		return idx, nil
	}
	key := typ.localKey()
	for i := range b.types {
		if b.types[i].localKey() == key {
			return i, nil
		}
	}
	newIdx := len(b.types)
	b.types = append(b.types, *typ)
	return newIdx, nil
}

var intEncodingFlags = map[string]uint8{
	"signed":   EncSigned,
	"unsigned": 0,
	"char":     EncChar,
	"bool":     EncBool,
}

func (b *Builder) parseInt(args []node) (*Type, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("Bad BTF int, expected 2 args")
	}
	var flags []node
	if seq, ok := asSeq(args[0]); ok {
		flags = seq
	} else {
		flags = []node{args[0]}
	}
	var encoding uint8
	for _, f := range flags {
		name, ok := asString(f)
		if !ok {
			return nil, fmt.Errorf("Bad BTF int encoding")
		}
		bit, ok := intEncodingFlags[name]
		if !ok {
			return nil, fmt.Errorf("Bad BTF int encoding %q", name)
		}
		encoding |= bit
	}
	nbitsTok, ok := asString(args[1])
	if !ok {
		return nil, fmt.Errorf("Bad BTF int width")
	}
	nbits, ok := operand.ParseConstant(nbitsTok, b.equates)
	if !ok || nbits < 0 {
		return nil, fmt.Errorf("Bad immediate %q", nbitsTok)
	}
	return &Type{
		Kind:     KindInt,
		Encoding: encoding,
		Bits:     uint8(nbits),
		ByteSize: uint32((nbits + 7) / 8),
	}, nil
}

func (b *Builder) parseRef(kind Kind, args []node) (*Type, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("Bad BTF %s, expected 1 arg", kindName(kind))
	}
	ref, err := b.resolveTypeRef(args[0])
	if err != nil {
		return nil, err
	}
	return &Type{Kind: kind, Ref: ref}, nil
}

func (b *Builder) parseArray(args []node) (*Type, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("Bad BTF array, expected 2 args")
	}
	et, err := b.resolveTypeRef(args[0])
	if err != nil {
		return nil, err
	}
	it, err := b.resolveTypeRef([]node{"int", "signed", "64"})
	if err != nil {
		return nil, err
	}
	nTok, ok := asString(args[1])
	if !ok {
		return nil, fmt.Errorf("Bad BTF array length")
	}
	n, ok := operand.ParseConstant(nTok, b.equates)
	if !ok || n < 0 {
		return nil, fmt.Errorf("Bad immediate %q", nTok)
	}
	return &Type{Kind: KindArray, ElemType: et, IndexType: it, NumElems: uint32(n)}, nil
}

func (b *Builder) parseStructOrUnion(kind Kind, args []node) (*Type, error) {
	members := make([]Member, 0, len(args))
	for _, arg := range args {
		seq, ok := asSeq(arg)
		if !ok || len(seq) != 2 {
			return nil, fmt.Errorf("Bad BTF %s member", kindName(kind))
		}
		ti, err := b.resolveTypeRef(seq[0])
		if err != nil {
			return nil, err
		}
		name, ok := asString(seq[1])
		if !ok {
			return nil, fmt.Errorf("Bad BTF %s member name", kindName(kind))
		}
		members = append(members, Member{Name: name, Type: ti})
	}
	if kind == KindStruct {
		laidOut, size, err := layoutStruct(b.types, members)
		if err != nil {
			return nil, err
		}
		return &Type{Kind: KindStruct, Members: laidOut, ByteSize: size}, nil
	}
	var maxSize uint32
	for _, m := range members {
		sz, err := SizeBytes(b.types, m.Type)
		if err != nil {
			return nil, err
		}
		if sz > maxSize {
			maxSize = sz
		}
	}
	return &Type{Kind: KindUnion, Members: members, ByteSize: maxSize}, nil
}

func (b *Builder) parseEnum(args []node) (*Type, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("Bad BTF enum, expected a size")
	}
	sizeTok, ok := asString(args[0])
	if !ok {
		return nil, fmt.Errorf("Bad BTF enum size")
	}
	size, ok := operand.ParseConstant(sizeTok, b.equates)
	if !ok || size < 0 {
		return nil, fmt.Errorf("Bad immediate %q", sizeTok)
	}
	members := make([]EnumMember, 0, len(args)-1)
	for _, arg := range args[1:] {
		seq, ok := asSeq(arg)
		if !ok || len(seq) != 2 {
			return nil, fmt.Errorf("Bad BTF enum member")
		}
		name, ok := asString(seq[0])
		if !ok {
			return nil, fmt.Errorf("Bad BTF enum member name")
		}
		valTok, ok := asString(seq[1])
		if !ok {
			return nil, fmt.Errorf("Bad BTF enum member value")
		}
		val, ok := operand.ParseConstant(valTok, b.equates)
		if !ok {
			return nil, fmt.Errorf("Bad immediate %q", valTok)
		}
		members = append(members, EnumMember{Name: name, Value: int32(val)})
	}
	return &Type{Kind: KindEnum, ByteSize: uint32(size), EnumMembers: members}, nil
}

func kindName(k Kind) string {
	switch k {
	case KindPointer:
		return "pointer"
	case KindTypedef:
		return "typedef"
	case KindVolatile:
		return "volatile"
	case KindConst:
		return "const"
	case KindRestrict:
		return "restrict"
	case KindStruct:
		return "struct"
	case KindUnion:
		return "union"
	default:
		return "type"
	}
}

// Serialize encodes the builder's type vector as a complete `.BTF` section
// body (spec §4.5, §6.5).
func (b *Builder) Serialize() []byte {
	return serialize(b.types, b.namedOrder, b.namedIndex)
}

func serialize(types []Type, namedOrder []string, namedIndex map[string]int) []byte {
	types = append([]Type(nil), types...)
	names := strings.Builder{}
	names.WriteByte(0)
	for i := range types {
		for j, m := range types[i].Members {
			types[i].Members[j].NameOffset = uint32(names.Len())
			names.WriteString(m.Name)
			names.WriteByte(0)
		}
		for j, m := range types[i].EnumMembers {
			types[i].EnumMembers[j].NameOffset = uint32(names.Len())
			names.WriteString(m.Name)
			names.WriteByte(0)
		}
	}
	for _, name := range namedOrder {
		idx := namedIndex[name]
		types[idx].NameOffset = uint32(names.Len())
		names.WriteString(name)
		names.WriteByte(0)
	}

	var typesBuf []byte
	for i := range types {
		typesBuf = append(typesBuf, encodeType(&types[i])...)
	}
	nameBytes := []byte(names.String())

	hdr := make([]byte, 24)
	putU16(hdr[0:2], 0xEB9F)
	hdr[2] = 1 // version
	hdr[3] = 0 // flags
	putU32(hdr[4:8], 24)
	putU32(hdr[8:12], 0)
	putU32(hdr[12:16], uint32(len(typesBuf)))
	putU32(hdr[16:20], uint32(len(typesBuf)))
	putU32(hdr[20:24], uint32(len(nameBytes)))

	out := make([]byte, 0, len(hdr)+len(typesBuf)+len(nameBytes))
	out = append(out, hdr...)
	out = append(out, typesBuf...)
	out = append(out, nameBytes...)
	return out
}

func encodeType(t *Type) []byte {
	var vlen uint16
	var ti uint32
	switch t.Kind {
	case KindInt, KindEnum:
		ti = t.ByteSize
	case KindStruct, KindUnion:
		ti = t.ByteSize
	case KindPointer, KindTypedef, KindVolatile, KindConst, KindRestrict:
		ti = uint32(t.Ref)
	}
	switch t.Kind {
	case KindStruct, KindUnion:
		vlen = uint16(len(t.Members))
	case KindEnum:
		vlen = uint16(len(t.EnumMembers))
	}
	info := (uint32(t.Kind) << 24) | uint32(vlen)

	hdr := make([]byte, 12)
	putU32(hdr[0:4], t.NameOffset)
	putU32(hdr[4:8], info)
	putU32(hdr[8:12], ti)

	switch t.Kind {
	case KindInt:
		extra := make([]byte, 4)
		putU32(extra, (uint32(t.Encoding)<<24)|uint32(t.Bits))
		return append(hdr, extra...)
	case KindArray:
		extra := make([]byte, 12)
		putU32(extra[0:4], uint32(t.ElemType))
		putU32(extra[4:8], uint32(t.IndexType))
		putU32(extra[8:12], t.NumElems)
		return append(hdr, extra...)
	case KindStruct, KindUnion:
		out := hdr
		for _, m := range t.Members {
			rec := make([]byte, 12)
			putU32(rec[0:4], m.NameOffset)
			putU32(rec[4:8], uint32(m.Type))
			putU32(rec[8:12], m.OffsetBits)
			out = append(out, rec...)
		}
		return out
	case KindEnum:
		out := hdr
		for _, m := range t.EnumMembers {
			rec := make([]byte, 8)
			putU32(rec[0:4], m.NameOffset)
			putU32(rec[4:8], uint32(m.Value))
			out = append(out, rec...)
		}
		return out
	default:
		return hdr
	}
}

// Deserialize parses a `.BTF` section body (as produced by Serialize) back
// into a type vector and its top-level name mapping. It is the inverse of
// serialize, used by cmd/ebpfbtf to read back already-assembled objects
// for merging.
func Deserialize(data []byte) ([]Type, []string, map[string]int, error) {
	if len(data) < 24 {
		return nil, nil, nil, fmt.Errorf("truncated BTF header")
	}
	if getU16(data[0:2]) != 0xEB9F {
		return nil, nil, nil, fmt.Errorf("bad BTF magic")
	}
	hdrLen := getU32(data[4:8])
	typeOff := getU32(data[8:12])
	typeLen := getU32(data[12:16])
	strOff := getU32(data[16:20])
	strLen := getU32(data[20:24])
	if uint64(hdrLen)+uint64(typeOff)+uint64(typeLen) > uint64(len(data)) ||
		uint64(hdrLen)+uint64(strOff)+uint64(strLen) > uint64(len(data)) {
		return nil, nil, nil, fmt.Errorf("truncated BTF section")
	}
	typesBuf := data[hdrLen+typeOff : hdrLen+typeOff+typeLen]
	strBuf := data[hdrLen+strOff : hdrLen+strOff+strLen]

	readStr := func(off uint32) string {
		end := off
		for end < uint32(len(strBuf)) && strBuf[end] != 0 {
			end++
		}
		if off > uint32(len(strBuf)) {
			return ""
		}
		return string(strBuf[off:end])
	}

	var types []Type
	pos := 0
	for pos < len(typesBuf) {
		if pos+12 > len(typesBuf) {
			return nil, nil, nil, fmt.Errorf("truncated BTF type record")
		}
		nameOff := getU32(typesBuf[pos : pos+4])
		info := getU32(typesBuf[pos+4 : pos+8])
		ti := getU32(typesBuf[pos+8 : pos+12])
		kind := Kind(info >> 24)
		vlen := int(info & 0xffff)
		pos += 12

		t := Type{Kind: kind, NameOffset: nameOff, Name: readStr(nameOff)}
		switch kind {
		case KindInt:
			if pos+4 > len(typesBuf) {
				return nil, nil, nil, fmt.Errorf("truncated BTF int record")
			}
			extra := getU32(typesBuf[pos : pos+4])
			pos += 4
			t.Encoding = uint8(extra >> 24)
			t.Bits = uint8(extra)
			t.ByteSize = ti
		case KindArray:
			if pos+12 > len(typesBuf) {
				return nil, nil, nil, fmt.Errorf("truncated BTF array record")
			}
			t.ElemType = int(getU32(typesBuf[pos : pos+4]))
			t.IndexType = int(getU32(typesBuf[pos+4 : pos+8]))
			t.NumElems = getU32(typesBuf[pos+8 : pos+12])
			pos += 12
		case KindStruct, KindUnion:
			t.ByteSize = ti
			members := make([]Member, vlen)
			for i := range members {
				if pos+12 > len(typesBuf) {
					return nil, nil, nil, fmt.Errorf("truncated BTF member record")
				}
				mNameOff := getU32(typesBuf[pos : pos+4])
				mType := getU32(typesBuf[pos+4 : pos+8])
				mOffBits := getU32(typesBuf[pos+8 : pos+12])
				pos += 12
				members[i] = Member{Name: readStr(mNameOff), NameOffset: mNameOff, Type: int(mType), OffsetBits: mOffBits}
			}
			t.Members = members
		case KindEnum:
			t.ByteSize = ti
			members := make([]EnumMember, vlen)
			for i := range members {
				if pos+8 > len(typesBuf) {
					return nil, nil, nil, fmt.Errorf("truncated BTF enum member record")
				}
				mNameOff := getU32(typesBuf[pos : pos+4])
				val := getU32(typesBuf[pos+4 : pos+8])
				pos += 8
				members[i] = EnumMember{Name: readStr(mNameOff), NameOffset: mNameOff, Value: int32(val)}
			}
			t.EnumMembers = members
		case KindPointer, KindTypedef, KindVolatile, KindConst, KindRestrict:
			t.Ref = int(ti)
		case KindForward, KindUnknown:
			// no extra payload
		default:
			return nil, nil, nil, fmt.Errorf("unknown BTF kind %d while decoding", kind)
		}
		types = append(types, t)
	}

	namedOrder := make([]string, 0)
	namedIndex := make(map[string]int)
	for i := range types {
		if types[i].Name == "" {
			continue
		}
		if _, exists := namedIndex[types[i].Name]; !exists {
			namedIndex[types[i].Name] = i
			namedOrder = append(namedOrder, types[i].Name)
		}
	}
	return types, namedOrder, namedIndex, nil
}

func getU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
