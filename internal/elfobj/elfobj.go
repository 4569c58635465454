// Package elfobj implements the bespoke 64-bit little-endian ELF object
// model this toolchain reads and writes (spec §3.7, §4.6, §6.2): a fixed
// section-kind set (null, strtab, symtab, progbits, rel), a writer that
// lays out a complete object from already-encoded section bodies, and a
// reader that restricts itself to exactly the subset of ELF the rest of
// the toolchain needs.
package elfobj

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/xyproto/ebpfkit/internal/ebpf"
)

// sh_type values this toolchain understands (spec §4.6).
const (
	TypeNull     uint32 = 0
	TypeProgbits uint32 = 1
	TypeSymtab   uint32 = 2
	TypeStrtab   uint32 = 3
	TypeRel      uint32 = 9
)

// Fixed entsize per section kind (spec §3.7).
const (
	SymtabEntSize uint64 = 0x18
	RelEntSize    uint64 = 0x10
)

// R_BPF_64_64: the only relocation type this toolchain produces or
// consumes (spec §6.2).
const RelocType uint32 = 1

const (
	ehSize = 64
	shSize = 64
)

// Section is one section ready to be written: its name must already be
// resolved to an offset in the section that will serve as index 1
// (.strtab, which doubles as shstrtab per spec §6.2's fixed section
// order).
type Section struct {
	NameOffset uint32
	Type       uint32
	Flags      uint64
	Link       uint32
	Info       uint32
	EntSize    uint64
	Body       []byte
}

// Write lays out a complete ELF object from sections, in the order given
// (spec §4.6). shTableFirst controls whether the section header table is
// placed immediately after the ELF header or after all section bodies;
// section index 1 must be the combined .strtab/shstrtab.
func Write(sections []Section, shTableFirst bool) []byte {
	n := len(sections)
	offsets := make([]uint64, n)

	cur := uint64(ehSize)
	if shTableFirst {
		cur += uint64(n) * shSize
	}
	for i, s := range sections {
		offsets[i] = cur
		cur += uint64(len(s.Body))
		if pad := (8 - len(s.Body)%8) % 8; pad > 0 {
			cur += uint64(pad)
		}
	}
	var shoff uint64
	if shTableFirst {
		shoff = ehSize
	} else {
		shoff = cur
	}

	out := make([]byte, ehSize, cur+uint64(n)*shSize)
	writeHeader(out[:ehSize], shoff, uint16(n))

	if shTableFirst {
		out = append(out, buildShdrs(sections, offsets)...)
	}
	for _, s := range sections {
		out = append(out, s.Body...)
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
	}
	if !shTableFirst {
		out = append(out, buildShdrs(sections, offsets)...)
	}
	return out
}

func writeHeader(hdr []byte, shoff uint64, shnum uint16) {
	hdr[0], hdr[1], hdr[2], hdr[3] = 0x7f, 'E', 'L', 'F'
	hdr[4] = 2 // ELFCLASS64
	hdr[5] = 1 // ELFDATA2LSB
	hdr[6] = 1 // EV_CURRENT
	// hdr[7:16] OS/ABI and padding stay zero
	binary.LittleEndian.PutUint16(hdr[16:18], 1) // e_type = ET_REL
	binary.LittleEndian.PutUint16(hdr[18:20], uint16(ebpf.MachineType))
	binary.LittleEndian.PutUint32(hdr[20:24], 1) // e_version
	// e_entry, e_phoff stay zero: no program headers, not loadable
	binary.LittleEndian.PutUint64(hdr[40:48], shoff)
	// e_flags stays zero
	binary.LittleEndian.PutUint16(hdr[52:54], ehSize)
	// e_phentsize, e_phnum stay zero
	binary.LittleEndian.PutUint16(hdr[58:60], shSize)
	binary.LittleEndian.PutUint16(hdr[60:62], shnum)
	binary.LittleEndian.PutUint16(hdr[62:64], 1) // e_shstrndx = .strtab
}

func buildShdrs(sections []Section, offsets []uint64) []byte {
	out := make([]byte, 0, len(sections)*shSize)
	for i, s := range sections {
		rec := make([]byte, shSize)
		binary.LittleEndian.PutUint32(rec[0:4], s.NameOffset)
		binary.LittleEndian.PutUint32(rec[4:8], s.Type)
		binary.LittleEndian.PutUint64(rec[8:16], s.Flags)
		// sh_addr stays zero: not loaded
		binary.LittleEndian.PutUint64(rec[24:32], offsets[i])
		binary.LittleEndian.PutUint64(rec[32:40], uint64(len(s.Body)))
		binary.LittleEndian.PutUint32(rec[40:44], s.Link)
		binary.LittleEndian.PutUint32(rec[44:48], s.Info)
		if s.Type != TypeNull {
			binary.LittleEndian.PutUint64(rec[48:56], 8) // sh_addralign
		}
		binary.LittleEndian.PutUint64(rec[56:64], s.EntSize)
		out = append(out, rec...)
	}
	return out
}

// StrtabBuilder accumulates a NUL-separated string table, deduplicating
// repeated strings and always seeding the empty string at offset 0.
type StrtabBuilder struct {
	buf     []byte
	offsets map[string]uint32
}

func NewStrtabBuilder() *StrtabBuilder {
	return &StrtabBuilder{buf: []byte{0}, offsets: map[string]uint32{"": 0}}
}

// Add returns s's offset in the table, adding it if not already present.
func (b *StrtabBuilder) Add(s string) uint32 {
	if off, ok := b.offsets[s]; ok {
		return off
	}
	off := uint32(len(b.buf))
	b.buf = append(b.buf, []byte(s)...)
	b.buf = append(b.buf, 0)
	b.offsets[s] = off
	return off
}

func (b *StrtabBuilder) Bytes() []byte { return b.buf }

// DecodeStrtab splits a NUL-separated string table back into its strings,
// dropping the leading empty string and any trailing empty entry left by
// the final terminator.
func DecodeStrtab(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	parts := strings.Split(string(b), "\x00")
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) > 0 && parts[0] == "" {
		parts = parts[1:]
	}
	return parts
}

func cstrAt(strtab []byte, off uint32) string {
	if int(off) >= len(strtab) {
		return ""
	}
	end := int(off)
	for end < len(strtab) && strtab[end] != 0 {
		end++
	}
	return string(strtab[off:end])
}

// Sym is a materialized symbol-table entry: Name is already resolved
// against the linked strtab (spec §4.6).
type Sym struct {
	Name  string
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// EncodeSymtab packs symbol records (spec §3.7: 24 bytes each), resolving
// each name through nameOff (typically StrtabBuilder.Add).
func EncodeSymtab(syms []Sym, nameOff func(string) uint32) []byte {
	out := make([]byte, 0, len(syms)*24)
	for _, s := range syms {
		rec := make([]byte, 24)
		binary.LittleEndian.PutUint32(rec[0:4], nameOff(s.Name))
		rec[4] = s.Info
		rec[5] = s.Other
		binary.LittleEndian.PutUint16(rec[6:8], s.Shndx)
		binary.LittleEndian.PutUint64(rec[8:16], s.Value)
		binary.LittleEndian.PutUint64(rec[16:24], s.Size)
		out = append(out, rec...)
	}
	return out
}

func decodeSymtab(b []byte, strtab []byte) ([]Sym, error) {
	if len(b)%24 != 0 {
		return nil, fmt.Errorf("malformed symtab section (size %d not a multiple of 24)", len(b))
	}
	out := make([]Sym, 0, len(b)/24)
	for i := 0; i < len(b); i += 24 {
		nameOff := binary.LittleEndian.Uint32(b[i : i+4])
		out = append(out, Sym{
			Name:  cstrAt(strtab, nameOff),
			Info:  b[i+4],
			Other: b[i+5],
			Shndx: binary.LittleEndian.Uint16(b[i+6 : i+8]),
			Value: binary.LittleEndian.Uint64(b[i+8 : i+16]),
			Size:  binary.LittleEndian.Uint64(b[i+16 : i+24]),
		})
	}
	return out, nil
}

// Rel is a materialized relocation-table entry.
type Rel struct {
	Offset uint64
	Type   uint32
	Sym    uint32
}

// EncodeRel packs relocation records (spec §3.7: 16 bytes each).
func EncodeRel(rels []Rel) []byte {
	out := make([]byte, 0, len(rels)*16)
	for _, r := range rels {
		rec := make([]byte, 16)
		binary.LittleEndian.PutUint64(rec[0:8], r.Offset)
		binary.LittleEndian.PutUint32(rec[8:12], r.Type)
		binary.LittleEndian.PutUint32(rec[12:16], r.Sym)
		out = append(out, rec...)
	}
	return out
}

func decodeRel(b []byte) ([]Rel, error) {
	if len(b)%16 != 0 {
		return nil, fmt.Errorf("malformed rel section (size %d not a multiple of 16)", len(b))
	}
	out := make([]Rel, 0, len(b)/16)
	for i := 0; i < len(b); i += 16 {
		out = append(out, Rel{
			Offset: binary.LittleEndian.Uint64(b[i : i+8]),
			Type:   binary.LittleEndian.Uint32(b[i+8 : i+12]),
			Sym:    binary.LittleEndian.Uint32(b[i+12 : i+16]),
		})
	}
	return out, nil
}

// ParsedSection is one section as read back from an on-disk object: Raw
// holds its body exactly as stored; type-specific accessors on ParsedFile
// decode it further.
type ParsedSection struct {
	Name    string
	Type    uint32
	Flags   uint64
	Link    uint32
	Info    uint32
	EntSize uint64
	Raw     []byte
}

// ParsedFile is a fully read ELF object (spec §4.6).
type ParsedFile struct {
	Machine  uint16
	Sections []ParsedSection
}

// Read parses a 64-bit little-endian ELF object. Any other class or
// endianness is rejected outright (spec §4.6, §7).
func Read(data []byte) (*ParsedFile, error) {
	if len(data) < ehSize {
		return nil, fmt.Errorf("truncated ELF header")
	}
	if data[0] != 0x7f || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		return nil, fmt.Errorf("not an ELF file")
	}
	if data[4] != 2 {
		return nil, fmt.Errorf("Only 64-bit ELF files supported!")
	}
	if data[5] != 1 {
		return nil, fmt.Errorf("Only little-endian ELF files supported!")
	}

	machine := binary.LittleEndian.Uint16(data[18:20])
	shoff := binary.LittleEndian.Uint64(data[40:48])
	shentsize := binary.LittleEndian.Uint16(data[58:60])
	shnum := binary.LittleEndian.Uint16(data[60:62])
	shstrndx := binary.LittleEndian.Uint16(data[62:64])

	type rawShdr struct {
		nameOff, typ    uint32
		flags           uint64
		offset, size    uint64
		link, info      uint32
		entsize         uint64
	}
	raws := make([]rawShdr, shnum)
	for i := 0; i < int(shnum); i++ {
		off := shoff + uint64(i)*uint64(shentsize)
		if off+uint64(shentsize) > uint64(len(data)) {
			return nil, fmt.Errorf("truncated section header table")
		}
		b := data[off : off+uint64(shentsize)]
		raws[i] = rawShdr{
			nameOff: binary.LittleEndian.Uint32(b[0:4]),
			typ:     binary.LittleEndian.Uint32(b[4:8]),
			flags:   binary.LittleEndian.Uint64(b[8:16]),
			offset:  binary.LittleEndian.Uint64(b[24:32]),
			size:    binary.LittleEndian.Uint64(b[32:40]),
			link:    binary.LittleEndian.Uint32(b[40:44]),
			info:    binary.LittleEndian.Uint32(b[44:48]),
			entsize: binary.LittleEndian.Uint64(b[56:64]),
		}
	}
	if int(shstrndx) >= len(raws) {
		return nil, fmt.Errorf("bad e_shstrndx")
	}
	strOff, strSize := raws[shstrndx].offset, raws[shstrndx].size
	if strOff+strSize > uint64(len(data)) {
		return nil, fmt.Errorf("truncated shstrtab")
	}
	shstrtab := data[strOff : strOff+strSize]

	sections := make([]ParsedSection, shnum)
	for i, r := range raws {
		if r.offset+r.size > uint64(len(data)) {
			return nil, fmt.Errorf("truncated section %d", i)
		}
		sections[i] = ParsedSection{
			Name:    cstrAt(shstrtab, r.nameOff),
			Type:    r.typ,
			Flags:   r.flags,
			Link:    r.link,
			Info:    r.info,
			EntSize: r.entsize,
			Raw:     data[r.offset : r.offset+r.size],
		}
	}
	return &ParsedFile{Machine: machine, Sections: sections}, nil
}

// Symtab decodes section index idx as a symbol table, resolving names
// against its linked strtab section.
func (f *ParsedFile) Symtab(idx int) ([]Sym, error) {
	sec := f.Sections[idx]
	if sec.Type != TypeSymtab {
		return nil, fmt.Errorf("section %q is not a symtab", sec.Name)
	}
	if int(sec.Link) >= len(f.Sections) {
		return nil, fmt.Errorf("symtab %q has a bad sh_link", sec.Name)
	}
	return decodeSymtab(sec.Raw, f.Sections[sec.Link].Raw)
}

// Rel decodes section index idx as a relocation table.
func (f *ParsedFile) Rel(idx int) ([]Rel, error) {
	sec := f.Sections[idx]
	if sec.Type != TypeRel {
		return nil, fmt.Errorf("section %q is not a rel section", sec.Name)
	}
	return decodeRel(sec.Raw)
}

// Strtab decodes section index idx as a plain string table.
func (f *ParsedFile) Strtab(idx int) []string {
	return DecodeStrtab(f.Sections[idx].Raw)
}
