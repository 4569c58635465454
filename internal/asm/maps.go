package asm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/xyproto/ebpfkit/internal/asmfile"
	"github.com/xyproto/ebpfkit/internal/equate"
	"github.com/xyproto/ebpfkit/internal/operand"
)

// mapDef is the fixed map-descriptor record (spec §3.5). The on-wire form
// is either 5 little-endian u32 fields (type, key_size, value_size,
// max_entries, flags) or, when pinning is requested, 7 fields with a
// trailing {id=0, pinning=2} — see DESIGN.md for why this follows
// original_source/ebpf_asm.py's 7-field record rather than spec.md's
// 9-field prose, which §6.4's "28-byte (7 x u32)" byte count rules out.
type mapDef struct {
	typ, keySize, valueSize, maxEntries, flags int32
}

func (d mapDef) encode(pin bool) []byte {
	n := 5
	if pin {
		n = 7
	}
	buf := make([]byte, n*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.typ))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(d.keySize))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(d.valueSize))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(d.maxEntries))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(d.flags))
	if pin {
		binary.LittleEndian.PutUint32(buf[20:24], 0) // id
		binary.LittleEndian.PutUint32(buf[24:28], 2) // pinning = PIN_GLOBAL_NS
	}
	return buf
}

const mapRecordSizeUnpinned = 5 * 4
const mapRecordSizePinned = 7 * 4

// mapsSection assembles the reserved `maps` section: one descriptor per
// named map (spec §4.4).
type mapsSection struct {
	equates *equate.Table
	pin     bool

	names []string
	defs  map[string]mapDef
}

func newMapsSection(name string, equates *equate.Table, pin bool) *mapsSection {
	return &mapsSection{equates: equates, pin: pin, defs: make(map[string]mapDef)}
}

func (s *mapsSection) Name() string  { return "maps" }
func (s *mapsSection) Kind() Kind    { return KindMaps }
func (s *mapsSection) Flags() uint64 { return flagAlloc | flagWrite }

func (s *mapsSection) DefineLabel(name string) error {
	return fmt.Errorf("labels are not valid in the maps section")
}

func (s *mapsSection) Ingest(line asmfile.Line) error {
	name, args, found := strings.Cut(line.Text, ":")
	name = strings.TrimSpace(name)
	if !found {
		return fmt.Errorf("Bad map definition %q", line.Text)
	}
	if _, exists := s.defs[name]; exists {
		return fmt.Errorf("Duplicate map %q", name)
	}
	fields := strings.Split(args, ",")
	if len(fields) == 4 {
		fields = append(fields, "")
	}
	if len(fields) != 5 {
		return fmt.Errorf("Bad map defn, expected 4 or 5 args")
	}
	var nums [4]int64
	for i := 0; i < 4; i++ {
		v, ok := operand.ParseConstant(strings.TrimSpace(fields[i]), s.equates)
		if !ok {
			return fmt.Errorf("Bad immediate %q", fields[i])
		}
		nums[i] = v
	}
	flagv, err := parseMapFlags(fields[4])
	if err != nil {
		return err
	}
	s.defs[name] = mapDef{
		typ: int32(nums[0]), keySize: int32(nums[1]), valueSize: int32(nums[2]),
		maxEntries: int32(nums[3]), flags: flagv,
	}
	s.names = append(s.names, name)
	return nil
}

func parseMapFlags(text string) (int32, error) {
	text = strings.TrimSpace(text)
	var v int32
	for _, c := range text {
		switch c {
		case 'P':
			v |= 1
		case 'L':
			v |= 2
		default:
			return 0, fmt.Errorf("Bad map flag %q", string(c))
		}
	}
	return v, nil
}

func (s *mapsSection) ResolveSymbols() error { return nil }

func (s *mapsSection) recordSize() int {
	if s.pin {
		return mapRecordSizePinned
	}
	return mapRecordSizeUnpinned
}

func (s *mapsSection) Bytes() []byte {
	out := make([]byte, 0, len(s.names)*s.recordSize())
	for _, name := range s.names {
		out = append(out, s.defs[name].encode(s.pin)...)
	}
	return out
}

func (s *mapsSection) Symbols() []Symbol {
	out := make([]Symbol, 0, len(s.names))
	for i, name := range s.names {
		out = append(out, Symbol{Name: name, Offset: i * s.recordSize()})
	}
	return out
}

func (s *mapsSection) Relocs() []Reloc { return nil }
