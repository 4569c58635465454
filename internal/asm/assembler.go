// Package asm implements the per-section assemblers (spec §4.2-§4.5): the
// instruction synthesizer for `prog` sections, the byte-literal assembler
// for `data` sections, the map-descriptor table for `maps`, and the BTF
// type-graph assembler for `.BTF`. internal/asmfile has already stripped
// comments/continuations and classified each line; internal/equate owns the
// shared constant table.
package asm

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xyproto/ebpfkit/internal/asmfile"
	"github.com/xyproto/ebpfkit/internal/equate"
	"github.com/xyproto/ebpfkit/internal/operand"
)

// Kind identifies which section assembler a section is handled by.
type Kind int

const (
	KindProg Kind = iota
	KindData
	KindMaps
	KindBTF
)

func (k Kind) String() string {
	switch k {
	case KindProg:
		return "prog"
	case KindData:
		return "data"
	case KindMaps:
		return "maps"
	case KindBTF:
		return "btf"
	default:
		return "unknown"
	}
}

// Symbol is a named, defined location within a section's byte stream.
type Symbol struct {
	Name   string
	Offset int
}

// Reloc is an unresolved external reference left for the linker: the
// 8-byte instruction at Offset has its low 32 bits (imm field) patched by
// R_BPF_64_64 against Symbol.
type Reloc struct {
	Offset int
	Symbol string
}

// Section is the behavior every per-section assembler implements.
type Section interface {
	Name() string
	Kind() Kind
	Ingest(line asmfile.Line) error
	ResolveSymbols() error
	Bytes() []byte
	Symbols() []Symbol
	Relocs() []Reloc
	// Flags returns the ELF section flags this section's bytes require
	// (e.g. SHF_EXECINSTR for prog, SHF_WRITE for data); used by the
	// linker's "Mixed flags for progbits X" check (spec §4.7 step 2).
	Flags() uint64
}

type sectionMode int

const (
	modeNone sectionMode = iota
	modeText
	modeData
)

// Assembler drives line dispatch across the per-section assemblers and
// owns the process-scoped equate table (spec §3.4, §5 "Resource lifecycle").
type Assembler struct {
	Equates *equate.Table
	Log     *logrus.Entry

	sections map[string]Section
	order    []string
	pending  sectionMode
	current  string

	pinMaps bool
}

// NewAssembler returns an Assembler ready to ingest lines. pinMaps controls
// whether maps-section descriptors include the pinning trailer (spec §3.5,
// §6.4's --no-pin-maps).
func NewAssembler(pinMaps bool, log *logrus.Entry) *Assembler {
	return &Assembler{
		Equates:  equate.NewTable(),
		Log:      log,
		sections: make(map[string]Section),
		pinMaps:  pinMaps,
	}
}

// Sections returns the assembled sections in creation order.
func (a *Assembler) Sections() []Section {
	out := make([]Section, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.sections[name])
	}
	return out
}

// IngestAll feeds a full, already include-spliced line stream through the
// assembler.
func (a *Assembler) IngestAll(lines []asmfile.Line) error {
	for _, line := range lines {
		if err := a.ingestOne(line); err != nil {
			return fmt.Errorf("%s:%d: %w", line.File, line.No, err)
		}
	}
	return nil
}

func (a *Assembler) ingestOne(line asmfile.Line) error {
	switch line.Directive {
	case asmfile.DirText:
		a.pending = modeText
		return a.switchTo(".text", KindProg)
	case asmfile.DirData:
		a.pending = modeData
		return a.switchTo(".data", KindData)
	case asmfile.DirSection:
		return a.directiveSection(line.DirArgs)
	case asmfile.DirEqu:
		return a.directiveEqu(line.DirArgs)
	case asmfile.DirInclude:
		return fmt.Errorf("unresolved .include %q (includes must be spliced before assembly)", line.DirArgs)
	}

	if a.current == "" {
		return fmt.Errorf("Must specify .text or .data before .section")
	}

	sec := a.sections[a.current]
	if line.Label != "" {
		if sec.Kind() == KindMaps {
			// A maps line's leading "NAME:" is the map's name, not a label.
			line.Text = line.Label + ": " + line.Text
		} else if err := a.defineLabel(sec, line.Label); err != nil {
			return err
		}
	}
	if line.Text == "" {
		return nil
	}
	return sec.Ingest(line)
}

func (a *Assembler) directiveSection(name string) error {
	if name == "" {
		return fmt.Errorf("Bad .section name %q", name)
	}
	var kind Kind
	switch name {
	case "maps":
		kind = KindMaps
	case ".BTF":
		kind = KindBTF
	default:
		switch a.pending {
		case modeText:
			kind = KindProg
		case modeData:
			kind = KindData
		default:
			return fmt.Errorf("Must specify .text or .data before .section")
		}
	}
	return a.switchTo(name, kind)
}

func (a *Assembler) switchTo(name string, kind Kind) error {
	if sec, exists := a.sections[name]; exists {
		if sec.Kind() != kind {
			return fmt.Errorf("Redefining section %q with different assembler kind", name)
		}
		a.current = name
		return nil
	}
	sec := newSection(name, kind, a.Equates, a.pinMaps)
	a.sections[name] = sec
	a.order = append(a.order, name)
	a.current = name
	return nil
}

func (a *Assembler) directiveEqu(args string) error {
	name, valueText, err := asmfile.ParseEqu(args)
	if err != nil {
		return err
	}
	val, ok := operand.ParseConstant(valueText, a.Equates)
	if !ok {
		return fmt.Errorf("Bad .equ name %q", name)
	}
	return a.Equates.Define(name, val)
}

// defineLabel records a label declaration in whichever section supports
// labels (prog, data and .BTF; §3.3, §4.4). A maps line's leading name
// never reaches here: ingestOne hands it to the maps section with the
// rest of the line.
func (a *Assembler) defineLabel(sec Section, name string) error {
	labeler, ok := sec.(labelDefiner)
	if !ok {
		return fmt.Errorf("section %q does not support labels", sec.Name())
	}
	return labeler.DefineLabel(name)
}

type labelDefiner interface {
	DefineLabel(name string) error
}

// ResolveSymbols finalizes every section's intra-section references (spec
// §4.3 step), in section creation order.
func (a *Assembler) ResolveSymbols() error {
	for _, name := range a.order {
		if err := a.sections[name].ResolveSymbols(); err != nil {
			return fmt.Errorf("section %q: %w", name, err)
		}
	}
	return nil
}

func newSection(name string, kind Kind, equates *equate.Table, pinMaps bool) Section {
	switch kind {
	case KindProg:
		return newProgSection(name, equates)
	case KindData:
		return newDataSection(name, equates)
	case KindMaps:
		return newMapsSection(name, equates, pinMaps)
	case KindBTF:
		return newBTFSection(name, equates)
	default:
		panic("unknown section kind")
	}
}
