package asm

import (
	"fmt"

	"github.com/xyproto/ebpfkit/internal/asmfile"
	"github.com/xyproto/ebpfkit/internal/btf"
	"github.com/xyproto/ebpfkit/internal/equate"
)

// btfSection wraps a btf.Builder to satisfy the Section interface. Every
// `.BTF` line arrives as a generic "LABEL: text" line from asmfile (the
// same label recognition prog/data sections use for jump targets); here
// the "label" is the type's top-level name and the following text is its
// kind-spec, so DefineLabel just remembers the pending name for the
// Ingest call that follows on the same line.
type btfSection struct {
	name    string
	builder *btf.Builder

	pendingName string
	encoded     []byte
}

func newBTFSection(name string, equates *equate.Table) *btfSection {
	return &btfSection{name: name, builder: btf.NewBuilder(equates)}
}

func (s *btfSection) Name() string  { return s.name }
func (s *btfSection) Kind() Kind    { return KindBTF }
func (s *btfSection) Flags() uint64 { return flagAlloc | flagWrite }

func (s *btfSection) DefineLabel(name string) error {
	s.pendingName = name
	return nil
}

func (s *btfSection) Ingest(line asmfile.Line) error {
	if s.pendingName == "" {
		return fmt.Errorf("BTF type line %q has no name", line.Text)
	}
	name := s.pendingName
	s.pendingName = ""
	return s.builder.Feed(name, line.Text)
}

func (s *btfSection) ResolveSymbols() error {
	s.encoded = s.builder.Serialize()
	return nil
}

func (s *btfSection) Bytes() []byte { return s.encoded }

func (s *btfSection) Symbols() []Symbol { return nil }

func (s *btfSection) Relocs() []Reloc { return nil }
