package asm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xyproto/ebpfkit/internal/asmfile"
	"github.com/xyproto/ebpfkit/internal/equate"
)

// dataSection assembles the `data` section kind: raw bytes, labels, and the
// `asciz` pseudo-op (spec §4.4).
type dataSection struct {
	name    string
	equates *equate.Table

	buf    []byte
	labels map[string]int
	order  []string
}

func newDataSection(name string, equates *equate.Table) *dataSection {
	return &dataSection{name: name, equates: equates, labels: make(map[string]int)}
}

func (s *dataSection) Name() string  { return s.name }
func (s *dataSection) Kind() Kind    { return KindData }
func (s *dataSection) Flags() uint64 { return flagAlloc | flagWrite }

func (s *dataSection) DefineLabel(name string) error {
	if _, exists := s.labels[name]; exists {
		return fmt.Errorf("Duplicate label %q", name)
	}
	s.labels[name] = len(s.buf)
	s.order = append(s.order, name)
	return nil
}

func (s *dataSection) Ingest(line asmfile.Line) error {
	mnemonic, rest := asmfile.Fields(line.Text)
	switch mnemonic {
	case "asciz":
		lit, err := parseStringLiteral(rest)
		if err != nil {
			return err
		}
		s.buf = append(s.buf, lit...)
		s.buf = append(s.buf, 0)
		return nil
	default:
		return fmt.Errorf("Unrecognised instruction %q", mnemonic)
	}
}

func parseStringLiteral(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("Bad immediate %q", s)
	}
	unquoted, err := strconv.Unquote(s)
	if err != nil {
		return "", fmt.Errorf("Bad immediate %q", s)
	}
	return unquoted, nil
}

func (s *dataSection) ResolveSymbols() error { return nil }

func (s *dataSection) Bytes() []byte { return s.buf }

func (s *dataSection) Symbols() []Symbol {
	out := make([]Symbol, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, Symbol{Name: name, Offset: s.labels[name]})
	}
	return out
}

func (s *dataSection) Relocs() []Reloc { return nil }
