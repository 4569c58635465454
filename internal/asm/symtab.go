package asm

import "fmt"

// refKind distinguishes the two kinds of imm-field symbolic reference a
// prog-section instruction can carry (spec §3.3).
type refKind int

const (
	refExternal refKind = iota // resolved only by the linker
	refPseudoCall
)

// symbolTable is the per-(prog)-section bookkeeping of spec §3.3: label
// offsets, and the off-field / imm-field symbolic references awaiting
// resolve_symbols.
type symbolTable struct {
	labels  map[string]int // label name -> instruction index
	order   []string       // insertion order, the order Symbols() reports
	offSym  map[int]string // instruction index -> off-field label reference
	immSym  map[int]immRef // instruction index -> imm-field reference
}

type immRef struct {
	kind refKind
	name string
}

func newSymbolTable() *symbolTable {
	return &symbolTable{
		labels: make(map[string]int),
		offSym: make(map[int]string),
		immSym: make(map[int]immRef),
	}
}

// DefineLabel binds name to an instruction index. Redefinition is rejected.
func (t *symbolTable) DefineLabel(name string, index int) error {
	if _, exists := t.labels[name]; exists {
		return fmt.Errorf("Duplicate label %q", name)
	}
	t.labels[name] = index
	t.order = append(t.order, name)
	return nil
}

func (t *symbolTable) SetOffSym(index int, name string) {
	t.offSym[index] = name
}

func (t *symbolTable) SetImmSym(index int, name string, kind refKind) {
	t.immSym[index] = immRef{kind: kind, name: name}
}
