// Package equate implements the process-scoped identifier-to-constant table
// (spec §3.4). A Table is built once while parsing `.equ` directives and is
// read by every section assembler for the lifetime of the assembly.
package equate

import (
	"fmt"
	"unicode"
)

// Table is a name -> integer constant mapping. The zero value is ready to
// use.
type Table struct {
	values map[string]int64
}

// NewTable returns an empty equate table.
func NewTable() *Table {
	return &Table{values: make(map[string]int64)}
}

// Define binds name to value. The name must be non-empty and must not begin
// with a decimal digit (spec §3.4); redefining an existing name is allowed
// (later `.equ` wins), matching the preprocessor semantics spec.md leaves to
// the external collaborator while only specifying this validation.
func (t *Table) Define(name string, value int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	if t.values == nil {
		t.values = make(map[string]int64)
	}
	t.values[name] = value
	return nil
}

// Lookup returns the value bound to name and whether it was found.
func (t *Table) Lookup(name string) (int64, bool) {
	if t.values == nil {
		return 0, false
	}
	v, ok := t.values[name]
	return v, ok
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("Bad .equ name %q", name)
	}
	if unicode.IsDigit(rune(name[0])) {
		return fmt.Errorf("Bad .equ name %q", name)
	}
	return nil
}
