package asm

import (
	"github.com/xyproto/ebpfkit/internal/elfobj"
)

// WriteObject serializes the assembled sections into a complete
// relocatable ELF object (spec §3.7, §4.6): one progbits section per
// assembled section (prog/data/maps/.BTF all end up sh_type PROGBITS;
// their distinct semantics only matter to the assembler and the linker's
// pseudo-call patcher), a merged local symtab, and, for any section that
// still carries unresolved references, a rel section pointing back at it.
//
// A reloc's target symbol is always recorded as undefined (st_shndx 0):
// whether it resolves elsewhere in this same object or in a different one
// is exactly the question internal/link answers, and it answers it the
// same way either way (spec §4.7).
func (a *Assembler) WriteObject() []byte {
	strtab := elfobj.NewStrtabBuilder()
	strtab.Add(".strtab")
	strtab.Add(".symtab")

	secs := a.Sections()
	progIndex := make(map[string]int, len(secs))
	for i, sec := range secs {
		progIndex[sec.Name()] = i + 3
	}

	var osym []elfobj.Sym
	for _, sec := range secs {
		for _, sym := range sec.Symbols() {
			osym = append(osym, elfobj.Sym{
				Name:  sym.Name,
				Shndx: uint16(progIndex[sec.Name()]),
				Value: uint64(sym.Offset),
			})
		}
	}

	relsByName := map[string][]elfobj.Rel{}
	var relOrder []string
	for _, sec := range secs {
		relocs := sec.Relocs()
		if len(relocs) == 0 {
			continue
		}
		relOrder = append(relOrder, sec.Name())
		for _, r := range relocs {
			symIdx := len(osym)
			osym = append(osym, elfobj.Sym{Name: r.Symbol, Shndx: 0})
			relsByName[sec.Name()] = append(relsByName[sec.Name()], elfobj.Rel{
				Offset: uint64(r.Offset),
				Type:   elfobj.RelocType,
				Sym:    uint32(symIdx),
			})
		}
	}

	symtabBytes := elfobj.EncodeSymtab(osym, strtab.Add)

	var sections []elfobj.Section
	sections = append(sections, elfobj.Section{Type: elfobj.TypeNull})
	sections = append(sections, elfobj.Section{
		NameOffset: strtab.Add(".strtab"),
		Type:       elfobj.TypeStrtab,
	})
	sections = append(sections, elfobj.Section{
		NameOffset: strtab.Add(".symtab"),
		Type:       elfobj.TypeSymtab,
		Link:       1,
		EntSize:    elfobj.SymtabEntSize,
		Body:       symtabBytes,
	})
	for _, sec := range secs {
		sections = append(sections, elfobj.Section{
			NameOffset: strtab.Add(sec.Name()),
			Type:       elfobj.TypeProgbits,
			Flags:      sec.Flags(),
			Body:       sec.Bytes(),
		})
	}
	for _, name := range relOrder {
		sections = append(sections, elfobj.Section{
			NameOffset: strtab.Add(".rel" + name),
			Type:       elfobj.TypeRel,
			Link:       2,
			Info:       uint32(progIndex[name]),
			EntSize:    elfobj.RelEntSize,
			Body:       elfobj.EncodeRel(relsByName[name]),
		})
	}
	sections[1].Body = strtab.Bytes()
	return elfobj.Write(sections, true)
}
