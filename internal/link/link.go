// Package link implements the linker algorithm (spec §4.7): it reads a set
// of relocatable objects produced by internal/asm + internal/elfobj,
// concatenates same-named progbits sections, resolves pseudo-call
// relocations against the merged local symbol table, and emits a single
// relocatable object in the same fixed section order (null, strtab,
// symtab, progbits..., rel...).
package link

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/xyproto/ebpfkit/internal/ebpf"
	"github.com/xyproto/ebpfkit/internal/elfobj"
)

// Options controls linker behavior (spec §6.3's -c/--allow-undef).
type Options struct {
	AllowUndef bool
}

// inputSection is one progbits section from one input file, tracked
// alongside the byte offset it lands at in the merged output blob for its
// name.
type inputSection struct {
	sec elfobj.ParsedSection
	off int
}

type definedSym struct {
	sym elfobj.Sym
	sec *inputSection
}

type pendingReloc struct {
	progName string
	offset   int // absolute offset within the merged output progbits blob
	symName  string
}

// Link reads each raw input object in objs (in argument order) and returns
// the linked output object's bytes.
func Link(objs [][]byte, opts Options, log *logrus.Entry) ([]byte, error) {
	files := make([]*elfobj.ParsedFile, len(objs))
	for i, raw := range objs {
		f, err := elfobj.Read(raw)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		if uint32(f.Machine) != ebpf.MachineType {
			return nil, fmt.Errorf("machine_type must be Linux BPF (0xf7)")
		}
		files[i] = f
	}

	strtab := elfobj.NewStrtabBuilder()
	for _, f := range files {
		for i, sec := range f.Sections {
			if sec.Type == elfobj.TypeStrtab {
				for _, s := range f.Strtab(i) {
					strtab.Add(s)
				}
			}
		}
	}
	strtab.Add(".strtab")
	strtab.Add(".symtab")

	// Pass 1: collect progbits sections, concatenating bytes by name and
	// checking every same-named section agrees on its flags.
	progOrder := []string{}
	progLen := map[string]int{}
	progFlags := map[string]uint64{}
	secByIdx := make([]map[int]*inputSection, len(files))
	for fi, f := range files {
		secByIdx[fi] = map[int]*inputSection{}
		for si, sec := range f.Sections {
			if sec.Type != elfobj.TypeProgbits {
				continue
			}
			off, seen := progLen[sec.Name]
			if !seen {
				progOrder = append(progOrder, sec.Name)
			}
			if prev, ok := progFlags[sec.Name]; ok && prev != sec.Flags {
				return nil, fmt.Errorf("Mixed flags for progbits %s", sec.Name)
			}
			progFlags[sec.Name] = sec.Flags
			in := &inputSection{sec: sec, off: off}
			progLen[sec.Name] = off + len(sec.Raw)
			secByIdx[fi][si] = in
		}
	}
	sort.Strings(progOrder)

	// Pass 2: collect locally defined symbols (keyed by defining section
	// name) and every relocation, with its target symbol name resolved
	// immediately from that input's own symtab.
	isym := map[string]map[string]definedSym{}
	var pending []pendingReloc
	for fi, f := range files {
		for si, sec := range f.Sections {
			if sec.Type != elfobj.TypeSymtab {
				continue
			}
			syms, err := f.Symtab(si)
			if err != nil {
				return nil, err
			}
			for _, sym := range syms {
				if sym.Shndx == 0 {
					continue // undefined, not a definition
				}
				defSec, ok := secByIdx[fi][int(sym.Shndx)]
				if !ok {
					continue // defined in a section kind we don't merge
				}
				name := f.Sections[sym.Shndx].Name
				if isym[name] == nil {
					isym[name] = map[string]definedSym{}
				}
				isym[name][sym.Name] = definedSym{sym: sym, sec: defSec}
			}
		}
		for si, sec := range f.Sections {
			if sec.Type != elfobj.TypeRel {
				continue
			}
			targetSec, ok := secByIdx[fi][int(sec.Info)]
			if !ok {
				return nil, fmt.Errorf("relocation section %q targets a non-progbits section", sec.Name)
			}
			rels, err := f.Rel(si)
			if err != nil {
				return nil, err
			}
			symSec, err := f.Symtab(int(sec.Link))
			if err != nil {
				return nil, err
			}
			for _, r := range rels {
				if int(r.Sym) >= len(symSec) {
					return nil, fmt.Errorf("reloc in %q references a bad symbol index", sec.Name)
				}
				pending = append(pending, pendingReloc{
					progName: targetSec.sec.Name,
					offset:   int(r.Offset) + targetSec.off,
					symName:  symSec[r.Sym].Name,
				})
			}
		}
	}

	type resolvedReloc struct {
		progName string
		offset   int
		symName  string
		def      definedSym
	}
	var resolved []resolvedReloc
	var undefs []pendingReloc
	for _, p := range pending {
		def, found := isym[p.progName][p.symName]
		if found {
			resolved = append(resolved, resolvedReloc{progName: p.progName, offset: p.offset, symName: p.symName, def: def})
			continue
		}
		if !opts.AllowUndef {
			return nil, fmt.Errorf("Unresolved reloc %q in %s", p.symName, p.progName)
		}
		undefs = append(undefs, p)
	}

	// Assemble each named progbits section's merged bytes.
	progBytes := map[string][]byte{}
	for name, n := range progLen {
		progBytes[name] = make([]byte, n)
	}
	for fi, f := range files {
		for si := range f.Sections {
			in, ok := secByIdx[fi][si]
			if !ok {
				continue
			}
			copy(progBytes[in.sec.Name][in.off:], in.sec.Raw)
		}
	}

	// Apply the resolved pseudo-call relocations: this is the step that
	// actually links (spec §4.7).
	for _, r := range resolved {
		buf := progBytes[r.progName]
		if r.offset < 0 || r.offset+8 > len(buf) {
			return nil, fmt.Errorf("relocation in %q is out of range", r.progName)
		}
		instr := buf[r.offset : r.offset+8]
		if instr[0] != 0x85 {
			return nil, fmt.Errorf("Relocation applies to non-CALL instruction")
		}
		if instr[1] != 0x10 {
			return nil, fmt.Errorf("Relocation applies to non-BPF_PSEUDO_CALL")
		}
		dest := int(r.def.sym.Value) + r.def.sec.off
		disp := int32((dest-r.offset)/8 - 1)
		binary.LittleEndian.PutUint32(instr[4:8], uint32(disp))
	}

	// Build the output symbol table: one entry per defined local symbol
	// (spec §4.7), plus one UND entry per distinct unresolved
	// (progName, symName) pair.
	progIndex := map[string]uint16{}
	for i, pn := range progOrder {
		progIndex[pn] = uint16(i + 3)
	}

	var osym []elfobj.Sym
	for _, pn := range progOrder {
		var names []string
		for n := range isym[pn] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			d := isym[pn][n]
			osym = append(osym, elfobj.Sym{
				Name:  n,
				Info:  d.sym.Info,
				Other: d.sym.Other,
				Shndx: progIndex[pn],
				Value: d.sym.Value + uint64(d.sec.off),
				Size:  d.sym.Size,
			})
		}
	}

	undefSymIdx := map[string]int{} // progName+"\x00"+symName -> osym index
	for _, u := range undefs {
		key := u.progName + "\x00" + u.symName
		if _, seen := undefSymIdx[key]; seen {
			continue
		}
		undefSymIdx[key] = len(osym)
		osym = append(osym, elfobj.Sym{Name: u.symName, Shndx: 0})
	}

	symtabBytes := elfobj.EncodeSymtab(osym, strtab.Add)

	relByProg := map[string][]elfobj.Rel{}
	var relOrder []string
	for _, u := range undefs {
		if _, ok := relByProg[u.progName]; !ok {
			relOrder = append(relOrder, u.progName)
		}
		key := u.progName + "\x00" + u.symName
		relByProg[u.progName] = append(relByProg[u.progName], elfobj.Rel{
			Offset: uint64(u.offset),
			Type:   elfobj.RelocType,
			Sym:    uint32(undefSymIdx[key]),
		})
	}
	sort.Strings(relOrder)

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
	for _, pn := range progOrder {
		sections = append(sections, elfobj.Section{
			NameOffset: strtab.Add(pn),
			Type:       elfobj.TypeProgbits,
			Flags:      progFlags[pn],
			Body:       progBytes[pn],
		})
	}
	for _, pn := range relOrder {
		sections = append(sections, elfobj.Section{
			NameOffset: strtab.Add(".rel" + pn),
			Type:       elfobj.TypeRel,
			Link:       2,
			Info:       uint32(progIndex[pn]),
			EntSize:    elfobj.RelEntSize,
			Body:       elfobj.EncodeRel(relByProg[pn]),
		})
	}
	// Every name referenced anywhere above (including .strtab/.symtab/.relX
	// themselves) has now been Add()-ed, so the strtab body is final.
	sections[1].Body = strtab.Bytes()

	log.WithFields(logrus.Fields{
		"inputs":   len(objs),
		"progbits": len(progOrder),
		"rel":      len(relOrder),
	}).Debug("link: emitting output object")
	return elfobj.Write(sections, true), nil
}
