package asm

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/xyproto/ebpfkit/internal/asmfile"
	"github.com/xyproto/ebpfkit/internal/ebpf"
	"github.com/xyproto/ebpfkit/internal/equate"
	"github.com/xyproto/ebpfkit/internal/ierr"
	"github.com/xyproto/ebpfkit/internal/operand"
)

// progSection assembles the `prog` section kind: eBPF instructions (spec
// §4.2, §4.3).
type progSection struct {
	name    string
	equates *equate.Table

	instrs []ebpf.Instruction
	wide   map[int]bool // instruction index -> this slot is the high half of a wide immediate

	syms *symbolTable

	resolved bool
}

func newProgSection(name string, equates *equate.Table) *progSection {
	return &progSection{
		name:    name,
		equates: equates,
		syms:    newSymbolTable(),
		wide:    make(map[int]bool),
	}
}

func (s *progSection) Name() string { return s.name }
func (s *progSection) Kind() Kind   { return KindProg }
func (s *progSection) Flags() uint64 {
	return flagAlloc | flagExecinstr
}

func (s *progSection) DefineLabel(name string) error {
	return s.syms.DefineLabel(name, len(s.instrs))
}

func (s *progSection) Ingest(line asmfile.Line) error {
	mnemonic, rest := asmfile.Fields(line.Text)
	mnemonic = strings.ToLower(mnemonic)
	args := asmfile.SplitOperands(rest)

	switch mnemonic {
	case "ld":
		return s.handleLD(args)
	case "ldpkt":
		return s.handleLDPkt(args)
	case "xadd":
		return s.handleXAdd(args)
	case "neg":
		return s.handleNeg(args)
	case "end":
		return s.handleEnd(args)
	case "jr":
		return s.handleJr(args)
	case "call":
		return s.handleCall(args)
	case "exit":
		if len(args) != 0 {
			return fmt.Errorf("Bad exit, expected 0 args")
		}
		s.append(ebpf.Instruction{Op: ebpf.JmpClass | ebpf.ImmSrc | ebpf.ExitOp})
		return nil
	default:
		if op, ok := aluOps[mnemonic]; ok {
			return s.handleALU(args, op)
		}
		return fmt.Errorf("Unrecognised instruction %q", mnemonic)
	}
}

var aluOps = map[string]uint8{
	"add": ebpf.AddOp, "sub": ebpf.SubOp, "mul": ebpf.MulOp, "div": ebpf.DivOp,
	"or": ebpf.OrOp, "and": ebpf.AndOp, "lsh": ebpf.LShOp, "rsh": ebpf.RShOp,
	"mod": ebpf.ModOp, "xor": ebpf.XOrOp, "arsh": ebpf.ArShOp,
}

var ccOps = map[string]uint8{
	"eq": ebpf.JEqOp, "e": ebpf.JEqOp, "z": ebpf.JEqOp,
	"nz": ebpf.JNEOp, "ne": ebpf.JNEOp, "!=": ebpf.JNEOp,
	"gt": ebpf.JGTOp, "ge": ebpf.JGEOp, "lt": ebpf.JLTOp, "le": ebpf.JLEOp,
	"sgt": ebpf.JSGTOp, "sge": ebpf.JSGEOp, "slt": ebpf.JSLTOp, "sle": ebpf.JSLEOp,
	"set": ebpf.JSETOp,
	"p":   ebpf.JSGEOp,
	"n":   ebpf.JSLTOp,
}

func (s *progSection) append(in ebpf.Instruction) int {
	idx := len(s.instrs)
	s.instrs = append(s.instrs, in)
	return idx
}

var reBareRegDisp = regexp.MustCompile(`^(r([0-9]|10)|fp)\s*[+-]`)

func looksLikeBareRegDisp(tok string) bool {
	return reBareRegDisp.MatchString(strings.TrimSpace(tok))
}

func (s *progSection) parseTwo(toks []string, mnemonic string) (dstTok, srcTok string, err error) {
	if len(toks) != 2 {
		return "", "", fmt.Errorf("Bad %s, expected 2 args", mnemonic)
	}
	return toks[0], toks[1], nil
}

// handleLD implements the universal `ld` load/store/move synthesizer
// (spec §4.2).
func (s *progSection) handleLD(toks []string) error {
	dstTok, srcTok, err := s.parseTwo(toks, "ld")
	if err != nil {
		return err
	}

	if looksLikeBareRegDisp(dstTok) {
		return fmt.Errorf("ld reg+disp,... illegal (missing []?)")
	}
	dst, err := operand.Parse(dstTok, s.equates)
	if err != nil {
		return err
	}

	if looksLikeBareRegDisp(srcTok) {
		if dst.Kind == operand.KindIndirect {
			return fmt.Errorf("ld mem,reg+disp illegal")
		}
		return fmt.Errorf("ld reg+disp,... illegal (missing []?)")
	}
	src, err := operand.Parse(srcTok, s.equates)
	if err != nil {
		return err
	}

	switch {
	case dst.Kind == operand.KindImmediate:
		return fmt.Errorf("ld imm,... illegal")
	case dst.Kind == operand.KindIndirect && src.Kind == operand.KindIndirect:
		return fmt.Errorf("ld mem,mem illegal")
	case dst.Kind == operand.KindRegister && src.Kind == operand.KindImmediate:
		return s.emitMovImm(dst, src, srcTok)
	case dst.Kind == operand.KindRegister && src.Kind == operand.KindLabel:
		return s.emitMovSym(dst, src)
	case dst.Kind == operand.KindRegister && src.Kind == operand.KindRegister:
		return s.emitMovReg(dst, src)
	case dst.Kind == operand.KindIndirect && (src.Kind == operand.KindRegister || src.Kind == operand.KindImmediate):
		return s.emitStore(dst, src)
	case dst.Kind == operand.KindRegister && src.Kind == operand.KindIndirect:
		return s.emitLoad(dst, src)
	default:
		return fmt.Errorf("Bad direct operand %q", srcTok)
	}
}

func (s *progSection) emitMovImm(dst, src operand.Operand, srcTok string) error {
	switch dst.Size {
	case operand.SizeQuad, operand.SizeNone:
		u, ok := operand.ParseUnsignedLiteral(srcTok, s.equates)
		if !ok {
			return fmt.Errorf("Value out of range for u64")
		}
		s.emitWideImm(dst.Reg, u)
		return nil
	case operand.SizeWord:
		if err := checkS32(src.Imm); err != nil {
			return err
		}
		s.append(ebpf.Instruction{
			Op:     ebpf.ALUClass | ebpf.ImmSrc | ebpf.MovOp,
			DstReg: dst.Reg,
			Imm:    int32(src.Imm),
		})
		return nil
	default:
		return fmt.Errorf("Bad size %s for register load", dst.Size)
	}
}

// emitMovSym emits a wide (LD_IMM64) load of a symbol's address, e.g. a
// map or a global in the data section. Unlike a pseudo-call, this
// reference is never expected to resolve within the same prog section, so
// it is recorded as refExternal and always survives into Relocs() for the
// linker (or loader) to fix up (spec §4.2, §4.6).
func (s *progSection) emitMovSym(dst, src operand.Operand) error {
	if dst.Size != operand.SizeQuad && dst.Size != operand.SizeNone {
		return fmt.Errorf("Bad size %s for register load", dst.Size)
	}
	s.emitWideSym(dst.Reg, src.Label)
	return nil
}

func (s *progSection) emitWideSym(dstReg uint8, sym string) {
	low := ebpf.Instruction{
		Op:     ebpf.LdClass | ebpf.ImmMode | ebpf.DWSize,
		DstReg: dstReg,
		Imm:    -1,
	}
	idx := s.append(low)
	s.wide[idx] = false
	s.syms.SetImmSym(idx, sym, refExternal)
	hi := s.append(ebpf.Instruction{})
	s.wide[hi] = true
}

func (s *progSection) emitWideImm(dstReg uint8, imm uint64) {
	low := ebpf.Instruction{
		Op:     ebpf.LdClass | ebpf.ImmMode | ebpf.DWSize,
		DstReg: dstReg,
		Imm:    int32(uint32(imm)),
	}
	idx := s.append(low)
	s.wide[idx] = false
	high := ebpf.Instruction{Imm: int32(uint32(imm >> 32))}
	hi := s.append(high)
	s.wide[hi] = true
}

func (s *progSection) emitMovReg(dst, src operand.Operand) error {
	class, err := aluClassForSize(dst.Size, "register move")
	if err != nil {
		return err
	}
	s.append(ebpf.Instruction{
		Op:     class | ebpf.RegSrc | ebpf.MovOp,
		DstReg: dst.Reg,
		SrcReg: src.Reg,
	})
	return nil
}

func (s *progSection) emitStore(dst, src operand.Operand) error {
	if !dst.HasBase {
		return fmt.Errorf("Bad indirect operand %q", "[imm]")
	}
	size := dst.Size
	if size == operand.SizeNone {
		size = operand.SizeQuad
	}
	sizeCode, err := sizeCodeFor(size)
	if err != nil {
		return err
	}
	off, err := dispOf(dst)
	if err != nil {
		return err
	}
	in := ebpf.Instruction{DstReg: dst.Reg, Off: off}
	if src.Kind == operand.KindRegister {
		in.Op = ebpf.StXClass | ebpf.MemMode | sizeCode
		in.SrcReg = src.Reg
	} else {
		if err := checkS32(src.Imm); err != nil {
			return err
		}
		in.Op = ebpf.StClass | ebpf.MemMode | sizeCode
		in.Imm = int32(src.Imm)
	}
	s.append(in)
	return nil
}

func (s *progSection) emitLoad(dst, src operand.Operand) error {
	if !src.HasBase {
		return fmt.Errorf("ld reg,[imm] illegal (use ldpkt)")
	}
	size := src.Size
	if size == operand.SizeNone {
		size = operand.SizeQuad
	}
	sizeCode, err := sizeCodeFor(size)
	if err != nil {
		return err
	}
	off, err := dispOf(src)
	if err != nil {
		return err
	}
	s.append(ebpf.Instruction{
		Op:     ebpf.LdXClass | ebpf.MemMode | sizeCode,
		DstReg: dst.Reg,
		SrcReg: src.Reg,
		Off:    off,
	})
	return nil
}

func (s *progSection) handleLDPkt(toks []string) error {
	dstTok, srcTok, err := s.parseTwo(toks, "ldpkt")
	if err != nil {
		return err
	}
	dst, err := operand.Parse(dstTok, s.equates)
	if err != nil {
		return err
	}
	if dst.Kind != operand.KindRegister || dst.Reg != 0 {
		return fmt.Errorf("ldpkt dst must be r0, not r%d", dst.Reg)
	}
	src, err := operand.Parse(srcTok, s.equates)
	if err != nil {
		return err
	}
	if src.Kind != operand.KindIndirect {
		return fmt.Errorf("Bad indirect operand %q", srcTok)
	}
	if src.Size == operand.SizeQuad {
		return fmt.Errorf("ldpkt .q illegal")
	}
	size := src.Size
	if size == operand.SizeNone {
		size = operand.SizeWord
	}
	sizeCode, err := sizeCodeFor(size)
	if err != nil {
		return err
	}
	in := ebpf.Instruction{Op: ebpf.LdClass | sizeCode}
	if src.HasBase {
		in.Op |= ebpf.IndMode
		in.SrcReg = src.Reg
		if src.HasDisp {
			if err := checkS32(src.Imm); err != nil {
				return err
			}
			in.Imm = int32(src.Imm)
		}
	} else {
		in.Op |= ebpf.AbsMode
		if err := checkS32(src.Imm); err != nil {
			return err
		}
		in.Imm = int32(src.Imm)
	}
	s.append(in)
	return nil
}

func (s *progSection) handleXAdd(toks []string) error {
	dstTok, srcTok, err := s.parseTwo(toks, "xadd")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(strings.TrimSpace(dstTok), "[") {
		return fmt.Errorf("xadd direct_operand,... illegal")
	}
	dst, err := operand.Parse(dstTok, s.equates)
	if err != nil {
		return err
	}
	if !dst.HasBase {
		return fmt.Errorf("xadd [imm],... illegal")
	}
	src, err := operand.Parse(srcTok, s.equates)
	if err != nil {
		return err
	}
	if src.Kind != operand.KindRegister {
		return fmt.Errorf("Bad direct operand %q", srcTok)
	}
	size := dst.Size
	if size == operand.SizeNone {
		size = operand.SizeQuad
	}
	if size != operand.SizeQuad && size != operand.SizeWord {
		return fmt.Errorf("Bad size %s for xadd", size)
	}
	sizeCode, err := sizeCodeFor(size)
	if err != nil {
		return err
	}
	off, err := dispOf(dst)
	if err != nil {
		return err
	}
	s.append(ebpf.Instruction{
		Op:     ebpf.StXClass | ebpf.XAddMode | sizeCode,
		DstReg: dst.Reg,
		SrcReg: src.Reg,
		Off:    off,
	})
	return nil
}

func (s *progSection) handleNeg(toks []string) error {
	if len(toks) != 1 {
		return fmt.Errorf("Bad neg, expected 1 args")
	}
	dst, err := operand.Parse(toks[0], s.equates)
	if err != nil {
		return err
	}
	if dst.Kind != operand.KindRegister {
		return fmt.Errorf("Bad direct operand %q", toks[0])
	}
	class, err := aluClassForSize(dst.Size, "ALU op")
	if err != nil {
		return err
	}
	s.append(ebpf.Instruction{Op: class | ebpf.NegOp, DstReg: dst.Reg})
	return nil
}

func (s *progSection) handleEnd(toks []string) error {
	if len(toks) != 2 {
		return fmt.Errorf("Bad end, expected 2 args")
	}
	dir := strings.ToLower(strings.TrimSpace(toks[0]))
	var flag uint8
	switch dir {
	case "le":
		flag = ebpf.ToLE
	case "be":
		flag = ebpf.ToBE
	default:
		return fmt.Errorf("Bad direct operand %q", toks[0])
	}
	dst, err := operand.Parse(toks[1], s.equates)
	if err != nil {
		return err
	}
	if dst.Kind != operand.KindRegister {
		return fmt.Errorf("Bad direct operand %q", toks[1])
	}
	var width int32
	switch dst.Size {
	case operand.SizeHalf:
		width = 16
	case operand.SizeWord:
		width = 32
	case operand.SizeQuad:
		width = 64
	default:
		return fmt.Errorf("Bad size %s for endian op", dst.Size)
	}
	s.append(ebpf.Instruction{
		Op:     ebpf.ALUClass | flag | ebpf.EndOp,
		DstReg: dst.Reg,
		Imm:    width,
	})
	return nil
}

func (s *progSection) handleALU(toks []string, op uint8) error {
	dstTok, srcTok, err := s.parseTwo(toks, "alu")
	if err != nil {
		return err
	}
	dst, err := operand.Parse(dstTok, s.equates)
	if err != nil {
		return err
	}
	if dst.Kind != operand.KindRegister {
		return fmt.Errorf("Bad direct operand %q", dstTok)
	}
	src, err := operand.Parse(srcTok, s.equates)
	if err != nil {
		return err
	}
	if src.Kind != operand.KindRegister && src.Kind != operand.KindImmediate {
		return fmt.Errorf("Bad direct operand %q", srcTok)
	}
	class, err := aluClassForSize(dst.Size, "ALU op")
	if err != nil {
		return err
	}
	in := ebpf.Instruction{DstReg: dst.Reg}
	if src.Kind == operand.KindRegister {
		in.Op = class | ebpf.RegSrc | op
		in.SrcReg = src.Reg
	} else {
		if err := checkS32(src.Imm); err != nil {
			return err
		}
		in.Op = class | ebpf.ImmSrc | op
		in.Imm = int32(src.Imm)
	}
	s.append(in)
	return nil
}

func (s *progSection) handleJr(toks []string) error {
	if len(toks) == 1 {
		off, offSym, err := s.parseOffsetOperand(toks[0])
		if err != nil {
			return err
		}
		idx := s.append(ebpf.Instruction{Op: ebpf.JmpClass | ebpf.ImmSrc | ebpf.JaOp, Off: off})
		if offSym != "" {
			s.syms.SetOffSym(idx, offSym)
		}
		return nil
	}
	if len(toks) != 4 {
		return fmt.Errorf("Bad jr, expected 1 or 4 args")
	}
	cc := strings.ToLower(strings.TrimSpace(toks[0]))
	op, ok := ccOps[cc]
	if !ok {
		return fmt.Errorf("Bad direct operand %q", toks[0])
	}
	dst, err := operand.Parse(toks[1], s.equates)
	if err != nil {
		return err
	}
	if dst.Kind != operand.KindRegister {
		return fmt.Errorf("Bad direct operand %q", toks[1])
	}
	if dst.Size != operand.SizeNone {
		return fmt.Errorf("Bad size in jump dst/src")
	}
	src, err := operand.Parse(toks[2], s.equates)
	if err != nil {
		return err
	}
	if src.Kind != operand.KindRegister && src.Kind != operand.KindImmediate {
		return fmt.Errorf("Bad direct operand %q", toks[2])
	}
	if src.Size != operand.SizeNone {
		return fmt.Errorf("Bad size in jump dst/src")
	}
	off, offSym, err := s.parseOffsetOperand(toks[3])
	if err != nil {
		return err
	}
	in := ebpf.Instruction{DstReg: dst.Reg, Off: off}
	if src.Kind == operand.KindRegister {
		in.Op = ebpf.JmpClass | ebpf.RegSrc | op
		in.SrcReg = src.Reg
	} else {
		if err := checkS32(src.Imm); err != nil {
			return err
		}
		in.Op = ebpf.JmpClass | ebpf.ImmSrc | op
		in.Imm = int32(src.Imm)
	}
	idx := s.append(in)
	if offSym != "" {
		s.syms.SetOffSym(idx, offSym)
	}
	return nil
}

// parseOffsetOperand parses a jump/call target: either a literal signed
// offset (returned directly, no symbol) or a label (returned as a symbol
// name, off defaults to the -1 placeholder per spec §4.3).
func (s *progSection) parseOffsetOperand(tok string) (off int16, label string, err error) {
	o, err := operand.ParseJumpOffset(tok, s.equates)
	if err != nil {
		return 0, "", err
	}
	if o.Kind == operand.KindLabel {
		return -1, o.Label, nil
	}
	if err := checkS16(o.Imm); err != nil {
		return 0, "", err
	}
	return int16(o.Imm), "", nil
}

func (s *progSection) handleCall(toks []string) error {
	if len(toks) != 1 {
		return fmt.Errorf("Bad call, expected 1 args")
	}
	tok := strings.TrimSpace(toks[0])
	if tok == "" {
		return fmt.Errorf("Bad direct operand %q", tok)
	}
	if tok[0] == '+' || tok[0] == '-' {
		v, ok := operand.ParseConstant(tok, s.equates)
		if !ok {
			return fmt.Errorf("Bad immediate %q", tok)
		}
		if err := checkS32(v); err != nil {
			return err
		}
		s.append(ebpf.Instruction{
			Op:     ebpf.CallOpcodeByte,
			SrcReg: ebpf.PseudoCallSrcReg,
			Imm:    int32(v),
		})
		return nil
	}
	if v, ok := operand.ParseConstant(tok, s.equates); ok {
		if err := checkS32(v); err != nil {
			return err
		}
		s.append(ebpf.Instruction{Op: ebpf.CallOpcodeByte, Imm: int32(v)})
		return nil
	}
	// A bare identifier not bound as an equate: a pseudo-call to a label.
	idx := s.append(ebpf.Instruction{Op: ebpf.CallOpcodeByte, SrcReg: ebpf.PseudoCallSrcReg, Imm: -1})
	s.syms.SetImmSym(idx, tok, refPseudoCall)
	return nil
}

func aluClassForSize(size operand.Size, context string) (uint8, error) {
	switch size {
	case operand.SizeQuad, operand.SizeNone:
		return ebpf.ALU64Class, nil
	case operand.SizeWord:
		return ebpf.ALUClass, nil
	default:
		return 0, fmt.Errorf("Bad size %s for %s", size, context)
	}
}

func sizeCodeFor(size operand.Size) (uint8, error) {
	switch size {
	case operand.SizeByte:
		return ebpf.BSize, nil
	case operand.SizeHalf:
		return ebpf.HSize, nil
	case operand.SizeWord:
		return ebpf.WSize, nil
	case operand.SizeQuad, operand.SizeNone:
		return ebpf.DWSize, nil
	default:
		return 0, fmt.Errorf("Bad size %s", size)
	}
}

func dispOf(o operand.Operand) (int16, error) {
	if !o.HasDisp {
		return 0, nil
	}
	if err := checkS16(o.Imm); err != nil {
		return 0, err
	}
	return int16(o.Imm), nil
}

func checkS16(v int64) error {
	if v < math.MinInt16 || v > math.MaxInt16 {
		return fmt.Errorf("Value out of range for s16")
	}
	return nil
}

func checkS32(v int64) error {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return fmt.Errorf("Value out of range for s32")
	}
	return nil
}

// ResolveSymbols implements spec §4.3's two resolution rules: off-field
// label references must resolve locally; imm-field pseudo-call references
// resolve locally and are then dropped from the relocation set; every
// other imm-field reference is left for the linker.
func (s *progSection) ResolveSymbols() error {
	if s.resolved {
		return nil
	}
	s.resolved = true

	for idx, sym := range s.syms.offSym {
		target, ok := s.syms.labels[sym]
		if !ok {
			return fmt.Errorf("Undefined symbol %q", sym)
		}
		disp := target - idx
		if disp < -32768 || disp > 32767 {
			return ierr.New("jump displacement %d for symbol %q overflows the off field", disp, sym)
		}
		in := s.instrs[idx]
		in.Off += int16(disp)
		s.instrs[idx] = in
	}

	for idx, ref := range s.syms.immSym {
		if ref.kind != refPseudoCall {
			continue
		}
		target, ok := s.syms.labels[ref.name]
		if !ok {
			return fmt.Errorf("Undefined symbol %q", ref.name)
		}
		in := s.instrs[idx]
		in.Imm += int32(target - idx)
		s.instrs[idx] = in
		delete(s.syms.immSym, idx)
	}
	return nil
}

func (s *progSection) Bytes() []byte {
	out := make([]byte, 0, len(s.instrs)*ebpf.InstructionSize)
	for _, in := range s.instrs {
		enc := in.Encode()
		out = append(out, enc[:]...)
	}
	return out
}

func (s *progSection) Symbols() []Symbol {
	out := make([]Symbol, 0, len(s.syms.order))
	for _, name := range s.syms.order {
		out = append(out, Symbol{Name: name, Offset: s.syms.labels[name] * ebpf.InstructionSize})
	}
	return out
}

func (s *progSection) Relocs() []Reloc {
	out := make([]Reloc, 0, len(s.syms.immSym))
	for idx, ref := range s.syms.immSym {
		out = append(out, Reloc{Offset: idx * ebpf.InstructionSize, Symbol: ref.name})
	}
	return out
}
