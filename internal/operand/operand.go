// Package operand implements the operand lexer (spec §4.1): recognizing
// sized operands, registers, immediates, label references, and indirect
// memory operands from a single comma-separated token of assembly source.
package operand

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xyproto/ebpfkit/internal/equate"
)

// Size is the operand size suffix (`.b|.w|.l|.q`).
type Size int

const (
	SizeNone Size = iota
	SizeByte
	SizeHalf
	SizeWord
	SizeQuad
)

func (s Size) String() string {
	switch s {
	case SizeByte:
		return "b"
	case SizeHalf:
		return "w"
	case SizeWord:
		return "l"
	case SizeQuad:
		return "q"
	default:
		return ""
	}
}

// Kind identifies which shape an Operand was recognized as.
type Kind int

const (
	KindRegister Kind = iota
	KindImmediate
	KindLabel
	KindIndirect
)

// Operand is the parsed form of one comma-separated token.
type Operand struct {
	Kind Kind
	Size Size

	// KindRegister / KindIndirect (base register).
	Reg uint8

	// KindImmediate, and the displacement of a KindIndirect with HasBase.
	Imm int64

	// KindLabel.
	Label string

	// KindIndirect only.
	HasBase bool // false => bare-immediate `[imm]` (LD_ABS form)
	HasDisp bool
}

var (
	reHex     = regexp.MustCompile(`^0x[0-9a-f]+$`)
	reOctal   = regexp.MustCompile(`^0[0-9]+$`)
	reDecimal = regexp.MustCompile(`^[0-9]+$`)
	reIdent   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	reReg     = regexp.MustCompile(`^r(10|[0-9])$`)
	reSuffix  = regexp.MustCompile(`\.(b|w|l|q)$`)
)

// Parse recognizes a single operand token in direct or indirect position.
func Parse(tok string, equates *equate.Table) (Operand, error) {
	tok = strings.TrimSpace(tok)

	base, size, hasSize := stripSize(tok)

	if strings.HasPrefix(base, "[") {
		if !strings.HasSuffix(base, "]") {
			return Operand{}, fmt.Errorf("Bad indirect operand %q", tok)
		}
		inner := strings.TrimSpace(base[1 : len(base)-1])
		o, err := parseIndirect(inner, equates)
		if err != nil {
			return Operand{}, err
		}
		if hasSize {
			o.Size = size
		}
		return o, nil
	}

	o, err := parseDirect(base, equates)
	if err != nil {
		return Operand{}, err
	}
	if hasSize {
		if o.Kind != KindRegister {
			return Operand{}, fmt.Errorf("Bad immediate %q", tok)
		}
		o.Size = size
	}
	return o, nil
}

// ParseJumpOffset parses the offset operand of a conditional/unconditional
// jump. Unlike a general immediate, it must carry an explicit sign or be a
// label (spec §4.1, last paragraph) — a bare numeric literal is rejected.
func ParseJumpOffset(tok string, equates *equate.Table) (Operand, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Operand{}, fmt.Errorf("Bad immediate %q", tok)
	}
	if tok[0] == '+' || tok[0] == '-' {
		body := tok
		if tok[0] == '+' {
			body = tok[1:]
			if strings.HasPrefix(body, "-") {
				return Operand{}, fmt.Errorf("Bad immediate %q", tok)
			}
		}
		v, ok := parseSignedLiteral(body, equates)
		if !ok {
			return Operand{}, fmt.Errorf("Bad immediate %q", tok)
		}
		return Operand{Kind: KindImmediate, Imm: v}, nil
	}
	if reIdent.MatchString(tok) && !reReg.MatchString(tok) && tok != "fp" {
		return Operand{Kind: KindLabel, Label: tok}, nil
	}
	return Operand{}, fmt.Errorf("Bad immediate %q", tok)
}

func stripSize(tok string) (base string, size Size, ok bool) {
	m := reSuffix.FindStringSubmatch(tok)
	if m == nil {
		return tok, SizeNone, false
	}
	switch m[1] {
	case "b":
		size = SizeByte
	case "w":
		size = SizeHalf
	case "l":
		size = SizeWord
	case "q":
		size = SizeQuad
	}
	return tok[:len(tok)-len(m[0])], size, true
}

func parseDirect(tok string, equates *equate.Table) (Operand, error) {
	if tok == "" {
		return Operand{}, fmt.Errorf("Bad direct operand %q", tok)
	}
	if reg, ok := parseRegister(tok); ok {
		return Operand{Kind: KindRegister, Reg: reg}, nil
	}
	if strings.HasPrefix(tok, "r") || tok == "fp" {
		// Looked like a register attempt but didn't parse cleanly.
		if looksLikeRegister(tok) {
			return Operand{}, fmt.Errorf("Bad register %q", tok)
		}
	}
	if v, ok := parseSignedLiteral(tok, equates); ok {
		return Operand{Kind: KindImmediate, Imm: v}, nil
	}
	if reIdent.MatchString(tok) {
		return Operand{Kind: KindLabel, Label: tok}, nil
	}
	return Operand{}, fmt.Errorf("Bad direct operand %q", tok)
}

func parseIndirect(inner string, equates *equate.Table) (Operand, error) {
	if inner == "" {
		return Operand{}, fmt.Errorf("Bad indirect operand %q", "[]")
	}
	if base, disp, hasDisp, ok := splitBaseDisp(inner); ok {
		reg, regOK := parseRegister(base)
		if !regOK {
			if looksLikeRegister(base) {
				return Operand{}, fmt.Errorf("Bad register %q", base)
			}
			return Operand{}, fmt.Errorf("Bad indirect operand %q", inner)
		}
		if _, _, sized := stripSize(base); sized {
			return Operand{}, fmt.Errorf("Bad size in indirect operand")
		}
		o := Operand{Kind: KindIndirect, Reg: reg, HasBase: true}
		if hasDisp {
			if _, _, sized := stripSize(disp); sized {
				return Operand{}, fmt.Errorf("Bad size in offset operand")
			}
			// The sign is the +/- operator between base and displacement.
			mag := strings.TrimSpace(disp[1:])
			if disp[0] == '-' {
				mag = "-" + mag
			}
			v, ok := parseSignedLiteral(mag, equates)
			if !ok {
				return Operand{}, fmt.Errorf("Bad immediate %q", disp)
			}
			o.Imm = v
			o.HasDisp = true
		}
		return o, nil
	}
	// Bare immediate: the LD_ABS packet-load form.
	v, ok := parseSignedLiteral(inner, equates)
	if !ok {
		return Operand{}, fmt.Errorf("Bad immediate %q", inner)
	}
	return Operand{Kind: KindIndirect, HasBase: false, Imm: v}, nil
}

// splitBaseDisp splits "r0+8", "r0 - 0x10", "fp" into a base register token
// and an optional signed displacement token. ok is false if inner does not
// look like a base-register form at all (e.g. a bare immediate).
func splitBaseDisp(inner string) (base, disp string, hasDisp bool, ok bool) {
	// Find a +/- that is not the first character (a leading sign belongs to
	// a bare immediate, not a base+disp split).
	for i := 1; i < len(inner); i++ {
		if inner[i] == '+' || inner[i] == '-' {
			base = strings.TrimSpace(inner[:i])
			disp = strings.TrimSpace(inner[i:])
			return base, disp, true, looksLikeRegisterToken(base)
		}
	}
	base = strings.TrimSpace(inner)
	return base, "", false, looksLikeRegisterToken(base)
}

func looksLikeRegisterToken(tok string) bool {
	b, _, _ := stripSize(tok)
	return b == "fp" || strings.HasPrefix(b, "r")
}

func looksLikeRegister(tok string) bool {
	return tok == "fp" || (len(tok) > 0 && tok[0] == 'r')
}

func parseRegister(tok string) (uint8, bool) {
	if tok == "fp" {
		return 10, true
	}
	m := reReg.FindStringSubmatch(tok)
	if m == nil {
		return 0, false
	}
	n, _ := strconv.Atoi(m[1])
	return uint8(n), true
}

func parseSignedLiteral(tok string, equates *equate.Table) (int64, bool) {
	neg := false
	body := tok
	if strings.HasPrefix(body, "-") {
		neg = true
		body = body[1:]
	}
	if v, ok := parseLiteral(body); ok {
		if neg {
			v = -v
		}
		return v, true
	}
	if !neg && reIdent.MatchString(tok) {
		if v, ok := equates.Lookup(tok); ok {
			return v, true
		}
	}
	if neg && reIdent.MatchString(body) {
		if v, ok := equates.Lookup(body); ok {
			return -v, true
		}
	}
	return 0, false
}

func parseLiteral(body string) (int64, bool) {
	switch {
	case reHex.MatchString(body):
		v, err := strconv.ParseUint(body[2:], 16, 64)
		if err != nil {
			return 0, false
		}
		return int64(v), true
	case reOctal.MatchString(body):
		v, err := strconv.ParseUint(body[1:], 8, 64)
		if err != nil {
			return 0, false
		}
		return int64(v), true
	case reDecimal.MatchString(body):
		v, err := strconv.ParseUint(body, 10, 64)
		if err != nil {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}

// ParseConstant parses a `.equ` value: a signed numeric literal or a
// reference to a previously-defined equate (spec §3.4, §6.1).
func ParseConstant(tok string, equates *equate.Table) (int64, bool) {
	tok = strings.TrimSpace(tok)
	return parseSignedLiteral(tok, equates)
}

// ParseUnsignedLiteral parses a wide-immediate (u64) literal: same grammar
// as a regular immediate but read as unsigned 64-bit, and a leading '-' is
// rejected.
func ParseUnsignedLiteral(tok string, equates *equate.Table) (uint64, bool) {
	if strings.HasPrefix(tok, "-") {
		return 0, false
	}
	if v, ok := parseLiteral(tok); ok {
		return uint64(v), true
	}
	if reIdent.MatchString(tok) {
		if v, ok := equates.Lookup(tok); ok {
			return uint64(v), true
		}
	}
	return 0, false
}
