package asmfile

import (
	"fmt"
	"testing"
)

func TestSplitStripsCommentsAndBlankLines(t *testing.T) {
	src := "; a comment\nmov r1, r2 ; trailing\n\nexit\n"
	lines := Split("f.s", src)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %+v", len(lines), lines)
	}
	if lines[0].Text != "mov r1, r2" {
		t.Fatalf("line 0 = %q", lines[0].Text)
	}
	if lines[0].No != 2 {
		t.Fatalf("line 0 No = %d, want 2", lines[0].No)
	}
	if lines[1].Text != "exit" {
		t.Fatalf("line 1 = %q", lines[1].Text)
	}
}

func TestSplitJoinsContinuations(t *testing.T) {
	src := "ld r1, \\\n0x10\n"
	lines := Split("f.s", src)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %+v", len(lines), lines)
	}
	if lines[0].Text != "ld r1, 0x10" {
		t.Fatalf("joined text = %q", lines[0].Text)
	}
	if lines[0].No != 1 {
		t.Fatalf("continuation line should keep the first physical line number, got %d", lines[0].No)
	}
}

func TestClassifyDirectives(t *testing.T) {
	cases := map[string]DirectiveKind{
		".text":                DirText,
		".data":                DirData,
		".section prog":        DirSection,
		".include \"foo.inc\"": DirInclude,
		".equ SIZE, 4096":      DirEqu,
	}
	for text, want := range cases {
		lines := Split("f.s", text)
		if len(lines) != 1 {
			t.Fatalf("Split(%q) produced %d lines", text, len(lines))
		}
		if lines[0].Directive != want {
			t.Errorf("Split(%q) directive = %v, want %v", text, lines[0].Directive, want)
		}
	}
}

func TestClassifyLabel(t *testing.T) {
	lines := Split("f.s", "loop_start: add r1, 1")
	if len(lines) != 1 {
		t.Fatalf("got %d lines", len(lines))
	}
	if lines[0].Label != "loop_start" {
		t.Fatalf("label = %q, want loop_start", lines[0].Label)
	}
	if lines[0].Text != "add r1, 1" {
		t.Fatalf("remaining text = %q", lines[0].Text)
	}
}

func TestClassifyBareLabel(t *testing.T) {
	lines := Split("f.s", "done:")
	if len(lines) != 1 || lines[0].Label != "done" || lines[0].Text != "" {
		t.Fatalf("got %+v", lines)
	}
}

func TestSpliceExpandsInclude(t *testing.T) {
	main := Split("main.s", ".include \"helper.inc\"\nexit")
	resolve := func(includingFile, path string) (string, string, error) {
		if path != "helper.inc" {
			return "", "", fmt.Errorf("unexpected include %q", path)
		}
		return "helper.inc", "mov r1, 1", nil
	}
	out, err := Splice(main, resolve)
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d lines, want 2: %+v", len(out), out)
	}
	if out[0].File != "helper.inc" || out[0].Text != "mov r1, 1" {
		t.Fatalf("spliced line = %+v", out[0])
	}
	if out[1].File != "main.s" || out[1].Text != "exit" {
		t.Fatalf("trailing line = %+v", out[1])
	}
}

func TestSpliceRecurses(t *testing.T) {
	main := Split("a.s", ".include \"b.inc\"")
	resolve := func(includingFile, path string) (string, string, error) {
		switch path {
		case "b.inc":
			return "b.inc", ".include \"c.inc\"", nil
		case "c.inc":
			return "c.inc", "exit", nil
		}
		return "", "", fmt.Errorf("unexpected include %q", path)
	}
	out, err := Splice(main, resolve)
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if len(out) != 1 || out[0].File != "c.inc" || out[0].Text != "exit" {
		t.Fatalf("got %+v", out)
	}
}

func TestSpliceErrorIncludesLocation(t *testing.T) {
	main := Split("a.s", ".include \"missing.inc\"")
	resolve := func(includingFile, path string) (string, string, error) {
		return "", "", fmt.Errorf("Cannot open include file %s", path)
	}
	_, err := Splice(main, resolve)
	if err == nil {
		t.Fatal("expected an error")
	}
	want := "a.s:1: Cannot open include file missing.inc"
	if err.Error() != want {
		t.Fatalf("err = %q, want %q", err.Error(), want)
	}
}

func TestSplitOperandsRespectsIndirectBrackets(t *testing.T) {
	got := SplitOperands("[r1+8], r2")
	want := []string{"[r1+8]", "r2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestFields(t *testing.T) {
	m, rest := Fields("  mov r1, r2  ")
	if m != "mov" || rest != "r1, r2" {
		t.Fatalf("Fields = %q, %q", m, rest)
	}
}

func TestParseEqu(t *testing.T) {
	name, value, err := ParseEqu("SIZE, 4096")
	if err != nil || name != "SIZE" || value != "4096" {
		t.Fatalf("ParseEqu = %q, %q, %v", name, value, err)
	}
	if _, _, err := ParseEqu("SIZE"); err == nil {
		t.Fatal("a .equ without a value should fail")
	}
}
