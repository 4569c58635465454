package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestIncludeResolverFindsRelativeToIncludingFile(t *testing.T) {
	dir := t.TempDir()
	including := filepath.Join(dir, "main.s")
	target := filepath.Join(dir, "defs.s")
	if err := os.WriteFile(target, []byte(".equ SIZE, 8\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	resolve := includeResolver(nil)
	path, content, err := resolve(including, "defs.s")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if path != target {
		t.Fatalf("resolved path = %q, want %q", path, target)
	}
	if content != ".equ SIZE, 8\n" {
		t.Fatalf("resolved content = %q", content)
	}
}

func TestIncludeResolverFallsBackToIncludeDirs(t *testing.T) {
	including := filepath.Join(t.TempDir(), "main.s")
	incDir := t.TempDir()
	target := filepath.Join(incDir, "defs.s")
	if err := os.WriteFile(target, []byte(".equ SIZE, 8\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	resolve := includeResolver([]string{incDir})
	path, _, err := resolve(including, "defs.s")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if path != target {
		t.Fatalf("resolved path = %q, want %q", path, target)
	}
}

func TestIncludeResolverErrorsWhenNotFound(t *testing.T) {
	resolve := includeResolver(nil)
	if _, _, err := resolve(filepath.Join(t.TempDir(), "main.s"), "nowhere.s"); err == nil {
		t.Fatal("an unresolvable include should error")
	}
}

func TestAssembleWritesObjectFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "prog.s")
	out := filepath.Join(dir, "prog.o")
	source := ".text\n.section prog\nexit\n"
	if err := os.WriteFile(src, []byte(source), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	log := logrus.NewEntry(logrus.New())
	if err := assemble(src, out, true, nil, log); err != nil {
		t.Fatalf("assemble: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile(out): %v", err)
	}
	if len(data) < 4 || data[0] != 0x7f || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		t.Fatal("output file does not start with the ELF magic")
	}
}

func TestAssembleReportsMissingSourceFile(t *testing.T) {
	dir := t.TempDir()
	err := assemble(filepath.Join(dir, "missing.s"), filepath.Join(dir, "out.o"), true, nil, logrus.NewEntry(logrus.New()))
	if err == nil {
		t.Fatal("assembling a missing source file should error")
	}
}
