package asm

// ELF section flags (SHF_*) relevant to sections this package produces.
const (
	flagWrite     uint64 = 0x1
	flagAlloc     uint64 = 0x2
	flagExecinstr uint64 = 0x4
)
