package models

import (
	"github.com/berkus/es-operating-system/go/models/cpu"
)

// MemIO streams bytes to and from a process address space, advancing Addr.
type MemIO struct {
	Mem  *cpu.AddressSpace
	Addr uint64
}

func (m *MemIO) Read(p []byte) (int, error) {
	if err := m.Mem.Read(m.Addr, p); err != nil {
		return 0, err
	}
	m.Addr += uint64(len(p))
	return len(p), nil
}

func (m *MemIO) Write(p []byte) (int, error) {
	if err := m.Mem.Write(m.Addr, p); err != nil {
		return 0, err
	}
	m.Addr += uint64(len(p))
	return len(p), nil
}

// StrucAt returns a struc stream positioned at addr.
func StrucAt(mem *cpu.AddressSpace, addr uint64) *StrucStream {
	return NewStrucStream(&MemIO{Mem: mem, Addr: addr}, mem.Order())
}
