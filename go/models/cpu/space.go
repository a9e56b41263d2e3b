package cpu

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type MemError struct {
	Addr uint64
	Size int
	Enum int
}

func (m *MemError) Error() string {
	reason := "memory error"
	switch m.Enum {
	case MEM_WRITE_UNMAPPED:
		reason = "unmapped write"
	case MEM_READ_UNMAPPED:
		reason = "unmapped read"
	case MEM_WRITE_PROT:
		reason = "protected write"
	case MEM_READ_PROT:
		reason = "protected read"
	}
	return fmt.Sprintf("%s at %#x(%d)", reason, m.Addr, m.Size)
}

// AddressSpace is the simulated user address space of one process.
// Reads and writes check both mapping and protection, so it doubles as the
// address-space validity check used by the marshaller.
type AddressSpace struct {
	mu    sync.RWMutex
	pages Pages
	bits  uint
	// addresses that do not fit inside mask are rejected
	mask  uint64
	order binary.ByteOrder
}

func NewAddressSpace(bits uint, order binary.ByteOrder) *AddressSpace {
	return &AddressSpace{
		bits:  bits,
		mask:  ^uint64(0) >> (64 - bits),
		order: order,
	}
}

func (a *AddressSpace) Bits() uint              { return a.bits }
func (a *AddressSpace) Order() binary.ByteOrder { return a.order }
func (a *AddressSpace) inRange(addr, size uint64) bool {
	end := addr + size
	return end >= addr && addr&a.mask == addr && (size == 0 || (end-1)&a.mask == end-1)
}

// Map creates a zero-filled mapping. Overlapping an existing mapping is an error.
func (a *AddressSpace) Map(addr, size uint64, prot int, desc string) error {
	if size == 0 {
		return errors.New("zero-length mapping")
	}
	if !a.inRange(addr, size) {
		return errors.Errorf("region %#x(%#x) outside memory range", addr, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pages.FindRange(addr, size)) > 0 {
		return errors.Errorf("region %#x(%#x) overlaps an existing mapping", addr, size)
	}
	a.pages = append(a.pages, &Page{Addr: addr, Size: size, Prot: prot, Data: make([]byte, size), Desc: desc})
	sort.Sort(a.pages)
	return nil
}

// Unmap removes addr:size, splitting any mapping that straddles the edges.
func (a *AddressSpace) Unmap(addr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if mapped, _ := a.rangeValid(addr, size, 0); !mapped {
		return errors.Errorf("range %#x(%#x) not mapped", addr, size)
	}
	tmp := make(Pages, 0, len(a.pages)+1)
	for _, pg := range a.pages {
		if _, _, ok := pg.Intersect(addr, size); !ok {
			tmp = append(tmp, pg)
			continue
		}
		left, right := pg.carve(addr, size)
		if left != nil {
			tmp = append(tmp, left)
		}
		if right != nil {
			tmp = append(tmp, right)
		}
	}
	a.pages = tmp
	return nil
}

// Mappings returns a snapshot of the current mappings in address order.
func (a *AddressSpace) Mappings() Pages {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append(Pages(nil), a.pages...)
}

// Checks whether the range is covered by contiguous mappings.
// If prot > 0, also ensures every mapping has the entire protection mask.
func (a *AddressSpace) rangeValid(addr, size uint64, prot int) (mapGood bool, protGood bool) {
	if !a.inRange(addr, size) {
		return false, false
	}
	if size == 0 {
		return true, true
	}
	i := a.pages.bsearch(addr)
	if i < 0 {
		return false, false
	}
	protGood = true
	end := addr + size
	for _, pg := range a.pages[i:] {
		if !pg.Contains(addr) {
			break
		}
		if prot > 0 && pg.Prot&prot != prot {
			protGood = false
		}
		addr = pg.End()
		if addr >= end {
			break
		}
	}
	return addr >= end, protGood
}

// IsValid reports whether addr:size is mapped with at least prot.
func (a *AddressSpace) IsValid(addr, size uint64, prot int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	mapped, protected := a.rangeValid(addr, size, prot)
	return mapped && protected
}

func (a *AddressSpace) Read(addr uint64, p []byte) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if mapped, protected := a.rangeValid(addr, uint64(len(p)), PROT_READ); !mapped {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_READ_UNMAPPED}
	} else if !protected {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_READ_PROT}
	}
	for len(p) > 0 {
		pg := a.pages.Find(addr)
		n := copy(p, pg.Data[addr-pg.Addr:])
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

func (a *AddressSpace) Write(addr uint64, p []byte) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if mapped, protected := a.rangeValid(addr, uint64(len(p)), PROT_WRITE); !mapped {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_WRITE_UNMAPPED}
	} else if !protected {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_WRITE_PROT}
	}
	for len(p) > 0 {
		pg := a.pages.Find(addr)
		n := copy(pg.Data[addr-pg.Addr:], p)
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

func (a *AddressSpace) ReadUint(addr uint64, size int) (uint64, error) {
	var buf [8]byte
	if size > len(buf) {
		return 0, errors.Errorf("ReadUint size too large: %d > 8", size)
	}
	if err := a.Read(addr, buf[:size]); err != nil {
		return 0, err
	}
	return UnpackUint(a.order, size, buf[:size])
}

func (a *AddressSpace) WriteUint(addr uint64, size int, val uint64) error {
	var buf [8]byte
	p, err := PackUint(a.order, size, buf[:], val)
	if err != nil {
		return err
	}
	return a.Write(addr, p)
}
