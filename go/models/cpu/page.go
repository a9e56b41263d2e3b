package cpu

import (
	"fmt"
	"strings"
)

// A Page is one contiguous mapping in an AddressSpace.
// Mappings may be any multiple of the page size.
type Page struct {
	Addr uint64
	Size uint64
	Prot int
	Data []byte
	Desc string
}

func (p *Page) String() string {
	prots := []int{PROT_READ, PROT_WRITE, PROT_EXEC}
	chars := "rwx"
	var prot strings.Builder
	for i := range prots {
		if p.Prot&prots[i] != 0 {
			prot.WriteByte(chars[i])
		} else {
			prot.WriteByte('-')
		}
	}
	desc := fmt.Sprintf("0x%08x-0x%08x %s", p.Addr, p.Addr+p.Size, prot.String())
	if p.Desc != "" {
		desc += fmt.Sprintf(" [%s]", p.Desc)
	}
	return desc
}

func (p *Page) End() uint64 {
	return p.Addr + p.Size
}

func (p *Page) Contains(addr uint64) bool {
	return addr >= p.Addr && addr < p.End()
}

// start = max(s1, s2), end = min(e1, e2), ok = end > start
func (p *Page) Intersect(addr, size uint64) (uint64, uint64, bool) {
	start, end := p.Addr, p.End()
	if e2 := addr + size; end > e2 {
		end = e2
	}
	if start < addr {
		start = addr
	}
	return start, end - start, end > start
}

func (p *Page) slice(addr, size uint64) *Page {
	o := addr - p.Addr
	return &Page{Addr: addr, Size: size, Prot: p.Prot, Data: p.Data[o : o+size], Desc: p.Desc}
}

// carve removes addr:size from the page and returns whatever survives on
// either side. Callers must ensure the ranges intersect.
func (p *Page) carve(addr, size uint64) (left, right *Page) {
	end := addr + size
	if addr > p.Addr {
		left = p.slice(p.Addr, addr-p.Addr)
	}
	if end < p.End() {
		right = p.slice(end, p.End()-end)
	}
	return left, right
}

type Pages []*Page

func (p Pages) Len() int           { return len(p) }
func (p Pages) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p Pages) Less(i, j int) bool { return p[i].Addr < p[j].Addr }

func (p Pages) String() string {
	s := make([]string, len(p))
	for i, v := range p {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// binary search to find index of the region containing addr, if any, else -1
func (p Pages) bsearch(addr uint64) int {
	l, r := 0, len(p)-1
	for l <= r {
		mid := (l + r) / 2
		e := p[mid]
		if addr < e.Addr {
			r = mid - 1
		} else if addr >= e.End() {
			l = mid + 1
		} else {
			return mid
		}
	}
	return -1
}

func (p Pages) Find(addr uint64) *Page {
	if i := p.bsearch(addr); i >= 0 {
		return p[i]
	}
	return nil
}

// FindRange returns every mapping overlapping addr:size.
func (p Pages) FindRange(addr, size uint64) Pages {
	var ret Pages
	for _, pg := range p {
		if _, _, ok := pg.Intersect(addr, size); ok {
			ret = append(ret, pg)
		}
	}
	return ret
}
