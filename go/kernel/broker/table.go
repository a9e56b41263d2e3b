// Package broker implements proxy tables: fixed arrays of reference counted
// slots, each of which stands for an interface pointer living somewhere else.
// A slot is addressed from user space by its stub address.
package broker

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/models"
)

// Owner is whoever the slot's object belongs to.
type Owner interface {
	Name() string
}

// Entry is the published content of a live slot.
type Entry struct {
	Owner  Owner
	Object uint64
	IID    models.Guid
}

// Handle names one lifetime of one slot. Handles from an earlier lifetime of
// the same slot are rejected.
type Handle struct {
	Index int
	Gen   uint32
}

func (h Handle) Valid() bool { return h.Gen != 0 }

func (h Handle) String() string { return fmt.Sprintf("%d@%d", h.Index, h.Gen) }

// A slot's state word packs its generation (high 32 bits), the used flag
// and the reference count, so every count change is checked against the
// lifetime it was meant for.
const (
	refsMask = 1<<31 - 1
	usedBit  = 1 << 31
	// refcount held while a slot is being torn down
	dying = refsMask
)

func pack(gen uint32, used bool, refs uint32) uint64 {
	v := uint64(gen)<<32 | uint64(refs&refsMask)
	if used {
		v |= usedBit
	}
	return v
}

func unpack(v uint64) (gen uint32, used bool, refs uint32) {
	return uint32(v >> 32), v&usedBit != 0, uint32(v) & refsMask
}

type slot struct {
	state atomic.Uint64
	entry atomic.Pointer[Entry]
}

// FreeFunc runs after a slot dropped to zero references.
type FreeFunc func(h Handle, e Entry, used bool)

type Table struct {
	name   string
	base   uint64
	stride uint64
	slots  []slot
	count  atomic.Int64
	onFree FreeFunc
}

// NewTable creates a table of size slots whose stubs start at base, one
// stride apart.
func NewTable(name string, base uint64, stride uint64, size int, onFree FreeFunc) *Table {
	if stride == 0 {
		stride = 4
	}
	return &Table{
		name:   name,
		base:   base,
		stride: stride,
		slots:  make([]slot, size),
		onFree: onFree,
	}
}

func (t *Table) Name() string  { return t.name }
func (t *Table) Base() uint64  { return t.base }
func (t *Table) Cap() int      { return len(t.slots) }
func (t *Table) Len() int      { return int(t.count.Load()) }
func (t *Table) Limit() uint64 { return t.base + uint64(len(t.slots))*t.stride }

// Claim takes the first free slot. Only the caller whose compare-and-swap
// moves the count from 0 to 1 owns the slot.
func (t *Table) Claim(owner Owner, object uint64, iid models.Guid, used bool) (Handle, error) {
	for i := range t.slots {
		s := &t.slots[i]
		v := s.state.Load()
		gen, _, n := unpack(v)
		if n != 0 {
			continue
		}
		if gen++; gen == 0 {
			gen = 1
		}
		if !s.state.CompareAndSwap(v, pack(gen, used, 1)) {
			continue
		}
		s.entry.Store(&Entry{Owner: owner, Object: object, IID: iid})
		t.count.Add(1)
		return Handle{Index: i, Gen: gen}, nil
	}
	return Handle{}, errors.Wrapf(unix.ENFILE, "%s: table full (%d slots)", t.name, len(t.slots))
}

func (t *Table) slot(h Handle) (*slot, *Entry, error) {
	if h.Index < 0 || h.Index >= len(t.slots) || !h.Valid() {
		return nil, nil, errors.Wrapf(unix.EBADFD, "%s: bad handle %s", t.name, h)
	}
	s := &t.slots[h.Index]
	e := s.entry.Load()
	if gen, _, _ := unpack(s.state.Load()); e == nil || gen != h.Gen {
		return nil, nil, errors.Wrapf(unix.EBADFD, "%s: stale handle %s", t.name, h)
	}
	return s, e, nil
}

// current loads the state of a slot h still names.
func (t *Table) current(s *slot, h Handle, op string) (uint64, bool, uint32, error) {
	v := s.state.Load()
	gen, used, n := unpack(v)
	if gen != h.Gen {
		return 0, false, 0, errors.Wrapf(unix.EBADFD, "%s: %s on stale handle %s", t.name, op, h)
	}
	if n == 0 || n == dying {
		return 0, false, 0, errors.Wrapf(unix.EBADFD, "%s: %s on free slot %s", t.name, op, h)
	}
	return v, used, n, nil
}

func (t *Table) Lookup(h Handle) (Entry, error) {
	_, e, err := t.slot(h)
	if err != nil {
		return Entry{}, err
	}
	return *e, nil
}

func (t *Table) AddRef(h Handle) (uint32, error) {
	s, _, err := t.slot(h)
	if err != nil {
		return 0, err
	}
	for {
		v, used, n, err := t.current(s, h, "addref")
		if err != nil {
			return 0, err
		}
		if n+1 >= dying {
			return 0, errors.Wrapf(unix.EOVERFLOW, "%s: too many references on %s", t.name, h)
		}
		if s.state.CompareAndSwap(v, pack(h.Gen, used, n+1)) {
			return n + 1, nil
		}
	}
}

// Release drops one reference. The last release unpublishes the entry and
// calls the free hook.
func (t *Table) Release(h Handle) (uint32, error) {
	s, _, err := t.slot(h)
	if err != nil {
		return 0, err
	}
	for {
		v, used, n, err := t.current(s, h, "release")
		if err != nil {
			return 0, err
		}
		if n > 1 {
			if s.state.CompareAndSwap(v, pack(h.Gen, used, n-1)) {
				return n - 1, nil
			}
			continue
		}
		if !s.state.CompareAndSwap(v, pack(h.Gen, false, dying)) {
			continue
		}
		e := s.entry.Swap(nil)
		s.state.Store(pack(h.Gen, false, 0))
		t.count.Add(-1)
		if t.onFree != nil && e != nil {
			t.onFree(h, *e, used)
		}
		return 0, nil
	}
}

// Use marks the slot used and reports whether this call was the one that did.
func (t *Table) Use(h Handle) (bool, error) {
	s, _, err := t.slot(h)
	if err != nil {
		return false, err
	}
	for {
		v, used, n, err := t.current(s, h, "use")
		if err != nil {
			return false, err
		}
		if used {
			return false, nil
		}
		if s.state.CompareAndSwap(v, pack(h.Gen, true, n)) {
			return true, nil
		}
	}
}

func (t *Table) Used(h Handle) bool {
	s, _, err := t.slot(h)
	if err != nil {
		return false
	}
	_, used, _, err := t.current(s, h, "used")
	return err == nil && used
}

func (t *Table) Refs(h Handle) uint32 {
	s, _, err := t.slot(h)
	if err != nil {
		return 0
	}
	_, _, n, err := t.current(s, h, "refs")
	if err != nil {
		return 0
	}
	return n
}

func (t *Table) Addr(h Handle) uint64 {
	return t.base + uint64(h.Index)*t.stride
}

func (t *Table) Contains(addr uint64) bool {
	return addr >= t.base && addr < t.Limit()
}

// Resolve maps a stub address to the handle of the live slot behind it.
func (t *Table) Resolve(addr uint64) (Handle, bool) {
	if !t.Contains(addr) || (addr-t.base)%t.stride != 0 {
		return Handle{}, false
	}
	i := int((addr - t.base) / t.stride)
	s := &t.slots[i]
	if s.entry.Load() == nil {
		return Handle{}, false
	}
	gen, _, n := unpack(s.state.Load())
	if n == 0 || n == dying {
		return Handle{}, false
	}
	return Handle{Index: i, Gen: gen}, true
}

// SlotInfo is a snapshot of one live slot.
type SlotInfo struct {
	Handle Handle
	Addr   uint64
	Entry  Entry
	Refs   uint32
	Used   bool
}

// Each calls fn for every live slot in index order until fn returns false.
func (t *Table) Each(fn func(SlotInfo) bool) {
	for i := range t.slots {
		s := &t.slots[i]
		e := s.entry.Load()
		if e == nil {
			continue
		}
		gen, used, n := unpack(s.state.Load())
		if n == 0 || n == dying {
			continue
		}
		h := Handle{Index: i, Gen: gen}
		info := SlotInfo{Handle: h, Addr: t.Addr(h), Entry: *e, Refs: n, Used: used}
		if !fn(info) {
			return
		}
	}
}

func (s SlotInfo) String() string {
	owner := "-"
	if s.Entry.Owner != nil {
		owner = s.Entry.Owner.Name()
	}
	used := ""
	if s.Used {
		used = " used"
	}
	return fmt.Sprintf("[%d] %#x -> %s:%#x %s refs=%d%s", s.Handle.Index, s.Addr, owner, s.Entry.Object, s.Entry.IID, s.Refs, used)
}
