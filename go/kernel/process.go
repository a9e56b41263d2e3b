package kernel

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/kernel/broker"
	"github.com/berkus/es-operating-system/go/models"
	"github.com/berkus/es-operating-system/go/models/cpu"
	"github.com/berkus/es-operating-system/go/models/trace"
)

const (
	textBase = 0x08048000
	heapBase = 0x10000000
	// focus defaults to this offset from the startup entry
	focusOffset = 0x10
)

// Entry is the user-mode code of a process. Startup runs the first time a
// record enters the process; Invoke runs every upcall after that.
type Entry interface {
	Startup(f *Frame) error
	Invoke(f *Frame) (uint64, unix.Errno)
}

type Process struct {
	k    *Kernel
	pid  int
	name string
	mem  *cpu.AddressSpace

	// ipt: proxies for kernel objects handed to this process
	syscalls *broker.Table

	log atomic.Bool

	mu          sync.Mutex
	free        []*Record
	records     []*Record
	threadCount int
	upcallCount int
	heap        uint64
	exited      bool

	entry    Entry
	startup  uint64
	focus    uint64
	tlsImage []byte
	tlsSize  uint64
	tlsAlign uint64
}

func newProcess(k *Kernel, pid int, name string, user bool) (*Process, error) {
	c := k.config
	p := &Process{
		k:       k,
		pid:     pid,
		name:    name,
		mem:     cpu.NewAddressSpace(32, binary.LittleEndian),
		heap:    heapBase,
		startup: textBase,
		focus:   textBase + focusOffset,
	}
	p.syscalls = broker.NewTable(fmt.Sprintf("ipt[%d]", pid), c.SyscallTableBase, 4, c.ProxyTableSize, p.syscallFree)
	if !user {
		return p, nil
	}
	if err := p.mem.Map(c.SyscallTableBase, pageAlign(uint64(c.ProxyTableSize)*4, c.PageSize), cpu.PROT_READ, "[ipt]"); err != nil {
		return nil, errors.Wrap(err, "failed to map syscall table")
	}
	if err := p.mem.Map(textBase, c.PageSize, cpu.PROT_READ|cpu.PROT_EXEC, "[text]"); err != nil {
		return nil, errors.Wrap(err, "failed to map text")
	}
	return p, nil
}

func pageAlign(n, page uint64) uint64 {
	return (n + page - 1) &^ (page - 1)
}

func (p *Process) Pid() int                    { return p.pid }
func (p *Process) Name() string                { return p.name }
func (p *Process) Kernel() *Kernel             { return p.k }
func (p *Process) Mem() *cpu.AddressSpace      { return p.mem }
func (p *Process) SyscallTable() *broker.Table { return p.syscalls }
func (p *Process) String() string              { return fmt.Sprintf("%d:%s", p.pid, p.name) }
func (p *Process) SetLog(on bool)              { p.log.Store(on) }
func (p *Process) Log() bool                   { return p.log.Load() }
func (p *Process) Startup() uint64             { return p.startup }
func (p *Process) Focus() uint64               { return p.focus }
func (p *Process) IsValid(addr, size uint64) bool {
	return p.mem.IsValid(addr, size, cpu.PROT_READ)
}

// Read copies len(dst) bytes at addr out of the process.
func (p *Process) Read(dst []byte, addr uint64) error {
	if err := p.mem.Read(addr, dst); err != nil {
		return fault(err, "%s: read %#x(%d)", p, addr, len(dst))
	}
	return nil
}

// Write copies src into the process at addr.
func (p *Process) Write(addr uint64, src []byte) error {
	if err := p.mem.Write(addr, src); err != nil {
		return fault(err, "%s: write %#x(%d)", p, addr, len(src))
	}
	return nil
}

func (p *Process) ReadWord(addr uint64) (uint32, error) {
	v, err := p.mem.ReadUint(addr, 4)
	if err != nil {
		return 0, fault(err, "%s: read word %#x", p, addr)
	}
	return uint32(v), nil
}

func (p *Process) WriteWord(addr uint64, v uint32) error {
	if err := p.mem.WriteUint(addr, 4, uint64(v)); err != nil {
		return fault(err, "%s: write word %#x", p, addr)
	}
	return nil
}

// Alloc maps a fresh read/write region on the process heap.
func (p *Process) Alloc(size uint64, desc string) (uint64, error) {
	if size == 0 {
		size = 1
	}
	size = pageAlign(size, p.k.config.PageSize)
	p.mu.Lock()
	addr := p.heap
	p.heap += size
	p.mu.Unlock()
	if err := p.mem.Map(addr, size, cpu.PROT_READ|cpu.PROT_WRITE, desc); err != nil {
		return 0, errors.Wrapf(unix.ENOMEM, "alloc %d bytes: %v", size, err)
	}
	return addr, nil
}

// SetEntry installs the user-mode code run by the process's upcall records.
func (p *Process) SetEntry(e Entry) {
	p.mu.Lock()
	p.entry = e
	p.mu.Unlock()
}

func (p *Process) Entry() Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entry
}

// SetFocus sets the user-mode function that handles upcalls once startup
// has run.
func (p *Process) SetFocus(focus uint64) {
	p.mu.Lock()
	p.focus = focus
	p.mu.Unlock()
}

// SetTLS sets the thread-local storage image copied into every record on
// its first upcall; the remainder of size is zero filled.
func (p *Process) SetTLS(image []byte, size, align uint64) error {
	if uint64(len(image)) > size {
		return errors.Wrapf(unix.EINVAL, "tls image (%d) larger than tls size (%d)", len(image), size)
	}
	if align == 0 {
		align = 4
	}
	if align&(align-1) != 0 {
		return errors.Wrapf(unix.EINVAL, "tls alignment %d is not a power of two", align)
	}
	p.mu.Lock()
	p.tlsImage = append([]byte(nil), image...)
	p.tlsSize = size
	p.tlsAlign = align
	p.mu.Unlock()
	return nil
}

// NewThread creates a thread whose home is p.
func (p *Process) NewThread() *Thread {
	p.mu.Lock()
	p.threadCount++
	p.mu.Unlock()
	return newThread(p.k, p)
}

// AddRef increments the reference count of a syscall proxy held by p.
func (p *Process) AddRef(ipt uint64) (uint32, error) {
	h, ok := p.syscalls.Resolve(ipt)
	if !ok {
		return 0, errors.Wrapf(unix.EBADFD, "%s: no syscall proxy at %#x", p, ipt)
	}
	return p.syscalls.AddRef(h)
}

// Release drops a reference to a syscall proxy; the last one releases the
// kernel object behind it.
func (p *Process) Release(ipt uint64) (uint32, error) {
	h, ok := p.syscalls.Resolve(ipt)
	if !ok {
		return 0, errors.Wrapf(unix.EBADFD, "%s: no syscall proxy at %#x", p, ipt)
	}
	return p.syscalls.Release(h)
}

// Invoke forwards a call made through the syscall proxy at ipt to the kernel
// object behind it. Object arguments are translated from p's syscall
// table to kernel pointers.
func (p *Process) Invoke(t *Thread, ipt uint64, method int, args []uint32) (int64, error) {
	h, ok := p.syscalls.Resolve(ipt)
	if !ok {
		return 0, errors.Wrapf(unix.EBADFD, "%s: no syscall proxy at %#x", p, ipt)
	}
	e, err := p.syscalls.Lookup(h)
	if err != nil {
		return 0, err
	}
	obj, ok := p.k.Object(e.Object)
	if !ok {
		return 0, errors.Wrapf(unix.EBADFD, "%s: kernel object %#x is gone", p, e.Object)
	}
	inv, ok := obj.(Invoker)
	if !ok {
		return 0, errors.Wrapf(unix.ENOSYS, "%s: kernel object %#x does not take calls", p, e.Object)
	}
	_, _, m, err := p.k.registry.Resolve(e.IID, method)
	if err != nil {
		return 0, err
	}
	words := append([]uint32(nil), args...)
	var exported []uint64
	defer func() {
		for _, stub := range exported {
			p.k.Proxy(stub).Release()
		}
	}()
	for _, arg := range objectArgs(m) {
		if arg.index >= len(words) || words[arg.index] == 0 {
			continue
		}
		ptr, fresh, err := p.kernelPointer(uint64(words[arg.index]), arg.iid)
		if err != nil {
			return 0, err
		}
		if fresh {
			exported = append(exported, ptr)
		}
		words[arg.index] = uint32(ptr)
	}
	return inv.Invoke(t, method, words)
}

// kernelPointer maps an interface pointer held by p to a kernel pointer.
// Pointers to p's own objects are exported and fresh is set; the caller owns
// the new stub's reference.
func (p *Process) kernelPointer(ptr uint64, iid models.Guid) (kptr uint64, fresh bool, err error) {
	if p.syscalls.Contains(ptr) {
		h, ok := p.syscalls.Resolve(ptr)
		if !ok {
			return 0, false, errors.Wrapf(unix.EBADFD, "%s: dead syscall proxy %#x", p, ptr)
		}
		e, err := p.syscalls.Lookup(h)
		if err != nil {
			return 0, false, err
		}
		return e.Object, false, nil
	}
	if !p.IsValid(ptr, 4) {
		return 0, false, errors.Wrapf(unix.EBADFD, "%s: bad interface pointer %#x", p, ptr)
	}
	stub, err := p.k.Export(p, ptr, iid)
	return stub, err == nil, err
}

func (p *Process) syscallFree(h broker.Handle, e broker.Entry, used bool) {
	p.k.log.Debug("proxy freed", zap.String("table", "syscall"), zap.Int("pid", p.pid), zap.Int("slot", h.Index), zap.Bool("used", used))
	p.k.emit(&trace.OpFree{Table: trace.TableSyscall, Pid: uint32(p.pid), Slot: uint32(h.Index), Used: used})
	if !used {
		return
	}
	if obj, ok := p.k.Object(e.Object); ok {
		obj.Release()
	}
}

// bindSyscall registers a kernel object in p's syscall table and returns the
// interface pointer p sees.
func (p *Process) bindSyscall(object uint64, iid models.Guid) (broker.Handle, uint64, error) {
	obj, ok := p.k.Object(object)
	if !ok {
		return broker.Handle{}, 0, errors.Wrapf(unix.EBADFD, "unknown kernel object %#x", object)
	}
	h, err := p.syscalls.Claim(p, object, iid, true)
	if err != nil {
		return broker.Handle{}, 0, err
	}
	obj.AddRef()
	p.k.claimed(trace.TableSyscall, p, h.Index, object, true)
	return h, p.syscalls.Addr(h), nil
}

func (p *Process) exit() {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	records := p.records
	p.mu.Unlock()
	for _, r := range records {
		p.k.machine.Unload(r)
	}
	p.syscalls.Each(func(s broker.SlotInfo) bool {
		for p.syscalls.Refs(s.Handle) > 0 {
			if _, err := p.syscalls.Release(s.Handle); err != nil {
				break
			}
		}
		return true
	})
	p.k.log.Debug("process exited", zap.Int("pid", p.pid), zap.Int("records", len(records)))
}
