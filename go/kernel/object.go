package kernel

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Object is a reference counted kernel-side interface pointer.
type Object interface {
	AddRef() uint32
	Release() uint32
}

// Invoker is implemented by kernel objects that accept calls forwarded from
// a process's syscall table.
type Invoker interface {
	Invoke(t *Thread, method int, args []uint32) (int64, error)
}

// directory hands out kernel pointers for bound objects.
type directory struct {
	mu   sync.RWMutex
	base uint64
	next uint64
	objs map[uint64]Object
}

const directoryStride = 8

func newDirectory(base uint64) *directory {
	return &directory{base: base, next: base, objs: make(map[uint64]Object)}
}

func (d *directory) bind(obj Object) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ptr := d.next
	d.next += directoryStride
	d.objs[ptr] = obj
	return ptr
}

func (d *directory) unbind(ptr uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.objs[ptr]; !ok {
		return errors.Wrapf(unix.EBADFD, "no kernel object at %#x", ptr)
	}
	delete(d.objs, ptr)
	return nil
}

func (d *directory) lookup(ptr uint64) (Object, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.objs[ptr]
	return obj, ok
}

func (d *directory) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.objs)
}

// Bind registers a kernel object and returns the kernel pointer that names
// it in upcall arguments and results.
func (k *Kernel) Bind(obj Object) uint64 {
	return k.objects.bind(obj)
}

func (k *Kernel) Unbind(ptr uint64) error {
	return k.objects.unbind(ptr)
}

// Object maps a kernel pointer to its object. Stubs of the upcall broker
// resolve to proxies.
func (k *Kernel) Object(ptr uint64) (Object, bool) {
	if k.broker.Contains(ptr) {
		if _, ok := k.broker.Resolve(ptr); ok {
			return k.Proxy(ptr), true
		}
		return nil, false
	}
	return k.objects.lookup(ptr)
}
