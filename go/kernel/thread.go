package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/berkus/es-operating-system/go/models/cpu"
)

var threadIDs atomic.Int64

// Thread is an execution unit. While it runs upcalls it carries a stack of
// records, one per server it has leapt into; the top one names the process
// it currently executes in.
type Thread struct {
	k    *Kernel
	id   int64
	home *Process

	mu      sync.Mutex
	upcalls []*Record
}

func newThread(k *Kernel, home *Process) *Thread {
	return &Thread{k: k, id: threadIDs.Add(1), home: home}
}

func (t *Thread) ID() int64 { return t.id }

// Process returns the process the thread is executing in.
func (t *Thread) Process() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.upcalls); n > 0 {
		return t.upcalls[n-1].process
	}
	return t.home
}

// Depth is the number of nested upcalls in progress.
func (t *Thread) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.upcalls)
}

func (t *Thread) leapIntoServer(r *Record) {
	t.mu.Lock()
	t.upcalls = append(t.upcalls, r)
	t.mu.Unlock()
}

// returnToClient pops the current record and returns the process the thread
// is back in.
func (t *Thread) returnToClient() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.upcalls); n > 0 {
		t.upcalls[n-1] = nil
		t.upcalls = t.upcalls[:n-1]
	}
	if n := len(t.upcalls); n > 0 {
		return t.upcalls[n-1].process
	}
	return t.home
}

// ReturnFromUpcall is the server's way back: it saves the server's machine
// context into the current record and resumes the kernel where it loaded
// that record.
func (t *Thread) ReturnFromUpcall(u *cpu.Ureg) error {
	t.mu.Lock()
	var r *Record
	if n := len(t.upcalls); n > 0 {
		r = t.upcalls[n-1]
	}
	t.mu.Unlock()
	if r == nil || r.label == nil {
		return errors.New("return from upcall without an upcall in progress")
	}
	r.ureg = *u
	label := r.label
	r.label = nil
	label.resume()
	return nil
}
