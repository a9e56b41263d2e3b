package kernel

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/models/cpu"
	"github.com/berkus/es-operating-system/go/models/trace"
)

func errStackOverflow(r *Record, n uint64) error {
	return errors.Wrapf(unix.ENOMEM, "%s: %d bytes overflow the upcall stack", r.process, n)
}

// getUpcallRecord takes a free record or creates a new one.
func (p *Process) getUpcallRecord() (*Record, error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return nil, errors.Wrapf(unix.ESRCH, "%s has exited", p)
	}
	if n := len(p.free); n > 0 {
		r := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()
	return p.createUpcallRecord(p.k.config.UpcallStackSize)
}

func (p *Process) putUpcallRecord(r *Record) {
	r.endCall()
	p.mu.Lock()
	p.free = append(p.free, r)
	p.mu.Unlock()
}

// createUpcallRecord maps a new user stack below the thread and upcall
// stacks already carved from the top of user space, leaving the top page of
// the slot unmapped as a guard.
func (p *Process) createUpcallRecord(stackSize uint64) (*Record, error) {
	c := p.k.config
	p.mu.Lock()
	slot := uint64(p.threadCount + p.upcallCount + 1)
	p.upcallCount++
	tlsSize, tlsAlign := p.tlsSize, p.tlsAlign
	p.mu.Unlock()

	fail := func(err error) (*Record, error) {
		p.mu.Lock()
		p.upcallCount--
		p.mu.Unlock()
		return nil, err
	}
	if slot*stackSize > c.UserMax || c.UserMax-slot*stackSize < c.UserStackFloor {
		return fail(errors.Wrapf(unix.ENOMEM, "%s: no room for upcall stack %d", p, slot))
	}
	stack := c.UserMax - slot*stackSize
	size := stackSize - c.PageSize
	if err := p.mem.Map(stack, size, cpu.PROT_READ|cpu.PROT_WRITE, "[upcall stack]"); err != nil {
		return fail(errors.Wrapf(unix.ENOMEM, "%s: map upcall stack: %v", p, err))
	}

	r := &Record{process: p, stack: stack, stackTop: stack + size}
	r.tls = r.stackTop
	if tlsSize > 0 {
		r.tls = (r.stackTop - tlsSize) &^ (tlsAlign - 1)
	}
	r.initSP = r.tls
	r.reset()

	p.mu.Lock()
	p.records = append(p.records, r)
	p.mu.Unlock()
	p.k.log.Debug("upcall record created",
		zap.Int("pid", p.pid),
		zap.Uint64("stack", stack),
		zap.Uint64("top", r.stackTop))
	p.k.emit(&trace.OpRecord{Pid: uint32(p.pid), Stack: stack, Size: size})
	return r, nil
}

// Records reports how many records exist and how many are free.
func (p *Process) Records() (total, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records), len(p.free)
}

// enterProcess runs the first-entry setup of an INIT record: the TLS image
// is copied in, the startup frame pushed and the entry pointed at startup.
func (p *Process) enterProcess(r *Record) error {
	p.mu.Lock()
	image, size := p.tlsImage, p.tlsSize
	startup, focus := p.startup, p.focus
	p.mu.Unlock()

	if size > 0 {
		tls := make([]byte, size)
		copy(tls, image)
		if err := p.Write(r.tls, tls); err != nil {
			return err
		}
	}
	if err := r.push(0); err != nil { // param
		return err
	}
	if err := r.push(uint32(focus)); err != nil {
		return err
	}
	if err := r.push(0); err != nil { // return address
		return err
	}
	r.entry(startup)
	return nil
}

// RecordList returns p's upcall records in creation order.
func (p *Process) RecordList() []*Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Record(nil), p.records...)
}
