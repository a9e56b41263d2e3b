package kernel

import (
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/models/cpu"
)

// Machine loads a record's saved context and runs the process code it
// names. Load must not wait for that code to finish: completion is signalled
// by the code calling Thread.ReturnFromUpcall.
type Machine interface {
	Load(t *Thread, r *Record)
	// Unload frees whatever Load attached to r.
	Unload(r *Record)
}

// MachineFunc runs records synchronously on the loading goroutine.
type MachineFunc func(t *Thread, r *Record)

func (f MachineFunc) Load(t *Thread, r *Record) { f(t, r) }
func (f MachineFunc) Unload(r *Record)          {}

// SyncMachine executes records inline.
var SyncMachine Machine = MachineFunc(Execute)

type fiberMachine struct{}

// NewFiberMachine returns a machine that gives every record its own
// goroutine, asleep between upcalls.
func NewFiberMachine() Machine { return fiberMachine{} }

func (fiberMachine) Load(t *Thread, r *Record) {
	if r.fiber == nil {
		r.fiber = make(chan *Thread)
		go runFiber(r.fiber, r)
	}
	r.fiber <- t
}

func (fiberMachine) Unload(r *Record) {
	if r.fiber != nil {
		close(r.fiber)
		r.fiber = nil
	}
}

func runFiber(wake chan *Thread, r *Record) {
	for t := range wake {
		Execute(t, r)
	}
}

// Frame is what process code sees while it runs an upcall.
type Frame struct {
	Thread  *Thread
	Process *Process
	Ureg    *cpu.Ureg
}

// Object is the receiver of the call.
func (f *Frame) Object() uint64 { return uint64(f.Ureg.Reg(cpu.EAX)) }

// Method is the global method number of the call.
func (f *Frame) Method() int { return int(f.Ureg.Reg(cpu.EDX)) }

func (f *Frame) SP() uint64 { return uint64(f.Ureg.Reg(cpu.ESP)) }

// Word reads the i'th 32-bit word above the stack pointer.
func (f *Frame) Word(i int) (uint32, error) {
	return f.Process.ReadWord(f.SP() + uint64(i)*4)
}

// Words reads n words starting at the stack pointer.
func (f *Frame) Words(n int) ([]uint32, error) {
	out := make([]uint32, n)
	for i := range out {
		w, err := f.Word(i)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

// Execute runs the code behind r's context on the current goroutine and
// returns to the kernel through t. A context at the startup entry runs
// Entry.Startup and parks at focus; any other runs Entry.Invoke.
func Execute(t *Thread, r *Record) {
	p := r.process
	u := r.ureg
	f := &Frame{Thread: t, Process: p, Ureg: &u}
	e := p.Entry()

	var result uint64
	var errno unix.Errno
	if uint64(u.Reg(cpu.EIP)) == p.Startup() {
		focus, err := f.Word(1)
		if err == nil && e != nil {
			err = e.Startup(f)
		}
		if err != nil {
			errno = Errno(err)
		}
		r.loopSP = f.SP()
		u.SetReg(cpu.EIP, focus)
	} else if e == nil {
		errno = unix.ENOSYS
	} else {
		result, errno = e.Invoke(f)
	}
	u.SetResult(result)
	u.SetReg(cpu.ECX, uint32(errno))
	u.SetReg(cpu.ESP, uint32(r.loopSP))
	t.ReturnFromUpcall(&u)
}
