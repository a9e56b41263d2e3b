package kernel

import (
	"fmt"

	"github.com/berkus/es-operating-system/go/idl"
	"github.com/berkus/es-operating-system/go/kernel/broker"
	"github.com/berkus/es-operating-system/go/models/cpu"
)

type RecordState int

const (
	// INIT records have never entered their process.
	RecordInit RecordState = iota
	RecordReady
)

func (s RecordState) String() string {
	if s == RecordReady {
		return "READY"
	}
	return "INIT"
}

// Record is the execution context used for one upcall at a time: a user
// stack in the server process and the machine context saved on it.
type Record struct {
	process *Process
	state   RecordState
	ureg    cpu.Ureg

	// mapped stack [stack, stackTop); the page above stackTop is the guard
	stack    uint64
	stackTop uint64
	tls      uint64
	initSP   uint64
	// stack pointer of the server's upcall loop, set once startup returns
	loopSP uint64

	label *Continuation
	fiber chan *Thread

	// current call
	client       *Process
	proxy        broker.Handle
	object       uint64
	iface        *idl.Interface
	method       *idl.Method
	methodNumber int
	args         []uint32
	spans        []span
	temps        []temp
}

// span is one reservation on the server stack.
type span struct {
	addr uint64
	size uint64
}

// temp is a syscall proxy created for an object argument, released once the
// call completes.
type temp struct {
	param  int
	handle broker.Handle
}

func (r *Record) Process() *Process      { return r.process }
func (r *Record) State() RecordState     { return r.state }
func (r *Record) Context() cpu.Ureg      { return r.ureg }
func (r *Record) Stack() (lo, hi uint64) { return r.stack, r.stackTop }
func (r *Record) TLS() uint64            { return r.tls }

func (r *Record) String() string {
	return fmt.Sprintf("record[%s %s stack=%#x-%#x]", r.process, r.state, r.stack, r.stackTop)
}

// reset returns the record to INIT with a fresh context at the stack top.
func (r *Record) reset() {
	r.state = RecordInit
	r.ureg.Reset()
	r.ureg.SetReg(cpu.ESP, uint32(r.initSP))
	r.ureg.SetReg(cpu.TP, uint32(r.tls))
	r.loopSP = 0
	r.label = nil
	r.endCall()
}

func (r *Record) beginCall(client *Process, h broker.Handle, object uint64, iface *idl.Interface, m *idl.Method, n int, args []uint32) {
	r.client = client
	r.proxy = h
	r.object = object
	r.iface = iface
	r.method = m
	r.methodNumber = n
	r.args = args
}

func (r *Record) endCall() {
	r.client = nil
	r.proxy = broker.Handle{}
	r.object = 0
	r.iface = nil
	r.method = nil
	r.methodNumber = 0
	r.args = nil
	r.spans = r.spans[:0]
	r.temps = r.temps[:0]
}

func (r *Record) esp() uint64 { return uint64(r.ureg.Reg(cpu.ESP)) }

func (r *Record) push(v uint32) error {
	sp := r.esp() - 4
	if sp < r.stack {
		return errStackOverflow(r, 4)
	}
	if err := r.process.WriteWord(sp, v); err != nil {
		return err
	}
	r.ureg.SetReg(cpu.ESP, uint32(sp))
	return nil
}

func (r *Record) entry(eip uint64) {
	r.ureg.SetReg(cpu.EIP, uint32(eip))
}
