package kernel

import (
	"fmt"
	"strings"

	"github.com/berkus/es-operating-system/go/idl"
	"github.com/berkus/es-operating-system/go/kernel/broker"
)

func (k *Kernel) tracing(p *Process) bool {
	return k.config.TraceUpcall || p.Log()
}

func (k *Kernel) callPrefix(p *Process, slot int, iface *idl.Interface, m *idl.Method) string {
	return fmt.Sprintf("upcall[%d:%s]: %s", slot, p, k.config.ColorCall(iface.Name+"::"+m.Name))
}

// traceCall prints the call half of a trace line once its arguments are
// marshalled.
func (k *Kernel) traceCall(r *Record, notes []string) {
	k.config.Printf("%s(%s)", k.callPrefix(r.process, r.proxy.Index, r.iface, r.method), strings.Join(notes, ", "))
}

func (k *Kernel) traceResult(p *Process, result int64) {
	if k.tracing(p) {
		k.config.Printf(" = %s\n", k.config.ColorReturn(fmt.Sprintf("%#x", result)))
	}
}

func (k *Kernel) traceError(p *Process, err error) {
	if k.tracing(p) {
		k.config.Printf(" = %s\n", k.config.ColorError(fmt.Sprintf("%v (%s)", Errno(err), err)))
	}
}

// traceLocal prints a reference count call answered by the proxy itself.
func (k *Kernel) traceLocal(p *Process, h broker.Handle, iface *idl.Interface, m *idl.Method, ref int64) {
	if !k.tracing(p) {
		return
	}
	used := 0
	if k.broker.Used(h) {
		used = 1
	}
	k.config.Printf("%s() = %s %s\n", k.callPrefix(p, h.Index, iface, m), k.config.ColorReturn(fmt.Sprint(ref)), k.config.ColorDim(fmt.Sprintf("[local, used=%d]", used)))
}

// DumpBroker writes the live slots of the upcall broker to the configured
// output.
func (k *Kernel) DumpBroker() {
	k.broker.Each(func(s broker.SlotInfo) bool {
		k.config.Printf("%s\n", s)
		return true
	})
}
