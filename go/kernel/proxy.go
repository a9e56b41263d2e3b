package kernel

import (
	"go.uber.org/zap"

	"github.com/berkus/es-operating-system/go/idl"
)

// Proxy is the kernel-side face of an upcall broker stub: calling it
// upcalls into the server that owns the object.
type Proxy struct {
	k    *Kernel
	stub uint64
}

func (k *Kernel) Proxy(stub uint64) *Proxy {
	return &Proxy{k: k, stub: stub}
}

func (p *Proxy) Addr() uint64 { return p.stub }

func (p *Proxy) Invoke(t *Thread, method int, args []uint32) (int64, error) {
	return p.k.Upcall(t, p.stub, p.k.broker.Base(), method, args)
}

func (p *Proxy) refcall(method int) uint32 {
	n, err := p.Invoke(p.k.transientThread(), method, nil)
	if err != nil {
		p.k.log.Warn("proxy reference call failed", zap.Uint64("stub", p.stub), zap.Int("method", method), zap.Error(err))
		return 0
	}
	return uint32(n)
}

func (p *Proxy) AddRef() uint32  { return p.refcall(idl.AddRef) }
func (p *Proxy) Release() uint32 { return p.refcall(idl.Release) }
