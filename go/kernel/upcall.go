package kernel

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/idl"
	"github.com/berkus/es-operating-system/go/kernel/broker"
	"github.com/berkus/es-operating-system/go/models"
	"github.com/berkus/es-operating-system/go/models/cpu"
	"github.com/berkus/es-operating-system/go/models/trace"
)

// Upcall invokes global method number method on the object behind the
// upcall broker stub self, running it in the server process that owns the
// object and blocking t until it returns. args are the caller's argument
// words, not counting the receiver; buffers they point at live in the
// process t is executing in.
func (k *Kernel) Upcall(t *Thread, self, base uint64, method int, args []uint32) (int64, error) {
	if base != k.broker.Base() {
		return 0, errors.Wrapf(unix.EBADFD, "upcall through unknown broker %#x", base)
	}
	h, ok := k.broker.Resolve(self)
	if !ok {
		return 0, errors.Wrapf(unix.EBADFD, "no upcall proxy at %#x", self)
	}
	e, err := k.broker.Lookup(h)
	if err != nil {
		return 0, err
	}
	server, ok := e.Owner.(*Process)
	if !ok {
		return 0, errors.Wrapf(unix.EBADFD, "upcall proxy %s has no server", h)
	}
	iface, ok := k.registry.Lookup(e.IID)
	if !ok {
		return 0, errors.Wrapf(unix.ENOSYS, "unknown interface %s", e.IID)
	}
	super, local, m, err := k.registry.Resolve(e.IID, method)
	if err != nil {
		return 0, err
	}

	// reference counting stays on the proxy unless the server has to see it
	root := super.IID == idl.IInterfaceIID
	var ref uint32
	if root {
		switch local {
		case idl.AddRef:
			if ref, err = k.broker.AddRef(h); err != nil {
				return 0, err
			}
			first, err := k.broker.Use(h)
			if err != nil {
				return 0, err
			}
			if !first {
				k.traceLocal(server, h, iface, m, int64(ref))
				return int64(ref), nil
			}
		case idl.Release:
			if k.broker.Refs(h) > 1 || !k.broker.Used(h) {
				n, err := k.broker.Release(h)
				if err != nil {
					return 0, err
				}
				k.traceLocal(server, h, iface, m, int64(n))
				return int64(n), nil
			}
		}
	}

	r, err := server.getUpcallRecord()
	if err != nil {
		if _, ok := errors.Cause(err).(unix.Errno); ok {
			return 0, errors.Wrapf(err, "%s: no upcall record", server)
		}
		return 0, errors.Wrapf(unix.ENOMEM, "%s: no upcall record: %v", server, err)
	}
	r.beginCall(t.Process(), h, e.Object, iface, m, method, args)

	k.emit(&trace.OpUpcall{
		Pid:    uint32(server.pid),
		Slot:   uint32(h.Index),
		Method: uint32(method),
		IID:    guidBytes(e.IID),
		Depth:  uint16(t.Depth()),
		Args:   args,
	})
	result, err := k.dispatch(t, server, r, m)

	if root {
		switch local {
		case idl.AddRef:
			result = int64(ref)
		case idl.Release:
			n, rerr := k.broker.Release(h)
			if err == nil {
				err = rerr
			}
			result = int64(n)
		}
	}

	ret := &trace.OpReturn{Pid: uint32(server.pid), Slot: uint32(h.Index), Method: uint32(method), Result: result}
	if err != nil {
		ret.Errno = uint32(Errno(err))
		k.emit(ret)
		k.log.Debug("upcall failed",
			zap.Int("pid", server.pid),
			zap.Int("slot", h.Index),
			zap.String("method", iface.Name+"::"+m.Name),
			zap.Error(err))
		k.traceError(server, err)
		r.reset()
		server.putUpcallRecord(r)
		return 0, err
	}
	k.emit(ret)
	k.traceResult(server, result)
	server.putUpcallRecord(r)
	return result, nil
}

// dispatch runs one call on r: first entry into the server if r is new,
// then copy-in, the transfer itself, copy-out and result conversion.
func (k *Kernel) dispatch(t *Thread, server *Process, r *Record, m *idl.Method) (int64, error) {
	if r.state == RecordInit {
		t.leapIntoServer(r)
		if err := server.enterProcess(r); err != nil {
			t.returnToClient()
			return 0, err
		}
		k.transfer(t, r)
		t.returnToClient()
		if errno := r.ureg.Reg(cpu.ECX); errno != 0 {
			return 0, errors.Wrapf(unix.Errno(errno), "%s: startup failed", server)
		}
		r.state = RecordReady
	}

	if err := server.copyIn(r); err != nil {
		return 0, err
	}
	t.leapIntoServer(r)
	r.ureg.SetReg(cpu.EAX, uint32(r.object))
	r.ureg.SetReg(cpu.EDX, uint32(r.methodNumber))
	k.transfer(t, r)
	t.returnToClient()

	iid := idl.IInterfaceIID
	if err := server.copyOut(r, &iid); err != nil {
		return 0, err
	}
	result := r.ureg.Result()
	if errno := r.ureg.Reg(cpu.ECX); errno != 0 {
		return 0, errors.Wrapf(unix.Errno(errno), "%s::%s", r.iface.Name, m.Name)
	}

	switch m.Return.Spec {
	case idl.TypeInterface:
		iid = m.Return.IID
		fallthrough
	case idl.SpecObject:
		return k.importResult(server, uint64(uint32(result)), iid)
	}
	return result, nil
}

// transfer loads r's context and waits for the server to return.
func (k *Kernel) transfer(t *Thread, r *Record) {
	label := captureContinuation()
	r.label = label
	k.machine.Load(t, r)
	label.await()
}

// importResult converts an interface pointer returned by server into a
// kernel pointer.
func (k *Kernel) importResult(server *Process, ip uint64, iid models.Guid) (int64, error) {
	switch {
	case ip == 0:
		return 0, nil
	case server.syscalls.Contains(ip):
		h, ok := server.syscalls.Resolve(ip)
		if !ok {
			return 0, errors.Wrapf(unix.EBADFD, "%s returned dead syscall proxy %#x", server, ip)
		}
		e, err := server.syscalls.Lookup(h)
		if err != nil {
			return 0, err
		}
		return int64(e.Object), nil
	case server.IsValid(ip, wordSize):
		h, err := k.broker.Claim(server, ip, iid, true)
		if err != nil {
			return 0, err
		}
		k.claimed(trace.TableBroker, server, h.Index, ip, true)
		return int64(k.broker.Addr(h)), nil
	}
	return 0, errors.Wrapf(unix.EBADFD, "%s returned bad interface pointer %#x", server, ip)
}

func guidBytes(g models.Guid) (out [models.GuidSize]byte) {
	copy(out[:], g.Bytes())
	return out
}

// ProxyHandle resolves a stub of the upcall broker.
func (k *Kernel) ProxyHandle(stub uint64) (broker.Handle, bool) {
	return k.broker.Resolve(stub)
}
