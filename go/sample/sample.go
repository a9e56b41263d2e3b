// Package sample holds the interfaces and servants escall boots to exercise
// the upcall engine: an echo server and a kernel clock.
package sample

import (
	"bytes"
	_ "embed"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/idl"
	"github.com/berkus/es-operating-system/go/kernel"
	"github.com/berkus/es-operating-system/go/models"
	"github.com/berkus/es-operating-system/go/server"
)

//go:embed echo.toml
var echoIDL []byte

var (
	IClockIID = models.MustParseGuid("8d0b9a52-3c1e-4e6b-9d8a-2f1c6a7e0001")
	IEchoIID  = models.MustParseGuid("8d0b9a52-3c1e-4e6b-9d8a-2f1c6a7e0002")
)

// Registry returns a registry holding IInterface and the sample interfaces.
func Registry() (*idl.Registry, error) {
	reg := idl.NewRegistry()
	if err := reg.Load(bytes.NewReader(echoIDL)); err != nil {
		return nil, errors.Wrap(err, "sample idl")
	}
	return reg, nil
}

// Stamp is the structure returned by IEcho::stamp.
type Stamp struct {
	IID   [16]byte
	Pid   uint32
	Calls uint32
}

// Echo implements IEcho.
type Echo struct {
	Label string
	calls atomic.Uint32
}

func (e *Echo) Calls() uint32 { return e.calls.Load() }

func (e *Echo) Echo(text string, buf server.Obuf, n server.Len) (int32, error) {
	e.calls.Add(1)
	k, err := buf.WriteString(text, n)
	return int32(k), err
}

func (e *Echo) Name(buf server.Obuf, n server.Len) (int32, error) {
	e.calls.Add(1)
	k, err := buf.WriteString(e.Label, n)
	return int32(k), err
}

// WEcho is Echo over wide strings.
func (e *Echo) WEcho(text server.Buf, buf server.Obuf, n server.Len) (int32, error) {
	e.calls.Add(1)
	s, err := text.ReadWString()
	if err != nil {
		return 0, err
	}
	k, err := buf.WriteWString(s, n)
	return int32(k), err
}

// Reverse copies data into out back to front. out must be large enough.
func (e *Echo) Reverse(data server.Buf, n server.Len, out server.Obuf, m server.Len) (int32, error) {
	e.calls.Add(1)
	if m < n {
		return 0, errors.Wrapf(unix.ERANGE, "reverse: %d bytes into %d", n, m)
	}
	p, err := data.Bytes(n)
	if err != nil {
		return 0, err
	}
	for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
		p[i], p[j] = p[j], p[i]
	}
	return int32(len(p)), out.WriteBytes(p)
}

func (e *Echo) Sum(a, b int64) int64 {
	e.calls.Add(1)
	return a + b
}

func (e *Echo) Twice(x server.Buf) error {
	e.calls.Add(1)
	v, err := x.ReadWord()
	if err != nil {
		return err
	}
	return x.WriteWord(uint32(int32(v) * 2))
}

func (e *Echo) Stamp(c *server.Call, buf server.Obuf) error {
	calls := e.calls.Add(1)
	s := Stamp{Pid: uint32(c.Process.Pid()), Calls: calls}
	copy(s.IID[:], c.Servant.IID.Bytes())
	return buf.Pack(&s)
}

// Self returns a new reference to the servant.
func (e *Echo) Self(c *server.Call) server.Object {
	e.calls.Add(1)
	c.Servant.AddRef()
	return server.Object(c.Servant.Addr)
}

// Peer asks other for its name.
func (e *Echo) Peer(c *server.Call, other server.Object, buf server.Obuf, n server.Len) (int32, error) {
	e.calls.Add(1)
	if other == 0 {
		return 0, errors.Wrap(unix.EINVAL, "peer: null object")
	}
	m, err := c.Process.Kernel().Registry().MethodIndex(IEchoIID, "name")
	if err != nil {
		return 0, err
	}
	r, err := c.Invoke(other, m, uint32(buf.Addr), uint32(n))
	return int32(r), err
}

// Time reads a clock handed in by the caller.
func (e *Echo) Time(c *server.Call, clock server.Object) (uint64, error) {
	e.calls.Add(1)
	m, err := c.Process.Kernel().Registry().MethodIndex(IClockIID, "ticks")
	if err != nil {
		return 0, err
	}
	r, err := c.Invoke(clock, m)
	return uint64(r), err
}

func (e *Echo) Fail(errno int32) error {
	e.calls.Add(1)
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// Clock is a kernel object implementing IClock. Every read advances it.
type Clock struct {
	refs  atomic.Int32
	ticks atomic.Uint64
}

func (c *Clock) Refs() int32     { return c.refs.Load() }
func (c *Clock) AddRef() uint32  { return uint32(c.refs.Add(1)) }
func (c *Clock) Release() uint32 { return uint32(c.refs.Add(-1)) }

func (c *Clock) Invoke(t *kernel.Thread, method int, args []uint32) (int64, error) {
	switch method {
	case idl.AddRef:
		return int64(c.AddRef()), nil
	case idl.Release:
		return int64(c.Release()), nil
	case idl.Release + 1:
		return int64(c.ticks.Add(1)), nil
	}
	return 0, errors.Wrapf(unix.ENOSYS, "IClock has no method %d", method)
}

// EchoServer is a process serving one Echo.
type EchoServer struct {
	*server.Runtime
	Echo    *Echo
	Servant *server.Servant
	Stub    uint64
}

// tlsSize is the thread-local block each upcall record of an echo server
// gets; the process name is its initial image.
const tlsSize = 64

// StartEcho creates a process named name serving an Echo and returns the
// broker stub clients call.
func StartEcho(k *kernel.Kernel, name string) (*EchoServer, error) {
	p, err := k.NewProcess(name)
	if err != nil {
		return nil, err
	}
	if err := p.SetTLS([]byte(name), tlsSize, 16); err != nil {
		return nil, err
	}
	rt := server.New(p)
	e := &Echo{Label: name}
	s, stub, err := rt.Publish(e, IEchoIID)
	if err != nil {
		return nil, errors.Wrapf(err, "publish %s", name)
	}
	return &EchoServer{Runtime: rt, Echo: e, Servant: s, Stub: stub}, nil
}
