package cmd

import (
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/kernel"
	"github.com/berkus/es-operating-system/go/sample"
)

// Session is a booted set of sample servers and a client thread in the
// kernel's core process.
type Session struct {
	K        *kernel.Kernel
	Thread   *kernel.Thread
	Servers  []*sample.EchoServer
	Clock    *sample.Clock
	ClockPtr uint64
}

// NewSession starts one echo server per name and binds a kernel clock.
func NewSession(k *kernel.Kernel, names ...string) (*Session, error) {
	s := &Session{K: k, Thread: k.NewThread(), Clock: &sample.Clock{}}
	for _, name := range names {
		srv, err := sample.StartEcho(k, name)
		if err != nil {
			return nil, err
		}
		s.Servers = append(s.Servers, srv)
	}
	s.ClockPtr = k.Bind(s.Clock)
	return s, nil
}

// Server finds a running server by process name.
func (s *Session) Server(name string) (*sample.EchoServer, bool) {
	for _, srv := range s.Servers {
		if srv.Process().Name() == name {
			return srv, true
		}
	}
	return nil, false
}

// Buf copies data into a new buffer in the core process.
func (s *Session) Buf(data []byte) (uint32, error) {
	core := s.K.Core()
	addr, err := core.Alloc(uint64(len(data)), "buf")
	if err != nil {
		return 0, err
	}
	return uint32(addr), core.Write(addr, data)
}

// Text copies a terminated string into the core process.
func (s *Session) Text(text string) (uint32, error) {
	return s.Buf(append([]byte(text), 0))
}

func (s *Session) Read(addr uint32, n int) ([]byte, error) {
	p := make([]byte, n)
	return p, s.K.Core().Read(p, uint64(addr))
}

// CString reads a terminated string of at most n bytes from the core process.
func (s *Session) CString(addr uint32, n int) (string, error) {
	p, err := s.Read(addr, n)
	if err != nil {
		return "", err
	}
	for i, b := range p {
		if b == 0 {
			return string(p[:i]), nil
		}
	}
	return string(p), nil
}

// Method resolves a method name, or a number, on the interface behind stub.
func (s *Session) Method(stub uint64, name string) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}
	h, ok := s.K.ProxyHandle(stub)
	if !ok {
		return 0, errors.Wrapf(unix.EBADFD, "no upcall proxy at %#x", stub)
	}
	e, err := s.K.Broker().Lookup(h)
	if err != nil {
		return 0, err
	}
	return s.K.Registry().MethodIndex(e.IID, name)
}

// Call makes an upcall through stub from the session thread.
func (s *Session) Call(stub uint64, method string, args ...uint32) (int64, error) {
	n, err := s.Method(stub, method)
	if err != nil {
		return 0, err
	}
	return s.K.Upcall(s.Thread, stub, s.K.Broker().Base(), n, args)
}
