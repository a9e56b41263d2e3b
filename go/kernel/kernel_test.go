package kernel

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/idl"
	"github.com/berkus/es-operating-system/go/models"
	"github.com/berkus/es-operating-system/go/models/cpu"
)

var iidTest = models.MustParseGuid("e5e5e5e5-0000-0000-0000-000000000001")

// global method numbers of ITest
const (
	mEcho = 3 + iota
	mName
	mFill
	mSwap
	mTake
	mSelf
	mQuery
	mFail
	mStamp
	mNested
	mWEcho
	mOutObj
	mEnd
)

func testInterface() idl.Interface {
	s32 := idl.Type{Spec: idl.SpecS32}
	obj := idl.Type{Spec: idl.SpecObject}
	self := idl.Type{Spec: idl.TypeInterface, IID: iidTest, Name: "ITest"}
	return idl.Interface{
		Name:  "ITest",
		IID:   iidTest,
		Super: idl.IInterfaceIID,
		Methods: []idl.Method{
			{Name: "echo", Return: s32, Parameters: []idl.Parameter{
				{Name: "text", Type: idl.Type{Spec: idl.SpecString}, Direction: idl.In},
				{Name: "buf", Type: idl.Type{Spec: idl.SpecString}, Direction: idl.Out},
			}},
			{Name: "name", Return: idl.Type{Spec: idl.SpecString}},
			{Name: "fill", Return: s32, Parameters: []idl.Parameter{
				{Name: "buf", Type: idl.Type{Spec: idl.TypeSequence, Size: 1}, Direction: idl.Out},
			}},
			{Name: "swap", Return: idl.Type{Spec: idl.SpecVoid}, Parameters: []idl.Parameter{
				{Name: "x", Type: s32, Direction: idl.InOut},
				{Name: "y", Type: idl.Type{Spec: idl.SpecS64}, Direction: idl.Out},
			}},
			{Name: "take", Return: s32, Parameters: []idl.Parameter{
				{Name: "obj", Type: obj, Direction: idl.In},
			}},
			{Name: "self", Return: self},
			{Name: "query", Return: obj, Parameters: []idl.Parameter{
				{Name: "riid", Type: idl.Type{Spec: idl.SpecUuid}, Direction: idl.In},
			}},
			{Name: "fail", Return: idl.Type{Spec: idl.SpecVoid}},
			{Name: "stamp", Return: idl.Type{Spec: idl.TypeStructure, Size: 8}, Parameters: []idl.Parameter{
				{Name: "n", Type: idl.Type{Spec: idl.SpecU64}, Direction: idl.In},
			}},
			{Name: "nested", Return: s32, Parameters: []idl.Parameter{
				{Name: "obj", Type: self, Direction: idl.In},
			}},
			{Name: "wecho", Return: s32, Parameters: []idl.Parameter{
				{Name: "text", Type: idl.Type{Spec: idl.SpecWString}, Direction: idl.In},
				{Name: "buf", Type: idl.Type{Spec: idl.SpecWString}, Direction: idl.Out},
			}},
			{Name: "outobj", Return: s32, Parameters: []idl.Parameter{
				{Name: "obj", Type: obj, Direction: idl.Out},
			}},
		},
	}
}

type testServer struct {
	object   uint64
	addRefs  atomic.Int32
	releases atomic.Int32
	startups atomic.Int32
	seen     atomic.Uint64
	calls    atomic.Int32
}

func (s *testServer) Startup(f *Frame) error {
	s.startups.Add(1)
	return nil
}

func readWString(p *Process, addr uint64) []byte {
	var out []byte
	for {
		u, err := p.mem.ReadUint(addr, 2)
		if err != nil || u == 0 {
			return out
		}
		out = append(out, byte(u), byte(u>>8))
		addr += 2
	}
}

func readCString(p *Process, addr uint64) []byte {
	var out []byte
	b := make([]byte, 1)
	for p.Read(b, addr) == nil && b[0] != 0 {
		out = append(out, b[0])
		addr++
	}
	return out
}

func (s *testServer) Invoke(f *Frame) (uint64, unix.Errno) {
	s.calls.Add(1)
	p := f.Process
	switch f.Method() {
	case idl.AddRef:
		s.addRefs.Add(1)
		return 100, 0
	case idl.Release:
		s.releases.Add(1)
		return 100, 0
	case mEcho:
		w, _ := f.Words(4)
		text := readCString(p, uint64(w[1]))
		n := copy(make([]byte, w[3]), text)
		p.Write(uint64(w[2]), append(text[:n:n], 0))
		return uint64(n), 0
	case mName:
		w, _ := f.Words(3)
		p.Write(uint64(w[1]), []byte("tester\x00"))
		return 6, 0
	case mFill:
		w, _ := f.Words(3)
		p.Write(uint64(w[1]), bytes.Repeat([]byte{0xaa}, int(w[2])))
		return 3, 0
	case mSwap:
		w, _ := f.Words(3)
		x, _ := p.ReadWord(uint64(w[1]))
		p.WriteWord(uint64(w[1]), x*2)
		p.mem.WriteUint(uint64(w[2]), 8, 0x1122334455667788)
		return 0, 0
	case mTake:
		w, _ := f.Words(2)
		s.seen.Store(uint64(w[1]))
		return uint64(w[1]), 0
	case mSelf:
		return f.Object(), 0
	case mQuery:
		return s.object, 0
	case mFail:
		return 0, unix.EPERM
	case mStamp:
		w, _ := f.Words(4)
		p.mem.WriteUint(uint64(w[1]), 8, uint64(w[3])<<32|uint64(w[2]))
		return 0, 0
	case mNested:
		// call back into the object we were handed through the syscall table
		w, _ := f.Words(2)
		s.seen.Store(uint64(w[1]))
		buf, err := p.Alloc(8, "nested")
		if err != nil {
			return 0, Errno(err)
		}
		n, err := p.Invoke(f.Thread, uint64(w[1]), mName, []uint32{uint32(buf), 8})
		if err != nil {
			return 0, Errno(err)
		}
		return uint64(n), 0
	case mWEcho:
		w, _ := f.Words(4)
		text := readWString(p, uint64(w[1]))
		n := copy(make([]byte, 2*(w[3]-1)), text)
		p.Write(uint64(w[2]), append(text[:n:n], 0, 0))
		return uint64(n / 2), 0
	case mOutObj:
		return 0, 0
	}
	return 0, unix.ENOSYS
}

type countingObject struct{ refs atomic.Int32 }

func (c *countingObject) AddRef() uint32  { return uint32(c.refs.Add(1)) }
func (c *countingObject) Release() uint32 { return uint32(c.refs.Add(-1)) }

type fixture struct {
	k      *Kernel
	server *Process
	srv    *testServer
	stub   uint64
	t      *Thread
}

func newFixture(t *testing.T, config *models.Config, opts ...Option) *fixture {
	reg := idl.NewRegistry()
	if err := reg.Register(testInterface()); err != nil {
		t.Fatal(err)
	}
	if len(opts) == 0 {
		opts = []Option{WithMachine(SyncMachine)}
	}
	k, err := New(config, reg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(k.Close)
	server, err := k.NewProcess("server")
	if err != nil {
		t.Fatal(err)
	}
	object, err := server.Alloc(16, "object")
	if err != nil {
		t.Fatal(err)
	}
	srv := &testServer{object: object}
	server.SetEntry(srv)
	stub, err := k.Export(server, object, iidTest)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{k: k, server: server, srv: srv, stub: stub, t: k.NewThread()}
}

func (f *fixture) call(method int, args ...uint32) (int64, error) {
	return f.k.Upcall(f.t, f.stub, f.k.Broker().Base(), method, args)
}

func (f *fixture) buf(t *testing.T, data []byte) uint64 {
	addr, err := f.k.Core().Alloc(uint64(len(data)), "buf")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.k.Core().Write(addr, data); err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestUpcallText(t *testing.T) {
	f := newFixture(t, nil)
	in := f.buf(t, []byte("hello\x00"))
	out := f.buf(t, make([]byte, 16))
	n, err := f.call(mEcho, uint32(in), uint32(out), 16)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("echo returned %d", n)
	}
	if got := readCString(f.k.Core(), out); string(got) != "hello" {
		t.Fatalf("echo wrote %q", got)
	}
	if f.srv.startups.Load() != 1 {
		t.Fatalf("startup ran %d times", f.srv.startups.Load())
	}
	total, free := f.server.Records()
	if total != 1 || free != 1 {
		t.Fatalf("records total=%d free=%d", total, free)
	}
}

func TestUpcallUnterminatedText(t *testing.T) {
	f := newFixture(t, nil)
	page := f.k.Config().PageSize
	out := f.buf(t, make([]byte, 16))
	// last heap mapping, so the scan runs off its end
	in := f.buf(t, bytes.Repeat([]byte{'x'}, int(page)))
	_, err := f.call(mEcho, uint32(in), uint32(out), 16)
	if Errno(err) != unix.EFAULT {
		t.Fatalf("unterminated text: %v", err)
	}
	if f.srv.calls.Load() != 0 {
		t.Fatal("server ran despite the fault")
	}
	// the record survives the failure and is usable again
	in = f.buf(t, []byte("ok\x00"))
	if n, err := f.call(mEcho, uint32(in), uint32(out), 16); err != nil || n != 2 {
		t.Fatalf("echo after fault = %d, %v", n, err)
	}
	if f.srv.startups.Load() != 2 {
		t.Fatalf("failed record was not reset: %d startups", f.srv.startups.Load())
	}
}

func TestUpcallStringReturn(t *testing.T) {
	f := newFixture(t, nil)
	out := f.buf(t, make([]byte, 8))
	n, err := f.call(mName, uint32(out), 8)
	if err != nil || n != 6 {
		t.Fatalf("name = %d, %v", n, err)
	}
	if got := readCString(f.k.Core(), out); string(got) != "tester" {
		t.Fatalf("name wrote %q", got)
	}
}

func TestUpcallSequence(t *testing.T) {
	f := newFixture(t, nil)
	out := f.buf(t, make([]byte, 8))
	if n, err := f.call(mFill, uint32(out), 8); err != nil || n != 3 {
		t.Fatalf("fill = %d, %v", n, err)
	}
	got := make([]byte, 8)
	f.k.Core().Read(got, out)
	want := []byte{0xaa, 0xaa, 0xaa, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("fill copied back %x, want %x", got, want)
	}
	// a result larger than the buffer copies nothing
	out = f.buf(t, make([]byte, 2))
	if _, err := f.call(mFill, uint32(out), 2); err != nil {
		t.Fatal(err)
	}
	got = make([]byte, 2)
	f.k.Core().Read(got, out)
	if !bytes.Equal(got, []byte{0, 0}) {
		t.Fatalf("overlong result copied %x", got)
	}
}

func TestUpcallScalars(t *testing.T) {
	f := newFixture(t, nil)
	x := f.buf(t, []byte{21, 0, 0, 0})
	y := f.buf(t, make([]byte, 8))
	if _, err := f.call(mSwap, uint32(x), uint32(y)); err != nil {
		t.Fatal(err)
	}
	if v, _ := f.k.Core().ReadWord(x); v != 42 {
		t.Fatalf("inout x = %d", v)
	}
	if v, _ := f.k.Core().Mem().ReadUint(y, 8); v != 0x1122334455667788 {
		t.Fatalf("out y = %#x", v)
	}
}

func TestUpcallStructReturn(t *testing.T) {
	f := newFixture(t, nil)
	out := f.buf(t, make([]byte, 8))
	if _, err := f.call(mStamp, uint32(out), 0x55667788, 0x11223344); err != nil {
		t.Fatal(err)
	}
	if v, _ := f.k.Core().Mem().ReadUint(out, 8); v != 0x1122334455667788 {
		t.Fatalf("struct return = %#x", v)
	}
}

func TestUpcallObjectRefsNetZero(t *testing.T) {
	f := newFixture(t, nil)
	obj := &countingObject{}
	obj.refs.Store(1)
	ptr := f.k.Bind(obj)
	ipt, err := f.call(mTake, uint32(ptr))
	if err != nil {
		t.Fatal(err)
	}
	if !f.server.SyscallTable().Contains(uint64(ipt)) {
		t.Fatalf("server got %#x, not a syscall proxy", ipt)
	}
	if n := obj.refs.Load(); n != 1 {
		t.Fatalf("object refs = %d after call, want 1", n)
	}
	if f.server.SyscallTable().Len() != 0 {
		t.Fatal("temporary syscall proxy leaked")
	}
	// unknown kernel pointers are rejected
	if _, err := f.call(mTake, 0xdead0000); Errno(err) != unix.EBADFD {
		t.Fatalf("unknown kernel object: %v", err)
	}
	// null passes through
	if n, err := f.call(mTake, 0); err != nil || n != 0 {
		t.Fatalf("null object = %d, %v", n, err)
	}
}

func TestUpcallAddRefForwardedOnce(t *testing.T) {
	f := newFixture(t, nil)
	for want := int64(2); want <= 3; want++ {
		n, err := f.call(idl.AddRef)
		if err != nil || n != want {
			t.Fatalf("addRef = %d, %v; want %d", n, err, want)
		}
	}
	if got := f.srv.addRefs.Load(); got != 1 {
		t.Fatalf("server saw %d addRef calls, want 1", got)
	}
	for want := int64(2); want >= 0; want-- {
		n, err := f.call(idl.Release)
		if err != nil || n != want {
			t.Fatalf("release = %d, %v; want %d", n, err, want)
		}
	}
	if got := f.srv.releases.Load(); got != 1 {
		t.Fatalf("server saw %d release calls, want 1", got)
	}
	if f.k.Broker().Len() != 0 {
		t.Fatal("proxy not freed")
	}
	if _, err := f.call(mName, 0, 0); Errno(err) != unix.EBADFD {
		t.Fatalf("call on freed proxy: %v", err)
	}
}

func TestUpcallReleaseUnused(t *testing.T) {
	f := newFixture(t, nil)
	n, err := f.call(idl.Release)
	if err != nil || n != 0 {
		t.Fatalf("release = %d, %v", n, err)
	}
	if f.srv.calls.Load() != 0 {
		t.Fatal("release of an unused proxy reached the server")
	}
}

func TestUpcallLoopBack(t *testing.T) {
	f := newFixture(t, nil)
	before := f.k.Broker().Len()
	stub, err := f.call(mSelf)
	if err != nil {
		t.Fatal(err)
	}
	if f.k.Broker().Len() != before+1 || !f.k.Broker().Contains(uint64(stub)) {
		t.Fatalf("self returned %#x, broker len %d", stub, f.k.Broker().Len())
	}
	h, _ := f.k.ProxyHandle(uint64(stub))
	if !f.k.Broker().Used(h) {
		t.Fatal("returned proxy should be marked used")
	}
	args := []uint32{uint32(stub)}
	got, err := f.k.Upcall(f.t, f.stub, f.k.Broker().Base(), mTake, args)
	if err != nil {
		t.Fatal(err)
	}
	if uint64(got) != f.srv.object {
		t.Fatalf("server got %#x, want its own object %#x", got, f.srv.object)
	}
	if args[0] != 0 {
		t.Fatal("loop-back argument word was not cleared")
	}
	if f.server.SyscallTable().Len() != 0 {
		t.Fatal("loop-back created a syscall proxy")
	}
}

func TestUpcallReturnSyscallProxy(t *testing.T) {
	f := newFixture(t, nil)
	obj := &countingObject{}
	ptr := f.k.Bind(obj)
	h, ipt, err := f.server.bindSyscall(ptr, idl.IInterfaceIID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.k.importResult(f.server, ipt, idl.IInterfaceIID)
	if err != nil || uint64(got) != ptr {
		t.Fatalf("import of syscall proxy = %#x, %v", got, err)
	}
	f.server.SyscallTable().Release(h)
	if _, err := f.k.importResult(f.server, ipt, idl.IInterfaceIID); Errno(err) != unix.EBADFD {
		t.Fatalf("dead syscall proxy: %v", err)
	}
	if _, err := f.k.importResult(f.server, 0xfffff000, idl.IInterfaceIID); Errno(err) != unix.EBADFD {
		t.Fatalf("bad pointer: %v", err)
	}
	if n, err := f.k.importResult(f.server, 0, idl.IInterfaceIID); err != nil || n != 0 {
		t.Fatalf("null = %d, %v", n, err)
	}
}

func TestUpcallQueryInterface(t *testing.T) {
	f := newFixture(t, nil)
	riid := f.buf(t, iidTest.Bytes())
	stub, err := f.call(mQuery, uint32(riid))
	if err != nil {
		t.Fatal(err)
	}
	h, ok := f.k.ProxyHandle(uint64(stub))
	if !ok {
		t.Fatalf("query returned %#x", stub)
	}
	e, _ := f.k.Broker().Lookup(h)
	if e.IID != iidTest {
		t.Fatalf("query proxy iid %s, want %s", e.IID, iidTest)
	}
}

func TestUpcallErrors(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.call(mFail); Errno(err) != unix.EPERM {
		t.Fatalf("server errno: %v", err)
	}
	if _, err := f.call(mEnd); Errno(err) != unix.ENOSYS {
		t.Fatalf("method out of range: %v", err)
	}
	if _, err := f.call(mFill, 0); Errno(err) != unix.EINVAL {
		t.Fatalf("short argument vector: %v", err)
	}
	if _, err := f.k.Upcall(f.t, f.stub+4, f.k.Broker().Base(), mName, nil); Errno(err) != unix.EBADFD {
		t.Fatalf("bad stub: %v", err)
	}
	if _, err := f.k.Upcall(f.t, f.stub, 0x1234, mName, nil); Errno(err) != unix.EBADFD {
		t.Fatalf("bad base: %v", err)
	}
}

func TestUpcallStackExhausted(t *testing.T) {
	config := models.DefaultConfig()
	config.UpcallStackSize = 2 * config.PageSize
	f := newFixture(t, config)
	out := f.buf(t, make([]byte, 2*config.PageSize))
	if _, err := f.call(mFill, uint32(out), uint32(2*config.PageSize)); Errno(err) != unix.ENOMEM {
		t.Fatalf("oversized reservation: %v", err)
	}
	total, free := f.server.Records()
	if total != 1 || free != 1 {
		t.Fatalf("records total=%d free=%d", total, free)
	}
}

func TestUpcallNested(t *testing.T) {
	f := newFixture(t, nil)
	// hand the server a proxy to its own interface living in a second server
	other, err := f.k.NewProcess("other")
	if err != nil {
		t.Fatal(err)
	}
	object, _ := other.Alloc(16, "object")
	osrv := &testServer{object: object}
	other.SetEntry(osrv)
	stub, err := f.k.Export(other, object, iidTest)
	if err != nil {
		t.Fatal(err)
	}
	n, err := f.call(mNested, uint32(stub))
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 || osrv.calls.Load() == 0 {
		t.Fatalf("nested call = %d, other server calls %d", n, osrv.calls.Load())
	}
	if f.t.Depth() != 0 {
		t.Fatalf("thread depth %d after nested call", f.t.Depth())
	}
}

func TestRecordStackPlacement(t *testing.T) {
	f := newFixture(t, nil)
	c := f.k.Config()
	f.server.NewThread()
	r, err := f.server.getUpcallRecord()
	if err != nil {
		t.Fatal(err)
	}
	lo, hi := r.Stack()
	if lo != c.UserMax-2*c.UpcallStackSize || hi != lo+c.UpcallStackSize-c.PageSize {
		t.Fatalf("stack %#x-%#x", lo, hi)
	}
	if f.server.IsValid(hi, 1) {
		t.Fatal("guard page is mapped")
	}
	u := r.Context()
	if u.Reg(cpu.CS) != cpu.UCODESEL || u.Reg(cpu.EFLAGS) != cpu.EFLAGS_USER || uint64(u.Reg(cpu.ESP)) != hi {
		t.Fatalf("bad initial context: %s", &u)
	}
	r2, _ := f.server.getUpcallRecord()
	lo2, _ := r2.Stack()
	if lo2 != lo-c.UpcallStackSize {
		t.Fatalf("second stack at %#x", lo2)
	}
	f.server.putUpcallRecord(r)
	f.server.putUpcallRecord(r2)
	if got, _ := f.server.getUpcallRecord(); got != r2 {
		t.Fatal("free list does not hand back the last record returned")
	}
}

func TestRecordTLS(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.server.SetTLS([]byte{1, 2, 3}, 16, 16); err != nil {
		t.Fatal(err)
	}
	out := f.buf(t, make([]byte, 8))
	if _, err := f.call(mName, uint32(out), 8); err != nil {
		t.Fatal(err)
	}
	r, _ := f.server.getUpcallRecord()
	tls := make([]byte, 16)
	if err := f.server.Read(tls, r.TLS()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tls, []byte{1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("tls = %x", tls)
	}
	if r.TLS()%16 != 0 {
		t.Fatalf("tls %#x misaligned", r.TLS())
	}
	if err := f.server.SetTLS(make([]byte, 8), 4, 4); errors.Cause(err) != unix.EINVAL {
		t.Fatalf("oversized tls image: %v", err)
	}
}

func TestUpcallWideText(t *testing.T) {
	f := newFixture(t, nil)
	in := f.buf(t, []byte{'h', 0, 'i', 0, 0, 0})
	out := f.buf(t, make([]byte, 16))
	n, err := f.call(mWEcho, uint32(in), uint32(out), 8)
	if err != nil || n != 2 {
		t.Fatalf("wecho = %d, %v", n, err)
	}
	got := make([]byte, 6)
	f.k.Core().Read(got, out)
	if !bytes.Equal(got, []byte{'h', 0, 'i', 0, 0, 0}) {
		t.Fatalf("wecho wrote %x", got)
	}

	// last heap mapping with no zero element, so the scan runs off its end
	page := f.k.Config().PageSize
	in = f.buf(t, bytes.Repeat([]byte{'x'}, int(page)))
	calls := f.srv.calls.Load()
	if _, err := f.call(mWEcho, uint32(in), uint32(out), 8); Errno(err) != unix.EFAULT {
		t.Fatalf("unterminated wide text: %v", err)
	}
	if f.srv.calls.Load() != calls {
		t.Fatal("server ran despite the fault")
	}
}

func TestUpcallOutputObject(t *testing.T) {
	f := newFixture(t, nil)
	slot := f.buf(t, make([]byte, 4))
	if _, err := f.call(mOutObj, uint32(slot)); Errno(err) != unix.EINVAL {
		t.Fatalf("output object parameter: %v", err)
	}
	if f.srv.calls.Load() != 0 {
		t.Fatal("server ran despite the rejected parameter")
	}
	total, free := f.server.Records()
	if total != 1 || free != 1 {
		t.Fatalf("records total=%d free=%d", total, free)
	}
}

func TestUpcallReturnTableFull(t *testing.T) {
	config := models.DefaultConfig()
	config.ProxyTableSize = 1
	f := newFixture(t, config)
	// the exported stub holds the only slot, so returning self needs a second
	if _, err := f.call(mSelf); Errno(err) != unix.ENFILE {
		t.Fatalf("self on a full broker: %v", err)
	}
	total, free := f.server.Records()
	if total != 1 || free != 1 {
		t.Fatalf("records total=%d free=%d", total, free)
	}
	if f.k.Broker().Len() != 1 {
		t.Fatalf("broker len %d", f.k.Broker().Len())
	}
}

func TestUpcallExitedServer(t *testing.T) {
	f := newFixture(t, nil)
	f.k.Exit(f.server)
	if _, err := f.call(mName, 0, 0); Errno(err) != unix.ESRCH {
		t.Fatalf("call into exited server: %v", err)
	}
}
