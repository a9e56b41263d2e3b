package server

import (
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/idl"
	"github.com/berkus/es-operating-system/go/kernel"
	"github.com/berkus/es-operating-system/go/models"
)

const calcIDL = `
[[interface]]
name = "ICalc"
iid = "ca1c0000-0000-0000-0000-000000000001"

  [[interface.method]]
  name = "add"
  return = "s64"
    [[interface.method.param]]
    name = "a"
    type = "s64"
    [[interface.method.param]]
    name = "b"
    type = "s64"

  [[interface.method]]
  name = "greet"
  return = "s32"
    [[interface.method.param]]
    name = "who"
    type = "string"
    [[interface.method.param]]
    name = "buf"
    type = "string"
    direction = "out"

  [[interface.method]]
  name = "name"
  return = "string"

  [[interface.method]]
  name = "bump"
  return = "void"
    [[interface.method.param]]
    name = "x"
    type = "s32"
    direction = "inout"

  [[interface.method]]
  name = "reverse"
  return = "s32"
    [[interface.method.param]]
    name = "data"
    type = "sequence"
    size = 1
    [[interface.method.param]]
    name = "out"
    type = "sequence"
    size = 1
    direction = "out"

  [[interface.method]]
  name = "same"
  return = "bool"
    [[interface.method.param]]
    name = "id"
    type = "uuid"

  [[interface.method]]
  name = "peer"
  return = "s32"
    [[interface.method.param]]
    name = "other"
    type = "interface"
    iid = "ca1c0000-0000-0000-0000-000000000001"
    tname = "ICalc"

  [[interface.method]]
  name = "fail"
  return = "void"

  [[interface.method]]
  name = "self"
  return = {type = "interface", iid = "ca1c0000-0000-0000-0000-000000000001", tname = "ICalc"}

  [[interface.method]]
  name = "missing"
  return = "void"
`

var iidCalc = models.MustParseGuid("ca1c0000-0000-0000-0000-000000000001")

const (
	mAdd = 3 + iota
	mGreet
	mName
	mBump
	mReverse
	mSame
	mPeer
	mFail
	mSelf
	mMissing
)

type calc struct{ name string }

func (c *calc) Add(a, b int64) int64 { return a + b }

func (c *calc) Greet(who string, buf Obuf, n Len) (int32, error) {
	k, err := buf.WriteString("hi "+who, n)
	return int32(k), err
}

func (c *calc) Name(buf Obuf, n Len) (int32, error) {
	k, err := buf.WriteString(c.name, n)
	return int32(k), err
}

func (c *calc) Bump(x Buf) error {
	v, err := x.ReadWord()
	if err != nil {
		return err
	}
	return x.WriteWord(v + 1)
}

func (c *calc) Reverse(data Buf, n Len, out Obuf, m Len) (int32, error) {
	p, err := data.Bytes(n)
	if err != nil {
		return 0, err
	}
	if m < n {
		return 0, unix.ERANGE
	}
	for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
		p[i], p[j] = p[j], p[i]
	}
	return int32(len(p)), out.WriteBytes(p)
}

func (c *calc) Same(id models.Guid) bool { return id == iidCalc }

func (c *calc) Peer(call *Call, other Object) (int32, error) {
	buf, err := call.Process.Alloc(16, "peer")
	if err != nil {
		return 0, err
	}
	n, err := call.Invoke(other, mName, uint32(buf), 16)
	return int32(n), err
}

func (c *calc) Fail() error { return unix.EPERM }

func (c *calc) Self(call *Call) Object {
	call.Servant.AddRef()
	return Object(call.Servant.Addr)
}

type fixture struct {
	k    *kernel.Kernel
	t    *kernel.Thread
	rt   *Runtime
	s    *Servant
	stub uint64
}

func newFixture(t *testing.T) *fixture {
	reg := idl.NewRegistry()
	if err := reg.Load(strings.NewReader(calcIDL)); err != nil {
		t.Fatal(err)
	}
	k, err := kernel.New(nil, reg, kernel.WithMachine(kernel.SyncMachine))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(k.Close)
	p, err := k.NewProcess("calc")
	if err != nil {
		t.Fatal(err)
	}
	rt := New(p)
	s, stub, err := rt.Publish(&calc{name: "calc"}, iidCalc)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{k: k, t: k.NewThread(), rt: rt, s: s, stub: stub}
}

func (f *fixture) call(stub uint64, method int, args ...uint32) (int64, error) {
	return f.k.Upcall(f.t, stub, f.k.Broker().Base(), method, args)
}

func (f *fixture) buf(t *testing.T, data []byte) uint32 {
	addr, err := f.k.Core().Alloc(uint64(len(data)), "buf")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.k.Core().Write(addr, data); err != nil {
		t.Fatal(err)
	}
	return uint32(addr)
}

func (f *fixture) read(t *testing.T, addr uint32, n int) []byte {
	p := make([]byte, n)
	if err := f.k.Core().Read(p, uint64(addr)); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRuntimeScalars(t *testing.T) {
	f := newFixture(t)
	a, b := int64(-5), int64(1)<<40
	n, err := f.call(f.stub, mAdd, uint32(a), uint32(uint64(a)>>32), uint32(b), uint32(uint64(b)>>32))
	if err != nil {
		t.Fatal(err)
	}
	if n != a+b {
		t.Fatalf("add = %d, want %d", n, a+b)
	}
	x := f.buf(t, []byte{41, 0, 0, 0})
	if _, err := f.call(f.stub, mBump, x); err != nil {
		t.Fatal(err)
	}
	if got := f.read(t, x, 4); got[0] != 42 {
		t.Fatalf("bump wrote %v", got)
	}
	if f.rt.Startups() != 1 {
		t.Fatalf("startup ran %d times", f.rt.Startups())
	}
}

func TestRuntimeText(t *testing.T) {
	f := newFixture(t)
	who := f.buf(t, []byte("bob\x00"))
	out := f.buf(t, make([]byte, 16))
	n, err := f.call(f.stub, mGreet, who, out, 16)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(f.read(t, out, int(n))); n != 6 || got != "hi bob" {
		t.Fatalf("greet = %d %q", n, got)
	}
	name := f.buf(t, make([]byte, 8))
	if _, err := f.call(f.stub, mName, name, 8); err != nil {
		t.Fatal(err)
	}
	if got := f.read(t, name, 5); string(got) != "calc\x00" {
		t.Fatalf("name wrote %q", got)
	}
}

func TestRuntimeSequence(t *testing.T) {
	f := newFixture(t)
	in := f.buf(t, []byte{1, 2, 3})
	out := f.buf(t, make([]byte, 4))
	n, err := f.call(f.stub, mReverse, in, 3, out, 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{3, 2, 1, 0}, f.read(t, out, 4)); n != 3 || diff != "" {
		t.Fatalf("reverse = %d (-want +got):\n%s", n, diff)
	}
	if _, err := f.call(f.stub, mReverse, in, 3, out, 2); kernel.Errno(err) != unix.ERANGE {
		t.Fatalf("short reverse: %v", err)
	}
}

func TestRuntimeGuid(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct {
		id   models.Guid
		want int64
	}{
		{iidCalc, 1},
		{idl.IInterfaceIID, 0},
	} {
		n, err := f.call(f.stub, mSame, f.buf(t, tc.id.Bytes()))
		if err != nil {
			t.Fatal(err)
		}
		if n != tc.want {
			t.Errorf("same(%s) = %d", tc.id, n)
		}
	}
}

func TestRuntimeErrors(t *testing.T) {
	f := newFixture(t)
	if _, err := f.call(f.stub, mFail); kernel.Errno(err) != unix.EPERM {
		t.Fatalf("fail: %v", err)
	}
	if _, err := f.call(f.stub, mMissing); kernel.Errno(err) != unix.ENOSYS {
		t.Fatalf("missing: %v", err)
	}
	if _, _, err := f.rt.Publish(&calc{}, models.MustParseGuid("ca1c0000-0000-0000-0000-0000000000ff")); kernel.Errno(err) != unix.ENOENT {
		t.Fatalf("publish unknown iid: %v", err)
	}
}

func TestRuntimeRefcounts(t *testing.T) {
	f := newFixture(t)
	self, err := f.call(f.stub, mSelf)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.k.ProxyHandle(uint64(self)); !ok || uint64(self) == f.stub {
		t.Fatalf("self returned %#x", self)
	}
	if f.s.Refs() != 2 {
		t.Fatalf("self left %d refs", f.s.Refs())
	}
	if _, err := f.call(uint64(self), idl.Release); err != nil {
		t.Fatal(err)
	}
	if f.s.Refs() != 1 {
		t.Fatalf("releasing self left %d refs", f.s.Refs())
	}

	// the first addRef through a published stub reaches the servant, the
	// proxy keeps the rest until its last release
	if _, err := f.call(f.stub, idl.AddRef); err != nil {
		t.Fatal(err)
	}
	if f.s.Refs() != 2 {
		t.Fatalf("forwarded addRef left %d refs", f.s.Refs())
	}
	if _, err := f.call(f.stub, idl.Release); err != nil {
		t.Fatal(err)
	}
	if f.s.Refs() != 2 {
		t.Fatalf("local release left %d refs", f.s.Refs())
	}
	if _, err := f.call(f.stub, idl.Release); err != nil {
		t.Fatal(err)
	}
	if f.s.Refs() != 1 {
		t.Fatalf("last release left %d refs", f.s.Refs())
	}
	if _, err := f.call(f.stub, mAdd, 0, 0, 0, 0); kernel.Errno(err) != unix.EBADFD {
		t.Fatalf("call through released stub: %v", err)
	}
}

func TestRuntimeQueryInterface(t *testing.T) {
	f := newFixture(t)
	got, err := f.call(f.stub, idl.QueryInterface, f.buf(t, idl.IInterfaceIID.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if got == 0 {
		t.Fatal("ICalc does not answer IInterface")
	}
	if _, err := f.call(uint64(got), idl.Release); err != nil {
		t.Fatal(err)
	}
	other := models.MustParseGuid("ca1c0000-0000-0000-0000-0000000000ff")
	if got, err := f.call(f.stub, idl.QueryInterface, f.buf(t, other.Bytes())); err != nil || got != 0 {
		t.Fatalf("query for unknown iid = %#x, %v", got, err)
	}
	if f.s.Refs() != 1 {
		t.Fatalf("queryInterface left %d refs", f.s.Refs())
	}
}

func TestRuntimePeerLoopBack(t *testing.T) {
	f := newFixture(t)
	n, err := f.call(f.stub, mPeer, uint32(f.stub))
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("peer name length %d", n)
	}
	if f.t.Depth() != 0 {
		t.Fatalf("depth %d after return", f.t.Depth())
	}
}

func TestRuntimePeerNested(t *testing.T) {
	f := newFixture(t)
	p, err := f.k.NewProcess("other")
	if err != nil {
		t.Fatal(err)
	}
	rt := New(p)
	s, stub, err := rt.Publish(&calc{name: "other-calc"}, iidCalc)
	if err != nil {
		t.Fatal(err)
	}
	n, err := f.call(f.stub, mPeer, uint32(stub))
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("peer name length %d", n)
	}
	// the syscall proxy used the stub once, so its broker slot holds a
	// reference on the servant until the slot is released
	if rt.Startups() != 1 || s.Refs() != 2 {
		t.Fatalf("other: startups=%d refs=%d", rt.Startups(), s.Refs())
	}
}

func TestFrameValues(t *testing.T) {
	reg := idl.NewRegistry()
	if err := reg.Load(strings.NewReader(calcIDL)); err != nil {
		t.Fatal(err)
	}
	iface, _ := reg.Lookup(iidCalc)
	add := &iface.Methods[0]
	if n := frameWords(add); n != 4 {
		t.Fatalf("add takes %d words", n)
	}
	got := frameValues(add, []uint32{1, 2, 3, 4})
	if diff := cmp.Diff([]uint64{2<<32 | 1, 4<<32 | 3}, got); diff != "" {
		t.Fatalf("add values (-want +got):\n%s", diff)
	}
	name := &iface.Methods[2]
	if diff := cmp.Diff([]uint64{0x100, 8}, frameValues(name, []uint32{0x100, 8})); diff != "" {
		t.Fatalf("name values (-want +got):\n%s", diff)
	}
}

func TestResult(t *testing.T) {
	vals := func(v ...interface{}) []reflect.Value {
		out := make([]reflect.Value, len(v))
		for i, x := range v {
			out[i] = reflect.ValueOf(x)
		}
		return out
	}
	var nilErr error
	cases := []struct {
		out  []reflect.Value
		want uint64
	}{
		{vals(int32(-1)), math.MaxUint64},
		{vals(uint16(7)), 7},
		{vals(true), 1},
		{vals(float32(1)), uint64(math.Float32bits(1))},
		{vals(Object(0x10)), 0x10},
		{append(vals(int64(3)), reflect.ValueOf(&nilErr).Elem()), 3},
		{nil, 0},
	}
	for _, c := range cases {
		got, err := result(c.out)
		if err != nil || got != c.want {
			t.Errorf("result(%v) = %#x, %v", c.out, got, err)
		}
	}
	failed := errors.New("boom")
	if _, err := result([]reflect.Value{reflect.ValueOf(&failed).Elem()}); err != failed {
		t.Fatalf("error not passed through: %v", err)
	}
}

func TestGoName(t *testing.T) {
	for in, want := range map[string]string{"queryInterface": "QueryInterface", "echo": "Echo", "": ""} {
		if got := goName(in); got != want {
			t.Errorf("goName(%q) = %q", in, got)
		}
	}
}
