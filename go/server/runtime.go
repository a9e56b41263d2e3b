package server

import (
	"fmt"
	"math"
	"reflect"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/lunixbochs/argjoy"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/idl"
	"github.com/berkus/es-operating-system/go/kernel"
	"github.com/berkus/es-operating-system/go/models"
	"github.com/berkus/es-operating-system/go/models/cpu"
)

// objectSize is the process memory reserved behind each servant so its
// interface pointer is a valid address in the server.
const objectSize = 16

// Servant is an object implemented in Go and served from a process.
type Servant struct {
	Addr  uint64
	IID   models.Guid
	Iface *idl.Interface
	Impl  interface{}

	rt   *Runtime
	refs atomic.Int32
}

func (s *Servant) String() string {
	return fmt.Sprintf("%s@%#x", s.Iface.Name, s.Addr)
}

func (s *Servant) Refs() int32 { return s.refs.Load() }

func (s *Servant) AddRef() uint32 { return uint32(s.refs.Add(1)) }

// Release drops a reference; the servant is unpublished at zero.
func (s *Servant) Release() uint32 {
	n := s.refs.Add(-1)
	if n == 0 {
		s.rt.drop(s)
	}
	return uint32(n)
}

// Call is passed to servant methods whose first parameter is *Call.
type Call struct {
	*kernel.Frame
	Runtime *Runtime
	Servant *Servant
}

// Invoke calls a method through an interface pointer held by the server,
// either one of its own objects or a syscall proxy.
func (c *Call) Invoke(obj Object, method int, args ...uint32) (int64, error) {
	return c.Runtime.Call(c.Thread, obj, method, args...)
}

var callType = reflect.TypeOf((*Call)(nil))

// Runtime is the user-mode side of a server process. It receives upcalls,
// decodes their frames and dispatches them to Go methods by name.
type Runtime struct {
	Argjoy argjoy.Argjoy

	k   *kernel.Kernel
	p   *kernel.Process
	log *zap.Logger

	mu       sync.RWMutex
	servants map[uint64]*Servant
	startups atomic.Int32
}

// New creates a runtime and installs it as p's entry.
func New(p *kernel.Process) *Runtime {
	r := &Runtime{
		k:        p.Kernel(),
		p:        p,
		log:      p.Kernel().Logger().With(zap.Stringer("process", p)),
		servants: make(map[uint64]*Servant),
	}
	r.Argjoy.Register(r.argCodec)
	r.Argjoy.Register(argjoy.IntToInt)
	p.SetEntry(r)
	return r
}

func (r *Runtime) Process() *kernel.Process { return r.p }
func (r *Runtime) Startups() int            { return int(r.startups.Load()) }

// Register makes impl callable as an object implementing iid. The servant
// starts with one reference held by the caller.
func (r *Runtime) Register(impl interface{}, iid models.Guid) (*Servant, error) {
	iface, ok := r.k.Registry().Lookup(iid)
	if !ok {
		return nil, errors.Wrapf(unix.ENOENT, "unknown interface %s", iid)
	}
	addr, err := r.p.Alloc(objectSize, "object:"+iface.Name)
	if err != nil {
		return nil, err
	}
	s := &Servant{Addr: addr, IID: iid, Iface: iface, Impl: impl, rt: r}
	s.refs.Store(1)
	r.mu.Lock()
	r.servants[addr] = s
	r.mu.Unlock()
	r.log.Debug("servant registered", zap.Stringer("servant", s))
	return s, nil
}

// Publish registers impl and exports it through the kernel broker. Clients
// call the returned stub.
func (r *Runtime) Publish(impl interface{}, iid models.Guid) (*Servant, uint64, error) {
	s, err := r.Register(impl, iid)
	if err != nil {
		return nil, 0, err
	}
	stub, err := r.k.Export(r.p, s.Addr, iid)
	if err != nil {
		r.drop(s)
		return nil, 0, err
	}
	return s, stub, nil
}

func (r *Runtime) Servant(addr uint64) (*Servant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servants[addr]
	return s, ok
}

func (r *Runtime) Servants() []*Servant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Servant, 0, len(r.servants))
	for _, s := range r.servants {
		out = append(out, s)
	}
	return out
}

func (r *Runtime) drop(s *Servant) {
	r.mu.Lock()
	delete(r.servants, s.Addr)
	r.mu.Unlock()
	r.log.Debug("servant released", zap.Stringer("servant", s))
}

// Call calls through an interface pointer held by the server process.
// Calls on the process's own objects are dispatched locally.
func (r *Runtime) Call(t *kernel.Thread, obj Object, method int, args ...uint32) (int64, error) {
	if s, ok := r.Servant(uint64(obj)); ok {
		return r.local(t, s, method, args)
	}
	return r.p.Invoke(t, uint64(obj), method, args)
}

// local runs a call on one of our own servants without an upcall. The
// arguments are already in server memory.
func (r *Runtime) local(t *kernel.Thread, s *Servant, method int, args []uint32) (int64, error) {
	_, _, m, err := r.k.Registry().Resolve(s.IID, method)
	if err != nil {
		return 0, err
	}
	var u cpu.Ureg
	u.SetReg(cpu.EAX, uint32(s.Addr))
	u.SetReg(cpu.EDX, uint32(method))
	words := append([]uint32{uint32(s.Addr)}, args...)
	ret, err := r.dispatch(&kernel.Frame{Thread: t, Process: r.p, Ureg: &u}, s, m, words)
	return int64(ret), err
}

func (r *Runtime) Startup(f *kernel.Frame) error {
	r.startups.Add(1)
	r.log.Debug("startup", zap.Int("depth", f.Thread.Depth()))
	return nil
}

// Invoke handles an upcall delivered to the process.
func (r *Runtime) Invoke(f *kernel.Frame) (uint64, unix.Errno) {
	s, ok := r.Servant(f.Object())
	if !ok {
		r.log.Warn("call on unknown object", zap.Uint64("object", f.Object()))
		return 0, unix.EBADFD
	}
	_, _, m, err := r.k.Registry().Resolve(s.IID, f.Method())
	if err != nil {
		return 0, kernel.Errno(err)
	}
	words, err := f.Words(1 + frameWords(m))
	if err != nil {
		return 0, kernel.Errno(err)
	}
	ret, err := r.dispatch(f, s, m, words)
	if err != nil {
		r.log.Debug("servant call failed", zap.Stringer("servant", s), zap.String("method", m.Name), zap.Error(err))
		return 0, kernel.Errno(err)
	}
	return ret, 0
}

// dispatch calls the servant method named after m. words[0] is the
// receiver. The IInterface methods fall back to the runtime's own
// reference counting when the servant does not implement them.
func (r *Runtime) dispatch(f *kernel.Frame, s *Servant, m *idl.Method, words []uint32) (uint64, error) {
	fn := reflect.ValueOf(s.Impl).MethodByName(goName(m.Name))
	if !fn.IsValid() {
		switch f.Method() {
		case idl.QueryInterface:
			return r.queryInterface(s, words)
		case idl.AddRef:
			return uint64(s.AddRef()), nil
		case idl.Release:
			return uint64(s.Release()), nil
		}
		return 0, errors.Wrapf(unix.ENOSYS, "%T has no method %s", s.Impl, goName(m.Name))
	}
	vals := frameValues(m, words[1:])
	ft := fn.Type()
	var in []reflect.Value
	first := 0
	if ft.NumIn() > 0 && ft.In(0) == callType {
		in = append(in, reflect.ValueOf(&Call{Frame: f, Runtime: r, Servant: s}))
		first = 1
	}
	types := make([]reflect.Type, 0, ft.NumIn())
	for i := first; i < ft.NumIn(); i++ {
		types = append(types, ft.In(i))
	}
	if len(types) != len(vals) {
		return 0, errors.Wrapf(unix.EINVAL, "%T.%s takes %d args, frame carries %d", s.Impl, goName(m.Name), len(types), len(vals))
	}
	converted, err := r.Argjoy.Convert(types, false, vals)
	if err != nil {
		return 0, errors.Wrapf(unix.EINVAL, "calling %T.%s(): %s", s.Impl, goName(m.Name), err)
	}
	out := fn.Call(append(in, converted...))
	return result(out)
}

func (r *Runtime) queryInterface(s *Servant, words []uint32) (uint64, error) {
	if len(words) < 2 {
		return 0, errors.Wrap(unix.EINVAL, "queryInterface without riid")
	}
	var riid models.Guid
	if err := r.argCodec(&riid, []interface{}{uint64(words[1])}); err != nil {
		return 0, err
	}
	if !r.k.Registry().Derives(s.IID, riid) {
		return 0, nil
	}
	s.AddRef()
	return s.Addr, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// result folds a servant's return values into the value left in EDX:EAX.
// A trailing error is returned as is.
func result(out []reflect.Value) (uint64, error) {
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if !out[n-1].IsNil() {
			return 0, out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	if len(out) == 0 {
		return 0, nil
	}
	v := out[0]
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil
	case reflect.Bool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	case reflect.Float32:
		return uint64(math.Float32bits(float32(v.Float()))), nil
	case reflect.Float64:
		return math.Float64bits(v.Float()), nil
	}
	return 0, errors.Wrapf(unix.EINVAL, "cannot return %s", v.Type())
}

// frameWords is the number of words after the receiver in a frame for m.
func frameWords(m *idl.Method) int {
	n := kernel.ReturnWords(m.Return)
	for _, p := range m.Parameters {
		n += kernel.ArgWords(p)
	}
	return n
}

// frameValues splits a frame into one value per servant argument: a return
// buffer's words come first, then each parameter's. 64-bit inputs arrive as
// two words and are joined.
func frameValues(m *idl.Method, words []uint32) []uint64 {
	var vals []uint64
	pos := 0
	take := func(n int) {
		for i := 0; i < n && pos < len(words); i++ {
			vals = append(vals, uint64(words[pos]))
			pos++
		}
	}
	take(kernel.ReturnWords(m.Return))
	for _, p := range m.Parameters {
		n := kernel.ArgWords(p)
		if p.IsInput() && wide(p.Type.Spec) && pos+1 < len(words) {
			vals = append(vals, uint64(words[pos+1])<<32|uint64(words[pos]))
			pos += 2
			continue
		}
		take(n)
	}
	return vals
}

func wide(s idl.Spec) bool {
	return s == idl.SpecS64 || s == idl.SpecU64 || s == idl.SpecF64
}

// goName maps an IDL method name to the exported Go method implementing it.
func goName(name string) string {
	if name == "" {
		return name
	}
	rs := []rune(name)
	rs[0] = unicode.ToUpper(rs[0])
	return string(rs)
}
