package kernel

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/berkus/es-operating-system/go/idl"
	"github.com/berkus/es-operating-system/go/models"
	"github.com/berkus/es-operating-system/go/models/cpu"
)

const wordSize = 4

func align4(n uint64) uint64 { return (n + wordSize - 1) &^ (wordSize - 1) }

// codec moves one parameter category between the client's argument words and
// the server's stack. copyOut walks the same arguments in the same order as
// copyIn, replaying the reservations copyIn made.
type codec interface {
	// words is the number of client argument words the parameter takes.
	words(p idl.Parameter) int
	copyIn(m *marshaller, p idl.Parameter) error
	copyOut(m *marshaller, p idl.Parameter) error
}

func codecFor(t idl.Type) (codec, error) {
	switch t.Spec {
	case idl.SpecAny, idl.SpecBool, idl.SpecChar, idl.SpecWChar,
		idl.SpecS8, idl.SpecS16, idl.SpecS32, idl.SpecU8, idl.SpecU16, idl.SpecU32, idl.SpecF32:
		return scalarCodec{size: 4}, nil
	case idl.SpecS64, idl.SpecU64, idl.SpecF64:
		return scalarCodec{size: 8}, nil
	case idl.SpecString:
		return textCodec{elem: 1}, nil
	case idl.SpecWString:
		return textCodec{elem: idl.WCharSize}, nil
	case idl.TypeSequence:
		return sequenceCodec{}, nil
	case idl.SpecUuid, idl.TypeStructure, idl.TypeArray:
		return fixedCodec{}, nil
	case idl.SpecObject, idl.TypeInterface:
		return objectCodec{}, nil
	}
	return nil, errors.Wrapf(unix.EINVAL, "no marshalling for %s", t)
}

// returnParam describes a return value that is written through a caller
// supplied buffer, or reports false when the value comes back in registers.
func returnParam(t idl.Type) (idl.Parameter, bool) {
	switch t.Spec {
	case idl.SpecString, idl.SpecWString, idl.TypeSequence, idl.SpecUuid, idl.TypeStructure, idl.TypeArray:
		return idl.Parameter{Name: "return", Type: t, Direction: idl.Out}, true
	}
	return idl.Parameter{}, false
}

type marshaller struct {
	server *Process
	client *Process
	r      *Record

	pos   int
	vec   []uint32
	esp   uint64
	spans int
	param int
	rc    int64
	iid   models.Guid

	trace bool
	notes []string
}

func newMarshaller(server *Process, r *Record) *marshaller {
	return &marshaller{
		server: server,
		client: r.client,
		r:      r,
		esp:    r.esp(),
		iid:    idl.IInterfaceIID,
		trace:  server.k.tracing(server),
	}
}

func (m *marshaller) arg() (uint32, error) {
	if m.pos >= len(m.r.args) {
		return 0, errors.Wrapf(unix.EINVAL, "%s: missing argument word %d", m.r.method.Name, m.pos)
	}
	w := m.r.args[m.pos]
	m.pos++
	return w, nil
}

func (m *marshaller) push(words ...uint32) {
	m.vec = append(m.vec, words...)
}

func (m *marshaller) note(format string, args ...interface{}) {
	if m.trace {
		m.notes = append(m.notes, fmt.Sprintf(format, args...))
	}
}

// reserve carves size bytes, word aligned, off the server stack.
func (m *marshaller) reserve(size uint64) (uint64, error) {
	n := align4(size)
	if n > m.esp || m.esp-n < m.r.stack {
		return 0, errStackOverflow(m.r, n)
	}
	m.esp -= n
	m.r.spans = append(m.r.spans, span{addr: m.esp, size: n})
	return m.esp, nil
}

func (m *marshaller) replay() (span, error) {
	if m.spans >= len(m.r.spans) {
		return span{}, errors.Wrap(unix.EINVAL, "copy-out walked past the reservations made by copy-in")
	}
	s := m.r.spans[m.spans]
	m.spans++
	return s, nil
}

func (m *marshaller) toServer(dst, src, n uint64) error {
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if err := m.client.Read(buf, src); err != nil {
		return err
	}
	return m.server.Write(dst, buf)
}

func (m *marshaller) toClient(dst, src, n uint64) error {
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if err := m.server.Read(buf, src); err != nil {
		return err
	}
	return m.client.Write(dst, buf)
}

// copyIn builds the server-side call frame for r: the receiver, any return
// buffer and every parameter, laid out below the record's stack pointer.
func (p *Process) copyIn(r *Record) error {
	m := newMarshaller(p, r)
	if err := m.copyIn(); err != nil {
		p.releaseTemps(r)
		r.spans = r.spans[:0]
		return err
	}
	return nil
}

func (m *marshaller) copyIn() error {
	r := m.r
	m.push(uint32(r.object))
	if ret, ok := returnParam(r.method.Return); ok {
		m.param = -1
		c, err := codecFor(ret.Type)
		if err != nil {
			return err
		}
		if err := c.copyIn(m, ret); err != nil {
			return err
		}
	}
	for i, param := range r.method.Parameters {
		m.param = i
		c, err := codecFor(param.Type)
		if err != nil {
			return err
		}
		if err := c.copyIn(m, param); err != nil {
			return errors.Wrapf(err, "%s::%s(%s)", r.iface.Name, r.method.Name, param.Name)
		}
	}
	size := uint64(len(m.vec)) * wordSize
	if size > m.esp || m.esp-size < r.stack {
		return errStackOverflow(r, size)
	}
	m.esp -= size
	if err := m.server.Write(m.esp, cpu.PackWords(m.server.mem.Order(), m.vec)); err != nil {
		return err
	}
	r.ureg.SetReg(cpu.ESP, uint32(m.esp))
	if m.trace {
		m.server.k.traceCall(r, m.notes)
	}
	return nil
}

// copyOut copies results back to the client. iid ends up as the effective
// interface id of an object result: the last input uuid, or IInterface.
func (p *Process) copyOut(r *Record, iid *models.Guid) error {
	m := newMarshaller(p, r)
	m.rc = r.ureg.Result()
	err := m.copyOut()
	*iid = m.iid
	p.releaseTemps(r)
	return err
}

func (m *marshaller) copyOut() error {
	r := m.r
	if ret, ok := returnParam(r.method.Return); ok {
		m.param = -1
		c, err := codecFor(ret.Type)
		if err != nil {
			return err
		}
		if err := c.copyOut(m, ret); err != nil {
			return err
		}
	}
	for i, param := range r.method.Parameters {
		m.param = i
		c, err := codecFor(param.Type)
		if err != nil {
			return err
		}
		if err := c.copyOut(m, param); err != nil {
			return errors.Wrapf(err, "%s::%s(%s)", r.iface.Name, r.method.Name, param.Name)
		}
	}
	return nil
}

// releaseTemps drops the syscall proxies copy-in created for object
// arguments.
func (p *Process) releaseTemps(r *Record) {
	for _, t := range r.temps {
		p.syscalls.Release(t.handle)
	}
	r.temps = r.temps[:0]
}

type scalarCodec struct{ size uint64 }

func (c scalarCodec) words(p idl.Parameter) int {
	if p.IsInput() {
		return int(c.size / wordSize)
	}
	return 1
}

func (c scalarCodec) copyIn(m *marshaller, p idl.Parameter) error {
	if p.IsInput() {
		for i := uint64(0); i < c.size/wordSize; i++ {
			w, err := m.arg()
			if err != nil {
				return err
			}
			m.push(w)
			m.note("%s=%#x", p.Name, w)
		}
		return nil
	}
	ptr, err := m.arg()
	if err != nil {
		return err
	}
	addr, err := m.reserve(c.size)
	if err != nil {
		return err
	}
	if p.Direction == idl.InOut {
		if err := m.toServer(addr, uint64(ptr), c.size); err != nil {
			return err
		}
	}
	m.push(uint32(addr))
	m.note("%s %s", p.Direction, p.Name)
	return nil
}

func (c scalarCodec) copyOut(m *marshaller, p idl.Parameter) error {
	if p.IsInput() {
		m.pos += int(c.size / wordSize)
		return nil
	}
	ptr, err := m.arg()
	if err != nil {
		return err
	}
	s, err := m.replay()
	if err != nil {
		return err
	}
	return m.toClient(uint64(ptr), s.addr, c.size)
}

type textCodec struct{ elem uint64 }

func (c textCodec) words(p idl.Parameter) int {
	if p.IsInput() {
		return 1
	}
	return 2
}

// scan reads a zero terminated string out of the client, validating every
// element, and returns it with its terminator.
func (c textCodec) scan(m *marshaller, ptr uint64) ([]byte, error) {
	var out []byte
	elem := make([]byte, c.elem)
	for addr := ptr; ; addr += c.elem {
		if !m.client.mem.IsValid(addr, c.elem, cpu.PROT_READ) {
			return nil, errors.Wrapf(unix.EFAULT, "unterminated string at %#x", ptr)
		}
		if err := m.client.Read(elem, addr); err != nil {
			return nil, err
		}
		out = append(out, elem...)
		zero := true
		for _, b := range elem {
			if b != 0 {
				zero = false
				break
			}
		}
		if zero {
			return out, nil
		}
	}
}

func (c textCodec) copyIn(m *marshaller, p idl.Parameter) error {
	ptr, err := m.arg()
	if err != nil {
		return err
	}
	if p.IsInput() {
		text, err := c.scan(m, uint64(ptr))
		if err != nil {
			return err
		}
		addr, err := m.reserve(uint64(len(text)))
		if err != nil {
			return err
		}
		if err := m.server.Write(addr, text); err != nil {
			return err
		}
		m.push(uint32(addr))
		m.note("%s=%s", p.Name, models.Repr(text[:uint64(len(text))-c.elem], m.server.k.config.Strsize))
		return nil
	}
	count, err := m.arg()
	if err != nil {
		return err
	}
	size := c.elem * uint64(count)
	addr, err := m.reserve(size)
	if err != nil {
		return err
	}
	if !p.IsOutput() {
		if err := m.toServer(addr, uint64(ptr), size); err != nil {
			return err
		}
	}
	m.push(uint32(addr), count)
	m.note("%s %s[%d]", p.Direction, p.Name, count)
	return nil
}

func (c textCodec) copyOut(m *marshaller, p idl.Parameter) error {
	ptr, err := m.arg()
	if err != nil {
		return err
	}
	if p.IsInput() {
		_, err := m.replay()
		return err
	}
	count, err := m.arg()
	if err != nil {
		return err
	}
	s, err := m.replay()
	if err != nil {
		return err
	}
	if m.rc > 0 {
		return m.toClient(uint64(ptr), s.addr, c.elem*uint64(count))
	}
	return nil
}

type sequenceCodec struct{}

func (sequenceCodec) words(p idl.Parameter) int { return 2 }

func (sequenceCodec) copyIn(m *marshaller, p idl.Parameter) error {
	ptr, err := m.arg()
	if err != nil {
		return err
	}
	count, err := m.arg()
	if err != nil {
		return err
	}
	size := uint64(p.Type.Size) * uint64(count)
	addr, err := m.reserve(size)
	if err != nil {
		return err
	}
	if !p.IsOutput() {
		if err := m.toServer(addr, uint64(ptr), size); err != nil {
			return err
		}
	}
	m.push(uint32(addr), count)
	m.note("%s %s[%d]", p.Direction, p.Name, count)
	return nil
}

func (sequenceCodec) copyOut(m *marshaller, p idl.Parameter) error {
	ptr, err := m.arg()
	if err != nil {
		return err
	}
	count, err := m.arg()
	if err != nil {
		return err
	}
	s, err := m.replay()
	if err != nil {
		return err
	}
	if !p.IsInput() && 0 < m.rc && m.rc <= int64(count) {
		return m.toClient(uint64(ptr), s.addr, uint64(p.Type.Size)*uint64(m.rc))
	}
	return nil
}

// fixedCodec handles uuids, structures and arrays: values of a static size
// passed by address.
type fixedCodec struct{}

func (fixedCodec) words(p idl.Parameter) int { return 1 }

func (fixedCodec) readIID(m *marshaller, ptr uint64) error {
	raw := make([]byte, models.GuidSize)
	if err := m.client.Read(raw, ptr); err != nil {
		return err
	}
	iid, err := models.DecodeGuid(raw)
	if err != nil {
		return err
	}
	m.iid = iid
	return nil
}

func (c fixedCodec) copyIn(m *marshaller, p idl.Parameter) error {
	ptr, err := m.arg()
	if err != nil {
		return err
	}
	if p.Type.Spec == idl.SpecUuid && p.IsInput() {
		if err := c.readIID(m, uint64(ptr)); err != nil {
			return err
		}
		m.note("%s=%s", p.Name, m.iid)
	} else {
		m.note("%s %s", p.Direction, p.Name)
	}
	size := uint64(p.Type.StaticSize())
	addr, err := m.reserve(size)
	if err != nil {
		return err
	}
	if !p.IsOutput() {
		if err := m.toServer(addr, uint64(ptr), size); err != nil {
			return err
		}
	}
	m.push(uint32(addr))
	return nil
}

func (c fixedCodec) copyOut(m *marshaller, p idl.Parameter) error {
	ptr, err := m.arg()
	if err != nil {
		return err
	}
	s, err := m.replay()
	if err != nil {
		return err
	}
	if p.Type.Spec == idl.SpecUuid && p.IsInput() {
		if err := c.readIID(m, uint64(ptr)); err != nil {
			return err
		}
	}
	if !p.IsInput() {
		return m.toClient(uint64(ptr), s.addr, uint64(p.Type.StaticSize()))
	}
	return nil
}

// objectCodec passes interface pointers. Pointers back into the receiving
// process unwrap to the real object; anything else is given to the server
// through a syscall proxy that lives for the duration of the call.
type objectCodec struct{}

func (objectCodec) words(p idl.Parameter) int { return 1 }

func (objectCodec) copyIn(m *marshaller, p idl.Parameter) error {
	if !p.IsInput() {
		return errors.Wrap(unix.EINVAL, "interface pointers can only be passed in")
	}
	if p.Type.Spec == idl.TypeInterface {
		m.iid = p.Type.IID
	}
	ptr, err := m.arg()
	if err != nil {
		return err
	}
	if ptr == 0 {
		m.push(0)
		m.note("%s=null", p.Name)
		return nil
	}
	k := m.server.k
	if h, ok := k.broker.Resolve(uint64(ptr)); ok {
		if e, err := k.broker.Lookup(h); err == nil && e.Owner == m.server {
			m.r.args[m.pos-1] = 0
			m.push(uint32(e.Object))
			m.note("%s=%#x", p.Name, e.Object)
			return nil
		}
	}
	h, ipt, err := m.server.bindSyscall(uint64(ptr), m.iid)
	if err != nil {
		return err
	}
	m.r.temps = append(m.r.temps, temp{param: m.param, handle: h})
	m.push(uint32(ipt))
	m.note("%s=ipt[%d]", p.Name, h.Index)
	return nil
}

func (objectCodec) copyOut(m *marshaller, p idl.Parameter) error {
	m.pos++
	return nil
}

type objectArg struct {
	index int
	iid   models.Guid
}

// objectArgs locates the interface pointer arguments of a call in the
// client's argument words.
func objectArgs(method *idl.Method) []objectArg {
	var out []objectArg
	pos := 0
	if ret, ok := returnParam(method.Return); ok {
		if c, err := codecFor(ret.Type); err == nil {
			pos += c.words(ret)
		}
	}
	for _, p := range method.Parameters {
		c, err := codecFor(p.Type)
		if err != nil {
			continue
		}
		if p.Type.IsObject() {
			iid := idl.IInterfaceIID
			if p.Type.Spec == idl.TypeInterface {
				iid = p.Type.IID
			}
			out = append(out, objectArg{index: pos, iid: iid})
		}
		pos += c.words(p)
	}
	return out
}

// ArgWords is the number of 32-bit words p takes, both in the caller's
// argument list and in the frame the server sees.
func ArgWords(p idl.Parameter) int {
	c, err := codecFor(p.Type)
	if err != nil {
		return 0
	}
	return c.words(p)
}

// ReturnWords is the number of leading words a return value written through
// a caller buffer takes.
func ReturnWords(t idl.Type) int {
	p, ok := returnParam(t)
	if !ok {
		return 0
	}
	return ArgWords(p)
}
