package server

import (
	"unicode/utf16"

	"github.com/pkg/errors"

	"github.com/berkus/es-operating-system/go/kernel"
	"github.com/berkus/es-operating-system/go/models"
)

type (
	// Buf is a server-side buffer the kernel copied a caller's data into.
	Buf struct {
		Addr uint64
		P    *kernel.Process
	}
	// Obuf is a server-side buffer copied back to the caller on return.
	Obuf struct{ Buf }
	Len  uint32
	Ptr  uint32
	// Object is an interface pointer as the server process sees it: one of
	// its own objects or a syscall proxy.
	Object uint32
)

func NewBuf(p *kernel.Process, addr uint64) Buf {
	return Buf{P: p, Addr: addr}
}

func (b Buf) Struc() *models.StrucStream {
	return models.StrucAt(b.P.Mem(), b.Addr)
}

func (b Buf) Pack(i interface{}) error {
	return errors.Wrap(b.Struc().Pack(i), "struc.Pack() failed")
}

func (b Buf) Unpack(i interface{}) error {
	return errors.Wrap(b.Struc().Unpack(i), "struc.Unpack() failed")
}

func (b Buf) Sizeof(i interface{}) (int, error) {
	n, err := b.Struc().Sizeof(i)
	return n, errors.Wrap(err, "struc.Sizeof() failed")
}

// Bytes reads n bytes from the buffer.
func (b Buf) Bytes(n Len) ([]byte, error) {
	out := make([]byte, n)
	return out, b.P.Read(out, b.Addr)
}

// WriteBytes copies p into the buffer.
func (b Buf) WriteBytes(p []byte) error {
	return b.P.Write(b.Addr, p)
}

// WriteString writes s and a terminator, truncating to fit n bytes, and
// returns the number of bytes written before the terminator.
func (b Buf) WriteString(s string, n Len) (int, error) {
	if n == 0 {
		return 0, nil
	}
	if len(s) > int(n)-1 {
		s = s[:n-1]
	}
	return len(s), b.P.Write(b.Addr, append([]byte(s), 0))
}

// ReadWString decodes a zero terminated wide (UTF-16) string.
func (b Buf) ReadWString() (string, error) {
	mem := b.P.Mem()
	var units []uint16
	for addr := b.Addr; ; addr += 2 {
		u, err := mem.ReadUint(addr, 2)
		if err != nil {
			return "", err
		}
		if u == 0 {
			return string(utf16.Decode(units)), nil
		}
		units = append(units, uint16(u))
	}
}

// WriteWString writes s as UTF-16 with a terminator, truncating to fit n
// elements, and returns the number of elements before the terminator.
func (b Buf) WriteWString(s string, n Len) (int, error) {
	if n == 0 {
		return 0, nil
	}
	units := utf16.Encode([]rune(s))
	if len(units) > int(n)-1 {
		units = units[:n-1]
	}
	mem := b.P.Mem()
	for i, u := range append(units, 0) {
		if err := mem.WriteUint(b.Addr+uint64(2*i), 2, uint64(u)); err != nil {
			return 0, err
		}
	}
	return len(units), nil
}

func (b Buf) ReadWord() (uint32, error) { return b.P.ReadWord(b.Addr) }

func (b Buf) WriteWord(v uint32) error { return b.P.WriteWord(b.Addr, v) }
