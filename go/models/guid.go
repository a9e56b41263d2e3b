package models

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// GuidSize is the in-memory size of a Guid.
const GuidSize = 16

// Guid is an interface identifier laid out the way it sits in process memory.
type Guid struct {
	Data1 uint32  `struc:"uint32,little"`
	Data2 uint16  `struc:"uint16,little"`
	Data3 uint16  `struc:"uint16,little"`
	Data4 [8]byte `struc:"[8]byte"`
}

func ParseGuid(s string) (Guid, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Guid{}, errors.Wrapf(err, "bad interface id %q", s)
	}
	return GuidFromUUID(u), nil
}

func MustParseGuid(s string) Guid {
	g, err := ParseGuid(s)
	if err != nil {
		panic(err)
	}
	return g
}

func GuidFromUUID(u uuid.UUID) Guid {
	g := Guid{
		Data1: binary.BigEndian.Uint32(u[0:4]),
		Data2: binary.BigEndian.Uint16(u[4:6]),
		Data3: binary.BigEndian.Uint16(u[6:8]),
	}
	copy(g.Data4[:], u[8:])
	return g
}

func (g Guid) UUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], g.Data1)
	binary.BigEndian.PutUint16(u[4:6], g.Data2)
	binary.BigEndian.PutUint16(u[6:8], g.Data3)
	copy(u[8:], g.Data4[:])
	return u
}

func (g Guid) String() string {
	return g.UUID().String()
}

func (g Guid) GoString() string {
	return fmt.Sprintf("models.MustParseGuid(%q)", g.String())
}

func (g Guid) IsZero() bool {
	return g == Guid{}
}

// Bytes returns the memory image of g.
func (g Guid) Bytes() []byte {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, &g); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// DecodeGuid reads a Guid from its memory image.
func DecodeGuid(p []byte) (Guid, error) {
	var g Guid
	if len(p) < GuidSize {
		return g, errors.Errorf("guid image too short: %d bytes", len(p))
	}
	err := struc.Unpack(bytes.NewReader(p[:GuidSize]), &g)
	return g, errors.Wrap(err, "struc.Unpack() failed")
}

// UnmarshalText lets TOML and flag values carry interface ids.
func (g *Guid) UnmarshalText(text []byte) error {
	parsed, err := ParseGuid(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

func (g Guid) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}
