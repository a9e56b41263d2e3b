// Package idl holds the reflection metadata the upcall marshaller reads:
// interfaces, their methods, and the type of every parameter.
package idl

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/berkus/es-operating-system/go/models"
)

// Spec is the type tag of a parameter or return value.
type Spec int

const (
	SpecVoid Spec = iota
	SpecAny
	SpecBool
	SpecChar
	SpecWChar
	SpecS8
	SpecS16
	SpecS32
	SpecU8
	SpecU16
	SpecU32
	SpecF32
	SpecS64
	SpecU64
	SpecF64
	SpecString
	SpecWString
	SpecUuid
	SpecObject
	TypeSequence
	TypeStructure
	TypeArray
	TypeInterface
	specCount
)

var specNames = [specCount]string{
	"void", "any", "bool", "char", "wchar", "s8", "s16", "s32", "u8", "u16", "u32", "f32",
	"s64", "u64", "f64", "string", "wstring", "uuid", "object",
	"sequence", "struct", "array", "interface",
}

func (s Spec) String() string {
	if s < 0 || s >= specCount {
		return fmt.Sprintf("Spec(%d)", int(s))
	}
	return specNames[s]
}

func ParseSpec(name string) (Spec, error) {
	for i, n := range specNames {
		if n == name {
			return Spec(i), nil
		}
	}
	return 0, errors.Errorf("unknown type %q", name)
}

// WCharSize is the width of a wide character element.
const WCharSize = 2

// Type describes a parameter or return value.
type Type struct {
	Spec Spec
	// element size for sequences, total size for structures and arrays
	Size uint32
	// interface types only
	IID models.Guid
	// optional display name (structure or interface name)
	Name string
}

func (t Type) String() string {
	switch t.Spec {
	case TypeSequence:
		return fmt.Sprintf("sequence<%d>", t.Size)
	case TypeStructure, TypeArray:
		if t.Name != "" {
			return t.Name
		}
		return fmt.Sprintf("%s[%d]", t.Spec, t.Size)
	case TypeInterface:
		if t.Name != "" {
			return t.Name
		}
		return "interface " + t.IID.String()
	}
	return t.Spec.String()
}

// StaticSize is the fixed size of uuid, structure and array values.
func (t Type) StaticSize() uint32 {
	if t.Spec == SpecUuid {
		return models.GuidSize
	}
	return t.Size
}

// IsObject reports whether values of t are interface pointers.
func (t Type) IsObject() bool {
	return t.Spec == SpecObject || t.Spec == TypeInterface
}

type Direction uint8

const (
	In Direction = 1 << iota
	Out
	InOut = In | Out
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case InOut:
		return "inout"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "", "in":
		return In, nil
	case "out":
		return Out, nil
	case "inout":
		return InOut, nil
	}
	return 0, errors.Errorf("unknown direction %q", s)
}

type Parameter struct {
	Name      string
	Type      Type
	Direction Direction
}

// IsInput is true for pure input parameters only; inout parameters are
// neither input nor output and take the caller-buffer path with prefill.
func (p Parameter) IsInput() bool  { return p.Direction == In }
func (p Parameter) IsOutput() bool { return p.Direction == Out }

type Method struct {
	Name       string
	Return     Type
	Parameters []Parameter
}

func (m *Method) String() string {
	params := make([]string, len(m.Parameters))
	for i, p := range m.Parameters {
		params[i] = fmt.Sprintf("%s %s %s", p.Direction, p.Type, p.Name)
	}
	return fmt.Sprintf("%s %s(%s)", m.Return, m.Name, strings.Join(params, ", "))
}

type Interface struct {
	Name  string
	IID   models.Guid
	Super models.Guid
	// methods declared by this interface, not inherited ones
	Methods []Method
	// total number of methods declared by every ancestor
	InheritedMethodCount int
}

func (i *Interface) MethodCount() int { return len(i.Methods) }

// TotalMethodCount counts inherited and own methods.
func (i *Interface) TotalMethodCount() int { return i.InheritedMethodCount + len(i.Methods) }

func (i *Interface) HasSuper() bool { return !i.Super.IsZero() }

// Method returns the own method at local index n.
func (i *Interface) Method(n int) (*Method, error) {
	if n < 0 || n >= len(i.Methods) {
		return nil, errors.Errorf("%s has no method %d", i.Name, n)
	}
	return &i.Methods[n], nil
}
