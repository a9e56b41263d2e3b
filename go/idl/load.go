package idl

import (
	"io"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/berkus/es-operating-system/go/models"
)

// The TOML form of an interface description file:
//
//	[[interface]]
//	name = "IEcho"
//	iid = "..."
//	super = "..."        # optional, defaults to IInterface
//	  [[interface.method]]
//	  name = "echo"
//	  return = "s32"     # or an inline table: {type = "interface", iid = "..."}
//	    [[interface.method.param]]
//	    name = "buf"
//	    type = "sequence"
//	    size = 1
//	    direction = "out"
type fileDesc struct {
	Interface []ifaceDesc `toml:"interface"`
}

type ifaceDesc struct {
	Name   string       `toml:"name"`
	IID    models.Guid  `toml:"iid"`
	Super  models.Guid  `toml:"super"`
	Method []methodDesc `toml:"method"`
}

type methodDesc struct {
	Name   string      `toml:"name"`
	Return typeDesc    `toml:"return"`
	Param  []paramDesc `toml:"param"`
}

type typeDesc struct {
	Type string      `toml:"type"`
	Size uint32      `toml:"size"`
	IID  models.Guid `toml:"iid"`
	Name string      `toml:"tname"`
}

// a bare string is accepted as shorthand for {type = "..."}
func (t *typeDesc) UnmarshalTOML(v interface{}) error {
	switch v := v.(type) {
	case string:
		t.Type = v
	case map[string]interface{}:
		for k, val := range v {
			switch k {
			case "type":
				t.Type, _ = val.(string)
			case "size":
				n, _ := val.(int64)
				t.Size = uint32(n)
			case "iid":
				s, _ := val.(string)
				if err := t.IID.UnmarshalText([]byte(s)); err != nil {
					return err
				}
			case "tname":
				t.Name, _ = val.(string)
			default:
				return errors.Errorf("unknown type key %q", k)
			}
		}
	default:
		return errors.Errorf("bad type description %v", v)
	}
	return nil
}

type paramDesc struct {
	Name      string      `toml:"name"`
	Type      string      `toml:"type"`
	Size      uint32      `toml:"size"`
	IID       models.Guid `toml:"iid"`
	TName     string      `toml:"tname"`
	Direction string      `toml:"direction"`
}

func (p paramDesc) typ() typeDesc {
	return typeDesc{Type: p.Type, Size: p.Size, IID: p.IID, Name: p.TName}
}

func (t typeDesc) build() (Type, error) {
	if t.Type == "" {
		return Type{Spec: SpecVoid}, nil
	}
	spec, err := ParseSpec(t.Type)
	if err != nil {
		return Type{}, err
	}
	out := Type{Spec: spec, Size: t.Size, IID: t.IID, Name: t.Name}
	switch spec {
	case TypeSequence, TypeStructure, TypeArray:
		if out.Size == 0 {
			return Type{}, errors.Errorf("%s needs a size", spec)
		}
	case TypeInterface:
		if out.IID.IsZero() {
			return Type{}, errors.New("interface type needs an iid")
		}
	}
	return out, nil
}

func (d ifaceDesc) build() (Interface, error) {
	iface := Interface{Name: d.Name, IID: d.IID, Super: d.Super}
	if iface.Super.IsZero() {
		iface.Super = IInterfaceIID
	}
	for _, md := range d.Method {
		ret, err := md.Return.build()
		if err != nil {
			return iface, errors.Wrapf(err, "%s::%s return", d.Name, md.Name)
		}
		m := Method{Name: md.Name, Return: ret}
		for _, pd := range md.Param {
			typ, err := pd.typ().build()
			if err != nil {
				return iface, errors.Wrapf(err, "%s::%s(%s)", d.Name, md.Name, pd.Name)
			}
			dir, err := ParseDirection(pd.Direction)
			if err != nil {
				return iface, errors.Wrapf(err, "%s::%s(%s)", d.Name, md.Name, pd.Name)
			}
			m.Parameters = append(m.Parameters, Parameter{Name: pd.Name, Type: typ, Direction: dir})
		}
		iface.Methods = append(iface.Methods, m)
	}
	return iface, nil
}

// Load registers every interface described by the TOML document in r.
// Interfaces may appear in any order as long as each super is defined
// somewhere in the document or already registered.
func (reg *Registry) Load(r io.Reader) error {
	var desc fileDesc
	if _, err := toml.NewDecoder(r).Decode(&desc); err != nil {
		return errors.Wrap(err, "idl decode")
	}
	return reg.loadDesc(desc)
}

func (reg *Registry) LoadFile(path string) error {
	var desc fileDesc
	if _, err := toml.DecodeFile(path, &desc); err != nil {
		return errors.Wrapf(err, "idl %s", path)
	}
	return reg.loadDesc(desc)
}

func (reg *Registry) loadDesc(desc fileDesc) error {
	pending := make([]Interface, 0, len(desc.Interface))
	for _, d := range desc.Interface {
		iface, err := d.build()
		if err != nil {
			return err
		}
		pending = append(pending, iface)
	}
	// register in dependency order
	for len(pending) > 0 {
		var rest []Interface
		for _, iface := range pending {
			if _, ok := reg.Lookup(iface.Super); !ok {
				rest = append(rest, iface)
				continue
			}
			if err := reg.Register(iface); err != nil {
				return err
			}
		}
		if len(rest) == len(pending) {
			return errors.Errorf("interface %s: unknown super interface %s", rest[0].Name, rest[0].Super)
		}
		pending = rest
	}
	return nil
}
