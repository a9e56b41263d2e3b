package server

import (
	"math"

	"github.com/lunixbochs/argjoy"

	"github.com/berkus/es-operating-system/go/models"
)

// argCodec converts a decoded frame value into a servant parameter.
func (r *Runtime) argCodec(arg interface{}, vals []interface{}) error {
	reg, ok := vals[0].(uint64)
	if !ok {
		return argjoy.NoMatch
	}
	switch v := arg.(type) {
	case *Buf:
		*v = NewBuf(r.p, reg)
	case *Obuf:
		*v = Obuf{NewBuf(r.p, reg)}
	case *Len:
		*v = Len(reg)
	case *Ptr:
		*v = Ptr(reg)
	case *Object:
		*v = Object(reg)
	case *bool:
		*v = uint32(reg) != 0
	case *float32:
		*v = math.Float32frombits(uint32(reg))
	case *float64:
		*v = math.Float64frombits(reg)
	case *string:
		s, err := r.readString(reg)
		if err != nil {
			return err
		}
		*v = s
	case *models.Guid:
		p := make([]byte, models.GuidSize)
		if err := r.p.Read(p, reg); err != nil {
			return err
		}
		g, err := models.DecodeGuid(p)
		if err != nil {
			return err
		}
		*v = g
	default:
		return argjoy.NoMatch
	}
	return nil
}

func (r *Runtime) readString(addr uint64) (string, error) {
	var out []byte
	b := make([]byte, 1)
	for {
		if err := r.p.Read(b, addr); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
		addr++
	}
}
