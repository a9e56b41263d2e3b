package models

import (
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
)

type StrucStream struct {
	Stream  io.ReadWriter
	Options *struc.Options
}

func NewStrucStream(rw io.ReadWriter, order binary.ByteOrder) *StrucStream {
	return &StrucStream{Stream: rw, Options: &struc.Options{Order: order}}
}

func (s *StrucStream) Pack(vals ...interface{}) error {
	for _, i := range vals {
		if err := struc.PackWithOptions(s.Stream, i, s.Options); err != nil {
			return err
		}
	}
	return nil
}

func (s *StrucStream) Unpack(vals ...interface{}) error {
	for _, i := range vals {
		if err := struc.UnpackWithOptions(s.Stream, i, s.Options); err != nil {
			return err
		}
	}
	return nil
}

func (s *StrucStream) Sizeof(i interface{}) (int, error) {
	return struc.SizeofWithOptions(i, s.Options)
}
