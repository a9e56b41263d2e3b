package cpu

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

func checkUint(size, have int) error {
	switch size {
	case 1, 2, 4, 8:
	default:
		return errors.Errorf("unsupported uint size: %d", size)
	}
	if have < size {
		return errors.Errorf("buffer too small (%d < %d)", have, size)
	}
	return nil
}

// PackUint encodes the low size bytes of n into buf, allocating when buf
// is nil, and returns the encoded slice.
func PackUint(order binary.ByteOrder, size int, buf []byte, n uint64) ([]byte, error) {
	if buf == nil {
		buf = make([]byte, size)
	}
	if err := checkUint(size, len(buf)); err != nil {
		return nil, err
	}
	buf = buf[:size]
	if size == 1 {
		buf[0] = byte(n)
		return buf, nil
	}
	var tmp [8]byte
	order.PutUint64(tmp[:], n)
	if order == binary.ByteOrder(binary.BigEndian) {
		copy(buf, tmp[8-size:])
	} else {
		copy(buf, tmp[:size])
	}
	return buf, nil
}

func UnpackUint(order binary.ByteOrder, size int, buf []byte) (uint64, error) {
	if err := checkUint(size, len(buf)); err != nil {
		return 0, err
	}
	var tmp [8]byte
	if order == binary.ByteOrder(binary.BigEndian) {
		copy(tmp[8-size:], buf[:size])
	} else {
		copy(tmp[:], buf[:size])
	}
	return order.Uint64(tmp[:]), nil
}

// PackWords lays out a vector of machine words as they sit on a stack,
// lowest index at the lowest address.
func PackWords(order binary.ByteOrder, words []uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		order.PutUint32(buf[i*4:], w)
	}
	return buf
}
