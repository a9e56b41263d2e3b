package trace

import (
	"encoding/binary"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

var TRACE_MAGIC = "ESUP"

var order = binary.LittleEndian

type TraceHeader struct {
	// MAGIC ("ESUP")
	Magic string `struc:"[4]byte"`
	// file format version
	Version uint32
	// Kernel name, right-null-padded.
	Kernel string `struc:"[32]byte"`
	// 32-bit words in the traced address spaces
	WordSize uint8
}

// TraceWriter packs ops into a snappy stream after an uncompressed header.
// It is safe for concurrent use.
type TraceWriter struct {
	mu    sync.Mutex
	w     io.WriteCloser
	zw    *snappy.Writer
	count int
}

func NewWriter(w io.WriteCloser, kernel string) (*TraceWriter, error) {
	header := &TraceHeader{
		Magic:    TRACE_MAGIC,
		Version:  1,
		Kernel:   kernel,
		WordSize: 4,
	}
	if err := struc.PackWithOptions(w, header, strucOptions); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	return &TraceWriter{w: w, zw: snappy.NewBufferedWriter(w)}, nil
}

func (t *TraceWriter) Pack(op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.zw == nil {
		return errors.New("trace writer closed")
	}
	t.count++
	return Pack(t.zw, op)
}

// Count returns the number of ops written so far.
func (t *TraceWriter) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *TraceWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.zw == nil {
		return nil
	}
	err := t.zw.Close()
	t.zw = nil
	if cerr := t.w.Close(); err == nil {
		err = cerr
	}
	return err
}

type TraceReader struct {
	r      io.ReadCloser
	zr     *snappy.Reader
	Header TraceHeader
}

func NewReader(r io.ReadCloser) (*TraceReader, error) {
	t := &TraceReader{r: r}
	if err := struc.UnpackWithOptions(r, &t.Header, strucOptions); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != TRACE_MAGIC {
		return nil, errors.New("invalid trace file magic")
	}
	t.Header.Kernel = strings.TrimRight(t.Header.Kernel, "\x00")
	t.zr = snappy.NewReader(r)
	return t, nil
}

func (t *TraceReader) Next() (Op, error) {
	return Unpack(t.zr)
}

func (t *TraceReader) Close() error {
	t.zr.Reset(nil)
	return t.r.Close()
}
